package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/dgworker/internal/handler"
	"github.com/mattjoyce/dgworker/internal/protocol"
)

type operation func(text string, data map[string]any) (map[string]any, error)

var operations = map[string]operation{
	"UPPERCASE": func(t string, _ map[string]any) (map[string]any, error) {
		return textResult(strings.ToUpper(t), t), nil
	},
	"LOWERCASE": func(t string, _ map[string]any) (map[string]any, error) {
		return textResult(strings.ToLower(t), t), nil
	},
	"REVERSE":      func(t string, _ map[string]any) (map[string]any, error) { return textResult(Reverse(t), t), nil },
	"WORD_COUNT":   func(t string, _ map[string]any) (map[string]any, error) { return wordCount(t), nil },
	"SHA256":       func(t string, _ map[string]any) (map[string]any, error) { return sha256Digest(t), nil },
	"BLAKE3":       func(t string, _ map[string]any) (map[string]any, error) { return blake3Digest(t), nil },
	"WORD_FREQ":    func(t string, _ map[string]any) (map[string]any, error) { return wordFreq(t), nil },
	"JSON_FLATTEN": func(_ string, d map[string]any) (map[string]any, error) { return flatten(d), nil },
}

// SupportedOperations lists the transform operations in sorted order.
func SupportedOperations() []string {
	ops := make([]string, 0, len(operations))
	for name := range operations {
		ops = append(ops, name)
	}
	slices.Sort(ops)
	return ops
}

// Transform applies the text or data operation named by payload.operation.
type Transform struct {
	handler.Base
}

func (t *Transform) RequestType() string { return "TRANSFORM" }

func (t *Transform) Description() string {
	return "Data transformation handler: text case, reversal, counts, hashes and JSON flattening"
}

func (t *Transform) Start(_ context.Context, req *protocol.Request) error {
	if _, ok := req.PayloadValue("operation"); !ok {
		return handler.Validation("Missing 'operation' in payload. Supported: %s",
			strings.Join(SupportedOperations(), ", "))
	}
	return nil
}

func (t *Transform) Compute(_ context.Context, req *protocol.Request) (map[string]any, error) {
	opVal, _ := req.PayloadValue("operation")
	name := strings.ToUpper(fmt.Sprint(opVal))

	op, ok := operations[name]
	if !ok {
		return nil, fmt.Errorf("Unknown operation: '%s'. Supported: %s",
			name, strings.Join(SupportedOperations(), ", "))
	}

	text := ""
	if v, ok := req.PayloadValue("text"); ok && v != nil {
		s, isString := v.(string)
		if !isString {
			return nil, fmt.Errorf("'text' must be a string, got %T", v)
		}
		text = s
	}

	data := map[string]any{}
	if v, ok := req.PayloadValue("data"); ok && v != nil {
		m, isObject := v.(map[string]any)
		if !isObject {
			return nil, fmt.Errorf("'data' must be an object, got %T", v)
		}
		data = m
	}

	result, err := op(text, data)
	if err != nil {
		return nil, err
	}
	result["operation"] = name
	return result, nil
}

func textResult(result, original string) map[string]any {
	return map[string]any{"result": result, "original": original}
}

// Reverse reverses s by code point.
func Reverse(s string) string {
	r := []rune(s)
	slices.Reverse(r)
	return string(r)
}

func wordCount(text string) map[string]any {
	lines := strings.Count(text, "\n")
	if text != "" {
		lines++
	}
	return map[string]any{
		"wordCount": len(strings.Fields(text)),
		"charCount": utf8.RuneCountInString(text),
		"lineCount": lines,
	}
}

func sha256Digest(text string) map[string]any {
	sum := sha256.Sum256([]byte(text))
	return map[string]any{
		"hash":        hex.EncodeToString(sum[:]),
		"algorithm":   "SHA-256",
		"inputLength": utf8.RuneCountInString(text),
	}
}

func blake3Digest(text string) map[string]any {
	sum := blake3.Sum256([]byte(text))
	return map[string]any{
		"hash":        hex.EncodeToString(sum[:]),
		"algorithm":   "BLAKE3",
		"inputLength": utf8.RuneCountInString(text),
	}
}

var wordPattern = regexp.MustCompile(`[\p{L}\p{N}_]+`)

const topWordsLimit = 10

func wordFreq(text string) map[string]any {
	words := wordPattern.FindAllString(strings.ToLower(text), -1)

	counts := make(map[string]int, len(words))
	var order []string
	for _, w := range words {
		if counts[w] == 0 {
			order = append(order, w)
		}
		counts[w]++
	}

	// Stable sort keeps first-seen order among equal counts.
	slices.SortStableFunc(order, func(a, b string) int { return counts[b] - counts[a] })
	if len(order) > topWordsLimit {
		order = order[:topWordsLimit]
	}

	top := make([]map[string]any, 0, len(order))
	for _, w := range order {
		top = append(top, map[string]any{"word": w, "count": counts[w]})
	}
	return map[string]any{
		"totalWords":  len(words),
		"uniqueWords": len(counts),
		"topWords":    top,
	}
}

// flatten joins nested keys with "." and array indexes with "[i]". Keys are
// visited in sorted order, so when two paths flatten to the same key (for
// example "a.b" next to {"a":{"b":..}}) the later one in that order wins and
// the key is listed in collisions. keyCount counts distinct keys, leafCount
// every leaf visited.
func flatten(data map[string]any) map[string]any {
	f := flattener{out: make(map[string]any)}
	f.walk("", data)
	result := map[string]any{
		"flattened": f.out,
		"keyCount":  len(f.out),
		"leafCount": f.leaves,
	}
	if len(f.collisions) > 0 {
		slices.Sort(f.collisions)
		result["collisions"] = slices.Compact(f.collisions)
	}
	return result
}

type flattener struct {
	out        map[string]any
	leaves     int
	collisions []string
}

func (f *flattener) walk(key string, v any) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			next := k
			if key != "" {
				next = key + "." + k
			}
			f.walk(next, t[k])
		}
	case []any:
		for i, child := range t {
			f.walk(key+"["+strconv.Itoa(i)+"]", child)
		}
	default:
		if _, dup := f.out[key]; dup {
			f.collisions = append(f.collisions, key)
		}
		f.out[key] = v
		f.leaves++
	}
}
