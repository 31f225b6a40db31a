// Command textkit is a dgworker process plugin. It reads one
// plugin.ProcessRequest from stdin and writes one plugin.ProcessResponse to
// stdout. The handler class is its only argument.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/mattjoyce/dgworker/internal/plugin"
)

const protocolVersion = 1

var placeholder = regexp.MustCompile(`\$\{([A-Za-z0-9_.\-]+)\}`)

func main() {
	resp := handle(os.Args[1:], os.Stdin)
	_ = json.NewEncoder(os.Stdout).Encode(resp)
}

func handle(args []string, stdin io.Reader) plugin.ProcessResponse {
	if len(args) != 1 {
		return errResp("usage: textkit <class>")
	}

	var req plugin.ProcessRequest
	if err := json.NewDecoder(stdin).Decode(&req); err != nil {
		return errResp(fmt.Sprintf("invalid request JSON: %v", err))
	}
	if req.Protocol != protocolVersion {
		return errResp(fmt.Sprintf("unsupported protocol %d", req.Protocol))
	}
	if req.Request == nil {
		return errResp("request is required")
	}

	switch args[0] {
	case "Slugify":
		text, err := textArg(req)
		if err != nil {
			return errResp(err.Error())
		}
		sep, _ := req.Config["separator"].(string)
		if sep == "" {
			sep = "-"
		}
		return ok(map[string]any{"slug": slugify(text, sep), "original": text})

	case "Stats":
		text, err := textArg(req)
		if err != nil {
			return errResp(err.Error())
		}
		result := stats(text)
		result["runId"] = uuid.NewString()
		return ok(result, info(fmt.Sprintf("counted %d words", result["words"])))

	case "Template":
		tmpl, ok1 := req.Request.PayloadValue("template")
		s, ok2 := tmpl.(string)
		if !ok1 || !ok2 {
			return errResp("payload.template must be a string")
		}
		vars, _ := req.Request.PayloadValue("vars")
		rendered, missing := expand(s, vars, req.AppProperties)
		return ok(map[string]any{"rendered": rendered, "missing": missing})

	default:
		return errResp(fmt.Sprintf("unknown class: %s", args[0]))
	}
}

func textArg(req plugin.ProcessRequest) (string, error) {
	v, found := req.Request.PayloadValue("text")
	s, isString := v.(string)
	if !found || !isString {
		return "", fmt.Errorf("payload.text must be a string")
	}
	return s, nil
}

// slugify keeps letters and digits, lower-cased, joined by sep.
func slugify(text, sep string) string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(words, sep)
}

func stats(text string) map[string]any {
	lines := 0
	if text != "" {
		lines = strings.Count(text, "\n") + 1
	}
	return map[string]any{
		"bytes": len(text),
		"runes": utf8.RuneCountInString(text),
		"words": len(strings.Fields(text)),
		"lines": lines,
	}
}

// expand replaces ${name} from vars first, then props. Unknown names are
// left in place and reported.
func expand(tmpl string, vars any, props map[string]any) (string, []string) {
	lookup, _ := vars.(map[string]any)
	missing := []string{}
	out := placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		if v, ok := lookup[name]; ok {
			return fmt.Sprint(v)
		}
		if v, ok := props[name]; ok {
			return fmt.Sprint(v)
		}
		missing = append(missing, name)
		return m
	})
	return out, missing
}

func ok(result map[string]any, logs ...plugin.LogEntry) plugin.ProcessResponse {
	return plugin.ProcessResponse{Status: "ok", Result: result, Logs: logs}
}

func errResp(msg string) plugin.ProcessResponse {
	return plugin.ProcessResponse{Status: "error", Error: msg}
}

func info(msg string) plugin.LogEntry {
	return plugin.LogEntry{Level: "info", Message: fmt.Sprintf("%s at %s", msg, time.Now().UTC().Format(time.RFC3339))}
}
