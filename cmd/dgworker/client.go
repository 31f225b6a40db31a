package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/dgworker/internal/handler"
	"github.com/mattjoyce/dgworker/internal/log"
	"github.com/mattjoyce/dgworker/internal/protocol"
)

const defaultAddr = "127.0.0.1:25333"

// clientFlags are shared by the commands that talk to a running worker.
type clientFlags struct {
	addr    string
	timeout time.Duration
	jsonOut bool
}

func (f *clientFlags) register(fs *flag.FlagSet) {
	addr := os.Getenv("DGWORKER_ADDR")
	if addr == "" {
		addr = defaultAddr
	}
	fs.StringVar(&f.addr, "addr", addr, "Worker address (host:port)")
	fs.DurationVar(&f.timeout, "timeout", 30*time.Second, "Request timeout")
	fs.BoolVar(&f.jsonOut, "json", false, "Print the raw response as JSON")
}

func (f *clientFlags) client() (*protocol.Client, context.Context, context.CancelFunc) {
	c := protocol.NewClient(f.addr)
	c.Timeout = f.timeout
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	return c, ctx, cancel
}

func runPing(args []string) int {
	fs := flag.NewFlagSet("ping", flag.ContinueOnError)
	var cf clientFlags
	cf.register(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}

	c, ctx, cancel := cf.client()
	defer cancel()

	start := time.Now()
	pong, err := c.Ping(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ping failed: %v\n", err)
		return 1
	}
	if cf.jsonOut {
		return printJSON(os.Stdout, pong)
	}

	th := newTheme()
	fmt.Printf("%s worker %s at %s %s\n",
		th.status(pong.Status, true), pong.WorkerID, cf.addr,
		th.Dim.Render(fmt.Sprintf("(%s, %s)", pong.Timestamp, time.Since(start).Round(time.Microsecond))))
	return 0
}

func runShutdown(args []string) int {
	fs := flag.NewFlagSet("shutdown", flag.ContinueOnError)
	var cf clientFlags
	cf.register(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}

	c, ctx, cancel := cf.client()
	defer cancel()

	ack, err := c.Shutdown(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Shutdown failed: %v\n", err)
		return 1
	}
	if cf.jsonOut {
		return printJSON(os.Stdout, ack)
	}
	fmt.Printf("%s worker at %s is stopping\n", newTheme().status(ack.Status, true), cf.addr)
	return 0
}

func runExec(args []string) int {
	fs := flag.NewFlagSet("exec", flag.ContinueOnError)
	var cf clientFlags
	cf.register(fs)
	configJSON := fs.String("config-json", "", "Handler configuration as a JSON object")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: dgworker exec [flags] <handler> [request-json | -]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() < 1 || fs.NArg() > 2 {
		fs.Usage()
		return 1
	}

	id, err := handler.ParseIdentifier(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid handler: %v\n", err)
		return 1
	}

	request, err := readRequestArg(fs.Arg(1), os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid request: %v\n", err)
		return 1
	}

	var cfgArg any
	if *configJSON != "" {
		if !json.Valid([]byte(*configJSON)) {
			fmt.Fprintln(os.Stderr, "Invalid --config-json: not valid JSON")
			return 1
		}
		cfgArg = *configJSON
	}

	c, ctx, cancel := cf.client()
	defer cancel()

	resp, err := c.Execute(ctx, id.Module, id.Class, request, cfgArg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Exec failed: %v\n", err)
		return 1
	}
	if cf.jsonOut {
		printJSON(os.Stdout, resp)
	} else {
		renderResponse(os.Stdout, newTheme(), resp)
	}
	if !resp.OK() {
		return 2
	}
	return 0
}

// readRequestArg returns the request document from an argument, stdin when
// the argument is "-", or an empty object.
func readRequestArg(arg string, stdin io.Reader) (string, error) {
	switch arg {
	case "":
		return "{}", nil
	case "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		arg = strings.TrimSpace(string(b))
	}
	if !json.Valid([]byte(arg)) {
		return "", fmt.Errorf("not valid JSON")
	}
	return arg, nil
}

func renderResponse(w io.Writer, th theme, resp *protocol.Response) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", th.Key.Render("status:"), th.status(resp.Status, resp.OK()))
	fmt.Fprintf(&b, "%s %s\n", th.Key.Render("request:"), resp.RequestID)
	if resp.HandlerType != "" {
		fmt.Fprintf(&b, "%s %s\n", th.Key.Render("handler:"), resp.HandlerType)
	}
	fmt.Fprintf(&b, "%s %.2fms", th.Key.Render("took:"), resp.ExecutionTimeMs)

	if !resp.OK() {
		fmt.Fprintf(&b, "\n%s %s", th.Key.Render("error:"), th.Failed.Render(resp.ErrorCode))
		fmt.Fprintf(&b, "\n%s", resp.ErrorMessage)
	}

	body := resp.Result
	label := "result"
	if len(resp.Data) > 0 {
		body, label = resp.Data, "data"
	}
	if body != nil {
		pretty, _ := json.MarshalIndent(body, "", "  ")
		fmt.Fprintf(&b, "\n\n%s\n%s", th.Title.Render(label), string(pretty))
	}

	fmt.Fprintln(w, th.Box.Render(b.String()))
}

func runHandlers(args []string) int {
	fs := flag.NewFlagSet("handlers", flag.ContinueOnError)
	var sf startFlags
	sf.register(fs)
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := sf.load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log.Setup("ERROR")

	reg, err := buildRegistry(cfg, log.WithComponent("handlers"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to register handlers: %v\n", err)
		return 1
	}

	infos := reg.Describe()
	if *jsonOut {
		return printJSON(os.Stdout, map[string]any{"handlers": infos})
	}
	renderHandlers(os.Stdout, newTheme(), infos)
	return 0
}

func renderHandlers(w io.Writer, th theme, infos []handler.Info) {
	sort.Slice(infos, func(i, j int) bool { return infos[i].Identifier < infos[j].Identifier })

	rows := make([]string, 0, len(infos)+1)
	rows = append(rows, th.Title.Render(fmt.Sprintf("%d handlers", len(infos))))
	for _, info := range infos {
		line := th.Key.Render(info.Identifier) + "  " + info.RequestType
		if len(info.Aliases) > 0 {
			line += th.Dim.Render(" (alias " + strings.Join(info.Aliases, ", ") + ")")
		}
		if info.Description != "" {
			line += "\n    " + th.Dim.Render(info.Description)
		}
		rows = append(rows, line)
	}
	fmt.Fprintln(w, th.Box.Render(lipgloss.JoinVertical(lipgloss.Left, rows...)))
}

func printJSON(w io.Writer, v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
		return 1
	}
	fmt.Fprintln(w, string(data))
	return 0
}
