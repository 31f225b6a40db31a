package main

import (
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/dgworker/internal/tui/watch"
)

const defaultRPCURL = "http://127.0.0.1:25433"

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	rpcURL := os.Getenv("DGWORKER_RPC_URL")
	if rpcURL == "" {
		rpcURL = defaultRPCURL
	}
	fs.StringVar(&rpcURL, "rpc-url", rpcURL, "Base URL of the worker's RPC delegate")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: dgworker watch [--rpc-url URL]")
		return 1
	}

	p := tea.NewProgram(watch.New(rpcURL))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}
