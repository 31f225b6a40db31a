package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/mattjoyce/dgworker/internal/config"
	"github.com/mattjoyce/dgworker/internal/log"
)

func runConfigNoun(args []string) int {
	if len(args) == 0 || isHelpToken(args[0]) {
		printConfigHelp(os.Stdout)
		if len(args) == 0 {
			return 1
		}
		return 0
	}

	switch args[0] {
	case "check":
		return runConfigCheck(args[1:])
	case "lock":
		return runConfigLock(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n\n", args[0])
		printConfigHelp(os.Stderr)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func printConfigHelp(w io.Writer) {
	fmt.Fprint(w, `Usage: dgworker config <action> [flags]

Actions:
  check   Validate configuration and show effective settings
  lock    Write BLAKE3 checksums for the config and properties files
`)
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("config check", flag.ContinueOnError)
	var sf startFlags
	sf.register(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := sf.load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config check failed: %v\n", err)
		return 1
	}
	log.Setup("ERROR")

	props, err := config.LoadProperties(cfg, log.WithComponent("config"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config check failed: %v\n", err)
		return 1
	}
	fingerprint, err := config.Fingerprint(props)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config check failed: %v\n", err)
		return 1
	}

	renderConfig(os.Stdout, newTheme(), cfg, props, fingerprint)
	return 0
}

func renderConfig(w io.Writer, th theme, cfg *config.Config, props map[string]any, fingerprint string) {
	source := cfg.Path
	if source == "" {
		source = "(defaults)"
	}
	rpc := "disabled"
	if cfg.RPC.Enabled {
		rpc = cfg.RPC.Listen
	}

	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := []string{
		th.status("OK", true) + " " + th.Title.Render(source),
		th.Key.Render("worker:") + fmt.Sprintf(" id=%s addr=%s:%d scope=%s", cfg.Worker.ID, cfg.Worker.Host, cfg.Worker.Port, cfg.Worker.Scope),
		th.Key.Render("rpc:") + " " + rpc,
		th.Key.Render("plugins:") + fmt.Sprintf(" %d roots, timeout %s", len(cfg.Plugins.Roots), cfg.Plugins.Timeout),
		th.Key.Render("properties:") + fmt.Sprintf(" %d keys %s", len(keys), th.Dim.Render(strings.Join(keys, ", "))),
		th.Key.Render("blake3:") + " " + fingerprint,
	}
	fmt.Fprintln(w, th.Box.Render(strings.Join(lines, "\n")))
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("config lock", flag.ContinueOnError)
	configPath := fs.String("config", os.Getenv("DGWORKER_CONFIG"), "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "config lock requires --config")
		return 1
	}

	out, manifest, err := config.Lock(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config lock failed: %v\n", err)
		return 1
	}

	th := newTheme()
	fmt.Printf("%s wrote %s\n", th.status("LOCKED", true), out)
	names := make([]string, 0, len(manifest.Hashes))
	for name := range manifest.Hashes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %s %s\n", th.Key.Render(name), th.Dim.Render(manifest.Hashes[name]))
	}
	return 0
}
