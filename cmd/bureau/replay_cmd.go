package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/bureau/pkg/config"
	"github.com/Mindburn-Labs/bureau/pkg/replay"
)

func runReplayCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run-replay", flag.ContinueOnError)
	fs.SetOutput(stderr)
	definitionsPath := fs.String("definitions", "", "agent definitions file (yaml or json)")
	viewsPath := fs.String("views", "", "recorded view sequence file")
	workDir := fs.String("work-dir", "", "directory for replay artifacts (default: temp dir)")
	logLevel := fs.String("log-level", "INFO", "log level")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *definitionsPath == "" || *viewsPath == "" {
		_, _ = fmt.Fprintln(stderr, "run-replay: --definitions and --views are required")
		return 2
	}

	defs, err := config.LoadAgentDefinitions(*definitionsPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "run-replay: %v\n", err)
		return 2
	}
	views, err := config.LoadViewSequence(*viewsPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "run-replay: %v\n", err)
		return 2
	}

	h := replay.NewHarness(defs, views, replay.WithLogger(newCommandLogger(stderr, *logLevel)))
	report, err := h.Run(*workDir)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "run-replay: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		_, _ = fmt.Fprintf(stderr, "run-replay: %v\n", err)
		return 1
	}
	if !report.Deterministic() {
		_, _ = fmt.Fprintln(stderr, "run-replay: replay diverged")
		return 1
	}
	return 0
}
