package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "run-supervisor":
		return runSupervisorCmd(args[2:], stdout, stderr)
	case "run-worker":
		return runWorkerCmd(args[2:], stdout, stderr)
	case "run-projector":
		return runProjectorCmd(args[2:], stdout, stderr)
	case "run-governance":
		return runGovernanceCmd(args[2:], stdout, stderr)
	case "run-replay":
		return runReplayCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "bureau - durable multi-agent runtime")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  bureau run-supervisor --agents a b c --db PATH [--duration N]")
	fmt.Fprintln(w, "  bureau run-projector  --db PATH --view PATH [--once] [--poll-interval S]")
	fmt.Fprintln(w, "  bureau run-governance --view PATH --registry PATH --ledger PATH")
	fmt.Fprintln(w, "  bureau run-replay     --definitions FILE --views FILE --registry PATH --ledger PATH")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "run-worker is internal; the supervisor spawns it per agent.")
	fmt.Fprintln(w, "")
}

// newCommandLogger builds the default stderr logger for a subcommand.
func newCommandLogger(stderr io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN", "WARNING":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: lvl}))
}
