package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/Mindburn-Labs/bureau/pkg/config"
	"github.com/Mindburn-Labs/bureau/pkg/projection"
	"github.com/Mindburn-Labs/bureau/pkg/store"
)

func runProjectorCmd(args []string, stdout, stderr io.Writer) int {
	cfg := config.Load()

	fs := flag.NewFlagSet("run-projector", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dbPath := fs.String("db", cfg.DBPath, "mailbox database path")
	viewPath := fs.String("view", cfg.ViewPath, "materialized view file")
	once := fs.Bool("once", false, "run one projection cycle, then exit")
	pollInterval := fs.Float64("poll-interval", 1.0, "seconds between projection cycles")
	logLevel := fs.String("log-level", cfg.LogLevel, "log level")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	logger := newCommandLogger(stderr, *logLevel)

	s, err := store.Open(*dbPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "run-projector: open store: %v\n", err)
		return 1
	}
	defer func() { _ = s.Close() }()

	p := projection.New(s, projection.NewViewStore(*viewPath), projection.WithLogger(logger))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *once {
		view, err := p.RunOnce(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "run-projector: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "projected through event %d (mode %s)\n",
			view.LastSeenEventID, view.Derived.OfficeMode)
		return 0
	}

	if err := p.Run(ctx, secondsToDuration(*pollInterval)); err != nil && ctx.Err() == nil {
		_, _ = fmt.Fprintf(stderr, "run-projector: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "projector stopped")
	return 0
}
