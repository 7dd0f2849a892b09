package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/bureau/pkg/config"
	"github.com/Mindburn-Labs/bureau/pkg/governance"
	"github.com/Mindburn-Labs/bureau/pkg/projection"
)

func runGovernanceCmd(args []string, stdout, stderr io.Writer) int {
	cfg := config.Load()

	fs := flag.NewFlagSet("run-governance", flag.ContinueOnError)
	fs.SetOutput(stderr)
	viewPath := fs.String("view", cfg.ViewPath, "materialized view file to watch")
	registryPath := fs.String("registry", cfg.RegistryPath, "agent registry file")
	ledgerPath := fs.String("ledger", cfg.LedgerPath, "governance ledger file")
	definitionsPath := fs.String("definitions", "", "agent definitions file (yaml or json)")
	once := fs.Bool("once", false, "ingest the current view once, then exit")
	pollInterval := fs.Float64("poll-interval", 1.0, "seconds between view polls")
	logLevel := fs.String("log-level", cfg.LogLevel, "log level")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	logger := newCommandLogger(stderr, *logLevel)

	var defs []governance.AgentDefinition
	if *definitionsPath != "" {
		var err error
		defs, err = config.LoadAgentDefinitions(*definitionsPath)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "run-governance: %v\n", err)
			return 2
		}
	}

	engine, err := governance.FromAgentDefinitions(defs, *registryPath, *ledgerPath,
		governance.WithEngineLogger(logger))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "run-governance: %v\n", err)
		return 1
	}

	views := projection.NewViewStore(*viewPath)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var previous *projection.View
	ingest := func() int {
		current := views.Load()
		if previous != nil &&
			current.LastSeenEventID == previous.LastSeenEventID &&
			current.LastSeenToolAuditID == previous.LastSeenToolAuditID {
			return 0
		}
		report, err := engine.IngestProjectionDelta(previous, current)
		if err != nil {
			if errors.Is(err, governance.ErrChainInvalid) {
				_, _ = fmt.Fprintf(stderr, "run-governance: ledger chain broken: %v\n", err)
				return 1
			}
			_, _ = fmt.Fprintf(stderr, "run-governance: %v\n", err)
			return 1
		}
		previous = current
		logger.Info("delta ingested",
			"outcomes", len(report.Outcomes),
			"registry_version", report.RegistryVersion,
			"registry_hash", report.RegistryHash,
		)
		return 0
	}

	if *once {
		if code := ingest(); code != 0 {
			return code
		}
		_, _ = fmt.Fprintln(stdout, "governance delta ingested")
		return 0
	}

	interval := secondsToDuration(*pollInterval)
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_, _ = fmt.Fprintln(stdout, "governance stopped")
			return 0
		case <-ticker.C:
			if code := ingest(); code != 0 {
				return code
			}
		}
	}
}
