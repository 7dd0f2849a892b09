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

	"github.com/Mindburn-Labs/bureau/pkg/bus"
	"github.com/Mindburn-Labs/bureau/pkg/config"
	"github.com/Mindburn-Labs/bureau/pkg/gateway"
	"github.com/Mindburn-Labs/bureau/pkg/observability"
	"github.com/Mindburn-Labs/bureau/pkg/policy"
	"github.com/Mindburn-Labs/bureau/pkg/store"
	"github.com/Mindburn-Labs/bureau/pkg/worker"
)

// runWorkerCmd is the internal subcommand the supervisor re-executes the
// binary with. Its flags must stay in lockstep with supervisor.WorkerArgv.
func runWorkerCmd(args []string, stdout, stderr io.Writer) int {
	cfg := config.Load()

	fs := flag.NewFlagSet("run-worker", flag.ContinueOnError)
	fs.SetOutput(stderr)
	agentID := fs.String("agent-id", "", "agent this worker acts as")
	dbPath := fs.String("db", cfg.DBPath, "mailbox database path")
	worktree := fs.String("worktree", "", "workspace root for this agent's tool actions")
	consumerID := fs.String("consumer-id", "", "durable consumer identity")
	claimTimeout := fs.Float64("claim-timeout-seconds", 0, "blocking claim timeout")
	leaseSeconds := fs.Float64("lease-seconds", 0, "lease window granted per claim")
	heartbeat := fs.Float64("heartbeat-interval-seconds", 0, "heartbeat period")
	includeUnrouted := fs.Bool("include-unrouted", false, "also claim events with no target agent")
	logLevel := fs.String("log-level", cfg.LogLevel, "log level")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *agentID == "" {
		_, _ = fmt.Fprintln(stderr, "run-worker: --agent-id is required")
		return 2
	}

	logger := newCommandLogger(stderr, *logLevel).With("agent_id", *agentID)

	s, err := store.Open(*dbPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "run-worker: open store: %v\n", err)
		return 1
	}
	defer func() { _ = s.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, observability.DefaultConfig())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "run-worker: %v\n", err)
		return 1
	}
	defer func() { _ = obs.Shutdown(context.WithoutCancel(ctx)) }()

	g := gateway.New(s, policy.New(cfg.ChiefAgent),
		gateway.WithDecisionHook(obs.RecordGatewayDecision))
	if *worktree != "" {
		g.SetWorkspaceRoots(map[string]string{*agentID: *worktree})
	}

	b := bus.New(s, logger)
	rt, err := worker.NewRuntime(*agentID, b, worker.WithGateway(g))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "run-worker: %v\n", err)
		return 1
	}
	w, err := worker.New(b, rt, worker.Config{
		AgentID:           *agentID,
		ConsumerID:        *consumerID,
		ClaimTimeout:      secondsToDuration(*claimTimeout),
		LeaseWindow:       secondsToDuration(*leaseSeconds),
		HeartbeatInterval: secondsToDuration(*heartbeat),
		IncludeUnrouted:   *includeUnrouted,
	}, worker.WithLogger(logger))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "run-worker: %v\n", err)
		return 1
	}

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		_, _ = fmt.Fprintf(stderr, "run-worker: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "worker stopped")
	return 0
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
