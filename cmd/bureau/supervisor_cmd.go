package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/bureau/pkg/audit"
	"github.com/Mindburn-Labs/bureau/pkg/bus"
	"github.com/Mindburn-Labs/bureau/pkg/config"
	"github.com/Mindburn-Labs/bureau/pkg/event"
	"github.com/Mindburn-Labs/bureau/pkg/observability"
	"github.com/Mindburn-Labs/bureau/pkg/store"
	"github.com/Mindburn-Labs/bureau/pkg/supervisor"
	"github.com/Mindburn-Labs/bureau/pkg/workspace"
)

func runSupervisorCmd(args []string, stdout, stderr io.Writer) int {
	cfg := config.Load()
	agents, rest := splitAgentsFlag(args)

	fs := flag.NewFlagSet("run-supervisor", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dbPath := fs.String("db", cfg.DBPath, "mailbox database path")
	duration := fs.Float64("duration", 0, "run for N seconds, then stop (0 = until signalled)")
	logDir := fs.String("log-dir", cfg.LogDir, "directory for supervisor and worker logs")
	workspacesRoot := fs.String("workspaces-root", cfg.WorkspacesRoot, "root directory for per-agent worktrees")
	repoRoot := fs.String("repo", "", "git repository to derive agent worktrees from")
	chief := fs.String("chief", cfg.ChiefAgent, "agent that receives unrouted events")
	if err := fs.Parse(rest); err != nil {
		return 2
	}

	if len(agents) == 0 {
		_, _ = fmt.Fprintln(stderr, "run-supervisor: --agents requires at least one agent id")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	worktrees, err := provisionWorktrees(ctx, *repoRoot, *workspacesRoot, agents)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "run-supervisor: %v\n", err)
		return 1
	}

	s, err := store.Open(*dbPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "run-supervisor: open store: %v\n", err)
		return 1
	}
	defer func() { _ = s.Close() }()

	humanLog, logCloser := supervisor.NewHumanLogger(filepath.Join(*logDir, "supervisor.log"))
	defer func() { _ = logCloser.Close() }()

	trail, trailCloser, err := audit.OpenTrail(filepath.Join(*logDir, "supervisor_audit.jsonl"))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "run-supervisor: open audit trail: %v\n", err)
		return 1
	}
	defer func() { _ = trailCloser.Close() }()

	unrouted := ""
	for _, agentID := range agents {
		if agentID == *chief {
			unrouted = *chief
		}
	}

	obs, err := observability.New(ctx, observability.DefaultConfig())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "run-supervisor: %v\n", err)
		return 1
	}
	defer func() { _ = obs.Shutdown(context.WithoutCancel(ctx)) }()

	b := bus.New(s, humanLog)
	b.AddPublishHook(func(ctx context.Context, e *event.Event) error {
		obs.RecordEventAppended(ctx, e.Type)
		return nil
	})
	sup, err := supervisor.New(b, supervisor.Config{
		DBPath:        *dbPath,
		Agents:        agents,
		Worktrees:     worktrees,
		LogDir:        *logDir,
		UnroutedAgent: unrouted,
	}, supervisor.WithLogger(humanLog), supervisor.WithTrail(trail))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "run-supervisor: %v\n", err)
		return 1
	}

	runFor := time.Duration(*duration * float64(time.Second))
	if err := sup.Run(ctx, runFor); err != nil {
		_, _ = fmt.Fprintf(stderr, "run-supervisor: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "supervisor stopped")
	return 0
}

// provisionWorktrees derives agent worktrees from a baseline git repository
// when one is given, and falls back to plain directories otherwise.
func provisionWorktrees(ctx context.Context, repoRoot, workspacesRoot string, agents []string) (map[string]string, error) {
	if repoRoot != "" {
		mgr, err := workspace.NewManager(repoRoot, workspacesRoot)
		if err != nil {
			return nil, err
		}
		return mgr.EnsureWorktrees(ctx, agents)
	}
	worktrees := make(map[string]string, len(agents))
	for _, agentID := range agents {
		dir := filepath.Join(workspacesRoot, agentID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create worktree for %s: %w", agentID, err)
		}
		worktrees[agentID] = dir
	}
	return worktrees, nil
}

// splitAgentsFlag pulls `--agents a b c` out of the arg list, leaving the
// remaining flags for the flag set. Comma-joined values work too.
func splitAgentsFlag(args []string) (agents []string, rest []string) {
	for i := 0; i < len(args); i++ {
		if args[i] != "--agents" && args[i] != "-agents" {
			rest = append(rest, args[i])
			continue
		}
		for i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
			i++
			for _, id := range strings.Split(args[i], ",") {
				if id = strings.TrimSpace(id); id != "" {
					agents = append(agents, id)
				}
			}
		}
	}
	return agents, rest
}
