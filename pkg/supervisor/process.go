package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// ProcessHandle is the supervisor's view of a running worker process.
type ProcessHandle interface {
	PID() int
	Alive() bool
	Terminate() error
	Kill() error
}

// SpawnSpec carries everything a worker process needs to come up.
type SpawnSpec struct {
	AgentID           string
	ConsumerID        string
	Worktree          string
	DBPath            string
	LogPath           string
	ClaimTimeout      time.Duration
	LeaseWindow       time.Duration
	HeartbeatInterval time.Duration
	IncludeUnrouted   bool
}

// SpawnFunc starts a worker for the given spec. Injected in tests.
type SpawnFunc func(ctx context.Context, spec SpawnSpec) (ProcessHandle, error)

// WorkerArgv is the command line a spec maps to, re-executing the current
// binary with the internal run-worker subcommand.
func WorkerArgv(spec SpawnSpec) []string {
	self, err := os.Executable()
	if err != nil {
		self = os.Args[0]
	}
	argv := []string{
		self, "run-worker",
		"--agent-id", spec.AgentID,
		"--db", spec.DBPath,
		"--worktree", spec.Worktree,
		"--consumer-id", spec.ConsumerID,
		"--claim-timeout-seconds", formatSeconds(spec.ClaimTimeout),
		"--lease-seconds", formatSeconds(spec.LeaseWindow),
		"--heartbeat-interval-seconds", formatSeconds(spec.HeartbeatInterval),
	}
	if spec.IncludeUnrouted {
		argv = append(argv, "--include-unrouted")
	}
	return argv
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

// SpawnOSProcess is the default SpawnFunc. The worker's stdout and stderr
// are appended to its log file.
func SpawnOSProcess(ctx context.Context, spec SpawnSpec) (ProcessHandle, error) {
	argv := WorkerArgv(spec)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = spec.Worktree

	if spec.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(spec.LogPath), 0o755); err != nil {
			return nil, fmt.Errorf("create worker log directory: %w", err)
		}
		logFile, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open worker log %s: %w", spec.LogPath, err)
		}
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker for %s: %w", spec.AgentID, err)
	}

	p := &osProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.waitErr = err
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

type osProcess struct {
	cmd     *exec.Cmd
	done    chan struct{}
	mu      sync.Mutex
	waitErr error
}

func (p *osProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *osProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *osProcess) Terminate() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *osProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}
