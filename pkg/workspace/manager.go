// Package workspace manages per-agent git worktrees carved out of a single
// baseline repository. Each agent gets an isolated checkout; the gateway
// later enforces that an agent's side effects stay inside its own tree.
package workspace

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Manager creates and validates agent worktrees.
type Manager struct {
	repoRoot       string
	workspacesRoot string
	baselineBranch string
	resetOnEnsure  bool
	logger         *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithBaselineBranch pins the branch worktrees are derived from instead of
// detecting the repository's current branch.
func WithBaselineBranch(branch string) Option {
	return func(m *Manager) { m.baselineBranch = branch }
}

// WithResetOnEnsure hard-resets existing worktrees during EnsureWorktrees.
func WithResetOnEnsure(reset bool) Option {
	return func(m *Manager) { m.resetOnEnsure = reset }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager builds a manager rooted at repoRoot. workspacesRoot may be
// relative, in which case it resolves under the repository.
func NewManager(repoRoot, workspacesRoot string, opts ...Option) (*Manager, error) {
	absRepo, err := filepath.Abs(repoRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve repo root: %w", err)
	}
	if !filepath.IsAbs(workspacesRoot) {
		workspacesRoot = filepath.Join(absRepo, workspacesRoot)
	}
	m := &Manager{
		repoRoot:       absRepo,
		workspacesRoot: workspacesRoot,
		logger:         slog.Default().With("component", "workspace"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// EnsureWorktrees creates any missing worktrees for the given agents, resets
// existing ones when configured, and asserts every tree is clean. Returns
// agent id to absolute worktree path.
func (m *Manager) EnsureWorktrees(ctx context.Context, agentIDs []string) (map[string]string, error) {
	if err := m.assertGitRepo(); err != nil {
		return nil, err
	}
	if m.baselineBranch == "" {
		branch, err := m.detectCurrentBranch(ctx)
		if err != nil {
			return nil, err
		}
		m.baselineBranch = branch
	}
	if err := os.MkdirAll(m.workspacesRoot, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspaces root: %w", err)
	}

	result := make(map[string]string, len(agentIDs))
	for _, agentID := range agentIDs {
		normalized := strings.ToLower(strings.TrimSpace(agentID))
		if normalized == "" {
			return nil, fmt.Errorf("agent id cannot be empty")
		}
		path := filepath.Join(m.workspacesRoot, normalized)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			// Each agent rides its own branch so worktrees never contend for
			// the baseline checkout.
			if _, err := m.git(ctx, m.repoRoot,
				"worktree", "add", "-B", "agent/"+normalized, path, m.baselineBranch); err != nil {
				return nil, err
			}
			m.logger.Info("created worktree", "agent", normalized, "path", path)
		}
		if m.resetOnEnsure {
			if err := m.ResetWorktree(ctx, normalized); err != nil {
				return nil, err
			}
		}
		if err := m.ensureClean(ctx, path); err != nil {
			return nil, err
		}
		result[normalized] = path
	}
	return result, nil
}

// WorktreeFor returns the absolute worktree path for an agent, failing when
// it has not been created.
func (m *Manager) WorktreeFor(agentID string) (string, error) {
	path := filepath.Join(m.workspacesRoot, strings.ToLower(strings.TrimSpace(agentID)))
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("missing worktree for agent %q at %q", agentID, path)
	}
	return path, nil
}

// ResetWorktree discards all local state in an agent's tree and re-anchors
// it on the baseline branch.
func (m *Manager) ResetWorktree(ctx context.Context, agentID string) error {
	path, err := m.WorktreeFor(agentID)
	if err != nil {
		return err
	}
	steps := [][]string{
		{"reset", "--hard"},
		{"clean", "-fd"},
		{"reset", "--hard", m.baselineBranch},
	}
	for _, args := range steps {
		if _, err := m.git(ctx, path, args...); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) ensureClean(ctx context.Context, path string) error {
	out, err := m.git(ctx, path, "status", "--porcelain")
	if err != nil {
		return err
	}
	if strings.TrimSpace(out) != "" {
		return fmt.Errorf("worktree %q is not clean", path)
	}
	return nil
}

func (m *Manager) assertGitRepo() error {
	if _, err := os.Stat(filepath.Join(m.repoRoot, ".git")); err != nil {
		return fmt.Errorf("repo root %q is not a git repository", m.repoRoot)
	}
	return nil
}

func (m *Manager) detectCurrentBranch(ctx context.Context) (string, error) {
	out, err := m.git(ctx, m.repoRoot, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	branch := strings.TrimSpace(out)
	if branch == "" {
		return "", fmt.Errorf("could not determine current git branch for baseline worktrees")
	}
	return branch, nil
}

func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = strings.TrimSpace(stdout.String())
		}
		return "", fmt.Errorf("git %s failed: %s: %w", strings.Join(args, " "), detail, err)
	}
	return stdout.String(), nil
}
