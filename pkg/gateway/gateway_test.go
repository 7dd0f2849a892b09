package gateway

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/bureau/pkg/event"
	"github.com/Mindburn-Labs/bureau/pkg/policy"
	"github.com/Mindburn-Labs/bureau/pkg/store"
)

type fixture struct {
	gateway *Gateway
	store   *store.MailStore
	roots   map[string]string
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "mail.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	roots := map[string]string{}
	base := t.TempDir()
	for _, agent := range []string{"recon", "forge", "command"} {
		root := filepath.Join(base, agent)
		require.NoError(t, os.MkdirAll(root, 0o755))
		roots[agent] = root
	}

	g := New(s, policy.New("command"), opts...)
	g.SetWorkspaceRoots(roots)
	return &fixture{gateway: g, store: s, roots: roots}
}

func initGitRepo(t *testing.T, dir string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	run := func(args ...string) {
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
		)
		out, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v: %s", args, out)
	}
	run("init", "-b", "main")
}

func auditCount(t *testing.T, s *store.MailStore) int {
	t.Helper()
	rows, err := s.ListToolAudit(context.Background(), 1000)
	require.NoError(t, err)
	return len(rows)
}

func TestExecute_MissingIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.gateway.Execute(ctx, &event.ToolRequest{
		AgentID:    "command",
		ActionType: event.ActionGitDiff,
		WorkingDir: f.roots["command"],
		Payload:    map[string]any{},
	})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Reason, "idempotency_key")
	assert.Greater(t, res.AuditEventID, int64(0))
	assert.Equal(t, 1, auditCount(t, f.store))
}

func TestExecute_NoWorkspaceRoot(t *testing.T) {
	f := newFixture(t)
	res, err := f.gateway.Execute(context.Background(), &event.ToolRequest{
		AgentID:    "ghost",
		ActionType: event.ActionGitDiff,
		WorkingDir: "/tmp",
		Payload:    map[string]any{"idempotency_key": "k"},
	})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Reason, "No registered workspace root")
}

// Gateway enforcement end to end: chief authorization, path escape,
// allowed execution, duplicate key.
func TestExecute_EnforcementScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	initGitRepo(t, f.roots["command"])

	// (a) non-chief RUN_CMD without authorization.
	res, err := f.gateway.Execute(ctx, &event.ToolRequest{
		AgentID:    "forge",
		ActionType: event.ActionRunCmd,
		WorkingDir: f.roots["forge"],
		Payload:    map[string]any{"idempotency_key": "ka", "argv": []any{"git", "status"}},
	})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Reason, "Chief authorization")

	// (b) authorized but escaping path.
	res, err = f.gateway.Execute(ctx, &event.ToolRequest{
		AgentID:      "forge",
		ActionType:   event.ActionWriteFile,
		WorkingDir:   f.roots["forge"],
		AuthorizedBy: "command",
		Payload:      map[string]any{"idempotency_key": "kb", "path": "../escape.txt", "content": "x"},
	})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Reason, "escapes worktree root")

	// (c) chief runs a whitelisted command.
	res, err = f.gateway.Execute(ctx, &event.ToolRequest{
		AgentID:      "command",
		ActionType:   event.ActionRunCmd,
		WorkingDir:   f.roots["command"],
		AuthorizedBy: "command",
		Payload:      map[string]any{"idempotency_key": "k1", "argv": []any{"git", "status"}},
	})
	require.NoError(t, err)
	assert.True(t, res.Allowed, res.Reason)
	require.NotNil(t, res.ReturnCode)
	assert.Equal(t, 0, *res.ReturnCode)

	// (d) replaying the same key is blocked.
	res, err = f.gateway.Execute(ctx, &event.ToolRequest{
		AgentID:      "command",
		ActionType:   event.ActionRunCmd,
		WorkingDir:   f.roots["command"],
		AuthorizedBy: "command",
		Payload:      map[string]any{"idempotency_key": "k1", "argv": []any{"git", "status"}},
	})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Reason, "Duplicate idempotency_key")

	assert.GreaterOrEqual(t, auditCount(t, f.store), 4)
}

func TestExecute_WriteAndReadFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.gateway.Execute(ctx, &event.ToolRequest{
		AgentID:      "forge",
		ActionType:   event.ActionWriteFile,
		WorkingDir:   f.roots["forge"],
		AuthorizedBy: "command",
		Payload: map[string]any{
			"idempotency_key": "w1",
			"path":            "docs/notes.md",
			"content":         "hello",
		},
	})
	require.NoError(t, err)
	require.True(t, res.Allowed, res.Reason)

	content, err := os.ReadFile(filepath.Join(f.roots["forge"], "docs", "notes.md"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))

	res, err = f.gateway.Execute(ctx, &event.ToolRequest{
		AgentID:    "forge",
		ActionType: event.ActionReadFile,
		WorkingDir: f.roots["forge"],
		Payload:    map[string]any{"idempotency_key": "r1", "path": "docs/notes.md"},
	})
	require.NoError(t, err)
	require.True(t, res.Allowed)
	assert.Equal(t, "hello", res.Stdout)

	// Reading a missing file is an allowed result with rc 1, not a denial.
	res, err = f.gateway.Execute(ctx, &event.ToolRequest{
		AgentID:    "forge",
		ActionType: event.ActionReadFile,
		WorkingDir: f.roots["forge"],
		Payload:    map[string]any{"idempotency_key": "r2", "path": "missing.md"},
	})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	require.NotNil(t, res.ReturnCode)
	assert.Equal(t, 1, *res.ReturnCode)
	assert.Contains(t, res.Reason, "target missing")
}

func TestExecute_GitCommitAndDiff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	initGitRepo(t, f.roots["command"])
	require.NoError(t, os.WriteFile(filepath.Join(f.roots["command"], "a.txt"), []byte("v1\n"), 0o644))

	res, err := f.gateway.Execute(ctx, &event.ToolRequest{
		AgentID:    "command",
		ActionType: event.ActionGitCommit,
		WorkingDir: f.roots["command"],
		Payload: map[string]any{
			"idempotency_key": "c1",
			"message":         "add a.txt",
			"paths":           []any{"a.txt"},
		},
	})
	require.NoError(t, err)
	require.True(t, res.Allowed, res.Reason)
	require.NotNil(t, res.ReturnCode)
	assert.Equal(t, 0, *res.ReturnCode)

	require.NoError(t, os.WriteFile(filepath.Join(f.roots["command"], "a.txt"), []byte("v2\n"), 0o644))
	res, err = f.gateway.Execute(ctx, &event.ToolRequest{
		AgentID:    "command",
		ActionType: event.ActionGitDiff,
		WorkingDir: f.roots["command"],
		Payload:    map[string]any{"idempotency_key": "d1"},
	})
	require.NoError(t, err)
	require.True(t, res.Allowed)
	assert.Contains(t, res.Stdout, "a.txt")
}

func TestExecute_OpenPRIntentionallyUnimplemented(t *testing.T) {
	f := newFixture(t)
	res, err := f.gateway.Execute(context.Background(), &event.ToolRequest{
		AgentID:    "command",
		ActionType: event.ActionOpenPR,
		WorkingDir: f.roots["command"],
		Payload:    map[string]any{"idempotency_key": "pr1"},
	})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Reason, "intentionally not implemented")

	// The key stays unreserved: OPEN_PR is denied before reservation.
	rec, err := f.store.GetIdempotencyRecord(context.Background(), "pr1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestExecute_RateLimitDenies(t *testing.T) {
	f := newFixture(t, WithRateLimit(rate.Limit(0.001), 1))
	ctx := context.Background()

	res, err := f.gateway.Execute(ctx, &event.ToolRequest{
		AgentID:    "forge",
		ActionType: event.ActionReadFile,
		WorkingDir: f.roots["forge"],
		Payload:    map[string]any{"idempotency_key": "rl1", "path": "x"},
	})
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = f.gateway.Execute(ctx, &event.ToolRequest{
		AgentID:    "forge",
		ActionType: event.ActionReadFile,
		WorkingDir: f.roots["forge"],
		Payload:    map[string]any{"idempotency_key": "rl2", "path": "x"},
	})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Reason, "Rate limit")
}

func TestExecute_ExactlyOneAuditRowPerCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	calls := []*event.ToolRequest{
		{AgentID: "forge", ActionType: event.ActionReadFile, WorkingDir: f.roots["forge"],
			Payload: map[string]any{"idempotency_key": "a1", "path": "x"}},
		{AgentID: "forge", ActionType: event.ActionWriteFile, WorkingDir: f.roots["forge"],
			Payload: map[string]any{"idempotency_key": "a2", "path": "y", "content": "z"}},
		{AgentID: "ghost", ActionType: event.ActionGitDiff, WorkingDir: "/tmp",
			Payload: map[string]any{"idempotency_key": "a3"}},
	}
	for i, req := range calls {
		_, err := f.gateway.Execute(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, i+1, auditCount(t, f.store))
	}
}

func TestExecute_DecisionHookSeesEveryVerdict(t *testing.T) {
	type verdict struct {
		actionType string
		allowed    bool
	}
	var seen []verdict
	f := newFixture(t, WithDecisionHook(func(_ context.Context, actionType string, allowed bool) {
		seen = append(seen, verdict{actionType, allowed})
	}))
	ctx := context.Background()

	_, err := f.gateway.Execute(ctx, &event.ToolRequest{
		AgentID:    "forge",
		ActionType: event.ActionWriteFile,
		WorkingDir: f.roots["forge"],
		Payload:    map[string]any{"idempotency_key": "h1", "path": "a.txt", "content": "x"},
	})
	require.NoError(t, err)

	_, err = f.gateway.Execute(ctx, &event.ToolRequest{
		AgentID:    "ghost",
		ActionType: event.ActionGitDiff,
		WorkingDir: "/tmp",
		Payload:    map[string]any{"idempotency_key": "h2"},
	})
	require.NoError(t, err)

	require.Len(t, seen, 2)
	assert.Equal(t, verdict{"WRITE_FILE", true}, seen[0])
	assert.Equal(t, verdict{"GIT_DIFF", false}, seen[1])
}
