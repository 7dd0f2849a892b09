package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/bureau/pkg/event"
)

func worktree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))
	return root
}

func request(agent string, action event.ActionType, dir string, payload map[string]any) *event.ToolRequest {
	if payload == nil {
		payload = map[string]any{}
	}
	return &event.ToolRequest{
		AgentID:    agent,
		ActionType: action,
		WorkingDir: dir,
		Payload:    payload,
	}
}

func TestValidate_WorkingDirOutsideWorktree(t *testing.T) {
	root := worktree(t)
	p := New("command")

	d := p.Validate(request("command", event.ActionGitDiff, t.TempDir(), nil), root)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "inside agent worktree")
}

func TestValidate_WorkingDirMustExist(t *testing.T) {
	root := worktree(t)
	p := New("command")

	d := p.Validate(request("command", event.ActionGitDiff, filepath.Join(root, "missing"), nil), root)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "must exist")
}

func TestValidate_MutatingRequiresChief(t *testing.T) {
	root := worktree(t)
	p := New("command")

	d := p.Validate(request("forge", event.ActionRunCmd, root, map[string]any{
		"argv": []any{"git", "status"},
	}), root)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "Chief authorization")

	// Explicit chief authorization unlocks the same request.
	req := request("forge", event.ActionRunCmd, root, map[string]any{
		"argv": []any{"git", "status"},
	})
	req.AuthorizedBy = "command"
	d = p.Validate(req, root)
	assert.True(t, d.Allowed)

	// Non-mutating reads need no authorization.
	d = p.Validate(request("forge", event.ActionReadFile, root, map[string]any{
		"path": "src/notes.md",
	}), root)
	assert.True(t, d.Allowed)
}

func TestValidate_RunCmdShellMetacharacters(t *testing.T) {
	root := worktree(t)
	p := New("command")

	for _, bad := range []string{"a;b", "a&b", "a|b", "a>b", "a<b", "a`b", "a$b"} {
		d := p.Validate(request("command", event.ActionRunCmd, root, map[string]any{
			"argv": []any{"git", "status", bad},
		}), root)
		assert.Falsef(t, d.Allowed, "argument %q should be denied", bad)
		assert.Contains(t, d.Reason, "shell metacharacters")
	}
}

func TestValidate_RunCmdWhitelist(t *testing.T) {
	root := worktree(t)
	p := New("command")

	d := p.Validate(request("command", event.ActionRunCmd, root, map[string]any{
		"argv": []any{"rm", "-rf", "everything"},
	}), root)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "not in whitelist")

	for _, argv := range [][]any{
		{"git", "status"},
		{"git", "diff", "--stat"},
		{"pytest", "-q"},
		{"python", "-m", "pytest", "tests"},
	} {
		d := p.Validate(request("command", event.ActionRunCmd, root, map[string]any{"argv": argv}), root)
		assert.Truef(t, d.Allowed, "argv %v should pass, got %q", argv, d.Reason)
	}
}

func TestValidate_RunCmdFromCommandString(t *testing.T) {
	root := worktree(t)
	p := New("command")

	d := p.Validate(request("command", event.ActionRunCmd, root, map[string]any{
		"command": `git commit -m "initial message"`,
	}), root)
	require.True(t, d.Allowed, d.Reason)
	assert.Equal(t, []string{"git", "commit", "-m", "initial message"}, d.NormalizedPayload["argv"])
}

func TestValidate_RunCmdMissingArgv(t *testing.T) {
	root := worktree(t)
	p := New("command")

	d := p.Validate(request("command", event.ActionRunCmd, root, nil), root)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "payload.argv or payload.command")
}

func TestValidate_FilePathEscape(t *testing.T) {
	root := worktree(t)
	p := New("command")

	req := request("forge", event.ActionWriteFile, root, map[string]any{
		"path": "../escape.txt", "content": "x",
	})
	req.AuthorizedBy = "command"
	d := p.Validate(req, root)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "escapes worktree root")
}

func TestValidate_FilePathNormalized(t *testing.T) {
	root := worktree(t)
	p := New("command")

	d := p.Validate(request("forge", event.ActionReadFile, root, map[string]any{
		"path": "src/../src/notes.md",
	}), root)
	require.True(t, d.Allowed, d.Reason)
	assert.Equal(t, filepath.Join(root, "src", "notes.md"), d.NormalizedPayload["path"])
}

func TestValidate_GitCommitPayload(t *testing.T) {
	root := worktree(t)
	p := New("command")

	d := p.Validate(request("command", event.ActionGitCommit, root, map[string]any{}), root)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "commit message")

	d = p.Validate(request("command", event.ActionGitCommit, root, map[string]any{
		"message": "fix", "paths": "notafile",
	}), root)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "must be a list")

	d = p.Validate(request("command", event.ActionGitCommit, root, map[string]any{
		"message": "fix", "paths": []any{"../../etc/passwd"},
	}), root)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "escapes worktree root")

	d = p.Validate(request("command", event.ActionGitCommit, root, map[string]any{
		"message": "fix", "paths": []any{"src/notes.md"},
	}), root)
	require.True(t, d.Allowed, d.Reason)
	assert.Equal(t, []string{filepath.Join(root, "src", "notes.md")}, d.NormalizedPayload["paths"])
}

func TestSplitCommand(t *testing.T) {
	args, err := SplitCommand(`git commit -m "two words"`)
	require.NoError(t, err)
	assert.Equal(t, []string{"git", "commit", "-m", "two words"}, args)

	args, err = SplitCommand("pytest  -q\ttests")
	require.NoError(t, err)
	assert.Equal(t, []string{"pytest", "-q", "tests"}, args)

	_, err = SplitCommand(`git commit -m "unterminated`)
	assert.Error(t, err)
}

func TestResolvePath(t *testing.T) {
	root := worktree(t)

	resolved, ok := ResolvePath(root, "a/b.txt")
	assert.True(t, ok)
	assert.Equal(t, filepath.Join(root, "a", "b.txt"), resolved)

	_, ok = ResolvePath(root, "../outside.txt")
	assert.False(t, ok)

	_, ok = ResolvePath(root, "/etc/passwd")
	assert.False(t, ok)
}
