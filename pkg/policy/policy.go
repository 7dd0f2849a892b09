// Package policy implements the mechanical preflight checks for tool
// execution requests. Checks are structural only: path containment, chief
// authorization, argv hygiene, and a command-prefix whitelist. No payload
// content is inspected.
package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Mindburn-Labs/bureau/pkg/event"
)

// Decision is the result of a policy validation. NormalizedPayload carries
// resolved paths and tokenized argv for the gateway to execute.
type Decision struct {
	Allowed           bool
	Reason            string
	NormalizedPayload map[string]any
}

func deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason, NormalizedPayload: map[string]any{}}
}

func allow(reason string, payload map[string]any) Decision {
	return Decision{Allowed: true, Reason: reason, NormalizedPayload: payload}
}

var shellMetachars = regexp.MustCompile("[;&|><`$]")

// DefaultAllowedCommandPrefixes is the baseline RUN_CMD whitelist.
var DefaultAllowedCommandPrefixes = [][]string{
	{"git", "status"},
	{"git", "diff"},
	{"git", "add"},
	{"git", "commit"},
	{"git", "apply"},
	{"git", "format-patch"},
	{"git", "rev-parse"},
	{"pytest"},
	{"python", "-m", "pytest"},
	{"python", "-m", "unittest"},
}

// ToolPolicy validates tool requests against an agent's worktree root.
type ToolPolicy struct {
	chiefAgentID    string
	allowedPrefixes [][]string
}

// Option configures a ToolPolicy.
type Option func(*ToolPolicy)

// WithAllowedCommandPrefixes replaces the RUN_CMD whitelist.
func WithAllowedCommandPrefixes(prefixes [][]string) Option {
	return func(p *ToolPolicy) {
		if len(prefixes) > 0 {
			p.allowedPrefixes = prefixes
		}
	}
}

// New builds a policy with the given chief agent.
func New(chiefAgentID string, opts ...Option) *ToolPolicy {
	p := &ToolPolicy{
		chiefAgentID:    chiefAgentID,
		allowedPrefixes: DefaultAllowedCommandPrefixes,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ChiefAgentID returns the agent allowed to authorize mutations.
func (p *ToolPolicy) ChiefAgentID() string {
	return p.chiefAgentID
}

// Validate runs every mechanical check for the request against the agent's
// worktree root and returns the decision with a normalized payload.
func (p *ToolPolicy) Validate(req *event.ToolRequest, worktreeRoot string) Decision {
	root, err := filepath.Abs(worktreeRoot)
	if err != nil {
		return deny("worktree root could not be resolved.")
	}
	workingDir, err := filepath.Abs(req.WorkingDir)
	if err != nil || !isSubpath(workingDir, root) {
		return deny("working_dir must be inside agent worktree.")
	}
	if info, err := os.Stat(workingDir); err != nil || !info.IsDir() {
		return deny("working_dir must exist and be a directory.")
	}

	if req.ActionType.Mutating() {
		if req.AgentID != p.chiefAgentID && req.AuthorizedBy != p.chiefAgentID {
			return deny("Mutating external actions require Chief authorization.")
		}
	}

	payload := make(map[string]any, len(req.Payload))
	for k, v := range req.Payload {
		payload[k] = v
	}

	switch req.ActionType {
	case event.ActionRunCmd:
		cmdDecision := p.validateCommandPayload(payload)
		if !cmdDecision.Allowed {
			return cmdDecision
		}
		for k, v := range cmdDecision.NormalizedPayload {
			payload[k] = v
		}
		return allow("RUN_CMD policy checks passed.", payload)

	case event.ActionWriteFile, event.ActionReadFile:
		pathValue, _ := payload["path"].(string)
		if strings.TrimSpace(pathValue) == "" {
			return deny("File actions require a non-empty payload.path.")
		}
		resolved, ok := ResolvePath(root, pathValue)
		if !ok {
			return deny("File path escapes worktree root.")
		}
		payload["path"] = resolved
		return allow("File path policy checks passed.", payload)

	case event.ActionGitCommit:
		message, _ := payload["message"].(string)
		if strings.TrimSpace(message) == "" {
			return deny("GIT_COMMIT requires a non-empty commit message.")
		}
		rawPaths, present := payload["paths"]
		var paths []any
		if present {
			var ok bool
			paths, ok = rawPaths.([]any)
			if !ok {
				return deny("GIT_COMMIT payload.paths must be a list.")
			}
		}
		normalized := make([]string, 0, len(paths))
		for _, item := range paths {
			s, ok := item.(string)
			if !ok || strings.TrimSpace(s) == "" {
				return deny("GIT_COMMIT paths entries must be non-empty strings.")
			}
			resolved, ok := ResolvePath(root, s)
			if !ok {
				return deny(fmt.Sprintf("GIT_COMMIT path escapes worktree root: %s", s))
			}
			normalized = append(normalized, resolved)
		}
		payload["paths"] = normalized
		return allow("GIT_COMMIT policy checks passed.", payload)

	case event.ActionGitDiff:
		return allow("GIT_DIFF policy checks passed.", payload)

	case event.ActionOpenPR:
		return allow("OPEN_PR policy checks passed.", payload)

	default:
		return deny(fmt.Sprintf("Unsupported action type: %s", req.ActionType))
	}
}

func (p *ToolPolicy) validateCommandPayload(payload map[string]any) Decision {
	argv, err := argvFromPayload(payload)
	if err != nil {
		return deny(err.Error())
	}

	normalized := make([]string, 0, len(argv))
	for _, arg := range argv {
		if strings.TrimSpace(arg) == "" {
			return deny("RUN_CMD argv entries must be non-empty strings.")
		}
		if shellMetachars.MatchString(arg) {
			return deny(fmt.Sprintf("RUN_CMD denied due to shell metacharacters in argument: %s", arg))
		}
		normalized = append(normalized, arg)
	}

	if !p.commandIsWhitelisted(normalized) {
		return deny(fmt.Sprintf("RUN_CMD denied: command not in whitelist (%s).", normalized[0]))
	}

	return allow("RUN_CMD command policy checks passed.", map[string]any{"argv": normalized})
}

func argvFromPayload(payload map[string]any) ([]string, error) {
	if raw, ok := payload["argv"]; ok && raw != nil {
		switch v := raw.(type) {
		case []string:
			if len(v) == 0 {
				return nil, fmt.Errorf("RUN_CMD payload.argv must be a non-empty list.")
			}
			return v, nil
		case []any:
			if len(v) == 0 {
				return nil, fmt.Errorf("RUN_CMD payload.argv must be a non-empty list.")
			}
			out := make([]string, 0, len(v))
			for _, item := range v {
				s, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("RUN_CMD argv entries must be non-empty strings.")
				}
				out = append(out, s)
			}
			return out, nil
		default:
			return nil, fmt.Errorf("RUN_CMD payload.argv must be a non-empty list.")
		}
	}

	command, _ := payload["command"].(string)
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("RUN_CMD requires payload.argv or payload.command.")
	}
	argv, err := SplitCommand(command)
	if err != nil || len(argv) == 0 {
		return nil, fmt.Errorf("RUN_CMD payload.command could not be parsed safely.")
	}
	return argv, nil
}

func (p *ToolPolicy) commandIsWhitelisted(argv []string) bool {
	for _, prefix := range p.allowedPrefixes {
		if len(argv) < len(prefix) {
			continue
		}
		match := true
		for i, tok := range prefix {
			if argv[i] != tok {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// SplitCommand tokenizes a command string POSIX-style: whitespace separates
// arguments, single and double quotes group them. No expansion of any kind
// is performed; shells are never involved.
func SplitCommand(command string) ([]string, error) {
	var args []string
	var current strings.Builder
	var quote rune
	inToken := false

	for _, r := range command {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inToken = true
		case r == ' ' || r == '\t' || r == '\n':
			if inToken {
				args = append(args, current.String())
				current.Reset()
				inToken = false
			}
		default:
			current.WriteRune(r)
			inToken = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote in command")
	}
	if inToken {
		args = append(args, current.String())
	}
	return args, nil
}

// ResolvePath joins requested onto root and reports whether the result stays
// inside root. The resolved absolute path is returned on success.
func ResolvePath(root, requested string) (string, bool) {
	candidate := requested
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(root, requested)
	}
	candidate = filepath.Clean(candidate)
	if !isSubpath(candidate, root) {
		return "", false
	}
	return candidate, true
}

func isSubpath(candidate, root string) bool {
	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "..")
}
