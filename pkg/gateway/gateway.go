// Package gateway is the single choke point for external side effects. Every
// tool invocation passes policy validation, idempotency reservation, bounded
// execution, and exactly one audit row, in that order.
package gateway

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/bureau/pkg/event"
	"github.com/Mindburn-Labs/bureau/pkg/policy"
	"github.com/Mindburn-Labs/bureau/pkg/store"
)

const (
	defaultCommandTimeout = 120 * time.Second
	defaultRateLimit      = rate.Limit(10)
	defaultRateBurst      = 20
)

// Gateway executes tool requests on behalf of agents.
type Gateway struct {
	store          *store.MailStore
	policy         *policy.ToolPolicy
	commandTimeout time.Duration
	logger         *slog.Logger

	decisionHook func(ctx context.Context, actionType string, allowed bool)

	mu             sync.Mutex
	workspaceRoots map[string]string
	limiters       map[string]*rate.Limiter
	rateLimit      rate.Limit
	rateBurst      int
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithCommandTimeout bounds the wall clock of each subprocess invocation.
func WithCommandTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d >= time.Second {
			g.commandTimeout = d
		}
	}
}

// WithRateLimit tunes the per-agent request limiter.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(g *Gateway) {
		if limit > 0 && burst > 0 {
			g.rateLimit = limit
			g.rateBurst = burst
		}
	}
}

// WithDecisionHook observes every verdict after its audit row is written.
// Used to feed metrics without coupling the gateway to an exporter.
func WithDecisionHook(hook func(ctx context.Context, actionType string, allowed bool)) Option {
	return func(g *Gateway) {
		g.decisionHook = hook
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// New builds a gateway over the given store and policy.
func New(s *store.MailStore, p *policy.ToolPolicy, opts ...Option) *Gateway {
	g := &Gateway{
		store:          s,
		policy:         p,
		commandTimeout: defaultCommandTimeout,
		logger:         slog.Default().With("component", "gateway"),
		workspaceRoots: map[string]string{},
		limiters:       map[string]*rate.Limiter{},
		rateLimit:      defaultRateLimit,
		rateBurst:      defaultRateBurst,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetWorkspaceRoots registers the per-agent worktree roots requests are
// validated against.
func (g *Gateway) SetWorkspaceRoots(roots map[string]string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.workspaceRoots = make(map[string]string, len(roots))
	for agent, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			abs = root
		}
		g.workspaceRoots[agent] = abs
	}
}

func (g *Gateway) workspaceRoot(agentID string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	root, ok := g.workspaceRoots[agentID]
	return root, ok
}

func (g *Gateway) limiter(agentID string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[agentID]
	if !ok {
		l = rate.NewLimiter(g.rateLimit, g.rateBurst)
		g.limiters[agentID] = l
	}
	return l
}

// Execute runs one tool request end to end. Exactly one audit row is written
// for every call, whatever the outcome; the returned result references it.
func (g *Gateway) Execute(ctx context.Context, raw any) (*event.ToolResult, error) {
	req, err := event.CoerceToolRequest(raw)
	if err != nil {
		return nil, err
	}
	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	idempotencyKey, _ := payload["idempotency_key"].(string)
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	if idempotencyKey == "" {
		return g.denied(ctx, req, "Missing required payload.idempotency_key.", payload, "", nil)
	}
	allowDuplicate, _ := payload["allow_duplicate"].(bool)

	if !g.limiter(req.AgentID).Allow() {
		return g.denied(ctx, req,
			fmt.Sprintf("Rate limit exceeded for agent '%s'.", req.AgentID),
			payload, idempotencyKey, nil)
	}

	root, ok := g.workspaceRoot(req.AgentID)
	if !ok {
		return g.denied(ctx, req,
			fmt.Sprintf("No registered workspace root for agent '%s'.", req.AgentID),
			payload, idempotencyKey, nil)
	}

	decision := g.policy.Validate(req, root)
	if !decision.Allowed {
		return g.denied(ctx, req, decision.Reason, payload, idempotencyKey, nil)
	}
	normalized := decision.NormalizedPayload

	if req.ActionType == event.ActionOpenPR {
		return g.denied(ctx, req,
			"OPEN_PR is intentionally not implemented in substrate baseline.",
			normalized, idempotencyKey, nil)
	}

	if !allowDuplicate {
		existing, err := g.store.GetIdempotencyRecord(ctx, idempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("failed to check idempotency key: %w", err)
		}
		if existing != nil {
			return g.denied(ctx, req,
				fmt.Sprintf("Duplicate idempotency_key blocked: %s", idempotencyKey),
				normalized, idempotencyKey,
				map[string]any{"duplicate_of": existing})
		}
		reserved, err := g.store.ReserveIdempotencyKey(ctx, idempotencyKey, req.AgentID, string(req.ActionType), 0)
		if err != nil {
			return nil, fmt.Errorf("failed to reserve idempotency key: %w", err)
		}
		if !reserved {
			return g.denied(ctx, req,
				fmt.Sprintf("Duplicate idempotency_key blocked (race): %s", idempotencyKey),
				normalized, idempotencyKey, nil)
		}
	}

	result, execErr := g.executeAllowed(ctx, req, normalized)
	if execErr != nil {
		errorPayload := map[string]any{"error": execErr.Error()}
		if !allowDuplicate {
			if err := g.store.SetIdempotencyResult(ctx, idempotencyKey, errorPayload); err != nil {
				g.logger.Warn("failed to record idempotency result", "key", idempotencyKey, "error", err)
			}
		}
		auditID, auditErr := g.store.AppendToolAudit(ctx, store.ToolAuditRow{
			AgentID:        req.AgentID,
			ActionType:     string(req.ActionType),
			WorkingDir:     req.WorkingDir,
			IdempotencyKey: idempotencyKey,
			Allowed:        false,
			Reason:         fmt.Sprintf("Execution error: %v", execErr),
			Payload:        normalized,
			Result:         errorPayload,
			CorrelationID:  req.CorrelationID,
		})
		if auditErr != nil {
			return nil, fmt.Errorf("failed to write audit row: %w", auditErr)
		}
		g.recordDecision(ctx, string(req.ActionType), false)
		return &event.ToolResult{
			Allowed:       false,
			ActionType:    req.ActionType,
			AgentID:       req.AgentID,
			WorkingDir:    req.WorkingDir,
			Error:         execErr.Error(),
			Reason:        fmt.Sprintf("Execution error: %v", execErr),
			AuditEventID:  auditID,
			CorrelationID: req.CorrelationID,
		}, nil
	}

	resultPayload := map[string]any{
		"stdout": result.Stdout,
		"stderr": result.Stderr,
		"error":  result.Error,
	}
	if result.ReturnCode != nil {
		resultPayload["return_code"] = *result.ReturnCode
	}
	if !allowDuplicate {
		if err := g.store.SetIdempotencyResult(ctx, idempotencyKey, resultPayload); err != nil {
			g.logger.Warn("failed to record idempotency result", "key", idempotencyKey, "error", err)
		}
	}
	auditID, err := g.store.AppendToolAudit(ctx, store.ToolAuditRow{
		AgentID:        req.AgentID,
		ActionType:     string(req.ActionType),
		WorkingDir:     req.WorkingDir,
		IdempotencyKey: idempotencyKey,
		Allowed:        result.Allowed,
		Reason:         result.Reason,
		Payload:        normalized,
		Result:         resultPayload,
		CorrelationID:  req.CorrelationID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to write audit row: %w", err)
	}
	result.AuditEventID = auditID
	g.recordDecision(ctx, string(req.ActionType), result.Allowed)
	return result, nil
}

func (g *Gateway) recordDecision(ctx context.Context, actionType string, allowed bool) {
	if g.decisionHook != nil {
		g.decisionHook(ctx, actionType, allowed)
	}
}

func (g *Gateway) executeAllowed(ctx context.Context, req *event.ToolRequest, payload map[string]any) (*event.ToolResult, error) {
	base := event.ToolResult{
		Allowed:       true,
		ActionType:    req.ActionType,
		AgentID:       req.AgentID,
		WorkingDir:    req.WorkingDir,
		CorrelationID: req.CorrelationID,
	}

	switch req.ActionType {
	case event.ActionRunCmd:
		argv := stringSlice(payload["argv"])
		if len(argv) == 0 {
			return nil, fmt.Errorf("RUN_CMD requires normalized argv list")
		}
		stdout, stderr, code, err := g.runCommand(ctx, req.WorkingDir, argv)
		if err != nil {
			return nil, err
		}
		res := base
		res.Stdout = stdout
		res.Stderr = stderr
		res.ReturnCode = &code
		res.Reason = "RUN_CMD executed."
		return &res, nil

	case event.ActionWriteFile:
		path, _ := payload["path"].(string)
		content := fmt.Sprint(orString(payload["content"], ""))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return nil, err
		}
		res := base
		res.Stdout = fmt.Sprintf("Wrote %d bytes to %s", len(content), path)
		res.ReturnCode = intPtr(0)
		res.Reason = "WRITE_FILE executed."
		return &res, nil

	case event.ActionReadFile:
		path, _ := payload["path"].(string)
		content, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			res := base
			res.Stderr = fmt.Sprintf("File does not exist: %s", path)
			res.ReturnCode = intPtr(1)
			res.Reason = "READ_FILE target missing."
			return &res, nil
		}
		if err != nil {
			return nil, err
		}
		res := base
		res.Stdout = string(content)
		res.ReturnCode = intPtr(0)
		res.Reason = "READ_FILE executed."
		return &res, nil

	case event.ActionGitCommit:
		message, _ := payload["message"].(string)
		addCmd := []string{"git", "add", "--"}
		addCmd = append(addCmd, stringSlice(payload["paths"])...)
		addOut, addErr, addCode, err := g.runCommand(ctx, req.WorkingDir, addCmd)
		if err != nil {
			return nil, err
		}
		commitOut, commitErr, commitCode, err := g.runCommand(ctx, req.WorkingDir,
			[]string{"git", "commit", "-m", message})
		if err != nil {
			return nil, err
		}
		code := commitCode
		if commitCode == 0 {
			code = addCode
		}
		res := base
		res.Stdout = addOut + commitOut
		res.Stderr = addErr + commitErr
		res.ReturnCode = &code
		res.Reason = "GIT_COMMIT executed."
		return &res, nil

	case event.ActionGitDiff:
		args := append([]string{"git", "diff"}, stringSlice(payload["args"])...)
		stdout, stderr, code, err := g.runCommand(ctx, req.WorkingDir, args)
		if err != nil {
			return nil, err
		}
		res := base
		res.Stdout = stdout
		res.Stderr = stderr
		res.ReturnCode = &code
		res.Reason = "GIT_DIFF executed."
		return &res, nil

	default:
		return nil, fmt.Errorf("unsupported action type: %s", req.ActionType)
	}
}

// runCommand executes argv directly with a bounded wall clock and no shell.
// A nonzero exit is a result, not an error; only spawn/timeout failures
// surface as errors.
func (g *Gateway) runCommand(ctx context.Context, dir string, argv []string) (string, string, int, error) {
	ctx, cancel := context.WithTimeout(ctx, g.commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return stdout.String(), stderr.String(), -1,
			fmt.Errorf("command timed out after %s: %s", g.commandTimeout, strings.Join(argv, " "))
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return stdout.String(), stderr.String(), exitErr.ExitCode(), nil
		}
		return stdout.String(), stderr.String(), -1, fmt.Errorf("failed to run %s: %w", argv[0], err)
	}
	return stdout.String(), stderr.String(), 0, nil
}

func (g *Gateway) denied(ctx context.Context, req *event.ToolRequest, reason string, payload map[string]any, idempotencyKey string, result map[string]any) (*event.ToolResult, error) {
	auditID, err := g.store.AppendToolAudit(ctx, store.ToolAuditRow{
		AgentID:        req.AgentID,
		ActionType:     string(req.ActionType),
		WorkingDir:     req.WorkingDir,
		IdempotencyKey: idempotencyKey,
		Allowed:        false,
		Reason:         reason,
		Payload:        payload,
		Result:         result,
		CorrelationID:  req.CorrelationID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to write audit row: %w", err)
	}
	g.recordDecision(ctx, string(req.ActionType), false)
	return &event.ToolResult{
		Allowed:       false,
		ActionType:    req.ActionType,
		AgentID:       req.AgentID,
		WorkingDir:    req.WorkingDir,
		Reason:        reason,
		Error:         reason,
		AuditEventID:  auditID,
		CorrelationID: req.CorrelationID,
	}, nil
}

func stringSlice(raw any) []string {
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	default:
		return nil
	}
}

func orString(raw any, fallback string) any {
	if raw == nil {
		return fallback
	}
	return raw
}

func intPtr(n int) *int {
	return &n
}
