// Package worker hosts the per-agent event loop: it claims routed events
// from the durable mailbox, writes liveness heartbeats, and dispatches each
// event through the agent runtime.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Mindburn-Labs/bureau/pkg/audit"
	"github.com/Mindburn-Labs/bureau/pkg/bus"
	"github.com/Mindburn-Labs/bureau/pkg/event"
	"github.com/Mindburn-Labs/bureau/pkg/gateway"
)

// Handler processes one event type for an agent. The returned map is the
// runtime's disposition record for the trail.
type Handler func(ctx context.Context, evt *event.Event) (map[string]any, error)

// Runtime dispatches claimed events for a single agent.
type Runtime struct {
	agentID  string
	bus      *bus.DurableEventBus
	gateway  *gateway.Gateway
	trail    audit.Trail
	logger   *slog.Logger
	handlers map[string]Handler
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithGateway wires the tool gateway. Without one, TOOL_REQUEST events are
// answered with a tool_gateway_missing disposition.
func WithGateway(g *gateway.Gateway) RuntimeOption {
	return func(r *Runtime) { r.gateway = g }
}

// WithRuntimeTrail mirrors dispositions to a machine-readable trail.
func WithRuntimeTrail(trail audit.Trail) RuntimeOption {
	return func(r *Runtime) {
		if trail != nil {
			r.trail = trail
		}
	}
}

// WithRuntimeLogger sets the structured logger.
func WithRuntimeLogger(logger *slog.Logger) RuntimeOption {
	return func(r *Runtime) {
		if logger != nil {
			r.logger = logger.With("component", "runtime")
		}
	}
}

// NewRuntime builds a runtime for the given agent.
func NewRuntime(agentID string, b *bus.DurableEventBus, opts ...RuntimeOption) (*Runtime, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return nil, fmt.Errorf("runtime requires an agent id")
	}
	if b == nil {
		return nil, fmt.Errorf("runtime requires an event bus")
	}
	r := &Runtime{
		agentID:  agentID,
		bus:      b,
		logger:   slog.Default().With("component", "runtime", "agent_id", agentID),
		handlers: make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// RegisterHandler installs a handler for an event type, replacing any
// previous registration. Built-in dispatch for SUPERVISOR_HEARTBEAT and
// TOOL_REQUEST cannot be overridden.
func (r *Runtime) RegisterHandler(eventType string, h Handler) {
	if h == nil {
		return
	}
	r.handlers[strings.ToUpper(strings.TrimSpace(eventType))] = h
}

// HandleEvent dispatches one claimed event and returns its disposition.
func (r *Runtime) HandleEvent(ctx context.Context, evt *event.Event) (map[string]any, error) {
	if evt.TargetAgent != "" && evt.TargetAgent != r.agentID {
		return map[string]any{
			"status":   "skipped",
			"reason":   "target_agent mismatch",
			"event_id": evt.ID,
		}, nil
	}

	switch evt.Type {
	case event.TypeSupervisorHeartbeat:
		return map[string]any{"status": "heartbeat_seen", "event_id": evt.ID}, nil

	case event.TypeToolRequest:
		result, err := r.handleToolRequest(ctx, evt)
		if err != nil {
			return nil, err
		}
		r.logDisposition(evt, result)
		return result, nil
	}

	if h, ok := r.handlers[evt.Type]; ok {
		result, err := h(ctx, evt)
		if err != nil {
			return nil, err
		}
		r.logDisposition(evt, result)
		return result, nil
	}

	result := map[string]any{
		"status":     "processed",
		"event_id":   evt.ID,
		"event_type": evt.Type,
		"agent_id":   r.agentID,
	}
	r.logDisposition(evt, result)
	return result, nil
}

func (r *Runtime) handleToolRequest(ctx context.Context, evt *event.Event) (map[string]any, error) {
	if r.gateway == nil {
		return map[string]any{"status": "tool_gateway_missing", "event_id": evt.ID}, nil
	}

	requestRaw, ok := evt.Payload["request"].(map[string]any)
	if !ok {
		return map[string]any{"status": "invalid_request_payload", "event_id": evt.ID}, nil
	}

	requestData := make(map[string]any, len(requestRaw)+4)
	for k, v := range requestRaw {
		requestData[k] = v
	}
	setDefault(requestData, "agent_id", r.agentID)
	if wd, ok := evt.Payload["working_dir"].(string); ok && wd != "" {
		setDefault(requestData, "working_dir", wd)
	}
	if by, ok := evt.Payload["authorized_by"].(string); ok && by != "" {
		setDefault(requestData, "authorized_by", by)
	}
	setDefault(requestData, "correlation_id", evt.CorrelationID)

	result, err := r.gateway.Execute(ctx, requestData)
	if err != nil {
		return nil, fmt.Errorf("tool request for event %d: %w", evt.ID, err)
	}

	replyTo, _ := evt.Payload["reply_to"].(string)
	if replyTo == "" {
		replyTo = "command"
	}
	var idempotencyKey any
	if inner, ok := requestData["payload"].(map[string]any); ok {
		idempotencyKey = inner["idempotency_key"]
	}
	_, err = r.bus.Publish(ctx, &event.Event{
		Type:          event.TypeToolResult,
		OriginID:      r.agentID,
		TargetAgent:   replyTo,
		CorrelationID: evt.CorrelationID,
		Payload: map[string]any{
			"source_event_id": evt.ID,
			"allowed":         result.Allowed,
			"reason":          result.Reason,
			"return_code":     returnCodeValue(result.ReturnCode),
			"stdout":          result.Stdout,
			"stderr":          result.Stderr,
			"audit_event_id":  result.AuditEventID,
			"idempotency_key": idempotencyKey,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("publish tool result for event %d: %w", evt.ID, err)
	}

	return map[string]any{
		"status":         "tool_request_handled",
		"event_id":       evt.ID,
		"allowed":        result.Allowed,
		"reason":         result.Reason,
		"audit_event_id": result.AuditEventID,
	}, nil
}

func (r *Runtime) logDisposition(evt *event.Event, result map[string]any) {
	if r.trail == nil {
		return
	}
	if err := r.trail.Record(evt.Type, map[string]any{
		"agent_id": r.agentID,
		"event_id": evt.ID,
		"result":   result,
	}); err != nil {
		r.logger.Error("runtime trail write failed", "event_id", evt.ID, "error", err)
	}
}

func setDefault(m map[string]any, key string, value any) {
	if existing, ok := m[key]; ok && existing != nil && existing != "" {
		return
	}
	m[key] = value
}

func returnCodeValue(rc *int) any {
	if rc == nil {
		return nil
	}
	return *rc
}
