// Package event defines the canonical cross-process vocabulary of the
// substrate: durable events, tool requests, and tool results.
package event

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status values for an event's delivery lifecycle.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusClaimed Status = "CLAIMED"
	StatusDone    Status = "DONE"
	StatusFailed  Status = "FAILED"
)

// Well-known event types emitted by the core. Domain events use their own
// tokens; the substrate does not enumerate them.
const (
	TypeSupervisorStart        = "SUPERVISOR_START"
	TypeSupervisorStop         = "SUPERVISOR_STOP"
	TypeSupervisorHeartbeat    = "SUPERVISOR_HEARTBEAT"
	TypeSupervisorAlert        = "SUPERVISOR_ALERT"
	TypeWorkerStarted          = "WORKER_STARTED"
	TypeWorkerExited           = "WORKER_EXITED"
	TypeWorkerRestartScheduled = "WORKER_RESTART_SCHEDULED"
	TypeWorkerRestarted        = "WORKER_RESTARTED"
	TypeWorkerDisabled         = "WORKER_DISABLED"
	TypeWorkerHeartbeatMissed  = "WORKER_HEARTBEAT_MISSED"
	TypeToolRequest            = "TOOL_REQUEST"
	TypeToolResult             = "TOOL_RESULT"
	TypeIntentDispatch         = "INTENT_DISPATCH"
	TypeProposalInvalid        = "PROPOSAL_INVALID"
)

// Event is the durable record appended to and claimed from the MailStore.
// ID is zero until the store assigns one.
type Event struct {
	ID            int64          `json:"id"`
	Type          string         `json:"type"`
	Timestamp     string         `json:"timestamp"`
	OriginID      string         `json:"origin_id"`
	Payload       map[string]any `json:"payload"`
	Justification string         `json:"justification,omitempty"`
	Status        Status         `json:"status"`
	Error         string         `json:"error,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	TargetAgent   string         `json:"target_agent,omitempty"`
}

var (
	// ErrMissingType rejects events without a type token.
	ErrMissingType = errors.New("event must include a non-empty type")
	// ErrMissingOrigin rejects events without an origin id.
	ErrMissingOrigin = errors.New("event must include a non-empty origin_id")
)

// Now returns the substrate timestamp format: RFC 3339 with sub-second
// precision, UTC.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// New builds a minimal valid event.
func New(eventType, originID string, payload map[string]any) *Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Event{
		Type:      eventType,
		Timestamp: Now(),
		OriginID:  originID,
		Payload:   payload,
		Status:    StatusPending,
	}
}

// Coerce normalizes an event-like input into the canonical shape. Accepted
// inputs are *Event, Event, and map[string]any (the loose form agents hand
// to the bus). Missing type or origin fails; timestamps default to now;
// justification falls back to payload.prime_directive_justification; target
// and correlation fall back to payload fields of the same name.
func Coerce(raw any) (*Event, error) {
	switch v := raw.(type) {
	case *Event:
		return normalize(v.clone())
	case Event:
		return normalize(v.clone())
	case map[string]any:
		return coerceMap(v)
	default:
		return nil, fmt.Errorf("unsupported event input type %T", raw)
	}
}

func (e *Event) clone() *Event {
	out := *e
	out.Payload = clonePayload(e.Payload)
	return &out
}

// ToMap renders the event in its wire shape, backfilling payload.event_id so
// consumers that only see the payload can still reference the row.
func (e *Event) ToMap() map[string]any {
	payload := clonePayload(e.Payload)
	if e.ID > 0 {
		if _, ok := payload["event_id"]; !ok {
			payload["event_id"] = e.ID
		}
	}
	m := map[string]any{
		"id":        e.ID,
		"type":      e.Type,
		"timestamp": e.Timestamp,
		"origin_id": e.OriginID,
		"payload":   payload,
		"status":    string(e.Status),
	}
	if e.Justification != "" {
		m["justification"] = e.Justification
	}
	if e.Error != "" {
		m["error"] = e.Error
	}
	if e.CorrelationID != "" {
		m["correlation_id"] = e.CorrelationID
	}
	if e.TargetAgent != "" {
		m["target_agent"] = e.TargetAgent
	}
	return m
}

func normalize(e *Event) (*Event, error) {
	e.Type = strings.TrimSpace(e.Type)
	if e.Type == "" {
		return nil, ErrMissingType
	}
	e.OriginID = strings.TrimSpace(e.OriginID)
	if e.OriginID == "" {
		return nil, ErrMissingOrigin
	}
	if strings.TrimSpace(e.Timestamp) == "" {
		e.Timestamp = Now()
	}
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}
	if e.Status == "" {
		e.Status = StatusPending
	}
	if e.Justification == "" {
		if j, ok := e.Payload["prime_directive_justification"].(string); ok {
			e.Justification = j
		}
	}
	if e.TargetAgent == "" {
		if t, ok := e.Payload["target_agent"].(string); ok && strings.TrimSpace(t) != "" {
			e.TargetAgent = t
		}
	}
	if e.CorrelationID == "" {
		if c, ok := e.Payload["correlation_id"].(string); ok && strings.TrimSpace(c) != "" {
			e.CorrelationID = c
		}
	}
	if e.ID > 0 {
		if _, ok := e.Payload["event_id"]; !ok {
			e.Payload["event_id"] = e.ID
		}
	}
	return e, nil
}

func coerceMap(raw map[string]any) (*Event, error) {
	e := &Event{}
	e.Type, _ = raw["type"].(string)
	if origin, ok := raw["origin_id"].(string); ok && strings.TrimSpace(origin) != "" {
		e.OriginID = origin
	} else if origin, ok := raw["origin"].(string); ok {
		e.OriginID = origin
	}
	if ts, ok := raw["timestamp"].(string); ok {
		e.Timestamp = ts
	}
	if p, ok := raw["payload"].(map[string]any); ok {
		e.Payload = clonePayload(p)
	}
	if e.OriginID == "" && e.Payload != nil {
		if origin, ok := e.Payload["origin_id"].(string); ok {
			e.OriginID = origin
		}
	}
	if j, ok := raw["justification"].(string); ok {
		e.Justification = j
	}
	if s, ok := raw["status"].(string); ok && s != "" {
		e.Status = Status(s)
	}
	if errMsg, ok := raw["error"].(string); ok {
		e.Error = errMsg
	}
	if c, ok := raw["correlation_id"].(string); ok {
		e.CorrelationID = c
	}
	if t, ok := raw["target_agent"].(string); ok {
		e.TargetAgent = t
	}
	e.ID = intField(raw, "event_id")
	if e.ID == 0 {
		e.ID = intField(raw, "id")
	}
	return normalize(e)
}

func intField(m map[string]any, key string) int64 {
	switch v := m[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func clonePayload(p map[string]any) map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
