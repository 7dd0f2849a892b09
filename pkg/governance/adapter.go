package governance

import (
	"sort"
	"strings"

	"github.com/Mindburn-Labs/bureau/pkg/event"
	"github.com/Mindburn-Labs/bureau/pkg/projection"
)

// Outcome verdicts.
const (
	OutcomeSuccess = "SUCCESS"
	OutcomeFailure = "FAILURE"
)

// Synthetic source types for tool-audit-derived outcomes.
const (
	sourceToolAuditAllowed = "TOOL_AUDIT_ALLOWED_DELTA"
	sourceToolAuditDenied  = "TOOL_AUDIT_DENIED_DELTA"
)

var successEventTypes = map[string]bool{
	event.TypeSupervisorStart: true,
	event.TypeIntentDispatch:  true,
	event.TypeWorkerStarted:   true,
	event.TypeWorkerRestarted: true,
}

var failureEventTypes = map[string]bool{
	event.TypeSupervisorStop:         true,
	event.TypeProposalInvalid:        true,
	event.TypeWorkerExited:           true,
	event.TypeWorkerHeartbeatMissed:  true,
	event.TypeWorkerRestartScheduled: true,
}

var escalationEventTypes = map[string]bool{
	event.TypeProposalInvalid:       true,
	event.TypeWorkerExited:          true,
	event.TypeWorkerHeartbeatMissed: true,
}

var escalatedWorkerStates = map[string]bool{
	projection.WorkerOffline:    true,
	projection.WorkerRestarting: true,
}

// Outcome is one governance verdict derived from a projection delta.
type Outcome struct {
	AgentID         string `json:"agent_id"`
	Outcome         string `json:"outcome"`
	Escalated       bool   `json:"escalated"`
	SourceEventType string `json:"source_event_type"`
	SourceEventID   int64  `json:"source_event_id"`
	SourceTimestamp string `json:"source_timestamp"`
}

// DeriveOutcomes compares two consecutive views and emits the outcomes the
// delta implies: at most one for the newly observed event, plus one per
// active agent for each tool-audit counter that moved. Subjects that do not
// resolve to a known agent are dropped.
func DeriveOutcomes(previous, current *projection.View, knownAgents []string) []Outcome {
	if previous == nil || current == nil {
		return nil
	}
	known := make(map[string]bool, len(knownAgents))
	for _, id := range knownAgents {
		known[normalizeAgentID(id)] = true
	}

	var outcomes []Outcome

	if current.LastSeenEventID > previous.LastSeenEventID && current.CurrentEvent != nil {
		eventType := strings.ToUpper(strings.TrimSpace(current.CurrentEvent.Type))
		subject := resolveSubject(current.CurrentEvent, func(id string) bool { return known[id] })
		if subject != "" {
			var verdict string
			switch {
			case successEventTypes[eventType]:
				verdict = OutcomeSuccess
			case failureEventTypes[eventType]:
				verdict = OutcomeFailure
			}
			if verdict != "" {
				outcomes = append(outcomes, Outcome{
					AgentID:         subject,
					Outcome:         verdict,
					Escalated:       escalationEventTypes[eventType],
					SourceEventType: eventType,
					SourceEventID:   current.LastSeenEventID,
					SourceTimestamp: current.CurrentEvent.Timestamp,
				})
			}
		}
	}

	allowedDelta := current.ToolAuditCounts.Allowed - previous.ToolAuditCounts.Allowed
	deniedDelta := current.ToolAuditCounts.Denied - previous.ToolAuditCounts.Denied
	if allowedDelta > 0 || deniedDelta > 0 {
		active := activeAgents(current, known, knownAgents)
		for _, id := range active {
			if allowedDelta > 0 {
				outcomes = append(outcomes, Outcome{
					AgentID:         id,
					Outcome:         OutcomeSuccess,
					SourceEventType: sourceToolAuditAllowed,
					SourceEventID:   current.LastSeenToolAuditID,
					SourceTimestamp: current.Timestamp,
				})
			}
			if deniedDelta > 0 {
				outcomes = append(outcomes, Outcome{
					AgentID:         id,
					Outcome:         OutcomeFailure,
					Escalated:       true,
					SourceEventType: sourceToolAuditDenied,
					SourceEventID:   current.LastSeenToolAuditID,
					SourceTimestamp: current.Timestamp,
				})
			}
		}
	}

	return outcomes
}

// resolveSubject names the agent an event snapshot is about. A payload key
// only counts when it names a known agent, otherwise resolution falls through
// to the next key and finally to the origin. agent_id wins over the mirrored
// routing key: lifecycle events are routed to the chief, so target_agent
// usually names the recipient, not the subject. Returns "" when nothing
// resolves to a known agent.
func resolveSubject(snap *projection.EventSnapshot, known func(string) bool) string {
	for _, key := range []string{"agent_id", "worker", "target_agent"} {
		if v, ok := snap.Payload[key].(string); ok {
			if id := normalizeAgentID(v); id != "" && known(id) {
				return id
			}
		}
	}
	if id := normalizeAgentID(snap.OriginID); id != "" && known(id) {
		return id
	}
	return ""
}

// activeAgents lists the known agents currently visible in the view's
// worker table. When the table names none of them, every known agent is
// considered active.
func activeAgents(current *projection.View, known map[string]bool, knownAgents []string) []string {
	var active []string
	for id, w := range current.Workers {
		id = normalizeAgentID(id)
		if !known[id] || w == nil {
			continue
		}
		switch {
		case w.Present,
			w.State == projection.WorkerActive,
			w.State == projection.WorkerIdle,
			escalatedWorkerStates[w.State]:
			active = append(active, id)
		}
	}
	if len(active) == 0 {
		for _, id := range knownAgents {
			if id = normalizeAgentID(id); known[id] {
				active = append(active, id)
			}
		}
	}
	sort.Strings(active)
	return active
}
