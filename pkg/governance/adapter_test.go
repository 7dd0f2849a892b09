package governance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/bureau/pkg/projection"
)

func knownIDs() []string {
	return []string{"command", "forge", "recon", "supervisor"}
}

func viewWithEvent(eventID int64, eventType, agentID string) *projection.View {
	return &projection.View{
		Timestamp:       "2026-03-01T12:00:05Z",
		LastSeenEventID: eventID,
		CurrentEvent: &projection.EventSnapshot{
			Type:      eventType,
			Timestamp: "2026-03-01T12:00:04Z",
			OriginID:  "supervisor",
			Payload:   map[string]any{"agent_id": agentID, "target_agent": "command"},
		},
	}
}

func TestDeriveOutcomes_SuccessEvent(t *testing.T) {
	prev := &projection.View{LastSeenEventID: 10}
	curr := viewWithEvent(11, "WORKER_STARTED", "recon")

	outcomes := DeriveOutcomes(prev, curr, knownIDs())
	require.Len(t, outcomes, 1)
	assert.Equal(t, "recon", outcomes[0].AgentID)
	assert.Equal(t, OutcomeSuccess, outcomes[0].Outcome)
	assert.False(t, outcomes[0].Escalated)
	assert.Equal(t, "WORKER_STARTED", outcomes[0].SourceEventType)
	assert.Equal(t, int64(11), outcomes[0].SourceEventID)
	assert.Equal(t, "2026-03-01T12:00:04Z", outcomes[0].SourceTimestamp)
}

func TestDeriveOutcomes_EscalatedFailureEvent(t *testing.T) {
	prev := &projection.View{LastSeenEventID: 10}
	curr := viewWithEvent(11, "WORKER_EXITED", "forge")

	outcomes := DeriveOutcomes(prev, curr, knownIDs())
	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeFailure, outcomes[0].Outcome)
	assert.True(t, outcomes[0].Escalated)

	// A restart scheduling is a failure but not an escalation.
	curr = viewWithEvent(12, "WORKER_RESTART_SCHEDULED", "forge")
	outcomes = DeriveOutcomes(prev, curr, knownIDs())
	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeFailure, outcomes[0].Outcome)
	assert.False(t, outcomes[0].Escalated)
}

func TestDeriveOutcomes_UnknownAgentIDFallsThroughToRoutingKey(t *testing.T) {
	prev := &projection.View{LastSeenEventID: 10}
	curr := viewWithEvent(11, "WORKER_STARTED", "stranger")

	// agent_id names nobody registered, so resolution falls through to the
	// mirrored target_agent.
	outcomes := DeriveOutcomes(prev, curr, knownIDs())
	require.Len(t, outcomes, 1)
	assert.Equal(t, "command", outcomes[0].AgentID)
}

func TestDeriveOutcomes_FullyUnknownSubjectDropped(t *testing.T) {
	prev := &projection.View{LastSeenEventID: 10}
	curr := &projection.View{
		LastSeenEventID: 11,
		CurrentEvent: &projection.EventSnapshot{
			Type:     "WORKER_STARTED",
			OriginID: "ghost-origin",
			Payload:  map[string]any{"agent_id": "stranger", "target_agent": "nobody"},
		},
	}
	assert.Empty(t, DeriveOutcomes(prev, curr, knownIDs()))
}

func TestDeriveOutcomes_NeutralEventTypeIgnored(t *testing.T) {
	prev := &projection.View{LastSeenEventID: 10}
	curr := viewWithEvent(11, "TOOL_RESULT", "recon")
	assert.Empty(t, DeriveOutcomes(prev, curr, knownIDs()))
}

func TestDeriveOutcomes_NoNewEventNoOutcome(t *testing.T) {
	prev := &projection.View{LastSeenEventID: 11}
	curr := viewWithEvent(11, "WORKER_STARTED", "recon")
	assert.Empty(t, DeriveOutcomes(prev, curr, knownIDs()))
}

func TestDeriveOutcomes_SubjectFallsBackToOrigin(t *testing.T) {
	prev := &projection.View{LastSeenEventID: 10}
	curr := &projection.View{
		LastSeenEventID: 11,
		CurrentEvent: &projection.EventSnapshot{
			Type:     "SUPERVISOR_START",
			OriginID: "supervisor",
			Payload:  map[string]any{},
		},
	}
	outcomes := DeriveOutcomes(prev, curr, knownIDs())
	require.Len(t, outcomes, 1)
	assert.Equal(t, "supervisor", outcomes[0].AgentID)
	assert.Equal(t, OutcomeSuccess, outcomes[0].Outcome)
}

func TestDeriveOutcomes_ToolAuditDeltas(t *testing.T) {
	prev := &projection.View{
		LastSeenEventID: 10,
		ToolAuditCounts: projection.AuditCounts{Allowed: 4, Denied: 2},
	}
	curr := &projection.View{
		Timestamp:           "2026-03-01T12:00:05Z",
		LastSeenEventID:     10,
		LastSeenToolAuditID: 9,
		ToolAuditCounts:     projection.AuditCounts{Allowed: 5, Denied: 3},
		Workers: map[string]*projection.WorkerView{
			"recon": {Present: true, State: projection.WorkerActive},
			"forge": {Present: false, State: projection.WorkerOffline},
		},
	}

	outcomes := DeriveOutcomes(prev, curr, knownIDs())
	require.Len(t, outcomes, 4)

	byKey := map[string]Outcome{}
	for _, o := range outcomes {
		byKey[o.AgentID+"/"+o.SourceEventType] = o
	}
	allowed := byKey["recon/TOOL_AUDIT_ALLOWED_DELTA"]
	assert.Equal(t, OutcomeSuccess, allowed.Outcome)
	assert.False(t, allowed.Escalated)
	assert.Equal(t, int64(9), allowed.SourceEventID)
	assert.Equal(t, "2026-03-01T12:00:05Z", allowed.SourceTimestamp)

	denied := byKey["forge/TOOL_AUDIT_DENIED_DELTA"]
	assert.Equal(t, OutcomeFailure, denied.Outcome)
	assert.True(t, denied.Escalated)
}

func TestDeriveOutcomes_ToolAuditFallsBackToAllKnownAgents(t *testing.T) {
	prev := &projection.View{}
	curr := &projection.View{
		Timestamp:       "2026-03-01T12:00:05Z",
		ToolAuditCounts: projection.AuditCounts{Allowed: 1},
	}

	outcomes := DeriveOutcomes(prev, curr, knownIDs())
	require.Len(t, outcomes, 4)
	ids := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		ids = append(ids, o.AgentID)
	}
	assert.Equal(t, []string{"command", "forge", "recon", "supervisor"}, ids)
}
