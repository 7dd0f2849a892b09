package governance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyOutcomes_SuccessStepsScaledByAuthorityBands(t *testing.T) {
	reg := NewRegistryFromDefinitions(testDefinitions())

	changes := ApplyOutcomes(reg, []Outcome{{
		AgentID:         "recon",
		Outcome:         OutcomeSuccess,
		SourceEventType: "WORKER_STARTED",
		SourceEventID:   11,
		SourceTimestamp: "2026-03-01T12:00:00Z",
	}})
	require.Len(t, changes, 1)

	// Subject band is 1.0 (authority 0.7); chiefs observe at band 1.2.
	// The subject observes its own outcome like any other agent.
	assert.InDelta(t, 0.05, changes[0].ReputationDelta, 1e-9)
	assert.Len(t, changes[0].ObserverTrustDeltas, 4)
	assert.InDelta(t, 0.06, changes[0].ObserverTrustDeltas["supervisor"], 1e-9)
	assert.InDelta(t, 0.06, changes[0].ObserverTrustDeltas["command"], 1e-9)
	assert.InDelta(t, 0.05, changes[0].ObserverTrustDeltas["forge"], 1e-9)
	assert.InDelta(t, 0.05, changes[0].ObserverTrustDeltas["recon"], 1e-9)

	assert.InDelta(t, 0.55, reg.Agent("recon").ReputationScore, 1e-9)
	assert.InDelta(t, 0.56, reg.Agent("supervisor").TrustWeights["recon"], 1e-9)
	assert.InDelta(t, 0.55, reg.Agent("forge").TrustWeights["recon"], 1e-9)
	assert.InDelta(t, 0.55, reg.Agent("recon").TrustWeights["recon"], 1e-9)
	assert.Equal(t, 2, reg.Version())
	assert.Equal(t, "2026-03-01T12:00:00Z", reg.state.LastUpdated)
}

func TestApplyOutcomes_EscalatedFailureAddsPenalty(t *testing.T) {
	reg := NewRegistryFromDefinitions(testDefinitions())

	changes := ApplyOutcomes(reg, []Outcome{{
		AgentID:   "supervisor",
		Outcome:   OutcomeFailure,
		Escalated: true,
	}})
	require.Len(t, changes, 1)

	// (0.07 + 0.12) scaled by the subject's 1.2 band.
	assert.InDelta(t, -0.228, changes[0].ReputationDelta, 1e-9)
	assert.InDelta(t, -0.2736, changes[0].ObserverTrustDeltas["command"], 1e-9)
	assert.InDelta(t, -0.228, changes[0].ObserverTrustDeltas["recon"], 1e-9)
	assert.InDelta(t, -0.2736, changes[0].ObserverTrustDeltas["supervisor"], 1e-9)

	assert.InDelta(t, 0.272, reg.Agent("supervisor").ReputationScore, 1e-9)
	assert.InDelta(t, 0.2264, reg.Agent("command").TrustWeights["supervisor"], 1e-9)
	assert.InDelta(t, 0.2264, reg.Agent("supervisor").TrustWeights["supervisor"], 1e-9)
}

func TestApplyOutcomes_PlainFailureHasNoPenalty(t *testing.T) {
	reg := NewRegistryFromDefinitions(testDefinitions())

	changes := ApplyOutcomes(reg, []Outcome{{AgentID: "forge", Outcome: OutcomeFailure}})
	require.Len(t, changes, 1)
	assert.InDelta(t, -0.07, changes[0].ReputationDelta, 1e-9)
}

func TestApplyOutcomes_UnknownSubjectSkipped(t *testing.T) {
	reg := NewRegistryFromDefinitions(testDefinitions())
	changes := ApplyOutcomes(reg, []Outcome{{AgentID: "ghost", Outcome: OutcomeSuccess}})
	assert.Empty(t, changes)
	assert.Equal(t, 1, reg.Version())
}

func TestApplyOutcomes_SequenceIsOrderDependent(t *testing.T) {
	reg := NewRegistryFromDefinitions(testDefinitions())

	ApplyOutcomes(reg, []Outcome{
		{AgentID: "recon", Outcome: OutcomeSuccess},
		{AgentID: "recon", Outcome: OutcomeFailure, Escalated: true},
	})

	// 0.5 + 0.05 - 0.19, both at band 1.0.
	assert.InDelta(t, 0.36, reg.Agent("recon").ReputationScore, 1e-9)
	assert.Equal(t, 3, reg.Version())

	history := reg.state.History["recon"]
	require.Len(t, history, 3)
	assert.InDelta(t, 0.5, history[0], 1e-9)
	assert.InDelta(t, 0.55, history[1], 1e-9)
	assert.InDelta(t, 0.36, history[2], 1e-9)
}
