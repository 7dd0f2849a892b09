package replay

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/bureau/pkg/governance"
	"github.com/Mindburn-Labs/bureau/pkg/projection"
)

func definitions() []governance.AgentDefinition {
	return []governance.AgentDefinition{
		{AgentID: "supervisor", Role: "chief", AuthorityLevel: 1.0},
		{AgentID: "command", Role: "chief", AuthorityLevel: 0.9},
		{AgentID: "recon", Role: "worker", AuthorityLevel: 0.7},
		{AgentID: "forge", Role: "worker", AuthorityLevel: 0.6},
	}
}

func view(eventID int64, eventType, agentID, mode string, stress float64) *projection.View {
	return &projection.View{
		Timestamp:       "2026-03-01T12:00:05Z",
		LastSeenEventID: eventID,
		Running:         mode == projection.OfficeRunning,
		CurrentEvent: &projection.EventSnapshot{
			Type:      eventType,
			Timestamp: "2026-03-01T12:00:04Z",
			OriginID:  "supervisor",
			Payload:   map[string]any{"agent_id": agentID},
		},
		Derived: projection.Derived{OfficeMode: mode, StressLevel: stress},
	}
}

func sampleViews() []*projection.View {
	return []*projection.View{
		view(11, "SUPERVISOR_START", "supervisor", projection.OfficeRunning, 0.7),
		view(12, "WORKER_STARTED", "recon", projection.OfficeRunning, 0.5),
		view(13, "WORKER_EXITED", "forge", projection.OfficeRunning, 0.4),
		view(14, "SUPERVISOR_STOP", "supervisor", projection.OfficePaused, 0.1),
	}
}

func TestRunOnce_SelfConsistent(t *testing.T) {
	h := NewHarness(definitions(), sampleViews())
	dir := t.TempDir()

	result, err := h.RunOnce(filepath.Join(dir, "registry.json"), filepath.Join(dir, "ledger.jsonl"))
	require.NoError(t, err)

	assert.True(t, result.ChainValid)
	assert.True(t, result.HashesEqual)
	assert.Equal(t, result.FinalRegistryHash, result.ReconstructedRegistryHash)
	assert.Greater(t, result.VersionsProcessed, 1)
}

func TestRun_TwoPassesAgree(t *testing.T) {
	h := NewHarness(definitions(), sampleViews())

	report, err := h.Run(t.TempDir())
	require.NoError(t, err)

	assert.True(t, report.Deterministic())
	assert.True(t, report.CrossRunHashesEqual)
	assert.Equal(t, report.First.FinalRegistryHash, report.Second.FinalRegistryHash)
	assert.Equal(t, report.First.VersionsProcessed, report.Second.VersionsProcessed)
}

func TestRun_EmptyViewSequence(t *testing.T) {
	h := NewHarness(definitions(), nil)

	report, err := h.Run(t.TempDir())
	require.NoError(t, err)
	assert.True(t, report.Deterministic())
	assert.Equal(t, 1, report.First.VersionsProcessed)
}

func TestRun_DifferentSequencesDiverge(t *testing.T) {
	base, err := NewHarness(definitions(), sampleViews()).Run(t.TempDir())
	require.NoError(t, err)

	altered := sampleViews()
	altered[2] = view(13, "WORKER_STARTED", "forge", projection.OfficeRunning, 0.4)
	other, err := NewHarness(definitions(), altered).Run(t.TempDir())
	require.NoError(t, err)

	assert.NotEqual(t, base.First.FinalRegistryHash, other.First.FinalRegistryHash)
}

func TestRunOnce_NilViewRejected(t *testing.T) {
	h := NewHarness(definitions(), []*projection.View{nil})
	dir := t.TempDir()
	_, err := h.RunOnce(filepath.Join(dir, "registry.json"), filepath.Join(dir, "ledger.jsonl"))
	require.Error(t, err)
}
