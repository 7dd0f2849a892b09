package governance

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/Mindburn-Labs/bureau/pkg/projection"
)

// Engine owns the live registry, its persisted document, and the ledger.
// Each ingested projection delta appends, in order, one TRUST_CHANGE per
// derived outcome, a WATER_COOLER_LESSON when an idle window triggers one,
// a REGISTRY_UPDATE carrying the full snapshot and its hash, and a
// TRUST_STABILITY_METRIC, then saves the registry atomically.
type Engine struct {
	registry      *Registry
	registryStore *RegistryStore
	ledger        *Ledger
	initial       *RegistryState
	logger        *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the structured logger.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger.With("component", "governance")
		}
	}
}

// FromAgentDefinitions opens an engine over the given registry and ledger
// paths. An existing registry file is loaded and any newly defined agents
// merged in; otherwise the registry starts from the definitions' defaults.
// A ledger that fails chain validation is rejected up front, so nothing is
// ever appended after a detected break.
func FromAgentDefinitions(defs []AgentDefinition, registryPath, ledgerPath string, opts ...EngineOption) (*Engine, error) {
	store := NewRegistryStore(registryPath)

	var state *RegistryState
	if _, err := os.Stat(registryPath); err == nil {
		state = store.Load()
	} else {
		state = DefaultState(defs)
	}
	for _, def := range defs {
		id := normalizeAgentID(def.AgentID)
		if id == "" {
			continue
		}
		if _, ok := state.Agents[id]; ok {
			continue
		}
		state.Agents[id] = &AgentState{
			AgentID:         id,
			Role:            def.Role,
			AuthorityLevel:  clamp01(def.AuthorityLevel),
			ReputationScore: defaultReputation,
		}
	}
	state.Normalize()

	ledger, err := OpenLedger(ledgerPath)
	if err != nil {
		return nil, err
	}
	if err := ledger.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		registry:      NewRegistry(state),
		registryStore: store,
		ledger:        ledger,
		initial:       state.Clone(),
		logger:        slog.Default().With("component", "governance"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Registry exposes the live registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Ledger exposes the ledger.
func (e *Engine) Ledger() *Ledger {
	return e.ledger
}

// DeltaReport describes everything one ingested delta produced.
type DeltaReport struct {
	Outcomes        []Outcome          `json:"outcomes"`
	TrustChanges    []TrustChange      `json:"trust_changes"`
	Lesson          *LessonPropagation `json:"lesson"`
	Stability       *StabilityReport   `json:"stability"`
	RegistryHash    string             `json:"registry_hash"`
	RegistryVersion int                `json:"registry_version"`
}

// IngestProjectionDelta folds one view transition into the trust fabric.
// Entry timestamps come from the views, never from the wall clock, so
// replaying the same view sequence reproduces the ledger byte for byte.
func (e *Engine) IngestProjectionDelta(previous, current *projection.View) (*DeltaReport, error) {
	if current == nil {
		return nil, fmt.Errorf("ingest delta: current view is nil")
	}
	if previous == nil {
		previous = projection.DefaultView()
	}

	outcomes := DeriveOutcomes(previous, current, e.registry.AgentIDs())
	changes := ApplyOutcomes(e.registry, outcomes)
	for i := range changes {
		payload, err := toPayload(changes[i])
		if err != nil {
			return nil, fmt.Errorf("encode trust change: %w", err)
		}
		ts := changes[i].SourceTimestamp
		if strings.TrimSpace(ts) == "" {
			ts = current.Timestamp
		}
		if _, err := e.ledger.Append(EntryTrustChange, payload, ts); err != nil {
			return nil, err
		}
	}

	propagation, err := MaybePropagateLesson(e.registry, previous, current)
	if err != nil {
		return nil, err
	}
	if propagation.Triggered {
		payload, err := toPayload(propagation.Lesson)
		if err != nil {
			return nil, fmt.Errorf("encode lesson: %w", err)
		}
		payload["propagation_metric"] = propagation.PropagationMetric
		if _, err := e.ledger.Append(EntryWaterCoolerLesson, payload, propagation.Lesson.SourceTimestamp); err != nil {
			return nil, err
		}
	}

	snapshot := e.registry.Snapshot()
	hash, err := e.registry.Hash()
	if err != nil {
		return nil, fmt.Errorf("hash registry: %w", err)
	}
	snapshotPayload, err := toPayload(snapshot)
	if err != nil {
		return nil, fmt.Errorf("encode registry snapshot: %w", err)
	}
	if _, err := e.ledger.Append(EntryRegistryUpdate, map[string]any{
		"registry":      snapshotPayload,
		"registry_hash": hash,
	}, current.Timestamp); err != nil {
		return nil, err
	}

	stability := ComputeStability(e.registry)
	stabilityPayload, err := toPayload(stability)
	if err != nil {
		return nil, fmt.Errorf("encode stability report: %w", err)
	}
	if _, err := e.ledger.Append(EntryTrustStabilityMetric, stabilityPayload, current.Timestamp); err != nil {
		return nil, err
	}

	if err := e.registryStore.SaveAtomic(snapshot); err != nil {
		return nil, err
	}

	e.logger.Debug("ingested projection delta",
		"outcomes", len(outcomes),
		"lesson_triggered", propagation.Triggered,
		"registry_version", e.registry.Version(),
	)

	return &DeltaReport{
		Outcomes:        outcomes,
		TrustChanges:    changes,
		Lesson:          propagation,
		Stability:       stability,
		RegistryHash:    hash,
		RegistryVersion: e.registry.Version(),
	}, nil
}

// Arbitrate scores a proposal against the live registry.
func (e *Engine) Arbitrate(targetAgent string, ballots []Ballot) *ArbitrationResult {
	return Arbitrate(e.registry, targetAgent, ballots)
}

// ReconstructRegistryFromLedger rebuilds the registry by replaying the
// ledger over the state the engine started from. With any ingested delta
// the result is anchored by the latest registry update entry; an empty
// ledger reproduces the initial state.
func (e *Engine) ReconstructRegistryFromLedger() (*RegistryState, error) {
	return e.ledger.ReconstructRegistry(e.initial)
}

// ValidateChain checks the ledger's hash chain.
func (e *Engine) ValidateChain() error {
	return e.ledger.Validate()
}

// ValidateRegistryHash compares the live registry hash to the one recorded
// by the latest registry update entry.
func (e *Engine) ValidateRegistryHash() (bool, error) {
	recorded, ok := e.ledger.LatestRegistryHash()
	if !ok {
		return false, nil
	}
	live, err := e.registry.Hash()
	if err != nil {
		return false, err
	}
	return recorded == live, nil
}

func toPayload(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
