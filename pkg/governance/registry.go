// Package governance maintains the trust fabric between agents: a versioned
// registry of reputation and pairwise trust weights, a hash-chained ledger of
// every change, idle-window lesson propagation, arbitration over proposals,
// and a stability metric over reputation history. All state transitions are
// derived from projection view deltas, so two runs over the same view
// sequence produce byte-identical registries and ledgers.
package governance

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Mindburn-Labs/bureau/pkg/canonicalize"
)

// RegistrySchemaVersion tags persisted registry documents.
const RegistrySchemaVersion = 1

const (
	registryInitialVersion = 1
	epochTimestamp         = "1970-01-01T00:00:00+00:00"

	defaultRole       = "worker"
	defaultReputation = 0.5
	defaultTrust      = 0.5
)

// Reputation steps applied per derived outcome.
const (
	successReputationStep = 0.05
	failureReputationStep = 0.07
	escalationPenalty     = 0.12
)

// authorityBand scales a step by the agent's standing.
func authorityBand(level float64) float64 {
	switch {
	case level >= 0.8:
		return 1.2
	case level >= 0.5:
		return 1.0
	default:
		return 0.8
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// AgentDefinition seeds one agent into a fresh registry.
type AgentDefinition struct {
	AgentID        string  `json:"agent_id" yaml:"agent_id"`
	Role           string  `json:"role" yaml:"role"`
	AuthorityLevel float64 `json:"authority_level" yaml:"authority_level"`
}

// AgentState is one agent's row in the registry.
type AgentState struct {
	AgentID          string             `json:"agent_id"`
	Role             string             `json:"role"`
	AuthorityLevel   float64            `json:"authority_level"`
	ReputationScore  float64            `json:"reputation_score"`
	TrustWeights     map[string]float64 `json:"trust_weights"`
	KnowledgeLessons []string           `json:"knowledge_lessons"`
}

// RegistryState is the full persisted registry document.
type RegistryState struct {
	SchemaVersion int                    `json:"schema_version"`
	Version       int                    `json:"version"`
	LastUpdated   string                 `json:"last_updated"`
	Agents        map[string]*AgentState `json:"agents"`
	History       map[string][]float64   `json:"history"`
}

func normalizeAgentID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Normalize repairs a state loaded from disk or reconstructed from a ledger
// payload so that hashing is stable: agent ids lowercased, scores clamped to
// [0,1], trust weights present for every agent including self, lesson refs
// sorted unique.
func (s *RegistryState) Normalize() {
	s.SchemaVersion = RegistrySchemaVersion
	if s.Version < registryInitialVersion {
		s.Version = registryInitialVersion
	}
	if strings.TrimSpace(s.LastUpdated) == "" {
		s.LastUpdated = epochTimestamp
	}

	agents := make(map[string]*AgentState, len(s.Agents))
	for rawID, agent := range s.Agents {
		id := normalizeAgentID(rawID)
		if id == "" || agent == nil {
			continue
		}
		agents[id] = agent
	}

	ids := make([]string, 0, len(agents))
	for id := range agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		agent := agents[id]
		agent.AgentID = id
		if strings.TrimSpace(agent.Role) == "" {
			agent.Role = defaultRole
		}
		agent.AuthorityLevel = clamp01(agent.AuthorityLevel)
		agent.ReputationScore = clamp01(agent.ReputationScore)

		weights := make(map[string]float64, len(ids))
		for _, peer := range ids {
			if w, ok := agent.TrustWeights[peer]; ok {
				weights[peer] = clamp01(w)
			} else {
				weights[peer] = defaultTrust
			}
		}
		agent.TrustWeights = weights

		seen := make(map[string]bool, len(agent.KnowledgeLessons))
		lessons := make([]string, 0, len(agent.KnowledgeLessons))
		for _, lesson := range agent.KnowledgeLessons {
			lesson = strings.TrimSpace(lesson)
			if lesson == "" || seen[lesson] {
				continue
			}
			seen[lesson] = true
			lessons = append(lessons, lesson)
		}
		sort.Strings(lessons)
		agent.KnowledgeLessons = lessons
	}
	s.Agents = agents

	history := make(map[string][]float64, len(ids))
	for _, id := range ids {
		samples := s.History[id]
		if len(samples) == 0 {
			samples = []float64{agents[id].ReputationScore}
		}
		clamped := make([]float64, len(samples))
		for i, v := range samples {
			clamped[i] = clamp01(v)
		}
		history[id] = clamped
	}
	s.History = history
}

// Clone returns a deep copy of the state.
func (s *RegistryState) Clone() *RegistryState {
	out := &RegistryState{
		SchemaVersion: s.SchemaVersion,
		Version:       s.Version,
		LastUpdated:   s.LastUpdated,
		Agents:        make(map[string]*AgentState, len(s.Agents)),
		History:       make(map[string][]float64, len(s.History)),
	}
	for id, agent := range s.Agents {
		copied := *agent
		copied.TrustWeights = make(map[string]float64, len(agent.TrustWeights))
		for peer, w := range agent.TrustWeights {
			copied.TrustWeights[peer] = w
		}
		copied.KnowledgeLessons = append([]string(nil), agent.KnowledgeLessons...)
		out.Agents[id] = &copied
	}
	for id, samples := range s.History {
		out.History[id] = append([]float64(nil), samples...)
	}
	return out
}

// DefaultState builds a fresh registry from agent definitions: reputation and
// pairwise trust start at 0.5, history seeded with the initial reputation.
func DefaultState(defs []AgentDefinition) *RegistryState {
	state := &RegistryState{
		Version:     registryInitialVersion,
		LastUpdated: epochTimestamp,
		Agents:      make(map[string]*AgentState, len(defs)),
	}
	for _, def := range defs {
		id := normalizeAgentID(def.AgentID)
		if id == "" {
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
	return state
}

// Registry wraps a normalized state with the mutation rules the ledger can
// replay: outcome updates bump the version and extend history, lesson refs
// do not.
type Registry struct {
	state *RegistryState
}

// NewRegistry adopts and normalizes an existing state.
func NewRegistry(state *RegistryState) *Registry {
	if state == nil {
		state = &RegistryState{}
	}
	state.Normalize()
	return &Registry{state: state}
}

// NewRegistryFromDefinitions builds a registry with default scores.
func NewRegistryFromDefinitions(defs []AgentDefinition) *Registry {
	return &Registry{state: DefaultState(defs)}
}

// AgentIDs returns the sorted agent ids.
func (r *Registry) AgentIDs() []string {
	ids := make([]string, 0, len(r.state.Agents))
	for id := range r.state.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Has reports whether the agent is registered.
func (r *Registry) Has(agentID string) bool {
	_, ok := r.state.Agents[normalizeAgentID(agentID)]
	return ok
}

// Agent returns the agent's row, or nil when unknown.
func (r *Registry) Agent(agentID string) *AgentState {
	return r.state.Agents[normalizeAgentID(agentID)]
}

// Version returns the registry version.
func (r *Registry) Version() int {
	return r.state.Version
}

// TrustWeight returns how much observer trusts subject, defaulting to the
// neutral weight when no edge exists.
func (r *Registry) TrustWeight(observerID, subjectID string) float64 {
	observer := r.Agent(observerID)
	if observer == nil {
		return defaultTrust
	}
	if w, ok := observer.TrustWeights[normalizeAgentID(subjectID)]; ok {
		return w
	}
	return defaultTrust
}

// ApplyOutcomeUpdate shifts the subject's reputation and every observer's
// trust edge toward the subject, then bumps the version and appends each
// agent's reputation to its history.
func (r *Registry) ApplyOutcomeUpdate(subjectID string, reputationDelta float64, observerDeltas map[string]float64, updatedAt string) {
	subject := r.Agent(subjectID)
	if subject == nil {
		return
	}
	subject.ReputationScore = clamp01(subject.ReputationScore + reputationDelta)

	for observerID, delta := range observerDeltas {
		observerID = normalizeAgentID(observerID)
		observer := r.state.Agents[observerID]
		if observer == nil {
			continue
		}
		observer.TrustWeights[subject.AgentID] = clamp01(observer.TrustWeights[subject.AgentID] + delta)
	}
	r.bumpVersion(updatedAt)
}

func (r *Registry) bumpVersion(updatedAt string) {
	r.state.Version++
	if strings.TrimSpace(updatedAt) != "" {
		r.state.LastUpdated = updatedAt
	}
	for id, agent := range r.state.Agents {
		r.state.History[id] = append(r.state.History[id], agent.ReputationScore)
	}
}

// AddLessonReference attaches a lesson id to an agent without bumping the
// version. Adding the same lesson twice is a no-op.
func (r *Registry) AddLessonReference(agentID, lessonID string) {
	agent := r.Agent(agentID)
	if agent == nil || strings.TrimSpace(lessonID) == "" {
		return
	}
	for _, existing := range agent.KnowledgeLessons {
		if existing == lessonID {
			return
		}
	}
	agent.KnowledgeLessons = append(agent.KnowledgeLessons, lessonID)
	sort.Strings(agent.KnowledgeLessons)
}

// Snapshot returns a normalized deep copy of the state.
func (r *Registry) Snapshot() *RegistryState {
	copied := r.state.Clone()
	copied.Normalize()
	return copied
}

// Hash returns the canonical hash of the current snapshot.
func (r *Registry) Hash() (string, error) {
	return canonicalize.Hash(r.Snapshot())
}

// RegistryStore persists the registry as an indented JSON document with
// atomic replace semantics.
type RegistryStore struct {
	path string
}

// NewRegistryStore builds a store for the given path.
func NewRegistryStore(path string) *RegistryStore {
	return &RegistryStore{path: path}
}

// Path returns the registry file location.
func (s *RegistryStore) Path() string {
	return s.path
}

// Load reads and normalizes the persisted registry. A missing or corrupt
// file yields an empty normalized state.
func (s *RegistryStore) Load() *RegistryState {
	data, err := os.ReadFile(s.path)
	if err != nil {
		state := &RegistryState{}
		state.Normalize()
		return state
	}
	var state RegistryState
	if err := json.Unmarshal(data, &state); err != nil {
		state = RegistryState{}
	}
	state.Normalize()
	return &state
}

// SaveAtomic writes the state to a temp file in the same directory and
// renames it over the target.
func (s *RegistryStore) SaveAtomic(state *RegistryState) error {
	state.Normalize()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create registry directory: %w", err)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".registry-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp registry file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp registry file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp registry file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace registry file: %w", err)
	}
	return nil
}
