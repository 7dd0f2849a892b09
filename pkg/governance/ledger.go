package governance

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/Mindburn-Labs/bureau/pkg/canonicalize"
)

// Ledger entry types.
const (
	EntryTrustChange          = "TRUST_CHANGE"
	EntryRegistryUpdate       = "REGISTRY_UPDATE"
	EntryWaterCoolerLesson    = "WATER_COOLER_LESSON"
	EntryTrustStabilityMetric = "TRUST_STABILITY_METRIC"
)

// genesisHash anchors the first entry's prev_hash.
const genesisHash = "GENESIS"

// ErrChainInvalid reports a broken hash chain. Once a ledger fails
// validation no further entries may be appended to it.
var ErrChainInvalid = errors.New("ledger hash chain invalid")

// LedgerEntry is one hash-chained record. EntryHash covers the canonical
// form of all other fields.
type LedgerEntry struct {
	Seq       int            `json:"seq"`
	EntryType string         `json:"entry_type"`
	Timestamp string         `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
	PrevHash  string         `json:"prev_hash"`
	EntryHash string         `json:"entry_hash"`
}

func entryHash(e *LedgerEntry) (string, error) {
	return canonicalize.Hash(map[string]any{
		"seq":        e.Seq,
		"entry_type": e.EntryType,
		"timestamp":  e.Timestamp,
		"payload":    e.Payload,
		"prev_hash":  e.PrevHash,
	})
}

// Ledger is an append-only JSONL file of hash-chained entries. Every append
// is flushed and fsynced before it is acknowledged.
type Ledger struct {
	mu      sync.Mutex
	path    string
	entries []*LedgerEntry
}

// OpenLedger reads the ledger at path, skipping blank and undecodable
// lines. A missing file yields an empty ledger. Open does not validate the
// chain; call Validate before trusting the history.
func OpenLedger(path string) (*Ledger, error) {
	l := &Ledger{path: path}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry LedgerEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		l.entries = append(l.entries, &entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	sort.SliceStable(l.entries, func(i, j int) bool { return l.entries[i].Seq < l.entries[j].Seq })
	return l, nil
}

// Path returns the ledger file location.
func (l *Ledger) Path() string {
	return l.path
}

// Len returns the number of entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Entries returns a copy of the entry list in sequence order.
func (l *Ledger) Entries() []*LedgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*LedgerEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Append writes one entry, chained to the previous one, and fsyncs before
// returning.
func (l *Ledger) Append(entryType string, payload map[string]any, timestamp string) (*LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := genesisHash
	if n := len(l.entries); n > 0 {
		prev = l.entries[n-1].EntryHash
	}
	entry := &LedgerEntry{
		Seq:       len(l.entries) + 1,
		EntryType: strings.ToUpper(strings.TrimSpace(entryType)),
		Timestamp: timestamp,
		Payload:   payload,
		PrevHash:  prev,
	}
	hash, err := entryHash(entry)
	if err != nil {
		return nil, fmt.Errorf("hash ledger entry: %w", err)
	}
	entry.EntryHash = hash

	line, err := canonicalize.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("encode ledger entry: %w", err)
	}
	line = append(line, '\n')

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ledger for append: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write ledger entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("sync ledger: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close ledger: %w", err)
	}

	l.entries = append(l.entries, entry)
	return entry, nil
}

// Validate checks the full chain: sequence numbers are 1..N, each entry's
// prev_hash matches its predecessor, and every entry hash recomputes.
func (l *Ledger) Validate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := genesisHash
	for i, entry := range l.entries {
		if entry.Seq != i+1 {
			return fmt.Errorf("%w: entry %d has seq %d", ErrChainInvalid, i+1, entry.Seq)
		}
		if entry.PrevHash != prev {
			return fmt.Errorf("%w: entry %d prev_hash mismatch", ErrChainInvalid, entry.Seq)
		}
		recomputed, err := entryHash(entry)
		if err != nil {
			return fmt.Errorf("%w: entry %d not hashable: %v", ErrChainInvalid, entry.Seq, err)
		}
		if recomputed != entry.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch", ErrChainInvalid, entry.Seq)
		}
		prev = entry.EntryHash
	}
	return nil
}

// ReconstructRegistry replays the ledger over the fallback state and returns
// the resulting registry. Registry updates replace the state wholesale;
// trust changes and lesson injections re-apply their deltas.
func (l *Ledger) ReconstructRegistry(fallback *RegistryState) (*RegistryState, error) {
	var state *RegistryState
	if fallback != nil {
		state = fallback.Clone()
	} else {
		state = &RegistryState{}
	}
	state.Normalize()

	for _, entry := range l.Entries() {
		switch entry.EntryType {
		case EntryRegistryUpdate:
			replaced, err := registryFromPayload(entry.Payload["registry"])
			if err != nil {
				return nil, fmt.Errorf("ledger entry %d: %w", entry.Seq, err)
			}
			if replaced != nil {
				state = replaced
			}
		case EntryTrustChange:
			applyTrustChange(state, entry.Payload)
		case EntryWaterCoolerLesson:
			applyLessonInjection(state, entry.Payload)
		}
	}
	return state, nil
}

// LatestRegistryHash returns the registry_hash recorded by the most recent
// registry update entry, or false when none exists.
func (l *Ledger) LatestRegistryHash() (string, bool) {
	entries := l.Entries()
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].EntryType != EntryRegistryUpdate {
			continue
		}
		if hash, ok := entries[i].Payload["registry_hash"].(string); ok && hash != "" {
			return hash, true
		}
	}
	return "", false
}

func registryFromPayload(raw any) (*RegistryState, error) {
	if raw == nil {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode registry payload: %w", err)
	}
	var state RegistryState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode registry payload: %w", err)
	}
	state.Normalize()
	return &state, nil
}

func applyTrustChange(state *RegistryState, payload map[string]any) {
	subjectID := normalizeAgentID(payloadString(payload, "subject_id"))
	subject := state.Agents[subjectID]
	if subject == nil {
		return
	}
	subject.ReputationScore = clamp01(subject.ReputationScore + payloadFloat(payload, "reputation_delta"))

	if deltas, ok := payload["observer_trust_deltas"].(map[string]any); ok {
		for observerID, raw := range deltas {
			observerID = normalizeAgentID(observerID)
			observer := state.Agents[observerID]
			if observer == nil {
				continue
			}
			observer.TrustWeights[subjectID] = clamp01(observer.TrustWeights[subjectID] + toFloat(raw))
		}
	}

	state.Version++
	if ts := payloadString(payload, "source_timestamp"); ts != "" {
		state.LastUpdated = ts
	}
	for id, agent := range state.Agents {
		state.History[id] = append(state.History[id], agent.ReputationScore)
	}
	state.Normalize()
}

func applyLessonInjection(state *RegistryState, payload map[string]any) {
	lessonID := strings.TrimSpace(payloadString(payload, "lesson_id"))
	if lessonID == "" {
		return
	}
	recipients, ok := payload["recipients"].([]any)
	if !ok {
		return
	}
	for _, raw := range recipients {
		id, ok := raw.(string)
		if !ok {
			continue
		}
		agent := state.Agents[normalizeAgentID(id)]
		if agent == nil {
			continue
		}
		present := false
		for _, existing := range agent.KnowledgeLessons {
			if existing == lessonID {
				present = true
				break
			}
		}
		if !present {
			agent.KnowledgeLessons = append(agent.KnowledgeLessons, lessonID)
			sort.Strings(agent.KnowledgeLessons)
		}
	}
}

func payloadString(payload map[string]any, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

func payloadFloat(payload map[string]any, key string) float64 {
	return toFloat(payload[key])
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}
