// Package replay proves governance determinism: the same agent definitions
// and the same ordered projection-view sequence, ingested twice in separate
// directories, must produce identical registry hashes and valid ledgers.
package replay

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Mindburn-Labs/bureau/pkg/canonicalize"
	"github.com/Mindburn-Labs/bureau/pkg/governance"
	"github.com/Mindburn-Labs/bureau/pkg/projection"
)

// RunResult summarizes one pass over the view sequence.
type RunResult struct {
	FinalRegistryHash         string `json:"final_registry_hash"`
	ReconstructedRegistryHash string `json:"reconstructed_registry_hash"`
	ChainValid                bool   `json:"chain_valid"`
	HashesEqual               bool   `json:"hashes_equal"`
	VersionsProcessed         int    `json:"versions_processed"`
}

// Report compares two independent passes.
type Report struct {
	First               *RunResult `json:"first"`
	Second              *RunResult `json:"second"`
	CrossRunHashesEqual bool       `json:"cross_run_hashes_equal"`
}

// Deterministic reports whether every check passed.
func (r *Report) Deterministic() bool {
	for _, run := range []*RunResult{r.First, r.Second} {
		if run == nil || !run.ChainValid || !run.HashesEqual {
			return false
		}
	}
	return r.CrossRunHashesEqual
}

// Harness replays a view sequence through fresh governance engines.
type Harness struct {
	definitions []governance.AgentDefinition
	views       []*projection.View
	logger      *slog.Logger
}

// Option configures a Harness.
type Option func(*Harness)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Harness) {
		if logger != nil {
			h.logger = logger.With("component", "replay")
		}
	}
}

// NewHarness builds a harness over the given definitions and ordered views.
func NewHarness(definitions []governance.AgentDefinition, views []*projection.View, opts ...Option) *Harness {
	h := &Harness{
		definitions: definitions,
		views:       views,
		logger:      slog.Default().With("component", "replay"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RunOnce ingests the full view sequence into a fresh engine rooted at the
// given registry and ledger paths, then checks the run against itself: the
// chain must validate and the reconstructed registry must hash identically
// to the live one.
func (h *Harness) RunOnce(registryPath, ledgerPath string) (*RunResult, error) {
	engine, err := governance.FromAgentDefinitions(h.definitions, registryPath, ledgerPath)
	if err != nil {
		return nil, err
	}

	previous := &projection.View{}
	for i, current := range h.views {
		if current == nil {
			return nil, fmt.Errorf("replay: view %d is nil", i)
		}
		if _, err := engine.IngestProjectionDelta(previous, current); err != nil {
			return nil, fmt.Errorf("replay: ingest view %d: %w", i, err)
		}
		previous = current
	}

	finalHash, err := engine.Registry().Hash()
	if err != nil {
		return nil, fmt.Errorf("replay: hash final registry: %w", err)
	}
	reconstructed, err := engine.ReconstructRegistryFromLedger()
	if err != nil {
		return nil, fmt.Errorf("replay: reconstruct registry: %w", err)
	}
	reconstructedHash, err := canonicalize.Hash(reconstructed)
	if err != nil {
		return nil, fmt.Errorf("replay: hash reconstructed registry: %w", err)
	}

	return &RunResult{
		FinalRegistryHash:         finalHash,
		ReconstructedRegistryHash: reconstructedHash,
		ChainValid:                engine.ValidateChain() == nil,
		HashesEqual:               finalHash == reconstructedHash,
		VersionsProcessed:         engine.Registry().Version(),
	}, nil
}

// Run executes two independent passes under workDir (a temp directory when
// empty) and compares their final hashes.
func (h *Harness) Run(workDir string) (*Report, error) {
	if workDir == "" {
		dir, err := os.MkdirTemp("", "bureau-replay-")
		if err != nil {
			return nil, fmt.Errorf("replay: create work directory: %w", err)
		}
		defer func() { _ = os.RemoveAll(dir) }()
		workDir = dir
	}

	report := &Report{}
	for i, slot := range []**RunResult{&report.First, &report.Second} {
		runDir := filepath.Join(workDir, fmt.Sprintf("run-%d", i+1))
		if err := os.MkdirAll(runDir, 0o755); err != nil {
			return nil, fmt.Errorf("replay: create run directory: %w", err)
		}
		result, err := h.RunOnce(
			filepath.Join(runDir, "registry.json"),
			filepath.Join(runDir, "ledger.jsonl"),
		)
		if err != nil {
			return nil, err
		}
		*slot = result
	}

	report.CrossRunHashesEqual = report.First.FinalRegistryHash == report.Second.FinalRegistryHash
	h.logger.Info("replay complete",
		"views", len(h.views),
		"deterministic", report.Deterministic(),
		"registry_hash", report.First.FinalRegistryHash,
	)
	return report, nil
}
