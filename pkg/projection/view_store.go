package projection

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ViewStore persists the materialized view as a JSON document. Saves are
// atomic: write to a temp file in the same directory, then rename.
type ViewStore struct {
	path string
}

// NewViewStore builds a store for the given path.
func NewViewStore(path string) *ViewStore {
	return &ViewStore{path: path}
}

// Path returns the view file location.
func (s *ViewStore) Path() string {
	return s.path
}

// Load reads and normalizes the persisted view. A missing or corrupt file
// yields the default view so the projector can recover by re-deriving.
func (s *ViewStore) Load() *View {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return DefaultView()
	}
	var v View
	if err := json.Unmarshal(data, &v); err != nil {
		return DefaultView()
	}
	v.Normalize()
	return &v
}

// Save normalizes and writes the view atomically.
func (s *ViewStore) Save(v *View) error {
	v.Normalize()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create view directory: %w", err)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode view: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".view-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp view file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp view file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp view file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace view file: %w", err)
	}
	return nil
}
