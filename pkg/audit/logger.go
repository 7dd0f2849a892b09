package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record is one machine-readable line in the trail.
type Record struct {
	Timestamp string         `json:"timestamp"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
}

// Trail defines the interface for recording machine-readable runtime events.
type Trail interface {
	Record(eventType string, payload map[string]any) error
}

// trail implements Trail, writing one JSON object per line to a
// configurable Writer.
type trail struct {
	mu     sync.Mutex
	writer io.Writer
	closer io.Closer
	now    func() time.Time
}

// NewTrailWithWriter creates a Trail writing to the given writer.
// This allows injection for testing and custom sinks.
func NewTrailWithWriter(w io.Writer) Trail {
	if w == nil {
		w = os.Stdout
	}
	return &trail{writer: w, now: time.Now}
}

// OpenTrail opens (or creates) an append-only JSONL trail at path. The
// caller owns the returned closer.
func OpenTrail(path string) (Trail, io.Closer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create trail directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open trail %s: %w", path, err)
	}
	return &trail{writer: f, closer: f, now: time.Now}, f, nil
}

func (t *trail) Record(eventType string, payload map[string]any) error {
	rec := Record{
		Timestamp: t.now().UTC().Format(time.RFC3339Nano),
		EventType: eventType,
		Payload:   payload,
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = t.writer.Write(append(line, '\n'))
	return err
}
