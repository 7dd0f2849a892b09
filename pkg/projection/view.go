// Package projection materializes a read-only view of the mailbox: worker
// states, queue depth, event counters, and the derived office mode. The
// projector is a follower; it never writes to the event store.
package projection

import (
	"strings"
	"time"
)

const SchemaVersion = 1

// Worker lifecycle states.
const (
	WorkerIdle       = "IDLE"
	WorkerActive     = "ACTIVE"
	WorkerRestarting = "RESTARTING"
	WorkerOffline    = "OFFLINE"
)

// Office modes derived from the running flag.
const (
	OfficeRunning = "RUNNING"
	OfficePaused  = "PAUSED"
)

// queueStressDivisor maps queue depth onto the [0,1] stress scale.
const queueStressDivisor = 25.0

// EventSnapshot is the latest observed event, embedded in the view.
type EventSnapshot struct {
	Type      string         `json:"type"`
	Timestamp string         `json:"timestamp"`
	OriginID  string         `json:"origin_id"`
	Payload   map[string]any `json:"payload"`
}

// AuditCounts tallies gateway outcomes.
type AuditCounts struct {
	Allowed int `json:"allowed"`
	Denied  int `json:"denied"`
}

// WorkerView is one agent's row in the materialized view.
type WorkerView struct {
	Present              bool   `json:"present"`
	State                string `json:"state"`
	LastEventType        string `json:"last_event_type,omitempty"`
	LastEventAt          string `json:"last_event_at,omitempty"`
	RestartCount         int    `json:"restart_count"`
	MissedHeartbeatCount int    `json:"missed_heartbeat_count"`
	LastSeenEventID      int64  `json:"last_seen_event_id"`
}

// Derived holds the values computed from the rest of the view.
type Derived struct {
	OfficeMode  string  `json:"office_mode"`
	StressLevel float64 `json:"stress_level"`
}

// View is the single materialized document.
type View struct {
	SchemaVersion       int                    `json:"schema_version"`
	Timestamp           string                 `json:"timestamp"`
	LastUpdatedAt       string                 `json:"last_updated_at"`
	LastSeenEventID     int64                  `json:"last_seen_event_id"`
	LastSeenToolAuditID int64                  `json:"last_seen_tool_audit_id"`
	Running             bool                   `json:"running"`
	EventQueueSize      int                    `json:"event_queue_size"`
	CurrentEvent        *EventSnapshot         `json:"current_event"`
	EventsProcessed     int                    `json:"events_processed"`
	EventTypeCounts     map[string]int         `json:"event_type_counts"`
	ToolAuditCounts     AuditCounts            `json:"tool_audit_counts"`
	Workers             map[string]*WorkerView `json:"workers"`
	Derived             Derived                `json:"derived"`
}

// DefaultView returns an empty view with fresh timestamps.
func DefaultView() *View {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return &View{
		SchemaVersion:   SchemaVersion,
		Timestamp:       now,
		LastUpdatedAt:   now,
		EventTypeCounts: map[string]int{},
		Workers:         map[string]*WorkerView{},
		Derived:         Derived{OfficeMode: OfficePaused},
	}
}

// Normalize repairs a view loaded from disk: negative counters are
// clamped, count keys uppercased, worker states defaulted, and the derived
// section recomputed from the repaired fields.
func (v *View) Normalize() {
	if v.SchemaVersion <= 0 {
		v.SchemaVersion = SchemaVersion
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if strings.TrimSpace(v.Timestamp) == "" {
		v.Timestamp = now
	}
	if strings.TrimSpace(v.LastUpdatedAt) == "" {
		v.LastUpdatedAt = now
	}
	if v.LastSeenEventID < 0 {
		v.LastSeenEventID = 0
	}
	if v.LastSeenToolAuditID < 0 {
		v.LastSeenToolAuditID = 0
	}
	if v.EventQueueSize < 0 {
		v.EventQueueSize = 0
	}
	if v.EventsProcessed < 0 {
		v.EventsProcessed = 0
	}

	counts := make(map[string]int, len(v.EventTypeCounts))
	for key, n := range v.EventTypeCounts {
		key = strings.ToUpper(strings.TrimSpace(key))
		if key == "" || n < 0 {
			continue
		}
		counts[key] = n
	}
	v.EventTypeCounts = counts

	if v.ToolAuditCounts.Allowed < 0 {
		v.ToolAuditCounts.Allowed = 0
	}
	if v.ToolAuditCounts.Denied < 0 {
		v.ToolAuditCounts.Denied = 0
	}

	if v.Workers == nil {
		v.Workers = map[string]*WorkerView{}
	}
	for id, w := range v.Workers {
		if w == nil {
			w = &WorkerView{}
			v.Workers[id] = w
		}
		switch w.State {
		case WorkerIdle, WorkerActive, WorkerRestarting, WorkerOffline:
		default:
			w.State = WorkerIdle
		}
		if w.RestartCount < 0 {
			w.RestartCount = 0
		}
		if w.MissedHeartbeatCount < 0 {
			w.MissedHeartbeatCount = 0
		}
		if w.LastSeenEventID < 0 {
			w.LastSeenEventID = 0
		}
	}

	v.recomputeDerived()
}

func (v *View) recomputeDerived() {
	if v.Running {
		v.Derived.OfficeMode = OfficeRunning
	} else {
		v.Derived.OfficeMode = OfficePaused
	}
	stress := float64(v.EventQueueSize) / queueStressDivisor
	if stress > 1 {
		stress = 1
	}
	if stress < 0 {
		stress = 0
	}
	v.Derived.StressLevel = stress
}

func (v *View) worker(agentID string) *WorkerView {
	w, ok := v.Workers[agentID]
	if !ok {
		w = &WorkerView{State: WorkerIdle}
		v.Workers[agentID] = w
	}
	return w
}
