package projection

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/Mindburn-Labs/bureau/pkg/event"
	"github.com/Mindburn-Labs/bureau/pkg/store"
)

const defaultAuditFetchLimit = 100_000

// Projector follows the mailbox and materializes the view. Cursors in the
// persisted view make each run idempotent: a crash between fetch and save
// re-derives the same document on the next run.
type Projector struct {
	store           *store.MailStore
	views           *ViewStore
	auditFetchLimit int
	logger          *slog.Logger
	now             func() time.Time
}

// Option configures a Projector.
type Option func(*Projector)

// WithAuditFetchLimit caps how many audit rows one cycle fetches.
func WithAuditFetchLimit(limit int) Option {
	return func(p *Projector) {
		if limit > 0 {
			p.auditFetchLimit = limit
		}
	}
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Projector) {
		if now != nil {
			p.now = now
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Projector) {
		if logger != nil {
			p.logger = logger.With("component", "projector")
		}
	}
}

// New builds a projector over the given mailbox and view store.
func New(s *store.MailStore, views *ViewStore, opts ...Option) *Projector {
	p := &Projector{
		store:           s,
		views:           views,
		auditFetchLimit: defaultAuditFetchLimit,
		logger:          slog.Default().With("component", "projector"),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RunOnce materializes one cycle and returns the saved view.
func (p *Projector) RunOnce(ctx context.Context) (*View, error) {
	view := p.views.Load()

	events, err := p.store.ListEvents(ctx, "")
	if err != nil {
		return nil, err
	}

	pending := 0
	var maxEventID int64
	var latest *event.Event
	for _, e := range events {
		if e.Status == event.StatusPending {
			pending++
		}
		if e.ID >= maxEventID {
			maxEventID = e.ID
			latest = e
		}
	}

	for _, e := range events {
		if e.ID <= view.LastSeenEventID {
			continue
		}
		p.applyEvent(view, e)
		view.LastSeenEventID = e.ID
	}

	audits, err := p.store.ListToolAudit(ctx, p.auditFetchLimit)
	if err != nil {
		return nil, err
	}
	sort.Slice(audits, func(i, j int) bool { return audits[i].ID < audits[j].ID })
	for _, row := range audits {
		if row.ID <= view.LastSeenToolAuditID {
			continue
		}
		if row.Allowed {
			view.ToolAuditCounts.Allowed++
		} else {
			view.ToolAuditCounts.Denied++
		}
		view.LastSeenToolAuditID = row.ID
	}

	now := p.now().UTC().Format(time.RFC3339Nano)
	view.Timestamp = now
	view.LastUpdatedAt = now
	if maxEventID > view.LastSeenEventID {
		view.LastSeenEventID = maxEventID
	}
	view.EventQueueSize = pending
	view.CurrentEvent = snapshot(latest)

	if err := p.views.Save(view); err != nil {
		return nil, err
	}
	return view, nil
}

// Run materializes repeatedly until the context is cancelled.
func (p *Projector) Run(ctx context.Context, pollInterval time.Duration) error {
	if pollInterval < 100*time.Millisecond {
		pollInterval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if _, err := p.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Error("projection cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *Projector) applyEvent(view *View, e *event.Event) {
	eventType := strings.ToUpper(strings.TrimSpace(e.Type))
	if eventType != "" {
		view.EventTypeCounts[eventType]++
	}
	view.EventsProcessed++

	switch eventType {
	case event.TypeSupervisorStart:
		view.Running = true
	case event.TypeSupervisorStop:
		view.Running = false
	}

	workerID := resolveWorkerID(e)
	if workerID == "" {
		return
	}
	w := view.worker(workerID)
	w.LastEventType = eventType
	w.LastEventAt = e.Timestamp
	w.LastSeenEventID = e.ID

	switch eventType {
	case event.TypeWorkerStarted:
		w.Present = true
		w.State = WorkerActive
	case event.TypeWorkerRestartScheduled:
		w.State = WorkerRestarting
	case event.TypeWorkerRestarted:
		w.Present = true
		w.State = WorkerActive
		w.RestartCount++
	case event.TypeWorkerExited:
		w.Present = false
		w.State = WorkerOffline
	case event.TypeWorkerHeartbeatMissed:
		w.MissedHeartbeatCount++
		if w.MissedHeartbeatCount >= 2 {
			w.Present = false
			w.State = WorkerOffline
		}
	}
}

// resolveWorkerID picks the agent an event refers to. agent_id wins over
// the mirrored routing key: lifecycle events are routed to the chief, so
// target_agent usually names the recipient, not the worker.
func resolveWorkerID(e *event.Event) string {
	for _, key := range []string{"agent_id", "worker"} {
		if v, ok := e.Payload[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(e.Type)), "WORKER_") {
		if v, ok := e.Payload["target_agent"].(string); ok {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func snapshot(e *event.Event) *EventSnapshot {
	if e == nil {
		return nil
	}
	payload := make(map[string]any, len(e.Payload))
	for k, v := range e.Payload {
		payload[k] = v
	}
	return &EventSnapshot{
		Type:      e.Type,
		Timestamp: e.Timestamp,
		OriginID:  e.OriginID,
		Payload:   payload,
	}
}
