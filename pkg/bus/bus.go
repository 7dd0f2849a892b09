// Package bus provides the durable event bus: a thin facade over the
// MailStore that serializes publishes, normalizes loose input, and fans out
// to post-commit hooks.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/bureau/pkg/event"
	"github.com/Mindburn-Labs/bureau/pkg/store"
)

// PublishHook observes an event after its durable append. Hooks run
// synchronously on the publisher's goroutine; an error is logged, never
// propagated, so a misbehaving observer cannot fail a publish.
type PublishHook func(ctx context.Context, e *event.Event) error

// DurableEventBus wraps a MailStore for agents that speak in events rather
// than rows.
type DurableEventBus struct {
	store  *store.MailStore
	logger *slog.Logger

	mu    sync.Mutex
	hooks []PublishHook
}

// New builds a bus over the given store.
func New(s *store.MailStore, logger *slog.Logger) *DurableEventBus {
	if logger == nil {
		logger = slog.Default().With("component", "bus")
	}
	return &DurableEventBus{store: s, logger: logger}
}

// AddPublishHook registers a hook invoked after each successful publish.
func (b *DurableEventBus) AddPublishHook(hook PublishHook) {
	if hook == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks = append(b.hooks, hook)
}

// Publish coerces raw into the canonical event shape, appends it durably,
// and returns the stored event with its assigned id backfilled into the
// payload.
func (b *DurableEventBus) Publish(ctx context.Context, raw any) (*event.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, err := event.Coerce(raw)
	if err != nil {
		return nil, err
	}
	id, err := b.store.AppendEvent(ctx, e)
	if err != nil {
		return nil, err
	}
	e.ID = id
	e.Payload["event_id"] = id

	for _, hook := range b.hooks {
		if err := hook(ctx, e); err != nil {
			b.logger.Warn("publish hook failed", "event_id", id, "event_type", e.Type, "error", err)
		}
	}
	return e, nil
}

// ClaimNextEvent passes through to the store.
func (b *DurableEventBus) ClaimNextEvent(ctx context.Context, consumerID string, timeout time.Duration, opts store.ClaimOptions) (*event.Event, error) {
	return b.store.ClaimNextEvent(ctx, consumerID, timeout, opts)
}

// Ack marks an event DONE for the given consumer.
func (b *DurableEventBus) Ack(ctx context.Context, eventID int64, consumerID string) error {
	return b.store.AckEvent(ctx, eventID, consumerID)
}

// Fail marks an event FAILED for the given consumer.
func (b *DurableEventBus) Fail(ctx context.Context, eventID int64, errMsg, consumerID string) error {
	return b.store.FailEvent(ctx, eventID, errMsg, consumerID)
}

// Requeue returns an event to PENDING.
func (b *DurableEventBus) Requeue(ctx context.Context, eventID int64, consumerID, errMsg string) error {
	return b.store.RequeueEvent(ctx, eventID, consumerID, errMsg)
}

// Qsize reports the count of PENDING events.
func (b *DurableEventBus) Qsize(ctx context.Context) (int, error) {
	return b.store.PendingCount(ctx)
}

// Store exposes the underlying MailStore for components that need the full
// surface (gateway audit, heartbeats).
func (b *DurableEventBus) Store() *store.MailStore {
	return b.store
}
