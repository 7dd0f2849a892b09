package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/Mindburn-Labs/bureau/pkg/bus"
	"github.com/Mindburn-Labs/bureau/pkg/store"
)

const (
	defaultClaimTimeout      = 1 * time.Second
	defaultLeaseWindow       = 15 * time.Second
	defaultHeartbeatInterval = 1 * time.Second
	minHeartbeatInterval     = 200 * time.Millisecond
)

// Config sets the worker loop parameters.
type Config struct {
	AgentID           string
	ConsumerID        string
	ClaimTimeout      time.Duration
	LeaseWindow       time.Duration
	HeartbeatInterval time.Duration
	IncludeUnrouted   bool
}

func (c *Config) normalize() {
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = defaultClaimTimeout
	}
	if c.LeaseWindow <= 0 {
		c.LeaseWindow = defaultLeaseWindow
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.HeartbeatInterval < minHeartbeatInterval {
		c.HeartbeatInterval = minHeartbeatInterval
	}
}

// Worker claims events for one agent and feeds them through the runtime.
type Worker struct {
	cfg     Config
	bus     *bus.DurableEventBus
	store   *store.MailStore
	runtime *Runtime
	logger  *slog.Logger
	now     func() time.Time
	pid     int
}

// Option configures a Worker.
type Option func(*Worker)

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger.With("component", "worker", "agent_id", w.cfg.AgentID)
		}
	}
}

// New builds a worker over the given bus and runtime.
func New(b *bus.DurableEventBus, rt *Runtime, cfg Config, opts ...Option) (*Worker, error) {
	if b == nil {
		return nil, fmt.Errorf("worker requires an event bus")
	}
	if rt == nil {
		return nil, fmt.Errorf("worker requires a runtime")
	}
	cfg.AgentID = strings.TrimSpace(cfg.AgentID)
	if cfg.AgentID == "" {
		return nil, fmt.Errorf("worker requires an agent id")
	}
	cfg.normalize()
	if cfg.ConsumerID == "" {
		cfg.ConsumerID = fmt.Sprintf("worker:%s:%d", cfg.AgentID, time.Now().UnixMilli())
	}

	w := &Worker{
		cfg:     cfg,
		bus:     b,
		store:   b.Store(),
		runtime: rt,
		logger:  slog.Default().With("component", "worker", "agent_id", cfg.AgentID),
		now:     time.Now,
		pid:     os.Getpid(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// ConsumerID returns the identity this worker claims leases under.
func (w *Worker) ConsumerID() string {
	return w.cfg.ConsumerID
}

// Run claims and processes events until the context is cancelled. A
// heartbeat row is refreshed at least once per interval so the supervisor
// can tell a stuck loop from an idle one.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker loop started", "consumer_id", w.cfg.ConsumerID, "pid", w.pid)
	var nextHeartbeat time.Time

	for {
		if err := ctx.Err(); err != nil {
			w.logger.Info("worker loop stopped", "consumer_id", w.cfg.ConsumerID)
			return nil
		}

		now := w.now()
		if !now.Before(nextHeartbeat) {
			if err := w.store.RecordWorkerHeartbeat(ctx, w.cfg.AgentID, w.cfg.ConsumerID, w.pid, now); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				w.logger.Error("heartbeat write failed", "error", err)
			}
			nextHeartbeat = now.Add(w.cfg.HeartbeatInterval)
		}

		evt, err := w.bus.ClaimNextEvent(ctx, w.cfg.ConsumerID, w.cfg.ClaimTimeout, store.ClaimOptions{
			TargetAgent:     w.cfg.AgentID,
			IncludeUnrouted: w.cfg.IncludeUnrouted,
			LeaseWindow:     w.cfg.LeaseWindow,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("claim failed", "error", err)
			continue
		}
		if evt == nil {
			continue
		}

		w.logger.Info("event claimed", "event_id", evt.ID, "type", evt.Type)
		if _, err := w.runtime.HandleEvent(ctx, evt); err != nil {
			if failErr := w.bus.Fail(ctx, evt.ID, err.Error(), w.cfg.ConsumerID); failErr != nil && !errors.Is(failErr, store.ErrNotLeaseHolder) {
				w.logger.Error("fail marker write failed", "event_id", evt.ID, "error", failErr)
			}
			w.logger.Error("event failed", "event_id", evt.ID, "error", err)
			continue
		}
		if err := w.bus.Ack(ctx, evt.ID, w.cfg.ConsumerID); err != nil && !errors.Is(err, store.ErrNotLeaseHolder) {
			w.logger.Error("ack failed", "event_id", evt.ID, "error", err)
			continue
		}
		w.logger.Info("event acked", "event_id", evt.ID)
	}
}

// ProcessOne claims at most one event without blocking past the claim
// timeout and processes it. It reports whether an event was handled.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	evt, err := w.bus.ClaimNextEvent(ctx, w.cfg.ConsumerID, 0, store.ClaimOptions{
		TargetAgent:     w.cfg.AgentID,
		IncludeUnrouted: w.cfg.IncludeUnrouted,
		LeaseWindow:     w.cfg.LeaseWindow,
	})
	if err != nil || evt == nil {
		return false, err
	}
	if _, err := w.runtime.HandleEvent(ctx, evt); err != nil {
		if failErr := w.bus.Fail(ctx, evt.ID, err.Error(), w.cfg.ConsumerID); failErr != nil && !errors.Is(failErr, store.ErrNotLeaseHolder) {
			return true, failErr
		}
		return true, err
	}
	return true, w.bus.Ack(ctx, evt.ID, w.cfg.ConsumerID)
}
