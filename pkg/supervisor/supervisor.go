// Package supervisor owns the worker process fleet: it spawns one worker
// per agent, watches process liveness and heartbeat freshness, restarts
// crashed workers with bounded backoff, and disables agents that flap.
// Every lifecycle transition is published as a deduplicated control event
// and mirrored to the machine trail.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"sync"
	"time"

	"github.com/juju/lumberjack/v2"

	"github.com/Mindburn-Labs/bureau/pkg/audit"
	"github.com/Mindburn-Labs/bureau/pkg/bus"
	"github.com/Mindburn-Labs/bureau/pkg/event"
	"github.com/Mindburn-Labs/bureau/pkg/store"
)

const (
	defaultHeartbeatInterval = 5 * time.Second
	minHeartbeatInterval     = 200 * time.Millisecond
	defaultHeartbeatTimeout  = 8 * time.Second
	defaultClaimTimeout      = 1 * time.Second
	defaultLeaseWindow       = 15 * time.Second
	defaultMaxRestarts       = 1000
	defaultBackoffBase       = 1 * time.Second
	minBackoffBase           = 100 * time.Millisecond
	defaultBackoffCap        = 60 * time.Second
	defaultRestartWindow     = 300 * time.Second
	minRestartWindow         = 5 * time.Second
	defaultWindowLimit       = 10
	defaultStopGrace         = 5 * time.Second

	alertDedupeTTL = 2 * time.Second
)

// Config sets the fleet layout and the restart policy.
type Config struct {
	DBPath    string
	Agents    []string
	Worktrees map[string]string
	LogDir    string

	// UnroutedAgent also claims events that carry no routing key.
	UnroutedAgent string

	HeartbeatInterval  time.Duration
	HeartbeatTimeout   time.Duration
	ClaimTimeout       time.Duration
	LeaseWindow        time.Duration
	MaxRestarts        int
	BackoffBase        time.Duration
	BackoffCap         time.Duration
	RestartWindow      time.Duration
	RestartWindowLimit int
	StopGrace          time.Duration
}

func (c *Config) normalize() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.HeartbeatInterval < minHeartbeatInterval {
		c.HeartbeatInterval = minHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if min := time.Duration(float64(c.HeartbeatInterval) * 1.5); c.HeartbeatTimeout < min {
		c.HeartbeatTimeout = min
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = defaultClaimTimeout
	}
	if c.LeaseWindow <= 0 {
		c.LeaseWindow = defaultLeaseWindow
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = defaultMaxRestarts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.BackoffBase < minBackoffBase {
		c.BackoffBase = minBackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = defaultBackoffCap
	}
	if c.RestartWindow <= 0 {
		c.RestartWindow = defaultRestartWindow
	}
	if c.RestartWindow < minRestartWindow {
		c.RestartWindow = minRestartWindow
	}
	if c.RestartWindowLimit <= 0 {
		c.RestartWindowLimit = defaultWindowLimit
	}
	if c.StopGrace <= 0 {
		c.StopGrace = defaultStopGrace
	}
}

// WorkerState tracks one agent's worker across restarts.
type WorkerState struct {
	AgentID    string
	ConsumerID string
	Worktree   string
	LogPath    string
	Cmd        []string

	Proc         ProcessHandle
	StartedAt    time.Time
	RestartCount int
	Disabled     bool
	LastReason   string

	restartTimes  []time.Time
	nextRestartAt time.Time
	restartDue    bool
}

// Supervisor runs the fleet.
type Supervisor struct {
	cfg    Config
	bus    *bus.DurableEventBus
	store  *store.MailStore
	logger *slog.Logger
	trail  audit.Trail
	now    func() time.Time
	spawn  SpawnFunc

	mu            sync.Mutex
	workers       map[string]*WorkerState
	recentControl map[string]time.Time
	cycle         int64
	nextHeartbeat time.Time
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSpawnFunc overrides how worker processes are started.
func WithSpawnFunc(spawn SpawnFunc) Option {
	return func(s *Supervisor) {
		if spawn != nil {
			s.spawn = spawn
		}
	}
}

// WithLogger sets the human-readable logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger.With("component", "supervisor")
		}
	}
}

// WithTrail sets the machine-readable event trail.
func WithTrail(trail audit.Trail) Option {
	return func(s *Supervisor) {
		if trail != nil {
			s.trail = trail
		}
	}
}

// New builds a supervisor over the given bus.
func New(b *bus.DurableEventBus, cfg Config, opts ...Option) (*Supervisor, error) {
	if b == nil {
		return nil, fmt.Errorf("supervisor requires an event bus")
	}
	if len(cfg.Agents) == 0 {
		return nil, fmt.Errorf("supervisor requires at least one agent")
	}
	for _, agent := range cfg.Agents {
		if _, ok := cfg.Worktrees[agent]; !ok {
			return nil, fmt.Errorf("missing worktree for agent %s", agent)
		}
	}
	cfg.normalize()

	s := &Supervisor{
		cfg:           cfg,
		bus:           b,
		store:         b.Store(),
		logger:        slog.Default().With("component", "supervisor"),
		trail:         audit.NewTrailWithWriter(io.Discard),
		now:           time.Now,
		spawn:         SpawnOSProcess,
		workers:       make(map[string]*WorkerState, len(cfg.Agents)),
		recentControl: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewHumanLogger builds the rotating human-readable log the supervisor
// writes alongside the machine trail. Rotation keeps five 2 MB files.
func NewHumanLogger(path string) (*slog.Logger, io.Closer) {
	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    2,
		MaxBackups: 5,
	}
	return slog.New(slog.NewTextHandler(rotator, nil)), rotator
}

// Workers returns a snapshot of the fleet state keyed by agent.
func (s *Supervisor) Workers() map[string]WorkerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]WorkerState, len(s.workers))
	for agent, state := range s.workers {
		out[agent] = *state
	}
	return out
}

// Start publishes SUPERVISOR_START and spawns one worker per agent.
func (s *Supervisor) Start(ctx context.Context) error {
	s.publishControlEvent(ctx, event.TypeSupervisorStart, "", map[string]any{
		"agents": append([]string(nil), s.cfg.Agents...),
	}, "", 0)

	for _, agent := range s.cfg.Agents {
		if err := s.startWorker(ctx, agent); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.nextHeartbeat = s.now().Add(s.cfg.HeartbeatInterval)
	s.mu.Unlock()
	return nil
}

// Run starts the fleet and supervises it until the duration elapses or the
// context is cancelled, then stops every worker.
func (s *Supervisor) Run(ctx context.Context, duration time.Duration) error {
	if err := s.Start(ctx); err != nil {
		s.Stop(ctx)
		return err
	}

	deadline := s.now().Add(duration)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Stop(context.WithoutCancel(ctx))
			return nil
		case <-ticker.C:
			if duration > 0 && !s.now().Before(deadline) {
				s.Stop(ctx)
				return nil
			}
			s.Tick(ctx)
		}
	}
}

// Tick runs one supervision pass: heartbeat publication when due, worker
// monitoring, and any restarts whose backoff has expired.
func (s *Supervisor) Tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	heartbeatDue := !now.Before(s.nextHeartbeat)
	if heartbeatDue {
		s.cycle++
		s.nextHeartbeat = now.Add(s.cfg.HeartbeatInterval)
	}
	cycle := s.cycle
	s.mu.Unlock()

	if heartbeatDue {
		s.publishHeartbeats(ctx, cycle)
	}
	s.monitorWorkers(ctx)
	s.runDueRestarts(ctx)
}

// Stop terminates every live worker, escalating to SIGKILL after the grace
// period, and publishes SUPERVISOR_STOP.
func (s *Supervisor) Stop(ctx context.Context) {
	s.mu.Lock()
	states := make([]*WorkerState, 0, len(s.workers))
	for _, state := range s.workers {
		states = append(states, state)
	}
	s.mu.Unlock()

	for _, state := range states {
		if state.Proc == nil || !state.Proc.Alive() {
			continue
		}
		s.stopProcess(state)
		s.setLastReason(state, "stop")
		s.recordWorkerEvent(ctx, event.TypeWorkerExited, state, map[string]any{"reason": "stop"})
	}

	s.publishControlEvent(ctx, event.TypeSupervisorStop, "", map[string]any{
		"agents": append([]string(nil), s.cfg.Agents...),
	}, "", 0)
}

func (s *Supervisor) stopProcess(state *WorkerState) {
	if err := state.Proc.Terminate(); err != nil {
		s.logger.Warn("terminate failed, killing", "agent_id", state.AgentID, "error", err)
	}
	deadline := time.Now().Add(s.cfg.StopGrace)
	for state.Proc.Alive() && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if state.Proc.Alive() {
		if err := state.Proc.Kill(); err != nil {
			s.logger.Error("kill failed", "agent_id", state.AgentID, "error", err)
		}
	}
}

func (s *Supervisor) startWorker(ctx context.Context, agentID string) error {
	now := s.now()
	consumerID := fmt.Sprintf("worker:%s:%d", agentID, now.UnixMilli())
	worktree := s.cfg.Worktrees[agentID]
	logPath := ""
	if s.cfg.LogDir != "" {
		logPath = filepath.Join(s.cfg.LogDir, fmt.Sprintf("worker-%s.log", agentID))
	}

	spec := SpawnSpec{
		AgentID:      agentID,
		ConsumerID:   consumerID,
		Worktree:     worktree,
		DBPath:       s.cfg.DBPath,
		LogPath:      logPath,
		ClaimTimeout: s.cfg.ClaimTimeout,
		LeaseWindow:  s.cfg.LeaseWindow,
		// Workers must beat at least twice per timeout window.
		HeartbeatInterval: minDuration(s.cfg.HeartbeatInterval, s.cfg.HeartbeatTimeout/2),
		IncludeUnrouted:   agentID == s.cfg.UnroutedAgent,
	}

	proc, err := s.spawn(ctx, spec)
	if err != nil {
		return fmt.Errorf("spawn worker for %s: %w", agentID, err)
	}

	s.mu.Lock()
	state, ok := s.workers[agentID]
	if !ok {
		state = &WorkerState{AgentID: agentID}
		s.workers[agentID] = state
	}
	state.ConsumerID = consumerID
	state.Worktree = worktree
	state.LogPath = logPath
	state.Cmd = WorkerArgv(spec)
	state.Proc = proc
	state.StartedAt = now
	state.restartDue = false
	s.mu.Unlock()

	s.logger.Info("worker started", "agent_id", agentID, "pid", proc.PID(), "consumer_id", consumerID)
	s.recordWorkerEvent(ctx, event.TypeWorkerStarted, state, nil)
	return nil
}

func (s *Supervisor) monitorWorkers(ctx context.Context) {
	s.mu.Lock()
	states := make([]*WorkerState, 0, len(s.workers))
	for _, state := range s.workers {
		states = append(states, state)
	}
	s.mu.Unlock()

	for _, state := range states {
		s.mu.Lock()
		skip := state.Disabled || state.restartDue || state.Proc == nil
		s.mu.Unlock()
		if skip {
			continue
		}

		if !state.Proc.Alive() {
			s.logger.Warn("worker exited", "agent_id", state.AgentID, "pid", state.Proc.PID())
			s.setLastReason(state, "process_exit")
			s.recordWorkerEvent(ctx, event.TypeWorkerExited, state, map[string]any{"reason": "process_exit"})
			s.scheduleRestartOrDisable(ctx, state)
			continue
		}

		if s.heartbeatMissing(ctx, state) {
			s.logger.Warn("worker heartbeat missed", "agent_id", state.AgentID, "pid", state.Proc.PID())
			s.recordWorkerEvent(ctx, event.TypeWorkerHeartbeatMissed, state, nil)
			s.stopProcess(state)
			s.setLastReason(state, "heartbeat_missed")
			s.recordWorkerEvent(ctx, event.TypeWorkerExited, state, map[string]any{"reason": "heartbeat_missed"})
			s.scheduleRestartOrDisable(ctx, state)
		}
	}
}

// setLastReason mutates fleet state under the same lock Workers() snapshots
// with.
func (s *Supervisor) setLastReason(state *WorkerState, reason string) {
	s.mu.Lock()
	state.LastReason = reason
	s.mu.Unlock()
}

func (s *Supervisor) heartbeatMissing(ctx context.Context, state *WorkerState) bool {
	hb, err := s.store.GetWorkerHeartbeat(ctx, state.AgentID)
	if err != nil {
		s.logger.Error("heartbeat lookup failed", "agent_id", state.AgentID, "error", err)
		return false
	}
	now := s.now()
	if hb == nil || hb.ConsumerID != state.ConsumerID {
		// Nothing written yet for this incarnation; give it the full
		// timeout from process start.
		return now.Sub(state.StartedAt) > s.cfg.HeartbeatTimeout
	}
	return now.Sub(hb.Timestamp) > s.cfg.HeartbeatTimeout
}

func (s *Supervisor) scheduleRestartOrDisable(ctx context.Context, state *WorkerState) {
	now := s.now()

	s.mu.Lock()
	cutoff := now.Add(-s.cfg.RestartWindow)
	kept := state.restartTimes[:0]
	for _, t := range state.restartTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	state.restartTimes = append(kept, now)
	windowCount := len(state.restartTimes)
	restartCount := state.RestartCount
	totalExceeded := restartCount >= s.cfg.MaxRestarts
	windowExceeded := windowCount > s.cfg.RestartWindowLimit
	if totalExceeded || windowExceeded {
		state.Disabled = true
	}
	s.mu.Unlock()

	if totalExceeded || windowExceeded {
		reason := "restart_window_exceeded"
		if totalExceeded {
			reason = "max_restarts_exceeded"
		}
		s.logger.Error("worker disabled", "agent_id", state.AgentID, "reason", reason)
		s.recordWorkerEvent(ctx, event.TypeWorkerDisabled, state, map[string]any{"reason": reason})
		s.publishControlEvent(ctx, event.TypeSupervisorAlert, "", map[string]any{
			"agent_id": state.AgentID,
			"reason":   reason,
		}, fmt.Sprintf("alert:%s", state.AgentID), alertDedupeTTL)
		return
	}

	delay := s.backoffFor(restartCount + 1)
	s.mu.Lock()
	state.nextRestartAt = now.Add(delay)
	state.restartDue = true
	s.mu.Unlock()
	s.logger.Info("worker restart scheduled",
		"agent_id", state.AgentID, "delay", delay, "restart_count", restartCount+1)
	s.recordWorkerEvent(ctx, event.TypeWorkerRestartScheduled, state, map[string]any{
		"delay_seconds": delay.Seconds(),
	})
}

func (s *Supervisor) backoffFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := math.Pow(2, float64(attempt-1))
	delay := time.Duration(float64(s.cfg.BackoffBase) * factor)
	if delay > s.cfg.BackoffCap || delay <= 0 {
		delay = s.cfg.BackoffCap
	}
	return delay
}

func (s *Supervisor) runDueRestarts(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	due := make([]*WorkerState, 0)
	for _, state := range s.workers {
		if state.restartDue && !state.Disabled && !now.Before(state.nextRestartAt) {
			due = append(due, state)
		}
	}
	s.mu.Unlock()

	for _, state := range due {
		if err := s.startWorker(ctx, state.AgentID); err != nil {
			s.logger.Error("restart failed", "agent_id", state.AgentID, "error", err)
			s.scheduleRestartOrDisable(ctx, state)
			continue
		}
		s.mu.Lock()
		state.RestartCount++
		count := state.RestartCount
		s.mu.Unlock()
		s.recordWorkerEvent(ctx, event.TypeWorkerRestarted, state, map[string]any{
			"restart_count": count,
		})
	}
}

func (s *Supervisor) publishHeartbeats(ctx context.Context, cycle int64) {
	ttl := time.Duration(float64(s.cfg.HeartbeatInterval) * 0.8)
	for _, agent := range s.cfg.Agents {
		s.mu.Lock()
		state := s.workers[agent]
		disabled := state != nil && state.Disabled
		s.mu.Unlock()
		if disabled {
			continue
		}
		corr := fmt.Sprintf("supervisor_heartbeat:%s:%d", agent, cycle)
		s.publishControlEvent(ctx, event.TypeSupervisorHeartbeat, agent, map[string]any{
			"agent_id": agent,
			"cycle":    cycle,
		}, corr, ttl)
	}
}

func (s *Supervisor) recordWorkerEvent(ctx context.Context, eventType string, state *WorkerState, extra map[string]any) {
	payload := map[string]any{
		"agent_id":    state.AgentID,
		"consumer_id": state.ConsumerID,
		"worktree":    state.Worktree,
		"log_path":    state.LogPath,
		"cmd":         append([]string(nil), state.Cmd...),
	}
	if state.Proc != nil {
		payload["pid"] = state.Proc.PID()
	}
	for k, v := range extra {
		payload[k] = v
	}
	s.publishControlEvent(ctx, eventType, "", payload, "", 0)
	if err := s.trail.Record(eventType, payload); err != nil {
		s.logger.Error("machine trail write failed", "event_type", eventType, "error", err)
	}
}

// publishControlEvent appends one control event exactly once per
// correlation id. A short in-memory TTL map absorbs rapid repeats; the
// durable control:<correlation_id> idempotency key enforces the guarantee
// across restarts.
func (s *Supervisor) publishControlEvent(ctx context.Context, eventType, targetAgent string, payload map[string]any, correlationID string, dedupeTTL time.Duration) {
	now := s.now()
	if correlationID == "" {
		scope := "all"
		if agent, ok := payload["agent_id"].(string); ok && agent != "" {
			scope = agent
		}
		correlationID = fmt.Sprintf("%s:%s:%d", eventType, scope, now.UnixNano())
	}

	if dedupeTTL > 0 {
		s.mu.Lock()
		for key, expires := range s.recentControl {
			if now.After(expires) {
				delete(s.recentControl, key)
			}
		}
		if _, seen := s.recentControl[correlationID]; seen {
			s.mu.Unlock()
			return
		}
		s.recentControl[correlationID] = now.Add(dedupeTTL)
		s.mu.Unlock()
	}

	storeKey := "control:" + correlationID
	reserved, err := s.store.ReserveIdempotencyKey(ctx, storeKey, "supervisor", eventType, 0)
	if err != nil {
		s.logger.Error("control event reservation failed", "event_type", eventType, "error", err)
		return
	}
	if !reserved {
		return
	}

	if targetAgent == "" {
		targetAgent = "command"
	}
	evt, err := s.bus.Publish(ctx, &event.Event{
		Type:          eventType,
		OriginID:      "supervisor",
		TargetAgent:   targetAgent,
		Payload:       payload,
		CorrelationID: correlationID,
	})
	if err != nil {
		s.logger.Error("control event publish failed", "event_type", eventType, "error", err)
		return
	}
	if err := s.store.SetIdempotencyResult(ctx, storeKey, map[string]any{
		"event_id":   evt.ID,
		"event_type": eventType,
	}); err != nil {
		s.logger.Error("control event result write failed", "event_type", eventType, "error", err)
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
