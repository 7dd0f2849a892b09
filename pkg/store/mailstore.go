// Package store implements the durable MailStore: the single persistent,
// crash-safe synchronization point of the runtime. Events, leases, tool
// audit rows, idempotency keys, and worker heartbeats all live in one
// sqlite file opened with WAL journaling and full synchronous writes.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Mindburn-Labs/bureau/pkg/event"

	_ "modernc.org/sqlite"
)

// ErrNotLeaseHolder is returned when ack/fail/requeue is attempted by a
// consumer that does not hold the event's lease.
var ErrNotLeaseHolder = errors.New("consumer does not hold the lease for this event")

const (
	defaultLeaseWindow  = 30 * time.Second
	defaultPollInterval = 50 * time.Millisecond
	defaultBusyTimeout  = 5000 // milliseconds
	maxErrorLength      = 4000
)

// MailStore is safe for concurrent use from multiple goroutines and multiple
// processes; sqlite's locking plus immediate transactions serialize claims.
type MailStore struct {
	db           *sql.DB
	leaseWindow  time.Duration
	pollInterval time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// Option configures a MailStore.
type Option func(*MailStore)

// WithLeaseWindow sets the default lease duration for claims.
func WithLeaseWindow(d time.Duration) Option {
	return func(s *MailStore) {
		if d > 0 {
			s.leaseWindow = d
		}
	}
}

// WithPollInterval sets the claim poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(s *MailStore) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *MailStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *MailStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Open opens (creating if needed) the MailStore database at path.
func Open(path string, opts ...Option) (*MailStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create mailstore directory: %w", err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_txlock=immediate&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=foreign_keys(1)",
		url.PathEscape(path), defaultBusyTimeout,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	s, err := NewMailStore(db, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewMailStore wraps an existing database handle. The handle must point at a
// sqlite database (or a test double); migration runs immediately.
func NewMailStore(db *sql.DB, opts ...Option) (*MailStore, error) {
	s := &MailStore{
		db:           db,
		leaseWindow:  defaultLeaseWindow,
		pollInterval: defaultPollInterval,
		logger:       slog.Default().With("component", "mailstore"),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate mailstore schema: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *MailStore) Close() error {
	return s.db.Close()
}

func (s *MailStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS events (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        ts TEXT NOT NULL,
        type TEXT NOT NULL,
        origin_id TEXT NOT NULL,
        target_agent TEXT,
        payload_json TEXT NOT NULL DEFAULT '{}',
        justification TEXT,
        status TEXT NOT NULL DEFAULT 'PENDING',
        error TEXT,
        correlation_id TEXT
    );
    CREATE INDEX IF NOT EXISTS idx_events_status_id ON events(status, id);
    CREATE INDEX IF NOT EXISTS idx_events_target ON events(target_agent);

    CREATE TABLE IF NOT EXISTS leases (
        event_id INTEGER PRIMARY KEY,
        claimed_by TEXT NOT NULL,
        claim_ts INTEGER NOT NULL,
        lease_expiry INTEGER NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_leases_expiry ON leases(lease_expiry);

    CREATE TABLE IF NOT EXISTS tool_audit (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        ts TEXT NOT NULL,
        agent_id TEXT NOT NULL,
        action_type TEXT NOT NULL,
        working_dir TEXT NOT NULL,
        idempotency_key TEXT,
        allowed INTEGER NOT NULL,
        reason TEXT,
        payload_json TEXT NOT NULL DEFAULT '{}',
        result_json TEXT,
        correlation_id TEXT
    );

    CREATE TABLE IF NOT EXISTS idempotency_keys (
        idempotency_key TEXT PRIMARY KEY,
        created_ts TEXT NOT NULL,
        agent_id TEXT NOT NULL,
        action_type TEXT NOT NULL,
        event_id INTEGER,
        result_json TEXT
    );

    CREATE TABLE IF NOT EXISTS worker_heartbeats (
        agent_id TEXT PRIMARY KEY,
        consumer_id TEXT NOT NULL,
        pid INTEGER NOT NULL,
        ts INTEGER NOT NULL
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// AppendEvent normalizes an event-like input, assigns the next id, and
// inserts it durably with status PENDING. Routing and correlation fields are
// mirrored into the payload so payload-only consumers still see them.
func (s *MailStore) AppendEvent(ctx context.Context, raw any) (int64, error) {
	e, err := event.Coerce(raw)
	if err != nil {
		return 0, err
	}

	payload := e.Payload
	if e.CorrelationID != "" {
		if _, ok := payload["correlation_id"]; !ok {
			payload["correlation_id"] = e.CorrelationID
		}
	}
	if e.TargetAgent != "" {
		if _, ok := payload["target_agent"]; !ok {
			payload["target_agent"] = e.TargetAgent
		}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to encode event payload: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
        INSERT INTO events (ts, type, origin_id, target_agent, payload_json, justification, status, error, correlation_id)
        VALUES (?, ?, ?, ?, ?, ?, 'PENDING', NULL, ?)`,
		e.Timestamp, e.Type, e.OriginID, nullable(e.TargetAgent), string(payloadJSON),
		nullable(e.Justification), nullable(e.CorrelationID),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to append event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read appended event id: %w", err)
	}
	return id, nil
}

// ClaimOptions filters which events a consumer may claim.
type ClaimOptions struct {
	// TargetAgent restricts claims to events routed to this agent.
	TargetAgent string
	// IncludeUnrouted also admits events with no routing key.
	IncludeUnrouted bool
	// LeaseWindow overrides the store default for this claim.
	LeaseWindow time.Duration
}

// ClaimNextEvent blocks up to timeout waiting for a claimable event matching
// the filter. Each attempt runs one immediate transaction that reaps expired
// leases, selects the lowest-id pending event without a live lease, inserts
// the lease, and marks the event CLAIMED. Returns (nil, nil) on timeout, and
// promptly when ctx is done.
func (s *MailStore) ClaimNextEvent(ctx context.Context, consumerID string, timeout time.Duration, opts ClaimOptions) (*event.Event, error) {
	consumerID = strings.TrimSpace(consumerID)
	if consumerID == "" {
		return nil, errors.New("consumer_id must be a non-empty string")
	}

	deadline := s.now().Add(timeout)
	for {
		claimed, err := s.tryClaimNext(ctx, consumerID, opts)
		if err != nil {
			return nil, err
		}
		if claimed != nil {
			return claimed, nil
		}

		remaining := deadline.Sub(s.now())
		if remaining <= 0 {
			return nil, nil
		}
		sleep := s.pollInterval
		if remaining < sleep {
			sleep = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func (s *MailStore) tryClaimNext(ctx context.Context, consumerID string, opts ClaimOptions) (*event.Event, error) {
	leaseWindow := s.leaseWindow
	if opts.LeaseWindow > 0 {
		leaseWindow = opts.LeaseWindow
	}
	now := s.now()
	nowMs := now.UnixMilli()
	expiryMs := now.Add(leaseWindow).UnixMilli()

	whereParts := []string{"e.status = 'PENDING'", "l.event_id IS NULL"}
	var params []any
	if opts.TargetAgent != "" {
		if opts.IncludeUnrouted {
			whereParts = append(whereParts, "(e.target_agent = ? OR e.target_agent IS NULL OR e.target_agent = '')")
		} else {
			whereParts = append(whereParts, "e.target_agent = ?")
		}
		params = append(params, opts.TargetAgent)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := releaseExpiredLeases(ctx, tx, nowMs); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
        SELECT e.id, e.ts, e.type, e.origin_id, e.target_agent, e.payload_json,
               e.justification, e.status, e.error, e.correlation_id
        FROM events e
        LEFT JOIN leases l ON l.event_id = e.id
        WHERE %s
        ORDER BY e.id ASC
        LIMIT 1`, strings.Join(whereParts, " AND "))

	row := tx.QueryRowContext(ctx, query, params...)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tx.Commit()
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
        INSERT INTO leases (event_id, claimed_by, claim_ts, lease_expiry)
        VALUES (?, ?, ?, ?)`,
		e.ID, consumerID, nowMs, expiryMs,
	); err != nil {
		// Unique event_id means a concurrent claim won; let the caller retry.
		return nil, nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE events SET status = 'CLAIMED' WHERE id = ?`, e.ID); err != nil {
		return nil, fmt.Errorf("failed to mark event claimed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	e.Status = event.StatusClaimed
	return e, nil
}

func releaseExpiredLeases(ctx context.Context, tx *sql.Tx, nowMs int64) error {
	if _, err := tx.ExecContext(ctx, `
        UPDATE events SET status = 'PENDING'
        WHERE id IN (SELECT event_id FROM leases WHERE lease_expiry <= ?)`, nowMs); err != nil {
		return fmt.Errorf("failed to requeue expired leases: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM leases WHERE lease_expiry <= ?`, nowMs); err != nil {
		return fmt.Errorf("failed to delete expired leases: %w", err)
	}
	return nil
}

// AckEvent marks the event DONE and releases its lease. When consumerID is
// non-empty the lease holder must match.
func (s *MailStore) AckEvent(ctx context.Context, eventID int64, consumerID string) error {
	return s.finishEvent(ctx, eventID, consumerID, string(event.StatusDone), "")
}

// FailEvent marks the event FAILED with the given error and releases its
// lease.
func (s *MailStore) FailEvent(ctx context.Context, eventID int64, errMsg, consumerID string) error {
	return s.finishEvent(ctx, eventID, consumerID, string(event.StatusFailed), truncateError(errMsg))
}

// RequeueEvent returns the event to PENDING for redelivery.
func (s *MailStore) RequeueEvent(ctx context.Context, eventID int64, consumerID, errMsg string) error {
	return s.finishEvent(ctx, eventID, consumerID, string(event.StatusPending), truncateError(errMsg))
}

func (s *MailStore) finishEvent(ctx context.Context, eventID int64, consumerID, status, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if consumerID != "" {
		var holder string
		err := tx.QueryRowContext(ctx, `SELECT claimed_by FROM leases WHERE event_id = ?`, eventID).Scan(&holder)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// No lease on record; allow the transition (lease may have been
			// reaped after expiry).
		case err != nil:
			return fmt.Errorf("failed to check lease holder: %w", err)
		case holder != consumerID:
			return fmt.Errorf("%w: consumer %q cannot update event %d held by %q",
				ErrNotLeaseHolder, consumerID, eventID, holder)
		}
	}

	if status == string(event.StatusDone) {
		_, err = tx.ExecContext(ctx, `UPDATE events SET status = ?, error = NULL WHERE id = ?`, status, eventID)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE events SET status = ?, error = ? WHERE id = ?`, status, nullable(errMsg), eventID)
	}
	if err != nil {
		return fmt.Errorf("failed to update event status: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM leases WHERE event_id = ?`, eventID); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return tx.Commit()
}

// GetEvent loads one event by id, or nil when absent.
func (s *MailStore) GetEvent(ctx context.Context, eventID int64) (*event.Event, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT id, ts, type, origin_id, target_agent, payload_json, justification, status, error, correlation_id
        FROM events WHERE id = ?`, eventID)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// ListEvents returns events in ascending id order, optionally filtered by
// status.
func (s *MailStore) ListEvents(ctx context.Context, status string) ([]*event.Event, error) {
	query := `
        SELECT id, ts, type, origin_id, target_agent, payload_json, justification, status, error, correlation_id
        FROM events`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []*event.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// StatusCounts returns event counts grouped by status.
func (s *MailStore) StatusCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM events GROUP BY status ORDER BY status ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanEvent(row scannable) (*event.Event, error) {
	var e event.Event
	var targetAgent, justification, errMsg, correlationID sql.NullString
	var payloadJSON string
	if err := row.Scan(
		&e.ID, &e.Timestamp, &e.Type, &e.OriginID, &targetAgent,
		&payloadJSON, &justification, &e.Status, &errMsg, &correlationID,
	); err != nil {
		return nil, err
	}

	payload := map[string]any{}
	if strings.TrimSpace(payloadJSON) != "" {
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			return nil, fmt.Errorf("failed to decode payload for event %d: %w", e.ID, err)
		}
	}
	if _, ok := payload["event_id"]; !ok {
		payload["event_id"] = e.ID
	}
	e.Payload = payload
	e.TargetAgent = targetAgent.String
	e.Justification = justification.String
	e.Error = errMsg.String
	e.CorrelationID = correlationID.String
	if e.TargetAgent == "" {
		if t, ok := payload["target_agent"].(string); ok && strings.TrimSpace(t) != "" {
			e.TargetAgent = t
		}
	}
	return &e, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func truncateError(s string) string {
	if len(s) > maxErrorLength {
		return s[:maxErrorLength]
	}
	return s
}
