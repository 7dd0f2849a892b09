package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// WorkerHeartbeat is the latest liveness report for one agent's worker.
type WorkerHeartbeat struct {
	AgentID    string    `json:"agent_id"`
	ConsumerID string    `json:"consumer_id"`
	PID        int       `json:"pid"`
	Timestamp  time.Time `json:"ts"`
}

// RecordWorkerHeartbeat upserts the heartbeat row for agentID. The last writer
// wins, so a restarted worker takes over the row from its predecessor.
func (s *MailStore) RecordWorkerHeartbeat(ctx context.Context, agentID, consumerID string, pid int, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO worker_heartbeats (agent_id, consumer_id, pid, ts)
        VALUES (?, ?, ?, ?)
        ON CONFLICT(agent_id) DO UPDATE SET consumer_id = excluded.consumer_id, pid = excluded.pid, ts = excluded.ts`,
		agentID, consumerID, pid, ts.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record heartbeat for %s: %w", agentID, err)
	}
	return nil
}

// GetWorkerHeartbeat returns the latest heartbeat for agentID, or nil when the
// agent has never reported.
func (s *MailStore) GetWorkerHeartbeat(ctx context.Context, agentID string) (*WorkerHeartbeat, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT agent_id, consumer_id, pid, ts FROM worker_heartbeats WHERE agent_id = ?`, agentID)

	var hb WorkerHeartbeat
	var millis int64
	err := row.Scan(&hb.AgentID, &hb.ConsumerID, &hb.PID, &millis)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load heartbeat for %s: %w", agentID, err)
	}
	hb.Timestamp = time.UnixMilli(millis).UTC()
	return &hb, nil
}

// PendingCount returns the number of events still waiting to be claimed.
func (s *MailStore) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE status = 'PENDING'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending events: %w", err)
	}
	return n, nil
}
