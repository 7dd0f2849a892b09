package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// IdempotencyRecord is one reserved idempotency key with its cached result.
type IdempotencyRecord struct {
	Key        string         `json:"idempotency_key"`
	CreatedTS  string         `json:"created_ts"`
	AgentID    string         `json:"agent_id"`
	ActionType string         `json:"action_type"`
	EventID    int64          `json:"event_id,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
}

// ReserveIdempotencyKey claims a key for the given agent and action. The first
// writer wins; a duplicate reservation returns false with no error.
func (s *MailStore) ReserveIdempotencyKey(ctx context.Context, key, agentID, actionType string, eventID int64) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, errors.New("idempotency key must not be blank")
	}
	res, err := s.db.ExecContext(ctx, `
        INSERT OR IGNORE INTO idempotency_keys (idempotency_key, created_ts, agent_id, action_type, event_id)
        VALUES (?, ?, ?, ?, ?)`,
		key, s.now().UTC().Format(time.RFC3339Nano), agentID, actionType, eventID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to reserve idempotency key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetIdempotencyResult caches the result payload for a previously reserved key.
func (s *MailStore) SetIdempotencyResult(ctx context.Context, key string, result map[string]any) error {
	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode idempotency result: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE idempotency_keys SET result_json = ? WHERE idempotency_key = ?`,
		string(encoded), strings.TrimSpace(key),
	)
	if err != nil {
		return fmt.Errorf("failed to store idempotency result: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("idempotency key %q is not reserved", key)
	}
	return nil
}

// GetIdempotencyRecord returns the record for key, or nil when absent.
func (s *MailStore) GetIdempotencyRecord(ctx context.Context, key string) (*IdempotencyRecord, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT idempotency_key, created_ts, agent_id, action_type, event_id, result_json
        FROM idempotency_keys WHERE idempotency_key = ?`, strings.TrimSpace(key))

	var rec IdempotencyRecord
	var eventID sql.NullInt64
	var resultJSON sql.NullString
	err := row.Scan(&rec.Key, &rec.CreatedTS, &rec.AgentID, &rec.ActionType, &eventID, &resultJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load idempotency record: %w", err)
	}
	rec.EventID = eventID.Int64
	if resultJSON.Valid && resultJSON.String != "" {
		if err := json.Unmarshal([]byte(resultJSON.String), &rec.Result); err != nil {
			return nil, fmt.Errorf("failed to decode idempotency result for %q: %w", rec.Key, err)
		}
	}
	return &rec, nil
}
