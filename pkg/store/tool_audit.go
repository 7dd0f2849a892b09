package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// ToolAuditRow is one append-only record of a gateway verdict.
type ToolAuditRow struct {
	ID             int64          `json:"id"`
	Timestamp      string         `json:"ts"`
	AgentID        string         `json:"agent_id"`
	ActionType     string         `json:"action_type"`
	WorkingDir     string         `json:"working_dir"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Allowed        bool           `json:"allowed"`
	Reason         string         `json:"reason,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	Result         map[string]any `json:"result,omitempty"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
}

// AppendToolAudit inserts one audit row and returns its assigned id. A blank
// timestamp is filled from the store clock.
func (s *MailStore) AppendToolAudit(ctx context.Context, row ToolAuditRow) (int64, error) {
	ts := row.Timestamp
	if ts == "" {
		ts = s.now().UTC().Format(time.RFC3339Nano)
	}
	payloadJSON, err := json.Marshal(orEmptyMap(row.Payload))
	if err != nil {
		return 0, fmt.Errorf("failed to encode audit payload: %w", err)
	}
	var resultJSON any
	if row.Result != nil {
		encoded, err := json.Marshal(row.Result)
		if err != nil {
			return 0, fmt.Errorf("failed to encode audit result: %w", err)
		}
		resultJSON = string(encoded)
	}

	res, err := s.db.ExecContext(ctx, `
        INSERT INTO tool_audit (ts, agent_id, action_type, working_dir, idempotency_key, allowed, reason, payload_json, result_json, correlation_id)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ts, row.AgentID, row.ActionType, row.WorkingDir, nullable(row.IdempotencyKey),
		boolToInt(row.Allowed), nullable(row.Reason), string(payloadJSON), resultJSON,
		nullable(row.CorrelationID),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to append tool audit row: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read appended audit id: %w", err)
	}
	return id, nil
}

// ListToolAudit returns the most recent audit rows, newest first.
func (s *MailStore) ListToolAudit(ctx context.Context, limit int) ([]*ToolAuditRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, ts, agent_id, action_type, working_dir, idempotency_key, allowed, reason, payload_json, result_json, correlation_id
        FROM tool_audit ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*ToolAuditRow
	for rows.Next() {
		row, err := scanToolAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func scanToolAudit(row scannable) (*ToolAuditRow, error) {
	var r ToolAuditRow
	var idempotencyKey, reason, resultJSON, correlationID sql.NullString
	var allowed int
	var payloadJSON string
	if err := row.Scan(
		&r.ID, &r.Timestamp, &r.AgentID, &r.ActionType, &r.WorkingDir,
		&idempotencyKey, &allowed, &reason, &payloadJSON, &resultJSON, &correlationID,
	); err != nil {
		return nil, err
	}
	r.IdempotencyKey = idempotencyKey.String
	r.Allowed = allowed != 0
	r.Reason = reason.String
	r.CorrelationID = correlationID.String

	if payloadJSON != "" {
		if err := json.Unmarshal([]byte(payloadJSON), &r.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode audit payload for row %d: %w", r.ID, err)
		}
	}
	if resultJSON.Valid && resultJSON.String != "" {
		if err := json.Unmarshal([]byte(resultJSON.String), &r.Result); err != nil {
			return nil, fmt.Errorf("failed to decode audit result for row %d: %w", r.ID, err)
		}
	}
	return &r, nil
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
