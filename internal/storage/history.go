package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"telemetry-alert/internal/alert"
)

// HistoryStore is the SQL history.Store. Events are append-only.
type HistoryStore struct {
	db *DB
}

func NewHistoryStore(db *DB) *HistoryStore { return &HistoryStore{db: db} }

func (s *HistoryStore) Append(ctx context.Context, ev alert.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = s.db.exec(ctx,
		`INSERT INTO alert_events (id, rule_id, severity, triggered_at, payload) VALUES (?, ?, ?, ?, ?)`,
		ev.ID, ev.RuleID, string(ev.Severity), millis(ev.TriggeredAt), string(payload))
	if err != nil {
		return fmt.Errorf("append event %s: %w", ev.ID, err)
	}
	return nil
}

func (s *HistoryStore) List(ctx context.Context, ruleID string, limit int) ([]alert.Event, error) {
	q := `SELECT payload FROM alert_events WHERE rule_id = ? ORDER BY triggered_at DESC`
	args := []any{ruleID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []alert.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var ev alert.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
