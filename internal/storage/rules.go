package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"telemetry-alert/internal/rule"
)

// RuleStore implements rule.Store. The rule definition is kept as JSON;
// enabled, priority and trigger statistics have their own columns.
type RuleStore struct {
	db  *DB
	now func() time.Time
}

var _ rule.Store = (*RuleStore)(nil)

func NewRuleStore(db *DB) *RuleStore {
	return &RuleStore{db: db, now: time.Now}
}

const ruleColumns = `id, enabled, definition, created_at, updated_at, last_triggered_at, trigger_count`

func scanRule(sc interface{ Scan(...any) error }) (rule.AlertRule, error) {
	var (
		r         rule.AlertRule
		id        string
		enabled   bool
		def       string
		created   int64
		updated   int64
		triggered sql.NullInt64
		count     int64
	)
	if err := sc.Scan(&id, &enabled, &def, &created, &updated, &triggered, &count); err != nil {
		return r, err
	}
	if err := json.Unmarshal([]byte(def), &r); err != nil {
		return r, fmt.Errorf("decode rule %s: %w", id, err)
	}
	r.ID = id
	r.Enabled = enabled
	r.CreatedAt = fromMillis(created)
	r.UpdatedAt = fromMillis(updated)
	r.LastTriggeredAt = nil
	if triggered.Valid {
		t := fromMillis(triggered.Int64)
		r.LastTriggeredAt = &t
	}
	r.TriggerCount = count
	return r, nil
}

func (s *RuleStore) list(ctx context.Context, q string, args ...any) ([]rule.AlertRule, error) {
	rows, err := s.db.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()
	var out []rule.AlertRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	rule.SortForEvaluation(out)
	return out, nil
}

func (s *RuleStore) ListActive(ctx context.Context) ([]rule.AlertRule, error) {
	return s.list(ctx, `SELECT `+ruleColumns+` FROM alert_rules WHERE enabled = ?`, true)
}

func (s *RuleStore) List(ctx context.Context) ([]rule.AlertRule, error) {
	return s.list(ctx, `SELECT `+ruleColumns+` FROM alert_rules`)
}

func (s *RuleStore) Get(ctx context.Context, id string) (rule.AlertRule, error) {
	r, err := scanRule(s.db.queryRow(ctx, `SELECT `+ruleColumns+` FROM alert_rules WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return rule.AlertRule{}, rule.ErrNotFound
	}
	if err != nil {
		return rule.AlertRule{}, fmt.Errorf("get rule %s: %w", id, err)
	}
	return r, nil
}

func (s *RuleStore) Save(ctx context.Context, r *rule.AlertRule) error {
	var existing *rule.AlertRule
	if r.ID != "" {
		cur, err := s.Get(ctx, r.ID)
		switch {
		case err == nil:
			existing = &cur
		case !errors.Is(err, rule.ErrNotFound):
			return err
		}
	}
	if err := rule.PrepareSave(r, existing, s.now().UTC()); err != nil {
		return err
	}
	def, err := json.Marshal(r)
	if err != nil {
		return err
	}

	if existing != nil {
		_, err = s.db.exec(ctx,
			`UPDATE alert_rules SET name = ?, enabled = ?, priority = ?, definition = ?, updated_at = ? WHERE id = ?`,
			r.Name, r.Enabled, r.Priority, string(def), millis(r.UpdatedAt), r.ID)
	} else {
		_, err = s.db.exec(ctx,
			`INSERT INTO alert_rules (id, name, enabled, priority, definition, created_at, updated_at, trigger_count) VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
			r.ID, r.Name, r.Enabled, r.Priority, string(def), millis(r.CreatedAt), millis(r.UpdatedAt))
	}
	if isUniqueViolation(err) {
		return rule.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("save rule %s: %w", r.Name, err)
	}
	return nil
}

func affected(res sql.Result, err error, op string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return rule.ErrNotFound
	}
	return nil
}

func (s *RuleStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.exec(ctx, `DELETE FROM alert_rules WHERE id = ?`, id)
	return affected(res, err, "delete rule")
}

// SetEnabled re-validates the rule: an enabled rule needs at least one channel.
func (s *RuleStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	r, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	r.Enabled = enabled
	if err := r.Validate(); err != nil {
		return err
	}
	r.UpdatedAt = s.now().UTC()
	def, err := json.Marshal(r)
	if err != nil {
		return err
	}
	res, err := s.db.exec(ctx,
		`UPDATE alert_rules SET enabled = ?, definition = ?, updated_at = ? WHERE id = ?`,
		enabled, string(def), millis(r.UpdatedAt), id)
	return affected(res, err, "set enabled")
}

func (s *RuleStore) UpdateTriggerStats(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.exec(ctx,
		`UPDATE alert_rules SET last_triggered_at = ?, trigger_count = trigger_count + 1 WHERE id = ?`,
		millis(at), id)
	return affected(res, err, "update trigger stats")
}
