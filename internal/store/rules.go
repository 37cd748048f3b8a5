package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/neosignal/assistantproxy/internal/domain"
)

// RuleStore persists domain.UserRule rows, the structured view of
// rule-kind memory entries set via the pipeline's set_rule intent.
type RuleStore struct {
	db *sql.DB
}

// NewRuleStore wraps an open database connection.
func NewRuleStore(db *sql.DB) *RuleStore {
	return &RuleStore{db: db}
}

// Insert writes a new active rule, generating an ID and timestamp if unset.
func (s *RuleStore) Insert(ctx context.Context, rule domain.UserRule) (domain.UserRule, error) {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	rule.Active = true

	extraJSON, err := json.Marshal(rule.Extra)
	if err != nil {
		return domain.UserRule{}, fmt.Errorf("store: marshal extra: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_rules (id, user_id, rule_text, rule_type, active, created_at, extra_data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rule.ID, rule.UserID, rule.RuleText, rule.RuleKind, rule.Active, rule.CreatedAt, string(extraJSON))
	if err != nil {
		return domain.UserRule{}, fmt.Errorf("store: insert user_rules: %w", err)
	}
	return rule, nil
}

// ListActive returns the active rules for a user, newest first.
func (s *RuleStore) ListActive(ctx context.Context, userID string) ([]domain.UserRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, rule_text, rule_type, active, created_at, extra_data
		FROM user_rules WHERE user_id = ? AND active = 1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list user_rules: %w", err)
	}
	defer rows.Close()

	var out []domain.UserRule
	for rows.Next() {
		var rule domain.UserRule
		var extraJSON sql.NullString
		if err := rows.Scan(&rule.ID, &rule.UserID, &rule.RuleText, &rule.RuleKind, &rule.Active, &rule.CreatedAt, &extraJSON); err != nil {
			return nil, fmt.Errorf("store: scan user_rules: %w", err)
		}
		if extraJSON.Valid && extraJSON.String != "" {
			_ = json.Unmarshal([]byte(extraJSON.String), &rule.Extra)
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

// Deactivate marks a rule inactive rather than deleting it, preserving the
// audit trail of what was once set.
func (s *RuleStore) Deactivate(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE user_rules SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: deactivate rule %s: %w", id, err)
	}
	return nil
}
