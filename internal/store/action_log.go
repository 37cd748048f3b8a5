package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/neosignal/assistantproxy/internal/domain"
)

// ActionLogStore persists domain.ActionLogRecord rows to the action_log
// table. It satisfies internal/audit.Sink: every call to Logger.LogAction
// writes a row here, even when the structured log stream is disabled or
// filters the event out.
type ActionLogStore struct {
	db *sql.DB
}

// NewActionLogStore wraps an open database connection.
func NewActionLogStore(db *sql.DB) *ActionLogStore {
	return &ActionLogStore{db: db}
}

// InsertActionLog writes one ActionLogRecord. ID is generated if empty.
func (s *ActionLogStore) InsertActionLog(ctx context.Context, record domain.ActionLogRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	actionsJSON, err := json.Marshal(record.Actions)
	if err != nil {
		return fmt.Errorf("store: marshal actions: %w", err)
	}

	var success sql.NullBool
	if record.Success != nil {
		success = sql.NullBool{Bool: *record.Success, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO action_log (id, user_id, intent, actions, confirmed, executed, success, error, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, record.ID, record.UserID, record.Intent, string(actionsJSON), record.Confirmed, record.Executed, success, record.Error, record.Timestamp)
	if err != nil {
		return fmt.Errorf("store: insert action_log: %w", err)
	}
	return nil
}

// ListForUser returns the most recent action log rows for a user, newest
// first, capped at limit.
func (s *ActionLogStore) ListForUser(ctx context.Context, userID string, limit int) ([]domain.ActionLogRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, intent, actions, confirmed, executed, success, error, timestamp
		FROM action_log WHERE user_id = ? ORDER BY timestamp DESC LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list action_log: %w", err)
	}
	defer rows.Close()

	var out []domain.ActionLogRecord
	for rows.Next() {
		var rec domain.ActionLogRecord
		var actionsJSON string
		var success sql.NullBool
		var errMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Intent, &actionsJSON, &rec.Confirmed, &rec.Executed, &success, &errMsg, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("store: scan action_log: %w", err)
		}
		if actionsJSON != "" {
			_ = json.Unmarshal([]byte(actionsJSON), &rec.Actions)
		}
		if success.Valid {
			v := success.Bool
			rec.Success = &v
		}
		rec.Error = errMsg.String
		out = append(out, rec)
	}
	return out, rows.Err()
}
