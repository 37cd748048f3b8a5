package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/neosignal/assistantproxy/internal/domain"
)

// RecentStore is the recent-ordered memory tier: an append-on-write log
// per user, indexed by time/kind/importance/expiry, trimmed after every
// insert to at most maxSize entries per user. It backs the dialog_history
// table (internal/store migrations).
//
// Appends for a given user are serialized (single writer); reads may
// proceed concurrently with at most one in-flight writer. A per-user
// mutex provides that without serializing unrelated users.
type RecentStore struct {
	db      *sql.DB
	maxSize int

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewRecentStore wraps an open database connection. maxSize is the
// `short_term_memory_size` configuration option (default 20).
func NewRecentStore(db *sql.DB, maxSize int) *RecentStore {
	if maxSize <= 0 {
		maxSize = 20
	}
	return &RecentStore{db: db, maxSize: maxSize, locks: make(map[string]*sync.Mutex)}
}

func (s *RecentStore) userLock(userID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	m, ok := s.locks[userID]
	if !ok {
		m = &sync.Mutex{}
		s.locks[userID] = m
	}
	return m
}

// Add appends an entry and trims the user's log to maxSize most-recent
// rows. Returns the entry's ID (generated if empty).
func (s *RecentStore) Add(ctx context.Context, entry domain.MemoryEntry) (string, error) {
	lock := s.userLock(entry.UserID)
	lock.Lock()
	defer lock.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	extraJSON, err := json.Marshal(entry.Extra)
	if err != nil {
		return "", fmt.Errorf("memory: marshal extra: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dialog_history (id, user_id, role, content, timestamp, memory_type, importance, expires_at, extra_data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.UserID, string(entry.Role), entry.Content, entry.CreatedAt, string(entry.Kind), string(entry.Importance), entry.ExpiresAt, string(extraJSON))
	if err != nil {
		return "", fmt.Errorf("memory: insert dialog_history: %w", err)
	}

	if err := s.trim(ctx, entry.UserID); err != nil {
		return "", err
	}
	return entry.ID, nil
}

// trim deletes rows beyond the maxSize most recent for a user. Caller must
// hold the user's lock.
func (s *RecentStore) trim(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM dialog_history
		WHERE user_id = ? AND id NOT IN (
			SELECT id FROM dialog_history WHERE user_id = ? ORDER BY timestamp DESC LIMIT ?
		)
	`, userID, userID, s.maxSize)
	if err != nil {
		return fmt.Errorf("memory: trim dialog_history: %w", err)
	}
	return nil
}

// GetRecent returns the most recent entries for a user, chronological
// (oldest-first), optionally filtered by kind.
func (s *RecentStore) GetRecent(ctx context.Context, userID string, limit int, kind *domain.MemoryKind) ([]domain.MemoryEntry, error) {
	if limit <= 0 {
		limit = s.maxSize
	}
	query := `SELECT id, user_id, role, content, timestamp, memory_type, importance, expires_at, extra_data FROM dialog_history WHERE user_id = ?`
	args := []any{userID}
	if kind != nil {
		query += ` AND memory_type = ?`
		args = append(args, string(*kind))
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	entries, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	// Reverse to chronological order, newest last.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// GetByTimeRange returns entries created within [start, end], chronological.
func (s *RecentStore) GetByTimeRange(ctx context.Context, userID string, start, end time.Time) ([]domain.MemoryEntry, error) {
	entries, err := s.query(ctx, `
		SELECT id, user_id, role, content, timestamp, memory_type, importance, expires_at, extra_data
		FROM dialog_history WHERE user_id = ? AND timestamp >= ? AND timestamp <= ? ORDER BY timestamp ASC
	`, userID, start, end)
	return entries, err
}

// GetByImportance returns up to limit entries at or above minImportance,
// newest first. Importance ordering is low<medium<high<critical.
func (s *RecentStore) GetByImportance(ctx context.Context, userID string, minImportance domain.Importance, limit int) ([]domain.MemoryEntry, error) {
	all, err := s.query(ctx, `
		SELECT id, user_id, role, content, timestamp, memory_type, importance, expires_at, extra_data
		FROM dialog_history WHERE user_id = ? ORDER BY timestamp DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	minRank := minImportance.Rank()
	out := make([]domain.MemoryEntry, 0, limit)
	for _, e := range all {
		if e.Importance.Rank() >= minRank {
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// Delete removes a single entry owned by userID.
func (s *RecentStore) Delete(ctx context.Context, userID, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dialog_history WHERE user_id = ? AND id = ?`, userID, id)
	if err != nil {
		return fmt.Errorf("memory: delete dialog_history %s: %w", id, err)
	}
	return nil
}

// CleanupExpired removes entries whose expires_at has passed. Critical
// entries are never affected since the memory policy never sets
// expires_at on them. userID nil cleans every user.
func (s *RecentStore) CleanupExpired(ctx context.Context, userID *string) (int64, error) {
	now := time.Now().UTC()
	var res sql.Result
	var err error
	if userID != nil {
		res, err = s.db.ExecContext(ctx, `DELETE FROM dialog_history WHERE user_id = ? AND expires_at IS NOT NULL AND expires_at <= ?`, *userID, now)
	} else {
		res, err = s.db.ExecContext(ctx, `DELETE FROM dialog_history WHERE expires_at IS NOT NULL AND expires_at <= ?`, now)
	}
	if err != nil {
		return 0, fmt.Errorf("memory: cleanup dialog_history: %w", err)
	}
	return res.RowsAffected()
}

func (s *RecentStore) query(ctx context.Context, query string, args ...any) ([]domain.MemoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("memory: query dialog_history: %w", err)
	}
	defer rows.Close()

	var out []domain.MemoryEntry
	for rows.Next() {
		var e domain.MemoryEntry
		var role, kind, importance string
		var expiresAt sql.NullTime
		var extraJSON sql.NullString
		if err := rows.Scan(&e.ID, &e.UserID, &role, &e.Content, &e.CreatedAt, &kind, &importance, &expiresAt, &extraJSON); err != nil {
			return nil, fmt.Errorf("memory: scan dialog_history: %w", err)
		}
		e.Role = domain.Role(role)
		e.Kind = domain.MemoryKind(kind)
		e.Importance = domain.Importance(importance)
		if expiresAt.Valid {
			t := expiresAt.Time
			e.ExpiresAt = &t
		}
		if extraJSON.Valid && extraJSON.String != "" {
			_ = json.Unmarshal([]byte(extraJSON.String), &e.Extra)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
