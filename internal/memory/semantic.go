package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/neosignal/assistantproxy/internal/domain"
	"github.com/neosignal/assistantproxy/internal/memory/embeddings"
)

// semanticTables maps a memory kind to its backing vector table. Each kind
// gets its own table rather than a shared table with a kind column, so a
// search scoped to "rule" never scans "conversation" rows.
var semanticTables = map[domain.MemoryKind]string{
	domain.KindConversation: "memory_vectors_conversation",
	domain.KindPreference:   "memory_vectors_preference",
	domain.KindRule:         "memory_vectors_rule",
	domain.KindFact:         "memory_vectors_fact",
	domain.KindAction:       "memory_vectors_action",
}

// SemanticStore is the similarity-searchable memory tier. Embeddings are
// computed by an embeddings.Provider and stored as IEEE-754 float32 blobs;
// search ranks by cosine similarity computed in Go, which is adequate at
// the per-user row counts this system expects (hundreds, not millions).
type SemanticStore struct {
	db       *sql.DB
	embedder embeddings.Provider
}

func NewSemanticStore(db *sql.DB, embedder embeddings.Provider) *SemanticStore {
	return &SemanticStore{db: db, embedder: embedder}
}

// Add computes an embedding for entry.Content (unless one is already set)
// and stores it in the table for entry.Kind.
func (s *SemanticStore) Add(ctx context.Context, entry domain.MemoryEntry) (string, error) {
	table, ok := semanticTables[entry.Kind]
	if !ok {
		return "", fmt.Errorf("memory: no vector collection for kind %q", entry.Kind)
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	vec := entry.Embedding
	if vec == nil {
		v, err := s.embedder.Embed(ctx, entry.Content)
		if err != nil {
			return "", fmt.Errorf("memory: embed content: %w", err)
		}
		vec = v
	}

	extraJSON, err := json.Marshal(entry.Extra)
	if err != nil {
		return "", fmt.Errorf("memory: marshal extra: %w", err)
	}

	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, user_id, content, importance, created_at, expires_at, extra_data, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, table), entry.ID, entry.UserID, entry.Content, string(entry.Importance), entry.CreatedAt, entry.ExpiresAt, string(extraJSON), encodeVector(vec))
	if err != nil {
		return "", fmt.Errorf("memory: insert %s: %w", table, err)
	}
	return entry.ID, nil
}

// Search returns up to topK entries of the given kind most similar to
// query, each above minSimilarity, ordered by descending similarity.
func (s *SemanticStore) Search(ctx context.Context, userID string, kind domain.MemoryKind, query string, topK int, minSimilarity float32) ([]domain.MemoryEntry, error) {
	table, ok := semanticTables[kind]
	if !ok {
		return nil, fmt.Errorf("memory: no vector collection for kind %q", kind)
	}

	queryVec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("memory: embed query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, user_id, content, importance, created_at, expires_at, extra_data, embedding
		FROM %s WHERE user_id = ? AND (expires_at IS NULL OR expires_at > ?)
	`, table), userID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("memory: query %s: %w", table, err)
	}
	defer rows.Close()

	var candidates []domain.MemoryEntry
	for rows.Next() {
		e, vec, err := scanVectorRow(rows, kind)
		if err != nil {
			return nil, err
		}
		sim := cosineSimilarity(queryVec, vec)
		if sim < minSimilarity {
			continue
		}
		e.Similarity = sim
		candidates = append(candidates, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Similarity > candidates[j].Similarity })
	if topK > 0 && len(candidates) > topK {
		candidates = candidates[:topK]
	}
	return candidates, nil
}

// GetByType returns all non-expired entries of a kind for a user, newest
// first, without any similarity ranking.
func (s *SemanticStore) GetByType(ctx context.Context, userID string, kind domain.MemoryKind, limit int) ([]domain.MemoryEntry, error) {
	table, ok := semanticTables[kind]
	if !ok {
		return nil, fmt.Errorf("memory: no vector collection for kind %q", kind)
	}
	query := fmt.Sprintf(`
		SELECT id, user_id, content, importance, created_at, expires_at, extra_data, embedding
		FROM %s WHERE user_id = ? AND (expires_at IS NULL OR expires_at > ?) ORDER BY created_at DESC
	`, table)
	args := []any{userID, time.Now().UTC()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("memory: query %s: %w", table, err)
	}
	defer rows.Close()

	var out []domain.MemoryEntry
	for rows.Next() {
		e, _, err := scanVectorRow(rows, kind)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Delete removes one entry of a kind owned by userID.
func (s *SemanticStore) Delete(ctx context.Context, userID string, kind domain.MemoryKind, id string) error {
	table, ok := semanticTables[kind]
	if !ok {
		return fmt.Errorf("memory: no vector collection for kind %q", kind)
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE user_id = ? AND id = ?`, table), userID, id)
	if err != nil {
		return fmt.Errorf("memory: delete %s: %w", table, err)
	}
	return nil
}

// CleanupExpired removes expired rows across every vector collection.
func (s *SemanticStore) CleanupExpired(ctx context.Context) (int64, error) {
	var total int64
	now := time.Now().UTC()
	for _, table := range semanticTables {
		res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at <= ?`, table), now)
		if err != nil {
			return total, fmt.Errorf("memory: cleanup %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func scanVectorRow(rows *sql.Rows, kind domain.MemoryKind) (domain.MemoryEntry, []float32, error) {
	var e domain.MemoryEntry
	var importance string
	var expiresAt sql.NullTime
	var extraJSON sql.NullString
	var blob []byte

	if err := rows.Scan(&e.ID, &e.UserID, &e.Content, &importance, &e.CreatedAt, &expiresAt, &extraJSON, &blob); err != nil {
		return e, nil, fmt.Errorf("memory: scan vector row: %w", err)
	}
	e.Kind = kind
	e.Importance = domain.Importance(importance)
	if expiresAt.Valid {
		t := expiresAt.Time
		e.ExpiresAt = &t
	}
	if extraJSON.Valid && extraJSON.String != "" {
		_ = json.Unmarshal([]byte(extraJSON.String), &e.Extra)
	}
	vec := decodeVector(blob)
	return e, vec, nil
}

// encodeVector/decodeVector store a []float32 as a big-endian byte blob,
// four bytes per component.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.BigEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	n := len(buf) / 4
	vec := make([]float32, n)
	for i := 0; i < n; i++ {
		vec[i] = math.Float32frombits(binary.BigEndian.Uint32(buf[i*4:]))
	}
	return vec
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
