// Package memory implements the two-tier memory system: a recent-ordered
// store per user and a similarity-searchable semantic store, unified
// behind a policy-driven Manager facade.
package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/neosignal/assistantproxy/internal/domain"
	"github.com/neosignal/assistantproxy/internal/policy"
)

// RecallStrategy selects how Manager.Recall sources its results.
type RecallStrategy string

const (
	RecallRecent   RecallStrategy = "recent"
	RecallSemantic RecallStrategy = "semantic"
	RecallHybrid   RecallStrategy = "hybrid"
)

// WriteReceipt records where an entry landed after Remember applied policy.
type WriteReceipt struct {
	Entry        domain.MemoryEntry
	SavedRecent  bool
	SavedLong    bool
	RecentID     string
	SemanticID   string
}

// Context is the pipeline's view of a user's memory ahead of planning.
// UserRules is the user's full active-rule list; RelevantRules is the
// top rules by semantic similarity to the current command. Prompt
// construction reads RelevantRules; UserRules exists for consumers that
// need the complete set.
type Context struct {
	RecentHistory    []domain.MemoryEntry `json:"recent_history"`
	RelevantMemories []domain.MemoryEntry `json:"relevant_memories"`
	UserRules        []domain.UserRule    `json:"user_rules"`
	RelevantRules    []domain.MemoryEntry `json:"relevant_rules"`
}

// RuleLister serves the full active-rule list from relational storage.
// *store.RuleStore implements it.
type RuleLister interface {
	ListActive(ctx context.Context, userID string) ([]domain.UserRule, error)
}

// Manager is the unified memory facade: it decides, per the memory policy,
// whether content is saved at all and to which tier(s), and serves recall
// and context-building queries against both stores.
type Manager struct {
	recent   *RecentStore
	semantic *SemanticStore
	policy   *policy.MemoryPolicy
	rules    RuleLister

	minSimilarity   float32
	longTermEnabled bool
}

func NewManager(recent *RecentStore, semantic *SemanticStore, mp *policy.MemoryPolicy) *Manager {
	return &Manager{recent: recent, semantic: semantic, policy: mp, minSimilarity: 0.3, longTermEnabled: true}
}

// SetLongTermEnabled toggles the semantic tier. With it off, Remember
// writes only to the recent store and semantic recalls come back empty.
func (m *Manager) SetLongTermEnabled(enabled bool) {
	m.longTermEnabled = enabled
}

// SetRuleLister attaches the relational rule store so BuildContext can
// serve the full active-rule list alongside the semantic top matches.
func (m *Manager) SetRuleLister(rules RuleLister) {
	m.rules = rules
}

// Remember applies the memory policy to decide whether content is saved,
// what importance it receives, and which tier(s) get a copy. System-role
// content and content the policy rejects produce a zero-value, unsaved
// receipt — never an error, since declining to remember is a valid outcome.
func (m *Manager) Remember(ctx context.Context, userID string, role domain.Role, content string, kind domain.MemoryKind, meta map[string]any) (WriteReceipt, error) {
	if !m.policy.ShouldSave(content, kind, role) {
		return WriteReceipt{}, nil
	}

	importance := m.policy.DetermineImportance(content, kind)
	entry := domain.MemoryEntry{
		UserID:     userID,
		Role:       role,
		Content:    content,
		Kind:       kind,
		Importance: importance,
		CreatedAt:  time.Now().UTC(),
		Extra:      meta,
	}
	entry.ExpiresAt = m.policy.ExpirationDate(importance, entry.CreatedAt)

	receipt := WriteReceipt{Entry: entry}

	if m.policy.ShouldSaveToShortTerm(importance) {
		id, err := m.recent.Add(ctx, entry)
		if err != nil {
			return receipt, fmt.Errorf("memory: remember recent: %w", err)
		}
		receipt.SavedRecent = true
		receipt.RecentID = id
	}

	if m.longTermEnabled && m.policy.ShouldSaveToLongTerm(importance) {
		if _, hasTable := semanticTables[kind]; hasTable {
			id, err := m.semantic.Add(ctx, entry)
			if err != nil {
				return receipt, fmt.Errorf("memory: remember semantic: %w", err)
			}
			receipt.SavedLong = true
			receipt.SemanticID = id
		}
	}

	return receipt, nil
}

// Recall fetches entries for a user per strategy. query is required for
// semantic/hybrid strategies and ignored for recent.
func (m *Manager) Recall(ctx context.Context, userID string, kind domain.MemoryKind, strategy RecallStrategy, query string, limit int) ([]domain.MemoryEntry, error) {
	if limit <= 0 {
		limit = 10
	}

	switch strategy {
	case RecallRecent:
		return m.recent.GetRecent(ctx, userID, limit, &kind)

	case RecallSemantic:
		if !m.longTermEnabled {
			return nil, nil
		}
		return m.semantic.Search(ctx, userID, kind, query, limit, m.minSimilarity)

	case RecallHybrid:
		half := limit / 2
		if half == 0 {
			half = 1
		}
		recent, err := m.recent.GetRecent(ctx, userID, half, &kind)
		if err != nil {
			return nil, fmt.Errorf("memory: hybrid recall recent: %w", err)
		}
		var semantic []domain.MemoryEntry
		if m.longTermEnabled {
			semantic, err = m.semantic.Search(ctx, userID, kind, query, half, m.minSimilarity)
			if err != nil {
				return nil, fmt.Errorf("memory: hybrid recall semantic: %w", err)
			}
		}

		seen := make(map[string]bool, len(recent)+len(semantic))
		merged := make([]domain.MemoryEntry, 0, len(recent)+len(semantic))
		for _, e := range append(append([]domain.MemoryEntry{}, recent...), semantic...) {
			if seen[e.Content] {
				continue
			}
			seen[e.Content] = true
			merged = append(merged, e)
		}

		sort.Slice(merged, func(i, j int) bool { return merged[i].CreatedAt.After(merged[j].CreatedAt) })
		if len(merged) > limit {
			merged = merged[:limit]
		}
		return merged, nil

	default:
		return nil, fmt.Errorf("memory: unknown recall strategy %q", strategy)
	}
}

// BuildContext assembles the pipeline's memory view ahead of planning:
// the last 10 conversation turns, the top 3 semantically relevant
// memories (any kind with a vector collection), the user's full
// active-rule list, and the top 3 rules relevant to the query.
func (m *Manager) BuildContext(ctx context.Context, userID, query string) (Context, error) {
	recentHistory, err := m.recent.GetRecent(ctx, userID, 10, nil)
	if err != nil {
		return Context{}, fmt.Errorf("memory: build context recent: %w", err)
	}

	var userRules []domain.UserRule
	if m.rules != nil {
		userRules, err = m.rules.ListActive(ctx, userID)
		if err != nil {
			return Context{}, fmt.Errorf("memory: build context user rules: %w", err)
		}
	}

	var relevant, relevantRules []domain.MemoryEntry
	if m.longTermEnabled {
		relevant, err = m.searchAcrossKinds(ctx, userID, query, 3, domain.KindConversation, domain.KindPreference, domain.KindFact, domain.KindAction)
		if err != nil {
			return Context{}, fmt.Errorf("memory: build context semantic: %w", err)
		}

		relevantRules, err = m.semantic.Search(ctx, userID, domain.KindRule, query, 3, 0)
		if err != nil {
			return Context{}, fmt.Errorf("memory: build context rules: %w", err)
		}
	}

	return Context{
		RecentHistory:    recentHistory,
		RelevantMemories: relevant,
		UserRules:        userRules,
		RelevantRules:    relevantRules,
	}, nil
}

func (m *Manager) searchAcrossKinds(ctx context.Context, userID, query string, topK int, kinds ...domain.MemoryKind) ([]domain.MemoryEntry, error) {
	var all []domain.MemoryEntry
	for _, k := range kinds {
		found, err := m.semantic.Search(ctx, userID, k, query, topK, m.minSimilarity)
		if err != nil {
			return nil, err
		}
		all = append(all, found...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Similarity > all[j].Similarity })
	if len(all) > topK {
		all = all[:topK]
	}
	return all, nil
}

// CleanupExpired removes expired entries from both tiers for one user
// (or every user if userID is empty), honoring the invariant that
// critical-importance entries never expire since they're stored with a
// nil ExpiresAt.
func (m *Manager) CleanupExpired(ctx context.Context, userID string) (int64, error) {
	var uidPtr *string
	if userID != "" {
		uidPtr = &userID
	}
	n, err := m.recent.CleanupExpired(ctx, uidPtr)
	if err != nil {
		return n, err
	}
	n2, err := m.semantic.CleanupExpired(ctx)
	return n + n2, err
}

// Delete removes a single entry from whichever tier holds it.
func (m *Manager) Delete(ctx context.Context, userID string, kind domain.MemoryKind, id string) error {
	if err := m.recent.Delete(ctx, userID, id); err != nil {
		return err
	}
	if _, ok := semanticTables[kind]; ok {
		if err := m.semantic.Delete(ctx, userID, kind, id); err != nil {
			return err
		}
	}
	return nil
}
