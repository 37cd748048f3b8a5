package policy

import (
	"strings"
	"time"

	"github.com/neosignal/assistantproxy/internal/domain"
)

var shortAcknowledgments = map[string]struct{}{
	"ok": {}, "да": {}, "нет": {}, "yes": {}, "no": {}, "хорошо": {}, "понял": {},
}

var retentionDays = map[domain.Importance]int{
	domain.ImportanceLow:      1,
	domain.ImportanceMedium:   7,
	domain.ImportanceHigh:     30,
	// critical has no entry: it never expires.
}

var emphaticKeywords = []string{
	"важно", "запомни", "всегда", "никогда", "обязательно",
	"important", "remember", "always", "never", "must",
}

var ruleKeywords = []string{
	"запомни", "всегда", "никогда", "правило", "remember", "always", "never", "rule",
}

var preferenceKeywords = []string{
	"предпочитаю", "люблю", "не люблю", "prefer", "like", "dislike",
}

var factKeywords = []string{
	"это", "такое", "означает", "is", "means", "refers",
}

// MemoryPolicy decides what gets persisted, how important it is, and for
// how long, across both memory tiers.
type MemoryPolicy struct{}

// NewMemoryPolicy constructs a MemoryPolicy. Like RecencyPolicy it is
// stateless; every decision is a pure function of its inputs and the
// tables above.
func NewMemoryPolicy() *MemoryPolicy {
	return &MemoryPolicy{}
}

// ShouldSave filters empty, very-short, acknowledgment-only, or
// system-authored content before it ever reaches a store.
func (p *MemoryPolicy) ShouldSave(content string, kind domain.MemoryKind, role domain.Role) bool {
	trimmed := strings.TrimSpace(content)
	if len(trimmed) < 3 {
		return false
	}
	if role == domain.RoleSystem {
		return false
	}
	if _, ack := shortAcknowledgments[strings.ToLower(trimmed)]; ack {
		return false
	}

	switch kind {
	case domain.KindRule, domain.KindPreference, domain.KindAction, domain.KindFact:
		return true
	case domain.KindConversation:
		return len(content) >= 20
	default:
		return false
	}
}

// DetermineImportance assigns an Importance level to content of a given
// kind, per the rule/keyword table below.
func (p *MemoryPolicy) DetermineImportance(content string, kind domain.MemoryKind) domain.Importance {
	switch kind {
	case domain.KindRule, domain.KindPreference:
		return domain.ImportanceCritical
	case domain.KindAction, domain.KindFact:
		return domain.ImportanceHigh
	case domain.KindError:
		return domain.ImportanceMedium
	}

	lower := strings.ToLower(content)
	for _, kw := range emphaticKeywords {
		if strings.Contains(lower, kw) {
			return domain.ImportanceHigh
		}
	}
	if len(content) > 100 {
		return domain.ImportanceMedium
	}
	return domain.ImportanceLow
}

// ShouldSaveToShortTerm reports whether importance qualifies for the
// recent-ordered store. Everything does; retention there is bounded by the
// store's own ring size, not by importance.
func (p *MemoryPolicy) ShouldSaveToShortTerm(domain.Importance) bool {
	return true
}

// ShouldSaveToLongTerm reports whether importance qualifies for the
// semantic store.
func (p *MemoryPolicy) ShouldSaveToLongTerm(importance domain.Importance) bool {
	return importance == domain.ImportanceMedium || importance == domain.ImportanceHigh || importance == domain.ImportanceCritical
}

// RetentionDays returns the retention period for importance, or nil for
// critical entries which never expire.
func (p *MemoryPolicy) RetentionDays(importance domain.Importance) *int {
	days, ok := retentionDays[importance]
	if !ok {
		return nil
	}
	return &days
}

// ExpirationDate returns the expiry timestamp derived from importance and
// createdAt, or nil if the entry never expires.
func (p *MemoryPolicy) ExpirationDate(importance domain.Importance, createdAt time.Time) *time.Time {
	days := p.RetentionDays(importance)
	if days == nil {
		return nil
	}
	expires := createdAt.Add(time.Duration(*days) * 24 * time.Hour)
	return &expires
}

// ShouldCleanup reports whether a stored entry is past its expiry. Critical
// entries are never cleaned up even if, through some bug upstream, they
// carried an expires-at.
func (p *MemoryPolicy) ShouldCleanup(entry domain.MemoryEntry, now time.Time) bool {
	if entry.Importance == domain.ImportanceCritical {
		return false
	}
	if entry.ExpiresAt == nil {
		return false
	}
	return !now.Before(*entry.ExpiresAt)
}

// ClassifyContent buckets free text into a MemoryKind via keyword
// matching, falling back to conversation.
func (p *MemoryPolicy) ClassifyContent(content string, intent string) domain.MemoryKind {
	lower := strings.ToLower(content)

	for _, kw := range ruleKeywords {
		if strings.Contains(lower, kw) {
			return domain.KindRule
		}
	}
	for _, kw := range preferenceKeywords {
		if strings.Contains(lower, kw) {
			return domain.KindPreference
		}
	}
	for _, kw := range factKeywords {
		if strings.Contains(lower, kw) {
			return domain.KindFact
		}
	}
	if intent == "ha_control" || intent == "ha_automation" {
		return domain.KindAction
	}
	if strings.Contains(lower, "ошибка") || strings.Contains(lower, "error") {
		return domain.KindError
	}
	return domain.KindConversation
}
