package policy

import (
	"path"
	"regexp"
	"strings"
)

// rulePrefixPattern strips the common imperative lead-ins ("запомни,",
// "remember that", "always", ...) off a set_rule command so only the rule
// text itself is persisted.
var rulePrefixPattern = regexp.MustCompile(`(?i)^\s*(запомни(?:,|\s+что)?|правило[:\s]*|remember(?:\s+that)?|rule[:\s]*|всегда|always|никогда|never)\s*[:,]?\s*`)

// StripRulePrefix extracts the rule text from a raw set_rule command by
// removing the leading trigger phrase. If no known prefix matches, the
// trimmed input is returned unchanged.
func StripRulePrefix(raw string) string {
	trimmed := strings.TrimSpace(raw)
	stripped := rulePrefixPattern.ReplaceAllString(trimmed, "")
	stripped = strings.TrimSpace(stripped)
	if stripped == "" {
		return trimmed
	}
	return stripped
}

// ServiceAllowList validates home-automation domain.service pairs against
// an allow-list and a confirmation-required list, both wildcard-capable
// ("light.*", "*.turn_on").
type ServiceAllowList struct {
	allowed             []string
	requireConfirmation []string
}

// NewServiceAllowList builds an allow-list from configuration.
func NewServiceAllowList(allowed, requireConfirmation []string) *ServiceAllowList {
	return &ServiceAllowList{allowed: allowed, requireConfirmation: requireConfirmation}
}

// IsAllowed reports whether domain.service matches the allow-list.
func (a *ServiceAllowList) IsAllowed(domainName, service string) bool {
	return matchesAny(a.allowed, domainName+"."+service)
}

// NeedsConfirmation reports whether domain.service is in the
// require-confirmation list (e.g. locks, alarms, covers).
func (a *ServiceAllowList) NeedsConfirmation(domainName, service string) bool {
	return matchesAny(a.requireConfirmation, domainName+"."+service)
}

func matchesAny(patterns []string, value string) bool {
	for _, pattern := range patterns {
		if ok, err := path.Match(pattern, value); err == nil && ok {
			return true
		}
	}
	return false
}
