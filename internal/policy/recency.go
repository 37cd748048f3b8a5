// Package policy implements the two enforcement layers that gate outward
// calls: a recency policy over web-search requests and a memory policy over
// what gets persisted. Both are data tables, not branching code, so they
// can be extended per deployment without touching logic.
package policy

import (
	"strings"

	"github.com/neosignal/assistantproxy/internal/domain"
)

// SearchCategory is the fixed taxonomy the recency policy table is keyed on.
type SearchCategory string

const (
	CategoryNews       SearchCategory = "news"
	CategoryTechNews   SearchCategory = "tech_news"
	CategoryWeather    SearchCategory = "weather"
	CategoryTransport  SearchCategory = "transport"
	CategoryStocks     SearchCategory = "stocks"
	CategorySports     SearchCategory = "sports"
	CategoryTechDocs   SearchCategory = "tech_docs"
	CategoryTutorials  SearchCategory = "tutorials"
	CategoryShopping   SearchCategory = "shopping"
	CategoryHistorical SearchCategory = "historical"
	CategoryGeneral    SearchCategory = "general"
)

type recencyRule struct {
	requirement   domain.RecencyRequirement
	maxDays       int // 0 when the category forbids recency
	preferredDays int
	reason        string
}

// recencyTable is the non-negotiable recency policy. LLM output never
// changes these values; it may only request an override, which
// ValidateOverride accepts or rejects.
var recencyTable = map[SearchCategory]recencyRule{
	CategoryNews:       {domain.RequirementMandatory, 7, 1, "News must be recent to be relevant"},
	CategoryTechNews:   {domain.RequirementMandatory, 7, 3, "Technology news ages quickly"},
	CategoryWeather:    {domain.RequirementMandatory, 1, 1, "Weather data must be current"},
	CategoryTransport:  {domain.RequirementMandatory, 1, 1, "Transport schedules change frequently"},
	CategoryStocks:     {domain.RequirementMandatory, 1, 1, "Financial data must be real-time"},
	CategorySports:     {domain.RequirementMandatory, 7, 1, "Sports scores and news are time-sensitive"},
	CategoryTechDocs:   {domain.RequirementRecommended, 180, 30, "Documentation updates but not as frequently"},
	CategoryTutorials:  {domain.RequirementRecommended, 365, 90, "Tutorials remain relevant but best practices evolve"},
	CategoryShopping:   {domain.RequirementRecommended, 30, 7, "Product information and prices change"},
	CategoryHistorical: {domain.RequirementForbidden, 0, 0, "Historical facts do not change"},
	CategoryGeneral:    {domain.RequirementRecommended, 30, 7, "General queries benefit from recent information"},
}

func ruleFor(category SearchCategory) recencyRule {
	if rule, ok := recencyTable[category]; ok {
		return rule
	}
	return recencyTable[CategoryGeneral]
}

// RecencyPolicy enforces freshness requirements on search requests.
type RecencyPolicy struct{}

// NewRecencyPolicy constructs a RecencyPolicy. It carries no state; the
// table above is the whole policy.
func NewRecencyPolicy() *RecencyPolicy {
	return &RecencyPolicy{}
}

// Enforce decides the recency window for a category given what was
// requested (nil meaning "no preference expressed").
func (p *RecencyPolicy) Enforce(category SearchCategory, requestedDays *int) domain.SearchPolicyDecision {
	rule := ruleFor(category)
	decision := domain.SearchPolicyDecision{
		Category:    string(category),
		Requirement: rule.requirement,
		MaxDays:     rule.maxDays,
		Reason:      rule.reason,
	}

	switch rule.requirement {
	case domain.RequirementMandatory:
		if requestedDays == nil || *requestedDays > rule.maxDays {
			days := rule.preferredDays
			decision.RecencyDays = &days
			decision.Enforced = true
		} else {
			decision.RecencyDays = requestedDays
		}
	case domain.RequirementRecommended:
		if requestedDays != nil {
			decision.RecencyDays = requestedDays
		} else {
			days := rule.preferredDays
			decision.RecencyDays = &days
		}
	case domain.RequirementForbidden:
		decision.RecencyDays = nil
		if requestedDays != nil {
			decision.Enforced = true
		}
	default: // optional
		decision.RecencyDays = requestedDays
	}

	return decision
}

// ValidateOverride reports whether an LLM-suggested override of the
// recency window may be honored. Mandatory and forbidden are never
// negotiable regardless of the reason given.
func (p *RecencyPolicy) ValidateOverride(category SearchCategory, overrideDays *int, reason string) bool {
	rule := ruleFor(category)

	switch rule.requirement {
	case domain.RequirementMandatory:
		return false
	case domain.RequirementForbidden:
		return overrideDays == nil
	case domain.RequirementRecommended:
		return len(reason) >= 20
	default: // optional
		return true
	}
}

// preClassifierPatterns maps each category to the keyword set that routes a
// free-text query to it. Russian and English terms sit side by side; extend
// this table, never the branching logic, for new locales.
var preClassifierPatterns = []struct {
	category SearchCategory
	keywords []string
}{
	{CategoryNews, []string{"новости", "news", "сегодня", "вчера", "today", "yesterday", "случилось", "happened", "events"}},
	{CategoryTechNews, []string{"ai news", "tech news", "новости технологий", "новости ai", "выпустили", "released", "анонс", "announcement"}},
	{CategoryWeather, []string{"погода", "weather", "температура", "temperature", "прогноз", "forecast", "дождь", "rain", "снег", "snow"}},
	{CategoryTransport, []string{"расписание", "schedule", "поезд", "train", "электричка", "suburban", "автобус", "bus", "рейс", "flight"}},
	{CategoryStocks, []string{"курс", "rate", "акции", "stocks", "биржа", "exchange", "цена акции", "stock price", "котировки", "quotes"}},
	{CategorySports, []string{"счёт", "score", "матч", "match", "игра", "game", "чемпионат", "championship", "турнир", "tournament"}},
	{CategoryTechDocs, []string{"документация", "documentation", "api", "docs", "reference", "specification"}},
	{CategoryTutorials, []string{"как", "how to", "инструкция", "tutorial", "guide", "научиться", "learn", "пошагово", "step by step"}},
	{CategoryShopping, []string{"купить", "buy", "цена", "price", "стоимость", "cost", "магазин", "shop", "заказать", "order"}},
	{CategoryHistorical, []string{"история", "historical", "когда был", "when was", "в каком году", "what year", "кто был", "who was", "биография", "biography"}},
}

// Classify maps a free-text query to a search category via keyword
// matching. The planner never invents a category; it always goes through
// this pre-classifier first.
func Classify(query string) SearchCategory {
	lower := strings.ToLower(query)
	for _, entry := range preClassifierPatterns {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				return entry.category
			}
		}
	}
	return CategoryGeneral
}
