package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/neosignal/assistantproxy/internal/config"
	"github.com/neosignal/assistantproxy/internal/domain"
	"github.com/neosignal/assistantproxy/internal/llm"
	"github.com/neosignal/assistantproxy/internal/policy"
)

const actionPlanSchemaJSON = `{
  "type": "object",
  "required": ["intent"],
  "properties": {
    "intent": {"type": "string"},
    "actions": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["domain", "service"],
        "properties": {
          "domain": {"type": "string"},
          "service": {"type": "string"},
          "data": {"type": "object"},
          "target": {"type": "object"}
        }
      }
    },
    "needs_confirmation": {"type": "boolean"},
    "response": {"type": "string"}
  }
}`

var actionPlanSchema = jsonschema.MustCompileString("action_plan.json", actionPlanSchemaJSON)

// Planner turns an intent plus resolved context into an ActionPlan. Fast
// intents (search, habr, memory, set_rule) never touch the model; control
// and chat intents do.
type Planner struct {
	llm       llm.Client
	searcher  Searcher
	habr      HabrSearcher
	assistant config.AssistantConfig
	logger    *slog.Logger

	llmTimeout    time.Duration
	searchTimeout time.Duration
}

func NewPlanner(client llm.Client, searcher Searcher, habr HabrSearcher, assistant config.AssistantConfig, logger *slog.Logger) *Planner {
	return &Planner{
		llm:           client,
		searcher:      searcher,
		habr:          habr,
		assistant:     assistant,
		logger:        logger,
		llmTimeout:    30 * time.Second,
		searchTimeout: 30 * time.Second,
	}
}

// Plan dispatches by intent type. Every returned plan carries a
// ResponseText the composer can render even when execution is skipped.
func (p *Planner) Plan(ctx context.Context, resolved Context) domain.ActionPlan {
	switch resolved.Intent.Type {
	case IntentHomeControl:
		return p.planHomeControl(ctx, resolved)
	case IntentHomeQuery:
		return p.planTextViaLLM(ctx, resolved, IntentHomeQuery)
	case IntentWebSearch:
		return p.planWebSearch(ctx, resolved)
	case IntentHabrSearch:
		return p.planHabrSearch(ctx, resolved)
	case IntentHomeAutomation:
		return p.planAutomation(ctx, resolved)
	case IntentSetRule:
		return p.planSetRule(resolved)
	case IntentMemoryQuery:
		return p.planMemoryQuery(resolved)
	default:
		return p.planTextViaLLM(ctx, resolved, IntentGeneralChat)
	}
}

func (p *Planner) planHomeControl(ctx context.Context, resolved Context) domain.ActionPlan {
	raw, err := p.complete(ctx, resolved, resolved.Command)
	if err != nil {
		p.logger.Error("home control planning failed", "user_id", resolved.UserID, "error", err)
		return errorPlan(IntentHomeControl, err)
	}

	// The model is asked for a JSON action plan but may answer with free
	// text; free text is a valid text response, never a failure.
	parsed, ok := parseJSONObject(raw, actionPlanSchema)
	if !ok {
		return domain.ActionPlan{
			Kind:         domain.PlanTextResponse,
			Intent:       string(IntentHomeControl),
			ResponseText: raw,
		}
	}

	var plan struct {
		Intent            string          `json:"intent"`
		Actions           []domain.Action `json:"actions"`
		NeedsConfirmation bool            `json:"needs_confirmation"`
		Response          string          `json:"response"`
	}
	b, _ := json.Marshal(parsed)
	if err := json.Unmarshal(b, &plan); err != nil || len(plan.Actions) == 0 {
		return domain.ActionPlan{
			Kind:         domain.PlanTextResponse,
			Intent:       string(IntentHomeControl),
			ResponseText: raw,
		}
	}

	responseText := plan.Response
	if responseText == "" {
		responseText = "Выполняю."
	}
	return domain.ActionPlan{
		Kind:              domain.PlanActionPlan,
		Intent:            string(IntentHomeControl),
		Actions:           plan.Actions,
		NeedsConfirmation: plan.NeedsConfirmation,
		ResponseText:      responseText,
	}
}

func (p *Planner) planTextViaLLM(ctx context.Context, resolved Context, intent IntentType) domain.ActionPlan {
	raw, err := p.complete(ctx, resolved, resolved.Command)
	if err != nil {
		p.logger.Error("text planning failed", "user_id", resolved.UserID, "intent", intent, "error", err)
		return errorPlan(intent, err)
	}
	return domain.ActionPlan{
		Kind:         domain.PlanTextResponse,
		Intent:       string(intent),
		ResponseText: raw,
	}
}

func (p *Planner) planWebSearch(ctx context.Context, resolved Context) domain.ActionPlan {
	callCtx, cancel := context.WithTimeout(ctx, p.searchTimeout)
	defer cancel()

	result, err := p.searcher.Search(callCtx, resolved.Command, "", nil, "", 5)
	if err != nil {
		p.logger.Error("web search failed", "user_id", resolved.UserID, "error", err)
		return domain.ActionPlan{
			Kind:         domain.PlanErrorResponse,
			Intent:       string(IntentWebSearch),
			ResponseText: fmt.Sprintf("Не удалось выполнить поиск: %v", err),
		}
	}

	return domain.ActionPlan{
		Kind:         domain.PlanSearchResponse,
		Intent:       string(IntentWebSearch),
		ResponseText: result.Answer,
		Sources:      result.Sources,
	}
}

func (p *Planner) planHabrSearch(ctx context.Context, resolved Context) domain.ActionPlan {
	callCtx, cancel := context.WithTimeout(ctx, p.searchTimeout)
	defer cancel()

	query := strings.TrimSpace(strings.NewReplacer("habr", "", "хабр", "").Replace(strings.ToLower(resolved.Command)))

	articles, err := p.habr.Search(callCtx, query, nil, nil, 0, 5)
	if err != nil {
		p.logger.Error("habr search failed", "user_id", resolved.UserID, "error", err)
		return domain.ActionPlan{
			Kind:         domain.PlanErrorResponse,
			Intent:       string(IntentHabrSearch),
			ResponseText: fmt.Sprintf("Не удалось найти статьи: %v", err),
		}
	}

	var responseText string
	if len(articles) > 0 {
		parts := []string{"Нашёл статьи на Хабре:"}
		for i, article := range articles {
			if i >= 3 {
				break
			}
			parts = append(parts, fmt.Sprintf("%d. %s", i+1, article.Title))
		}
		responseText = strings.Join(parts, "\n")
	} else {
		responseText = "Статьи не найдены"
	}

	return domain.ActionPlan{
		Kind:         domain.PlanSearchResponse,
		Intent:       string(IntentHabrSearch),
		ResponseText: responseText,
		Articles:     articles,
	}
}

func (p *Planner) planAutomation(ctx context.Context, resolved Context) domain.ActionPlan {
	prompt := resolved.Command + "\n\nСоздай черновик автоматизации для Home Assistant в формате YAML."
	raw, err := p.complete(ctx, resolved, prompt)
	if err != nil {
		p.logger.Error("automation planning failed", "user_id", resolved.UserID, "error", err)
		return errorPlan(IntentHomeAutomation, err)
	}
	return domain.ActionPlan{
		Kind:         domain.PlanAutomationDraft,
		Intent:       string(IntentHomeAutomation),
		RuleText:     raw,
		ResponseText: "Создал черновик автоматизации. Проверьте перед применением.",
	}
}

func (p *Planner) planSetRule(resolved Context) domain.ActionPlan {
	ruleText := policy.StripRulePrefix(resolved.Command)
	return domain.ActionPlan{
		Kind:         domain.PlanSetRule,
		Intent:       string(IntentSetRule),
		RuleText:     ruleText,
		ResponseText: fmt.Sprintf("Запомнил: %s", ruleText),
	}
}

func (p *Planner) planMemoryQuery(resolved Context) domain.ActionPlan {
	var memories []domain.MemoryEntry
	if resolved.Memory != nil {
		memories = resolved.Memory.RelevantMemories
	}
	if len(memories) > 3 {
		memories = memories[:3]
	}

	var responseText string
	if len(memories) > 0 {
		parts := []string{"Из истории наших разговоров:"}
		for _, mem := range memories {
			parts = append(parts, fmt.Sprintf("- %s", clip(mem.Content, 200)))
		}
		responseText = strings.Join(parts, "\n")
	} else {
		responseText = "Не нашёл ничего в истории по этому запросу"
	}

	return domain.ActionPlan{
		Kind:         domain.PlanMemoryResponse,
		Intent:       string(IntentMemoryQuery),
		ResponseText: responseText,
		Memories:     memories,
	}
}

// complete runs one model call with the planner's system prompt, the
// user's recent history, and the resolved context folded into the user
// message.
func (p *Planner) complete(ctx context.Context, resolved Context, input string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.llmTimeout)
	defer cancel()

	messages := p.historyMessages(resolved)
	messages = append(messages, llm.Message{
		Role:    domain.RoleUser,
		Content: p.userMessage(resolved, input),
	})

	return p.llm.Complete(callCtx, llm.Request{
		System:      p.systemPrompt(resolved),
		Messages:    messages,
		MaxTokens:   1024,
		Temperature: 0.3,
	})
}

func (p *Planner) systemPrompt(resolved Context) string {
	parts := []string{
		fmt.Sprintf("Ты — %s, умный голосовой ассистент для управления домом через Home Assistant.", p.assistant.Name),
		fmt.Sprintf("Стиль: %s", p.assistant.Style),
		fmt.Sprintf("Язык: %s", p.assistant.Language),
		"",
		"Твои задачи:",
		"1. Понимать естественные команды пользователя",
		"2. Планировать действия в Home Assistant",
		"3. Учитывать контекст и предпочтения пользователя",
		"4. Запрашивать подтверждение для опасных действий",
		"",
		"Для управления домом возвращай JSON:",
		`{"intent": "...", "actions": [...], "needs_confirmation": true/false, "response": "..."}`,
		"",
		"ВАЖНО:",
		"- НЕ выдумывай entity_id! Используй только те, что есть в контексте",
		"- Опасные действия требуют подтверждения",
		"- Для обычных вопросов возвращай текст",
	}

	// The prompt carries the rules relevant to this command, not the
	// user's entire rule book.
	if resolved.Memory != nil && len(resolved.Memory.RelevantRules) > 0 {
		parts = append(parts, "", "Правила пользователя:")
		for i, rule := range resolved.Memory.RelevantRules {
			if i >= 5 {
				break
			}
			parts = append(parts, fmt.Sprintf("- %s", rule.Content))
		}
	}

	return strings.Join(parts, "\n")
}

func (p *Planner) userMessage(resolved Context, input string) string {
	var parts []string

	if resolved.Home != nil {
		parts = append(parts, "Контекст Home Assistant:")
		parts = append(parts, fmt.Sprintf("- Устройств: %d", resolved.Home.TotalEntities))
		if len(resolved.Home.Areas) > 0 {
			parts = append(parts, fmt.Sprintf("- Комнат: %d", len(resolved.Home.Areas)))
		}
	}

	if resolved.Memory != nil && len(resolved.Memory.RelevantMemories) > 0 {
		parts = append(parts, "", "Из истории:")
		for i, mem := range resolved.Memory.RelevantMemories {
			if i >= 2 {
				break
			}
			parts = append(parts, fmt.Sprintf("- %s", clip(mem.Content, 100)))
		}
	}

	parts = append(parts, "", fmt.Sprintf("Команда: %s", input))
	return strings.Join(parts, "\n")
}

func (p *Planner) historyMessages(resolved Context) []llm.Message {
	if resolved.Memory == nil {
		return nil
	}
	history := resolved.Memory.RecentHistory
	if len(history) > 10 {
		history = history[len(history)-10:]
	}
	var out []llm.Message
	for _, entry := range history {
		if entry.Role != domain.RoleUser && entry.Role != domain.RoleAssistant {
			continue
		}
		// The model API requires the first turn to come from the user.
		if len(out) == 0 && entry.Role == domain.RoleAssistant {
			continue
		}
		out = append(out, llm.Message{Role: entry.Role, Content: entry.Content})
	}
	return out
}

func errorPlan(intent IntentType, err error) domain.ActionPlan {
	return domain.ActionPlan{
		Kind:         domain.PlanErrorResponse,
		Intent:       string(intent),
		ResponseText: fmt.Sprintf("Произошла ошибка: %v", err),
	}
}
