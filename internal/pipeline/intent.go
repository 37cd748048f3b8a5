package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/neosignal/assistantproxy/internal/domain"
	"github.com/neosignal/assistantproxy/internal/llm"
)

// quickIntentGroups maps keyword groups to intents for the fast path.
// Order matters: more specific groups first, so "remember that..." lands on
// set_rule before the memory-query group's "remember" can claim it.
// Russian and English terms sit side by side; extend per deployment.
var quickIntentGroups = []struct {
	intent     IntentType
	confidence float64
	requires   []Resource
	keywords   []string
}{
	{IntentHabrSearch, 0.95, []Resource{ResourceHabr},
		[]string{"habr", "хабр", "статья", "article"}},
	{IntentSetRule, 0.90, []Resource{ResourceMemory},
		[]string{"запомни", "remember that", "правило:", "rule:"}},
	{IntentMemoryQuery, 0.90, []Resource{ResourceMemory},
		[]string{"помнишь", "вспомни", "когда я", "в прошлый раз", "remember", "recall", "last time"}},
	{IntentWebSearch, 0.85, []Resource{ResourceWebSearch},
		[]string{"найди", "поищи", "погугли", "что такое", "кто такой", "расскажи о", "search", "find", "google", "what is", "who is", "tell me about"}},
	{IntentHomeControl, 0.80, []Resource{ResourceHomeAutomation, ResourceMemory},
		[]string{"включи", "выключи", "открой", "закрой", "установи", "запусти", "turn on", "turn off", "open", "close", "set", "start", "stop"}},
}

// quickConfidenceFloor is the minimum confidence at which the fast path
// short-circuits the LLM.
const quickConfidenceFloor = 0.80

const intentSchemaJSON = `{
  "type": "object",
  "required": ["type", "confidence"],
  "properties": {
    "type": {"type": "string"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "entities": {"type": "object"},
    "requires": {"type": "array", "items": {"type": "string"}}
  }
}`

var intentSchema = jsonschema.MustCompileString("intent.json", intentSchemaJSON)

const intentClassifyPrompt = `Ты — классификатор намерений пользователя для умного дома.

Доступные типы намерений:
- home_control: Управление устройствами (включи свет, открой штору)
- home_query: Запрос состояния (какая температура, горит ли свет)
- home_automation: Создание автоматизаций (создай правило, автоматизируй)
- web_search: Поиск в интернете (найди информацию, что такое)
- habr_search: Поиск на Хабре (найди статью на Хабре)
- memory_query: Запрос из истории (помнишь, вспомни)
- set_rule: Установка правила (запомни, всегда)
- general_chat: Обычный разговор (привет, как дела, расскажи анекдот)

Верни JSON:
{
  "type": "intent_type",
  "confidence": 0.95,
  "entities": {"key": "value"},
  "requires": ["resource1", "resource2"]
}

Возможные resources: homeassistant, web_search, habr, memory, none`

// Analyzer classifies user commands: a keyword fast path first, then an
// LLM fallback with a fixed schema for everything the keywords can't
// settle.
type Analyzer struct {
	llm        llm.Client
	logger     *slog.Logger
	llmTimeout time.Duration
}

func NewAnalyzer(client llm.Client, logger *slog.Logger) *Analyzer {
	return &Analyzer{llm: client, logger: logger, llmTimeout: 30 * time.Second}
}

// Analyze determines the intent for a command. LLM failure never fails
// the call: the result degrades to general_chat at confidence 0.5.
func (a *Analyzer) Analyze(ctx context.Context, userID, command string) Intent {
	if intent, ok := a.quickClassify(command); ok {
		a.logger.Info("quick intent classification", "user_id", userID, "intent", intent.Type, "confidence", intent.Confidence)
		return intent
	}
	return a.llmClassify(ctx, userID, command)
}

func (a *Analyzer) quickClassify(command string) (Intent, bool) {
	lower := strings.ToLower(command)
	for _, group := range quickIntentGroups {
		if group.confidence < quickConfidenceFloor {
			continue
		}
		for _, kw := range group.keywords {
			if strings.Contains(lower, kw) {
				return Intent{
					Type:       group.intent,
					Confidence: group.confidence,
					Entities:   map[string]any{},
					Requires:   group.requires,
				}, true
			}
		}
	}
	return Intent{}, false
}

func (a *Analyzer) llmClassify(ctx context.Context, userID, command string) Intent {
	fallback := Intent{
		Type:       IntentGeneralChat,
		Confidence: 0.5,
		Entities:   map[string]any{},
		Requires:   []Resource{ResourceNone},
	}

	callCtx, cancel := context.WithTimeout(ctx, a.llmTimeout)
	defer cancel()

	raw, err := a.llm.Complete(callCtx, llm.Request{
		System:      intentClassifyPrompt,
		Messages:    []llm.Message{{Role: domain.RoleUser, Content: command}},
		MaxTokens:   200,
		Temperature: 0.1,
	})
	if err != nil {
		a.logger.Error("intent classification failed", "user_id", userID, "error", err)
		return fallback
	}

	parsed, ok := parseJSONObject(raw, intentSchema)
	if !ok {
		a.logger.Warn("intent classification returned non-schema output", "user_id", userID)
		return fallback
	}

	var intent Intent
	b, _ := json.Marshal(parsed)
	if err := json.Unmarshal(b, &intent); err != nil {
		return fallback
	}
	if !knownIntent(intent.Type) {
		intent.Type = IntentUnknown
	}
	if intent.Entities == nil {
		intent.Entities = map[string]any{}
	}
	a.logger.Info("llm intent classification", "user_id", userID, "intent", intent.Type, "confidence", intent.Confidence)
	return intent
}

func knownIntent(t IntentType) bool {
	switch t {
	case IntentHomeControl, IntentHomeQuery, IntentHomeAutomation,
		IntentWebSearch, IntentHabrSearch, IntentMemoryQuery,
		IntentSetRule, IntentGeneralChat:
		return true
	}
	return false
}

// parseJSONObject defensively parses model output as a JSON object and
// validates it against a schema. Model text often wraps JSON in prose or
// code fences, so the first balanced object is extracted before parsing.
// Any failure — no object, bad syntax, schema mismatch — returns false;
// callers treat that exactly like free text.
func parseJSONObject(raw string, schema *jsonschema.Schema) (map[string]any, bool) {
	candidate := extractJSONObject(raw)
	if candidate == "" {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(candidate), &v); err != nil {
		return nil, false
	}
	if err := schema.Validate(v); err != nil {
		return nil, false
	}
	obj, ok := v.(map[string]any)
	return obj, ok
}

// extractJSONObject returns the first balanced {...} span in s, tracking
// strings so braces inside quoted values don't unbalance the scan.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1]
				}
			}
		}
	}
	return ""
}
