// Package pipeline implements the five-stage command pipeline: intent
// analysis, context resolution, planning, execution, and response
// composition, sequenced by the Orchestrator.
package pipeline

import (
	"context"

	"github.com/neosignal/assistantproxy/internal/adapters/homeautomation"
	"github.com/neosignal/assistantproxy/internal/adapters/search"
	"github.com/neosignal/assistantproxy/internal/adapters/tts"
	"github.com/neosignal/assistantproxy/internal/domain"
	"github.com/neosignal/assistantproxy/internal/memory"
)

// Channel is the output surface a response is rendered for.
type Channel string

const (
	ChannelVoice    Channel = "voice"
	ChannelText     Channel = "text"
	ChannelTelegram Channel = "telegram"
)

// IntentType classifies what the user wants to do.
type IntentType string

const (
	IntentHomeControl    IntentType = "home_control"
	IntentHomeQuery      IntentType = "home_query"
	IntentHomeAutomation IntentType = "home_automation"
	IntentWebSearch      IntentType = "web_search"
	IntentHabrSearch     IntentType = "habr_search"
	IntentMemoryQuery    IntentType = "memory_query"
	IntentSetRule        IntentType = "set_rule"
	IntentGeneralChat    IntentType = "general_chat"
	IntentUnknown        IntentType = "unknown"
)

// Resource names a capability an intent requires downstream.
type Resource string

const (
	ResourceHomeAutomation Resource = "homeassistant"
	ResourceWebSearch      Resource = "web_search"
	ResourceHabr           Resource = "habr"
	ResourceMemory         Resource = "memory"
	ResourceNone           Resource = "none"
)

// Intent is the analyzer's verdict for one command.
type Intent struct {
	Type       IntentType     `json:"type"`
	Confidence float64        `json:"confidence"`
	Entities   map[string]any `json:"entities"`
	Requires   []Resource     `json:"requires"`
}

// NeedsHomeAutomation reports whether the context resolver should fetch a
// home-automation snapshot for this intent.
func (i Intent) NeedsHomeAutomation() bool {
	switch i.Type {
	case IntentHomeControl, IntentHomeQuery, IntentHomeAutomation:
		return true
	}
	return false
}

// NeedsMemory reports whether the context resolver should fetch memory
// context for this intent.
func (i Intent) NeedsMemory() bool {
	switch i.Type {
	case IntentMemoryQuery, IntentHomeControl, IntentHomeQuery:
		return true
	}
	return false
}

// Context is the resolved state the planner works from. A resolve failure
// never fails the pipeline: the failed half is zero-valued and Err is set.
type Context struct {
	UserID  string
	Command string
	Intent  Intent

	Home    *homeautomation.Snapshot
	HomeErr string

	Memory    *memory.Context
	MemoryErr string
}

// ExecutionResult is the executor's outcome for one plan.
type ExecutionResult struct {
	Success           bool                  `json:"success"`
	NeedsConfirmation bool                  `json:"needs_confirmation,omitempty"`
	Executed          int                   `json:"executed"`
	Failed            int                   `json:"failed"`
	Results           []domain.ActionResult `json:"results,omitempty"`
	Errors            []string              `json:"errors,omitempty"`
	Message           string                `json:"message,omitempty"`

	// Plan echoes the pending plan back when confirmation is required, so
	// the client can POST it to /v1/confirm unchanged.
	Plan *domain.ActionPlan `json:"plan,omitempty"`

	RuleID string `json:"rule_id,omitempty"`
}

// Audio is synthesized speech attached to a voice response.
type Audio struct {
	Data       []byte `json:"data"`
	Format     string `json:"format"`
	Size       int    `json:"size"`
	DurationMs int64  `json:"duration_ms"`
}

// Response is the pipeline's terminal output, shaped for one channel.
type Response struct {
	Type              domain.PlanKind        `json:"type"`
	Intent            string                 `json:"intent"`
	Text              string                 `json:"text"`
	Channel           Channel                `json:"channel"`
	Execution         *ExecutionResult       `json:"execution,omitempty"`
	Actions           []domain.Action        `json:"actions,omitempty"`
	NeedsConfirmation bool                   `json:"needs_confirmation,omitempty"`
	Sources           []domain.SearchSource  `json:"sources,omitempty"`
	Articles          []domain.Article       `json:"articles,omitempty"`
	Audio             *Audio                 `json:"audio,omitempty"`
	AudioError        string                 `json:"audio_error,omitempty"`
	Error             string                 `json:"error,omitempty"`
	Pipeline          map[string]any         `json:"pipeline,omitempty"`
}

// StreamChunk is one element of a streaming composition.
type StreamChunk struct {
	Type        string  `json:"type"` // stream_chunk | stream_complete
	Channel     Channel `json:"channel"`
	Text        string  `json:"text"`
	Accumulated string  `json:"accumulated,omitempty"`
}

// HomeAutomation is the home-automation adapter surface the pipeline
// consumes. *homeautomation.Client satisfies it.
type HomeAutomation interface {
	GetContext(ctx context.Context) (homeautomation.Snapshot, error)
	CallService(ctx context.Context, domainName, service string, data, target map[string]any) ([]homeautomation.State, error)
	CreateAutomation(ctx context.Context, automationConfig map[string]any) (homeautomation.AutomationResult, error)
	NeedsConfirmation(domainName, service string) bool
}

// Searcher is the web-search adapter surface. *search.Client satisfies it.
type Searcher interface {
	Search(ctx context.Context, query, category string, requestedDays *int, overrideReason string, maxResults int) (search.Result, error)
}

// HabrSearcher is the messaging-site-search adapter surface.
type HabrSearcher interface {
	Search(ctx context.Context, query string, tags, hubs []string, days, limit int) ([]domain.Article, error)
}

// MemoryService is the memory facade surface the pipeline consumes.
// *memory.Manager satisfies it.
type MemoryService interface {
	BuildContext(ctx context.Context, userID, query string) (memory.Context, error)
	Remember(ctx context.Context, userID string, role domain.Role, content string, kind domain.MemoryKind, meta map[string]any) (memory.WriteReceipt, error)
	Recall(ctx context.Context, userID string, kind domain.MemoryKind, strategy memory.RecallStrategy, query string, limit int) ([]domain.MemoryEntry, error)
}

// Synthesizer re-exports the TTS adapter contract consumed by the
// composer.
type Synthesizer = tts.Synthesizer
