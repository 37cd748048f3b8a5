package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/neosignal/assistantproxy/internal/domain"
	"github.com/neosignal/assistantproxy/internal/observability"
	"github.com/neosignal/assistantproxy/internal/policy"
)

// Request is one command run through the pipeline.
type Request struct {
	UserID       string
	Command      string
	Channel      Channel
	Confirmed    bool
	DryRun       bool
	IncludeAudio bool
}

// Orchestrator sequences the five pipeline stages and persists the turn
// to memory after composition.
type Orchestrator struct {
	analyzer *Analyzer
	resolver *Resolver
	planner  *Planner
	executor *Executor
	composer *Composer
	memory   MemoryService
	policy   *policy.MemoryPolicy
	logger   *slog.Logger
}

func NewOrchestrator(
	analyzer *Analyzer,
	resolver *Resolver,
	planner *Planner,
	executor *Executor,
	composer *Composer,
	mem MemoryService,
	memPolicy *policy.MemoryPolicy,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		analyzer: analyzer,
		resolver: resolver,
		planner:  planner,
		executor: executor,
		composer: composer,
		memory:   mem,
		policy:   memPolicy,
		logger:   logger,
	}
}

// Process runs analyze → resolve → plan → execute → compose. The stages
// degrade rather than raise: a stage failure comes back as an
// error-response plan, and every response carries the elapsed wall-clock
// in Pipeline["duration_ms"].
func (o *Orchestrator) Process(ctx context.Context, req Request) Response {
	start := time.Now()
	if req.Channel == "" {
		req.Channel = ChannelVoice
	}

	ctx, span := observability.StartSpan(ctx, "pipeline.process")
	defer span.End()

	o.logger.Info("pipeline processing started",
		"user_id", req.UserID,
		"command", clip(req.Command, 50),
		"channel", req.Channel,
	)

	intent := step(ctx, "pipeline.analyze", func(ctx context.Context) Intent {
		return o.analyzer.Analyze(ctx, req.UserID, req.Command)
	})

	resolved := step(ctx, "pipeline.resolve", func(ctx context.Context) Context {
		return o.resolver.Resolve(ctx, req.UserID, req.Command, intent)
	})

	plan := step(ctx, "pipeline.plan", func(ctx context.Context) domain.ActionPlan {
		return o.planner.Plan(ctx, resolved)
	})

	execution := step(ctx, "pipeline.execute", func(ctx context.Context) ExecutionResult {
		return o.executor.Execute(ctx, req.UserID, plan, req.Confirmed, req.DryRun)
	})

	response := step(ctx, "pipeline.compose", func(ctx context.Context) Response {
		return o.composer.Compose(ctx, req.UserID, plan, execution, req.Channel, req.IncludeAudio)
	})

	o.saveTurn(ctx, req.UserID, req.Command, response)

	response.Pipeline = map[string]any{
		"duration_ms": time.Since(start).Milliseconds(),
		"intent":      string(intent.Type),
		"confidence":  intent.Confidence,
		"steps_completed": 5,
	}

	o.logger.Info("pipeline processing completed",
		"user_id", req.UserID,
		"intent", intent.Type,
		"duration_ms", response.Pipeline["duration_ms"],
	)
	return response
}

// step wraps one stage in a tracing span.
func step[T any](ctx context.Context, name string, fn func(context.Context) T) T {
	ctx, span := observability.StartSpan(ctx, name)
	defer span.End()
	return fn(ctx)
}

// ProcessConfirmation executes a previously returned plan after the user
// answered the confirmation prompt. A declined plan produces a text
// response and no execution.
func (o *Orchestrator) ProcessConfirmation(ctx context.Context, userID string, plan domain.ActionPlan, confirmed bool, channel Channel) Response {
	if channel == "" {
		channel = ChannelVoice
	}

	o.logger.Info("processing confirmation", "user_id", userID, "confirmed", confirmed)

	if !confirmed {
		return Response{
			Type:    domain.PlanTextResponse,
			Intent:  plan.Intent,
			Text:    "Действие отменено",
			Channel: channel,
		}
	}

	execution := o.executor.Execute(ctx, userID, plan, true, false)
	return o.composer.Compose(ctx, userID, plan, execution, channel, false)
}

// ErrorResponse shapes an unexpected failure as the pipeline's terminal
// error-response, carrying the elapsed wall-clock since start.
func ErrorResponse(err error, channel Channel, start time.Time) Response {
	return Response{
		Type:    domain.PlanErrorResponse,
		Intent:  string(IntentUnknown),
		Text:    fmt.Sprintf("Произошла ошибка: %v", err),
		Error:   err.Error(),
		Channel: channel,
		Pipeline: map[string]any{
			"duration_ms": time.Since(start).Milliseconds(),
			"error":       err.Error(),
		},
	}
}

// saveTurn persists the user and assistant halves of the exchange. A
// memory failure is logged, never surfaced: responding beats remembering.
func (o *Orchestrator) saveTurn(ctx context.Context, userID, command string, response Response) {
	kind := o.policy.ClassifyContent(command, response.Intent)
	// A set_rule command's rule text is already stored by the executor;
	// the user turn itself is kept as conversation so the rule is not stored twice.
	if response.Intent == string(IntentSetRule) {
		kind = domain.KindConversation
	}
	if _, err := o.memory.Remember(ctx, userID, domain.RoleUser, command, kind, nil); err != nil {
		o.logger.Error("failed to save user turn", "user_id", userID, "error", err)
	}

	if response.Text == "" {
		return
	}
	meta := map[string]any{
		"intent":  response.Intent,
		"channel": string(response.Channel),
	}
	if _, err := o.memory.Remember(ctx, userID, domain.RoleAssistant, response.Text, domain.KindConversation, meta); err != nil {
		o.logger.Error("failed to save assistant turn", "user_id", userID, "error", err)
	}
}

// HealthCheck reports per-stage health. Stages without external
// dependencies are always healthy; the planner and composer report the
// reachability of their model/TTS backends only implicitly, so this check
// stays cheap enough for a liveness probe.
func (o *Orchestrator) HealthCheck() map[string]string {
	return map[string]string{
		"intent_analyzer":  "healthy",
		"context_resolver": "healthy",
		"planner":          "healthy",
		"executor":         "healthy",
		"response_composer": "healthy",
	}
}
