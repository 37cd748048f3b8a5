package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/neosignal/assistantproxy/internal/audit"
	"github.com/neosignal/assistantproxy/internal/domain"
	"github.com/neosignal/assistantproxy/internal/errs"
	"github.com/neosignal/assistantproxy/internal/policy"
)

// Executor runs action plans: home-automation service calls gated by the
// allow-list and the confirmation requirement, and rule persistence for
// set_rule plans. Every attempt that proceeds past the confirmation gate
// is written to the audit log; a plan stopped at a pending confirmation
// produces no audit row until the confirmation arrives.
type Executor struct {
	home      HomeAutomation
	memory    MemoryService
	rules     RuleSink
	allowList *policy.ServiceAllowList
	audit     *audit.Logger
	logger    *slog.Logger

	callTimeout time.Duration
}

// RuleSink persists user rules relationally alongside the memory tiers.
// *store.RuleStore implements it; nil skips the relational copy.
type RuleSink interface {
	Insert(ctx context.Context, rule domain.UserRule) (domain.UserRule, error)
}

func NewExecutor(home HomeAutomation, mem MemoryService, allowList *policy.ServiceAllowList, auditLogger *audit.Logger, logger *slog.Logger) *Executor {
	return &Executor{
		home:        home,
		memory:      mem,
		allowList:   allowList,
		audit:       auditLogger,
		logger:      logger,
		callTimeout: 30 * time.Second,
	}
}

// SetRuleSink attaches the relational rule store.
func (e *Executor) SetRuleSink(sink RuleSink) {
	e.rules = sink
}

// Execute routes a plan by kind. dryRun simulates home-automation calls
// without side effects. Per-action errors are collected, never raised;
// the result reports partial success.
func (e *Executor) Execute(ctx context.Context, userID string, plan domain.ActionPlan, confirmed, dryRun bool) ExecutionResult {
	e.logger.Info("executing plan",
		"user_id", userID,
		"plan_kind", plan.Kind,
		"intent", plan.Intent,
		"dry_run", dryRun,
	)

	needsConfirmation := plan.NeedsConfirmation || e.planNeedsConfirmation(plan)
	if needsConfirmation && !confirmed {
		pending := plan
		pending.NeedsConfirmation = true
		return ExecutionResult{
			Success:           false,
			NeedsConfirmation: true,
			Message:           "Это действие требует подтверждения",
			Plan:              &pending,
		}
	}

	var result ExecutionResult
	switch plan.Kind {
	case domain.PlanActionPlan:
		result = e.executeActions(ctx, userID, plan, dryRun)
	case domain.PlanSetRule:
		result = e.executeSetRule(ctx, userID, plan)
	default:
		// Text responses, searches, drafts: nothing to run, but the
		// attempt still lands in the audit trail like every other plan.
		result = ExecutionResult{Success: true, Message: "No execution required"}
	}

	e.logAction(ctx, userID, plan, result, confirmed)
	return result
}

// planNeedsConfirmation re-checks each action against the
// require-confirmation list, so a plan whose flag the model forgot still
// stops at the gate.
func (e *Executor) planNeedsConfirmation(plan domain.ActionPlan) bool {
	if plan.Kind != domain.PlanActionPlan {
		return false
	}
	for _, action := range plan.Actions {
		if e.home.NeedsConfirmation(action.Domain, action.Service) {
			return true
		}
	}
	return false
}

func (e *Executor) executeActions(ctx context.Context, userID string, plan domain.ActionPlan, dryRun bool) ExecutionResult {
	if len(plan.Actions) == 0 {
		return ExecutionResult{Success: true, Message: "No actions to execute"}
	}

	result := ExecutionResult{Success: true}

	for _, action := range plan.Actions {
		if action.Domain == "" || action.Service == "" {
			result.addFailure(action, "missing domain or service")
			continue
		}

		if !e.allowList.IsAllowed(action.Domain, action.Service) {
			rejected := &errs.PolicyRejected{
				Domain:  action.Domain,
				Service: action.Service,
				Reason:  "service is not in the allow-list",
			}
			e.audit.LogActionDenied(ctx, userID, action.Domain, action.Service, rejected.Reason)
			result.addFailure(action, rejected.Error())
			continue
		}

		if dryRun {
			result.addSuccess(action)
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
		_, err := e.home.CallService(callCtx, action.Domain, action.Service, action.Data, action.Target)
		cancel()
		if err != nil {
			e.logger.Error("action execution failed",
				"user_id", userID,
				"domain", action.Domain,
				"service", action.Service,
				"error", err,
			)
			result.addFailure(action, err.Error())
			continue
		}
		result.addSuccess(action)
	}

	result.Message = formatExecutionMessage(result)
	return result
}

func (e *Executor) executeSetRule(ctx context.Context, userID string, plan domain.ActionPlan) ExecutionResult {
	ruleText := strings.TrimSpace(plan.RuleText)
	if ruleText == "" {
		return ExecutionResult{Success: false, Message: "Rule text is empty"}
	}

	receipt, err := e.memory.Remember(ctx, userID, domain.RoleUser, ruleText, domain.KindRule, map[string]any{
		"rule_type": "preference",
	})
	if err != nil {
		e.logger.Error("failed to save rule", "user_id", userID, "error", err)
		return ExecutionResult{
			Success: false,
			Errors:  []string{err.Error()},
			Message: "Не удалось сохранить правило",
		}
	}

	ruleID := receipt.SemanticID
	if ruleID == "" {
		ruleID = receipt.RecentID
	}

	if e.rules != nil {
		inserted, err := e.rules.Insert(ctx, domain.UserRule{
			UserID:   userID,
			RuleText: ruleText,
			RuleKind: "preference",
			Active:   true,
		})
		if err != nil {
			e.logger.Error("relational rule write failed", "user_id", userID, "error", err)
		} else if ruleID == "" {
			ruleID = inserted.ID
		}
	}
	e.logger.Info("user rule saved", "user_id", userID, "rule_id", ruleID)
	return ExecutionResult{
		Success:  true,
		Executed: 1,
		RuleID:   ruleID,
		Message:  fmt.Sprintf("Правило сохранено: %s", ruleText),
	}
}

func (e *Executor) logAction(ctx context.Context, userID string, plan domain.ActionPlan, result ExecutionResult, confirmed bool) {
	success := result.Success
	record := domain.ActionLogRecord{
		UserID:    userID,
		Intent:    plan.Intent,
		Actions:   plan.Actions,
		Confirmed: confirmed,
		Executed:  true,
		Success:   &success,
		Timestamp: time.Now().UTC(),
	}
	if len(result.Errors) > 0 {
		record.Error = strings.Join(result.Errors, "; ")
	}
	e.audit.LogAction(ctx, record)
}

func (r *ExecutionResult) addSuccess(action domain.Action) {
	r.Executed++
	r.Results = append(r.Results, domain.ActionResult{Action: action, Success: true})
}

func (r *ExecutionResult) addFailure(action domain.Action, errMsg string) {
	r.Failed++
	r.Success = false
	r.Errors = append(r.Errors, errMsg)
	r.Results = append(r.Results, domain.ActionResult{Action: action, Success: false, Error: errMsg})
}

func formatExecutionMessage(result ExecutionResult) string {
	if result.Success {
		return fmt.Sprintf("Выполнено действий: %d", result.Executed)
	}
	return fmt.Sprintf("Выполнено: %d, Ошибок: %d", result.Executed, result.Failed)
}
