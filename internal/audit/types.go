// Package audit provides an append-only structured log of every intent the
// pipeline resolved into a plan and every action it attempted to execute.
// A plan that stops at a pending confirmation leaves no record until it is
// confirmed.
package audit

import (
	"time"

	"github.com/neosignal/assistantproxy/internal/domain"
)

// EventType categorizes audit events.
type EventType string

const (
	// EventActionAttempt is recorded for an executor attempt that neither
	// executed successfully nor carried a confirmation, including attempts
	// in which an action failed.
	EventActionAttempt EventType = "action.attempt"

	// EventActionExecuted is recorded when at least one action ran.
	EventActionExecuted EventType = "action.executed"

	// EventActionDenied is recorded when the allow-list rejected an action
	// outright (not merely deferred pending confirmation).
	EventActionDenied EventType = "action.denied"

	// EventConfirmationGranted is recorded when a previously pending plan is
	// confirmed and re-dispatched.
	EventConfirmationGranted EventType = "confirmation.granted"

	// EventSessionOpened / EventSessionClosed bracket a client session's
	// lifetime.
	EventSessionOpened EventType = "session.opened"
	EventSessionClosed EventType = "session.closed"

	// EventSearchPolicyOverride is recorded whenever an LLM-proposed recency
	// override is accepted or rejected.
	EventSearchPolicyOverride EventType = "search.policy_override"
)

// Level represents audit log severity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event represents a single audit log entry. For action events Record
// carries the ActionLogRecord the pipeline is recording; other events put
// their payload in Details.
type Event struct {
	// ID is a unique identifier for this audit event.
	ID string `json:"id"`

	// Type categorizes the event.
	Type EventType `json:"type"`

	// Level is the severity level.
	Level Level `json:"level"`

	// Timestamp when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// SessionID identifies the client session the event occurred within.
	SessionID string `json:"session_id,omitempty"`

	// UserID identifies the user the event is attributed to.
	UserID string `json:"user_id,omitempty"`

	// Action describes what happened, e.g. "plan_executed", "session_opened".
	Action string `json:"action"`

	// Record carries the action log entry for action-related events.
	Record *domain.ActionLogRecord `json:"record,omitempty"`

	// Details contains event-specific structured data for non-action events.
	Details map[string]any `json:"details,omitempty"`

	// Error contains error information if applicable.
	Error string `json:"error,omitempty"`

	// TraceID / SpanID correlate the event with a distributed trace.
	TraceID string `json:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty"`
}

// OutputFormat specifies the audit log output format.
type OutputFormat string

const (
	FormatJSON   OutputFormat = "json"
	FormatLogfmt OutputFormat = "logfmt"
	FormatText   OutputFormat = "text"
)

// Config configures the audit logger.
type Config struct {
	// Enabled determines if audit logging is active.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Level is the minimum level to log.
	Level Level `json:"level" yaml:"level"`

	// Format specifies the output format.
	Format OutputFormat `json:"format" yaml:"format"`

	// Output specifies where to write logs.
	// Supported: "stdout", "stderr", "file:/path/to/file.log"
	Output string `json:"output" yaml:"output"`

	// IncludeActionData determines whether action Data payloads (which may
	// contain home-automation targets, search terms, etc.) are logged in
	// full. When false each action keeps only its domain and service.
	IncludeActionData bool `json:"include_action_data" yaml:"include_action_data"`

	// MaxFieldSize limits the size of logged string fields.
	MaxFieldSize int `json:"max_field_size" yaml:"max_field_size"`

	// EventTypes filters which event types to log (empty = all).
	EventTypes []EventType `json:"event_types" yaml:"event_types"`

	// SampleRate controls what fraction of non-action events are logged
	// (0.0 to 1.0; 0.0 drops them all). Action events (the append-only
	// audit trail proper) are always logged regardless of sample rate.
	SampleRate float64 `json:"sample_rate" yaml:"sample_rate"`

	// BufferSize is the size of the async write buffer.
	BufferSize int `json:"buffer_size" yaml:"buffer_size"`

	// FlushInterval is how often to flush the buffer.
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`
}

// DefaultConfig returns a default audit configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		Level:             LevelInfo,
		Format:            FormatJSON,
		Output:            "stdout",
		IncludeActionData: true,
		MaxFieldSize:      1024,
		SampleRate:        1.0,
		BufferSize:        1000,
		FlushInterval:     5 * time.Second,
	}
}
