// Package errs defines the error taxonomy shared across the pipeline,
// session orchestrator, and HTTP surface. Each type satisfies error and
// carries the structured fields its call sites need; handlers recover them
// with errors.As rather than string matching.
package errs

import (
	"fmt"
	"time"

	"github.com/neosignal/assistantproxy/internal/domain"
)

// RateLimited is returned when a fixed-window budget has been exhausted.
// It is always recoverable: callers surface it as a 4xx-style response or
// an `error` streaming frame, never a crash.
type RateLimited struct {
	Name string
	Wait time.Duration
}

func (e *RateLimited) Error() string {
	return fmt.Sprintf("rate limited on %s, retry in %s", e.Name, e.Wait)
}

// PolicyRejected is emitted by the executor when an action falls outside
// the home-automation allow-list.
type PolicyRejected struct {
	Domain  string
	Service string
	Reason  string
}

func (e *PolicyRejected) Error() string {
	return fmt.Sprintf("policy rejected %s.%s: %s", e.Domain, e.Service, e.Reason)
}

// ConfirmationRequired is not really an error: the executor returns it as
// a decision when a plan needs a second confirmed request before running.
type ConfirmationRequired struct {
	Plan domain.ActionPlan
}

func (e *ConfirmationRequired) Error() string {
	return fmt.Sprintf("action plan for intent %q requires confirmation", e.Plan.Intent)
}

// UpstreamError wraps an external service failure (model, search,
// messaging, home-automation, TTS). Search/TTS failures degrade the
// response rather than killing the session; model/home-automation
// failures usually bubble further.
type UpstreamError struct {
	Where  string
	Detail string
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream error from %s: %s: %v", e.Where, e.Detail, e.Err)
	}
	return fmt.Sprintf("upstream error from %s: %s", e.Where, e.Detail)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// SessionFatal marks a session as unrecoverable; teardown proceeds.
type SessionFatal struct {
	Detail string
	Err    error
}

func (e *SessionFatal) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session fatal: %s: %v", e.Detail, e.Err)
	}
	return fmt.Sprintf("session fatal: %s", e.Detail)
}

func (e *SessionFatal) Unwrap() error { return e.Err }

// InternalError is an unexpected condition, logged with a stack trace by
// the caller and surfaced as a generic 500 or error frame.
type InternalError struct {
	Detail string
	Err    error
}

func (e *InternalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("internal error: %s: %v", e.Detail, e.Err)
	}
	return fmt.Sprintf("internal error: %s", e.Detail)
}

func (e *InternalError) Unwrap() error { return e.Err }

// ConfigError is raised at startup when a required option is missing; it
// is always fatal.
type ConfigError struct {
	Option string
	Detail string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s: %s", e.Option, e.Detail)
}
