package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/neosignal/assistantproxy/internal/domain"
	"github.com/neosignal/assistantproxy/internal/observability"
)

// Logger provides the append-only audit trail of intents, actions,
// confirmation flags, and outcomes.
//
// Key features:
//   - Structured logging with JSON, logfmt, or text output
//   - Async buffered writes so the executor never blocks on I/O
//   - Distributed tracing correlation (trace_id, span_id)
//   - Configurable event filtering and sampling of non-action events
//
// Usage:
//
//	logger, err := audit.NewLogger(audit.DefaultConfig())
//	defer logger.Close()
//
//	logger.LogAction(ctx, record)
type Logger struct {
	config     Config
	output     io.WriteCloser
	slogger    *slog.Logger
	buffer     chan *Event
	wg         sync.WaitGroup
	done       chan struct{}
	eventTypes map[EventType]bool
	sink       Sink
}

// Sink persists ActionLogRecord rows to relational storage (the
// action_log table) alongside the structured log stream this package
// writes by default. internal/store.ActionLogStore implements it.
type Sink interface {
	InsertActionLog(ctx context.Context, record domain.ActionLogRecord) error
}

// SetSink attaches a relational sink. LogAction writes to it best-effort,
// after the structured log write; a sink failure is logged, never raised,
// since the append-only slog stream is the authoritative trail.
func (l *Logger) SetSink(sink Sink) {
	l.sink = sink
}

// NewLogger creates a new audit logger with the given configuration.
func NewLogger(config Config) (*Logger, error) {
	if !config.Enabled {
		return &Logger{config: config}, nil
	}

	if config.BufferSize == 0 {
		config.BufferSize = 1000
	}
	if config.FlushInterval == 0 {
		config.FlushInterval = 5 * time.Second
	}
	if config.MaxFieldSize == 0 {
		config.MaxFieldSize = 1024
	}

	var output io.WriteCloser
	switch {
	case config.Output == "stdout" || config.Output == "":
		output = os.Stdout
	case config.Output == "stderr":
		output = os.Stderr
	case strings.HasPrefix(config.Output, "file:"):
		path := strings.TrimPrefix(config.Output, "file:")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log file: %w", err)
		}
		output = f
	default:
		return nil, fmt.Errorf("unsupported audit output: %s", config.Output)
	}

	eventTypes := make(map[EventType]bool)
	for _, et := range config.EventTypes {
		eventTypes[et] = true
	}

	l := &Logger{
		config:     config,
		output:     output,
		buffer:     make(chan *Event, config.BufferSize),
		done:       make(chan struct{}),
		eventTypes: eventTypes,
	}

	var handler slog.Handler
	switch config.Format {
	case FormatText:
		handler = slog.NewTextHandler(output, &slog.HandlerOptions{Level: l.slogLevel()})
	default:
		handler = slog.NewJSONHandler(output, &slog.HandlerOptions{Level: l.slogLevel()})
	}
	l.slogger = slog.New(handler).With("component", "audit")

	l.wg.Add(1)
	go l.writeLoop()

	return l, nil
}

// Close flushes remaining events and closes the logger.
func (l *Logger) Close() error {
	if !l.config.Enabled {
		return nil
	}

	close(l.done)
	l.wg.Wait()

	if l.output != os.Stdout && l.output != os.Stderr {
		return l.output.Close()
	}
	return nil
}

// isActionEvent reports whether typ is part of the append-only action
// trail, which is exempt from sampling: every attempt, confirmed or not,
// must survive.
func isActionEvent(typ EventType) bool {
	switch typ {
	case EventActionAttempt, EventActionExecuted, EventActionDenied, EventConfirmationGranted:
		return true
	default:
		return false
	}
}

// Log writes an audit event to the log.
func (l *Logger) Log(ctx context.Context, event *Event) {
	if !l.config.Enabled {
		return
	}

	if !isActionEvent(event.Type) && l.config.SampleRate < 1.0 && rand.Float64() > l.config.SampleRate {
		return
	}

	if len(l.eventTypes) > 0 && !l.eventTypes[event.Type] {
		return
	}

	if !l.shouldLog(event.Level) {
		return
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.TraceID == "" {
		event.TraceID = observability.GetTraceID(ctx)
	}
	if event.SpanID == "" {
		event.SpanID = observability.GetSpanID(ctx)
	}

	select {
	case l.buffer <- event:
	default:
		// Buffer full: write synchronously rather than drop an audit event.
		l.writeEvent(event)
	}
}

// LogAction appends an ActionLogRecord to the audit trail. Callers must
// invoke this for every executor attempt EXCEPT a plan that needs
// confirmation and has not yet received it — that case produces no audit
// row at all until the confirmation arrives, mirroring the no-op the
// executor itself performs while a plan is pending.
func (l *Logger) LogAction(ctx context.Context, record domain.ActionLogRecord) {
	typ := EventActionAttempt
	level := LevelInfo
	action := "plan_attempted"

	switch {
	case record.Success != nil && !*record.Success:
		level = LevelWarn
		action = "plan_failed"
	case record.Executed:
		typ = EventActionExecuted
		action = "plan_executed"
	case record.Confirmed:
		typ = EventConfirmationGranted
		action = "plan_confirmed"
	}

	rec := record
	if !l.config.IncludeActionData {
		var stripped []domain.Action
		for _, a := range record.Actions {
			stripped = append(stripped, domain.Action{Domain: a.Domain, Service: a.Service})
		}
		rec.Actions = stripped
	}

	l.Log(ctx, &Event{
		Type:   typ,
		Level:  level,
		UserID: record.UserID,
		Action: action,
		Record: &rec,
		Error:  record.Error,
	})

	if l.sink != nil {
		if err := l.sink.InsertActionLog(ctx, record); err != nil {
			l.slogger.Error("audit sink write failed", "error", err, "user_id", record.UserID)
		}
	}
}

// LogActionDenied logs an action the allow-list rejected outright, before
// any ActionLogRecord was ever built.
func (l *Logger) LogActionDenied(ctx context.Context, userID, domainName, service, reason string) {
	l.Log(ctx, &Event{
		Type:   EventActionDenied,
		Level:  LevelWarn,
		UserID: userID,
		Action: "action_denied",
		Details: map[string]any{
			"domain":  domainName,
			"service": service,
			"reason":  reason,
		},
	})
}

// LogSessionOpened / LogSessionClosed bracket a client session.
func (l *Logger) LogSessionOpened(ctx context.Context, sessionID, userID string) {
	l.Log(ctx, &Event{
		Type:      EventSessionOpened,
		Level:     LevelInfo,
		SessionID: sessionID,
		UserID:    userID,
		Action:    "session_opened",
	})
}

func (l *Logger) LogSessionClosed(ctx context.Context, sessionID, userID, reason string) {
	l.Log(ctx, &Event{
		Type:      EventSessionClosed,
		Level:     LevelInfo,
		SessionID: sessionID,
		UserID:    userID,
		Action:    "session_closed",
		Details:   map[string]any{"reason": reason},
	})
}

// LogSearchPolicyOverride logs whether an LLM-proposed recency override was
// accepted.
func (l *Logger) LogSearchPolicyOverride(ctx context.Context, userID, category string, accepted bool, reason string) {
	level := LevelInfo
	if !accepted {
		level = LevelWarn
	}
	l.Log(ctx, &Event{
		Type:   EventSearchPolicyOverride,
		Level:  level,
		UserID: userID,
		Action: "search_policy_override",
		Details: map[string]any{
			"category": category,
			"accepted": accepted,
			"reason":   truncate(reason, l.config.MaxFieldSize),
		},
	})
}

// WithSession returns a session-bound logger.
func (l *Logger) WithSession(sessionID, userID string) *SessionLogger {
	return &SessionLogger{logger: l, sessionID: sessionID, userID: userID}
}

func (l *Logger) writeLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case event := <-l.buffer:
			l.writeEvent(event)
		case <-ticker.C:
			l.flushBuffer()
		case <-l.done:
			l.flushBuffer()
			return
		}
	}
}

func (l *Logger) flushBuffer() {
	for {
		select {
		case event := <-l.buffer:
			l.writeEvent(event)
		default:
			return
		}
	}
}

func (l *Logger) writeEvent(event *Event) {
	attrs := []any{
		"audit_id", event.ID,
		"audit_type", event.Type,
		"action", event.Action,
		"timestamp", event.Timestamp.Format(time.RFC3339Nano),
	}

	if event.SessionID != "" {
		attrs = append(attrs, "session_id", event.SessionID)
	}
	if event.UserID != "" {
		attrs = append(attrs, "user_id", event.UserID)
	}
	if event.TraceID != "" {
		attrs = append(attrs, "trace_id", event.TraceID)
	}
	if event.SpanID != "" {
		attrs = append(attrs, "span_id", event.SpanID)
	}
	if event.Error != "" {
		attrs = append(attrs, "error", event.Error)
	}

	if event.Record != nil {
		if b, err := json.Marshal(event.Record); err == nil {
			attrs = append(attrs, "record", string(b))
		}
	}
	for k, v := range event.Details {
		attrs = append(attrs, k, v)
	}

	switch event.Level {
	case LevelDebug:
		l.slogger.Debug("audit", attrs...)
	case LevelWarn:
		l.slogger.Warn("audit", attrs...)
	case LevelError:
		l.slogger.Error("audit", attrs...)
	default:
		l.slogger.Info("audit", attrs...)
	}
}

func (l *Logger) shouldLog(level Level) bool {
	levels := map[Level]int{LevelDebug: 0, LevelInfo: 1, LevelWarn: 2, LevelError: 3}
	return levels[level] >= levels[l.config.Level]
}

func (l *Logger) slogLevel() slog.Level {
	switch l.config.Level {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}

// SessionLogger is a logger bound to a specific session and user.
type SessionLogger struct {
	logger    *Logger
	sessionID string
	userID    string
}

func (s *SessionLogger) LogAction(ctx context.Context, record domain.ActionLogRecord) {
	s.logger.LogAction(ctx, record)
}

func (s *SessionLogger) LogActionDenied(ctx context.Context, domainName, service, reason string) {
	s.logger.LogActionDenied(ctx, s.userID, domainName, service, reason)
}

func (s *SessionLogger) Close(ctx context.Context, reason string) {
	s.logger.LogSessionClosed(ctx, s.sessionID, s.userID, reason)
}

// Global logger instance for convenience.
var (
	globalLogger *Logger
	globalMu     sync.RWMutex
)

// SetGlobalLogger sets the global audit logger.
func SetGlobalLogger(logger *Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = logger
}

// GetGlobalLogger returns the global audit logger.
func GetGlobalLogger() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// Log logs an event using the global logger.
func Log(ctx context.Context, event *Event) {
	if l := GetGlobalLogger(); l != nil {
		l.Log(ctx, event)
	}
}
