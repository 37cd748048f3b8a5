package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/neosignal/assistantproxy/internal/domain"
	"github.com/stretchr/testify/require"
)

// threadSafeBuffer is a thread-safe bytes.Buffer for concurrent write testing.
type threadSafeBuffer struct {
	buf bytes.Buffer
	mu  sync.Mutex
}

func (b *threadSafeBuffer) Write(p []byte) (n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *threadSafeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *threadSafeBuffer) Close() error { return nil }

func newTestLogger(t *testing.T, cfg Config) (*Logger, *threadSafeBuffer) {
	t.Helper()
	buf := &threadSafeBuffer{}

	cfg.Output = "stdout"
	cfg.Enabled = true
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 100
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 20 * time.Millisecond
	}

	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	// The slog handler is bound to its writer at construction, so point a
	// fresh handler at the buffer as well as swapping the output.
	logger.output = buf
	logger.slogger = slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: logger.slogLevel()})).With("component", "audit")
	return logger, buf
}

func boolPtr(b bool) *bool { return &b }

func TestNewLogger_Disabled(t *testing.T) {
	logger, err := NewLogger(Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, logger)
	logger.Log(context.Background(), &Event{Type: EventActionAttempt})
	require.NoError(t, logger.Close())
}

func TestNewLogger_InvalidOutput(t *testing.T) {
	_, err := NewLogger(Config{Enabled: true, Output: "invalid://path"})
	require.Error(t, err)
}

func TestLogger_LogAction_Attempted(t *testing.T) {
	logger, buf := newTestLogger(t, DefaultConfig())

	logger.LogAction(context.Background(), domain.ActionLogRecord{
		ID:        "rec-1",
		UserID:    "user-1",
		Intent:    "ha_control",
		Confirmed: false,
		Executed:  false,
		Timestamp: time.Now(),
	})
	require.NoError(t, logger.Close())

	out := buf.String()
	require.Contains(t, out, "plan_attempted")
	require.Contains(t, out, "user-1")
}

func TestLogger_LogAction_Executed(t *testing.T) {
	logger, buf := newTestLogger(t, DefaultConfig())
	logger.LogAction(context.Background(), domain.ActionLogRecord{
		ID:        "rec-2",
		UserID:    "user-2",
		Executed:  true,
		Success:   boolPtr(true),
		Timestamp: time.Now(),
	})
	require.NoError(t, logger.Close())
	require.Contains(t, buf.String(), "plan_executed")
}

func TestLogger_LogAction_Failed(t *testing.T) {
	logger, buf := newTestLogger(t, DefaultConfig())
	logger.LogAction(context.Background(), domain.ActionLogRecord{
		ID:        "rec-3",
		UserID:    "user-3",
		Executed:  true,
		Success:   boolPtr(false),
		Error:     "upstream timeout",
		Timestamp: time.Now(),
	})
	require.NoError(t, logger.Close())
	require.Contains(t, buf.String(), "plan_failed")
	require.Contains(t, buf.String(), "upstream timeout")
}

func TestLogger_ActionEventsSurviveSampling(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SampleRate = 0.0
	logger, buf := newTestLogger(t, cfg)

	logger.LogAction(context.Background(), domain.ActionLogRecord{ID: "rec-4", UserID: "u", Timestamp: time.Now()})
	require.NoError(t, logger.Close())
	require.Contains(t, buf.String(), "rec-4")
}

func TestLogger_SampleRateDropsNonActionEvents(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SampleRate = 0.0
	logger, buf := newTestLogger(t, cfg)

	for i := 0; i < 20; i++ {
		logger.LogSearchPolicyOverride(context.Background(), "u", "news", true, "because")
	}
	require.NoError(t, logger.Close())
	require.Empty(t, strings.TrimSpace(buf.String()))
}

func TestLogger_EventTypeFilter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EventTypes = []EventType{EventSessionOpened}
	logger, buf := newTestLogger(t, cfg)

	logger.LogSessionClosed(context.Background(), "sess-1", "user-1", "client_disconnected")
	logger.LogSessionOpened(context.Background(), "sess-1", "user-1")
	require.NoError(t, logger.Close())

	out := buf.String()
	require.Contains(t, out, "session_opened")
	require.NotContains(t, out, "session_closed")
}

func TestLogger_IncludeActionDataFalseStripsData(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IncludeActionData = false
	logger, buf := newTestLogger(t, cfg)

	logger.LogAction(context.Background(), domain.ActionLogRecord{
		ID:     "rec-5",
		UserID: "u",
		Actions: []domain.Action{
			{Domain: "light", Service: "turn_on", Data: map[string]any{"brightness": 255}},
		},
		Timestamp: time.Now(),
	})
	require.NoError(t, logger.Close())
	require.NotContains(t, buf.String(), "255")
	require.Contains(t, buf.String(), "turn_on")
}

func TestLogger_JSONFormatIsValidPerLine(t *testing.T) {
	logger, buf := newTestLogger(t, DefaultConfig())
	logger.LogSessionOpened(context.Background(), "sess-2", "user-2")
	require.NoError(t, logger.Close())

	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var v map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &v))
	}
}

func TestLogger_WithSession(t *testing.T) {
	logger, buf := newTestLogger(t, DefaultConfig())
	sl := logger.WithSession("sess-3", "user-3")
	sl.LogAction(context.Background(), domain.ActionLogRecord{ID: "rec-6", UserID: "user-3", Timestamp: time.Now()})
	sl.Close(context.Background(), "done")
	require.NoError(t, logger.Close())

	out := buf.String()
	require.Contains(t, out, "rec-6")
	require.Contains(t, out, "session_closed")
}

func TestGlobalLogger(t *testing.T) {
	logger, buf := newTestLogger(t, DefaultConfig())
	SetGlobalLogger(logger)
	defer SetGlobalLogger(nil)

	Log(context.Background(), &Event{Type: EventActionAttempt, Level: LevelInfo, Action: "plan_attempted"})
	require.NoError(t, logger.Close())
	require.Contains(t, buf.String(), "plan_attempted")
}
