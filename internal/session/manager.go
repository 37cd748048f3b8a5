package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/neosignal/assistantproxy/internal/audit"
	"github.com/neosignal/assistantproxy/internal/config"
)

// Manager owns the live session table and the knobs every new session
// shares: the model dialer, the tool executor, and the session.update
// configuration derived from config.
type Manager struct {
	dialer ModelDialer
	tools  ToolExecutor
	audit  *audit.Logger
	logger *slog.Logger

	voice       string
	temperature float64
	maxTokens   int

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(dialer ModelDialer, tools ToolExecutor, model config.ModelConfig, auditLogger *audit.Logger, logger *slog.Logger) *Manager {
	voice := model.TTSVoice
	if voice == "" {
		voice = "alloy"
	}
	return &Manager{
		dialer:      dialer,
		tools:       tools,
		audit:       auditLogger,
		logger:      logger,
		voice:       voice,
		temperature: 0.8,
		maxTokens:   1000,
		sessions:    make(map[string]*Session),
	}
}

// Configure handles the client's configure message: dial the model
// channel, send the session configuration, register the session, and
// start its two loops. The session id embeds the user id the way the
// voice proxy always has, so log lines correlate without a join.
func (m *Manager) Configure(ctx context.Context, client ClientConn, userID, instructions string, tools []any) (*Session, error) {
	if userID == "" {
		userID = "anonymous"
	}
	if instructions == "" {
		instructions = "Ты — голосовой ассистент."
	}

	model, err := m.dialer(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: connect model channel: %w", err)
	}

	cfg := sessionConfig{
		Modalities:        []string{"text", "audio"},
		Instructions:      instructions,
		Voice:             m.voice,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		InputAudioTranscription: map[string]any{
			"model": "whisper-1",
		},
		TurnDetection:           defaultTurnDetection(),
		Temperature:             m.temperature,
		MaxResponseOutputTokens: m.maxTokens,
	}
	if len(tools) > 0 {
		cfg.Tools = tools
		cfg.ToolChoice = "auto"
	}

	if err := model.Send(ctx, map[string]any{
		"type":    EventSessionUpdate,
		"session": cfg,
	}); err != nil {
		_ = model.Close()
		return nil, fmt.Errorf("session: configure model channel: %w", err)
	}

	id := fmt.Sprintf("%s_%d_%s", userID, time.Now().Unix(), uuid.NewString()[:8])
	sess := newSession(id, userID, client, model, m.tools, m.audit, m.logger, m.remove)

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	sess.start()
	m.audit.LogSessionOpened(ctx, id, userID)
	m.logger.Info("session configured", "session_id", id, "user_id", userID)
	return sess, nil
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Get returns a live session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// Count reports how many sessions are live.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CloseAll tears down every live session; used at process shutdown.
func (m *Manager) CloseAll(reason string) {
	m.mu.Lock()
	open := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		open = append(open, sess)
	}
	m.mu.Unlock()

	for _, sess := range open {
		sess.Close(reason)
	}
}
