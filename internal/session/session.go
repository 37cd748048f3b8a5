package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/neosignal/assistantproxy/internal/audit"
	"github.com/neosignal/assistantproxy/internal/errs"
)

// eventQueueSize bounds the listener→forwarder queue. A full queue blocks
// the listener, which stops reading the model socket: backpressure rather
// than unbounded buffering.
const eventQueueSize = 256

// heartbeatInterval is how long the forwarder waits for an upstream event
// before sending the client a keepalive ping. It is a keepalive, never an
// abort trigger.
const heartbeatInterval = 30 * time.Second

const toolCallTimeout = 30 * time.Second

// ClientConn is the session's view of the client duplex channel. WriteJSON
// and WriteRaw must be safe for concurrent use.
type ClientConn interface {
	WriteJSON(v any) error
	WriteRaw(data []byte) error
	Close() error
}

// ToolExecutor runs a model-requested tool and returns its output. The
// pipeline layer provides the concrete implementation.
type ToolExecutor interface {
	ExecuteTool(ctx context.Context, userID, name, arguments string) (any, error)
}

// Session is one live client connection bound to one model channel and
// one event queue. Two goroutines run per session: the listener (model →
// queue) and the forwarder (queue → client); the queue is the only path
// between them.
type Session struct {
	ID     string
	UserID string

	client ClientConn
	model  ModelChannel
	queue  chan wireEvent

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state State

	// cancelPending makes barge-in idempotent: only the first cancel per
	// response reaches upstream.
	cancelPending atomic.Bool

	// pendingTools counts tool executions in flight, so teardown can emit
	// a final audit entry when one was abandoned.
	pendingTools atomic.Int32

	tools     ToolExecutor
	logger    *slog.Logger
	audit     *audit.Logger
	onClose   func(id string)
	heartbeat time.Duration

	wg        sync.WaitGroup
	closeOnce sync.Once
	createdAt time.Time
}

func newSession(id, userID string, client ClientConn, model ModelChannel, tools ToolExecutor, auditLogger *audit.Logger, logger *slog.Logger, onClose func(string)) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:        id,
		UserID:    userID,
		client:    client,
		model:     model,
		queue:     make(chan wireEvent, eventQueueSize),
		ctx:       ctx,
		cancel:    cancel,
		state:     StateConfigured,
		tools:     tools,
		logger:    logger.With("session_id", id, "user_id", userID),
		audit:     auditLogger,
		onClose:   onClose,
		heartbeat: heartbeatInterval,
		createdAt: time.Now(),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// transition moves the state machine along a legal edge; illegal edges
// are logged and refused.
func (s *Session) transition(to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == to {
		return true
	}
	if !canTransition(s.state, to) {
		s.logger.Debug("refused state transition", "from", s.state, "to", to)
		return false
	}
	s.state = to
	return true
}

// start launches the listener and forwarder goroutines.
func (s *Session) start() {
	s.transition(StateActive)
	s.wg.Add(2)
	go s.listen()
	go s.forward()
}

// listen reads upstream events in order and enqueues them in order. When
// the model channel fails or the session is cancelled, it closes the
// queue — that close is how the forwarder observes listener shutdown.
func (s *Session) listen() {
	defer s.wg.Done()
	defer close(s.queue)

	for {
		data, err := s.model.Receive()
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Info("model channel closed", "error", err)
			}
			return
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			s.logger.Warn("undecodable model event", "error", err)
			continue
		}

		select {
		case s.queue <- wireEvent{Type: envelope.Type, Raw: data}:
		case <-s.ctx.Done():
			return
		}
	}
}

// forward drains the queue strictly in order, writing each event to the
// client, and sends a keepalive ping when nothing has arrived for the
// heartbeat interval. It exits when the queue closes, draining whatever
// the listener enqueued first — a cancelled response's straggler deltas
// still reach the client.
func (s *Session) forward() {
	defer s.wg.Done()

	timer := time.NewTimer(s.heartbeat)
	defer timer.Stop()

	for {
		select {
		case event, ok := <-s.queue:
			if !ok {
				return
			}
			s.dispatch(event)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.heartbeat)

		case <-timer.C:
			if err := s.client.WriteJSON(map[string]any{"type": MsgPing}); err != nil {
				s.logger.Debug("keepalive write failed", "error", err)
				return
			}
			timer.Reset(s.heartbeat)
		}
	}
}

// dispatch handles one upstream event: state transitions for response
// lifecycle events, tool execution for completed function calls, and
// verbatim forwarding for everything.
func (s *Session) dispatch(event wireEvent) {
	switch event.Type {
	case EventResponseCreated:
		s.transition(StateResponding)
		s.cancelPending.Store(false)

	case EventResponseDone, EventResponseCancelled:
		s.transition(StateActive)
		s.cancelPending.Store(false)

	case EventResponseFunctionCallArgumentsDone:
		var call functionCallDone
		if err := json.Unmarshal(event.Raw, &call); err == nil && call.CallID != "" {
			// The tool runs off the ordered path: deltas keep flowing to
			// the client while it executes.
			s.pendingTools.Add(1)
			go s.runTool(call)
		}
	}

	if err := s.client.WriteRaw(event.Raw); err != nil {
		s.logger.Debug("client write failed", "event", event.Type, "error", err)
	}
}

// runTool executes a model-requested function and posts the result back
// as a function_call_output item, then asks the model to resume.
func (s *Session) runTool(call functionCallDone) {
	defer s.pendingTools.Add(-1)

	ctx, cancel := context.WithTimeout(s.ctx, toolCallTimeout)
	defer cancel()

	s.logger.Info("executing tool call", "call_id", call.CallID, "tool", call.Name)

	output, err := s.tools.ExecuteTool(ctx, s.UserID, call.Name, call.Arguments)
	if err != nil {
		s.logger.Error("tool call failed", "call_id", call.CallID, "tool", call.Name, "error", err)
		output = map[string]any{"error": err.Error()}
	}

	if err := s.PostFunctionResult(ctx, call.CallID, output); err != nil {
		s.logger.Error("failed to post tool result", "call_id", call.CallID, "error", err)
	}
}

// PostFunctionResult sends a function call's output upstream and
// implicitly resumes the response.
func (s *Session) PostFunctionResult(ctx context.Context, callID string, output any) error {
	encoded, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("session: marshal tool output: %w", err)
	}

	if err := s.model.Send(ctx, map[string]any{
		"type": EventConversationItemCreate,
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  string(encoded),
		},
	}); err != nil {
		return err
	}
	return s.triggerResponse(ctx)
}

func (s *Session) triggerResponse(ctx context.Context) error {
	return s.model.Send(ctx, map[string]any{
		"type": EventResponseCreate,
		"response": map[string]any{
			"modalities": []string{"text", "audio"},
		},
	})
}

// AppendAudio forwards a base64 pcm16 chunk into the model's input
// buffer. Never rate-limited; liveness beats fairness for audio.
func (s *Session) AppendAudio(ctx context.Context, audioB64 string) error {
	if _, err := base64.StdEncoding.DecodeString(audioB64); err != nil {
		return fmt.Errorf("session: audio is not valid base64: %w", err)
	}
	return s.model.Send(ctx, map[string]any{
		"type":  EventInputAudioBufferAppend,
		"audio": audioB64,
	})
}

// CommitAudio finalizes the input buffer and asks for a response, in case
// server-side VAD has not already started one.
func (s *Session) CommitAudio(ctx context.Context) error {
	if err := s.model.Send(ctx, map[string]any{"type": EventInputAudioBufferCommit}); err != nil {
		return err
	}
	return s.triggerResponse(ctx)
}

// SendText creates a user conversation item and triggers a response.
func (s *Session) SendText(ctx context.Context, text string) error {
	if err := s.model.Send(ctx, map[string]any{
		"type": EventConversationItemCreate,
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	}); err != nil {
		return err
	}
	return s.triggerResponse(ctx)
}

// Cancel implements barge-in: the user started speaking again, so the
// in-flight response must stop. The cancel goes upstream without waiting
// for an ack; straggler deltas already queued keep flowing and clients
// treat them as stale but harmless. Idempotent — consecutive cancels
// produce at most one upstream response.cancel per response.
func (s *Session) Cancel(ctx context.Context) error {
	if s.State() != StateResponding {
		return nil
	}
	if !s.cancelPending.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info("barge-in: cancelling in-flight response")
	return s.model.Send(ctx, map[string]any{"type": EventResponseCancel})
}

// Fail marks the session unrecoverable, tells the client if the channel
// still works, and tears down.
func (s *Session) Fail(err error) {
	var fatal *errs.SessionFatal
	if !errors.As(err, &fatal) {
		err = &errs.SessionFatal{Detail: "session failed", Err: err}
	}
	s.logger.Error("session fatal", "error", err)
	s.mu.Lock()
	if !s.state.Terminal() {
		s.state = StateError
	}
	s.mu.Unlock()

	_ = s.client.WriteJSON(map[string]any{
		"type":    MsgErrorFrame,
		"message": err.Error(),
	})
	s.Close("fatal: " + err.Error())
}

// Close tears the session down: cancel the listener, close the model
// channel (unblocking a blocked Receive), wait for both loops to drain,
// and emit the closing audit entries. Safe to call from any exit path,
// any number of times.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if !s.state.Terminal() {
			s.state = StateClosing
		}
		wasError := s.state == StateError
		s.mu.Unlock()

		s.cancel()
		if err := s.model.Close(); err != nil {
			s.logger.Debug("model close failed", "error", err)
		}
		s.wg.Wait()

		if pending := s.pendingTools.Load(); pending > 0 {
			s.audit.Log(context.Background(), &audit.Event{
				Type:      audit.EventActionAttempt,
				Level:     audit.LevelWarn,
				SessionID: s.ID,
				UserID:    s.UserID,
				Action:    "tool_call_abandoned",
				Details:   map[string]any{"pending_tools": pending, "reason": reason},
			})
		}

		s.mu.Lock()
		if !wasError {
			s.state = StateClosed
		}
		s.mu.Unlock()

		s.audit.LogSessionClosed(context.Background(), s.ID, s.UserID, reason)
		s.logger.Info("session closed", "reason", reason, "lifetime", time.Since(s.createdAt).Round(time.Millisecond))

		if s.onClose != nil {
			s.onClose(s.ID)
		}
	})
}

// errorFrame converts an arbitrary failure to the frame shape the client
// expects, with a friendlier message for rate-limit rejections.
func errorFrame(err error) map[string]any {
	msg := err.Error()
	var rl *errs.RateLimited
	if errors.As(err, &rl) {
		msg = fmt.Sprintf("Rate limit exceeded. Wait %.1f seconds.", rl.Wait.Seconds())
	}
	return map[string]any{"type": MsgErrorFrame, "message": msg}
}
