package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neosignal/assistantproxy/internal/audit"
	"github.com/neosignal/assistantproxy/internal/config"
)

// fakeModel is an in-memory ModelChannel: tests push upstream events into
// incoming and inspect what the session sent.
type fakeModel struct {
	incoming chan []byte
	closed   chan struct{}
	once     sync.Once

	mu   sync.Mutex
	sent []map[string]any
}

func newFakeModel() *fakeModel {
	return &fakeModel{
		incoming: make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
}

func (f *fakeModel) push(event map[string]any) {
	data, _ := json.Marshal(event)
	f.incoming <- data
}

func (f *fakeModel) Send(_ context.Context, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, decoded)
	f.mu.Unlock()
	return nil
}

func (f *fakeModel) Receive() ([]byte, error) {
	select {
	case data := <-f.incoming:
		return data, nil
	case <-f.closed:
		return nil, errors.New("connection closed")
	}
}

func (f *fakeModel) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeModel) sentOfType(typ string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for _, e := range f.sent {
		if e["type"] == typ {
			out = append(out, e)
		}
	}
	return out
}

// fakeClient records every frame written toward the client.
type fakeClient struct {
	mu     sync.Mutex
	frames []map[string]any
}

func (f *fakeClient) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return f.WriteRaw(data)
}

func (f *fakeClient) WriteRaw(data []byte) error {
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	f.mu.Lock()
	f.frames = append(f.frames, decoded)
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) Close() error { return nil }

func (f *fakeClient) all() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any{}, f.frames...)
}

func (f *fakeClient) typesSeen() []string {
	var out []string
	for _, frame := range f.all() {
		if t, ok := frame["type"].(string); ok {
			out = append(out, t)
		}
	}
	return out
}

func (f *fakeClient) waitFor(t *testing.T, typ string) map[string]any {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		for _, frame := range f.all() {
			if frame["type"] == typ {
				return frame
			}
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %q frame; saw %v", typ, f.typesSeen())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

type fakeTools struct {
	mu     sync.Mutex
	calls  []string
	output any
	err    error
}

func (f *fakeTools) ExecuteTool(_ context.Context, _, name, _ string) (any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.output != nil {
		return f.output, nil
	}
	return map[string]any{"ok": true}, nil
}

func newTestSession(t *testing.T) (*Session, *fakeModel, *fakeClient, *fakeTools) {
	t.Helper()
	model := newFakeModel()
	client := &fakeClient{}
	tools := &fakeTools{}
	auditLogger, err := audit.NewLogger(audit.Config{Enabled: false})
	require.NoError(t, err)

	sess := newSession("sess-1", "u", client, model, tools, auditLogger, slog.Default(), nil)
	sess.start()
	t.Cleanup(func() { sess.Close("test done") })
	return sess, model, client, tools
}

func TestEventsForwardedInOrder(t *testing.T) {
	_, model, client, _ := newTestSession(t)

	model.push(map[string]any{"type": EventResponseCreated, "response": map[string]any{"id": "r1"}})
	for i := 0; i < 5; i++ {
		model.push(map[string]any{"type": EventResponseAudioDelta, "delta": fmt.Sprintf("chunk-%d", i)})
	}
	model.push(map[string]any{"type": EventResponseDone, "response": map[string]any{"id": "r1"}})

	client.waitFor(t, EventResponseDone)

	var deltas []string
	doneSeen := false
	for _, frame := range client.all() {
		switch frame["type"] {
		case EventResponseAudioDelta:
			assert.False(t, doneSeen, "delta arrived after response.done")
			deltas = append(deltas, frame["delta"].(string))
		case EventResponseDone:
			doneSeen = true
		}
	}
	require.Len(t, deltas, 5)
	for i, delta := range deltas {
		assert.Equal(t, fmt.Sprintf("chunk-%d", i), delta)
	}
}

func TestBargeInCancelsOnce(t *testing.T) {
	sess, model, client, _ := newTestSession(t)

	model.push(map[string]any{"type": EventResponseCreated})
	client.waitFor(t, EventResponseCreated)
	require.Equal(t, StateResponding, sess.State())

	// Two consecutive cancels produce exactly one upstream response.cancel.
	require.NoError(t, sess.Cancel(context.Background()))
	require.NoError(t, sess.Cancel(context.Background()))
	assert.Len(t, model.sentOfType(EventResponseCancel), 1)

	model.push(map[string]any{"type": EventResponseCancelled})
	client.waitFor(t, EventResponseCancelled)
	require.Equal(t, StateActive, sess.State())

	// A fresh turn works after barge-in.
	require.NoError(t, sess.SendText(context.Background(), "а теперь включи музыку"))
	assert.Len(t, model.sentOfType(EventConversationItemCreate), 1)
	assert.Len(t, model.sentOfType(EventResponseCreate), 1)

	// And the next response may be cancelled again.
	model.push(map[string]any{"type": EventResponseCreated})
	client.waitFor(t, EventResponseCreated)
	// waitFor can match the earlier response.created frame, so wait for the
	// session itself to be responding again before cancelling.
	require.Eventually(t, func() bool { return sess.State() == StateResponding }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, sess.Cancel(context.Background()))
	assert.Len(t, model.sentOfType(EventResponseCancel), 2)
}

func TestCancelOutsideRespondingIsNoop(t *testing.T) {
	sess, model, _, _ := newTestSession(t)
	require.Equal(t, StateActive, sess.State())
	require.NoError(t, sess.Cancel(context.Background()))
	assert.Empty(t, model.sentOfType(EventResponseCancel))
}

func TestToolCallRoundTrip(t *testing.T) {
	_, model, client, tools := newTestSession(t)

	model.push(map[string]any{"type": EventResponseCreated})
	model.push(map[string]any{
		"type":      EventResponseFunctionCallArgumentsDone,
		"call_id":   "c1",
		"name":      "run_command",
		"arguments": `{"command": "включи свет"}`,
	})

	// The function-call event itself is forwarded to the client.
	client.waitFor(t, EventResponseFunctionCallArgumentsDone)

	// The tool executes and its output goes upstream with a resume.
	require.Eventually(t, func() bool {
		return len(model.sentOfType(EventConversationItemCreate)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	tools.mu.Lock()
	require.Equal(t, []string{"run_command"}, tools.calls)
	tools.mu.Unlock()

	item := model.sentOfType(EventConversationItemCreate)[0]["item"].(map[string]any)
	assert.Equal(t, "function_call_output", item["type"])
	assert.Equal(t, "c1", item["call_id"])
	assert.NotEmpty(t, model.sentOfType(EventResponseCreate))

	// Deltas resumed after the tool result arrive in order behind it.
	model.push(map[string]any{"type": EventResponseAudioDelta, "delta": "post-tool"})
	model.push(map[string]any{"type": EventResponseDone})
	client.waitFor(t, EventResponseDone)
}

func TestToolFailureReportsErrorOutput(t *testing.T) {
	_, model, _, tools := newTestSession(t)
	tools.err = errors.New("adapter unavailable")

	model.push(map[string]any{
		"type":      EventResponseFunctionCallArgumentsDone,
		"call_id":   "c9",
		"name":      "run_command",
		"arguments": "{}",
	})

	require.Eventually(t, func() bool {
		return len(model.sentOfType(EventConversationItemCreate)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	item := model.sentOfType(EventConversationItemCreate)[0]["item"].(map[string]any)
	assert.Contains(t, item["output"].(string), "adapter unavailable")
}

func TestHeartbeatPingWhenIdle(t *testing.T) {
	model := newFakeModel()
	client := &fakeClient{}
	auditLogger, err := audit.NewLogger(audit.Config{Enabled: false})
	require.NoError(t, err)

	sess := newSession("sess-hb", "u", client, model, &fakeTools{}, auditLogger, slog.Default(), nil)
	sess.heartbeat = 20 * time.Millisecond
	sess.start()
	t.Cleanup(func() { sess.Close("test done") })

	client.waitFor(t, MsgPing)
}

func TestCloseDrainsAndReleases(t *testing.T) {
	closed := make(chan string, 1)
	model := newFakeModel()
	client := &fakeClient{}
	auditLogger, err := audit.NewLogger(audit.Config{Enabled: false})
	require.NoError(t, err)

	sess := newSession("sess-close", "u", client, model, &fakeTools{}, auditLogger, slog.Default(), func(id string) { closed <- id })
	sess.start()

	model.push(map[string]any{"type": EventResponseAudioDelta, "delta": "straggler"})
	sess.Close("client disconnected")
	sess.Close("double close is fine")

	select {
	case id := <-closed:
		assert.Equal(t, "sess-close", id)
	case <-time.After(2 * time.Second):
		t.Fatal("onClose was never invoked")
	}
	assert.Equal(t, StateClosed, sess.State())
}

func TestAudioInputRejectsInvalidBase64(t *testing.T) {
	sess, model, _, _ := newTestSession(t)
	require.Error(t, sess.AppendAudio(context.Background(), "!!not-base64!!"))
	assert.Empty(t, model.sentOfType(EventInputAudioBufferAppend))

	require.NoError(t, sess.AppendAudio(context.Background(), "cGNtMTYtYXVkaW8="))
	assert.Len(t, model.sentOfType(EventInputAudioBufferAppend), 1)
}

func TestStateMachineEdges(t *testing.T) {
	assert.True(t, canTransition(StateOpening, StateConfigured))
	assert.True(t, canTransition(StateConfigured, StateActive))
	assert.True(t, canTransition(StateActive, StateResponding))
	assert.True(t, canTransition(StateResponding, StateActive))
	assert.True(t, canTransition(StateResponding, StateClosing))
	assert.True(t, canTransition(StateClosing, StateClosed))
	assert.True(t, canTransition(StateActive, StateError))

	assert.False(t, canTransition(StateClosed, StateActive))
	assert.False(t, canTransition(StateError, StateActive))
	assert.False(t, canTransition(StateOpening, StateResponding))
	assert.True(t, StateClosed.Terminal())
	assert.True(t, StateError.Terminal())
	assert.False(t, StateResponding.Terminal())
}

func TestManagerConfigureSendsSessionUpdate(t *testing.T) {
	model := newFakeModel()
	dialer := func(context.Context) (ModelChannel, error) { return model, nil }
	auditLogger, err := audit.NewLogger(audit.Config{Enabled: false})
	require.NoError(t, err)

	manager := NewManager(dialer, &fakeTools{}, config.ModelConfig{TTSVoice: "alloy"}, auditLogger, slog.Default())
	client := &fakeClient{}

	sess, err := manager.Configure(context.Background(), client, "u", "Ты — голосовой ассистент.", nil)
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close("test done") })

	assert.Equal(t, 1, manager.Count())
	got, ok := manager.Get(sess.ID)
	require.True(t, ok)
	assert.Same(t, sess, got)

	updates := model.sentOfType(EventSessionUpdate)
	require.Len(t, updates, 1)
	cfg := updates[0]["session"].(map[string]any)
	assert.Equal(t, "pcm16", cfg["input_audio_format"])
	assert.Equal(t, "pcm16", cfg["output_audio_format"])
	assert.Equal(t, "alloy", cfg["voice"])

	turnDetection := cfg["turn_detection"].(map[string]any)
	assert.Equal(t, "server_vad", turnDetection["type"])
	assert.Equal(t, 0.5, turnDetection["threshold"])
	assert.Equal(t, float64(300), turnDetection["prefix_padding_ms"])
	assert.Equal(t, float64(500), turnDetection["silence_duration_ms"])

	sess.Close("done")
	require.Eventually(t, func() bool { return manager.Count() == 0 }, 2*time.Second, 5*time.Millisecond)
}
