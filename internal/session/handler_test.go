package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neosignal/assistantproxy/internal/audit"
	"github.com/neosignal/assistantproxy/internal/config"
	"github.com/neosignal/assistantproxy/internal/ratelimit"
)

// wsTestRig hosts the real Handler over httptest with a fake model
// channel behind the manager's dialer.
type wsTestRig struct {
	conn  *websocket.Conn
	model *fakeModel
}

func newWSRig(t *testing.T, userRate int) *wsTestRig {
	t.Helper()

	model := newFakeModel()
	dialer := func(context.Context) (ModelChannel, error) { return model, nil }
	auditLogger, err := audit.NewLogger(audit.Config{Enabled: false})
	require.NoError(t, err)

	manager := NewManager(dialer, &fakeTools{}, config.ModelConfig{}, auditLogger, slog.Default())
	limiter := ratelimit.NewLimiter(ratelimit.Config{Rate: userRate, Enabled: true})
	handler := NewHandler(manager, limiter, slog.Default())

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &wsTestRig{conn: conn, model: model}
}

func (r *wsTestRig) send(t *testing.T, msg map[string]any) {
	t.Helper()
	require.NoError(t, r.conn.WriteJSON(msg))
}

func (r *wsTestRig) read(t *testing.T) map[string]any {
	t.Helper()
	_ = r.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame map[string]any
	require.NoError(t, r.conn.ReadJSON(&frame))
	return frame
}

// readUntil skips frames until one of type typ arrives; model-driven
// frames can interleave with request replies.
func (r *wsTestRig) readUntil(t *testing.T, typ string) map[string]any {
	t.Helper()
	for i := 0; i < 20; i++ {
		frame := r.read(t)
		if frame["type"] == typ {
			return frame
		}
	}
	t.Fatalf("never saw a %q frame", typ)
	return nil
}

func TestHandlerConfigureHandshake(t *testing.T) {
	rig := newWSRig(t, 100)

	rig.send(t, map[string]any{"type": "configure", "user_id": "u", "instructions": "Ты — ассистент."})
	frame := rig.readUntil(t, MsgConfigured)
	sessionID, _ := frame["session_id"].(string)
	assert.True(t, strings.HasPrefix(sessionID, "u_"))

	// The model channel was configured before the handshake reply.
	updates := rig.model.sentOfType(EventSessionUpdate)
	require.Len(t, updates, 1)
}

func TestHandlerPingPongBeforeConfigure(t *testing.T) {
	rig := newWSRig(t, 100)
	rig.send(t, map[string]any{"type": "ping"})
	frame := rig.read(t)
	assert.Equal(t, MsgPong, frame["type"])
}

func TestHandlerRejectsInputBeforeConfigure(t *testing.T) {
	rig := newWSRig(t, 100)
	rig.send(t, map[string]any{"type": "text_input", "text": "hi"})
	frame := rig.readUntil(t, MsgErrorFrame)
	assert.Contains(t, frame["message"], "not configured")
}

func TestHandlerUnknownMessageType(t *testing.T) {
	rig := newWSRig(t, 100)
	rig.send(t, map[string]any{"type": "teleport"})
	frame := rig.readUntil(t, MsgErrorFrame)
	assert.Contains(t, frame["message"], "Unknown message type")
}

func TestHandlerForwardsModelEvents(t *testing.T) {
	rig := newWSRig(t, 100)

	rig.send(t, map[string]any{"type": "configure", "user_id": "u"})
	rig.readUntil(t, MsgConfigured)

	rig.model.push(map[string]any{"type": EventResponseCreated, "response": map[string]any{"id": "r1"}})
	rig.model.push(map[string]any{"type": EventResponseAudioDelta, "delta": "YmFzZTY0"})

	frame := rig.readUntil(t, EventResponseAudioDelta)
	assert.Equal(t, "YmFzZTY0", frame["delta"])
}

func TestHandlerTextInputReachesModel(t *testing.T) {
	rig := newWSRig(t, 100)

	rig.send(t, map[string]any{"type": "configure", "user_id": "u"})
	rig.readUntil(t, MsgConfigured)

	rig.send(t, map[string]any{"type": "text_input", "text": "включи свет"})

	require.Eventually(t, func() bool {
		return len(rig.model.sentOfType(EventConversationItemCreate)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	item := rig.model.sentOfType(EventConversationItemCreate)[0]["item"].(map[string]any)
	content := item["content"].([]any)[0].(map[string]any)
	assert.Equal(t, "включи свет", content["text"])
	assert.NotEmpty(t, rig.model.sentOfType(EventResponseCreate))
}

func TestHandlerRateLimitExemptsPingAndAudio(t *testing.T) {
	rig := newWSRig(t, 1)

	rig.send(t, map[string]any{"type": "configure", "user_id": "u"})
	rig.readUntil(t, MsgConfigured)

	// First counted message passes, the second trips the per-user budget.
	rig.send(t, map[string]any{"type": "text_input", "text": "раз"})
	rig.send(t, map[string]any{"type": "text_input", "text": "два"})
	frame := rig.readUntil(t, MsgErrorFrame)
	assert.Contains(t, frame["message"], "Rate limit")

	// Pings and audio keep flowing regardless.
	rig.send(t, map[string]any{"type": "ping"})
	pong := rig.readUntil(t, MsgPong)
	assert.Equal(t, MsgPong, pong["type"])

	rig.send(t, map[string]any{"type": "audio_input", "audio": "cGNtMTY="})
	require.Eventually(t, func() bool {
		return len(rig.model.sentOfType(EventInputAudioBufferAppend)) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHandlerFunctionResultRoundTrip(t *testing.T) {
	rig := newWSRig(t, 100)

	rig.send(t, map[string]any{"type": "configure", "user_id": "u"})
	rig.readUntil(t, MsgConfigured)

	output, _ := json.Marshal(map[string]any{"ok": true})
	rig.send(t, map[string]any{"type": "function_result", "call_id": "c1", "output": json.RawMessage(output)})

	require.Eventually(t, func() bool {
		return len(rig.model.sentOfType(EventConversationItemCreate)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	item := rig.model.sentOfType(EventConversationItemCreate)[0]["item"].(map[string]any)
	assert.Equal(t, "function_call_output", item["type"])
	assert.Equal(t, "c1", item["call_id"])
}
