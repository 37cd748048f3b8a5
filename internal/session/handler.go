package session

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/neosignal/assistantproxy/internal/errs"
	"github.com/neosignal/assistantproxy/internal/ratelimit"
)

const (
	wsWriteWait       = 10 * time.Second
	wsMaxPayloadBytes = 1 << 20
)

// wsClientConn adapts a gorilla websocket to ClientConn with serialized
// writes, since the forwarder, keepalive, and request replies all write
// concurrently.
type wsClientConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClientConn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.WriteRaw(data)
}

func (c *wsClientConn) WriteRaw(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsClientConn) Close() error { return c.conn.Close() }

// Handler is the websocket endpoint for streaming sessions. Each
// connection hosts at most one session, created on the configure message
// and torn down when the connection drops.
type Handler struct {
	manager  *Manager
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// Hooks for the metrics layer; nil-safe.
	OnConnect    func()
	OnDisconnect func()
	OnMessage    func(direction, msgType string)
}

func NewHandler(manager *Manager, limiter *ratelimit.Limiter, logger *slog.Logger) *Handler {
	return &Handler{
		manager: manager,
		limiter: limiter,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if h.OnConnect != nil {
		h.OnConnect()
	}

	client := &wsClientConn{conn: conn}
	var sess *Session

	defer func() {
		if sess != nil {
			sess.Close("client disconnected")
		}
		_ = conn.Close()
		if h.OnDisconnect != nil {
			h.OnDisconnect()
		}
	}()

	conn.SetReadLimit(wsMaxPayloadBytes)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			h.logger.Info("client connection closed", "error", err)
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = client.WriteJSON(map[string]any{"type": MsgErrorFrame, "message": "invalid message"})
			continue
		}
		if h.OnMessage != nil {
			h.OnMessage("inbound", msg.Type)
		}

		// Per-user message rate limit; ping and audio_input are exempt to
		// protect liveness.
		if sess != nil && msg.Type != MsgPing && msg.Type != MsgAudioInput {
			key := ratelimit.CompositeKey("ws_user", sess.UserID)
			if allowed, wait := h.limiter.Check(key); !allowed {
				_ = client.WriteJSON(errorFrame(&errs.RateLimited{Name: "ws_user", Wait: wait}))
				continue
			}
		}

		h.handleMessage(r, client, &sess, msg)
		if sess != nil && sess.State().Terminal() {
			return
		}
	}
}

func (h *Handler) handleMessage(r *http.Request, client *wsClientConn, sess **Session, msg clientMessage) {
	ctx := r.Context()

	switch msg.Type {
	case MsgPing:
		_ = client.WriteJSON(map[string]any{"type": MsgPong})

	case MsgConfigure:
		if *sess != nil {
			_ = client.WriteJSON(map[string]any{"type": MsgErrorFrame, "message": "session already configured"})
			return
		}
		created, err := h.manager.Configure(ctx, client, msg.UserID, msg.Instructions, msg.Tools)
		if err != nil {
			h.logger.Error("session configure failed", "user_id", msg.UserID, "error", err)
			_ = client.WriteJSON(errorFrame(err))
			return
		}
		*sess = created
		_ = client.WriteJSON(map[string]any{"type": MsgConfigured, "session_id": created.ID})

	case MsgAudioInput:
		s := *sess
		if s == nil {
			_ = client.WriteJSON(map[string]any{"type": MsgErrorFrame, "message": "not configured"})
			return
		}
		if msg.Audio == "" {
			return
		}
		if err := s.AppendAudio(ctx, msg.Audio); err != nil {
			s.Fail(err)
		}

	case MsgAudioCommit:
		s := *sess
		if s == nil {
			_ = client.WriteJSON(map[string]any{"type": MsgErrorFrame, "message": "not configured"})
			return
		}
		if err := s.CommitAudio(ctx); err != nil {
			s.Fail(err)
		}

	case MsgTextInput:
		s := *sess
		if s == nil {
			_ = client.WriteJSON(map[string]any{"type": MsgErrorFrame, "message": "not configured"})
			return
		}
		if msg.Text == "" {
			return
		}
		if err := s.SendText(ctx, msg.Text); err != nil {
			s.Fail(err)
		}

	case MsgCancel:
		if s := *sess; s != nil {
			if err := s.Cancel(ctx); err != nil {
				s.logger.Error("barge-in cancel failed", "error", err)
			}
		}

	case MsgFunctionResult:
		s := *sess
		if s == nil {
			_ = client.WriteJSON(map[string]any{"type": MsgErrorFrame, "message": "not configured"})
			return
		}
		if msg.CallID == "" || len(msg.Output) == 0 {
			return
		}
		var output any
		if err := json.Unmarshal(msg.Output, &output); err != nil {
			output = string(msg.Output)
		}
		if err := s.PostFunctionResult(ctx, msg.CallID, output); err != nil {
			s.Fail(err)
		}

	default:
		_ = client.WriteJSON(map[string]any{
			"type":    MsgErrorFrame,
			"message": "Unknown message type: " + msg.Type,
		})
	}
}
