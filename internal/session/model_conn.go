package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/neosignal/assistantproxy/internal/errs"
)

// ModelChannel is the upstream duplex channel a session exclusively owns.
// Receive blocks until the next event arrives or the channel closes; Send
// may be called from multiple goroutines.
type ModelChannel interface {
	Send(ctx context.Context, event any) error
	Receive() ([]byte, error)
	Close() error
}

// ModelDialer opens a model channel for a new session.
type ModelDialer func(ctx context.Context) (ModelChannel, error)

// wsModelChannel implements ModelChannel over a realtime websocket.
type wsModelChannel struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool
}

const modelWriteWait = 10 * time.Second

// DialRealtime connects to an OpenAI-Realtime-compatible endpoint and
// returns the channel. baseURL defaults to the public endpoint when
// empty.
func DialRealtime(ctx context.Context, baseURL, apiKey, model string) (ModelChannel, error) {
	if baseURL == "" {
		baseURL = "wss://api.openai.com/v1/realtime"
	}
	url := fmt.Sprintf("%s?model=%s", baseURL, model)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+apiKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{HandshakeTimeout: 30 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		detail := "dial"
		if resp != nil {
			detail = fmt.Sprintf("dial: status %d", resp.StatusCode)
		}
		return nil, &errs.UpstreamError{Where: "model", Detail: detail, Err: err}
	}
	return &wsModelChannel{conn: conn}, nil
}

// NewRealtimeDialer binds credentials into a ModelDialer.
func NewRealtimeDialer(baseURL, apiKey, model string) ModelDialer {
	return func(ctx context.Context) (ModelChannel, error) {
		return DialRealtime(ctx, baseURL, apiKey, model)
	}
}

func (c *wsModelChannel) Send(ctx context.Context, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("session: marshal model event: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(modelWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &errs.UpstreamError{Where: "model", Detail: "write", Err: err}
	}
	return nil
}

func (c *wsModelChannel) Receive() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, &errs.UpstreamError{Where: "model", Detail: "read", Err: err}
	}
	return data, nil
}

// Close shuts the websocket down, unblocking any Receive in flight.
// Idempotent: teardown paths may race to call it.
func (c *wsModelChannel) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}
