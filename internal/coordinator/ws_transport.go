package coordinator

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nightpress/nightpress/internal/errors"
	"github.com/nightpress/nightpress/internal/logging"
)

// WSTransport is a BroadcastTransport over a websocket connection to a
// local Hub.
type WSTransport struct {
	conn *websocket.Conn

	mu      sync.Mutex
	handler func(Message)
	closed  bool
}

// DialHub connects to the hub at addr (host:port).
func DialHub(addr string) (*WSTransport, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/bus"}

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(errors.ErrTransport, fmt.Sprintf("failed to dial hub at %s", addr), err)
	}

	t := &WSTransport{conn: conn}
	go t.readLoop()
	return t, nil
}

// Publish broadcasts a message through the hub.
func (t *WSTransport) Publish(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(errors.ErrTransport, "failed to encode broadcast message", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New(errors.ErrTransport, "transport is closed")
	}

	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrap(errors.ErrTransport, "failed to publish broadcast message", err)
	}
	return nil
}

// Subscribe registers the receive handler.
func (t *WSTransport) Subscribe(fn func(Message)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = fn
}

func (t *WSTransport) readLoop() {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if !closed {
				logging.Warn("Hub connection lost", map[string]interface{}{"error": err.Error()})
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			logging.Warn("Discarding malformed broadcast message",
				map[string]interface{}{"error": err.Error()})
			continue
		}

		t.mu.Lock()
		handler := t.handler
		t.mu.Unlock()
		if handler != nil {
			handler(msg)
		}
	}
}

// Close tears the connection down.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.conn.Close()
}
