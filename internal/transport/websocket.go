// Package transport implements the realtime agent channel over gorilla/websocket.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dayuer/convai-widget/internal/chat"
)

// DefaultURL is the conversation endpoint of the hosted agent service.
const DefaultURL = "wss://api.elevenlabs.io/v1/convai/conversation"

// Dialer opens websocket channels to the agent endpoint.
type Dialer struct {
	URL              string
	APIKey           string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// NewDialer returns a Dialer for endpoint; an empty endpoint uses DefaultURL.
func NewDialer(endpoint, apiKey string) *Dialer {
	if endpoint == "" {
		endpoint = DefaultURL
	}
	return &Dialer{
		URL:              endpoint,
		APIKey:           apiKey,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
	}
}

// Endpoint builds the dial URL for agentID.
func (d *Dialer) Endpoint(agentID string) (string, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return "", fmt.Errorf("parse agent url: %w", err)
	}
	q := u.Query()
	q.Set("agent_id", agentID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial connects and starts delivering callbacks to h.
func (d *Dialer) Dial(ctx context.Context, agentID string, h chat.Handler) (chat.Channel, error) {
	endpoint, err := d.Endpoint(agentID)
	if err != nil {
		return nil, err
	}

	var header http.Header
	if d.APIKey != "" {
		header = http.Header{}
		header.Set("xi-api-key", d.APIKey)
	}

	ws := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	conn, resp, err := ws.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial agent %s: %w (HTTP %d)", agentID, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial agent %s: %w", agentID, err)
	}
	log.Printf("[Transport] 🔗 connected to agent %s", agentID)

	if h == nil {
		h = noopHandler{}
	}
	c := &channel{conn: conn, writeTimeout: d.WriteTimeout}
	c.handler.Store(&handlerRef{h: h})
	go c.readLoop()
	return c, nil
}

type handlerRef struct {
	h chat.Handler
}

type noopHandler struct{}

func (noopHandler) OnMessage([]byte)    {}
func (noopHandler) OnClose(int, string) {}
func (noopHandler) OnError(error)       {}

// channel is one live connection. gorilla/websocket allows a single concurrent
// writer, so writes are serialized by mu.
type channel struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu      sync.Mutex
	handler atomic.Pointer[handlerRef]
	closing atomic.Bool
}

func (c *channel) current() chat.Handler {
	return c.handler.Load().h
}

// Send writes one text frame.
func (c *channel) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Detach swaps the handler for a no-op; no callback is delivered afterwards.
func (c *channel) Detach() {
	c.handler.Store(&handlerRef{h: noopHandler{}})
}

// Close sends a close frame and releases the socket.
func (c *channel) Close(code int, reason string) error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	err := c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
	c.mu.Unlock()
	if errors.Is(err, websocket.ErrCloseSent) {
		err = nil
	}
	if cerr := c.conn.Close(); err == nil && cerr != nil && !errors.Is(cerr, net.ErrClosed) {
		err = cerr
	}
	return err
}

func (c *channel) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			switch {
			case errors.As(err, &ce):
				c.current().OnClose(ce.Code, ce.Text)
			case c.closing.Load():
			default:
				c.current().OnError(err)
			}
			c.conn.Close()
			return
		}
		c.current().OnMessage(data)
	}
}
