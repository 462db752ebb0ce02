package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dayuer/convai-widget/internal/bus"
	"github.com/dayuer/convai-widget/internal/chat"
	"github.com/dayuer/convai-widget/internal/metrics"
	"github.com/dayuer/convai-widget/internal/protocol"
	"github.com/dayuer/convai-widget/internal/session"
)

// Client frame types on /ws/chat.
const (
	FrameConnect         = "connect"
	FrameUserText        = "user_text"
	FrameEndConversation = "end_conversation"
	FrameResetSession    = "reset_session"
	FramePing            = "ping"
)

// Server frame types on /ws/chat.
const (
	FrameSnapshot = "snapshot"
	FrameEvent    = "event"
	FrameError    = "error"
	FramePong     = "pong"
)

const (
	bridgeWriteTimeout = 5 * time.Second
	bridgePingInterval = 30 * time.Second
	bridgeReadTimeout  = 90 * time.Second
	bridgeOutbox       = 128
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ClientFrame is a message from the browser.
type ClientFrame struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	AgentID string `json:"agentId,omitempty"`
	Source  string `json:"source,omitempty"`
}

// SnapshotView is the session state sent when a bridge opens.
type SnapshotView struct {
	AgentID        string            `json:"agent_id,omitempty"`
	ConversationID string            `json:"conversation_id,omitempty"`
	State          string            `json:"state"`
	Loading        bool              `json:"loading"`
	Messages       []session.Message `json:"messages"`
}

// ServerFrame is a message to the browser.
type ServerFrame struct {
	Type     string        `json:"type"`
	Event    *bus.Event    `json:"event,omitempty"`
	Snapshot *SnapshotView `json:"snapshot,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// bridgeConn is one browser connection. Frames are written by a single
// writer goroutine; gorilla/websocket does not support concurrent writes.
type bridgeConn struct {
	conn *websocket.Conn
	out  chan ServerFrame
	done chan struct{}
	once sync.Once
}

func (c *bridgeConn) push(f ServerFrame) {
	select {
	case c.out <- f:
	case <-c.done:
	default:
		log.Printf("[Bridge] ⚠️ outbox full, dropping %s frame", f.Type)
	}
}

func (c *bridgeConn) shutdown() {
	c.once.Do(func() { close(c.done) })
}

func (c *bridgeConn) writeLoop() {
	ticker := time.NewTicker(bridgePingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case f := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(bridgeWriteTimeout))
			if err := c.conn.WriteJSON(f); err != nil {
				log.Printf("[Bridge] write failed: %v", err)
				c.shutdown()
				c.conn.Close()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(bridgeWriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.shutdown()
				c.conn.Close()
				return
			}
		}
	}
}

// closeWith writes a close frame. Only called after the writer has stopped.
func (c *bridgeConn) closeWith(code int, text string) {
	deadline := time.Now().Add(bridgeWriteTimeout)
	c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
	c.conn.Close()
}

func snapshotView(s chat.Snapshot) *SnapshotView {
	msgs := s.Messages
	if msgs == nil {
		msgs = []session.Message{}
	}
	return &SnapshotView{
		AgentID:        s.AgentID,
		ConversationID: s.ConversationID,
		State:          s.State.String(),
		Loading:        s.Loading,
		Messages:       msgs,
	}
}

// handleChatSocket runs one chat session for the lifetime of the browser
// connection.
//
// Protocol:
//
//	browser → server: {"type":"connect","agentId":"..."}
//	browser → server: {"type":"user_text","text":"..."}
//	browser → server: {"type":"end_conversation"} | {"type":"reset_session"}
//	browser → server: {"type":"DISCONNECT_AND_CLEAR","source":"ai-chat-widget"}
//	server → browser: {"type":"snapshot","snapshot":{...}} once, then
//	                  {"type":"event","event":{...}} per transcript change
func (s *Server) handleChatSocket(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Dialer == nil {
		writeJSONError(w, "chat bridge not configured", http.StatusServiceUnavailable)
		return
	}
	agentID := s.agentID(r)

	raw, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Bridge] ⚠️ Upgrade failed: %v", err)
		return
	}

	key := "ws:" + uuid.NewString()
	c := &bridgeConn{
		conn: raw,
		out:  make(chan ServerFrame, bridgeOutbox),
		done: make(chan struct{}),
	}
	peer := r.RemoteAddr
	log.Printf("[Bridge] 🔗 Connected: %s session=%s agent=%s", peer, key, agentID)

	s.wsMu.Lock()
	s.wsConns[c] = true
	s.wsMu.Unlock()
	metrics.ChatSessionsActive.Inc()

	unsubscribe := s.bus.Subscribe(key, func(ev bus.Event) {
		c.push(ServerFrame{Type: FrameEvent, Event: &ev})
	})
	mgr := chat.NewManager(key, s.cfg.Dialer, s.bus,
		chat.WithOptions(s.cfg.Chat),
		chat.WithFallbackAgent(agentID),
	)

	defer func() {
		mgr.Close()
		unsubscribe()
		c.shutdown()
		raw.Close()
		s.wsMu.Lock()
		delete(s.wsConns, c)
		s.wsMu.Unlock()
		metrics.ChatSessionsActive.Dec()
		log.Printf("[Bridge] 🔌 Disconnected: %s session=%s", peer, key)
	}()

	go c.writeLoop()
	c.push(ServerFrame{Type: FrameSnapshot, Snapshot: snapshotView(mgr.Snapshot())})
	if agentID != "" {
		if err := mgr.Connect(r.Context(), agentID); err != nil {
			c.push(ServerFrame{Type: FrameError, Error: err.Error()})
		}
	}

	raw.SetReadDeadline(time.Now().Add(bridgeReadTimeout))
	raw.SetPongHandler(func(string) error {
		raw.SetReadDeadline(time.Now().Add(bridgeReadTimeout))
		return nil
	})

	for {
		_, message, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[Bridge] ⚠️ Error: %v", err)
			}
			return
		}
		raw.SetReadDeadline(time.Now().Add(bridgeReadTimeout))

		var f ClientFrame
		if err := json.Unmarshal(message, &f); err != nil {
			c.push(ServerFrame{Type: FrameError, Error: "invalid JSON"})
			continue
		}
		if err := s.dispatchFrame(r.Context(), mgr, c, f); err != nil {
			log.Printf("[Bridge] %s: %s failed: %v", key, f.Type, err)
			c.push(ServerFrame{Type: FrameError, Error: err.Error()})
		}
	}
}

func (s *Server) dispatchFrame(ctx context.Context, mgr *chat.Manager, c *bridgeConn, f ClientFrame) error {
	switch f.Type {
	case FrameConnect:
		return mgr.Connect(ctx, f.AgentID)
	case FrameUserText:
		return mgr.SubmitUserText(f.Text)
	case FrameEndConversation:
		return mgr.EndConversation()
	case FrameResetSession:
		return mgr.ResetSession()
	case protocol.ControlDisconnectAndClear:
		return mgr.HandleControl(protocol.ControlMessage{Type: f.Type, Source: f.Source})
	case FramePing:
		c.push(ServerFrame{Type: FramePong})
	default:
		c.push(ServerFrame{Type: FrameError, Error: "unknown frame type: " + f.Type})
	}
	return nil
}

// closeAllWS stops every chat bridge (called on shutdown).
func (s *Server) closeAllWS() {
	s.wsMu.Lock()
	conns := make([]*bridgeConn, 0, len(s.wsConns))
	for c := range s.wsConns {
		conns = append(conns, c)
	}
	s.wsMu.Unlock()

	for _, c := range conns {
		c.shutdown()
		c.closeWith(websocket.CloseGoingAway, "server shutdown")
	}
}
