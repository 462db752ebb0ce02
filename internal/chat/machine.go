// Package chat implements the connection manager that drives a realtime
// conversation with the remote agent.
//
// Machine is the pure state machine: every input returns the side effects the
// caller must perform. Manager runs a Machine on a single event loop and
// executes those effects against a real Dialer.
package chat

import (
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dayuer/convai-widget/internal/bus"
	"github.com/dayuer/convai-widget/internal/protocol"
	"github.com/dayuer/convai-widget/internal/session"
)

var (
	// ErrNoAgent is returned when a connection is requested without any agent id.
	ErrNoAgent = errors.New("no agent id configured")
	// ErrConversationEnded is returned when connecting after the user ended the
	// conversation and before the session was reset.
	ErrConversationEnded = errors.New("conversation ended, reset required")
)

// Transcript texts for system messages.
const (
	textConnecting = "Connecting…"
	textClosed     = "This conversation has ended. Reload the page to start a new one."
	textTimedOut   = "Your session timed out. Type a message to resume."
	textNoConnect  = "Could not reach the assistant. Type a message to try again."
	textAgentError = "The assistant reported an error. Type a message to reconnect."
	textNoAgent    = "Chat is unavailable: no agent is configured."
	textNoResponse = "The assistant did not respond. Please try again."
)

// reasonSuperseded is used when closing a channel that is no longer current.
const reasonSuperseded = "superseded"

// Options tunes the machine. Zero durations fall back to the defaults, except
// ResponseTimeout where a negative value disables the watchdog.
type Options struct {
	FlushDelay      time.Duration
	FocusDelay      time.Duration
	ResponseTimeout time.Duration
	Now             func() time.Time
	NewID           func() string
}

// DefaultOptions returns the standard timing.
func DefaultOptions() Options {
	return Options{
		FlushDelay:      500 * time.Millisecond,
		FocusDelay:      100 * time.Millisecond,
		ResponseTimeout: 60 * time.Second,
		Now:             time.Now,
		NewID:           uuid.NewString,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.FlushDelay <= 0 {
		o.FlushDelay = d.FlushDelay
	}
	if o.FocusDelay <= 0 {
		o.FocusDelay = d.FocusDelay
	}
	if o.ResponseTimeout == 0 {
		o.ResponseTimeout = d.ResponseTimeout
	}
	if o.Now == nil {
		o.Now = d.Now
	}
	if o.NewID == nil {
		o.NewID = d.NewID
	}
	return o
}

// Snapshot is a read-only copy of the session.
type Snapshot struct {
	AgentID                string
	ConversationID         string
	State                  State
	SuppressReconnect      bool
	PendingNetworkRecovery bool
	Loading                bool
	Channel                ChannelID
	Messages               []session.Message
	Queued                 []session.QueuedText
}

// Machine is the connection state machine for one session. It is not safe for
// concurrent use; Manager serializes access.
type Machine struct {
	opts  Options
	clock *session.Clock

	// fallbackAgent survives resets; agentID is bound per session.
	fallbackAgent  string
	agentID        string
	conversationID string

	state             State
	suppressReconnect bool
	pendingRecovery   bool
	loading           bool

	transcript session.Transcript
	queue      session.Queue

	channel     ChannelID
	lastChannel ChannelID
	flushed     bool

	epoch    uint64
	sendSeq  uint64
	awaiting uint64

	out []Effect
}

// NewMachine creates a machine in the Disconnected state.
func NewMachine(opts Options) *Machine {
	opts = opts.withDefaults()
	return &Machine{
		opts:  opts,
		clock: session.NewClock(opts.Now),
		epoch: 1,
	}
}

// SetFallbackAgent records the collaborator-provided default agent id used when
// Connect is called without one.
func (m *Machine) SetFallbackAgent(agentID string) {
	m.fallbackAgent = agentID
}

// State returns the current connection state.
func (m *Machine) State() State { return m.state }

// Channel returns the current channel id, zero if none.
func (m *Machine) Channel() ChannelID { return m.channel }

// Snapshot copies the current session.
func (m *Machine) Snapshot() Snapshot {
	return Snapshot{
		AgentID:                m.agentID,
		ConversationID:         m.conversationID,
		State:                  m.state,
		SuppressReconnect:      m.suppressReconnect,
		PendingNetworkRecovery: m.pendingRecovery,
		Loading:                m.loading,
		Channel:                m.channel,
		Messages:               m.transcript.Messages(),
		Queued:                 m.queue.Items(),
	}
}

func (m *Machine) flush() []Effect {
	out := m.out
	m.out = nil
	return out
}

// Connect requests a channel to agentID. An empty id falls back to the session's
// bound id and then to the fallback agent. Connecting or Open is a no-op.
func (m *Machine) Connect(agentID string) ([]Effect, error) {
	err := m.connect(agentID)
	return m.flush(), err
}

func (m *Machine) connect(requested string) error {
	switch m.state {
	case Connecting, Open:
		return nil
	case ClosingIntentional:
		return ErrConversationEnded
	}
	if m.suppressReconnect {
		return ErrConversationEnded
	}

	agentID := m.resolveAgent(requested)
	if agentID == "" {
		log.Printf("[Chat] ⚠️ no agent id, not connecting")
		return ErrNoAgent
	}
	m.agentID = agentID

	if m.channel != 0 {
		m.emit(CloseChannel{Channel: m.channel, Code: protocol.CloseNormal, Reason: reasonSuperseded})
	}
	m.lastChannel++
	m.channel = m.lastChannel
	m.flushed = false
	m.setState(Connecting)
	m.emit(OpenChannel{Channel: m.channel, AgentID: agentID})
	return nil
}

func (m *Machine) resolveAgent(requested string) string {
	if m.agentID != "" {
		if requested != "" && requested != m.agentID {
			log.Printf("[Chat] agent id is bound to %s for this session, ignoring %s", m.agentID, requested)
		}
		return m.agentID
	}
	if requested != "" {
		return requested
	}
	return m.fallbackAgent
}

// ChannelOpened handles a successful dial.
func (m *Machine) ChannelOpened(id ChannelID) []Effect {
	if id != m.channel || m.state != Connecting {
		log.Printf("[Chat] closing stale channel %d", id)
		m.emit(CloseChannel{Channel: id, Code: protocol.CloseNormal, Reason: reasonSuperseded})
		return m.flush()
	}
	m.setState(Open)
	m.emit(SendOp{Channel: id, Op: protocol.NewInitiation()})
	m.emit(StartTimer{Timer: Timer{Kind: TimerFlush, Token: uint64(id)}, Delay: m.opts.FlushDelay})
	return m.flush()
}

// ChannelFailed handles a dial that never produced a channel.
func (m *Machine) ChannelFailed(id ChannelID, err error) []Effect {
	if id != m.channel {
		return nil
	}
	if m.suppressReconnect {
		m.channel = 0
		return m.flush()
	}
	log.Printf("[Chat] ❌ channel %d failed to open: %v", id, err)
	m.unexpectedLoss(textNoConnect)
	return m.flush()
}

// ChannelClosed classifies a close reported by the current channel.
func (m *Machine) ChannelClosed(id ChannelID, code int, reason string) []Effect {
	if id != m.channel {
		return nil
	}
	if protocol.IsIntentionalClose(code, reason) {
		log.Printf("[Chat] channel %d closed by user", id)
		m.channel = 0
		m.flushed = false
		m.pendingRecovery = false
		m.suppressReconnect = true
		m.setState(ClosingIntentional)
		m.appendMessage(session.SenderSystem, textClosed)
		m.setLoading(false)
		return m.flush()
	}
	log.Printf("[Chat] channel %d closed unexpectedly (code=%d reason=%q)", id, code, reason)
	m.unexpectedLoss(textTimedOut)
	return m.flush()
}

// ChannelError handles a transport error on the current channel.
func (m *Machine) ChannelError(id ChannelID, err error) []Effect {
	if id != m.channel || m.suppressReconnect {
		return nil
	}
	log.Printf("[Chat] ❌ channel %d error: %v", id, err)
	m.emit(CloseChannel{Channel: id, Code: protocol.CloseNormal, Reason: "client-error"})
	m.unexpectedLoss(textTimedOut)
	return m.flush()
}

// SendFailed handles a write that did not go out. A user text goes back on the
// queue so the next channel replays it; a nil err means the channel was already
// gone and only the replay applies.
func (m *Machine) SendFailed(op SendOp, err error) []Effect {
	if op.Replay != nil && !m.suppressReconnect {
		m.queue.Push(*op.Replay)
	}
	if err == nil || op.Channel != m.channel {
		return m.flush()
	}
	return m.ChannelError(op.Channel, err)
}

// unexpectedLoss drops the current channel and leaves the session recoverable
// on the next submit.
func (m *Machine) unexpectedLoss(text string) {
	m.channel = 0
	m.flushed = false
	m.awaiting = 0
	m.setState(Disconnected)
	if m.suppressReconnect {
		return
	}
	m.pendingRecovery = true
	m.appendMessage(session.SenderSystem, text)
	m.setLoading(false)
}

// ChannelMessage handles one inbound payload from the current channel.
func (m *Machine) ChannelMessage(id ChannelID, raw []byte) []Effect {
	if id != m.channel || m.state != Open {
		return nil
	}
	ev, err := protocol.DecodeEvent(raw)
	if err != nil {
		log.Printf("[Chat] dropping inbound payload: %v", err)
		return nil
	}

	switch ev.Type {
	case protocol.TypeAgentResponse:
		m.awaiting = 0
		if ev.AgentResponse == "" {
			m.removeTyping()
		} else {
			m.appendMessage(session.SenderAssistant, ev.AgentResponse)
		}
		m.setLoading(false)
		m.emit(StartTimer{Timer: Timer{Kind: TimerFocus, Token: m.epoch}, Delay: m.opts.FocusDelay})
	case protocol.TypeConversationID:
		m.conversationID = ev.ConversationID
		m.emit(Emit{Event: bus.Event{Kind: bus.KindConversationID, ConversationID: ev.ConversationID, Timestamp: m.clock.Now()}})
	case protocol.TypeError:
		log.Printf("[Chat] ❌ agent error on channel %d: %s", id, ev.Error)
		m.emit(CloseChannel{Channel: id, Code: protocol.CloseNormal, Reason: "agent-error"})
		m.unexpectedLoss(textAgentError)
	}
	return m.flush()
}

// Submit handles user-entered text.
func (m *Machine) Submit(text string) []Effect {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if m.loading {
		log.Printf("[Chat] send in flight, ignoring input")
		return nil
	}

	m.appendMessage(session.SenderUser, text)
	m.showTyping()
	m.setLoading(true)
	m.emit(Emit{Event: bus.Event{Kind: bus.KindInputCleared, Timestamp: m.clock.Now()}})

	switch {
	case m.state == Open && m.flushed && m.channel != 0:
		m.pendingRecovery = false
		item := session.QueuedText{Text: text, CapturedAt: m.clock.Now()}
		m.emit(SendOp{Channel: m.channel, Op: protocol.NewUserMessage(text), Replay: &item})
		m.armWatchdog()

	case m.state == ClosingIntentional || m.suppressReconnect:
		m.removeTyping()
		m.appendMessage(session.SenderSystem, textClosed)
		m.setLoading(false)

	default:
		m.pendingRecovery = false
		m.queue.Push(session.QueuedText{Text: text, CapturedAt: m.clock.Now()})
		m.removeTyping()
		m.appendMessage(session.SenderSystem, textConnecting)
		m.setLoading(false)
		if m.state == Disconnected {
			if err := m.connect(""); errors.Is(err, ErrNoAgent) {
				m.appendMessage(session.SenderSystem, textNoAgent)
			}
		}
	}
	return m.flush()
}

// TimerFired applies a timer that was scheduled through StartTimer.
func (m *Machine) TimerFired(t Timer) []Effect {
	switch t.Kind {
	case TimerFlush:
		if ChannelID(t.Token) != m.channel || m.state != Open || m.flushed {
			return nil
		}
		m.flushed = true
		items := m.queue.Drain()
		for i := range items {
			m.emit(SendOp{Channel: m.channel, Op: protocol.NewUserMessage(items[i].Text), Replay: &items[i]})
		}
		if len(items) > 0 {
			log.Printf("[Chat] flushed %d queued message(s) on channel %d", len(items), m.channel)
			m.showTyping()
			m.setLoading(true)
			m.armWatchdog()
		}
	case TimerFocus:
		if t.Token == m.epoch {
			m.emit(Emit{Event: bus.Event{Kind: bus.KindFocusInput, Timestamp: m.clock.Now()}})
		}
	case TimerResponse:
		if t.Token != m.awaiting || !m.loading {
			return nil
		}
		log.Printf("[Chat] no response within %s", m.opts.ResponseTimeout)
		m.awaiting = 0
		m.appendMessage(session.SenderSystem, textNoResponse)
		m.setLoading(false)
	}
	return m.flush()
}

func (m *Machine) armWatchdog() {
	m.sendSeq++
	m.awaiting = m.sendSeq
	if m.opts.ResponseTimeout > 0 {
		m.emit(StartTimer{Timer: Timer{Kind: TimerResponse, Token: m.awaiting}, Delay: m.opts.ResponseTimeout})
	}
}

// EndConversation is the user-initiated termination.
func (m *Machine) EndConversation() []Effect {
	if m.channel != 0 {
		if m.state == Open {
			m.emit(SendOp{Channel: m.channel, Op: protocol.NewConversationEnd(m.conversationID)})
		}
		m.emit(CloseChannel{Channel: m.channel, Code: protocol.CloseNormal, Reason: protocol.ReasonUserEnded})
		m.channel = 0
	}
	m.clearData()
	m.suppressReconnect = true
	m.setState(ClosingIntentional)
	return m.flush()
}

// ResetSession returns the session to a clean Disconnected state from any state.
func (m *Machine) ResetSession() []Effect {
	if m.channel != 0 {
		m.emit(CloseChannel{Channel: m.channel, Code: protocol.CloseNormal, Reason: protocol.ReasonUserEnded})
		m.channel = 0
	}
	m.clearData()
	m.suppressReconnect = false
	m.setState(Disconnected)
	return m.flush()
}

// HandleControl applies a host control message.
func (m *Machine) HandleControl(msg protocol.ControlMessage) []Effect {
	if !msg.IsDisconnectAndClear() {
		log.Printf("[Chat] ignoring control message %q from %q", msg.Type, msg.Source)
		return nil
	}
	effects := m.EndConversation()
	return append(effects, m.ResetSession()...)
}

func (m *Machine) clearData() {
	if m.transcript.Len() > 0 {
		m.transcript.Clear()
		m.emit(Emit{Event: bus.Event{Kind: bus.KindTranscriptCleared, Timestamp: m.clock.Now()}})
	}
	m.queue.Clear()
	m.agentID = ""
	m.conversationID = ""
	m.pendingRecovery = false
	m.setLoading(false)
	m.flushed = false
	m.awaiting = 0
	m.epoch++
}

func (m *Machine) emit(e Effect) {
	m.out = append(m.out, e)
}

func (m *Machine) setState(s State) {
	if m.state == s {
		return
	}
	m.state = s
	m.emit(Emit{Event: bus.Event{Kind: bus.KindStateChanged, State: s.String(), Timestamp: m.clock.Now()}})
}

func (m *Machine) setLoading(v bool) {
	if m.loading == v {
		return
	}
	m.loading = v
	m.emit(Emit{Event: bus.Event{Kind: bus.KindLoadingChanged, Loading: v, Timestamp: m.clock.Now()}})
}

func (m *Machine) appendMessage(sender session.Sender, text string) {
	if sender != session.SenderUser {
		m.removeTyping()
	}
	msg := session.Message{ID: m.opts.NewID(), Sender: sender, Text: text, Timestamp: m.clock.Now()}
	m.transcript.Append(msg)
	m.emit(Emit{Event: bus.Appended(msg)})
}

func (m *Machine) showTyping() {
	m.removeTyping()
	msg := session.Message{ID: session.TypingID, Sender: session.SenderAssistant, Timestamp: m.clock.Now()}
	m.transcript.Append(msg)
	m.emit(Emit{Event: bus.Appended(msg)})
}

func (m *Machine) removeTyping() {
	if m.transcript.RemoveTyping() {
		m.emit(Emit{Event: bus.Removed(session.TypingID)})
	}
}
