package chat

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/dayuer/convai-widget/internal/bus"
	"github.com/dayuer/convai-widget/internal/protocol"
)

// ErrClosed is returned by Manager methods after Close.
var ErrClosed = errors.New("chat manager closed")

// Handler receives callbacks from one channel.
type Handler interface {
	OnMessage(raw []byte)
	OnClose(code int, reason string)
	OnError(err error)
}

// Channel is a live realtime connection.
type Channel interface {
	Send(data []byte) error
	// Close sends a close frame with code and reason and releases the connection.
	Close(code int, reason string) error
	// Detach stops all further Handler callbacks.
	Detach()
}

// Dialer opens channels to the remote agent.
type Dialer interface {
	Dial(ctx context.Context, agentID string, h Handler) (Channel, error)
}

// Sink receives transcript events.
type Sink interface {
	Publish(ev bus.Event)
}

// AgentResolver supplies a default agent id when none is given.
type AgentResolver interface {
	DefaultAgentID(ctx context.Context) (string, error)
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithOptions sets the machine timing.
func WithOptions(opts Options) ManagerOption {
	return func(m *Manager) { m.opts = opts }
}

// WithFallbackAgent sets the agent id used when Connect gets none.
func WithFallbackAgent(agentID string) ManagerOption {
	return func(m *Manager) { m.fallbackAgent = agentID }
}

// WithResolver looks up a default agent id lazily when neither an explicit nor
// a fallback id is available.
func WithResolver(r AgentResolver) ManagerOption {
	return func(m *Manager) { m.resolver = r }
}

// Manager runs a Machine on its own event loop. Every input (user call,
// channel callback, timer) is serialized through the loop.
type Manager struct {
	key           string
	opts          Options
	fallbackAgent string
	resolver      AgentResolver
	dialTimeout   time.Duration

	machine *Machine
	dialer  Dialer
	sink    Sink

	inbox chan func()
	done  chan struct{}
	ctx   context.Context
	stop  context.CancelFunc
	once  sync.Once

	// owned by the loop goroutine
	channels map[ChannelID]Channel
	timers   map[*time.Timer]struct{}
}

// NewManager creates a manager for one session and starts its loop.
// sessionKey is stamped on every published event.
func NewManager(sessionKey string, dialer Dialer, sink Sink, opts ...ManagerOption) *Manager {
	m := &Manager{
		key:         sessionKey,
		opts:        DefaultOptions(),
		dialer:      dialer,
		sink:        sink,
		dialTimeout: 15 * time.Second,
		inbox:       make(chan func(), 64),
		done:        make(chan struct{}),
		channels:    make(map[ChannelID]Channel),
		timers:      make(map[*time.Timer]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.ctx, m.stop = context.WithCancel(context.Background())
	m.machine = NewMachine(m.opts)
	m.machine.SetFallbackAgent(m.fallbackAgent)
	go m.loop()
	return m
}

// SessionKey returns the key events are published under.
func (m *Manager) SessionKey() string { return m.key }

func (m *Manager) loop() {
	for {
		select {
		case fn := <-m.inbox:
			fn()
		case <-m.done:
			return
		}
	}
}

// do runs fn on the loop and waits for it.
func (m *Manager) do(fn func()) error {
	finished := make(chan struct{})
	select {
	case m.inbox <- func() { fn(); close(finished) }:
	case <-m.done:
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-m.done:
		return ErrClosed
	}
}

// post queues fn without waiting. It reports false once the manager is closed.
func (m *Manager) post(fn func()) bool {
	select {
	case m.inbox <- fn:
		return true
	case <-m.done:
		return false
	}
}

// Connect opens a channel to agentID. An empty id uses the fallback agent and
// then the resolver.
func (m *Manager) Connect(ctx context.Context, agentID string) error {
	if agentID == "" && m.resolver != nil {
		var unresolved bool
		if err := m.do(func() { unresolved = m.machine.agentID == "" && m.machine.fallbackAgent == "" }); err != nil {
			return err
		}
		if unresolved {
			id, err := m.resolver.DefaultAgentID(ctx)
			if err != nil {
				log.Printf("[Chat] default agent lookup failed: %v", err)
			} else if id != "" {
				agentID = id
				_ = m.do(func() { m.machine.SetFallbackAgent(id) })
			}
		}
	}

	var connectErr error
	err := m.do(func() {
		var effects []Effect
		effects, connectErr = m.machine.Connect(agentID)
		m.apply(effects)
	})
	if err != nil {
		return err
	}
	return connectErr
}

// SubmitUserText hands user input to the session.
func (m *Manager) SubmitUserText(text string) error {
	return m.do(func() { m.apply(m.machine.Submit(text)) })
}

// EndConversation terminates the conversation at the user's request.
func (m *Manager) EndConversation() error {
	return m.do(func() { m.apply(m.machine.EndConversation()) })
}

// ResetSession clears everything and returns to Disconnected.
func (m *Manager) ResetSession() error {
	return m.do(func() { m.apply(m.machine.ResetSession()) })
}

// HandleControl applies a host control message.
func (m *Manager) HandleControl(msg protocol.ControlMessage) error {
	return m.do(func() { m.apply(m.machine.HandleControl(msg)) })
}

// Snapshot returns a copy of the session state.
func (m *Manager) Snapshot() Snapshot {
	var snap Snapshot
	if err := m.do(func() { snap = m.machine.Snapshot() }); err != nil {
		return Snapshot{}
	}
	return snap
}

// PostControl delivers a control message from the embedding side. It does not
// wait for the message to be applied.
func (m *Manager) PostControl(msg protocol.ControlMessage) {
	m.post(func() { m.apply(m.machine.HandleControl(msg)) })
}

// Remove tears the surface down.
func (m *Manager) Remove() {
	m.Close()
}

// Close stops the loop, detaches and closes every channel, and stops timers.
// It gives the loop one second to run the cleanup; a loop stuck on its sink
// is abandoned.
func (m *Manager) Close() {
	m.once.Do(func() {
		cleaned := make(chan struct{})
		cleanup := func() {
			for t := range m.timers {
				t.Stop()
			}
			for id, ch := range m.channels {
				delete(m.channels, id)
				ch.Detach()
				go ch.Close(protocol.CloseNormal, protocol.ReasonUserEnded)
			}
			close(cleaned)
		}

		timeout := time.NewTimer(time.Second)
		defer timeout.Stop()
		select {
		case m.inbox <- cleanup:
			select {
			case <-cleaned:
			case <-timeout.C:
				log.Printf("[Chat] %s: loop did not drain on close", m.key)
			}
		case <-timeout.C:
			log.Printf("[Chat] %s: loop busy, closing without cleanup", m.key)
		}
		m.stop()
		close(m.done)
	})
}

// apply executes effects in order. Effects produced by a failed send run after
// the rest of the batch so views see events in the order the machine made them.
func (m *Manager) apply(effects []Effect) {
	for i := 0; i < len(effects); i++ {
		switch e := effects[i].(type) {
		case OpenChannel:
			m.dial(e)
		case SendOp:
			effects = append(effects, m.send(e)...)
		case CloseChannel:
			if ch, ok := m.channels[e.Channel]; ok {
				delete(m.channels, e.Channel)
				ch.Detach()
				go func() {
					if err := ch.Close(e.Code, e.Reason); err != nil {
						log.Printf("[Chat] close channel %d: %v", e.Channel, err)
					}
				}()
			}
		case StartTimer:
			m.startTimer(e)
		case Emit:
			if m.sink != nil {
				ev := e.Event
				ev.SessionKey = m.key
				m.sink.Publish(ev)
			}
		}
	}
}

func (m *Manager) dial(e OpenChannel) {
	h := &channelHandler{m: m, id: e.Channel}
	go func() {
		ctx, cancel := context.WithTimeout(m.ctx, m.dialTimeout)
		defer cancel()
		ch, err := m.dialer.Dial(ctx, e.AgentID, h)
		posted := m.post(func() {
			if err != nil {
				m.apply(m.machine.ChannelFailed(e.Channel, err))
				return
			}
			m.channels[e.Channel] = ch
			m.apply(m.machine.ChannelOpened(e.Channel))
		})
		if !posted && err == nil {
			ch.Detach()
			ch.Close(protocol.CloseNormal, protocol.ReasonUserEnded)
		}
	}()
}

func (m *Manager) send(e SendOp) []Effect {
	ch, ok := m.channels[e.Channel]
	if !ok {
		log.Printf("[Chat] drop %s: channel %d not live", e.Op.OpType(), e.Channel)
		return m.machine.SendFailed(e, nil)
	}
	data, err := protocol.Encode(e.Op)
	if err != nil {
		log.Printf("[Chat] %v", err)
		return nil
	}
	if err := ch.Send(data); err != nil {
		return m.machine.SendFailed(e, err)
	}
	return nil
}

func (m *Manager) startTimer(e StartTimer) {
	var t *time.Timer
	t = time.AfterFunc(e.Delay, func() {
		m.post(func() {
			delete(m.timers, t)
			m.apply(m.machine.TimerFired(e.Timer))
		})
	})
	m.timers[t] = struct{}{}
}

// channelHandler tags callbacks with the channel they came from.
type channelHandler struct {
	m  *Manager
	id ChannelID
}

func (h *channelHandler) OnMessage(raw []byte) {
	h.m.post(func() { h.m.apply(h.m.machine.ChannelMessage(h.id, raw)) })
}

func (h *channelHandler) OnClose(code int, reason string) {
	h.m.post(func() { h.m.apply(h.m.machine.ChannelClosed(h.id, code, reason)) })
}

func (h *channelHandler) OnError(err error) {
	h.m.post(func() { h.m.apply(h.m.machine.ChannelError(h.id, err)) })
}
