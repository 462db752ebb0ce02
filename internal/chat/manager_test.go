package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dayuer/convai-widget/internal/bus"
	"github.com/dayuer/convai-widget/internal/protocol"
)

type fakeChannel struct {
	mu        sync.Mutex
	h         Handler
	sent      []map[string]any
	sendErr   error
	failTexts bool
	closed    bool
	code      int
	reason    string
	detached  bool
}

func (c *fakeChannel) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	var v map[string]any
	_ = json.Unmarshal(data, &v)
	if c.failTexts && v["type"] == protocol.TypeUserMessage {
		return errors.New("write: connection reset by peer")
	}
	c.sent = append(c.sent, v)
	return nil
}

func (c *fakeChannel) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed, c.code, c.reason = true, code, reason
	return nil
}

func (c *fakeChannel) Detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detached = true
}

func (c *fakeChannel) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, v := range c.sent {
		out = append(out, v["type"].(string))
	}
	return out
}

func (c *fakeChannel) texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, v := range c.sent {
		if v["type"] == protocol.TypeUserMessage {
			out = append(out, v["text"].(string))
		}
	}
	return out
}

func (c *fakeChannel) isClosed() (bool, int, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.code, c.reason, c.detached
}

type fakeDialer struct {
	mu      sync.Mutex
	agents  []string
	chans   []*fakeChannel
	err     error
	sendErr error

	// failFirstTexts makes the first channel reject user_message writes.
	failFirstTexts bool
}

func (d *fakeDialer) Dial(_ context.Context, agentID string, h Handler) (Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.agents = append(d.agents, agentID)
	if d.err != nil {
		return nil, d.err
	}
	ch := &fakeChannel{h: h, sendErr: d.sendErr, failTexts: d.failFirstTexts && len(d.chans) == 0}
	d.chans = append(d.chans, ch)
	return ch, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.agents)
}

func (d *fakeDialer) agentList() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.agents...)
}

func (d *fakeDialer) channel(i int) *fakeChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.chans) {
		return nil
	}
	return d.chans[i]
}

type recordSink struct {
	mu     sync.Mutex
	events []bus.Event
}

func (s *recordSink) Publish(ev bus.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordSink) kinds() []bus.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []bus.Kind
	for _, ev := range s.events {
		out = append(out, ev.Kind)
	}
	return out
}

type staticResolver string

func (r staticResolver) DefaultAgentID(context.Context) (string, error) { return string(r), nil }

func fastOptions() Options {
	return Options{FlushDelay: 10 * time.Millisecond, FocusDelay: 5 * time.Millisecond, ResponseTimeout: -1}
}

func newTestManager(t *testing.T, d Dialer, opts ...ManagerOption) (*Manager, *recordSink) {
	t.Helper()
	sink := &recordSink{}
	m := NewManager("sess-1", d, sink, append([]ManagerOption{WithOptions(fastOptions())}, opts...)...)
	t.Cleanup(m.Close)
	return m, sink
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestManager_RoundTrip(t *testing.T) {
	d := &fakeDialer{}
	m, sink := newTestManager(t, d)

	require.NoError(t, m.Connect(context.Background(), "A1"))
	waitFor(t, func() bool { return m.Snapshot().State == Open })

	ch := d.channel(0)
	require.NotNil(t, ch)
	assert.Equal(t, []string{protocol.TypeInitiation}, ch.types())

	require.NoError(t, m.SubmitUserText("hi"))
	waitFor(t, func() bool { return len(ch.texts()) == 1 })
	assert.Equal(t, []string{"hi"}, ch.texts())

	ch.h.OnMessage(agentResponse("hello"))
	waitFor(t, func() bool { return !m.Snapshot().Loading })

	msgs := m.Snapshot().Messages
	require.NotEmpty(t, msgs)
	assert.Equal(t, "hello", msgs[len(msgs)-1].Text)

	waitFor(t, func() bool {
		for _, k := range sink.kinds() {
			if k == bus.KindFocusInput {
				return true
			}
		}
		return false
	})

	sink.mu.Lock()
	defer sink.mu.Unlock()
	for _, ev := range sink.events {
		assert.Equal(t, "sess-1", ev.SessionKey)
	}
}

func TestManager_QueueFlushedAfterOpen(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d, WithFallbackAgent("A1"))

	require.NoError(t, m.SubmitUserText("one"))
	require.NoError(t, m.SubmitUserText("two"))

	waitFor(t, func() bool {
		ch := d.channel(0)
		return ch != nil && len(ch.texts()) == 2
	})
	assert.Equal(t, []string{"one", "two"}, d.channel(0).texts())
	assert.Equal(t, 1, d.count())
	assert.Empty(t, m.Snapshot().Queued)
}

func TestManager_EndConversationDetachesBeforeClose(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d)

	require.NoError(t, m.Connect(context.Background(), "A1"))
	waitFor(t, func() bool { return m.Snapshot().State == Open })
	ch := d.channel(0)

	require.NoError(t, m.EndConversation())
	waitFor(t, func() bool { closed, _, _, _ := ch.isClosed(); return closed })
	closed, code, reason, detached := ch.isClosed()
	assert.True(t, closed)
	assert.True(t, detached)
	assert.Equal(t, protocol.CloseNormal, code)
	assert.Equal(t, protocol.ReasonUserEnded, reason)
	assert.Contains(t, ch.types(), protocol.TypeConversationEnd)

	// a late callback from the old channel changes nothing
	ch.h.OnClose(1006, "")
	ch.h.OnError(errors.New("late"))
	snap := m.Snapshot()
	assert.Equal(t, ClosingIntentional, snap.State)
	assert.Empty(t, snap.Messages)
	assert.False(t, snap.PendingNetworkRecovery)
}

func TestManager_UnexpectedCloseThenRecovery(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d)

	require.NoError(t, m.Connect(context.Background(), "A1"))
	waitFor(t, func() bool { return m.Snapshot().State == Open })

	d.channel(0).h.OnClose(1006, "")
	waitFor(t, func() bool { return m.Snapshot().PendingNetworkRecovery })

	require.NoError(t, m.SubmitUserText("x"))
	waitFor(t, func() bool {
		ch := d.channel(1)
		return ch != nil && len(ch.texts()) == 1
	})
	assert.Equal(t, []string{"A1", "A1"}, d.agentList())
	assert.False(t, m.Snapshot().PendingNetworkRecovery)
}

func TestManager_DialFailure(t *testing.T) {
	d := &fakeDialer{err: errors.New("refused")}
	m, _ := newTestManager(t, d)

	require.NoError(t, m.Connect(context.Background(), "A1"))
	waitFor(t, func() bool { return m.Snapshot().PendingNetworkRecovery })
	assert.Equal(t, Disconnected, m.Snapshot().State)
}

func TestManager_SendFailureTakesErrorPath(t *testing.T) {
	d := &fakeDialer{sendErr: errors.New("write: broken pipe")}
	m, _ := newTestManager(t, d)

	require.NoError(t, m.Connect(context.Background(), "A1"))
	waitFor(t, func() bool { return m.Snapshot().PendingNetworkRecovery })

	closed, _, _, detached := d.channel(0).isClosed()
	assert.True(t, detached)
	waitFor(t, func() bool { closed, _, _, _ = d.channel(0).isClosed(); return closed })
}

func TestManager_FailedFlushReplaysOnNextChannel(t *testing.T) {
	d := &fakeDialer{failFirstTexts: true}
	m, _ := newTestManager(t, d, WithFallbackAgent("A1"))

	require.NoError(t, m.SubmitUserText("a"))
	waitFor(t, func() bool { return m.Snapshot().PendingNetworkRecovery })
	queued := m.Snapshot().Queued
	require.Len(t, queued, 1)
	assert.Equal(t, "a", queued[0].Text)

	require.NoError(t, m.SubmitUserText("c"))
	waitFor(t, func() bool {
		ch := d.channel(1)
		return ch != nil && len(ch.texts()) == 2
	})
	assert.Equal(t, []string{"a", "c"}, d.channel(1).texts())
	assert.Empty(t, d.channel(0).texts())
	assert.Empty(t, m.Snapshot().Queued)
}

// blockingSink holds the loop inside Publish until released.
type blockingSink struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *blockingSink) Publish(bus.Event) {
	s.once.Do(func() { close(s.entered) })
	<-s.release
}

func TestManager_CloseReturnsWhenLoopIsStuck(t *testing.T) {
	sink := &blockingSink{entered: make(chan struct{}), release: make(chan struct{})}
	defer close(sink.release)
	m := NewManager("s", &fakeDialer{}, sink, WithOptions(fastOptions()))

	m.PostControl(protocol.DisconnectAndClear())
	select {
	case <-sink.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("loop never published")
	}
	for i := 0; i < cap(m.inbox); i++ {
		m.PostControl(protocol.DisconnectAndClear())
	}

	closed := make(chan struct{})
	go func() {
		m.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("Close blocked behind a stuck loop")
	}
}

func TestManager_ResolverSuppliesAgent(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d, WithResolver(staticResolver("R1")))

	require.NoError(t, m.Connect(context.Background(), ""))
	waitFor(t, func() bool { return d.count() == 1 })
	assert.Equal(t, []string{"R1"}, d.agentList())
}

func TestManager_NoAgent(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d)

	assert.ErrorIs(t, m.Connect(context.Background(), ""), ErrNoAgent)
	assert.Equal(t, 0, d.count())
}

func TestManager_PostControlResets(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d)

	require.NoError(t, m.Connect(context.Background(), "A1"))
	waitFor(t, func() bool { return m.Snapshot().State == Open })
	require.NoError(t, m.SubmitUserText("hi"))

	m.PostControl(protocol.DisconnectAndClear())
	waitFor(t, func() bool {
		snap := m.Snapshot()
		return snap.State == Disconnected && len(snap.Messages) == 0
	})
	assert.False(t, m.Snapshot().SuppressReconnect)
}

func TestManager_CloseReleasesChannel(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager("s", d, nil, WithOptions(fastOptions()))

	require.NoError(t, m.Connect(context.Background(), "A1"))
	waitFor(t, func() bool { return d.channel(0) != nil })
	waitFor(t, func() bool { return m.Snapshot().State == Open })

	m.Close()
	m.Close()

	waitFor(t, func() bool { closed, _, _, _ := d.channel(0).isClosed(); return closed })
	assert.ErrorIs(t, m.SubmitUserText("late"), ErrClosed)
	assert.Equal(t, Snapshot{}, m.Snapshot())
}
