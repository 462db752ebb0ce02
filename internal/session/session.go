// Package session holds the chat session data model: transcript entries,
// the typing placeholder, and the outbound replay queue.
package session

import (
	"time"
)

// Sender identifies who produced a transcript entry.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
	SenderSystem    Sender = "system"
)

// TypingID is the sentinel id of the transient "assistant is typing" entry.
const TypingID = "typing"

// Message is a single transcript entry.
type Message struct {
	ID        string    `json:"id"`
	Sender    Sender    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// IsTyping reports whether m is the typing placeholder.
func (m Message) IsTyping() bool { return m.ID == TypingID }

// Transcript is the ordered list of messages shown to the user.
// At most one typing placeholder is kept; appending a non-placeholder
// assistant or system message removes it first.
type Transcript struct {
	messages []Message
}

// Append adds a message. Adding a placeholder replaces any existing one so the
// transcript never carries two.
func (t *Transcript) Append(m Message) {
	if m.IsTyping() || m.Sender != SenderUser {
		t.RemoveTyping()
	}
	t.messages = append(t.messages, m)
}

// RemoveTyping drops the typing placeholder. Returns false if there was none.
func (t *Transcript) RemoveTyping() bool {
	for i, m := range t.messages {
		if m.IsTyping() {
			t.messages = append(t.messages[:i], t.messages[i+1:]...)
			return true
		}
	}
	return false
}

// HasTyping reports whether the placeholder is present.
func (t *Transcript) HasTyping() bool {
	for _, m := range t.messages {
		if m.IsTyping() {
			return true
		}
	}
	return false
}

// Messages returns a copy of the transcript.
func (t *Transcript) Messages() []Message {
	out := make([]Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// Len returns the number of entries, placeholder included.
func (t *Transcript) Len() int { return len(t.messages) }

// Clear removes all messages.
func (t *Transcript) Clear() { t.messages = nil }

// QueuedText is a user text waiting for a usable channel.
type QueuedText struct {
	Text       string    `json:"text"`
	CapturedAt time.Time `json:"captured_at"`
}

// Queue is the outbound replay buffer. It is drained in arrival order.
type Queue struct {
	items []QueuedText
}

// Push appends a text.
func (q *Queue) Push(item QueuedText) {
	q.items = append(q.items, item)
}

// Drain returns all queued items in arrival order and empties the queue.
func (q *Queue) Drain() []QueuedText {
	items := q.items
	q.items = nil
	return items
}

// Items returns a copy of the queued items.
func (q *Queue) Items() []QueuedText {
	out := make([]QueuedText, len(q.items))
	copy(out, q.items)
	return out
}

// Len returns the number of queued items.
func (q *Queue) Len() int { return len(q.items) }

// Clear drops everything.
func (q *Queue) Clear() { q.items = nil }

// Clock hands out non-decreasing timestamps even if the wall clock steps back.
type Clock struct {
	now  func() time.Time
	last time.Time
}

// NewClock wraps now; nil uses time.Now.
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

// Now returns max(previous, now()).
func (c *Clock) Now() time.Time {
	t := c.now()
	if t.Before(c.last) {
		return c.last
	}
	c.last = t
	return t
}
