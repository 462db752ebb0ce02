package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func typing() Message {
	return Message{ID: TypingID, Sender: SenderAssistant}
}

func TestTranscript_AppendKeepsSinglePlaceholder(t *testing.T) {
	var tr Transcript
	tr.Append(Message{ID: "1", Sender: SenderUser, Text: "a"})
	tr.Append(typing())
	tr.Append(typing())

	assert.Equal(t, 2, tr.Len())
	assert.True(t, tr.HasTyping())
}

func TestTranscript_UserMessageKeepsPlaceholder(t *testing.T) {
	var tr Transcript
	tr.Append(typing())
	tr.Append(Message{ID: "1", Sender: SenderUser, Text: "a"})

	assert.True(t, tr.HasTyping())
}

func TestTranscript_AssistantReplacesPlaceholder(t *testing.T) {
	var tr Transcript
	tr.Append(Message{ID: "1", Sender: SenderUser, Text: "hi"})
	tr.Append(typing())
	tr.Append(Message{ID: "2", Sender: SenderAssistant, Text: "hello"})

	msgs := tr.Messages()
	assert.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[0].Text)
	assert.Equal(t, "hello", msgs[1].Text)
	assert.False(t, tr.HasTyping())
}

func TestTranscript_SystemReplacesPlaceholder(t *testing.T) {
	var tr Transcript
	tr.Append(typing())
	tr.Append(Message{ID: "s", Sender: SenderSystem, Text: "Connecting…"})
	assert.False(t, tr.HasTyping())
	assert.Equal(t, 1, tr.Len())
}

func TestTranscript_RemoveTyping(t *testing.T) {
	var tr Transcript
	assert.False(t, tr.RemoveTyping())
	tr.Append(typing())
	assert.True(t, tr.RemoveTyping())
	assert.Equal(t, 0, tr.Len())
}

func TestTranscript_MessagesIsACopy(t *testing.T) {
	var tr Transcript
	tr.Append(Message{ID: "1", Sender: SenderUser, Text: "a"})
	msgs := tr.Messages()
	msgs[0].Text = "changed"
	assert.Equal(t, "a", tr.Messages()[0].Text)
}

func TestQueue_DrainInOrder(t *testing.T) {
	var q Queue
	q.Push(QueuedText{Text: "one"})
	q.Push(QueuedText{Text: "two"})
	q.Push(QueuedText{Text: "three"})

	items := q.Drain()
	assert.Equal(t, []string{"one", "two", "three"}, []string{items[0].Text, items[1].Text, items[2].Text})
	assert.Equal(t, 0, q.Len())
	assert.Empty(t, q.Drain())
}

func TestQueue_Clear(t *testing.T) {
	var q Queue
	q.Push(QueuedText{Text: "x"})
	q.Clear()
	assert.Equal(t, 0, q.Len())
	assert.Empty(t, q.Items())
}

func TestClock_NonDecreasing(t *testing.T) {
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	times := []time.Time{base, base.Add(-time.Second), base.Add(time.Second)}
	i := 0
	c := NewClock(func() time.Time {
		t := times[i]
		i++
		return t
	})

	assert.Equal(t, base, c.Now())
	assert.Equal(t, base, c.Now(), "clock must not step back")
	assert.Equal(t, base.Add(time.Second), c.Now())
}
