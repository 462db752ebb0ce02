// Package bus carries view-facing notifications from chat sessions to whatever
// renders them (terminal, websocket bridge).
package bus

import (
	"time"

	"github.com/dayuer/convai-widget/internal/session"
)

// Kind classifies an Event.
type Kind string

const (
	KindMessageAppended   Kind = "message_appended"
	KindMessageRemoved    Kind = "message_removed"
	KindTranscriptCleared Kind = "transcript_cleared"
	KindStateChanged      Kind = "state_changed"
	KindLoadingChanged    Kind = "loading_changed"
	KindInputCleared      Kind = "input_cleared"
	KindFocusInput        Kind = "focus_input"
	KindConversationID    Kind = "conversation_id"
)

// Event is a single change a view should reflect. Only fields relevant to Kind
// are populated.
type Event struct {
	SessionKey     string           `json:"session_key"`
	Kind           Kind             `json:"kind"`
	Message        *session.Message `json:"message,omitempty"`
	MessageID      string           `json:"message_id,omitempty"`
	State          string           `json:"state,omitempty"`
	Loading        bool             `json:"loading,omitempty"`
	ConversationID string           `json:"conversation_id,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
}

// Appended builds a message_appended event.
func Appended(m session.Message) Event {
	return Event{Kind: KindMessageAppended, Message: &m, Timestamp: m.Timestamp}
}

// Removed builds a message_removed event.
func Removed(id string) Event {
	return Event{Kind: KindMessageRemoved, MessageID: id}
}
