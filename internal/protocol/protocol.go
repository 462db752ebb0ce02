// Package protocol defines the JSON wire format spoken with the remote
// conversational agent and the control message sent by the host page.
//
// Outbound (client → agent):
//
//	{"type": "conversation_initiation_client_data", ...}  once, right after open
//	{"type": "user_message", "text": "..."}
//	{"type": "conversation_end", "conversation_id": "..." | null}
//
// Inbound (agent → client), discriminated by "type":
//
//	agent_response   → agent_response_event.agent_response
//	conversation_id  → conversation_id
//	error            → error (string or object)
//
// Any other inbound type is ignored.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Outbound operation types.
const (
	TypeInitiation      = "conversation_initiation_client_data"
	TypeUserMessage     = "user_message"
	TypeConversationEnd = "conversation_end"
)

// Inbound event types.
const (
	TypeAgentResponse  = "agent_response"
	TypeConversationID = "conversation_id"
	TypeError          = "error"
)

// Close codes and reasons used to classify channel closure.
const (
	CloseNormal = 1000

	// ReasonUserEnded marks a close the user asked for. Any other
	// code/reason combination is an unexpected loss.
	ReasonUserEnded = "user-ended"
)

// IsIntentionalClose reports whether a close frame was sent because the user
// ended the conversation.
func IsIntentionalClose(code int, reason string) bool {
	return code == CloseNormal && reason == ReasonUserEnded
}

// ErrMalformed is returned by DecodeEvent for payloads that are not JSON objects
// with a string "type".
var ErrMalformed = errors.New("malformed agent event")

// Op is an outbound operation.
type Op interface {
	OpType() string
}

// Initiation is the handshake sent immediately after the channel opens.
type Initiation struct {
	Type                       string         `json:"type"`
	ConversationConfigOverride map[string]any `json:"conversation_config_override"`
	CustomLLMExtraBody         map[string]any `json:"custom_llm_extra_body"`
	DynamicVariables           map[string]any `json:"dynamic_variables"`
}

// NewInitiation returns the handshake with empty overrides.
func NewInitiation() Initiation {
	return Initiation{
		Type:                       TypeInitiation,
		ConversationConfigOverride: map[string]any{},
		CustomLLMExtraBody:         map[string]any{},
		DynamicVariables:           map[string]any{},
	}
}

func (Initiation) OpType() string { return TypeInitiation }

// UserMessage carries one user-submitted text.
type UserMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// NewUserMessage builds a user_message operation.
func NewUserMessage(text string) UserMessage {
	return UserMessage{Type: TypeUserMessage, Text: text}
}

func (UserMessage) OpType() string { return TypeUserMessage }

// ConversationEnd is the best-effort termination notice. ConversationID is
// encoded as null when unknown.
type ConversationEnd struct {
	Type           string  `json:"type"`
	ConversationID *string `json:"conversation_id"`
}

// NewConversationEnd builds a conversation_end operation.
func NewConversationEnd(conversationID string) ConversationEnd {
	op := ConversationEnd{Type: TypeConversationEnd}
	if conversationID != "" {
		op.ConversationID = &conversationID
	}
	return op
}

func (ConversationEnd) OpType() string { return TypeConversationEnd }

// Encode serializes an outbound operation.
func Encode(op Op) ([]byte, error) {
	data, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", op.OpType(), err)
	}
	return data, nil
}

// Event is a decoded inbound event. Only the fields relevant to Type are set.
type Event struct {
	Type           string
	AgentResponse  string
	ConversationID string
	Error          string
}

type rawEvent struct {
	Type               string          `json:"type"`
	AgentResponseEvent *struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event"`
	ConversationID string          `json:"conversation_id"`
	Error          json.RawMessage `json:"error"`
}

// DecodeEvent parses an inbound payload. Unknown types decode successfully
// with only Type set so the caller can ignore them.
func DecodeEvent(raw []byte) (Event, error) {
	var r rawEvent
	if err := json.Unmarshal(raw, &r); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if r.Type == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	ev := Event{Type: r.Type}
	switch r.Type {
	case TypeAgentResponse:
		if r.AgentResponseEvent == nil {
			return Event{}, fmt.Errorf("%w: agent_response without agent_response_event", ErrMalformed)
		}
		ev.AgentResponse = r.AgentResponseEvent.AgentResponse
	case TypeConversationID:
		ev.ConversationID = r.ConversationID
	case TypeError:
		ev.Error = errorText(r.Error)
	}
	return ev, nil
}

// errorText flattens the error payload, which agents send either as a plain
// string or as an object.
func errorText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &obj) == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}

// Host → chat surface control message.
const (
	ControlDisconnectAndClear = "DISCONNECT_AND_CLEAR"
	ControlSource             = "ai-chat-widget"
)

// ControlMessage is delivered across the embedding boundary.
type ControlMessage struct {
	Type   string `json:"type"`
	Source string `json:"source"`
}

// DisconnectAndClear returns the teardown control message.
func DisconnectAndClear() ControlMessage {
	return ControlMessage{Type: ControlDisconnectAndClear, Source: ControlSource}
}

// IsDisconnectAndClear reports whether m is a teardown request from the widget loader.
func (m ControlMessage) IsDisconnectAndClear() bool {
	return m.Type == ControlDisconnectAndClear && m.Source == ControlSource
}
