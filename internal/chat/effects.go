package chat

import (
	"fmt"
	"time"

	"github.com/dayuer/convai-widget/internal/bus"
	"github.com/dayuer/convai-widget/internal/protocol"
	"github.com/dayuer/convai-widget/internal/session"
)

// State is the connection state of a session.
type State int

const (
	Disconnected State = iota
	Connecting
	Open
	ClosingIntentional
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case ClosingIntentional:
		return "closing_intentional"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ChannelID identifies one channel generation. Zero means no channel.
type ChannelID uint64

// TimerKind names the delayed actions the machine schedules.
type TimerKind int

const (
	TimerFlush TimerKind = iota
	TimerFocus
	TimerResponse
)

// Timer is handed back to the machine when it fires. Token is checked against
// current state so a timer outliving its session does nothing.
type Timer struct {
	Kind  TimerKind
	Token uint64
}

// Effect is a side effect requested by the machine. The driver executes
// effects in the order returned.
type Effect interface {
	isEffect()
}

// OpenChannel asks the driver to dial a new channel tagged with Channel.
type OpenChannel struct {
	Channel ChannelID
	AgentID string
}

// SendOp writes one operation on the given channel. Replay is set for user
// texts; the driver hands it back through SendFailed when the write does not
// go out.
type SendOp struct {
	Channel ChannelID
	Op      protocol.Op
	Replay  *session.QueuedText
}

// CloseChannel detaches the channel's callbacks and then closes it.
type CloseChannel struct {
	Channel ChannelID
	Code    int
	Reason  string
}

// StartTimer schedules Timer to fire after Delay.
type StartTimer struct {
	Timer Timer
	Delay time.Duration
}

// Emit publishes a transcript event to the presentation layer.
type Emit struct {
	Event bus.Event
}

func (OpenChannel) isEffect()  {}
func (SendOp) isEffect()       {}
func (CloseChannel) isEffect() {}
func (StartTimer) isEffect()   {}
func (Emit) isEffect()         {}
