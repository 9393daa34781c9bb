package call

import (
	"sync"

	"github.com/opd-ai/rtcsignal/signaling"
)

// State is the negotiation state of a call.
//
// StateEnded is terminal and reachable from every other state; once reached,
// no further transition, send or timer firing mutates the call.
type State uint8

const (
	// StateIdle is the initial state of a freshly constructed call.
	StateIdle State = iota
	// StateWaitingForLocalMedia means capture media is being acquired.
	StateWaitingForLocalMedia
	// StateCreatingOffer means the initial offer is being generated.
	StateCreatingOffer
	// StateCreatingAnswer means the answer is being generated.
	StateCreatingAnswer
	// StateInviteSent means the invite is out and the caller is waiting.
	StateInviteSent
	// StateRinging means an inbound call awaits answer or reject.
	StateRinging
	// StateConnecting means descriptions are exchanged and connectivity
	// establishment is in progress.
	StateConnecting
	// StateConnected means media is flowing.
	StateConnected
	// StateEnded is the terminal state.
	StateEnded
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaitingForLocalMedia:
		return "waiting_for_local_media"
	case StateCreatingOffer:
		return "creating_offer"
	case StateCreatingAnswer:
		return "creating_answer"
	case StateInviteSent:
		return "invite_sent"
	case StateRinging:
		return "ringing"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Direction tells which side placed the call. It also fixes the call's
// politeness for renegotiation collisions: inbound calls are polite.
type Direction uint8

const (
	// DirectionInbound is a call received from a remote invite.
	DirectionInbound Direction = iota
	// DirectionOutbound is a call placed by this device.
	DirectionOutbound
)

// String implements fmt.Stringer.
func (d Direction) String() string {
	if d == DirectionOutbound {
		return "outbound"
	}
	return "inbound"
}

// polite reports whether this side defers in a renegotiation collision.
func (d Direction) polite() bool { return d == DirectionInbound }

// Purpose tells what a media feed carries.
type Purpose string

const (
	// PurposeUsermedia is camera/microphone capture.
	PurposeUsermedia Purpose = "usermedia"
	// PurposeScreenshare is screen content.
	PurposeScreenshare Purpose = "screenshare"
)

// Feed is one local or remote media feed of a call.
type Feed struct {
	// UserID identifies the feed's owner.
	UserID string
	// Purpose tells whether the feed is camera/microphone or screen.
	Purpose Purpose
	// Local reports whether the feed originates on this device.
	Local bool
	// Stream is the underlying media stream.
	Stream MediaStream
}

// HangupParty tells which side ended a call.
type HangupParty uint8

const (
	// HangupPartyNone means the call has not ended.
	HangupPartyNone HangupParty = iota
	// HangupPartyLocal means this side ended the call.
	HangupPartyLocal
	// HangupPartyRemote means the opponent ended the call.
	HangupPartyRemote
)

// Hangup records how a call ended. Set once, at termination.
type Hangup struct {
	Party  HangupParty
	Reason signaling.Reason
}

// notifier delivers subscriber callbacks in FIFO order per call, outside the
// call lock. At most one goroutine drains the queue at a time, so delivery
// order matches enqueue order.
type notifier struct {
	mu       sync.Mutex
	queue    []func()
	draining bool
}

// enqueue appends a callback invocation to the queue.
func (n *notifier) enqueue(f func()) {
	if f == nil {
		return
	}
	n.mu.Lock()
	n.queue = append(n.queue, f)
	n.mu.Unlock()
}

// drain runs queued callbacks until the queue is empty. Safe to call from
// any goroutine; concurrent drains collapse into one.
func (n *notifier) drain() {
	n.mu.Lock()
	if n.draining {
		n.mu.Unlock()
		return
	}
	n.draining = true
	for len(n.queue) > 0 {
		f := n.queue[0]
		n.queue = n.queue[1:]
		n.mu.Unlock()
		f()
		n.mu.Lock()
	}
	n.draining = false
	n.mu.Unlock()
}
