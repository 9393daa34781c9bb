package rtcsignal

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/rtcsignal/call"
	"github.com/opd-ai/rtcsignal/signaling"
)

// maxBufferedCandidateEvents bounds the candidate events held for a call
// that does not exist yet.
const maxBufferedCandidateEvents = 50

// MediaSessionFactory creates the media-transport session for one call.
type MediaSessionFactory func() (call.MediaSession, error)

// Config configures an Engine.
type Config struct {
	// UserID identifies this user on the messaging network. Required.
	UserID string

	// PartyID is this device's opaque party token. Generated when empty.
	PartyID string

	// Call is the per-call timing and retry policy. Zero fields take
	// defaults.
	Call call.Config

	// Constraints describes the capture media calls acquire. Defaults to
	// audio only.
	Constraints call.Constraints

	// Clock drives every engine and call timer. Defaults to the system
	// clock; tests inject a manual one.
	Clock call.Clock
}

// Engine routes inbound signaling events to call instances and owns the
// call registry. One engine serves one device (user id plus party id).
//
// The engine expects events from the transport's delivery cycle to be fed
// through Enqueue and applied with Flush; see the package documentation.
type Engine struct {
	cfg        Config
	newSession MediaSessionFactory
	provider   call.MediaProvider
	sender     call.Sender
	log        *logrus.Entry

	mu                sync.Mutex
	calls             map[string]*call.Call
	pendingCandidates map[string][]*signaling.Event
	ended             map[string]signaling.Reason
	surfaced          map[string]bool
	buffer            []*bufferedEvent
	incomingCB        func(c *call.Call)
	endedCB           func(callID string, reason signaling.Reason)
}

// New creates an engine.
func New(cfg Config, sessions MediaSessionFactory, provider call.MediaProvider, sender call.Sender) (*Engine, error) {
	if cfg.UserID == "" {
		return nil, ErrMissingUserID
	}
	if sessions == nil {
		return nil, ErrNilSessionFactory
	}
	if provider == nil {
		return nil, ErrNilMediaProvider
	}
	if sender == nil {
		return nil, ErrNilSender
	}
	if cfg.PartyID == "" {
		cfg.PartyID = uuid.NewString()
	}
	if cfg.Clock == nil {
		cfg.Clock = call.SystemClock{}
	}

	e := &Engine{
		cfg:               cfg,
		newSession:        sessions,
		provider:          provider,
		sender:            sender,
		calls:             make(map[string]*call.Call),
		pendingCandidates: make(map[string][]*signaling.Event),
		ended:             make(map[string]signaling.Reason),
		surfaced:          make(map[string]bool),
		log: logrus.WithFields(logrus.Fields{
			"user_id":  cfg.UserID,
			"party_id": cfg.PartyID,
		}),
	}
	e.log.WithFields(logrus.Fields{
		"function": "New",
	}).Info("Signaling engine created")
	return e, nil
}

// PartyID returns this device's party token.
func (e *Engine) PartyID() string { return e.cfg.PartyID }

// SetIncomingCallCallback registers the incoming-call notification. The
// call is already ringing when delivered.
func (e *Engine) SetIncomingCallCallback(f func(c *call.Call)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.incomingCB = f
}

// SetCallEndedCallback registers a notification for calls leaving the
// registry. It fires only for calls the application has seen: calls it
// placed and incoming calls it was notified of. Calls resolved internally,
// such as glare losers, end silently.
func (e *Engine) SetCallEndedCallback(f func(callID string, reason signaling.Reason)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.endedCB = f
}

// PlaceCall starts an outbound call in a room. One live call per room.
func (e *Engine) PlaceCall(ctx context.Context, roomID string) (*call.Call, error) {
	if existing := e.CallForRoom(roomID); existing != nil {
		return nil, ErrCallInProgress
	}
	c, err := e.newCall("", roomID, call.DirectionOutbound)
	if err != nil {
		return nil, err
	}
	e.markSurfaced(c.ID())
	if err := c.Place(ctx); err != nil {
		return nil, err
	}
	e.log.WithFields(logrus.Fields{
		"function": "PlaceCall",
		"call_id":  c.ID(),
		"room_id":  roomID,
	}).Info("Outbound call placed")
	return c, nil
}

// CallByID returns the live call with the given id, or nil.
func (e *Engine) CallByID(callID string) *call.Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[callID]
}

// CallForRoom returns the live call in a room, or nil.
func (e *Engine) CallForRoom(roomID string) *call.Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.callForRoomLocked(roomID)
}

func (e *Engine) callForRoomLocked(roomID string) *call.Call {
	for _, c := range e.calls {
		if c.RoomID() == roomID && c.State() != call.StateEnded {
			return c
		}
	}
	return nil
}

// Calls returns a snapshot of the live call registry.
func (e *Engine) Calls() []*call.Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*call.Call, 0, len(e.calls))
	for _, c := range e.calls {
		out = append(out, c)
	}
	return out
}

// newCall constructs and registers a call bound to this engine.
func (e *Engine) newCall(callID, roomID string, dir call.Direction) (*call.Call, error) {
	session, err := e.newSession()
	if err != nil {
		return nil, fmt.Errorf("creating media session: %w", err)
	}
	c, err := call.New(call.Options{
		ID:            callID,
		RoomID:        roomID,
		Direction:     dir,
		OurUserID:     e.cfg.UserID,
		OurPartyID:    e.cfg.PartyID,
		Media:         session,
		MediaProvider: e.provider,
		Sender:        e.sender,
		Clock:         e.cfg.Clock,
		Config:        e.cfg.Call,
		Constraints:   e.cfg.Constraints,
	})
	if err != nil {
		session.Close()
		return nil, err
	}
	c.SetEndedHook(e.onCallEnded)
	e.mu.Lock()
	e.calls[c.ID()] = c
	e.mu.Unlock()
	return c, nil
}

// markSurfaced records that the application has been handed this call, so
// its eventual end is worth announcing.
func (e *Engine) markSurfaced(callID string) {
	e.mu.Lock()
	e.surfaced[callID] = true
	e.mu.Unlock()
}

// onCallEnded removes a terminal call from the registry and records its
// tombstone so replayed invites for the same id never ring again. The
// ended callback fires only for surfaced calls.
func (e *Engine) onCallEnded(callID string, reason signaling.Reason) {
	e.mu.Lock()
	delete(e.calls, callID)
	delete(e.pendingCandidates, callID)
	e.ended[callID] = reason
	notify := e.surfaced[callID]
	delete(e.surfaced, callID)
	cb := e.endedCB
	e.mu.Unlock()
	e.log.WithFields(logrus.Fields{
		"function": "onCallEnded",
		"call_id":  callID,
		"reason":   string(reason),
	}).Info("Call removed from registry")
	if cb != nil && notify {
		cb(callID, reason)
	}
}

// route applies one event from a flushed batch.
func (e *Engine) route(ev *signaling.Event, decided map[string]bool) {
	base, err := ev.Base()
	if err != nil {
		e.log.WithFields(logrus.Fields{
			"function":   "route",
			"event_type": string(ev.Type),
			"event_id":   ev.ID,
			"error":      err.Error(),
		}).Warn("Dropping undecodable signaling event")
		return
	}

	e.mu.Lock()
	c := e.calls[base.CallID]
	_, dead := e.ended[base.CallID]
	e.mu.Unlock()

	weSent := ev.Sender == e.cfg.UserID
	ourEcho := weSent && base.PartyID != nil && *base.PartyID == e.cfg.PartyID

	switch ev.Type {
	case signaling.EventInvite:
		if ourEcho {
			// Only this device's own echo is dropped; an invite from
			// another of our devices rings like any other caller.
			e.log.WithFields(logrus.Fields{
				"function": "route",
				"call_id":  base.CallID,
			}).Debug("Ignoring our own invite")
			return
		}
		if decided[base.CallID] {
			e.log.WithFields(logrus.Fields{
				"function": "route",
				"call_id":  base.CallID,
			}).Info("Skipping invite already answered or hung up within the batch")
			return
		}
		if dead {
			e.log.WithFields(logrus.Fields{
				"function": "route",
				"call_id":  base.CallID,
			}).Debug("Ignoring replayed invite for ended call")
			return
		}
		if c != nil {
			e.log.WithFields(logrus.Fields{
				"function": "route",
				"call_id":  base.CallID,
			}).Debug("Ignoring duplicate invite")
			return
		}
		e.handleInvite(ev)

	case signaling.EventAnswer:
		if weSent {
			if ourEcho {
				return
			}
			// Another of our devices answered; a ringing inbound call
			// for the same id should stop ringing.
			if c != nil && c.Direction() == call.DirectionInbound && c.State() == call.StateRinging {
				c.HandleAnsweredElsewhere()
			}
			return
		}
		if c == nil {
			e.log.WithFields(logrus.Fields{
				"function": "route",
				"call_id":  base.CallID,
			}).Debug("Dropping answer for unknown call")
			return
		}
		e.deliver(c, ev)

	case signaling.EventHangup, signaling.EventReject:
		if ourEcho {
			return
		}
		if c == nil {
			if !dead {
				// Synthesize an already-ended call so a later replay of
				// the matching invite keeps the right chronology.
				reason := signaling.ReasonUserHangup
				if ev.Type == signaling.EventHangup {
					if content, err := signaling.DecodeHangup(ev); err == nil {
						reason = content.Reason
					}
				}
				e.mu.Lock()
				e.ended[base.CallID] = reason
				e.mu.Unlock()
				e.log.WithFields(logrus.Fields{
					"function": "route",
					"call_id":  base.CallID,
					"reason":   string(reason),
				}).Debug("Recorded hangup for unknown call")
			}
			return
		}
		e.deliver(c, ev)

	case signaling.EventCandidates:
		if ourEcho {
			return
		}
		if c == nil {
			if dead {
				return
			}
			e.bufferCandidates(base.CallID, ev)
			return
		}
		e.deliver(c, ev)

	default:
		if ourEcho {
			return
		}
		if c == nil {
			e.log.WithFields(logrus.Fields{
				"function":   "route",
				"event_type": string(ev.Type),
				"call_id":    base.CallID,
			}).Debug("Dropping event for unknown call")
			return
		}
		e.deliver(c, ev)
	}
}

// deliver forwards an event to its call.
func (e *Engine) deliver(c *call.Call, ev *signaling.Event) {
	if err := c.HandleEvent(ev); err != nil {
		e.log.WithFields(logrus.Fields{
			"function":   "deliver",
			"event_type": string(ev.Type),
			"call_id":    c.ID(),
			"error":      err.Error(),
		}).Warn("Call rejected signaling event")
	}
}

// bufferCandidates stores candidates whose call does not exist yet, in
// arrival order, bounded per call.
func (e *Engine) bufferCandidates(callID string, ev *signaling.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	buf := e.pendingCandidates[callID]
	if len(buf) >= maxBufferedCandidateEvents {
		e.log.WithFields(logrus.Fields{
			"function": "bufferCandidates",
			"call_id":  callID,
		}).Warn("Candidate buffer full, dropping event")
		return
	}
	e.pendingCandidates[callID] = append(buf, ev)
}

// handleInvite creates an inbound call for an invite, resolving glare
// against any outbound call already live in the same room.
func (e *Engine) handleInvite(ev *signaling.Event) {
	content, err := signaling.DecodeInvite(ev)
	if err != nil {
		e.log.WithFields(logrus.Fields{
			"function": "handleInvite",
			"event_id": ev.ID,
			"error":    err.Error(),
		}).Warn("Dropping malformed invite")
		return
	}

	e.mu.Lock()
	existing := e.callForRoomLocked(ev.RoomID)
	e.mu.Unlock()

	if existing != nil && existing.Direction() == call.DirectionOutbound {
		switch existing.State() {
		case call.StateWaitingForLocalMedia, call.StateCreatingOffer:
			// Our own call has not even sent its invite: the incoming
			// call wins outright and inherits any media we acquired.
			e.log.WithFields(logrus.Fields{
				"function":    "handleInvite",
				"call_id":     content.CallID,
				"replaced_id": existing.ID(),
			}).Info("Glare: replacing early outbound call with incoming call")
			e.replaceWithIncoming(existing, ev, content)
			return
		case call.StateInviteSent:
			if content.CallID > existing.ID() {
				e.log.WithFields(logrus.Fields{
					"function":    "handleInvite",
					"call_id":     content.CallID,
					"replaced_id": existing.ID(),
				}).Info("Glare: incoming call id wins, replacing outbound call")
				e.replaceWithIncoming(existing, ev, content)
			} else {
				e.log.WithFields(logrus.Fields{
					"function": "handleInvite",
					"call_id":  content.CallID,
					"kept_id":  existing.ID(),
				}).Info("Glare: outbound call id wins, rejecting incoming call")
				e.rejectIncoming(ev, content)
			}
			return
		}
	}

	c := e.createInbound(ev, content)
	if c == nil {
		return
	}
	if c.State() == call.StateEnded {
		// Expired or failed before it could ring; never surfaced.
		return
	}
	e.mu.Lock()
	cb := e.incomingCB
	e.mu.Unlock()
	if cb != nil {
		cb(c)
	}
}

// createInbound builds, registers and initializes an inbound call, then
// replays any candidates buffered for it.
func (e *Engine) createInbound(ev *signaling.Event, content *signaling.InviteContent) *call.Call {
	c, err := e.newCall(content.CallID, ev.RoomID, call.DirectionInbound)
	if err != nil {
		e.log.WithFields(logrus.Fields{
			"function": "createInbound",
			"call_id":  content.CallID,
			"error":    err.Error(),
		}).Error("Failed to create inbound call")
		return nil
	}
	if err := c.HandleRemoteInvite(content, ev.Sender, ev.LocalAge); err != nil {
		e.log.WithFields(logrus.Fields{
			"function": "createInbound",
			"call_id":  content.CallID,
			"error":    err.Error(),
		}).Warn("Inbound call refused invite")
	}

	e.mu.Lock()
	buffered := e.pendingCandidates[content.CallID]
	delete(e.pendingCandidates, content.CallID)
	e.mu.Unlock()
	for _, bev := range buffered {
		e.deliver(c, bev)
	}
	if c.State() != call.StateEnded {
		e.markSurfaced(c.ID())
	}
	return c
}

// replaceWithIncoming terminates a losing outbound call, hands its media to
// the incoming winner and answers it.
func (e *Engine) replaceWithIncoming(existing *call.Call, ev *signaling.Event, content *signaling.InviteContent) {
	stream := existing.HandOff()
	c := e.createInbound(ev, content)
	if c == nil {
		if stream != nil {
			stream.Stop()
		}
		return
	}
	if stream != nil {
		c.AdoptStream(stream)
	}
	if c.State() != call.StateEnded {
		// We were calling them anyway: accept the winner immediately.
		if err := c.Answer(context.Background()); err != nil {
			e.log.WithFields(logrus.Fields{
				"function": "replaceWithIncoming",
				"call_id":  c.ID(),
				"error":    err.Error(),
			}).Error("Failed to answer glare winner")
		}
	}
}

// rejectIncoming declines a glare-losing invite without ever surfacing it.
func (e *Engine) rejectIncoming(ev *signaling.Event, content *signaling.InviteContent) {
	c, err := e.newCall(content.CallID, ev.RoomID, call.DirectionInbound)
	if err != nil {
		e.log.WithFields(logrus.Fields{
			"function": "rejectIncoming",
			"call_id":  content.CallID,
			"error":    err.Error(),
		}).Error("Failed to create call for glare rejection")
		e.mu.Lock()
		e.ended[content.CallID] = signaling.ReasonReplaced
		e.mu.Unlock()
		return
	}
	if err := c.Hangup(context.Background(), signaling.ReasonReplaced); err != nil {
		e.log.WithFields(logrus.Fields{
			"function": "rejectIncoming",
			"call_id":  content.CallID,
			"error":    err.Error(),
		}).Warn("Failed to hang up glare loser")
	}
}
