package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/rtcsignal/signaling"
)

// Options configures a new Call.
type Options struct {
	// ID is the call identifier. Generated when empty.
	ID string

	// RoomID is the room the call's signaling travels in.
	RoomID string

	// Direction tells which side placed the call. It also fixes the
	// call's renegotiation politeness: inbound calls are polite.
	Direction Direction

	// OurUserID and OurPartyID identify this user and this device.
	OurUserID  string
	OurPartyID string

	// Media is the media-transport session this call drives.
	Media MediaSession

	// MediaProvider acquires local capture media.
	MediaProvider MediaProvider

	// Sender transmits signaling messages.
	Sender Sender

	// Clock drives all call timers. Defaults to SystemClock.
	Clock Clock

	// Config is the timing and retry policy. Zero fields take defaults.
	Config Config

	// Constraints describes the capture media to acquire. Defaults to
	// audio only.
	Constraints Constraints
}

// Call is one peer-to-peer media session being negotiated over the
// messaging transport. Create instances with New; the engine in the root
// package feeds them inbound signaling events via HandleEvent.
type Call struct {
	id          string
	roomID      string
	direction   Direction
	ourUserID   string
	ourPartyID  string
	media       MediaSession
	provider    MediaProvider
	sender      Sender
	clock       Clock
	cfg         Config
	constraints Constraints
	log         *logrus.Entry

	mu              sync.Mutex
	state           State
	gen             uint64
	negGen          uint64
	opponent        signaling.PartyID
	opponentUserID  string
	opponentVersion signaling.Version
	opponentCaps    signaling.CallCapabilities
	hangup          Hangup

	inviteOrAnswerSent    bool
	makingOffer           bool
	ignoreOffer           bool
	remoteOnHold          bool
	unholding             bool
	micMuted              bool
	videoMuted            bool
	remoteCandidatesEnded bool

	localStream      MediaStream
	feeds            []Feed
	assertedIdentity *signaling.AssertedIdentity

	// candidate dispatcher state; see candidates.go
	candQueue        []webrtc.ICECandidateInit
	candFailures     int
	candInFlight     bool
	candTimer        Timer
	remoteCandBuffer map[string][]webrtc.ICECandidateInit

	inviteTimer  Timer
	settleTimer  Timer
	ringDeadline time.Time

	notify     notifier
	stateCB    func(old, new State)
	feedsCB    func(feeds []Feed)
	hangupCB   func(h Hangup)
	errorCB    func(err error)
	identityCB func(id signaling.AssertedIdentity)
	endedHook  func(id string, reason signaling.Reason)
}

// New creates a call and wires its media-session notifications. The call
// starts in StateIdle; drive it with Place (outbound) or HandleRemoteInvite
// followed by Answer/Reject (inbound).
func New(opts Options) (*Call, error) {
	if opts.Media == nil {
		return nil, ErrNilMediaSession
	}
	if opts.Sender == nil {
		return nil, ErrNilSender
	}
	if opts.MediaProvider == nil {
		return nil, ErrNilMediaProvider
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if !opts.Constraints.Audio && !opts.Constraints.Video {
		opts.Constraints = Constraints{Audio: true}
	}

	c := &Call{
		id:               opts.ID,
		roomID:           opts.RoomID,
		direction:        opts.Direction,
		ourUserID:        opts.OurUserID,
		ourPartyID:       opts.OurPartyID,
		media:            opts.Media,
		provider:         opts.MediaProvider,
		sender:           opts.Sender,
		clock:            opts.Clock,
		cfg:              opts.Config.withDefaults(),
		constraints:      opts.Constraints,
		state:            StateIdle,
		opponent:         signaling.UnsetParty(),
		remoteCandBuffer: make(map[string][]webrtc.ICECandidateInit),
		log: logrus.WithFields(logrus.Fields{
			"call_id":   opts.ID,
			"room_id":   opts.RoomID,
			"direction": opts.Direction.String(),
		}),
	}

	c.media.OnICECandidate(c.onLocalCandidate)
	c.media.OnICEGatheringComplete(c.onGatheringComplete)
	c.media.OnNegotiationNeeded(c.onNegotiationNeeded)
	c.media.OnTrack(c.onRemoteTrack)
	c.media.OnConnectionStateChange(c.onConnectionStateChange)

	c.log.WithFields(logrus.Fields{
		"function": "New",
	}).Debug("Call created")

	return c, nil
}

// ID returns the call identifier.
func (c *Call) ID() string { return c.id }

// RoomID returns the room the call's signaling travels in.
func (c *Call) RoomID() string { return c.roomID }

// Direction returns the call direction.
func (c *Call) Direction() Direction { return c.direction }

// OurPartyID returns this device's party id.
func (c *Call) OurPartyID() string { return c.ourPartyID }

// State returns the current negotiation state.
func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OpponentPartyID returns the tri-state opponent party id.
func (c *Call) OpponentPartyID() signaling.PartyID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opponent
}

// OpponentVersion returns the opponent's signaling protocol version.
// Meaningful only once an opponent has been elected.
func (c *Call) OpponentVersion() signaling.Version {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opponentVersion
}

// HangupInfo returns which party ended the call and why. The zero Hangup is
// returned while the call is live.
func (c *Call) HangupInfo() Hangup {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hangup
}

// Feeds returns a snapshot of the call's local and remote media feeds.
func (c *Call) Feeds() []Feed {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Feed, len(c.feeds))
	copy(out, c.feeds)
	return out
}

// RemoteAssertedIdentity returns the most recent asserted identity received
// from the opponent, or nil.
func (c *Call) RemoteAssertedIdentity() *signaling.AssertedIdentity {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.assertedIdentity == nil {
		return nil
	}
	id := *c.assertedIdentity
	return &id
}

// Callback registration. Each setter replaces the previous callback.
// Callbacks are delivered FIFO per call, outside the call lock.

// SetStateCallback registers a state-transition notification.
func (c *Call) SetStateCallback(f func(old, new State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateCB = f
}

// SetFeedsCallback registers a feed-set-changed notification.
func (c *Call) SetFeedsCallback(f func(feeds []Feed)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.feedsCB = f
}

// SetHangupCallback registers a call-ended notification.
func (c *Call) SetHangupCallback(f func(h Hangup)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hangupCB = f
}

// SetErrorCallback registers an error notification. Errors delivered here
// are either terminal (the call also ends) or recoverable (an answer-send
// failure the application may retry).
func (c *Call) SetErrorCallback(f func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorCB = f
}

// SetAssertedIdentityCallback registers a remote-identity-changed
// notification.
func (c *Call) SetAssertedIdentityCallback(f func(id signaling.AssertedIdentity)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identityCB = f
}

// SetEndedHook registers the registry cleanup hook. Used by the engine; runs
// after subscriber callbacks for the terminal transition.
func (c *Call) SetEndedHook(f func(id string, reason signaling.Reason)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endedHook = f
}

// setStateLocked performs a state transition and queues the notification.
// Transitions out of StateEnded are refused: the terminal state is final.
func (c *Call) setStateLocked(next State) {
	if c.state == StateEnded {
		return
	}
	old := c.state
	c.state = next
	c.gen++
	c.log.WithFields(logrus.Fields{
		"function": "setState",
		"from":     old.String(),
		"to":       next.String(),
	}).Debug("Call state transition")
	if cb := c.stateCB; cb != nil {
		c.notify.enqueue(func() { cb(old, next) })
	}
}

// enqueueErrorLocked queues an error notification.
func (c *Call) enqueueErrorLocked(err error) {
	c.log.WithFields(logrus.Fields{
		"function": "error",
		"error":    err.Error(),
	}).Error("Call error")
	if cb := c.errorCB; cb != nil {
		c.notify.enqueue(func() { cb(err) })
	}
}

// enqueueFeedsLocked queues a feeds-changed notification with a snapshot.
func (c *Call) enqueueFeedsLocked() {
	if cb := c.feedsCB; cb != nil {
		snapshot := make([]Feed, len(c.feeds))
		copy(snapshot, c.feeds)
		c.notify.enqueue(func() { cb(snapshot) })
	}
}

// stopTimersLocked cancels every pending timer. Called on termination and
// whenever the state a timer guards is left.
func (c *Call) stopTimersLocked() {
	if c.inviteTimer != nil {
		c.inviteTimer.Stop()
		c.inviteTimer = nil
	}
	if c.settleTimer != nil {
		c.settleTimer.Stop()
		c.settleTimer = nil
	}
	if c.candTimer != nil {
		c.candTimer.Stop()
		c.candTimer = nil
	}
}

// baseContentLocked builds the envelope of an outbound signaling message.
func (c *Call) baseContentLocked() signaling.BaseContent {
	party := c.ourPartyID
	return signaling.BaseContent{
		Version: signaling.Version1,
		CallID:  c.id,
		PartyID: &party,
	}
}

// ourCapabilities advertises what this client supports.
func (c *Call) ourCapabilities() signaling.CallCapabilities {
	return signaling.CallCapabilities{DTMF: false, Transferee: false}
}

// electOpponentLocked fixes the opponent party for the lifetime of the call.
// Must run before any suspending work on an inbound call: further signaling
// for the call may arrive while that work is in flight and must be matched
// against the now-fixed party id.
func (c *Call) electOpponentLocked(base signaling.BaseContent, caps signaling.CallCapabilities, sender string) {
	c.opponentVersion = base.Version
	c.opponentCaps = caps
	c.opponentUserID = sender
	if base.Version == signaling.VersionLegacy || base.PartyID == nil {
		// Nothing to compare against later: disable party checks.
		c.opponent = signaling.NoParty()
	} else {
		c.opponent = signaling.Party(*base.PartyID)
	}
	c.log.WithFields(logrus.Fields{
		"function":         "electOpponent",
		"opponent_party":   c.opponent.String(),
		"opponent_version": string(c.opponentVersion),
		"opponent_user":    sender,
	}).Info("Opponent elected for call")
}

// acceptsLocked reports whether a message with the given envelope may be
// applied to this call. Hangup and reject are accepted from any sender while
// no opponent has been chosen yet; everything else requires a party match.
func (c *Call) acceptsLocked(base signaling.BaseContent, evType signaling.EventType) bool {
	if !c.opponent.Chosen() {
		return evType == signaling.EventHangup || evType == signaling.EventReject
	}
	return c.opponent.Matches(base.PartyID)
}

// adoptStreamLocked records the local capture stream, attaches it to the
// media session and publishes the local feed.
func (c *Call) adoptStreamLocked(stream MediaStream) {
	c.localStream = stream
	if err := c.media.AddStream(stream); err != nil {
		c.log.WithFields(logrus.Fields{
			"function": "adoptStream",
			"error":    err.Error(),
		}).Error("Failed to attach local stream to media session")
	}
	c.feeds = append(c.feeds, Feed{
		UserID:  c.ourUserID,
		Purpose: PurposeUsermedia,
		Local:   true,
		Stream:  stream,
	})
	if c.micMuted {
		stream.SetAudioEnabled(false)
	}
	if c.videoMuted {
		stream.SetVideoEnabled(false)
	}
	c.enqueueFeedsLocked()
}

// AdoptStream hands the call a pre-acquired local stream, as happens when
// this call replaces an earlier one that already held media. Answer and
// Place skip acquisition when a stream is already present.
func (c *Call) AdoptStream(stream MediaStream) {
	if stream == nil {
		return
	}
	c.mu.Lock()
	if c.state == StateEnded {
		c.mu.Unlock()
		stream.Stop()
		return
	}
	c.adoptStreamLocked(stream)
	c.mu.Unlock()
	c.notify.drain()
}

// Place starts an outbound call: acquire media, create the offer, transmit
// the invite. It returns once the call has left StateIdle; the rest happens
// asynchronously, surfaced through callbacks.
func (c *Call) Place(ctx context.Context) error {
	c.mu.Lock()
	if c.direction != DirectionOutbound {
		c.mu.Unlock()
		return ErrBadState
	}
	if c.state != StateIdle {
		st := c.state
		c.mu.Unlock()
		if st == StateEnded {
			return ErrCallEnded
		}
		return ErrBadState
	}
	c.setStateLocked(StateWaitingForLocalMedia)
	gen := c.gen
	alreadyHaveMedia := c.localStream != nil
	c.mu.Unlock()
	c.notify.drain()

	go c.placeWithMedia(ctx, gen, alreadyHaveMedia)
	return nil
}

func (c *Call) placeWithMedia(ctx context.Context, gen uint64, haveMedia bool) {
	var stream MediaStream
	var err error
	if !haveMedia {
		stream, err = c.provider.GetUserMedia(ctx, c.constraints)
	}

	c.mu.Lock()
	if c.state != StateWaitingForLocalMedia || c.gen != gen {
		c.mu.Unlock()
		if stream != nil {
			stream.Stop()
		}
		return
	}
	if err != nil {
		c.enqueueErrorLocked(fmt.Errorf("%w: %v", ErrMediaFailed, err))
		c.terminateLocked(HangupPartyLocal, signaling.ReasonUserMediaFailed)
		c.mu.Unlock()
		c.notify.drain()
		return
	}
	if stream != nil {
		c.adoptStreamLocked(stream)
	}
	c.setStateLocked(StateCreatingOffer)
	gen = c.gen
	c.mu.Unlock()
	c.notify.drain()

	offer, err := c.media.CreateOffer(ctx)

	c.mu.Lock()
	if c.state != StateCreatingOffer || c.gen != gen {
		c.mu.Unlock()
		return
	}
	if err == nil {
		err = c.media.SetLocalDescription(offer)
	}
	if err != nil {
		c.enqueueErrorLocked(fmt.Errorf("creating offer: %w", err))
		c.terminateLocked(HangupPartyLocal, signaling.ReasonUnknownError)
		c.mu.Unlock()
		c.notify.drain()
		return
	}
	// Let the first burst of candidates gather so they ride in the invite.
	c.settleTimer = c.clock.AfterFunc(c.cfg.SettleDelay, func() {
		c.sendInvite(gen)
	})
	c.mu.Unlock()
	c.notify.drain()
}

// sendInvite transmits the invite once the settle delay elapses.
func (c *Call) sendInvite(gen uint64) {
	c.mu.Lock()
	c.settleTimer = nil
	if c.state != StateCreatingOffer || c.gen != gen {
		c.mu.Unlock()
		return
	}
	content := signaling.InviteContent{
		BaseContent:  c.baseContentLocked(),
		Lifetime:     c.cfg.InviteLifetime.Milliseconds(),
		Capabilities: c.ourCapabilities(),
	}
	if ld := c.media.LocalDescription(); ld != nil {
		content.Offer = *ld
	}
	// Candidates queued so far ride inside the description; they must not
	// also go out as a standalone message.
	folded := len(c.candQueue)
	roomID := c.roomID
	c.mu.Unlock()

	err := c.sender.SendSignaling(context.Background(), roomID, signaling.EventInvite, &content)

	c.mu.Lock()
	if c.state != StateCreatingOffer || c.gen != gen {
		c.mu.Unlock()
		return
	}
	if err != nil {
		c.enqueueErrorLocked(fmt.Errorf("%w: %v", ErrInviteSendFailed, err))
		c.terminateLocked(HangupPartyLocal, signaling.ReasonSignallingFailed)
		c.mu.Unlock()
		c.notify.drain()
		return
	}
	c.inviteOrAnswerSent = true
	c.dropFoldedCandidatesLocked(folded)
	c.setStateLocked(StateInviteSent)
	inviteGen := c.gen
	c.inviteTimer = c.clock.AfterFunc(c.cfg.InviteLifetime, func() {
		c.inviteExpired(inviteGen)
	})
	c.scheduleCandidateFlushLocked()
	c.log.WithFields(logrus.Fields{
		"function": "sendInvite",
		"lifetime": c.cfg.InviteLifetime,
	}).Info("Invite sent")
	c.mu.Unlock()
	c.notify.drain()
}

// inviteExpired fires when the invite lifetime elapses with no answer.
// Only acts while the call is still in StateInviteSent.
func (c *Call) inviteExpired(gen uint64) {
	c.mu.Lock()
	c.inviteTimer = nil
	if c.state != StateInviteSent || c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.log.WithFields(logrus.Fields{
		"function": "inviteExpired",
	}).Info("Invite timed out with no answer")
	c.sendHangupLocked(signaling.ReasonInviteTimeout)
	c.terminateLocked(HangupPartyLocal, signaling.ReasonInviteTimeout)
	c.mu.Unlock()
	c.notify.drain()
}

// HandleRemoteInvite initializes an inbound call from a received invite.
// The opponent party is fixed immediately, before any suspending work.
// age is how old the invite already was on delivery; a fully expired invite
// terminates the call at once and it never rings.
func (c *Call) HandleRemoteInvite(content *signaling.InviteContent, sender string, age time.Duration) error {
	c.mu.Lock()
	if c.direction != DirectionInbound || c.state != StateIdle {
		c.mu.Unlock()
		return ErrBadState
	}
	c.electOpponentLocked(content.BaseContent, content.Capabilities, sender)
	c.replayBufferedCandidatesLocked()

	if err := c.media.SetRemoteDescription(content.Offer); err != nil {
		c.enqueueErrorLocked(fmt.Errorf("applying remote offer: %w", err))
		c.terminateLocked(HangupPartyLocal, signaling.ReasonUnknownError)
		c.mu.Unlock()
		c.notify.drain()
		return nil
	}

	lifetime := time.Duration(content.Lifetime) * time.Millisecond
	if lifetime <= 0 {
		lifetime = c.cfg.InviteLifetime
	}
	remaining := lifetime - age
	if remaining <= 0 {
		c.log.WithFields(logrus.Fields{
			"function": "HandleRemoteInvite",
			"lifetime": lifetime,
			"age":      age,
		}).Info("Invite already expired on delivery")
		c.terminateLocked(HangupPartyLocal, signaling.ReasonInviteTimeout)
		c.mu.Unlock()
		c.notify.drain()
		return nil
	}

	c.setStateLocked(StateRinging)
	gen := c.gen
	c.ringDeadline = c.clock.Now().Add(remaining)
	c.inviteTimer = c.clock.AfterFunc(remaining, func() {
		c.ringingExpired(gen)
	})
	c.log.WithFields(logrus.Fields{
		"function":  "HandleRemoteInvite",
		"remaining": remaining,
	}).Info("Inbound call ringing")
	c.mu.Unlock()
	c.notify.drain()
	return nil
}

// ringingExpired fires when an unanswered inbound invite runs out.
func (c *Call) ringingExpired(gen uint64) {
	c.mu.Lock()
	c.inviteTimer = nil
	if c.state != StateRinging || c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.log.WithFields(logrus.Fields{
		"function": "ringingExpired",
	}).Info("Inbound invite expired unanswered")
	c.terminateLocked(HangupPartyLocal, signaling.ReasonInviteTimeout)
	c.mu.Unlock()
	c.notify.drain()
}

// Answer accepts a ringing inbound call: acquire media, create the answer,
// transmit it. If transmitting the answer fails the call reverts to
// StateRinging, the error is surfaced, and Answer may be called again.
func (c *Call) Answer(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateRinging {
		st := c.state
		c.mu.Unlock()
		if st == StateEnded {
			return ErrCallEnded
		}
		return ErrNotRinging
	}
	c.stopRingTimerLocked()
	c.setStateLocked(StateWaitingForLocalMedia)
	gen := c.gen
	haveMedia := c.localStream != nil
	c.mu.Unlock()
	c.notify.drain()

	go c.answerWithMedia(ctx, gen, haveMedia)
	return nil
}

func (c *Call) stopRingTimerLocked() {
	if c.inviteTimer != nil {
		c.inviteTimer.Stop()
		c.inviteTimer = nil
	}
}

func (c *Call) answerWithMedia(ctx context.Context, gen uint64, haveMedia bool) {
	var stream MediaStream
	var err error
	if !haveMedia {
		stream, err = c.provider.GetUserMedia(ctx, c.constraints)
	}

	c.mu.Lock()
	if c.state != StateWaitingForLocalMedia || c.gen != gen {
		c.mu.Unlock()
		if stream != nil {
			stream.Stop()
		}
		return
	}
	if err != nil {
		c.enqueueErrorLocked(fmt.Errorf("%w: %v", ErrMediaFailed, err))
		c.sendHangupLocked(signaling.ReasonUserMediaFailed)
		c.terminateLocked(HangupPartyLocal, signaling.ReasonUserMediaFailed)
		c.mu.Unlock()
		c.notify.drain()
		return
	}
	if stream != nil {
		c.adoptStreamLocked(stream)
	}
	c.setStateLocked(StateCreatingAnswer)
	gen = c.gen
	c.mu.Unlock()
	c.notify.drain()

	answer, err := c.media.CreateAnswer(ctx)

	c.mu.Lock()
	if c.state != StateCreatingAnswer || c.gen != gen {
		c.mu.Unlock()
		return
	}
	if err == nil {
		err = c.media.SetLocalDescription(answer)
	}
	if err != nil {
		c.enqueueErrorLocked(fmt.Errorf("creating answer: %w", err))
		c.sendHangupLocked(signaling.ReasonUnknownError)
		c.terminateLocked(HangupPartyLocal, signaling.ReasonUnknownError)
		c.mu.Unlock()
		c.notify.drain()
		return
	}
	c.settleTimer = c.clock.AfterFunc(c.cfg.SettleDelay, func() {
		c.sendAnswer(gen)
	})
	c.mu.Unlock()
	c.notify.drain()
}

// sendAnswer transmits the answer once the settle delay elapses.
func (c *Call) sendAnswer(gen uint64) {
	c.mu.Lock()
	c.settleTimer = nil
	if c.state != StateCreatingAnswer || c.gen != gen {
		c.mu.Unlock()
		return
	}
	content := signaling.AnswerContent{
		BaseContent:  c.baseContentLocked(),
		Capabilities: c.ourCapabilities(),
	}
	if ld := c.media.LocalDescription(); ld != nil {
		content.Answer = *ld
	}
	folded := len(c.candQueue)
	roomID := c.roomID
	c.mu.Unlock()

	err := c.sender.SendSignaling(context.Background(), roomID, signaling.EventAnswer, &content)

	c.mu.Lock()
	if c.state != StateCreatingAnswer || c.gen != gen {
		c.mu.Unlock()
		return
	}
	if err != nil {
		// Recoverable: revert to ringing so the application may retry.
		c.enqueueErrorLocked(fmt.Errorf("%w: %v", ErrAnswerSendFailed, err))
		c.setStateLocked(StateRinging)
		ringGen := c.gen
		remaining := c.ringDeadline.Sub(c.clock.Now())
		if remaining <= 0 {
			c.terminateLocked(HangupPartyLocal, signaling.ReasonInviteTimeout)
		} else {
			c.inviteTimer = c.clock.AfterFunc(remaining, func() {
				c.ringingExpired(ringGen)
			})
		}
		c.mu.Unlock()
		c.notify.drain()
		return
	}
	c.inviteOrAnswerSent = true
	c.dropFoldedCandidatesLocked(folded)
	c.setStateLocked(StateConnecting)
	c.scheduleCandidateFlushLocked()
	c.log.WithFields(logrus.Fields{
		"function": "sendAnswer",
	}).Info("Answer sent")
	c.mu.Unlock()
	c.notify.drain()
}

// Reject declines a ringing inbound call and ends it locally.
func (c *Call) Reject(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateRinging {
		st := c.state
		c.mu.Unlock()
		if st == StateEnded {
			return ErrCallEnded
		}
		return ErrNotRinging
	}
	content := signaling.RejectContent{BaseContent: c.baseContentLocked()}
	roomID := c.roomID
	c.terminateLocked(HangupPartyLocal, signaling.ReasonUserHangup)
	c.mu.Unlock()
	c.notify.drain()

	go func() {
		if err := c.sender.SendSignaling(ctx, roomID, signaling.EventReject, &content); err != nil {
			c.log.WithFields(logrus.Fields{
				"function": "Reject",
				"error":    err.Error(),
			}).Warn("Failed to send reject")
		}
	}()
	return nil
}

// Hangup ends the call from this side, transmitting the reason to the
// opponent. Idempotent: hanging up an ended call is a no-op.
func (c *Call) Hangup(ctx context.Context, reason signaling.Reason) error {
	c.mu.Lock()
	if c.state == StateEnded {
		c.mu.Unlock()
		return nil
	}
	c.sendHangupLocked(reason)
	c.terminateLocked(HangupPartyLocal, reason)
	c.mu.Unlock()
	c.notify.drain()
	return nil
}

// sendHangupLocked transmits a hangup message best-effort.
func (c *Call) sendHangupLocked(reason signaling.Reason) {
	content := signaling.HangupContent{
		BaseContent: c.baseContentLocked(),
		Reason:      reason,
	}
	roomID := c.roomID
	go func() {
		if err := c.sender.SendSignaling(context.Background(), roomID, signaling.EventHangup, &content); err != nil {
			c.log.WithFields(logrus.Fields{
				"function": "sendHangup",
				"reason":   string(reason),
				"error":    err.Error(),
			}).Warn("Failed to send hangup")
		}
	}()
}

// HandOff terminates the call as replaced by a newer one and returns its
// local stream for the replacement to adopt instead of stopping it.
func (c *Call) HandOff() MediaStream {
	c.mu.Lock()
	stream := c.localStream
	c.localStream = nil
	c.terminateLocked(HangupPartyLocal, signaling.ReasonReplaced)
	c.mu.Unlock()
	c.notify.drain()
	return stream
}

// HandleAnsweredElsewhere ends a ringing inbound call because another of
// this user's devices answered and was selected.
func (c *Call) HandleAnsweredElsewhere() {
	c.mu.Lock()
	if c.state == StateEnded {
		c.mu.Unlock()
		return
	}
	c.log.WithFields(logrus.Fields{
		"function": "HandleAnsweredElsewhere",
	}).Info("Call answered on another device")
	c.terminateLocked(HangupPartyRemote, signaling.ReasonAnsweredElsewhere)
	c.mu.Unlock()
	c.notify.drain()
}

// terminateLocked moves the call to StateEnded exactly once: stops timers,
// releases local media (kept when the call is being replaced), closes the
// media session and records how the call ended. Safe to invoke from any
// state, any number of times, and from any pending continuation.
func (c *Call) terminateLocked(party HangupParty, reason signaling.Reason) {
	if c.state == StateEnded {
		return
	}
	c.stopTimersLocked()
	c.hangup = Hangup{Party: party, Reason: reason}
	c.candQueue = nil
	c.remoteCandBuffer = nil

	stream := c.localStream
	c.localStream = nil
	media := c.media
	c.notify.enqueue(func() {
		if stream != nil && reason != signaling.ReasonReplaced {
			stream.Stop()
		}
		if err := media.Close(); err != nil {
			c.log.WithFields(logrus.Fields{
				"function": "terminate",
				"error":    err.Error(),
			}).Warn("Failed to close media session")
		}
	})

	c.setStateLocked(StateEnded)
	c.log.WithFields(logrus.Fields{
		"function": "terminate",
		"party":    party,
		"reason":   string(reason),
	}).Info("Call ended")

	if cb := c.hangupCB; cb != nil {
		h := c.hangup
		c.notify.enqueue(func() { cb(h) })
	}
	if hook := c.endedHook; hook != nil {
		id, r := c.id, reason
		c.notify.enqueue(func() { hook(id, r) })
	}
}

// HandleEvent applies an inbound signaling event previously routed to this
// call by the engine. Invites are not handled here; the engine routes them
// through HandleRemoteInvite at call creation.
func (c *Call) HandleEvent(ev *signaling.Event) error {
	switch ev.Type {
	case signaling.EventAnswer:
		content, err := signaling.DecodeAnswer(ev)
		if err != nil {
			return err
		}
		c.handleAnswer(content, ev.Sender)
	case signaling.EventCandidates:
		content, err := signaling.DecodeCandidates(ev)
		if err != nil {
			return err
		}
		c.handleCandidates(content)
	case signaling.EventNegotiate:
		content, err := signaling.DecodeNegotiate(ev)
		if err != nil {
			return err
		}
		c.handleNegotiate(content)
	case signaling.EventSelectAnswer:
		content, err := signaling.DecodeSelectAnswer(ev)
		if err != nil {
			return err
		}
		c.handleSelectAnswer(content)
	case signaling.EventHangup:
		content, err := signaling.DecodeHangup(ev)
		if err != nil {
			return err
		}
		c.handleRemoteHangup(content)
	case signaling.EventReject:
		content, err := signaling.DecodeReject(ev)
		if err != nil {
			return err
		}
		c.handleRemoteReject(content)
	case signaling.EventAssertedIdentity:
		content, err := signaling.DecodeAssertedIdentity(ev)
		if err != nil {
			return err
		}
		c.handleAssertedIdentity(content)
	default:
		c.log.WithFields(logrus.Fields{
			"function":   "HandleEvent",
			"event_type": string(ev.Type),
		}).Debug("Dropping unhandled event type")
	}
	return nil
}

// handleAnswer processes the callee's answer on an outbound call. The first
// valid answer elects the opponent; later answers from other devices are
// stale and dropped.
func (c *Call) handleAnswer(content *signaling.AnswerContent, sender string) {
	c.mu.Lock()
	if c.state == StateEnded || c.direction != DirectionOutbound {
		c.mu.Unlock()
		return
	}
	if c.opponent.Chosen() {
		c.log.WithFields(logrus.Fields{
			"function": "handleAnswer",
			"party_id": partyField(content.PartyID),
		}).Debug("Dropping answer: opponent already elected")
		c.mu.Unlock()
		return
	}
	c.electOpponentLocked(content.BaseContent, content.Capabilities, sender)
	c.stopRingTimerLocked()

	if err := c.media.SetRemoteDescription(content.Answer); err != nil {
		c.enqueueErrorLocked(fmt.Errorf("applying remote answer: %w", err))
		c.sendHangupLocked(signaling.ReasonUnknownError)
		c.terminateLocked(HangupPartyLocal, signaling.ReasonUnknownError)
		c.mu.Unlock()
		c.notify.drain()
		return
	}
	c.setStateLocked(StateConnecting)
	c.replayBufferedCandidatesLocked()

	// Tell the callee's other devices which answer won so they stop
	// ringing. Legacy opponents do not understand select-answer.
	if c.opponentVersion != signaling.VersionLegacy && content.PartyID != nil {
		sel := signaling.SelectAnswerContent{
			BaseContent:     c.baseContentLocked(),
			SelectedPartyID: content.PartyID,
		}
		roomID := c.roomID
		go func() {
			if err := c.sender.SendSignaling(context.Background(), roomID, signaling.EventSelectAnswer, &sel); err != nil {
				c.log.WithFields(logrus.Fields{
					"function": "handleAnswer",
					"error":    err.Error(),
				}).Warn("Failed to send select-answer")
			}
		}()
	}
	c.mu.Unlock()
	c.notify.drain()
}

// handleSelectAnswer processes the caller telling everyone which answer it
// accepted. An inbound call seeing a selected party other than its own has
// been answered elsewhere.
func (c *Call) handleSelectAnswer(content *signaling.SelectAnswerContent) {
	c.mu.Lock()
	if c.state == StateEnded || c.direction != DirectionInbound {
		c.mu.Unlock()
		return
	}
	if !c.acceptsLocked(content.BaseContent, signaling.EventSelectAnswer) {
		c.log.WithFields(logrus.Fields{
			"function": "handleSelectAnswer",
			"party_id": partyField(content.PartyID),
		}).Debug("Dropping select-answer with mismatched party id")
		c.mu.Unlock()
		return
	}
	if content.SelectedPartyID == nil {
		c.log.WithFields(logrus.Fields{
			"function": "handleSelectAnswer",
		}).Debug("Dropping select-answer with no selected party")
		c.mu.Unlock()
		return
	}
	if *content.SelectedPartyID == c.ourPartyID {
		c.mu.Unlock()
		return
	}
	c.log.WithFields(logrus.Fields{
		"function":       "handleSelectAnswer",
		"selected_party": *content.SelectedPartyID,
	}).Info("Another device's answer was selected")
	c.terminateLocked(HangupPartyRemote, signaling.ReasonAnsweredElsewhere)
	c.mu.Unlock()
	c.notify.drain()
}

// handleRemoteHangup ends the call at the opponent's request.
func (c *Call) handleRemoteHangup(content *signaling.HangupContent) {
	c.mu.Lock()
	if c.state == StateEnded {
		c.mu.Unlock()
		return
	}
	if !c.acceptsLocked(content.BaseContent, signaling.EventHangup) {
		c.log.WithFields(logrus.Fields{
			"function": "handleRemoteHangup",
			"party_id": partyField(content.PartyID),
		}).Debug("Dropping hangup with mismatched party id")
		c.mu.Unlock()
		return
	}
	c.terminateLocked(HangupPartyRemote, content.Reason)
	c.mu.Unlock()
	c.notify.drain()
}

// handleRemoteReject ends an outbound call the callee declined. Valid only
// before the call is answered.
func (c *Call) handleRemoteReject(content *signaling.RejectContent) {
	c.mu.Lock()
	if c.state != StateInviteSent && c.state != StateRinging {
		c.log.WithFields(logrus.Fields{
			"function": "handleRemoteReject",
			"state":    c.state.String(),
		}).Debug("Dropping reject in non-ringing state")
		c.mu.Unlock()
		return
	}
	if !c.acceptsLocked(content.BaseContent, signaling.EventReject) {
		c.mu.Unlock()
		return
	}
	c.terminateLocked(HangupPartyRemote, signaling.ReasonUserHangup)
	c.mu.Unlock()
	c.notify.drain()
}

// handleAssertedIdentity records a mid-call remote identity update.
func (c *Call) handleAssertedIdentity(content *signaling.AssertedIdentityContent) {
	c.mu.Lock()
	if c.state == StateEnded || !c.acceptsLocked(content.BaseContent, signaling.EventAssertedIdentity) {
		c.mu.Unlock()
		return
	}
	id := content.AssertedIdentity
	c.assertedIdentity = &id
	if cb := c.identityCB; cb != nil {
		c.notify.enqueue(func() { cb(id) })
	}
	c.mu.Unlock()
	c.notify.drain()
}

// partyField renders an optional party id for logging.
func partyField(p *string) string {
	if p == nil {
		return "<absent>"
	}
	return *p
}
