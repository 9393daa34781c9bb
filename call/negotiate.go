package call

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/rtcsignal/signaling"
)

// Perfect negotiation.
//
// After the initial handshake either side may renegotiate (a feed is added,
// hold state changes). Politeness is fixed at call creation from direction
// alone: the inbound side is polite, the outbound side impolite. When a
// renegotiation offer collides with one this side is producing, the polite
// side abandons its own offer and accepts the incoming one; the impolite
// side ignores the incoming offer and lets its own proceed. The ignore
// decision sticks until the next negotiate message, so candidates tied to
// the ignored offer are dropped too.

// onNegotiationNeeded fires when the media session wants a new offer.
// Ignored until the initial invite/answer handshake is done, and for legacy
// opponents, which cannot renegotiate.
func (c *Call) onNegotiationNeeded() {
	c.mu.Lock()
	if !c.inviteOrAnswerSent || (c.state != StateConnected && c.state != StateConnecting) {
		c.mu.Unlock()
		return
	}
	if c.opponentVersion == signaling.VersionLegacy {
		c.log.WithFields(logrus.Fields{
			"function": "onNegotiationNeeded",
		}).Info("Ignoring renegotiation request: opponent speaks legacy protocol")
		c.mu.Unlock()
		return
	}
	c.makingOffer = true
	negGen := c.negGen
	c.mu.Unlock()

	offer, err := c.media.CreateOffer(context.Background())

	c.mu.Lock()
	if c.state == StateEnded || c.negGen != negGen {
		// A competing remote offer won while ours was being created.
		c.makingOffer = false
		c.mu.Unlock()
		return
	}
	if err == nil {
		err = c.media.SetLocalDescription(offer)
	}
	if err != nil {
		c.makingOffer = false
		c.enqueueErrorLocked(fmt.Errorf("creating renegotiation offer: %w", err))
		c.mu.Unlock()
		c.notify.drain()
		return
	}
	content := signaling.NegotiateContent{
		BaseContent: c.baseContentLocked(),
		Lifetime:    c.cfg.InviteLifetime.Milliseconds(),
	}
	if ld := c.media.LocalDescription(); ld != nil {
		content.Description = *ld
	} else {
		content.Description = offer
	}
	roomID := c.roomID
	c.mu.Unlock()

	sendErr := c.sender.SendSignaling(context.Background(), roomID, signaling.EventNegotiate, &content)

	c.mu.Lock()
	c.makingOffer = false
	if c.state == StateEnded {
		c.mu.Unlock()
		return
	}
	if sendErr != nil {
		c.enqueueErrorLocked(fmt.Errorf("sending renegotiation offer: %w", sendErr))
	}
	c.mu.Unlock()
	c.notify.drain()
}

// handleNegotiate applies a renegotiation offer or answer from the opponent.
func (c *Call) handleNegotiate(content *signaling.NegotiateContent) {
	c.mu.Lock()
	if c.state == StateEnded {
		c.mu.Unlock()
		return
	}
	if !c.acceptsLocked(content.BaseContent, signaling.EventNegotiate) {
		c.log.WithFields(logrus.Fields{
			"function": "handleNegotiate",
			"party_id": partyField(content.PartyID),
		}).Debug("Dropping negotiate with mismatched party id")
		c.mu.Unlock()
		return
	}

	desc := content.Description
	polite := c.direction.polite()
	collision := desc.Type == webrtc.SDPTypeOffer &&
		(c.makingOffer || c.media.SignalingState() != webrtc.SignalingStateStable)
	c.ignoreOffer = collision && !polite
	if c.ignoreOffer {
		c.log.WithFields(logrus.Fields{
			"function": "handleNegotiate",
		}).Info("Ignoring colliding renegotiation offer (impolite side)")
		c.mu.Unlock()
		return
	}
	if collision {
		// Polite side: our in-flight offer is abandoned. Invalidate its
		// continuation before the session rolls it back.
		c.negGen++
		c.log.WithFields(logrus.Fields{
			"function": "handleNegotiate",
		}).Info("Accepting colliding renegotiation offer (polite side)")
	}

	if err := c.media.SetRemoteDescription(desc); err != nil {
		c.enqueueErrorLocked(fmt.Errorf("applying renegotiation description: %w", err))
		c.sendHangupLocked(signaling.ReasonUnknownError)
		c.terminateLocked(HangupPartyLocal, signaling.ReasonUnknownError)
		c.mu.Unlock()
		c.notify.drain()
		return
	}

	if desc.Type == webrtc.SDPTypeAnswer {
		c.unholding = false
		c.mu.Unlock()
		c.notify.drain()
		return
	}

	gen := c.gen
	c.mu.Unlock()
	c.notify.drain()
	c.sendNegotiateAnswer(gen)
}

// sendNegotiateAnswer produces and transmits exactly one answer to an
// accepted renegotiation offer.
func (c *Call) sendNegotiateAnswer(gen uint64) {
	answer, err := c.media.CreateAnswer(context.Background())

	c.mu.Lock()
	if c.state == StateEnded || c.gen != gen {
		c.mu.Unlock()
		return
	}
	if err == nil {
		err = c.media.SetLocalDescription(answer)
	}
	if err != nil {
		c.enqueueErrorLocked(fmt.Errorf("answering renegotiation offer: %w", err))
		c.sendHangupLocked(signaling.ReasonUnknownError)
		c.terminateLocked(HangupPartyLocal, signaling.ReasonUnknownError)
		c.mu.Unlock()
		c.notify.drain()
		return
	}
	content := signaling.NegotiateContent{
		BaseContent: c.baseContentLocked(),
	}
	if ld := c.media.LocalDescription(); ld != nil {
		content.Description = *ld
	} else {
		content.Description = answer
	}
	roomID := c.roomID
	c.mu.Unlock()

	sendErr := c.sender.SendSignaling(context.Background(), roomID, signaling.EventNegotiate, &content)

	c.mu.Lock()
	if c.state != StateEnded && sendErr != nil {
		c.enqueueErrorLocked(fmt.Errorf("sending renegotiation answer: %w", sendErr))
	}
	c.mu.Unlock()
	c.notify.drain()
}

// onRemoteTrack publishes a remote media feed.
func (c *Call) onRemoteTrack(stream MediaStream, purpose Purpose) {
	c.mu.Lock()
	if c.state == StateEnded {
		c.mu.Unlock()
		return
	}
	if purpose == "" {
		purpose = PurposeUsermedia
	}
	c.feeds = append(c.feeds, Feed{
		UserID:  c.opponentUserID,
		Purpose: purpose,
		Local:   false,
		Stream:  stream,
	})
	c.log.WithFields(logrus.Fields{
		"function": "onRemoteTrack",
		"purpose":  string(purpose),
		"stream":   stream.ID(),
	}).Info("Remote feed arrived")
	c.enqueueFeedsLocked()
	c.mu.Unlock()
	c.notify.drain()
}

// onConnectionStateChange tracks media connectivity. A failed connection
// ends the call; an established one moves it to StateConnected.
func (c *Call) onConnectionStateChange(state webrtc.ICEConnectionState) {
	c.mu.Lock()
	if c.state == StateEnded {
		c.mu.Unlock()
		return
	}
	c.log.WithFields(logrus.Fields{
		"function":  "onConnectionStateChange",
		"ice_state": state.String(),
	}).Debug("ICE connection state changed")
	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		if c.state == StateConnecting {
			c.setStateLocked(StateConnected)
		}
	case webrtc.ICEConnectionStateFailed:
		c.sendHangupLocked(signaling.ReasonIceFailed)
		c.terminateLocked(HangupPartyLocal, signaling.ReasonIceFailed)
	case webrtc.ICEConnectionStateDisconnected:
		if c.state == StateConnected {
			c.setStateLocked(StateConnecting)
		}
	}
	c.mu.Unlock()
	c.notify.drain()
}
