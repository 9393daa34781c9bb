package call

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/rtcsignal/signaling"
)

// Candidate dispatcher.
//
// Locally gathered connectivity candidates are appended to a per-call queue.
// The queue is never flushed before the invite/answer has been sent: those
// early candidates ride inside the invite/answer description instead, so
// they are never transmitted twice. Once the invite/answer is out, the queue
// is flushed as one batch after a short delay so several candidates
// amalgamate into a single message; the delay is shorter for inbound calls
// (the callee needs less settling time before answering).
//
// Sends are strictly serialized: at most one attempt is outstanding, and
// candidates gathered meanwhile join the queue. A failed attempt re-enqueues
// its whole batch at the front and retries with a doubling delay; reaching
// the configured bound of consecutive failures ends the call.

// onLocalCandidate receives a candidate gathered by the media session.
// A nil candidate means gathering completed.
func (c *Call) onLocalCandidate(cand *webrtc.ICECandidate) {
	if cand == nil {
		c.onGatheringComplete()
		return
	}
	c.mu.Lock()
	if c.state == StateEnded {
		c.mu.Unlock()
		return
	}
	init := cand.ToJSON()
	c.candQueue = append(c.candQueue, init)
	c.log.WithFields(logrus.Fields{
		"function":     "onLocalCandidate",
		"queue_length": len(c.candQueue),
	}).Debug("Local candidate queued")
	c.scheduleCandidateFlushLocked()
	c.mu.Unlock()
}

// onGatheringComplete queues the end-of-candidates marker: a candidate with
// an empty payload.
func (c *Call) onGatheringComplete() {
	c.mu.Lock()
	if c.state == StateEnded {
		c.mu.Unlock()
		return
	}
	c.candQueue = append(c.candQueue, webrtc.ICECandidateInit{Candidate: ""})
	c.log.WithFields(logrus.Fields{
		"function": "onGatheringComplete",
	}).Debug("Candidate gathering complete")
	c.scheduleCandidateFlushLocked()
	c.mu.Unlock()
}

// dropFoldedCandidatesLocked discards the first n queued candidates: they
// were folded into the invite/answer description that just went out.
// Anything gathered after that snapshot stays queued for a standalone send.
func (c *Call) dropFoldedCandidatesLocked(n int) {
	if n >= len(c.candQueue) {
		c.candQueue = nil
		return
	}
	c.candQueue = c.candQueue[n:]
}

// scheduleCandidateFlushLocked arms the batch timer when there is something
// to send and sending is currently allowed. A no-op before the invite/answer
// is sent, while a send is outstanding, or when a timer is already armed.
func (c *Call) scheduleCandidateFlushLocked() {
	if c.state == StateEnded || !c.inviteOrAnswerSent || c.candInFlight {
		return
	}
	if len(c.candQueue) == 0 || c.candTimer != nil {
		return
	}
	delay := c.cfg.CandidateBatchDelayOutbound
	if c.direction == DirectionInbound {
		delay = c.cfg.CandidateBatchDelayInbound
	}
	c.candTimer = c.clock.AfterFunc(delay, c.flushCandidates)
}

// flushCandidates transmits the queued batch and handles the retry policy.
func (c *Call) flushCandidates() {
	c.mu.Lock()
	c.candTimer = nil
	if c.state == StateEnded || c.candInFlight || len(c.candQueue) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.candQueue
	c.candQueue = nil
	c.candInFlight = true
	content := signaling.CandidatesContent{
		BaseContent: c.baseContentLocked(),
		Candidates:  batch,
	}
	roomID := c.roomID
	c.log.WithFields(logrus.Fields{
		"function":   "flushCandidates",
		"batch_size": len(batch),
	}).Debug("Sending candidate batch")
	c.mu.Unlock()

	err := c.sender.SendSignaling(context.Background(), roomID, signaling.EventCandidates, &content)

	c.mu.Lock()
	c.candInFlight = false
	if c.state == StateEnded {
		c.mu.Unlock()
		return
	}
	if err != nil {
		c.candFailures++
		// The whole batch goes back to the front so arrival order holds.
		c.candQueue = append(batch, c.candQueue...)
		if c.candFailures >= c.cfg.MaxCandidateRetries {
			c.log.WithFields(logrus.Fields{
				"function": "flushCandidates",
				"failures": c.candFailures,
				"error":    err.Error(),
			}).Error("Giving up sending candidates")
			c.enqueueErrorLocked(fmt.Errorf("sending candidates failed %d times: %w", c.candFailures, err))
			c.sendHangupLocked(signaling.ReasonSignallingFailed)
			c.terminateLocked(HangupPartyLocal, signaling.ReasonSignallingFailed)
			c.mu.Unlock()
			c.notify.drain()
			return
		}
		delay := c.cfg.CandidateRetryDelay << (c.candFailures - 1)
		c.log.WithFields(logrus.Fields{
			"function":    "flushCandidates",
			"failures":    c.candFailures,
			"retry_delay": delay,
			"error":       err.Error(),
		}).Warn("Candidate send failed, will retry")
		c.candTimer = c.clock.AfterFunc(delay, c.flushCandidates)
		c.mu.Unlock()
		return
	}
	c.candFailures = 0
	c.scheduleCandidateFlushLocked()
	c.mu.Unlock()
}

// handleCandidates applies a batch of remote candidates. Candidates arriving
// before an opponent is elected (an outbound call still waiting for its
// answer) are buffered per party and replayed once the election happens;
// candidates tied to an offer this side decided to ignore are dropped.
func (c *Call) handleCandidates(content *signaling.CandidatesContent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateEnded {
		return
	}
	if c.ignoreOffer {
		c.log.WithFields(logrus.Fields{
			"function": "handleCandidates",
			"count":    len(content.Candidates),
		}).Debug("Dropping candidates tied to ignored offer")
		return
	}
	if !c.opponent.Chosen() {
		key := partyField(content.PartyID)
		c.remoteCandBuffer[key] = append(c.remoteCandBuffer[key], content.Candidates...)
		c.log.WithFields(logrus.Fields{
			"function": "handleCandidates",
			"party_id": key,
			"buffered": len(c.remoteCandBuffer[key]),
		}).Debug("Buffering candidates until opponent is elected")
		return
	}
	if !c.opponent.Matches(content.PartyID) {
		c.log.WithFields(logrus.Fields{
			"function": "handleCandidates",
			"party_id": partyField(content.PartyID),
			"opponent": c.opponent.String(),
		}).Debug("Dropping candidates with mismatched party id")
		return
	}
	c.addRemoteCandidatesLocked(content.Candidates)
}

// replayBufferedCandidatesLocked feeds buffered pre-election candidates from
// the now-elected opponent into the media session, in arrival order.
func (c *Call) replayBufferedCandidatesLocked() {
	if len(c.remoteCandBuffer) == 0 {
		return
	}
	for key, cands := range c.remoteCandBuffer {
		var p *string
		if key != "<absent>" {
			k := key
			p = &k
		}
		if !c.opponent.Matches(p) {
			continue
		}
		c.log.WithFields(logrus.Fields{
			"function": "replayBufferedCandidates",
			"party_id": key,
			"count":    len(cands),
		}).Debug("Replaying buffered candidates")
		c.addRemoteCandidatesLocked(cands)
	}
	c.remoteCandBuffer = make(map[string][]webrtc.ICECandidateInit)
}

// addRemoteCandidatesLocked hands candidates to the media session. An empty
// candidate payload marks the end of the remote's candidates; anything
// arriving after the marker is dropped.
func (c *Call) addRemoteCandidatesLocked(cands []webrtc.ICECandidateInit) {
	for _, cand := range cands {
		if cand.Candidate == "" {
			c.remoteCandidatesEnded = true
			c.log.WithFields(logrus.Fields{
				"function": "addRemoteCandidates",
			}).Debug("Remote signalled end of candidates")
			continue
		}
		if c.remoteCandidatesEnded {
			c.log.WithFields(logrus.Fields{
				"function": "addRemoteCandidates",
			}).Warn("Dropping candidate received after end of candidates")
			continue
		}
		if err := c.media.AddICECandidate(cand); err != nil {
			c.log.WithFields(logrus.Fields{
				"function": "addRemoteCandidates",
				"error":    err.Error(),
			}).Warn("Failed to add remote candidate")
		}
	}
}
