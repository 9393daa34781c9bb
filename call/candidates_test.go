package call

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/rtcsignal/signaling"
)

// deliverCandidates feeds a candidates batch from the given party.
func (f *testFixture) deliverCandidates(t *testing.T, party *string, cands ...webrtc.ICECandidateInit) {
	t.Helper()
	content := &signaling.CandidatesContent{
		BaseContent: signaling.BaseContent{
			Version: signaling.Version1,
			CallID:  f.call.ID(),
			PartyID: party,
		},
		Candidates: cands,
	}
	require.NoError(t, f.call.HandleEvent(mkEvent(t, signaling.EventCandidates, "@bob:example.org", content)))
}

func remoteCand(payload string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: payload}
}

func TestInboundBatchDelayIsShorter(t *testing.T) {
	f := newFixture(DirectionInbound, "cand-delay-1")
	f.ringInbound(t, strptr("device-bob-1"), signaling.Version1, 60000, 0)
	f.answerToConnecting(t)

	f.session.fireCandidate("192.0.2.10", 42000)
	assert.Empty(t, f.sender.sent(signaling.EventCandidates))

	f.clock.Advance(f.call.cfg.CandidateBatchDelayInbound)
	assert.Len(t, f.sender.sent(signaling.EventCandidates), 1)
}

func TestCandidatesGatheredDuringFlushJoinNextBatch(t *testing.T) {
	f := newFixture(DirectionInbound, "cand-next-1")
	f.ringInbound(t, strptr("device-bob-1"), signaling.Version1, 60000, 0)
	f.answerToConnecting(t)

	f.session.fireCandidate("192.0.2.10", 42000)
	f.clock.Advance(f.call.cfg.CandidateBatchDelayInbound)
	require.Len(t, f.sender.sent(signaling.EventCandidates), 1)

	f.session.fireCandidate("192.0.2.10", 42001)
	f.session.fireCandidate("192.0.2.10", 42002)
	f.clock.Advance(f.call.cfg.CandidateBatchDelayInbound)

	msgs := f.sender.sent(signaling.EventCandidates)
	require.Len(t, msgs, 2)
	assert.Len(t, msgs[1].content.(*signaling.CandidatesContent).Candidates, 2)
}

func TestCandidateSendRetriesWithDoublingDelay(t *testing.T) {
	f := newFixture(DirectionInbound, "cand-retry-1")
	f.ringInbound(t, strptr("device-bob-1"), signaling.Version1, 60000, 0)
	f.answerToConnecting(t)

	f.sender.setFailAll(true)
	attemptsBefore := f.sender.sendAttempts()
	f.session.fireCandidate("192.0.2.11", 43000)

	// First attempt after the batch delay.
	f.clock.Advance(f.call.cfg.CandidateBatchDelayInbound)
	require.Equal(t, attemptsBefore+1, f.sender.sendAttempts())
	require.Equal(t, StateConnecting, f.call.State())

	// Retries at 500ms, 1s, 2s. Advancing just short of each deadline must
	// not fire the attempt.
	retryDelays := []time.Duration{
		f.call.cfg.CandidateRetryDelay,
		f.call.cfg.CandidateRetryDelay * 2,
		f.call.cfg.CandidateRetryDelay * 4,
	}
	for i, delay := range retryDelays {
		f.clock.Advance(delay - time.Millisecond)
		require.Equal(t, attemptsBefore+1+i, f.sender.sendAttempts(), "retry %d fired early", i+1)
		f.clock.Advance(time.Millisecond)
		require.Equal(t, attemptsBefore+2+i, f.sender.sendAttempts(), "retry %d did not fire", i+1)
		require.Equal(t, StateConnecting, f.call.State())
	}

	// The fifth consecutive failure gives up and ends the call.
	f.clock.Advance(f.call.cfg.CandidateRetryDelay * 8)
	assert.Equal(t, StateEnded, f.call.State())
	assert.Equal(t, signaling.ReasonSignallingFailed, f.call.HangupInfo().Reason)
}

func TestCandidateSendRecoveryResetsFailures(t *testing.T) {
	f := newFixture(DirectionInbound, "cand-recover-1")
	f.ringInbound(t, strptr("device-bob-1"), signaling.Version1, 60000, 0)
	f.answerToConnecting(t)

	f.sender.setFailNext(1)
	f.session.fireCandidate("192.0.2.12", 44000)
	f.clock.Advance(f.call.cfg.CandidateBatchDelayInbound)
	require.Empty(t, f.sender.sent(signaling.EventCandidates))

	// The retry succeeds and carries the re-enqueued batch.
	f.clock.Advance(f.call.cfg.CandidateRetryDelay)
	msgs := f.sender.sent(signaling.EventCandidates)
	require.Len(t, msgs, 1)
	assert.Len(t, msgs[0].content.(*signaling.CandidatesContent).Candidates, 1)
	assert.Equal(t, StateConnecting, f.call.State())

	// A later isolated failure starts the count from one again.
	f.sender.setFailNext(1)
	f.session.fireCandidate("192.0.2.12", 44001)
	f.clock.Advance(f.call.cfg.CandidateBatchDelayInbound)
	f.clock.Advance(f.call.cfg.CandidateRetryDelay)
	assert.Len(t, f.sender.sent(signaling.EventCandidates), 2)
	assert.Equal(t, StateConnecting, f.call.State())
}

func TestFailedBatchKeepsArrivalOrder(t *testing.T) {
	f := newFixture(DirectionInbound, "cand-order-1")
	f.ringInbound(t, strptr("device-bob-1"), signaling.Version1, 60000, 0)
	f.answerToConnecting(t)

	f.sender.setFailNext(1)
	f.session.fireCandidate("192.0.2.13", 45000)
	f.clock.Advance(f.call.cfg.CandidateBatchDelayInbound)

	// Gathered after the failed attempt: must follow the re-enqueued batch.
	f.session.fireCandidate("192.0.2.13", 45001)
	f.clock.Advance(f.call.cfg.CandidateRetryDelay)

	msgs := f.sender.sent(signaling.EventCandidates)
	require.Len(t, msgs, 1)
	cands := msgs[0].content.(*signaling.CandidatesContent).Candidates
	require.Len(t, cands, 2)
	assert.Contains(t, cands[0].Candidate, "45000")
	assert.Contains(t, cands[1].Candidate, "45001")
}

func TestGatheringCompleteSendsEndOfCandidates(t *testing.T) {
	f := newFixture(DirectionInbound, "cand-eoc-1")
	f.ringInbound(t, strptr("device-bob-1"), signaling.Version1, 60000, 0)
	f.answerToConnecting(t)

	f.session.fireCandidate("192.0.2.14", 46000)
	f.session.onGatherDone()
	f.clock.Advance(f.call.cfg.CandidateBatchDelayInbound)

	msgs := f.sender.sent(signaling.EventCandidates)
	require.Len(t, msgs, 1)
	cands := msgs[0].content.(*signaling.CandidatesContent).Candidates
	require.Len(t, cands, 2)
	assert.Empty(t, cands[1].Candidate)
}

func TestRemoteEndOfCandidatesMarkerNotAddedToSession(t *testing.T) {
	f := newFixture(DirectionInbound, "cand-marker-1")
	f.ringInbound(t, strptr("device-bob-1"), signaling.Version1, 60000, 0)

	f.deliverCandidates(t, strptr("device-bob-1"),
		remoteCand("candidate:1 1 udp 1 192.0.2.20 50000 typ host"),
		remoteCand(""))

	added := f.session.addedCandidates()
	require.Len(t, added, 1)
	assert.Contains(t, added[0].Candidate, "192.0.2.20")
}

func TestCandidatesAfterEndOfCandidatesMarkerDropped(t *testing.T) {
	f := newFixture(DirectionInbound, "cand-late-1")
	f.ringInbound(t, strptr("device-bob-1"), signaling.Version1, 60000, 0)

	f.deliverCandidates(t, strptr("device-bob-1"), remoteCand(""))

	// The remote said it was done; stragglers are dropped.
	f.deliverCandidates(t, strptr("device-bob-1"),
		remoteCand("candidate:1 1 udp 1 192.0.2.21 50010 typ host"))
	assert.Empty(t, f.session.addedCandidates())
}

func TestPreElectionCandidatesBufferedAndReplayed(t *testing.T) {
	f := newFixture(DirectionOutbound, "cand-buffer-1")
	f.placeToInviteSent(t)

	// Two devices answer-race; their candidates arrive first.
	f.deliverCandidates(t, strptr("device-bob-1"),
		remoteCand("candidate:1 1 udp 1 192.0.2.30 50001 typ host"))
	f.deliverCandidates(t, strptr("device-bob-2"),
		remoteCand("candidate:1 1 udp 1 192.0.2.31 50002 typ host"))
	assert.Empty(t, f.session.addedCandidates())

	// Election replays only the winner's buffer.
	f.deliverAnswer(t, strptr("device-bob-1"), signaling.Version1)

	added := f.session.addedCandidates()
	require.Len(t, added, 1)
	assert.Contains(t, added[0].Candidate, "192.0.2.30")
}

func TestPostElectionCandidatesFromOtherPartyDropped(t *testing.T) {
	f := newFixture(DirectionOutbound, "cand-mismatch-1")
	f.placeToInviteSent(t)
	f.deliverAnswer(t, strptr("device-bob-1"), signaling.Version1)

	f.deliverCandidates(t, strptr("device-bob-2"),
		remoteCand("candidate:1 1 udp 1 192.0.2.40 50003 typ host"))
	assert.Empty(t, f.session.addedCandidates())

	f.deliverCandidates(t, strptr("device-bob-1"),
		remoteCand("candidate:1 1 udp 1 192.0.2.41 50004 typ host"))
	assert.Len(t, f.session.addedCandidates(), 1)
}

func TestCandidatesAfterEndAreDropped(t *testing.T) {
	f := newFixture(DirectionInbound, "cand-ended-1")
	f.ringInbound(t, strptr("device-bob-1"), signaling.Version1, 60000, 0)
	f.answerToConnecting(t)
	require.NoError(t, f.call.Hangup(context.Background(), signaling.ReasonUserHangup))

	f.deliverCandidates(t, strptr("device-bob-1"),
		remoteCand("candidate:1 1 udp 1 192.0.2.50 50005 typ host"))
	assert.Empty(t, f.session.addedCandidates())

	f.session.fireCandidate("192.0.2.51", 50006)
	f.clock.Advance(time.Minute)
	assert.Empty(t, f.sender.sent(signaling.EventCandidates))
}
