package rtcsignal

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/opd-ai/rtcsignal/call"
	"github.com/opd-ai/rtcsignal/signaling"
)

// fakeSession implements call.MediaSession for engine tests.
type fakeSession struct {
	mu          sync.Mutex
	localDesc   *webrtc.SessionDescription
	remoteDescs []webrtc.SessionDescription
	sigState    webrtc.SignalingState
	addedCands  []webrtc.ICECandidateInit
	closed      bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{sigState: webrtc.SignalingStateStable}
}

func (s *fakeSession) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\ns=offer\r\n"}, nil
}

func (s *fakeSession) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\ns=answer\r\n"}, nil
}

func (s *fakeSession) SetLocalDescription(desc webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localDesc = &desc
	if desc.Type == webrtc.SDPTypeOffer {
		s.sigState = webrtc.SignalingStateHaveLocalOffer
	} else {
		s.sigState = webrtc.SignalingStateStable
	}
	return nil
}

func (s *fakeSession) SetRemoteDescription(desc webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteDescs = append(s.remoteDescs, desc)
	if desc.Type == webrtc.SDPTypeOffer {
		s.sigState = webrtc.SignalingStateHaveRemoteOffer
	} else {
		s.sigState = webrtc.SignalingStateStable
	}
	return nil
}

func (s *fakeSession) LocalDescription() *webrtc.SessionDescription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localDesc
}

func (s *fakeSession) AddICECandidate(cand webrtc.ICECandidateInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addedCands = append(s.addedCands, cand)
	return nil
}

func (s *fakeSession) SignalingState() webrtc.SignalingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sigState
}

func (s *fakeSession) AddStream(stream call.MediaStream) error { return nil }

func (s *fakeSession) Transceivers() []call.Transceiver { return nil }

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) OnICECandidate(f func(*webrtc.ICECandidate)) {}
func (s *fakeSession) OnICEGatheringComplete(f func()) {}
func (s *fakeSession) OnNegotiationNeeded(f func()) {}
func (s *fakeSession) OnTrack(f func(call.MediaStream, call.Purpose)) {}
func (s *fakeSession) OnConnectionStateChange(f func(webrtc.ICEConnectionState)) {}

func (s *fakeSession) addedCandidates() []webrtc.ICECandidateInit {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(s.addedCands))
	copy(out, s.addedCands)
	return out
}

// fakeStream implements call.MediaStream.
type fakeStream struct {
	mu      sync.Mutex
	id      string
	stopped bool
}

func (s *fakeStream) ID() string { return s.id }
func (s *fakeStream) SetAudioEnabled(bool) {}
func (s *fakeStream) SetVideoEnabled(bool) {}
func (s *fakeStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

// fakeProvider implements call.MediaProvider. An optional gate blocks
// acquisition until released, pinning a call in media-acquisition state.
type fakeProvider struct {
	mu    sync.Mutex
	calls int
	gate  chan struct{}
}

func (p *fakeProvider) GetUserMedia(ctx context.Context, constraints call.Constraints) (call.MediaStream, error) {
	p.mu.Lock()
	p.calls++
	n := p.calls
	gate := p.gate
	p.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &fakeStream{id: "stream-" + string(rune('0'+n))}, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// fakeSender implements call.Sender, recording sends.
type fakeSender struct {
	mu       sync.Mutex
	messages []sentMessage
}

type sentMessage struct {
	roomID  string
	evType  signaling.EventType
	content any
}

func (s *fakeSender) SendSignaling(ctx context.Context, roomID string, evType signaling.EventType, content any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, sentMessage{roomID: roomID, evType: evType, content: content})
	return nil
}

func (s *fakeSender) sent(evType signaling.EventType) []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sentMessage
	for _, msg := range s.messages {
		if msg.evType == evType {
			out = append(out, msg)
		}
	}
	return out
}

// harness bundles an engine with its collaborators and notification
// recorders.
type harness struct {
	engine   *Engine
	provider *fakeProvider
	sender   *fakeSender
	clock    *call.ManualClock

	mu       sync.Mutex
	sessions []*fakeSession
	incoming []*call.Call
	ended    []string
}

func newHarness() *harness {
	h := &harness{
		provider: &fakeProvider{},
		sender:   &fakeSender{},
		clock:    call.NewManualClock(time.Unix(1700000000, 0)),
	}
	factory := func() (call.MediaSession, error) {
		s := newFakeSession()
		h.mu.Lock()
		h.sessions = append(h.sessions, s)
		h.mu.Unlock()
		return s, nil
	}
	e, err := New(Config{
		UserID:  "@alice:example.org",
		PartyID: "device-alice-1",
		Clock:   h.clock,
	}, factory, h.provider, h.sender)
	if err != nil {
		panic(err)
	}
	e.SetIncomingCallCallback(func(c *call.Call) {
		h.mu.Lock()
		h.incoming = append(h.incoming, c)
		h.mu.Unlock()
	})
	e.SetCallEndedCallback(func(callID string, reason signaling.Reason) {
		h.mu.Lock()
		h.ended = append(h.ended, callID)
		h.mu.Unlock()
	})
	h.engine = e
	return h
}

func (h *harness) incomingCalls() []*call.Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*call.Call, len(h.incoming))
	copy(out, h.incoming)
	return out
}

func (h *harness) endedIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.ended))
	copy(out, h.ended)
	return out
}

func (h *harness) sessionFor(index int) *fakeSession {
	h.mu.Lock()
	defer h.mu.Unlock()
	if index < 0 || index >= len(h.sessions) {
		return nil
	}
	return h.sessions[index]
}

// deliver enqueues events as one batch and flushes it.
func (h *harness) deliver(events ...*signaling.Event) {
	for _, ev := range events {
		h.engine.Enqueue(ev, false)
	}
	h.engine.Flush()
}

const testRoom = "!room:example.org"

// event builds a decoded transport event carrying the given content.
func event(id string, evType signaling.EventType, sender string, content any) *signaling.Event {
	raw, err := signaling.EncodeContent(content)
	if err != nil {
		panic(err)
	}
	return &signaling.Event{
		ID:      id,
		Type:    evType,
		RoomID:  testRoom,
		Sender:  sender,
		Content: raw,
	}
}

func base(callID, partyID string) signaling.BaseContent {
	return signaling.BaseContent{
		Version: signaling.Version1,
		CallID:  callID,
		PartyID: &partyID,
	}
}

func inviteEvent(id, callID, sender, partyID string) *signaling.Event {
	return event(id, signaling.EventInvite, sender, &signaling.InviteContent{
		BaseContent: base(callID, partyID),
		Lifetime:    60000,
		Offer:       webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\ns=remote-offer\r\n"},
	})
}

func hangupEvent(id, callID, sender, partyID string, reason signaling.Reason) *signaling.Event {
	return event(id, signaling.EventHangup, sender, &signaling.HangupContent{
		BaseContent: base(callID, partyID),
		Reason:      reason,
	})
}

func answerEvent(id, callID, sender, partyID string) *signaling.Event {
	return event(id, signaling.EventAnswer, sender, &signaling.AnswerContent{
		BaseContent: base(callID, partyID),
		Answer:      webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\ns=remote-answer\r\n"},
	})
}

func candidatesEvent(id, callID, sender, partyID, candidate string) *signaling.Event {
	return event(id, signaling.EventCandidates, sender, &signaling.CandidatesContent{
		BaseContent: base(callID, partyID),
		Candidates:  []webrtc.ICECandidateInit{{Candidate: candidate}},
	})
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return false
}
