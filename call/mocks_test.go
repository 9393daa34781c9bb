package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/opd-ai/rtcsignal/signaling"
)

// mockMediaSession implements MediaSession for testing. It tracks the
// descriptions and candidates it was handed and lets tests fire the
// notifications a real session would emit.
type mockMediaSession struct {
	mu             sync.Mutex
	localDesc      *webrtc.SessionDescription
	remoteDescs    []webrtc.SessionDescription
	signalingState webrtc.SignalingState
	addedCands     []webrtc.ICECandidateInit
	streams        []MediaStream
	transceivers   []*mockTransceiver
	closed         bool
	rolledBack     bool

	createOfferErr  error
	createAnswerErr error
	setRemoteErr    error

	onCand       func(*webrtc.ICECandidate)
	onGatherDone func()
	onNeg        func()
	onTrack      func(MediaStream, Purpose)
	onConn       func(webrtc.ICEConnectionState)
}

func newMockMediaSession() *mockMediaSession {
	return &mockMediaSession{signalingState: webrtc.SignalingStateStable}
}

func (m *mockMediaSession) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if m.createOfferErr != nil {
		return webrtc.SessionDescription{}, m.createOfferErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=offer\r\n"}, nil
}

func (m *mockMediaSession) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	if m.createAnswerErr != nil {
		return webrtc.SessionDescription{}, m.createAnswerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=answer\r\n"}, nil
}

func (m *mockMediaSession) SetLocalDescription(desc webrtc.SessionDescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.localDesc = &desc
	if desc.Type == webrtc.SDPTypeOffer {
		m.signalingState = webrtc.SignalingStateHaveLocalOffer
	} else {
		m.signalingState = webrtc.SignalingStateStable
	}
	return nil
}

func (m *mockMediaSession) SetRemoteDescription(desc webrtc.SessionDescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setRemoteErr != nil {
		return m.setRemoteErr
	}
	if desc.Type == webrtc.SDPTypeOffer && m.signalingState == webrtc.SignalingStateHaveLocalOffer {
		// Implicit rollback of our pending local offer.
		m.rolledBack = true
	}
	m.remoteDescs = append(m.remoteDescs, desc)
	if desc.Type == webrtc.SDPTypeOffer {
		m.signalingState = webrtc.SignalingStateHaveRemoteOffer
	} else {
		m.signalingState = webrtc.SignalingStateStable
	}
	return nil
}

func (m *mockMediaSession) LocalDescription() *webrtc.SessionDescription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localDesc
}

func (m *mockMediaSession) AddICECandidate(cand webrtc.ICECandidateInit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addedCands = append(m.addedCands, cand)
	return nil
}

func (m *mockMediaSession) SignalingState() webrtc.SignalingState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.signalingState
}

func (m *mockMediaSession) AddStream(stream MediaStream) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams = append(m.streams, stream)
	return nil
}

func (m *mockMediaSession) Transceivers() []Transceiver {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transceiver, len(m.transceivers))
	for i, tr := range m.transceivers {
		out[i] = tr
	}
	return out
}

func (m *mockMediaSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockMediaSession) OnICECandidate(f func(*webrtc.ICECandidate)) { m.onCand = f }
func (m *mockMediaSession) OnICEGatheringComplete(f func()) { m.onGatherDone = f }
func (m *mockMediaSession) OnNegotiationNeeded(f func()) { m.onNeg = f }
func (m *mockMediaSession) OnTrack(f func(MediaStream, Purpose)) { m.onTrack = f }
func (m *mockMediaSession) OnConnectionStateChange(f func(webrtc.ICEConnectionState)) { m.onConn = f }

// fireCandidate simulates the session gathering a local candidate.
func (m *mockMediaSession) fireCandidate(addr string, port uint16) {
	m.onCand(&webrtc.ICECandidate{
		Foundation: "foundation",
		Priority:   1,
		Address:    addr,
		Protocol:   webrtc.ICEProtocolUDP,
		Port:       port,
		Typ:        webrtc.ICECandidateTypeHost,
		Component:  1,
	})
}

func (m *mockMediaSession) addedCandidates() []webrtc.ICECandidateInit {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(m.addedCands))
	copy(out, m.addedCands)
	return out
}

func (m *mockMediaSession) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockMediaSession) remoteDescCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.remoteDescs)
}

func (m *mockMediaSession) setSignalingState(s webrtc.SignalingState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signalingState = s
}

// mockTransceiver implements Transceiver.
type mockTransceiver struct {
	mu      sync.Mutex
	kind    webrtc.RTPCodecType
	dir     webrtc.RTPTransceiverDirection
	current webrtc.RTPTransceiverDirection
}

func (t *mockTransceiver) Kind() webrtc.RTPCodecType { return t.kind }

func (t *mockTransceiver) Direction() webrtc.RTPTransceiverDirection {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dir
}

func (t *mockTransceiver) CurrentDirection() webrtc.RTPTransceiverDirection {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

func (t *mockTransceiver) SetDirection(dir webrtc.RTPTransceiverDirection) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dir = dir
	return nil
}

// mockStream implements MediaStream.
type mockStream struct {
	mu           sync.Mutex
	id           string
	audioEnabled bool
	videoEnabled bool
	stopped      bool
}

func newMockStream(id string) *mockStream {
	return &mockStream{id: id, audioEnabled: true, videoEnabled: true}
}

func (s *mockStream) ID() string { return s.id }

func (s *mockStream) SetAudioEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audioEnabled = enabled
}

func (s *mockStream) SetVideoEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videoEnabled = enabled
}

func (s *mockStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

func (s *mockStream) audioOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioEnabled
}

func (s *mockStream) videoOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoEnabled
}

func (s *mockStream) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// mockProvider implements MediaProvider.
type mockProvider struct {
	mu     sync.Mutex
	stream *mockStream
	err    error
	calls  int
	gate   chan struct{} // when non-nil, GetUserMedia blocks until closed
}

func newMockProvider() *mockProvider {
	return &mockProvider{stream: newMockStream("local-stream")}
}

func (p *mockProvider) GetUserMedia(ctx context.Context, constraints Constraints) (MediaStream, error) {
	p.mu.Lock()
	p.calls++
	gate := p.gate
	stream, err := p.stream, p.err
	p.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func (p *mockProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// sentMessage records one outbound signaling send.
type sentMessage struct {
	roomID  string
	evType  signaling.EventType
	content any
}

// mockSender implements Sender, recording sends and optionally failing them.
type mockSender struct {
	mu       sync.Mutex
	messages []sentMessage
	attempts int
	failNext int
	failAll  bool
}

var errSendFailed = errors.New("send failed")

func (s *mockSender) SendSignaling(ctx context.Context, roomID string, evType signaling.EventType, content any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.failAll {
		return errSendFailed
	}
	if s.failNext > 0 {
		s.failNext--
		return errSendFailed
	}
	s.messages = append(s.messages, sentMessage{roomID: roomID, evType: evType, content: content})
	return nil
}

// sent returns a snapshot of recorded messages, optionally filtered by type.
func (s *mockSender) sent(evType signaling.EventType) []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sentMessage
	for _, msg := range s.messages {
		if evType == "" || msg.evType == evType {
			out = append(out, msg)
		}
	}
	return out
}

func (s *mockSender) sendAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *mockSender) setFailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

func (s *mockSender) setFailAll(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAll = fail
}

// testFixture bundles a call with its mock collaborators.
type testFixture struct {
	call     *Call
	session  *mockMediaSession
	provider *mockProvider
	sender   *mockSender
	clock    *ManualClock
}

// newFixture builds a call wired to fresh mocks.
func newFixture(dir Direction, callID string) *testFixture {
	f := &testFixture{
		session:  newMockMediaSession(),
		provider: newMockProvider(),
		sender:   &mockSender{},
		clock:    NewManualClock(time.Unix(1700000000, 0)),
	}
	c, err := New(Options{
		ID:            callID,
		RoomID:        "!room:example.org",
		Direction:     dir,
		OurUserID:     "@alice:example.org",
		OurPartyID:    "device-alice-1",
		Media:         f.session,
		MediaProvider: f.provider,
		Sender:        f.sender,
		Clock:         f.clock,
	})
	if err != nil {
		panic(err)
	}
	f.call = c
	return f
}

// invite builds a remote invite content from the given party.
func invite(callID string, version signaling.Version, partyID *string, lifetimeMS int64) *signaling.InviteContent {
	return &signaling.InviteContent{
		BaseContent: signaling.BaseContent{
			Version: version,
			CallID:  callID,
			PartyID: partyID,
		},
		Lifetime: lifetimeMS,
		Offer:    webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\ns=remote-offer\r\n"},
	}
}

func strptr(s string) *string { return &s }

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
