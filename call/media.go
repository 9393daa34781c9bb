package call

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/opd-ai/rtcsignal/signaling"
)

// MediaSession is the real-time media-transport capability a call drives.
//
// Implementations wrap a peer connection (typically pion's). The call never
// touches media payloads; it only performs offer/answer negotiation, feeds
// remote connectivity candidates in, and observes what the session gathers
// and receives.
//
// SetRemoteDescription must accept a remote offer while a local offer is
// pending by rolling the local offer back first; the perfect-negotiation
// logic in this package relies on that contract.
type MediaSession interface {
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error

	// LocalDescription returns the current local description, which may
	// have been enriched with gathered candidates since it was created.
	LocalDescription() *webrtc.SessionDescription

	AddICECandidate(cand webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState

	// AddStream attaches a local media stream's tracks to the session.
	AddStream(stream MediaStream) error

	// Transceivers lists the session's media transceivers.
	Transceivers() []Transceiver

	Close() error

	// Callback registration. Each replaces any previously registered
	// callback for that notification.
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnICEGatheringComplete(f func())
	OnNegotiationNeeded(f func())
	OnTrack(f func(stream MediaStream, purpose Purpose))
	OnConnectionStateChange(f func(webrtc.ICEConnectionState))
}

// Transceiver is one media transceiver of a session. Hold state is driven
// and inferred through transceiver directions.
type Transceiver interface {
	Kind() webrtc.RTPCodecType
	Direction() webrtc.RTPTransceiverDirection
	CurrentDirection() webrtc.RTPTransceiverDirection
	SetDirection(dir webrtc.RTPTransceiverDirection) error
}

// MediaStream is a set of local or remote media tracks. Acquisition and the
// tracks themselves are out of scope; the call only needs identity, mute
// toggles and teardown.
type MediaStream interface {
	ID() string
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)
	Stop()
}

// Constraints describes the media a call wants to capture.
type Constraints struct {
	Audio bool
	Video bool
}

// MediaProvider acquires local capture media.
type MediaProvider interface {
	// GetUserMedia acquires a capture stream. It may block on user
	// permission prompts; callers treat it as a suspending operation.
	GetUserMedia(ctx context.Context, constraints Constraints) (MediaStream, error)
}

// Sender transmits a signaling message over the messaging transport.
// The transport owns delivery, retry and ordering; the call only learns
// whether the send was accepted.
type Sender interface {
	SendSignaling(ctx context.Context, roomID string, evType signaling.EventType, content any) error
}
