package signaling

import (
	"encoding/json"
	"time"

	"github.com/pion/webrtc/v4"
)

// EventType identifies the kind of signaling message an event carries.
type EventType string

const (
	EventInvite           EventType = "call.invite"
	EventAnswer           EventType = "call.answer"
	EventCandidates       EventType = "call.candidates"
	EventNegotiate        EventType = "call.negotiate"
	EventSelectAnswer     EventType = "call.select_answer"
	EventHangup           EventType = "call.hangup"
	EventReject           EventType = "call.reject"
	EventAssertedIdentity EventType = "call.asserted_identity"
)

// Version is the signaling protocol version carried by every message.
//
// Legacy senders encode the version as the JSON number 0 and never send party
// ids; current senders encode it as the string "1".
type Version string

const (
	// VersionLegacy is spoken by clients that predate party ids.
	VersionLegacy Version = "0"
	// Version1 is the current signaling protocol version.
	Version1 Version = "1"
)

// UnmarshalJSON accepts both the numeric legacy encoding and the string form.
func (v *Version) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*v = Version(s)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if n == 0 {
		*v = VersionLegacy
	} else {
		*v = Version(string(data))
	}
	return nil
}

// MarshalJSON keeps the legacy version on the wire as the number 0 so legacy
// peers recognize it.
func (v Version) MarshalJSON() ([]byte, error) {
	if v == VersionLegacy {
		return []byte("0"), nil
	}
	return json.Marshal(string(v))
}

// Reason explains why a call ended. Carried in hangup messages and reported
// through hangup notifications.
type Reason string

const (
	ReasonUserHangup        Reason = "user_hangup"
	ReasonInviteTimeout     Reason = "invite_timeout"
	ReasonIceFailed         Reason = "ice_failed"
	ReasonAnsweredElsewhere Reason = "answered_elsewhere"
	ReasonReplaced          Reason = "replaced"
	ReasonSignallingFailed  Reason = "signalling_failed"
	ReasonUserMediaFailed   Reason = "user_media_failed"
	ReasonUnknownError      Reason = "unknown_error"
)

// BaseContent holds the envelope fields common to every signaling message.
type BaseContent struct {
	Version Version `json:"version"`
	CallID  string  `json:"call_id"`
	PartyID *string `json:"party_id,omitempty"`
}

// CallCapabilities advertises optional features of the sending client.
type CallCapabilities struct {
	DTMF       bool `json:"dtmf"`
	Transferee bool `json:"transferee"`
}

// InviteContent initiates a call. Lifetime is the number of milliseconds the
// invite remains answerable from the moment it was sent.
type InviteContent struct {
	BaseContent
	Lifetime     int64                     `json:"lifetime"`
	Offer        webrtc.SessionDescription `json:"offer"`
	Capabilities CallCapabilities          `json:"capabilities"`
}

// AnswerContent accepts an invite.
type AnswerContent struct {
	BaseContent
	Answer       webrtc.SessionDescription `json:"answer"`
	Capabilities CallCapabilities          `json:"capabilities"`
}

// CandidatesContent carries a batch of connectivity candidates. A candidate
// whose Candidate string is empty signals the end of candidates.
type CandidatesContent struct {
	BaseContent
	Candidates []webrtc.ICECandidateInit `json:"candidates"`
}

// NegotiateContent carries a renegotiation offer or answer after the initial
// handshake.
type NegotiateContent struct {
	BaseContent
	Description webrtc.SessionDescription `json:"description"`
	Lifetime    int64                     `json:"lifetime,omitempty"`
}

// SelectAnswerContent is sent by the caller once it has accepted an answer,
// naming the party id whose answer was chosen. Other devices of the callee
// use it to stop ringing.
type SelectAnswerContent struct {
	BaseContent
	SelectedPartyID *string `json:"selected_party_id"`
}

// HangupContent terminates a call, carrying the reason.
type HangupContent struct {
	BaseContent
	Reason Reason `json:"reason,omitempty"`
}

// RejectContent declines a ringing call.
type RejectContent struct {
	BaseContent
}

// AssertedIdentity updates the displayed remote identity mid-call, for
// deployments where the remote party may differ from the message sender.
type AssertedIdentity struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// AssertedIdentityContent carries an asserted identity update.
type AssertedIdentityContent struct {
	BaseContent
	AssertedIdentity AssertedIdentity `json:"asserted_identity"`
}

// Event is a decoded signaling event as delivered by the messaging transport.
//
// LocalAge is how old the event already was when the transport delivered it;
// the transport may replay events long after they were sent, and invite
// lifetimes are measured against it.
type Event struct {
	ID       string
	Type     EventType
	RoomID   string
	Sender   string
	LocalAge time.Duration
	Content  json.RawMessage
}
