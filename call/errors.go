package call

import "errors"

// Sentinel errors for call package operations.
// These errors enable reliable error classification using errors.Is().

// Construction errors.
var (
	// ErrNilMediaSession indicates no media session was supplied.
	ErrNilMediaSession = errors.New("media session cannot be nil")

	// ErrNilSender indicates no signaling sender was supplied.
	ErrNilSender = errors.New("signaling sender cannot be nil")

	// ErrNilMediaProvider indicates no media provider was supplied.
	ErrNilMediaProvider = errors.New("media provider cannot be nil")
)

// Lifecycle errors.
var (
	// ErrCallEnded indicates the call has already reached its terminal state.
	ErrCallEnded = errors.New("call has ended")

	// ErrBadState indicates the operation is not valid in the call's
	// current state.
	ErrBadState = errors.New("operation invalid in current call state")

	// ErrNotRinging indicates answer/reject on a call that is not ringing.
	ErrNotRinging = errors.New("call is not ringing")
)

// Media and negotiation errors.
var (
	// ErrMediaFailed indicates local media could not be acquired.
	ErrMediaFailed = errors.New("failed to acquire local media")

	// ErrAnswerSendFailed indicates the answer could not be transmitted;
	// the call reverts to ringing and Answer may be retried.
	ErrAnswerSendFailed = errors.New("failed to send answer")

	// ErrInviteSendFailed indicates the invite could not be transmitted.
	ErrInviteSendFailed = errors.New("failed to send invite")
)
