package rtcsignal

import "errors"

// Sentinel errors for engine operations.
// These errors enable reliable error classification using errors.Is().
var (
	// ErrMissingUserID indicates the engine was configured without a
	// user identifier.
	ErrMissingUserID = errors.New("user id cannot be empty")

	// ErrNilSessionFactory indicates no media-session factory was supplied.
	ErrNilSessionFactory = errors.New("media session factory cannot be nil")

	// ErrNilMediaProvider indicates no media provider was supplied.
	ErrNilMediaProvider = errors.New("media provider cannot be nil")

	// ErrNilSender indicates no signaling sender was supplied.
	ErrNilSender = errors.New("signaling sender cannot be nil")

	// ErrCallInProgress indicates the room already has a live call.
	ErrCallInProgress = errors.New("a call is already in progress in this room")
)
