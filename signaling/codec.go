package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Sentinel errors for signaling message decoding.
// These errors enable reliable error classification using errors.Is().
var (
	// ErrMissingCallID indicates a message without a call_id field.
	ErrMissingCallID = errors.New("signaling message has no call_id")

	// ErrBadContent indicates a message whose payload failed to decode.
	ErrBadContent = errors.New("malformed signaling content")

	// ErrUnknownEventType indicates an event type this package does not know.
	ErrUnknownEventType = errors.New("unknown signaling event type")
)

// EncodeContent serializes a signaling content struct for transmission.
func EncodeContent(content any) (json.RawMessage, error) {
	data, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("encoding signaling content: %w", err)
	}
	return data, nil
}

// Base decodes just the envelope fields shared by every signaling message.
func (e *Event) Base() (BaseContent, error) {
	var base BaseContent
	if err := json.Unmarshal(e.Content, &base); err != nil {
		return BaseContent{}, fmt.Errorf("%w: %v", ErrBadContent, err)
	}
	if base.CallID == "" {
		return BaseContent{}, ErrMissingCallID
	}
	return base, nil
}

func decodeContent(raw json.RawMessage, dst any, callID func() string) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrBadContent, err)
	}
	if callID() == "" {
		return ErrMissingCallID
	}
	return nil
}

// DecodeInvite decodes an invite event payload.
func DecodeInvite(e *Event) (*InviteContent, error) {
	var c InviteContent
	if err := decodeContent(e.Content, &c, func() string { return c.CallID }); err != nil {
		return nil, err
	}
	return &c, nil
}

// DecodeAnswer decodes an answer event payload.
func DecodeAnswer(e *Event) (*AnswerContent, error) {
	var c AnswerContent
	if err := decodeContent(e.Content, &c, func() string { return c.CallID }); err != nil {
		return nil, err
	}
	return &c, nil
}

// DecodeCandidates decodes a candidates event payload.
func DecodeCandidates(e *Event) (*CandidatesContent, error) {
	var c CandidatesContent
	if err := decodeContent(e.Content, &c, func() string { return c.CallID }); err != nil {
		return nil, err
	}
	return &c, nil
}

// DecodeNegotiate decodes a renegotiation event payload.
func DecodeNegotiate(e *Event) (*NegotiateContent, error) {
	var c NegotiateContent
	if err := decodeContent(e.Content, &c, func() string { return c.CallID }); err != nil {
		return nil, err
	}
	return &c, nil
}

// DecodeSelectAnswer decodes a select-answer event payload.
func DecodeSelectAnswer(e *Event) (*SelectAnswerContent, error) {
	var c SelectAnswerContent
	if err := decodeContent(e.Content, &c, func() string { return c.CallID }); err != nil {
		return nil, err
	}
	return &c, nil
}

// DecodeHangup decodes a hangup event payload. A missing or empty reason is
// normalized to ReasonUserHangup, which is what legacy senders mean by it.
func DecodeHangup(e *Event) (*HangupContent, error) {
	var c HangupContent
	if err := decodeContent(e.Content, &c, func() string { return c.CallID }); err != nil {
		return nil, err
	}
	if c.Reason == "" {
		c.Reason = ReasonUserHangup
	}
	return &c, nil
}

// DecodeReject decodes a reject event payload.
func DecodeReject(e *Event) (*RejectContent, error) {
	var c RejectContent
	if err := decodeContent(e.Content, &c, func() string { return c.CallID }); err != nil {
		return nil, err
	}
	return &c, nil
}

// DecodeAssertedIdentity decodes an asserted-identity event payload.
func DecodeAssertedIdentity(e *Event) (*AssertedIdentityContent, error) {
	var c AssertedIdentityContent
	if err := decodeContent(e.Content, &c, func() string { return c.CallID }); err != nil {
		return nil, err
	}
	return &c, nil
}
