// Package memory provides an in-process loopback signaling transport.
//
// A Pipe links two endpoints: everything one side sends lands in the other
// side's inbox, and Deliver hands the accumulated inbox to the receiver as
// one delivery batch. Tests and examples use it to connect two engines
// without a network, and its fault injection (failing sends, partitioning)
// exercises the retry paths.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/opd-ai/rtcsignal/signaling"
)

// ErrPartitioned indicates sends are refused while the link is partitioned.
var ErrPartitioned = errors.New("transport is partitioned")

// ErrInjectedFailure is returned for sends failed on purpose by FailNext.
var ErrInjectedFailure = errors.New("injected send failure")

// Endpoint is one side of an in-process signaling pipe. It implements the
// call.Sender interface.
type Endpoint struct {
	userID string
	peer   *Endpoint

	mu          sync.Mutex
	inbox       []*signaling.Event
	handler     func(batch []*signaling.Event)
	failNext    int
	partitioned bool
	sent        int
}

// Pipe returns two linked endpoints owned by the given users.
func Pipe(userA, userB string) (*Endpoint, *Endpoint) {
	a := &Endpoint{userID: userA}
	b := &Endpoint{userID: userB}
	a.peer = b
	b.peer = a
	return a, b
}

// SetBatchHandler registers the receiver of delivered batches.
func (e *Endpoint) SetBatchHandler(f func(batch []*signaling.Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = f
}

// SendSignaling encodes the content and drops it into the peer's inbox.
func (e *Endpoint) SendSignaling(ctx context.Context, roomID string, evType signaling.EventType, content any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	if e.partitioned {
		e.mu.Unlock()
		return ErrPartitioned
	}
	if e.failNext > 0 {
		e.failNext--
		e.mu.Unlock()
		return ErrInjectedFailure
	}
	e.sent++
	e.mu.Unlock()

	data, err := signaling.EncodeContent(content)
	if err != nil {
		return err
	}
	ev := &signaling.Event{
		ID:      uuid.NewString(),
		Type:    evType,
		RoomID:  roomID,
		Sender:  e.userID,
		Content: data,
	}
	e.peer.mu.Lock()
	e.peer.inbox = append(e.peer.inbox, ev)
	e.peer.mu.Unlock()
	return nil
}

// Deliver flushes this endpoint's inbox to its batch handler as one
// delivery cycle. Returns the number of events delivered.
func (e *Endpoint) Deliver() int {
	e.mu.Lock()
	batch := e.inbox
	e.inbox = nil
	handler := e.handler
	e.mu.Unlock()
	if handler != nil && len(batch) > 0 {
		handler(batch)
	}
	return len(batch)
}

// Pending returns how many events await delivery.
func (e *Endpoint) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inbox)
}

// SentCount returns how many sends have succeeded.
func (e *Endpoint) SentCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sent
}

// FailNext makes the next n sends fail with ErrInjectedFailure.
func (e *Endpoint) FailNext(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failNext = n
}

// SetPartitioned toggles the partition: all sends fail while set.
func (e *Endpoint) SetPartitioned(p bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.partitioned = p
}
