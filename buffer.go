package rtcsignal

import (
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/rtcsignal/signaling"
)

// Batch buffer.
//
// Inbound signaling events are buffered per delivery cycle rather than
// applied as they arrive. Some events reach us still encrypted: those enter
// the buffer in a pending-decode state and the whole batch stays parked
// until every marker clears. Before the batch is applied, it is scanned
// once so that any call id with an answer, hangup or reject anywhere in the
// batch is marked as already decided: invites for those call ids are skipped
// entirely, and the application never sees a spurious incoming-call
// notification for a call that was invited and resolved within one cycle.

// bufferedEvent is one buffered signaling event plus its readiness flag.
type bufferedEvent struct {
	ev    *signaling.Event
	ready bool
}

// Enqueue adds a delivered event to the current batch. pendingDecode marks
// an event whose content is still being decrypted; it holds the whole batch
// back until MarkDecoded clears it.
func (e *Engine) Enqueue(ev *signaling.Event, pendingDecode bool) {
	if ev == nil {
		return
	}
	e.mu.Lock()
	e.buffer = append(e.buffer, &bufferedEvent{ev: ev, ready: !pendingDecode})
	e.mu.Unlock()
	e.log.WithFields(logrus.Fields{
		"function":   "Enqueue",
		"event_type": string(ev.Type),
		"event_id":   ev.ID,
		"pending":    pendingDecode,
	}).Debug("Signaling event buffered")
}

// MarkDecoded clears the pending-decode marker of a buffered event.
func (e *Engine) MarkDecoded(eventID string) {
	e.mu.Lock()
	for _, item := range e.buffer {
		if item.ev.ID == eventID {
			item.ready = true
			break
		}
	}
	e.mu.Unlock()
}

// Flush applies the buffered batch in arrival order. A no-op while any
// buffered event is still pending decode; call Flush again once the last
// MarkDecoded lands.
func (e *Engine) Flush() {
	e.mu.Lock()
	for _, item := range e.buffer {
		if !item.ready {
			e.mu.Unlock()
			e.log.WithFields(logrus.Fields{
				"function": "Flush",
			}).Debug("Holding batch: events still pending decode")
			return
		}
	}
	batch := e.buffer
	e.buffer = nil
	e.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	decided := decidedCallIDs(batch)
	e.log.WithFields(logrus.Fields{
		"function":   "Flush",
		"batch_size": len(batch),
		"decided":    len(decided),
	}).Debug("Applying signaling batch")
	for _, item := range batch {
		e.route(item.ev, decided)
	}
}

// decidedCallIDs scans a batch for call ids that already have an answer,
// hangup or reject somewhere in it.
func decidedCallIDs(batch []*bufferedEvent) map[string]bool {
	decided := make(map[string]bool)
	for _, item := range batch {
		switch item.ev.Type {
		case signaling.EventAnswer, signaling.EventHangup, signaling.EventReject:
			base, err := item.ev.Base()
			if err != nil {
				continue
			}
			decided[base.CallID] = true
		}
	}
	return decided
}
