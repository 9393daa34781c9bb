// Package rtcsignal is the call-signaling engine of a messaging client.
//
// It establishes, negotiates, renegotiates and tears down peer-to-peer
// real-time media sessions whose control messages travel over the same
// eventually-consistent, possibly-out-of-order, possibly-duplicated message
// transport as ordinary chat traffic. The engine layers a well-ordered
// per-session negotiation protocol on top of that weak transport, driving an
// external media-transport capability (offer/answer generation, candidate
// gathering, transceivers) expressed in pion/webrtc vocabulary.
//
// The root package contains the Engine: the inbound-event router that
// buffers each delivery batch, demultiplexes signaling traffic to call
// instances, creates and destroys calls, buffers candidates that arrive
// before their call exists, and resolves simultaneous-call glare. The
// per-call negotiation state machine lives in the call subpackage and the
// wire vocabulary in the signaling subpackage.
//
// # Usage
//
//	engine, err := rtcsignal.New(rtcsignal.Config{UserID: "@alice:example.org"},
//	    newMediaSession, mediaProvider, transport)
//	if err != nil { ... }
//	engine.SetIncomingCallCallback(func(c *call.Call) {
//	    c.Answer(ctx)
//	})
//
//	// transport delivery cycle:
//	for _, ev := range batch {
//	    engine.Enqueue(ev, false)
//	}
//	engine.Flush()
//
// Placing a call:
//
//	c, err := engine.PlaceCall(ctx, roomID)
package rtcsignal
