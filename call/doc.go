// Package call implements the per-call negotiation state machine.
//
// A Call is one peer-to-peer media session being negotiated over the
// messaging transport. It owns the call lifecycle from invite to hangup:
// opponent election, offer/answer exchange, connectivity-candidate batching
// and retry, collision-safe renegotiation ("perfect negotiation"), hold and
// mute policy, and every timer guarding those states.
//
// The package drives two out-of-scope collaborators through narrow
// interfaces: a MediaSession (the real-time media transport, expressed in
// pion/webrtc vocabulary) and a Sender (the messaging transport's
// send-signaling capability). Calls are created and fed inbound events by the
// engine in the root package, which owns routing, glare resolution and the
// call registry.
//
// # Scheduling model
//
// State is mutated only while handling one discrete event to completion: an
// inbound signaling message, a timer firing, a local renegotiation request, a
// gathered candidate. Operations that suspend (acquiring media, creating an
// offer, sending a message) release the call lock while in flight; every
// resumed continuation re-checks the call generation and state before acting,
// so a stale completion is a safe no-op. Subscriber callbacks are delivered
// in FIFO order after the triggering event finishes, never while the call
// lock is held.
package call
