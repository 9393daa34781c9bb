// Package signaling defines the wire-level call-signaling vocabulary exchanged
// between peers over the messaging transport.
//
// Signaling messages travel as ordinary message content over an
// eventually-consistent transport that may reorder and duplicate them. This
// package only defines the message shapes and their JSON codec; sequencing,
// deduplication and routing are the responsibility of the engine in the root
// package.
//
// Every message carries three envelope fields in addition to its payload:
//
//   - version:  the signaling protocol version the sender speaks
//   - call_id:  the identifier of the call the message belongs to
//   - party_id: an opaque per-device token distinguishing which of a user's
//     devices is party to the call (absent for legacy senders)
//
// The PartyID type models the receiver-side view of the opponent's party id as
// an explicit tri-state (not yet chosen, chosen-but-none for legacy opponents,
// chosen with a concrete id) rather than a single nullable value.
package signaling
