package signaling

// partyState enumerates the three states an opponent party id can be in.
type partyState uint8

const (
	partyUnset partyState = iota
	partyNone
	partySet
)

// PartyID is the tri-state opponent party id of a call.
//
// A call starts with the opponent party id unset. The first valid invite
// (inbound call) or answer (outbound call) fixes it for the lifetime of the
// call: either to a concrete id, or to "none" when the opponent speaks the
// legacy protocol version and sends no party ids at all. Once chosen it is
// immutable.
type PartyID struct {
	state partyState
	id    string
}

// UnsetParty returns a PartyID that has not been chosen yet.
func UnsetParty() PartyID {
	return PartyID{state: partyUnset}
}

// NoParty returns a PartyID fixed to "no party id" for a legacy opponent.
// A NoParty id matches every remote party id.
func NoParty() PartyID {
	return PartyID{state: partyNone}
}

// Party returns a PartyID fixed to the given concrete id.
func Party(id string) PartyID {
	return PartyID{state: partySet, id: id}
}

// Chosen reports whether an opponent has been elected for the call.
func (p PartyID) Chosen() bool {
	return p.state != partyUnset
}

// ID returns the concrete id and true when the party id is set to one.
func (p PartyID) ID() (string, bool) {
	if p.state != partySet {
		return "", false
	}
	return p.id, true
}

// Matches reports whether a message carrying the given party_id field may be
// applied to a call whose opponent party id is p.
//
//   - An unset PartyID matches nothing: no opponent has been chosen, so the
//     caller must elect one first.
//   - A NoParty id matches everything: the legacy opponent never sends party
//     ids, so comparisons are disabled for the call.
//   - A concrete id matches only an equal concrete remote id.
func (p PartyID) Matches(remote *string) bool {
	switch p.state {
	case partyNone:
		return true
	case partySet:
		return remote != nil && *remote == p.id
	default:
		return false
	}
}

// String implements fmt.Stringer for diagnostics.
func (p PartyID) String() string {
	switch p.state {
	case partyNone:
		return "<none>"
	case partySet:
		return p.id
	default:
		return "<unset>"
	}
}
