// Package state implements the state resolution algorithm: state-res v2
// (and the simpler v1 rule set) over a set of conflicting candidate
// states.
package state

import (
	"github.com/palpo-matrix-server/palpo-sub005/pkg/spec"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/event"
)

// StateMap is a full room state: every state key bound to the event that
// currently resolves it.
type StateMap map[event.StateKeyTuple]spec.EventID

// Clone returns a shallow copy.
func (m StateMap) Clone() StateMap {
	out := make(StateMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// EventStore resolves event IDs to their parsed PDU, used by the resolver
// to inspect sender, power level and timestamp without re-threading full
// event objects through every candidate state.
type EventStore interface {
	Event(id spec.EventID) (*event.PDU, error)
}

// AuthChainProvider supplies each event's transitive auth closure
// (roomserver/authchain), used for the auth-difference computation and for
// auth-chain-precedence cycle breaking.
type AuthChainProvider interface {
	ChainOf(id spec.EventID) (map[spec.EventID]struct{}, error)
}
