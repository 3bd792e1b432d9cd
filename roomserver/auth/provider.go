// Package auth implements the per-room-version authorization predicate:
// Allowed(event, authState, version) -> Allowed | Denied.
package auth

import (
	"fmt"

	"github.com/palpo-matrix-server/palpo-sub005/roomserver/event"
)

// StateProvider resolves the auth-event types (m.room.create,
// m.room.power_levels, m.room.join_rules, m.room.member-for-sender,
// m.room.member-for-target, m.room.third_party_invite) to the event
// currently valid for that state key, within a single room. It is the
// "auth_state" Allowed evaluates against.
type StateProvider interface {
	// Create returns the room's m.room.create event, or nil if absent.
	Create() *event.PDU
	// PowerLevels returns the room's m.room.power_levels event, or nil if
	// the room has none (defaults apply).
	PowerLevels() *event.PDU
	// JoinRules returns the room's m.room.join_rules event, or nil.
	JoinRules() *event.PDU
	// Member returns the m.room.member event for userID, or nil if the
	// user has no membership event in this state.
	Member(userID string) *event.PDU
	// ThirdPartyInvite returns the m.room.third_party_invite event for
	// token, or nil.
	ThirdPartyInvite(token string) *event.PDU
	// RoomID returns the room these auth events belong to, used for the
	// cross-room rejection guard.
	RoomID() string
}

// MapStateProvider is an in-memory StateProvider built from a flat set of
// events, accumulated one at a time via AddEvent.
type MapStateProvider struct {
	roomID  string
	create  *event.PDU
	power   *event.PDU
	join    *event.PDU
	members map[string]*event.PDU
	tpi     map[string]*event.PDU
}

// NewMapStateProvider builds a StateProvider for roomID from events. Events
// belonging to a different room are rejected outright: auth-event edges
// must point only to events valid at the citing event's position, which
// implicitly requires same-room events.
func NewMapStateProvider(roomID string, events []*event.PDU) (*MapStateProvider, error) {
	p := &MapStateProvider{
		roomID:  roomID,
		members: map[string]*event.PDU{},
		tpi:     map[string]*event.PDU{},
	}
	for _, e := range events {
		if e.RoomID() != roomID {
			return nil, fmt.Errorf("auth: auth event %s belongs to room %s, not %s", e.EventID(), e.RoomID(), roomID)
		}
		if err := p.AddEvent(e); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// AddEvent folds a single state event into the provider.
func (p *MapStateProvider) AddEvent(e *event.PDU) error {
	sk, ok := e.StateKeyTuple()
	if !ok {
		return fmt.Errorf("auth: event %s is not a state event", e.EventID())
	}
	switch sk.Type {
	case "m.room.create":
		p.create = e
	case "m.room.power_levels":
		p.power = e
	case "m.room.join_rules":
		p.join = e
	case "m.room.member":
		p.members[sk.StateKey] = e
	case "m.room.third_party_invite":
		p.tpi[sk.StateKey] = e
	}
	return nil
}

func (p *MapStateProvider) Create() *event.PDU          { return p.create }
func (p *MapStateProvider) PowerLevels() *event.PDU      { return p.power }
func (p *MapStateProvider) JoinRules() *event.PDU        { return p.join }
func (p *MapStateProvider) Member(userID string) *event.PDU { return p.members[userID] }
func (p *MapStateProvider) ThirdPartyInvite(token string) *event.PDU { return p.tpi[token] }
func (p *MapStateProvider) RoomID() string               { return p.roomID }
