// Package spec holds the small set of identifier types shared across the
// room state engine: server names, room/user/event IDs and room versions.
// Keeping them as distinct types (rather than bare strings) stops a
// ServerName ending up where a RoomID is expected.
package spec

import (
	"fmt"
	"strings"
)

// ServerName is the DNS name (optionally with an explicit port) a homeserver
// is addressed by in the federation.
type ServerName string

// RoomID identifies a room, e.g. "!abc123:example.org".
type RoomID struct {
	raw    string
	server ServerName
}

// ParseRoomID parses a room ID of the form "!localpart:servername".
func ParseRoomID(raw string) (*RoomID, error) {
	if len(raw) == 0 || raw[0] != '!' {
		return nil, fmt.Errorf("spec: room ID %q must start with '!'", raw)
	}
	idx := strings.IndexByte(raw, ':')
	if idx < 0 {
		return nil, fmt.Errorf("spec: room ID %q missing server name", raw)
	}
	return &RoomID{raw: raw, server: ServerName(raw[idx+1:])}, nil
}

func (r RoomID) String() string     { return r.raw }
func (r RoomID) Domain() ServerName { return r.server }

// UserID identifies a Matrix user, e.g. "@alice:example.org".
type UserID struct {
	raw    string
	local  string
	server ServerName
}

// NewUserID parses a user ID of the form "@localpart:servername".
func NewUserID(raw string) (*UserID, error) {
	if len(raw) == 0 || raw[0] != '@' {
		return nil, fmt.Errorf("spec: user ID %q must start with '@'", raw)
	}
	idx := strings.IndexByte(raw, ':')
	if idx < 0 {
		return nil, fmt.Errorf("spec: user ID %q missing server name", raw)
	}
	return &UserID{raw: raw, local: raw[1:idx], server: ServerName(raw[idx+1:])}, nil
}

func (u UserID) String() string     { return u.raw }
func (u UserID) Localpart() string  { return u.local }
func (u UserID) Domain() ServerName { return u.server }

// EventID identifies an event. Its shape depends on the room version (see
// roomserver/version).
type EventID string

// KeyID identifies one of a server's Ed25519 signing keys, e.g. "ed25519:a_1".
type KeyID string

// Well-known state event types referenced by the authorization engine.
const (
	MRoomCreate          = "m.room.create"
	MRoomMember          = "m.room.member"
	MRoomPowerLevels     = "m.room.power_levels"
	MRoomJoinRules       = "m.room.join_rules"
	MRoomThirdPartyInvite = "m.room.third_party_invite"
	MRoomHistoryVisibility = "m.room.history_visibility"
)

// Membership values for m.room.member events.
const (
	MembershipJoin   = "join"
	MembershipInvite = "invite"
	MembershipLeave  = "leave"
	MembershipBan    = "ban"
	MembershipKnock  = "knock"
)
