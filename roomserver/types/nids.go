// Package types holds the dense integer identifiers and small value types
// shared across the room state engine's storage and in-memory layers:
// event/room/state-field NIDs, compressed bindings, and the engine's
// pipeline error kinds.
package types

// EventNID is a dense, per-server integer identifier for an event,
// assigned on first persistence.
type EventNID int64

// EventTypeNID is a dense integer identifier for an event type string
// (e.g. "m.room.member").
type EventTypeNID int64

// EventStateKeyNID is a dense integer identifier for a state_key string.
type EventStateKeyNID int64

// RoomNID is a dense integer identifier for a room.
type RoomNID int64

// StateFieldID is the dense integer ID interned for an (event type,
// state_key) string pair — the "state-field ID".
type StateFieldID int64

// FrameID identifies an immutable state frame. Frame IDs are
// unique per room even when their bindings are identical to another room's.
type FrameID int64

// EventPointID identifies an event within auth-chain sets; its value is the
// event's per-server EventNID.
type EventPointID int64

// Well-known event type NIDs for the handful of types that matter for
// auth. Neither the authorization engine nor the state-field table uses
// them; both work from the type strings.
const (
	MRoomCreateNID EventTypeNID = iota + 1
	MRoomPowerLevelsNID
	MRoomJoinRulesNID
	MRoomMemberNID
	MRoomThirdPartyInviteNID
	MRoomHistoryVisibilityNID
)

// CompressedBinding packs a state-field ID and an event-point ID, making
// set-difference on frames a comparison over two int64 slices rather than
// string maps.
type CompressedBinding struct {
	StateFieldID StateFieldID
	EventPointID EventPointID
}

// StateEntry pairs a StateKeyTuple-equivalent (by NID) binding with the
// EventNID it resolves to, as returned from storage lookups.
type StateEntry struct {
	EventTypeNID     EventTypeNID
	EventStateKeyNID EventStateKeyNID
	EventNID         EventNID
}
