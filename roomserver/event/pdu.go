// Package event implements the PDU type and its canonical-form operations:
// event-ID derivation, redaction, hashing and signing.
package event

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/tidwall/gjson"

	"github.com/palpo-matrix-server/palpo-sub005/pkg/spec"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/version"
)

// PDU is a parsed Matrix persistent data unit. RawJSON is retained so that
// redaction, hashing and re-signing always operate on the authoritative
// bytes rather than a lossy round-trip through Go structs.
type PDU struct {
	RawJSON []byte

	id         spec.EventID
	roomID     string
	sender     string
	eventType  string
	stateKey   *string
	depth      int64
	prevEvents []string
	authEvents []string
	originTS   int64
}

// EventID returns the event's ID. ParsePDU populates it only when the JSON
// carries an event_id field; otherwise it stays empty until SetEventID
// assigns it (typically with the result of DeriveEventID).
func (p *PDU) EventID() spec.EventID { return p.id }

// SetEventID assigns the event's ID, used by the ingestion pipeline once
// DeriveEventID has computed it for a room version that doesn't carry the
// ID inside the event's own JSON (v3+).
func (p *PDU) SetEventID(id spec.EventID) { p.id = id }
func (p *PDU) RoomID() string             { return p.roomID }
func (p *PDU) Sender() string             { return p.sender }
func (p *PDU) Type() string               { return p.eventType }
func (p *PDU) StateKey() *string          { return p.stateKey }
func (p *PDU) Depth() int64               { return p.depth }
func (p *PDU) PrevEvents() []string       { return p.prevEvents }
func (p *PDU) AuthEvents() []string       { return p.authEvents }
func (p *PDU) OriginServerTS() int64      { return p.originTS }
func (p *PDU) IsStateEvent() bool         { return p.stateKey != nil }

// StateKeyTuple identifies a state key (type, state_key).
type StateKeyTuple struct {
	Type     string
	StateKey string
}

func (p *PDU) StateKeyTuple() (StateKeyTuple, bool) {
	if p.stateKey == nil {
		return StateKeyTuple{}, false
	}
	return StateKeyTuple{Type: p.eventType, StateKey: *p.stateKey}, true
}

// ParsePDU parses raw JSON into a PDU without deriving its event ID or
// verifying anything. Use DeriveEventID and the auth/keyring packages for
// those steps — this function only extracts the structural fields every
// later stage needs.
func ParsePDU(raw []byte) (*PDU, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("event: malformed JSON")
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return nil, fmt.Errorf("event: PDU must be a JSON object")
	}

	p := &PDU{RawJSON: raw}
	p.roomID = root.Get("room_id").String()
	p.sender = root.Get("sender").String()
	p.eventType = root.Get("type").String()
	p.depth = root.Get("depth").Int()
	p.originTS = root.Get("origin_server_ts").Int()

	if p.roomID == "" || p.sender == "" || p.eventType == "" {
		return nil, fmt.Errorf("event: missing required field (room_id/sender/type)")
	}

	if sk := root.Get("state_key"); sk.Exists() {
		v := sk.String()
		p.stateKey = &v
	}

	for _, v := range root.Get("prev_events").Array() {
		if id := extractEventRef(v); id != "" {
			p.prevEvents = append(p.prevEvents, id)
		}
	}
	for _, v := range root.Get("auth_events").Array() {
		if id := extractEventRef(v); id != "" {
			p.authEvents = append(p.authEvents, id)
		}
	}

	if eid := root.Get("event_id"); eid.Exists() {
		p.id = spec.EventID(eid.String())
	}

	return p, nil
}

// extractEventRef supports both the v1/v2 [event_id, {hashes}] tuple form
// and the v3+ bare event_id string form for prev_events/auth_events.
func extractEventRef(v gjson.Result) string {
	if v.IsArray() {
		arr := v.Array()
		if len(arr) > 0 {
			return arr[0].String()
		}
		return ""
	}
	return v.String()
}

// Content returns the raw JSON bytes of the event's content field.
func (p *PDU) Content() json.RawMessage {
	c := gjson.GetBytes(p.RawJSON, "content")
	if !c.Exists() {
		return json.RawMessage("{}")
	}
	return json.RawMessage(c.Raw)
}

// DeclaredSHA256 returns the event's declared hashes.sha256, base64-encoded, or ""
// if absent.
func (p *PDU) DeclaredSHA256() string {
	return gjson.GetBytes(p.RawJSON, "hashes.sha256").String()
}

// Signatures returns the map of server name -> key ID -> signature.
func (p *PDU) Signatures() map[string]map[string]string {
	out := map[string]map[string]string{}
	sigs := gjson.GetBytes(p.RawJSON, "signatures")
	sigs.ForEach(func(server, keys gjson.Result) bool {
		inner := map[string]string{}
		keys.ForEach(func(keyID, sig gjson.Result) bool {
			inner[keyID.String()] = sig.String()
			return true
		})
		out[server.String()] = inner
		return true
	})
	return out
}

// SortedStateKeys is a small helper used by state-res and frame encoding to
// produce a deterministic iteration order over a StateKeyTuple set.
func SortedStateKeys(keys []StateKeyTuple) []StateKeyTuple {
	out := make([]StateKeyTuple, len(keys))
	copy(out, keys)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].StateKey < out[j].StateKey
	})
	return out
}

// WithVersion is a convenience accessor pairing this PDU with a known room
// version supplied by the caller (the event itself does not carry its
// room's version).
func (p *PDU) WithVersion(v version.RoomVersion) VersionedPDU {
	return VersionedPDU{PDU: p, Version: v}
}

// VersionedPDU pairs a PDU with the room version needed to interpret it
// (event-ID format, redaction rules, auth variant).
type VersionedPDU struct {
	*PDU
	Version version.RoomVersion
}
