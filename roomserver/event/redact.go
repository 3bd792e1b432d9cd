package event

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/palpo-matrix-server/palpo-sub005/roomserver/version"
)

// allowedTopLevelFields is the set of top-level keys that survive redaction
// for every room version. Per-type content fields are added on top in
// allowedContentFields.
var allowedTopLevelFields = []string{
	"event_id", "type", "room_id", "sender", "state_key",
	"content", "hashes", "signatures", "depth", "prev_events",
	"auth_events", "origin_server_ts",
}

// allowedContentFields lists the content sub-fields each event type keeps
// after redaction, per the Matrix specification's per-room-version
// redaction rules.
func allowedContentFields(eventType string, rules version.Rules) []string {
	switch eventType {
	case "m.room.member":
		fields := []string{"membership"}
		if rules.RestrictedJoinRulesAllowed {
			fields = append(fields, "join_authorised_via_users_server")
		}
		return fields
	case "m.room.create":
		if rules.PrivilegedCreators {
			return nil // v11+: content is wholly redacted, creator derived from sender
		}
		return []string{"creator"}
	case "m.room.join_rules":
		fields := []string{"join_rule"}
		if rules.RestrictedJoinRulesAllowed {
			fields = append(fields, "allow")
		}
		return fields
	case "m.room.power_levels":
		return []string{
			"ban", "events", "events_default", "kick", "redact",
			"state_default", "users", "users_default", "invite",
		}
	case "m.room.history_visibility":
		return []string{"history_visibility"}
	case "m.room.aliases":
		if rules.SpecialCaseAliasesAuth {
			return []string{"aliases"}
		}
		return nil
	default:
		return nil
	}
}

// Redact returns the redacted form of raw for the given room version:
// every top-level field not in allowedTopLevelFields is removed, and
// "content" is replaced with only the fields allowedContentFields permits
// for this event's type. Redaction is idempotent: Redact(Redact(e)) ==
// Redact(e), because the operation only ever removes fields that are
// already absent on a second pass.
func Redact(raw []byte, rules version.Rules) ([]byte, error) {
	root := gjson.ParseBytes(raw)
	eventType := root.Get("type").String()

	// Build the redacted content object first.
	contentOut := "{}"
	content := root.Get("content")
	var err error
	for _, f := range allowedContentFields(eventType, rules) {
		if v := content.Get(f); v.Exists() {
			contentOut, err = sjson.SetRaw(contentOut, f, v.Raw)
			if err != nil {
				return nil, err
			}
		}
	}

	// Build the redacted top-level object.
	out := "{}"
	for _, f := range allowedTopLevelFields {
		if f == "content" {
			out, err = sjson.SetRaw(out, f, contentOut)
			if err != nil {
				return nil, err
			}
			continue
		}
		if v := root.Get(f); v.Exists() {
			out, err = sjson.SetRaw(out, f, v.Raw)
			if err != nil {
				return nil, err
			}
		}
	}
	return []byte(out), nil
}

// IsRedacted reports whether raw has already had its content stripped down
// to (a subset of) the allowed fields for its type.
func IsRedacted(raw []byte, rules version.Rules) bool {
	redacted, err := Redact(raw, rules)
	if err != nil {
		return false
	}
	contentBefore := gjson.GetBytes(raw, "content").Raw
	contentAfter := gjson.GetBytes(redacted, "content").Raw
	return contentBefore == contentAfter
}
