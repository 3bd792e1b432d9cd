package auth

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/palpo-matrix-server/palpo-sub005/roomserver/event"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/version"
)

// Default power levels per the Matrix specification, used when a room has
// no m.room.power_levels event yet (e.g. immediately after m.room.create).
const (
	defaultUsersDefault  int64 = 0
	defaultEventsDefault int64 = 0
	defaultStateDefault  int64 = 50
	defaultBan           int64 = 50
	defaultKick          int64 = 50
	defaultRedact        int64 = 50
	defaultInvite        int64 = 0
	creatorPowerLevel    int64 = 100
)

// PowerLevelsContent is the parsed, defaulted content of an
// m.room.power_levels event.
type PowerLevelsContent struct {
	Users          map[string]int64
	UsersDefault   int64
	Events         map[string]int64
	EventsDefault  int64
	StateDefault   int64
	Ban            int64
	Kick           int64
	Redact         int64
	Invite         int64
}

// ParsePowerLevels extracts and defaults the content of an
// m.room.power_levels event. ev may be nil, in which case the defaults
// apply as if no power_levels event had ever been sent, with the room
// creator (creatorID) granted 100.
func ParsePowerLevels(ev *event.PDU, creatorID string, rules version.Rules) PowerLevelsContent {
	out := PowerLevelsContent{
		Users:         map[string]int64{},
		UsersDefault:  defaultUsersDefault,
		Events:        map[string]int64{},
		EventsDefault: defaultEventsDefault,
		StateDefault:  defaultStateDefault,
		Ban:           defaultBan,
		Kick:          defaultKick,
		Redact:        defaultRedact,
		Invite:        defaultInvite,
	}
	if creatorID != "" {
		out.Users[creatorID] = creatorPowerLevel
	}
	if ev == nil {
		return out
	}
	content := ev.Content()
	get := func(key string, fallback int64) int64 {
		return numberOrDefault(content, key, fallback, rules)
	}
	out.UsersDefault = get("users_default", out.UsersDefault)
	out.EventsDefault = get("events_default", out.EventsDefault)
	out.StateDefault = get("state_default", out.StateDefault)
	out.Ban = get("ban", out.Ban)
	out.Kick = get("kick", out.Kick)
	out.Redact = get("redact", out.Redact)
	out.Invite = get("invite", out.Invite)

	gjson.GetBytes(content, "users").ForEach(func(k, v gjson.Result) bool {
		out.Users[k.String()] = v.Int()
		return true
	})
	gjson.GetBytes(content, "events").ForEach(func(k, v gjson.Result) bool {
		out.Events[k.String()] = v.Int()
		return true
	})
	return out
}

func numberOrDefault(content json.RawMessage, key string, fallback int64, rules version.Rules) int64 {
	v := gjson.GetBytes(content, key)
	if !v.Exists() {
		return fallback
	}
	if rules.EnforceIntegerPowerLevels && v.Type != gjson.Number {
		return fallback
	}
	return v.Int()
}

// UserLevel returns the effective power level for userID.
func (p PowerLevelsContent) UserLevel(userID string) int64 {
	if lvl, ok := p.Users[userID]; ok {
		return lvl
	}
	return p.UsersDefault
}

// EventLevel returns the power level required to send an event of the
// given type; stateDefault governs state events without a specific
// override.
func (p PowerLevelsContent) EventLevel(eventType string, isState bool) int64 {
	if lvl, ok := p.Events[eventType]; ok {
		return lvl
	}
	if isState {
		return p.StateDefault
	}
	return p.EventsDefault
}
