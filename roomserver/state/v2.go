package state

import (
	"sort"

	"github.com/tidwall/gjson"
	"golang.org/x/exp/slices"

	"github.com/palpo-matrix-server/palpo-sub005/pkg/spec"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/auth"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/event"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/version"
)

// resolveV2 implements state resolution v2's eight steps.
func resolveV2(states []StateMap, events EventStore, chains AuthChainProvider, rules version.Rules) (StateMap, error) {
	unconflicted, conflicted := partition(states)
	if len(conflicted) == 0 {
		return unconflicted, nil
	}

	full, err := fullConflictedSet(conflicted, chains)
	if err != nil {
		return nil, err
	}

	powerEvents, err := powerEventsOf(full, events)
	if err != nil {
		return nil, err
	}
	ordered, err := reverseTopologicalPowerOrder(powerEvents, events, chains, rules)
	if err != nil {
		return nil, err
	}

	resolved := unconflicted.Clone()
	resolved, err = iterativeAuth(resolved, ordered, events, rules)
	if err != nil {
		return nil, err
	}

	powerLevelsEvent := resolved[event.StateKeyTuple{Type: spec.MRoomPowerLevels, StateKey: ""}]
	mainline, err := buildMainline(powerLevelsEvent, events)
	if err != nil {
		return nil, err
	}

	remaining := remainingConflicted(full, powerEvents)
	orderedRemaining, err := mainlineOrder(remaining, mainline, events)
	if err != nil {
		return nil, err
	}
	resolved, err = iterativeAuth(resolved, orderedRemaining, events, rules)
	if err != nil {
		return nil, err
	}

	// Step 8: unconflicted bindings win last, preserving agreement even
	// if an iterative-auth pass above happened to touch the same key via
	// an auth-chain event (it shouldn't, but this keeps the invariant
	// explicit rather than implicit in ordering).
	for k, v := range unconflicted {
		resolved[k] = v
	}
	return resolved, nil
}

// powerEventsOf extracts the power-levels/join_rules/member-ban-or-kick
// events from the full conflicted set. Their auth chains are not added to
// the result.
func powerEventsOf(full map[spec.EventID]struct{}, events EventStore) ([]spec.EventID, error) {
	var out []spec.EventID
	seen := map[spec.EventID]struct{}{}
	for id := range full {
		ev, err := events.Event(id)
		if err != nil {
			continue // unresolvable event: excluded, not a hard failure here
		}
		if isPowerEvent(ev) {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
	}
	return out, nil
}

func isPowerEvent(ev *event.PDU) bool {
	switch ev.Type() {
	case spec.MRoomPowerLevels, spec.MRoomJoinRules:
		return true
	case spec.MRoomMember:
		sk := ev.StateKey()
		if sk == nil {
			return false
		}
		// A power event member change is a kick/ban, i.e. the sender
		// differs from the target, or the membership is "ban"/"leave"
		// imposed on someone else.
		membership := gjson.GetBytes(ev.Content(), "membership").String()
		return ev.Sender() != *sk && (membership == spec.MembershipLeave || membership == spec.MembershipBan)
	default:
		return false
	}
}

// reverseTopologicalPowerOrder sorts power events by
// (-power_level_of_sender, origin_server_ts, event_id), breaking cycles by
// auth-chain precedence. Ties in any comparator are broken by
// lexicographic event ID.
func reverseTopologicalPowerOrder(ids []spec.EventID, events EventStore, chains AuthChainProvider, rules version.Rules) ([]spec.EventID, error) {
	type scored struct {
		id    spec.EventID
		power int64
		ts    int64
	}
	var list []scored
	for _, id := range ids {
		ev, err := events.Event(id)
		if err != nil {
			continue
		}
		list = append(list, scored{id: id, power: senderPowerAtEvent(ev, events, rules), ts: ev.OriginServerTS()})
	}

	sort.SliceStable(list, func(i, j int) bool {
		if list[i].power != list[j].power {
			return list[i].power > list[j].power // reverse: higher power first
		}
		if list[i].ts != list[j].ts {
			return list[i].ts < list[j].ts
		}
		return list[i].id < list[j].id
	})

	out := make([]spec.EventID, len(list))
	for i, s := range list {
		out[i] = s.id
	}
	return resolveCyclesByAuthChainPrecedence(out, chains), nil
}

// resolveCyclesByAuthChainPrecedence stabilizes the ordering further: if a
// later event's auth chain contains an earlier one, the order already
// respects precedence; if the reverse holds (a cycle, which well-formed
// input should never produce) the earlier-indexed event is moved after the
// one that auths it, and the anomaly is logged as a potential conflict.
func resolveCyclesByAuthChainPrecedence(ordered []spec.EventID, chains AuthChainProvider) []spec.EventID {
	pos := map[spec.EventID]int{}
	for i, id := range ordered {
		pos[id] = i
	}
	changed := true
	for pass := 0; changed && pass < len(ordered); pass++ {
		changed = false
		for i, id := range ordered {
			chain, err := chains.ChainOf(id)
			if err != nil {
				continue
			}
			for other := range chain {
				if j, ok := pos[other]; ok && j > i {
					// other is in id's auth chain but sorted after id:
					// move id after other.
					logConflict("power event ordering contradicts auth-chain precedence")
					ordered[i], ordered[j] = ordered[j], ordered[i]
					pos[ordered[i]] = i
					pos[ordered[j]] = j
					changed = true
				}
			}
		}
	}
	return ordered
}

// senderPowerAtEvent returns ev's sender's power level according to the
// m.room.power_levels (and, for the creator grant, m.room.create) events
// cited directly in ev.AuthEvents(), the position state-res v2 §4 step 4
// requires the ordering key to reflect.
func senderPowerAtEvent(ev *event.PDU, events EventStore, rules version.Rules) int64 {
	var powerLevelsEvent, createEvent *event.PDU
	for _, authID := range ev.AuthEvents() {
		authEv, err := events.Event(authID)
		if err != nil {
			continue
		}
		switch authEv.Type() {
		case spec.MRoomPowerLevels:
			powerLevelsEvent = authEv
		case spec.MRoomCreate:
			createEvent = authEv
		}
	}
	var creatorID string
	if createEvent != nil {
		creatorID = auth.CreatorOf(createEvent)
	}
	return auth.ParsePowerLevels(powerLevelsEvent, creatorID, rules).UserLevel(ev.Sender())
}

// iterativeAuth authorizes each event in order against base plus events
// already accepted in this pass, rejecting (dropping) any that fail.
func iterativeAuth(base StateMap, ordered []spec.EventID, events EventStore, rules version.Rules) (StateMap, error) {
	resolved := base.Clone()
	roomID := ""
	for _, id := range ordered {
		ev, err := events.Event(id)
		if err != nil {
			continue
		}
		if roomID == "" {
			roomID = ev.RoomID()
		}
		provider, err := stateProviderFor(resolved, events, roomID)
		if err != nil {
			continue
		}
		if err := auth.Allowed(ev, provider, rules); err != nil {
			continue // failed auth: excluded from the resolved state
		}
		if sk, ok := ev.StateKeyTuple(); ok {
			resolved[sk] = id
		}
	}
	return resolved, nil
}

func stateProviderFor(state StateMap, events EventStore, roomID string) (*auth.MapStateProvider, error) {
	var pdus []*event.PDU
	for _, id := range state {
		ev, err := events.Event(id)
		if err != nil {
			continue
		}
		pdus = append(pdus, ev)
	}
	return auth.NewMapStateProvider(roomID, pdus)
}

// remainingConflicted is the full conflicted set minus the power events
// already ordered and applied.
func remainingConflicted(full map[spec.EventID]struct{}, powerEvents []spec.EventID) []spec.EventID {
	exclude := map[spec.EventID]struct{}{}
	for _, id := range powerEvents {
		exclude[id] = struct{}{}
	}
	var out []spec.EventID
	for id := range full {
		if _, ok := exclude[id]; !ok {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}
