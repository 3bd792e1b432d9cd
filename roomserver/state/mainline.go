package state

import (
	"sort"

	"github.com/palpo-matrix-server/palpo-sub005/pkg/spec"
)

// buildMainline walks the m.room.power_levels ancestor chain starting at
// powerLevelsEvent, following each event's auth_events back to the prior
// power_levels event. Returns a map from event ID to its 1-indexed
// mainline depth (the root power_levels event, or the room's very first
// state if there is no power_levels event yet, has depth 1).
func buildMainline(powerLevelsEvent spec.EventID, events EventStore) (map[spec.EventID]int, error) {
	mainline := map[spec.EventID]int{}
	depth := 0
	current := powerLevelsEvent
	for current != "" {
		depth++
		mainline[current] = depth
		ev, err := events.Event(current)
		if err != nil {
			break
		}
		current = ""
		for _, authID := range ev.AuthEvents() {
			authEv, err := events.Event(authID)
			if err != nil {
				continue
			}
			if authEv.Type() == spec.MRoomPowerLevels {
				current = authID
				break
			}
		}
	}
	// Re-number so the oldest power_levels event on the mainline is depth
	// 1 and the room's most recent one has the largest depth: an event
	// whose closest mainline ancestor is more recent sorts later.
	out := map[spec.EventID]int{}
	for id, d := range mainline {
		out[id] = depth - d + 1
	}
	return out, nil
}

// closestMainlineAncestor walks id's own power_levels ancestry until it
// finds an event present in mainline, returning that event's recorded
// depth. If id itself is on the mainline, its own depth is returned. If no
// ancestor is ever found, the event is treated as maximally stale
// (depth 0), sorting it before every mainline-linked event.
func closestMainlineAncestor(id spec.EventID, mainline map[spec.EventID]int, events EventStore) int {
	seen := map[spec.EventID]struct{}{}
	current := id
	for current != "" {
		if d, ok := mainline[current]; ok {
			return d
		}
		if _, dup := seen[current]; dup {
			break
		}
		seen[current] = struct{}{}
		ev, err := events.Event(current)
		if err != nil {
			break
		}
		next := spec.EventID("")
		for _, authID := range ev.AuthEvents() {
			authEv, err := events.Event(authID)
			if err != nil {
				continue
			}
			if authEv.Type() == spec.MRoomPowerLevels {
				next = authID
				break
			}
		}
		current = next
	}
	return 0
}

// mainlineOrder sorts the remaining conflicted events by
// (mainline-depth of the closest ancestor on the mainline ascending,
// origin_server_ts ascending, event_id ascending).
func mainlineOrder(ids []spec.EventID, mainline map[spec.EventID]int, events EventStore) ([]spec.EventID, error) {
	type scored struct {
		id    spec.EventID
		depth int
		ts    int64
	}
	list := make([]scored, 0, len(ids))
	for _, id := range ids {
		ev, err := events.Event(id)
		if err != nil {
			continue
		}
		list = append(list, scored{
			id:    id,
			depth: closestMainlineAncestor(id, mainline, events),
			ts:    ev.OriginServerTS(),
		})
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].depth != list[j].depth {
			return list[i].depth < list[j].depth
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
	return out, nil
}
