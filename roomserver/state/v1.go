package state

import (
	"sort"

	"github.com/palpo-matrix-server/palpo-sub005/pkg/spec"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/auth"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/event"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/version"
)

// resolveV1 implements the simpler rule set for room versions routed to
// StateResV1: conflicted state events are ordered by (depth ascending,
// origin_server_ts ascending, event_id ascending) and authorized
// iteratively against the accumulated state, with no power-event/mainline
// staging.
func resolveV1(states []StateMap, events EventStore, rules version.Rules) (StateMap, error) {
	unconflicted, conflicted := partition(states)
	if len(conflicted) == 0 {
		return unconflicted, nil
	}

	var ids []spec.EventID
	seen := map[spec.EventID]struct{}{}
	for _, values := range conflicted {
		for id := range values {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}

	type scored struct {
		id    spec.EventID
		depth int64
		ts    int64
	}
	scoredIDs := make([]scored, 0, len(ids))
	for _, id := range ids {
		ev, err := events.Event(id)
		if err != nil {
			continue
		}
		scoredIDs = append(scoredIDs, scored{id: id, depth: ev.Depth(), ts: ev.OriginServerTS()})
	}
	sort.SliceStable(scoredIDs, func(i, j int) bool {
		if scoredIDs[i].depth != scoredIDs[j].depth {
			return scoredIDs[i].depth < scoredIDs[j].depth
		}
		if scoredIDs[i].ts != scoredIDs[j].ts {
			return scoredIDs[i].ts < scoredIDs[j].ts
		}
		return scoredIDs[i].id < scoredIDs[j].id
	})

	ordered := make([]spec.EventID, len(scoredIDs))
	for i, s := range scoredIDs {
		ordered[i] = s.id
	}

	resolved := unconflicted.Clone()
	roomID := ""
	for _, id := range ordered {
		ev, err := events.Event(id)
		if err != nil {
			continue
		}
		if roomID == "" {
			roomID = ev.RoomID()
		}
		var pdus []*event.PDU
		for _, rid := range resolved {
			rev, err := events.Event(rid)
			if err != nil {
				continue
			}
			pdus = append(pdus, rev)
		}
		provider, err := auth.NewMapStateProvider(roomID, pdus)
		if err != nil {
			continue
		}
		if err := auth.Allowed(ev, provider, rules); err != nil {
			continue
		}
		if sk, ok := ev.StateKeyTuple(); ok {
			resolved[sk] = id
		}
	}
	for k, v := range unconflicted {
		resolved[k] = v
	}
	return resolved, nil
}
