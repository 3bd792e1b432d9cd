package state

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/palpo-matrix-server/palpo-sub005/pkg/spec"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/event"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/version"
)

// Resolve implements the room-state resolution contract:
// resolve(states, auth_chains, version) -> StateMap. It dispatches on the
// room version's StateRes variant (a table lookup, never an inline branch)
// and is pure: repeated calls with the same arguments return an identical
// StateMap, and permuting the states slice does not change the result.
func Resolve(states []StateMap, events EventStore, chains AuthChainProvider, rules version.Rules) (StateMap, error) {
	if len(states) == 0 {
		return StateMap{}, nil
	}
	if len(states) == 1 {
		return states[0].Clone(), nil
	}

	switch rules.StateRes {
	case version.StateResV1:
		return resolveV1(states, events, rules)
	case version.StateResV2:
		return resolveV2(states, events, chains, rules)
	default:
		return nil, fmt.Errorf("state: unknown state-res variant")
	}
}

// partition splits the union of state keys across all candidate states
// into unconflicted (every state that names the key agrees on the event)
// and conflicted (some states disagree, or some states are missing the
// key entirely — a state "misses" a key the others have, which also
// counts as disagreement).
func partition(states []StateMap) (unconflicted StateMap, conflicted map[event.StateKeyTuple]map[spec.EventID]struct{}) {
	unconflicted = StateMap{}
	conflicted = map[event.StateKeyTuple]map[spec.EventID]struct{}{}

	allKeys := map[event.StateKeyTuple]struct{}{}
	for _, s := range states {
		for k := range s {
			allKeys[k] = struct{}{}
		}
	}

	for k := range allKeys {
		values := map[spec.EventID]struct{}{}
		for _, s := range states {
			if v, ok := s[k]; ok {
				values[v] = struct{}{}
			} else {
				// A state missing this key disagrees with any state
				// that has it.
				values[""] = struct{}{}
			}
		}
		if len(values) == 1 {
			for v := range values {
				if v != "" {
					unconflicted[k] = v
				}
			}
			continue
		}
		delete(values, "")
		conflicted[k] = values
	}
	return unconflicted, conflicted
}

func logConflict(reason string) {
	logrus.WithField("reason", reason).Error("state: resolution conflict could not be resolved (bug)")
}

// fullConflictedSet computes the conflicted state events plus the
// auth-difference (the symmetric-ish difference of the union and
// intersection of the auth chains of every conflicted event).
func fullConflictedSet(conflicted map[event.StateKeyTuple]map[spec.EventID]struct{}, chains AuthChainProvider) (map[spec.EventID]struct{}, error) {
	full := map[spec.EventID]struct{}{}
	var conflictedIDs []spec.EventID
	for _, values := range conflicted {
		for id := range values {
			full[id] = struct{}{}
			conflictedIDs = append(conflictedIDs, id)
		}
	}

	if len(conflictedIDs) == 0 {
		return full, nil
	}

	union := map[spec.EventID]int{}
	for _, id := range conflictedIDs {
		chain, err := chains.ChainOf(id)
		if err != nil {
			return nil, fmt.Errorf("state: auth chain of %s: %w", id, err)
		}
		for e := range chain {
			union[e]++
		}
	}
	n := len(conflictedIDs)
	for e, count := range union {
		if count < n {
			// Not present in every conflicted event's chain: part of
			// the auth-difference (union minus intersection).
			full[e] = struct{}{}
		}
	}
	return full, nil
}
