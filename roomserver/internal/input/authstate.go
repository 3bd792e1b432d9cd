package input

import (
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/auth"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/event"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/frame"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/state"
)

// stateProviderFromMap builds an auth.StateProvider for roomID out of a
// resolved state.StateMap, resolving each referenced event ID through
// store. Every event referenced by a StateMap the pipeline builds has
// already been persisted by the time this runs, so these lookups never
// reach the network.
func stateProviderFromMap(roomID string, sm state.StateMap, store *eventStore) (*auth.MapStateProvider, error) {
	events := make([]*event.PDU, 0, len(sm))
	for _, eventID := range sm {
		ev, err := store.Event(eventID)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return auth.NewMapStateProvider(roomID, events)
}

// diffStateMap computes the appended/disposed bindings needed to turn
// base, a materialized frame's state, into target, used wherever the
// pipeline has a resolved StateMap but only the old state's FrameID (so
// frame.Store.Delta, which compares two already-bound frames, doesn't
// apply).
func diffStateMap(base map[event.StateKeyTuple]string, target state.StateMap) (appended, disposed []frame.Binding) {
	for k, v := range target {
		if old, ok := base[k]; !ok || old != string(v) {
			appended = append(appended, frame.Binding{Type: k.Type, StateKey: k.StateKey, EventID: string(v)})
		}
	}
	for k := range base {
		if _, ok := target[k]; !ok {
			disposed = append(disposed, frame.Binding{Type: k.Type, StateKey: k.StateKey})
		}
	}
	return appended, disposed
}
