package frame

import (
	"strings"

	"github.com/palpo-matrix-server/palpo-sub005/roomserver/event"
)

// cacheKeySeparator joins a StateKeyTuple into the flat string key the
// shared Frames cache partition stores (map[string]string per frame ID);
// Matrix event/state-key types never contain it.
const cacheKeySeparator = "\x00"

func encodeStateMap(state map[event.StateKeyTuple]string) map[string]string {
	out := make(map[string]string, len(state))
	for k, v := range state {
		out[k.Type+cacheKeySeparator+k.StateKey] = v
	}
	return out
}

func decodeStateMap(flat map[string]string) map[event.StateKeyTuple]string {
	out := make(map[event.StateKeyTuple]string, len(flat))
	for k, v := range flat {
		parts := strings.SplitN(k, cacheKeySeparator, 2)
		if len(parts) != 2 {
			continue
		}
		out[event.StateKeyTuple{Type: parts[0], StateKey: parts[1]}] = v
	}
	return out
}
