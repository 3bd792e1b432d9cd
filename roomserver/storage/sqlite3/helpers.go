package sqlite3

import (
	"encoding/json"
	"strings"

	"github.com/palpo-matrix-server/palpo-sub005/roomserver/types"
)

// listSeparator joins string lists (forward extremities, auth chains) in a
// single TEXT column. Matrix event IDs never contain it.
const listSeparator = "\x1f"

func encodeStringList(items []string) string {
	return strings.Join(items, listSeparator)
}

func decodeStringList(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, listSeparator)
}

func encodeBindings(bindings []types.CompressedBinding) ([]byte, error) {
	return json.Marshal(bindings)
}

func decodeBindings(raw []byte) ([]types.CompressedBinding, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out []types.CompressedBinding
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func encodeEventPointIDs(ids []types.EventPointID) ([]byte, error) {
	return json.Marshal(ids)
}

func decodeEventPointIDs(raw []byte) ([]types.EventPointID, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out []types.EventPointID
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
