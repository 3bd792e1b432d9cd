package postgres

import (
	"encoding/json"

	"github.com/palpo-matrix-server/palpo-sub005/roomserver/types"
)

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
