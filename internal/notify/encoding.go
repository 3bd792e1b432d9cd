package notify

import "encoding/json"

func marshalOutputRoomEvent(out OutputRoomEvent) ([]byte, error) {
	return json.Marshal(out)
}

func unmarshalOutputRoomEvent(data []byte) (OutputRoomEvent, error) {
	var out OutputRoomEvent
	err := json.Unmarshal(data, &out)
	return out, err
}
