package notify

import "testing"

func TestOutputRoomEventRoundTrip(t *testing.T) {
	in := OutputRoomEvent{
		RoomID:     "!room:example.org",
		EventID:    "$event:example.org",
		SeqNum:     42,
		SoftFailed: true,
	}
	data, err := marshalOutputRoomEvent(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := unmarshalOutputRoomEvent(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestSubjectOutputRoomEvent(t *testing.T) {
	if got, want := SubjectOutputRoomEvent("Palpo"), "Palpo.OutputRoomEvent"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
