package frame

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/palpo-matrix-server/palpo-sub005/roomserver/event"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/storage/sqlite3"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/types"
)

func TestEnsureFrameIsContentAddressed(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite3.NewDatabase(":memory:")
	require.NoError(t, err)
	roomNID, err := db.EnsureRoom(ctx, "!room:example.org", "11")
	require.NoError(t, err)

	_, _, err = db.StoreEvent(ctx, roomNID, "$a", "m.room.member", nil, 1, []byte(`{}`), false, false)
	require.NoError(t, err)
	_, _, err = db.StoreEvent(ctx, roomNID, "$b", "m.room.member", nil, 1, []byte(`{}`), false, false)
	require.NoError(t, err)

	s := New(db, nil)
	bindings := []Binding{{Type: "m.room.member", StateKey: "@alice:example.org", EventID: "$a"}}

	frame1, err := s.EnsureFrame(ctx, roomNID, 0, bindings, nil)
	require.NoError(t, err)

	// An identical binding set against the same parent must converge on
	// the same frame row rather than allocating a new one.
	frame2, err := s.EnsureFrame(ctx, roomNID, 0, bindings, nil)
	require.NoError(t, err)
	require.Equal(t, frame1, frame2)

	differentBindings := []Binding{{Type: "m.room.member", StateKey: "@alice:example.org", EventID: "$b"}}
	frame3, err := s.EnsureFrame(ctx, roomNID, 0, differentBindings, nil)
	require.NoError(t, err)
	require.NotEqual(t, frame1, frame3)
}

func TestEnsureFrameConvergesAcrossDifferentParents(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite3.NewDatabase(":memory:")
	require.NoError(t, err)
	roomNID, err := db.EnsureRoom(ctx, "!room:example.org", "11")
	require.NoError(t, err)

	for _, id := range []string{"$create", "$alice-join", "$bob-join"} {
		_, _, err := db.StoreEvent(ctx, roomNID, id, "m.room.member", nil, 1, []byte(`{}`), false, false)
		require.NoError(t, err)
	}

	s := New(db, nil)

	// Path one: create, then alice and bob join in a single frame.
	root, err := s.EnsureFrame(ctx, roomNID, 0, []Binding{
		{Type: "m.room.create", StateKey: "", EventID: "$create"},
	}, nil)
	require.NoError(t, err)
	direct, err := s.EnsureFrame(ctx, roomNID, root, []Binding{
		{Type: "m.room.member", StateKey: "@alice:example.org", EventID: "$alice-join"},
		{Type: "m.room.member", StateKey: "@bob:example.org", EventID: "$bob-join"},
	}, nil)
	require.NoError(t, err)

	// Path two: alice joins first off the same root, then bob joins off
	// that intermediate frame. Different parent, different delta chain,
	// but the same full materialized state as path one.
	withAlice, err := s.EnsureFrame(ctx, roomNID, root, []Binding{
		{Type: "m.room.member", StateKey: "@alice:example.org", EventID: "$alice-join"},
	}, nil)
	require.NoError(t, err)
	viaAlice, err := s.EnsureFrame(ctx, roomNID, withAlice, []Binding{
		{Type: "m.room.member", StateKey: "@bob:example.org", EventID: "$bob-join"},
	}, nil)
	require.NoError(t, err)

	require.Equal(t, direct, viaAlice, "frames with equal full state but different delta chains must share one row")
}

func TestMaterializeWalksDeltaChain(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite3.NewDatabase(":memory:")
	require.NoError(t, err)
	roomNID, err := db.EnsureRoom(ctx, "!room:example.org", "11")
	require.NoError(t, err)

	for _, id := range []string{"$create", "$alice-join", "$bob-join", "$bob-leave"} {
		_, _, err := db.StoreEvent(ctx, roomNID, id, "m.room.member", nil, 1, []byte(`{}`), false, false)
		require.NoError(t, err)
	}

	s := New(db, nil)

	root, err := s.EnsureFrame(ctx, roomNID, 0, []Binding{
		{Type: "m.room.create", StateKey: "", EventID: "$create"},
	}, nil)
	require.NoError(t, err)

	withAlice, err := s.EnsureFrame(ctx, roomNID, root, []Binding{
		{Type: "m.room.member", StateKey: "@alice:example.org", EventID: "$alice-join"},
	}, nil)
	require.NoError(t, err)

	withBob, err := s.EnsureFrame(ctx, roomNID, withAlice, []Binding{
		{Type: "m.room.member", StateKey: "@bob:example.org", EventID: "$bob-join"},
	}, nil)
	require.NoError(t, err)

	bobLeft, err := s.EnsureFrame(ctx, roomNID, withBob,
		[]Binding{{Type: "m.room.member", StateKey: "@bob:example.org", EventID: "$bob-leave"}},
		[]Binding{{Type: "m.room.member", StateKey: "@bob:example.org"}},
	)
	require.NoError(t, err)

	state, err := s.Materialize(ctx, bobLeft)
	require.NoError(t, err)
	require.Equal(t, "$create", state[event.StateKeyTuple{Type: "m.room.create", StateKey: ""}])
	require.Equal(t, "$alice-join", state[event.StateKeyTuple{Type: "m.room.member", StateKey: "@alice:example.org"}])
	require.Equal(t, "$bob-leave", state[event.StateKeyTuple{Type: "m.room.member", StateKey: "@bob:example.org"}])
}

func TestDeltaBetweenFrames(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite3.NewDatabase(":memory:")
	require.NoError(t, err)
	roomNID, err := db.EnsureRoom(ctx, "!room:example.org", "11")
	require.NoError(t, err)

	for _, id := range []string{"$create", "$alice-join"} {
		_, _, err := db.StoreEvent(ctx, roomNID, id, "m.room.member", nil, 1, []byte(`{}`), false, false)
		require.NoError(t, err)
	}

	s := New(db, nil)
	root, err := s.EnsureFrame(ctx, roomNID, 0, []Binding{
		{Type: "m.room.create", StateKey: "", EventID: "$create"},
	}, nil)
	require.NoError(t, err)
	withAlice, err := s.EnsureFrame(ctx, roomNID, root, []Binding{
		{Type: "m.room.member", StateKey: "@alice:example.org", EventID: "$alice-join"},
	}, nil)
	require.NoError(t, err)

	appended, disposed, err := s.Delta(ctx, root, withAlice)
	require.NoError(t, err)
	require.Len(t, appended, 1)
	require.Empty(t, disposed)
	require.Equal(t, "$alice-join", appended[0].EventID)
}

func TestBindEventToFrameTriggersCompactionAtDepth(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite3.NewDatabase(":memory:")
	require.NoError(t, err)
	roomNID, err := db.EnsureRoom(ctx, "!room:example.org", "11")
	require.NoError(t, err)

	s := New(db, nil)
	s.compactionDepth = 3

	var frameID types.FrameID
	for i := 0; i < 5; i++ {
		eventID := "$ev" + string(rune('a'+i))
		_, _, err := db.StoreEvent(ctx, roomNID, eventID, "m.room.member", nil, int64(i), []byte(`{}`), false, false)
		require.NoError(t, err)

		nid, found, err := db.Events.SelectEventNID(ctx, nil, eventID)
		require.NoError(t, err)
		require.True(t, found)

		frameID, err = s.BindEventToFrame(ctx, roomNID, nid, frameID, []Binding{
			{Type: "m.room.member", StateKey: "@alice:example.org", EventID: eventID},
		}, nil)
		require.NoError(t, err)
	}

	state, err := s.Materialize(ctx, frameID)
	require.NoError(t, err)
	require.Equal(t, "$eve", state[event.StateKeyTuple{Type: "m.room.member", StateKey: "@alice:example.org"}])
}
