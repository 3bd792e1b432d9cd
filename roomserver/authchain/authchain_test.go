package authchain

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/palpo-matrix-server/palpo-sub005/pkg/spec"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/event"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/storage/sqlite3"
)

// fakeEventStore holds parsed PDUs in memory, keyed by event ID, standing
// in for the timeline during BFS walks in tests.
type fakeEventStore struct {
	events map[spec.EventID]*event.PDU
}

func newFakeEventStore() *fakeEventStore {
	return &fakeEventStore{events: map[spec.EventID]*event.PDU{}}
}

func (f *fakeEventStore) Event(id spec.EventID) (*event.PDU, error) {
	if ev, ok := f.events[id]; ok {
		return ev, nil
	}
	return nil, assert.AnError
}

func (f *fakeEventStore) add(t *testing.T, eventID, sender string, authEvents []string) *event.PDU {
	t.Helper()
	body := map[string]interface{}{
		"event_id":    eventID,
		"room_id":     "!room:example.org",
		"sender":      sender,
		"type":        "m.room.message",
		"auth_events": authEvents,
		"content":     map[string]interface{}{},
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	pdu, err := event.ParsePDU(raw)
	require.NoError(t, err)
	pdu.SetEventID(spec.EventID(eventID))
	f.events[spec.EventID(eventID)] = pdu
	return pdu
}

func TestChainOfComputesWalksAndPersists(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite3.NewDatabase(":memory:")
	require.NoError(t, err)
	roomNID, err := db.EnsureRoom(ctx, "!room:example.org", "11")
	require.NoError(t, err)

	store := newFakeEventStore()
	store.add(t, "$a", "@alice:example.org", nil)
	store.add(t, "$b", "@alice:example.org", []string{"$a"})
	store.add(t, "$c", "@alice:example.org", []string{"$b"})

	for _, id := range []string{"$a", "$b", "$c"} {
		_, _, err := db.StoreEvent(ctx, roomNID, id, "m.room.message", nil, 1, []byte(`{}`), false, false)
		require.NoError(t, err)
	}

	idx := New(store, &TableResolver{Events: db.Events}, db.AuthChains, db.DB, db.Writer, nil)

	chain, err := idx.ChainOf("$c")
	require.NoError(t, err)
	_, hasB := chain["$b"]
	_, hasA := chain["$a"]
	_, hasC := chain["$c"]
	assert.True(t, hasB)
	assert.True(t, hasA)
	assert.False(t, hasC, "an event's own chain never includes itself")

	// A persisted second lookup must serve from the stored chain table,
	// not re-walk the event store: swap in an empty store to prove it.
	idx2 := New(newFakeEventStore(), &TableResolver{Events: db.Events}, db.AuthChains, db.DB, db.Writer, nil)
	chain2, err := idx2.ChainOf("$c")
	require.NoError(t, err)
	assert.Equal(t, chain, chain2)
}

func TestChainOfFallsBackToLiveBFSForUnpersistedEvent(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite3.NewDatabase(":memory:")
	require.NoError(t, err)
	roomNID, err := db.EnsureRoom(ctx, "!room:example.org", "11")
	require.NoError(t, err)

	store := newFakeEventStore()
	store.add(t, "$a", "@alice:example.org", nil)
	store.add(t, "$pending", "@alice:example.org", []string{"$a"})

	// Only $a is persisted; $pending is still mid-ingestion and has no
	// EventNID yet, so PointFor must fail and ChainOf must fall back to a
	// live BFS instead of erroring.
	_, _, err = db.StoreEvent(ctx, roomNID, "$a", "m.room.message", nil, 1, []byte(`{}`), false, false)
	require.NoError(t, err)

	idx := New(store, &TableResolver{Events: db.Events}, db.AuthChains, db.DB, db.Writer, nil)
	chain, err := idx.ChainOf("$pending")
	require.NoError(t, err)
	_, hasA := chain["$a"]
	assert.True(t, hasA)
}

func TestChainOfSkipsUnresolvableAncestors(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite3.NewDatabase(":memory:")
	require.NoError(t, err)
	roomNID, err := db.EnsureRoom(ctx, "!room:example.org", "11")
	require.NoError(t, err)

	store := newFakeEventStore()
	// "$missing" is referenced but never added to the store.
	store.add(t, "$c", "@alice:example.org", []string{"$missing"})

	_, _, err = db.StoreEvent(ctx, roomNID, "$c", "m.room.message", nil, 1, []byte(`{}`), false, false)
	require.NoError(t, err)

	idx := New(store, &TableResolver{Events: db.Events}, db.AuthChains, db.DB, db.Writer, nil)
	chain, err := idx.ChainOf("$c")
	require.NoError(t, err)
	assert.Empty(t, chain, "an ancestor the event store can't resolve is excluded, not a hard error")
}

func TestDiff(t *testing.T) {
	a := map[spec.EventID]struct{}{"$x": {}, "$y": {}}
	b := map[spec.EventID]struct{}{"$y": {}}
	d := Diff(a, b)
	assert.Equal(t, map[spec.EventID]struct{}{"$x": {}}, d)
}
