package state

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/palpo-matrix-server/palpo-sub005/pkg/spec"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/event"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/version"
)

const testRoomID = "!room:example.org"

// memStore holds parsed PDUs in memory, keyed by event ID.
type memStore struct {
	events map[spec.EventID]*event.PDU
}

func newMemStore() *memStore { return &memStore{events: map[spec.EventID]*event.PDU{}} }

func (m *memStore) Event(id spec.EventID) (*event.PDU, error) {
	if ev, ok := m.events[id]; ok {
		return ev, nil
	}
	return nil, assert.AnError
}

func (m *memStore) add(t *testing.T, eventID, sender, evType string, stateKey *string, depth int64, ts int64, authEvents []string, content map[string]interface{}) {
	t.Helper()
	body := map[string]interface{}{
		"event_id":         eventID,
		"room_id":          testRoomID,
		"sender":           sender,
		"type":             evType,
		"depth":            depth,
		"origin_server_ts": ts,
		"auth_events":      authEvents,
		"content":          content,
	}
	if stateKey != nil {
		body["state_key"] = *stateKey
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	pdu, err := event.ParsePDU(raw)
	require.NoError(t, err)
	pdu.SetEventID(spec.EventID(eventID))
	m.events[spec.EventID(eventID)] = pdu
}

// trivialChains answers ChainOf with an empty chain for every event: enough
// for v1 tests, which never consult it, and for v2 tests where the
// conflicting events share no interesting auth ancestry.
type trivialChains struct{}

func (trivialChains) ChainOf(id spec.EventID) (map[spec.EventID]struct{}, error) {
	return map[spec.EventID]struct{}{}, nil
}

func ptr(s string) *string { return &s }

func v1Rules(t *testing.T) version.Rules {
	t.Helper()
	r, err := version.V1.Rules()
	require.NoError(t, err)
	return r
}

func v11Rules(t *testing.T) version.Rules {
	t.Helper()
	r, err := version.V11.Rules()
	require.NoError(t, err)
	return r
}

func TestResolveSingleStateIsReturnedAsIs(t *testing.T) {
	s := StateMap{{Type: "m.room.create", StateKey: ""}: "$create"}
	resolved, err := Resolve([]StateMap{s}, newMemStore(), trivialChains{}, v11Rules(t))
	require.NoError(t, err)
	assert.Equal(t, s, resolved)
}

func TestResolveNoStatesReturnsEmpty(t *testing.T) {
	resolved, err := Resolve(nil, newMemStore(), trivialChains{}, v11Rules(t))
	require.NoError(t, err)
	assert.Empty(t, resolved)
}

func TestResolveV1PicksLaterDepthOnConflict(t *testing.T) {
	store := newMemStore()
	store.add(t, "$create", "@alice:example.org", "m.room.create", ptr(""), 1, 100, nil, map[string]interface{}{})
	store.add(t, "$aj", "@alice:example.org", "m.room.member", ptr("@alice:example.org"), 2, 101, []string{"$create"}, map[string]interface{}{
		"membership": spec.MembershipJoin,
	})
	store.add(t, "$topic1", "@alice:example.org", "m.room.topic", ptr(""), 3, 102, []string{"$create", "$aj"}, map[string]interface{}{
		"topic": "first",
	})
	store.add(t, "$topic2", "@alice:example.org", "m.room.topic", ptr(""), 4, 103, []string{"$create", "$aj"}, map[string]interface{}{
		"topic": "second",
	})

	base := StateMap{
		{Type: "m.room.create", StateKey: ""}:                     "$create",
		{Type: "m.room.member", StateKey: "@alice:example.org"}: "$aj",
	}
	stateA := base.Clone()
	stateA[event.StateKeyTuple{Type: "m.room.topic", StateKey: ""}] = "$topic1"
	stateB := base.Clone()
	stateB[event.StateKeyTuple{Type: "m.room.topic", StateKey: ""}] = "$topic2"

	resolved, err := Resolve([]StateMap{stateA, stateB}, store, trivialChains{}, v1Rules(t))
	require.NoError(t, err)
	assert.Equal(t, spec.EventID("$topic2"), resolved[event.StateKeyTuple{Type: "m.room.topic", StateKey: ""}])
}

func TestResolveV1AgreementIsNotTreatedAsConflict(t *testing.T) {
	store := newMemStore()
	store.add(t, "$create", "@alice:example.org", "m.room.create", ptr(""), 1, 100, nil, map[string]interface{}{})

	stateA := StateMap{{Type: "m.room.create", StateKey: ""}: "$create"}
	stateB := StateMap{{Type: "m.room.create", StateKey: ""}: "$create"}

	resolved, err := Resolve([]StateMap{stateA, stateB}, store, trivialChains{}, v1Rules(t))
	require.NoError(t, err)
	assert.Equal(t, spec.EventID("$create"), resolved[event.StateKeyTuple{Type: "m.room.create", StateKey: ""}])
}

func TestResolveV1DropsConflictingEventThatFailsAuth(t *testing.T) {
	store := newMemStore()
	store.add(t, "$create", "@alice:example.org", "m.room.create", ptr(""), 1, 100, nil, map[string]interface{}{})
	store.add(t, "$aj", "@alice:example.org", "m.room.member", ptr("@alice:example.org"), 2, 101, []string{"$create"}, map[string]interface{}{
		"membership": spec.MembershipJoin,
	})
	// Bob never joined in either branch, so his topic change must fail
	// auth and be dropped, leaving the room with no topic binding at all.
	store.add(t, "$topic", "@bob:example.org", "m.room.topic", ptr(""), 3, 102, []string{"$create"}, map[string]interface{}{
		"topic": "bob's topic",
	})

	base := StateMap{
		{Type: "m.room.create", StateKey: ""}:                   "$create",
		{Type: "m.room.member", StateKey: "@alice:example.org"}: "$aj",
	}
	stateA := base.Clone()
	stateB := base.Clone()
	stateB[event.StateKeyTuple{Type: "m.room.topic", StateKey: ""}] = "$topic"

	resolved, err := Resolve([]StateMap{stateA, stateB}, store, trivialChains{}, v1Rules(t))
	require.NoError(t, err)
	_, hasTopic := resolved[event.StateKeyTuple{Type: "m.room.topic", StateKey: ""}]
	assert.False(t, hasTopic)
}

func TestPartitionSeparatesAgreementFromConflict(t *testing.T) {
	a := StateMap{
		{Type: "m.room.create", StateKey: ""}: "$create",
		{Type: "m.room.topic", StateKey: ""}:  "$t1",
	}
	b := StateMap{
		{Type: "m.room.create", StateKey: ""}: "$create",
		{Type: "m.room.topic", StateKey: ""}:  "$t2",
	}
	unconflicted, conflicted := partition([]StateMap{a, b})
	assert.Equal(t, spec.EventID("$create"), unconflicted[event.StateKeyTuple{Type: "m.room.create", StateKey: ""}])
	values, ok := conflicted[event.StateKeyTuple{Type: "m.room.topic", StateKey: ""}]
	require.True(t, ok)
	assert.Len(t, values, 2)
}

func TestPartitionTreatsMissingKeyAsDisagreement(t *testing.T) {
	a := StateMap{{Type: "m.room.topic", StateKey: ""}: "$t1"}
	b := StateMap{}
	_, conflicted := partition([]StateMap{a, b})
	values, ok := conflicted[event.StateKeyTuple{Type: "m.room.topic", StateKey: ""}]
	require.True(t, ok)
	assert.Len(t, values, 1, "the missing side contributes no real event ID to the conflict set")
}

func TestResolveV2PrefersPowerEventOrderingOverPlainConflict(t *testing.T) {
	store := newMemStore()
	store.add(t, "$create", "@alice:example.org", "m.room.create", ptr(""), 1, 100, nil, map[string]interface{}{})
	store.add(t, "$aj", "@alice:example.org", "m.room.member", ptr("@alice:example.org"), 2, 101, []string{"$create"}, map[string]interface{}{
		"membership": spec.MembershipJoin,
	})
	store.add(t, "$bj", "@bob:example.org", "m.room.member", ptr("@bob:example.org"), 2, 101, []string{"$create"}, map[string]interface{}{
		"membership": spec.MembershipJoin,
	})

	base := StateMap{
		{Type: "m.room.create", StateKey: ""}:                   "$create",
		{Type: "m.room.member", StateKey: "@alice:example.org"}: "$aj",
	}
	stateA := base.Clone()
	stateB := base.Clone()
	stateB[event.StateKeyTuple{Type: "m.room.member", StateKey: "@bob:example.org"}] = "$bj"

	resolved, err := Resolve([]StateMap{stateA, stateB}, store, trivialChains{}, v11Rules(t))
	require.NoError(t, err)
	assert.Equal(t, spec.EventID("$create"), resolved[event.StateKeyTuple{Type: "m.room.create", StateKey: ""}])
	assert.Equal(t, spec.EventID("$aj"), resolved[event.StateKeyTuple{Type: "m.room.member", StateKey: "@alice:example.org"}])
}
