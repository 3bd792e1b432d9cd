package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/palpo-matrix-server/palpo-sub005/pkg/spec"
)

func TestSenderPowerAtEventReadsCitedPowerLevels(t *testing.T) {
	store := newMemStore()
	store.add(t, "$create", "@alice:example.org", "m.room.create", ptr(""), 1, 100, nil, map[string]interface{}{})
	store.add(t, "$pl", "@alice:example.org", "m.room.power_levels", ptr(""), 2, 101, []string{"$create"}, map[string]interface{}{
		"users": map[string]interface{}{
			"@alice:example.org": 100,
			"@bob:example.org":   50,
		},
	})
	store.add(t, "$bob-topic", "@bob:example.org", "m.room.topic", ptr(""), 3, 102, []string{"$create", "$pl"}, map[string]interface{}{
		"topic": "bob's topic",
	})

	ev, err := store.Event("$bob-topic")
	require.NoError(t, err)
	assert.Equal(t, int64(50), senderPowerAtEvent(ev, store, v11Rules(t)))
}

func TestSenderPowerAtEventDefaultsWithoutPowerLevels(t *testing.T) {
	store := newMemStore()
	store.add(t, "$create", "@alice:example.org", "m.room.create", ptr(""), 1, 100, nil, map[string]interface{}{})
	store.add(t, "$aj", "@alice:example.org", "m.room.member", ptr("@alice:example.org"), 2, 101, []string{"$create"}, map[string]interface{}{
		"membership": spec.MembershipJoin,
	})

	ev, err := store.Event("$aj")
	require.NoError(t, err)
	assert.Equal(t, int64(100), senderPowerAtEvent(ev, store, v11Rules(t)), "the creator defaults to power 100 even before any power_levels event exists")
}

func TestReverseTopologicalPowerOrderRanksHigherSenderPowerFirst(t *testing.T) {
	store := newMemStore()
	store.add(t, "$create", "@alice:example.org", "m.room.create", ptr(""), 1, 100, nil, map[string]interface{}{})
	store.add(t, "$pl", "@alice:example.org", "m.room.power_levels", ptr(""), 2, 101, []string{"$create"}, map[string]interface{}{
		"users": map[string]interface{}{
			"@alice:example.org": 100,
			"@bob:example.org":   50,
		},
	})
	// Bob's event has an earlier timestamp than Alice's, so a pure
	// (origin_server_ts, event_id) sort would rank Bob first; the
	// power-level key must override that and rank Alice first instead.
	store.add(t, "$bob-pl", "@bob:example.org", "m.room.power_levels", ptr(""), 3, 102, []string{"$create", "$pl"}, map[string]interface{}{
		"users": map[string]interface{}{"@bob:example.org": 60},
	})
	store.add(t, "$alice-pl", "@alice:example.org", "m.room.power_levels", ptr(""), 3, 200, []string{"$create", "$pl"}, map[string]interface{}{
		"users": map[string]interface{}{"@alice:example.org": 100},
	})

	ordered, err := reverseTopologicalPowerOrder(
		[]spec.EventID{"$bob-pl", "$alice-pl"}, store, trivialChains{}, v11Rules(t),
	)
	require.NoError(t, err)
	require.Len(t, ordered, 2)
	assert.Equal(t, spec.EventID("$alice-pl"), ordered[0], "alice's higher cited power level must sort her power event first despite the later timestamp")
	assert.Equal(t, spec.EventID("$bob-pl"), ordered[1])
}
