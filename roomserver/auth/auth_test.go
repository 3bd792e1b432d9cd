package auth

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/palpo-matrix-server/palpo-sub005/pkg/eventcrypto"
	"github.com/palpo-matrix-server/palpo-sub005/pkg/spec"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/event"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/version"
)

const testRoomID = "!room:example.org"

var v11Rules = mustRules(version.V11)

func mustRules(v version.RoomVersion) version.Rules {
	r, err := v.Rules()
	if err != nil {
		panic(err)
	}
	return r
}

func mustEvent(t *testing.T, eventID, sender, evType string, stateKey *string, content map[string]interface{}) *event.PDU {
	t.Helper()
	body := map[string]interface{}{
		"event_id": eventID,
		"room_id":  testRoomID,
		"sender":   sender,
		"type":     evType,
		"content":  content,
	}
	if stateKey != nil {
		body["state_key"] = *stateKey
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	pdu, err := event.ParsePDU(raw)
	require.NoError(t, err)
	pdu.SetEventID(spec.EventID(eventID))
	return pdu
}

func ptr(s string) *string { return &s }

func newProvider(t *testing.T, events ...*event.PDU) *MapStateProvider {
	t.Helper()
	p, err := NewMapStateProvider(testRoomID, events)
	require.NoError(t, err)
	return p
}

func TestAllowedCreatorBootstrapJoin(t *testing.T) {
	create := mustEvent(t, "$create", "@alice:example.org", spec.MRoomCreate, ptr(""), map[string]interface{}{})
	join := mustEvent(t, "$join", "@alice:example.org", spec.MRoomMember, ptr("@alice:example.org"), map[string]interface{}{
		"membership": spec.MembershipJoin,
	})
	provider := newProvider(t, create)
	assert.NoError(t, Allowed(join, provider, v11Rules))
}

func TestAllowedRejectsJoinWithoutInvite(t *testing.T) {
	create := mustEvent(t, "$create", "@alice:example.org", spec.MRoomCreate, ptr(""), map[string]interface{}{})
	aliceJoin := mustEvent(t, "$aj", "@alice:example.org", spec.MRoomMember, ptr("@alice:example.org"), map[string]interface{}{
		"membership": spec.MembershipJoin,
	})
	bobJoin := mustEvent(t, "$bj", "@bob:example.org", spec.MRoomMember, ptr("@bob:example.org"), map[string]interface{}{
		"membership": spec.MembershipJoin,
	})
	provider := newProvider(t, create, aliceJoin)
	err := Allowed(bobJoin, provider, v11Rules)
	require.Error(t, err)
	var denied *DeniedError
	assert.ErrorAs(t, err, &denied)
}

func TestAllowedPublicRoomJoinRequiresNoInvite(t *testing.T) {
	create := mustEvent(t, "$create", "@alice:example.org", spec.MRoomCreate, ptr(""), map[string]interface{}{})
	joinRules := mustEvent(t, "$jr", "@alice:example.org", spec.MRoomJoinRules, ptr(""), map[string]interface{}{
		"join_rule": "public",
	})
	aliceJoin := mustEvent(t, "$aj", "@alice:example.org", spec.MRoomMember, ptr("@alice:example.org"), map[string]interface{}{
		"membership": spec.MembershipJoin,
	})
	bobJoin := mustEvent(t, "$bj", "@bob:example.org", spec.MRoomMember, ptr("@bob:example.org"), map[string]interface{}{
		"membership": spec.MembershipJoin,
	})
	provider := newProvider(t, create, joinRules, aliceJoin)
	assert.NoError(t, Allowed(bobJoin, provider, v11Rules))
}

func TestAllowedRejectsEventFromNonMember(t *testing.T) {
	create := mustEvent(t, "$create", "@alice:example.org", spec.MRoomCreate, ptr(""), map[string]interface{}{})
	aliceJoin := mustEvent(t, "$aj", "@alice:example.org", spec.MRoomMember, ptr("@alice:example.org"), map[string]interface{}{
		"membership": spec.MembershipJoin,
	})
	msg := mustEvent(t, "$msg", "@bob:example.org", "m.room.message", nil, map[string]interface{}{
		"body": "hi",
	})
	provider := newProvider(t, create, aliceJoin)
	err := Allowed(msg, provider, v11Rules)
	require.Error(t, err)
	var denied *DeniedError
	assert.ErrorAs(t, err, &denied)
}

func TestAllowedCrossRoomAuthStateRejected(t *testing.T) {
	create := mustEvent(t, "$create", "@alice:example.org", spec.MRoomCreate, ptr(""), map[string]interface{}{})
	provider, err := NewMapStateProvider("!otherroom:example.org", []*event.PDU{create})
	require.Error(t, err, "auth events from a different room must be rejected while building the provider")
	assert.Nil(t, provider)
}

func TestAllowedPowerLevelsChangeWithinSenderLevel(t *testing.T) {
	create := mustEvent(t, "$create", "@alice:example.org", spec.MRoomCreate, ptr(""), map[string]interface{}{})
	aliceJoin := mustEvent(t, "$aj", "@alice:example.org", spec.MRoomMember, ptr("@alice:example.org"), map[string]interface{}{
		"membership": spec.MembershipJoin,
	})
	provider := newProvider(t, create, aliceJoin)

	pl := mustEvent(t, "$pl", "@alice:example.org", spec.MRoomPowerLevels, ptr(""), map[string]interface{}{
		"users": map[string]interface{}{"@alice:example.org": 100},
	})
	assert.NoError(t, Allowed(pl, provider, v11Rules))
}

func TestAllowedPowerLevelsChangeRejectsGrantAboveSenderLevel(t *testing.T) {
	create := mustEvent(t, "$create", "@alice:example.org", spec.MRoomCreate, ptr(""), map[string]interface{}{})
	existingPL := mustEvent(t, "$pl0", "@alice:example.org", spec.MRoomPowerLevels, ptr(""), map[string]interface{}{
		"users": map[string]interface{}{"@alice:example.org": 100, "@bob:example.org": 50},
	})
	aliceJoin := mustEvent(t, "$aj", "@alice:example.org", spec.MRoomMember, ptr("@alice:example.org"), map[string]interface{}{
		"membership": spec.MembershipJoin,
	})
	bobJoin := mustEvent(t, "$bj", "@bob:example.org", spec.MRoomMember, ptr("@bob:example.org"), map[string]interface{}{
		"membership": spec.MembershipJoin,
	})
	provider := newProvider(t, create, existingPL, aliceJoin, bobJoin)

	// Bob (level 50) tries to grant himself level 100, above his own.
	pl := mustEvent(t, "$pl1", "@bob:example.org", spec.MRoomPowerLevels, ptr(""), map[string]interface{}{
		"users": map[string]interface{}{"@alice:example.org": 100, "@bob:example.org": 100},
	})
	err := Allowed(pl, provider, v11Rules)
	require.Error(t, err)
	var denied *DeniedError
	assert.ErrorAs(t, err, &denied)
}

func TestAllowedKickRequiresHigherPowerLevel(t *testing.T) {
	create := mustEvent(t, "$create", "@alice:example.org", spec.MRoomCreate, ptr(""), map[string]interface{}{})
	aliceJoin := mustEvent(t, "$aj", "@alice:example.org", spec.MRoomMember, ptr("@alice:example.org"), map[string]interface{}{
		"membership": spec.MembershipJoin,
	})
	bobJoin := mustEvent(t, "$bj", "@bob:example.org", spec.MRoomMember, ptr("@bob:example.org"), map[string]interface{}{
		"membership": spec.MembershipJoin,
	})
	pl := mustEvent(t, "$pl", "@alice:example.org", spec.MRoomPowerLevels, ptr(""), map[string]interface{}{
		"users": map[string]interface{}{"@alice:example.org": 100, "@bob:example.org": 100},
	})
	provider := newProvider(t, create, aliceJoin, bobJoin, pl)

	kick := mustEvent(t, "$kick", "@alice:example.org", spec.MRoomMember, ptr("@bob:example.org"), map[string]interface{}{
		"membership": spec.MembershipLeave,
	})
	err := Allowed(kick, provider, v11Rules)
	require.Error(t, err, "bob's power level equals alice's, so alice cannot kick him")
	var denied *DeniedError
	assert.ErrorAs(t, err, &denied)
}

func TestAllowedRestrictedJoinRequiresJoinedAuthorisingUser(t *testing.T) {
	create := mustEvent(t, "$create", "@alice:example.org", spec.MRoomCreate, ptr(""), map[string]interface{}{})
	joinRules := mustEvent(t, "$jr", "@alice:example.org", spec.MRoomJoinRules, ptr(""), map[string]interface{}{
		"join_rule": "restricted",
		"allow": []interface{}{
			map[string]interface{}{"type": "m.room_membership", "room_id": "!space:example.org"},
		},
	})
	aliceJoin := mustEvent(t, "$aj", "@alice:example.org", spec.MRoomMember, ptr("@alice:example.org"), map[string]interface{}{
		"membership": spec.MembershipJoin,
	})
	provider := newProvider(t, create, joinRules, aliceJoin)

	bobJoinNoAuth := mustEvent(t, "$bj", "@bob:example.org", spec.MRoomMember, ptr("@bob:example.org"), map[string]interface{}{
		"membership": spec.MembershipJoin,
	})
	assert.Error(t, Allowed(bobJoinNoAuth, provider, v11Rules))

	bobJoinWithAuth := mustEvent(t, "$bj2", "@bob:example.org", spec.MRoomMember, ptr("@bob:example.org"), map[string]interface{}{
		"membership":                         spec.MembershipJoin,
		"join_authorised_via_users_server":   "@alice:example.org",
	})
	assert.NoError(t, Allowed(bobJoinWithAuth, provider, v11Rules))
}

func TestAllowedThirdPartyInviteJoinRedemption(t *testing.T) {
	create := mustEvent(t, "$create", "@alice:example.org", spec.MRoomCreate, ptr(""), map[string]interface{}{})
	joinRules := mustEvent(t, "$jr", "@alice:example.org", spec.MRoomJoinRules, ptr(""), map[string]interface{}{
		"join_rule": "invite",
	})
	aliceJoin := mustEvent(t, "$aj", "@alice:example.org", spec.MRoomMember, ptr("@alice:example.org"), map[string]interface{}{
		"membership": spec.MembershipJoin,
	})

	pub, priv, err := eventcrypto.GenerateKeyPair()
	require.NoError(t, err)

	tpi := mustEvent(t, "$tpi", "@alice:example.org", "m.room.third_party_invite", ptr("sometoken"), map[string]interface{}{
		"display_name": "bob@example.com",
		"public_keys": []interface{}{
			map[string]interface{}{"public_key": base64.RawStdEncoding.EncodeToString(pub)},
		},
	})

	raw, err := json.Marshal(map[string]interface{}{"mxid": "@bob:example.org", "token": "sometoken"})
	require.NoError(t, err)
	sig, err := eventcrypto.Sign(raw, priv)
	require.NoError(t, err)

	bobJoin := mustEvent(t, "$bj", "@bob:example.org", spec.MRoomMember, ptr("@bob:example.org"), map[string]interface{}{
		"membership": spec.MembershipJoin,
		"third_party_invite": map[string]interface{}{
			"signed": map[string]interface{}{
				"mxid":  "@bob:example.org",
				"token": "sometoken",
				"signatures": map[string]interface{}{
					"identity.example.org": map[string]interface{}{"ed25519:0": sig},
				},
			},
		},
	})

	provider := newProvider(t, create, joinRules, aliceJoin, tpi)
	assert.NoError(t, Allowed(bobJoin, provider, v11Rules), "a valid signed invite redemption is allowed despite join_rule being invite-only")
}

func TestAllowedThirdPartyInviteJoinRejectsUnknownToken(t *testing.T) {
	create := mustEvent(t, "$create", "@alice:example.org", spec.MRoomCreate, ptr(""), map[string]interface{}{})
	joinRules := mustEvent(t, "$jr", "@alice:example.org", spec.MRoomJoinRules, ptr(""), map[string]interface{}{
		"join_rule": "invite",
	})
	aliceJoin := mustEvent(t, "$aj", "@alice:example.org", spec.MRoomMember, ptr("@alice:example.org"), map[string]interface{}{
		"membership": spec.MembershipJoin,
	})

	bobJoin := mustEvent(t, "$bj", "@bob:example.org", spec.MRoomMember, ptr("@bob:example.org"), map[string]interface{}{
		"membership": spec.MembershipJoin,
		"third_party_invite": map[string]interface{}{
			"signed": map[string]interface{}{
				"mxid":       "@bob:example.org",
				"token":      "no-such-token",
				"signatures": map[string]interface{}{},
			},
		},
	})

	provider := newProvider(t, create, joinRules, aliceJoin)
	err := Allowed(bobJoin, provider, v11Rules)
	require.Error(t, err, "no m.room.third_party_invite event exists for the cited token")
	var denied *DeniedError
	assert.ErrorAs(t, err, &denied)
}

func TestAllowedThirdPartyInviteJoinRejectsBadSignature(t *testing.T) {
	create := mustEvent(t, "$create", "@alice:example.org", spec.MRoomCreate, ptr(""), map[string]interface{}{})
	joinRules := mustEvent(t, "$jr", "@alice:example.org", spec.MRoomJoinRules, ptr(""), map[string]interface{}{
		"join_rule": "invite",
	})
	aliceJoin := mustEvent(t, "$aj", "@alice:example.org", spec.MRoomMember, ptr("@alice:example.org"), map[string]interface{}{
		"membership": spec.MembershipJoin,
	})

	pub, _, err := eventcrypto.GenerateKeyPair()
	require.NoError(t, err)
	tpi := mustEvent(t, "$tpi", "@alice:example.org", "m.room.third_party_invite", ptr("sometoken"), map[string]interface{}{
		"public_keys": []interface{}{
			map[string]interface{}{"public_key": base64.RawStdEncoding.EncodeToString(pub)},
		},
	})

	// Signed with an unrelated key, so no public key on the invite
	// validates it.
	_, otherPriv, err := eventcrypto.GenerateKeyPair()
	require.NoError(t, err)
	raw, err := json.Marshal(map[string]interface{}{"mxid": "@bob:example.org", "token": "sometoken"})
	require.NoError(t, err)
	sig, err := eventcrypto.Sign(raw, otherPriv)
	require.NoError(t, err)

	bobJoin := mustEvent(t, "$bj", "@bob:example.org", spec.MRoomMember, ptr("@bob:example.org"), map[string]interface{}{
		"membership": spec.MembershipJoin,
		"third_party_invite": map[string]interface{}{
			"signed": map[string]interface{}{
				"mxid":  "@bob:example.org",
				"token": "sometoken",
				"signatures": map[string]interface{}{
					"identity.example.org": map[string]interface{}{"ed25519:0": sig},
				},
			},
		},
	})

	provider := newProvider(t, create, joinRules, aliceJoin, tpi)
	err = Allowed(bobJoin, provider, v11Rules)
	require.Error(t, err)
	var denied *DeniedError
	assert.ErrorAs(t, err, &denied)
}

func TestAllowedKnockingRequiresRoomVersionSupport(t *testing.T) {
	create := mustEvent(t, "$create", "@alice:example.org", spec.MRoomCreate, ptr(""), map[string]interface{}{})
	joinRules := mustEvent(t, "$jr", "@alice:example.org", spec.MRoomJoinRules, ptr(""), map[string]interface{}{
		"join_rule": "knock",
	})
	knock := mustEvent(t, "$knock", "@bob:example.org", spec.MRoomMember, ptr("@bob:example.org"), map[string]interface{}{
		"membership": spec.MembershipKnock,
	})
	provider := newProvider(t, create, joinRules)

	v6Rules := mustRules(version.V6)
	err := Allowed(knock, provider, v6Rules)
	assert.Error(t, err, "v6 does not support knocking")

	assert.NoError(t, Allowed(knock, provider, v11Rules))
}
