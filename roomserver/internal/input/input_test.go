package input

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ed25519"

	"github.com/palpo-matrix-server/palpo-sub005/internal/roomlock"
	"github.com/palpo-matrix-server/palpo-sub005/internal/seqnum"
	"github.com/palpo-matrix-server/palpo-sub005/internal/txnmemo"
	"github.com/palpo-matrix-server/palpo-sub005/pkg/eventcrypto"
	"github.com/palpo-matrix-server/palpo-sub005/pkg/spec"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/authchain"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/event"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/frame"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/keyring"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/storage/sqlite3"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/types"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/version"
)

const (
	testServerName = spec.ServerName("example.org")
	testKeyID      = spec.KeyID("ed25519:test")
	testRoomID     = "!room:example.org"
	alice          = "@alice:example.org"
	bob            = "@bob:example.org"
)

// fakeFetcher answers every key lookup with the one key the harness signs
// with; it never needs to fetch events over federation since tests only
// reference events they've already ingested.
type fakeFetcher struct {
	pub ed25519.PublicKey
}

func (f *fakeFetcher) FetchServerKeys(ctx context.Context, server spec.ServerName) (map[spec.KeyID]eventcrypto.VerifyKey, error) {
	return map[spec.KeyID]eventcrypto.VerifyKey{testKeyID: {Public: f.pub}}, nil
}

func (f *fakeFetcher) FetchNotaryKeys(ctx context.Context, server spec.ServerName, keyIDs []spec.KeyID) (map[spec.KeyID]eventcrypto.VerifyKey, error) {
	return nil, fmt.Errorf("fakeFetcher: no notary configured")
}

// harness wires a full Inputer against an in-memory sqlite3 database, with
// no federation fetcher: every test scenario must only ever reference
// events it has already ingested.
type harness struct {
	t     *testing.T
	in    *Inputer
	priv  ed25519.PrivateKey
	depth int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := sqlite3.NewDatabase(":memory:")
	require.NoError(t, err)

	pub, priv, err := eventcrypto.GenerateKeyPair()
	require.NoError(t, err)

	frames := frame.New(db, nil)
	events := &eventStore{db: db}
	authChains := authchain.New(events, &authchain.TableResolver{Events: db.Events}, db.AuthChains, db.DB, db.Writer, nil)
	keys := keyring.New(&fakeFetcher{pub: pub}, "")
	locks := roomlock.NewManager()
	seqnums := seqnum.NewAllocator(0)
	memo := txnmemo.New(db.DB, db.TransactionMemo, db.Writer)

	in := New(db, frames, authChains, keys, locks, seqnums, memo, nil, nil)
	return &harness{t: t, in: in, priv: priv}
}

// build assembles and signs a PDU, returning both its raw bytes and the
// event ID Ingest will derive for it, so callers can chain prev_events and
// auth_events across calls without re-deriving anything.
func (h *harness) build(sender, evType string, stateKey *string, prevEvents, authEvents []string, content map[string]interface{}) ([]byte, spec.EventID) {
	h.t.Helper()
	h.depth++
	body := map[string]interface{}{
		"room_id":          testRoomID,
		"sender":           sender,
		"type":             evType,
		"depth":            h.depth,
		"origin_server_ts": 1700000000000 + h.depth,
		"prev_events":      prevEvents,
		"auth_events":      authEvents,
		"content":          content,
	}
	if stateKey != nil {
		body["state_key"] = *stateKey
	}
	raw, err := json.Marshal(body)
	require.NoError(h.t, err)

	signed, err := event.Sign(raw, testServerName, testKeyID, h.priv)
	require.NoError(h.t, err)

	rules, err := version.Default.Rules()
	require.NoError(h.t, err)
	eventID, err := event.DeriveEventID(signed, rules)
	require.NoError(h.t, err)

	return signed, eventID
}

func ptr(s string) *string { return &s }

// TestIngestCreateThenCreatorJoin exercises the room's first two events:
// the creator's own join must be accepted even though no power_levels or
// join_rules state exists yet to authorize it by the general rule.
func TestIngestCreateThenCreatorJoin(t *testing.T) {
	h := newHarness(t)

	create, createID := h.build(alice, spec.MRoomCreate, ptr(""), nil, nil, map[string]interface{}{
		"room_version": "11",
	})
	res, err := h.in.Ingest(context.Background(), create, testServerName)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeAccepted, res.Outcome)
	assert.Equal(t, string(createID), res.EventID)

	join, joinID := h.build(alice, spec.MRoomMember, ptr(alice), []string{string(createID)}, []string{string(createID)}, map[string]interface{}{
		"membership": spec.MembershipJoin,
	})
	res, err = h.in.Ingest(context.Background(), join, testServerName)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeAccepted, res.Outcome)
	assert.Equal(t, string(joinID), res.EventID)
}

// TestIngestPowerLevelsChange checks that the creator, sitting at the
// implicit default power level of 100, may publish an explicit
// m.room.power_levels event.
func TestIngestPowerLevelsChange(t *testing.T) {
	h := newHarness(t)

	create, createID := h.build(alice, spec.MRoomCreate, ptr(""), nil, nil, map[string]interface{}{
		"room_version": "11",
	})
	_, err := h.in.Ingest(context.Background(), create, testServerName)
	require.NoError(t, err)

	join, joinID := h.build(alice, spec.MRoomMember, ptr(alice), []string{string(createID)}, []string{string(createID)}, map[string]interface{}{
		"membership": spec.MembershipJoin,
	})
	_, err = h.in.Ingest(context.Background(), join, testServerName)
	require.NoError(t, err)

	powerLevels, plID := h.build(alice, spec.MRoomPowerLevels, ptr(""), []string{string(joinID)}, []string{string(createID), string(joinID)}, map[string]interface{}{
		"users": map[string]interface{}{alice: 100},
	})
	res, err := h.in.Ingest(context.Background(), powerLevels, testServerName)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeAccepted, res.Outcome)
	assert.Equal(t, string(plID), res.EventID)
}

// TestIngestIsIdempotent re-submits an already-accepted event and expects
// the same outcome back without re-processing it.
func TestIngestIsIdempotent(t *testing.T) {
	h := newHarness(t)

	create, _ := h.build(alice, spec.MRoomCreate, ptr(""), nil, nil, map[string]interface{}{
		"room_version": "11",
	})
	first, err := h.in.Ingest(context.Background(), create, testServerName)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeAccepted, first.Outcome)

	second, err := h.in.Ingest(context.Background(), create, testServerName)
	require.NoError(t, err)
	assert.Equal(t, first.Outcome, second.Outcome)
	assert.Equal(t, first.EventID, second.EventID)
}

// TestIngestSoftFailsStaleKickedSender builds the canonical soft-fail
// scenario: a message sent on a stale fork where its sender still appears
// joined, after the room's real current state has already kicked them.
func TestIngestSoftFailsStaleKickedSender(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	create, createID := h.build(alice, spec.MRoomCreate, ptr(""), nil, nil, map[string]interface{}{
		"room_version": "11",
	})
	_, err := h.in.Ingest(ctx, create, testServerName)
	require.NoError(t, err)

	joinAlice, joinAliceID := h.build(alice, spec.MRoomMember, ptr(alice), []string{string(createID)}, []string{string(createID)}, map[string]interface{}{
		"membership": spec.MembershipJoin,
	})
	_, err = h.in.Ingest(ctx, joinAlice, testServerName)
	require.NoError(t, err)

	inviteBob, inviteBobID := h.build(alice, spec.MRoomMember, ptr(bob), []string{string(joinAliceID)}, []string{string(createID), string(joinAliceID)}, map[string]interface{}{
		"membership": spec.MembershipInvite,
	})
	_, err = h.in.Ingest(ctx, inviteBob, testServerName)
	require.NoError(t, err)

	joinBob, joinBobID := h.build(bob, spec.MRoomMember, ptr(bob), []string{string(inviteBobID)}, []string{string(createID), string(inviteBobID)}, map[string]interface{}{
		"membership": spec.MembershipJoin,
	})
	res, err := h.in.Ingest(ctx, joinBob, testServerName)
	require.NoError(t, err)
	require.Equal(t, types.OutcomeAccepted, res.Outcome)

	kickBob, _ := h.build(alice, spec.MRoomMember, ptr(bob), []string{string(joinBobID)}, []string{string(createID), string(joinAliceID), string(joinBobID)}, map[string]interface{}{
		"membership": spec.MembershipLeave,
	})
	res, err = h.in.Ingest(ctx, kickBob, testServerName)
	require.NoError(t, err)
	require.Equal(t, types.OutcomeAccepted, res.Outcome)

	// Bob's message cites joinBob as its only prev_event: on that stale
	// fork he is still joined, so it authorizes there, but the room's real
	// current state (after kickBob) has him kicked.
	staleMessage, staleMessageID := h.build(bob, "m.room.message", nil, []string{string(joinBobID)}, []string{string(createID), string(joinBobID)}, map[string]interface{}{
		"msgtype": "m.text",
		"body":    "hello?",
	})
	res, err = h.in.Ingest(ctx, staleMessage, testServerName)
	assert.Equal(t, types.SoftFailedError(string(staleMessageID)), err)
	assert.Equal(t, types.OutcomeSoftFailed, res.Outcome)
	assert.Equal(t, string(staleMessageID), res.EventID)
}

// TestIngestRejectsMalformedPDU checks that a PDU missing a required
// top-level field is rejected before it ever reaches room-version
// resolution.
func TestIngestRejectsMalformedPDU(t *testing.T) {
	h := newHarness(t)
	raw := []byte(`{"sender":"` + alice + `","type":"m.room.create","content":{}}`)
	res, err := h.in.Ingest(context.Background(), raw, testServerName)
	assert.Error(t, err)
	assert.Equal(t, types.OutcomeRejected, res.Outcome)
}
