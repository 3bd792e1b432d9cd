package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
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
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/internal/input"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/keyring"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/storage/shared"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/storage/sqlite3"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/types"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/version"
)

const (
	testServerName = spec.ServerName("example.org")
	testKeyID      = spec.KeyID("ed25519:test")
	testRoomID     = "!room:example.org"
	alice          = "@alice:example.org"
)

// dbEventStore adapts shared.Database to authchain.EventStore, mirroring
// roomserver/internal/input's unexported eventStore for this package's own
// harness.
type dbEventStore struct {
	db *shared.Database
}

func (s *dbEventStore) Event(id spec.EventID) (*event.PDU, error) {
	raw, ok, err := s.db.EventByID(context.Background(), id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("api test: unknown event %s", id)
	}
	pdu, err := event.ParsePDU(raw)
	if err != nil {
		return nil, err
	}
	pdu.SetEventID(id)
	return pdu, nil
}

type fakeFetcher struct {
	pub ed25519.PublicKey
}

func (f *fakeFetcher) FetchServerKeys(ctx context.Context, server spec.ServerName) (map[spec.KeyID]eventcrypto.VerifyKey, error) {
	return map[spec.KeyID]eventcrypto.VerifyKey{testKeyID: {Public: f.pub}}, nil
}

func (f *fakeFetcher) FetchNotaryKeys(ctx context.Context, server spec.ServerName, keyIDs []spec.KeyID) (map[spec.KeyID]eventcrypto.VerifyKey, error) {
	return nil, fmt.Errorf("fakeFetcher: no notary configured")
}

type harness struct {
	t     *testing.T
	api   *RoomserverAPI
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
	events := &dbEventStore{db: db}
	authChains := authchain.New(events, &authchain.TableResolver{Events: db.Events}, db.AuthChains, db.DB, db.Writer, nil)
	keys := keyring.New(&fakeFetcher{pub: pub}, "")
	locks := roomlock.NewManager()
	seqnums := seqnum.NewAllocator(0)
	memo := txnmemo.New(db.DB, db.TransactionMemo, db.Writer)

	in := input.New(db, frames, authChains, keys, locks, seqnums, memo, nil, nil)
	roomAPI := New(in, db, frames, authChains, nil)
	return &harness{t: t, api: roomAPI, priv: priv}
}

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

// TestInputRoomEventDelegatesToInputer checks the facade accepts a valid
// room-creation PDU exactly as the underlying Inputer would.
func TestInputRoomEventDelegatesToInputer(t *testing.T) {
	h := newHarness(t)

	create, createID := h.build(alice, spec.MRoomCreate, ptr(""), nil, nil, map[string]interface{}{
		"room_version": "11",
	})
	res, err := h.api.InputRoomEvent(context.Background(), testServerName, create)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeAccepted, res.Outcome)
	assert.Equal(t, string(createID), res.EventID)
}

// TestQueryEventReturnsCommittedPDU checks the federation /event read path
// against an event the facade itself just ingested.
func TestQueryEventReturnsCommittedPDU(t *testing.T) {
	h := newHarness(t)

	create, createID := h.build(alice, spec.MRoomCreate, ptr(""), nil, nil, map[string]interface{}{
		"room_version": "11",
	})
	_, err := h.api.InputRoomEvent(context.Background(), testServerName, create)
	require.NoError(t, err)

	raw, found, err := h.api.QueryEvent(context.Background(), createID)
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, string(create), string(raw))

	_, found, err = h.api.QueryEvent(context.Background(), spec.EventID("$unknown"))
	require.NoError(t, err)
	assert.False(t, found)
}

// TestQueryStateIDsReflectsStateBeforeTheGivenEvent checks /state_ids
// returns the create+join state bound before the power_levels change, not
// the room's current (post-power_levels) state.
func TestQueryStateIDsReflectsStateBeforeTheGivenEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	create, createID := h.build(alice, spec.MRoomCreate, ptr(""), nil, nil, map[string]interface{}{
		"room_version": "11",
	})
	_, err := h.api.InputRoomEvent(ctx, testServerName, create)
	require.NoError(t, err)

	join, joinID := h.build(alice, spec.MRoomMember, ptr(alice), []string{string(createID)}, []string{string(createID)}, map[string]interface{}{
		"membership": spec.MembershipJoin,
	})
	_, err = h.api.InputRoomEvent(ctx, testServerName, join)
	require.NoError(t, err)

	powerLevels, plID := h.build(alice, spec.MRoomPowerLevels, ptr(""), []string{string(joinID)}, []string{string(createID), string(joinID)}, map[string]interface{}{
		"users": map[string]interface{}{alice: 100},
	})
	_, err = h.api.InputRoomEvent(ctx, testServerName, powerLevels)
	require.NoError(t, err)

	stateIDs, authChainIDs, err := h.api.QueryStateIDs(ctx, testRoomID, plID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []spec.EventID{createID, joinID}, stateIDs)
	assert.Contains(t, authChainIDs, createID)
}

// TestQueryAuthChainUnionsMultipleEvents checks the union behavior across
// two events whose auth closures only partially overlap.
func TestQueryAuthChainUnionsMultipleEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	create, createID := h.build(alice, spec.MRoomCreate, ptr(""), nil, nil, map[string]interface{}{
		"room_version": "11",
	})
	_, err := h.api.InputRoomEvent(ctx, testServerName, create)
	require.NoError(t, err)

	join, joinID := h.build(alice, spec.MRoomMember, ptr(alice), []string{string(createID)}, []string{string(createID)}, map[string]interface{}{
		"membership": spec.MembershipJoin,
	})
	_, err = h.api.InputRoomEvent(ctx, testServerName, join)
	require.NoError(t, err)

	chain, err := h.api.QueryAuthChain(ctx, []spec.EventID{createID, joinID})
	require.NoError(t, err)
	assert.Contains(t, chain, createID)
}

func TestErrorResponseMapsTypedErrorsToMatrixErrorCodes(t *testing.T) {
	cases := []struct {
		err      error
		wantCode int
		wantErr  string
	}{
		{types.RejectedError("no power_levels in auth_events"), http.StatusForbidden, "M_FORBIDDEN"},
		{types.MissingStateError("$missing"), http.StatusNotFound, "M_NOT_FOUND"},
		{types.TooDeepError{EventID: "$e", Budget: 100}, http.StatusBadRequest, "M_LIMIT_EXCEEDED"},
		{types.ConflictError("$e"), http.StatusInternalServerError, "M_UNKNOWN"},
		{types.BusyError("queue full"), http.StatusServiceUnavailable, "M_LIMIT_EXCEEDED"},
		{fmt.Errorf("unclassified failure"), http.StatusInternalServerError, "M_UNKNOWN"},
	}
	for _, c := range cases {
		resp := ErrorResponse(c.err)
		assert.Equal(t, c.wantCode, resp.Code)
		matrixErr, ok := resp.JSON.(MatrixError)
		require.True(t, ok)
		assert.Equal(t, c.wantErr, matrixErr.ErrCode)
	}
}
