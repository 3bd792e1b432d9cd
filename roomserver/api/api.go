// Package api is the external interface boundary described by the core's
// §6 contract: it is the only thing out-of-scope collaborators (client
// HTTP routing, federation HTTP routing, sync, push) are meant to import.
// It wraps roomserver/internal/input.Inputer and the read-side storage and
// auth-chain components behind a narrow request/response surface, and
// translates the core's typed errors into Matrix standard error codes.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/matrix-org/util"
	"golang.org/x/crypto/ed25519"

	"github.com/palpo-matrix-server/palpo-sub005/internal/notify"
	"github.com/palpo-matrix-server/palpo-sub005/internal/roomlock"
	"github.com/palpo-matrix-server/palpo-sub005/internal/seqnum"
	"github.com/palpo-matrix-server/palpo-sub005/internal/txnmemo"
	"github.com/palpo-matrix-server/palpo-sub005/pkg/spec"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/authchain"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/frame"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/internal/input"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/keyring"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/storage/shared"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/types"
)

// InputRoomEvent is the federation-facing entry point: a transaction
// handler hands each PDU it receives to this exactly as bytes, keyed by
// origin for signature/ACL context.
type InputRoomEvent interface {
	InputRoomEvent(ctx context.Context, origin spec.ServerName, raw []byte) (types.IngestResult, error)
}

// SubmitRoomEvent is the client-facing entry point: a client HTTP handler
// has already authenticated the user and resolved (room, event type,
// optional state key, txn ID) from the request path before calling this.
type SubmitRoomEvent interface {
	SubmitRoomEvent(
		ctx context.Context, roomID, eventType string, stateKey *string, content json.RawMessage,
		sender *spec.UserID, serverName spec.ServerName, keyID spec.KeyID, priv ed25519.PrivateKey, txnID string,
	) (types.IngestResult, error)
}

// QueryAPI is the read-side surface federation routing needs to answer
// /event, /state_ids, and /event_auth without reaching into
// storage internals directly.
type QueryAPI interface {
	QueryEvent(ctx context.Context, eventID spec.EventID) (raw []byte, found bool, err error)
	QueryStateIDs(ctx context.Context, roomID string, eventID spec.EventID) (stateIDs, authChainIDs []spec.EventID, err error)
	QueryAuthChain(ctx context.Context, eventIDs []spec.EventID) ([]spec.EventID, error)
}

// RoomserverAPI is the concrete implementation wiring input.Inputer and the
// read-side components behind InputRoomEvent, SubmitRoomEvent and QueryAPI.
// cmd/palpo constructs one of these and hands it to whatever external
// transport a deployment chooses to front it with; this core never opens a
// listening socket itself.
type RoomserverAPI struct {
	in         *input.Inputer
	db         *shared.Database
	frames     *frame.Store
	authChains *authchain.Index
	bus        *notify.Bus
}

// New wires a RoomserverAPI from its already-constructed dependencies.
func New(in *input.Inputer, db *shared.Database, frames *frame.Store, authChains *authchain.Index, bus *notify.Bus) *RoomserverAPI {
	return &RoomserverAPI{in: in, db: db, frames: frames, authChains: authChains, bus: bus}
}

// Build constructs the ingestion pipeline from its lower-level dependencies
// and wires it into a RoomserverAPI. It exists because input.Inputer lives
// under roomserver/internal and so cannot be constructed directly by a
// cmd/ entry point; Build is this package's exported front door for that.
func Build(
	db *shared.Database, frames *frame.Store, authChains *authchain.Index, keys *keyring.KeyRing,
	locks *roomlock.Manager, seqnums *seqnum.Allocator, memo *txnmemo.Memo, bus *notify.Bus, fetcher input.Fetcher,
) *RoomserverAPI {
	in := input.New(db, frames, authChains, keys, locks, seqnums, memo, bus, fetcher)
	return New(in, db, frames, authChains, bus)
}

func (r *RoomserverAPI) InputRoomEvent(ctx context.Context, origin spec.ServerName, raw []byte) (types.IngestResult, error) {
	return r.in.Ingest(ctx, raw, origin)
}

func (r *RoomserverAPI) SubmitRoomEvent(
	ctx context.Context, roomID, eventType string, stateKey *string, content json.RawMessage,
	sender *spec.UserID, serverName spec.ServerName, keyID spec.KeyID, priv ed25519.PrivateKey, txnID string,
) (types.IngestResult, error) {
	return r.in.Submit(ctx, roomID, eventType, stateKey, content, sender, serverName, keyID, priv, txnID)
}

// QueryEvent answers federation /event/{eventId} and the outlier-fetch
// collaborator contract: it returns whatever is on the timeline, including
// soft-failed and redacted-in-place events, since both remain valid for
// DAG continuity even though neither is delivered to clients.
func (r *RoomserverAPI) QueryEvent(ctx context.Context, eventID spec.EventID) ([]byte, bool, error) {
	return r.db.EventByID(ctx, eventID)
}

// QueryStateIDs answers federation /state_ids/{roomId}?event_id=: the full
// state at eventID's position (not the current room state) plus that
// state's auth chain, each as a flat list of event IDs.
func (r *RoomserverAPI) QueryStateIDs(ctx context.Context, roomID string, eventID spec.EventID) (stateIDs, authChainIDs []spec.EventID, err error) {
	row, found, err := r.db.EventMetadataByID(ctx, eventID)
	if err != nil {
		return nil, nil, err
	}
	if !found {
		return nil, nil, fmt.Errorf("api: event %s not known", eventID)
	}
	frameID, found, err := r.db.EventToFrame.SelectFrameForEvent(ctx, nil, row.EventNID)
	if err != nil {
		return nil, nil, err
	}
	if !found {
		return nil, nil, fmt.Errorf("api: event %s is an outlier with no state-before frame", eventID)
	}
	materialized, err := r.frames.Materialize(ctx, frameID)
	if err != nil {
		return nil, nil, err
	}
	stateIDs = make([]spec.EventID, 0, len(materialized))
	chainSet := map[spec.EventID]struct{}{}
	for _, stateEventID := range materialized {
		id := spec.EventID(stateEventID)
		stateIDs = append(stateIDs, id)
		chain, cerr := r.authChains.ChainOf(id)
		if cerr != nil {
			return nil, nil, cerr
		}
		for member := range chain {
			chainSet[member] = struct{}{}
		}
	}
	authChainIDs = make([]spec.EventID, 0, len(chainSet))
	for id := range chainSet {
		authChainIDs = append(authChainIDs, id)
	}
	return stateIDs, authChainIDs, nil
}

// SubscribeRoomEvents exposes the change-notification bus so out-of-scope
// collaborators (sync, push) can react to commits without polling storage.
// onMessage returning false Naks that message; the consumer keeps running.
func (r *RoomserverAPI) SubscribeRoomEvents(ctx context.Context, durable string, onMessage func(notify.OutputRoomEvent) bool) error {
	return r.bus.Subscribe(ctx, durable, onMessage)
}

// QueryAuthChain returns the union of the transitive auth closures of every
// event in eventIDs, for federation /event_auth and for outlier validation.
func (r *RoomserverAPI) QueryAuthChain(ctx context.Context, eventIDs []spec.EventID) ([]spec.EventID, error) {
	seen := map[spec.EventID]struct{}{}
	for _, id := range eventIDs {
		chain, err := r.authChains.ChainOf(id)
		if err != nil {
			return nil, err
		}
		for member := range chain {
			seen[member] = struct{}{}
		}
	}
	out := make([]spec.EventID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out, nil
}

// MatrixError is the standard {errcode, error} body Matrix clients and
// federation peers expect at the API boundary.
type MatrixError struct {
	ErrCode string `json:"errcode"`
	Err     string `json:"error"`
}

func (e MatrixError) Error() string { return e.Err }

// ErrorResponse maps an error returned by InputRoomEvent/SubmitRoomEvent to
// the util.JSONResponse an HTTP collaborator should write back, per the
// M_* taxonomy §6 names. Unrecognized errors fall back to M_UNKNOWN rather
// than leaking internal detail.
func ErrorResponse(err error) util.JSONResponse {
	switch e := err.(type) {
	case types.RejectedError:
		return util.JSONResponse{Code: http.StatusForbidden, JSON: MatrixError{ErrCode: "M_FORBIDDEN", Err: e.Error()}}
	case types.MissingStateError:
		return util.JSONResponse{Code: http.StatusNotFound, JSON: MatrixError{ErrCode: "M_NOT_FOUND", Err: e.Error()}}
	case types.TooDeepError:
		return util.JSONResponse{Code: http.StatusBadRequest, JSON: MatrixError{ErrCode: "M_LIMIT_EXCEEDED", Err: e.Error()}}
	case types.ConflictError:
		return util.JSONResponse{Code: http.StatusInternalServerError, JSON: MatrixError{ErrCode: "M_UNKNOWN", Err: e.Error()}}
	case types.BusyError:
		return util.JSONResponse{Code: http.StatusServiceUnavailable, JSON: MatrixError{ErrCode: "M_LIMIT_EXCEEDED", Err: e.Error()}}
	default:
		return util.JSONResponse{Code: http.StatusInternalServerError, JSON: MatrixError{ErrCode: "M_UNKNOWN", Err: "internal server error"}}
	}
}
