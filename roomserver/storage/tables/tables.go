// Package tables declares the prepared-statement interfaces each storage
// backend (postgres, sqlite3) implements, one interface per concern.
package tables

import (
	"context"
	"database/sql"

	"github.com/palpo-matrix-server/palpo-sub005/roomserver/types"
)

// Frames persists the state-frame delta chain.
type Frames interface {
	// InsertFrame writes a new frame row. appended/disposed are
	// marshaled CompressedBinding sets; parentID is 0 for a root frame.
	InsertFrame(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, hash []byte, parentID types.FrameID, appended, disposed []types.CompressedBinding) (types.FrameID, error)
	// SelectFrameByHash returns an existing frame with the same content
	// hash, implementing content addressing. ok is false on a miss.
	SelectFrameByHash(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, hash []byte) (id types.FrameID, ok bool, err error)
	// SelectFrame returns a frame's parent and delta sets.
	SelectFrame(ctx context.Context, txn *sql.Tx, frameID types.FrameID) (parentID types.FrameID, hasParent bool, appended, disposed []types.CompressedBinding, err error)
	// SelectFrameDepth returns how many deltas deep frameID is from its
	// nearest root, used by the compaction policy.
	SelectFrameDepth(ctx context.Context, txn *sql.Tx, frameID types.FrameID) (int, error)
}

// EventToFrame records the state-before-event frame binding.
type EventToFrame interface {
	InsertEventToFrame(ctx context.Context, txn *sql.Tx, eventNID types.EventNID, frameID types.FrameID) error
	SelectFrameForEvent(ctx context.Context, txn *sql.Tx, eventNID types.EventNID) (types.FrameID, bool, error)
}

// Rooms tracks per-room metadata: version, current frame, forward
// extremities.
type Rooms interface {
	InsertRoom(ctx context.Context, txn *sql.Tx, roomID string, version string) (types.RoomNID, error)
	SelectRoomNID(ctx context.Context, txn *sql.Tx, roomID string) (types.RoomNID, bool, error)
	SelectRoomVersion(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID) (string, error)
	UpdateCurrentFrame(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, frameID types.FrameID) error
	SelectCurrentFrame(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID) (types.FrameID, bool, error)
	UpdateForwardExtremities(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, extremities []string) error
	SelectForwardExtremities(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID) ([]string, error)
}

// AuthChains persists the per-event transitive auth closure, encoded as
// a set of EventPointID values.
type AuthChains interface {
	InsertAuthChain(ctx context.Context, txn *sql.Tx, eventNID types.EventNID, chain []types.EventPointID) error
	SelectAuthChain(ctx context.Context, txn *sql.Tx, eventNID types.EventNID) ([]types.EventPointID, bool, error)
}

// Events is the append-only timeline.
type Events interface {
	InsertEvent(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventID string, eventType string, stateKey *string, depth int64, rawJSON []byte, isOutlier, isSoftFailed bool) (types.EventNID, int64, error)
	SelectEventByID(ctx context.Context, txn *sql.Tx, eventID string) (types.EventNID, []byte, bool, error)
	// SelectEventMetadataByID returns the full timeline row for eventID,
	// used by the ingestion pipeline to answer an idempotent re-offer of
	// an already-committed event without replaying the pipeline.
	SelectEventMetadataByID(ctx context.Context, txn *sql.Tx, eventID string) (EventRow, bool, error)
	SelectEventNID(ctx context.Context, txn *sql.Tx, eventID string) (types.EventNID, bool, error)
	SelectEventIDByNID(ctx context.Context, txn *sql.Tx, eventNID types.EventNID) (string, bool, error)
	UpdateEventOutlierStatus(ctx context.Context, txn *sql.Tx, eventNID types.EventNID, isOutlier bool) error
	SelectPDUsByRoom(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, fromSeqNum int64, limit int, forward bool) ([]EventRow, error)
	SelectLatestEvents(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, n int) ([]EventRow, error)
	MarkRedactedInPlace(ctx context.Context, txn *sql.Tx, eventNID types.EventNID, redactedJSON []byte) error
}

// EventRow is a denormalized read projection of a timeline row.
type EventRow struct {
	EventNID     types.EventNID
	EventID      string
	SeqNum       int64
	Depth        int64
	RawJSON      []byte
	IsOutlier    bool
	IsSoftFailed bool
}

// Edges records prev-event and auth-event DAG relations.
type Edges interface {
	InsertEdge(ctx context.Context, txn *sql.Tx, eventID, targetID string, kind EdgeKind) error
	SelectEdges(ctx context.Context, txn *sql.Tx, eventID string, kind EdgeKind) ([]string, error)
}

type EdgeKind string

const (
	EdgeKindPrev EdgeKind = "prev"
	EdgeKindAuth EdgeKind = "auth"
)

// TransactionMemo implements the idempotency contract.
type TransactionMemo interface {
	InsertTransaction(ctx context.Context, txn *sql.Tx, scope, txnID, eventID, result string) error
	SelectTransaction(ctx context.Context, txn *sql.Tx, scope, txnID string) (eventID, result string, ok bool, err error)
}

// StateFieldIDs implements the dense (type, state_key) <-> integer table.
type StateFieldIDs interface {
	EnsureStateFieldID(ctx context.Context, txn *sql.Tx, eventType, stateKey string) (types.StateFieldID, error)
	SelectStateField(ctx context.Context, txn *sql.Tx, id types.StateFieldID) (eventType, stateKey string, err error)
}

// SeqNum is the server-wide monotonic counter.
type SeqNum interface {
	NextSeqNum(ctx context.Context, txn *sql.Tx) (int64, error)
}
