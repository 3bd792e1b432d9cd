// Package shared implements the backend-agnostic Database façade: the
// concrete postgres and sqlite3 packages each build one of these out of
// their own prepared statement sets.
package shared

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/palpo-matrix-server/palpo-sub005/internal/sqlutil"
	"github.com/palpo-matrix-server/palpo-sub005/pkg/spec"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/storage/tables"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/types"
)

// Database composes every table interface this component persists to,
// plus the Writer each backend supplies to serialize mutations.
type Database struct {
	DB              *sql.DB
	Writer          sqlutil.Writer
	Frames          tables.Frames
	EventToFrame    tables.EventToFrame
	Rooms           tables.Rooms
	AuthChains      tables.AuthChains
	Events          tables.Events
	Edges           tables.Edges
	TransactionMemo tables.TransactionMemo
	StateFields     tables.StateFieldIDs
	SeqNums         tables.SeqNum
}

// EnsureRoom returns the RoomNID for roomID, creating the row on first use.
func (d *Database) EnsureRoom(ctx context.Context, roomID string, version string) (types.RoomNID, error) {
	if nid, ok, err := d.Rooms.SelectRoomNID(ctx, nil, roomID); err != nil {
		return 0, err
	} else if ok {
		return nid, nil
	}
	var nid types.RoomNID
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		existing, ok, err := d.Rooms.SelectRoomNID(ctx, txn, roomID)
		if err != nil {
			return err
		}
		if ok {
			nid = existing
			return nil
		}
		nid, err = d.Rooms.InsertRoom(ctx, txn, roomID, version)
		return err
	})
	return nid, err
}

// StoreEvent persists a newly-accepted or outlier PDU to the timeline,
// assigning it a sequence number atomically with the insert.
func (d *Database) StoreEvent(
	ctx context.Context, roomNID types.RoomNID, eventID, eventType string, stateKey *string,
	depth int64, rawJSON []byte, isOutlier, isSoftFailed bool,
) (types.EventNID, int64, error) {
	var nid types.EventNID
	var seq int64
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		var err error
		nid, seq, err = d.Events.InsertEvent(ctx, txn, roomNID, eventID, eventType, stateKey, depth, rawJSON, isOutlier, isSoftFailed)
		return err
	})
	return nid, seq, err
}

// PromoteOutlier flips an event's outlier flag off once its full
// prev-event chain becomes known.
func (d *Database) PromoteOutlier(ctx context.Context, eventNID types.EventNID) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.Events.UpdateEventOutlierStatus(ctx, txn, eventNID, false)
	})
}

// BindEventToFrame records which state frame represents the state before a
// given event, creating the frame first if an identical one doesn't
// already exist (content addressing).
func (d *Database) BindEventToFrame(
	ctx context.Context, roomNID types.RoomNID, eventNID types.EventNID, hash []byte,
	parentID types.FrameID, appended, disposed []types.CompressedBinding,
) (types.FrameID, error) {
	var frameID types.FrameID
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		if id, ok, err := d.Frames.SelectFrameByHash(ctx, txn, roomNID, hash); err != nil {
			return err
		} else if ok {
			frameID = id
		} else {
			id, err := d.Frames.InsertFrame(ctx, txn, roomNID, hash, parentID, appended, disposed)
			if err != nil {
				return err
			}
			frameID = id
		}
		return d.EventToFrame.InsertEventToFrame(ctx, txn, eventNID, frameID)
	})
	return frameID, err
}

// EnsureFrame returns the frame matching hash within roomNID, creating it
// as a child of parentID if none exists yet. Unlike BindEventToFrame, it
// does not bind any event to the result — used by compaction, which
// builds a replacement root frame before repointing existing event
// bindings at it.
func (d *Database) EnsureFrame(
	ctx context.Context, roomNID types.RoomNID, hash []byte,
	parentID types.FrameID, appended, disposed []types.CompressedBinding,
) (types.FrameID, error) {
	var frameID types.FrameID
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		if id, ok, err := d.Frames.SelectFrameByHash(ctx, txn, roomNID, hash); err != nil {
			return err
		} else if ok {
			frameID = id
			return nil
		}
		id, err := d.Frames.InsertFrame(ctx, txn, roomNID, hash, parentID, appended, disposed)
		if err != nil {
			return err
		}
		frameID = id
		return nil
	})
	return frameID, err
}

// UpdateCurrentState advances a room's current frame pointer and forward
// extremities in one transaction.
func (d *Database) UpdateCurrentState(ctx context.Context, roomNID types.RoomNID, frameID types.FrameID, extremities []string) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		if err := d.Rooms.UpdateCurrentFrame(ctx, txn, roomNID, frameID); err != nil {
			return err
		}
		return d.Rooms.UpdateForwardExtremities(ctx, txn, roomNID, extremities)
	})
}

// UpdateExtremities advances only a room's forward extremities, for message
// events that don't move the current-frame pointer.
func (d *Database) UpdateExtremities(ctx context.Context, roomNID types.RoomNID, extremities []string) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.Rooms.UpdateForwardExtremities(ctx, txn, roomNID, extremities)
	})
}

// InsertEdges records an event's prev-event and auth-event DAG relations
// in a separate edges index for efficient traversal.
func (d *Database) InsertEdges(ctx context.Context, eventID string, prevEvents, authEvents []string) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		for _, target := range prevEvents {
			if err := d.Edges.InsertEdge(ctx, txn, eventID, target, tables.EdgeKindPrev); err != nil {
				return err
			}
		}
		for _, target := range authEvents {
			if err := d.Edges.InsertEdge(ctx, txn, eventID, target, tables.EdgeKindAuth); err != nil {
				return err
			}
		}
		return nil
	})
}

// MarkRedactedInPlace overwrites an event's stored JSON with its redacted
// form. Ingestion stage 3 does not call it: on a content-hash mismatch it
// redacts the event before the timeline row is first written.
func (d *Database) MarkRedactedInPlace(ctx context.Context, eventNID types.EventNID, redactedJSON []byte) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.Events.MarkRedactedInPlace(ctx, txn, eventNID, redactedJSON)
	})
}

// RecallTransaction implements the idempotency memo: recall returns a
// cached result for a previously-seen (scope, txnID) pair
// without replaying the write.
func (d *Database) RecallTransaction(ctx context.Context, scope, txnID string) (eventID, result string, ok bool, err error) {
	return d.TransactionMemo.SelectTransaction(ctx, nil, scope, txnID)
}

func (d *Database) RememberTransaction(ctx context.Context, scope, txnID, eventID, result string) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.TransactionMemo.InsertTransaction(ctx, txn, scope, txnID, eventID, result)
	})
}

// NextSeqNum allocates the next server-wide sequence number.
func (d *Database) NextSeqNum(ctx context.Context) (int64, error) {
	var seq int64
	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		var err error
		seq, err = d.SeqNums.NextSeqNum(ctx, txn)
		return err
	})
	return seq, err
}

// EventByID resolves an event ID to its raw JSON, used by EventStore
// adapters in the auth-chain and state-resolution packages.
func (d *Database) EventByID(ctx context.Context, eventID spec.EventID) ([]byte, bool, error) {
	_, raw, ok, err := d.Events.SelectEventByID(ctx, nil, string(eventID))
	if err != nil {
		return nil, false, fmt.Errorf("shared: select event %s: %w", eventID, err)
	}
	return raw, ok, nil
}

// EventMetadataByID returns the full timeline row for eventID, used by the
// ingestion pipeline to short-circuit an idempotent re-offer of an event
// it has already committed.
func (d *Database) EventMetadataByID(ctx context.Context, eventID spec.EventID) (tables.EventRow, bool, error) {
	return d.Events.SelectEventMetadataByID(ctx, nil, string(eventID))
}
