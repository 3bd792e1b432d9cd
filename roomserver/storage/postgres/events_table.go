package postgres

import (
	"context"
	"database/sql"

	"github.com/palpo-matrix-server/palpo-sub005/internal/sqlutil"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/storage/tables"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/types"
)

const eventsSchema = `
CREATE TABLE IF NOT EXISTS roomserver_events (
	event_nid BIGSERIAL PRIMARY KEY,
	room_nid BIGINT NOT NULL,
	event_id TEXT NOT NULL UNIQUE,
	event_type TEXT NOT NULL,
	state_key TEXT,
	depth BIGINT NOT NULL,
	seq_num BIGINT NOT NULL,
	raw_json JSONB NOT NULL,
	is_outlier BOOLEAN NOT NULL DEFAULT FALSE,
	is_soft_failed BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS idx_events_room_seq ON roomserver_events(room_nid, seq_num);
CREATE SEQUENCE IF NOT EXISTS roomserver_events_seq_num_seq;
`

const insertEventSQL = `
INSERT INTO roomserver_events
	(room_nid, event_id, event_type, state_key, depth, seq_num, raw_json, is_outlier, is_soft_failed)
	VALUES ($1, $2, $3, $4, $5, nextval('roomserver_events_seq_num_seq'), $6, $7, $8)
	RETURNING event_nid, seq_num
`

const selectEventByIDSQL = `
SELECT event_nid, raw_json FROM roomserver_events WHERE event_id = $1
`

const selectEventMetadataByIDSQL = `
SELECT event_nid, event_id, seq_num, depth, raw_json, is_outlier, is_soft_failed
	FROM roomserver_events WHERE event_id = $1
`

const selectEventNIDSQL = `
SELECT event_nid FROM roomserver_events WHERE event_id = $1
`

const selectEventIDByNIDSQL = `
SELECT event_id FROM roomserver_events WHERE event_nid = $1
`

const updateEventOutlierStatusSQL = `
UPDATE roomserver_events SET is_outlier = $2 WHERE event_nid = $1
`

const selectPDUsByRoomForwardSQL = `
SELECT event_nid, event_id, seq_num, depth, raw_json, is_outlier, is_soft_failed
	FROM roomserver_events WHERE room_nid = $1 AND seq_num > $2 ORDER BY seq_num ASC LIMIT $3
`

const selectPDUsByRoomBackwardSQL = `
SELECT event_nid, event_id, seq_num, depth, raw_json, is_outlier, is_soft_failed
	FROM roomserver_events WHERE room_nid = $1 AND seq_num < $2 ORDER BY seq_num DESC LIMIT $3
`

const selectLatestEventsSQL = `
SELECT event_nid, event_id, seq_num, depth, raw_json, is_outlier, is_soft_failed
	FROM roomserver_events WHERE room_nid = $1 ORDER BY seq_num DESC LIMIT $2
`

const markRedactedInPlaceSQL = `
UPDATE roomserver_events SET raw_json = $2 WHERE event_nid = $1
`

type eventsStatements struct {
	db                           *sql.DB
	insertEventStmt              *sql.Stmt
	selectEventByIDStmt          *sql.Stmt
	selectEventMetadataByIDStmt  *sql.Stmt
	selectEventNIDStmt           *sql.Stmt
	selectEventIDByNIDStmt       *sql.Stmt
	updateEventOutlierStatusStmt *sql.Stmt
	selectPDUsByRoomForwardStmt  *sql.Stmt
	selectPDUsByRoomBackwardStmt *sql.Stmt
	selectLatestEventsStmt       *sql.Stmt
	markRedactedInPlaceStmt      *sql.Stmt
}

func CreateEventsTable(db *sql.DB) error {
	_, err := db.Exec(eventsSchema)
	return err
}

func PrepareEventsTable(db *sql.DB) (tables.Events, error) {
	s := &eventsStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.insertEventStmt, insertEventSQL},
		{&s.selectEventByIDStmt, selectEventByIDSQL},
		{&s.selectEventMetadataByIDStmt, selectEventMetadataByIDSQL},
		{&s.selectEventNIDStmt, selectEventNIDSQL},
		{&s.selectEventIDByNIDStmt, selectEventIDByNIDSQL},
		{&s.updateEventOutlierStatusStmt, updateEventOutlierStatusSQL},
		{&s.selectPDUsByRoomForwardStmt, selectPDUsByRoomForwardSQL},
		{&s.selectPDUsByRoomBackwardStmt, selectPDUsByRoomBackwardSQL},
		{&s.selectLatestEventsStmt, selectLatestEventsSQL},
		{&s.markRedactedInPlaceStmt, markRedactedInPlaceSQL},
	}.Prepare(db)
}

func (s *eventsStatements) InsertEvent(
	ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, eventID string, eventType string,
	stateKey *string, depth int64, rawJSON []byte, isOutlier, isSoftFailed bool,
) (types.EventNID, int64, error) {
	var nid types.EventNID
	var seq int64
	err := sqlutil.TxStmt(txn, s.insertEventStmt).QueryRowContext(
		ctx, roomNID, eventID, eventType, stateKey, depth, rawJSON, isOutlier, isSoftFailed,
	).Scan(&nid, &seq)
	return nid, seq, err
}

func (s *eventsStatements) SelectEventByID(ctx context.Context, txn *sql.Tx, eventID string) (types.EventNID, []byte, bool, error) {
	var nid types.EventNID
	var raw []byte
	err := sqlutil.TxStmt(txn, s.selectEventByIDStmt).QueryRowContext(ctx, eventID).Scan(&nid, &raw)
	if err == sql.ErrNoRows {
		return 0, nil, false, nil
	}
	return nid, raw, err == nil, err
}

func (s *eventsStatements) SelectEventMetadataByID(ctx context.Context, txn *sql.Tx, eventID string) (tables.EventRow, bool, error) {
	var r tables.EventRow
	err := sqlutil.TxStmt(txn, s.selectEventMetadataByIDStmt).QueryRowContext(ctx, eventID).Scan(
		&r.EventNID, &r.EventID, &r.SeqNum, &r.Depth, &r.RawJSON, &r.IsOutlier, &r.IsSoftFailed,
	)
	if err == sql.ErrNoRows {
		return tables.EventRow{}, false, nil
	}
	return r, err == nil, err
}

func (s *eventsStatements) SelectEventNID(ctx context.Context, txn *sql.Tx, eventID string) (types.EventNID, bool, error) {
	var nid types.EventNID
	err := sqlutil.TxStmt(txn, s.selectEventNIDStmt).QueryRowContext(ctx, eventID).Scan(&nid)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	return nid, err == nil, err
}

func (s *eventsStatements) SelectEventIDByNID(ctx context.Context, txn *sql.Tx, eventNID types.EventNID) (string, bool, error) {
	var eventID string
	err := sqlutil.TxStmt(txn, s.selectEventIDByNIDStmt).QueryRowContext(ctx, eventNID).Scan(&eventID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	return eventID, err == nil, err
}

func (s *eventsStatements) UpdateEventOutlierStatus(ctx context.Context, txn *sql.Tx, eventNID types.EventNID, isOutlier bool) error {
	_, err := sqlutil.TxStmt(txn, s.updateEventOutlierStatusStmt).ExecContext(ctx, eventNID, isOutlier)
	return err
}

func (s *eventsStatements) SelectPDUsByRoom(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, fromSeqNum int64, limit int, forward bool) ([]tables.EventRow, error) {
	stmt := s.selectPDUsByRoomForwardStmt
	if !forward {
		stmt = s.selectPDUsByRoomBackwardStmt
	}
	rows, err := sqlutil.TxStmt(txn, stmt).QueryContext(ctx, roomNID, fromSeqNum, limit)
	if err != nil {
		return nil, err
	}
	defer sqlutil.CloseAndLogIfError(ctx, rows, "SelectPDUsByRoom: rows.close() failed")
	return scanEventRows(rows)
}

func (s *eventsStatements) SelectLatestEvents(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, n int) ([]tables.EventRow, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectLatestEventsStmt).QueryContext(ctx, roomNID, n)
	if err != nil {
		return nil, err
	}
	defer sqlutil.CloseAndLogIfError(ctx, rows, "SelectLatestEvents: rows.close() failed")
	return scanEventRows(rows)
}

func scanEventRows(rows *sql.Rows) ([]tables.EventRow, error) {
	var out []tables.EventRow
	for rows.Next() {
		var r tables.EventRow
		if err := rows.Scan(&r.EventNID, &r.EventID, &r.SeqNum, &r.Depth, &r.RawJSON, &r.IsOutlier, &r.IsSoftFailed); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *eventsStatements) MarkRedactedInPlace(ctx context.Context, txn *sql.Tx, eventNID types.EventNID, redactedJSON []byte) error {
	_, err := sqlutil.TxStmt(txn, s.markRedactedInPlaceStmt).ExecContext(ctx, eventNID, redactedJSON)
	return err
}
