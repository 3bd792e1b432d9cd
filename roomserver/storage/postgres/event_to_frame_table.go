package postgres

import (
	"context"
	"database/sql"

	"github.com/palpo-matrix-server/palpo-sub005/internal/sqlutil"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/storage/tables"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/types"
)

const eventToFrameSchema = `
CREATE TABLE IF NOT EXISTS roomserver_event_to_frame (
	event_nid BIGINT PRIMARY KEY,
	frame_nid BIGINT NOT NULL
);
`

const insertEventToFrameSQL = `
INSERT INTO roomserver_event_to_frame (event_nid, frame_nid) VALUES ($1, $2)
	ON CONFLICT (event_nid) DO UPDATE SET frame_nid = $2
`

const selectFrameForEventSQL = `
SELECT frame_nid FROM roomserver_event_to_frame WHERE event_nid = $1
`

type eventToFrameStatements struct {
	db                      *sql.DB
	insertEventToFrameStmt  *sql.Stmt
	selectFrameForEventStmt *sql.Stmt
}

func CreateEventToFrameTable(db *sql.DB) error {
	_, err := db.Exec(eventToFrameSchema)
	return err
}

func PrepareEventToFrameTable(db *sql.DB) (tables.EventToFrame, error) {
	s := &eventToFrameStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.insertEventToFrameStmt, insertEventToFrameSQL},
		{&s.selectFrameForEventStmt, selectFrameForEventSQL},
	}.Prepare(db)
}

func (s *eventToFrameStatements) InsertEventToFrame(ctx context.Context, txn *sql.Tx, eventNID types.EventNID, frameID types.FrameID) error {
	_, err := sqlutil.TxStmt(txn, s.insertEventToFrameStmt).ExecContext(ctx, eventNID, frameID)
	return err
}

func (s *eventToFrameStatements) SelectFrameForEvent(ctx context.Context, txn *sql.Tx, eventNID types.EventNID) (types.FrameID, bool, error) {
	var id types.FrameID
	err := sqlutil.TxStmt(txn, s.selectFrameForEventStmt).QueryRowContext(ctx, eventNID).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	return id, err == nil, err
}
