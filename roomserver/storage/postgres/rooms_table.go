package postgres

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/palpo-matrix-server/palpo-sub005/internal/sqlutil"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/storage/tables"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/types"
)

const roomsSchema = `
CREATE TABLE IF NOT EXISTS roomserver_rooms (
	room_nid BIGSERIAL PRIMARY KEY,
	room_id TEXT NOT NULL UNIQUE,
	room_version TEXT NOT NULL,
	current_frame_nid BIGINT NOT NULL DEFAULT 0,
	forward_extremities TEXT[] NOT NULL DEFAULT '{}'
);
`

const insertRoomSQL = `
INSERT INTO roomserver_rooms (room_id, room_version) VALUES ($1, $2) RETURNING room_nid
`

const selectRoomNIDSQL = `
SELECT room_nid FROM roomserver_rooms WHERE room_id = $1
`

const selectRoomVersionSQL = `
SELECT room_version FROM roomserver_rooms WHERE room_nid = $1
`

const updateCurrentFrameSQL = `
UPDATE roomserver_rooms SET current_frame_nid = $2 WHERE room_nid = $1
`

const selectCurrentFrameSQL = `
SELECT current_frame_nid FROM roomserver_rooms WHERE room_nid = $1
`

const updateForwardExtremitiesSQL = `
UPDATE roomserver_rooms SET forward_extremities = $2 WHERE room_nid = $1
`

const selectForwardExtremitiesSQL = `
SELECT forward_extremities FROM roomserver_rooms WHERE room_nid = $1
`

type roomsStatements struct {
	db                           *sql.DB
	insertRoomStmt               *sql.Stmt
	selectRoomNIDStmt            *sql.Stmt
	selectRoomVersionStmt        *sql.Stmt
	updateCurrentFrameStmt       *sql.Stmt
	selectCurrentFrameStmt       *sql.Stmt
	updateForwardExtremitiesStmt *sql.Stmt
	selectForwardExtremitiesStmt *sql.Stmt
}

func CreateRoomsTable(db *sql.DB) error {
	_, err := db.Exec(roomsSchema)
	return err
}

func PrepareRoomsTable(db *sql.DB) (tables.Rooms, error) {
	s := &roomsStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.insertRoomStmt, insertRoomSQL},
		{&s.selectRoomNIDStmt, selectRoomNIDSQL},
		{&s.selectRoomVersionStmt, selectRoomVersionSQL},
		{&s.updateCurrentFrameStmt, updateCurrentFrameSQL},
		{&s.selectCurrentFrameStmt, selectCurrentFrameSQL},
		{&s.updateForwardExtremitiesStmt, updateForwardExtremitiesSQL},
		{&s.selectForwardExtremitiesStmt, selectForwardExtremitiesSQL},
	}.Prepare(db)
}

func (s *roomsStatements) InsertRoom(ctx context.Context, txn *sql.Tx, roomID string, version string) (types.RoomNID, error) {
	var nid types.RoomNID
	err := sqlutil.TxStmt(txn, s.insertRoomStmt).QueryRowContext(ctx, roomID, version).Scan(&nid)
	return nid, err
}

func (s *roomsStatements) SelectRoomNID(ctx context.Context, txn *sql.Tx, roomID string) (types.RoomNID, bool, error) {
	var nid types.RoomNID
	err := sqlutil.TxStmt(txn, s.selectRoomNIDStmt).QueryRowContext(ctx, roomID).Scan(&nid)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	return nid, err == nil, err
}

func (s *roomsStatements) SelectRoomVersion(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID) (string, error) {
	var v string
	err := sqlutil.TxStmt(txn, s.selectRoomVersionStmt).QueryRowContext(ctx, roomNID).Scan(&v)
	return v, err
}

func (s *roomsStatements) UpdateCurrentFrame(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, frameID types.FrameID) error {
	_, err := sqlutil.TxStmt(txn, s.updateCurrentFrameStmt).ExecContext(ctx, roomNID, frameID)
	return err
}

func (s *roomsStatements) SelectCurrentFrame(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID) (types.FrameID, bool, error) {
	var id types.FrameID
	err := sqlutil.TxStmt(txn, s.selectCurrentFrameStmt).QueryRowContext(ctx, roomNID).Scan(&id)
	if err == sql.ErrNoRows || (err == nil && id == 0) {
		return 0, false, nil
	}
	return id, err == nil, err
}

func (s *roomsStatements) UpdateForwardExtremities(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, extremities []string) error {
	_, err := sqlutil.TxStmt(txn, s.updateForwardExtremitiesStmt).ExecContext(ctx, roomNID, pq.Array(extremities))
	return err
}

func (s *roomsStatements) SelectForwardExtremities(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID) ([]string, error) {
	var extremities []string
	err := sqlutil.TxStmt(txn, s.selectForwardExtremitiesStmt).QueryRowContext(ctx, roomNID).Scan(pq.Array(&extremities))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return extremities, err
}
