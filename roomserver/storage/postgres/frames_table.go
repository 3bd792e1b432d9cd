package postgres

import (
	"context"
	"database/sql"

	"github.com/palpo-matrix-server/palpo-sub005/internal/sqlutil"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/storage/tables"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/types"
)

const framesSchema = `
CREATE TABLE IF NOT EXISTS roomserver_frames (
	frame_nid BIGSERIAL PRIMARY KEY,
	room_nid BIGINT NOT NULL,
	content_hash BYTEA NOT NULL,
	parent_frame_nid BIGINT NOT NULL DEFAULT 0,
	appended JSONB NOT NULL,
	disposed JSONB NOT NULL,
	UNIQUE (room_nid, content_hash)
);
`

const insertFrameSQL = `
INSERT INTO roomserver_frames (room_nid, content_hash, parent_frame_nid, appended, disposed)
	VALUES ($1, $2, $3, $4, $5) RETURNING frame_nid
`

const selectFrameByHashSQL = `
SELECT frame_nid FROM roomserver_frames WHERE room_nid = $1 AND content_hash = $2
`

const selectFrameSQL = `
SELECT parent_frame_nid, appended, disposed FROM roomserver_frames WHERE frame_nid = $1
`

type framesStatements struct {
	db                    *sql.DB
	insertFrameStmt       *sql.Stmt
	selectFrameByHashStmt *sql.Stmt
	selectFrameStmt       *sql.Stmt
}

func CreateFramesTable(db *sql.DB) error {
	_, err := db.Exec(framesSchema)
	return err
}

func PrepareFramesTable(db *sql.DB) (tables.Frames, error) {
	s := &framesStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.insertFrameStmt, insertFrameSQL},
		{&s.selectFrameByHashStmt, selectFrameByHashSQL},
		{&s.selectFrameStmt, selectFrameSQL},
	}.Prepare(db)
}

func (s *framesStatements) InsertFrame(
	ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, hash []byte, parentID types.FrameID,
	appended, disposed []types.CompressedBinding,
) (types.FrameID, error) {
	a, err := encodeBindings(appended)
	if err != nil {
		return 0, err
	}
	d, err := encodeBindings(disposed)
	if err != nil {
		return 0, err
	}
	var id types.FrameID
	err = sqlutil.TxStmt(txn, s.insertFrameStmt).QueryRowContext(ctx, roomNID, hash, parentID, a, d).Scan(&id)
	return id, err
}

func (s *framesStatements) SelectFrameByHash(ctx context.Context, txn *sql.Tx, roomNID types.RoomNID, hash []byte) (types.FrameID, bool, error) {
	var id types.FrameID
	err := sqlutil.TxStmt(txn, s.selectFrameByHashStmt).QueryRowContext(ctx, roomNID, hash).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	return id, err == nil, err
}

func (s *framesStatements) SelectFrame(ctx context.Context, txn *sql.Tx, frameID types.FrameID) (types.FrameID, bool, []types.CompressedBinding, []types.CompressedBinding, error) {
	var parentID types.FrameID
	var aRaw, dRaw []byte
	err := sqlutil.TxStmt(txn, s.selectFrameStmt).QueryRowContext(ctx, frameID).Scan(&parentID, &aRaw, &dRaw)
	if err != nil {
		return 0, false, nil, nil, err
	}
	appended, err := decodeBindings(aRaw)
	if err != nil {
		return 0, false, nil, nil, err
	}
	disposed, err := decodeBindings(dRaw)
	if err != nil {
		return 0, false, nil, nil, err
	}
	return parentID, parentID != 0, appended, disposed, nil
}

func (s *framesStatements) SelectFrameDepth(ctx context.Context, txn *sql.Tx, frameID types.FrameID) (int, error) {
	depth := 0
	current := frameID
	for current != 0 {
		parentID, hasParent, _, _, err := s.SelectFrame(ctx, txn, current)
		if err != nil {
			return depth, err
		}
		if !hasParent {
			break
		}
		depth++
		current = parentID
	}
	return depth, nil
}
