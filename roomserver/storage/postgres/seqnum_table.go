package postgres

import (
	"context"
	"database/sql"

	"github.com/palpo-matrix-server/palpo-sub005/internal/sqlutil"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/storage/tables"
)

const seqNumSchema = `
CREATE SEQUENCE IF NOT EXISTS roomserver_global_seqnum_seq;
`

const nextSeqNumSQL = `
SELECT nextval('roomserver_global_seqnum_seq')
`

type seqNumStatements struct {
	db             *sql.DB
	nextSeqNumStmt *sql.Stmt
}

func CreateSeqNumTable(db *sql.DB) error {
	_, err := db.Exec(seqNumSchema)
	return err
}

func PrepareSeqNumTable(db *sql.DB) (tables.SeqNum, error) {
	s := &seqNumStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.nextSeqNumStmt, nextSeqNumSQL},
	}.Prepare(db)
}

func (s *seqNumStatements) NextSeqNum(ctx context.Context, txn *sql.Tx) (int64, error) {
	var v int64
	err := sqlutil.TxStmt(txn, s.nextSeqNumStmt).QueryRowContext(ctx).Scan(&v)
	return v, err
}
