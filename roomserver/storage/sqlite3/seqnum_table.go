package sqlite3

import (
	"context"
	"database/sql"

	"github.com/palpo-matrix-server/palpo-sub005/internal/sqlutil"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/storage/tables"
)

// The server-wide durable sequence counter. cmd/palpo advances it once at
// startup and seeds internal/seqnum's in-memory allocator from the result;
// the allocator's own values are not written back here.
const seqNumSchema = `
CREATE TABLE IF NOT EXISTS roomserver_seqnum (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	value INTEGER NOT NULL DEFAULT 0
);
INSERT OR IGNORE INTO roomserver_seqnum (id, value) VALUES (1, 0);
`

// SQLite's bundled engine predates RETURNING support in some builds, so
// this increments and reads back in two statements rather than relying on
// it (the enclosing Writer serializes the pair).
const incrementSeqNumSQL = `
UPDATE roomserver_seqnum SET value = value + 1 WHERE id = 1
`

const selectSeqNumValueSQL = `
SELECT value FROM roomserver_seqnum WHERE id = 1
`

type seqNumStatements struct {
	db                  *sql.DB
	incrementSeqNumStmt *sql.Stmt
	selectSeqNumValueStmt *sql.Stmt
}

func CreateSeqNumTable(db *sql.DB) error {
	_, err := db.Exec(seqNumSchema)
	return err
}

func PrepareSeqNumTable(db *sql.DB) (tables.SeqNum, error) {
	s := &seqNumStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.incrementSeqNumStmt, incrementSeqNumSQL},
		{&s.selectSeqNumValueStmt, selectSeqNumValueSQL},
	}.Prepare(db)
}

func (s *seqNumStatements) NextSeqNum(ctx context.Context, txn *sql.Tx) (int64, error) {
	if _, err := sqlutil.TxStmt(txn, s.incrementSeqNumStmt).ExecContext(ctx); err != nil {
		return 0, err
	}
	var v int64
	err := sqlutil.TxStmt(txn, s.selectSeqNumValueStmt).QueryRowContext(ctx).Scan(&v)
	return v, err
}
