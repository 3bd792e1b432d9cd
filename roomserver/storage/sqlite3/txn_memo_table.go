package sqlite3

import (
	"context"
	"database/sql"

	"github.com/palpo-matrix-server/palpo-sub005/internal/sqlutil"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/storage/tables"
)

const txnMemoSchema = `
CREATE TABLE IF NOT EXISTS roomserver_transaction_memo (
	scope TEXT NOT NULL,
	txn_id TEXT NOT NULL,
	event_id TEXT NOT NULL,
	result TEXT NOT NULL,
	PRIMARY KEY (scope, txn_id)
);
`

const insertTransactionSQL = `
INSERT OR REPLACE INTO roomserver_transaction_memo (scope, txn_id, event_id, result) VALUES ($1, $2, $3, $4)
`

const selectTransactionSQL = `
SELECT event_id, result FROM roomserver_transaction_memo WHERE scope = $1 AND txn_id = $2
`

type txnMemoStatements struct {
	db                    *sql.DB
	insertTransactionStmt *sql.Stmt
	selectTransactionStmt *sql.Stmt
}

func CreateTransactionMemoTable(db *sql.DB) error {
	_, err := db.Exec(txnMemoSchema)
	return err
}

func PrepareTransactionMemoTable(db *sql.DB) (tables.TransactionMemo, error) {
	s := &txnMemoStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.insertTransactionStmt, insertTransactionSQL},
		{&s.selectTransactionStmt, selectTransactionSQL},
	}.Prepare(db)
}

func (s *txnMemoStatements) InsertTransaction(ctx context.Context, txn *sql.Tx, scope, txnID, eventID, result string) error {
	_, err := sqlutil.TxStmt(txn, s.insertTransactionStmt).ExecContext(ctx, scope, txnID, eventID, result)
	return err
}

func (s *txnMemoStatements) SelectTransaction(ctx context.Context, txn *sql.Tx, scope, txnID string) (string, string, bool, error) {
	var eventID, result string
	err := sqlutil.TxStmt(txn, s.selectTransactionStmt).QueryRowContext(ctx, scope, txnID).Scan(&eventID, &result)
	if err == sql.ErrNoRows {
		return "", "", false, nil
	}
	return eventID, result, err == nil, err
}
