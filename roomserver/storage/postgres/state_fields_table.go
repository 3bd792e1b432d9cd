package postgres

import (
	"context"
	"database/sql"

	"github.com/palpo-matrix-server/palpo-sub005/internal/sqlutil"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/storage/tables"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/types"
)

const stateFieldsSchema = `
CREATE TABLE IF NOT EXISTS roomserver_state_fields (
	field_id BIGSERIAL PRIMARY KEY,
	event_type TEXT NOT NULL,
	state_key TEXT NOT NULL,
	UNIQUE (event_type, state_key)
);
`

const insertStateFieldSQL = `
INSERT INTO roomserver_state_fields (event_type, state_key) VALUES ($1, $2)
	ON CONFLICT (event_type, state_key) DO NOTHING
`

const selectStateFieldIDSQL = `
SELECT field_id FROM roomserver_state_fields WHERE event_type = $1 AND state_key = $2
`

const selectStateFieldSQL = `
SELECT event_type, state_key FROM roomserver_state_fields WHERE field_id = $1
`

type stateFieldsStatements struct {
	db                     *sql.DB
	insertStateFieldStmt   *sql.Stmt
	selectStateFieldIDStmt *sql.Stmt
	selectStateFieldStmt   *sql.Stmt
}

func CreateStateFieldsTable(db *sql.DB) error {
	_, err := db.Exec(stateFieldsSchema)
	return err
}

func PrepareStateFieldsTable(db *sql.DB) (tables.StateFieldIDs, error) {
	s := &stateFieldsStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.insertStateFieldStmt, insertStateFieldSQL},
		{&s.selectStateFieldIDStmt, selectStateFieldIDSQL},
		{&s.selectStateFieldStmt, selectStateFieldSQL},
	}.Prepare(db)
}

func (s *stateFieldsStatements) EnsureStateFieldID(ctx context.Context, txn *sql.Tx, eventType, stateKey string) (types.StateFieldID, error) {
	if _, err := sqlutil.TxStmt(txn, s.insertStateFieldStmt).ExecContext(ctx, eventType, stateKey); err != nil {
		return 0, err
	}
	var id types.StateFieldID
	err := sqlutil.TxStmt(txn, s.selectStateFieldIDStmt).QueryRowContext(ctx, eventType, stateKey).Scan(&id)
	return id, err
}

func (s *stateFieldsStatements) SelectStateField(ctx context.Context, txn *sql.Tx, id types.StateFieldID) (string, string, error) {
	var eventType, stateKey string
	err := sqlutil.TxStmt(txn, s.selectStateFieldStmt).QueryRowContext(ctx, id).Scan(&eventType, &stateKey)
	return eventType, stateKey, err
}
