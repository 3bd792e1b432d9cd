package postgres

import (
	"context"
	"database/sql"

	"github.com/palpo-matrix-server/palpo-sub005/internal/sqlutil"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/storage/tables"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/types"
)

const authChainsSchema = `
CREATE TABLE IF NOT EXISTS roomserver_auth_chains (
	event_nid BIGINT PRIMARY KEY,
	chain JSONB NOT NULL
);
`

const insertAuthChainSQL = `
INSERT INTO roomserver_auth_chains (event_nid, chain) VALUES ($1, $2)
	ON CONFLICT (event_nid) DO UPDATE SET chain = $2
`

const selectAuthChainSQL = `
SELECT chain FROM roomserver_auth_chains WHERE event_nid = $1
`

type authChainsStatements struct {
	db                  *sql.DB
	insertAuthChainStmt *sql.Stmt
	selectAuthChainStmt *sql.Stmt
}

func CreateAuthChainsTable(db *sql.DB) error {
	_, err := db.Exec(authChainsSchema)
	return err
}

func PrepareAuthChainsTable(db *sql.DB) (tables.AuthChains, error) {
	s := &authChainsStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.insertAuthChainStmt, insertAuthChainSQL},
		{&s.selectAuthChainStmt, selectAuthChainSQL},
	}.Prepare(db)
}

func (s *authChainsStatements) InsertAuthChain(ctx context.Context, txn *sql.Tx, eventNID types.EventNID, chain []types.EventPointID) error {
	raw, err := encodeEventPointIDs(chain)
	if err != nil {
		return err
	}
	_, err = sqlutil.TxStmt(txn, s.insertAuthChainStmt).ExecContext(ctx, eventNID, raw)
	return err
}

func (s *authChainsStatements) SelectAuthChain(ctx context.Context, txn *sql.Tx, eventNID types.EventNID) ([]types.EventPointID, bool, error) {
	var raw []byte
	err := sqlutil.TxStmt(txn, s.selectAuthChainStmt).QueryRowContext(ctx, eventNID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	chain, err := decodeEventPointIDs(raw)
	return chain, true, err
}
