// Package postgres is the PostgreSQL-backed roomserver storage
// implementation, the deployment target for multi-instance clusters.
package postgres

import (
	"database/sql"

	// the lib/pq driver registers itself under "postgres"
	_ "github.com/lib/pq"

	"github.com/palpo-matrix-server/palpo-sub005/internal/sqlutil"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/storage/shared"
)

// NewDatabase opens a postgres connection and prepares every roomserver
// table against it.
func NewDatabase(dataSourceName string) (*shared.Database, error) {
	db, err := sql.Open("postgres", dataSourceName)
	if err != nil {
		return nil, err
	}

	for _, create := range []func(*sql.DB) error{
		CreateRoomsTable, CreateFramesTable, CreateEventToFrameTable,
		CreateAuthChainsTable, CreateEventsTable, CreateEdgesTable,
		CreateTransactionMemoTable, CreateStateFieldsTable, CreateSeqNumTable,
	} {
		if err := create(db); err != nil {
			return nil, err
		}
	}

	rooms, err := PrepareRoomsTable(db)
	if err != nil {
		return nil, err
	}
	frames, err := PrepareFramesTable(db)
	if err != nil {
		return nil, err
	}
	eventToFrame, err := PrepareEventToFrameTable(db)
	if err != nil {
		return nil, err
	}
	authChains, err := PrepareAuthChainsTable(db)
	if err != nil {
		return nil, err
	}
	events, err := PrepareEventsTable(db)
	if err != nil {
		return nil, err
	}
	edges, err := PrepareEdgesTable(db)
	if err != nil {
		return nil, err
	}
	txnMemo, err := PrepareTransactionMemoTable(db)
	if err != nil {
		return nil, err
	}
	stateFields, err := PrepareStateFieldsTable(db)
	if err != nil {
		return nil, err
	}
	seqNums, err := PrepareSeqNumTable(db)
	if err != nil {
		return nil, err
	}

	return &shared.Database{
		DB:              db,
		Writer:          sqlutil.NewDummyWriter(),
		Rooms:           rooms,
		Frames:          frames,
		EventToFrame:    eventToFrame,
		AuthChains:      authChains,
		Events:          events,
		Edges:           edges,
		TransactionMemo: txnMemo,
		StateFields:     stateFields,
		SeqNums:         seqNums,
	}, nil
}
