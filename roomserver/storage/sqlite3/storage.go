// Package sqlite3 is the SQLite-backed roomserver storage implementation,
// selected for single-process and test deployments.
package sqlite3

import (
	"database/sql"

	// the mattn/go-sqlite3 driver registers itself under "sqlite3"
	_ "github.com/mattn/go-sqlite3"

	"github.com/palpo-matrix-server/palpo-sub005/internal/sqlutil"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/storage/shared"
)

// NewDatabase opens (creating if absent) a SQLite database file at dsn and
// prepares every roomserver table against it.
func NewDatabase(dsn string) (*shared.Database, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite tolerates exactly one writer; cap the pool so database/sql
	// never hands two goroutines concurrent write connections.
	db.SetMaxOpenConns(1)

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
		Writer:          sqlutil.NewExclusiveWriter(),
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
