package sqlite3

import (
	"context"
	"database/sql"

	"github.com/palpo-matrix-server/palpo-sub005/internal/sqlutil"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/storage/tables"
)

const edgesSchema = `
CREATE TABLE IF NOT EXISTS roomserver_edges (
	event_id TEXT NOT NULL,
	target_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	PRIMARY KEY (event_id, target_id, kind)
);

CREATE INDEX IF NOT EXISTS idx_edges_event_kind ON roomserver_edges(event_id, kind);
`

const insertEdgeSQL = `
INSERT OR IGNORE INTO roomserver_edges (event_id, target_id, kind) VALUES ($1, $2, $3)
`

const selectEdgesSQL = `
SELECT target_id FROM roomserver_edges WHERE event_id = $1 AND kind = $2
`

type edgesStatements struct {
	db              *sql.DB
	insertEdgeStmt  *sql.Stmt
	selectEdgesStmt *sql.Stmt
}

func CreateEdgesTable(db *sql.DB) error {
	_, err := db.Exec(edgesSchema)
	return err
}

func PrepareEdgesTable(db *sql.DB) (tables.Edges, error) {
	s := &edgesStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.insertEdgeStmt, insertEdgeSQL},
		{&s.selectEdgesStmt, selectEdgesSQL},
	}.Prepare(db)
}

func (s *edgesStatements) InsertEdge(ctx context.Context, txn *sql.Tx, eventID, targetID string, kind tables.EdgeKind) error {
	_, err := sqlutil.TxStmt(txn, s.insertEdgeStmt).ExecContext(ctx, eventID, targetID, string(kind))
	return err
}

func (s *edgesStatements) SelectEdges(ctx context.Context, txn *sql.Tx, eventID string, kind tables.EdgeKind) ([]string, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectEdgesStmt).QueryContext(ctx, eventID, string(kind))
	if err != nil {
		return nil, err
	}
	defer sqlutil.CloseAndLogIfError(ctx, rows, "SelectEdges: rows.close() failed")
	var out []string
	for rows.Next() {
		var target string
		if err := rows.Scan(&target); err != nil {
			return nil, err
		}
		out = append(out, target)
	}
	return out, rows.Err()
}
