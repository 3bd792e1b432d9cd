// Package txnmemo implements the transaction idempotency memo: remembering
// the outcome of a (scope, transaction ID) pair so a retried submission
// returns the original result instead of reprocessing the event.
package txnmemo

import (
	"context"
	"database/sql"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/palpo-matrix-server/palpo-sub005/internal/sqlutil"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/storage/tables"
)

// DefaultTTL bounds how long an in-memory hit is trusted before falling
// back to the durable table.
const DefaultTTL = 5 * time.Minute

// Entry is a remembered transaction outcome.
type Entry struct {
	EventID string
	Result  string
}

// Memo fronts the durable transaction table with an in-process go-cache,
// so a client retrying within the same process avoids a database round
// trip entirely.
type Memo struct {
	hot    *gocache.Cache
	table  tables.TransactionMemo
	db     *sql.DB
	writer sqlutil.Writer
}

func New(db *sql.DB, table tables.TransactionMemo, writer sqlutil.Writer) *Memo {
	return &Memo{
		hot:    gocache.New(DefaultTTL, DefaultTTL*2),
		table:  table,
		db:     db,
		writer: writer,
	}
}

func key(scope, txnID string) string { return scope + "\x00" + txnID }

// Recall returns a previously remembered outcome for (scope, txnID), or
// ok=false if this is the first time it's been seen.
func (m *Memo) Recall(ctx context.Context, scope, txnID string) (Entry, bool, error) {
	if v, ok := m.hot.Get(key(scope, txnID)); ok {
		return v.(Entry), true, nil
	}
	eventID, result, ok, err := m.table.SelectTransaction(ctx, nil, scope, txnID)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	entry := Entry{EventID: eventID, Result: result}
	m.hot.Set(key(scope, txnID), entry, gocache.DefaultExpiration)
	return entry, true, nil
}

// Remember persists the outcome of (scope, txnID) for future Recall calls,
// in both the hot cache and the durable table.
func (m *Memo) Remember(ctx context.Context, scope, txnID string, entry Entry) error {
	m.hot.Set(key(scope, txnID), entry, gocache.DefaultExpiration)
	return m.writer.Do(m.db, nil, func(txn *sql.Tx) error {
		return m.table.InsertTransaction(ctx, txn, scope, txnID, entry.EventID, entry.Result)
	})
}
