// Package authchain computes and caches each event's transitive auth
// closure: the union of its auth_events and, recursively, the auth_events
// of those events. The closure is what state resolution v2
// (roomserver/state) consults to build the "full conflicted set" and to
// break power-event ordering cycles.
package authchain

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/palpo-matrix-server/palpo-sub005/internal/caching"
	"github.com/palpo-matrix-server/palpo-sub005/internal/sqlutil"
	"github.com/palpo-matrix-server/palpo-sub005/pkg/spec"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/event"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/storage/tables"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/types"
)

// Resolver maps between an event's Matrix ID and the dense EventPointID
// the persisted chain table stores — an event's own NID reused as its
// auth-chain point identifier, since both are per-event and assigned at
// first persistence.
type Resolver interface {
	PointFor(id spec.EventID) (types.EventPointID, error)
	EventFor(point types.EventPointID) (spec.EventID, error)
}

// EventStore resolves an event ID to its parsed PDU, shared with the state
// package's resolver interface.
type EventStore interface {
	Event(id spec.EventID) (*event.PDU, error)
}

// Index computes and persists auth-chain closures, with a fast in-memory
// cache in front of the durable table.
type Index struct {
	events   EventStore
	resolver Resolver
	chains   tables.AuthChains
	db       *sql.DB
	writer   sqlutil.Writer
	cache    *caching.RistrettoCachePartition[string, []int64]
}

func New(events EventStore, resolver Resolver, chains tables.AuthChains, db *sql.DB, writer sqlutil.Writer, cache *caching.RistrettoCachePartition[string, []int64]) *Index {
	return &Index{events: events, resolver: resolver, chains: chains, db: db, writer: writer, cache: cache}
}

// ChainOf returns id's full transitive auth closure as a set, computing
// and persisting it via BFS over auth_events if not already cached or
// stored. id itself is not included in its own chain.
//
// State resolution (roomserver/state) may call this for an event that has
// no EventNID yet because it has not been persisted to the timeline. In
// that case the chain is computed fresh over the event's already-known,
// already-persisted auth_events and returned without caching: there is
// nothing to index the cache entry under until the event itself is
// persisted and ChainOf is called again.
func (idx *Index) ChainOf(id spec.EventID) (map[spec.EventID]struct{}, error) {
	ctx := context.Background()

	if idx.cache != nil {
		if cached, ok := idx.cache.Get(string(id)); ok {
			return idx.pointsToSet(cached)
		}
	}

	point, err := idx.resolver.PointFor(id)
	if err != nil {
		return idx.computeBFS(id)
	}
	if stored, ok, err := idx.chains.SelectAuthChain(ctx, nil, types.EventNID(point)); err != nil {
		return nil, err
	} else if ok {
		idx.cacheSet(id, stored)
		return idx.pointsToSet(toInt64Slice(stored))
	}

	chain, err := idx.computeBFS(id)
	if err != nil {
		return nil, err
	}

	pointChain := make([]types.EventPointID, 0, len(chain))
	for member := range chain {
		p, err := idx.resolver.PointFor(member)
		if err != nil {
			continue
		}
		pointChain = append(pointChain, p)
	}

	if err := idx.writer.Do(idx.db, nil, func(txn *sql.Tx) error {
		return idx.chains.InsertAuthChain(ctx, txn, types.EventNID(point), pointChain)
	}); err != nil {
		return nil, fmt.Errorf("authchain: persist chain for %s: %w", id, err)
	}
	idx.cacheSet(id, pointChain)

	return chain, nil
}

// computeBFS walks auth_events outward from id, following every newly
// discovered event's own auth_events until the frontier is exhausted.
func (idx *Index) computeBFS(id spec.EventID) (map[spec.EventID]struct{}, error) {
	visited := map[spec.EventID]struct{}{}
	queue := []spec.EventID{id}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		ev, err := idx.events.Event(current)
		if err != nil {
			delete(visited, current) // unresolvable ancestor: excluded from the chain, not a hard error
			continue
		}
		for _, authID := range ev.AuthEvents() {
			aid := spec.EventID(authID)
			if _, seen := visited[aid]; seen {
				continue
			}
			visited[aid] = struct{}{}
			queue = append(queue, aid)
		}
	}
	return visited, nil
}

func (idx *Index) cacheSet(id spec.EventID, points []types.EventPointID) {
	if idx.cache == nil {
		return
	}
	idx.cache.Set(string(id), toInt64Slice(points))
}

func (idx *Index) pointsToSet(points []int64) (map[spec.EventID]struct{}, error) {
	out := make(map[spec.EventID]struct{}, len(points))
	for _, p := range points {
		id, err := idx.resolver.EventFor(types.EventPointID(p))
		if err != nil {
			continue
		}
		out[id] = struct{}{}
	}
	return out, nil
}

func toInt64Slice(points []types.EventPointID) []int64 {
	out := make([]int64, len(points))
	for i, p := range points {
		out[i] = int64(p)
	}
	return out
}

// Diff returns the events present in a but not in b, a standalone helper
// for the auth-difference computation used by callers outside the state
// package.
func Diff(a, b map[spec.EventID]struct{}) map[spec.EventID]struct{} {
	out := map[spec.EventID]struct{}{}
	for id := range a {
		if _, ok := b[id]; !ok {
			out[id] = struct{}{}
		}
	}
	return out
}
