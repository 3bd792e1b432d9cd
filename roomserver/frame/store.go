// Package frame implements the state frame store: an immutable,
// content-addressed delta chain representing a room's state at a point in
// the DAG, plus the compaction policy that keeps long delta chains from
// growing unbounded.
package frame

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/palpo-matrix-server/palpo-sub005/internal/caching"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/event"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/storage/shared"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/types"
)

// DefaultCompactionDepth is the delta-chain depth at which materialize is
// considered expensive enough to warrant collapsing the chain into a
// single root frame.
const DefaultCompactionDepth = 100

// Store wraps the persisted frame table with the interning and content
// hashing every write needs, and a materialized-state cache in front of
// the (potentially long) delta-chain walk.
type Store struct {
	db               *shared.Database
	cache            *caching.RistrettoCachePartition[int64, map[string]string]
	compactionDepth  int
}

func New(db *shared.Database, cache *caching.RistrettoCachePartition[int64, map[string]string]) *Store {
	return &Store{db: db, cache: cache, compactionDepth: DefaultCompactionDepth}
}

// SetCompactionDepth overrides DefaultCompactionDepth, letting an operator
// trade more frequent compaction for cheaper materialization on rooms with
// unusually deep, bursty delta chains.
func (s *Store) SetCompactionDepth(depth int) {
	s.compactionDepth = depth
}

// binding pairs a state key with the event that currently resolves it, the
// string-keyed form callers of this package work with before interning.
type Binding struct {
	Type     string
	StateKey string
	EventID  string
}

// EnsureFrame interns appended/disposed against parent's delta and returns
// the resulting frame, content-addressed within the room so two branches of
// the same room with byte-identical bindings converge on the same frame
// row. Frames are never shared between rooms.
func (s *Store) EnsureFrame(ctx context.Context, roomNID types.RoomNID, parentID types.FrameID, appended, disposed []Binding) (types.FrameID, error) {
	appendedBindings, err := s.internBindings(ctx, appended)
	if err != nil {
		return 0, err
	}
	disposedBindings, err := s.internBindings(ctx, disposed)
	if err != nil {
		return 0, err
	}
	full, err := s.fullBindingSet(ctx, parentID, appendedBindings, disposedBindings)
	if err != nil {
		return 0, err
	}
	hash := contentHash(full)
	return s.db.EnsureFrame(ctx, roomNID, hash, parentID, appendedBindings, disposedBindings)
}

// BindEventToFrame records that eventNID's state-before is frameID, via
// the same content-addressed EnsureFrame path.
func (s *Store) BindEventToFrame(ctx context.Context, roomNID types.RoomNID, eventNID types.EventNID, parentID types.FrameID, appended, disposed []Binding) (types.FrameID, error) {
	appendedBindings, err := s.internBindings(ctx, appended)
	if err != nil {
		return 0, err
	}
	disposedBindings, err := s.internBindings(ctx, disposed)
	if err != nil {
		return 0, err
	}
	full, err := s.fullBindingSet(ctx, parentID, appendedBindings, disposedBindings)
	if err != nil {
		return 0, err
	}
	hash := contentHash(full)
	frameID, err := s.db.BindEventToFrame(ctx, roomNID, eventNID, hash, parentID, appendedBindings, disposedBindings)
	if err != nil {
		return 0, err
	}
	if depth, derr := s.db.Frames.SelectFrameDepth(ctx, nil, frameID); derr == nil && depth >= s.compactionDepth {
		if compacted, cerr := s.Compact(ctx, roomNID, frameID); cerr == nil {
			return compacted, nil
		}
		// Compaction failing is not fatal: the uncompacted frame is still
		// a valid, if deeper, representation of the same state.
	}
	return frameID, nil
}

// Materialize walks frameID's delta chain back to its root, applying each
// ancestor's appended/disposed bindings in order, and returns the full
// state as (type, state_key) -> event_id.
func (s *Store) Materialize(ctx context.Context, frameID types.FrameID) (map[event.StateKeyTuple]string, error) {
	if s.cache != nil {
		if cached, ok := s.cache.Get(int64(frameID)); ok {
			return decodeStateMap(cached), nil
		}
	}

	state, err := s.materializeCompressed(ctx, frameID)
	if err != nil {
		return nil, err
	}

	out, err := s.externalizeState(ctx, state)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Set(int64(frameID), encodeStateMap(out))
	}
	return out, nil
}

// materializeCompressed walks frameID's delta chain back to its root,
// applying each ancestor's appended/disposed bindings in order, and
// returns the full state still interned as (state field, event point) ids.
// It is the shared basis for both Materialize and content addressing a
// prospective new frame, which needs the full state before the frame row
// exists to look up in the cache Materialize uses.
func (s *Store) materializeCompressed(ctx context.Context, frameID types.FrameID) (map[types.StateFieldID]types.EventPointID, error) {
	var chain []types.FrameID
	current := frameID
	for current != 0 {
		chain = append(chain, current)
		parentID, hasParent, _, _, err := s.db.Frames.SelectFrame(ctx, nil, current)
		if err != nil {
			return nil, fmt.Errorf("frame: materialize %d: %w", frameID, err)
		}
		if !hasParent {
			break
		}
		current = parentID
	}

	state := map[types.StateFieldID]types.EventPointID{}
	for i := len(chain) - 1; i >= 0; i-- {
		_, _, appended, disposed, err := s.db.Frames.SelectFrame(ctx, nil, chain[i])
		if err != nil {
			return nil, err
		}
		for _, d := range disposed {
			delete(state, d.StateFieldID)
		}
		for _, a := range appended {
			state[a.StateFieldID] = a.EventPointID
		}
	}
	return state, nil
}

// fullBindingSet applies appended/disposed to parentID's materialized state
// and returns the complete resulting binding set. Frame identity is hashed
// from this full set rather than from the delta that produced it, so that
// two delta chains with different parents that happen to converge on the
// same state still share one frame row.
func (s *Store) fullBindingSet(ctx context.Context, parentID types.FrameID, appended, disposed []types.CompressedBinding) ([]types.CompressedBinding, error) {
	state, err := s.materializeCompressed(ctx, parentID)
	if err != nil {
		return nil, err
	}
	for _, d := range disposed {
		delete(state, d.StateFieldID)
	}
	for _, a := range appended {
		state[a.StateFieldID] = a.EventPointID
	}
	out := make([]types.CompressedBinding, 0, len(state))
	for fieldID, pointID := range state {
		out = append(out, types.CompressedBinding{StateFieldID: fieldID, EventPointID: pointID})
	}
	return out, nil
}

// Delta returns the appended/disposed bindings between fromFrame and
// toFrame's materialized states, without re-walking the full chain twice:
// it diffs the two materialized maps directly.
func (s *Store) Delta(ctx context.Context, fromFrame, toFrame types.FrameID) (appended, disposed []Binding, err error) {
	from, err := s.Materialize(ctx, fromFrame)
	if err != nil {
		return nil, nil, err
	}
	to, err := s.Materialize(ctx, toFrame)
	if err != nil {
		return nil, nil, err
	}
	for k, v := range to {
		if old, ok := from[k]; !ok || old != v {
			appended = append(appended, Binding{Type: k.Type, StateKey: k.StateKey, EventID: v})
		}
	}
	for k := range from {
		if _, ok := to[k]; !ok {
			disposed = append(disposed, Binding{Type: k.Type, StateKey: k.StateKey})
		}
	}
	return appended, disposed, nil
}

// Compact collapses frameID's full delta chain into a single root frame
// with no parent, re-binding the same content so later materialization
// from this point is O(1) rather than O(chain depth).
func (s *Store) Compact(ctx context.Context, roomNID types.RoomNID, frameID types.FrameID) (types.FrameID, error) {
	state, err := s.Materialize(ctx, frameID)
	if err != nil {
		return 0, err
	}
	bindings := make([]Binding, 0, len(state))
	for k, eventID := range state {
		bindings = append(bindings, Binding{Type: k.Type, StateKey: k.StateKey, EventID: eventID})
	}
	compressed, err := s.internBindings(ctx, bindings)
	if err != nil {
		return 0, err
	}
	hash := contentHash(compressed)
	return s.db.EnsureFrame(ctx, roomNID, hash, 0, compressed, nil)
}

func (s *Store) internBindings(ctx context.Context, bindings []Binding) ([]types.CompressedBinding, error) {
	out := make([]types.CompressedBinding, 0, len(bindings))
	for _, b := range bindings {
		fieldID, err := s.db.StateFields.EnsureStateFieldID(ctx, nil, b.Type, b.StateKey)
		if err != nil {
			return nil, err
		}
		var pointID types.EventPointID
		if b.EventID != "" {
			nid, ok, err := s.db.Events.SelectEventNID(ctx, nil, b.EventID)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, fmt.Errorf("frame: unknown event %s in binding", b.EventID)
			}
			pointID = types.EventPointID(nid)
		}
		out = append(out, types.CompressedBinding{StateFieldID: fieldID, EventPointID: pointID})
	}
	return out, nil
}

func (s *Store) externalizeState(ctx context.Context, state map[types.StateFieldID]types.EventPointID) (map[event.StateKeyTuple]string, error) {
	out := make(map[event.StateKeyTuple]string, len(state))
	for fieldID, pointID := range state {
		eventType, stateKey, err := s.db.StateFields.SelectStateField(ctx, nil, fieldID)
		if err != nil {
			return nil, err
		}
		eventID, ok, err := s.db.Events.SelectEventIDByNID(ctx, nil, types.EventNID(pointID))
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out[event.StateKeyTuple{Type: eventType, StateKey: stateKey}] = eventID
	}
	return out, nil
}

// contentHash derives a frame's identity from its full sorted binding set,
// not the parent/delta pair that produced it, so two delta chains that
// materialize to the same state always converge on one frame row
// regardless of how they got there.
func contentHash(full []types.CompressedBinding) []byte {
	sortBindings(full)

	h := sha256.New()
	var buf [8]byte
	for _, b := range full {
		binary.BigEndian.PutUint64(buf[:], uint64(b.StateFieldID))
		h.Write(buf[:])
		binary.BigEndian.PutUint64(buf[:], uint64(b.EventPointID))
		h.Write(buf[:])
	}
	return h.Sum(nil)
}

func sortBindings(bindings []types.CompressedBinding) {
	sort.Slice(bindings, func(i, j int) bool {
		if bindings[i].StateFieldID != bindings[j].StateFieldID {
			return bindings[i].StateFieldID < bindings[j].StateFieldID
		}
		return bindings[i].EventPointID < bindings[j].EventPointID
	})
}
