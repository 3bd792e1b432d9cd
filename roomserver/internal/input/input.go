// Package input implements the PDU ingestion pipeline: the eleven-stage
// validate/authorize/commit sequence that is this component's single write
// path, serialized per room by internal/roomlock.
package input

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"

	"github.com/palpo-matrix-server/palpo-sub005/internal/notify"
	"github.com/palpo-matrix-server/palpo-sub005/internal/roomlock"
	"github.com/palpo-matrix-server/palpo-sub005/internal/seqnum"
	"github.com/palpo-matrix-server/palpo-sub005/internal/txnmemo"
	"github.com/palpo-matrix-server/palpo-sub005/pkg/eventcrypto"
	"github.com/palpo-matrix-server/palpo-sub005/pkg/spec"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/auth"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/authchain"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/event"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/frame"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/keyring"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/state"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/storage/shared"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/storage/tables"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/types"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/version"
)

// DefaultPrevEventRecursionBudget bounds how many unknown prev_events a
// single Ingest call will chase across before giving up with TooDeepError.
const DefaultPrevEventRecursionBudget = 100

// Inputer is the single write path for a room's event graph. Every mutating
// call goes through Ingest, which holds that room's lock for its duration.
type Inputer struct {
	db         *shared.Database
	frames     *frame.Store
	authChains *authchain.Index
	keys       *keyring.KeyRing
	locks      *roomlock.Manager
	seqnums    *seqnum.Allocator
	memo       *txnmemo.Memo
	bus        *notify.Bus
	fetch      *outlierFetcher
	events     *eventStore

	prevEventRecursionBudget int
}

// New wires an Inputer from its dependencies. fetcher may be nil for a
// deployment that never needs to pull missing events (e.g. a closed test
// federation of one server); Ingest then rejects any event whose
// prev_events or auth_events aren't already known.
func New(
	db *shared.Database, frames *frame.Store, authChains *authchain.Index, keys *keyring.KeyRing,
	locks *roomlock.Manager, seqnums *seqnum.Allocator, memo *txnmemo.Memo, bus *notify.Bus, fetcher Fetcher,
) *Inputer {
	return &Inputer{
		db:                       db,
		frames:                   frames,
		authChains:               authChains,
		keys:                     keys,
		locks:                    locks,
		seqnums:                  seqnums,
		memo:                     memo,
		bus:                      bus,
		fetch:                    newOutlierFetcher(fetcher),
		events:                   &eventStore{db: db},
		prevEventRecursionBudget: DefaultPrevEventRecursionBudget,
	}
}

// Ingest runs the eleven-stage pipeline against a single raw PDU received
// from origin (the local server name for client-submitted events). It
// returns the terminal outcome alongside a typed error from
// roomserver/types for anything short of OutcomeAccepted; a soft-failed
// event comes back as OutcomeSoftFailed with a types.SoftFailedError.
func (in *Inputer) Ingest(ctx context.Context, raw []byte, origin spec.ServerName) (types.IngestResult, error) {
	// Stage 1: parse and derive the event ID.
	pdu, err := event.ParsePDU(raw)
	if err != nil {
		return types.IngestResult{Outcome: types.OutcomeRejected, Reason: err.Error()}, types.RejectedError(err.Error())
	}

	unlock := in.locks.Lock(pdu.RoomID())
	defer unlock()

	roomNID, roomVersion, err := in.resolveRoomVersion(ctx, pdu)
	if err != nil {
		return in.reject(pdu, err)
	}
	rules, err := roomVersion.Rules()
	if err != nil {
		return in.reject(pdu, err)
	}

	eventID, err := event.DeriveEventID(raw, rules)
	if err != nil {
		return in.reject(pdu, err)
	}
	pdu.SetEventID(eventID)

	if existing, ok, err := in.db.EventMetadataByID(ctx, eventID); err != nil {
		return in.reject(pdu, err)
	} else if ok {
		return resultForExisting(existing), nil
	}

	// Stage 2: signature check.
	if rules.EnforceSignatureChecks {
		if err := pdu.VerifySignatures(in.keyLookup(ctx)); err != nil {
			return in.reject(pdu, errors.Wrap(err, "signature check failed"))
		}
	}

	// Stage 3: hash check. A mismatch doesn't reject the event outright;
	// its content is redacted in place and the DAG position is kept.
	if declared := pdu.DeclaredSHA256(); declared != "" {
		refHash, err := event.ReferenceHash(raw, rules)
		if err != nil {
			return in.reject(pdu, err)
		}
		if declared != base64.RawStdEncoding.EncodeToString(refHash) {
			redacted, err := event.Redact(raw, rules)
			if err != nil {
				return in.reject(pdu, err)
			}
			raw = redacted
			redactedPDU, err := event.ParsePDU(raw)
			if err != nil {
				return in.reject(pdu, err)
			}
			redactedPDU.SetEventID(eventID)
			pdu = redactedPDU
		}
	}

	// Stage 4: auth-events resolution, fetching unknown ones as outliers.
	authEvents := make([]*event.PDU, 0, len(pdu.AuthEvents()))
	for _, id := range pdu.AuthEvents() {
		ev, err := in.ensureEventKnown(ctx, origin, pdu.RoomID(), roomNID, spec.EventID(id), rules)
		if err != nil {
			return in.missingState(pdu, errors.Wrapf(err, "resolving auth event %s", id))
		}
		authEvents = append(authEvents, ev)
	}

	// Stage 5: authorize at auth_events.
	authProvider, err := auth.NewMapStateProvider(pdu.RoomID(), authEvents)
	if err != nil {
		return in.reject(pdu, err)
	}
	if err := auth.Allowed(pdu, authProvider, rules); err != nil {
		return in.reject(pdu, err)
	}

	// Stage 6: prev-events resolution, within the recursion budget.
	fetchedOutliers := 0
	prevStates := make([]state.StateMap, 0, len(pdu.PrevEvents()))
	for _, id := range pdu.PrevEvents() {
		prevID := spec.EventID(id)
		if _, ok, err := in.db.Events.SelectEventNID(ctx, nil, id); err != nil {
			return in.reject(pdu, err)
		} else if !ok {
			fetchedOutliers++
			if fetchedOutliers > in.prevEventRecursionBudget {
				reason := fmt.Sprintf("exceeded recursion budget resolving prev_event %s", id)
				return types.IngestResult{EventID: string(eventID), Outcome: types.OutcomeRejected, Reason: reason},
					types.TooDeepError{EventID: string(eventID), Budget: in.prevEventRecursionBudget}
			}
		}
		prevEv, err := in.ensureEventKnown(ctx, origin, pdu.RoomID(), roomNID, prevID, rules)
		if err != nil {
			return in.missingState(pdu, errors.Wrapf(err, "resolving prev event %s", id))
		}
		sm, err := in.stateAfterEvent(ctx, prevEv)
		if err != nil {
			return in.missingState(pdu, err)
		}
		prevStates = append(prevStates, sm)
	}

	var stateBefore state.StateMap
	if len(prevStates) == 0 {
		stateBefore = state.StateMap{}
	} else {
		stateBefore, err = state.Resolve(prevStates, in.events, in.authChains, rules)
		if err != nil {
			return in.reject(pdu, err)
		}
	}

	// Stage 8: re-authorize at the state immediately before this event.
	beforeProvider, err := stateProviderFromMap(pdu.RoomID(), stateBefore, in.events)
	if err != nil {
		return in.reject(pdu, err)
	}
	if err := auth.Allowed(pdu, beforeProvider, rules); err != nil {
		return in.reject(pdu, err)
	}

	// Stage 9: re-authorize at the room's current state; failing this
	// soft-fails the event rather than rejecting it. Done before stage 7's
	// persist below so the timeline row can carry the correct
	// is_soft_failed value from the moment it's written.
	currentFrameID, hasCurrentFrame, err := in.db.Rooms.SelectCurrentFrame(ctx, nil, roomNID)
	if err != nil {
		return in.reject(pdu, err)
	}
	var currentMaterialized map[event.StateKeyTuple]string
	softFailed := false
	softFailReason := ""
	if hasCurrentFrame {
		currentMaterialized, err = in.frames.Materialize(ctx, currentFrameID)
		if err != nil {
			return in.reject(pdu, err)
		}
		currentStateMap := state.StateMap{}
		for k, v := range currentMaterialized {
			currentStateMap[k] = spec.EventID(v)
		}
		currentProvider, err := stateProviderFromMap(pdu.RoomID(), currentStateMap, in.events)
		if err != nil {
			return in.reject(pdu, err)
		}
		if err := auth.Allowed(pdu, currentProvider, rules); err != nil {
			softFailed = true
			softFailReason = err.Error()
		}
	} else {
		currentMaterialized = map[event.StateKeyTuple]string{}
	}

	// Stage 7: persist the timeline row. Stage 8 was the last point this
	// pipeline can reject outright, so the event is guaranteed to end up
	// in the timeline from here on; committing it now, rather than at the
	// very end, gives stage 10's state resolution an EventNID to resolve
	// this event's own ID through when it appears as a state-map candidate
	// (its own auth-chain, looked up via roomserver/authchain, otherwise
	// has nothing to look up).
	eventNID, seqNum, err := in.db.StoreEvent(ctx, roomNID, string(eventID), pdu.Type(), pdu.StateKey(), pdu.Depth(), raw, false, softFailed)
	if err != nil {
		return in.reject(pdu, err)
	}

	// Stage 10: forward-extremity update, unconditional; new current-state
	// frame only when this is a state event that wasn't soft-failed.
	extremities, err := in.db.Rooms.SelectForwardExtremities(ctx, nil, roomNID)
	if err != nil {
		return types.IngestResult{EventID: string(eventID)}, err
	}
	newExtremities := updateExtremities(extremities, pdu.PrevEvents(), string(eventID))

	var newCurrentFrameID types.FrameID
	advanceCurrentState := pdu.IsStateEvent() && !softFailed
	if advanceCurrentState {
		stateAfterEvent := stateBefore.Clone()
		sk, _ := pdu.StateKeyTuple()
		stateAfterEvent[sk] = eventID

		statesToResolve := []state.StateMap{stateAfterEvent}
		if hasCurrentFrame {
			currentStateMap := state.StateMap{}
			for k, v := range currentMaterialized {
				currentStateMap[k] = spec.EventID(v)
			}
			statesToResolve = append(statesToResolve, currentStateMap)
		}
		newRoomState, err := state.Resolve(statesToResolve, in.events, in.authChains, rules)
		if err != nil {
			return types.IngestResult{EventID: string(eventID)}, err
		}
		appended, disposed := diffStateMap(currentMaterialized, newRoomState)
		newCurrentFrameID, err = in.frames.EnsureFrame(ctx, roomNID, currentFrameID, appended, disposed)
		if err != nil {
			return types.IngestResult{EventID: string(eventID)}, err
		}
	}

	baseFrameID, baseMaterialized, err := in.baseFrameFor(ctx, pdu)
	if err != nil {
		return types.IngestResult{EventID: string(eventID)}, err
	}
	appendedBefore, disposedBefore := diffStateMap(baseMaterialized, stateBefore)
	if _, err := in.frames.BindEventToFrame(ctx, roomNID, eventNID, baseFrameID, appendedBefore, disposedBefore); err != nil {
		return types.IngestResult{EventID: string(eventID)}, err
	}

	if err := in.db.InsertEdges(ctx, string(eventID), pdu.PrevEvents(), pdu.AuthEvents()); err != nil {
		return types.IngestResult{EventID: string(eventID)}, err
	}

	if advanceCurrentState {
		if err := in.db.UpdateCurrentState(ctx, roomNID, newCurrentFrameID, newExtremities); err != nil {
			return types.IngestResult{EventID: string(eventID)}, err
		}
	} else {
		if err := in.db.UpdateExtremities(ctx, roomNID, newExtremities); err != nil {
			return types.IngestResult{EventID: string(eventID)}, err
		}
	}

	if _, err := in.authChains.ChainOf(eventID); err != nil {
		return types.IngestResult{EventID: string(eventID)}, err
	}

	outcome := types.OutcomeAccepted
	if softFailed {
		outcome = types.OutcomeSoftFailed
	}
	result := types.IngestResult{EventID: string(eventID), Outcome: outcome, Reason: softFailReason, SeqNum: seqNum}

	if in.bus != nil {
		_ = in.bus.PublishRoomEvent(ctx, notify.OutputRoomEvent{
			RoomID:     pdu.RoomID(),
			EventID:    string(eventID),
			SeqNum:     seqNum,
			SoftFailed: softFailed,
		})
	}

	var resultErr error
	if softFailed {
		resultErr = types.SoftFailedError(result.EventID)
	}
	return result, resultErr
}

// resolveRoomVersion returns the room's internal ID and version, creating
// the room on first use when pdu is its m.room.create event.
func (in *Inputer) resolveRoomVersion(ctx context.Context, pdu *event.PDU) (types.RoomNID, version.RoomVersion, error) {
	if nid, ok, err := in.db.Rooms.SelectRoomNID(ctx, nil, pdu.RoomID()); err != nil {
		return 0, "", err
	} else if ok {
		v, err := in.db.Rooms.SelectRoomVersion(ctx, nil, nid)
		if err != nil {
			return 0, "", err
		}
		return nid, version.RoomVersion(v), nil
	}
	if pdu.Type() != spec.MRoomCreate {
		return 0, "", fmt.Errorf("input: room %s is unknown and %s is not m.room.create", pdu.RoomID(), pdu.EventID())
	}
	v := gjson.GetBytes(pdu.Content(), "room_version").String()
	if v == "" {
		v = string(version.Default)
	}
	rv := version.RoomVersion(v)
	if !rv.Supported() {
		return 0, "", fmt.Errorf("input: unsupported room version %q", v)
	}
	nid, err := in.db.EnsureRoom(ctx, pdu.RoomID(), v)
	return nid, rv, err
}

// ensureEventKnown returns id's PDU, fetching and persisting it as an
// outlier (signature-checked but not authorized against room state) if it
// isn't already known locally.
func (in *Inputer) ensureEventKnown(
	ctx context.Context, origin spec.ServerName, roomID string, roomNID types.RoomNID, id spec.EventID, rules version.Rules,
) (*event.PDU, error) {
	if raw, ok, err := in.db.EventByID(ctx, id); err != nil {
		return nil, err
	} else if ok {
		pdu, err := event.ParsePDU(raw)
		if err != nil {
			return nil, err
		}
		pdu.SetEventID(id)
		return pdu, nil
	}

	pdu, err := in.fetch.fetch(ctx, origin, roomID, id)
	if err != nil {
		return nil, err
	}
	if rules.EnforceSignatureChecks {
		if err := pdu.VerifySignatures(in.keyLookup(ctx)); err != nil {
			return nil, errors.Wrapf(err, "outlier %s failed signature check", id)
		}
	}
	if _, _, err := in.db.StoreEvent(ctx, roomNID, string(id), pdu.Type(), pdu.StateKey(), pdu.Depth(), pdu.RawJSON, true, false); err != nil {
		return nil, err
	}
	return pdu, nil
}

// stateAfterEvent returns ev's resolved state map including ev's own state
// key if it is a state event. Outliers (no recorded state-before frame)
// contribute only their own state key: a known limitation of chasing
// prev_events through outliers rather than their full ancestor history.
func (in *Inputer) stateAfterEvent(ctx context.Context, ev *event.PDU) (state.StateMap, error) {
	sm := state.StateMap{}
	if nid, ok, err := in.db.Events.SelectEventNID(ctx, nil, string(ev.EventID())); err != nil {
		return nil, err
	} else if ok {
		if frameID, hasFrame, err := in.db.EventToFrame.SelectFrameForEvent(ctx, nil, nid); err != nil {
			return nil, err
		} else if hasFrame {
			materialized, err := in.frames.Materialize(ctx, frameID)
			if err != nil {
				return nil, err
			}
			for k, v := range materialized {
				sm[k] = spec.EventID(v)
			}
		}
	}
	if sk, isState := ev.StateKeyTuple(); isState {
		sm[sk] = ev.EventID()
	}
	return sm, nil
}

// baseFrameFor picks an existing frame to diff a new state-before binding
// against: any one of the event's prev_events' own state-before frame.
// Diffing against the wrong (but valid) base only changes the size of the
// delta written, never the state it materializes to, since appended and
// disposed are derived from the target state map directly.
func (in *Inputer) baseFrameFor(ctx context.Context, pdu *event.PDU) (types.FrameID, map[event.StateKeyTuple]string, error) {
	for _, id := range pdu.PrevEvents() {
		nid, ok, err := in.db.Events.SelectEventNID(ctx, nil, id)
		if err != nil {
			return 0, nil, err
		}
		if !ok {
			continue
		}
		frameID, ok, err := in.db.EventToFrame.SelectFrameForEvent(ctx, nil, nid)
		if err != nil {
			return 0, nil, err
		}
		if !ok {
			continue
		}
		materialized, err := in.frames.Materialize(ctx, frameID)
		if err != nil {
			return 0, nil, err
		}
		return frameID, materialized, nil
	}
	return 0, map[event.StateKeyTuple]string{}, nil
}

func (in *Inputer) keyLookup(ctx context.Context) event.KeyLookup {
	return func(server spec.ServerName, keyID spec.KeyID, atTS int64) (*eventcrypto.VerifyKey, error) {
		return in.keys.KeyFor(ctx, server, keyID, atTS)
	}
}

// updateExtremities drops any existing extremity this event cites as a
// prev_event (it now has a child) and adds the event itself.
func updateExtremities(existing []string, prevEvents []string, newEventID string) []string {
	cited := make(map[string]struct{}, len(prevEvents))
	for _, id := range prevEvents {
		cited[id] = struct{}{}
	}
	out := make([]string, 0, len(existing)+1)
	for _, id := range existing {
		if _, ok := cited[id]; !ok {
			out = append(out, id)
		}
	}
	return append(out, newEventID)
}

func (in *Inputer) reject(pdu *event.PDU, err error) (types.IngestResult, error) {
	id := ""
	if pdu != nil {
		id = string(pdu.EventID())
	}
	return types.IngestResult{EventID: id, Outcome: types.OutcomeRejected, Reason: err.Error()}, types.RejectedError(err.Error())
}

func (in *Inputer) missingState(pdu *event.PDU, err error) (types.IngestResult, error) {
	id := ""
	if pdu != nil {
		id = string(pdu.EventID())
	}
	return types.IngestResult{EventID: id, Outcome: types.OutcomeRejected, Reason: err.Error()}, types.MissingStateError(err.Error())
}

func resultForExisting(row tables.EventRow) types.IngestResult {
	outcome := types.OutcomeAccepted
	if row.IsSoftFailed {
		outcome = types.OutcomeSoftFailed
	}
	return types.IngestResult{EventID: row.EventID, Outcome: outcome, SeqNum: row.SeqNum}
}
