package input

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/crypto/ed25519"

	"github.com/palpo-matrix-server/palpo-sub005/internal/txnmemo"
	"github.com/palpo-matrix-server/palpo-sub005/pkg/eventcrypto"
	"github.com/palpo-matrix-server/palpo-sub005/pkg/spec"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/event"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/types"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/version"
)

// Submit builds, signs and ingests a client-created event: prev_events
// come from the room's current forward extremities, depth is
// one more than the deepest of those, and auth_events are the minimal set
// Allowed() needs to evaluate the event. txnID idempotency is handled via
// internal/txnmemo: a retried (sender, room, txnID) triple returns the
// previously committed result without building or ingesting anything.
func (in *Inputer) Submit(
	ctx context.Context, roomID, eventType string, stateKey *string, content json.RawMessage,
	sender *spec.UserID, serverName spec.ServerName, keyID spec.KeyID, priv ed25519.PrivateKey, txnID string,
) (types.IngestResult, error) {
	scope := sender.String() + "\x00" + roomID
	if entry, ok, err := in.memo.Recall(ctx, scope, txnID); err != nil {
		return types.IngestResult{}, err
	} else if ok {
		outcome := types.OutcomeAccepted
		if entry.Result == types.OutcomeSoftFailed.String() {
			outcome = types.OutcomeSoftFailed
		}
		return types.IngestResult{EventID: entry.EventID, Outcome: outcome}, nil
	}

	roomNID, ok, err := in.db.Rooms.SelectRoomNID(ctx, nil, roomID)
	if err != nil {
		return types.IngestResult{}, err
	}
	if !ok {
		return types.IngestResult{}, fmt.Errorf("input: room %s not known", roomID)
	}
	roomVersionStr, err := in.db.Rooms.SelectRoomVersion(ctx, nil, roomNID)
	if err != nil {
		return types.IngestResult{}, err
	}
	rules, err := version.RoomVersion(roomVersionStr).Rules()
	if err != nil {
		return types.IngestResult{}, err
	}

	prevEvents, err := in.db.Rooms.SelectForwardExtremities(ctx, nil, roomNID)
	if err != nil {
		return types.IngestResult{}, err
	}
	var depth int64 = 1
	for _, id := range prevEvents {
		row, ok, err := in.db.EventMetadataByID(ctx, spec.EventID(id))
		if err != nil {
			return types.IngestResult{}, err
		}
		if ok && row.Depth+1 > depth {
			depth = row.Depth + 1
		}
	}

	authEvents, err := in.minimalAuthEvents(ctx, roomNID, sender, eventType, stateKey, content)
	if err != nil {
		return types.IngestResult{}, err
	}

	raw, err := buildRawEvent(rawEventTemplate{
		RoomID:     roomID,
		Sender:     sender.String(),
		Type:       eventType,
		StateKey:   stateKey,
		Content:    content,
		PrevEvents: prevEvents,
		AuthEvents: authEvents,
		Depth:      depth,
	}, rules, time.Now().UnixMilli())
	if err != nil {
		return types.IngestResult{}, err
	}

	if rules.EventIDFormat == version.EventIDFormatServerSupplied {
		localID, err := event.NewLocalEventID(serverName)
		if err != nil {
			return types.IngestResult{}, err
		}
		if raw, err = sjson.SetBytes(raw, "event_id", string(localID)); err != nil {
			return types.IngestResult{}, err
		}
	}

	hash, err := eventcrypto.ReferenceHash(raw)
	if err != nil {
		return types.IngestResult{}, err
	}
	if raw, err = sjson.SetBytes(raw, "hashes.sha256", base64.RawStdEncoding.EncodeToString(hash)); err != nil {
		return types.IngestResult{}, err
	}

	signed, err := event.Sign(raw, serverName, keyID, priv)
	if err != nil {
		return types.IngestResult{}, err
	}

	result, ingestErr := in.Ingest(ctx, signed, serverName)
	if result.EventID != "" {
		if err := in.memo.Remember(ctx, scope, txnID, txnmemo.Entry{EventID: result.EventID, Result: result.Outcome.String()}); err != nil {
			return result, err
		}
	}
	return result, ingestErr
}

// minimalAuthEvents returns the auth_events set Allowed() needs: the
// room's create, power_levels and sender's own membership event, plus
// join_rules and the target's membership event for membership changes.
func (in *Inputer) minimalAuthEvents(
	ctx context.Context, roomNID types.RoomNID, sender *spec.UserID, eventType string, stateKey *string, content json.RawMessage,
) ([]string, error) {
	currentFrameID, hasCurrentFrame, err := in.db.Rooms.SelectCurrentFrame(ctx, nil, roomNID)
	if err != nil {
		return nil, err
	}
	if !hasCurrentFrame {
		return nil, nil
	}
	materialized, err := in.frames.Materialize(ctx, currentFrameID)
	if err != nil {
		return nil, err
	}

	var out []string
	add := func(t event.StateKeyTuple) {
		if id, ok := materialized[t]; ok {
			out = append(out, id)
		}
	}
	add(event.StateKeyTuple{Type: spec.MRoomCreate})
	add(event.StateKeyTuple{Type: spec.MRoomPowerLevels})
	add(event.StateKeyTuple{Type: spec.MRoomMember, StateKey: sender.String()})

	if eventType == spec.MRoomMember {
		membership := gjson.GetBytes(content, "membership").String()
		if membership == spec.MembershipJoin || membership == spec.MembershipInvite || membership == spec.MembershipKnock {
			add(event.StateKeyTuple{Type: spec.MRoomJoinRules})
		}
		if stateKey != nil && *stateKey != sender.String() {
			add(event.StateKeyTuple{Type: spec.MRoomMember, StateKey: *stateKey})
		}
	}
	return out, nil
}

type rawEventTemplate struct {
	RoomID     string
	Sender     string
	Type       string
	StateKey   *string
	Content    json.RawMessage
	PrevEvents []string
	AuthEvents []string
	Depth      int64
}

// buildRawEvent assembles an unsigned PDU JSON object, encoding
// prev_events/auth_events in whichever form rules.EventIDFormat expects:
// the [event_id, {hashes}] tuple for v1/v2, a bare event_id string for v3+.
func buildRawEvent(t rawEventTemplate, rules version.Rules, originTS int64) ([]byte, error) {
	obj := map[string]interface{}{
		"room_id":          t.RoomID,
		"sender":           t.Sender,
		"type":             t.Type,
		"content":          t.Content,
		"depth":            t.Depth,
		"origin_server_ts": originTS,
		"prev_events":      encodeEventRefs(t.PrevEvents, rules),
		"auth_events":      encodeEventRefs(t.AuthEvents, rules),
		"signatures":       map[string]interface{}{},
	}
	if t.StateKey != nil {
		obj["state_key"] = *t.StateKey
	}
	return json.Marshal(obj)
}

func encodeEventRefs(ids []string, rules version.Rules) interface{} {
	if rules.EventIDFormat != version.EventIDFormatServerSupplied {
		return ids
	}
	refs := make([][2]interface{}, len(ids))
	for i, id := range ids {
		refs[i] = [2]interface{}{id, map[string]string{}}
	}
	return refs
}
