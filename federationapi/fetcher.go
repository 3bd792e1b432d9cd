package federationapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/palpo-matrix-server/palpo-sub005/pkg/eventcrypto"
	"github.com/palpo-matrix-server/palpo-sub005/pkg/spec"
)

// FetchEvent implements roomserver/internal/input.Fetcher via
// GET /_matrix/federation/v1/event/{eventId}.
func (c *Client) FetchEvent(ctx context.Context, origin spec.ServerName, roomID string, eventID spec.EventID) ([]byte, error) {
	path := fmt.Sprintf("/_matrix/federation/v1/event/%s", eventID)
	data, err := c.doGet(ctx, origin, path)
	if err != nil {
		return nil, err
	}
	var envelope struct {
		Origin         spec.ServerName   `json:"origin"`
		OriginServerTS int64             `json:"origin_server_ts"`
		PDUs           []json.RawMessage `json:"pdus"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("federationapi: parse /event response: %w", err)
	}
	if len(envelope.PDUs) != 1 {
		return nil, fmt.Errorf("federationapi: /event response for %s returned %d PDUs, want 1", eventID, len(envelope.PDUs))
	}
	return envelope.PDUs[0], nil
}

// FetchServerKeys implements roomserver/keyring.Fetcher via
// GET /_matrix/key/v2/server.
func (c *Client) FetchServerKeys(ctx context.Context, server spec.ServerName) (map[spec.KeyID]eventcrypto.VerifyKey, error) {
	data, err := c.doGet(ctx, server, "/_matrix/key/v2/server")
	if err != nil {
		return nil, err
	}
	return parseServerKeysResponse(data)
}

// FetchNotaryKeys implements roomserver/keyring.Fetcher via
// POST /_matrix/key/v2/query on the configured notary.
func (c *Client) FetchNotaryKeys(ctx context.Context, notary spec.ServerName, keyIDs []spec.KeyID) (map[spec.KeyID]eventcrypto.VerifyKey, error) {
	criteria := map[string]interface{}{}
	for _, id := range keyIDs {
		criteria[string(id)] = map[string]interface{}{}
	}
	body, err := json.Marshal(map[string]interface{}{
		"server_keys": map[string]interface{}{string(notary): criteria},
	})
	if err != nil {
		return nil, err
	}
	data, err := c.do(ctx, "POST", notary, "/_matrix/key/v2/query", body)
	if err != nil {
		return nil, err
	}
	var resp struct {
		ServerKeys []json.RawMessage `json:"server_keys"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("federationapi: parse /key/v2/query response: %w", err)
	}
	out := map[spec.KeyID]eventcrypto.VerifyKey{}
	for _, raw := range resp.ServerKeys {
		keys, err := parseServerKeysResponse(raw)
		if err != nil {
			continue
		}
		for id, k := range keys {
			out[id] = k
		}
	}
	return out, nil
}

func parseServerKeysResponse(data []byte) (map[spec.KeyID]eventcrypto.VerifyKey, error) {
	var resp struct {
		ValidUntilTS int64 `json:"valid_until_ts"`
		VerifyKeys   map[string]struct {
			Key string `json:"key"`
		} `json:"verify_keys"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("federationapi: parse server keys response: %w", err)
	}
	out := make(map[spec.KeyID]eventcrypto.VerifyKey, len(resp.VerifyKeys))
	for id, vk := range resp.VerifyKeys {
		pub, err := base64.RawStdEncoding.DecodeString(vk.Key)
		if err != nil {
			continue
		}
		out[spec.KeyID(id)] = eventcrypto.VerifyKey{Public: pub, ValidUntilTS: resp.ValidUntilTS}
	}
	return out, nil
}

// StateIDs calls GET /_matrix/federation/v1/state_ids/{roomId} and returns
// the state and auth-chain event IDs at eventID.
func (c *Client) StateIDs(ctx context.Context, destination spec.ServerName, roomID string, eventID spec.EventID) (stateIDs, authChainIDs []spec.EventID, err error) {
	path := fmt.Sprintf("/_matrix/federation/v1/state_ids/%s?event_id=%s", roomID, eventID)
	data, gerr := c.doGet(ctx, destination, path)
	if gerr != nil {
		return nil, nil, gerr
	}
	var resp struct {
		PDUIDs       []string `json:"pdu_ids"`
		AuthChainIDs []string `json:"auth_chain_ids"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, nil, fmt.Errorf("federationapi: parse /state_ids response: %w", err)
	}
	return toEventIDs(resp.PDUIDs), toEventIDs(resp.AuthChainIDs), nil
}

// MissingEvents calls POST /_matrix/federation/v1/get_missing_events/{roomId}.
func (c *Client) MissingEvents(ctx context.Context, destination spec.ServerName, roomID string, earliest, latest []spec.EventID, limit int) ([]json.RawMessage, error) {
	body, err := json.Marshal(map[string]interface{}{
		"earliest_events": earliest,
		"latest_events":   latest,
		"limit":           limit,
	})
	if err != nil {
		return nil, err
	}
	path := fmt.Sprintf("/_matrix/federation/v1/get_missing_events/%s", roomID)
	data, err := c.do(ctx, "POST", destination, path, body)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Events []json.RawMessage `json:"events"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("federationapi: parse /get_missing_events response: %w", err)
	}
	return resp.Events, nil
}

// Backfill calls GET /_matrix/federation/v1/backfill/{roomId}, returning a
// window of historical PDUs bounded by limit. Callers must independently
// authorize every returned event; this adapter never trusts the peer.
func (c *Client) Backfill(ctx context.Context, destination spec.ServerName, roomID string, earliest []spec.EventID, limit int) ([]json.RawMessage, error) {
	path := fmt.Sprintf("/_matrix/federation/v1/backfill/%s?limit=%d", roomID, limit)
	for _, id := range earliest {
		path += fmt.Sprintf("&v=%s", id)
	}
	data, err := c.doGet(ctx, destination, path)
	if err != nil {
		return nil, err
	}
	var resp struct {
		PDUs []json.RawMessage `json:"pdus"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("federationapi: parse /backfill response: %w", err)
	}
	return resp.PDUs, nil
}

func toEventIDs(raw []string) []spec.EventID {
	out := make([]spec.EventID, len(raw))
	for i, s := range raw {
		out[i] = spec.EventID(s)
	}
	return out
}
