package federationapi

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/palpo-matrix-server/palpo-sub005/pkg/spec"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/types"
)

// MaxPDUsPerTransaction and MaxEDUsPerTransaction are the per-§6 limits on
// a single /send transaction.
const (
	MaxPDUsPerTransaction = 50
	MaxEDUsPerTransaction = 100
)

// Ingester is the subset of roomserver/internal/input.Inputer a transaction
// handler needs, kept narrow so tests can supply a fake.
type Ingester interface {
	Ingest(ctx context.Context, raw []byte, origin spec.ServerName) (types.IngestResult, error)
}

// PDUResult is one event's outcome within a transaction response, matching
// the Matrix federation /send response shape: an empty Error means success.
type PDUResult struct {
	Error string `json:"error,omitempty"`
}

// TransactionResult is the per-PDU response body for a /send transaction:
// the transaction itself always succeeds (200) once its envelope parses,
// regardless of individual PDU outcomes.
type TransactionResult struct {
	PDUs map[string]PDUResult `json:"pdus"`
}

// ProcessTransaction ingests every PDU in a /send transaction against the
// given ingester, producing a per-event-ID result. Malformed envelopes
// (too many PDUs/EDUs) are rejected outright before any event is touched.
func ProcessTransaction(ctx context.Context, in Ingester, origin spec.ServerName, pdus []json.RawMessage, edus []json.RawMessage) (TransactionResult, error) {
	if len(pdus) > MaxPDUsPerTransaction {
		return TransactionResult{}, fmt.Errorf("federationapi: transaction carries %d PDUs, limit %d", len(pdus), MaxPDUsPerTransaction)
	}
	if len(edus) > MaxEDUsPerTransaction {
		return TransactionResult{}, fmt.Errorf("federationapi: transaction carries %d EDUs, limit %d", len(edus), MaxEDUsPerTransaction)
	}

	result := TransactionResult{PDUs: make(map[string]PDUResult, len(pdus))}
	for _, raw := range pdus {
		res, err := in.Ingest(ctx, raw, origin)
		if err != nil {
			switch err.(type) {
			case types.SoftFailedError:
				// Soft-failed is not an error at the transaction boundary:
				// the event was stored, just excluded from current state.
				result.PDUs[res.EventID] = PDUResult{}
			default:
				// A failure before stage 1 derives an event ID (malformed
				// JSON) has no ID to key the result under; res.EventID is
				// empty in that case, so the error is recorded under the
				// empty key "" (one entry, overwritten by any later such PDU).
				logrus.WithError(err).WithField("origin", origin).Warn("federationapi: PDU rejected in transaction")
				result.PDUs[res.EventID] = PDUResult{Error: err.Error()}
			}
			continue
		}
		result.PDUs[res.EventID] = PDUResult{}
	}
	return result, nil
}
