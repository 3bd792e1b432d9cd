package federationapi

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/palpo-matrix-server/palpo-sub005/pkg/spec"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/types"
)

type fakeIngester struct {
	results map[string]types.IngestResult
	errs    map[string]error
}

func (f *fakeIngester) Ingest(ctx context.Context, raw []byte, origin spec.ServerName) (types.IngestResult, error) {
	var body struct {
		EventID string `json:"event_id"`
	}
	_ = json.Unmarshal(raw, &body)
	if err, ok := f.errs[body.EventID]; ok {
		return f.results[body.EventID], err
	}
	return f.results[body.EventID], nil
}

func pdu(eventID string) json.RawMessage {
	b, _ := json.Marshal(map[string]interface{}{"event_id": eventID})
	return b
}

func TestProcessTransactionReportsPerPDUResults(t *testing.T) {
	in := &fakeIngester{
		results: map[string]types.IngestResult{
			"$ok":   {EventID: "$ok", Outcome: types.OutcomeAccepted},
			"$bad":  {EventID: "$bad", Outcome: types.OutcomeRejected},
			"$soft": {EventID: "$soft", Outcome: types.OutcomeSoftFailed},
		},
		errs: map[string]error{
			"$bad":  types.RejectedError("auth_events omits power_levels"),
			"$soft": types.SoftFailedError("$soft"),
		},
	}

	result, err := ProcessTransaction(context.Background(), in, "origin.example", []json.RawMessage{
		pdu("$ok"), pdu("$bad"), pdu("$soft"),
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, PDUResult{}, result.PDUs["$ok"])
	assert.NotEmpty(t, result.PDUs["$bad"].Error)
	assert.Equal(t, PDUResult{}, result.PDUs["$soft"], "a soft-failed event is a transaction-level success")
}

func TestProcessTransactionRejectsOversizedPDUBatch(t *testing.T) {
	in := &fakeIngester{results: map[string]types.IngestResult{}}
	pdus := make([]json.RawMessage, MaxPDUsPerTransaction+1)
	for i := range pdus {
		pdus[i] = pdu("$x")
	}
	_, err := ProcessTransaction(context.Background(), in, "origin.example", pdus, nil)
	assert.Error(t, err)
}

func TestProcessTransactionRejectsOversizedEDUBatch(t *testing.T) {
	in := &fakeIngester{results: map[string]types.IngestResult{}}
	edus := make([]json.RawMessage, MaxEDUsPerTransaction+1)
	_, err := ProcessTransaction(context.Background(), in, "origin.example", nil, edus)
	assert.Error(t, err)
}
