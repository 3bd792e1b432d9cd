package input

import (
	"context"

	"github.com/palpo-matrix-server/palpo-sub005/pkg/spec"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/types"
)

// IngestTransaction processes a federation /send transaction's PDU list.
// Each PDU goes through Ingest (and its own per-room lock) on its own, in
// list order. A value is drawn from the seqnum allocator before each PDU;
// it is neither recorded nor returned, and it is separate from the durable
// per-event seqnum each Ingest call assigns at commit.
func (in *Inputer) IngestTransaction(ctx context.Context, pdus [][]byte, origin spec.ServerName) map[spec.EventID]types.IngestResult {
	results := make(map[spec.EventID]types.IngestResult, len(pdus))
	for _, raw := range pdus {
		in.seqnums.Next()
		result, _ := in.Ingest(ctx, raw, origin)
		if result.EventID != "" {
			results[spec.EventID(result.EventID)] = result
		}
	}
	return results
}
