package input

import (
	"context"
	"fmt"

	"github.com/palpo-matrix-server/palpo-sub005/internal/caching"
	"github.com/palpo-matrix-server/palpo-sub005/pkg/spec"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/event"
)

// Fetcher retrieves a single missing event from the federation. It backs
// stage 4 (auth-event resolution) and stage 6 (prev-event resolution)
// outlier fetches; federationapi implements it against real
// /_matrix/federation/v1/event/{eventId} requests, and tests supply a fake.
type Fetcher interface {
	FetchEvent(ctx context.Context, origin spec.ServerName, roomID string, eventID spec.EventID) (raw []byte, err error)
}

// outlierFetcher deduplicates concurrent outlier fetches so only one
// request per event ID is in flight server-wide.
type outlierFetcher struct {
	fetcher Fetcher
	single  *caching.SingleFlightGroup
}

func newOutlierFetcher(f Fetcher) *outlierFetcher {
	return &outlierFetcher{fetcher: f, single: caching.NewSingleFlightGroup()}
}

func (o *outlierFetcher) fetch(ctx context.Context, origin spec.ServerName, roomID string, id spec.EventID) (*event.PDU, error) {
	if o.fetcher == nil {
		return nil, fmt.Errorf("input: no federation fetcher configured, cannot fetch missing event %s", id)
	}
	v, err, _ := o.single.Do(string(id), func() (interface{}, error) {
		raw, ferr := o.fetcher.FetchEvent(ctx, origin, roomID, id)
		if ferr != nil {
			return nil, ferr
		}
		return event.ParsePDU(raw)
	})
	if err != nil {
		return nil, err
	}
	pdu := v.(*event.PDU)
	pdu.SetEventID(id)
	return pdu, nil
}
