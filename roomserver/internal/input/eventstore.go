package input

import (
	"context"
	"fmt"

	"github.com/palpo-matrix-server/palpo-sub005/pkg/spec"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/event"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/storage/shared"
)

// eventStore adapts shared.Database to the narrow Event(id) contracts that
// roomserver/state.EventStore and roomserver/authchain.EventStore each
// depend on, and that the pipeline itself uses to rebuild StateProviders
// from a resolved StateMap.
type eventStore struct {
	db *shared.Database
}

func (s *eventStore) Event(id spec.EventID) (*event.PDU, error) {
	raw, ok, err := s.db.EventByID(context.Background(), id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("input: unknown event %s", id)
	}
	pdu, err := event.ParsePDU(raw)
	if err != nil {
		return nil, err
	}
	pdu.SetEventID(id)
	return pdu, nil
}
