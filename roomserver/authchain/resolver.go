package authchain

import (
	"context"
	"fmt"

	"github.com/palpo-matrix-server/palpo-sub005/pkg/spec"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/storage/tables"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/types"
)

// TableResolver implements Resolver directly off the Events table: an
// event's point identifier is its own EventNID, so resolution is a plain
// lookup with no separate allocation step.
type TableResolver struct {
	Events tables.Events
}

func (r *TableResolver) PointFor(id spec.EventID) (types.EventPointID, error) {
	nid, ok, err := r.Events.SelectEventNID(context.Background(), nil, string(id))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("authchain: unknown event %s", id)
	}
	return types.EventPointID(nid), nil
}

func (r *TableResolver) EventFor(point types.EventPointID) (spec.EventID, error) {
	id, ok, err := r.Events.SelectEventIDByNID(context.Background(), nil, types.EventNID(point))
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("authchain: unknown event point %d", point)
	}
	return spec.EventID(id), nil
}
