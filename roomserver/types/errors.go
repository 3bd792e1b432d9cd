package types

import "fmt"

// RejectedError is returned by the ingestion pipeline for a terminal
// rejection (malformed or unauthorized): the event is discarded and never
// enters the timeline.
type RejectedError string

func (e RejectedError) Error() string {
	return fmt.Sprintf("event was rejected: %s", string(e))
}

// MissingStateError indicates an unresolved-dependency failure: a
// prev_event or auth_event could not be obtained within the recursion/time
// budget. The event may be retried later if re-offered.
type MissingStateError string

func (e MissingStateError) Error() string {
	return fmt.Sprintf("missing state: %s", string(e))
}

// SoftFailedError marks an event that authorized at its declared position
// but not at the current room state. It is not a failure in the ordinary
// sense: the event is still persisted.
type SoftFailedError string

func (e SoftFailedError) Error() string {
	return fmt.Sprintf("event was soft-failed: %s", string(e))
}

// ConflictError marks state-res producing an ambiguity its tie-breakers
// could not resolve. This must not happen if the rules are correctly
// implemented; it is logged at ERROR and the event is rejected to preserve
// safety rather than guessing.
type ConflictError string

func (e ConflictError) Error() string {
	return fmt.Sprintf("state resolution conflict (bug): %s", string(e))
}

// TooDeepError is returned when prev-event resolution exceeds the
// configured recursion budget.
type TooDeepError struct {
	EventID string
	Budget  int
}

func (e TooDeepError) Error() string {
	return fmt.Sprintf("event %s exceeds prev-event recursion budget of %d", e.EventID, e.Budget)
}

// BusyError is a transient failure signaling resource exhaustion: the
// database connection pool or ingestion queue is full. Upstream HTTP
// collaborators translate this to 429.
type BusyError string

func (e BusyError) Error() string {
	return fmt.Sprintf("busy: %s", string(e))
}
