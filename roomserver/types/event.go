package types

import (
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/event"
	"github.com/palpo-matrix-server/palpo-sub005/roomserver/version"
)

// HeaderedEvent pairs a parsed PDU with the room version needed to
// interpret it — callers that already know an event's room version attach
// it once here instead of re-threading it through every function signature.
type HeaderedEvent struct {
	*event.PDU
	RoomVersion version.RoomVersion
}

// Outcome is the terminal classification of an ingest call.
type Outcome int

const (
	OutcomeAccepted Outcome = iota
	OutcomeRejected
	OutcomeSoftFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeRejected:
		return "rejected"
	case OutcomeSoftFailed:
		return "soft_failed"
	default:
		return "unknown"
	}
}

// IngestResult is the result of roomserver/internal/input.Inputer.Ingest.
type IngestResult struct {
	EventID string
	Outcome Outcome
	// Reason carries the rejection/soft-fail reason for logging and for
	// the per-event federation transaction response.
	Reason string
	// SeqNum is the seqnum assigned at commit, zero for a terminal
	// rejection that was never persisted.
	SeqNum int64
}
