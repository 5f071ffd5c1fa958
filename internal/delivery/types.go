// Package delivery implements the realtime delivery layer for a chat room.
// A turn is pushed over an SSE stream when possible, degrades one-way to
// long polling when the stream goes quiet, and ends exactly once through
// the completion detector. The coordinator is the only component touching
// both transports, the local transcript cache and the session registry.
package delivery

import (
	"time"

	"github.com/wellspring-health/chatlink/internal/domain"
)

// Turn identifies one in-flight conversational exchange.
type Turn struct {
	CorrelationID string
	RoomID        string
	UserID        string
	SessionID     string
	StartedAt     time.Time
}

// UpdateKind tags what an Update carries.
type UpdateKind int

const (
	// UpdateMessage signals a new or mutated transcript message.
	UpdateMessage UpdateKind = iota
	// UpdatePapers delivers side-channel literature references.
	UpdatePapers
	// UpdateConnectionState reports a transport state change.
	UpdateConnectionState
	// UpdateTurnDone signals the active turn finished; loading and typing
	// indicators should clear. Emitted exactly once per turn.
	UpdateTurnDone
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateMessage:
		return "message"
	case UpdatePapers:
		return "papers"
	case UpdateConnectionState:
		return "connection_state"
	case UpdateTurnDone:
		return "turn_done"
	default:
		return "unknown"
	}
}

// Update is one consumer-facing delivery event. Exactly one payload field is
// set, selected by Kind.
type Update struct {
	Kind    UpdateKind
	Message *domain.Message
	Papers  []domain.Paper
	State   ConnectionState
	Reason  Reason
}
