package wire

import (
	"encoding/json"
	"fmt"

	"github.com/wellspring-health/chatlink/internal/domain"
)

// EventKind tags the normalized delivery event union.
type EventKind int

const (
	// KindConnected acknowledges an established stream; no payload forwarded.
	KindConnected EventKind = iota
	// KindMessage carries assistant text with status and correlation.
	KindMessage
	// KindPapers carries a side-channel reference list.
	KindPapers
	// KindStatus carries a bare status update for the active turn.
	KindStatus
	// KindComplete is the backend's explicit end-of-turn signal.
	KindComplete
	// KindTimeout instructs the client to degrade to polling. Synthesized
	// for transport-level drops as well as received on the wire.
	KindTimeout
	// KindError carries a visible backend error; terminal for the turn.
	KindError
)

// String returns the event kind name for logging.
func (k EventKind) String() string {
	switch k {
	case KindConnected:
		return "connected"
	case KindMessage:
		return "message"
	case KindPapers:
		return "papers"
	case KindStatus:
		return "status"
	case KindComplete:
		return "complete"
	case KindTimeout:
		return "timeout"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Terminal reports whether this kind ends the push stream. The reader
// shuts the connection down itself after dispatching a terminal event.
func (k EventKind) Terminal() bool {
	return k == KindComplete || k == KindTimeout || k == KindError
}

// Event is the tagged union every transport normalizes into. Exactly the
// fields matching Kind are populated; all other fields are zero.
type Event struct {
	Kind    EventKind
	Message *MessagePayload
	Papers  []domain.Paper
	Status  string
	Err     string
}

// ErrUnknownEvent reports a stream event name outside the contract.
var ErrUnknownEvent = fmt.Errorf("unknown stream event")

// ParseStreamEvent normalizes one named SSE event into an Event. It is the
// single entry point for stream payloads; malformed data returns an error so
// the caller can drop the event and keep the stream alive.
func ParseStreamEvent(name string, data []byte) (Event, error) {
	switch name {
	case EventNameConnected:
		var p ConnectedPayload
		if len(data) > 0 {
			if err := json.Unmarshal(data, &p); err != nil {
				return Event{}, fmt.Errorf("decode connected payload: %w", err)
			}
		}
		return Event{Kind: KindConnected}, nil

	case EventNameMessage:
		var p MessagePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return Event{}, fmt.Errorf("decode message payload: %w", err)
		}
		if p.Body() == "" && p.Status == "" {
			return Event{}, fmt.Errorf("decode message payload: empty text and status")
		}
		return Event{Kind: KindMessage, Message: &p}, nil

	case EventNamePapers:
		var p PapersPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return Event{}, fmt.Errorf("decode papers payload: %w", err)
		}
		return Event{Kind: KindPapers, Papers: p.Papers}, nil

	case EventNameStatus:
		var p StatusPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return Event{}, fmt.Errorf("decode status payload: %w", err)
		}
		if p.Status == "" {
			return Event{}, fmt.Errorf("decode status payload: empty status")
		}
		return Event{Kind: KindStatus, Status: p.Status}, nil

	case EventNameComplete:
		return Event{Kind: KindComplete}, nil

	case EventNameTimeout:
		return Event{Kind: KindTimeout}, nil

	case EventNameError:
		var p ErrorPayload
		if len(data) > 0 {
			if err := json.Unmarshal(data, &p); err != nil {
				return Event{}, fmt.Errorf("decode error payload: %w", err)
			}
		}
		return Event{Kind: KindError, Err: p.Error}, nil

	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}
}

// SyntheticTimeout builds the event used when the underlying connection
// drops without a named timeout from the backend. Connection loss and an
// explicit timeout degrade identically.
func SyntheticTimeout() Event {
	return Event{Kind: KindTimeout}
}

// Events flattens a poll response into the shared event union, in wire
// order: messages first, then papers, then the aggregated status. The
// has_pending flag is not an event; the poller reports it per cycle.
func (p *PollResponse) Events() []Event {
	events := make([]Event, 0, len(p.Messages)+2)
	for i := range p.Messages {
		m := p.Messages[i]
		events = append(events, Event{Kind: KindMessage, Message: &m})
	}
	if len(p.Papers) > 0 {
		events = append(events, Event{Kind: KindPapers, Papers: p.Papers})
	}
	if p.CurrentStatus != "" {
		events = append(events, Event{Kind: KindStatus, Status: p.CurrentStatus})
	}
	return events
}
