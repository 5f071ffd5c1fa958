// Package wire defines the HTTP/SSE contract shared by the delivery client
// and the guidance backend.
package wire

import (
	"encoding/json"

	"github.com/wellspring-health/chatlink/internal/domain"
)

// Stream event names emitted by the backend.
const (
	EventNameConnected = "connected"
	EventNameMessage   = "message"
	EventNamePapers    = "papers"
	EventNameStatus    = "status"
	EventNameComplete  = "complete"
	EventNameTimeout   = "timeout"
	EventNameError     = "error"
	EventNamePing      = "ping"
)

// Identity headers carried on every client request.
const (
	HeaderUserID    = "X-Wellspring-User-ID"
	HeaderSessionID = "X-Wellspring-Session-ID"
)

// SendRequest is the body of POST /api/chat/send.
type SendRequest struct {
	Message string `json:"message"`
	RoomID  string `json:"room_id,omitempty"`
}

// SendResponse acknowledges an accepted send. The reply itself arrives
// asynchronously over the stream or poll transport.
type SendResponse struct {
	Accepted      bool   `json:"accepted"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// MessagePayload is one assistant message on the wire. Older backend builds
// populate "message" instead of "text"; Body() resolves the two.
type MessagePayload struct {
	Text          string `json:"text,omitempty"`
	Message       string `json:"message,omitempty"`
	Status        string `json:"status,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	// Ordinal is the event's position within its correlation group.
	// Always emitted by the backend so redeliveries dedup exactly; -1
	// after parsing when the sender did not assign one.
	Ordinal int `json:"ordinal"`
}

// UnmarshalJSON decodes a message payload, defaulting Ordinal to -1 so an
// absent field is distinguishable from an explicit ordinal 0.
func (p *MessagePayload) UnmarshalJSON(data []byte) error {
	type alias MessagePayload
	aux := alias{Ordinal: -1}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*p = MessagePayload(aux)
	return nil
}

// Body returns the display text, resolving the text/message field split.
func (p *MessagePayload) Body() string {
	if p.Text != "" {
		return p.Text
	}
	return p.Message
}

// PapersPayload carries supplementary literature references.
type PapersPayload struct {
	Papers []domain.Paper `json:"papers"`
}

// StatusPayload carries a bare turn-status update.
type StatusPayload struct {
	Status string `json:"status"`
}

// ErrorPayload carries a human-readable backend error.
type ErrorPayload struct {
	Error string `json:"error"`
}

// ConnectedPayload acknowledges an established stream.
type ConnectedPayload struct {
	Status  string `json:"status"`
	UserID  string `json:"user_id,omitempty"`
	EventID int64  `json:"event_id,omitempty"`
}

// PollResponse is the body of GET /api/chat/poll.
//
// HasPending is a pointer so that an absent flag is distinguishable from an
// explicit false: when present it is the authoritative "more messages are
// coming" signal; when absent the client falls back to its own inactivity
// heuristics.
type PollResponse struct {
	Messages      []MessagePayload `json:"messages"`
	Papers        []domain.Paper   `json:"papers,omitempty"`
	HasPending    *bool            `json:"has_pending,omitempty"`
	CurrentStatus string           `json:"current_status,omitempty"`
}

// SessionCreateResponse is the body of POST /api/session/create.
type SessionCreateResponse struct {
	SessionID string `json:"session_id"`
}

// HistoryMessage is one restored transcript entry from GET /api/chat/history.
type HistoryMessage struct {
	Text      string `json:"text"`
	Sender    string `json:"sender"`
	Timestamp string `json:"timestamp"`
}

// HistoryResponse is the body of GET /api/chat/history.
type HistoryResponse struct {
	Messages []HistoryMessage `json:"messages"`
}
