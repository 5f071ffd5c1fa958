// Package domain contains core domain types for the chatlink delivery layer.
package domain

import (
	"strings"
	"time"
)

// Sender identifies which side of the conversation produced a message.
type Sender string

const (
	// SenderUser marks a message typed by the user.
	SenderUser Sender = "user"
	// SenderAssistant marks a message produced by the guidance agent.
	SenderAssistant Sender = "assistant"
)

// MessageStatus tracks a message through its delivery lifecycle.
type MessageStatus string

const (
	// StatusPending indicates the message is queued but not yet processed.
	StatusPending MessageStatus = "pending"
	// StatusProcessing indicates the agent is working on a reply.
	StatusProcessing MessageStatus = "processing"
	// StatusTyping indicates partial reply text is streaming in.
	StatusTyping MessageStatus = "typing"
	// StatusReady indicates the message text is final.
	StatusReady MessageStatus = "ready"
	// StatusError indicates the turn failed with a visible error.
	StatusError MessageStatus = "error"
)

// statusRank orders the forward-only lifecycle. Error is reachable from
// anywhere; no status ever moves backward.
var statusRank = map[MessageStatus]int{
	StatusPending:    0,
	StatusProcessing: 1,
	StatusTyping:     2,
	StatusReady:      3,
	StatusError:      4,
}

// Known reports whether s is one of the defined message statuses.
func (s MessageStatus) Known() bool {
	_, ok := statusRank[s]
	return ok
}

// Final reports whether a message with this status is immutable.
func (s MessageStatus) Final() bool {
	return s == StatusReady || s == StatusError
}

// CanAdvanceTo reports whether the lifecycle permits moving from s to next.
// Same-status updates are allowed (streaming chunks repeat "typing").
func (s MessageStatus) CanAdvanceTo(next MessageStatus) bool {
	if next == StatusError {
		return true
	}
	cur, ok := statusRank[s]
	if !ok {
		return next.Known()
	}
	nxt, ok := statusRank[next]
	if !ok {
		return false
	}
	return nxt >= cur
}

// Message is one entry in a room's conversation.
type Message struct {
	ID            string        `json:"id"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	Sender        Sender        `json:"sender"`
	Text          string        `json:"text"`
	Status        MessageStatus `json:"status"`
	Timestamp     time.Time     `json:"timestamp"`
}

// correlationDelimiter separates the base turn identifier from event
// suffixes, e.g. "abc123::tool_call::1".
const correlationDelimiter = "::"

// BaseCorrelation strips any suffix from a correlation identifier so that
// all wire events belonging to one logical turn group together.
func BaseCorrelation(id string) string {
	if i := strings.Index(id, correlationDelimiter); i >= 0 {
		return id[:i]
	}
	return id
}

// Paper is a supplementary literature reference delivered alongside a turn.
// Papers are side-channel attachments: they are never stored as Messages and
// never participate in completion or correlation logic.
type Paper struct {
	Title  string `json:"title"`
	URL    string `json:"url,omitempty"`
	Source string `json:"source,omitempty"`
}
