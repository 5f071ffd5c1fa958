package domain

import (
	"time"
)

// Session identifies one conversation with the guidance backend.
// The backend issues the SessionID; the client tracks freshness locally.
type Session struct {
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	RoomID       string    `json:"room_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// Valid reports whether the session is still within its freshness window.
// Once invalid, a new session must be created before further sends.
func (s *Session) Valid(timeout time.Duration, now time.Time) bool {
	if s == nil || s.SessionID == "" {
		return false
	}
	return now.Sub(s.LastActiveAt) < timeout
}

// Touch records activity, extending the freshness window.
func (s *Session) Touch(now time.Time) {
	s.LastActiveAt = now
}
