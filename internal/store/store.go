// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/wellspring-health/chatlink/internal/domain"
)

// Repository defines the interface for persisting the local message cache
// and the session registry.
type Repository interface {
	// GetMessageCache retrieves the serialized message blob for a room.
	// Returns found=false when the room has no cached messages.
	GetMessageCache(ctx context.Context, roomID string) (blob string, found bool, err error)

	// UpsertMessageCache creates or replaces the serialized message blob
	// for a room.
	UpsertMessageCache(ctx context.Context, roomID string, blob string) error

	// DeleteMessageCache removes the cached messages for a room.
	DeleteMessageCache(ctx context.Context, roomID string) error

	// GetSession retrieves the session tracked for a room, or nil.
	GetSession(ctx context.Context, roomID string) (*domain.Session, error)

	// UpsertSession creates or updates the session tracked for a room.
	UpsertSession(ctx context.Context, session *domain.Session) error

	// UpdateSessionActivity updates last_active_at for a room's session.
	UpdateSessionActivity(ctx context.Context, roomID string, lastActive time.Time) error

	// DeleteSession removes the session tracked for a room.
	DeleteSession(ctx context.Context, roomID string) error

	// CleanupExpiredSessions removes sessions idle longer than maxAge.
	CleanupExpiredSessions(ctx context.Context, maxAge time.Duration) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
