// Package session tracks backend session identity per room and recreates
// sessions transparently once they go stale.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wellspring-health/chatlink/internal/domain"
	"github.com/wellspring-health/chatlink/internal/store"
)

// Creator obtains a fresh session from the guidance backend.
type Creator interface {
	CreateSession(ctx context.Context, userID string) (string, error)
}

// Registry hands out a valid session for a room, creating or replacing the
// stored one as needed. Callers never see session expiry: Ensure always
// returns a usable session or an error from the backend.
type Registry struct {
	repo    store.Repository
	creator Creator
	timeout time.Duration
	logger  *slog.Logger
}

// NewRegistry creates a session registry. timeout is how long a session
// stays usable after its last recorded activity.
func NewRegistry(repo store.Repository, creator Creator, timeout time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		repo:    repo,
		creator: creator,
		timeout: timeout,
		logger:  logger,
	}
}

// Ensure returns a valid session for the room, creating one when none is
// stored, the stored one has gone stale, or it belongs to another user.
// The second return reports whether a new session was created.
func (r *Registry) Ensure(ctx context.Context, userID, roomID string) (*domain.Session, bool, error) {
	now := time.Now()

	stored, err := r.repo.GetSession(ctx, roomID)
	if err != nil {
		return nil, false, fmt.Errorf("load session: %w", err)
	}
	if stored != nil && stored.UserID == userID && stored.Valid(r.timeout, now) {
		stored.Touch(now)
		if err := r.repo.UpdateSessionActivity(ctx, roomID, now); err != nil {
			r.logger.Warn("failed to record session activity",
				"room_id", roomID,
				"error", err)
		}
		return stored, false, nil
	}

	if stored != nil {
		r.logger.Info("stored session unusable, creating replacement",
			"room_id", roomID,
			"session_id", stored.SessionID,
			"idle", now.Sub(stored.LastActiveAt).Round(time.Second))
	}

	sessionID, err := r.creator.CreateSession(ctx, userID)
	if err != nil {
		return nil, false, fmt.Errorf("create session: %w", err)
	}

	sess := &domain.Session{
		RoomID:       roomID,
		SessionID:    sessionID,
		UserID:       userID,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	if err := r.repo.UpsertSession(ctx, sess); err != nil {
		return nil, false, fmt.Errorf("persist session: %w", err)
	}

	r.logger.Info("session created",
		"room_id", roomID,
		"session_id", sessionID)
	return sess, true, nil
}

// Current returns the stored session when it is still usable for the user,
// nil otherwise. Unlike Ensure it never creates one.
func (r *Registry) Current(ctx context.Context, userID, roomID string) (*domain.Session, error) {
	stored, err := r.repo.GetSession(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if stored == nil || stored.UserID != userID || !stored.Valid(r.timeout, time.Now()) {
		return nil, nil
	}
	return stored, nil
}

// Touch records activity on the room's session, extending its freshness.
func (r *Registry) Touch(ctx context.Context, roomID string) {
	if err := r.repo.UpdateSessionActivity(ctx, roomID, time.Now()); err != nil {
		r.logger.Warn("failed to touch session",
			"room_id", roomID,
			"error", err)
	}
}

// Clear forgets the room's session so the next Ensure creates a fresh one.
func (r *Registry) Clear(ctx context.Context, roomID string) error {
	if err := r.repo.DeleteSession(ctx, roomID); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}
