package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/wellspring-health/chatlink/internal/domain"
	"github.com/wellspring-health/chatlink/internal/shared"
)

// evictTargetRatio is the fraction of the byte cap eviction shrinks to.
// Leaving headroom below the cap avoids evicting on every subsequent save.
const evictTargetRatio = 0.8

type cacheEnvelope struct {
	Messages []domain.Message `json:"messages"`
}

// Cache persists per-room message transcripts as a single serialized blob,
// enforcing a byte cap by evicting oldest messages first. Storage failures
// never propagate to callers as fatal: the cache degrades to the in-memory
// transcript and self-heals by clearing the room's row.
type Cache struct {
	repo        Repository
	maxBytes    int
	minRetained int
	logger      *slog.Logger
}

// NewCache creates a message cache over the given repository.
func NewCache(repo Repository, maxBytes, minRetained int, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		repo:        repo,
		maxBytes:    maxBytes,
		minRetained: minRetained,
		logger:      logger,
	}
}

// Load returns the persisted transcript for a room. A missing or corrupt
// blob yields an empty transcript, never an error: the room simply starts
// fresh and the corrupt row is cleared.
func (c *Cache) Load(ctx context.Context, roomID string) ([]domain.Message, error) {
	blob, found, err := c.repo.GetMessageCache(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("load message cache: %w", err)
	}
	if !found {
		return []domain.Message{}, nil
	}

	var envelope cacheEnvelope
	if err := json.Unmarshal([]byte(blob), &envelope); err != nil {
		c.logger.Warn("message cache blob corrupt, clearing",
			"room_id", roomID,
			"error", err)
		if delErr := c.repo.DeleteMessageCache(ctx, roomID); delErr != nil {
			c.logger.Warn("failed to clear corrupt message cache",
				"room_id", roomID,
				"error", delErr)
		}
		return []domain.Message{}, nil
	}
	if envelope.Messages == nil {
		return []domain.Message{}, nil
	}
	return envelope.Messages, nil
}

// Save persists the transcript for a room, evicting oldest messages when the
// serialized blob exceeds the byte cap. It returns the retained slice, which
// callers should adopt as the authoritative transcript. A quota failure
// clears the room's row and retries once; if storage still refuses the
// write, Save logs and returns the retained slice so the caller continues
// on the in-memory transcript.
func (c *Cache) Save(ctx context.Context, roomID string, messages []domain.Message) ([]domain.Message, error) {
	retained, blob, err := c.trim(messages)
	if err != nil {
		return messages, fmt.Errorf("serialize message cache: %w", err)
	}

	if len(retained) < len(messages) {
		c.logger.Info("evicted oldest messages to fit cache cap",
			"room_id", roomID,
			"evicted", len(messages)-len(retained),
			"retained", len(retained),
			"bytes", len(blob))
	}

	err = c.repo.UpsertMessageCache(ctx, roomID, blob)
	if err == nil {
		return retained, nil
	}
	if !shared.IsSQLiteQuotaError(err) {
		return retained, fmt.Errorf("save message cache: %w", err)
	}

	// Storage is out of space. Drop this room's row to reclaim what we can
	// and try once more before falling back to memory only.
	c.logger.Warn("storage quota exceeded, clearing room cache and retrying",
		"room_id", roomID,
		"error", err)
	if delErr := c.repo.DeleteMessageCache(ctx, roomID); delErr != nil {
		c.logger.Warn("failed to clear room cache after quota error",
			"room_id", roomID,
			"error", delErr)
	}

	if retryErr := c.repo.UpsertMessageCache(ctx, roomID, blob); retryErr != nil {
		c.logger.Error("message cache write failed after self-heal, continuing in memory",
			"room_id", roomID,
			"error", retryErr)
	}
	return retained, nil
}

// Clear removes the persisted transcript for a room.
func (c *Cache) Clear(ctx context.Context, roomID string) error {
	if err := c.repo.DeleteMessageCache(ctx, roomID); err != nil {
		return fmt.Errorf("clear message cache: %w", err)
	}
	return nil
}

// trim serializes messages, evicting from the front while the blob exceeds
// the byte cap. Eviction stops once the blob shrinks under the target ratio
// of the cap, or once only minRetained messages remain. The floor takes
// precedence over the cap: recent context is worth more than the headroom.
func (c *Cache) trim(messages []domain.Message) ([]domain.Message, string, error) {
	retained := messages
	blob, err := json.Marshal(cacheEnvelope{Messages: retained})
	if err != nil {
		return nil, "", err
	}
	if len(blob) <= c.maxBytes {
		return retained, string(blob), nil
	}

	target := int(float64(c.maxBytes) * evictTargetRatio)
	for len(blob) > target && len(retained) > c.minRetained {
		retained = retained[1:]
		blob, err = json.Marshal(cacheEnvelope{Messages: retained})
		if err != nil {
			return nil, "", err
		}
	}
	return retained, string(blob), nil
}
