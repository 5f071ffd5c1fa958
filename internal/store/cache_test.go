package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/wellspring-health/chatlink/internal/domain"
)

func newTestCache(t *testing.T, maxBytes, minRetained int) (*Cache, Repository) {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return NewCache(repo, maxBytes, minRetained, nil), repo
}

func makeMessages(n int) []domain.Message {
	msgs := make([]domain.Message, n)
	for i := range msgs {
		msgs[i] = domain.Message{
			ID:        fmt.Sprintf("msg-%04d", i),
			Sender:    domain.SenderAssistant,
			Text:      strings.Repeat("x", 80),
			Status:    domain.StatusReady,
			Timestamp: time.Unix(1700000000+int64(i), 0).UTC(),
		}
	}
	return msgs
}

func TestCache_Roundtrip(t *testing.T) {
	cache, _ := newTestCache(t, 256*1024, 50)
	ctx := context.Background()

	sent := makeMessages(3)
	retained, err := cache.Save(ctx, "room-1", sent)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if len(retained) != 3 {
		t.Fatalf("Expected 3 retained messages, got %d", len(retained))
	}

	loaded, err := cache.Load(ctx, "room-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(loaded) != 3 {
		t.Fatalf("Expected 3 loaded messages, got %d", len(loaded))
	}
	if loaded[0].ID != "msg-0000" || loaded[2].ID != "msg-0002" {
		t.Errorf("Message order not preserved: %v, %v", loaded[0].ID, loaded[2].ID)
	}
	if loaded[1].Text != sent[1].Text {
		t.Errorf("Message text not preserved")
	}
}

func TestCache_LoadEmptyRoom(t *testing.T) {
	cache, _ := newTestCache(t, 256*1024, 50)

	loaded, err := cache.Load(context.Background(), "never-saved")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("Expected empty transcript, got %d messages", len(loaded))
	}
}

func TestCache_EvictsOldestOverCap(t *testing.T) {
	// Each message serializes to roughly 230 bytes; a 2000 byte cap forces
	// eviction well before 20 messages fit.
	cache, _ := newTestCache(t, 2000, 2)
	ctx := context.Background()

	retained, err := cache.Save(ctx, "room-1", makeMessages(20))
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if len(retained) >= 20 {
		t.Fatalf("Expected eviction, got all %d messages retained", len(retained))
	}
	if len(retained) < 2 {
		t.Fatalf("Retained %d messages, below the floor of 2", len(retained))
	}

	// The newest messages survive; the oldest go first.
	last := retained[len(retained)-1]
	if last.ID != "msg-0019" {
		t.Errorf("Expected newest message retained, got %s", last.ID)
	}
	first := retained[0]
	if first.ID == "msg-0000" {
		t.Error("Expected oldest message evicted")
	}

	loaded, err := cache.Load(ctx, "room-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(loaded) != len(retained) {
		t.Errorf("Persisted %d messages, expected %d", len(loaded), len(retained))
	}
}

func TestCache_FloorBeatsCap(t *testing.T) {
	// A cap this small cannot hold 5 messages, but the floor keeps them.
	cache, _ := newTestCache(t, 100, 5)

	retained, err := cache.Save(context.Background(), "room-1", makeMessages(12))
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if len(retained) != 5 {
		t.Errorf("Expected floor of 5 messages retained, got %d", len(retained))
	}
	if retained[4].ID != "msg-0011" {
		t.Errorf("Expected newest message retained at floor, got %s", retained[4].ID)
	}
}

func TestCache_UnderCapKeepsAll(t *testing.T) {
	cache, _ := newTestCache(t, 256*1024, 50)

	msgs := makeMessages(10)
	retained, err := cache.Save(context.Background(), "room-1", msgs)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if len(retained) != len(msgs) {
		t.Errorf("Expected no eviction under cap, got %d of %d", len(retained), len(msgs))
	}
}

func TestCache_CorruptBlobSelfHeals(t *testing.T) {
	cache, repo := newTestCache(t, 256*1024, 50)
	ctx := context.Background()

	if err := repo.UpsertMessageCache(ctx, "room-1", "{not json"); err != nil {
		t.Fatalf("UpsertMessageCache failed: %v", err)
	}

	loaded, err := cache.Load(ctx, "room-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("Expected empty transcript from corrupt blob, got %d messages", len(loaded))
	}

	// The corrupt row is cleared so the next load is clean.
	_, found, err := repo.GetMessageCache(ctx, "room-1")
	if err != nil {
		t.Fatalf("GetMessageCache failed: %v", err)
	}
	if found {
		t.Error("Expected corrupt row to be cleared")
	}
}

func TestCache_Clear(t *testing.T) {
	cache, _ := newTestCache(t, 256*1024, 50)
	ctx := context.Background()

	if _, err := cache.Save(ctx, "room-1", makeMessages(3)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := cache.Clear(ctx, "room-1"); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	loaded, err := cache.Load(ctx, "room-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("Expected empty transcript after clear, got %d messages", len(loaded))
	}
}

// quotaRepo simulates a storage layer that is out of space.
type quotaRepo struct {
	Repository
	failWrites int
	writes     int
	deletes    int
}

func (q *quotaRepo) UpsertMessageCache(ctx context.Context, roomID string, blob string) error {
	q.writes++
	if q.writes <= q.failWrites {
		return errors.New("database or disk is full")
	}
	return q.Repository.UpsertMessageCache(ctx, roomID, blob)
}

func (q *quotaRepo) DeleteMessageCache(ctx context.Context, roomID string) error {
	q.deletes++
	return q.Repository.DeleteMessageCache(ctx, roomID)
}

func TestCache_QuotaErrorClearsAndRetries(t *testing.T) {
	backing, err := NewSQLite(filepath.Join(t.TempDir(), "quota.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { backing.Close() })

	repo := &quotaRepo{Repository: backing, failWrites: 1}
	cache := NewCache(repo, 256*1024, 50, nil)
	ctx := context.Background()

	retained, err := cache.Save(ctx, "room-1", makeMessages(3))
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if len(retained) != 3 {
		t.Errorf("Expected retained transcript despite quota error, got %d", len(retained))
	}
	if repo.deletes == 0 {
		t.Error("Expected room cache cleared after quota error")
	}
	if repo.writes != 2 {
		t.Errorf("Expected one retry after quota error, got %d writes", repo.writes)
	}

	loaded, err := cache.Load(ctx, "room-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(loaded) != 3 {
		t.Errorf("Expected retry to persist transcript, got %d messages", len(loaded))
	}
}

func TestCache_PersistentQuotaFallsBackToMemory(t *testing.T) {
	backing, err := NewSQLite(filepath.Join(t.TempDir(), "quota.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { backing.Close() })

	repo := &quotaRepo{Repository: backing, failWrites: 10}
	cache := NewCache(repo, 256*1024, 50, nil)

	retained, err := cache.Save(context.Background(), "room-1", makeMessages(3))
	if err != nil {
		t.Fatalf("Expected nil error on persistent quota failure, got %v", err)
	}
	if len(retained) != 3 {
		t.Errorf("Expected in-memory transcript preserved, got %d", len(retained))
	}
}
