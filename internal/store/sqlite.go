package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/wellspring-health/chatlink/internal/domain"
	"github.com/wellspring-health/chatlink/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	cacheMu sync.Mutex // Serializes message cache writes to prevent SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS message_cache (
		room_id TEXT PRIMARY KEY,
		messages_json TEXT NOT NULL,
		byte_size INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_message_cache_updated ON message_cache(updated_at);

	CREATE TABLE IF NOT EXISTS sessions (
		room_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		last_active_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_last_active ON sessions(last_active_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetMessageCache retrieves the serialized message blob for a room.
func (s *SQLiteStore) GetMessageCache(ctx context.Context, roomID string) (string, bool, error) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	query := `SELECT messages_json FROM message_cache WHERE room_id = ?`
	row := s.db.QueryRowContext(ctx, query, roomID)

	var blob string
	err := row.Scan(&blob)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("scan message cache row: %w", err)
	}
	return blob, true, nil
}

// UpsertMessageCache creates or replaces the serialized message blob for a
// room. Retries with exponential backoff on SQLITE_BUSY.
func (s *SQLiteStore) UpsertMessageCache(ctx context.Context, roomID string, blob string) error {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		err := s.upsertMessageCacheOnce(ctx, roomID, blob)
		if err == nil {
			return nil
		}

		if shared.IsSQLiteConflictError(err) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i) // 100ms, 200ms, 400ms
			slog.Debug("UpsertMessageCache hit SQLITE_BUSY, retrying",
				"room_id", roomID,
				"attempt", i+1,
				"delay", delay)
			time.Sleep(delay)
			continue
		}

		return fmt.Errorf("upsert message cache for %s: %w", roomID, err)
	}

	return nil
}

func (s *SQLiteStore) upsertMessageCacheOnce(ctx context.Context, roomID string, blob string) error {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	query := `
		INSERT INTO message_cache (room_id, messages_json, byte_size, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET
			messages_json = excluded.messages_json,
			byte_size = excluded.byte_size,
			updated_at = excluded.updated_at`

	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, query, roomID, blob, len(blob), now, now)
	return err
}

// DeleteMessageCache removes the cached messages for a room.
func (s *SQLiteStore) DeleteMessageCache(ctx context.Context, roomID string) error {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	query := `DELETE FROM message_cache WHERE room_id = ?`
	if _, err := s.db.ExecContext(ctx, query, roomID); err != nil {
		return fmt.Errorf("delete message cache: %w", err)
	}
	return nil
}

// GetSession retrieves the session tracked for a room.
func (s *SQLiteStore) GetSession(ctx context.Context, roomID string) (*domain.Session, error) {
	query := `
		SELECT room_id, session_id, user_id, created_at, last_active_at
		FROM sessions WHERE room_id = ?`

	row := s.db.QueryRowContext(ctx, query, roomID)

	var sess domain.Session
	var createdAt, lastActiveAt int64

	err := row.Scan(&sess.RoomID, &sess.SessionID, &sess.UserID, &createdAt, &lastActiveAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.LastActiveAt = time.Unix(lastActiveAt, 0)
	return &sess, nil
}

// UpsertSession creates or updates the session tracked for a room.
func (s *SQLiteStore) UpsertSession(ctx context.Context, session *domain.Session) error {
	query := `
		INSERT INTO sessions (room_id, session_id, user_id, created_at, last_active_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET
			session_id = excluded.session_id,
			user_id = excluded.user_id,
			created_at = excluded.created_at,
			last_active_at = excluded.last_active_at`

	_, err := s.db.ExecContext(ctx, query,
		session.RoomID, session.SessionID, session.UserID,
		session.CreatedAt.Unix(), session.LastActiveAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// UpdateSessionActivity updates last_active_at for a room's session.
func (s *SQLiteStore) UpdateSessionActivity(ctx context.Context, roomID string, lastActive time.Time) error {
	query := `UPDATE sessions SET last_active_at = ? WHERE room_id = ?`
	result, err := s.db.ExecContext(ctx, query, lastActive.Unix(), roomID)
	if err != nil {
		return fmt.Errorf("update session activity: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateSessionActivity affected 0 rows", "room_id", roomID)
	}
	return nil
}

// DeleteSession removes the session tracked for a room.
func (s *SQLiteStore) DeleteSession(ctx context.Context, roomID string) error {
	query := `DELETE FROM sessions WHERE room_id = ?`
	if _, err := s.db.ExecContext(ctx, query, roomID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// CleanupExpiredSessions removes sessions idle longer than maxAge.
func (s *SQLiteStore) CleanupExpiredSessions(ctx context.Context, maxAge time.Duration) (int64, error) {
	threshold := time.Now().Add(-maxAge).Unix()
	query := `DELETE FROM sessions WHERE last_active_at < ?`
	result, err := s.db.ExecContext(ctx, query, threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired sessions: %w", err)
	}
	return result.RowsAffected()
}
