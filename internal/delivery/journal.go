package delivery

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"
)

// JournalEvent is one line in a room's delivery journal.
type JournalEvent struct {
	Timestamp     time.Time `json:"timestamp"`
	UserID        string    `json:"user_id"`
	RoomID        string    `json:"room_id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Transport     string    `json:"transport,omitempty"`
	Direction     string    `json:"direction"`
	EventType     string    `json:"event_type"`
	ContentRaw    string    `json:"content_raw,omitempty"`
	// Content is ContentRaw collapsed to one readable line; populated by
	// the journal, not the caller.
	Content string `json:"content,omitempty"`
}

// Journal records delivery traffic per room as NDJSON. Logging never blocks
// delivery: events queue into a bounded channel and a full queue drops with
// a warning.
type Journal interface {
	Log(event JournalEvent)
	Close() error
}

// JournalConfig holds delivery journal settings.
type JournalConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// NewJournal creates a journal. Disabled configuration yields a no-op
// implementation so callers never branch.
func NewJournal(cfg JournalConfig, logger *slog.Logger) (Journal, error) {
	if !cfg.Enabled {
		return noopJournal{}, nil
	}
	if cfg.Dir == "" {
		return nil, errors.New("journal directory required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	j := &fileJournal{
		dir:    cfg.Dir,
		queue:  make(chan JournalEvent, cfg.QueueSize),
		done:   make(chan struct{}),
		files:  make(map[string]*os.File),
		logger: logger,
	}
	go j.worker()
	return j, nil
}

type noopJournal struct{}

func (noopJournal) Log(JournalEvent) {}
func (noopJournal) Close() error     { return nil }

type fileJournal struct {
	dir    string
	queue  chan JournalEvent
	done   chan struct{}
	logger *slog.Logger

	closeOnce sync.Once
	// files is touched only by the worker goroutine.
	files map[string]*os.File
}

// Log enqueues an event for the background writer.
func (j *fileJournal) Log(event JournalEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	event.Content = collapseContent(event.ContentRaw)

	select {
	case j.queue <- event:
	default:
		j.logger.Warn("[JOURNAL] Queue full, dropping event",
			"event_type", event.EventType,
			"room_id", event.RoomID)
	}
}

// Close drains the queue, flushes open files and stops the worker.
func (j *fileJournal) Close() error {
	j.closeOnce.Do(func() {
		close(j.queue)
	})
	<-j.done
	return nil
}

func (j *fileJournal) worker() {
	defer close(j.done)
	for event := range j.queue {
		j.write(event)
	}
	for _, f := range j.files {
		if err := f.Close(); err != nil {
			j.logger.Warn("[JOURNAL] Failed to close file", "error", err)
		}
	}
}

func (j *fileJournal) write(event JournalEvent) {
	path := filepath.Join(j.dir, pathComponent(event.UserID), pathComponent(event.RoomID)+".ndjson")

	f, ok := j.files[path]
	if !ok {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			j.logger.Warn("[JOURNAL] Failed to create subdirectory", "path", path, "error", err)
			return
		}
		var err error
		f, err = os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			j.logger.Warn("[JOURNAL] Failed to open file", "path", path, "error", err)
			return
		}
		j.files[path] = f
	}

	line, err := json.Marshal(event)
	if err != nil {
		j.logger.Warn("[JOURNAL] Failed to encode event", "error", err)
		return
	}
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		j.logger.Warn("[JOURNAL] Failed to write event", "path", path, "error", err)
	}
}

// pathComponent makes an identifier safe to use as a file name segment.
func pathComponent(s string) string {
	if s == "" {
		return "unknown"
	}
	s = strings.ReplaceAll(s, string(os.PathSeparator), "_")
	s = strings.ReplaceAll(s, "..", "_")
	return s
}

// collapseContent folds raw content onto one line: control characters and
// whitespace runs become single spaces so journals stay grep-friendly.
func collapseContent(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	pendingSpace := false
	for _, r := range raw {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			pendingSpace = true
			continue
		}
		if pendingSpace && b.Len() > 0 {
			b.WriteByte(' ')
		}
		pendingSpace = false
		b.WriteRune(r)
	}
	return b.String()
}
