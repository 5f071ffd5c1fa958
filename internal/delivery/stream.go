package delivery

import (
	"bufio"
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wellspring-health/chatlink/internal/wire"
)

// maxStreamLineBytes bounds a single SSE line. Message payloads are chat
// text, so 1 MiB is generous.
const maxStreamLineBytes = 1 << 20

// StreamConfig holds stream watchdog settings.
type StreamConfig struct {
	// ConnectTimeout bounds the wait for the first event after Open.
	ConnectTimeout time.Duration
	// IdleTimeout bounds the quiet gap between events once the stream is
	// live. Keepalive pings reset it without being forwarded.
	IdleTimeout time.Duration
}

// DefaultStreamConfig returns default watchdog settings.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		ConnectTimeout: 15 * time.Second,
		IdleTimeout:    60 * time.Second,
	}
}

// StreamManager owns at most one SSE push connection. Events are parsed off
// the response body and handed to a single callback; any transport-level
// drop, watchdog expiry included, surfaces as a synthetic timeout event so
// the coordinator degrades to polling. Close is the one teardown path and
// is idempotent from any state.
type StreamManager struct {
	client  *Client
	cfg     StreamConfig
	onEvent func(wire.Event)
	logger  *slog.Logger

	mu   sync.Mutex
	conn *streamConn

	// Last-Event-ID bookkeeping, scoped to one turn. A reconnect within the
	// same turn offers the remembered id so the backend replays missed
	// events; a new turn starts clean.
	lastTurnID  string
	lastEventID string
}

type streamConn struct {
	cancel context.CancelFunc
	done   chan struct{}
	closed atomic.Bool
	once   sync.Once
}

// shutdown suppresses further dispatch, cancels the request and waits for
// the reader goroutine to exit. Never call from the reader itself.
func (c *streamConn) shutdown() {
	c.once.Do(func() {
		c.closed.Store(true)
		c.cancel()
		<-c.done
	})
}

// NewStreamManager creates a stream manager dispatching into onEvent.
func NewStreamManager(client *Client, cfg StreamConfig, onEvent func(wire.Event), logger *slog.Logger) *StreamManager {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultStreamConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	return &StreamManager{
		client:  client,
		cfg:     cfg,
		onEvent: onEvent,
		logger:  logger,
	}
}

// Open starts the push connection for a turn. A second Open while a
// connection is live is a warned no-op: the coordinator opens at most one
// stream per turn.
func (s *StreamManager) Open(ctx context.Context, turn Turn) {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		s.logger.Warn("stream already open, ignoring Open",
			"correlation_id", turn.CorrelationID)
		return
	}
	if s.lastTurnID != turn.CorrelationID {
		s.lastTurnID = turn.CorrelationID
		s.lastEventID = ""
	}
	lastID := s.lastEventID

	cctx, cancel := context.WithCancel(ctx)
	conn := &streamConn{cancel: cancel, done: make(chan struct{})}
	s.conn = conn
	s.mu.Unlock()

	go s.run(cctx, conn, turn, lastID)
}

// Active reports whether a push connection is currently open.
func (s *StreamManager) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Close tears down the push connection: cancels the request, stops event
// dispatch and waits for the reader goroutine. Safe to call repeatedly and
// when nothing is open.
func (s *StreamManager) Close() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return
	}
	conn.shutdown()
}

// shutdownAsync cancels the connection without waiting. Used on paths that
// run on the reader goroutine itself, where a blocking Close would deadlock.
func (s *StreamManager) shutdownAsync() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return
	}
	conn.closed.Store(true)
	conn.cancel()
}

func (s *StreamManager) run(ctx context.Context, conn *streamConn, turn Turn, lastEventID string) {
	defer close(conn.done)

	terminal := s.consume(ctx, conn, turn, lastEventID)

	// Release before any synthetic dispatch so the handler can reopen
	// immediately.
	s.release(conn)
	if terminal || conn.closed.Load() {
		return
	}

	// The connection dropped without the backend ending the turn. Degrade
	// exactly as an explicit timeout would.
	s.logger.Info("stream dropped, degrading",
		"correlation_id", turn.CorrelationID)
	s.dispatch(conn, wire.SyntheticTimeout())
}

// consume reads the SSE body until a terminal event, a watchdog expiry or a
// transport drop. Returns true when a terminal event was dispatched.
func (s *StreamManager) consume(ctx context.Context, conn *streamConn, turn Turn, lastEventID string) bool {
	// The watchdog covers connect and first event; after that each event
	// re-arms it with the idle timeout. Expiry cancels the request, which
	// surfaces here as a read error.
	watchdog := time.AfterFunc(s.cfg.ConnectTimeout, conn.cancel)
	defer watchdog.Stop()

	resp, err := s.client.OpenStream(ctx, turn.UserID, turn.SessionID, lastEventID)
	if err != nil {
		if !conn.closed.Load() {
			s.logger.Warn("stream connect failed",
				"correlation_id", turn.CorrelationID,
				"error", err)
		}
		return false
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxStreamLineBytes)

	var eventName string
	var data strings.Builder

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if eventName == "" && data.Len() == 0 {
				continue
			}
			name := eventName
			if name == "" {
				name = wire.EventNameMessage
			}
			payload := data.String()
			eventName = ""
			data.Reset()

			watchdog.Reset(s.cfg.IdleTimeout)
			if name == wire.EventNamePing {
				continue
			}

			ev, err := wire.ParseStreamEvent(name, []byte(payload))
			if err != nil {
				s.logger.Warn("dropping malformed stream event",
					"event", name,
					"error", err)
				continue
			}
			s.dispatch(conn, ev)
			if ev.Kind.Terminal() {
				return true
			}

		case strings.HasPrefix(line, ":"):
			// Comment keepalive. Feeds the watchdog, never the coordinator.
			watchdog.Reset(s.cfg.IdleTimeout)

		default:
			field, value := splitField(line)
			switch field {
			case "event":
				eventName = value
			case "data":
				if data.Len() > 0 {
					data.WriteByte('\n')
				}
				data.WriteString(value)
			case "id":
				s.rememberEventID(turn.CorrelationID, value)
			case "retry":
				// Reconnect pacing hint. Degrade handles reconnection here,
				// so the hint is accepted and unused.
			}
		}
	}

	if err := scanner.Err(); err != nil && !conn.closed.Load() {
		s.logger.Debug("stream read ended",
			"correlation_id", turn.CorrelationID,
			"error", err)
	}
	return false
}

func (s *StreamManager) dispatch(conn *streamConn, ev wire.Event) {
	if conn.closed.Load() {
		return
	}
	s.onEvent(ev)
}

func (s *StreamManager) release(conn *streamConn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	conn.cancel()
}

func (s *StreamManager) rememberEventID(turnID, id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	s.lastTurnID = turnID
	s.lastEventID = id
	s.mu.Unlock()
}

func splitField(line string) (string, string) {
	field, value, found := strings.Cut(line, ":")
	if !found {
		return line, ""
	}
	return field, strings.TrimPrefix(value, " ")
}
