// Package guide implements the simulated health-guidance backend: it accepts
// chat turns, stages scripted replies through the full delivery lifecycle,
// and serves them over SSE with a polling fallback.
package guide

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wellspring-health/chatlink/internal/domain"
	"github.com/wellspring-health/chatlink/internal/wire"
)

// ErrClosed is returned by operations on a closed service.
var ErrClosed = errors.New("guide: service closed")

// Config holds guide service settings.
type Config struct {
	// TurnTTL is how long an idle session's state is retained.
	TurnTTL time.Duration
	// GCInterval is how often idle sessions are swept.
	GCInterval time.Duration
	// MaxQueued bounds the per-session replay queue.
	MaxQueued int
	// PollWait is how long an empty poll is held open while a turn is
	// mid-flight, so fallback clients pick up events without hammering.
	PollWait time.Duration
}

func (c Config) withDefaults() Config {
	if c.TurnTTL <= 0 {
		c.TurnTTL = 30 * time.Minute
	}
	if c.GCInterval <= 0 {
		c.GCInterval = 5 * time.Minute
	}
	if c.MaxQueued <= 0 {
		c.MaxQueued = 100
	}
	if c.PollWait <= 0 {
		c.PollWait = time.Second
	}
	return c
}

// Event is one staged delivery on a session's event log. Data is the
// serialized SSE payload; Message and Papers carry the structured forms the
// poll endpoint returns.
type Event struct {
	ID      int64
	Name    string
	Data    string
	Message *wire.MessagePayload
	Papers  []domain.Paper
	Status  string
}

// turnState tracks one in-flight reply.
type turnState struct {
	correlationID string
	status        domain.MessageStatus
	ordinal       int
	active        bool
	startedAt     time.Time
	finalText     string
}

// sessionState is all per-session state: the bounded event log consumed by
// both transports, the poll cursor, live SSE subscribers, and the visible
// transcript.
type sessionState struct {
	mu         sync.Mutex
	userID     string
	sessionID  string
	createdAt  time.Time
	lastActive time.Time

	eventSeq   int64
	events     *list.List // *Event, oldest first
	pollCursor int64

	turn    *turnState
	history []wire.HistoryMessage

	subSeq      int64
	subscribers map[int64]chan *Event
	notify      chan struct{} // closed and replaced on every append
}

func sessionKey(userID, sessionID string) string {
	return userID + ":" + sessionID
}

// Service owns the turn table and drives responders. One producer goroutine
// runs per accepted send; events fan out to SSE subscribers immediately and
// remain queued for replay and polling.
type Service struct {
	cfg       Config
	responder Responder
	logger    *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*sessionState

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// NewService creates the guide service and starts its background sweeper.
func NewService(responder Responder, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:       cfg.withDefaults(),
		responder: responder,
		logger:    logger,
		sessions:  make(map[string]*sessionState),
		baseCtx:   ctx,
		cancel:    cancel,
	}
	s.wg.Add(1)
	go s.runGC()
	return s
}

// session returns the state for the given identity, creating it on first
// touch. Unknown session IDs are accepted so clients restored from local
// state keep working across backend restarts.
func (s *Service) session(userID, sessionID string) *sessionState {
	key := sessionKey(userID, sessionID)
	s.mu.RLock()
	sess, ok := s.sessions[key]
	s.mu.RUnlock()
	if ok {
		return sess
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[key]; ok {
		return sess
	}
	now := time.Now()
	sess = &sessionState{
		userID:      userID,
		sessionID:   sessionID,
		createdAt:   now,
		lastActive:  now,
		events:      list.New(),
		subscribers: make(map[int64]chan *Event),
		notify:      make(chan struct{}),
	}
	s.sessions[key] = sess
	return sess
}

// CreateSession mints a fresh session ID for the user.
func (s *Service) CreateSession(userID string) string {
	sessionID := uuid.NewString()
	s.session(userID, sessionID)
	s.logger.Info("session created", "user_id", userID, "session_id", sessionID)
	return sessionID
}

// StartTurn accepts a user message and spawns the producer for its reply.
// An unfinished previous turn on the same session is superseded. Returns the
// correlation ID the reply's events will carry.
func (s *Service) StartTurn(ctx context.Context, p Prompt) (string, error) {
	if s.closed.Load() {
		return "", ErrClosed
	}

	sess := s.session(p.UserID, p.SessionID)
	now := time.Now()
	correlationID := uuid.NewString()
	turn := &turnState{
		correlationID: correlationID,
		status:        domain.StatusPending,
		active:        true,
		startedAt:     now,
	}

	sess.mu.Lock()
	if prev := sess.turn; prev != nil && prev.active {
		prev.active = false
		s.logger.Info("superseding unfinished turn",
			"user_id", p.UserID,
			"session_id", p.SessionID,
			"old_correlation_id", prev.correlationID,
			"new_correlation_id", correlationID)
	}
	sess.turn = turn
	sess.history = append(sess.history, wire.HistoryMessage{
		Text:      p.Message,
		Sender:    string(domain.SenderUser),
		Timestamp: now.UTC().Format(time.RFC3339),
	})
	sess.lastActive = now
	sess.mu.Unlock()

	// Re-check under the service lock so a producer can never start after
	// Close has begun waiting on the group.
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return "", ErrClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go s.produce(sess, turn, p)
	return correlationID, nil
}

// produce consumes the responder's staged chunks and turns them into queued
// events. It runs detached from the send request so the reply keeps flowing
// after the 202.
func (s *Service) produce(sess *sessionState, turn *turnState, p Prompt) {
	defer s.wg.Done()

	for chunk, err := range s.responder.Respond(s.baseCtx, p) {
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			s.failTurn(sess, turn, err)
			return
		}
		if !s.applyChunk(sess, turn, chunk) {
			return
		}
	}
	s.completeTurn(sess, turn)
}

// applyChunk translates one responder chunk into an event. Returns false
// once the turn has been superseded or reset, telling the producer to stop.
func (s *Service) applyChunk(sess *sessionState, turn *turnState, c *Chunk) bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.turn != turn || !turn.active {
		return false
	}

	switch {
	case c.Papers != nil:
		data, err := json.Marshal(wire.PapersPayload{Papers: c.Papers})
		if err != nil {
			s.logger.Warn("dropping unserializable papers chunk", "error", err)
			return true
		}
		s.appendEventLocked(sess, &Event{
			Name:   wire.EventNamePapers,
			Data:   string(data),
			Papers: c.Papers,
		})

	case c.Text != "":
		mp := &wire.MessagePayload{
			Text:          c.Text,
			Status:        string(c.Status),
			CorrelationID: turn.correlationID,
			Ordinal:       turn.ordinal,
		}
		turn.ordinal++
		turn.status = c.Status
		if c.Status == domain.StatusReady {
			turn.finalText = c.Text
		}
		data, err := json.Marshal(mp)
		if err != nil {
			s.logger.Warn("dropping unserializable message chunk", "error", err)
			return true
		}
		s.appendEventLocked(sess, &Event{
			Name:    wire.EventNameMessage,
			Data:    string(data),
			Message: mp,
		})

	default:
		turn.status = c.Status
		data, err := json.Marshal(wire.StatusPayload{Status: string(c.Status)})
		if err != nil {
			return true
		}
		s.appendEventLocked(sess, &Event{
			Name:   wire.EventNameStatus,
			Data:   string(data),
			Status: string(c.Status),
		})
	}
	return true
}

// completeTurn closes out a turn that drained naturally: a complete event,
// the transcript entry, and the finished counter.
func (s *Service) completeTurn(sess *sessionState, turn *turnState) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.turn != turn || !turn.active {
		return
	}
	turn.active = false

	data, _ := json.Marshal(wire.StatusPayload{Status: "complete"})
	s.appendEventLocked(sess, &Event{
		Name:   wire.EventNameComplete,
		Data:   string(data),
		Status: "complete",
	})
	sess.history = append(sess.history, wire.HistoryMessage{
		Text:      turn.finalText,
		Sender:    string(domain.SenderAssistant),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	completedTurns.Inc()
	s.logger.Info("turn completed",
		"user_id", sess.userID,
		"session_id", sess.sessionID,
		"correlation_id", turn.correlationID,
		"events", turn.ordinal)
}

// failTurn ends a turn on a responder error. Stream subscribers get the
// error event; poll clients see the same failure as an error-status message.
func (s *Service) failTurn(sess *sessionState, turn *turnState, cause error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.turn != turn || !turn.active {
		return
	}
	turn.active = false
	turn.status = domain.StatusError

	data, err := json.Marshal(wire.ErrorPayload{Error: cause.Error()})
	if err != nil {
		data = []byte(`{"error": "internal error"}`)
	}
	mp := &wire.MessagePayload{
		Text:          cause.Error(),
		Status:        string(domain.StatusError),
		CorrelationID: turn.correlationID,
		Ordinal:       turn.ordinal,
	}
	turn.ordinal++
	s.appendEventLocked(sess, &Event{
		Name:    wire.EventNameError,
		Data:    string(data),
		Message: mp,
	})
	s.logger.Warn("turn failed",
		"user_id", sess.userID,
		"session_id", sess.sessionID,
		"correlation_id", turn.correlationID,
		"error", cause)
}

// appendEventLocked assigns the next event ID, queues the event for replay
// and polling, fans it out to live subscribers, and wakes held polls.
// Callers hold sess.mu.
func (s *Service) appendEventLocked(sess *sessionState, ev *Event) {
	sess.eventSeq++
	ev.ID = sess.eventSeq
	sess.events.PushBack(ev)
	for sess.events.Len() > s.cfg.MaxQueued {
		sess.events.Remove(sess.events.Front())
	}
	sess.lastActive = time.Now()

	for id, ch := range sess.subscribers {
		select {
		case ch <- ev:
		default:
			s.logger.Warn("subscriber lagging, dropping event",
				"user_id", sess.userID,
				"session_id", sess.sessionID,
				"subscriber", id,
				"event_id", ev.ID)
		}
	}

	close(sess.notify)
	sess.notify = make(chan struct{})
}

// Subscription is one live SSE attachment to a session's event log.
type Subscription struct {
	// ID unregisters the subscription.
	ID int64
	// ConnectedID is the event ID assigned to the connected handshake.
	ConnectedID int64
	// Missed holds queued events after the client's Last-Event-ID,
	// snapshotted atomically with registration so nothing falls between
	// replay and live delivery.
	Missed []*Event
	// Events delivers live events until Unsubscribe or Reset closes it.
	Events <-chan *Event
}

// Subscribe registers a stream consumer. lastEventID replays queued events
// the client missed while disconnected; zero means a fresh attachment.
func (s *Service) Subscribe(userID, sessionID string, lastEventID int64) (*Subscription, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	sess := s.session(userID, sessionID)

	ch := make(chan *Event, 64)
	sess.mu.Lock()
	sess.subSeq++
	id := sess.subSeq
	sess.subscribers[id] = ch

	var missed []*Event
	if lastEventID > 0 {
		for e := sess.events.Front(); e != nil; e = e.Next() {
			ev := e.Value.(*Event)
			if ev.ID > lastEventID {
				missed = append(missed, ev)
			}
		}
	}

	sess.eventSeq++
	connectedID := sess.eventSeq
	sess.lastActive = time.Now()
	sess.mu.Unlock()

	return &Subscription{
		ID:          id,
		ConnectedID: connectedID,
		Missed:      missed,
		Events:      ch,
	}, nil
}

// Unsubscribe detaches a stream consumer and closes its channel.
func (s *Service) Unsubscribe(userID, sessionID string, subID int64) {
	s.mu.RLock()
	sess, ok := s.sessions[sessionKey(userID, sessionID)]
	s.mu.RUnlock()
	if !ok {
		return
	}
	sess.mu.Lock()
	if ch, ok := sess.subscribers[subID]; ok {
		delete(sess.subscribers, subID)
		close(ch)
	}
	sess.mu.Unlock()
}

// Poll returns events queued since the last poll. While a turn is mid-flight
// and nothing is queued, the call is held open up to PollWait so fallback
// clients pick up the next stage without a tight loop.
func (s *Service) Poll(ctx context.Context, userID, sessionID string, quick bool) (*wire.PollResponse, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	sess := s.session(userID, sessionID)

	msgs, papers, pending, status, notify := s.collect(sess)
	if len(msgs) == 0 && len(papers) == 0 && pending && !quick {
		timer := time.NewTimer(s.cfg.PollWait)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-notify:
			timer.Stop()
			msgs, papers, pending, status, _ = s.collect(sess)
		case <-timer.C:
		}
	}

	hasPending := pending
	return &wire.PollResponse{
		Messages:      msgs,
		Papers:        papers,
		HasPending:    &hasPending,
		CurrentStatus: status,
	}, nil
}

// collect drains queued events past the poll cursor into poll form. Status
// and complete events advance the cursor without producing entries; the
// current turn status rides the response envelope instead.
func (s *Service) collect(sess *sessionState) ([]wire.MessagePayload, []domain.Paper, bool, string, chan struct{}) {
	msgs := make([]wire.MessagePayload, 0, 4)
	var papers []domain.Paper

	sess.mu.Lock()
	for e := sess.events.Front(); e != nil; e = e.Next() {
		ev := e.Value.(*Event)
		if ev.ID <= sess.pollCursor {
			continue
		}
		sess.pollCursor = ev.ID
		switch {
		case ev.Message != nil:
			msgs = append(msgs, *ev.Message)
		case ev.Papers != nil:
			papers = append(papers, ev.Papers...)
		}
	}
	pending := sess.turn != nil && sess.turn.active
	status := ""
	if sess.turn != nil {
		status = string(sess.turn.status)
	}
	notify := sess.notify
	sess.lastActive = time.Now()
	sess.mu.Unlock()

	return msgs, papers, pending, status, notify
}

// History returns the session's visible transcript.
func (s *Service) History(userID, sessionID string) *wire.HistoryResponse {
	sess := s.session(userID, sessionID)
	sess.mu.Lock()
	msgs := make([]wire.HistoryMessage, len(sess.history))
	copy(msgs, sess.history)
	sess.mu.Unlock()
	return &wire.HistoryResponse{Messages: msgs}
}

// Reset drops all state for a session: the transcript, queued events, any
// in-flight turn, and live subscribers. Subscribers see their channel close
// and reconnect to a fresh session.
func (s *Service) Reset(userID, sessionID string) {
	key := sessionKey(userID, sessionID)
	s.mu.Lock()
	sess, ok := s.sessions[key]
	if ok {
		delete(s.sessions, key)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.teardown(sess)
	s.logger.Info("session reset", "user_id", userID, "session_id", sessionID)
}

// teardown stops a detached session's producer and closes its subscribers.
func (s *Service) teardown(sess *sessionState) {
	sess.mu.Lock()
	if sess.turn != nil {
		sess.turn.active = false
	}
	for id, ch := range sess.subscribers {
		delete(sess.subscribers, id)
		close(ch)
	}
	sess.mu.Unlock()
}

// Close stops the sweeper, cancels all producers, and detaches every
// session. Safe to call more than once.
func (s *Service) Close() {
	if s.closed.Swap(true) {
		return
	}
	s.cancel()

	s.mu.Lock()
	sessions := make([]*sessionState, 0, len(s.sessions))
	for key, sess := range s.sessions {
		sessions = append(sessions, sess)
		delete(s.sessions, key)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		s.teardown(sess)
	}
	s.wg.Wait()
}
