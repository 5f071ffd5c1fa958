package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wellspring-health/chatlink/internal/domain"
	"github.com/wellspring-health/chatlink/internal/session"
	"github.com/wellspring-health/chatlink/internal/store"
	"github.com/wellspring-health/chatlink/internal/wire"
)

// ErrEmptyMessage rejects sends with no content.
var ErrEmptyMessage = errors.New("empty message")

const (
	sendFailedText   = "Something went wrong sending your message. Please try again."
	noSessionText    = "The guidance service is unreachable right now. Please try again."
	backendErrorText = "The guidance service reported an error. Please try again."
)

// CoordinatorConfig holds per-room delivery settings.
type CoordinatorConfig struct {
	RoomID string
	UserID string

	Stream     StreamConfig
	Poll       PollConfig
	Completion CompletionConfig

	// UpdateBuffer sizes the subscriber channel; sends never block, a full
	// channel drops with a warning.
	UpdateBuffer int
	// RingSize bounds the recent-update replay ring.
	RingSize int
}

// Coordinator is the single entry and exit point for a room's turns. It is
// the only component that touches both transports, the transcript cache and
// the session registry. One instance per room; all turn state lives behind
// one mutex.
type Coordinator struct {
	cfg      CoordinatorConfig
	client   *Client
	registry *session.Registry
	cache    *store.Cache
	journal  Journal
	logger   *slog.Logger

	stream   *StreamManager
	poller   *Poller
	detector *Detector

	// baseCtx outlives individual calls: transports and persistence keep
	// running after SendAndDeliver returns.
	baseCtx   context.Context
	cancelAll context.CancelFunc

	mu       sync.Mutex
	state    ConnectionState
	sess     *domain.Session
	messages []domain.Message
	turn     *turnState
	updates  chan Update
	ring     *UpdateRing
	closed   bool
}

// turnState is the per-turn ledger the detector evaluates against.
type turnState struct {
	Turn
	explicitComplete bool
	hasPending       *bool
	delivered        int
	consecutiveEmpty int
	pollAttempts     int
	lastEventAt      time.Time
	seen             map[string]struct{}
	status           *statusAggregator
}

func newTurnState(turn Turn, now time.Time) *turnState {
	return &turnState{
		Turn:        turn,
		lastEventAt: now,
		seen:        make(map[string]struct{}),
		status:      newStatusAggregator(),
	}
}

// NewCoordinator creates a room coordinator. journal may be nil.
func NewCoordinator(cfg CoordinatorConfig, client *Client, registry *session.Registry, cache *store.Cache, journal Journal, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if journal == nil {
		journal = noopJournal{}
	}
	if cfg.UpdateBuffer <= 0 {
		cfg.UpdateBuffer = 64
	}
	if cfg.RingSize <= 0 {
		cfg.RingSize = 128
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:       cfg,
		client:    client,
		registry:  registry,
		cache:     cache,
		journal:   journal,
		logger:    logger.With("room_id", cfg.RoomID),
		detector:  NewDetector(cfg.Completion),
		baseCtx:   ctx,
		cancelAll: cancel,
		state:     StateIdle,
		updates:   make(chan Update, cfg.UpdateBuffer),
		ring:      NewUpdateRing(cfg.RingSize),
	}
	c.stream = NewStreamManager(client, cfg.Stream, c.handleStreamEvent, c.logger)
	c.poller = NewPoller(client, cfg.Poll, c.handlePollCycle, c.logger)
	return c
}

// Updates returns the subscriber channel. Closed by Close.
func (c *Coordinator) Updates() <-chan Update {
	return c.updates
}

// RecentUpdates returns the replay ring contents, oldest first.
func (c *Coordinator) RecentUpdates() []Update {
	return c.ring.Snapshot()
}

// Messages returns a copy of the room transcript.
func (c *Coordinator) Messages() []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// State returns the current connection state.
func (c *Coordinator) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Restore loads the room transcript before any transport opens. With a
// usable session it prefers the backend history and re-persists it locally;
// otherwise, or on fetch failure, the local cache is the source.
func (c *Coordinator) Restore(ctx context.Context) error {
	sess, err := c.registry.Current(ctx, c.cfg.UserID, c.cfg.RoomID)
	if err != nil {
		c.logger.Warn("session lookup failed during restore", "error", err)
	}

	if sess != nil {
		hist, err := c.client.History(ctx, sess.UserID, sess.SessionID)
		if err == nil {
			msgs := historyMessages(hist)
			retained, saveErr := c.cache.Save(ctx, c.cfg.RoomID, msgs)
			if saveErr != nil {
				c.logger.Warn("failed to persist restored history", "error", saveErr)
				retained = msgs
			}
			c.mu.Lock()
			c.sess = sess
			c.messages = retained
			c.mu.Unlock()
			c.logger.Info("transcript restored from backend", "messages", len(retained))
			return nil
		}
		c.logger.Warn("history fetch failed, using local cache", "error", err)
	}

	msgs, err := c.cache.Load(ctx, c.cfg.RoomID)
	if err != nil {
		return fmt.Errorf("restore transcript: %w", err)
	}
	c.mu.Lock()
	c.sess = sess
	c.messages = msgs
	c.mu.Unlock()
	c.logger.Info("transcript restored from local cache", "messages", len(msgs))
	return nil
}

// SendAndDeliver submits a user message and runs the delivery pipeline for
// the resulting turn. The user message is appended optimistically before the
// send; a failed send surfaces as a visible error message and no transport
// opens. The call returns once the stream is opening; delivery continues in
// the background and is observable via Updates.
func (c *Coordinator) SendAndDeliver(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	// A leftover turn means the previous delivery never finished. Cancel it
	// so this turn starts from a clean idle state.
	c.Cancel()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("coordinator closed")
	}
	c.mu.Unlock()

	sess, _, err := c.registry.Ensure(ctx, c.cfg.UserID, c.cfg.RoomID)
	if err != nil {
		c.appendLocalError(noSessionText)
		return fmt.Errorf("ensure session: %w", err)
	}
	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()

	now := time.Now().UTC()
	userMsg := domain.Message{
		ID:        uuid.NewString(),
		Sender:    domain.SenderUser,
		Text:      text,
		Status:    domain.StatusReady,
		Timestamp: now,
	}
	c.mu.Lock()
	c.messages = append(c.messages, userMsg)
	c.persistLocked()
	c.publishLocked(Update{Kind: UpdateMessage, Message: &userMsg})
	c.mu.Unlock()
	c.journal.Log(JournalEvent{
		UserID:     c.cfg.UserID,
		RoomID:     c.cfg.RoomID,
		Transport:  "local",
		Direction:  "outbound",
		EventType:  "user_message",
		ContentRaw: text,
	})

	ack, err := c.client.Send(ctx, sess.UserID, sess.SessionID, c.cfg.RoomID, text)
	if err != nil {
		c.logger.Error("send failed", "error", err)
		c.appendLocalError(sendFailedText)
		return fmt.Errorf("send message: %w", err)
	}
	c.registry.Touch(ctx, c.cfg.RoomID)

	corr := ack.CorrelationID
	if corr == "" {
		corr = uuid.NewString()
		c.logger.Debug("send ack carried no correlation id, minted local", "correlation_id", corr)
	}

	turn := Turn{
		CorrelationID: corr,
		RoomID:        c.cfg.RoomID,
		UserID:        sess.UserID,
		SessionID:     sess.SessionID,
		StartedAt:     time.Now(),
	}
	c.mu.Lock()
	c.turn = newTurnState(turn, turn.StartedAt)
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	c.stream.Open(c.baseCtx, turn)
	return nil
}

// Cancel aborts the active turn, if any: both transports come down, loading
// state clears through a single turn-done update, state returns to idle.
// Safe to call repeatedly and when nothing is active.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	if c.turn != nil {
		corr := c.turn.CorrelationID
		c.turn = nil
		c.publishLocked(Update{Kind: UpdateTurnDone, Reason: ReasonCancelled})
		c.journal.Log(JournalEvent{
			UserID:        c.cfg.UserID,
			RoomID:        c.cfg.RoomID,
			CorrelationID: corr,
			Direction:     "inbound",
			EventType:     "turn_done",
			ContentRaw:    ReasonCancelled.String(),
		})
		c.setStateLocked(StateIdle)
		c.logger.Info("turn cancelled", "correlation_id", corr)
	} else if c.state != StateIdle {
		c.setStateLocked(StateIdle)
	}
	c.mu.Unlock()

	c.stream.Close()
	c.poller.Stop()
}

// Reset clears the conversation on the backend and locally. Local state is
// only cleared after the backend confirms: a failed reset leaves the room
// untouched.
func (c *Coordinator) Reset(ctx context.Context) error {
	c.Cancel()

	sess, err := c.registry.Current(ctx, c.cfg.UserID, c.cfg.RoomID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if sess != nil {
		if err := c.client.ResetSession(ctx, sess.UserID, sess.SessionID); err != nil {
			return fmt.Errorf("reset backend session: %w", err)
		}
	}

	if err := c.cache.Clear(ctx, c.cfg.RoomID); err != nil {
		return err
	}
	if err := c.registry.Clear(ctx, c.cfg.RoomID); err != nil {
		return err
	}

	c.mu.Lock()
	c.messages = nil
	c.sess = nil
	c.mu.Unlock()
	c.logger.Info("room reset")
	return nil
}

// Close cancels any active turn and shuts the coordinator down. The updates
// channel closes; further sends fail.
func (c *Coordinator) Close() {
	c.Cancel()
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.updates)
	}
	c.mu.Unlock()
	c.cancelAll()
}

// handleStreamEvent runs on the stream reader goroutine.
func (c *Coordinator) handleStreamEvent(ev wire.Event) {
	switch ev.Kind {
	case wire.KindConnected:
		c.mu.Lock()
		if c.turn != nil {
			c.turn.lastEventAt = time.Now()
			c.setStateLocked(StateStreaming)
		}
		c.mu.Unlock()

	case wire.KindTimeout:
		c.degrade()

	case wire.KindError:
		c.terminalError(ev.Err, "stream")

	default:
		c.applyStreamEvent(ev)
	}
}

// applyStreamEvent handles message, papers, status and complete events from
// the push stream, then evaluates completion.
func (c *Coordinator) applyStreamEvent(ev wire.Event) {
	c.mu.Lock()
	if c.turn == nil {
		c.mu.Unlock()
		return
	}
	now := time.Now()
	c.setStateLocked(StateStreaming)

	switch ev.Kind {
	case wire.KindMessage:
		c.applyMessageLocked(ev.Message, "stream", now)
	case wire.KindPapers:
		c.turn.lastEventAt = now
		c.applyPapersLocked(ev.Papers, "stream")
	case wire.KindStatus:
		c.turn.lastEventAt = now
		c.turn.status.observe(c.turn.CorrelationID, ev.Status)
	case wire.KindComplete:
		c.turn.explicitComplete = true
	}

	finished, reason := c.evaluateLocked(now)
	if finished {
		c.finishTurnLocked(reason)
	}
	c.mu.Unlock()

	if finished {
		c.stream.shutdownAsync()
		c.poller.Stop()
	}
}

// handlePollCycle runs on the polling goroutine. Returning true stops the
// loop.
func (c *Coordinator) handlePollCycle(res CycleResult) bool {
	c.mu.Lock()
	if c.turn == nil || c.closed {
		c.mu.Unlock()
		return true
	}
	now := time.Now()
	t := c.turn
	t.pollAttempts = res.Attempt
	t.consecutiveEmpty = res.ConsecutiveEmpty

	if res.Err == nil {
		// The pending flag belongs to this response; absent means the
		// backend said nothing and heuristics apply. Error cycles keep the
		// previous evidence.
		t.hasPending = res.HasPending
		for _, ev := range res.Events {
			switch ev.Kind {
			case wire.KindMessage:
				c.applyMessageLocked(ev.Message, "poll", now)
			case wire.KindPapers:
				t.lastEventAt = now
				c.applyPapersLocked(ev.Papers, "poll")
			case wire.KindStatus:
				// A polled status is a snapshot, not a delivery; it feeds
				// the aggregate without resetting the inactivity clock.
				t.status.observe(t.CorrelationID, ev.Status)
			}
		}
	}

	finished, reason := c.evaluateLocked(now)
	if finished {
		c.finishTurnLocked(reason)
	}
	c.mu.Unlock()

	if finished {
		c.stream.shutdownAsync()
	}
	return finished
}

// degrade switches the turn from stream to poll delivery. One-directional:
// once degraded a turn never returns to streaming.
func (c *Coordinator) degrade() {
	c.mu.Lock()
	if c.turn == nil || (c.state != StateConnecting && c.state != StateStreaming) {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateDegraded)
	turn := c.turn.Turn
	c.mu.Unlock()

	c.stream.shutdownAsync()
	c.poller.Start(c.baseCtx, turn)
}

// terminalError applies the explicit backend error policy: one visible
// error message, both transports down, no poll fallback, turn over.
func (c *Coordinator) terminalError(errText, transport string) {
	c.mu.Lock()
	if c.turn == nil {
		c.mu.Unlock()
		return
	}
	text := strings.TrimSpace(errText)
	if text == "" {
		text = backendErrorText
	}
	now := time.Now().UTC()
	msg := domain.Message{
		ID:            uuid.NewString(),
		CorrelationID: c.turn.CorrelationID,
		Sender:        domain.SenderAssistant,
		Text:          text,
		Status:        domain.StatusError,
		Timestamp:     now,
	}
	c.messages = append(c.messages, msg)
	c.persistLocked()
	c.publishLocked(Update{Kind: UpdateMessage, Message: &msg})
	c.journal.Log(JournalEvent{
		UserID:        c.cfg.UserID,
		RoomID:        c.cfg.RoomID,
		CorrelationID: c.turn.CorrelationID,
		Transport:     transport,
		Direction:     "inbound",
		EventType:     "error",
		ContentRaw:    text,
	})
	c.setStateLocked(StateError)
	c.finishTurnLocked(ReasonError)
	c.mu.Unlock()

	c.stream.shutdownAsync()
	c.poller.Stop()
}

// applyMessageLocked deduplicates and applies one message payload. Dedup key
// is the full correlation id plus ordinal plus status, so a redelivery that
// advances status applies as an in-place update while true duplicates drop.
// Payloads without an ordinal key on content instead; the same event seen
// on both transports still applies once.
func (c *Coordinator) applyMessageLocked(p *wire.MessagePayload, transport string, now time.Time) {
	t := c.turn

	status := domain.MessageStatus(p.Status)
	if p.Status == "" {
		status = domain.StatusReady
	}
	if !status.Known() {
		c.logger.Warn("dropping message with unknown status",
			"correlation_id", p.CorrelationID,
			"status", p.Status)
		return
	}

	key := fmt.Sprintf("%s#%d#%s", p.CorrelationID, p.Ordinal, status)
	if p.Ordinal < 0 {
		key = fmt.Sprintf("%s#%s#%s", p.CorrelationID, status, p.Body())
	}
	if _, dup := t.seen[key]; dup {
		c.logger.Debug("dropping duplicate message",
			"correlation_id", p.CorrelationID,
			"ordinal", p.Ordinal,
			"status", status,
			"transport", transport)
		return
	}
	t.seen[key] = struct{}{}

	t.lastEventAt = now
	t.status.observe(p.CorrelationID, string(status))

	if p.CorrelationID != "" {
		if idx := c.findInFlightLocked(p.CorrelationID); idx >= 0 {
			c.mutateMessageLocked(idx, p, status, transport, now)
			return
		}
	}

	msg := domain.Message{
		ID:            uuid.NewString(),
		CorrelationID: p.CorrelationID,
		Sender:        domain.SenderAssistant,
		Text:          p.Body(),
		Status:        status,
		Timestamp:     now.UTC(),
	}
	c.messages = append(c.messages, msg)
	t.delivered++
	c.persistLocked()
	c.publishLocked(Update{Kind: UpdateMessage, Message: &msg})
	c.journal.Log(JournalEvent{
		UserID:        c.cfg.UserID,
		RoomID:        c.cfg.RoomID,
		CorrelationID: p.CorrelationID,
		Transport:     transport,
		Direction:     "inbound",
		EventType:     "assistant_message",
		ContentRaw:    msg.Text,
	})
}

// mutateMessageLocked updates a delivered message in place: chunk statuses
// append text, final statuses replace it, status only moves forward.
func (c *Coordinator) mutateMessageLocked(idx int, p *wire.MessagePayload, status domain.MessageStatus, transport string, now time.Time) {
	existing := &c.messages[idx]
	if !existing.Status.CanAdvanceTo(status) {
		c.logger.Debug("refusing backward status move",
			"correlation_id", p.CorrelationID,
			"from", string(existing.Status),
			"to", string(status))
		return
	}

	body := p.Body()
	if status.Final() {
		if body != "" {
			existing.Text = body
		}
	} else {
		existing.Text += body
	}
	existing.Status = status
	existing.Timestamp = now.UTC()
	c.turn.delivered++
	c.persistLocked()

	updated := *existing
	c.publishLocked(Update{Kind: UpdateMessage, Message: &updated})
	c.journal.Log(JournalEvent{
		UserID:        c.cfg.UserID,
		RoomID:        c.cfg.RoomID,
		CorrelationID: p.CorrelationID,
		Transport:     transport,
		Direction:     "inbound",
		EventType:     "assistant_message",
		ContentRaw:    updated.Text,
	})
}

func (c *Coordinator) applyPapersLocked(papers []domain.Paper, transport string) {
	c.publishLocked(Update{Kind: UpdatePapers, Papers: papers})
	c.journal.Log(JournalEvent{
		UserID:     c.cfg.UserID,
		RoomID:     c.cfg.RoomID,
		Transport:  transport,
		Direction:  "inbound",
		EventType:  "papers",
		ContentRaw: fmt.Sprintf("%d references", len(papers)),
	})
}

// findInFlightLocked locates the newest still-mutable message carrying this
// exact correlation id. Final messages never match: a payload arriving after
// ready or error starts a fresh message instead of rewriting history.
func (c *Coordinator) findInFlightLocked(correlationID string) int {
	for i := len(c.messages) - 1; i >= 0; i-- {
		m := &c.messages[i]
		if m.CorrelationID == correlationID && !m.Status.Final() {
			return i
		}
	}
	return -1
}

func (c *Coordinator) evaluateLocked(now time.Time) (bool, Reason) {
	t := c.turn
	snap := TurnSnapshot{
		ExplicitComplete:      t.explicitComplete,
		HasPending:            t.hasPending,
		Status:                t.status.current(t.CorrelationID),
		MessagesDelivered:     t.delivered,
		ConsecutiveEmptyPolls: t.consecutiveEmpty,
		LastEventAt:           t.lastEventAt,
		PollAttempts:          t.pollAttempts,
	}
	return c.detector.Evaluate(now, snap)
}

// finishTurnLocked ends the turn exactly once: one turn-done update, state
// home to idle, session activity recorded.
func (c *Coordinator) finishTurnLocked(reason Reason) {
	if c.turn == nil {
		return
	}
	corr := c.turn.CorrelationID
	delivered := c.turn.delivered
	c.turn = nil

	if c.state != StateError {
		c.setStateLocked(StateCompleted)
	}
	c.publishLocked(Update{Kind: UpdateTurnDone, Reason: reason})
	c.journal.Log(JournalEvent{
		UserID:        c.cfg.UserID,
		RoomID:        c.cfg.RoomID,
		CorrelationID: corr,
		Direction:     "inbound",
		EventType:     "turn_done",
		ContentRaw:    reason.String(),
	})
	c.setStateLocked(StateIdle)
	c.registry.Touch(c.baseCtx, c.cfg.RoomID)
	c.logger.Info("turn finished",
		"correlation_id", corr,
		"reason", reason.String(),
		"delivered", delivered)
}

func (c *Coordinator) setStateLocked(next ConnectionState) {
	if c.state == next {
		return
	}
	if !c.state.CanTransitionTo(next) {
		c.logger.Warn("refusing illegal state transition",
			"from", c.state.String(),
			"to", next.String())
		return
	}
	c.logger.Debug("connection state changed",
		"from", c.state.String(),
		"to", next.String())
	c.state = next
	c.publishLocked(Update{Kind: UpdateConnectionState, State: next})
}

func (c *Coordinator) persistLocked() {
	retained, err := c.cache.Save(c.baseCtx, c.cfg.RoomID, c.messages)
	if err != nil {
		c.logger.Warn("failed to persist transcript", "error", err)
		return
	}
	c.messages = retained
}

func (c *Coordinator) publishLocked(u Update) {
	c.ring.Append(u)
	if c.closed {
		return
	}
	select {
	case c.updates <- u:
	default:
		c.logger.Warn("updates channel full, dropping update", "kind", u.Kind.String())
	}
}

// appendLocalError surfaces a locally generated failure as a visible
// assistant-style message.
func (c *Coordinator) appendLocalError(text string) {
	msg := domain.Message{
		ID:        uuid.NewString(),
		Sender:    domain.SenderAssistant,
		Text:      text,
		Status:    domain.StatusError,
		Timestamp: time.Now().UTC(),
	}
	c.mu.Lock()
	c.messages = append(c.messages, msg)
	c.persistLocked()
	c.publishLocked(Update{Kind: UpdateMessage, Message: &msg})
	c.mu.Unlock()
	c.journal.Log(JournalEvent{
		UserID:     c.cfg.UserID,
		RoomID:     c.cfg.RoomID,
		Transport:  "local",
		Direction:  "inbound",
		EventType:  "error",
		ContentRaw: text,
	})
}

// historyMessages rebuilds domain messages from a backend transcript.
func historyMessages(hist *wire.HistoryResponse) []domain.Message {
	msgs := make([]domain.Message, 0, len(hist.Messages))
	for _, h := range hist.Messages {
		sender := domain.SenderAssistant
		if h.Sender == string(domain.SenderUser) {
			sender = domain.SenderUser
		}
		ts, err := time.Parse(time.RFC3339, h.Timestamp)
		if err != nil {
			ts = time.Now().UTC()
		}
		msgs = append(msgs, domain.Message{
			ID:        uuid.NewString(),
			Sender:    sender,
			Text:      h.Text,
			Status:    domain.StatusReady,
			Timestamp: ts,
		})
	}
	return msgs
}
