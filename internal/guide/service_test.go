package guide

import (
	"context"
	"errors"
	"iter"
	"testing"
	"time"

	"github.com/wellspring-health/chatlink/internal/domain"
	"github.com/wellspring-health/chatlink/internal/wire"
)

// stubResponder yields fixed chunks, then an optional error.
type stubResponder struct {
	chunks []Chunk
	err    error
}

func (sr *stubResponder) Respond(ctx context.Context, p Prompt) iter.Seq2[*Chunk, error] {
	return func(yield func(*Chunk, error) bool) {
		for i := range sr.chunks {
			if !yield(&sr.chunks[i], nil) {
				return
			}
		}
		if sr.err != nil {
			yield(nil, sr.err)
		}
	}
}

// gatedResponder blocks until its gate closes, then yields fixed chunks.
type gatedResponder struct {
	gate   chan struct{}
	chunks []Chunk
}

func (gr *gatedResponder) Respond(ctx context.Context, p Prompt) iter.Seq2[*Chunk, error] {
	return func(yield func(*Chunk, error) bool) {
		select {
		case <-ctx.Done():
			yield(nil, ctx.Err())
			return
		case <-gr.gate:
		}
		for i := range gr.chunks {
			if !yield(&gr.chunks[i], nil) {
				return
			}
		}
	}
}

func newTestService(t *testing.T, r Responder, cfg Config) *Service {
	t.Helper()
	if r == nil {
		r = &ScriptedResponder{}
	}
	svc := NewService(r, cfg, nil)
	t.Cleanup(svc.Close)
	return svc
}

func nextEvent(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("event channel closed early")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return nil
}

func assertNoEvent(t *testing.T, ch <-chan *Event) {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if ok {
			t.Fatalf("unexpected trailing event: %+v", ev)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

// waitHistoryLen waits for the transcript to reach n entries; the assistant
// entry lands atomically with turn completion.
func waitHistoryLen(t *testing.T, svc *Service, userID, sessionID string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(svc.History(userID, sessionID).Messages) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d history entries", n)
}

func TestTurnDeliversFullLifecycle(t *testing.T) {
	svc := newTestService(t, nil, Config{})

	sub, err := svc.Subscribe("u1", "s1", 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if sub.ConnectedID != 1 {
		t.Errorf("Expected connected event ID 1, got %d", sub.ConnectedID)
	}

	corr, err := svc.StartTurn(context.Background(), Prompt{
		UserID: "u1", SessionID: "s1", Message: "how much water per day",
	})
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}

	wantNames := []string{
		wire.EventNameStatus,
		wire.EventNameMessage,
		wire.EventNameMessage,
		wire.EventNamePapers,
		wire.EventNameMessage,
		wire.EventNameComplete,
	}
	var messages []*wire.MessagePayload
	for i, want := range wantNames {
		ev := nextEvent(t, sub.Events)
		if ev.Name != want {
			t.Fatalf("Event %d: expected %s, got %s", i, want, ev.Name)
		}
		if ev.ID != int64(i+2) {
			t.Errorf("Event %d: expected ID %d, got %d", i, i+2, ev.ID)
		}
		if ev.Message != nil {
			messages = append(messages, ev.Message)
		}
	}

	if len(messages) != 3 {
		t.Fatalf("Expected 3 message events, got %d", len(messages))
	}
	for i, m := range messages {
		if m.CorrelationID != corr {
			t.Errorf("Message %d: expected correlation %s, got %s", i, corr, m.CorrelationID)
		}
		if m.Ordinal != i {
			t.Errorf("Message %d: expected ordinal %d, got %d", i, i, m.Ordinal)
		}
	}
	if messages[0].Status != string(domain.StatusTyping) || messages[2].Status != string(domain.StatusReady) {
		t.Errorf("Expected typing partials then a ready final, got statuses %s..%s",
			messages[0].Status, messages[2].Status)
	}

	history := svc.History("u1", "s1").Messages
	if len(history) != 2 {
		t.Fatalf("Expected 2 transcript entries, got %d", len(history))
	}
	if history[0].Sender != "user" || history[1].Sender != "assistant" {
		t.Errorf("Expected user then assistant entries, got %s, %s",
			history[0].Sender, history[1].Sender)
	}
	if history[1].Text != messages[2].Text {
		t.Errorf("Assistant transcript should carry the final text")
	}
}

func TestSubscribeReplaysMissedEvents(t *testing.T) {
	svc := newTestService(t, nil, Config{})

	if _, err := svc.StartTurn(context.Background(), Prompt{
		UserID: "u1", SessionID: "s1", Message: "sleep trouble",
	}); err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	waitHistoryLen(t, svc, "u1", "s1", 2)

	// Queue now holds events 1..6; a reconnect that saw event 2 gets the
	// remainder replayed before its connected handshake.
	sub, err := svc.Subscribe("u1", "s1", 2)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if len(sub.Missed) != 4 {
		t.Fatalf("Expected 4 missed events after ID 2, got %d", len(sub.Missed))
	}
	for i, ev := range sub.Missed {
		if ev.ID != int64(i+3) {
			t.Errorf("Missed %d: expected ID %d, got %d", i, i+3, ev.ID)
		}
	}
	if sub.Missed[len(sub.Missed)-1].Name != wire.EventNameComplete {
		t.Errorf("Last replayed event should be complete, got %s",
			sub.Missed[len(sub.Missed)-1].Name)
	}
	if sub.ConnectedID != 7 {
		t.Errorf("Expected connected event ID 7, got %d", sub.ConnectedID)
	}

	fresh, err := svc.Subscribe("u1", "s1", 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if len(fresh.Missed) != 0 {
		t.Errorf("Fresh attachment should not replay, got %d events", len(fresh.Missed))
	}
}

func TestPollDrainsQueueOnce(t *testing.T) {
	svc := newTestService(t, nil, Config{PollWait: 20 * time.Millisecond})

	if _, err := svc.StartTurn(context.Background(), Prompt{
		UserID: "u1", SessionID: "s1", Message: "drinking enough water",
	}); err != nil {
		t.Fatalf("StartTurn: %v", err)
	}

	var msgs []wire.MessagePayload
	var papers []domain.Paper
	var last *wire.PollResponse
	deadline := time.Now().Add(2 * time.Second)
	for {
		res, err := svc.Poll(context.Background(), "u1", "s1", true)
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
		msgs = append(msgs, res.Messages...)
		papers = append(papers, res.Papers...)
		last = res
		if res.HasPending != nil && !*res.HasPending && len(msgs) >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out polling; got %d messages", len(msgs))
		}
		time.Sleep(2 * time.Millisecond)
	}

	if len(msgs) != 3 {
		t.Fatalf("Expected 3 messages via poll, got %d", len(msgs))
	}
	for i, m := range msgs {
		if m.Ordinal != i {
			t.Errorf("Message %d: expected ordinal %d, got %d", i, i, m.Ordinal)
		}
	}
	if msgs[2].Status != string(domain.StatusReady) {
		t.Errorf("Final polled message should be ready, got %s", msgs[2].Status)
	}
	if len(papers) != 2 {
		t.Errorf("Expected 2 papers via poll, got %d", len(papers))
	}
	if last.CurrentStatus != string(domain.StatusReady) {
		t.Errorf("Expected current_status ready, got %q", last.CurrentStatus)
	}

	res, err := svc.Poll(context.Background(), "u1", "s1", true)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(res.Messages) != 0 || len(res.Papers) != 0 {
		t.Errorf("Second drain should be empty, got %d messages, %d papers",
			len(res.Messages), len(res.Papers))
	}
	if res.HasPending == nil || *res.HasPending {
		t.Errorf("Completed turn should report has_pending=false")
	}
}

func TestPollHeldOpenUntilEvent(t *testing.T) {
	gate := make(chan struct{})
	svc := newTestService(t, &gatedResponder{
		gate:   gate,
		chunks: []Chunk{{Text: "partial", Status: domain.StatusTyping}},
	}, Config{PollWait: 2 * time.Second})

	if _, err := svc.StartTurn(context.Background(), Prompt{
		UserID: "u1", SessionID: "s1", Message: "hello",
	}); err != nil {
		t.Fatalf("StartTurn: %v", err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(gate)
	}()

	start := time.Now()
	res, err := svc.Poll(context.Background(), "u1", "s1", false)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 1500*time.Millisecond {
		t.Errorf("Held poll should wake on the event, took %v", elapsed)
	}
	if len(res.Messages) != 1 || res.Messages[0].Text != "partial" {
		t.Fatalf("Expected the staged message from the held poll, got %+v", res.Messages)
	}
}

func TestQuickPollReturnsImmediately(t *testing.T) {
	svc := newTestService(t, &gatedResponder{gate: make(chan struct{})},
		Config{PollWait: 2 * time.Second})

	if _, err := svc.StartTurn(context.Background(), Prompt{
		UserID: "u1", SessionID: "s1", Message: "hello",
	}); err != nil {
		t.Fatalf("StartTurn: %v", err)
	}

	start := time.Now()
	res, err := svc.Poll(context.Background(), "u1", "s1", true)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Quick poll should not be held, took %v", elapsed)
	}
	if len(res.Messages) != 0 {
		t.Errorf("Expected no messages yet, got %d", len(res.Messages))
	}
	if res.HasPending == nil || !*res.HasPending {
		t.Errorf("Mid-flight turn should report has_pending=true")
	}
}

func TestResponderErrorFailsTurn(t *testing.T) {
	svc := newTestService(t, &stubResponder{
		chunks: []Chunk{{Text: "thinking", Status: domain.StatusTyping}},
		err:    errors.New("model_unavailable"),
	}, Config{})

	sub, err := svc.Subscribe("u1", "s1", 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := svc.StartTurn(context.Background(), Prompt{
		UserID: "u1", SessionID: "s1", Message: "hello",
	}); err != nil {
		t.Fatalf("StartTurn: %v", err)
	}

	first := nextEvent(t, sub.Events)
	if first.Name != wire.EventNameMessage {
		t.Fatalf("Expected the typing message first, got %s", first.Name)
	}
	second := nextEvent(t, sub.Events)
	if second.Name != wire.EventNameError {
		t.Fatalf("Expected an error event, got %s", second.Name)
	}
	if second.Message == nil || second.Message.Status != string(domain.StatusError) {
		t.Errorf("Error event should carry an error-status message form, got %+v", second.Message)
	}
	if second.Message.Ordinal != 1 {
		t.Errorf("Error message should continue the ordinal sequence, got %d", second.Message.Ordinal)
	}

	res, err := svc.Poll(context.Background(), "u1", "s1", true)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(res.Messages) != 2 {
		t.Fatalf("Poll should surface both the partial and the failure, got %d", len(res.Messages))
	}
	if res.Messages[1].Text != "model_unavailable" {
		t.Errorf("Poll error form should carry the cause, got %q", res.Messages[1].Text)
	}
	if res.HasPending == nil || *res.HasPending {
		t.Errorf("Failed turn should report has_pending=false")
	}
	if res.CurrentStatus != string(domain.StatusError) {
		t.Errorf("Expected current_status error, got %q", res.CurrentStatus)
	}

	history := svc.History("u1", "s1").Messages
	if len(history) != 1 || history[0].Sender != "user" {
		t.Errorf("Failed turn should leave only the user transcript entry, got %+v", history)
	}
}

func TestNewTurnSupersedesUnfinished(t *testing.T) {
	gate := make(chan struct{})
	svc := newTestService(t, &gatedResponder{
		gate:   gate,
		chunks: []Chunk{{Text: "reply", Status: domain.StatusReady}},
	}, Config{})

	sub, err := svc.Subscribe("u1", "s1", 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	corr1, err := svc.StartTurn(context.Background(), Prompt{
		UserID: "u1", SessionID: "s1", Message: "first",
	})
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	corr2, err := svc.StartTurn(context.Background(), Prompt{
		UserID: "u1", SessionID: "s1", Message: "second",
	})
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	close(gate)

	msg := nextEvent(t, sub.Events)
	if msg.Name != wire.EventNameMessage {
		t.Fatalf("Expected a message event, got %s", msg.Name)
	}
	if msg.Message.CorrelationID != corr2 {
		t.Errorf("Superseded turn leaked: expected correlation %s, got %s",
			corr2, msg.Message.CorrelationID)
	}
	if msg.Message.CorrelationID == corr1 {
		t.Errorf("First turn should not produce events after superseding")
	}
	done := nextEvent(t, sub.Events)
	if done.Name != wire.EventNameComplete {
		t.Fatalf("Expected complete, got %s", done.Name)
	}
	assertNoEvent(t, sub.Events)

	waitHistoryLen(t, svc, "u1", "s1", 3)
	history := svc.History("u1", "s1").Messages
	want := []string{"first", "second", "reply"}
	for i, text := range want {
		if history[i].Text != text {
			t.Errorf("Transcript entry %d: expected %q, got %q", i, text, history[i].Text)
		}
	}
}

func TestResetDropsSessionState(t *testing.T) {
	svc := newTestService(t, nil, Config{})

	sub, err := svc.Subscribe("u1", "s1", 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := svc.StartTurn(context.Background(), Prompt{
		UserID: "u1", SessionID: "s1", Message: "hello",
	}); err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	waitHistoryLen(t, svc, "u1", "s1", 2)

	svc.Reset("u1", "s1")

	// Drain whatever was in flight; the channel must then close.
	deadline := time.After(2 * time.Second)
	closed := false
	for !closed {
		select {
		case _, ok := <-sub.Events:
			if !ok {
				closed = true
			}
		case <-deadline:
			t.Fatal("subscriber channel not closed by reset")
		}
	}

	if got := len(svc.History("u1", "s1").Messages); got != 0 {
		t.Errorf("Reset should clear the transcript, got %d entries", got)
	}
	fresh, err := svc.Subscribe("u1", "s1", 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if fresh.ConnectedID != 1 {
		t.Errorf("Reset should restart the event sequence, got connected ID %d", fresh.ConnectedID)
	}
}

func TestSweepRemovesIdleSessions(t *testing.T) {
	svc := newTestService(t, nil, Config{
		TurnTTL:    20 * time.Millisecond,
		GCInterval: 10 * time.Millisecond,
	})

	svc.History("u1", "idle")
	if _, err := svc.Subscribe("u1", "held", 0); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	time.Sleep(150 * time.Millisecond)

	svc.mu.RLock()
	_, idleAlive := svc.sessions[sessionKey("u1", "idle")]
	_, heldAlive := svc.sessions[sessionKey("u1", "held")]
	svc.mu.RUnlock()

	if idleAlive {
		t.Errorf("Idle session should have been swept")
	}
	if !heldAlive {
		t.Errorf("Session with a live subscriber must survive the sweep")
	}
}

func TestCloseRejectsOperations(t *testing.T) {
	svc := NewService(&ScriptedResponder{}, Config{}, nil)

	if _, err := svc.StartTurn(context.Background(), Prompt{
		UserID: "u1", SessionID: "s1", Message: "hello",
	}); err != nil {
		t.Fatalf("StartTurn before close: %v", err)
	}

	svc.Close()

	if _, err := svc.StartTurn(context.Background(), Prompt{
		UserID: "u1", SessionID: "s1", Message: "again",
	}); !errors.Is(err, ErrClosed) {
		t.Errorf("StartTurn after close: expected ErrClosed, got %v", err)
	}
	if _, err := svc.Poll(context.Background(), "u1", "s1", true); !errors.Is(err, ErrClosed) {
		t.Errorf("Poll after close: expected ErrClosed, got %v", err)
	}
	if _, err := svc.Subscribe("u1", "s1", 0); !errors.Is(err, ErrClosed) {
		t.Errorf("Subscribe after close: expected ErrClosed, got %v", err)
	}

	svc.Close()
}
