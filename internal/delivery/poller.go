package delivery

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/wellspring-health/chatlink/internal/wire"
)

// backoffFactor grows the poll delay after an empty cycle.
const backoffFactor = 1.5

// PollConfig holds fallback polling settings.
type PollConfig struct {
	// BaseDelay is the initial wait between cycles, restored whenever a
	// cycle delivers messages.
	BaseDelay time.Duration
	// MaxDelay caps the backoff growth.
	MaxDelay time.Duration
	// FastDelay schedules the follow-up cycle after a response that
	// promised more messages.
	FastDelay time.Duration
	// MaxAttempts is the absolute cycle ceiling per turn.
	MaxAttempts int
	// JitterFactor spreads scheduled waits inside a ± band so clients do
	// not poll in lockstep. Zero disables jitter.
	JitterFactor float64
}

// DefaultPollConfig returns default polling settings. The ceiling works out
// to roughly twelve minutes of wall clock at full backoff.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		BaseDelay:    3 * time.Second,
		MaxDelay:     30 * time.Second,
		FastDelay:    2 * time.Second,
		MaxAttempts:  50,
		JitterFactor: 0.1,
	}
}

// PollCycleState is the per-turn polling ledger. CurrentDelay follows the
// deterministic schedule exactly; jitter applies only to the scheduled wait.
type PollCycleState struct {
	Attempt          int
	CurrentDelay     time.Duration
	ConsecutiveEmpty int
}

// CycleResult reports one completed poll cycle to the coordinator.
type CycleResult struct {
	Attempt          int
	ConsecutiveEmpty int
	// CurrentDelay is the schedule after this cycle's policy was applied.
	CurrentDelay time.Duration
	Events       []wire.Event
	MessageCount int
	HasPending   *bool
	Err          error
}

// Poller pulls turn events when the push stream is unavailable. At most one
// polling loop runs per turn; Stop is idempotent and is the only path that
// discards the cycle state.
type Poller struct {
	client  *Client
	cfg     PollConfig
	onCycle func(CycleResult) bool
	logger  *slog.Logger

	mu     sync.Mutex
	active *pollRun
}

type pollRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller creates a poller reporting each cycle to onCycle. A true return
// from onCycle ends the loop; the attempt ceiling ends it regardless.
func NewPoller(client *Client, cfg PollConfig, onCycle func(CycleResult) bool, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultPollConfig()
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.FastDelay <= 0 {
		cfg.FastDelay = def.FastDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	return &Poller{
		client:  client,
		cfg:     cfg,
		onCycle: onCycle,
		logger:  logger,
	}
}

// Start begins polling for a turn. A second Start while a loop is live is a
// warned no-op. The first cycle fires immediately: by the time the client
// degrades, the stream has already been quiet for a while.
func (p *Poller) Start(ctx context.Context, turn Turn) {
	p.mu.Lock()
	if p.active != nil {
		p.mu.Unlock()
		p.logger.Warn("[POLL] Already running, ignoring Start",
			"correlation_id", turn.CorrelationID)
		return
	}
	cctx, cancel := context.WithCancel(ctx)
	run := &pollRun{cancel: cancel, done: make(chan struct{})}
	p.active = run
	p.mu.Unlock()

	p.logger.Info("[POLL] Fallback polling started",
		"correlation_id", turn.CorrelationID,
		"base_delay", p.cfg.BaseDelay,
		"max_attempts", p.cfg.MaxAttempts)

	go p.loop(cctx, run, turn)
}

// Active reports whether a polling loop is currently running.
func (p *Poller) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active != nil
}

// Stop cancels the polling loop and any pending scheduled cycle, then waits
// for the loop to exit. Safe to call repeatedly and when nothing runs.
func (p *Poller) Stop() {
	p.mu.Lock()
	run := p.active
	p.active = nil
	p.mu.Unlock()
	if run == nil {
		return
	}
	run.cancel()
	<-run.done
}

func (p *Poller) loop(ctx context.Context, run *pollRun, turn Turn) {
	defer close(run.done)
	defer p.release(run)

	state := PollCycleState{CurrentDelay: p.cfg.BaseDelay}
	quick := false

	for {
		state.Attempt++
		result, fast := p.cycle(ctx, turn, &state, quick)
		quick = fast

		if ctx.Err() != nil {
			return
		}
		if stop := p.onCycle(result); stop {
			return
		}
		if state.Attempt >= p.cfg.MaxAttempts {
			p.logger.Warn("[POLL] Attempt ceiling reached, stopping",
				"correlation_id", turn.CorrelationID,
				"attempts", state.Attempt)
			return
		}

		wait := state.CurrentDelay
		if quick {
			wait = p.cfg.FastDelay
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(applyJitter(wait, p.cfg.JitterFactor)):
		}
	}
}

// cycle issues one pull and applies the delay policy: transport errors keep
// the current delay, empty responses back off by half again up to the cap,
// and responses carrying messages restore the base delay. The second return
// asks for the fast-path follow-up when the backend promised more.
func (p *Poller) cycle(ctx context.Context, turn Turn, state *PollCycleState, quick bool) (CycleResult, bool) {
	resp, err := p.client.Poll(ctx, turn.UserID, turn.SessionID, quick)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Debug("[POLL] Cycle failed",
				"correlation_id", turn.CorrelationID,
				"attempt", state.Attempt,
				"error", err)
		}
		return CycleResult{
			Attempt:          state.Attempt,
			ConsecutiveEmpty: state.ConsecutiveEmpty,
			CurrentDelay:     state.CurrentDelay,
			Err:              err,
		}, false
	}

	fast := false
	if len(resp.Messages) == 0 {
		state.ConsecutiveEmpty++
		next := time.Duration(float64(state.CurrentDelay) * backoffFactor)
		if next > p.cfg.MaxDelay {
			next = p.cfg.MaxDelay
		}
		state.CurrentDelay = next
	} else {
		state.ConsecutiveEmpty = 0
		state.CurrentDelay = p.cfg.BaseDelay
		if resp.HasPending != nil && *resp.HasPending {
			fast = true
		}
	}

	return CycleResult{
		Attempt:          state.Attempt,
		ConsecutiveEmpty: state.ConsecutiveEmpty,
		CurrentDelay:     state.CurrentDelay,
		Events:           resp.Events(),
		MessageCount:     len(resp.Messages),
		HasPending:       resp.HasPending,
	}, fast
}

func (p *Poller) release(run *pollRun) {
	p.mu.Lock()
	if p.active == run {
		p.active = nil
	}
	p.mu.Unlock()
	run.cancel()
}

// applyJitter spreads a wait inside a ± factor band around delay.
func applyJitter(delay time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return delay
	}
	jitter := time.Duration(float64(delay) * factor * (2*rand.Float64() - 1))
	return delay + jitter
}
