package delivery

import (
	"time"
)

// Reason records why a turn ended.
type Reason int

const (
	// ReasonNone means the turn is still live.
	ReasonNone Reason = iota
	// ReasonExplicit is the backend's own finished signal: a complete event
	// or a poll response declaring nothing further is pending.
	ReasonExplicit
	// ReasonStatus derives completion from the aggregated turn status.
	ReasonStatus
	// ReasonInactivity ends a turn after sustained silence.
	ReasonInactivity
	// ReasonCeiling is the absolute poll attempt limit.
	ReasonCeiling
	// ReasonError ends a turn on a terminal backend error.
	ReasonError
	// ReasonCancelled ends a turn on local cancellation.
	ReasonCancelled
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonExplicit:
		return "explicit"
	case ReasonStatus:
		return "status"
	case ReasonInactivity:
		return "inactivity"
	case ReasonCeiling:
		return "ceiling"
	case ReasonError:
		return "error"
	case ReasonCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// CompletionConfig holds turn-end detection settings.
type CompletionConfig struct {
	// MaxEmptyPolls ends the turn after this many consecutive empty cycles.
	MaxEmptyPolls int
	// InactivityTimeout ends the turn this long after the last delivered
	// event.
	InactivityTimeout time.Duration
	// MaxPollAttempts is the absolute ceiling; it terminates the turn no
	// matter what else the backend is saying.
	MaxPollAttempts int
}

// DefaultCompletionConfig returns default detection settings.
func DefaultCompletionConfig() CompletionConfig {
	return CompletionConfig{
		MaxEmptyPolls:     3,
		InactivityTimeout: 60 * time.Second,
		MaxPollAttempts:   50,
	}
}

// TurnSnapshot is the evidence the detector evaluates after each delivered
// event or poll cycle.
type TurnSnapshot struct {
	// ExplicitComplete is set once the backend sent its finished signal.
	ExplicitComplete bool
	// HasPending mirrors the newest poll flag. Present true means the
	// backend vouches more messages are coming; present false with
	// delivered messages means the turn is over; nil means the backend
	// said nothing and heuristics apply.
	HasPending *bool
	// Status is the aggregated turn status.
	Status string
	// MessagesDelivered counts messages applied this turn.
	MessagesDelivered int
	// ConsecutiveEmptyPolls counts empty cycles since the last delivery.
	ConsecutiveEmptyPolls int
	// LastEventAt is when the last event arrived; turn start before any.
	LastEventAt time.Time
	// PollAttempts is the poll cycle counter for this turn.
	PollAttempts int
}

// Detector decides whether a turn is over. Evaluation is pure and runs in
// strict priority order, first match wins: explicit signal, status-derived,
// inactivity-derived, absolute ceiling. A present has_pending=true defers
// the status and inactivity rules but never the ceiling.
type Detector struct {
	cfg CompletionConfig
}

// NewDetector creates a detector with zero fields defaulted.
func NewDetector(cfg CompletionConfig) *Detector {
	def := DefaultCompletionConfig()
	if cfg.MaxEmptyPolls <= 0 {
		cfg.MaxEmptyPolls = def.MaxEmptyPolls
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = def.InactivityTimeout
	}
	if cfg.MaxPollAttempts <= 0 {
		cfg.MaxPollAttempts = def.MaxPollAttempts
	}
	return &Detector{cfg: cfg}
}

// Evaluate reports whether the turn is over and why.
func (d *Detector) Evaluate(now time.Time, snap TurnSnapshot) (bool, Reason) {
	if snap.ExplicitComplete {
		return true, ReasonExplicit
	}
	if snap.HasPending != nil && !*snap.HasPending && snap.MessagesDelivered > 0 {
		return true, ReasonExplicit
	}

	backendPromisesMore := snap.HasPending != nil && *snap.HasPending
	if !backendPromisesMore {
		if statusSignalsDone(snap.Status) && snap.MessagesDelivered > 0 {
			return true, ReasonStatus
		}
		if snap.ConsecutiveEmptyPolls >= d.cfg.MaxEmptyPolls {
			return true, ReasonInactivity
		}
		if !snap.LastEventAt.IsZero() && now.Sub(snap.LastEventAt) > d.cfg.InactivityTimeout {
			return true, ReasonInactivity
		}
	}

	if snap.PollAttempts >= d.cfg.MaxPollAttempts {
		return true, ReasonCeiling
	}
	return false, ReasonNone
}
