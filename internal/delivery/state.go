package delivery

// ConnectionState tracks where a room's delivery pipeline is in its
// lifecycle. Transitions are validated: an illegal transition is refused
// and logged, never applied.
type ConnectionState int

const (
	// StateIdle means no turn is in flight.
	StateIdle ConnectionState = iota
	// StateConnecting means a send was accepted and the stream is opening.
	StateConnecting
	// StateStreaming means the push stream is live and delivering events.
	StateStreaming
	// StateDegraded means the stream went quiet and polling took over.
	StateDegraded
	// StateCompleted means the turn finished and teardown is in progress.
	StateCompleted
	// StateError means the backend reported a terminal error for the turn.
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateDegraded:
		return "degraded"
	case StateCompleted:
		return "completed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// validTransitions is the total transition relation. Idle is reachable from
// every state so cancellation always has a way home.
var validTransitions = map[ConnectionState][]ConnectionState{
	StateIdle:       {StateConnecting},
	StateConnecting: {StateStreaming, StateDegraded, StateCompleted, StateError, StateIdle},
	StateStreaming:  {StateCompleted, StateDegraded, StateError, StateIdle},
	StateDegraded:   {StateCompleted, StateError, StateIdle},
	StateCompleted:  {StateIdle},
	StateError:      {StateIdle},
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s ConnectionState) CanTransitionTo(next ConnectionState) bool {
	if s == next {
		return true
	}
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
