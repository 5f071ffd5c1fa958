package delivery

import (
	"github.com/wellspring-health/chatlink/internal/domain"
)

// statusAggregator tracks the latest status signal per correlation group.
// Status rides on message payloads, bare status events and poll responses
// alike; display only ever needs the newest value, not the history.
type statusAggregator struct {
	latest map[string]string
}

func newStatusAggregator() *statusAggregator {
	return &statusAggregator{latest: make(map[string]string)}
}

func (a *statusAggregator) observe(correlationID, status string) {
	if status == "" {
		return
	}
	a.latest[domain.BaseCorrelation(correlationID)] = status
}

// current returns the newest status for the correlation group, defaulting
// to ready when no signal has been seen.
func (a *statusAggregator) current(correlationID string) string {
	if s, ok := a.latest[domain.BaseCorrelation(correlationID)]; ok {
		return s
	}
	return string(domain.StatusReady)
}

func (a *statusAggregator) reset() {
	clear(a.latest)
}

// statusSignalsDone reports whether a status value marks the backend done
// with the turn. Backends emit either lifecycle vocabulary.
func statusSignalsDone(status string) bool {
	return status == string(domain.StatusReady) || status == "completed"
}
