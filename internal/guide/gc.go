package guide

import (
	"time"
)

// runGC periodically sweeps sessions that have gone idle past TurnTTL,
// keeping the turn table bounded on long-running deployments. Sessions with
// live subscribers or an in-flight turn are never swept.
func (s *Service) runGC() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.GCInterval)
	defer ticker.Stop()
	s.logger.Info("session sweeper started",
		"interval", s.cfg.GCInterval, "ttl", s.cfg.TurnTTL)

	for {
		select {
		case <-ticker.C:
			s.sweepIdleSessions()
		case <-s.baseCtx.Done():
			s.logger.Info("session sweeper shutting down")
			return
		}
	}
}

func (s *Service) sweepIdleSessions() {
	now := time.Now()
	var expired []*sessionState

	s.mu.Lock()
	for key, sess := range s.sessions {
		sess.mu.Lock()
		idle := now.Sub(sess.lastActive) > s.cfg.TurnTTL
		busy := len(sess.subscribers) > 0 || (sess.turn != nil && sess.turn.active)
		sess.mu.Unlock()
		if idle && !busy {
			delete(s.sessions, key)
			expired = append(expired, sess)
		}
	}
	s.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	for _, sess := range expired {
		s.teardown(sess)
		s.logger.Info("swept idle session",
			"user_id", sess.userID,
			"session_id", sess.sessionID,
			"idle", now.Sub(sess.lastActive).Round(time.Second))
	}
}
