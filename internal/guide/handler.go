package guide

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wellspring-health/chatlink/internal/api"
	"github.com/wellspring-health/chatlink/internal/config"
	"github.com/wellspring-health/chatlink/internal/identity"
	"github.com/wellspring-health/chatlink/internal/wire"
)

const (
	defaultMaxRequestBodySize = 1 << 20
	defaultKeepaliveInterval  = 10 * time.Second
	defaultRetryDelayMs       = int64(5000)
)

// RateLimiter throttles requests per key over a sliding window.
// The key is userID only, not userID:sessionID, so clients cannot bypass
// throttling by rotating session IDs.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
	done     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a rate limiter and starts its background eviction
// goroutine. Call Stop to release it.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		done:     make(chan struct{}),
	}
	go rl.evictLoop()
	return rl
}

// Allow checks if a request is allowed for the given key.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)

	var recent []time.Time
	for _, t := range rl.requests[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= rl.limit {
		rl.requests[key] = recent
		return false
	}

	rl.requests[key] = append(recent, now)
	return true
}

// Stop ends the background eviction goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.done) })
}

// evictLoop periodically removes expired keys from the requests map,
// preventing unbounded memory growth.
func (rl *RateLimiter) evictLoop() {
	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()
	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			rl.mu.Lock()
			cutoff := time.Now().Add(-rl.window)
			for key, times := range rl.requests {
				var fresh []time.Time
				for _, t := range times {
					if t.After(cutoff) {
						fresh = append(fresh, t)
					}
				}
				if len(fresh) == 0 {
					delete(rl.requests, key)
				} else {
					rl.requests[key] = fresh
				}
			}
			rl.mu.Unlock()
		}
	}
}

// Handler exposes the guide service over HTTP: send, SSE stream, poll,
// session lifecycle, and history.
type Handler struct {
	svc         *Service
	rateLimiter *RateLimiter
	cfg         *config.Config
	logger      *slog.Logger
}

// NewHandler creates the guide HTTP handler.
func NewHandler(svc *Service, cfg *config.Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	limit, window := 10, time.Minute
	if cfg != nil {
		limit = cfg.RateLimit.RequestsPerWindow
		window = cfg.RateLimit.WindowDuration
	}
	return &Handler{
		svc:         svc,
		rateLimiter: NewRateLimiter(limit, window),
		cfg:         cfg,
		logger:      logger,
	}
}

// Close releases handler resources. The service is owned by the caller.
func (h *Handler) Close() {
	h.rateLimiter.Stop()
}

// RegisterRoutes registers chat and session routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/chat", func(r chi.Router) {
		r.Post("/send", h.HandleSend)
		r.Get("/stream", h.HandleStream)
		r.Get("/poll", h.HandlePoll)
		r.Get("/history", h.HandleHistory)
	})
	r.Route("/api/session", func(r chi.Router) {
		r.Post("/create", h.HandleCreateSession)
		r.Post("/reset", h.HandleReset)
	})
}

// HandleSend accepts a chat turn and returns 202 with its correlation ID.
// The reply arrives asynchronously over the stream or poll transport.
func (h *Handler) HandleSend(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}

	if !h.rateLimiter.Allow(userID) {
		rateLimited.Inc()
		http.Error(w, `{"error": "rate limit exceeded"}`, http.StatusTooManyRequests)
		return
	}

	maxBodySize := int64(defaultMaxRequestBodySize)
	if h.cfg != nil && h.cfg.SSE.MaxRequestBodySize > 0 {
		maxBodySize = h.cfg.SSE.MaxRequestBodySize
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	var req wire.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, `{"error": "request body too large"}`, http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return
	}

	message := strings.TrimSpace(req.Message)
	if message == "" {
		http.Error(w, `{"error": "message is required"}`, http.StatusBadRequest)
		return
	}

	correlationID, err := h.svc.StartTurn(r.Context(), Prompt{
		UserID:    userID,
		SessionID: sessionID,
		RoomID:    req.RoomID,
		Message:   message,
	})
	if err != nil {
		http.Error(w, `{"error": "service unavailable"}`, http.StatusServiceUnavailable)
		return
	}

	sendsTotal.Inc()
	h.logger.Info("chat send accepted",
		"user_id", userID,
		"session_id", sessionID,
		"correlation_id", correlationID,
		"message_length", len(message),
		"remote_ip", identity.IPFromRequest(r))
	api.JSON(w, http.StatusAccepted, wire.SendResponse{
		Accepted:      true,
		CorrelationID: correlationID,
	})
}

// HandleStream attaches the client to the session's SSE event stream.
// Reconnects replay queued events after the client's Last-Event-ID before
// live delivery resumes.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}

	lastEventID := int64(0)
	idHeader := r.Header.Get("Last-Event-ID")
	if idHeader == "" {
		idHeader = r.URL.Query().Get("lastEventId")
	}
	if idHeader != "" {
		if parsed, err := strconv.ParseInt(idHeader, 10, 64); err == nil {
			lastEventID = parsed
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	retryDelayMs := defaultRetryDelayMs
	if h.cfg != nil && h.cfg.SSE.RetryDelay > 0 {
		retryDelayMs = h.cfg.SSE.RetryDelay.Milliseconds()
	}
	if _, err := io.WriteString(w, fmt.Sprintf("retry: %d\n\n", retryDelayMs)); err != nil {
		return
	}
	flusher.Flush()

	sub, err := h.svc.Subscribe(userID, sessionID, lastEventID)
	if err != nil {
		return
	}
	defer h.svc.Unsubscribe(userID, sessionID, sub.ID)
	streamConnects.Inc()

	for _, ev := range sub.Missed {
		if err := writeSSEWithID(w, ev.ID, ev.Name, ev.Data); err != nil {
			return
		}
	}
	if len(sub.Missed) > 0 {
		flusher.Flush()
		h.logger.Info("replayed missed events",
			"user_id", userID,
			"session_id", sessionID,
			"count", len(sub.Missed),
			"after_event_id", lastEventID)
	}

	connectedData := fmt.Sprintf(`{"status":"connected","user_id":"%s","event_id":%d}`,
		userID, sub.ConnectedID)
	if err := writeSSEWithID(w, sub.ConnectedID, wire.EventNameConnected, connectedData); err != nil {
		return
	}
	flusher.Flush()

	h.logger.Info("stream connected",
		"user_id", userID,
		"session_id", sessionID,
		"event_id", sub.ConnectedID,
		"reconnect", lastEventID > 0)

	keepaliveInterval := defaultKeepaliveInterval
	if h.cfg != nil && h.cfg.SSE.KeepaliveInterval > 0 {
		keepaliveInterval = h.cfg.SSE.KeepaliveInterval
	}
	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.logger.Info("stream disconnected", "user_id", userID, "session_id", sessionID)
			return
		case ev, ok := <-sub.Events:
			if !ok {
				// Session was reset or the service is shutting down.
				return
			}
			if err := writeSSEWithID(w, ev.ID, ev.Name, ev.Data); err != nil {
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if err := writeSSE(w, wire.EventNamePing, `{"status":"alive"}`); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandlePoll returns events queued since the previous poll.
func (h *Handler) HandlePoll(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}

	quick := r.URL.Query().Get("quick") == "true"
	res, err := h.svc.Poll(r.Context(), userID, sessionID, quick)
	if err != nil {
		http.Error(w, `{"error": "service unavailable"}`, http.StatusServiceUnavailable)
		return
	}
	pollsTotal.Inc()
	api.JSON(w, http.StatusOK, res)
}

// HandleCreateSession mints a fresh conversation session.
func (h *Handler) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}

	sessionID := h.svc.CreateSession(userID)
	api.JSON(w, http.StatusOK, wire.SessionCreateResponse{SessionID: sessionID})
}

// HandleHistory returns the session transcript.
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}

	api.JSON(w, http.StatusOK, h.svc.History(userID, sessionID))
}

// HandleReset drops all backend state for the session.
func (h *Handler) HandleReset(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}

	h.svc.Reset(userID, sessionID)
	w.WriteHeader(http.StatusNoContent)
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
