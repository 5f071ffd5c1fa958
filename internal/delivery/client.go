package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/wellspring-health/chatlink/internal/wire"
)

var (
	errUnexpectedStatus = errors.New("unexpected response status")
	errSendRejected     = errors.New("send rejected")
)

// Client talks the guidance backend's HTTP contract. One method per wire
// operation; the stream manager and poller never build requests themselves.
type Client struct {
	baseURL string
	// httpClient carries the request timeout for unary calls. streamClient
	// has no overall timeout: an SSE response body stays open for the whole
	// turn and is bounded by the stream watchdogs instead.
	httpClient   *http.Client
	streamClient *http.Client
	logger       *slog.Logger
}

// ClientConfig holds configuration for the backend client.
type ClientConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
}

// DefaultClientConfig returns default configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL:        "http://localhost:8080",
		RequestTimeout: 30 * time.Second,
	}
}

// NewClient creates a backend client.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultClientConfig().BaseURL
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultClientConfig().RequestTimeout
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:   &http.Client{Timeout: cfg.RequestTimeout},
		streamClient: &http.Client{},
		logger:       logger,
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, userID, sessionID string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build %s %s request: %w", method, path, err)
	}
	if userID != "" {
		req.Header.Set(wire.HeaderUserID, userID)
	}
	if sessionID != "" {
		req.Header.Set(wire.HeaderSessionID, sessionID)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// statusError reads a bounded slice of the body so backend error text makes
// it into logs without trusting the response size.
func statusError(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	text := strings.TrimSpace(string(snippet))
	if text == "" {
		return fmt.Errorf("%w: %s", errUnexpectedStatus, resp.Status)
	}
	return fmt.Errorf("%w: %s: %s", errUnexpectedStatus, resp.Status, text)
}

// Send submits a user message. The backend acknowledges with 202 and a
// correlation id; the reply arrives later over the stream or poll transport.
func (c *Client) Send(ctx context.Context, userID, sessionID, roomID, text string) (*wire.SendResponse, error) {
	payload, err := json.Marshal(wire.SendRequest{Message: text, RoomID: roomID})
	if err != nil {
		return nil, fmt.Errorf("encode send request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/chat/send", userID, sessionID, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var ack wire.SendResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return nil, fmt.Errorf("decode send response: %w", err)
	}
	if !ack.Accepted {
		return nil, errSendRejected
	}
	return &ack, nil
}

// Poll pulls pending turn events. quick marks the fast-path follow-up cycle
// issued right after a response that promised more messages.
func (c *Client) Poll(ctx context.Context, userID, sessionID string, quick bool) (*wire.PollResponse, error) {
	path := "/api/chat/poll"
	if quick {
		path += "?quick=true"
	}

	req, err := c.newRequest(ctx, http.MethodGet, path, userID, sessionID, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var out wire.PollResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode poll response: %w", err)
	}
	return &out, nil
}

// OpenStream opens the SSE push connection. The caller owns the returned
// response and must close its body; lastEventID, when non-empty, asks the
// backend to replay missed events.
func (c *Client) OpenStream(ctx context.Context, userID, sessionID, lastEventID string) (*http.Response, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/chat/stream", userID, sessionID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stream request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: content type %q", errUnexpectedStatus, ct)
	}
	return resp, nil
}

// CreateSession obtains a fresh backend session for the user.
func (c *Client) CreateSession(ctx context.Context, userID string) (string, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/session/create", userID, "", nil)
	if err != nil {
		return "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("create session request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", statusError(resp)
	}

	var out wire.SessionCreateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode session response: %w", err)
	}
	if out.SessionID == "" {
		return "", fmt.Errorf("%w: empty session id", errUnexpectedStatus)
	}
	return out.SessionID, nil
}

// History fetches the server-side transcript for the session.
func (c *Client) History(ctx context.Context, userID, sessionID string) (*wire.HistoryResponse, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/chat/history", userID, sessionID, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("history request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var out wire.HistoryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode history response: %w", err)
	}
	return &out, nil
}

// ResetSession clears server-side turn state for the session. Only a 2xx
// response counts as success; callers must not clear local state otherwise.
func (c *Client) ResetSession(ctx context.Context, userID, sessionID string) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/session/reset", userID, sessionID, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("reset request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	return nil
}
