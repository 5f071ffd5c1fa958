// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration for the delivery client and the
// simulated guidance backend.
type Config struct {
	Port           string
	BackendURL     string
	FrontendURL    string
	DBPath         string
	UserID         string
	RoomID         string
	SessionTimeout time.Duration
	Stream         StreamConfig
	Poll           PollConfig
	Completion     CompletionConfig
	Cache          CacheConfig
	Journal        JournalConfig
	SSE            SSEConfig
	RateLimit      RateLimitConfig
	Guide          GuideConfig
}

// StreamConfig controls the push (SSE) transport.
type StreamConfig struct {
	ConnectTimeout time.Duration // time allowed until the first event
	IdleTimeout    time.Duration // time without any event or keepalive
}

// PollConfig controls the fallback pull transport.
type PollConfig struct {
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	FastDelay      time.Duration // short interval when more messages are expected
	RequestTimeout time.Duration
	MaxAttempts    int
	JitterFactor   float64 // 0 disables jitter on the scheduled wait
}

// CompletionConfig controls turn-completion detection.
type CompletionConfig struct {
	MaxEmptyPolls     int
	InactivityTimeout time.Duration
}

// CacheConfig bounds the persistent local message cache.
type CacheConfig struct {
	MaxBytes    int // hard cap on the serialized room blob
	MinRetained int // floor of most-recent messages kept regardless of size
}

// JournalConfig controls the optional NDJSON delivery journal.
type JournalConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// SSEConfig controls the backend's stream endpoint behavior.
type SSEConfig struct {
	KeepaliveInterval  time.Duration
	RetryDelay         time.Duration
	MaxRequestBodySize int64
}

// RateLimitConfig throttles sends per user on the backend.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// GuideConfig controls the simulated guidance backend's turn lifecycle.
type GuideConfig struct {
	TurnTTL    time.Duration // idle turns are pruned after this
	GCInterval time.Duration
	StageDelay time.Duration // pacing between scripted response stages
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("JOURNAL_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		BackendURL:     getEnv("BACKEND_URL", "http://localhost:8080"),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		DBPath:         getEnv("DB_PATH", "./data/chatlink.db"),
		UserID:         getEnv("USER_ID", ""),
		RoomID:         getEnv("ROOM_ID", "default"),
		SessionTimeout: getEnvDuration("SESSION_TIMEOUT", 30*time.Minute),
		Stream: StreamConfig{
			ConnectTimeout: getEnvDuration("STREAM_CONNECT_TIMEOUT", 15*time.Second),
			IdleTimeout:    getEnvDuration("STREAM_IDLE_TIMEOUT", 60*time.Second),
		},
		Poll: PollConfig{
			BaseDelay:      getEnvDuration("POLL_BASE_DELAY", 3*time.Second),
			MaxDelay:       getEnvDuration("POLL_MAX_DELAY", 30*time.Second),
			FastDelay:      getEnvDuration("POLL_FAST_DELAY", 2*time.Second),
			RequestTimeout: getEnvDuration("POLL_REQUEST_TIMEOUT", 30*time.Second),
			MaxAttempts:    getEnvInt("POLL_MAX_ATTEMPTS", 50),
			JitterFactor:   getEnvFloat("POLL_JITTER_FACTOR", 0.1),
		},
		Completion: CompletionConfig{
			MaxEmptyPolls:     getEnvInt("COMPLETION_MAX_EMPTY_POLLS", 3),
			InactivityTimeout: getEnvDuration("COMPLETION_INACTIVITY_TIMEOUT", 60*time.Second),
		},
		Cache: CacheConfig{
			MaxBytes:    getEnvInt("CACHE_MAX_BYTES", 256*1024),
			MinRetained: getEnvInt("CACHE_MIN_RETAINED", 50),
		},
		Journal: JournalConfig{
			Enabled:   getEnvBool("JOURNAL_ENABLED", false),
			Dir:       getEnv("JOURNAL_DIR", "./data/journal"),
			QueueSize: queueSize,
		},
		SSE: SSEConfig{
			KeepaliveInterval:  getEnvDuration("SSE_KEEPALIVE_INTERVAL", 10*time.Second),
			RetryDelay:         getEnvDuration("SSE_RETRY_DELAY", 5*time.Second),
			MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 1<<20)),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 10),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Guide: GuideConfig{
			TurnTTL:    getEnvDuration("TURN_TTL", 30*time.Minute),
			GCInterval: getEnvDuration("TURN_GC_INTERVAL", 5*time.Minute),
			StageDelay: getEnvDuration("STAGE_DELAY", 300*time.Millisecond),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set and sane.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.BackendURL == "" {
		return fmt.Errorf("BACKEND_URL cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.RoomID == "" {
		return fmt.Errorf("ROOM_ID cannot be empty")
	}
	if c.SessionTimeout <= 0 {
		return fmt.Errorf("SESSION_TIMEOUT must be > 0")
	}
	if c.Poll.BaseDelay <= 0 || c.Poll.MaxDelay < c.Poll.BaseDelay {
		return fmt.Errorf("poll delays must satisfy 0 < POLL_BASE_DELAY <= POLL_MAX_DELAY")
	}
	if c.Poll.MaxAttempts <= 0 {
		return fmt.Errorf("POLL_MAX_ATTEMPTS must be > 0")
	}
	if c.Poll.JitterFactor < 0 || c.Poll.JitterFactor >= 1 {
		return fmt.Errorf("POLL_JITTER_FACTOR must be in [0, 1)")
	}
	if c.Completion.MaxEmptyPolls <= 0 {
		return fmt.Errorf("COMPLETION_MAX_EMPTY_POLLS must be > 0")
	}
	if c.Cache.MaxBytes <= 0 {
		return fmt.Errorf("CACHE_MAX_BYTES must be > 0")
	}
	if c.Cache.MinRetained <= 0 {
		return fmt.Errorf("CACHE_MIN_RETAINED must be > 0")
	}
	if c.Journal.Enabled && c.Journal.Dir == "" {
		return fmt.Errorf("JOURNAL_DIR cannot be empty when JOURNAL_ENABLED is set")
	}
	if c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("rate limit window and request count must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration parses values like "30s" or "5m"; bare integers are
// treated as seconds for compatibility with older deploy scripts.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
