package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Poll.BaseDelay != 3*time.Second {
		t.Errorf("expected 3s base delay, got %v", cfg.Poll.BaseDelay)
	}
	if cfg.Poll.MaxDelay != 30*time.Second {
		t.Errorf("expected 30s max delay, got %v", cfg.Poll.MaxDelay)
	}
	if cfg.Poll.MaxAttempts != 50 {
		t.Errorf("expected 50 max attempts, got %d", cfg.Poll.MaxAttempts)
	}
	if cfg.Completion.MaxEmptyPolls != 3 {
		t.Errorf("expected 3 empty-poll limit, got %d", cfg.Completion.MaxEmptyPolls)
	}
	if cfg.Cache.MinRetained != 50 {
		t.Errorf("expected retained floor of 50, got %d", cfg.Cache.MinRetained)
	}
}

func TestValidateRejectsBadDelays(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	cfg.Poll.MaxDelay = cfg.Poll.BaseDelay / 2
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error when max delay < base delay")
	}
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("TEST_DURATION_VALUE", "45s")
	if got := getEnvDuration("TEST_DURATION_VALUE", time.Second); got != 45*time.Second {
		t.Errorf("expected 45s, got %v", got)
	}

	t.Setenv("TEST_DURATION_VALUE", "90")
	if got := getEnvDuration("TEST_DURATION_VALUE", time.Second); got != 90*time.Second {
		t.Errorf("bare integer should parse as seconds, got %v", got)
	}

	t.Setenv("TEST_DURATION_VALUE", "junk")
	if got := getEnvDuration("TEST_DURATION_VALUE", 7*time.Second); got != 7*time.Second {
		t.Errorf("unparseable value should fall back, got %v", got)
	}
}
