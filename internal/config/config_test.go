package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.ListenAddr != ":8080" {
		t.Fatalf("listen addr = %q", cfg.ListenAddr)
	}
	if cfg.Replicate.PollInterval != time.Second {
		t.Fatalf("poll interval = %v, want 1s", cfg.Replicate.PollInterval)
	}
	if cfg.Replicate.MaxPollAttempts != 30 {
		t.Fatalf("max poll attempts = %d, want 30", cfg.Replicate.MaxPollAttempts)
	}
	if cfg.Policy.VerifyThreshold != 85 {
		t.Fatalf("verify threshold = %d, want 85", cfg.Policy.VerifyThreshold)
	}
	if cfg.Policy.CreditMultiplier != 5 {
		t.Fatalf("credit multiplier = %v, want 5", cfg.Policy.CreditMultiplier)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "250ms")
	t.Setenv("MAX_POLL_ATTEMPTS", "10")
	t.Setenv("VERIFY_THRESHOLD", "90")
	t.Setenv("CREDIT_MULTIPLIER", "7.5")
	t.Setenv("DEFAULT_LOCATION", "Sindh")

	cfg := Load()

	if cfg.Replicate.PollInterval != 250*time.Millisecond {
		t.Fatalf("poll interval = %v", cfg.Replicate.PollInterval)
	}
	if cfg.Replicate.MaxPollAttempts != 10 {
		t.Fatalf("max poll attempts = %d", cfg.Replicate.MaxPollAttempts)
	}
	if cfg.Policy.VerifyThreshold != 90 {
		t.Fatalf("verify threshold = %d", cfg.Policy.VerifyThreshold)
	}
	if cfg.Policy.CreditMultiplier != 7.5 {
		t.Fatalf("credit multiplier = %v", cfg.Policy.CreditMultiplier)
	}
	if cfg.DefaultLocation != "Sindh" {
		t.Fatalf("location = %q", cfg.DefaultLocation)
	}
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "soon")
	t.Setenv("MAX_POLL_ATTEMPTS", "many")

	cfg := Load()

	if cfg.Replicate.PollInterval != time.Second {
		t.Fatalf("poll interval = %v, want default", cfg.Replicate.PollInterval)
	}
	if cfg.Replicate.MaxPollAttempts != 30 {
		t.Fatalf("max poll attempts = %d, want default", cfg.Replicate.MaxPollAttempts)
	}
}
