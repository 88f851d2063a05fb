package config

import (
	"testing"
)

func TestLoadRequiresAppID(t *testing.T) {
	t.Setenv("APP_ID", "")
	t.Setenv("PRIVATE_KEY_PATH", "/tmp/key.pem")
	t.Setenv("WEBHOOK_SECRET", "shh")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when APP_ID is unset")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("APP_ID", "12345")
	t.Setenv("PRIVATE_KEY_PATH", "/tmp/key.pem")
	t.Setenv("WEBHOOK_SECRET", "shh")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Workers != 4 {
		t.Fatalf("expected default Workers=4, got %d", cfg.Workers)
	}
	if cfg.RateLimitMinRemaining != 200 {
		t.Fatalf("expected default RateLimitMinRemaining=200, got %d", cfg.RateLimitMinRemaining)
	}
	if cfg.LeaseTTL.Seconds() != 120 {
		t.Fatalf("expected default LeaseTTL=120s, got %v", cfg.LeaseTTL)
	}
}

func TestLoadRejectsZeroWorkers(t *testing.T) {
	t.Setenv("APP_ID", "12345")
	t.Setenv("PRIVATE_KEY_PATH", "/tmp/key.pem")
	t.Setenv("WEBHOOK_SECRET", "shh")
	t.Setenv("WORKERS", "0")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when WORKERS is 0")
	}
}
