package config

import "testing"

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PAIRING_TTL_MINUTES", "")
	t.Setenv("TERMINAL_LOCK_THRESHOLD", "")
	t.Setenv("NONCE_TTL_SECONDS", "not-a-number")

	cfg := Load()
	if cfg.PairingTTLMinutes != 15 {
		t.Fatalf("expected default pairing TTL 15, got %d", cfg.PairingTTLMinutes)
	}
	if cfg.LockThreshold != 5 {
		t.Fatalf("expected default lock threshold 5, got %d", cfg.LockThreshold)
	}
	if cfg.NonceTTLSeconds != 300 {
		t.Fatalf("expected malformed NONCE_TTL_SECONDS to fall back to 300, got %d", cfg.NonceTTLSeconds)
	}
	if cfg.Address() != ":8080" {
		t.Fatalf("expected default address :8080, got %s", cfg.Address())
	}
}
