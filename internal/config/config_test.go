package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
	if cfg.Claude.Binary != "claude" {
		t.Errorf("binary = %q", cfg.Claude.Binary)
	}
	if !cfg.SessionEvictionEnabled() {
		t.Error("eviction must default to enabled")
	}
	if !cfg.RateLimitEnabled() {
		t.Error("rate limiting must default to enabled")
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Session.MaxPerUser != 10 {
		t.Errorf("maxPerUser = %d, want default 10", cfg.Session.MaxPerUser)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clawgram.json")
	body := `{"session":{"maxSessionsPerUser":3},"telegram":{"allowedUsers":[42,7]}}`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Session.MaxPerUser != 3 {
		t.Errorf("maxPerUser = %d, want 3", cfg.Session.MaxPerUser)
	}
	if len(cfg.Telegram.AllowedUsers) != 2 || cfg.Telegram.AllowedUsers[0] != 42 {
		t.Errorf("allowedUsers = %v", cfg.Telegram.AllowedUsers)
	}
	// Untouched sections keep their defaults
	if cfg.Claude.TimeoutSeconds != 300 {
		t.Errorf("timeout = %d, want default 300", cfg.Claude.TimeoutSeconds)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clawgram.json")
	if err := os.WriteFile(path, []byte(`{"session":{"maxSessionsPerUser":0}}`), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestEnvTokenOverride(t *testing.T) {
	t.Setenv("CLAWGRAM_BOT_TOKEN", "env-token")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.BotToken != "env-token" {
		t.Errorf("botToken = %q", cfg.Telegram.BotToken)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "clawgram.json")

	cfg := Defaults()
	cfg.Claude.Model = "opus"
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Claude.Model != "opus" {
		t.Errorf("model = %q, want opus", loaded.Claude.Model)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("perm = %v, want 0600", info.Mode().Perm())
	}
}
