package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Database.Driver != "sqlite3" {
		t.Errorf("Database.Driver = %q, want sqlite3", cfg.Database.Driver)
	}
	if cfg.Redis.KeyPrefix != "popfuse:" {
		t.Errorf("Redis.KeyPrefix = %q, want popfuse:", cfg.Redis.KeyPrefix)
	}
	if cfg.Engine.MaxResults != 3 {
		t.Errorf("Engine.MaxResults = %d, want 3", cfg.Engine.MaxResults)
	}
	if cfg.Engine.SessionTTL != 30*time.Minute {
		t.Errorf("Engine.SessionTTL = %v, want 30m", cfg.Engine.SessionTTL)
	}

	decide, ok := cfg.RateLimit["decide"]
	if !ok {
		t.Fatal("missing default rate limit for decide")
	}
	if decide.Limit != 120 || !decide.FailOpen {
		t.Errorf("decide rule = %+v, want limit 120 fail-open", decide)
	}
	redeem, ok := cfg.RateLimit["discount_redeem"]
	if !ok {
		t.Fatal("missing default rate limit for discount_redeem")
	}
	if redeem.FailOpen {
		t.Error("discount_redeem must fail closed by default")
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := `
server:
  port: 9090
engine:
  max_results: 5
rate_limit:
  decide:
    limit: 10
    window_seconds: 30
    fail_open: true
`
	if err := os.WriteFile(path, []byte(raw), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Engine.MaxResults != 5 {
		t.Errorf("Engine.MaxResults = %d, want 5", cfg.Engine.MaxResults)
	}
	if cfg.RateLimit["decide"].Limit != 10 {
		t.Errorf("decide limit = %d, want 10", cfg.RateLimit["decide"].Limit)
	}

	// Unset fields still get defaults.
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Server.Host = %q, want 0.0.0.0", cfg.Server.Host)
	}
	if _, ok := cfg.RateLimit["challenge_issue"]; !ok {
		t.Error("missing default rate limit for challenge_issue")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Load of a missing file succeeded")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis.internal:6380")
	t.Setenv("JWT_SECRET", "from-env")

	cfg := Default()
	if cfg.Redis.Addr != "redis.internal:6380" {
		t.Errorf("Redis.Addr = %q, want env override", cfg.Redis.Addr)
	}
	if cfg.Auth.JWTSecret != "from-env" {
		t.Errorf("Auth.JWTSecret = %q, want env override", cfg.Auth.JWTSecret)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := Default()
	cfg.Server.Port = 9999
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Server.Port != 9999 {
		t.Errorf("Server.Port = %d, want 9999", loaded.Server.Port)
	}
}
