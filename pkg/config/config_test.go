package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MDCOLLAB_RELAY_ADDR", "")
	t.Setenv("MDCOLLAB_SYNC_TIMEOUT", "")
	t.Setenv("MDCOLLAB_LOG_LEVEL", "")
	t.Setenv("MDCOLLAB_RELAY_HEARTBEAT", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.RelayAddr != "localhost:8080" {
		t.Errorf("unexpected relay addr %q", cfg.RelayAddr)
	}
	if cfg.SyncTimeout != 8*time.Second {
		t.Errorf("unexpected sync timeout %v", cfg.SyncTimeout)
	}
	if cfg.Heartbeat != 5*time.Second {
		t.Errorf("unexpected relay heartbeat %v", cfg.Heartbeat)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("unexpected log level %v", cfg.LogLevel)
	}
}

func TestLoadDotenvAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	body := "MDCOLLAB_RELAY_URL=ws://relay.example:9000\nMDCOLLAB_PONG_WAIT=3s\nMDCOLLAB_NAME=from-file\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write env file: %v", err)
	}
	// t.Setenv restores the variables godotenv sets during this test.
	t.Setenv("MDCOLLAB_RELAY_URL", "")
	t.Setenv("MDCOLLAB_PONG_WAIT", "")
	t.Setenv("MDCOLLAB_NAME", "from-env")
	t.Setenv("MDCOLLAB_MAX_RETRIES", "not-a-number")
	t.Setenv("MDCOLLAB_LOG_LEVEL", "debug")
	os.Unsetenv("MDCOLLAB_RELAY_URL")
	os.Unsetenv("MDCOLLAB_PONG_WAIT")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.RelayURL != "ws://relay.example:9000" {
		t.Errorf("expected relay url from file, got %q", cfg.RelayURL)
	}
	if cfg.PongWait != 3*time.Second {
		t.Errorf("expected pong wait from file, got %v", cfg.PongWait)
	}
	if cfg.Name != "from-env" {
		t.Errorf("expected environment to win, got %q", cfg.Name)
	}
	if cfg.MaxRetries != 0 {
		t.Errorf("expected fallback for bad int, got %d", cfg.MaxRetries)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("expected debug level, got %v", cfg.LogLevel)
	}
}
