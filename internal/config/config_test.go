package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.ListenAddress != defaultListenAddress {
		t.Fatalf("expected default listen address %s, got %s", defaultListenAddress, cfg.ListenAddress)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Fatalf("expected default log level %s, got %s", defaultLogLevel, cfg.LogLevel)
	}
	if cfg.ShutdownGracePeriod != defaultShutdownGracePeriod {
		t.Fatalf("expected default grace %s, got %s", defaultShutdownGracePeriod, cfg.ShutdownGracePeriod)
	}
	if cfg.Store.Driver != defaultStoreDriver || cfg.Store.Path != defaultStorePath {
		t.Fatalf("expected default store config, got %+v", cfg.Store)
	}
	if !cfg.Auth.OpenRegistration {
		t.Fatal("expected open registration by default")
	}
	if !cfg.Session.PresenceBeforeAuth {
		t.Fatal("expected presence priming by default")
	}
	if cfg.Session.SendBuffer != defaultSendBuffer {
		t.Fatalf("expected default send buffer %d, got %d", defaultSendBuffer, cfg.Session.SendBuffer)
	}
}

func TestLoadWithFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(`
listen_address: "127.0.0.1:7001"
log_level: "debug"
shutdown_grace_period: "5s"
store:
  driver: "memory"
session:
  ping_interval: "15s"
  presence_before_auth: false
`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("BEELINE_LISTEN_ADDRESS", ":6000")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.ListenAddress != ":6000" {
		t.Fatalf("expected env override for listen address, got %s", cfg.ListenAddress)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log level debug, got %s", cfg.LogLevel)
	}
	if cfg.ShutdownGracePeriod != 5*time.Second {
		t.Fatalf("expected grace 5s, got %s", cfg.ShutdownGracePeriod)
	}
	if cfg.Store.Driver != "memory" {
		t.Fatalf("expected memory store driver, got %s", cfg.Store.Driver)
	}
	if cfg.Session.PingInterval != 15*time.Second {
		t.Fatalf("expected ping interval 15s, got %s", cfg.Session.PingInterval)
	}
	if cfg.Session.PresenceBeforeAuth {
		t.Fatal("expected presence priming disabled by file")
	}
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("store:\n  driver: \"oracle\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Fatal("expected error for unknown store driver")
	}
}
