package client

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	for _, k := range []string{"CONFIG_FILE", "SERVER_URL", "CLIENT_NAME", "LOG_LEVEL", "RECONNECT", "RECONNECT_BASE", "MAX_RECONNECT_ATTEMPTS"} {
		t.Setenv(k, "")
	}
	var cfg Config
	cfg.FromEnv()
	if cfg.ServerURL != "ws://localhost:8080/ws" {
		t.Fatalf("server url default: %q", cfg.ServerURL)
	}
	if cfg.ClientName == "" {
		t.Fatalf("client name must default to something")
	}
	if !cfg.Reconnect || cfg.ReconnectBase != time.Second || cfg.MaxReconnectAttempts != 5 {
		t.Fatalf("reconnect defaults: %+v", cfg)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("log level default: %q", cfg.LogLevel)
	}
	if cfg.ConfigFile == "" || filepath.Base(cfg.ConfigFile) != "client.yaml" {
		t.Fatalf("config file default: %q", cfg.ConfigFile)
	}
}

func TestLoadDefault(t *testing.T) {
	var cfg Config
	cfg.ConfigFile = filepath.Join(t.TempDir(), "client.yaml")
	if err := cfg.LoadDefault(); err != nil {
		t.Fatalf("missing default file must not error: %v", err)
	}
	if err := os.WriteFile(cfg.ConfigFile, []byte("server_url: wss://cfg.example.com/ws\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := cfg.LoadDefault(); err != nil {
		t.Fatalf("load default: %v", err)
	}
	if cfg.ServerURL != "wss://cfg.example.com/ws" {
		t.Fatalf("default file not applied: %+v", cfg)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_URL", "wss://api.example.com/ws")
	t.Setenv("CLIENT_NAME", "ci-runner")
	t.Setenv("RECONNECT", "false")
	t.Setenv("RECONNECT_BASE", "250ms")
	t.Setenv("MAX_RECONNECT_ATTEMPTS", "2")
	var cfg Config
	cfg.FromEnv()
	if cfg.ServerURL != "wss://api.example.com/ws" || cfg.ClientName != "ci-runner" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.Reconnect || cfg.ReconnectBase != 250*time.Millisecond || cfg.MaxReconnectAttempts != 2 {
		t.Fatalf("reconnect overrides not applied: %+v", cfg)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.yaml")
	data := "server_url: wss://prod.example.com/ws\nreconnect: true\nreconnect_base: 2s\nlog_level: debug\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg := Config{ClientName: "kept"}
	if err := cfg.LoadFile(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServerURL != "wss://prod.example.com/ws" || cfg.ReconnectBase != 2*time.Second || cfg.LogLevel != "debug" {
		t.Fatalf("yaml not applied: %+v", cfg)
	}
	if cfg.ClientName != "kept" {
		t.Fatalf("unset yaml field overwrote existing value")
	}
	if err := cfg.LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
