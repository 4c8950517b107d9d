package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadManagerDefaults(t *testing.T) {
	cfg := LoadManager()

	if cfg.SyncMaxConcurrency != 10 {
		t.Errorf("SyncMaxConcurrency = %d, want 10", cfg.SyncMaxConcurrency)
	}
	if cfg.SyncQueueProcessInterval != 30*time.Second {
		t.Errorf("SyncQueueProcessInterval = %s, want 30s", cfg.SyncQueueProcessInterval)
	}
	if cfg.MetricsRecordingInterval != 10*time.Second {
		t.Errorf("MetricsRecordingInterval = %s, want 10s", cfg.MetricsRecordingInterval)
	}
	if !strings.HasPrefix(cfg.DefaultRelayURL, "wss://") {
		t.Errorf("DefaultRelayURL = %q, want wss:// prefix", cfg.DefaultRelayURL)
	}
}

func TestManagerValidate(t *testing.T) {
	cfg := LoadManager()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got: %v", err)
	}

	cfg.SyncMaxConcurrency = 0
	cfg.SyncMaxCoreLoad = -1
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "SYNC_MAX_CONCURRENCY") {
		t.Errorf("error %q should mention SYNC_MAX_CONCURRENCY", msg)
	}
	if !strings.Contains(msg, "SYNC_MAX_CORE_LOAD") {
		t.Errorf("error %q should mention SYNC_MAX_CORE_LOAD", msg)
	}
}

func TestEnvSeconds(t *testing.T) {
	t.Setenv("SYNC_QUEUE_PROCESS_INTERVAL", "45")
	cfg := LoadManager()
	if cfg.SyncQueueProcessInterval != 45*time.Second {
		t.Errorf("SyncQueueProcessInterval = %s, want 45s", cfg.SyncQueueProcessInterval)
	}

	t.Setenv("SYNC_QUEUE_PROCESS_INTERVAL", "not-a-number")
	cfg = LoadManager()
	if cfg.SyncQueueProcessInterval != 30*time.Second {
		t.Errorf("invalid value should fall back to default, got %s", cfg.SyncQueueProcessInterval)
	}
}

func TestPostgresDSN(t *testing.T) {
	p := Postgres{Host: "db", Port: 5432, Database: "migasfree", User: "mf", Password: "secret"}
	want := "postgres://mf:secret@db:5432/migasfree"
	if got := p.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
}

func TestRelayValidate(t *testing.T) {
	cfg := LoadRelay()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default relay config should validate, got: %v", err)
	}

	cfg.MaxConnections = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for zero max connections")
	}
}

func TestAgentValidate(t *testing.T) {
	cfg := LoadAgent()
	cfg.AgentID = ""
	cfg.ManagerURL = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("agent without AGENT_ID and MANAGER_URL should not validate")
	}

	cfg.AgentID = "CID-1"
	cfg.ManagerURL = "https://fleet.example.com"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}
