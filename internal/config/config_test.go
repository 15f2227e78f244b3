package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flowsched.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":8080" || cfg.TickInterval != time.Second || cfg.Engine.Kind != "http" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
listen_addr: ":9999"
db_path: /tmp/test.db
tick_interval: 250ms
max_concurrent_dispatches: 4
dispatch_rate_per_sec: 10
recent_executions: 7
engine:
  kind: shell
  command: /usr/local/bin/run-workflow
  args: ["--quiet"]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":9999" || cfg.DBPath != "/tmp/test.db" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.TickInterval != 250*time.Millisecond {
		t.Fatalf("tick_interval = %v, want 250ms", cfg.TickInterval)
	}
	if cfg.MaxConcurrentDispatches != 4 || cfg.DispatchRatePerSec != 10 || cfg.RecentExecutions != 7 {
		t.Fatalf("numeric overrides not applied: %+v", cfg)
	}
	if cfg.Engine.Kind != "shell" || cfg.Engine.Command != "/usr/local/bin/run-workflow" {
		t.Fatalf("engine config not applied: %+v", cfg.Engine)
	}
}

func TestLoadBadDuration(t *testing.T) {
	path := writeConfig(t, "tick_interval: soon\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "tick_interval") {
		t.Fatalf("expected tick_interval error, got %v", err)
	}
}

func TestLoadBadEngineKind(t *testing.T) {
	path := writeConfig(t, "engine:\n  kind: carrier-pigeon\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "engine.kind") {
		t.Fatalf("expected engine.kind error, got %v", err)
	}
}

func TestLoadShellRequiresCommand(t *testing.T) {
	path := writeConfig(t, "engine:\n  kind: shell\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "engine.command") {
		t.Fatalf("expected engine.command error, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
