package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConfig_LoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if !filepath.IsAbs(cfg.SessionRoot) {
		t.Errorf("SessionRoot should be absolute, got %s", cfg.SessionRoot)
	}

	if cfg.OperationTimeout != 2*time.Minute {
		t.Errorf("Expected operation timeout 2m, got %s", cfg.OperationTimeout)
	}

	if cfg.AutoCheckpoint.Interval != 10 {
		t.Errorf("Expected interval 10, got %d", cfg.AutoCheckpoint.Interval)
	}

	if cfg.RemoteEnabled() {
		t.Error("Remote should be disabled without database path and tool id")
	}
}

func TestConfig_LoadFileAndEnv(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "uiannotate.yaml")
	content := `session_root: ` + tmpDir + `
tool_id: tool_checkout
database:
  path: ` + filepath.Join(tmpDir, "mirror.db") + `
lock_timeout: 5s
auto_checkpoint:
  enabled: true
  interval: 3
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("UIANNOTATE_TOOL_ID", "tool_override")
	t.Setenv("UIANNOTATE_LOG__LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.ToolID != "tool_override" {
		t.Errorf("Expected env to override tool_id, got %s", cfg.ToolID)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Expected log level debug, got %s", cfg.Log.Level)
	}
	if cfg.LockTimeout != 5*time.Second {
		t.Errorf("Expected lock timeout 5s, got %s", cfg.LockTimeout)
	}
	if !cfg.AutoCheckpoint.Enabled || cfg.AutoCheckpoint.Interval != 3 {
		t.Errorf("Unexpected auto checkpoint config: %+v", cfg.AutoCheckpoint)
	}
	if !cfg.RemoteEnabled() {
		t.Error("Remote should be enabled")
	}
}

func TestConfig_InvalidInterval(t *testing.T) {
	t.Setenv("UIANNOTATE_AUTO_CHECKPOINT__INTERVAL", "0")

	if _, err := Load(""); err == nil {
		t.Error("Expected error for non-positive interval")
	}
}

func TestConfig_Paths(t *testing.T) {
	cfg := &Config{SessionRoot: "/data/session-1"}

	if got := cfg.CheckpointsDir(); got != "/data/session-1/checkpoints" {
		t.Errorf("Unexpected checkpoints dir %s", got)
	}
	if got := cfg.IndexPath(); got != "/data/session-1/checkpoints/checkpoints.json" {
		t.Errorf("Unexpected index path %s", got)
	}
}
