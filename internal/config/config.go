package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment overrides, e.g. UIANNOTATE_TOOL_ID.
const EnvPrefix = "UIANNOTATE_"

// Config holds the resolved settings for one annotation session
type Config struct {
	SessionRoot      string         `koanf:"session_root"`
	ToolID           string         `koanf:"tool_id"`
	Database         DatabaseConfig `koanf:"database"`
	OperationTimeout time.Duration  `koanf:"operation_timeout"`
	LockTimeout      time.Duration  `koanf:"lock_timeout"`
	AutoCheckpoint   AutoConfig     `koanf:"auto_checkpoint"`
	Log              LogConfig      `koanf:"log"`
	Metrics          MetricsConfig  `koanf:"metrics"`
}

// DatabaseConfig points at the relational mirror. An empty Path disables it.
type DatabaseConfig struct {
	Path        string        `koanf:"path"`
	BusyTimeout time.Duration `koanf:"busy_timeout"`
}

// AutoConfig controls watcher-driven checkpoints
type AutoConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Interval int           `koanf:"interval"`
	Debounce time.Duration `koanf:"debounce"`
}

type LogConfig struct {
	Level string `koanf:"level"`
	JSON  bool   `koanf:"json"`
}

type MetricsConfig struct {
	Textfile string `koanf:"textfile"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"session_root":             ".",
		"database.busy_timeout":    "5s",
		"operation_timeout":        "2m",
		"lock_timeout":             "30s",
		"auto_checkpoint.enabled":  false,
		"auto_checkpoint.interval": 10,
		"auto_checkpoint.debounce": "500ms",
		"log.level":                "info",
	}
}

// Load resolves configuration from defaults, an optional YAML file and the
// environment, in that order of increasing priority.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// UIANNOTATE_DATABASE__PATH -> database.path, UIANNOTATE_TOOL_ID -> tool_id
	envTransformer := func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		s = strings.ToLower(s)
		return strings.ReplaceAll(s, "__", ".")
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformer), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	root, err := filepath.Abs(cfg.SessionRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve session root: %w", err)
	}
	cfg.SessionRoot = root

	if cfg.Database.Path != "" {
		dbPath, err := filepath.Abs(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("resolve database path: %w", err)
		}
		cfg.Database.Path = dbPath
	}

	if cfg.AutoCheckpoint.Interval <= 0 {
		return nil, fmt.Errorf("auto_checkpoint.interval must be positive, got %d", cfg.AutoCheckpoint.Interval)
	}

	return cfg, nil
}

// CheckpointsDir returns the directory holding checkpoint snapshots and the index
func (c *Config) CheckpointsDir() string {
	return filepath.Join(c.SessionRoot, "checkpoints")
}

// IndexPath returns the path to checkpoints.json
func (c *Config) IndexPath() string {
	return filepath.Join(c.CheckpointsDir(), "checkpoints.json")
}

// RemoteEnabled reports whether both a database and a tool identity are configured.
func (c *Config) RemoteEnabled() bool {
	return c.Database.Path != "" && c.ToolID != ""
}

// EnsureSessionRoot creates the session root if it does not exist yet.
func (c *Config) EnsureSessionRoot() error {
	return os.MkdirAll(c.SessionRoot, 0755)
}
