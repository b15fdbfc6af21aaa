// Package config holds all tapestry runtime configuration.
// Config is loaded from YAML with environment variable overrides
// (TAPESTRY_* vars) applied after parsing.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all tapestry configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Pattern engine settings
	Engine EngineConfig `yaml:"engine"`

	// Telemetry window and archive
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Snapshot persistence
	Persistence PersistenceConfig `yaml:"persistence"`

	// Pattern definitions
	Patterns PatternsConfig `yaml:"patterns"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// EngineConfig configures pattern execution.
// MaxRecursionDepth is the single authoritative bound on nested pattern
// invocations; no other copy of this limit exists in the system.
type EngineConfig struct {
	MaxRecursionDepth int  `yaml:"max_recursion_depth"`
	FailFast          bool `yaml:"fail_fast"`
}

// TelemetryConfig configures the in-memory telemetry window and the
// optional sqlite archive behind it.
type TelemetryConfig struct {
	WindowSize  int    `yaml:"window_size"`
	ArchivePath string `yaml:"archive_path"` // empty disables the archive
}

// PersistenceConfig configures graph snapshots and backup rotation.
type PersistenceConfig struct {
	SnapshotDir    string `yaml:"snapshot_dir"`
	RetentionCount int    `yaml:"retention_count"`
}

// PatternsConfig configures pattern definition loading.
type PatternsConfig struct {
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"` // mark cached patterns stale on file change
}

// LoggingConfig mirrors internal/logging's view of the config file.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Name:    "tapestry",
		Version: "1.0.0",
		Engine: EngineConfig{
			MaxRecursionDepth: 5,
			FailFast:          false,
		},
		Telemetry: TelemetryConfig{
			WindowSize: 1000,
		},
		Persistence: PersistenceConfig{
			SnapshotDir:    filepath.Join(".tapestry", "snapshots"),
			RetentionCount: 3,
		},
		Patterns: PatternsConfig{
			Dir:   "patterns",
			Watch: true,
		},
		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load reads configuration from the given YAML file, falling back to
// defaults for anything unset, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies TAPESTRY_* environment variables on top of the
// parsed config. Only a small operational subset is overridable.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("TAPESTRY_MAX_RECURSION_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Engine.MaxRecursionDepth = n
		}
	}
	if v := os.Getenv("TAPESTRY_FAIL_FAST"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Engine.FailFast = b
		}
	}
	if v := os.Getenv("TAPESTRY_TELEMETRY_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Telemetry.WindowSize = n
		}
	}
	if v := os.Getenv("TAPESTRY_SNAPSHOT_DIR"); v != "" {
		c.Persistence.SnapshotDir = v
	}
	if v := os.Getenv("TAPESTRY_RETENTION_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Persistence.RetentionCount = n
		}
	}
	if v := os.Getenv("TAPESTRY_PATTERNS_DIR"); v != "" {
		c.Patterns.Dir = v
	}
}

// Validate checks for configuration values that would break the runtime.
func (c *Config) Validate() error {
	if c.Engine.MaxRecursionDepth < 0 {
		return fmt.Errorf("engine.max_recursion_depth must be >= 0, got %d", c.Engine.MaxRecursionDepth)
	}
	if c.Telemetry.WindowSize <= 0 {
		return fmt.Errorf("telemetry.window_size must be > 0, got %d", c.Telemetry.WindowSize)
	}
	if c.Persistence.RetentionCount < 1 {
		return fmt.Errorf("persistence.retention_count must be >= 1, got %d", c.Persistence.RetentionCount)
	}
	return nil
}

// Save writes the config back to disk as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
