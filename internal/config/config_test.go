package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Engine.MaxRecursionDepth != 5 {
		t.Errorf("expected default max recursion depth 5, got %d", cfg.Engine.MaxRecursionDepth)
	}
	if cfg.Engine.FailFast {
		t.Error("fail_fast should default to false")
	}
	if cfg.Telemetry.WindowSize != 1000 {
		t.Errorf("expected default window 1000, got %d", cfg.Telemetry.WindowSize)
	}
	if cfg.Persistence.RetentionCount != 3 {
		t.Errorf("expected default retention 3, got %d", cfg.Persistence.RetentionCount)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config must validate: %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing config file should not be an error: %v", err)
	}
	if cfg.Engine.MaxRecursionDepth != 5 {
		t.Errorf("expected defaults, got %+v", cfg.Engine)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
name: my-runtime
engine:
  max_recursion_depth: 8
  fail_fast: true
telemetry:
  window_size: 50
  archive_path: telemetry.db
persistence:
  snapshot_dir: snaps
  retention_count: 5
patterns:
  dir: defs
  watch: false
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Name != "my-runtime" {
		t.Errorf("name not loaded: %q", cfg.Name)
	}
	if cfg.Engine.MaxRecursionDepth != 8 || !cfg.Engine.FailFast {
		t.Errorf("engine config wrong: %+v", cfg.Engine)
	}
	if cfg.Telemetry.WindowSize != 50 || cfg.Telemetry.ArchivePath != "telemetry.db" {
		t.Errorf("telemetry config wrong: %+v", cfg.Telemetry)
	}
	if cfg.Persistence.SnapshotDir != "snaps" || cfg.Persistence.RetentionCount != 5 {
		t.Errorf("persistence config wrong: %+v", cfg.Persistence)
	}
	if cfg.Patterns.Dir != "defs" || cfg.Patterns.Watch {
		t.Errorf("patterns config wrong: %+v", cfg.Patterns)
	}
	// Unset fields keep their defaults.
	if cfg.Version != "1.0.0" {
		t.Errorf("unset version should keep default, got %q", cfg.Version)
	}
}

func TestLoadPartialYAMLKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("engine:\n  fail_fast: true\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.Engine.FailFast {
		t.Error("fail_fast override lost")
	}
	if cfg.Engine.MaxRecursionDepth != 5 {
		t.Errorf("depth should stay at default 5, got %d", cfg.Engine.MaxRecursionDepth)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TAPESTRY_MAX_RECURSION_DEPTH", "10")
	t.Setenv("TAPESTRY_FAIL_FAST", "true")
	t.Setenv("TAPESTRY_TELEMETRY_WINDOW", "25")
	t.Setenv("TAPESTRY_SNAPSHOT_DIR", "/var/lib/tapestry/snaps")
	t.Setenv("TAPESTRY_RETENTION_COUNT", "7")
	t.Setenv("TAPESTRY_PATTERNS_DIR", "/etc/tapestry/patterns")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Engine.MaxRecursionDepth != 10 {
		t.Errorf("depth override lost: %d", cfg.Engine.MaxRecursionDepth)
	}
	if !cfg.Engine.FailFast {
		t.Error("fail_fast override lost")
	}
	if cfg.Telemetry.WindowSize != 25 {
		t.Errorf("window override lost: %d", cfg.Telemetry.WindowSize)
	}
	if cfg.Persistence.SnapshotDir != "/var/lib/tapestry/snaps" {
		t.Errorf("snapshot dir override lost: %q", cfg.Persistence.SnapshotDir)
	}
	if cfg.Persistence.RetentionCount != 7 {
		t.Errorf("retention override lost: %d", cfg.Persistence.RetentionCount)
	}
	if cfg.Patterns.Dir != "/etc/tapestry/patterns" {
		t.Errorf("patterns dir override lost: %q", cfg.Patterns.Dir)
	}
}

func TestEnvOverridesBeatFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("engine:\n  max_recursion_depth: 3\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TAPESTRY_MAX_RECURSION_DEPTH", "9")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Engine.MaxRecursionDepth != 9 {
		t.Errorf("env should win over file, got %d", cfg.Engine.MaxRecursionDepth)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative depth", func(c *Config) { c.Engine.MaxRecursionDepth = -1 }},
		{"zero window", func(c *Config) { c.Telemetry.WindowSize = 0 }},
		{"zero retention", func(c *Config) { c.Persistence.RetentionCount = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := Default()
	cfg.Engine.MaxRecursionDepth = 7
	cfg.Telemetry.ArchivePath = "telemetry.db"
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Engine.MaxRecursionDepth != 7 {
		t.Errorf("round trip lost depth: %d", loaded.Engine.MaxRecursionDepth)
	}
	if loaded.Telemetry.ArchivePath != "telemetry.db" {
		t.Errorf("round trip lost archive path: %q", loaded.Telemetry.ArchivePath)
	}
}
