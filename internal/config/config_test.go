package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"sobench/internal/client"
	"sobench/internal/logger"
	"sobench/internal/server"
	"sobench/internal/store"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must be valid: %v", err)
	}
	if !cfg.Log.Enabled {
		t.Error("expected logging to be enabled by default")
	}
	if cfg.Server.Architecture != "thread" {
		t.Errorf("expected thread architecture, got %s", cfg.Server.Architecture)
	}
	if cfg.Server.Granularity != "cell" {
		t.Errorf("expected cell granularity, got %s", cfg.Server.Granularity)
	}
	if cfg.Client.StoreSize != 0 {
		t.Errorf("expected client store size to follow the server, got %d", cfg.Client.StoreSize)
	}
}

func TestLoadFileYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
name: yaml-test
timeout: 1m
log:
  enabled: false
  level: debug
server:
  architecture: process
  port: 15000
  store_size: 64
  granularity: global
  workers: 3
  health_interval: 250ms
client:
  clients: 10
  reads: 2
  writes: 8
  pattern: writes-first
  hot_cells: 4
  initial_backoff: 20ms
chaos:
  enabled: true
  interval: 1s
  targets: 2
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("loaded config must be valid: %v", err)
	}

	sc, err := cfg.ToScenarioConfig()
	if err != nil {
		t.Fatalf("failed to convert config: %v", err)
	}

	if sc.Name != "yaml-test" {
		t.Errorf("expected name 'yaml-test', got '%s'", sc.Name)
	}
	if sc.Timeout != time.Minute {
		t.Errorf("expected timeout 1m, got %v", sc.Timeout)
	}
	if sc.Server.Architecture != server.ArchProcess {
		t.Errorf("expected process architecture, got %s", sc.Server.Architecture)
	}
	if sc.Server.Granularity != store.Global {
		t.Errorf("expected global granularity, got %s", sc.Server.Granularity)
	}
	if sc.Server.Workers != 3 || sc.Server.Port != 15000 {
		t.Errorf("unexpected workers/port: %d/%d", sc.Server.Workers, sc.Server.Port)
	}
	if sc.Server.HealthInterval != 250*time.Millisecond {
		t.Errorf("expected health interval 250ms, got %v", sc.Server.HealthInterval)
	}
	if sc.Server.LogEnabled {
		t.Error("expected server logging to follow log.enabled")
	}
	if sc.Client.StoreSize != 64 {
		t.Errorf("expected client store size 64, got %d", sc.Client.StoreSize)
	}
	if sc.Client.Pattern != client.PatternWritesFirst {
		t.Errorf("expected writes-first pattern, got %s", sc.Client.Pattern)
	}
	if sc.Client.InitialBackoff != 20*time.Millisecond {
		t.Errorf("expected backoff 20ms, got %v", sc.Client.InitialBackoff)
	}
	// 書かれていない項目はデフォルトのまま
	if sc.Client.MaxRetries != client.DefaultConfig().MaxRetries {
		t.Errorf("expected default max retries, got %d", sc.Client.MaxRetries)
	}
	if !sc.EnableChaos || sc.ChaosTargets != 2 || sc.ChaosInterval != time.Second {
		t.Errorf("unexpected chaos settings: %v %d %v", sc.EnableChaos, sc.ChaosTargets, sc.ChaosInterval)
	}

	level, err := cfg.LogLevel()
	if err != nil || level != logger.LevelDebug {
		t.Errorf("expected debug level, got %v (%v)", level, err)
	}
}

func TestLoadFileJSON(t *testing.T) {
	path := writeFile(t, "config.json", `{
  "name": "json-test",
  "server": {
    "architecture": "eventloop",
    "granularity": "none"
  },
  "client": {
    "clients": 5
  }
}`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	sc, err := cfg.ToScenarioConfig()
	if err != nil {
		t.Fatalf("failed to convert config: %v", err)
	}
	if sc.Name != "json-test" {
		t.Errorf("expected name 'json-test', got '%s'", sc.Name)
	}
	if sc.Server.Architecture != server.ArchEventLoop {
		t.Errorf("expected eventloop architecture, got %s", sc.Server.Architecture)
	}
	if sc.Server.Granularity != store.None {
		t.Errorf("expected no locking, got %s", sc.Server.Granularity)
	}
	if sc.Client.Clients != 5 {
		t.Errorf("expected 5 clients, got %d", sc.Client.Clients)
	}
	if sc.EnableChaos {
		t.Error("expected chaos to be disabled")
	}
}

func TestLoadFilePreset(t *testing.T) {
	path := writeFile(t, "config.yml", `
preset: race
client:
  clients: 7
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	sc, err := cfg.ToScenarioConfig()
	if err != nil {
		t.Fatalf("failed to convert config: %v", err)
	}

	if sc.Name != "race" {
		t.Errorf("expected preset name 'race', got '%s'", sc.Name)
	}
	if sc.Server.Granularity != store.None {
		t.Errorf("expected race preset to disable locking, got %s", sc.Server.Granularity)
	}
	if sc.Client.Clients != 7 {
		t.Errorf("expected override to 7 clients, got %d", sc.Client.Clients)
	}
	if sc.Client.Reads != 0 {
		t.Errorf("expected preset reads 0, got %d", sc.Client.Reads)
	}
	if !cfg.Log.Enabled {
		t.Error("expected preset to keep default logging")
	}
}

func TestLoadFileUnknownPreset(t *testing.T) {
	path := writeFile(t, "config.yaml", "preset: latency\n")

	if _, err := LoadFile(path); err == nil {
		t.Error("expected error for unknown preset")
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := LoadFile("/nonexistent/config.yaml")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoadFileUnsupportedFormat(t *testing.T) {
	path := writeFile(t, "config.txt", "test")

	_, err := LoadFile(path)
	if err == nil {
		t.Error("expected error for unsupported format")
	}
}

func TestLoadFileMalformed(t *testing.T) {
	path := writeFile(t, "config.json", `{"server": `)

	if _, err := LoadFile(path); err == nil {
		t.Error("expected error for malformed json")
	}
}

func TestToScenarioConfigInvalidDuration(t *testing.T) {
	fields := []func(*Config){
		func(c *Config) { c.Timeout = "invalid" },
		func(c *Config) { c.Server.IdleWindow = "3" },
		func(c *Config) { c.Client.Jitter = "fast" },
		func(c *Config) { c.Chaos.Interval = "-" },
	}

	for i, set := range fields {
		cfg := Default()
		set(&cfg)
		if _, err := cfg.ToScenarioConfig(); err == nil {
			t.Errorf("case %d: expected error for invalid duration", i)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		modify   func(*Config)
		hasError bool
	}{
		{"valid config", func(*Config) {}, false},
		{"unknown architecture", func(c *Config) { c.Server.Architecture = "fork" }, true},
		{"unknown granularity", func(c *Config) { c.Server.Granularity = "row" }, true},
		{"unknown pattern", func(c *Config) { c.Client.Pattern = "RX" }, true},
		{"unknown log level", func(c *Config) { c.Log.Level = "trace" }, true},
		{"zero clients", func(c *Config) { c.Client.Clients = 0 }, true},
		{"negative retries", func(c *Config) { c.Client.MaxRetries = -1 }, true},
		{"hot cells beyond store", func(c *Config) { c.Client.HotCells = c.Server.StoreSize + 1 }, true},
		{"chaos on thread server", func(c *Config) { c.Chaos.Enabled = true }, true},
		{"chaos on process server", func(c *Config) {
			c.Chaos.Enabled = true
			c.Server.Architecture = "process"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.hasError && err == nil {
				t.Error("expected validation error")
			}
			if !tt.hasError && err != nil {
				t.Errorf("unexpected validation error: %v", err)
			}
		})
	}
}
