package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"sobench/internal/client"
	"sobench/internal/logger"
	"sobench/internal/scenario"
	"sobench/internal/server"
	"sobench/internal/store"
)

// Config は設定ファイルの構造
// 時間はすべて "500ms" や "2s" の形式で書く
type Config struct {
	Preset      string `yaml:"preset" json:"preset"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Timeout     string `yaml:"timeout" json:"timeout"`

	Log    LogConfig    `yaml:"log" json:"log"`
	Server ServerConfig `yaml:"server" json:"server"`
	Client ClientConfig `yaml:"client" json:"client"`
	Chaos  ChaosConfig  `yaml:"chaos" json:"chaos"`
}

// LogConfig はログ設定
type LogConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Level   string `yaml:"level" json:"level"`
}

// ServerConfig はサーバー設定
type ServerConfig struct {
	Architecture   string `yaml:"architecture" json:"architecture"`
	Host           string `yaml:"host" json:"host"`
	Port           int    `yaml:"port" json:"port"`
	StoreSize      int    `yaml:"store_size" json:"store_size"`
	Granularity    string `yaml:"granularity" json:"granularity"`
	PoolSize       int    `yaml:"pool_size" json:"pool_size"`
	PollInterval   string `yaml:"poll_interval" json:"poll_interval"`
	IdleWindow     string `yaml:"idle_window" json:"idle_window"`
	Workers        int    `yaml:"workers" json:"workers"`
	MaxConnsPerWkr int    `yaml:"max_conns_per_worker" json:"max_conns_per_worker"`
	SharedFile     string `yaml:"shared_file" json:"shared_file"`
	HealthInterval string `yaml:"health_interval" json:"health_interval"`
	RestartWait    string `yaml:"restart_wait" json:"restart_wait"`
}

// ClientConfig はクライアント設定
type ClientConfig struct {
	Clients        int    `yaml:"clients" json:"clients"`
	Reads          int    `yaml:"reads" json:"reads"`
	Writes         int    `yaml:"writes" json:"writes"`
	Pattern        string `yaml:"pattern" json:"pattern"`
	StoreSize      int    `yaml:"store_size" json:"store_size"` // 0でサーバーと同じ
	HotCells       int    `yaml:"hot_cells" json:"hot_cells"`
	Delta          int64  `yaml:"delta" json:"delta"`
	MaxOpenConns   int    `yaml:"max_open_conns" json:"max_open_conns"`
	MaxRetries     int    `yaml:"max_retries" json:"max_retries"`
	InitialBackoff string `yaml:"initial_backoff" json:"initial_backoff"`
	Jitter         string `yaml:"jitter" json:"jitter"`
	IOTimeout      string `yaml:"io_timeout" json:"io_timeout"`
	PoolSize       int    `yaml:"pool_size" json:"pool_size"`
}

// ChaosConfig はカオス設定
type ChaosConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Interval string `yaml:"interval" json:"interval"`
	Targets  int    `yaml:"targets" json:"targets"`
}

// Default はデフォルト設定を返す
func Default() Config {
	c := FromScenario(scenario.DefaultConfig())
	c.Log = LogConfig{Enabled: true, Level: "info"}
	return c
}

// FromScenario はシナリオ設定をファイルの形に変換する
func FromScenario(sc scenario.Config) Config {
	s, cl := sc.Server, sc.Client
	c := Config{
		Name:        sc.Name,
		Description: sc.Description,
		Log:         LogConfig{Enabled: s.LogEnabled, Level: "info"},
		Server: ServerConfig{
			Architecture:   string(s.Architecture),
			Host:           s.Host,
			Port:           s.Port,
			StoreSize:      s.StoreSize,
			Granularity:    s.Granularity.String(),
			PoolSize:       s.PoolSize,
			PollInterval:   s.PollInterval.String(),
			IdleWindow:     s.IdleWindow.String(),
			Workers:        s.Workers,
			MaxConnsPerWkr: s.MaxConnsPerWorker,
			SharedFile:     s.SharedFile,
			HealthInterval: s.HealthInterval.String(),
			RestartWait:    s.RestartWait.String(),
		},
		Client: ClientConfig{
			Clients:        cl.Clients,
			Reads:          cl.Reads,
			Writes:         cl.Writes,
			Pattern:        string(cl.Pattern),
			StoreSize:      cl.StoreSize,
			HotCells:       cl.HotCells,
			Delta:          cl.Delta,
			MaxOpenConns:   cl.MaxOpenConns,
			MaxRetries:     cl.MaxRetries,
			InitialBackoff: cl.InitialBackoff.String(),
			Jitter:         cl.Jitter.String(),
			IOTimeout:      cl.IOTimeout.String(),
			PoolSize:       cl.PoolSize,
		},
		Chaos: ChaosConfig{
			Enabled:  sc.EnableChaos,
			Interval: sc.ChaosInterval.String(),
			Targets:  sc.ChaosTargets,
		},
	}
	// サーバーと同じなら省略し、server.store_size に追従させる
	if cl.StoreSize == s.StoreSize {
		c.Client.StoreSize = 0
	}
	if sc.Timeout > 0 {
		c.Timeout = sc.Timeout.String()
	}
	return c
}

// LoadFile は設定ファイルを読み込む
// preset が指定されていればそのプリセットを土台にし、ファイルに書かれた項目だけを上書きする
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var unmarshal func([]byte, any) error
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		unmarshal = yaml.Unmarshal
	case ".json":
		unmarshal = json.Unmarshal
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}

	var probe struct {
		Preset string `yaml:"preset" json:"preset"`
	}
	if err := unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", strings.TrimPrefix(ext, "."), err)
	}

	config := Default()
	if probe.Preset != "" {
		preset, ok := scenario.GetPreset(probe.Preset)
		if !ok {
			return nil, fmt.Errorf("unknown preset: %s (available: %v)", probe.Preset, scenario.ListPresets())
		}
		log := config.Log
		config = FromScenario(preset)
		config.Log = log
	}

	if err := unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", strings.TrimPrefix(ext, "."), err)
	}
	return &config, nil
}

// durations は文字列の時間をまとめて解釈する
type durations struct {
	err error
}

func (d *durations) parse(field, s string, dst *time.Duration) {
	if d.err != nil || s == "" {
		return
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		d.err = fmt.Errorf("invalid %s: %w", field, err)
		return
	}
	*dst = v
}

// ToScenarioConfig はConfigをscenario.Configに変換する
func (c *Config) ToScenarioConfig() (scenario.Config, error) {
	sc := scenario.DefaultConfig()
	if c.Name != "" {
		sc.Name = c.Name
	}
	if c.Description != "" {
		sc.Description = c.Description
	}

	var err error
	if sc.Server, err = c.ServerConfig(); err != nil {
		return sc, err
	}
	if sc.Client, err = c.ClientConfig(); err != nil {
		return sc, err
	}

	var d durations
	d.parse("timeout", c.Timeout, &sc.Timeout)
	d.parse("chaos.interval", c.Chaos.Interval, &sc.ChaosInterval)
	if d.err != nil {
		return sc, d.err
	}
	sc.EnableChaos = c.Chaos.Enabled
	sc.ChaosTargets = c.Chaos.Targets
	return sc, nil
}

// ServerConfig はサーバー設定に変換する
func (c *Config) ServerConfig() (server.Config, error) {
	s := c.Server
	out := server.DefaultConfig()

	arch, err := server.ParseArchitecture(s.Architecture)
	if err != nil {
		return out, err
	}
	g, err := store.ParseGranularity(s.Granularity)
	if err != nil {
		return out, err
	}

	out.Architecture = arch
	out.Host = s.Host
	out.Port = s.Port
	out.StoreSize = s.StoreSize
	out.Granularity = g
	out.LogEnabled = c.Log.Enabled
	out.PoolSize = s.PoolSize
	out.Workers = s.Workers
	out.MaxConnsPerWorker = s.MaxConnsPerWkr
	out.SharedFile = s.SharedFile

	var d durations
	d.parse("server.poll_interval", s.PollInterval, &out.PollInterval)
	d.parse("server.idle_window", s.IdleWindow, &out.IdleWindow)
	d.parse("server.health_interval", s.HealthInterval, &out.HealthInterval)
	d.parse("server.restart_wait", s.RestartWait, &out.RestartWait)
	return out, d.err
}

// ClientConfig はクライアント設定に変換する
func (c *Config) ClientConfig() (client.Config, error) {
	cl := c.Client
	out := client.DefaultConfig()

	pattern, err := client.ParsePattern(cl.Pattern)
	if err != nil {
		return out, err
	}

	out.Clients = cl.Clients
	out.Reads = cl.Reads
	out.Writes = cl.Writes
	out.Pattern = pattern
	out.StoreSize = cl.StoreSize
	if out.StoreSize == 0 {
		out.StoreSize = c.Server.StoreSize
	}
	out.HotCells = cl.HotCells
	out.Delta = cl.Delta
	out.MaxOpenConns = cl.MaxOpenConns
	out.MaxRetries = cl.MaxRetries
	out.PoolSize = cl.PoolSize

	var d durations
	d.parse("client.initial_backoff", cl.InitialBackoff, &out.InitialBackoff)
	d.parse("client.jitter", cl.Jitter, &out.Jitter)
	d.parse("client.io_timeout", cl.IOTimeout, &out.IOTimeout)
	return out, d.err
}

// LogLevel はログレベルを返す
func (c *Config) LogLevel() (logger.Level, error) {
	return logger.ParseLevel(c.Log.Level)
}

// ConfigureLogger はデフォルトロガーに反映する
func (c *Config) ConfigureLogger() error {
	level, err := c.LogLevel()
	if err != nil {
		return err
	}
	logger.Configure(c.Log.Enabled, level)
	return nil
}

// Validate は設定を検証する
func (c *Config) Validate() error {
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	sc, err := c.ToScenarioConfig()
	if err != nil {
		return err
	}
	return sc.Validate()
}
