// Package config loads service configuration from an optional YAML file.
// Durations are written as Go duration strings ("5s", "1m").
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

type fileConfig struct {
	ListenAddr              string       `yaml:"listen_addr"`
	DBPath                  string       `yaml:"db_path"`
	TickInterval            string       `yaml:"tick_interval"`
	MaxConcurrentDispatches int          `yaml:"max_concurrent_dispatches"`
	DispatchRatePerSec      float64      `yaml:"dispatch_rate_per_sec"`
	RecentExecutions        int          `yaml:"recent_executions"`
	EnableDebug             bool         `yaml:"enable_debug"`
	Engine                  EngineConfig `yaml:"engine"`
}

// EngineConfig selects how workflows are invoked.
type EngineConfig struct {
	// Kind is "http" (POST to a workflow engine) or "shell" (local command).
	Kind    string   `yaml:"kind"`
	BaseURL string   `yaml:"base_url"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

type Config struct {
	ListenAddr              string
	DBPath                  string
	TickInterval            time.Duration
	MaxConcurrentDispatches int
	DispatchRatePerSec      float64
	RecentExecutions        int
	EnableDebug             bool
	Engine                  EngineConfig
}

func Default() Config {
	return Config{
		ListenAddr:              ":8080",
		DBPath:                  "flowsched.db",
		TickInterval:            time.Second,
		MaxConcurrentDispatches: 16,
		DispatchRatePerSec:      0,
		RecentExecutions:        20,
		Engine:                  EngineConfig{Kind: "http", BaseURL: "http://localhost:9090"},
	}
}

// Load reads the file at path on top of the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if fc.ListenAddr != "" {
		cfg.ListenAddr = fc.ListenAddr
	}
	if fc.DBPath != "" {
		cfg.DBPath = fc.DBPath
	}
	if fc.TickInterval != "" {
		d, err := parseDuration("tick_interval", fc.TickInterval)
		if err != nil {
			return Config{}, err
		}
		cfg.TickInterval = d
	}
	if fc.MaxConcurrentDispatches > 0 {
		cfg.MaxConcurrentDispatches = fc.MaxConcurrentDispatches
	}
	if fc.DispatchRatePerSec > 0 {
		cfg.DispatchRatePerSec = fc.DispatchRatePerSec
	}
	if fc.RecentExecutions > 0 {
		cfg.RecentExecutions = fc.RecentExecutions
	}
	cfg.EnableDebug = fc.EnableDebug
	if fc.Engine.Kind != "" {
		cfg.Engine = fc.Engine
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Engine.Kind {
	case "http":
		if c.Engine.BaseURL == "" {
			return fmt.Errorf("engine.base_url is required for engine.kind=http")
		}
	case "shell":
		if c.Engine.Command == "" {
			return fmt.Errorf("engine.command is required for engine.kind=shell")
		}
	default:
		return fmt.Errorf("engine.kind must be http or shell, got %q", c.Engine.Kind)
	}
	return nil
}

func parseDuration(field, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: duration must be > 0", field)
	}
	return d, nil
}
