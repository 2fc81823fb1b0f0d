// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hjson/hjson-go/v4"
)

// Loader handles configuration file loading.
type Loader struct{}

// NewLoader creates a new config loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load reads and parses the configuration from the given path.
func (l *Loader) Load(ctx context.Context, path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Parse HJSON to intermediate map
	var raw map[string]interface{}
	if err := hjson.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse hjson: %w", err)
	}

	// Convert to JSON and unmarshal to struct (for type safety)
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("convert to json: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(jsonData, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults loads config with default values applied.
func (l *Loader) LoadWithDefaults(ctx context.Context, path string) (*Config, error) {
	cfg, err := l.Load(ctx, path)
	if err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	return cfg, nil
}

// FindConfig searches for a config file in the current directory.
// It looks for sessionrelay.hjson first, then sessionrelay.json.
func (l *Loader) FindConfig() (string, error) {
	candidates := []string{
		"sessionrelay.hjson",
		"sessionrelay.json",
	}

	for _, name := range candidates {
		path := filepath.Join(".", name)
		if _, err := os.Stat(path); err == nil {
			abs, err := filepath.Abs(path)
			if err != nil {
				return path, nil
			}
			return abs, nil
		}
	}

	return "", fmt.Errorf("config file not found (looked for sessionrelay.hjson, sessionrelay.json)")
}

// Default returns a Config with every field set to its default value, for
// callers that have no config file to load at all.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for missing config fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8710
	}

	if cfg.Capability.Host == "" {
		cfg.Capability.Host = "127.0.0.1"
	}
	if cfg.Capability.Port == 0 {
		cfg.Capability.Port = 8711
	}
	if cfg.Capability.TimeoutSeconds == 0 {
		cfg.Capability.TimeoutSeconds = 30
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = "sessionrelay.db"
	}

	if cfg.Runner.ChildBinary == "" {
		cfg.Runner.ChildBinary = "claude"
	}
	if cfg.Runner.DefaultMode == "" {
		cfg.Runner.DefaultMode = "direct"
	}
	if cfg.Runner.WorkDirBase == "" {
		cfg.Runner.WorkDirBase = "sessions"
	}
	if cfg.Runner.TmpDir == "" {
		cfg.Runner.TmpDir = os.TempDir()
	}

	if cfg.Telemetry.BroadcastIntervalMS == 0 {
		cfg.Telemetry.BroadcastIntervalMS = 60000
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}
