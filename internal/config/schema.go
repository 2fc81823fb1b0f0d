// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config loads the orchestrator's HJSON configuration file into a
// typed Config, the way the teacher's loader reads trellis.hjson.
package config

// Config is the root configuration document.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Capability CapabilityConfig `json:"capability"`
	Store      StoreConfig      `json:"store"`
	Runner     RunnerConfig     `json:"runner"`
	Telemetry  TelemetryConfig  `json:"telemetry"`
	Logging    LoggingConfig    `json:"logging"`
}

// ServerConfig configures the Bridge's client-facing socket.
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// CapabilityConfig configures the loopback permission callback endpoint.
type CapabilityConfig struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

// StoreConfig configures the SessionStore's durable tier.
type StoreConfig struct {
	Path string `json:"path"` // ":memory:" for tests
}

// RunnerConfig configures how child processes are spawned by default.
type RunnerConfig struct {
	ChildBinary     string   `json:"childBinary"`
	DefaultMode     string   `json:"defaultMode"` // direct | pty | container-new | container-exec
	ContainerImage  string   `json:"containerImage"`
	AllowedTools    []string `json:"allowedTools"`
	DisallowedTools []string `json:"disallowedTools"`
	WorkDirBase     string   `json:"workDirBase"`
	TmpDir          string   `json:"tmpDir"`
}

// TelemetryConfig configures the Bridge's global_usage broadcast.
type TelemetryConfig struct {
	Enabled             bool `json:"enabled"`
	BroadcastIntervalMS int  `json:"broadcastIntervalMs"`
}

// LoggingConfig configures the ambient log.Printf-style output.
type LoggingConfig struct {
	Level string `json:"level"`
}
