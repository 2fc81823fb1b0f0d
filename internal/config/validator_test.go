// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func TestValidatorAcceptsDefaultConfig(t *testing.T) {
	v := NewValidator()
	result := v.Validate(validConfig())
	require.True(t, result.IsEmpty(), result.Error())
}

func TestValidatorRejectsOutOfRangePort(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Port = 70000

	result := NewValidator().Validate(cfg)
	require.False(t, result.IsEmpty())
	require.Equal(t, "server.port", result.Errors[0].Field)
}

func TestValidatorRejectsEmptyStorePath(t *testing.T) {
	cfg := validConfig()
	cfg.Store.Path = ""

	result := NewValidator().Validate(cfg)
	require.False(t, result.IsEmpty())
	found := false
	for _, e := range result.Errors {
		if e.Field == "store.path" {
			found = true
		}
	}
	require.True(t, found)
}

func TestValidatorRequiresContainerImageForContainerMode(t *testing.T) {
	cfg := validConfig()
	cfg.Runner.DefaultMode = "container-new"
	cfg.Runner.ContainerImage = ""

	result := NewValidator().Validate(cfg)
	require.False(t, result.IsEmpty())
	require.Equal(t, "runner.containerImage", result.Errors[0].Field)

	cfg.Runner.ContainerImage = "anthropic/claude-code-sandbox:latest"
	result = NewValidator().Validate(cfg)
	require.True(t, result.IsEmpty())
}

func TestValidatorRejectsUnknownRunnerMode(t *testing.T) {
	cfg := validConfig()
	cfg.Runner.DefaultMode = "telepathy"

	result := NewValidator().Validate(cfg)
	require.False(t, result.IsEmpty())
}

func TestValidatorRejectsZeroIntervalWhenTelemetryEnabled(t *testing.T) {
	cfg := validConfig()
	cfg.Telemetry.Enabled = true
	cfg.Telemetry.BroadcastIntervalMS = 0

	result := NewValidator().Validate(cfg)
	require.False(t, result.IsEmpty())
}

func TestValidationErrorMessageJoinsFields(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Port = -1
	cfg.Store.Path = ""

	err := NewValidator().Validate(cfg)
	require.Contains(t, err.Error(), "server.port")
	require.Contains(t, err.Error(), "store.path")
}
