// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"strings"
)

// Validator validates a Config against the orchestrator's structural
// rules, grounded on the teacher's Validator/ValidationError/FieldError
// shape, narrowed to the sections this config actually carries.
type Validator struct{}

// NewValidator returns a Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// FieldError is a single validation failure.
type FieldError struct {
	Field   string
	Message string
}

// ValidationError aggregates every FieldError found for one Config.
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		msgs = append(msgs, fmt.Sprintf("%s: %s", fe.Field, fe.Message))
	}
	return strings.Join(msgs, "; ")
}

// IsEmpty reports whether no validation errors were recorded.
func (e *ValidationError) IsEmpty() bool {
	return len(e.Errors) == 0
}

// Validate checks cfg and returns a *ValidationError (never nil) so
// callers can always inspect IsEmpty rather than a bare nil check.
func (v *Validator) Validate(cfg *Config) *ValidationError {
	result := &ValidationError{}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		result.Errors = append(result.Errors, FieldError{"server.port", "must be between 0 and 65535"})
	}
	if cfg.Capability.Port < 0 || cfg.Capability.Port > 65535 {
		result.Errors = append(result.Errors, FieldError{"capability.port", "must be between 0 and 65535"})
	}
	if cfg.Capability.TimeoutSeconds < 0 {
		result.Errors = append(result.Errors, FieldError{"capability.timeoutSeconds", "must not be negative"})
	}
	if cfg.Store.Path == "" {
		result.Errors = append(result.Errors, FieldError{"store.path", "must not be empty"})
	}
	if cfg.Runner.ChildBinary == "" {
		result.Errors = append(result.Errors, FieldError{"runner.childBinary", "must not be empty"})
	}
	switch cfg.Runner.DefaultMode {
	case "", "direct", "pty", "container-new", "container-exec":
	default:
		result.Errors = append(result.Errors, FieldError{"runner.defaultMode", fmt.Sprintf("unknown mode %q", cfg.Runner.DefaultMode)})
	}
	if cfg.Runner.DefaultMode == "container-new" && cfg.Runner.ContainerImage == "" {
		result.Errors = append(result.Errors, FieldError{"runner.containerImage", "required when defaultMode is container-new"})
	}
	if cfg.Telemetry.Enabled && cfg.Telemetry.BroadcastIntervalMS <= 0 {
		result.Errors = append(result.Errors, FieldError{"telemetry.broadcastIntervalMs", "must be positive when telemetry is enabled"})
	}

	return result
}
