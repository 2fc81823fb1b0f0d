// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package runnermanager maps session ids onto at most one live runner.Runner
// each, and drives start/stop without multicasting events itself — fan-out
// to multiple external listeners belongs to the bridge.
//
// Grounded on the teacher's internal/claude.Manager (one Session per id,
// map-guarded by a single mutex), narrowed to just the runner-lifecycle
// slice of that responsibility.
package runnermanager

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/opencollab/sessionrelay/internal/runner"
)

// ErrAlreadyActive is returned by StartSession when a runner for the
// session id already exists and is running.
var ErrAlreadyActive = errors.New("runnermanager: session already active")

// Manager owns the session-id -> Runner map.
type Manager struct {
	mu      sync.Mutex
	runners map[string]*runner.Runner
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{runners: make(map[string]*runner.Runner)}
}

// StartSession constructs a fresh Runner per opts, wires onEvent to every
// event it emits plus a synthetic exit at process end, and stores it.
func (m *Manager) StartSession(ctx context.Context, sessionID, initialPrompt string, opts runner.Options, onEvent func(runner.Event)) error {
	m.mu.Lock()
	if existing, ok := m.runners[sessionID]; ok && existing.Running() {
		m.mu.Unlock()
		return ErrAlreadyActive
	}
	r := runner.New()
	m.runners[sessionID] = r
	m.mu.Unlock()

	wrapped := func(ev runner.Event) {
		onEvent(ev)
		if ev.Kind == runner.ExitEvent {
			m.mu.Lock()
			if m.runners[sessionID] == r {
				delete(m.runners, sessionID)
			}
			m.mu.Unlock()
		}
	}

	if err := r.Start(ctx, initialPrompt, opts, wrapped); err != nil {
		m.mu.Lock()
		if m.runners[sessionID] == r {
			delete(m.runners, sessionID)
		}
		m.mu.Unlock()
		return err
	}
	return nil
}

// StopSession calls Stop on the session's Runner if present. The entry is
// left in place until its exit event arrives and StartSession's wrapper
// removes it.
func (m *Manager) StopSession(sessionID string) error {
	r := m.getRunner(sessionID)
	if r == nil {
		return nil
	}
	return r.Stop()
}

// StopAll stops every currently tracked runner.
func (m *Manager) StopAll() {
	m.mu.Lock()
	runners := make([]*runner.Runner, 0, len(m.runners))
	for _, r := range m.runners {
		runners = append(runners, r)
	}
	m.mu.Unlock()

	for _, r := range runners {
		if err := r.Stop(); err != nil {
			log.Printf("runnermanager: stop: %v", err)
		}
	}
}

// HasRunningSession reports whether sessionID currently has a live runner.
func (m *Manager) HasRunningSession(sessionID string) bool {
	r := m.getRunner(sessionID)
	return r != nil && r.Running()
}

// GetRunner returns the tracked runner for sessionID, or nil.
func (m *Manager) GetRunner(sessionID string) *runner.Runner {
	return m.getRunner(sessionID)
}

func (m *Manager) getRunner(sessionID string) *runner.Runner {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runners[sessionID]
}
