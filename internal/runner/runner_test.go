// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeChild writes a tiny shell script that ignores its arguments, echoes a
// fixed NDJSON reply, and exits — standing in for the real child binary in
// tests exercising process plumbing rather than the child's own behavior.
func fakeChild(t *testing.T, lines ...string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fakechild.sh")

	script := "#!/bin/sh\ncat /dev/stdin > /dev/null &\n"
	for _, l := range lines {
		script += "printf '%s\\n' '" + l + "'\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestValidateToolName(t *testing.T) {
	require.NoError(t, ValidateToolName("Bash"))
	require.NoError(t, ValidateToolName("mcp__server__tool"))
	require.Error(t, ValidateToolName("-bad"))
	require.Error(t, ValidateToolName(""))
	require.Error(t, ValidateToolName("has space"))
}

func TestRunnerStartReceivesResultAndExit(t *testing.T) {
	child := fakeChild(t,
		`{"type":"system","subtype":"init","session_id":"U-1","permissionMode":"default"}`,
		`{"type":"result","result":"4","session_id":"U-1"}`,
	)

	r := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan Event, 16)
	err := r.Start(ctx, "2+2?", Options{Mode: ModeDirect, ChildBinary: child}, func(ev Event) {
		events <- ev
	})
	require.NoError(t, err)

	deadline := time.After(5 * time.Second)
	var gotResult, gotExit bool
	for !gotExit {
		select {
		case ev := <-events:
			switch ev.Kind {
			case EventKind("result"):
				gotResult = true
			case ExitEvent:
				gotExit = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for runner events")
		}
	}
	require.True(t, gotResult)
	require.False(t, r.Running())
}

func fakeChildBlocking(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fakechild_blocking.sh")
	script := "#!/bin/sh\ncat /dev/stdin > /dev/null &\nsleep 5\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestRunnerAlreadyRunning(t *testing.T) {
	child := fakeChildBlocking(t)
	r := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := r.Start(ctx, "hi", Options{Mode: ModeDirect, ChildBinary: child}, func(Event) {})
	require.NoError(t, err)

	err = r.Start(ctx, "hi", Options{Mode: ModeDirect, ChildBinary: child}, func(Event) {})
	require.ErrorIs(t, err, ErrAlreadyRunning)

	_ = r.Stop()
}

func TestSendUserMessageNotRunning(t *testing.T) {
	r := New()
	err := r.SendUserMessage("hi")
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestStopIsIdempotent(t *testing.T) {
	r := New()
	require.NoError(t, r.Stop())
	require.NoError(t, r.Stop())
}

func TestStartRejectsInvalidToolName(t *testing.T) {
	r := New()
	err := r.Start(context.Background(), "hi", Options{
		Mode:         ModeDirect,
		ChildBinary:  "/bin/true",
		AllowedTools: []string{"-bad"},
	}, func(Event) {})
	require.ErrorIs(t, err, ErrInvalidToolName)
	require.False(t, r.Running())
}
