// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSystemInit(t *testing.T) {
	p := New()
	line := []byte(`{"type":"system","subtype":"init","session_id":"U-1","permissionMode":"default"}` + "\n")
	events := p.HandleData(line)
	require.Len(t, events, 2)
	require.Equal(t, EventSystem, events[0].Type)
	require.Equal(t, "U-1", events[0].UpstreamSessionID)
	require.Equal(t, EventPermissionModeChanged, events[1].Type)
	require.Equal(t, "default", events[1].PermissionMode)
	require.Equal(t, "default", p.PermissionMode())
}

func TestAssistantTextAndUsage(t *testing.T) {
	p := New()
	line := []byte(`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"4"}],"usage":{"input_tokens":10,"output_tokens":1,"cache_creation_input_tokens":0,"cache_read_input_tokens":0}}}` + "\n")
	events := p.HandleData(line)
	require.Len(t, events, 2)
	require.Equal(t, EventText, events[0].Type)
	require.Equal(t, "4", events[0].Text)
	require.Equal(t, EventUsage, events[1].Type)
	require.Equal(t, 10, events[1].Usage.InputTokens)
}

func TestToolUseThenToolResult(t *testing.T) {
	p := New()
	events := p.HandleData([]byte(`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"ls"}}]}}` + "\n"))
	require.Len(t, events, 1)
	require.Equal(t, EventToolUse, events[0].Type)
	require.Equal(t, "t1", events[0].ToolUseID)
	require.Equal(t, "Bash", events[0].ToolName)

	events = p.HandleData([]byte(`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"file1 file2","is_error":false}]}}` + "\n"))
	require.Len(t, events, 1)
	require.Equal(t, EventToolResult, events[0].Type)
	require.Equal(t, "t1", events[0].ToolUseID)
	require.Equal(t, "file1 file2", events[0].ToolResultContent)
}

func TestResult(t *testing.T) {
	p := New()
	events := p.HandleData([]byte(`{"type":"result","result":"4","session_id":"U-1"}` + "\n"))
	require.Len(t, events, 1)
	require.Equal(t, EventResult, events[0].Type)
	require.Equal(t, "4", events[0].ResultText)
}

func TestUnknownTypeIgnored(t *testing.T) {
	p := New()
	events := p.HandleData([]byte(`{"type":"something_else"}` + "\n"))
	require.Empty(t, events)
}

func TestMalformedLineDropped(t *testing.T) {
	p := New()
	events := p.HandleData([]byte("{not json at all\n"))
	require.Empty(t, events)
}

func TestNonJSONPrefixDiscarded(t *testing.T) {
	p := New()
	events := p.HandleData([]byte("some diagnostic line\n"))
	require.Empty(t, events)
}

// TestSplitFrameByteByByte pins the boundary-invariance property: feeding a
// whole line split at every byte boundary yields the same events as a
// single HandleData call with the entire line.
func TestSplitFrameByteByByte(t *testing.T) {
	line := []byte(`{"type":"result","result":"4","session_id":"U-1"}` + "\n")

	whole := New().HandleData(line)

	split := New()
	var got []Event
	for i := range line {
		got = append(got, split.HandleData(line[i:i+1])...)
	}

	require.Equal(t, whole, got)
}

// TestANSIPollutedStream pins: a line wrapped in CSI hide/show codes parses
// identically to the clean line.
func TestANSIPollutedStream(t *testing.T) {
	clean := []byte(`{"type":"result","result":"4","session_id":"U-1"}` + "\n")
	polluted := []byte("\x1b[?25l" + `{"type":"result","result":"4","session_id":"U-1"}` + "\x1b[0m\n")

	cleanEvents := New().HandleData(clean)
	pollutedEvents := New().HandleData(polluted)

	require.Equal(t, cleanEvents, pollutedEvents)
}

func TestOSCSequenceStripped(t *testing.T) {
	line := []byte("\x1b]0;window title\x07" + `{"type":"result","result":"ok","session_id":"U-1"}` + "\n")
	events := New().HandleData(line)
	require.Len(t, events, 1)
	require.Equal(t, "ok", events[0].ResultText)
}

func TestMixedGoodAndBadLines(t *testing.T) {
	p := New()
	data := []byte("garbage line\n" +
		`{"type":"result","result":"a","session_id":"U-1"}` + "\n" +
		"more garbage\n" +
		`{"type":"result","result":"b","session_id":"U-1"}` + "\n")
	events := p.HandleData(data)
	require.Len(t, events, 2)
	require.Equal(t, "a", events[0].ResultText)
	require.Equal(t, "b", events[1].ResultText)
}

func TestControlResponseEchoesMode(t *testing.T) {
	p := New()
	events := p.HandleData([]byte(`{"type":"control_response","request_id":"r1","ok":true,"response":{"mode":"plan"}}` + "\n"))
	require.Len(t, events, 2)
	require.Equal(t, EventControlResponse, events[0].Type)
	require.True(t, events[0].OK)
	require.Equal(t, EventPermissionModeChanged, events[1].Type)
	require.Equal(t, "plan", events[1].PermissionMode)
}

func TestPermissionModeUnchangedEmitsNoEvent(t *testing.T) {
	p := New()
	p.HandleData([]byte(`{"type":"system","subtype":"init","session_id":"U-1","permissionMode":"default"}` + "\n"))
	events := p.HandleData([]byte(`{"type":"system","subtype":"init","session_id":"U-1","permissionMode":"default"}` + "\n"))
	require.Len(t, events, 1)
	require.Equal(t, EventSystem, events[0].Type)
}

func TestNormalizePermissionMode(t *testing.T) {
	require.Equal(t, "default", NormalizePermissionMode("normal"))
	require.Equal(t, "default", NormalizePermissionMode("ask"))
	require.Equal(t, "acceptEdits", NormalizePermissionMode("auto-edit"))
	require.Equal(t, "acceptEdits", NormalizePermissionMode("autoEdit"))
	require.Equal(t, "plan", NormalizePermissionMode("plan"))
}
