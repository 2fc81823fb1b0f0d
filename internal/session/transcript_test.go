// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExportImportRoundTrip(t *testing.T) {
	store, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, err = store.CreateSession(CreateOptions{ID: "s1", Name: "demo", WorkingDir: "/work"})
	require.NoError(t, err)
	require.NoError(t, store.SetModel("s1", "claude-opus"))
	require.NoError(t, store.AddToHistory("s1", MessageItem{Kind: MessageUser, Text: "hello"}))
	require.NoError(t, store.AddToHistory("s1", MessageItem{Kind: MessageAssistant, Text: "hi there"}))
	require.NoError(t, store.AddToHistory("s1", MessageItem{Kind: MessageToolUse, ToolName: "Bash", ToolUseID: "t1"}))

	transcript, err := store.ExportSession("s1", ExportFull, time.Unix(0, 0))
	require.NoError(t, err)
	require.Equal(t, TranscriptSchema, transcript.Schema)
	require.Equal(t, "demo", transcript.Source.Name)
	require.Equal(t, "claude-opus", transcript.Source.Model)
	require.Len(t, transcript.Messages, 3)
	require.Equal(t, 1, transcript.Stats.UserTurns)
	require.Equal(t, 1, transcript.Stats.AssistantTurns)
	require.Equal(t, 1, transcript.Stats.ToolUses)

	imported, err := store.ImportSession("s2", transcript)
	require.NoError(t, err)
	require.Equal(t, "demo", imported.Name)
	require.Equal(t, "claude-opus", imported.Model)

	history, err := store.GetHistory("s2")
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, "hello", history[0].Text)
}

func TestExportSummaryRedactsToolPayloads(t *testing.T) {
	store, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, err = store.CreateSession(CreateOptions{ID: "s1", Name: "demo", WorkingDir: "/work"})
	require.NoError(t, err)
	require.NoError(t, store.AddToHistory("s1", MessageItem{Kind: MessageToolResult, ToolUseID: "t1", Content: "secret output"}))

	transcript, err := store.ExportSession("s1", ExportSummary, time.Unix(0, 0))
	require.NoError(t, err)
	require.Equal(t, "[redacted]", transcript.Messages[0].Content)

	full, err := store.ExportSession("s1", ExportFull, time.Unix(0, 0))
	require.NoError(t, err)
	require.Equal(t, "secret output", full.Messages[0].Content)
}

func TestImportSessionRejectsUnknownSchema(t *testing.T) {
	store, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, err = store.ImportSession("s1", &Transcript{Schema: "something.else.v9"})
	require.ErrorIs(t, err, ErrSchemaMismatch)
}
