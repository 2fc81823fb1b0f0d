// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateSessionDurableVsEphemeral(t *testing.T) {
	s := newTestStore(t)

	durable, err := s.CreateSession(CreateOptions{ID: "d1", Name: "my session", WorkingDir: "/tmp/d1"})
	require.NoError(t, err)
	require.False(t, durable.Ephemeral)
	require.False(t, s.IsEphemeral("d1"))

	ephemeral, err := s.CreateSession(CreateOptions{ID: "e1", WorkingDir: "/tmp/e1"})
	require.NoError(t, err)
	require.True(t, ephemeral.Ephemeral)
	require.True(t, s.IsEphemeral("e1"))
}

func TestEphemeralInvisibleUntilPromoted(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateSession(CreateOptions{ID: "e1", WorkingDir: "/tmp"})
	require.NoError(t, err)

	sessions, err := s.ListSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1) // ephemeral sessions are visible in-process...

	// ...but there is no durable row for it.
	_, err = s.getDurable("e1")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.AddToHistory("e1", MessageItem{Kind: MessageUser, Text: "hi"}))
	require.False(t, s.IsEphemeral("e1"))

	row, err := s.getDurable("e1")
	require.NoError(t, err)
	require.Equal(t, "e1", row.ID)
}

func TestAddToHistoryPromotesAndPreservesOrder(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateSession(CreateOptions{ID: "e1", WorkingDir: "/tmp"})
	require.NoError(t, err)

	require.NoError(t, s.AddToHistory("e1", MessageItem{Kind: MessageUser, Text: "one"}))
	require.NoError(t, s.AddToHistory("e1", MessageItem{Kind: MessageAssistant, Text: "two"}))
	require.NoError(t, s.AddToHistory("e1", MessageItem{Kind: MessageAssistant, Text: "three"}))

	history, err := s.GetHistory("e1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, "one", history[0].Text)
	require.Equal(t, "two", history[1].Text)
	require.Equal(t, "three", history[2].Text)
	require.Equal(t, 0, history[0].Seq)
	require.Equal(t, 2, history[2].Seq)
}

func TestDeleteSessionCascadesMessages(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateSession(CreateOptions{ID: "d1", Name: "n", WorkingDir: "/tmp"})
	require.NoError(t, err)
	require.NoError(t, s.AddToHistory("d1", MessageItem{Kind: MessageUser, Text: "hi"}))

	require.NoError(t, s.DeleteSession("d1"))

	_, err = s.GetSession("d1")
	require.ErrorIs(t, err, ErrNotFound)

	history, err := s.GetHistory("d1")
	require.NoError(t, err)
	require.Empty(t, history)
}

func TestCreateThenDeleteLeavesEmptyStore(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateSession(CreateOptions{ID: "d1", Name: "n", WorkingDir: "/tmp"})
	require.NoError(t, err)
	require.NoError(t, s.DeleteSession("d1"))

	sessions, err := s.ListSessions()
	require.NoError(t, err)
	require.Empty(t, sessions)
}

func TestRenameSessionIdempotent(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateSession(CreateOptions{ID: "d1", Name: "n", WorkingDir: "/tmp"})
	require.NoError(t, err)

	require.NoError(t, s.RenameSession("d1", "new name"))
	require.NoError(t, s.RenameSession("d1", "new name"))

	got, err := s.GetSession("d1")
	require.NoError(t, err)
	require.Equal(t, "new name", got.Name)
}

func TestStopSessionStyleStatusUpdateIdempotent(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateSession(CreateOptions{ID: "d1", Name: "n", WorkingDir: "/tmp"})
	require.NoError(t, err)

	require.NoError(t, s.UpdateSessionStatus("d1", StatusIdle))
	require.NoError(t, s.UpdateSessionStatus("d1", StatusIdle))

	got, err := s.GetSession("d1")
	require.NoError(t, err)
	require.Equal(t, StatusIdle, got.Status)
}

func TestUsageMonotonic(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateSession(CreateOptions{ID: "d1", Name: "n", WorkingDir: "/tmp"})
	require.NoError(t, err)

	require.NoError(t, s.AddUsage("d1", TokenCounters{InputTokens: 10, OutputTokens: 1}))
	require.NoError(t, s.AddUsage("d1", TokenCounters{InputTokens: 5, OutputTokens: 2}))
	require.NoError(t, s.AddModelUsage("d1", "model-a", TokenCounters{InputTokens: 10}))
	require.NoError(t, s.AddModelUsage("d1", "model-a", TokenCounters{InputTokens: 3}))

	got, err := s.GetSession("d1")
	require.NoError(t, err)
	require.Equal(t, 15, got.Usage.InputTokens)
	require.Equal(t, 3, got.Usage.OutputTokens)
	require.Equal(t, 13, got.UsageByModel["model-a"].InputTokens)
}

func TestSaveBindingIdempotentAndUnique(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateSession(CreateOptions{ID: "d1", Name: "n", WorkingDir: "/tmp"})
	require.NoError(t, err)
	_, err = s.CreateSession(CreateOptions{ID: "d2", Name: "n2", WorkingDir: "/tmp"})
	require.NoError(t, err)

	b := ThreadBinding{Team: "T", Channel: "C", Thread: "1.0", SessionID: "d1"}
	require.NoError(t, s.SaveBinding(b))
	require.NoError(t, s.SaveBinding(b)) // idempotent on equal tuple

	conflict := ThreadBinding{Team: "T", Channel: "C", Thread: "1.0", SessionID: "d2"}
	err = s.SaveBinding(conflict)
	require.ErrorIs(t, err, ErrBindingExists)

	bindings, err := s.ListBindings()
	require.NoError(t, err)
	require.Len(t, bindings, 1)
}

func TestFindOrCreateSessionConcurrentRace(t *testing.T) {
	s := newTestStore(t)

	var created atomic.Int32
	makeSession := func(ctx context.Context) (*Session, error) {
		created.Add(1)
		return s.CreateSession(CreateOptions{ID: "new-session", Name: "bound", WorkingDir: "/tmp"})
	}

	const n = 20
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := s.FindOrCreateSession(context.Background(), "T", "C", "1.0", makeSession)
			require.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), created.Load())
	for _, id := range ids {
		require.Equal(t, ids[0], id)
	}

	bindings, err := s.ListBindings()
	require.NoError(t, err)
	require.Len(t, bindings, 1)
}

func TestHasThreadIncludePending(t *testing.T) {
	s := newTestStore(t)
	require.False(t, s.HasThread("T", "C", "pending", true))
	require.False(t, s.HasThread("T", "C", "pending", false))
}

func TestTrashAndRestoreSession(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateSession(CreateOptions{ID: "d1", Name: "n", WorkingDir: "/tmp"})
	require.NoError(t, err)

	require.NoError(t, s.TrashSession("d1"))
	got, err := s.GetSession("d1")
	require.NoError(t, err)
	require.NotNil(t, got.TrashedAt)

	require.NoError(t, s.RestoreSession("d1"))
	got, err = s.GetSession("d1")
	require.NoError(t, err)
	require.Nil(t, got.TrashedAt)
}
