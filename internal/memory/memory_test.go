package memory

import (
	"context"
	"os"
	"testing"
	"time"

	"council/internal/persistence/databases"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logPath := t.TempDir() + "/memory.log"
	cfg := Config{
		Dimension:       32,
		FlushInterval:   10 * time.Millisecond,
		ReindexInterval: time.Hour,
		ArchiveAge:      30 * 24 * time.Hour,
		PurgeAge:        90 * 24 * time.Hour,
		SessionTTL:      30 * 24 * time.Hour,
		DurableLogPath:  logPath,
	}
	store, err := New(cfg, databases.NewMemoryVector(), databases.NewMemorySession(), NewDeterministic(32, 7), nil)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func TestStoreAddAndQuery(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.session.EnsureSession(ctx, "sess-1", "")
	require.NoError(t, err)

	id, err := s.Add(ctx, "sess-1", "the user prefers dark mode", nil)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	results, err := s.Query(ctx, "sess-1", "the user prefers dark mode", 3)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Equal(t, "the user prefers dark mode", results[0].Entry.Content)
}

func TestStoreAddRejectsEmptyContent(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Add(context.Background(), "sess-1", "", nil)
	require.Error(t, err)
}

func TestStoreRecentOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, text := range []string{"first", "second", "third"} {
		_, err := s.Add(ctx, "sess-1", text, nil)
		require.NoError(t, err)
	}
	recent := s.Recent("sess-1", 2)
	require.Len(t, recent, 2)
	require.Equal(t, "second", recent[0].Content)
	require.Equal(t, "third", recent[1].Content)
}

func TestStoreFlushPersistsAndReplays(t *testing.T) {
	ctx := context.Background()
	logPath := t.TempDir() + "/memory.log"
	cfg := Config{
		Dimension:      32,
		FlushInterval:  5 * time.Millisecond,
		ReindexInterval: time.Hour,
		ArchiveAge:     30 * 24 * time.Hour,
		PurgeAge:       90 * 24 * time.Hour,
		SessionTTL:     30 * 24 * time.Hour,
		DurableLogPath: logPath,
	}
	store, err := New(cfg, databases.NewMemoryVector(), databases.NewMemorySession(), NewDeterministic(32, 7), nil)
	require.NoError(t, err)

	_, err = store.Add(ctx, "sess-1", "durable entry", nil)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	store.Close()

	if _, err := os.Stat(logPath); err != nil {
		t.Fatalf("expected durable log to exist: %v", err)
	}

	fresh, err := New(cfg, databases.NewMemoryVector(), databases.NewMemorySession(), NewDeterministic(32, 7), nil)
	require.NoError(t, err)
	defer fresh.Close()
	require.NoError(t, fresh.Replay(ctx))

	recent := fresh.Recent("sess-1", 10)
	require.Len(t, recent, 1)
	require.Equal(t, "durable entry", recent[0].Content)
}

func TestGCIdleSessionsDeletesSessionPastTTL(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	s.sessionTTL = time.Millisecond

	_, err := s.session.EnsureSession(ctx, "sess-idle", "")
	require.NoError(t, err)
	_, err = s.Add(ctx, "sess-idle", "stale context", nil)
	require.NoError(t, err)
	require.NotEmpty(t, s.Recent("sess-idle", 10))

	time.Sleep(5 * time.Millisecond)
	s.gcIdleSessions(time.Now())

	_, err = s.session.GetSession(ctx, "sess-idle")
	require.ErrorIs(t, err, databases.ErrNotFound)
	require.Empty(t, s.Recent("sess-idle", 10))
}

func TestGCIdleSessionsKeepsRecentSessions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.session.EnsureSession(ctx, "sess-fresh", "")
	require.NoError(t, err)
	_, err = s.Add(ctx, "sess-fresh", "recent context", nil)
	require.NoError(t, err)

	s.gcIdleSessions(time.Now())

	_, err = s.session.GetSession(ctx, "sess-fresh")
	require.NoError(t, err)
	require.NotEmpty(t, s.Recent("sess-fresh", 10))
}

func TestStoreSummaryRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.session.EnsureSession(ctx, "sess-1", "")
	require.NoError(t, err)

	require.NoError(t, s.UpdateSummary(ctx, "sess-1", "user likes dark mode"))
	got, err := s.Summary(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, "user likes dark mode", got)
}
