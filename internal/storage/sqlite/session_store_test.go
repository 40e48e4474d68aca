package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newStore(t *testing.T) *SessionStore {
	t.Helper()
	store, err := NewSessionStore(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t)
	store.clock = fixedClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}

	require.NoError(t, store.CreateSession(ctx, crawler.Session{ID: "s1", URL: "https://shop.example"}))
	require.ErrorIs(t, store.CreateSession(ctx, crawler.Session{ID: "s1", URL: "x"}), crawler.ErrSessionExists)

	got, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, crawler.StatusQueued, got.Status)
	require.Equal(t, store.clock.Now(), got.StartedAt)
	require.Nil(t, got.CompletedAt)

	require.NoError(t, store.UpdateStatus(ctx, "s1", crawler.StatusInProgress, ""))
	require.NoError(t, store.SetName(ctx, "s1", "Shop"))
	require.NoError(t, store.SetTotalPages(ctx, "s1", 3))
	require.NoError(t, store.CommitProgress(ctx, "s1", 2))
	require.NoError(t, store.CommitProgress(ctx, "s1", 1))
	require.NoError(t, store.CommitProgress(ctx, "s1", 10))
	require.NoError(t, store.UpdateStatus(ctx, "s1", crawler.StatusCompleted, "1 of 3 pages failed"))

	got, err = store.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "Shop", got.Name)
	require.Equal(t, crawler.StatusCompleted, got.Status)
	require.Equal(t, 3, got.ScrapedPages)
	require.Equal(t, "1 of 3 pages failed", got.Error)
	require.NotNil(t, got.CompletedAt)
}

func TestUpdateStatusRejectsBackwardMove(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.CreateSession(ctx, crawler.Session{ID: "s1", URL: "https://shop.example"}))
	require.NoError(t, store.UpdateStatus(ctx, "s1", crawler.StatusCanceled, "canceled"))

	err := store.UpdateStatus(ctx, "s1", crawler.StatusInProgress, "")
	require.ErrorIs(t, err, crawler.ErrInvalidTransition)
	require.ErrorIs(t, store.UpdateStatus(ctx, "missing", crawler.StatusFailed, ""), crawler.ErrSessionNotFound)
}

func TestRecordsAreOrderedAndCascade(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.CreateSession(ctx, crawler.Session{ID: "s1", URL: "https://shop.example"}))

	batch := []crawler.Record{
		{ID: "r2", URL: "https://shop.example/product/2", Name: "Pears", DietaryTags: "organic"},
		{ID: "r1", URL: "https://shop.example/product/1", Name: "Apples", CurrentPrice: "$1.00"},
	}
	require.NoError(t, store.InsertRecords(ctx, "s1", batch))
	require.NoError(t, store.InsertRecords(ctx, "s1", []crawler.Record{{ID: "r3", URL: "u3", Name: "Plums"}}))

	records, err := store.ListRecords(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, []string{"Pears", "Apples", "Plums"}, []string{records[0].Name, records[1].Name, records[2].Name})
	require.Equal(t, "s1", records[0].SessionID)

	summaries, err := store.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	require.Equal(t, 3, summaries[0].ProductCount)

	require.NoError(t, store.DeleteSession(ctx, "s1"))
	_, err = store.ListRecords(ctx, "s1")
	require.ErrorIs(t, err, crawler.ErrSessionNotFound)
	require.ErrorIs(t, store.DeleteSession(ctx, "s1"), crawler.ErrSessionNotFound)
}

func TestInsertRecordsUnknownSessionRollsBack(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t)
	err := store.InsertRecords(ctx, "ghost", []crawler.Record{{ID: "r1", URL: "u"}})
	require.ErrorIs(t, err, crawler.ErrSessionNotFound)
}

func TestListSessionsNewestFirst(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newStore(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.CreateSession(ctx, crawler.Session{ID: "old", URL: "a", StartedAt: base}))
	require.NoError(t, store.CreateSession(ctx, crawler.Session{ID: "new", URL: "b", StartedAt: base.Add(500 * time.Millisecond)}))

	summaries, err := store.ListSessions(ctx)
	require.NoError(t, err)
	require.Equal(t, "new", summaries[0].ID)
	require.Equal(t, "old", summaries[1].ID)
}

func TestNewSessionStoreRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := NewSessionStore("")
	require.Error(t, err)
}
