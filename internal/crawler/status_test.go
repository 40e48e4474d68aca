package crawler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from, to SessionStatus
		want     bool
	}{
		{StatusQueued, StatusInProgress, true},
		{StatusQueued, StatusCanceled, true},
		{StatusQueued, StatusFailed, true},
		{StatusQueued, StatusCompleted, false},
		{StatusInProgress, StatusCompleted, true},
		{StatusInProgress, StatusFailed, true},
		{StatusInProgress, StatusCanceled, true},
		{StatusInProgress, StatusQueued, false},
		{StatusCompleted, StatusFailed, false},
		{StatusCanceled, StatusInProgress, false},
		{StatusFailed, StatusFailed, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestAllowedPredecessors(t *testing.T) {
	t.Parallel()

	require.Equal(t, []SessionStatus{StatusQueued}, AllowedPredecessors(StatusInProgress))
	require.Equal(t, []SessionStatus{StatusQueued, StatusInProgress}, AllowedPredecessors(StatusCanceled))
	require.Equal(t, []SessionStatus{StatusInProgress}, AllowedPredecessors(StatusCompleted))
	require.Empty(t, AllowedPredecessors(StatusQueued))
}

func TestStatusPredicates(t *testing.T) {
	t.Parallel()

	require.False(t, StatusQueued.IsTerminal())
	require.False(t, StatusInProgress.IsTerminal())
	require.True(t, StatusCompleted.IsTerminal())
	require.True(t, StatusCanceled.IsTerminal())
	require.True(t, StatusFailed.Valid())
	require.False(t, SessionStatus("paused").Valid())
}

func TestSessionProgress(t *testing.T) {
	t.Parallel()

	require.Zero(t, Session{}.Progress())
	require.InDelta(t, 50.0, Session{TotalPages: 4, ScrapedPages: 2}.Progress(), 0.001)
	require.InDelta(t, 100.0, Session{TotalPages: 4, ScrapedPages: 9}.Progress(), 0.001)
}

func TestNewRecordJoinsTags(t *testing.T) {
	t.Parallel()

	rec := NewRecord("r1", "s1", "https://shop.example/product/1", Product{
		Name:         "Oat Milk",
		CurrentPrice: "$3.50",
		DietaryTags:  []string{" vegan ", "", "dairy-free"},
	})
	require.Equal(t, "r1", rec.ID)
	require.Equal(t, "s1", rec.SessionID)
	require.Equal(t, "https://shop.example/product/1", rec.URL)
	require.Equal(t, "vegan, dairy-free", rec.DietaryTags)
}
