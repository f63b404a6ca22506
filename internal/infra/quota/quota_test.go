package quota

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "db", "quota.bbolt"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }
	return s, &now
}

func TestAllowSlidingWindow(t *testing.T) {
	t.Parallel()

	s, now := openStore(t)

	for i := range 3 {
		ok, remaining, err := s.Allow(7, KindDownload, 3)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, 2-i, remaining)
		*now = now.Add(time.Minute)
	}
	ok, _, err := s.Allow(7, KindDownload, 3)
	require.NoError(t, err)
	require.False(t, ok, "limit reached")

	ok, _, err = s.Allow(7, KindSearch, 3)
	require.NoError(t, err)
	require.True(t, ok, "kinds are counted separately")

	ok, _, err = s.Allow(8, KindDownload, 3)
	require.NoError(t, err)
	require.True(t, ok, "users are counted separately")

	*now = now.Add(Window)
	ok, _, err = s.Allow(7, KindDownload, 3)
	require.NoError(t, err)
	require.True(t, ok, "old events leave the window")

	used, err := s.Usage(7, KindDownload)
	require.NoError(t, err)
	require.Equal(t, 1, used)
}

func TestAllowCountsGrantsAtSameInstant(t *testing.T) {
	t.Parallel()

	s, _ := openStore(t)

	for i := range 3 {
		ok, remaining, err := s.Allow(7, KindSearch, 3)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, 2-i, remaining)
	}
	used, err := s.Usage(7, KindSearch)
	require.NoError(t, err)
	require.Equal(t, 3, used, "every grant is stored under its own key")

	ok, _, err := s.Allow(7, KindSearch, 3)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAllowUnlimitedAndRefund(t *testing.T) {
	t.Parallel()

	s, _ := openStore(t)

	ok, remaining, err := s.Allow(1, KindDownload, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, -1, remaining)

	ok, _, err = s.Allow(1, KindDownload, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.Refund(1, KindDownload))
	ok, _, err = s.Allow(1, KindDownload, 1)
	require.NoError(t, err)
	require.True(t, ok, "refunded slot is available again")

	require.NoError(t, s.Refund(99, KindSearch), "refund without events is a no-op")
}

func TestHistoryOrderAndTrim(t *testing.T) {
	t.Parallel()

	s, now := openStore(t)
	for i := range historyKeep + 5 {
		require.NoError(t, s.Record(Record{AlbumID: string(rune('a' + i%26)), UserID: 5, State: "Done"}))
		if i%2 == 0 {
			*now = now.Add(time.Second)
		}
	}

	all, err := s.History(5, 1000)
	require.NoError(t, err)
	require.Len(t, all, historyKeep)
	for i := 1; i < len(all); i++ {
		require.False(t, all[i].At.After(all[i-1].At), "newest first")
	}

	last, err := s.History(5, 2)
	require.NoError(t, err)
	require.Len(t, last, 2)

	none, err := s.History(6, 10)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestPrune(t *testing.T) {
	t.Parallel()

	s, now := openStore(t)
	_, _, err := s.Allow(1, KindSearch, 10)
	require.NoError(t, err)
	*now = now.Add(2 * Window)
	require.NoError(t, s.Prune())

	used, err := s.Usage(1, KindSearch)
	require.NoError(t, err)
	require.Zero(t, used)
}
