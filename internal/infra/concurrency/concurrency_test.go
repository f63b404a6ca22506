package concurrency

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/require"
)

func TestDeduplicatorSeen(t *testing.T) {
	t.Parallel()

	d := NewDeduplicator(10)
	now := time.Unix(1_700_000_000, 0)
	d.now = func() time.Time { return now }

	require.False(t, d.Seen("1:download_42"))
	require.True(t, d.Seen("1:download_42"))
	require.False(t, d.Seen("2:download_42"))

	now = now.Add(11 * time.Second)
	require.False(t, d.Seen("1:download_42"), "window expired")

	now = now.Add(time.Minute)
	d.Cleanup()
	require.Zero(t, d.Len())
}

func TestDeduplicatorDisabled(t *testing.T) {
	t.Parallel()

	d := NewDeduplicator(0)
	require.False(t, d.Seen("k"))
	require.False(t, d.Seen("k"))
}

func TestPoolBoundsConcurrency(t *testing.T) {
	t.Parallel()

	p := NewPool(2)
	var running, peak atomic.Int64
	release := make(chan struct{})

	results := make([]<-chan error, 0, 4)
	for range 4 {
		done, err := p.Submit(context.Background(), func(context.Context) error {
			cur := running.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			<-release
			running.Add(-1)
			return nil
		})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		results = append(results, done)
		if len(results) == 2 {
			// Оба слота заняты: следующий Submit дождётся освобождения.
			close(release)
		}
	}
	for _, done := range results {
		require.NoError(t, <-done)
	}
	require.LessOrEqual(t, peak.Load(), int64(2))
	p.Close()

	_, err := p.Submit(context.Background(), func(context.Context) error { return nil })
	require.ErrorIs(t, err, ErrPoolClosed)
}

func TestPoolRunPropagatesError(t *testing.T) {
	t.Parallel()

	p := NewPool(1)
	boom := errors.New("boom")
	require.ErrorIs(t, p.Run(context.Background(), func(context.Context) error { return boom }), boom)
	require.Zero(t, p.Busy())
}
