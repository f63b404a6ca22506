package app

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/require"

	"jmcomic-bot/internal/domain/chat"
	"jmcomic-bot/internal/domain/router"
	"jmcomic-bot/internal/infra/concurrency"
	"jmcomic-bot/internal/infra/config"
	"jmcomic-bot/internal/infra/quota"
)

// stubSource блокируется до отмены ctx либо сразу возвращает err.
type stubSource struct {
	err     error
	started chan struct{}
}

func (s *stubSource) Listen(ctx context.Context, _ chat.Handler) error {
	close(s.started)
	if s.err != nil {
		return s.err
	}
	<-ctx.Done()
	return nil
}

func newDeps(t *testing.T, src chat.Source) RunnerDeps {
	t.Helper()
	store, err := quota.Open(filepath.Join(t.TempDir(), "quota.bbolt"))
	require.NoError(t, err)
	return RunnerDeps{
		Quotas: store,
		Pool:   concurrency.NewPool(1),
		Dedup:  concurrency.NewDeduplicator(5),
		Router: router.New(nil, nil, nil, nil, nil, router.Options{}),
		Source: src,
	}
}

func TestRunnerStopsOnSignal(t *testing.T) {
	t.Parallel()

	src := &stubSource{started: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRunner(ctx, cancel, newDeps(t, src))
	r.EnableHealth("127.0.0.1:0")

	done := make(chan error, 1)
	go func() { done <- r.Run() }()

	select {
	case <-src.started:
	case <-time.After(5 * time.Second):
		t.Fatal("transport was not started")
	}
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestRunnerReturnsTransportError(t *testing.T) {
	t.Parallel()

	boom := errors.New("unauthorized")
	src := &stubSource{err: boom, started: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := NewRunner(ctx, cancel, newDeps(t, src))

	select {
	case err := <-runAsync(r):
		require.ErrorIs(t, err, boom)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
	require.Error(t, ctx.Err(), "transport failure cancels the app")
}

func TestRunnerKeepsRunningOnBusyHealthPort(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	src := &stubSource{started: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRunner(ctx, cancel, newDeps(t, src))
	r.EnableHealth(ln.Addr().String())
	done := runAsync(r)

	select {
	case <-src.started:
	case err := <-done:
		t.Fatalf("runner stopped early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("transport was not started")
	}
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func runAsync(r *Runner) <-chan error {
	done := make(chan error, 1)
	go func() { done <- r.Run() }()
	return done
}

func TestMaskedConfig(t *testing.T) {
	t.Parallel()

	cfg := config.EnvConfig{BotToken: "123:abc", APIHash: "", ProxyURL: "http://u:p@proxy:8080", SearchLimit: 5}
	masked := maskedConfig(cfg)
	require.Equal(t, "***", masked.BotToken)
	require.Empty(t, masked.APIHash)
	require.Equal(t, "***", masked.ProxyURL)
	require.Equal(t, 5, masked.SearchLimit)
	require.Equal(t, "123:abc", cfg.BotToken, "original untouched")
}

func TestOperatorID(t *testing.T) {
	t.Parallel()

	require.Zero(t, (&App{}).operatorID())
	a := &App{cfg: config.EnvConfig{AllowedUsers: []int64{7, 9}}}
	require.Equal(t, int64(7), a.operatorID())
}
