// Package throttle — общий механизм ограничения скорости и повторных попыток для
// исходящих вызовов Telegram (Bot API и MTProto). В основе токен-бакет
// golang.org/x/time/rate и экспоненциальный backoff с джиттером. Серверные указания
// подождать (retry_after, FLOOD_WAIT) распознаются через WaitExtractor и соблюдаются
// ровно, без джиттера. Throttler потокобезопасен.
package throttle

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/go-faster/errors"
	"golang.org/x/time/rate"
)

// burstMultiplier: burst по умолчанию = 2*rps.
const burstMultiplier = 2

// WaitExtractor возвращает паузу, которую сервер попросил выдержать перед повтором.
type WaitExtractor func(err error) (time.Duration, bool)

// StopRetryer помечает ошибки, на которых повторы бессмысленны (большинство 4xx).
type StopRetryer interface {
	StopRetry() bool
}

// Option настраивает Throttler.
type Option func(*Throttler)

// WithMaxRetries ограничивает число повторов; <=0 означает «без ограничений».
func WithMaxRetries(n int) Option {
	return func(t *Throttler) { t.maxRetries = n }
}

// WithBurst переопределяет ёмкость бакета.
func WithBurst(burst int) Option {
	return func(t *Throttler) {
		if burst > 0 {
			t.burst = burst
		}
	}
}

// WithWaitExtractors регистрирует экстракторы; первый совпавший определяет паузу.
func WithWaitExtractors(extractors ...WaitExtractor) Option {
	return func(t *Throttler) { t.extractors = append(t.extractors, extractors...) }
}

// WithRandom подменяет источник джиттера (для тестов).
func WithRandom(fn func() float64) Option {
	return func(t *Throttler) {
		if fn != nil {
			t.random = fn
		}
	}
}

// WithBaseDelay задаёт первую ступень экспоненциального backoff (по умолчанию 1с).
func WithBaseDelay(d time.Duration) Option {
	return func(t *Throttler) {
		if d > 0 {
			t.baseDelay = d
		}
	}
}

// ErrMaxRetries оборачивает последнюю ошибку после исчерпания повторов.
var ErrMaxRetries = errors.New("throttle: max retries reached")

// Throttler ограничивает частоту вызовов и повторяет временные ошибки.
type Throttler struct {
	limiter    *rate.Limiter
	burst      int
	extractors []WaitExtractor
	maxRetries int
	baseDelay  time.Duration
	random     func() float64
}

// New создаёт Throttler на rps операций в секунду.
func New(rps int, opts ...Option) *Throttler {
	if rps <= 0 {
		rps = 1
	}
	t := &Throttler{
		burst:      rps * burstMultiplier,
		maxRetries: -1,
		baseDelay:  time.Second,
		random:     rand.Float64,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.limiter = rate.NewLimiter(rate.Limit(rps), t.burst)
	return t
}

// Do выполняет fn с учётом лимита и стратегии повторов:
// StopRetryer и отмена контекста возвращаются сразу; серверная пауза выдерживается
// без роста attempt; прочие ошибки повторяются с backoff до maxRetries.
func (t *Throttler) Do(ctx context.Context, fn func() error) error {
	attempt := 0
	for {
		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}

		callErr := fn()
		if callErr == nil {
			return nil
		}

		var stopper StopRetryer
		if errors.As(callErr, &stopper) && stopper.StopRetry() {
			return callErr
		}
		if errors.Is(callErr, context.Canceled) || errors.Is(callErr, context.DeadlineExceeded) {
			return callErr
		}
		if wait, ok := t.extractWait(callErr); ok {
			if err := sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}

		if t.maxRetries > 0 && attempt >= t.maxRetries {
			return errors.Wrapf(callErr, "%s (%d)", ErrMaxRetries.Error(), t.maxRetries)
		}
		delay := t.backoff(attempt)
		attempt++
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (t *Throttler) extractWait(err error) (time.Duration, bool) {
	for _, extractor := range t.extractors {
		if extractor == nil {
			continue
		}
		if wait, ok := extractor(err); ok {
			return wait, true
		}
	}
	return 0, false
}

// backoff: baseDelay*2^attempt, не больше минуты, с джиттером [0.85..1.15].
func (t *Throttler) backoff(attempt int) time.Duration {
	const (
		jitterRange = 0.3
		jitterMin   = 0.85
		maxDelay    = time.Minute
	)
	d := float64(t.baseDelay) * math.Pow(2, float64(attempt))
	if d > float64(maxDelay) {
		d = float64(maxDelay)
	}
	return time.Duration(d * (t.random()*jitterRange + jitterMin))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
