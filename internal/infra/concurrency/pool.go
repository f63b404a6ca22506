package concurrency

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/go-faster/errors"
	"golang.org/x/sync/semaphore"
)

// ErrPoolClosed возвращается Submit после Close.
var ErrPoolClosed = errors.New("worker pool closed")

// Pool — пул фиксированного размера для блокирующих операций (загрузка через
// краулер, сборка PDF). Маленький размер ограничивает пиковую память.
type Pool struct {
	sem    *semaphore.Weighted
	size   int64
	active atomic.Int64

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewPool создаёт пул на size воркеров (минимум 1).
func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: int64(size)}
}

// Size — число воркеров.
func (p *Pool) Size() int { return int(p.size) }

// Submit ждёт свободный слот и запускает fn в отдельной горутине. Возвращённый канал
// получает результат fn и закрывается. Ошибка означает, что fn не был запущен.
func (p *Pool) Submit(ctx context.Context, fn func(ctx context.Context) error) (<-chan error, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.wg.Done()
		return nil, err
	}

	done := make(chan error, 1)
	p.active.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(done)
		err := fn(ctx)
		// Слот освобождается до публикации результата: Busy после получения уже точен.
		p.active.Add(-1)
		p.sem.Release(1)
		done <- err
	}()
	return done, nil
}

// Run — синхронный вариант Submit: ждёт завершения fn.
func (p *Pool) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	done, err := p.Submit(ctx, fn)
	if err != nil {
		return err
	}
	return <-done
}

// Busy — число выполняющихся задач на момент вызова.
func (p *Pool) Busy() int { return int(p.active.Load()) }

// Close запрещает новые задачи и ждёт завершения запущенных.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}
