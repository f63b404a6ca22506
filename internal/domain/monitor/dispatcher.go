package monitor

import (
	"sync"

	"go.uber.org/zap"

	"jmcomic-bot/internal/infra/logger"
)

// dispatcher выполняет вызовы наблюдателя по одному, в порядке постановки.
// Очередь не ограничена: post никогда не блокирует опрос.
type dispatcher struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) post(fn func()) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, fn)
	d.mu.Unlock()
	d.signal()
}

func (d *dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		closed := d.closed
		d.mu.Unlock()

		for _, fn := range batch {
			call(fn)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-d.wake
	}
}

// closeAndWait запрещает новые вызовы и ждёт, пока очередь опустеет.
func (d *dispatcher) closeAndWait() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.signal()
	<-d.done
}

// call изолирует панику наблюдателя.
func call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("observer panic", zap.Any("panic", r))
		}
	}()
	fn()
}
