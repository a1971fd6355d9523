package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// workerPool is a fixed-size goroutine pool with a bounded input queue.
type workerPool[T any] struct {
	queue    chan T
	process  func(ctx context.Context, t T)
	wg       sync.WaitGroup
	inflight atomic.Int32
	closed   atomic.Bool
	mu       sync.RWMutex // guards queue against send-after-close
}

// newWorkerPool creates and starts a pool with n goroutines and queue capacity cap.
func newWorkerPool[T any](ctx context.Context, n, cap int, fn func(context.Context, T)) *workerPool[T] {
	p := &workerPool[T]{
		queue:   make(chan T, cap),
		process: fn,
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run(ctx)
		}()
	}
	return p
}

func (p *workerPool[T]) run(ctx context.Context) {
	for {
		select {
		case t, ok := <-p.queue:
			if !ok {
				return
			}
			p.inflight.Add(1)
			p.safeProcess(ctx, t)
			p.inflight.Add(-1)
		case <-ctx.Done():
			return
		}
	}
}

func (p *workerPool[T]) safeProcess(ctx context.Context, t T) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("execution worker panic", "panic", r)
		}
	}()
	p.process(ctx, t)
}

// Submit enqueues a job without blocking (returns false if full or drained).
func (p *workerPool[T]) Submit(t T) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed.Load() {
		return false
	}
	select {
	case p.queue <- t:
		return true
	default:
		return false
	}
}

// Drain closes the queue and waits for all workers to finish.
func (p *workerPool[T]) Drain() {
	p.mu.Lock()
	if p.closed.Swap(true) {
		p.mu.Unlock()
		return
	}
	close(p.queue)
	p.mu.Unlock()
	p.wg.Wait()
}

// QueueLen returns how many jobs are currently queued.
func (p *workerPool[T]) QueueLen() int {
	return len(p.queue)
}

// QueueCap returns the total queue capacity.
func (p *workerPool[T]) QueueCap() int {
	return cap(p.queue)
}

// InFlight returns how many jobs are being processed.
func (p *workerPool[T]) InFlight() int {
	return int(p.inflight.Load())
}
