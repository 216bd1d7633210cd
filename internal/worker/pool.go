// Package worker runs remote calls on a small bounded set of goroutines so a
// slow network never blocks local writes or callers.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultWorkers is the pool size used when none is configured.
const DefaultWorkers = 3

// Task is a unit of remote work. ctx is cancelled when the pool stops.
type Task func(ctx context.Context)

// Pool executes submitted tasks on a fixed number of workers. Submit never
// blocks: tasks queue up without bound until a worker is free.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Task
	pending int
	closed  bool
	wg      sync.WaitGroup
}

// NewPool starts a pool with n workers (DefaultWorkers if n <= 0).
func NewPool(n int, logger *zap.Logger) *Pool {
	if n <= 0 {
		n = DefaultWorkers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{ctx: ctx, cancel: cancel, logger: logger}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(n)
	for range n {
		go p.work()
	}
	return p
}

// Submit queues a task. It returns false if the pool has been stopped.
func (p *Pool) Submit(t Task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.queue = append(p.queue, t)
	p.pending++
	p.cond.Signal()
	return true
}

// Pending returns the number of queued plus running tasks.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

// Flush waits until every submitted task has finished or ctx is done.
func (p *Pool) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if p.Pending() == 0 {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop discards queued tasks, cancels running ones and waits for the workers
// to exit or for ctx to expire. Abandoned work is safe to drop: remote writes
// are keyed by client ids and get retried by the next reconciliation sweep.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		dropped := len(p.queue)
		p.pending -= dropped
		p.queue = nil
		if dropped > 0 {
			p.logger.Info("dropping queued remote tasks", zap.Int("count", dropped))
		}
	}
	p.cond.Broadcast()
	p.mu.Unlock()
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker pool stop: %w", ctx.Err())
	}
}

func (p *Pool) work() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.closed {
			p.mu.Unlock()
			return
		}
		t := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.run(t)

		p.mu.Lock()
		p.pending--
		p.mu.Unlock()
	}
}

func (p *Pool) run(t Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("remote task panicked", zap.Any("panic", r))
		}
	}()
	t(p.ctx)
}
