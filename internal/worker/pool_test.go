package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolRunsTasks(t *testing.T) {
	p := NewPool(3, nil)
	defer func() { _ = p.Stop(context.Background()) }()

	var n atomic.Int32
	for range 20 {
		p.Submit(func(context.Context) { n.Add(1) })
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if n.Load() != 20 {
		t.Errorf("ran %d tasks, want 20", n.Load())
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := NewPool(3, nil)
	defer func() { _ = p.Stop(context.Background()) }()

	var (
		mu      sync.Mutex
		running int
		peak    int
	)
	for range 12 {
		p.Submit(func(context.Context) {
			mu.Lock()
			running++
			peak = max(peak, running)
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if peak > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", peak)
	}
}

func TestSubmitNeverBlocks(t *testing.T) {
	p := NewPool(1, nil)
	defer func() { _ = p.Stop(context.Background()) }()

	block := make(chan struct{})
	p.Submit(func(context.Context) { <-block })

	done := make(chan struct{})
	go func() {
		for range 100 {
			p.Submit(func(context.Context) {})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Submit blocked behind a busy worker")
	}
	close(block)
}

func TestStopCancelsAndRejects(t *testing.T) {
	p := NewPool(2, nil)

	started := make(chan struct{})
	cancelled := make(chan struct{})
	p.Submit(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop = %v", err)
	}
	select {
	case <-cancelled:
	default:
		t.Error("running task was not cancelled")
	}
	if p.Submit(func(context.Context) {}) {
		t.Error("Submit after Stop should return false")
	}
	// Stopping twice is fine.
	if err := p.Stop(ctx); err != nil {
		t.Errorf("second Stop = %v", err)
	}
}

func TestPanickingTaskDoesNotKillWorker(t *testing.T) {
	p := NewPool(1, nil)
	defer func() { _ = p.Stop(context.Background()) }()

	var ran atomic.Bool
	p.Submit(func(context.Context) { panic("boom") })
	p.Submit(func(context.Context) { ran.Store(true) })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if !ran.Load() {
		t.Error("task after panic did not run")
	}
}
