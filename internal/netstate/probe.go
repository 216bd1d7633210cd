package netstate

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Pinger checks reachability of the remote.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Probe pings the remote on an interval and feeds the result to a Machine.
type Probe struct {
	machine  *Machine
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewProbe creates a probe. It does nothing until Start.
func NewProbe(m *Machine, p Pinger, interval time.Duration, logger *zap.Logger) *Probe {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Probe{
		machine:  m,
		pinger:   p,
		interval: interval,
		timeout:  min(interval, 10*time.Second),
		logger:   logger,
	}
}

// Check pings once and records the result. A ping cut short by the caller's
// cancellation records nothing.
func (p *Probe) Check(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	err := p.pinger.Ping(pctx)
	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		p.logger.Debug("remote unreachable", zap.Error(err))
	}
	p.machine.Report(err == nil)
	return err == nil
}

// Start checks immediately and then on every interval until Stop.
func (p *Probe) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(ctx, p.done)
}

// Stop ends the loop and waits for it to exit. Safe to call when idle.
func (p *Probe) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *Probe) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	p.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}
