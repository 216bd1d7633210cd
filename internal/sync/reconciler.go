package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/bazaar/internal/bus"
	"github.com/matheus3301/bazaar/internal/outbox"
)

// CheckpointLastSweep is the checkpoint key holding the last completed sweep
// time in RFC 3339 form.
const CheckpointLastSweep = "last_sweep"

// ErrClosed is returned when a sweep is requested after Close.
var ErrClosed = errors.New("engine closed")

// SweepReport summarizes one reconciliation pass.
type SweepReport struct {
	Attempted int
	Synced    int
	Failed    int
	Skipped   int
	Offline   bool
}

func (r *SweepReport) add(o SweepReport) {
	r.Attempted += o.Attempted
	r.Synced += o.Synced
	r.Failed += o.Failed
	r.Skipped += o.Skipped
	r.Offline = r.Offline || o.Offline
}

// SyncPendingConversations pushes every conversation whose remote creation
// is pending or failed, oldest first. It runs on the caller's goroutine and
// does nothing if the remote does not answer a ping.
func (e *Engine) SyncPendingConversations(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	if !e.reachable(ctx) {
		report.Offline = true
		return report, nil
	}
	convs, err := e.db.UnsyncedConversations()
	if err != nil {
		return report, fmt.Errorf("sweep conversations: %w", err)
	}
	for i := range convs {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if !e.net.Online() {
			report.Offline = true
			break
		}
		report.Attempted++
		if err := e.sender.PushConversation(ctx, &convs[i]); err != nil {
			report.Failed++
			continue
		}
		report.Synced++
	}
	return report, nil
}

// RetryFailed pushes every message that is pending or failed, oldest first,
// reusing each message's remote id so retries never duplicate. Messages
// already being pushed are skipped.
func (e *Engine) RetryFailed(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	if !e.reachable(ctx) {
		report.Offline = true
		return report, nil
	}
	msgs, err := e.db.UnsyncedMessages()
	if err != nil {
		return report, fmt.Errorf("sweep messages: %w", err)
	}
	for i := range msgs {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if !e.net.Online() {
			report.Offline = true
			break
		}
		err := e.sender.Push(ctx, &msgs[i])
		switch {
		case errors.Is(err, outbox.ErrInFlight):
			report.Skipped++
		case err != nil:
			report.Attempted++
			report.Failed++
		default:
			report.Attempted++
			report.Synced++
		}
	}
	return report, nil
}

// reachable re-checks the remote when the last observation was an outage, so
// an explicit sweep is never blocked by a stale state.
func (e *Engine) reachable(ctx context.Context) bool {
	if e.net.Online() {
		return true
	}
	err := e.remote.Ping(ctx)
	if ctx.Err() != nil {
		return false
	}
	e.net.Report(err == nil)
	return err == nil
}

// Sweep reconciles conversations and then messages, so parents exist before
// their children. It runs on the worker pool and waits for the result.
// Concurrent sweeps run one after another.
func (e *Engine) Sweep(ctx context.Context) (SweepReport, error) {
	type result struct {
		report SweepReport
		err    error
	}
	done := make(chan result, 1)
	if !e.pool.Submit(func(pctx context.Context) {
		r, err := e.sweep(pctx)
		done <- result{r, err}
	}) {
		return SweepReport{}, ErrClosed
	}
	select {
	case r := <-done:
		return r.report, r.err
	case <-e.closed:
		return SweepReport{}, ErrClosed
	case <-ctx.Done():
		return SweepReport{}, ctx.Err()
	}
}

// TriggerSweep queues a sweep without waiting. Used at startup and when
// connectivity comes back.
func (e *Engine) TriggerSweep() {
	e.pool.Submit(func(ctx context.Context) {
		_, _ = e.sweep(ctx)
	})
}

func (e *Engine) sweep(ctx context.Context) (SweepReport, error) {
	e.sweepMu.Lock()
	defer e.sweepMu.Unlock()

	start := time.Now()
	report, err := e.SyncPendingConversations(ctx)
	if err != nil {
		return report, err
	}
	msgs, err := e.RetryFailed(ctx)
	report.add(msgs)
	if err != nil {
		return report, err
	}

	if report.Offline {
		e.logger.Debug("sweep skipped, remote offline")
		return report, nil
	}
	if err := e.db.SetCheckpoint(CheckpointLastSweep, start.UTC().Format(time.RFC3339)); err != nil {
		e.logger.Warn("failed to record sweep checkpoint", zap.Error(err))
	}
	e.notify.Publish(bus.KindSweepCompleted, report)
	e.logger.Info("sweep completed",
		zap.Int("attempted", report.Attempted),
		zap.Int("synced", report.Synced),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
		zap.Duration("took", time.Since(start)))
	return report, nil
}

// LastSweep returns when the last sweep completed, or the zero time.
func (e *Engine) LastSweep() (time.Time, error) {
	v, err := e.db.GetCheckpoint(CheckpointLastSweep)
	if err != nil || v == "" {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, v)
}
