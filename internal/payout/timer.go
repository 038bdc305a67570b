package payout

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Reconciler is what the timer drives.
type Reconciler interface {
	Reconcile(ctx context.Context) (*Result, error)
}

// Timer triggers reconciliations on a fixed interval. It is an outside
// caller from the engine's point of view: overlapping triggers (timer and
// GET /payouts) are serialised by the engine, not here.
type Timer struct {
	engine   Reconciler
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewTimer creates a payout timer.
func NewTimer(engine Reconciler, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Timer{
		engine:   engine,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the periodic loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the timer to stop. A run in progress finishes first; Stop
// is safe to call more than once and before Start.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in payout timer", "panic", fmt.Sprint(r))
		}
	}()

	res, err := t.engine.Reconcile(ctx)
	if err != nil {
		t.logger.Warn("scheduled reconciliation failed", "error", err)
		return
	}
	if res.DispatchID != "" {
		t.logger.Info("scheduled reconciliation settled",
			"dispatch_id", res.DispatchID, "settled", res.SettledAmount, "to_block", res.ToBlock)
	}
}
