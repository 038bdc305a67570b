package payout

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingReconciler struct {
	calls   atomic.Int32
	err     error
	panic   bool
	started chan struct{}
	release chan struct{}
}

func (c *countingReconciler) Reconcile(context.Context) (*Result, error) {
	if c.calls.Add(1) == 1 && c.started != nil {
		close(c.started)
		<-c.release
	}
	if c.panic {
		panic("boom")
	}
	if c.err != nil {
		return nil, c.err
	}
	return &Result{SettledAmount: "0.00"}, nil
}

func TestTimer_RunsUntilStopped(t *testing.T) {
	rec := &countingReconciler{}
	timer := NewTimer(rec, 5*time.Millisecond, slog.Default())

	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool { return rec.calls.Load() >= 2 }, time.Second, time.Millisecond)
	assert.True(t, timer.Running())

	timer.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	assert.False(t, timer.Running())
}

func TestTimer_SurvivesFailuresAndPanics(t *testing.T) {
	for _, rec := range []*countingReconciler{{err: errors.New("ledger down")}, {panic: true}} {
		timer := NewTimer(rec, 5*time.Millisecond, slog.Default())
		ctx, cancel := context.WithCancel(context.Background())
		go timer.Start(ctx)

		require.Eventually(t, func() bool { return rec.calls.Load() >= 2 }, time.Second, time.Millisecond)
		cancel()
	}
}

func TestTimer_StopDuringRunIsNotLost(t *testing.T) {
	rec := &countingReconciler{started: make(chan struct{}), release: make(chan struct{})}
	timer := NewTimer(rec, 5*time.Millisecond, slog.Default())

	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()

	<-rec.started
	timer.Stop()
	timer.Stop()
	close(rec.release)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stop requested mid-run was dropped")
	}
	assert.False(t, timer.Running())
}
