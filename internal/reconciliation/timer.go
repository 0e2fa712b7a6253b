package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is used when RECONCILE_INTERVAL is unset or invalid.
const DefaultInterval = 5 * time.Minute

// Timer sweeps stale payments on a fixed interval until stopped.
type Timer struct {
	runner   *Runner
	interval time.Duration
	logger   *slog.Logger

	stopOnce sync.Once
	stopped  chan struct{}
	running  atomic.Bool
	last     atomic.Pointer[Report]
}

// NewTimer wraps runner. A non-positive interval falls back to DefaultInterval.
func NewTimer(runner *Runner, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Timer{
		runner:   runner,
		interval: interval,
		logger:   logger,
		stopped:  make(chan struct{}),
	}
}

// Running reports whether Start is looping.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// LastReport returns the most recent completed sweep, or nil before the first.
func (t *Timer) LastReport() *Report {
	return t.last.Load()
}

// Start blocks, sweeping every interval, until ctx is done or Stop is called.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.logger.Info("payment reconciliation started", "interval", t.interval.String())
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopped:
			return
		case <-ticker.C:
			t.sweep(ctx)
		}
	}
}

// Stop ends the loop. Safe to call more than once and before Start.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stopped) })
}

// sweep runs one pass bounded by the interval so a hung processor lookup
// cannot stack sweeps.
func (t *Timer) sweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in payment reconciliation", "panic", fmt.Sprint(r))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, t.interval)
	defer cancel()

	report, err := t.runner.Run(ctx)
	if err != nil {
		t.logger.Warn("payment reconciliation failed", "error", err)
		return
	}
	t.last.Store(report)
	if report.Checked > 0 {
		t.logger.Info("payment reconciliation finished",
			"checked", report.Checked,
			"resolved", report.Resolved,
			"still_open", report.StillOpen,
			"errors", report.Errors,
		)
	}
}
