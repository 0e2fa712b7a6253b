// Package reconciliation sweeps payments whose processor webhook never
// arrived and settles them from the processor's current state.
package reconciliation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/careline/internal/domain"
	"github.com/mbd888/careline/internal/ledger"
	"github.com/mbd888/careline/internal/metrics"
	"github.com/mbd888/careline/internal/processor"
)

// Applier applies a processor event to the ledger. webhooks.Reconciler
// satisfies it.
type Applier interface {
	Apply(ctx context.Context, ev *processor.Event) error
}

// Report summarizes one sweep.
type Report struct {
	Checked   int           `json:"checked"`
	Resolved  int           `json:"resolved"`
	StillOpen int           `json:"stillOpen"`
	Unknown   int           `json:"unknown"`
	Errors    int           `json:"errors"`
	Duration  time.Duration `json:"duration"`
}

// Runner performs one reconciliation sweep at a time.
type Runner struct {
	store     ledger.Store
	processor processor.Processor
	applier   Applier
	logger    *slog.Logger
	staleAge  time.Duration
	timeout   time.Duration
	batchSize int
	now       func() time.Time
}

// NewRunner creates a runner that treats payments older than staleAge as stale.
func NewRunner(store ledger.Store, proc processor.Processor, applier Applier, staleAge time.Duration, logger *slog.Logger) *Runner {
	if staleAge <= 0 {
		staleAge = 30 * time.Minute
	}
	return &Runner{
		store:     store,
		processor: proc,
		applier:   applier,
		logger:    logger,
		staleAge:  staleAge,
		timeout:   10 * time.Second,
		batchSize: 100,
		now:       time.Now,
	}
}

// Run looks up every stale pending or processing payment with the processor
// and applies what it reports. Payments are read in ID pages so references
// that stay open do not hide newer ones. A failure on one payment is counted
// and the sweep moves on; only a failure to list payments aborts it.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{}
	defer func() {
		report.Duration = time.Since(start)
		reconcileDuration.Observe(report.Duration.Seconds())
	}()

	cutoff := r.now().Add(-r.staleAge)
	var afterID int64
	for {
		page, err := r.store.ListStalePayments(ctx, cutoff, afterID, r.batchSize)
		if err != nil {
			return nil, err
		}
		for _, p := range page {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			report.Checked++
			r.reconcile(ctx, p, report)
		}
		if len(page) < r.batchSize || len(page) == 0 {
			break
		}
		afterID = page[len(page)-1].ID
	}
	reconcileStalePayments.Set(float64(report.Checked))

	if report.Checked > 0 {
		r.logger.Info("reconciliation sweep finished",
			"checked", report.Checked,
			"resolved", report.Resolved,
			"still_open", report.StillOpen,
			"unknown", report.Unknown,
			"errors", report.Errors,
		)
	}
	return report, nil
}

func (r *Runner) reconcile(ctx context.Context, p *domain.PaymentReference, report *Report) {
	log := r.logger.With("payment_reference_id", p.ID, "external_reference", p.ExternalReference)

	lookupCtx, cancel := context.WithTimeout(ctx, r.timeout)
	start := time.Now()
	ev, err := r.processor.Lookup(lookupCtx, p.ExternalReference)
	metrics.ObserveProcessorCall("lookup", start)
	cancel()

	switch {
	case errors.Is(err, processor.ErrUnknownReference):
		report.Unknown++
		log.Warn("processor has no record of stale payment")
		return
	case err != nil:
		report.Errors++
		reconcileErrors.Inc()
		log.Warn("processor lookup failed", "error", err)
		return
	}

	if ev.Kind == processor.EventIgnored {
		report.StillOpen++
		return
	}
	if ev.ExternalReference == "" {
		ev.ExternalReference = p.ExternalReference
	}
	if err := r.applier.Apply(ctx, ev); err != nil {
		report.Errors++
		reconcileErrors.Inc()
		log.Warn("failed to apply reconciled state", "kind", ev.Kind, "error", err)
		return
	}
	if ev.Kind == processor.EventProcessing {
		report.StillOpen++
		return
	}
	report.Resolved++
	reconcileResolved.WithLabelValues(string(ev.Kind)).Inc()
}
