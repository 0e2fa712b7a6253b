// Package webhooks applies payment processor events to the ledger: capture
// approval completes the service, failure rejects the payment reference.
package webhooks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/careline/internal/domain"
	"github.com/mbd888/careline/internal/ledger"
	"github.com/mbd888/careline/internal/logging"
	"github.com/mbd888/careline/internal/metrics"
	"github.com/mbd888/careline/internal/money"
	"github.com/mbd888/careline/internal/processor"
	"github.com/mbd888/careline/internal/traces"
)

// Outcome labels for applied events.
const (
	resultApplied          = "applied"
	resultDuplicate        = "duplicate"
	resultUnknownReference = "unknown_reference"
	resultTerminal         = "terminal"
	resultIgnored          = "ignored"
	resultInvalidSignature = "invalid_signature"
	resultError            = "error"
)

// Notifier receives payment outcome events. Implementations must not block.
type Notifier interface {
	PaymentReceived(p *domain.PaymentReference)
	ServiceCompleted(p *domain.PaymentReference)
	PaymentFailed(p *domain.PaymentReference)
}

// Canceller closes a processor payment so it can no longer capture funds.
// processor.Processor satisfies it.
type Canceller interface {
	Cancel(ctx context.Context, externalRef string) error
}

const cancelTimeout = 10 * time.Second

// Reconciler verifies inbound processor events and applies them.
type Reconciler struct {
	store     ledger.Store
	verifier  processor.Verifier
	events    EventLog
	notifier  Notifier
	canceller Canceller
	now       func() time.Time
}

// NewReconciler creates a reconciler. A nil EventLog gets an in-memory one.
func NewReconciler(store ledger.Store, verifier processor.Verifier, events EventLog, notifier Notifier) *Reconciler {
	if events == nil {
		events = NewMemoryEventLog(DefaultEventTTL)
	}
	return &Reconciler{
		store:    store,
		verifier: verifier,
		events:   events,
		notifier: notifier,
		now:      time.Now,
	}
}

// SetCanceller makes the reconciler cancel the processor payment behind
// every rejected reference, so a retry with the client secret already
// handed out cannot capture funds the ledger will never record.
func (r *Reconciler) SetCanceller(c Canceller) {
	r.canceller = c
}

// HandleEvent verifies and applies one webhook delivery. It returns an error
// wrapping domain.ErrInvalidSignature for unauthenticated bodies, and a
// storage error when the processor should redeliver. Everything else,
// including events about unknown payments, is acknowledged.
func (r *Reconciler) HandleEvent(ctx context.Context, body []byte, signature string) (err error) {
	ctx, span := traces.StartSpan(ctx, "webhook.handle")
	defer func() { traces.End(span, err) }()

	ev, err := r.verifier.Verify(body, signature)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", resultInvalidSignature).Inc()
		logging.L(ctx).Warn("rejected webhook", "error", err)
		return err
	}
	span.SetAttributes(traces.EventType(ev.RawType), traces.PaymentRef(ev.ExternalReference))

	if ev.ID != "" {
		seen, err := r.events.Seen(ctx, ev.ID)
		if err != nil {
			logging.L(ctx).Warn("webhook event log unavailable", "event_id", ev.ID, "error", err)
		} else if seen {
			metrics.WebhookEventsTotal.WithLabelValues(string(ev.Kind), resultDuplicate).Inc()
			logging.L(ctx).Debug("webhook event already processed", "event_id", ev.ID)
			return nil
		}
	}

	if err := r.Apply(ctx, ev); err != nil {
		return err
	}

	if ev.ID != "" {
		if err := r.events.Record(ctx, ev.ID); err != nil {
			logging.L(ctx).Warn("failed to record webhook event", "event_id", ev.ID, "error", err)
		}
	}
	return nil
}

// Apply moves ledger state for a normalized event. It is idempotent: an
// event that was already applied changes nothing and notifies no one.
func (r *Reconciler) Apply(ctx context.Context, ev *processor.Event) error {
	log := logging.L(ctx).With("event_type", ev.RawType, "external_reference", ev.ExternalReference)

	if ev.Kind != processor.EventIgnored && ev.ExternalReference == "" {
		metrics.WebhookEventsTotal.WithLabelValues(string(ev.Kind), resultUnknownReference).Inc()
		log.Warn("processor event without payment reference")
		return nil
	}

	var (
		result string
		err    error
	)
	switch ev.Kind {
	case processor.EventSucceeded:
		result, err = r.applySucceeded(ctx, ev)
	case processor.EventFailed:
		result, err = r.applyFailed(ctx, ev)
	case processor.EventProcessing:
		result, err = r.applyProcessing(ctx, ev)
	default:
		result = resultIgnored
	}
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(string(ev.Kind), resultError).Inc()
		log.Error("failed to apply processor event", "error", err)
		return err
	}

	metrics.WebhookEventsTotal.WithLabelValues(string(ev.Kind), result).Inc()
	switch result {
	case resultUnknownReference:
		log.Warn("processor event for unknown payment reference")
	case resultTerminal:
		log.Warn("processor event for settled payment not applied", "kind", ev.Kind)
	case resultApplied:
		log.Info("processor event applied", "kind", ev.Kind)
	}
	return nil
}

func (r *Reconciler) applySucceeded(ctx context.Context, ev *processor.Event) (string, error) {
	peek, err := r.store.GetPaymentByExternalRef(ctx, ev.ExternalReference)
	if errors.Is(err, ledger.ErrPaymentNotFound) {
		return resultUnknownReference, nil
	}
	if err != nil {
		return "", err
	}

	var (
		result = resultApplied
		p      *domain.PaymentReference
	)
	err = r.store.WithTx(ctx, func(tx ledger.Tx) error {
		// request → offer → payment, the same order every writer uses
		req, err := tx.GetRequestForUpdate(ctx, peek.ServiceRequestID)
		if err != nil {
			return err
		}
		offer, err := tx.GetOfferForUpdate(ctx, peek.ServiceOfferID)
		if err != nil {
			return err
		}
		if p, err = tx.GetPaymentByExternalRefForUpdate(ctx, ev.ExternalReference); err != nil {
			return err
		}

		next, err := domain.NextPaymentStatus(p.Status, domain.PaymentEventApprove)
		switch {
		case errors.Is(err, domain.ErrNoTransition):
			result = resultDuplicate
			return nil
		case err != nil:
			result = resultTerminal
			return nil
		}

		now := r.now().UTC()
		p.Status = next
		p.ApprovedAt = &now
		p.UpdatedAt = now
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return err
		}
		if err := r.payOffer(ctx, tx, offer, now); err != nil {
			return err
		}
		return r.completeRequest(ctx, tx, req, now)
	})
	if err != nil {
		return "", err
	}

	if result == resultApplied {
		logging.L(ctx).Info("payment captured",
			"payment_reference_id", p.ID,
			"service_offer_id", p.ServiceOfferID,
			"service_request_id", p.ServiceRequestID,
			"amount", money.Format(p.Amount),
			"professional_share", money.Format(p.ProfessionalShare),
		)
		r.notifier.PaymentReceived(p)
		r.notifier.ServiceCompleted(p)
	}
	return result, nil
}

// payOffer walks the offer through completed to paid.
func (r *Reconciler) payOffer(ctx context.Context, tx ledger.Tx, offer *domain.ServiceOffer, now time.Time) error {
	if offer.Status == domain.OfferAccepted {
		offer.Status = domain.OfferCompleted
		metrics.OfferTransitionsTotal.WithLabelValues(string(domain.OfferCompleted)).Inc()
	}
	next, err := domain.NextOfferStatus(offer.Status, domain.OfferEventPay)
	switch {
	case errors.Is(err, domain.ErrNoTransition):
		return nil
	case err != nil:
		logging.L(ctx).Warn("captured payment for offer in unexpected state",
			"service_offer_id", offer.ID, "status", offer.Status)
		return nil
	}
	offer.Status = next
	if offer.CompletedAt == nil {
		offer.CompletedAt = &now
	}
	offer.UpdatedAt = now
	if err := tx.UpdateOffer(ctx, offer); err != nil {
		return fmt.Errorf("mark offer paid: %w", err)
	}
	metrics.OfferTransitionsTotal.WithLabelValues(string(domain.OfferPaid)).Inc()
	return nil
}

func (r *Reconciler) completeRequest(ctx context.Context, tx ledger.Tx, req *domain.ServiceRequest, now time.Time) error {
	next, err := domain.NextRequestStatus(req.Status, domain.RequestEventCaptureApproved)
	switch {
	case errors.Is(err, domain.ErrNoTransition):
		return nil
	case err != nil:
		logging.L(ctx).Warn("captured payment for request in unexpected state",
			"service_request_id", req.ID, "status", req.Status)
		return nil
	}
	if err := tx.UpdateRequestStatus(ctx, req.ID, next, now); err != nil {
		return fmt.Errorf("complete request: %w", err)
	}
	metrics.RequestTransitionsTotal.WithLabelValues(string(next)).Inc()
	return nil
}

func (r *Reconciler) applyFailed(ctx context.Context, ev *processor.Event) (string, error) {
	reason := ev.FailureReason
	if reason == "" {
		reason = "payment failed"
	}
	result, p, err := r.movePayment(ctx, ev.ExternalReference, domain.PaymentEventReject, func(p *domain.PaymentReference) {
		p.StatusDetail = reason
	})
	if err != nil {
		return "", err
	}
	if result == resultApplied {
		logging.L(ctx).Info("payment rejected",
			"payment_reference_id", p.ID, "service_offer_id", p.ServiceOfferID, "reason", reason)
		r.notifier.PaymentFailed(p)
	}
	// A repeated failure still cancels: an earlier cancel may have failed.
	if result == resultApplied || result == resultDuplicate {
		if err := r.cancelRejected(ctx, ev.ExternalReference); err != nil {
			return "", err
		}
	}
	return result, nil
}

// cancelRejected closes the processor payment behind a rejected reference.
// Only transient failures are returned, so the event is delivered again.
func (r *Reconciler) cancelRejected(ctx context.Context, ref string) error {
	if r.canceller == nil {
		return nil
	}
	log := logging.L(ctx).With("external_reference", ref)

	cancelCtx, cancel := context.WithTimeout(ctx, cancelTimeout)
	start := time.Now()
	err := r.canceller.Cancel(cancelCtx, ref)
	metrics.ObserveProcessorCall("cancel", start)
	cancel()

	switch {
	case err == nil:
		return nil
	case errors.Is(err, processor.ErrUnknownReference):
		log.Warn("processor has no record of rejected payment")
		return nil
	case errors.Is(err, processor.ErrNotCancelable):
		log.Error("processor captured funds for rejected payment, refund required", "error", err)
		return nil
	default:
		return fmt.Errorf("cancel rejected payment %s: %w", ref, err)
	}
}

func (r *Reconciler) applyProcessing(ctx context.Context, ev *processor.Event) (string, error) {
	result, _, err := r.movePayment(ctx, ev.ExternalReference, domain.PaymentEventProcessing, nil)
	if err != nil {
		return "", err
	}
	// processing after approval or rejection is just a late delivery
	if result == resultTerminal {
		result = resultDuplicate
	}
	return result, nil
}

// movePayment applies a payment-only transition under the payment row lock.
func (r *Reconciler) movePayment(ctx context.Context, ref string, ev domain.PaymentEvent, mutate func(*domain.PaymentReference)) (string, *domain.PaymentReference, error) {
	result := resultApplied
	var p *domain.PaymentReference
	err := r.store.WithTx(ctx, func(tx ledger.Tx) error {
		var err error
		p, err = tx.GetPaymentByExternalRefForUpdate(ctx, ref)
		if errors.Is(err, ledger.ErrPaymentNotFound) {
			result = resultUnknownReference
			return nil
		}
		if err != nil {
			return err
		}

		next, err := domain.NextPaymentStatus(p.Status, ev)
		switch {
		case errors.Is(err, domain.ErrNoTransition):
			result = resultDuplicate
			return nil
		case err != nil:
			result = resultTerminal
			return nil
		}
		p.Status = next
		p.UpdatedAt = r.now().UTC()
		if mutate != nil {
			mutate(p)
		}
		return tx.UpdatePayment(ctx, p)
	})
	return result, p, err
}
