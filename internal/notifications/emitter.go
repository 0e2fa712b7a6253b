// Package notifications informs clients and professionals of lifecycle
// changes. Delivery is fire-and-forget: a failed or dropped notification is
// logged and counted but never fails the operation that triggered it.
package notifications

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/careline/internal/domain"
	"github.com/mbd888/careline/internal/metrics"
	"github.com/mbd888/careline/internal/money"
)

// DefaultQueueSize bounds the number of notifications waiting to be stored.
const DefaultQueueSize = 256

// Sink persists a notification.
type Sink interface {
	CreateNotification(ctx context.Context, n *domain.Notification) error
}

// Publisher pushes a stored notification to live subscribers.
type Publisher interface {
	Publish(n *domain.Notification)
}

// Emitter queues notifications and stores them from a single worker.
type Emitter struct {
	sink      Sink
	publisher Publisher
	logger    *slog.Logger
	queue     chan *domain.Notification
	now       func() time.Time

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
}

// NewEmitter starts the worker. Call Close on shutdown.
func NewEmitter(sink Sink, logger *slog.Logger, queueSize int) *Emitter {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	e := &Emitter{
		sink:   sink,
		logger: logger,
		queue:  make(chan *domain.Notification, queueSize),
		now:    time.Now,
		done:   make(chan struct{}),
	}
	go e.worker()
	return e
}

// SetPublisher registers p to receive every notification after it is stored.
// Call before the first Notify.
func (e *Emitter) SetPublisher(p Publisher) {
	e.publisher = p
}

func (e *Emitter) worker() {
	defer close(e.done)
	for n := range e.queue {
		metrics.NotificationQueueDepth.Dec()
		e.store(n)
	}
}

func (e *Emitter) store(n *domain.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			metrics.NotificationsTotal.WithLabelValues(string(n.Type), "failed").Inc()
			e.logger.Error("panic storing notification", "type", n.Type, "user_id", n.UserID, "panic", r)
		}
	}()

	if err := e.sink.CreateNotification(ctx, n); err != nil {
		metrics.NotificationsTotal.WithLabelValues(string(n.Type), "failed").Inc()
		e.logger.Warn("notification not stored", "type", n.Type, "user_id", n.UserID, "error", err)
		return
	}
	metrics.NotificationsTotal.WithLabelValues(string(n.Type), "stored").Inc()
	if e.publisher != nil {
		e.publisher.Publish(n)
	}
}

// Notify enqueues n without blocking. A full queue or a closed emitter drops it.
func (e *Emitter) Notify(n *domain.Notification) {
	if e == nil || n == nil || n.UserID == 0 {
		return
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = e.now().UTC()
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		metrics.NotificationsTotal.WithLabelValues(string(n.Type), "dropped").Inc()
		return
	}

	select {
	case e.queue <- n:
		metrics.NotificationQueueDepth.Inc()
	default:
		metrics.NotificationsTotal.WithLabelValues(string(n.Type), "dropped").Inc()
		e.logger.Warn("notification queue full, dropping", "type", n.Type, "user_id", n.UserID)
	}
}

// Close stops accepting notifications and waits for the queue to drain or
// ctx to expire.
func (e *Emitter) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		close(e.queue)
		e.mu.Unlock()
	})
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- Typed helpers ---

// OfferCreated tells the client a professional bid on their request.
func (e *Emitter) OfferCreated(req *domain.ServiceRequest, offer *domain.ServiceOffer) {
	e.Notify(&domain.Notification{
		UserID:  req.ClientID,
		Type:    domain.NotifyNewOffer,
		Title:   "New offer received",
		Message: "A professional offered " + money.Format(offer.ProposedPrice) + " for your " + req.Category.Label() + " request.",
		Data: map[string]interface{}{
			"serviceRequestId": req.ID,
			"serviceOfferId":   offer.ID,
			"professionalId":   offer.ProfessionalID,
			"proposedPrice":    money.Format(offer.ProposedPrice),
		},
	})
}

// OfferAccepted tells the professional their offer won.
func (e *Emitter) OfferAccepted(req *domain.ServiceRequest, offer *domain.ServiceOffer) {
	e.Notify(&domain.Notification{
		UserID:  offer.ProfessionalID,
		Type:    domain.NotifyOfferAccepted,
		Title:   "Offer accepted",
		Message: "Your offer for the " + req.Category.Label() + " request on " + req.ScheduledDate + " was accepted.",
		Data: map[string]interface{}{
			"serviceRequestId": req.ID,
			"serviceOfferId":   offer.ID,
			"finalPrice":       money.Format(offer.Price()),
		},
	})
}

// OfferRejected tells the professional the client declined their offer.
func (e *Emitter) OfferRejected(req *domain.ServiceRequest, offer *domain.ServiceOffer) {
	e.Notify(&domain.Notification{
		UserID:  offer.ProfessionalID,
		Type:    domain.NotifyOfferRejected,
		Title:   "Offer declined",
		Message: "The client declined your offer for the " + req.Category.Label() + " request.",
		Data: map[string]interface{}{
			"serviceRequestId": req.ID,
			"serviceOfferId":   offer.ID,
		},
	})
}

// ServiceMarkedComplete asks the client to confirm and pay.
func (e *Emitter) ServiceMarkedComplete(req *domain.ServiceRequest, offer *domain.ServiceOffer) {
	e.Notify(&domain.Notification{
		UserID:  req.ClientID,
		Type:    domain.NotifyServiceMarkedComplete,
		Title:   "Service marked complete",
		Message: "The professional marked your " + req.Category.Label() + " service as complete. Please confirm and pay.",
		Data: map[string]interface{}{
			"serviceRequestId": req.ID,
			"serviceOfferId":   offer.ID,
			"notes":            offer.CompletionNotes,
		},
	})
}

// PaymentReceived tells the professional their share was captured.
func (e *Emitter) PaymentReceived(p *domain.PaymentReference) {
	e.Notify(&domain.Notification{
		UserID:  p.ProfessionalID,
		Type:    domain.NotifyPaymentReceived,
		Title:   "Payment received",
		Message: "You received " + money.Format(p.ProfessionalShare) + " " + p.Currency + " for a completed service.",
		Data: map[string]interface{}{
			"serviceRequestId":   p.ServiceRequestID,
			"serviceOfferId":     p.ServiceOfferID,
			"paymentReferenceId": p.ID,
			"amount":             money.Format(p.ProfessionalShare),
		},
	})
}

// ServiceCompleted confirms to the client that payment went through.
func (e *Emitter) ServiceCompleted(p *domain.PaymentReference) {
	e.Notify(&domain.Notification{
		UserID:  p.ClientID,
		Type:    domain.NotifyServiceCompleted,
		Title:   "Service completed",
		Message: "Your payment of " + money.Format(p.Amount) + " " + p.Currency + " was confirmed.",
		Data: map[string]interface{}{
			"serviceRequestId":   p.ServiceRequestID,
			"serviceOfferId":     p.ServiceOfferID,
			"paymentReferenceId": p.ID,
			"amount":             money.Format(p.Amount),
		},
	})
}

// PaymentFailed tells the client the authorization was declined so they can retry.
func (e *Emitter) PaymentFailed(p *domain.PaymentReference) {
	msg := "Your payment could not be processed. You can try again."
	if p.StatusDetail != "" {
		msg = "Your payment could not be processed: " + p.StatusDetail
	}
	e.Notify(&domain.Notification{
		UserID:  p.ClientID,
		Type:    domain.NotifyPaymentFailed,
		Title:   "Payment failed",
		Message: msg,
		Data: map[string]interface{}{
			"serviceRequestId":   p.ServiceRequestID,
			"serviceOfferId":     p.ServiceOfferID,
			"paymentReferenceId": p.ID,
			"reason":             p.StatusDetail,
		},
	})
}
