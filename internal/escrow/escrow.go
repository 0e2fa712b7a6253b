// Package escrow authorizes client payments for accepted offers.
//
// Flow:
//  1. Client asks to pay for an accepted offer → amount and commission split computed
//  2. Processor authorization opened (timeout, circuit breaker, retries)
//  3. PaymentReference persisted as pending
//  4. Processor webhook later approves or rejects it (see package webhooks)
package escrow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mbd888/careline/internal/circuitbreaker"
	"github.com/mbd888/careline/internal/domain"
	"github.com/mbd888/careline/internal/idgen"
	"github.com/mbd888/careline/internal/ledger"
	"github.com/mbd888/careline/internal/logging"
	"github.com/mbd888/careline/internal/metrics"
	"github.com/mbd888/careline/internal/money"
	"github.com/mbd888/careline/internal/processor"
	"github.com/mbd888/careline/internal/retry"
	"github.com/mbd888/careline/internal/syncutil"
	"github.com/mbd888/careline/internal/traces"
)

// OperationAuthorize is the breaker and metrics label for processor authorizations.
const OperationAuthorize = "authorize"

// operationResume labels fetching an open authorization again. It shares
// the authorize breaker.
const operationResume = "resume"

// Config holds pricing and processor call settings.
type Config struct {
	Currency       string
	MinimumCharge  decimal.Decimal
	CommissionRate decimal.Decimal
	Timeout        time.Duration
	MaxAttempts    int
	RetryDelay     time.Duration
}

// Intent is what the client needs to complete payment with the processor.
type Intent struct {
	ClientSecret       string          `json:"clientSecret"`
	PaymentReferenceID int64           `json:"paymentReferenceId"`
	Amount             decimal.Decimal `json:"amount"`
	Commission         decimal.Decimal `json:"commission"`
	ProfessionalShare  decimal.Decimal `json:"professionalShare"`
	Currency           string          `json:"currency"`
}

// Coordinator implements payment authorization for accepted offers.
type Coordinator struct {
	store     ledger.Store
	processor processor.Processor
	breaker   *circuitbreaker.Breaker
	cfg       Config
	locks     syncutil.ShardedMutex
	now       func() time.Time
}

// NewCoordinator creates a coordinator. A nil breaker gets default settings.
func NewCoordinator(store ledger.Store, proc processor.Processor, breaker *circuitbreaker.Breaker, cfg Config) *Coordinator {
	if breaker == nil {
		breaker = circuitbreaker.New(0, 0)
	}
	if breaker.IsFailure == nil {
		breaker.IsFailure = func(err error) bool { return !retry.IsPermanent(err) }
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 200 * time.Millisecond
	}
	return &Coordinator{
		store:     store,
		processor: proc,
		breaker:   breaker,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Breaker exposes the processor circuit breaker for health reporting.
func (c *Coordinator) Breaker() *circuitbreaker.Breaker {
	return c.breaker
}

// Quote returns the amount charged for price and its commission split.
func (c *Coordinator) Quote(price decimal.Decimal) (amount, commission, share decimal.Decimal) {
	amount = money.Charge(price, c.cfg.MinimumCharge)
	commission, share = money.Split(amount, c.cfg.CommissionRate)
	return amount, commission, share
}

// AuthorizePayment opens a processor authorization for the accepted offer and
// records it as a pending PaymentReference. While a pending or processing
// reference exists, its authorization is fetched again instead of opening
// a new one.
func (c *Coordinator) AuthorizePayment(ctx context.Context, offerID, callerID int64) (*Intent, error) {
	unlock, err := c.locks.Lock(ctx, offerID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	offer, err := c.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	req, err := c.store.GetRequest(ctx, offer.ServiceRequestID)
	if err != nil {
		return nil, err
	}
	if req.ClientID != callerID {
		return nil, fmt.Errorf("%w: only the requesting client may pay for this service", domain.ErrForbidden)
	}
	if offer.Status != domain.OfferAccepted {
		return nil, fmt.Errorf("%w: offer is %s, not accepted", domain.ErrInvalidState, offer.Status)
	}

	existing, err := c.store.ListPaymentsByOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	attempt := 1
	var open *domain.PaymentReference
	for _, p := range existing {
		switch p.Status {
		case domain.PaymentApproved:
			return nil, fmt.Errorf("%w: service is already paid", domain.ErrInvalidState)
		case domain.PaymentRejected:
			attempt++
		case domain.PaymentPending, domain.PaymentProcessing:
			if open == nil || p.ID > open.ID {
				open = p
			}
		}
	}
	if open != nil {
		return c.resume(ctx, open)
	}

	price := offer.Price()
	if !price.IsPositive() {
		return nil, fmt.Errorf("%w: offer has no payable price", domain.ErrInvalidState)
	}
	amount, commission, share := c.Quote(price)
	key := idgen.IdempotencyKey(offerID, attempt)

	auth, err := c.call(ctx, OperationAuthorize, offerID, func(ctx context.Context) (*processor.Authorization, error) {
		return c.processor.Authorize(ctx, processor.AuthorizationRequest{
			Amount:         amount,
			Currency:       c.cfg.Currency,
			IdempotencyKey: key,
			Description:    fmt.Sprintf("%s service #%d", req.Category.Label(), req.ID),
			Metadata: map[string]string{
				"serviceOfferId":    strconv.FormatInt(offer.ID, 10),
				"serviceRequestId":  strconv.FormatInt(req.ID, 10),
				"clientId":          strconv.FormatInt(req.ClientID, 10),
				"professionalId":    strconv.FormatInt(offer.ProfessionalID, 10),
				"commission":        money.Format(commission),
				"professionalShare": money.Format(share),
			},
		})
	}, traces.Amount(money.Format(amount)))
	if err != nil {
		metrics.PaymentAuthorizationsTotal.WithLabelValues("gateway_error").Inc()
		logging.L(ctx).Warn("payment authorization failed",
			"service_offer_id", offerID, "attempt", attempt, "error", err)
		return nil, gatewayError(err)
	}

	now := c.now().UTC()
	ref := &domain.PaymentReference{
		ServiceRequestID:  req.ID,
		ServiceOfferID:    offer.ID,
		ClientID:          req.ClientID,
		ProfessionalID:    offer.ProfessionalID,
		Amount:            amount,
		Commission:        commission,
		ProfessionalShare: share,
		Currency:          c.cfg.Currency,
		ExternalReference: auth.ExternalReference,
		IdempotencyKey:    key,
		Status:            domain.PaymentPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	replayed := false
	err = c.store.WithTx(ctx, func(tx ledger.Tx) error {
		locked, err := tx.GetOfferForUpdate(ctx, offerID)
		if err != nil {
			return err
		}
		if locked.Status != domain.OfferAccepted {
			return fmt.Errorf("%w: offer is %s, not accepted", domain.ErrInvalidState, locked.Status)
		}

		prior, err := tx.GetPaymentByExternalRefForUpdate(ctx, auth.ExternalReference)
		switch {
		case err == nil:
			ref, replayed = prior, true
			return nil
		case !errors.Is(err, ledger.ErrPaymentNotFound):
			return err
		}
		return tx.CreatePayment(ctx, ref)
	})
	if errors.Is(err, ledger.ErrDuplicateReference) {
		// another instance stored the same reference between our read and insert
		ref, err = c.store.GetPaymentByExternalRef(ctx, auth.ExternalReference)
		replayed = true
	}
	if err != nil {
		return nil, err
	}

	result := "created"
	if replayed {
		result = "replayed"
	}
	metrics.PaymentAuthorizationsTotal.WithLabelValues(result).Inc()
	logging.L(ctx).Info("payment authorized",
		"service_offer_id", offerID,
		"payment_reference_id", ref.ID,
		"amount", money.Format(ref.Amount),
		"commission", money.Format(ref.Commission),
		"replayed", replayed,
	)

	return &Intent{
		ClientSecret:       auth.ClientSecret,
		PaymentReferenceID: ref.ID,
		Amount:             ref.Amount,
		Commission:         ref.Commission,
		ProfessionalShare:  ref.ProfessionalShare,
		Currency:           ref.Currency,
	}, nil
}

// resume hands back the authorization behind an open reference, so a
// client retrying checkout keeps paying the same processor payment.
func (c *Coordinator) resume(ctx context.Context, open *domain.PaymentReference) (*Intent, error) {
	auth, err := c.call(ctx, operationResume, open.ServiceOfferID, func(ctx context.Context) (*processor.Authorization, error) {
		return c.processor.Resume(ctx, open.ExternalReference)
	})
	switch {
	case errors.Is(err, processor.ErrCanceled):
		return nil, fmt.Errorf("%w: previous payment attempt is being closed, try again shortly", domain.ErrInvalidState)
	case err != nil:
		metrics.PaymentAuthorizationsTotal.WithLabelValues("gateway_error").Inc()
		logging.L(ctx).Warn("payment authorization resume failed",
			"service_offer_id", open.ServiceOfferID, "payment_reference_id", open.ID, "error", err)
		return nil, gatewayError(err)
	}

	metrics.PaymentAuthorizationsTotal.WithLabelValues("replayed").Inc()
	logging.L(ctx).Info("payment authorization resumed",
		"service_offer_id", open.ServiceOfferID,
		"payment_reference_id", open.ID,
		"status", open.Status,
	)
	return &Intent{
		ClientSecret:       auth.ClientSecret,
		PaymentReferenceID: open.ID,
		Amount:             open.Amount,
		Commission:         open.Commission,
		ProfessionalShare:  open.ProfessionalShare,
		Currency:           open.Currency,
	}, nil
}

// gatewayError keeps processor detail out of client responses; callers log
// the cause.
func gatewayError(err error) error {
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return fmt.Errorf("%w: payment processor temporarily unavailable", domain.ErrPaymentGateway)
	}
	if retry.IsPermanent(err) {
		return fmt.Errorf("%w: payment processor declined the request", domain.ErrPaymentGateway)
	}
	return fmt.Errorf("%w: payment processor unavailable", domain.ErrPaymentGateway)
}

// call runs fn against the processor under the configured timeout, breaker
// and retry policy.
func (c *Coordinator) call(ctx context.Context, operation string, offerID int64, fn func(context.Context) (*processor.Authorization, error), attrs ...attribute.KeyValue) (*processor.Authorization, error) {
	ctx, span := traces.StartSpan(ctx, "processor."+operation, append(attrs, traces.OfferID(offerID))...)
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	defer metrics.ObserveProcessorCall(operation, time.Now())

	policy := retry.Policy{
		MaxAttempts: c.cfg.MaxAttempts,
		BaseDelay:   c.cfg.RetryDelay,
		OnRetry: func(attempt int, err error) {
			logging.L(ctx).Warn("retrying processor call",
				"operation", operation, "service_offer_id", offerID, "attempt", attempt, "error", err)
		},
	}
	auth, err := retry.DoValue(ctx, policy, func(ctx context.Context) (*processor.Authorization, error) {
		var out *processor.Authorization
		err := c.breaker.Execute(ctx, OperationAuthorize, func(ctx context.Context) error {
			a, err := fn(ctx)
			out = a
			return err
		})
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return nil, retry.Permanent(err)
		}
		return out, err
	})
	if err == nil && (auth == nil || auth.ExternalReference == "") {
		err = errors.New("processor returned no payment reference")
	}
	if err == nil {
		span.SetAttributes(traces.PaymentRef(auth.ExternalReference))
	}
	traces.End(span, err)
	return auth, err
}

// GetPayment returns a payment reference to its client or professional.
func (c *Coordinator) GetPayment(ctx context.Context, id, callerID int64) (*domain.PaymentReference, error) {
	p, err := c.store.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.ClientID != callerID && p.ProfessionalID != callerID {
		return nil, fmt.Errorf("%w: not a party to this payment", domain.ErrForbidden)
	}
	return p, nil
}
