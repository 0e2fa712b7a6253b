package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/careline/internal/domain"
	"github.com/mbd888/careline/internal/money"
	"github.com/mbd888/careline/internal/retry"
)

// Stripe authorizes payments as Stripe PaymentIntents.
type Stripe struct {
	api *client.API
}

// StripeOption configures a Stripe adapter.
type StripeOption func(*stripe.BackendConfig)

// WithBaseURL points the adapter at another API host. Tests use an httptest server.
func WithBaseURL(url string) StripeOption {
	return func(c *stripe.BackendConfig) { c.URL = stripe.String(url) }
}

// WithHTTPClient sets the HTTP client used for API calls.
func WithHTTPClient(hc *http.Client) StripeOption {
	return func(c *stripe.BackendConfig) { c.HTTPClient = hc }
}

// NewStripe creates a Stripe adapter. Network retries are left to the caller.
func NewStripe(secretKey string, opts ...StripeOption) *Stripe {
	cfg := &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	for _, opt := range opts {
		opt(cfg)
	}
	backends := &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, cfg),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, cfg),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, cfg),
	}
	api := &client.API{}
	api.Init(secretKey, backends)
	return &Stripe{api: api}
}

// Authorize creates a PaymentIntent. Declines and malformed requests are
// permanent; network and 5xx failures may be retried.
func (s *Stripe) Authorize(ctx context.Context, req AuthorizationRequest) (*Authorization, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(money.MinorUnits(req.Amount)),
		Currency: stripe.String(req.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return nil, classify(err)
	}
	return &Authorization{
		ExternalReference: pi.ID,
		ClientSecret:      pi.ClientSecret,
		Status:            string(pi.Status),
	}, nil
}

// Resume fetches the PaymentIntent with its client secret.
func (s *Stripe) Resume(ctx context.Context, externalRef string) (*Authorization, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := s.api.PaymentIntents.Get(externalRef, params)
	if err != nil {
		var se *stripe.Error
		if errors.As(err, &se) && se.HTTPStatusCode == http.StatusNotFound {
			return nil, retry.Permanent(ErrUnknownReference)
		}
		return nil, classify(err)
	}
	if pi.Status == stripe.PaymentIntentStatusCanceled {
		return nil, retry.Permanent(ErrCanceled)
	}
	return &Authorization{
		ExternalReference: pi.ID,
		ClientSecret:      pi.ClientSecret,
		Status:            string(pi.Status),
	}, nil
}

// Lookup fetches the PaymentIntent and maps its status to an event.
func (s *Stripe) Lookup(ctx context.Context, externalRef string) (*Event, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := s.api.PaymentIntents.Get(externalRef, params)
	if err != nil {
		var se *stripe.Error
		if errors.As(err, &se) && se.HTTPStatusCode == http.StatusNotFound {
			return nil, ErrUnknownReference
		}
		return nil, classify(err)
	}

	ev := &Event{
		RawType:           "payment_intent.lookup." + string(pi.Status),
		ExternalReference: pi.ID,
		Metadata:          pi.Metadata,
	}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded, stripe.PaymentIntentStatusRequiresCapture:
		ev.Kind = EventSucceeded
	case stripe.PaymentIntentStatusProcessing:
		ev.Kind = EventProcessing
	case stripe.PaymentIntentStatusCanceled:
		ev.Kind = EventFailed
		ev.FailureReason = cancellationReason(pi)
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		if pi.LastPaymentError != nil {
			ev.Kind = EventFailed
			ev.FailureReason = pi.LastPaymentError.Msg
		} else {
			ev.Kind = EventIgnored
		}
	default:
		ev.Kind = EventIgnored
	}
	return ev, nil
}

// Cancel cancels the PaymentIntent so the client secret already handed out
// can no longer confirm it. An intent that is already canceled is not an
// error; one that succeeded or is processing returns ErrNotCancelable.
func (s *Stripe) Cancel(ctx context.Context, externalRef string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := s.api.PaymentIntents.Cancel(externalRef, params)
	if err == nil {
		return nil
	}
	var se *stripe.Error
	if errors.As(err, &se) {
		switch {
		case se.HTTPStatusCode == http.StatusNotFound:
			return ErrUnknownReference
		case se.Code == stripe.ErrorCodePaymentIntentUnexpectedState:
			if se.PaymentIntent != nil && se.PaymentIntent.Status == stripe.PaymentIntentStatusCanceled {
				return nil
			}
			return fmt.Errorf("%w: %s", ErrNotCancelable, se.Msg)
		}
	}
	return classify(err)
}

func classify(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		switch se.Type {
		case stripe.ErrorTypeCard, stripe.ErrorTypeInvalidRequest:
			return retry.Permanent(fmt.Errorf("stripe %s: %s", se.Type, se.Msg))
		}
	}
	return fmt.Errorf("stripe: %w", err)
}

func cancellationReason(pi *stripe.PaymentIntent) string {
	if pi.CancellationReason != "" {
		return "canceled: " + string(pi.CancellationReason)
	}
	return "canceled"
}

// DefaultTolerance is how old a webhook signature may be.
const DefaultTolerance = 5 * time.Minute

// WebhookVerifier checks the Stripe-Signature header on inbound events. The
// sandbox signs its events the same way, so one verifier serves both adapters.
type WebhookVerifier struct {
	secret    string
	tolerance time.Duration
	logger    *slog.Logger
}

// NewWebhookVerifier creates a verifier for the endpoint's signing secret.
func NewWebhookVerifier(secret string) *WebhookVerifier {
	return &WebhookVerifier{secret: secret, tolerance: DefaultTolerance, logger: slog.Default()}
}

// SetLogger sets where authentic but unreadable events are reported.
func (v *WebhookVerifier) SetLogger(logger *slog.Logger) {
	if logger != nil {
		v.logger = logger
	}
}

// Verify authenticates payload and normalizes it into an Event. Any
// signature problem wraps domain.ErrInvalidSignature.
func (v *WebhookVerifier) Verify(payload []byte, signatureHeader string) (*Event, error) {
	se, err := webhook.ConstructEventWithOptions(payload, signatureHeader, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidSignature, err)
	}
	return v.normalize(se), nil
}

// normalize maps a verified event to an Event. A payment event whose data
// cannot be read is logged and ignored: the delivery is authentic, so
// refusing it would only make the processor redeliver the same body.
func (v *WebhookVerifier) normalize(se stripe.Event) *Event {
	ev := &Event{ID: se.ID, RawType: string(se.Type)}

	switch se.Type {
	case "payment_intent.succeeded", "payment_intent.amount_capturable_updated":
		ev.Kind = EventSucceeded
	case "payment_intent.payment_failed", "payment_intent.canceled":
		ev.Kind = EventFailed
	case "payment_intent.processing":
		ev.Kind = EventProcessing
	default:
		ev.Kind = EventIgnored
		return ev
	}

	if se.Data == nil {
		v.logger.Warn("ignoring processor event without data", "event_id", se.ID, "event_type", se.Type)
		ev.Kind = EventIgnored
		return ev
	}
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(se.Data.Raw, &pi); err != nil || pi.ID == "" {
		v.logger.Warn("ignoring processor event with unreadable payment intent",
			"event_id", se.ID, "event_type", se.Type, "error", err)
		ev.Kind = EventIgnored
		return ev
	}
	ev.ExternalReference = pi.ID
	ev.Metadata = pi.Metadata
	if ev.Kind == EventFailed {
		switch {
		case pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "":
			ev.FailureReason = pi.LastPaymentError.Msg
		case se.Type == "payment_intent.canceled":
			ev.FailureReason = cancellationReason(&pi)
		default:
			ev.FailureReason = "payment failed"
		}
	}
	return ev
}

// SignPayload returns a Stripe-Signature header for payload signed with
// secret at the current time.
func SignPayload(secret string, payload []byte) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	return signed.Header
}
