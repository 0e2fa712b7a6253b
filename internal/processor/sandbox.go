package processor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/mbd888/careline/internal/idgen"
	"github.com/mbd888/careline/internal/retry"
)

// Sandbox is an in-process processor for development and tests. It never
// touches the network, honours idempotency keys, and can be told to fail.
type Sandbox struct {
	mu       sync.Mutex
	byKey    map[string]*Authorization
	payments map[string]*sandboxPayment
	failNext []error
	delay    time.Duration
	calls    int
}

type sandboxPayment struct {
	auth     *Authorization
	metadata map[string]string
	kind     EventKind
	reason   string
	canceled bool
}

// NewSandbox creates an empty sandbox processor.
func NewSandbox() *Sandbox {
	return &Sandbox{
		byKey:    make(map[string]*Authorization),
		payments: make(map[string]*sandboxPayment),
	}
}

// FailNext queues errors returned by the next Authorize calls, in order.
func (s *Sandbox) FailNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = append(s.failNext, errs...)
}

// SetDelay makes Authorize wait d before answering, honouring ctx.
func (s *Sandbox) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// Calls reports how many times Authorize has been invoked.
func (s *Sandbox) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Authorize issues a pi_sandbox_* reference. A repeated idempotency key
// returns the original authorization.
func (s *Sandbox) Authorize(ctx context.Context, req AuthorizationRequest) (*Authorization, error) {
	s.mu.Lock()
	s.calls++
	delay := s.delay
	var injected error
	if len(s.failNext) > 0 {
		injected, s.failNext = s.failNext[0], s.failNext[1:]
	}
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if injected != nil {
		return nil, injected
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if req.IdempotencyKey != "" {
		if prior, ok := s.byKey[req.IdempotencyKey]; ok {
			out := *prior
			return &out, nil
		}
	}

	ref := idgen.WithPrefix("pi_sandbox_")
	auth := &Authorization{
		ExternalReference: ref,
		ClientSecret:      ref + "_secret_" + idgen.WithPrefix("")[:16],
		Status:            "requires_payment_method",
	}
	meta := make(map[string]string, len(req.Metadata))
	for k, v := range req.Metadata {
		meta[k] = v
	}
	s.payments[ref] = &sandboxPayment{auth: auth, metadata: meta, kind: EventIgnored}
	if req.IdempotencyKey != "" {
		s.byKey[req.IdempotencyKey] = auth
	}
	out := *auth
	return &out, nil
}

// Resume returns the authorization issued for externalRef.
func (s *Sandbox) Resume(ctx context.Context, externalRef string) (*Authorization, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[externalRef]
	switch {
	case !ok:
		return nil, retry.Permanent(ErrUnknownReference)
	case p.canceled:
		return nil, retry.Permanent(ErrCanceled)
	}
	out := *p.auth
	return &out, nil
}

// Settle records the outcome the processor will report for ref on Lookup.
// A canceled payment cannot be settled.
func (s *Sandbox) Settle(ref string, kind EventKind, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[ref]
	if !ok {
		return ErrUnknownReference
	}
	if p.canceled {
		return ErrCanceled
	}
	p.kind = kind
	p.reason = reason
	return nil
}

// Cancel closes ref so it can no longer succeed. Captured payments are
// refused with ErrNotCancelable.
func (s *Sandbox) Cancel(ctx context.Context, externalRef string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[externalRef]
	if !ok {
		return ErrUnknownReference
	}
	if p.canceled {
		return nil
	}
	if p.kind == EventSucceeded {
		return ErrNotCancelable
	}
	p.canceled = true
	p.kind = EventFailed
	if p.reason == "" {
		p.reason = "canceled"
	}
	return nil
}

// Canceled reports whether Cancel closed ref.
func (s *Sandbox) Canceled(ref string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[ref]
	return ok && p.canceled
}

// Lookup reports the state last set by Settle.
func (s *Sandbox) Lookup(ctx context.Context, externalRef string) (*Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[externalRef]
	if !ok {
		return nil, ErrUnknownReference
	}
	return &Event{
		RawType:           "sandbox.lookup." + string(p.kind),
		Kind:              p.kind,
		ExternalReference: externalRef,
		FailureReason:     p.reason,
		Metadata:          p.metadata,
	}, nil
}

// EventPayload builds a Stripe-shaped webhook body for a payment intent.
// Sign it with SignPayload to deliver it to the webhook endpoint.
func EventPayload(eventID, eventType, externalRef, failureMessage string) []byte {
	intent := map[string]interface{}{
		"id":     externalRef,
		"object": "payment_intent",
	}
	if failureMessage != "" {
		intent["last_payment_error"] = map[string]interface{}{"message": failureMessage}
	}
	body, _ := json.Marshal(map[string]interface{}{
		"id":          eventID,
		"object":      "event",
		"type":        eventType,
		"api_version": "2024-12-18.acacia",
		"created":     time.Now().Unix(),
		"data":        map[string]interface{}{"object": intent},
	})
	return body
}
