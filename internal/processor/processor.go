// Package processor defines the contract with the external payment processor
// and its adapters: Stripe for real money, Sandbox for development and tests.
package processor

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrUnknownReference is returned by Lookup when the processor has no
// payment with the given reference.
var ErrUnknownReference = errors.New("processor: unknown payment reference")

// ErrNotCancelable is returned by Cancel when the payment has already
// captured funds or is mid-capture.
var ErrNotCancelable = errors.New("processor: payment can no longer be canceled")

// ErrCanceled is returned when acting on a payment that was canceled.
var ErrCanceled = errors.New("processor: payment was canceled")

// EventKind is the normalized meaning of a processor event.
type EventKind string

const (
	EventSucceeded  EventKind = "succeeded"
	EventFailed     EventKind = "failed"
	EventProcessing EventKind = "processing"
	EventIgnored    EventKind = "ignored"
)

// AuthorizationRequest asks the processor to open a payment for amount.
type AuthorizationRequest struct {
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
	Description    string
	Metadata       map[string]string
}

// Authorization is the processor's answer to an authorization request.
type Authorization struct {
	ExternalReference string
	ClientSecret      string
	Status            string
}

// Event is a processor notification, normalized away from the wire format.
type Event struct {
	ID                string
	Kind              EventKind
	RawType           string
	ExternalReference string
	FailureReason     string
	Metadata          map[string]string
}

// Processor creates payments, reports their current state, and cancels
// payments the ledger has given up on. Cancel on an already canceled
// payment succeeds. Resume returns the authorization behind an open
// payment so the client can finish it; a canceled payment yields
// ErrCanceled.
type Processor interface {
	Authorize(ctx context.Context, req AuthorizationRequest) (*Authorization, error)
	Resume(ctx context.Context, externalRef string) (*Authorization, error)
	Lookup(ctx context.Context, externalRef string) (*Event, error)
	Cancel(ctx context.Context, externalRef string) error
}

// Verifier authenticates an inbound webhook body and decodes it.
type Verifier interface {
	Verify(payload []byte, signatureHeader string) (*Event, error)
}
