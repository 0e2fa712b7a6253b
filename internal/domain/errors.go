package domain

import "errors"

// Error taxonomy shared by every lifecycle component. Callers wrap these with
// context and the HTTP edge maps them with errors.Is.
var (
	ErrNotFound         = errors.New("not found")
	ErrForbidden        = errors.New("forbidden")
	ErrInvalidState     = errors.New("invalid state for this operation")
	ErrValidation       = errors.New("validation failed")
	ErrPaymentGateway   = errors.New("payment gateway error")
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrNoTransition is returned by the transition functions when the entity
	// is already in the target state. Callers treat it as an idempotent no-op.
	ErrNoTransition = errors.New("already in target state")
)
