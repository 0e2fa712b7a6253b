package domain

import "fmt"

// RequestEvent drives ServiceRequest transitions.
type RequestEvent string

const (
	RequestEventAccept          RequestEvent = "accept"
	RequestEventComplete        RequestEvent = "complete"
	RequestEventCaptureApproved RequestEvent = "capture_approved"
	RequestEventCancel          RequestEvent = "cancel"
)

// NextRequestStatus returns the status a request moves to when ev happens in
// the current status.
func NextRequestStatus(current RequestStatus, ev RequestEvent) (RequestStatus, error) {
	switch ev {
	case RequestEventAccept:
		if current == RequestOpen {
			return RequestAssigned, nil
		}
	case RequestEventComplete:
		switch current {
		case RequestAssigned:
			return RequestAwaitingConfirmation, nil
		case RequestAwaitingConfirmation:
			return current, ErrNoTransition
		}
	case RequestEventCaptureApproved:
		// A client may pay before the professional marks the work done; the
		// capture itself confirms the service in that case.
		switch current {
		case RequestAssigned, RequestAwaitingConfirmation:
			return RequestCompleted, nil
		case RequestCompleted:
			return current, ErrNoTransition
		}
	case RequestEventCancel:
		switch current {
		case RequestOpen:
			return RequestCancelled, nil
		case RequestCancelled:
			return current, ErrNoTransition
		}
	default:
		return current, fmt.Errorf("%w: unknown request event %q", ErrInvalidState, ev)
	}
	return current, fmt.Errorf("%w: request is %s, cannot %s", ErrInvalidState, current, ev)
}

// OfferEvent drives ServiceOffer transitions.
type OfferEvent string

const (
	OfferEventAccept   OfferEvent = "accept"
	OfferEventReject   OfferEvent = "reject"
	OfferEventWithdraw OfferEvent = "withdraw"
	OfferEventComplete OfferEvent = "complete"
	OfferEventPay      OfferEvent = "pay"
)

// NextOfferStatus returns the status an offer moves to when ev happens in the
// current status.
func NextOfferStatus(current OfferStatus, ev OfferEvent) (OfferStatus, error) {
	var target OfferStatus
	var from []OfferStatus
	switch ev {
	case OfferEventAccept:
		target, from = OfferAccepted, []OfferStatus{OfferPending}
	case OfferEventReject:
		target, from = OfferRejected, []OfferStatus{OfferPending}
	case OfferEventWithdraw:
		target, from = OfferWithdrawn, []OfferStatus{OfferPending}
	case OfferEventComplete:
		target, from = OfferCompleted, []OfferStatus{OfferAccepted}
	case OfferEventPay:
		target, from = OfferPaid, []OfferStatus{OfferCompleted}
	default:
		return current, fmt.Errorf("%w: unknown offer event %q", ErrInvalidState, ev)
	}
	if current == target {
		return current, ErrNoTransition
	}
	for _, s := range from {
		if current == s {
			return target, nil
		}
	}
	return current, fmt.Errorf("%w: offer is %s, cannot %s", ErrInvalidState, current, ev)
}

// PaymentEvent drives PaymentReference transitions.
type PaymentEvent string

const (
	PaymentEventProcessing PaymentEvent = "processing"
	PaymentEventApprove    PaymentEvent = "approve"
	PaymentEventReject     PaymentEvent = "reject"
)

// NextPaymentStatus returns the status a payment reference moves to when ev
// happens in the current status. Terminal states never move, so stale or
// redelivered events cannot regress an approved or rejected reference.
func NextPaymentStatus(current PaymentStatus, ev PaymentEvent) (PaymentStatus, error) {
	var target PaymentStatus
	switch ev {
	case PaymentEventProcessing:
		target = PaymentProcessing
	case PaymentEventApprove:
		target = PaymentApproved
	case PaymentEventReject:
		target = PaymentRejected
	default:
		return current, fmt.Errorf("%w: unknown payment event %q", ErrInvalidState, ev)
	}
	if current == target {
		return current, ErrNoTransition
	}
	switch current {
	case PaymentPending, PaymentProcessing:
		return target, nil
	}
	return current, fmt.Errorf("%w: payment is %s, cannot %s", ErrInvalidState, current, ev)
}
