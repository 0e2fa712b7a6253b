package domain

import (
	"errors"
	"testing"
)

func TestNextRequestStatus(t *testing.T) {
	tests := []struct {
		name    string
		current RequestStatus
		ev      RequestEvent
		want    RequestStatus
		wantErr error
	}{
		{"accept open", RequestOpen, RequestEventAccept, RequestAssigned, nil},
		{"accept assigned", RequestAssigned, RequestEventAccept, RequestAssigned, ErrInvalidState},
		{"accept cancelled", RequestCancelled, RequestEventAccept, RequestCancelled, ErrInvalidState},
		{"complete assigned", RequestAssigned, RequestEventComplete, RequestAwaitingConfirmation, nil},
		{"complete twice", RequestAwaitingConfirmation, RequestEventComplete, RequestAwaitingConfirmation, ErrNoTransition},
		{"complete open", RequestOpen, RequestEventComplete, RequestOpen, ErrInvalidState},
		{"complete completed", RequestCompleted, RequestEventComplete, RequestCompleted, ErrInvalidState},
		{"capture awaiting", RequestAwaitingConfirmation, RequestEventCaptureApproved, RequestCompleted, nil},
		{"capture assigned", RequestAssigned, RequestEventCaptureApproved, RequestCompleted, nil},
		{"capture completed", RequestCompleted, RequestEventCaptureApproved, RequestCompleted, ErrNoTransition},
		{"capture open", RequestOpen, RequestEventCaptureApproved, RequestOpen, ErrInvalidState},
		{"cancel open", RequestOpen, RequestEventCancel, RequestCancelled, nil},
		{"cancel assigned", RequestAssigned, RequestEventCancel, RequestAssigned, ErrInvalidState},
		{"cancel cancelled", RequestCancelled, RequestEventCancel, RequestCancelled, ErrNoTransition},
		{"unknown event", RequestOpen, RequestEvent("explode"), RequestOpen, ErrInvalidState},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextRequestStatus(tt.current, tt.ev)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if got != tt.want {
				t.Errorf("NextRequestStatus(%s, %s) = %s, want %s", tt.current, tt.ev, got, tt.want)
			}
		})
	}
}

func TestNextOfferStatus(t *testing.T) {
	tests := []struct {
		current OfferStatus
		ev      OfferEvent
		want    OfferStatus
		wantErr error
	}{
		{OfferPending, OfferEventAccept, OfferAccepted, nil},
		{OfferPending, OfferEventReject, OfferRejected, nil},
		{OfferPending, OfferEventWithdraw, OfferWithdrawn, nil},
		{OfferAccepted, OfferEventComplete, OfferCompleted, nil},
		{OfferCompleted, OfferEventPay, OfferPaid, nil},
		{OfferAccepted, OfferEventAccept, OfferAccepted, ErrNoTransition},
		{OfferAccepted, OfferEventReject, OfferAccepted, ErrInvalidState},
		{OfferAccepted, OfferEventPay, OfferAccepted, ErrInvalidState},
		{OfferRejected, OfferEventAccept, OfferRejected, ErrInvalidState},
		{OfferWithdrawn, OfferEventAccept, OfferWithdrawn, ErrInvalidState},
		{OfferPaid, OfferEventComplete, OfferPaid, ErrInvalidState},
		{OfferPaid, OfferEventPay, OfferPaid, ErrNoTransition},
	}

	for _, tt := range tests {
		got, err := NextOfferStatus(tt.current, tt.ev)
		if tt.wantErr == nil && err != nil {
			t.Errorf("%s/%s: unexpected error: %v", tt.current, tt.ev, err)
			continue
		}
		if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
			t.Errorf("%s/%s: expected %v, got %v", tt.current, tt.ev, tt.wantErr, err)
			continue
		}
		if got != tt.want {
			t.Errorf("NextOfferStatus(%s, %s) = %s, want %s", tt.current, tt.ev, got, tt.want)
		}
	}
}

func TestNextPaymentStatus_TerminalNeverRegresses(t *testing.T) {
	for _, terminal := range []PaymentStatus{PaymentApproved, PaymentRejected} {
		for _, ev := range []PaymentEvent{PaymentEventProcessing, PaymentEventApprove, PaymentEventReject} {
			got, err := NextPaymentStatus(terminal, ev)
			if err == nil {
				t.Errorf("%s/%s: expected error, got transition to %s", terminal, ev, got)
			}
			if got != terminal {
				t.Errorf("%s/%s: status moved to %s", terminal, ev, got)
			}
		}
	}
}

func TestNextPaymentStatus(t *testing.T) {
	tests := []struct {
		current PaymentStatus
		ev      PaymentEvent
		want    PaymentStatus
		wantErr error
	}{
		{PaymentPending, PaymentEventProcessing, PaymentProcessing, nil},
		{PaymentPending, PaymentEventApprove, PaymentApproved, nil},
		{PaymentPending, PaymentEventReject, PaymentRejected, nil},
		{PaymentProcessing, PaymentEventApprove, PaymentApproved, nil},
		{PaymentProcessing, PaymentEventReject, PaymentRejected, nil},
		{PaymentProcessing, PaymentEventProcessing, PaymentProcessing, ErrNoTransition},
		{PaymentApproved, PaymentEventApprove, PaymentApproved, ErrNoTransition},
		{PaymentRejected, PaymentEventApprove, PaymentRejected, ErrInvalidState},
	}

	for _, tt := range tests {
		got, err := NextPaymentStatus(tt.current, tt.ev)
		if tt.wantErr == nil && err != nil {
			t.Errorf("%s/%s: unexpected error: %v", tt.current, tt.ev, err)
			continue
		}
		if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
			t.Errorf("%s/%s: expected %v, got %v", tt.current, tt.ev, tt.wantErr, err)
			continue
		}
		if got != tt.want {
			t.Errorf("NextPaymentStatus(%s, %s) = %s, want %s", tt.current, tt.ev, got, tt.want)
		}
	}
}
