// Package offers manages professionals' bids on service requests: creating
// them, the client's accept/reject decision, withdrawal, and the
// professional's mark-complete hand-off to payment.
package offers

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
	"github.com/mbd888/careline/internal/pagination"
	"github.com/mbd888/careline/internal/validation"
)

// Notifier receives offer lifecycle events. Implementations must not block.
type Notifier interface {
	OfferCreated(req *domain.ServiceRequest, offer *domain.ServiceOffer)
	OfferAccepted(req *domain.ServiceRequest, offer *domain.ServiceOffer)
	OfferRejected(req *domain.ServiceRequest, offer *domain.ServiceOffer)
	ServiceMarkedComplete(req *domain.ServiceRequest, offer *domain.ServiceOffer)
}

// CreateInput is the professional-supplied part of a new offer.
type CreateInput struct {
	Price         string `json:"proposedPrice"`
	EstimatedTime string `json:"estimatedTime"`
	Message       string `json:"message"`
}

// Completion is the result of marking a service complete.
type Completion struct {
	Offer             *domain.ServiceOffer   `json:"offer"`
	ServiceRequest    *domain.ServiceRequest `json:"serviceRequest"`
	HasPendingPayment bool                   `json:"hasPendingPayment"`
}

// Page is one page of offers, newest first.
type Page struct {
	Offers     []*domain.ServiceOffer `json:"offers"`
	NextCursor string                 `json:"nextCursor,omitempty"`
	HasMore    bool                   `json:"hasMore"`
}

// Service implements the offer manager.
type Service struct {
	store    ledger.Store
	notifier Notifier
	now      func() time.Time
}

// NewService creates an offer service.
func NewService(store ledger.Store, notifier Notifier) *Service {
	return &Service{store: store, notifier: notifier, now: time.Now}
}

// Create places a pending offer on an open request.
func (s *Service) Create(ctx context.Context, requestID, professionalID int64, in CreateInput) (*domain.ServiceOffer, error) {
	if err := validation.Validate(
		validation.Required("proposedPrice", in.Price),
		validation.ValidAmount("proposedPrice", in.Price),
		validation.MaxLength("estimatedTime", in.EstimatedTime, 255),
		validation.MaxLength("message", in.Message, validation.MaxStringLength),
	).Err(); err != nil {
		return nil, err
	}
	price, _ := money.Parse(in.Price)

	var (
		req   *domain.ServiceRequest
		offer *domain.ServiceOffer
	)
	err := s.store.WithTx(ctx, func(tx ledger.Tx) error {
		var err error
		req, err = tx.GetRequestForUpdate(ctx, requestID)
		if err != nil {
			return err
		}
		if req.Status != domain.RequestOpen {
			return fmt.Errorf("%w: request is %s and no longer accepts offers", domain.ErrInvalidState, req.Status)
		}
		if req.ClientID == professionalID {
			return fmt.Errorf("%w: cannot bid on your own request", domain.ErrForbidden)
		}

		now := s.now().UTC()
		offer = &domain.ServiceOffer{
			ServiceRequestID: req.ID,
			ProfessionalID:   professionalID,
			ProposedPrice:    price,
			EstimatedTime:    validation.SanitizeString(in.EstimatedTime, 255),
			Message:          validation.SanitizeString(in.Message, validation.MaxStringLength),
			Status:           domain.OfferPending,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := tx.CreateOffer(ctx, offer); err != nil {
			return err
		}
		if err := tx.IncrementResponses(ctx, req.ID); err != nil {
			return err
		}
		req.Responses++
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.OfferTransitionsTotal.WithLabelValues(string(domain.OfferPending)).Inc()
	logging.L(ctx).Info("service offer created",
		"service_request_id", req.ID, "service_offer_id", offer.ID, "price", money.Format(price))
	s.notifier.OfferCreated(req, offer)
	return offer, nil
}

// Accept accepts a pending offer on the caller's open request. The offer's
// price is frozen as its final price and the request becomes assigned.
func (s *Service) Accept(ctx context.Context, offerID, callerID int64) (*domain.ServiceOffer, *domain.ServiceRequest, error) {
	req, offer, err := s.decide(ctx, offerID, func(tx ledger.Tx, req *domain.ServiceRequest, offer *domain.ServiceOffer, now time.Time) error {
		if req.ClientID != callerID {
			return fmt.Errorf("%w: only the requesting client may accept offers", domain.ErrForbidden)
		}
		nextReq, err := domain.NextRequestStatus(req.Status, domain.RequestEventAccept)
		if err != nil {
			return fmt.Errorf("%w: request is %s", domain.ErrInvalidState, req.Status)
		}
		nextOffer, err := domain.NextOfferStatus(offer.Status, domain.OfferEventAccept)
		if err != nil {
			return fmt.Errorf("%w: offer is %s", domain.ErrInvalidState, offer.Status)
		}

		final := offer.ProposedPrice
		offer.FinalPrice = &final
		offer.Status = nextOffer
		offer.UpdatedAt = now
		if err := tx.UpdateOffer(ctx, offer); err != nil {
			return err
		}
		if err := tx.UpdateRequestStatus(ctx, req.ID, nextReq, now); err != nil {
			return err
		}
		req.Status = nextReq
		req.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	metrics.OfferTransitionsTotal.WithLabelValues(string(domain.OfferAccepted)).Inc()
	metrics.RequestTransitionsTotal.WithLabelValues(string(domain.RequestAssigned)).Inc()
	logging.L(ctx).Info("service offer accepted",
		"service_request_id", req.ID, "service_offer_id", offer.ID, "final_price", money.Format(offer.Price()))
	s.notifier.OfferAccepted(req, offer)
	return offer, req, nil
}

// Reject declines a pending offer. Only the requesting client may reject.
func (s *Service) Reject(ctx context.Context, offerID, callerID int64) (*domain.ServiceOffer, error) {
	req, offer, err := s.decide(ctx, offerID, func(tx ledger.Tx, req *domain.ServiceRequest, offer *domain.ServiceOffer, now time.Time) error {
		if req.ClientID != callerID {
			return fmt.Errorf("%w: only the requesting client may reject offers", domain.ErrForbidden)
		}
		return s.moveOffer(ctx, tx, offer, domain.OfferEventReject, now)
	})
	if err != nil {
		return nil, err
	}

	metrics.OfferTransitionsTotal.WithLabelValues(string(domain.OfferRejected)).Inc()
	logging.L(ctx).Info("service offer rejected", "service_request_id", req.ID, "service_offer_id", offer.ID)
	s.notifier.OfferRejected(req, offer)
	return offer, nil
}

// Withdraw retracts a pending offer. Only the offering professional may withdraw.
func (s *Service) Withdraw(ctx context.Context, offerID, callerID int64) (*domain.ServiceOffer, error) {
	_, offer, err := s.decide(ctx, offerID, func(tx ledger.Tx, _ *domain.ServiceRequest, offer *domain.ServiceOffer, now time.Time) error {
		if offer.ProfessionalID != callerID {
			return fmt.Errorf("%w: only the offering professional may withdraw", domain.ErrForbidden)
		}
		return s.moveOffer(ctx, tx, offer, domain.OfferEventWithdraw, now)
	})
	if err != nil {
		return nil, err
	}

	metrics.OfferTransitionsTotal.WithLabelValues(string(domain.OfferWithdrawn)).Inc()
	logging.L(ctx).Info("service offer withdrawn", "service_offer_id", offer.ID)
	return offer, nil
}

// MarkComplete records that the professional finished the work and moves the
// request to awaiting_confirmation. The offer stays accepted until capture.
// Repeating the call while the request already awaits confirmation changes
// nothing and does not notify again.
func (s *Service) MarkComplete(ctx context.Context, offerID, professionalID int64, notes string) (*Completion, error) {
	notes = validation.SanitizeString(notes, validation.MaxStringLength)

	var (
		result   Completion
		advanced bool
	)
	req, offer, err := s.decide(ctx, offerID, func(tx ledger.Tx, req *domain.ServiceRequest, offer *domain.ServiceOffer, now time.Time) error {
		if offer.ProfessionalID != professionalID {
			return fmt.Errorf("%w: only the offering professional may mark the service complete", domain.ErrForbidden)
		}
		if req.Status == domain.RequestCompleted {
			return fmt.Errorf("%w: service is already completed", domain.ErrInvalidState)
		}
		if offer.Status != domain.OfferAccepted {
			return fmt.Errorf("%w: offer is %s, not accepted", domain.ErrForbidden, offer.Status)
		}

		next, err := domain.NextRequestStatus(req.Status, domain.RequestEventComplete)
		switch {
		case errors.Is(err, domain.ErrNoTransition):
			// already awaiting confirmation
		case err != nil:
			return err
		default:
			offer.CompletionNotes = notes
			offer.CompletedAt = &now
			offer.UpdatedAt = now
			if err := tx.UpdateOffer(ctx, offer); err != nil {
				return err
			}
			if err := tx.UpdateRequestStatus(ctx, req.ID, next, now); err != nil {
				return err
			}
			req.Status = next
			req.UpdatedAt = now
			advanced = true
		}

		payments, err := tx.ListPaymentsByOffer(ctx, offer.ID)
		if err != nil {
			return err
		}
		result.HasPendingPayment = true
		for _, p := range payments {
			if p.Status == domain.PaymentApproved {
				result.HasPendingPayment = false
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result.Offer = offer
	result.ServiceRequest = req
	if advanced {
		metrics.RequestTransitionsTotal.WithLabelValues(string(domain.RequestAwaitingConfirmation)).Inc()
		logging.L(ctx).Info("service marked complete", "service_request_id", req.ID, "service_offer_id", offer.ID)
		s.notifier.ServiceMarkedComplete(req, offer)
	}
	return &result, nil
}

// Get returns an offer visible to callerID: its professional or the client
// who owns the request.
func (s *Service) Get(ctx context.Context, offerID, callerID int64) (*domain.ServiceOffer, error) {
	offer, err := s.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if offer.ProfessionalID == callerID {
		return offer, nil
	}
	req, err := s.store.GetRequest(ctx, offer.ServiceRequestID)
	if err != nil {
		return nil, err
	}
	if req.ClientID != callerID {
		return nil, fmt.Errorf("%w: not a party to this offer", domain.ErrForbidden)
	}
	return offer, nil
}

// ListForRequest returns every offer on the request to its client, and only
// the caller's own offers to anyone else.
func (s *Service) ListForRequest(ctx context.Context, requestID, callerID int64) ([]*domain.ServiceOffer, error) {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	all, err := s.store.ListOffersByRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.ClientID == callerID {
		return nonNil(all), nil
	}
	var mine []*domain.ServiceOffer
	for _, o := range all {
		if o.ProfessionalID == callerID {
			mine = append(mine, o)
		}
	}
	return nonNil(mine), nil
}

// ListMine returns professionalID's offers across all requests.
func (s *Service) ListMine(ctx context.Context, professionalID int64, cursor *pagination.Cursor, limit int) (*Page, error) {
	items, err := s.store.ListOffersByProfessional(ctx, professionalID, cursor.Bound(), limit+1)
	if err != nil {
		return nil, err
	}
	items, next, more := pagination.ComputePage(items, limit, func(o *domain.ServiceOffer) int64 { return o.ID })
	return &Page{Offers: nonNil(items), NextCursor: next, HasMore: more}, nil
}

// decide locks the offer's request, then the offer, and runs fn inside the
// same transaction. Locking the request first orders every status-conditioned
// write on a request behind the same row lock.
func (s *Service) decide(ctx context.Context, offerID int64,
	fn func(tx ledger.Tx, req *domain.ServiceRequest, offer *domain.ServiceOffer, now time.Time) error,
) (*domain.ServiceRequest, *domain.ServiceOffer, error) {
	peek, err := s.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, nil, err
	}

	var (
		req   *domain.ServiceRequest
		offer *domain.ServiceOffer
	)
	err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
		var err error
		if req, err = tx.GetRequestForUpdate(ctx, peek.ServiceRequestID); err != nil {
			return err
		}
		if offer, err = tx.GetOfferForUpdate(ctx, offerID); err != nil {
			return err
		}
		return fn(tx, req, offer, s.now().UTC())
	})
	if err != nil {
		return nil, nil, err
	}
	return req, offer, nil
}

func (s *Service) moveOffer(ctx context.Context, tx ledger.Tx, offer *domain.ServiceOffer, ev domain.OfferEvent, now time.Time) error {
	next, err := domain.NextOfferStatus(offer.Status, ev)
	if err != nil {
		return fmt.Errorf("%w: offer is %s", domain.ErrInvalidState, offer.Status)
	}
	offer.Status = next
	offer.UpdatedAt = now
	return tx.UpdateOffer(ctx, offer)
}

func nonNil(items []*domain.ServiceOffer) []*domain.ServiceOffer {
	if items == nil {
		return []*domain.ServiceOffer{}
	}
	return items
}
