// Package ledger is the durable record of service requests, offers, payment
// references and notifications. It is the single source of truth for every
// lifecycle transition: callers read current status and write the next one
// inside WithTx, holding row locks for the duration.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/careline/internal/domain"
)

var (
	ErrRequestNotFound      = wrapNotFound("service request not found")
	ErrOfferNotFound        = wrapNotFound("service offer not found")
	ErrPaymentNotFound      = wrapNotFound("payment reference not found")
	ErrNotificationNotFound = wrapNotFound("notification not found")

	// ErrDuplicateReference is returned by CreatePayment when the processor
	// reference is already recorded.
	ErrDuplicateReference = errors.New("payment reference already exists")

	// ErrOfferAlreadyAccepted is returned when a second offer on the same
	// request would enter the accepted chain.
	ErrOfferAlreadyAccepted error = &kindError{msg: "another offer is already accepted for this request", kind: domain.ErrInvalidState}
)

// kindError carries its own message while matching a domain sentinel under errors.Is.
type kindError struct {
	msg  string
	kind error
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Unwrap() error { return e.kind }

func wrapNotFound(msg string) error { return &kindError{msg: msg, kind: domain.ErrNotFound} }

// RequestFilter narrows ListOpenRequests.
type RequestFilter struct {
	Category domain.Category // empty = all
	BeforeID int64           // 0 = first page
	Limit    int
}

// Store persists lifecycle state.
type Store interface {
	// WithTx runs fn in a single read-committed transaction. fn's writes are
	// discarded if it returns an error.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	GetRequest(ctx context.Context, id int64) (*domain.ServiceRequest, error)
	ListOpenRequests(ctx context.Context, filter RequestFilter) ([]*domain.ServiceRequest, error)
	ListRequestsByClient(ctx context.Context, clientID, beforeID int64, limit int) ([]*domain.ServiceRequest, error)

	GetOffer(ctx context.Context, id int64) (*domain.ServiceOffer, error)
	ListOffersByRequest(ctx context.Context, requestID int64) ([]*domain.ServiceOffer, error)
	ListOffersByProfessional(ctx context.Context, professionalID, beforeID int64, limit int) ([]*domain.ServiceOffer, error)

	GetPayment(ctx context.Context, id int64) (*domain.PaymentReference, error)
	GetPaymentByExternalRef(ctx context.Context, ref string) (*domain.PaymentReference, error)
	ListPaymentsByOffer(ctx context.Context, offerID int64) ([]*domain.PaymentReference, error)
	// ListStalePayments returns non-terminal references created before the
	// cutoff with an ID above afterID, in ID order.
	ListStalePayments(ctx context.Context, before time.Time, afterID int64, limit int) ([]*domain.PaymentReference, error)

	CreateNotification(ctx context.Context, n *domain.Notification) error
	ListNotifications(ctx context.Context, userID int64, unreadOnly bool, beforeID int64, limit int) ([]*domain.Notification, error)
	MarkNotificationRead(ctx context.Context, id, userID int64, at time.Time) (*domain.Notification, error)

	Ping(ctx context.Context) error
}

// Tx is the transactional view of the store. The ForUpdate reads lock the
// row until the transaction ends, so a status read through them and the
// write that follows form a compare-and-set.
type Tx interface {
	CreateRequest(ctx context.Context, r *domain.ServiceRequest) error
	GetRequestForUpdate(ctx context.Context, id int64) (*domain.ServiceRequest, error)
	UpdateRequestStatus(ctx context.Context, id int64, status domain.RequestStatus, at time.Time) error
	// IncrementResponses bumps the offer counter in place (responses = responses + 1).
	IncrementResponses(ctx context.Context, requestID int64) error

	CreateOffer(ctx context.Context, o *domain.ServiceOffer) error
	GetOfferForUpdate(ctx context.Context, id int64) (*domain.ServiceOffer, error)
	UpdateOffer(ctx context.Context, o *domain.ServiceOffer) error

	CreatePayment(ctx context.Context, p *domain.PaymentReference) error
	GetPaymentByExternalRefForUpdate(ctx context.Context, ref string) (*domain.PaymentReference, error)
	ListPaymentsByOffer(ctx context.Context, offerID int64) ([]*domain.PaymentReference, error)
	UpdatePayment(ctx context.Context, p *domain.PaymentReference) error
}

// holdsAcceptance reports whether an offer in status s counts toward the
// one-accepted-offer-per-request rule.
func holdsAcceptance(s domain.OfferStatus) bool {
	switch s {
	case domain.OfferAccepted, domain.OfferCompleted, domain.OfferPaid:
		return true
	}
	return false
}
