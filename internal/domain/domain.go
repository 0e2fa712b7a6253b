// Package domain holds the entities of the service transaction lifecycle.
//
// Flow:
//  1. Client opens a ServiceRequest
//  2. Professionals bid with ServiceOffers
//  3. Client accepts one offer → request assigned
//  4. Professional marks the service complete → awaiting confirmation
//  5. Client authorizes payment → PaymentReference pending at the processor
//  6. Processor webhook confirms capture → offer paid, request completed
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RequestStatus is the state of a ServiceRequest.
type RequestStatus string

const (
	RequestOpen                 RequestStatus = "open"                  // Accepting offers
	RequestAssigned             RequestStatus = "assigned"              // One offer accepted
	RequestAwaitingConfirmation RequestStatus = "awaiting_confirmation" // Professional marked done
	RequestCompleted            RequestStatus = "completed"             // Payment captured
	RequestCancelled            RequestStatus = "cancelled"             // Client withdrew while open
)

// OfferStatus is the state of a ServiceOffer.
type OfferStatus string

const (
	OfferPending   OfferStatus = "pending"
	OfferAccepted  OfferStatus = "accepted"
	OfferRejected  OfferStatus = "rejected"
	OfferWithdrawn OfferStatus = "withdrawn"
	OfferCompleted OfferStatus = "completed"
	OfferPaid      OfferStatus = "paid"
)

// PaymentStatus is the state of a PaymentReference.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"    // Authorization created, awaiting processor
	PaymentProcessing PaymentStatus = "processing" // Processor acknowledged
	PaymentApproved   PaymentStatus = "approved"   // Capture confirmed
	PaymentRejected   PaymentStatus = "rejected"   // Authorization failed
)

// ServiceRequest is a client's need for a professional.
type ServiceRequest struct {
	ID            int64           `json:"id"`
	ClientID      int64           `json:"clientId"`
	Category      Category        `json:"category"`
	Description   string          `json:"description"`
	Address       string          `json:"address"`
	ScheduledDate string          `json:"scheduledDate"`
	ScheduledTime string          `json:"scheduledTime"`
	NumberOfDays  int             `json:"numberOfDays"`
	DailyRate     decimal.Decimal `json:"dailyRate"`
	Budget        decimal.Decimal `json:"budget"`
	Responses     int             `json:"responses"`
	Status        RequestStatus   `json:"status"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// IsTerminal returns true if the request can no longer change.
func (r *ServiceRequest) IsTerminal() bool {
	return r.Status == RequestCompleted || r.Status == RequestCancelled
}

// ServiceOffer is a professional's bid against exactly one request.
type ServiceOffer struct {
	ID               int64            `json:"id"`
	ServiceRequestID int64            `json:"serviceRequestId"`
	ProfessionalID   int64            `json:"professionalId"`
	ProposedPrice    decimal.Decimal  `json:"proposedPrice"`
	FinalPrice       *decimal.Decimal `json:"finalPrice,omitempty"`
	EstimatedTime    string           `json:"estimatedTime,omitempty"`
	Message          string           `json:"message,omitempty"`
	CompletionNotes  string           `json:"completionNotes,omitempty"`
	Status           OfferStatus      `json:"status"`
	CompletedAt      *time.Time       `json:"completedAt,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// Price returns the amount that governs payment: the price frozen at
// acceptance if any, otherwise the proposed price.
func (o *ServiceOffer) Price() decimal.Decimal {
	if o.FinalPrice != nil {
		return *o.FinalPrice
	}
	return o.ProposedPrice
}

// IsTerminal returns true if the offer can no longer change.
func (o *ServiceOffer) IsTerminal() bool {
	switch o.Status {
	case OfferRejected, OfferWithdrawn, OfferPaid:
		return true
	}
	return false
}

// PaymentReference ties a processor authorization to an accepted offer.
type PaymentReference struct {
	ID                int64           `json:"id"`
	ServiceRequestID  int64           `json:"serviceRequestId"`
	ServiceOfferID    int64           `json:"serviceOfferId"`
	ClientID          int64           `json:"clientId"`
	ProfessionalID    int64           `json:"professionalId"`
	Amount            decimal.Decimal `json:"amount"`
	Commission        decimal.Decimal `json:"commission"`
	ProfessionalShare decimal.Decimal `json:"professionalShare"`
	Currency          string          `json:"currency"`
	ExternalReference string          `json:"externalReference"`
	IdempotencyKey    string          `json:"-"`
	Status            PaymentStatus   `json:"status"`
	StatusDetail      string          `json:"statusDetail,omitempty"`
	ApprovedAt        *time.Time      `json:"approvedAt,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// IsTerminal returns true once the processor outcome is final.
func (p *PaymentReference) IsTerminal() bool {
	return p.Status == PaymentApproved || p.Status == PaymentRejected
}

// NotificationType identifies the state change a notification describes.
type NotificationType string

const (
	NotifyNewOffer              NotificationType = "new_offer"
	NotifyOfferAccepted         NotificationType = "offer_accepted"
	NotifyOfferRejected         NotificationType = "offer_rejected"
	NotifyServiceMarkedComplete NotificationType = "service_marked_complete"
	NotifyPaymentReceived       NotificationType = "payment_received"
	NotifyServiceCompleted      NotificationType = "service_completed"
	NotifyPaymentFailed         NotificationType = "payment_failed"
)

// Notification is a one-way message to a single user.
type Notification struct {
	ID        int64                  `json:"id"`
	UserID    int64                  `json:"userId"`
	Type      NotificationType       `json:"type"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Read      bool                   `json:"read"`
	ReadAt    *time.Time             `json:"readAt,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}
