// Package requests manages service requests: clients open them, professionals
// browse the open ones, and clients may cancel while no offer is accepted.
package requests

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/careline/internal/domain"
	"github.com/mbd888/careline/internal/ledger"
	"github.com/mbd888/careline/internal/logging"
	"github.com/mbd888/careline/internal/metrics"
	"github.com/mbd888/careline/internal/money"
	"github.com/mbd888/careline/internal/pagination"
	"github.com/mbd888/careline/internal/validation"
)

// CreateInput is the client-supplied part of a new request.
type CreateInput struct {
	Category      string `json:"category"`
	Description   string `json:"description"`
	Address       string `json:"address"`
	ScheduledDate string `json:"scheduledDate"`
	ScheduledTime string `json:"scheduledTime"`
	NumberOfDays  int    `json:"numberOfDays"`
	DailyRate     string `json:"dailyRate"`
	Budget        string `json:"budget"`
}

// Page is one page of requests, newest first.
type Page struct {
	Requests   []*domain.ServiceRequest `json:"serviceRequests"`
	NextCursor string                   `json:"nextCursor,omitempty"`
	HasMore    bool                     `json:"hasMore"`
}

// Service implements the request manager.
type Service struct {
	store ledger.Store
	now   func() time.Time
}

// NewService creates a request service.
func NewService(store ledger.Store) *Service {
	return &Service{store: store, now: time.Now}
}

// Create opens a new request owned by clientID.
func (s *Service) Create(ctx context.Context, clientID int64, in CreateInput) (*domain.ServiceRequest, error) {
	category := domain.Category(strings.ToLower(strings.TrimSpace(in.Category)))
	if err := validation.Validate(
		validation.Required("category", in.Category),
		validation.Required("address", in.Address),
		validation.Required("scheduledDate", in.ScheduledDate),
		validation.Required("scheduledTime", in.ScheduledTime),
		validation.ValidCategory("category", category),
		validation.ValidDate("scheduledDate", in.ScheduledDate),
		validation.ValidClock("scheduledTime", in.ScheduledTime),
		validation.NonNegative("numberOfDays", in.NumberOfDays),
		validation.MaxLength("description", in.Description, validation.MaxStringLength),
		validation.MaxLength("address", in.Address, validation.MaxStringLength),
	).Err(); err != nil {
		return nil, err
	}

	dailyRate, ok := money.Parse(in.DailyRate)
	if !ok {
		return nil, validation.ValidationErrors{{Field: "dailyRate", Message: "invalid amount format"}}
	}
	budget, ok := money.Parse(in.Budget)
	if !ok {
		return nil, validation.ValidationErrors{{Field: "budget", Message: "invalid amount format"}}
	}

	now := s.now().UTC()
	req := &domain.ServiceRequest{
		ClientID:      clientID,
		Category:      category,
		Description:   validation.SanitizeString(in.Description, validation.MaxStringLength),
		Address:       validation.SanitizeString(in.Address, validation.MaxStringLength),
		ScheduledDate: in.ScheduledDate,
		ScheduledTime: in.ScheduledTime,
		NumberOfDays:  in.NumberOfDays,
		DailyRate:     dailyRate,
		Budget:        Budget(in.NumberOfDays, dailyRate, budget),
		Status:        domain.RequestOpen,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.store.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.CreateRequest(ctx, req)
	}); err != nil {
		return nil, fmt.Errorf("create service request: %w", err)
	}

	metrics.RequestTransitionsTotal.WithLabelValues(string(domain.RequestOpen)).Inc()
	logging.L(ctx).Info("service request created",
		"service_request_id", req.ID, "category", req.Category, "budget", money.Format(req.Budget))
	return req, nil
}

// Budget derives the request budget: days × daily rate when both are set,
// otherwise the budget the client supplied.
func Budget(days int, dailyRate, supplied decimal.Decimal) decimal.Decimal {
	if days > 0 && dailyRate.IsPositive() {
		return money.Round(dailyRate.Mul(decimal.NewFromInt(int64(days))))
	}
	return money.Round(supplied)
}

// Cancel withdraws an open request. Only the owning client may cancel, and
// only while the request is open.
func (s *Service) Cancel(ctx context.Context, requestID, callerID int64) (*domain.ServiceRequest, error) {
	var out *domain.ServiceRequest
	err := s.store.WithTx(ctx, func(tx ledger.Tx) error {
		req, err := tx.GetRequestForUpdate(ctx, requestID)
		if err != nil {
			return err
		}
		if req.ClientID != callerID {
			return fmt.Errorf("%w: only the requesting client may cancel", domain.ErrForbidden)
		}
		next, err := domain.NextRequestStatus(req.Status, domain.RequestEventCancel)
		if err != nil {
			return fmt.Errorf("%w: request is %s and can no longer be cancelled", domain.ErrForbidden, req.Status)
		}

		now := s.now().UTC()
		if err := tx.UpdateRequestStatus(ctx, req.ID, next, now); err != nil {
			return err
		}
		req.Status = next
		req.UpdatedAt = now
		out = req
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.RequestTransitionsTotal.WithLabelValues(string(domain.RequestCancelled)).Inc()
	logging.L(ctx).Info("service request cancelled", "service_request_id", requestID)
	return out, nil
}

// Get returns one request.
func (s *Service) Get(ctx context.Context, id int64) (*domain.ServiceRequest, error) {
	return s.store.GetRequest(ctx, id)
}

// ListOpen is what professionals browse: open requests, optionally by category.
func (s *Service) ListOpen(ctx context.Context, category domain.Category, cursor *pagination.Cursor, limit int) (*Page, error) {
	items, err := s.store.ListOpenRequests(ctx, ledger.RequestFilter{
		Category: category,
		BeforeID: cursor.Bound(),
		Limit:    limit + 1,
	})
	if err != nil {
		return nil, err
	}
	return page(items, limit), nil
}

// ListMine returns every request clientID opened, in any status.
func (s *Service) ListMine(ctx context.Context, clientID int64, cursor *pagination.Cursor, limit int) (*Page, error) {
	items, err := s.store.ListRequestsByClient(ctx, clientID, cursor.Bound(), limit+1)
	if err != nil {
		return nil, err
	}
	return page(items, limit), nil
}

func page(items []*domain.ServiceRequest, limit int) *Page {
	items, next, more := pagination.ComputePage(items, limit, func(r *domain.ServiceRequest) int64 { return r.ID })
	if items == nil {
		items = []*domain.ServiceRequest{}
	}
	return &Page{Requests: items, NextCursor: next, HasMore: more}
}
