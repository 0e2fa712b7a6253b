package notifications

import (
	"context"
	"time"

	"github.com/mbd888/careline/internal/domain"
	"github.com/mbd888/careline/internal/pagination"
)

// Store is the subset of the ledger the notification inbox reads.
type Store interface {
	Sink
	ListNotifications(ctx context.Context, userID int64, unreadOnly bool, beforeID int64, limit int) ([]*domain.Notification, error)
	MarkNotificationRead(ctx context.Context, id, userID int64, at time.Time) (*domain.Notification, error)
}

// Service is a user's notification inbox.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService creates a notification inbox service.
func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// Page is one page of a user's notifications, newest first.
type Page struct {
	Notifications []*domain.Notification `json:"notifications"`
	NextCursor    string                 `json:"nextCursor,omitempty"`
	HasMore       bool                   `json:"hasMore"`
}

// List returns userID's notifications after cursor.
func (s *Service) List(ctx context.Context, userID int64, unreadOnly bool, cursor *pagination.Cursor, limit int) (*Page, error) {
	items, err := s.store.ListNotifications(ctx, userID, unreadOnly, cursor.Bound(), limit+1)
	if err != nil {
		return nil, err
	}
	items, next, more := pagination.ComputePage(items, limit, func(n *domain.Notification) int64 { return n.ID })
	if items == nil {
		items = []*domain.Notification{}
	}
	return &Page{Notifications: items, NextCursor: next, HasMore: more}, nil
}

// MarkRead flags a notification as read. Only the recipient may do this;
// anyone else gets not found.
func (s *Service) MarkRead(ctx context.Context, id, userID int64) (*domain.Notification, error) {
	return s.store.MarkNotificationRead(ctx, id, userID, s.now().UTC())
}
