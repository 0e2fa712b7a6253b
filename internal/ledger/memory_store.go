package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/careline/internal/domain"
)

// MemoryStore is an in-memory Store for development and tests.
// Transactions take the store-wide lock and roll back by restoring a
// snapshot of the maps, so every stored entity is replaced on write and
// never mutated in place.
type MemoryStore struct {
	mu sync.RWMutex
	memoryState
}

type memoryState struct {
	requests      map[int64]*domain.ServiceRequest
	offers        map[int64]*domain.ServiceOffer
	payments      map[int64]*domain.PaymentReference
	notifications map[int64]*domain.Notification
	nextRequest   int64
	nextOffer     int64
	nextPayment   int64
	nextNotice    int64
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{memoryState: memoryState{
		requests:      make(map[int64]*domain.ServiceRequest),
		offers:        make(map[int64]*domain.ServiceOffer),
		payments:      make(map[int64]*domain.PaymentReference),
		notifications: make(map[int64]*domain.Notification),
	}}
}

func (m *memoryState) snapshot() memoryState {
	s := *m
	s.requests = make(map[int64]*domain.ServiceRequest, len(m.requests))
	for k, v := range m.requests {
		s.requests[k] = v
	}
	s.offers = make(map[int64]*domain.ServiceOffer, len(m.offers))
	for k, v := range m.offers {
		s.offers[k] = v
	}
	s.payments = make(map[int64]*domain.PaymentReference, len(m.payments))
	for k, v := range m.payments {
		s.payments[k] = v
	}
	s.notifications = make(map[int64]*domain.Notification, len(m.notifications))
	for k, v := range m.notifications {
		s.notifications[k] = v
	}
	return s
}

func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.memoryState.snapshot()
	if err := fn(&memoryTx{st: &m.memoryState}); err != nil {
		m.memoryState = snap
		return err
	}
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) GetRequest(ctx context.Context, id int64) (*domain.ServiceRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListOpenRequests(ctx context.Context, f RequestFilter) ([]*domain.ServiceRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.ServiceRequest
	for _, r := range m.requests {
		if r.Status != domain.RequestOpen {
			continue
		}
		if f.Category != "" && r.Category != f.Category {
			continue
		}
		if f.BeforeID > 0 && r.ID >= f.BeforeID {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return limitDesc(out, f.Limit, func(r *domain.ServiceRequest) int64 { return r.ID }), nil
}

func (m *MemoryStore) ListRequestsByClient(ctx context.Context, clientID, beforeID int64, limit int) ([]*domain.ServiceRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.ServiceRequest
	for _, r := range m.requests {
		if r.ClientID != clientID || (beforeID > 0 && r.ID >= beforeID) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return limitDesc(out, limit, func(r *domain.ServiceRequest) int64 { return r.ID }), nil
}

func (m *MemoryStore) GetOffer(ctx context.Context, id int64) (*domain.ServiceOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offers[id]
	if !ok {
		return nil, ErrOfferNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) ListOffersByRequest(ctx context.Context, requestID int64) ([]*domain.ServiceOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.ServiceOffer
	for _, o := range m.offers {
		if o.ServiceRequestID == requestID {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ListOffersByProfessional(ctx context.Context, professionalID, beforeID int64, limit int) ([]*domain.ServiceOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.ServiceOffer
	for _, o := range m.offers {
		if o.ProfessionalID != professionalID || (beforeID > 0 && o.ID >= beforeID) {
			continue
		}
		cp := *o
		out = append(out, &cp)
	}
	return limitDesc(out, limit, func(o *domain.ServiceOffer) int64 { return o.ID }), nil
}

func (m *MemoryStore) GetPayment(ctx context.Context, id int64) (*domain.PaymentReference, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) GetPaymentByExternalRef(ctx context.Context, ref string) (*domain.PaymentReference, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paymentByRef(ref)
}

func (m *MemoryStore) ListPaymentsByOffer(ctx context.Context, offerID int64) ([]*domain.PaymentReference, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paymentsByOffer(offerID), nil
}

func (m *MemoryStore) ListStalePayments(ctx context.Context, before time.Time, afterID int64, limit int) ([]*domain.PaymentReference, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.PaymentReference
	for _, p := range m.payments {
		if p.ID <= afterID || p.IsTerminal() || !p.CreatedAt.Before(before) {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CreateNotification(ctx context.Context, n *domain.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertNotification(n)
	return nil
}

func (m *MemoryStore) ListNotifications(ctx context.Context, userID int64, unreadOnly bool, beforeID int64, limit int) ([]*domain.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Notification
	for _, n := range m.notifications {
		if n.UserID != userID || (unreadOnly && n.Read) || (beforeID > 0 && n.ID >= beforeID) {
			continue
		}
		cp := *n
		out = append(out, &cp)
	}
	return limitDesc(out, limit, func(n *domain.Notification) int64 { return n.ID }), nil
}

func (m *MemoryStore) MarkNotificationRead(ctx context.Context, id, userID int64, at time.Time) (*domain.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok || n.UserID != userID {
		return nil, ErrNotificationNotFound
	}
	cp := *n
	if !cp.Read {
		cp.Read = true
		cp.ReadAt = &at
		m.notifications[id] = &cp
	}
	out := cp
	return &out, nil
}

func (m *memoryState) paymentByRef(ref string) (*domain.PaymentReference, error) {
	for _, p := range m.payments {
		if p.ExternalReference == ref {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (m *memoryState) paymentsByOffer(offerID int64) []*domain.PaymentReference {
	var out []*domain.PaymentReference
	for _, p := range m.payments {
		if p.ServiceOfferID == offerID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memoryState) insertNotification(n *domain.Notification) {
	m.nextNotice++
	n.ID = m.nextNotice
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	cp := *n
	m.notifications[n.ID] = &cp
}

// memoryTx operates on the locked state. WithTx holds the write lock.
type memoryTx struct {
	st *memoryState
}

func (t *memoryTx) CreateRequest(ctx context.Context, r *domain.ServiceRequest) error {
	t.st.nextRequest++
	r.ID = t.st.nextRequest
	cp := *r
	t.st.requests[r.ID] = &cp
	return nil
}

func (t *memoryTx) GetRequestForUpdate(ctx context.Context, id int64) (*domain.ServiceRequest, error) {
	r, ok := t.st.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	cp := *r
	return &cp, nil
}

func (t *memoryTx) UpdateRequestStatus(ctx context.Context, id int64, status domain.RequestStatus, at time.Time) error {
	r, ok := t.st.requests[id]
	if !ok {
		return ErrRequestNotFound
	}
	cp := *r
	cp.Status = status
	cp.UpdatedAt = at
	t.st.requests[id] = &cp
	return nil
}

func (t *memoryTx) IncrementResponses(ctx context.Context, requestID int64) error {
	r, ok := t.st.requests[requestID]
	if !ok {
		return ErrRequestNotFound
	}
	cp := *r
	cp.Responses++
	t.st.requests[requestID] = &cp
	return nil
}

func (t *memoryTx) CreateOffer(ctx context.Context, o *domain.ServiceOffer) error {
	if _, ok := t.st.requests[o.ServiceRequestID]; !ok {
		return ErrRequestNotFound
	}
	t.st.nextOffer++
	o.ID = t.st.nextOffer
	cp := *o
	t.st.offers[o.ID] = &cp
	return nil
}

func (t *memoryTx) GetOfferForUpdate(ctx context.Context, id int64) (*domain.ServiceOffer, error) {
	o, ok := t.st.offers[id]
	if !ok {
		return nil, ErrOfferNotFound
	}
	cp := *o
	return &cp, nil
}

func (t *memoryTx) UpdateOffer(ctx context.Context, o *domain.ServiceOffer) error {
	if _, ok := t.st.offers[o.ID]; !ok {
		return ErrOfferNotFound
	}
	if holdsAcceptance(o.Status) {
		for _, other := range t.st.offers {
			if other.ID != o.ID && other.ServiceRequestID == o.ServiceRequestID && holdsAcceptance(other.Status) {
				return ErrOfferAlreadyAccepted
			}
		}
	}
	cp := *o
	t.st.offers[o.ID] = &cp
	return nil
}

func (t *memoryTx) CreatePayment(ctx context.Context, p *domain.PaymentReference) error {
	if _, err := t.st.paymentByRef(p.ExternalReference); err == nil {
		return ErrDuplicateReference
	}
	t.st.nextPayment++
	p.ID = t.st.nextPayment
	cp := *p
	t.st.payments[p.ID] = &cp
	return nil
}

func (t *memoryTx) GetPaymentByExternalRefForUpdate(ctx context.Context, ref string) (*domain.PaymentReference, error) {
	return t.st.paymentByRef(ref)
}

func (t *memoryTx) ListPaymentsByOffer(ctx context.Context, offerID int64) ([]*domain.PaymentReference, error) {
	return t.st.paymentsByOffer(offerID), nil
}

func (t *memoryTx) UpdatePayment(ctx context.Context, p *domain.PaymentReference) error {
	if _, ok := t.st.payments[p.ID]; !ok {
		return ErrPaymentNotFound
	}
	cp := *p
	t.st.payments[p.ID] = &cp
	return nil
}

// limitDesc sorts by id descending and trims to limit (0 = no limit).
func limitDesc[T any](items []T, limit int, idOf func(T) int64) []T {
	sort.Slice(items, func(i, j int) bool { return idOf(items[i]) > idOf(items[j]) })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

var _ Store = (*MemoryStore)(nil)
