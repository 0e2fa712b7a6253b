//go:build integration

package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/careline/internal/domain"
	"github.com/mbd888/careline/internal/testutil"
)

func setupTestDB(t *testing.T) *PostgresStore {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	return NewPostgresStore(db)
}

func seedPayment(t *testing.T, s Store, r *domain.ServiceRequest, o *domain.ServiceOffer, ref string, created time.Time) *domain.PaymentReference {
	t.Helper()
	p := &domain.PaymentReference{
		ServiceRequestID:  r.ID,
		ServiceOfferID:    o.ID,
		ClientID:          r.ClientID,
		ProfessionalID:    o.ProfessionalID,
		Amount:            decimal.RequireFromString("200.00"),
		Commission:        decimal.RequireFromString("10.00"),
		ProfessionalShare: decimal.RequireFromString("190.00"),
		Currency:          "usd",
		ExternalReference: ref,
		IdempotencyKey:    "offer-1-attempt-1",
		Status:            domain.PaymentPending,
		CreatedAt:         created,
		UpdatedAt:         created,
	}
	require.NoError(t, s.WithTx(context.Background(), func(tx Tx) error {
		return tx.CreatePayment(context.Background(), p)
	}))
	return p
}

func TestPostgres_CreateAndGetRequest(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	r := seedRequest(t, s)
	require.NotZero(t, r.ID)

	got, err := s.GetRequest(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestOpen, got.Status)
	assert.Equal(t, domain.CategoryNursing, got.Category)
	assert.Equal(t, "2026-11-02", got.ScheduledDate)
	assert.True(t, got.Budget.Equal(decimal.RequireFromString("450")))

	_, err = s.GetRequest(ctx, r.ID+1000)
	assert.ErrorIs(t, err, ErrRequestNotFound)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestPostgres_RollbackOnError(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	r := seedRequest(t, s)
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx Tx) error {
		if err := tx.UpdateRequestStatus(ctx, r.ID, domain.RequestCancelled, time.Now()); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.GetRequest(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestOpen, got.Status)
}

func TestPostgres_IncrementResponsesConcurrent(t *testing.T) {
	s := setupTestDB(t)
	r := seedRequest(t, s)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.WithTx(context.Background(), func(tx Tx) error {
				return tx.IncrementResponses(context.Background(), r.ID)
			}))
		}()
	}
	wg.Wait()

	got, err := s.GetRequest(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, 20, got.Responses)
}

func TestPostgres_OneAcceptedOfferPerRequest(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	r := seedRequest(t, s)
	a := seedOffer(t, s, r.ID, 10)
	b := seedOffer(t, s, r.ID, 11)

	price := a.ProposedPrice
	a.Status = domain.OfferAccepted
	a.FinalPrice = &price
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		return tx.UpdateOffer(ctx, a)
	}))

	b.Status = domain.OfferAccepted
	err := s.WithTx(ctx, func(tx Tx) error {
		return tx.UpdateOffer(ctx, b)
	})
	assert.ErrorIs(t, err, ErrOfferAlreadyAccepted)
	assert.True(t, errors.Is(err, domain.ErrInvalidState))

	got, err := s.GetOffer(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, got.FinalPrice)
	assert.True(t, got.FinalPrice.Equal(decimal.RequireFromString("200")))
}

func TestPostgres_CreateOfferUnknownRequest(t *testing.T) {
	s := setupTestDB(t)
	now := time.Now().UTC()
	err := s.WithTx(context.Background(), func(tx Tx) error {
		return tx.CreateOffer(context.Background(), &domain.ServiceOffer{
			ServiceRequestID: 424242,
			ProfessionalID:   10,
			ProposedPrice:    decimal.RequireFromString("10.00"),
			Status:           domain.OfferPending,
			CreatedAt:        now,
			UpdatedAt:        now,
		})
	})
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

func TestPostgres_ConcurrentRowLocks(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	r := seedRequest(t, s)

	// every writer reads the status under lock; only the first sees it open
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithTx(ctx, func(tx Tx) error {
				req, err := tx.GetRequestForUpdate(ctx, r.ID)
				if err != nil {
					return err
				}
				if req.Status != domain.RequestOpen {
					return domain.ErrInvalidState
				}
				return tx.UpdateRequestStatus(ctx, r.ID, domain.RequestAssigned, time.Now())
			})
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestPostgres_Payments(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	r := seedRequest(t, s)
	o := seedOffer(t, s, r.ID, 10)

	p := seedPayment(t, s, r, o, "pi_pg_1", time.Now().Add(-time.Hour).UTC())

	dup := *p
	err := s.WithTx(ctx, func(tx Tx) error {
		return tx.CreatePayment(ctx, &dup)
	})
	assert.ErrorIs(t, err, ErrDuplicateReference)

	got, err := s.GetPaymentByExternalRef(ctx, "pi_pg_1")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.True(t, got.Amount.Equal(got.Commission.Add(got.ProfessionalShare)))

	byOffer, err := s.ListPaymentsByOffer(ctx, o.ID)
	require.NoError(t, err)
	assert.Len(t, byOffer, 1)

	stale, err := s.ListStalePayments(ctx, time.Now().Add(-30*time.Minute), 0, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	stale, err = s.ListStalePayments(ctx, time.Now().Add(-30*time.Minute), p.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, stale)

	now := time.Now().UTC()
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		locked, err := tx.GetPaymentByExternalRefForUpdate(ctx, "pi_pg_1")
		if err != nil {
			return err
		}
		locked.Status = domain.PaymentApproved
		locked.ApprovedAt = &now
		locked.UpdatedAt = now
		return tx.UpdatePayment(ctx, locked)
	}))

	approved, err := s.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentApproved, approved.Status)
	assert.NotNil(t, approved.ApprovedAt)

	stale, err = s.ListStalePayments(ctx, time.Now(), 0, 10)
	require.NoError(t, err)
	assert.Empty(t, stale)

	_, err = s.GetPaymentByExternalRef(ctx, "pi_missing")
	assert.ErrorIs(t, err, ErrPaymentNotFound)
}

func TestPostgres_Notifications(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, s.CreateNotification(ctx, &domain.Notification{
		UserID: 7, Type: domain.NotifyNewOffer, Title: "New offer", Message: "m",
		Data: map[string]interface{}{"serviceRequestId": 1},
	}))
	require.NoError(t, s.CreateNotification(ctx, &domain.Notification{UserID: 7, Type: domain.NotifyOfferAccepted, Title: "Accepted"}))
	require.NoError(t, s.CreateNotification(ctx, &domain.Notification{UserID: 8, Type: domain.NotifyNewOffer, Title: "Other"}))

	list, err := s.ListNotifications(ctx, 7, false, 0, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, domain.NotifyOfferAccepted, list[0].Type)
	assert.EqualValues(t, 1, list[1].Data["serviceRequestId"])

	_, err = s.MarkNotificationRead(ctx, list[0].ID, 8, time.Now())
	assert.ErrorIs(t, err, ErrNotificationNotFound)

	n, err := s.MarkNotificationRead(ctx, list[0].ID, 7, time.Now())
	require.NoError(t, err)
	assert.True(t, n.Read)

	unread, err := s.ListNotifications(ctx, 7, true, 0, 10)
	require.NoError(t, err)
	assert.Len(t, unread, 1)

	require.NoError(t, s.Ping(ctx))
}
