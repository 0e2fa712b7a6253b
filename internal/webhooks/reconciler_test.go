package webhooks

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
	"github.com/mbd888/careline/internal/ledger"
	"github.com/mbd888/careline/internal/processor"
)

const (
	testSecret = "whsec_test_secret"
	testRef    = "pi_abc"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingNotifier) add(kind string) {
	r.mu.Lock()
	r.events = append(r.events, kind)
	r.mu.Unlock()
}

func (r *recordingNotifier) PaymentReceived(*domain.PaymentReference)  { r.add("payment_received") }
func (r *recordingNotifier) ServiceCompleted(*domain.PaymentReference) { r.add("service_completed") }
func (r *recordingNotifier) PaymentFailed(*domain.PaymentReference)    { r.add("payment_failed") }

func (r *recordingNotifier) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type recordingCanceller struct {
	mu   sync.Mutex
	refs []string
	err  error
}

func (c *recordingCanceller) Cancel(_ context.Context, ref string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs = append(c.refs, ref)
	return c.err
}

func (c *recordingCanceller) setErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func (c *recordingCanceller) calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.refs...)
}

type fixture struct {
	rec      *Reconciler
	store    *ledger.MemoryStore
	notifier *recordingNotifier
	req      *domain.ServiceRequest
	offer    *domain.ServiceOffer
	payment  *domain.PaymentReference
}

// newFixture seeds a request in reqStatus with an accepted offer and a
// pending payment reference.
func newFixture(t *testing.T, reqStatus domain.RequestStatus) *fixture {
	t.Helper()
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	now := time.Now().UTC()
	price := decimal.RequireFromString("200.00")

	req := &domain.ServiceRequest{ClientID: 100, Category: domain.CategoryNursing, Status: reqStatus, CreatedAt: now, UpdatedAt: now}
	offer := &domain.ServiceOffer{ProfessionalID: 200, ProposedPrice: price, FinalPrice: &price, Status: domain.OfferAccepted, CreatedAt: now, UpdatedAt: now}
	pay := &domain.PaymentReference{
		ClientID: 100, ProfessionalID: 200,
		Amount:            price,
		Commission:        decimal.RequireFromString("10.00"),
		ProfessionalShare: decimal.RequireFromString("190.00"),
		Currency:          "usd",
		ExternalReference: testRef,
		IdempotencyKey:    "offer-1-attempt-1",
		Status:            domain.PaymentPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	require.NoError(t, store.WithTx(ctx, func(tx ledger.Tx) error {
		if err := tx.CreateRequest(ctx, req); err != nil {
			return err
		}
		offer.ServiceRequestID = req.ID
		if err := tx.CreateOffer(ctx, offer); err != nil {
			return err
		}
		pay.ServiceRequestID, pay.ServiceOfferID = req.ID, offer.ID
		return tx.CreatePayment(ctx, pay)
	}))

	n := &recordingNotifier{}
	rec := NewReconciler(store, processor.NewWebhookVerifier(testSecret), NewMemoryEventLog(time.Hour), n)
	return &fixture{rec: rec, store: store, notifier: n, req: req, offer: offer, payment: pay}
}

func (f *fixture) deliver(t *testing.T, eventID, eventType, failure string) error {
	t.Helper()
	body := processor.EventPayload(eventID, eventType, testRef, failure)
	return f.rec.HandleEvent(context.Background(), body, processor.SignPayload(testSecret, body))
}

func (f *fixture) state(t *testing.T) (domain.RequestStatus, domain.OfferStatus, *domain.PaymentReference) {
	t.Helper()
	ctx := context.Background()
	req, err := f.store.GetRequest(ctx, f.req.ID)
	require.NoError(t, err)
	offer, err := f.store.GetOffer(ctx, f.offer.ID)
	require.NoError(t, err)
	p, err := f.store.GetPayment(ctx, f.payment.ID)
	require.NoError(t, err)
	return req.Status, offer.Status, p
}

func TestHandleEvent_FailedLeavesServiceUntouched(t *testing.T) {
	f := newFixture(t, domain.RequestAwaitingConfirmation)

	require.NoError(t, f.deliver(t, "evt_1", "payment_intent.payment_failed", "Your card was declined."))

	reqStatus, offerStatus, p := f.state(t)
	assert.Equal(t, domain.PaymentRejected, p.Status)
	assert.Equal(t, "Your card was declined.", p.StatusDetail)
	assert.Equal(t, domain.OfferAccepted, offerStatus)
	assert.Equal(t, domain.RequestAwaitingConfirmation, reqStatus)
	assert.Equal(t, []string{"payment_failed"}, f.notifier.all())
}

func TestHandleEvent_SucceededCompletesService(t *testing.T) {
	f := newFixture(t, domain.RequestAwaitingConfirmation)

	require.NoError(t, f.deliver(t, "evt_1", "payment_intent.succeeded", ""))

	reqStatus, offerStatus, p := f.state(t)
	assert.Equal(t, domain.PaymentApproved, p.Status)
	assert.NotNil(t, p.ApprovedAt)
	assert.Equal(t, domain.OfferPaid, offerStatus)
	assert.Equal(t, domain.RequestCompleted, reqStatus)
	assert.ElementsMatch(t, []string{"payment_received", "service_completed"}, f.notifier.all())
}

func TestHandleEvent_SucceededReplayIsIdempotent(t *testing.T) {
	f := newFixture(t, domain.RequestAwaitingConfirmation)

	require.NoError(t, f.deliver(t, "evt_1", "payment_intent.succeeded", ""))
	require.NoError(t, f.deliver(t, "evt_1", "payment_intent.succeeded", ""))
	// same outcome reported under a different event ID
	require.NoError(t, f.deliver(t, "evt_2", "payment_intent.amount_capturable_updated", ""))

	reqStatus, offerStatus, p := f.state(t)
	assert.Equal(t, domain.PaymentApproved, p.Status)
	assert.Equal(t, domain.OfferPaid, offerStatus)
	assert.Equal(t, domain.RequestCompleted, reqStatus)
	assert.Len(t, f.notifier.all(), 2)
}

func TestHandleEvent_SucceededFromAssigned(t *testing.T) {
	f := newFixture(t, domain.RequestAssigned)

	require.NoError(t, f.deliver(t, "evt_1", "payment_intent.succeeded", ""))

	reqStatus, offerStatus, _ := f.state(t)
	assert.Equal(t, domain.RequestCompleted, reqStatus)
	assert.Equal(t, domain.OfferPaid, offerStatus)
}

func TestHandleEvent_SucceededAfterRejectedNotApplied(t *testing.T) {
	f := newFixture(t, domain.RequestAwaitingConfirmation)

	require.NoError(t, f.deliver(t, "evt_1", "payment_intent.payment_failed", "declined"))
	require.NoError(t, f.deliver(t, "evt_2", "payment_intent.succeeded", ""))

	reqStatus, offerStatus, p := f.state(t)
	assert.Equal(t, domain.PaymentRejected, p.Status)
	assert.Equal(t, domain.OfferAccepted, offerStatus)
	assert.Equal(t, domain.RequestAwaitingConfirmation, reqStatus)
	assert.Equal(t, []string{"payment_failed"}, f.notifier.all())
}

func TestHandleEvent_FailedCancelsProcessorPayment(t *testing.T) {
	f := newFixture(t, domain.RequestAwaitingConfirmation)
	canceller := &recordingCanceller{}
	f.rec.SetCanceller(canceller)

	require.NoError(t, f.deliver(t, "evt_1", "payment_intent.payment_failed", "declined"))
	assert.Equal(t, []string{testRef}, canceller.calls())

	// the cancel itself is reported back as a canceled event
	require.NoError(t, f.deliver(t, "evt_2", "payment_intent.canceled", ""))
	assert.Len(t, canceller.calls(), 2)

	require.NoError(t, f.deliver(t, "evt_3", "payment_intent.succeeded", ""))
	assert.Len(t, canceller.calls(), 2)
	_, _, p := f.state(t)
	assert.Equal(t, domain.PaymentRejected, p.Status)
	assert.Equal(t, []string{"payment_failed"}, f.notifier.all())
}

func TestHandleEvent_FailedCancelRetriedOnRedelivery(t *testing.T) {
	f := newFixture(t, domain.RequestAwaitingConfirmation)
	canceller := &recordingCanceller{err: errors.New("connection reset")}
	f.rec.SetCanceller(canceller)

	err := f.deliver(t, "evt_1", "payment_intent.payment_failed", "declined")
	require.Error(t, err)
	_, _, p := f.state(t)
	assert.Equal(t, domain.PaymentRejected, p.Status)

	canceller.setErr(nil)
	require.NoError(t, f.deliver(t, "evt_1", "payment_intent.payment_failed", "declined"))
	assert.Equal(t, []string{testRef, testRef}, canceller.calls())
	assert.Equal(t, []string{"payment_failed"}, f.notifier.all())

	// recorded now, so a third delivery is short-circuited
	require.NoError(t, f.deliver(t, "evt_1", "payment_intent.payment_failed", "declined"))
	assert.Len(t, canceller.calls(), 2)
}

func TestHandleEvent_FailedAfterCaptureIsAcknowledged(t *testing.T) {
	f := newFixture(t, domain.RequestAwaitingConfirmation)
	f.rec.SetCanceller(&recordingCanceller{err: processor.ErrNotCancelable})

	require.NoError(t, f.deliver(t, "evt_1", "payment_intent.payment_failed", "declined"))
	_, _, p := f.state(t)
	assert.Equal(t, domain.PaymentRejected, p.Status)
}

func TestHandleEvent_Processing(t *testing.T) {
	f := newFixture(t, domain.RequestAwaitingConfirmation)

	require.NoError(t, f.deliver(t, "evt_1", "payment_intent.processing", ""))
	_, _, p := f.state(t)
	assert.Equal(t, domain.PaymentProcessing, p.Status)
	assert.Empty(t, f.notifier.all())

	require.NoError(t, f.deliver(t, "evt_2", "payment_intent.succeeded", ""))
	require.NoError(t, f.deliver(t, "evt_3", "payment_intent.processing", ""))
	_, _, p = f.state(t)
	assert.Equal(t, domain.PaymentApproved, p.Status)
}

func TestHandleEvent_AcknowledgesWithoutMutation(t *testing.T) {
	f := newFixture(t, domain.RequestAwaitingConfirmation)

	require.NoError(t, f.deliver(t, "evt_1", "customer.created", ""))

	body := processor.EventPayload("evt_2", "payment_intent.succeeded", "pi_unknown", "")
	require.NoError(t, f.rec.HandleEvent(context.Background(), body, processor.SignPayload(testSecret, body)))

	_, _, p := f.state(t)
	assert.Equal(t, domain.PaymentPending, p.Status)
	assert.Empty(t, f.notifier.all())
}

func TestHandleEvent_InvalidSignature(t *testing.T) {
	f := newFixture(t, domain.RequestAwaitingConfirmation)
	body := processor.EventPayload("evt_1", "payment_intent.succeeded", testRef, "")

	err := f.rec.HandleEvent(context.Background(), body, processor.SignPayload("whsec_wrong", body))
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)

	_, _, p := f.state(t)
	assert.Equal(t, domain.PaymentPending, p.Status)
}

type failingTxStore struct {
	ledger.Store
}

func (failingTxStore) WithTx(context.Context, func(ledger.Tx) error) error {
	return errors.New("connection refused")
}

func TestHandleEvent_StorageFailureIsRetryable(t *testing.T) {
	f := newFixture(t, domain.RequestAwaitingConfirmation)
	events := NewMemoryEventLog(time.Hour)
	broken := NewReconciler(failingTxStore{f.store}, processor.NewWebhookVerifier(testSecret), events, f.notifier)

	body := processor.EventPayload("evt_1", "payment_intent.succeeded", testRef, "")
	err := broken.HandleEvent(context.Background(), body, processor.SignPayload(testSecret, body))
	require.Error(t, err)

	seen, err := events.Seen(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.False(t, seen, "failed event must stay unrecorded so redelivery is processed")
}

func TestApply_MissingReference(t *testing.T) {
	f := newFixture(t, domain.RequestAwaitingConfirmation)
	err := f.rec.Apply(context.Background(), &processor.Event{Kind: processor.EventSucceeded})
	assert.NoError(t, err)
}

func TestMemoryEventLog_Expires(t *testing.T) {
	log := NewMemoryEventLog(time.Minute)
	now := time.Now()
	log.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, log.Record(ctx, "evt_1"))
	seen, err := log.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, seen)

	now = now.Add(2 * time.Minute)
	seen, err = log.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)
}
