package processor

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/careline/internal/domain"
	"github.com/mbd888/careline/internal/retry"
)

const testSecret = "whsec_test_secret"

func TestWebhookVerifier_Kinds(t *testing.T) {
	v := NewWebhookVerifier(testSecret)

	tests := []struct {
		eventType string
		failure   string
		want      EventKind
		reason    string
	}{
		{"payment_intent.succeeded", "", EventSucceeded, ""},
		{"payment_intent.amount_capturable_updated", "", EventSucceeded, ""},
		{"payment_intent.payment_failed", "Your card was declined.", EventFailed, "Your card was declined."},
		{"payment_intent.payment_failed", "", EventFailed, "payment failed"},
		{"payment_intent.canceled", "", EventFailed, "canceled"},
		{"payment_intent.processing", "", EventProcessing, ""},
		{"charge.refunded", "", EventIgnored, ""},
	}
	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			payload := EventPayload("evt_1", tt.eventType, "pi_123", tt.failure)
			ev, err := v.Verify(payload, SignPayload(testSecret, payload))
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev.Kind)
			assert.Equal(t, "evt_1", ev.ID)
			assert.Equal(t, tt.eventType, ev.RawType)
			assert.Equal(t, tt.reason, ev.FailureReason)
			if tt.want != EventIgnored {
				assert.Equal(t, "pi_123", ev.ExternalReference)
			}
		})
	}
}

func TestWebhookVerifier_UnreadableDataIsIgnored(t *testing.T) {
	var logs bytes.Buffer
	v := NewWebhookVerifier(testSecret)
	v.SetLogger(slog.New(slog.NewTextHandler(&logs, nil)))

	tests := []struct {
		name    string
		payload string
	}{
		{"missing data", `{"id":"evt_nodata","object":"event","type":"payment_intent.succeeded","api_version":"2024-12-18.acacia"}`},
		{"bad intent", `{"id":"evt_bad","object":"event","type":"payment_intent.payment_failed","api_version":"2024-12-18.acacia","data":{"object":{"id":"pi_1","object":"payment_intent","amount":"lots"}}}`},
		{"intent without id", `{"id":"evt_noid","object":"event","type":"payment_intent.succeeded","api_version":"2024-12-18.acacia","data":{"object":{"object":"payment_intent"}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := []byte(tt.payload)
			ev, err := v.Verify(payload, SignPayload(testSecret, payload))
			require.NoError(t, err)
			assert.Equal(t, EventIgnored, ev.Kind)
			assert.Empty(t, ev.ExternalReference)
		})
	}
	assert.Contains(t, logs.String(), "ignoring processor event")
}

func TestWebhookVerifier_BadSignature(t *testing.T) {
	v := NewWebhookVerifier(testSecret)
	payload := EventPayload("evt_1", "payment_intent.succeeded", "pi_123", "")

	_, err := v.Verify(payload, SignPayload("whsec_other", payload))
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)

	_, err = v.Verify(payload, "")
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)

	header := SignPayload(testSecret, payload)
	tampered := append([]byte{}, payload...)
	tampered[len(tampered)-2] = ' '
	_, err = v.Verify(tampered, header)
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)
}

func TestStripe_Authorize(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payment_intents", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "500", r.PostForm.Get("amount"))
		assert.Equal(t, "usd", r.PostForm.Get("currency"))
		assert.Equal(t, "7", r.PostForm.Get("metadata[serviceOfferId]"))
		gotKey = r.Header.Get("Idempotency-Key")

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"pi_123","object":"payment_intent","client_secret":"pi_123_secret_abc","status":"requires_payment_method","amount":500,"currency":"usd"}`))
	}))
	defer srv.Close()

	s := NewStripe("sk_test_123", WithBaseURL(srv.URL))
	auth, err := s.Authorize(context.Background(), AuthorizationRequest{
		Amount:         decimal.RequireFromString("5.00"),
		Currency:       "usd",
		IdempotencyKey: "offer-7-attempt-1",
		Metadata:       map[string]string{"serviceOfferId": "7"},
	})
	require.NoError(t, err)
	assert.Equal(t, "pi_123", auth.ExternalReference)
	assert.Equal(t, "pi_123_secret_abc", auth.ClientSecret)
	assert.Equal(t, "offer-7-attempt-1", gotKey)
}

func TestStripe_AuthorizeErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		permanent bool
	}{
		{"card declined", http.StatusPaymentRequired, `{"error":{"type":"card_error","message":"Your card was declined."}}`, true},
		{"bad request", http.StatusBadRequest, `{"error":{"type":"invalid_request_error","message":"Invalid currency"}}`, true},
		{"server error", http.StatusInternalServerError, `{"error":{"type":"api_error","message":"boom"}}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			s := NewStripe("sk_test_123", WithBaseURL(srv.URL))
			_, err := s.Authorize(context.Background(), AuthorizationRequest{
				Amount: decimal.RequireFromString("5.00"), Currency: "usd",
			})
			require.Error(t, err)
			assert.Equal(t, tt.permanent, retry.IsPermanent(err))
		})
	}
}

func TestStripe_Lookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/payment_intents/pi_ok":
			_, _ = w.Write([]byte(`{"id":"pi_ok","object":"payment_intent","status":"succeeded"}`))
		case "/v1/payment_intents/pi_declined":
			_, _ = w.Write([]byte(`{"id":"pi_declined","object":"payment_intent","status":"requires_payment_method","last_payment_error":{"message":"Insufficient funds"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"No such payment_intent"}}`))
		}
	}))
	defer srv.Close()
	s := NewStripe("sk_test_123", WithBaseURL(srv.URL))
	ctx := context.Background()

	ev, err := s.Lookup(ctx, "pi_ok")
	require.NoError(t, err)
	assert.Equal(t, EventSucceeded, ev.Kind)

	ev, err = s.Lookup(ctx, "pi_declined")
	require.NoError(t, err)
	assert.Equal(t, EventFailed, ev.Kind)
	assert.Equal(t, "Insufficient funds", ev.FailureReason)

	_, err = s.Lookup(ctx, "pi_missing")
	assert.ErrorIs(t, err, ErrUnknownReference)
}

func TestStripe_Cancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/payment_intents/pi_open/cancel":
			_, _ = w.Write([]byte(`{"id":"pi_open","object":"payment_intent","status":"canceled"}`))
		case "/v1/payment_intents/pi_canceled/cancel":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","code":"payment_intent_unexpected_state","message":"already canceled","payment_intent":{"id":"pi_canceled","object":"payment_intent","status":"canceled"}}}`))
		case "/v1/payment_intents/pi_paid/cancel":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","code":"payment_intent_unexpected_state","message":"already succeeded","payment_intent":{"id":"pi_paid","object":"payment_intent","status":"succeeded"}}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"No such payment_intent"}}`))
		}
	}))
	defer srv.Close()
	s := NewStripe("sk_test_123", WithBaseURL(srv.URL))
	ctx := context.Background()

	assert.NoError(t, s.Cancel(ctx, "pi_open"))
	assert.NoError(t, s.Cancel(ctx, "pi_canceled"))
	assert.ErrorIs(t, s.Cancel(ctx, "pi_paid"), ErrNotCancelable)
	assert.ErrorIs(t, s.Cancel(ctx, "pi_missing"), ErrUnknownReference)
}

func TestStripe_Resume(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/payment_intents/pi_open":
			_, _ = w.Write([]byte(`{"id":"pi_open","object":"payment_intent","client_secret":"pi_open_secret_x","status":"requires_payment_method"}`))
		case "/v1/payment_intents/pi_canceled":
			_, _ = w.Write([]byte(`{"id":"pi_canceled","object":"payment_intent","client_secret":"pi_canceled_secret_x","status":"canceled"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"No such payment_intent"}}`))
		}
	}))
	defer srv.Close()
	s := NewStripe("sk_test_123", WithBaseURL(srv.URL))
	ctx := context.Background()

	auth, err := s.Resume(ctx, "pi_open")
	require.NoError(t, err)
	assert.Equal(t, "pi_open", auth.ExternalReference)
	assert.Equal(t, "pi_open_secret_x", auth.ClientSecret)

	_, err = s.Resume(ctx, "pi_canceled")
	assert.ErrorIs(t, err, ErrCanceled)

	_, err = s.Resume(ctx, "pi_missing")
	assert.ErrorIs(t, err, ErrUnknownReference)
	assert.True(t, retry.IsPermanent(err))
}

func TestSandbox_Cancel(t *testing.T) {
	s := NewSandbox()
	ctx := context.Background()

	auth, err := s.Authorize(ctx, AuthorizationRequest{Amount: decimal.NewFromInt(5), Currency: "usd"})
	require.NoError(t, err)
	require.NoError(t, s.Settle(auth.ExternalReference, EventFailed, "declined"))

	resumed, err := s.Resume(ctx, auth.ExternalReference)
	require.NoError(t, err)
	assert.Equal(t, auth.ClientSecret, resumed.ClientSecret)

	require.NoError(t, s.Cancel(ctx, auth.ExternalReference))
	require.NoError(t, s.Cancel(ctx, auth.ExternalReference))
	assert.True(t, s.Canceled(auth.ExternalReference))
	_, err = s.Resume(ctx, auth.ExternalReference)
	assert.ErrorIs(t, err, ErrCanceled)
	assert.True(t, retry.IsPermanent(err))

	assert.ErrorIs(t, s.Settle(auth.ExternalReference, EventSucceeded, ""), ErrCanceled)
	ev, err := s.Lookup(ctx, auth.ExternalReference)
	require.NoError(t, err)
	assert.Equal(t, EventFailed, ev.Kind)
	assert.Equal(t, "declined", ev.FailureReason)

	paid, err := s.Authorize(ctx, AuthorizationRequest{Amount: decimal.NewFromInt(5), Currency: "usd"})
	require.NoError(t, err)
	require.NoError(t, s.Settle(paid.ExternalReference, EventSucceeded, ""))
	assert.ErrorIs(t, s.Cancel(ctx, paid.ExternalReference), ErrNotCancelable)
	assert.False(t, s.Canceled(paid.ExternalReference))

	assert.ErrorIs(t, s.Cancel(ctx, "pi_nope"), ErrUnknownReference)
	assert.ErrorIs(t, s.Settle("pi_nope", EventSucceeded, ""), ErrUnknownReference)
}

func TestSandbox_Idempotency(t *testing.T) {
	s := NewSandbox()
	ctx := context.Background()
	req := AuthorizationRequest{Amount: decimal.RequireFromString("5"), Currency: "usd", IdempotencyKey: "offer-1-attempt-1"}

	first, err := s.Authorize(ctx, req)
	require.NoError(t, err)
	assert.Contains(t, first.ExternalReference, "pi_sandbox_")
	assert.NotEmpty(t, first.ClientSecret)

	again, err := s.Authorize(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ExternalReference, again.ExternalReference)

	req.IdempotencyKey = "offer-1-attempt-2"
	next, err := s.Authorize(ctx, req)
	require.NoError(t, err)
	assert.NotEqual(t, first.ExternalReference, next.ExternalReference)
	assert.Equal(t, 3, s.Calls())
}

func TestSandbox_FailuresAndLookup(t *testing.T) {
	s := NewSandbox()
	ctx := context.Background()
	boom := errors.New("processor down")
	s.FailNext(boom)

	_, err := s.Authorize(ctx, AuthorizationRequest{Amount: decimal.NewFromInt(5), Currency: "usd"})
	assert.ErrorIs(t, err, boom)

	auth, err := s.Authorize(ctx, AuthorizationRequest{Amount: decimal.NewFromInt(5), Currency: "usd"})
	require.NoError(t, err)

	ev, err := s.Lookup(ctx, auth.ExternalReference)
	require.NoError(t, err)
	assert.Equal(t, EventIgnored, ev.Kind)

	require.NoError(t, s.Settle(auth.ExternalReference, EventFailed, "declined"))
	ev, err = s.Lookup(ctx, auth.ExternalReference)
	require.NoError(t, err)
	assert.Equal(t, EventFailed, ev.Kind)
	assert.Equal(t, "declined", ev.FailureReason)

	_, err = s.Lookup(ctx, "pi_nope")
	assert.ErrorIs(t, err, ErrUnknownReference)
}

func TestSandbox_DelayHonoursContext(t *testing.T) {
	s := NewSandbox()
	s.SetDelay(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := s.Authorize(ctx, AuthorizationRequest{Amount: decimal.NewFromInt(5), Currency: "usd"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
