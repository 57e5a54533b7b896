package billing_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propstack/billing/pkg/billing"
)

func newMercadoPago(t *testing.T, baseURL string) *billing.MercadoPagoProvider {
	t.Helper()
	p, err := billing.NewMercadoPagoProvider(billing.MercadoPagoConfig{
		AccessToken:   "TEST-token",
		WebhookSecret: "whsec_test",
		BaseURL:       baseURL,
		Timeout:       5 * time.Second,
	})
	require.NoError(t, err)
	return p
}

func TestNewMercadoPagoProvider(t *testing.T) {
	t.Parallel()

	_, err := billing.NewMercadoPagoProvider(billing.MercadoPagoConfig{WebhookSecret: "s"})
	assert.Error(t, err)

	_, err = billing.NewMercadoPagoProvider(billing.MercadoPagoConfig{AccessToken: "t"})
	assert.Error(t, err)
}

func TestMercadoPagoCreateSubscription(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/preapproval", r.URL.Path)
		require.Equal(t, "Bearer TEST-token", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "org-1", body["external_reference"])
		assert.Equal(t, "pending", body["status"])

		recurring := body["auto_recurring"].(map[string]any)
		assert.Equal(t, 29000.0, recurring["transaction_amount"])
		assert.Equal(t, "ARS", recurring["currency_id"])

		json.NewEncoder(w).Encode(map[string]any{
			"id":                 "presub_42",
			"status":             "pending",
			"init_point":         "https://www.mercadopago.com.ar/subscriptions/checkout?preapproval_id=presub_42",
			"external_reference": "org-1",
		})
	}))
	defer srv.Close()

	p := newMercadoPago(t, srv.URL)
	remote, err := p.CreateSubscription(ctx, billing.CreateSubscriptionRequest{
		Reason:            "PropStack Basic plan",
		ExternalReference: "org-1",
		PayerEmail:        "owner@norte.com.ar",
		AmountMinor:       2_900_000,
		Currency:          "ARS",
		BackURL:           "https://app.example/billing",
	})
	require.NoError(t, err)
	assert.Equal(t, "presub_42", remote.ID)
	assert.Contains(t, remote.InitPoint, "preapproval_id=presub_42")
}

func TestMercadoPagoGetSubscription(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/preapproval/presub_42", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"id":                "presub_42",
			"status":            "authorized",
			"payer_id":          8812,
			"next_payment_date": "2025-07-15T12:00:00Z",
			"auto_recurring": map[string]any{
				"transaction_amount": 29000.0,
				"currency_id":        "ARS",
			},
		})
	}))
	defer srv.Close()

	p := newMercadoPago(t, srv.URL)
	remote, err := p.GetSubscription(context.Background(), "presub_42")
	require.NoError(t, err)
	assert.Equal(t, "authorized", remote.Status)
	assert.Equal(t, "8812", remote.PayerID)
	assert.Equal(t, int64(2_900_000), remote.AmountMinor)
	require.NotNil(t, remote.NextPaymentAt)
	assert.Equal(t, time.Date(2025, 7, 15, 12, 0, 0, 0, time.UTC), *remote.NextPaymentAt)
}

func TestMercadoPagoListSubscriptionPayments(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/authorized_payments/search", r.URL.Path)
		require.Equal(t, "presub_42", r.URL.Query().Get("preapproval_id"))
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{
					"id":                 9001,
					"preapproval_id":     "presub_42",
					"status":             "processed",
					"date_created":       "2025-06-15T10:00:00Z",
					"transaction_amount": 29000.0,
					"currency_id":        "ARS",
					"payment":            map[string]any{"id": 5001, "status": "approved"},
					"payment_method_id":  "visa",
					"card":               map[string]any{"last_four_digits": "4242"},
				},
				{
					"id":                 9002,
					"preapproval_id":     "presub_42",
					"status":             "processed",
					"date_created":       "2025-06-15T11:00:00Z",
					"transaction_amount": 29000.0,
					"currency_id":        "ARS",
					"payment":            map[string]any{"id": 5002, "status": "rejected"},
				},
			},
		})
	}))
	defer srv.Close()

	p := newMercadoPago(t, srv.URL)
	payments, err := p.ListSubscriptionPayments(context.Background(), "presub_42")
	require.NoError(t, err)
	require.Len(t, payments, 2)

	assert.Equal(t, "9001", payments[0].ID)
	assert.Equal(t, "approved", payments[0].Status)
	assert.Equal(t, "visa", payments[0].CardBrand)
	assert.Equal(t, "4242", payments[0].CardLastFour)
	assert.Equal(t, int64(2_900_000), payments[0].AmountMinor)

	assert.Equal(t, "rejected", payments[1].Status)
}

func TestMercadoPagoCreateCustomer(t *testing.T) {
	t.Parallel()

	t.Run("new customer", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/v1/customers", r.URL.Path)
			json.NewEncoder(w).Encode(map[string]any{"id": "cus_99"})
		}))
		defer srv.Close()

		p := newMercadoPago(t, srv.URL)
		id, err := p.CreateCustomer(context.Background(), "owner@norte.com.ar")
		require.NoError(t, err)
		assert.Equal(t, "cus_99", id)
	})

	t.Run("falls back to search on duplicate", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/v1/customers":
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]any{"message": "customer already exists"})
			case "/v1/customers/search":
				require.Equal(t, "owner@norte.com.ar", r.URL.Query().Get("email"))
				json.NewEncoder(w).Encode(map[string]any{
					"results": []map[string]any{{"id": "cus_existing"}},
				})
			default:
				t.Errorf("unexpected path %s", r.URL.Path)
			}
		}))
		defer srv.Close()

		p := newMercadoPago(t, srv.URL)
		id, err := p.CreateCustomer(context.Background(), "owner@norte.com.ar")
		require.NoError(t, err)
		assert.Equal(t, "cus_existing", id)
	})
}

func TestMercadoPagoAPIError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]any{"message": "invalid access token"})
	}))
	defer srv.Close()

	p := newMercadoPago(t, srv.URL)
	_, err := p.GetSubscription(context.Background(), "presub_42")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
	assert.Contains(t, err.Error(), "invalid access token")
}

func signWebhook(secret, dataID, requestID, ts string) string {
	manifest := fmt.Sprintf("id:%s;request-id:%s;ts:%s;", dataID, requestID, ts)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(manifest))
	return fmt.Sprintf("ts=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestMercadoPagoVerifyWebhook(t *testing.T) {
	t.Parallel()

	p := newMercadoPago(t, "http://unused.invalid")
	body := []byte(`{"type":"subscription_preapproval","data":{"id":"presub_42"}}`)

	t.Run("valid signature", func(t *testing.T) {
		t.Parallel()
		sig := signWebhook("whsec_test", "presub_42", "req-1", "1750000000")
		assert.NoError(t, p.VerifyWebhook(body, sig, "req-1"))
	})

	t.Run("wrong secret", func(t *testing.T) {
		t.Parallel()
		sig := signWebhook("whsec_other", "presub_42", "req-1", "1750000000")
		assert.ErrorIs(t, p.VerifyWebhook(body, sig, "req-1"), billing.ErrSignatureInvalid)
	})

	t.Run("request id mismatch", func(t *testing.T) {
		t.Parallel()
		sig := signWebhook("whsec_test", "presub_42", "req-1", "1750000000")
		assert.ErrorIs(t, p.VerifyWebhook(body, sig, "req-2"), billing.ErrSignatureInvalid)
	})

	t.Run("tampered body", func(t *testing.T) {
		t.Parallel()
		sig := signWebhook("whsec_test", "presub_42", "req-1", "1750000000")
		tampered := []byte(`{"type":"subscription_preapproval","data":{"id":"presub_43"}}`)
		assert.ErrorIs(t, p.VerifyWebhook(tampered, sig, "req-1"), billing.ErrSignatureInvalid)
	})

	t.Run("numeric data id is lowercased into the manifest", func(t *testing.T) {
		t.Parallel()
		numBody := []byte(`{"type":"payment","data":{"id":9001}}`)
		sig := signWebhook("whsec_test", "9001", "req-1", "1750000000")
		assert.NoError(t, p.VerifyWebhook(numBody, sig, "req-1"))
	})

	t.Run("missing or malformed header", func(t *testing.T) {
		t.Parallel()
		assert.ErrorIs(t, p.VerifyWebhook(body, "", "req-1"), billing.ErrSignatureInvalid)
		assert.ErrorIs(t, p.VerifyWebhook(body, "garbage", "req-1"), billing.ErrSignatureInvalid)
	})
}

func TestMercadoPagoParseWebhook(t *testing.T) {
	t.Parallel()

	p := newMercadoPago(t, "http://unused.invalid")

	tests := []struct {
		name     string
		body     string
		kind     billing.EventKind
		resource string
	}{
		{
			name:     "subscription event",
			body:     `{"type":"subscription_preapproval","data":{"id":"presub_42"}}`,
			kind:     billing.EventSubscription,
			resource: "presub_42",
		},
		{
			name:     "authorized payment event",
			body:     `{"type":"subscription_authorized_payment","data":{"id":9001}}`,
			kind:     billing.EventPayment,
			resource: "9001",
		},
		{
			name:     "legacy topic field",
			body:     `{"topic":"payment","data":{"id":9001}}`,
			kind:     billing.EventPayment,
			resource: "9001",
		},
		{
			name:     "unrecognized event",
			body:     `{"type":"plan","data":{"id":"x"}}`,
			kind:     billing.EventUnknown,
			resource: "x",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			event, err := p.ParseWebhook([]byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.kind, event.Kind)
			assert.Equal(t, tt.resource, event.ResourceID)
			assert.Equal(t, "mercadopago", event.Provider)
		})
	}

	t.Run("invalid json", func(t *testing.T) {
		t.Parallel()
		_, err := p.ParseWebhook([]byte("not json"))
		assert.Error(t, err)
	})
}
