package billing

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// MercadoPagoConfig holds credentials for the MercadoPago provider.
type MercadoPagoConfig struct {
	AccessToken   string        `env:"MP_ACCESS_TOKEN,required"`
	WebhookSecret string        `env:"MP_WEBHOOK_SECRET,required"`
	BaseURL       string        `env:"MP_BASE_URL" envDefault:"https://api.mercadopago.com"`
	Timeout       time.Duration `env:"MP_TIMEOUT" envDefault:"10s"`
}

// MercadoPagoProvider implements Provider against MercadoPago's preapproval
// (recurring charge) API. There is no official Go SDK, so this is a thin
// REST client over the documented endpoints.
type MercadoPagoProvider struct {
	config MercadoPagoConfig
	client *http.Client
}

// NewMercadoPagoProvider validates the configuration and builds the client.
// The HTTP timeout bounds every provider call so a slow provider cannot
// stall a webhook or a sweep indefinitely.
func NewMercadoPagoProvider(config MercadoPagoConfig) (*MercadoPagoProvider, error) {
	if config.AccessToken == "" {
		return nil, errors.New("mercadopago access token is required")
	}
	if config.WebhookSecret == "" {
		return nil, errors.New("mercadopago webhook secret is required")
	}
	if config.BaseURL == "" {
		config.BaseURL = "https://api.mercadopago.com"
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}

	return &MercadoPagoProvider{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}, nil
}

func (p *MercadoPagoProvider) Name() string {
	return "mercadopago"
}

// preapproval is MercadoPago's wire shape for a recurring charge.
type preapproval struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	InitPoint         string `json:"init_point"`
	PayerID           int64  `json:"payer_id"`
	ExternalReference string `json:"external_reference"`
	NextPaymentDate   string `json:"next_payment_date"`
	AutoRecurring     struct {
		TransactionAmount float64 `json:"transaction_amount"`
		CurrencyID        string  `json:"currency_id"`
	} `json:"auto_recurring"`
}

// authorizedPayment is the wire shape of one recurring charge attempt.
type authorizedPayment struct {
	ID            json.Number `json:"id"`
	PreapprovalID string      `json:"preapproval_id"`
	Status        string      `json:"status"`
	DateCreated   string      `json:"date_created"`
	Payment       struct {
		ID     json.Number `json:"id"`
		Status string      `json:"status"`
	} `json:"payment"`
	TransactionAmount float64 `json:"transaction_amount"`
	CurrencyID        string  `json:"currency_id"`
	Card              struct {
		LastFourDigits string `json:"last_four_digits"`
	} `json:"card"`
	PaymentMethodID string `json:"payment_method_id"`
}

func (p *MercadoPagoProvider) CreateCustomer(ctx context.Context, email string) (string, error) {
	if email == "" {
		return "", errors.New("email is required")
	}

	var resp struct {
		ID string `json:"id"`
	}
	err := p.do(ctx, http.MethodPost, "/v1/customers", map[string]any{"email": email}, &resp)
	if err != nil {
		// MercadoPago rejects duplicate customers; search for the existing one.
		var existing struct {
			Results []struct {
				ID string `json:"id"`
			} `json:"results"`
		}
		searchPath := "/v1/customers/search?email=" + url.QueryEscape(email)
		if searchErr := p.do(ctx, http.MethodGet, searchPath, nil, &existing); searchErr == nil && len(existing.Results) > 0 {
			return existing.Results[0].ID, nil
		}
		return "", err
	}
	return resp.ID, nil
}

func (p *MercadoPagoProvider) CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (*RemoteSubscription, error) {
	if req.ExternalReference == "" {
		return nil, errors.New("external reference is required")
	}
	if req.PayerEmail == "" {
		return nil, errors.New("payer email is required")
	}

	body := map[string]any{
		"reason":             req.Reason,
		"external_reference": req.ExternalReference,
		"payer_email":        req.PayerEmail,
		"back_url":           req.BackURL,
		"status":             "pending",
		"auto_recurring": map[string]any{
			"frequency":          1,
			"frequency_type":     "months",
			"transaction_amount": minorToMajor(req.AmountMinor),
			"currency_id":        req.Currency,
		},
	}

	var pre preapproval
	if err := p.do(ctx, http.MethodPost, "/preapproval", body, &pre); err != nil {
		return nil, err
	}
	if pre.InitPoint == "" {
		return nil, errors.New("no init point returned from mercadopago")
	}
	return remoteFromPreapproval(pre), nil
}

func (p *MercadoPagoProvider) UpdateSubscriptionAmount(ctx context.Context, providerSubID string, amountMinor int64, currency string) error {
	body := map[string]any{
		"auto_recurring": map[string]any{
			"transaction_amount": minorToMajor(amountMinor),
			"currency_id":        currency,
		},
	}
	var pre preapproval
	return p.do(ctx, http.MethodPut, "/preapproval/"+url.PathEscape(providerSubID), body, &pre)
}

func (p *MercadoPagoProvider) CancelSubscription(ctx context.Context, providerSubID string) error {
	body := map[string]any{"status": "cancelled"}
	var pre preapproval
	return p.do(ctx, http.MethodPut, "/preapproval/"+url.PathEscape(providerSubID), body, &pre)
}

func (p *MercadoPagoProvider) GetSubscription(ctx context.Context, providerSubID string) (*RemoteSubscription, error) {
	var pre preapproval
	if err := p.do(ctx, http.MethodGet, "/preapproval/"+url.PathEscape(providerSubID), nil, &pre); err != nil {
		return nil, err
	}
	return remoteFromPreapproval(pre), nil
}

func (p *MercadoPagoProvider) GetPayment(ctx context.Context, providerPaymentID string) (*RemotePayment, error) {
	var pay authorizedPayment
	if err := p.do(ctx, http.MethodGet, "/authorized_payments/"+url.PathEscape(providerPaymentID), nil, &pay); err != nil {
		return nil, err
	}
	rp := remoteFromAuthorizedPayment(pay)
	return &rp, nil
}

func (p *MercadoPagoProvider) ListSubscriptionPayments(ctx context.Context, providerSubID string) ([]RemotePayment, error) {
	var resp struct {
		Results []authorizedPayment `json:"results"`
	}
	path := "/authorized_payments/search?preapproval_id=" + url.QueryEscape(providerSubID)
	if err := p.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	out := make([]RemotePayment, 0, len(resp.Results))
	for _, pay := range resp.Results {
		out = append(out, remoteFromAuthorizedPayment(pay))
	}
	return out, nil
}

// VerifyWebhook checks MercadoPago's x-signature header. The header carries
// a timestamp and an HMAC ("ts=...,v1=..."); the HMAC covers the manifest
// "id:<data.id>;request-id:<x-request-id>;ts:<ts>;" keyed by the webhook
// secret. Comparison is constant time.
func (p *MercadoPagoProvider) VerifyWebhook(body []byte, signature, requestID string) error {
	if signature == "" {
		return fmt.Errorf("%w: missing signature header", ErrSignatureInvalid)
	}

	var ts, v1 string
	for _, part := range strings.Split(signature, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case "ts":
			ts = value
		case "v1":
			v1 = value
		}
	}
	if ts == "" || v1 == "" {
		return fmt.Errorf("%w: malformed signature header", ErrSignatureInvalid)
	}

	var payload struct {
		Data struct {
			ID json.Number `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("%w: unparseable payload", ErrSignatureInvalid)
	}

	manifest := fmt.Sprintf("id:%s;request-id:%s;ts:%s;",
		strings.ToLower(payload.Data.ID.String()), requestID, ts)

	mac := hmac.New(sha256.New, []byte(p.config.WebhookSecret))
	mac.Write([]byte(manifest))
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(v1)) {
		return ErrSignatureInvalid
	}
	return nil
}

// ParseWebhook reduces a MercadoPago notification to its kind and resource
// id. Status in the payload is deliberately ignored: the engine re-fetches.
func (p *MercadoPagoProvider) ParseWebhook(body []byte) (*WebhookEvent, error) {
	var payload struct {
		Type  string `json:"type"`
		Topic string `json:"topic"`
		Data  struct {
			ID json.Number `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse webhook payload: %w", err)
	}

	eventType := payload.Type
	if eventType == "" {
		eventType = payload.Topic
	}

	event := &WebhookEvent{
		ResourceID:    payload.Data.ID.String(),
		Provider:      p.Name(),
		ProviderEvent: eventType,
	}

	switch eventType {
	case "subscription_preapproval":
		event.Kind = EventSubscription
	case "subscription_authorized_payment", "payment":
		event.Kind = EventPayment
	default:
		event.Kind = EventUnknown
	}
	return event, nil
}

// do performs one authenticated API call and decodes the response into out.
func (p *MercadoPagoProvider) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.config.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.config.AccessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("mercadopago request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read mercadopago response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		_ = json.Unmarshal(raw, &apiErr)
		msg := apiErr.Message
		if msg == "" {
			msg = apiErr.Error
		}
		return fmt.Errorf("mercadopago %s %s: status %d: %s", method, path, resp.StatusCode, msg)
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("failed to decode mercadopago response: %w", err)
		}
	}
	return nil
}

func remoteFromPreapproval(pre preapproval) *RemoteSubscription {
	remote := &RemoteSubscription{
		ID:                pre.ID,
		Status:            pre.Status,
		InitPoint:         pre.InitPoint,
		AmountMinor:       majorToMinor(pre.AutoRecurring.TransactionAmount),
		Currency:          pre.AutoRecurring.CurrencyID,
		ExternalReference: pre.ExternalReference,
	}
	if pre.PayerID != 0 {
		remote.PayerID = fmt.Sprintf("%d", pre.PayerID)
	}
	if pre.NextPaymentDate != "" {
		if t, err := time.Parse(time.RFC3339, pre.NextPaymentDate); err == nil {
			t = t.UTC()
			remote.NextPaymentAt = &t
		}
	}
	return remote
}

func remoteFromAuthorizedPayment(pay authorizedPayment) RemotePayment {
	rp := RemotePayment{
		ID:             pay.ID.String(),
		SubscriptionID: pay.PreapprovalID,
		Status:         normalizePaymentStatus(pay),
		AmountMinor:    majorToMinor(pay.TransactionAmount),
		Currency:       pay.CurrencyID,
		CardLastFour:   pay.Card.LastFourDigits,
		CardBrand:      pay.PaymentMethodID,
	}
	if pay.DateCreated != "" {
		if t, err := time.Parse(time.RFC3339, pay.DateCreated); err == nil {
			rp.CreatedAt = t.UTC()
		}
	}
	return rp
}

// normalizePaymentStatus prefers the nested payment outcome when present;
// the authorized_payment envelope only says whether the charge was sent.
func normalizePaymentStatus(pay authorizedPayment) string {
	if pay.Payment.Status != "" {
		return pay.Payment.Status
	}
	return pay.Status
}

func minorToMajor(minor int64) float64 {
	return float64(minor) / 100
}

func majorToMinor(major float64) int64 {
	return int64(math.Round(major * 100))
}
