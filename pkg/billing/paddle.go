package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"
)

// PaddleConfig holds credentials for the Paddle provider.
type PaddleConfig struct {
	APIKey        string `env:"PADDLE_API_KEY,required"`
	WebhookSecret string `env:"PADDLE_WEBHOOK_SECRET,required"`
	Environment   string `env:"PADDLE_ENVIRONMENT" envDefault:"production"`
}

// PaddleProvider is the second Provider implementation. It exists to keep
// the engine honest about provider independence: configuration and client
// construction are real, but every operation fails with
// ErrProviderNotImplemented until the mapping to Paddle's subscription API
// is finished. Selecting it at startup is a deliberate operator choice.
type PaddleProvider struct {
	client   *paddle.SDK
	verifier *paddle.WebhookVerifier
	config   PaddleConfig
}

// NewPaddleProvider validates configuration and builds the SDK client.
func NewPaddleProvider(config PaddleConfig) (*PaddleProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("paddle API key is required")
	}
	if config.WebhookSecret == "" {
		return nil, errors.New("paddle webhook secret is required")
	}

	var client *paddle.SDK
	var err error
	switch strings.ToLower(config.Environment) {
	case "sandbox":
		client, err = paddle.NewSandbox(config.APIKey)
	case "production", "":
		client, err = paddle.New(config.APIKey)
	default:
		return nil, fmt.Errorf("invalid paddle environment: %s", config.Environment)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create paddle client: %w", err)
	}

	return &PaddleProvider{
		client:   client,
		verifier: paddle.NewWebhookVerifier(config.WebhookSecret),
		config:   config,
	}, nil
}

func (p *PaddleProvider) Name() string {
	return "paddle"
}

func (p *PaddleProvider) CreateCustomer(ctx context.Context, email string) (string, error) {
	return "", p.notImplemented("create customer")
}

func (p *PaddleProvider) CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (*RemoteSubscription, error) {
	return nil, p.notImplemented("create subscription")
}

func (p *PaddleProvider) UpdateSubscriptionAmount(ctx context.Context, providerSubID string, amountMinor int64, currency string) error {
	return p.notImplemented("update subscription amount")
}

func (p *PaddleProvider) CancelSubscription(ctx context.Context, providerSubID string) error {
	return p.notImplemented("cancel subscription")
}

func (p *PaddleProvider) GetSubscription(ctx context.Context, providerSubID string) (*RemoteSubscription, error) {
	return nil, p.notImplemented("get subscription")
}

func (p *PaddleProvider) GetPayment(ctx context.Context, providerPaymentID string) (*RemotePayment, error) {
	return nil, p.notImplemented("get payment")
}

func (p *PaddleProvider) ListSubscriptionPayments(ctx context.Context, providerSubID string) ([]RemotePayment, error) {
	return nil, p.notImplemented("list subscription payments")
}

func (p *PaddleProvider) VerifyWebhook(body []byte, signature, requestID string) error {
	return p.notImplemented("verify webhook")
}

func (p *PaddleProvider) ParseWebhook(body []byte) (*WebhookEvent, error) {
	return nil, p.notImplemented("parse webhook")
}

func (p *PaddleProvider) notImplemented(op string) error {
	return fmt.Errorf("%w: paddle %s", ErrProviderNotImplemented, op)
}
