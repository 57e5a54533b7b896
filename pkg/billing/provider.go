package billing

import (
	"context"
	"time"
)

// Provider abstracts one external recurring-billing API. The engine depends
// only on this interface and never branches on a provider's name: adding a
// provider means adding an implementation, not touching the engine.
//
// Hosted checkout keeps card data entirely on the provider's side, so no
// implementation ever handles a payment instrument.
type Provider interface {
	// Name identifies the provider in persisted records and webhook routes.
	Name() string

	// CreateCustomer registers a payer with the provider and returns its
	// customer identifier. This is the only non-sensitive payment-method
	// placeholder the engine creates; card metadata arrives later via
	// payment confirmations.
	CreateCustomer(ctx context.Context, email string) (string, error)

	// CreateSubscription creates a pending remote subscription and returns
	// the hosted-checkout redirect the payer completes authorization on.
	CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (*RemoteSubscription, error)

	// UpdateSubscriptionAmount changes the recurring charge amount in place.
	UpdateSubscriptionAmount(ctx context.Context, providerSubID string, amountMinor int64, currency string) error

	// CancelSubscription cancels the remote subscription immediately.
	CancelSubscription(ctx context.Context, providerSubID string) error

	// GetSubscription fetches the authoritative remote state. Webhook
	// payloads are never trusted for status; this re-fetch is.
	GetSubscription(ctx context.Context, providerSubID string) (*RemoteSubscription, error)

	// GetPayment fetches one charge attempt by the provider's payment id.
	GetPayment(ctx context.Context, providerPaymentID string) (*RemotePayment, error)

	// ListSubscriptionPayments returns recent charge attempts for a
	// subscription, newest first.
	ListSubscriptionPayments(ctx context.Context, providerSubID string) ([]RemotePayment, error)

	// VerifyWebhook checks a webhook's authenticity from the raw body, the
	// signature header, and the provider's request identifier. A mismatch is
	// ErrSignatureInvalid, distinct from any processing failure.
	VerifyWebhook(body []byte, signature, requestID string) error

	// ParseWebhook normalizes a verified payload into an event.
	ParseWebhook(body []byte) (*WebhookEvent, error)
}

// CreateSubscriptionRequest carries everything the provider needs to open a
// pending recurring charge with a hosted checkout.
type CreateSubscriptionRequest struct {
	Reason            string // human-readable subscription title
	ExternalReference string // our organization id, echoed back in webhooks
	PayerEmail        string
	CustomerID        string // provider customer id, when already known
	AmountMinor       int64
	Currency          string
	BackURL           string // where the payer lands after checkout
}

// RemoteSubscription is the provider's view of a subscription.
type RemoteSubscription struct {
	ID                string
	Status            string // raw provider status (pending/authorized/paused/cancelled)
	InitPoint         string // hosted checkout URL, set on creation
	PayerID           string
	AmountMinor       int64
	Currency          string
	NextPaymentAt     *time.Time
	ExternalReference string
}

// RemotePayment is the provider's view of one charge attempt.
type RemotePayment struct {
	ID             string
	SubscriptionID string
	Status         string // raw provider status (approved/rejected/pending)
	AmountMinor    int64
	Currency       string
	CardBrand      string
	CardLastFour   string
	CreatedAt      time.Time
}

// EventKind classifies normalized webhook events.
type EventKind string

const (
	EventSubscription EventKind = "subscription"
	EventPayment      EventKind = "payment"
	EventUnknown      EventKind = "unknown"
)

// WebhookEvent is a provider webhook reduced to what the engine acts on:
// the kind of resource and its identifier. Everything else is re-fetched
// from the provider before any state change.
type WebhookEvent struct {
	Kind          EventKind
	ResourceID    string
	Provider      string
	ProviderEvent string // original provider event name, for logs
}
