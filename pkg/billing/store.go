package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store persists billing state. Implementations must make InTx atomic so
// the engine can write a subscription and its organization together: a
// reader must never observe the organization on one tier while the
// subscription row says another.
//
// Organization writes carry the row's ID as a guard (update ... where id =)
// so a stale writer updates nothing instead of resurrecting old state.
type Store interface {
	GetOrganization(ctx context.Context, id uuid.UUID) (*Organization, error)
	SaveOrganization(ctx context.Context, org *Organization) error

	// ListTrialingOrganizations returns organizations still in trialing
	// status whose trial ended before the given instant.
	ListTrialingOrganizations(ctx context.Context, endedBefore time.Time) ([]Organization, error)

	// ListUsageResetDue returns organizations whose monthly usage cycle
	// started a full calendar month or more before the given instant.
	ListUsageResetDue(ctx context.Context, now time.Time) ([]Organization, error)

	// GetSubscriptionByOrg returns the organization's current subscription
	// row (there is at most one non-cancelled row; a cancelled row may
	// remain as the latest when nothing superseded it).
	GetSubscriptionByOrg(ctx context.Context, orgID uuid.UUID) (*Subscription, error)
	GetSubscriptionByProviderID(ctx context.Context, providerSubID string) (*Subscription, error)
	SaveSubscription(ctx context.Context, sub *Subscription) error

	// ListDeferredCancellations returns non-cancelled subscriptions flagged
	// cancel-at-period-end whose period ended before the given instant.
	ListDeferredCancellations(ctx context.Context, endedBefore time.Time) ([]Subscription, error)

	// ListNonTerminalSubscriptions returns every subscription the
	// reconciliation sweep should re-sync against the provider.
	ListNonTerminalSubscriptions(ctx context.Context) ([]Subscription, error)

	// UpsertInvoice inserts the invoice unless one with the same
	// ProviderPaymentID exists. Reports whether a row was created — the
	// idempotency signal for duplicate webhook deliveries.
	UpsertInvoice(ctx context.Context, inv *Invoice) (created bool, err error)
	ListInvoices(ctx context.Context, orgID uuid.UUID) ([]Invoice, error)

	SavePaymentMethod(ctx context.Context, pm *PaymentMethod) error
	GetPaymentMethod(ctx context.Context, id uuid.UUID) (*PaymentMethod, error)
	ListPaymentMethods(ctx context.Context, orgID uuid.UUID) ([]PaymentMethod, error)

	// InTx runs fn against a transactional view of the store. Returning an
	// error rolls back every write made through the transactional store.
	InTx(ctx context.Context, fn func(Store) error) error
}
