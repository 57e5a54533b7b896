// Package billing owns the paid-plan lifecycle of every organization: it
// mediates with the payment provider, reconciles webhook events against
// authoritative provider state, and keeps the organization, subscription,
// invoice, and payment-method records consistent.
//
// Correctness under duplicate or out-of-order webhook delivery comes from
// idempotency rather than locking: state transitions set values instead of
// incrementing them, invoices are upserted by the provider's payment id,
// and every event triggers a re-fetch of provider state before any write.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/propstack/billing/pkg/plan"
)

// Engine orchestrates subscription state for all organizations.
type Engine struct {
	catalog  plan.Catalog
	provider Provider
	store    Store
	log      *slog.Logger
	currency string
	backURL  string
	now      func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the structured logger; a discard-free default is slog.Default().
func WithLogger(log *slog.Logger) EngineOption {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithCurrency sets the billing currency for new subscriptions.
func WithCurrency(code string) EngineOption {
	return func(e *Engine) {
		if code != "" {
			e.currency = strings.ToUpper(code)
		}
	}
}

// WithCheckoutBackURL sets where payers land after hosted checkout.
func WithCheckoutBackURL(url string) EngineOption {
	return func(e *Engine) { e.backURL = url }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine builds the engine. Required dependencies are enforced with a
// panic so a misconfigured service fails at startup, not on first request.
func NewEngine(ctx context.Context, src plan.Source, provider Provider, store Store, opts ...EngineOption) (*Engine, error) {
	if src == nil {
		panic("billing: plan source is required")
	}
	if provider == nil {
		panic("billing: provider is required")
	}
	if store == nil {
		panic("billing: store is required")
	}

	catalog, err := src.Load(ctx)
	if err != nil {
		return nil, errors.Join(ErrFailedToLoadCatalog, err)
	}

	e := &Engine{
		catalog:  catalog,
		provider: provider,
		store:    store,
		log:      slog.Default(),
		currency: "ARS",
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Catalog exposes the loaded plan catalog to the HTTP layer.
func (e *Engine) Catalog() plan.Catalog {
	return e.catalog
}

// ProviderName reports which provider the engine was configured with.
func (e *Engine) ProviderName() string {
	return e.provider.Name()
}

// CheckoutSession is the result of Subscribe: the local pending row plus
// the hosted checkout the caller redirects the payer to.
type CheckoutSession struct {
	SubscriptionID         uuid.UUID
	ProviderSubscriptionID string
	InitPoint              string
}

// Subscribe opens a pending subscription for the organization and returns
// the hosted-checkout redirect. The organization's plan status is not
// touched here: payment authorization is asynchronous and activation only
// ever happens from the webhook/reconciliation path.
//
// A cancelled prior subscription is superseded in place so the organization
// never holds two rows in an active-equivalent state.
func (e *Engine) Subscribe(ctx context.Context, orgID uuid.UUID, tier plan.Tier, payerEmail string) (*CheckoutSession, error) {
	if payerEmail == "" {
		return nil, ErrMissingPayerEmail
	}

	p, err := e.catalog.Get(tier)
	if err != nil {
		return nil, err
	}

	amount, ok := p.Price(e.currency)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrPriceNotAvailable, tier, e.currency)
	}

	org, err := e.store.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}

	existing, err := e.store.GetSubscriptionByOrg(ctx, orgID)
	switch {
	case err == nil && existing.IsActiveEquivalent():
		return nil, ErrSubscriptionAlreadyActive
	case err != nil && !errors.Is(err, ErrSubscriptionNotFound):
		return nil, err
	}

	if org.ProviderCustomerID == "" {
		customerID, err := e.provider.CreateCustomer(ctx, payerEmail)
		if err != nil {
			return nil, errors.Join(ErrProvider, err)
		}
		org.ProviderCustomerID = customerID
		org.UpdatedAt = e.now()
		if err := e.store.SaveOrganization(ctx, org); err != nil {
			return nil, err
		}
	}

	remote, err := e.provider.CreateSubscription(ctx, CreateSubscriptionRequest{
		Reason:            fmt.Sprintf("PropStack %s plan", p.Name),
		ExternalReference: orgID.String(),
		PayerEmail:        payerEmail,
		CustomerID:        org.ProviderCustomerID,
		AmountMinor:       amount,
		Currency:          e.currency,
		BackURL:           e.backURL,
	})
	if err != nil {
		return nil, errors.Join(ErrProvider, err)
	}

	now := e.now()
	sub := existing
	if sub == nil {
		sub = &Subscription{ID: uuid.New(), OrganizationID: orgID, CreatedAt: now}
	}
	sub.Provider = e.provider.Name()
	sub.ProviderSubID = remote.ID
	sub.PlanTier = tier
	sub.Amount = amount
	sub.Currency = e.currency
	sub.Status = SubStatusPending
	sub.CancelAtPeriodEnd = false
	sub.CurrentPeriodStart = nil
	sub.CurrentPeriodEnd = nil
	sub.UpdatedAt = now

	if err := e.store.SaveSubscription(ctx, sub); err != nil {
		return nil, err
	}

	e.log.InfoContext(ctx, "subscription checkout created",
		"organization_id", orgID,
		"plan_tier", tier,
		"provider_subscription_id", remote.ID,
	)

	return &CheckoutSession{
		SubscriptionID:         sub.ID,
		ProviderSubscriptionID: remote.ID,
		InitPoint:              remote.InitPoint,
	}, nil
}

// ChangePlan moves an organization with a current subscription to a new
// tier. The remote amount is updated first; the local subscription and the
// organization's tier and limits are then written in one transaction so no
// reader ever observes them apart. The new amount applies from the next
// billing cycle; there is no mid-cycle proration.
func (e *Engine) ChangePlan(ctx context.Context, orgID uuid.UUID, newTier plan.Tier) error {
	p, err := e.catalog.Get(newTier)
	if err != nil {
		return err
	}

	sub, err := e.store.GetSubscriptionByOrg(ctx, orgID)
	if err != nil {
		return err
	}
	if sub.IsCancelled() {
		return ErrSubscriptionNotFound
	}

	amount, ok := p.Price(sub.Currency)
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrPriceNotAvailable, newTier, sub.Currency)
	}

	if err := e.provider.UpdateSubscriptionAmount(ctx, sub.ProviderSubID, amount, sub.Currency); err != nil {
		return errors.Join(ErrProvider, err)
	}

	// The remote amount has already changed; a failure below must be
	// surfaced loudly so the operator retries instead of leaving the two
	// sides divergent.
	err = e.store.InTx(ctx, func(tx Store) error {
		org, err := tx.GetOrganization(ctx, orgID)
		if err != nil {
			return err
		}

		now := e.now()
		sub.PlanTier = newTier
		sub.Amount = amount
		sub.UpdatedAt = now
		if err := tx.SaveSubscription(ctx, sub); err != nil {
			return err
		}

		org.ApplyPlan(p)
		org.UpdatedAt = now
		return tx.SaveOrganization(ctx, org)
	})
	if err != nil {
		e.log.ErrorContext(ctx, "plan change applied remotely but local write failed, retry required",
			"organization_id", orgID,
			"provider_subscription_id", sub.ProviderSubID,
			"new_tier", newTier,
			"error", err,
		)
		return err
	}

	e.log.InfoContext(ctx, "plan changed",
		"organization_id", orgID,
		"new_tier", newTier,
	)
	return nil
}

// CancelSubscription requests cancellation. Inside the provider-side trial
// the remote subscription is cancelled immediately; otherwise only the
// deferred flag is set and the provider keeps billing until period end,
// where the reconciliation sweep finalizes it. Calling twice is a no-op.
func (e *Engine) CancelSubscription(ctx context.Context, orgID uuid.UUID) error {
	sub, err := e.store.GetSubscriptionByOrg(ctx, orgID)
	if err != nil {
		return err
	}
	if sub.IsCancelled() || sub.CancelAtPeriodEnd {
		return nil
	}

	org, err := e.store.GetOrganization(ctx, orgID)
	if err != nil {
		return err
	}

	now := e.now()

	// Trial cancellations are immediate: nothing has been charged yet.
	if org.PlanStatus == PlanStatusTrialing && !org.IsTrialExpiredAt(now) {
		if err := e.provider.CancelSubscription(ctx, sub.ProviderSubID); err != nil {
			return errors.Join(ErrProvider, err)
		}
		return e.store.InTx(ctx, func(tx Store) error {
			sub.Status = SubStatusCancelled
			sub.UpdatedAt = now
			if err := tx.SaveSubscription(ctx, sub); err != nil {
				return err
			}
			org.PlanStatus = PlanStatusCanceled
			org.UpdatedAt = now
			return tx.SaveOrganization(ctx, org)
		})
	}

	sub.CancelAtPeriodEnd = true
	sub.UpdatedAt = now
	if err := e.store.SaveSubscription(ctx, sub); err != nil {
		return err
	}

	e.log.InfoContext(ctx, "subscription cancellation deferred to period end",
		"organization_id", orgID,
		"period_end", sub.CurrentPeriodEnd,
	)
	return nil
}

// ReactivateSubscription clears a pending deferred cancellation. Once the
// deferral window has passed and the subscription is fully cancelled, the
// organization must subscribe again instead.
func (e *Engine) ReactivateSubscription(ctx context.Context, orgID uuid.UUID) error {
	sub, err := e.store.GetSubscriptionByOrg(ctx, orgID)
	if err != nil {
		return err
	}
	if sub.IsCancelled() {
		return ErrSubscriptionCancelled
	}
	if !sub.CancelAtPeriodEnd {
		return nil
	}

	sub.CancelAtPeriodEnd = false
	sub.UpdatedAt = e.now()
	if err := e.store.SaveSubscription(ctx, sub); err != nil {
		return err
	}

	e.log.InfoContext(ctx, "subscription reactivated", "organization_id", orgID)
	return nil
}

// HandleSubscriptionPayment is the reconciliation primitive behind both the
// webhook path and the periodic sweep. It re-fetches the subscription from
// the provider (webhook payloads are never trusted for status), records any
// new payments as invoices deduplicated by provider payment id, and maps
// the provider status onto the subscription and organization in one
// transaction. Safe to call any number of times with the same input.
func (e *Engine) HandleSubscriptionPayment(ctx context.Context, providerSubID string) error {
	remote, err := e.provider.GetSubscription(ctx, providerSubID)
	if err != nil {
		return errors.Join(ErrProvider, err)
	}

	sub, err := e.store.GetSubscriptionByProviderID(ctx, providerSubID)
	if err != nil {
		return err
	}

	payments, err := e.provider.ListSubscriptionPayments(ctx, providerSubID)
	if err != nil {
		// Status can still be synced; payment history catches up on the
		// next delivery or sweep.
		e.log.WarnContext(ctx, "failed to list subscription payments",
			"provider_subscription_id", providerSubID,
			"error", err,
		)
	}

	return e.store.InTx(ctx, func(tx Store) error {
		org, err := tx.GetOrganization(ctx, sub.OrganizationID)
		if err != nil {
			return err
		}

		now := e.now()
		var latest *RemotePayment
		for i := range payments {
			pay := payments[i]
			if latest == nil || pay.CreatedAt.After(latest.CreatedAt) {
				latest = &payments[i]
			}

			created, err := tx.UpsertInvoice(ctx, &Invoice{
				ID:                uuid.New(),
				OrganizationID:    org.ID,
				ProviderPaymentID: pay.ID,
				Amount:            pay.AmountMinor,
				Currency:          pay.Currency,
				Status:            invoiceStatusFromPayment(pay.Status),
				PaidAt:            pay.CreatedAt,
				CreatedAt:         now,
			})
			if err != nil {
				return err
			}
			if created {
				e.log.InfoContext(ctx, "invoice recorded",
					"organization_id", org.ID,
					"provider_payment_id", pay.ID,
					"status", pay.Status,
				)
				if pay.CardBrand != "" || pay.CardLastFour != "" {
					if err := e.recordPaymentMethod(ctx, tx, org.ID, pay, now); err != nil {
						return err
					}
				}
			}
		}

		sub.Status = subscriptionStatusFromProvider(remote.Status)
		if remote.NextPaymentAt != nil {
			sub.CurrentPeriodEnd = remote.NextPaymentAt
		}
		if latest != nil && latest.Status == "approved" {
			start := latest.CreatedAt
			sub.CurrentPeriodStart = &start
		}
		sub.UpdatedAt = now
		if err := tx.SaveSubscription(ctx, sub); err != nil {
			return err
		}

		target := e.planStatusFor(sub.Status, latest)
		if target != "" && org.PlanStatus != target {
			org.PlanStatus = target
			// Activation applies the purchased tier and its limits so the
			// organization and subscription never disagree.
			if target == PlanStatusActive {
				if p, err := e.catalog.Get(sub.PlanTier); err == nil {
					org.ApplyPlan(p)
				}
			}
			org.UpdatedAt = now
			if err := tx.SaveOrganization(ctx, org); err != nil {
				return err
			}
			e.log.InfoContext(ctx, "plan status updated",
				"organization_id", org.ID,
				"plan_status", target,
			)
		}

		return nil
	})
}

// planStatusFor maps the synced subscription status (and latest charge
// outcome) onto the organization's lifecycle state. An empty result means
// "leave as is" — a still-pending checkout must not move a trialing
// organization anywhere.
func (e *Engine) planStatusFor(status SubscriptionStatus, latest *RemotePayment) PlanStatus {
	switch status {
	case SubStatusCancelled:
		return PlanStatusCanceled
	case SubStatusPaused:
		return PlanStatusUnpaid
	case SubStatusAuthorized:
		if latest != nil && latest.Status == "rejected" {
			return PlanStatusPastDue
		}
		return PlanStatusActive
	default:
		return ""
	}
}

func (e *Engine) recordPaymentMethod(ctx context.Context, tx Store, orgID uuid.UUID, pay RemotePayment, now time.Time) error {
	existing, err := tx.ListPaymentMethods(ctx, orgID)
	if err != nil {
		return err
	}
	for _, pm := range existing {
		if pm.Active && pm.Brand == pay.CardBrand && pm.LastFour == pay.CardLastFour {
			return nil
		}
	}
	return tx.SavePaymentMethod(ctx, &PaymentMethod{
		ID:             uuid.New(),
		OrganizationID: orgID,
		Brand:          pay.CardBrand,
		LastFour:       pay.CardLastFour,
		Type:           "card",
		IsDefault:      true,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
}

// FinalizeDeferredCancellation completes a cancel-at-period-end whose paid
// period is over: the provider subscription is cancelled and both records
// move to their terminal states. Called by the reconciliation sweep.
func (e *Engine) FinalizeDeferredCancellation(ctx context.Context, providerSubID string) error {
	sub, err := e.store.GetSubscriptionByProviderID(ctx, providerSubID)
	if err != nil {
		return err
	}
	if sub.IsCancelled() {
		return nil
	}

	if err := e.provider.CancelSubscription(ctx, sub.ProviderSubID); err != nil {
		return errors.Join(ErrProvider, err)
	}

	now := e.now()
	return e.store.InTx(ctx, func(tx Store) error {
		org, err := tx.GetOrganization(ctx, sub.OrganizationID)
		if err != nil {
			return err
		}
		sub.Status = SubStatusCancelled
		sub.UpdatedAt = now
		if err := tx.SaveSubscription(ctx, sub); err != nil {
			return err
		}
		org.PlanStatus = PlanStatusCanceled
		org.UpdatedAt = now
		return tx.SaveOrganization(ctx, org)
	})
}

// ExpireTrial cancels an organization whose trial ran out with no payment
// ever authorized. No provider event fires for "nothing happened", so only
// the reconciliation sweep calls this.
func (e *Engine) ExpireTrial(ctx context.Context, orgID uuid.UUID) error {
	org, err := e.store.GetOrganization(ctx, orgID)
	if err != nil {
		return err
	}
	if org.PlanStatus != PlanStatusTrialing {
		return nil
	}

	// A subscription that authorized in the meantime wins over expiry;
	// the status sync pass will activate the organization.
	if sub, err := e.store.GetSubscriptionByOrg(ctx, orgID); err == nil && sub.Status == SubStatusAuthorized {
		return nil
	}

	org.PlanStatus = PlanStatusCanceled
	org.UpdatedAt = e.now()
	if err := e.store.SaveOrganization(ctx, org); err != nil {
		return err
	}

	e.log.InfoContext(ctx, "trial expired", "organization_id", orgID)
	return nil
}

func invoiceStatusFromPayment(providerStatus string) InvoiceStatus {
	switch providerStatus {
	case "approved":
		return InvoicePaid
	case "rejected", "cancelled":
		return InvoiceFailed
	default:
		return InvoicePending
	}
}

func subscriptionStatusFromProvider(remote string) SubscriptionStatus {
	switch strings.ToLower(remote) {
	case "authorized":
		return SubStatusAuthorized
	case "paused":
		return SubStatusPaused
	case "cancelled", "canceled":
		return SubStatusCancelled
	default:
		return SubStatusPending
	}
}
