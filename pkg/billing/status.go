package billing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/propstack/billing/pkg/gate"
)

// PlanSummary is the organization-facing slice of the status response.
type PlanSummary struct {
	Tier        string     `json:"tier"`
	Name        string     `json:"name"`
	Status      PlanStatus `json:"status"`
	TrialEndsAt *time.Time `json:"trial_ends_at,omitempty"`
}

// SubscriptionSummary is the subscription slice of the status response.
type SubscriptionSummary struct {
	ID                 uuid.UUID          `json:"id"`
	ProviderSubID      string             `json:"provider_subscription_id"`
	PlanTier           string             `json:"plan_tier"`
	Amount             int64              `json:"amount"`
	Currency           string             `json:"currency"`
	Status             SubscriptionStatus `json:"status"`
	CurrentPeriodStart *time.Time         `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time         `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd  bool               `json:"cancel_at_period_end"`
}

// StatusSummary aggregates everything the billing page renders.
type StatusSummary struct {
	Plan             PlanSummary          `json:"plan"`
	Subscription     *SubscriptionSummary `json:"subscription"`
	Conversations    gate.LimitDecision   `json:"conversations"`
	HasPaymentMethod bool                 `json:"has_payment_method"`
	Provider         string               `json:"provider"`
}

// Status returns the organization's current billing summary.
func (e *Engine) Status(ctx context.Context, orgID uuid.UUID) (*StatusSummary, error) {
	org, err := e.store.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}

	summary := &StatusSummary{
		Plan: PlanSummary{
			Tier:        org.PlanTier.String(),
			Status:      org.PlanStatus,
			TrialEndsAt: org.TrialEndsAt,
		},
		Conversations: gate.CheckLimit(org.Limits(), gate.LimitConversations, org.ConversationsUsed),
		Provider:      e.provider.Name(),
	}
	if p, err := e.catalog.Get(org.PlanTier); err == nil {
		summary.Plan.Name = p.Name
	}

	sub, err := e.store.GetSubscriptionByOrg(ctx, orgID)
	switch {
	case err == nil:
		summary.Subscription = &SubscriptionSummary{
			ID:                 sub.ID,
			ProviderSubID:      sub.ProviderSubID,
			PlanTier:           sub.PlanTier.String(),
			Amount:             sub.Amount,
			Currency:           sub.Currency,
			Status:             sub.Status,
			CurrentPeriodStart: sub.CurrentPeriodStart,
			CurrentPeriodEnd:   sub.CurrentPeriodEnd,
			CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		}
	case !errors.Is(err, ErrSubscriptionNotFound):
		return nil, err
	}

	methods, err := e.store.ListPaymentMethods(ctx, orgID)
	if err != nil {
		return nil, err
	}
	for _, pm := range methods {
		if pm.Active {
			summary.HasPaymentMethod = true
			break
		}
	}

	return summary, nil
}

// ListInvoices returns the organization's charge history, newest first.
func (e *Engine) ListInvoices(ctx context.Context, orgID uuid.UUID) ([]Invoice, error) {
	return e.store.ListInvoices(ctx, orgID)
}

// PaymentMethodInput is caller-supplied card metadata for AttachPaymentMethod.
type PaymentMethodInput struct {
	Brand    string `json:"brand"`
	LastFour string `json:"last_four"`
	Type     string `json:"type"`
	Default  bool   `json:"default"`
}

// AttachPaymentMethod stores card display metadata for the billing page.
// The provider holds the actual instrument; this record only drives what
// the organization sees. A new default demotes any previous one.
func (e *Engine) AttachPaymentMethod(ctx context.Context, orgID uuid.UUID, in PaymentMethodInput) (*PaymentMethod, error) {
	if in.Brand == "" || in.LastFour == "" {
		return nil, ErrInvalidPaymentMethod
	}
	if in.Type == "" {
		in.Type = "card"
	}

	if _, err := e.store.GetOrganization(ctx, orgID); err != nil {
		return nil, err
	}

	now := e.now()
	pm := &PaymentMethod{
		ID:             uuid.New(),
		OrganizationID: orgID,
		Brand:          in.Brand,
		LastFour:       in.LastFour,
		Type:           in.Type,
		IsDefault:      in.Default,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.store.SavePaymentMethod(ctx, pm); err != nil {
		return nil, err
	}
	return pm, nil
}

// ListPaymentMethods returns the organization's stored card metadata,
// including inactive (soft-deleted) entries.
func (e *Engine) ListPaymentMethods(ctx context.Context, orgID uuid.UUID) ([]PaymentMethod, error) {
	return e.store.ListPaymentMethods(ctx, orgID)
}

// RemovePaymentMethod soft-deletes a stored card: the row flips to
// inactive and loses its default flag, preserving the audit trail.
func (e *Engine) RemovePaymentMethod(ctx context.Context, orgID, methodID uuid.UUID) error {
	pm, err := e.store.GetPaymentMethod(ctx, methodID)
	if err != nil {
		return err
	}
	if pm.OrganizationID != orgID {
		return ErrPaymentMethodNotFound
	}
	if !pm.Active {
		return nil
	}

	pm.Active = false
	pm.IsDefault = false
	pm.UpdatedAt = e.now()
	return e.store.SavePaymentMethod(ctx, pm)
}
