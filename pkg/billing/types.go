package billing

import (
	"time"

	"github.com/google/uuid"

	"github.com/propstack/billing/pkg/plan"
)

// PlanStatus is an organization's billing lifecycle state.
type PlanStatus string

const (
	PlanStatusTrialing PlanStatus = "trialing"
	PlanStatusActive   PlanStatus = "active"
	PlanStatusPastDue  PlanStatus = "past_due"
	PlanStatusCanceled PlanStatus = "canceled"
	PlanStatusUnpaid   PlanStatus = "unpaid"
)

func (s PlanStatus) Valid() bool {
	switch s {
	case PlanStatusTrialing, PlanStatusActive, PlanStatusPastDue, PlanStatusCanceled, PlanStatusUnpaid:
		return true
	}
	return false
}

// Organization is the billing view of a tenant. The rest of the application
// owns the full record; this subsystem reads and writes only these fields.
type Organization struct {
	ID                 uuid.UUID
	Name               string
	PlanTier           plan.Tier
	PlanStatus         PlanStatus
	TrialEndsAt        *time.Time
	ConversationsUsed  int64     // current monthly counter
	UsageCycleStart    time.Time // anchor for the monthly counter reset
	MaxProperties      int64
	MaxTeamMembers     int64
	MaxConversations   int64
	ProviderCustomerID string
	UpdatedAt          time.Time
}

// Limits returns the organization's denormalized resource caps in the shape
// the feature gate consumes.
func (o *Organization) Limits() plan.Limits {
	return plan.Limits{
		MaxProperties:    o.MaxProperties,
		MaxTeamMembers:   o.MaxTeamMembers,
		MaxConversations: o.MaxConversations,
	}
}

// ApplyPlan sets the tier and its limits together so the two can never be
// written independently.
func (o *Organization) ApplyPlan(p plan.Plan) {
	o.PlanTier = p.Tier
	o.MaxProperties = p.Limits.MaxProperties
	o.MaxTeamMembers = p.Limits.MaxTeamMembers
	o.MaxConversations = p.Limits.MaxConversations
}

// IsTrialExpiredAt reports whether the trial window has passed.
func (o *Organization) IsTrialExpiredAt(now time.Time) bool {
	return o.TrialEndsAt != nil && now.After(*o.TrialEndsAt)
}

// SubscriptionStatus mirrors the provider's recurring-charge states.
type SubscriptionStatus string

const (
	SubStatusPending    SubscriptionStatus = "pending"
	SubStatusAuthorized SubscriptionStatus = "authorized"
	SubStatusPaused     SubscriptionStatus = "paused"
	SubStatusCancelled  SubscriptionStatus = "cancelled"
)

// Subscription is one recurring-billing agreement with the provider.
// Cancelled rows are retained for audit and may be superseded in place by a
// fresh subscribe, keeping at most one active-equivalent row per organization.
type Subscription struct {
	ID                 uuid.UUID
	OrganizationID     uuid.UUID
	Provider           string
	ProviderSubID      string
	PlanTier           plan.Tier
	Amount             int64 // minor units per billing cycle
	Currency           string
	Status             SubscriptionStatus
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (s *Subscription) IsCancelled() bool {
	return s.Status == SubStatusCancelled
}

// IsActiveEquivalent reports whether the row occupies the organization's
// single active-subscription slot (pending, authorized, or paused).
func (s *Subscription) IsActiveEquivalent() bool {
	return !s.IsCancelled()
}

// PeriodEndedAt reports whether the paid period this row covers is over.
func (s *Subscription) PeriodEndedAt(now time.Time) bool {
	return s.CurrentPeriodEnd != nil && now.After(*s.CurrentPeriodEnd)
}

// InvoiceStatus is the outcome of one charge attempt.
type InvoiceStatus string

const (
	InvoicePaid    InvoiceStatus = "paid"
	InvoiceFailed  InvoiceStatus = "failed"
	InvoicePending InvoiceStatus = "pending"
)

// Invoice records one provider charge attempt. Rows are append-only and
// deduplicated by ProviderPaymentID; they are created exclusively from
// provider payment confirmations, never from user action.
type Invoice struct {
	ID                uuid.UUID
	OrganizationID    uuid.UUID
	ProviderPaymentID string
	Amount            int64
	Currency          string
	Status            InvoiceStatus
	PaidAt            time.Time
	CreatedAt         time.Time
}

// PaymentMethod is display-only card metadata. Nothing here is a payment
// instrument: the provider keeps the sensitive half. Rows are soft-deleted
// (Active flips to false) to preserve the audit trail.
type PaymentMethod struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	Brand          string
	LastFour       string
	Type           string
	IsDefault      bool
	Active         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
