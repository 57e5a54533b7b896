package billing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for tests and local development.
// Writes are serialized by a single mutex; InTx runs the callback against
// the same store, which is atomic enough for a single process but offers
// no rollback — production code uses the postgres store.
type MemoryStore struct {
	mu            sync.RWMutex
	organizations map[uuid.UUID]Organization
	subscriptions map[uuid.UUID]Subscription
	invoices      map[string]Invoice // keyed by ProviderPaymentID
	methods       map[uuid.UUID]PaymentMethod
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		organizations: make(map[uuid.UUID]Organization),
		subscriptions: make(map[uuid.UUID]Subscription),
		invoices:      make(map[string]Invoice),
		methods:       make(map[uuid.UUID]PaymentMethod),
	}
}

func (m *MemoryStore) GetOrganization(_ context.Context, id uuid.UUID) (*Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	org, ok := m.organizations[id]
	if !ok {
		return nil, ErrOrganizationNotFound
	}
	return cloneOrg(org), nil
}

func (m *MemoryStore) SaveOrganization(_ context.Context, org *Organization) error {
	if org == nil || org.ID == uuid.Nil {
		return ErrMissingOrgID
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.organizations[org.ID] = *cloneOrg(*org)
	return nil
}

func (m *MemoryStore) ListTrialingOrganizations(_ context.Context, endedBefore time.Time) ([]Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Organization
	for _, org := range m.organizations {
		if org.PlanStatus == PlanStatusTrialing && org.TrialEndsAt != nil && org.TrialEndsAt.Before(endedBefore) {
			out = append(out, *cloneOrg(org))
		}
	}
	sortOrgs(out)
	return out, nil
}

func (m *MemoryStore) ListUsageResetDue(_ context.Context, now time.Time) ([]Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Organization
	for _, org := range m.organizations {
		if !org.UsageCycleStart.IsZero() && !org.UsageCycleStart.AddDate(0, 1, 0).After(now) {
			out = append(out, *cloneOrg(org))
		}
	}
	sortOrgs(out)
	return out, nil
}

func (m *MemoryStore) GetSubscriptionByOrg(_ context.Context, orgID uuid.UUID) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *Subscription
	for _, sub := range m.subscriptions {
		if sub.OrganizationID != orgID {
			continue
		}
		// Prefer the non-cancelled row; otherwise the most recent one.
		if latest == nil || (latest.IsCancelled() && sub.IsActiveEquivalent()) ||
			(latest.IsCancelled() == sub.IsCancelled() && sub.CreatedAt.After(latest.CreatedAt)) {
			s := sub
			latest = &s
		}
	}
	if latest == nil {
		return nil, ErrSubscriptionNotFound
	}
	return cloneSub(*latest), nil
}

func (m *MemoryStore) GetSubscriptionByProviderID(_ context.Context, providerSubID string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, sub := range m.subscriptions {
		if sub.ProviderSubID == providerSubID {
			return cloneSub(sub), nil
		}
	}
	return nil, ErrSubscriptionNotFound
}

func (m *MemoryStore) SaveSubscription(_ context.Context, sub *Subscription) error {
	if sub == nil || sub.ID == uuid.Nil {
		return ErrSubscriptionNotFound
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions[sub.ID] = *cloneSub(*sub)
	return nil
}

func (m *MemoryStore) ListDeferredCancellations(_ context.Context, endedBefore time.Time) ([]Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Subscription
	for _, sub := range m.subscriptions {
		if sub.CancelAtPeriodEnd && !sub.IsCancelled() && sub.PeriodEndedAt(endedBefore) {
			out = append(out, *cloneSub(sub))
		}
	}
	sortSubs(out)
	return out, nil
}

func (m *MemoryStore) ListNonTerminalSubscriptions(_ context.Context) ([]Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Subscription
	for _, sub := range m.subscriptions {
		if sub.IsActiveEquivalent() {
			out = append(out, *cloneSub(sub))
		}
	}
	sortSubs(out)
	return out, nil
}

func (m *MemoryStore) UpsertInvoice(_ context.Context, inv *Invoice) (bool, error) {
	if inv == nil || inv.ProviderPaymentID == "" {
		return false, ErrInvoiceNotFound
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.invoices[inv.ProviderPaymentID]; exists {
		return false, nil
	}
	m.invoices[inv.ProviderPaymentID] = *inv
	return true, nil
}

func (m *MemoryStore) ListInvoices(_ context.Context, orgID uuid.UUID) ([]Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Invoice
	for _, inv := range m.invoices {
		if inv.OrganizationID == orgID {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PaidAt.After(out[j].PaidAt) })
	return out, nil
}

func (m *MemoryStore) SavePaymentMethod(_ context.Context, pm *PaymentMethod) error {
	if pm == nil || pm.ID == uuid.Nil {
		return ErrPaymentMethodNotFound
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// At most one default per organization.
	if pm.IsDefault {
		for id, other := range m.methods {
			if other.OrganizationID == pm.OrganizationID && id != pm.ID && other.IsDefault {
				other.IsDefault = false
				m.methods[id] = other
			}
		}
	}
	m.methods[pm.ID] = *pm
	return nil
}

func (m *MemoryStore) GetPaymentMethod(_ context.Context, id uuid.UUID) (*PaymentMethod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pm, ok := m.methods[id]
	if !ok {
		return nil, ErrPaymentMethodNotFound
	}
	return &pm, nil
}

func (m *MemoryStore) ListPaymentMethods(_ context.Context, orgID uuid.UUID) ([]PaymentMethod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []PaymentMethod
	for _, pm := range m.methods {
		if pm.OrganizationID == orgID {
			out = append(out, pm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) InTx(ctx context.Context, fn func(Store) error) error {
	return fn(m)
}

func cloneOrg(o Organization) *Organization {
	c := o
	if o.TrialEndsAt != nil {
		t := *o.TrialEndsAt
		c.TrialEndsAt = &t
	}
	return &c
}

func cloneSub(s Subscription) *Subscription {
	c := s
	if s.CurrentPeriodStart != nil {
		t := *s.CurrentPeriodStart
		c.CurrentPeriodStart = &t
	}
	if s.CurrentPeriodEnd != nil {
		t := *s.CurrentPeriodEnd
		c.CurrentPeriodEnd = &t
	}
	return &c
}

func sortOrgs(orgs []Organization) {
	sort.Slice(orgs, func(i, j int) bool { return orgs[i].ID.String() < orgs[j].ID.String() })
}

func sortSubs(subs []Subscription) {
	sort.Slice(subs, func(i, j int) bool { return subs[i].ID.String() < subs[j].ID.String() })
}
