package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is the subset of pgx shared by pools and transactions, letting
// the same store code run inside and outside InTx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store on PostgreSQL via pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
	db   querier
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, db: pool}
}

const orgColumns = `id, name, plan_tier, plan_status, trial_ends_at,
	conversations_used, usage_cycle_start, max_properties, max_team_members,
	max_conversations, provider_customer_id, updated_at`

func (s *PostgresStore) GetOrganization(ctx context.Context, id uuid.UUID) (*Organization, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+orgColumns+` FROM organizations WHERE id = $1`, id)
	return scanOrganization(row)
}

func (s *PostgresStore) SaveOrganization(ctx context.Context, org *Organization) error {
	if org == nil || org.ID == uuid.Nil {
		return ErrMissingOrgID
	}

	// The id in the WHERE clause is the stale-write guard: an organization
	// deleted or re-created concurrently updates zero rows.
	tag, err := s.db.Exec(ctx, `
		UPDATE organizations SET
			plan_tier = $2, plan_status = $3, trial_ends_at = $4,
			conversations_used = $5, usage_cycle_start = $6,
			max_properties = $7, max_team_members = $8, max_conversations = $9,
			provider_customer_id = $10, updated_at = $11
		WHERE id = $1`,
		org.ID, org.PlanTier, org.PlanStatus, org.TrialEndsAt,
		org.ConversationsUsed, org.UsageCycleStart,
		org.MaxProperties, org.MaxTeamMembers, org.MaxConversations,
		org.ProviderCustomerID, org.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save organization: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrganizationNotFound
	}
	return nil
}

func (s *PostgresStore) ListTrialingOrganizations(ctx context.Context, endedBefore time.Time) ([]Organization, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+orgColumns+` FROM organizations
		 WHERE plan_status = $1 AND trial_ends_at IS NOT NULL AND trial_ends_at < $2
		 ORDER BY id`,
		PlanStatusTrialing, endedBefore)
	if err != nil {
		return nil, fmt.Errorf("failed to list trialing organizations: %w", err)
	}
	return collectOrganizations(rows)
}

func (s *PostgresStore) ListUsageResetDue(ctx context.Context, now time.Time) ([]Organization, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+orgColumns+` FROM organizations
		 WHERE usage_cycle_start + interval '1 month' <= $1
		 ORDER BY id`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list organizations due for usage reset: %w", err)
	}
	return collectOrganizations(rows)
}

const subColumns = `id, organization_id, provider, provider_sub_id, plan_tier,
	amount, currency, status, current_period_start, current_period_end,
	cancel_at_period_end, created_at, updated_at`

func (s *PostgresStore) GetSubscriptionByOrg(ctx context.Context, orgID uuid.UUID) (*Subscription, error) {
	// The non-cancelled row wins; otherwise the most recent cancelled one.
	row := s.db.QueryRow(ctx,
		`SELECT `+subColumns+` FROM subscriptions
		 WHERE organization_id = $1
		 ORDER BY (status = $2), created_at DESC
		 LIMIT 1`,
		orgID, SubStatusCancelled)
	return scanSubscription(row)
}

func (s *PostgresStore) GetSubscriptionByProviderID(ctx context.Context, providerSubID string) (*Subscription, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+subColumns+` FROM subscriptions WHERE provider_sub_id = $1`,
		providerSubID)
	return scanSubscription(row)
}

func (s *PostgresStore) SaveSubscription(ctx context.Context, sub *Subscription) error {
	if sub == nil || sub.ID == uuid.Nil {
		return ErrSubscriptionNotFound
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO subscriptions (`+subColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			provider = EXCLUDED.provider,
			provider_sub_id = EXCLUDED.provider_sub_id,
			plan_tier = EXCLUDED.plan_tier,
			amount = EXCLUDED.amount,
			currency = EXCLUDED.currency,
			status = EXCLUDED.status,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			cancel_at_period_end = EXCLUDED.cancel_at_period_end,
			updated_at = EXCLUDED.updated_at`,
		sub.ID, sub.OrganizationID, sub.Provider, sub.ProviderSubID, sub.PlanTier,
		sub.Amount, sub.Currency, sub.Status, sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDeferredCancellations(ctx context.Context, endedBefore time.Time) ([]Subscription, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+subColumns+` FROM subscriptions
		 WHERE cancel_at_period_end AND status <> $1
		   AND current_period_end IS NOT NULL AND current_period_end < $2
		 ORDER BY id`,
		SubStatusCancelled, endedBefore)
	if err != nil {
		return nil, fmt.Errorf("failed to list deferred cancellations: %w", err)
	}
	return collectSubscriptions(rows)
}

func (s *PostgresStore) ListNonTerminalSubscriptions(ctx context.Context) ([]Subscription, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+subColumns+` FROM subscriptions
		 WHERE status <> $1 ORDER BY id`,
		SubStatusCancelled)
	if err != nil {
		return nil, fmt.Errorf("failed to list non-terminal subscriptions: %w", err)
	}
	return collectSubscriptions(rows)
}

func (s *PostgresStore) UpsertInvoice(ctx context.Context, inv *Invoice) (bool, error) {
	if inv == nil || inv.ProviderPaymentID == "" {
		return false, ErrInvoiceNotFound
	}

	tag, err := s.db.Exec(ctx, `
		INSERT INTO invoices (id, organization_id, provider_payment_id, amount,
			currency, status, paid_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (provider_payment_id) DO NOTHING`,
		inv.ID, inv.OrganizationID, inv.ProviderPaymentID, inv.Amount,
		inv.Currency, inv.Status, inv.PaidAt, inv.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to upsert invoice: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ListInvoices(ctx context.Context, orgID uuid.UUID) ([]Invoice, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, organization_id, provider_payment_id, amount, currency,
			status, paid_at, created_at
		FROM invoices WHERE organization_id = $1
		ORDER BY paid_at DESC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}
	defer rows.Close()

	var out []Invoice
	for rows.Next() {
		var inv Invoice
		if err := rows.Scan(&inv.ID, &inv.OrganizationID, &inv.ProviderPaymentID,
			&inv.Amount, &inv.Currency, &inv.Status, &inv.PaidAt, &inv.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SavePaymentMethod(ctx context.Context, pm *PaymentMethod) error {
	if pm == nil || pm.ID == uuid.Nil {
		return ErrPaymentMethodNotFound
	}

	if pm.IsDefault {
		if _, err := s.db.Exec(ctx, `
			UPDATE payment_methods SET is_default = false
			WHERE organization_id = $1 AND id <> $2 AND is_default`,
			pm.OrganizationID, pm.ID,
		); err != nil {
			return fmt.Errorf("failed to clear default payment method: %w", err)
		}
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO payment_methods (id, organization_id, brand, last_four,
			type, is_default, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			brand = EXCLUDED.brand,
			last_four = EXCLUDED.last_four,
			type = EXCLUDED.type,
			is_default = EXCLUDED.is_default,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at`,
		pm.ID, pm.OrganizationID, pm.Brand, pm.LastFour, pm.Type,
		pm.IsDefault, pm.Active, pm.CreatedAt, pm.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save payment method: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPaymentMethod(ctx context.Context, id uuid.UUID) (*PaymentMethod, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, organization_id, brand, last_four, type, is_default,
			active, created_at, updated_at
		FROM payment_methods WHERE id = $1`, id)

	var pm PaymentMethod
	if err := row.Scan(&pm.ID, &pm.OrganizationID, &pm.Brand, &pm.LastFour,
		&pm.Type, &pm.IsDefault, &pm.Active, &pm.CreatedAt, &pm.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentMethodNotFound
		}
		return nil, fmt.Errorf("failed to get payment method: %w", err)
	}
	return &pm, nil
}

func (s *PostgresStore) ListPaymentMethods(ctx context.Context, orgID uuid.UUID) ([]PaymentMethod, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, organization_id, brand, last_four, type, is_default,
			active, created_at, updated_at
		FROM payment_methods WHERE organization_id = $1
		ORDER BY created_at`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payment methods: %w", err)
	}
	defer rows.Close()

	var out []PaymentMethod
	for rows.Next() {
		var pm PaymentMethod
		if err := rows.Scan(&pm.ID, &pm.OrganizationID, &pm.Brand, &pm.LastFour,
			&pm.Type, &pm.IsDefault, &pm.Active, &pm.CreatedAt, &pm.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment method: %w", err)
		}
		out = append(out, pm)
	}
	return out, rows.Err()
}

// InTx runs fn against a store bound to one transaction. Statements issued
// while already inside a transaction reuse it rather than nesting.
func (s *PostgresStore) InTx(ctx context.Context, fn func(Store) error) error {
	if _, alreadyInTx := s.db.(pgx.Tx); alreadyInTx {
		return fn(s)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&PostgresStore{pool: s.pool, db: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func scanOrganization(row pgx.Row) (*Organization, error) {
	var org Organization
	err := row.Scan(&org.ID, &org.Name, &org.PlanTier, &org.PlanStatus,
		&org.TrialEndsAt, &org.ConversationsUsed, &org.UsageCycleStart,
		&org.MaxProperties, &org.MaxTeamMembers, &org.MaxConversations,
		&org.ProviderCustomerID, &org.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrganizationNotFound
		}
		return nil, fmt.Errorf("failed to scan organization: %w", err)
	}
	return &org, nil
}

func collectOrganizations(rows pgx.Rows) ([]Organization, error) {
	defer rows.Close()

	var out []Organization
	for rows.Next() {
		org, err := scanOrganization(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *org)
	}
	return out, rows.Err()
}

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var sub Subscription
	err := row.Scan(&sub.ID, &sub.OrganizationID, &sub.Provider, &sub.ProviderSubID,
		&sub.PlanTier, &sub.Amount, &sub.Currency, &sub.Status,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.CancelAtPeriodEnd,
		&sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to scan subscription: %w", err)
	}
	return &sub, nil
}

func collectSubscriptions(rows pgx.Rows) ([]Subscription, error) {
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sub)
	}
	return out, rows.Err()
}
