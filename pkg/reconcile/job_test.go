package reconcile_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propstack/billing/pkg/billing"
	"github.com/propstack/billing/pkg/plan"
	"github.com/propstack/billing/pkg/reconcile"
)

var sweepNow = time.Date(2025, 6, 15, 3, 0, 0, 0, time.UTC)

// sweepProvider answers provider calls for the sync pass with a fixed
// remote status and records cancellations.
type sweepProvider struct {
	status        string
	cancelErr     error
	cancelledSubs []string
}

func (p *sweepProvider) Name() string { return "mercadopago" }

func (p *sweepProvider) CreateCustomer(context.Context, string) (string, error) {
	return "cus_1", nil
}

func (p *sweepProvider) CreateSubscription(context.Context, billing.CreateSubscriptionRequest) (*billing.RemoteSubscription, error) {
	return nil, errors.New("not used in sweep")
}

func (p *sweepProvider) UpdateSubscriptionAmount(context.Context, string, int64, string) error {
	return nil
}

func (p *sweepProvider) CancelSubscription(_ context.Context, providerSubID string) error {
	if p.cancelErr != nil {
		return p.cancelErr
	}
	p.cancelledSubs = append(p.cancelledSubs, providerSubID)
	return nil
}

func (p *sweepProvider) GetSubscription(_ context.Context, providerSubID string) (*billing.RemoteSubscription, error) {
	status := p.status
	if status == "" {
		status = "authorized"
	}
	return &billing.RemoteSubscription{ID: providerSubID, Status: status}, nil
}

func (p *sweepProvider) GetPayment(context.Context, string) (*billing.RemotePayment, error) {
	return nil, errors.New("not used in sweep")
}

func (p *sweepProvider) ListSubscriptionPayments(context.Context, string) ([]billing.RemotePayment, error) {
	return nil, nil
}

func (p *sweepProvider) VerifyWebhook([]byte, string, string) error { return nil }

func (p *sweepProvider) ParseWebhook([]byte) (*billing.WebhookEvent, error) {
	return &billing.WebhookEvent{Kind: billing.EventUnknown}, nil
}

func newSweepJob(t *testing.T, provider *sweepProvider, store billing.Store, opts ...reconcile.Option) *reconcile.Job {
	t.Helper()
	eng, err := billing.NewEngine(context.Background(),
		plan.NewStaticSource(plan.Default()), provider, store,
		billing.WithClock(func() time.Time { return sweepNow }),
	)
	require.NoError(t, err)

	opts = append([]reconcile.Option{
		reconcile.WithClock(func() time.Time { return sweepNow }),
	}, opts...)
	return reconcile.NewJob(eng, store, opts...)
}

func saveOrg(t *testing.T, store billing.Store, org billing.Organization) billing.Organization {
	t.Helper()
	if org.ID == uuid.Nil {
		org.ID = uuid.New()
	}
	if org.PlanTier == "" {
		org.PlanTier = plan.TierBasic
	}
	if org.UsageCycleStart.IsZero() {
		org.UsageCycleStart = sweepNow.AddDate(0, 0, -5)
	}
	require.NoError(t, store.SaveOrganization(context.Background(), &org))
	return org
}

func TestJobRunAllPasses(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	provider := &sweepProvider{status: "authorized"}
	store := billing.NewMemoryStore()
	job := newSweepJob(t, provider, store)

	// An expired trial that never converted.
	expiredTrialEnd := sweepNow.AddDate(0, 0, -1)
	trialOrg := saveOrg(t, store, billing.Organization{
		PlanStatus:  billing.PlanStatusTrialing,
		TrialEndsAt: &expiredTrialEnd,
	})

	// A deferred cancellation whose paid period is over.
	endedPeriod := sweepNow.AddDate(0, 0, -2)
	cancelOrg := saveOrg(t, store, billing.Organization{PlanStatus: billing.PlanStatusActive})
	require.NoError(t, store.SaveSubscription(ctx, &billing.Subscription{
		ID:                uuid.New(),
		OrganizationID:    cancelOrg.ID,
		Provider:          "mercadopago",
		ProviderSubID:     "presub_cancel",
		PlanTier:          plan.TierBasic,
		Status:            billing.SubStatusAuthorized,
		CancelAtPeriodEnd: true,
		CurrentPeriodEnd:  &endedPeriod,
		CreatedAt:         sweepNow.AddDate(0, -2, 0),
	}))

	// An organization a month into its usage cycle with conversations spent.
	usageOrg := saveOrg(t, store, billing.Organization{
		PlanStatus:        billing.PlanStatusActive,
		ConversationsUsed: 180,
		UsageCycleStart:   sweepNow.AddDate(0, -1, -3),
	})

	result, err := job.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, result.CanceledAtPeriodEnd)
	assert.Equal(t, 1, result.ExpiredTrials)
	assert.Equal(t, 1, result.ConversationsReset)
	assert.Empty(t, result.Errors)

	got, err := store.GetOrganization(ctx, trialOrg.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.PlanStatusCanceled, got.PlanStatus)

	got, err = store.GetOrganization(ctx, cancelOrg.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.PlanStatusCanceled, got.PlanStatus)
	assert.Equal(t, []string{"presub_cancel"}, provider.cancelledSubs)

	got, err = store.GetOrganization(ctx, usageOrg.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.ConversationsUsed)
	// The anchor advanced by exactly one month, staying in the past so a
	// mid-cycle sweep tomorrow does not reset again.
	assert.Equal(t, sweepNow.AddDate(0, 0, -3), got.UsageCycleStart)
}

func TestJobSyncStatuses(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	provider := &sweepProvider{status: "paused"}
	store := billing.NewMemoryStore()
	job := newSweepJob(t, provider, store)

	org := saveOrg(t, store, billing.Organization{PlanStatus: billing.PlanStatusActive})
	require.NoError(t, store.SaveSubscription(ctx, &billing.Subscription{
		ID:             uuid.New(),
		OrganizationID: org.ID,
		Provider:       "mercadopago",
		ProviderSubID:  "presub_sync",
		PlanTier:       plan.TierBasic,
		Status:         billing.SubStatusAuthorized,
		CreatedAt:      sweepNow.AddDate(0, -1, 0),
	}))

	result, err := job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.StatusSynced)

	// The missed pause webhook is recovered by the sweep.
	got, err := store.GetOrganization(ctx, org.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.PlanStatusUnpaid, got.PlanStatus)
}

func TestJobContinuesPastFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	provider := &sweepProvider{cancelErr: errors.New("api down")}
	store := billing.NewMemoryStore()
	job := newSweepJob(t, provider, store)

	endedPeriod := sweepNow.AddDate(0, 0, -2)
	org := saveOrg(t, store, billing.Organization{PlanStatus: billing.PlanStatusActive})
	require.NoError(t, store.SaveSubscription(ctx, &billing.Subscription{
		ID:                uuid.New(),
		OrganizationID:    org.ID,
		Provider:          "mercadopago",
		ProviderSubID:     "presub_fail",
		PlanTier:          plan.TierBasic,
		Status:            billing.SubStatusAuthorized,
		CancelAtPeriodEnd: true,
		CurrentPeriodEnd:  &endedPeriod,
		CreatedAt:         sweepNow.AddDate(0, -2, 0),
	}))

	usageOrg := saveOrg(t, store, billing.Organization{
		PlanStatus:        billing.PlanStatusActive,
		ConversationsUsed: 42,
		UsageCycleStart:   sweepNow.AddDate(0, -1, -1),
	})

	result, err := job.Run(ctx)
	require.NoError(t, err)

	// The cancellation pass failed but the usage pass still ran.
	assert.Equal(t, 0, result.CanceledAtPeriodEnd)
	assert.Equal(t, 1, result.ConversationsReset)
	require.NotEmpty(t, result.Errors)
	assert.Equal(t, "canceled_at_period_end", result.Errors[0].Pass)
	assert.Equal(t, org.ID, result.Errors[0].OrganizationID)

	got, err := store.GetOrganization(ctx, usageOrg.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.ConversationsUsed)
}

// stubLocker implements reconcile.Locker in memory.
type stubLocker struct {
	held     bool
	acquired int
	released int
	err      error
}

func (l *stubLocker) Acquire(context.Context, string, time.Duration) (func(), bool, error) {
	if l.err != nil {
		return nil, false, l.err
	}
	if l.held {
		return nil, false, nil
	}
	l.held = true
	l.acquired++
	return func() {
		l.held = false
		l.released++
	}, true, nil
}

func TestJobLocking(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("acquires and releases", func(t *testing.T) {
		t.Parallel()

		locker := &stubLocker{}
		job := newSweepJob(t, &sweepProvider{}, billing.NewMemoryStore(),
			reconcile.WithLocker(locker))

		_, err := job.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, locker.acquired)
		assert.Equal(t, 1, locker.released)
	})

	t.Run("refuses while another sweep holds the lock", func(t *testing.T) {
		t.Parallel()

		locker := &stubLocker{held: true}
		job := newSweepJob(t, &sweepProvider{}, billing.NewMemoryStore(),
			reconcile.WithLocker(locker))

		_, err := job.Run(ctx)
		assert.ErrorIs(t, err, reconcile.ErrSweepInProgress)
	})

	t.Run("surfaces locker errors", func(t *testing.T) {
		t.Parallel()

		locker := &stubLocker{err: errors.New("redis down")}
		job := newSweepJob(t, &sweepProvider{}, billing.NewMemoryStore(),
			reconcile.WithLocker(locker))

		_, err := job.Run(ctx)
		require.Error(t, err)
		assert.NotErrorIs(t, err, reconcile.ErrSweepInProgress)
	})
}
