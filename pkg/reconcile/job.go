// Package reconcile runs the periodic sweep that keeps billing state
// honest: it applies time-based transitions no webhook fires for (trial
// expiry, deferred cancellation) and re-syncs every live subscription
// against the provider as the safety net for missed webhooks.
//
// The sweep is the only writer allowed to reset monthly usage counters.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/propstack/billing/pkg/billing"
)

// ErrSweepInProgress is returned when another sweep holds the lock.
var ErrSweepInProgress = errors.New("reconcile: sweep already in progress")

// Result aggregates what one sweep did. A failure on one organization
// never aborts the sweep for the rest; it lands in Errors instead.
type Result struct {
	CanceledAtPeriodEnd int          `json:"canceled_at_period_end"`
	ExpiredTrials       int          `json:"expired_trials"`
	StatusSynced        int          `json:"status_synced"`
	ConversationsReset  int          `json:"conversations_reset"`
	Errors              []SweepError `json:"errors"`
}

// SweepError records one per-organization failure.
type SweepError struct {
	OrganizationID uuid.UUID `json:"organization_id"`
	Pass           string    `json:"pass"`
	Error          string    `json:"error"`
}

// Locker serializes sweeps across processes. Acquire returns a release
// function when the lock was taken, or ok=false when another holder exists.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// Job is the cron-triggered reconciliation sweep.
type Job struct {
	engine *billing.Engine
	store  billing.Store
	log    *slog.Logger
	locker Locker
	ttl    time.Duration
	now    func() time.Time
}

// Option configures a Job.
type Option func(*Job)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(j *Job) {
		if log != nil {
			j.log = log
		}
	}
}

// WithLocker guards the sweep with a cross-process lock, usually the redis
// implementation in this package.
func WithLocker(l Locker) Option {
	return func(j *Job) { j.locker = l }
}

// WithLockTTL bounds how long a crashed sweep can block the next one.
func WithLockTTL(ttl time.Duration) Option {
	return func(j *Job) {
		if ttl > 0 {
			j.ttl = ttl
		}
	}
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(j *Job) {
		if now != nil {
			j.now = now
		}
	}
}

// NewJob builds the sweep over the same engine and store the webhook path
// uses, so both paths share one set of transition rules.
func NewJob(engine *billing.Engine, store billing.Store, opts ...Option) *Job {
	if engine == nil {
		panic("reconcile: engine is required")
	}
	if store == nil {
		panic("reconcile: store is required")
	}

	j := &Job{
		engine: engine,
		store:  store,
		log:    slog.Default(),
		ttl:    10 * time.Minute,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

const lockKey = "billing:reconcile:sweep"

// Run executes the four passes. Each pass tolerates failures in the others;
// only an inability to even list work is treated as a pass-level error.
func (j *Job) Run(ctx context.Context) (*Result, error) {
	if j.locker != nil {
		release, ok, err := j.locker.Acquire(ctx, lockKey, j.ttl)
		if err != nil {
			return nil, fmt.Errorf("reconcile: failed to acquire sweep lock: %w", err)
		}
		if !ok {
			return nil, ErrSweepInProgress
		}
		defer release()
	}

	started := j.now()
	result := &Result{}

	j.finalizeCancellations(ctx, result)
	j.expireTrials(ctx, result)
	j.syncStatuses(ctx, result)
	j.resetUsage(ctx, result)

	j.log.InfoContext(ctx, "reconciliation sweep finished",
		"duration", j.now().Sub(started),
		"canceled_at_period_end", result.CanceledAtPeriodEnd,
		"expired_trials", result.ExpiredTrials,
		"status_synced", result.StatusSynced,
		"conversations_reset", result.ConversationsReset,
		"errors", len(result.Errors),
	)
	return result, nil
}

// Pass 1: deferred cancellations whose paid period ended.
func (j *Job) finalizeCancellations(ctx context.Context, result *Result) {
	subs, err := j.store.ListDeferredCancellations(ctx, j.now())
	if err != nil {
		j.failPass(ctx, result, "canceled_at_period_end", uuid.Nil, err)
		return
	}

	for _, sub := range subs {
		if err := j.engine.FinalizeDeferredCancellation(ctx, sub.ProviderSubID); err != nil {
			j.failPass(ctx, result, "canceled_at_period_end", sub.OrganizationID, err)
			continue
		}
		result.CanceledAtPeriodEnd++
	}
}

// Pass 2: trials that ran out with no payment method ever authorized.
// No provider event fires for "nothing happened", so this runs here and
// never on the webhook path.
func (j *Job) expireTrials(ctx context.Context, result *Result) {
	orgs, err := j.store.ListTrialingOrganizations(ctx, j.now())
	if err != nil {
		j.failPass(ctx, result, "expired_trials", uuid.Nil, err)
		return
	}

	for _, org := range orgs {
		if err := j.engine.ExpireTrial(ctx, org.ID); err != nil {
			j.failPass(ctx, result, "expired_trials", org.ID, err)
			continue
		}
		result.ExpiredTrials++
	}
}

// Pass 3: re-sync every live subscription against the provider. This is
// the correctness backstop for webhooks that were missed, rejected after
// verification, or delivered out of order.
func (j *Job) syncStatuses(ctx context.Context, result *Result) {
	subs, err := j.store.ListNonTerminalSubscriptions(ctx)
	if err != nil {
		j.failPass(ctx, result, "status_synced", uuid.Nil, err)
		return
	}

	for _, sub := range subs {
		if err := j.engine.HandleSubscriptionPayment(ctx, sub.ProviderSubID); err != nil {
			j.failPass(ctx, result, "status_synced", sub.OrganizationID, err)
			continue
		}
		result.StatusSynced++
	}
}

// Pass 4: monthly conversation counter resets. The cycle anchor advances
// by whole months so a delayed sweep cannot reset twice in one cycle.
func (j *Job) resetUsage(ctx context.Context, result *Result) {
	now := j.now()
	orgs, err := j.store.ListUsageResetDue(ctx, now)
	if err != nil {
		j.failPass(ctx, result, "conversations_reset", uuid.Nil, err)
		return
	}

	for i := range orgs {
		org := orgs[i]
		cycle := org.UsageCycleStart
		for !cycle.AddDate(0, 1, 0).After(now) {
			cycle = cycle.AddDate(0, 1, 0)
		}

		org.ConversationsUsed = 0
		org.UsageCycleStart = cycle
		org.UpdatedAt = now
		if err := j.store.SaveOrganization(ctx, &org); err != nil {
			j.failPass(ctx, result, "conversations_reset", org.ID, err)
			continue
		}
		result.ConversationsReset++
	}
}

func (j *Job) failPass(ctx context.Context, result *Result, pass string, orgID uuid.UUID, err error) {
	result.Errors = append(result.Errors, SweepError{
		OrganizationID: orgID,
		Pass:           pass,
		Error:          err.Error(),
	})
	j.log.ErrorContext(ctx, "reconciliation pass failure",
		"pass", pass,
		"organization_id", orgID,
		"error", err,
	)
}
