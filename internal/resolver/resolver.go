// Package resolver applies the date-triggered effects of the subscription lifecycle once per
// calendar day: renewal reminders, scheduled cancellations and plan changes, trial expiry and
// suspension after the grace period.
package resolver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/contratapro-lifecycle/internal/notifications"
	"github.com/angelmondragon/contratapro-lifecycle/internal/subscriptions"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/clock"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/config"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/db/models"
	pkgerrors "github.com/angelmondragon/contratapro-lifecycle/pkg/errors"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/logger"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/metrics"
)

// JobName identifies the resolver in leases and job metrics.
const JobName = "subscription-resolver"

// Pass names, in execution order.
const (
	PassRenewalReminders       = "renewal-reminders"
	PassScheduledCancellations = "scheduled-cancellations"
	PassScheduledPlanChanges   = "scheduled-plan-changes"
	PassExpiringTrials         = "expiring-trials"
	PassGracePeriodExpired     = "grace-period-expired"
)

const (
	defaultConcurrency         = 4
	defaultNotificationTimeout = 10 * time.Second
	defaultReminderLeadDays    = 7
)

// Candidates lists the rows each pass should look at.
type Candidates interface {
	Ping(ctx context.Context) error
	ListReminderCandidates(ctx context.Context, today, remindOn time.Time) ([]uuid.UUID, error)
	ListDueCancellations(ctx context.Context, today time.Time) ([]uuid.UUID, error)
	ListDuePlanChanges(ctx context.Context, today time.Time) ([]uuid.UUID, error)
	ListExpiringTrials(ctx context.Context, today time.Time) ([]uuid.UUID, error)
	ListGraceExpired(ctx context.Context, today time.Time) ([]uuid.UUID, error)
}

// Lifecycle applies the per-row transitions. Each call re-reads the row and re-checks it.
type Lifecycle interface {
	PrepareRenewalReminder(ctx context.Context, id uuid.UUID, today, remindOn time.Time) (subscriptions.Transition, error)
	MarkReminderSent(ctx context.Context, id uuid.UUID, today time.Time) (*models.Subscription, error)
	ApplyScheduledCancellation(ctx context.Context, id uuid.UUID, today time.Time) (subscriptions.Transition, error)
	ApplyScheduledPlanChange(ctx context.Context, id uuid.UUID, today time.Time) (subscriptions.Transition, error)
	ExpireTrial(ctx context.Context, id uuid.UUID, today time.Time) (subscriptions.Transition, error)
	SuspendForNonPayment(ctx context.Context, id uuid.UUID, today time.Time) (subscriptions.Transition, error)
	ReleaseAgreement(ctx context.Context, ref string)
}

// Params groups resolver dependencies.
type Params struct {
	Candidates Candidates
	Lifecycle  Lifecycle
	Notifier   notifications.Notifier
	Clock      clock.Clock
	Logger     *logger.Logger
	Metrics    *metrics.ResolverMetrics
	Config     config.ResolverConfig
}

// Resolver runs the five daily passes. It keeps no state between runs.
type Resolver struct {
	candidates  Candidates
	lifecycle   Lifecycle
	notifier    notifications.Notifier
	clock       clock.Clock
	logg        *logger.Logger
	metrics     *metrics.ResolverMetrics
	concurrency int
	notifyTTL   time.Duration
	leadDays    int
}

// New builds a resolver.
func New(params Params) (*Resolver, error) {
	if params.Candidates == nil {
		return nil, fmt.Errorf("candidate store required")
	}
	if params.Lifecycle == nil {
		return nil, fmt.Errorf("lifecycle service required")
	}
	if params.Clock == nil {
		return nil, fmt.Errorf("clock required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	notifier := params.Notifier
	if notifier == nil {
		notifier = notifications.Nop{}
	}
	cfg := params.Config
	r := &Resolver{
		candidates:  params.Candidates,
		lifecycle:   params.Lifecycle,
		notifier:    notifier,
		clock:       params.Clock,
		logg:        params.Logger,
		metrics:     params.Metrics,
		concurrency: cfg.Concurrency,
		notifyTTL:   cfg.NotificationTimeout,
		leadDays:    cfg.ReminderLeadDays,
	}
	if r.concurrency <= 0 {
		r.concurrency = defaultConcurrency
	}
	if r.notifyTTL <= 0 {
		r.notifyTTL = defaultNotificationTimeout
	}
	if r.leadDays <= 0 {
		r.leadDays = defaultReminderLeadDays
	}
	return r, nil
}

// Report summarizes one run.
type Report struct {
	Date   time.Time    `json:"date"`
	Passes []PassResult `json:"passes"`
}

// PassResult counts row outcomes of one pass. Err aggregates every row failure and a failed
// candidate query.
type PassResult struct {
	Pass                string `json:"pass"`
	Candidates          int    `json:"candidates"`
	Processed           int    `json:"processed"`
	Failed              int    `json:"failed"`
	Skipped             int    `json:"skipped"`
	NotificationsFailed int    `json:"notifications_failed"`
	Err                 error  `json:"-"`
}

// Failed reports whether any pass recorded a failure.
func (r Report) Failed() bool {
	for _, p := range r.Passes {
		if p.Err != nil || p.Failed > 0 {
			return true
		}
	}
	return false
}

// Err combines the errors of every pass.
func (r Report) Err() error {
	var err error
	for _, p := range r.Passes {
		err = multierr.Append(err, p.Err)
	}
	return err
}

// Name identifies the resolver as a job.
func (r *Resolver) Name() string { return JobName }

// Run executes the passes for today's date in the pinned zone. Only an unreachable store is
// returned as an error; row failures are reported per pass.
func (r *Resolver) Run(ctx context.Context) (Report, error) {
	today := r.clock.Today()
	report := Report{Date: today}
	ctx = r.logg.WithField(ctx, "run_date", today.Format("2006-01-02"))

	if err := r.candidates.Ping(ctx); err != nil {
		err = pkgerrors.Wrap(pkgerrors.CodePersistence, err, "subscription store unreachable")
		r.logg.Error(ctx, "resolver.store.unreachable", err)
		return report, err
	}

	remindOn := clock.AddDays(today, r.leadDays)
	passes := []struct {
		name string
		list func(context.Context) ([]uuid.UUID, error)
		row  rowFunc
	}{
		{
			name: PassRenewalReminders,
			list: func(ctx context.Context) ([]uuid.UUID, error) {
				return r.candidates.ListReminderCandidates(ctx, today, remindOn)
			},
			row: func(ctx context.Context, id uuid.UUID) rowOutcome {
				return r.remind(ctx, id, today, remindOn)
			},
		},
		{
			name: PassScheduledCancellations,
			list: func(ctx context.Context) ([]uuid.UUID, error) { return r.candidates.ListDueCancellations(ctx, today) },
			row: r.transition(func(ctx context.Context, id uuid.UUID) (subscriptions.Transition, error) {
				return r.lifecycle.ApplyScheduledCancellation(ctx, id, today)
			}),
		},
		{
			name: PassScheduledPlanChanges,
			list: func(ctx context.Context) ([]uuid.UUID, error) { return r.candidates.ListDuePlanChanges(ctx, today) },
			row: r.transition(func(ctx context.Context, id uuid.UUID) (subscriptions.Transition, error) {
				return r.lifecycle.ApplyScheduledPlanChange(ctx, id, today)
			}),
		},
		{
			name: PassExpiringTrials,
			list: func(ctx context.Context) ([]uuid.UUID, error) { return r.candidates.ListExpiringTrials(ctx, today) },
			row: r.transition(func(ctx context.Context, id uuid.UUID) (subscriptions.Transition, error) {
				return r.lifecycle.ExpireTrial(ctx, id, today)
			}),
		},
		{
			name: PassGracePeriodExpired,
			list: func(ctx context.Context) ([]uuid.UUID, error) { return r.candidates.ListGraceExpired(ctx, today) },
			row: r.transition(func(ctx context.Context, id uuid.UUID) (subscriptions.Transition, error) {
				return r.lifecycle.SuspendForNonPayment(ctx, id, today)
			}),
		},
	}

	for _, pass := range passes {
		report.Passes = append(report.Passes, r.runPass(ctx, pass.name, pass.list, pass.row))
	}
	r.logg.Info(r.logg.WithField(ctx, "failed", report.Failed()), "resolver.run.complete")
	return report, nil
}

type rowOutcome struct {
	applied      bool
	notifyFailed bool
	err          error
}

type rowFunc func(ctx context.Context, id uuid.UUID) rowOutcome

func (r *Resolver) runPass(ctx context.Context, name string, list func(context.Context) ([]uuid.UUID, error), row rowFunc) PassResult {
	start := time.Now()
	ctx = r.logg.WithPass(ctx, name)
	result := PassResult{Pass: name}

	ids, err := list(ctx)
	if err != nil {
		result.Err = err
		r.logg.Error(ctx, "resolver.pass.list_failed", err)
		r.finishPass(ctx, &result, time.Since(start))
		return result
	}
	result.Candidates = len(ids)

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for _, id := range ids {
		g.Go(func() error {
			rowCtx := r.logg.WithSubscriptionID(ctx, id.String())
			var out rowOutcome
			if err := ctx.Err(); err != nil {
				out.err = err
			} else {
				out = row(rowCtx, id)
			}

			mu.Lock()
			defer mu.Unlock()
			switch {
			case out.err != nil:
				result.Failed++
				result.Err = multierr.Append(result.Err, fmt.Errorf("subscription %s: %w", id, out.err))
				r.logg.Error(rowCtx, "resolver.row.failed", out.err)
			case out.applied:
				result.Processed++
			default:
				result.Skipped++
			}
			if out.notifyFailed {
				result.NotificationsFailed++
			}
			return nil
		})
	}
	_ = g.Wait()

	r.finishPass(ctx, &result, time.Since(start))
	return result
}

func (r *Resolver) finishPass(ctx context.Context, result *PassResult, elapsed time.Duration) {
	r.metrics.ObservePass(result.Pass, elapsed)
	r.metrics.AddRows(result.Pass, metrics.OutcomeProcessed, result.Processed)
	r.metrics.AddRows(result.Pass, metrics.OutcomeFailed, result.Failed)
	r.metrics.AddRows(result.Pass, metrics.OutcomeSkipped, result.Skipped)
	r.metrics.AddRows(result.Pass, metrics.OutcomeNotifyFailed, result.NotificationsFailed)

	ctx = r.logg.WithFields(ctx, map[string]any{
		"candidates":           result.Candidates,
		"processed":            result.Processed,
		"failed":               result.Failed,
		"skipped":              result.Skipped,
		"notifications_failed": result.NotificationsFailed,
		"duration_ms":          elapsed.Milliseconds(),
	})
	if result.Err != nil {
		r.logg.Warn(ctx, "resolver.pass.complete")
		return
	}
	r.logg.Info(ctx, "resolver.pass.complete")
}

// remind sends first and stamps after, so a failed send leaves the row eligible for a later
// run on the same day.
func (r *Resolver) remind(ctx context.Context, id uuid.UUID, today, remindOn time.Time) rowOutcome {
	tr, err := r.lifecycle.PrepareRenewalReminder(ctx, id, today, remindOn)
	if err != nil {
		return rowOutcome{err: err}
	}
	if !tr.Applied {
		return rowOutcome{}
	}
	if !r.notify(ctx, tr) {
		return rowOutcome{notifyFailed: true}
	}
	if _, err := r.lifecycle.MarkReminderSent(ctx, id, today); err != nil {
		return rowOutcome{err: err}
	}
	return rowOutcome{applied: true}
}

// transition wraps a state change: the write commits first, then the agreement release and the
// notification run best-effort.
func (r *Resolver) transition(apply func(context.Context, uuid.UUID) (subscriptions.Transition, error)) rowFunc {
	return func(ctx context.Context, id uuid.UUID) rowOutcome {
		tr, err := apply(ctx, id)
		if err != nil {
			return rowOutcome{err: err}
		}
		if !tr.Applied {
			return rowOutcome{}
		}
		for _, ref := range tr.ReleaseRefs {
			r.lifecycle.ReleaseAgreement(ctx, ref)
		}
		return rowOutcome{applied: true, notifyFailed: !r.notify(ctx, tr)}
	}
}

func (r *Resolver) notify(ctx context.Context, tr subscriptions.Transition) bool {
	if tr.Notification == "" || tr.Subscription == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, r.notifyTTL)
	defer cancel()
	if err := r.notifier.Notify(ctx, tr.Subscription.ProfessionalID, tr.Notification, tr.Params); err != nil {
		r.logg.Warn(r.logg.WithFields(ctx, map[string]any{
			"template": string(tr.Notification),
			"error":    err.Error(),
		}), "resolver.notification.failed")
		return false
	}
	return true
}
