package subscriptions

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/contratapro-lifecycle/internal/notifications"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/clock"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/db/models"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/enums"
	pkgerrors "github.com/angelmondragon/contratapro-lifecycle/pkg/errors"
)

// Transition is the result of a date-triggered mutation. Applied is false when the row no
// longer qualified on re-read. The resolver delivers Notification after the write committed.
type Transition struct {
	Subscription *models.Subscription
	Applied      bool
	Notification enums.NotificationTemplate
	Params       notifications.Params
	// ReleaseRefs are external agreements the caller should cancel best-effort.
	ReleaseRefs []string
}

// ReminderDue reports whether a renewal or trial-end reminder should go out today.
func ReminderDue(sub *models.Subscription, today, remindOn time.Time) bool {
	if sub.Status != enums.SubscriptionStatusActive || sub.ScheduledCancellationDate != nil {
		return false
	}
	if sub.RenewalReminderSentAt != nil && !clock.DateOf(*sub.RenewalReminderSentAt).Before(today) {
		return false
	}
	if onTrial(sub) {
		return sameDate(sub.TrialEndsAt, remindOn)
	}
	return sameDate(sub.NextBillingDate, remindOn)
}

// CancellationDue reports whether a scheduled cancellation takes effect by today.
func CancellationDue(sub *models.Subscription, today time.Time) bool {
	if !sub.Status.IsLive() {
		return false
	}
	return onOrBefore(sub.ScheduledCancellationDate, today)
}

// PlanChangeDue reports whether a scheduled plan change takes effect by today.
func PlanChangeDue(sub *models.Subscription, today time.Time) bool {
	return sub.Status == enums.SubscriptionStatusActive &&
		sub.ScheduledPlanID != nil &&
		onOrBefore(sub.ScheduledPlanChangeDate, today)
}

// TrialOver reports whether an active trial reached its end date.
func TrialOver(sub *models.Subscription, today time.Time) bool {
	return sub.Status == enums.SubscriptionStatusActive && onTrial(sub) && onOrBefore(sub.TrialEndsAt, today)
}

// GraceOver reports whether an active subscription with failed payments ran out of grace.
func GraceOver(sub *models.Subscription, today time.Time) bool {
	return sub.Status == enums.SubscriptionStatusActive &&
		sub.PaymentFailureCount > 0 &&
		onOrBefore(sub.GracePeriodEndsAt, today)
}

// PrepareRenewalReminder re-reads the row and returns the reminder to send without writing.
// Call MarkReminderSent once delivery succeeded.
func (s *Service) PrepareRenewalReminder(ctx context.Context, id uuid.UUID, today, remindOn time.Time) (Transition, error) {
	sub, err := s.store.FindByID(ctx, id)
	if err != nil {
		return Transition{}, err
	}
	if sub == nil {
		return Transition{}, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
	}
	if !ReminderDue(sub, today, remindOn) {
		return Transition{Subscription: sub}, nil
	}
	t := Transition{
		Subscription: sub,
		Applied:      true,
		Params: notifications.Params{
			PlanName:      planName(sub),
			Price:         priceOf(sub),
			DaysRemaining: clock.DaysBetween(today, remindOn),
		},
	}
	if onTrial(sub) {
		t.Notification = enums.NotificationRenewalReminderTrial
		t.Params.Date = sub.TrialEndsAt
	} else {
		t.Notification = enums.NotificationRenewalReminderPaid
		t.Params.Date = sub.NextBillingDate
	}
	return t, nil
}

// MarkReminderSent stamps renewal_reminder_sent_at so the row is skipped for the rest of today.
func (s *Service) MarkReminderSent(ctx context.Context, id uuid.UUID, today time.Time) (*models.Subscription, error) {
	sub, _, err := s.mutate(ctx, s.byID(id), func(sub *models.Subscription) error {
		if sub.RenewalReminderSentAt != nil && !clock.DateOf(*sub.RenewalReminderSentAt).Before(today) {
			return errUnchanged
		}
		sub.RenewalReminderSentAt = clock.Ptr(today)
		return nil
	})
	return sub, err
}

// ApplyScheduledCancellation cancels a subscription whose scheduled date arrived.
func (s *Service) ApplyScheduledCancellation(ctx context.Context, id uuid.UUID, today time.Time) (Transition, error) {
	now := s.clock.Now()
	var release []string
	sub, changed, err := s.mutate(ctx, s.byID(id), func(sub *models.Subscription) error {
		if !CancellationDue(sub, today) {
			return errUnchanged
		}
		release = takeAgreements(sub)
		sub.Status = enums.SubscriptionStatusCancelled
		sub.CancelledAt = &now
		sub.ClearSchedule()
		return nil
	})
	if err != nil || !changed {
		return Transition{Subscription: sub}, err
	}
	return Transition{
		Subscription: sub,
		Applied:      true,
		Notification: enums.NotificationCancellationEffective,
		Params: notifications.Params{
			PlanName: planName(sub),
			Reason:   stringValue(sub.CancellationReason),
		},
		ReleaseRefs: release,
	}, nil
}

// ApplyScheduledPlanChange swaps in the scheduled plan and starts a new cycle today. The
// external agreement is left as is: the gateway keeps billing the plan it was created for until
// the professional re-subscribes, so the swap is logged for reconciliation.
func (s *Service) ApplyScheduledPlanChange(ctx context.Context, id uuid.UUID, today time.Time) (Transition, error) {
	var previous *models.SubscriptionPlan
	sub, changed, err := s.mutate(ctx, s.byID(id), func(sub *models.Subscription) error {
		if !PlanChangeDue(sub, today) {
			return errUnchanged
		}
		next, err := s.catalog.FindByID(ctx, *sub.ScheduledPlanID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodePersistence, err, "load scheduled plan")
		}
		if next == nil {
			return pkgerrors.New(pkgerrors.CodeValidation, "scheduled plan no longer exists").
				WithDetails(map[string]any{"plan_id": sub.ScheduledPlanID.String()})
		}
		previous = sub.Plan
		sub.PlanID = next.ID
		sub.Plan = next
		sub.PlanAmount = next.Price
		sub.NextBillingDate = clock.Ptr(clock.AddDays(today, s.cycleDays))
		sub.ScheduledPlanID = nil
		sub.ScheduledPlanChangeDate = nil
		return nil
	})
	if err != nil || !changed {
		return Transition{Subscription: sub}, err
	}
	if ref := stringValue(sub.BillingRef); ref != "" {
		logCtx := s.withSubscription(ctx, sub)
		s.logg.Warn(s.logg.WithFields(logCtx, map[string]any{
			"billing_ref": ref,
			"plan":        planName(sub),
		}), "lifecycle.plan.agreement_unchanged")
	}
	params := notifications.Params{
		PlanName: planName(sub),
		Price:    sub.PlanAmount,
		Date:     sub.NextBillingDate,
	}
	if previous != nil {
		params.PreviousPlanName = previous.Name
		params.IsUpgrade = sub.PlanAmount.GreaterThan(previous.Price)
	}
	return Transition{
		Subscription: sub,
		Applied:      true,
		Notification: enums.NotificationPlanChanged,
		Params:       params,
	}, nil
}

// ExpireTrial closes an active trial whose end date arrived.
func (s *Service) ExpireTrial(ctx context.Context, id uuid.UUID, today time.Time) (Transition, error) {
	sub, changed, err := s.mutate(ctx, s.byID(id), func(sub *models.Subscription) error {
		if !TrialOver(sub, today) {
			return errUnchanged
		}
		sub.Status = enums.SubscriptionStatusExpired
		return nil
	})
	if err != nil || !changed {
		return Transition{Subscription: sub}, err
	}
	return Transition{
		Subscription: sub,
		Applied:      true,
		Notification: enums.NotificationTrialExpired,
		Params:       notifications.Params{PlanName: planName(sub), Date: sub.TrialEndsAt},
	}, nil
}

// SuspendForNonPayment suspends an active subscription whose grace period ended. The failure
// count is preserved.
func (s *Service) SuspendForNonPayment(ctx context.Context, id uuid.UUID, today time.Time) (Transition, error) {
	sub, changed, err := s.mutate(ctx, s.byID(id), func(sub *models.Subscription) error {
		if !GraceOver(sub, today) {
			return errUnchanged
		}
		sub.Status = enums.SubscriptionStatusSuspended
		return nil
	})
	if err != nil || !changed {
		return Transition{Subscription: sub}, err
	}
	return Transition{
		Subscription: sub,
		Applied:      true,
		Notification: enums.NotificationSubscriptionSuspended,
		Params: notifications.Params{
			PlanName:    planName(sub),
			Price:       priceOf(sub),
			GraceEndsAt: sub.GracePeriodEndsAt,
		},
	}, nil
}

func sameDate(value *time.Time, date time.Time) bool {
	return value != nil && clock.DateOf(*value).Equal(clock.DateOf(date))
}

func onOrBefore(value *time.Time, date time.Time) bool {
	return value != nil && !clock.DateOf(*value).After(clock.DateOf(date))
}
