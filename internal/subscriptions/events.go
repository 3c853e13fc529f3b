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
	"github.com/angelmondragon/contratapro-lifecycle/pkg/validation"
)

const eventScope = "gateway-event"

// GatewayEvent is an asynchronous confirmation from the payment gateway. ExternalID is the
// agreement reference; PayerRef identifies the customer when no agreement exists yet.
type GatewayEvent struct {
	ID         string                 `json:"id" validate:"required,max=255"`
	ExternalID string                 `json:"external_id" validate:"required_without=PayerRef,max=255"`
	Kind       enums.GatewayEventKind `json:"kind" validate:"required"`
	Status     enums.GatewayStatus    `json:"status" validate:"required"`
	PayerRef   string                 `json:"payer_ref" validate:"max=255"`
}

// RecordPaymentFailure counts a failed charge and opens the grace period if none is running.
// Status is untouched; the resolver suspends once the grace period ends.
func (s *Service) RecordPaymentFailure(ctx context.Context, subscriptionID uuid.UUID) (*models.Subscription, error) {
	today := s.clock.Today()
	sub, _, err := s.mutate(ctx, s.byID(subscriptionID), func(sub *models.Subscription) error {
		if err := ensureChargeable(sub); err != nil {
			return err
		}
		sub.PaymentFailureCount++
		sub.LastPaymentFailureDate = clock.Ptr(today)
		if sub.GracePeriodEndsAt == nil {
			sub.GracePeriodEndsAt = clock.Ptr(clock.AddDays(today, s.graceDays))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ctx = s.withSubscription(ctx, sub)
	s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
		"payment_failure_count": sub.PaymentFailureCount,
		"grace_period_ends_at":  clock.Format(*sub.GracePeriodEndsAt),
	}), "lifecycle.payment.failed")
	s.notify(ctx, sub, enums.NotificationPaymentFailed, notifications.Params{
		PlanName:    planName(sub),
		Price:       priceOf(sub),
		GraceEndsAt: sub.GracePeriodEndsAt,
	})
	return sub, nil
}

// RecordPaymentSuccess clears the dunning state and starts a new billing cycle today.
// A subscription suspended for non-payment is reactivated.
func (s *Service) RecordPaymentSuccess(ctx context.Context, subscriptionID uuid.UUID) (*models.Subscription, error) {
	today := s.clock.Today()
	var reactivated bool
	sub, _, err := s.mutate(ctx, s.byID(subscriptionID), func(sub *models.Subscription) error {
		if err := ensureChargeable(sub); err != nil {
			return err
		}
		reactivated = sub.Status == enums.SubscriptionStatusSuspended
		if reactivated {
			sub.Status = enums.SubscriptionStatusActive
		}
		sub.ClearPaymentFailures()
		sub.LastPaymentDate = clock.Ptr(today)
		sub.NextBillingDate = clock.Ptr(clock.AddDays(today, s.cycleDays))
		return nil
	})
	if err != nil {
		return nil, err
	}

	ctx = s.withSubscription(ctx, sub)
	s.logg.Info(s.logg.WithField(ctx, "next_billing_date", clock.Format(*sub.NextBillingDate)), "lifecycle.payment.succeeded")
	if reactivated {
		s.notify(ctx, sub, enums.NotificationSubscriptionActivated, notifications.Params{
			PlanName: planName(sub),
			Price:    priceOf(sub),
			Date:     sub.NextBillingDate,
		})
	}
	return sub, nil
}

func ensureChargeable(sub *models.Subscription) error {
	switch sub.Status {
	case enums.SubscriptionStatusCancelled, enums.SubscriptionStatusExpired:
		return pkgerrors.New(pkgerrors.CodeStateConflict, "subscription is closed").
			WithDetails(map[string]any{"status": string(sub.Status)})
	}
	if onTrial(sub) {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "trial subscriptions are not charged")
	}
	return nil
}

// HandleGatewayEvent applies an inbound confirmation. Each event id is applied once; a
// duplicate returns applied=false. When handling fails the id is released so the gateway
// can redeliver.
func (s *Service) HandleGatewayEvent(ctx context.Context, evt GatewayEvent) (*models.Subscription, bool, error) {
	if err := validation.Struct(evt); err != nil {
		return nil, false, err
	}
	if !evt.Kind.IsValid() {
		return nil, false, pkgerrors.New(pkgerrors.CodeValidation, "unknown gateway event kind").
			WithDetails(map[string]any{"kind": string(evt.Kind)})
	}
	if !evt.Status.IsValid() {
		return nil, false, pkgerrors.New(pkgerrors.CodeValidation, "unknown gateway status").
			WithDetails(map[string]any{"status": string(evt.Status)})
	}

	ctx = s.logg.WithFields(ctx, map[string]any{
		"event_id":    evt.ID,
		"event_kind":  string(evt.Kind),
		"event_state": string(evt.Status),
	})
	key, claimed, err := s.claimEvent(ctx, evt.ID)
	if err != nil {
		return nil, false, err
	}
	if !claimed {
		s.logg.Info(ctx, "lifecycle.event.duplicate")
		return nil, false, nil
	}

	sub, applied, err := s.applyEvent(ctx, evt)
	if err != nil {
		s.releaseEvent(ctx, key)
		return nil, false, err
	}
	return sub, applied, nil
}

func (s *Service) claimEvent(ctx context.Context, id string) (string, bool, error) {
	if s.dedupe == nil {
		return "", true, nil
	}
	key := s.dedupe.IdempotencyKey(eventScope, id)
	ok, err := s.dedupe.SetNX(ctx, key, s.clock.Now().Format(time.RFC3339), s.dedupeTTL)
	if err != nil {
		return "", false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "claim gateway event")
	}
	return key, ok, nil
}

func (s *Service) releaseEvent(ctx context.Context, key string) {
	if s.dedupe == nil || key == "" {
		return
	}
	if err := s.dedupe.Del(context.WithoutCancel(ctx), key); err != nil {
		s.logg.Error(ctx, "lifecycle.event.release_failed", err)
	}
}

// resolveEventTarget matches the agreement reference first. The payer reference only matches
// a subscription still waiting for its first agreement; any other match is a stale event for a
// replaced agreement.
func (s *Service) resolveEventTarget(ctx context.Context, evt GatewayEvent) (*models.Subscription, bool, error) {
	sub, err := s.store.FindByBillingRef(ctx, evt.ExternalID)
	if err != nil {
		return nil, false, err
	}
	if sub != nil {
		return sub, true, nil
	}
	sub, err = s.store.FindByPayerRef(ctx, evt.PayerRef)
	if err != nil {
		return nil, false, err
	}
	if sub == nil {
		return nil, false, pkgerrors.New(pkgerrors.CodeNotFound, "no subscription for gateway reference").
			WithDetails(map[string]any{"external_id": evt.ExternalID, "payer_ref": evt.PayerRef})
	}
	if evt.ExternalID != "" && sub.BillingRef != nil && *sub.BillingRef != evt.ExternalID {
		return sub, false, nil
	}
	return sub, true, nil
}

func (s *Service) applyEvent(ctx context.Context, evt GatewayEvent) (*models.Subscription, bool, error) {
	target, current, err := s.resolveEventTarget(ctx, evt)
	if err != nil {
		return nil, false, err
	}
	ctx = s.withSubscription(ctx, target)
	if !current {
		s.logg.Info(s.logg.WithField(ctx, "external_id", evt.ExternalID), "lifecycle.event.stale")
		return target, false, nil
	}

	switch evt.Kind {
	case enums.GatewayEventPayment:
		switch evt.Status {
		case enums.GatewayStatusApproved:
			sub, err := s.RecordPaymentSuccess(ctx, target.ID)
			return sub, err == nil, err
		case enums.GatewayStatusRejected:
			sub, err := s.RecordPaymentFailure(ctx, target.ID)
			return sub, err == nil, err
		}
	case enums.GatewayEventAgreement:
		switch evt.Status {
		case enums.GatewayStatusAuthorized:
			return s.authorize(ctx, target.ID, evt.ExternalID)
		case enums.GatewayStatusPaused:
			return s.pause(ctx, target.ID)
		case enums.GatewayStatusCancelled:
			return s.cancelExternally(ctx, target.ID)
		case enums.GatewayStatusPending:
			return target, false, nil
		}
	}
	return nil, false, pkgerrors.New(pkgerrors.CodeValidation, "gateway status does not apply to event kind").
		WithDetails(map[string]any{"kind": string(evt.Kind), "status": string(evt.Status)})
}

// authorize activates a pending or paused enrollment once its agreement is confirmed.
func (s *Service) authorize(ctx context.Context, id uuid.UUID, externalID string) (*models.Subscription, bool, error) {
	today, now := s.clock.Today(), s.clock.Now()
	var superseded string
	sub, changed, err := s.mutate(ctx, s.byID(id), func(sub *models.Subscription) error {
		switch sub.Status {
		case enums.SubscriptionStatusCancelled, enums.SubscriptionStatusExpired:
			return pkgerrors.New(pkgerrors.CodeStateConflict, "subscription is closed").
				WithDetails(map[string]any{"status": string(sub.Status)})
		case enums.SubscriptionStatusActive:
			return errUnchanged
		}
		if externalID != "" {
			sub.BillingRef = &externalID
		}
		superseded = popSuperseded(sub)
		s.activate(sub, today, now)
		return nil
	})
	if err != nil || !changed {
		return sub, false, err
	}

	s.logg.Info(s.logg.WithField(ctx, "next_billing_date", clock.Format(*sub.NextBillingDate)), "lifecycle.agreement.authorized")
	s.ReleaseAgreement(ctx, superseded)
	s.notify(ctx, sub, enums.NotificationSubscriptionActivated, notifications.Params{
		PlanName: planName(sub),
		Price:    priceOf(sub),
		Date:     sub.NextBillingDate,
	})
	return sub, true, nil
}

func (s *Service) pause(ctx context.Context, id uuid.UUID) (*models.Subscription, bool, error) {
	sub, changed, err := s.mutate(ctx, s.byID(id), func(sub *models.Subscription) error {
		switch sub.Status {
		case enums.SubscriptionStatusPaused:
			return errUnchanged
		case enums.SubscriptionStatusActive, enums.SubscriptionStatusPending:
			sub.Status = enums.SubscriptionStatusPaused
			return nil
		}
		return pkgerrors.New(pkgerrors.CodeStateConflict, "only live subscriptions can be paused").
			WithDetails(map[string]any{"status": string(sub.Status)})
	})
	if err != nil || !changed {
		return sub, false, err
	}
	s.logg.Info(ctx, "lifecycle.agreement.paused")
	return sub, true, nil
}

func (s *Service) cancelExternally(ctx context.Context, id uuid.UUID) (*models.Subscription, bool, error) {
	now := s.clock.Now()
	var superseded string
	sub, changed, err := s.mutate(ctx, s.byID(id), func(sub *models.Subscription) error {
		switch sub.Status {
		case enums.SubscriptionStatusCancelled, enums.SubscriptionStatusExpired:
			return errUnchanged
		}
		superseded = popSuperseded(sub)
		sub.Status = enums.SubscriptionStatusCancelled
		sub.CancelledAt = &now
		sub.ClearSchedule()
		return nil
	})
	if err != nil || !changed {
		return sub, false, err
	}
	s.logg.Info(ctx, "lifecycle.agreement.cancelled")
	s.ReleaseAgreement(ctx, superseded)
	s.notify(ctx, sub, enums.NotificationCancellationEffective, notifications.Params{
		PlanName: planName(sub),
		Reason:   stringValue(sub.CancellationReason),
	})
	return sub, true, nil
}
