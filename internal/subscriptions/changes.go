package subscriptions

import (
	"context"

	"github.com/google/uuid"

	"github.com/angelmondragon/contratapro-lifecycle/internal/notifications"
	"github.com/angelmondragon/contratapro-lifecycle/internal/payments"
	"github.com/angelmondragon/contratapro-lifecycle/internal/proration"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/clock"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/db/models"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/enums"
	pkgerrors "github.com/angelmondragon/contratapro-lifecycle/pkg/errors"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/validation"
)

// CancelInput requests the end of the current enrollment.
type CancelInput struct {
	ProfessionalID uuid.UUID `json:"professional_id" validate:"required"`
	Reason         string    `json:"reason" validate:"omitempty,max=500"`
	ReasonCode     string    `json:"reason_code" validate:"omitempty,max=50"`
}

// PlanChangeInput requests a move to another catalog plan. Payer is required for upgrades.
type PlanChangeInput struct {
	ProfessionalID uuid.UUID       `json:"professional_id" validate:"required"`
	PlanSlug       string          `json:"plan_slug" validate:"required,max=100"`
	Payer          *payments.Payer `json:"payer"`
	CardToken      string          `json:"card_token" validate:"omitempty,max=255"`
}

// PlanChangeKind tells how a plan change was handled.
type PlanChangeKind string

const (
	PlanChangeUpgrade   PlanChangeKind = "upgrade"
	PlanChangeScheduled PlanChangeKind = "scheduled"
)

// PlanChangeResult reports the outcome of RequestPlanChange.
type PlanChangeResult struct {
	Subscription *models.Subscription
	Kind         PlanChangeKind
	Proration    proration.Quote
	CheckoutURL  string
}

// RequestCancellation ends a trial or never-charged enrollment now. An enrollment that has been
// charged keeps access and is cancelled by the resolver on its next billing date, including
// one waiting on an upgrade handshake.
func (s *Service) RequestCancellation(ctx context.Context, input CancelInput) (*models.Subscription, error) {
	if err := validation.Struct(input); err != nil {
		return nil, err
	}
	now := s.clock.Now()

	var immediate bool
	var release []string
	sub, _, err := s.mutate(ctx, s.byProfessional(input.ProfessionalID), func(sub *models.Subscription) error {
		if !sub.Status.IsLive() {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "subscription is not active").
				WithDetails(map[string]any{"status": string(sub.Status)})
		}
		if sub.ScheduledCancellationDate != nil {
			return pkgerrors.New(pkgerrors.CodeConflict, "cancellation already scheduled")
		}
		if sub.ScheduledPlanID != nil {
			return pkgerrors.New(pkgerrors.CodeConflict, "a plan change is already scheduled")
		}
		sub.CancellationReason = optionalString(input.Reason)
		sub.CancellationReasonCode = optionalString(input.ReasonCode)

		immediate = onTrial(sub) || !everCharged(sub)
		release = nil
		if immediate {
			release = takeAgreements(sub)
			sub.Status = enums.SubscriptionStatusCancelled
			sub.CancelledAt = &now
			sub.ClearSchedule()
			return nil
		}
		sub.ScheduledCancellationDate = clock.Ptr(clock.DateOf(*sub.NextBillingDate))
		return nil
	})
	if err != nil {
		return nil, err
	}

	ctx = s.withSubscription(ctx, sub)
	if immediate {
		s.logg.Info(ctx, "lifecycle.cancellation.effective")
		s.ReleaseAgreements(ctx, release)
		s.notify(ctx, sub, enums.NotificationCancellationEffective, notifications.Params{
			PlanName: planName(sub),
			Reason:   input.Reason,
		})
		return sub, nil
	}

	s.logg.Info(s.logg.WithField(ctx, "scheduled_for", clock.Format(*sub.ScheduledCancellationDate)), "lifecycle.cancellation.scheduled")
	s.notify(ctx, sub, enums.NotificationCancellationScheduled, notifications.Params{
		PlanName: planName(sub),
		Date:     sub.ScheduledCancellationDate,
		Reason:   input.Reason,
	})
	return sub, nil
}

// RevertScheduledChange drops a pending cancellation or plan change.
func (s *Service) RevertScheduledChange(ctx context.Context, professionalID uuid.UUID) (*models.Subscription, error) {
	if professionalID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "professional id is required")
	}
	sub, _, err := s.mutate(ctx, s.byProfessional(professionalID), func(sub *models.Subscription) error {
		if !sub.HasScheduledChange() {
			return pkgerrors.New(pkgerrors.CodeValidation, "nothing is scheduled")
		}
		if sub.ScheduledCancellationDate != nil {
			sub.CancellationReason = nil
			sub.CancellationReasonCode = nil
		}
		sub.ClearSchedule()
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logg.Info(s.withSubscription(ctx, sub), "lifecycle.schedule.reverted")
	return sub, nil
}

// RequestPlanChange upgrades immediately through a new payment handshake, or schedules a
// cheaper or equally priced plan for the next billing date.
func (s *Service) RequestPlanChange(ctx context.Context, input PlanChangeInput) (*PlanChangeResult, error) {
	if input.Payer != nil {
		payer := *input.Payer
		payer.Reference = input.ProfessionalID.String()
		input.Payer = &payer
	}
	if err := validation.Struct(input); err != nil {
		return nil, err
	}
	target, err := s.activePlan(ctx, input.PlanSlug)
	if err != nil {
		return nil, err
	}
	current, err := s.store.FindByProfessional(ctx, input.ProfessionalID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
	}
	if err := checkPlanChange(current, target); err != nil {
		return nil, err
	}
	ctx = s.withSubscription(ctx, current)

	if target.Price.GreaterThan(current.PlanAmount) {
		return s.upgrade(ctx, current, target, input)
	}
	return s.scheduleDowngrade(ctx, current, target)
}

func checkPlanChange(sub *models.Subscription, target *models.SubscriptionPlan) error {
	if sub.Status != enums.SubscriptionStatusActive {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "plan changes require an active subscription").
			WithDetails(map[string]any{"status": string(sub.Status)})
	}
	if sub.PlanID == target.ID {
		return pkgerrors.New(pkgerrors.CodeValidation, "already subscribed to this plan")
	}
	if target.IsTrial {
		return pkgerrors.New(pkgerrors.CodeValidation, "returning to the trial plan requires an administrator")
	}
	if sub.HasScheduledChange() {
		return pkgerrors.New(pkgerrors.CodeConflict, "a change is already scheduled")
	}
	return nil
}

func (s *Service) upgrade(ctx context.Context, current *models.Subscription, target *models.SubscriptionPlan, input PlanChangeInput) (*PlanChangeResult, error) {
	if input.Payer == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payer is required for upgrades")
	}
	if s.gateway == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "payment gateway not configured")
	}
	today, now := s.clock.Today(), s.clock.Now()
	quote := proration.ForUpgrade(current.PlanAmount, target.Price, current.NextBillingDate, today)

	h, err := s.openHandshake(ctx, current.ID, target, *input.Payer, quote.Amount, input.CardToken)
	if err != nil {
		return nil, err
	}

	previous := planName(current)
	var superseded string
	sub, _, err := s.mutate(ctx, s.byID(current.ID), func(sub *models.Subscription) error {
		if err := checkPlanChange(sub, target); err != nil {
			return err
		}
		if sub.PlanID != current.PlanID {
			return pkgerrors.New(pkgerrors.CodeConflict, "plan changed concurrently")
		}
		superseded = ""
		sub.SupersededBillingRef = sub.BillingRef
		sub.PlanID = target.ID
		sub.Plan = target
		sub.PlanAmount = target.Price
		sub.Status = enums.SubscriptionStatusPending
		h.applyTo(sub)
		if h.authorized() {
			superseded = popSuperseded(sub)
			s.activate(sub, today, now)
		}
		return nil
	})
	if err != nil {
		s.compensate(ctx, h)
		return nil, err
	}

	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"plan":      target.Slug,
		"proration": quote.Amount.StringFixed(2),
		"status":    string(sub.Status),
	}), "lifecycle.plan.upgrade")
	s.ReleaseAgreement(ctx, superseded)
	s.notify(ctx, sub, enums.NotificationPlanChanged, notifications.Params{
		PlanName:         target.Name,
		PreviousPlanName: previous,
		Price:            target.Price,
		Date:             sub.NextBillingDate,
		ProrationAmount:  quote.Amount,
		IsUpgrade:        true,
		CheckoutURL:      stringValue(sub.CheckoutURL),
	})
	return &PlanChangeResult{
		Subscription: sub,
		Kind:         PlanChangeUpgrade,
		Proration:    quote,
		CheckoutURL:  stringValue(sub.CheckoutURL),
	}, nil
}

func (s *Service) scheduleDowngrade(ctx context.Context, current *models.Subscription, target *models.SubscriptionPlan) (*PlanChangeResult, error) {
	today := s.clock.Today()
	sub, _, err := s.mutate(ctx, s.byID(current.ID), func(sub *models.Subscription) error {
		if err := checkPlanChange(sub, target); err != nil {
			return err
		}
		effective := today
		switch {
		case sub.NextBillingDate != nil:
			effective = clock.DateOf(*sub.NextBillingDate)
		case sub.TrialEndsAt != nil:
			effective = clock.DateOf(*sub.TrialEndsAt)
		}
		sub.ScheduledPlanID = &target.ID
		sub.ScheduledPlanChangeDate = clock.Ptr(effective)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"plan":          target.Slug,
		"scheduled_for": clock.Format(*sub.ScheduledPlanChangeDate),
	}), "lifecycle.plan.downgrade_scheduled")
	s.notify(ctx, sub, enums.NotificationDowngradeScheduled, notifications.Params{
		PlanName:         target.Name,
		PreviousPlanName: planName(sub),
		Price:            target.Price,
		Date:             sub.ScheduledPlanChangeDate,
	})
	return &PlanChangeResult{Subscription: sub, Kind: PlanChangeScheduled}, nil
}
