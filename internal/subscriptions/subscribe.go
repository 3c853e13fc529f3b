package subscriptions

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/contratapro-lifecycle/internal/notifications"
	"github.com/angelmondragon/contratapro-lifecycle/internal/payments"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/clock"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/db/models"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/enums"
	pkgerrors "github.com/angelmondragon/contratapro-lifecycle/pkg/errors"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/validation"
)

// SubscribeInput starts an enrollment. Payer is required for paid plans; a CardToken lets the
// gateway authorize the agreement synchronously.
type SubscribeInput struct {
	ProfessionalID uuid.UUID       `json:"professional_id" validate:"required"`
	PlanSlug       string          `json:"plan_slug" validate:"required,max=100"`
	Payer          *payments.Payer `json:"payer"`
	CardToken      string          `json:"card_token" validate:"omitempty,max=255"`
}

// ForceTrialInput is the privileged move back to the trial tier.
type ForceTrialInput struct {
	ProfessionalID uuid.UUID `json:"professional_id" validate:"required"`
	PlanSlug       string    `json:"plan_slug" validate:"required,max=100"`
	ActorID        string    `json:"actor_id" validate:"required,max=100"`
	Reason         string    `json:"reason" validate:"omitempty,max=500"`
}

// Subscribe enrolls the professional on the plan named by slug, dispatching on the plan's
// trial flag.
func (s *Service) Subscribe(ctx context.Context, input SubscribeInput) (*models.Subscription, error) {
	if input.Payer != nil {
		payer := *input.Payer
		payer.Reference = input.ProfessionalID.String()
		input.Payer = &payer
	}
	if err := validation.Struct(input); err != nil {
		return nil, err
	}
	plan, err := s.activePlan(ctx, input.PlanSlug)
	if err != nil {
		return nil, err
	}
	ctx = s.logg.WithProfessionalID(ctx, input.ProfessionalID.String())
	if plan.IsTrial {
		return s.SubscribeFree(ctx, input.ProfessionalID, plan)
	}
	if input.Payer == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payer is required for paid plans")
	}
	return s.SubscribePaid(ctx, input.ProfessionalID, plan, *input.Payer, input.CardToken)
}

// SubscribeFree activates the trial tier immediately. No external billing is created.
func (s *Service) SubscribeFree(ctx context.Context, professionalID uuid.UUID, plan *models.SubscriptionPlan) (*models.Subscription, error) {
	if !plan.IsTrial {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "plan is not a trial plan")
	}
	today, now := s.clock.Today(), s.clock.Now()

	sub, err := s.enroll(ctx, professionalID, uuid.Nil, func(sub *models.Subscription) error {
		if err := ensureEnrollable(sub); err != nil {
			return err
		}
		if sub.TrialUsedAt != nil {
			return pkgerrors.New(pkgerrors.CodeValidation, "trial already used")
		}
		if sub.PaidPlanUsedAt != nil {
			return pkgerrors.New(pkgerrors.CodeValidation, "trial is not available after a paid plan")
		}
		resetEnrollment(sub, plan)
		sub.Status = enums.SubscriptionStatusActive
		sub.TrialEndsAt = clock.Ptr(clock.AddDays(today, plan.TrialLength(s.trialDays)))
		sub.TrialUsedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	ctx = s.withSubscription(ctx, sub)
	s.logg.Info(s.logg.WithField(ctx, "trial_ends_at", clock.Format(*sub.TrialEndsAt)), "lifecycle.subscribe.trial")
	s.notify(ctx, sub, enums.NotificationSubscriptionActivated, notifications.Params{
		PlanName: plan.Name,
		Price:    plan.Price,
		Date:     sub.TrialEndsAt,
	})
	return sub, nil
}

// SubscribePaid opens a billing handshake and records the enrollment as pending. When the
// gateway authorizes the agreement synchronously the row is activated in the same write.
// A gateway failure leaves the row untouched.
func (s *Service) SubscribePaid(ctx context.Context, professionalID uuid.UUID, plan *models.SubscriptionPlan, payer payments.Payer, cardToken string) (*models.Subscription, error) {
	if plan.IsTrial || !plan.Price.IsPositive() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "plan is not billable")
	}
	if s.gateway == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "payment gateway not configured")
	}

	existing, err := s.store.FindByProfessional(ctx, professionalID)
	if err != nil {
		return nil, err
	}
	ref := uuid.New()
	if existing != nil {
		if err := ensureEnrollable(existing); err != nil {
			return nil, err
		}
		ref = existing.ID
	}

	payer.Reference = professionalID.String()
	h, err := s.openHandshake(ctx, ref, plan, payer, decimal.Zero, cardToken)
	if err != nil {
		return nil, err
	}

	today, now := s.clock.Today(), s.clock.Now()
	sub, err := s.enroll(ctx, professionalID, ref, func(sub *models.Subscription) error {
		if err := ensureEnrollable(sub); err != nil {
			return err
		}
		resetEnrollment(sub, plan)
		sub.Status = enums.SubscriptionStatusPending
		h.applyTo(sub)
		if h.authorized() {
			s.activate(sub, today, now)
		}
		return nil
	})
	if err != nil {
		s.compensate(ctx, h)
		return nil, err
	}

	ctx = s.withSubscription(ctx, sub)
	s.logg.Info(s.logg.WithField(ctx, "status", string(sub.Status)), "lifecycle.subscribe.paid")
	if sub.Status == enums.SubscriptionStatusActive {
		s.notify(ctx, sub, enums.NotificationSubscriptionActivated, notifications.Params{
			PlanName: plan.Name,
			Price:    plan.Price,
			Date:     sub.NextBillingDate,
		})
	}
	return sub, nil
}

// ForceTrial moves any subscription to a trial plan, bypassing self-service restrictions.
// Authorization is the caller's concern. A live agreement is released.
func (s *Service) ForceTrial(ctx context.Context, input ForceTrialInput) (*models.Subscription, error) {
	if err := validation.Struct(input); err != nil {
		return nil, err
	}
	plan, err := s.activePlan(ctx, input.PlanSlug)
	if err != nil {
		return nil, err
	}
	if !plan.IsTrial {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "plan is not a trial plan")
	}
	today, now := s.clock.Today(), s.clock.Now()

	var released []string
	sub, err := s.enroll(ctx, input.ProfessionalID, uuid.Nil, func(sub *models.Subscription) error {
		released = takeAgreements(sub)
		resetEnrollment(sub, plan)
		sub.Status = enums.SubscriptionStatusActive
		sub.TrialEndsAt = clock.Ptr(clock.AddDays(today, plan.TrialLength(s.trialDays)))
		sub.TrialUsedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	ctx = s.withSubscription(ctx, sub)
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"actor_id": input.ActorID,
		"reason":   input.Reason,
	}), "lifecycle.trial.forced")
	s.ReleaseAgreements(ctx, released)
	s.notify(ctx, sub, enums.NotificationPlanChanged, notifications.Params{
		PlanName: plan.Name,
		Price:    plan.Price,
		Date:     sub.TrialEndsAt,
	})
	return sub, nil
}

// handshake is the gateway side of a paid enrollment or upgrade.
type handshake struct {
	plan      payments.BillingPlan
	agreement *payments.Agreement
}

func (h handshake) authorized() bool {
	return h.agreement != nil && h.agreement.Status == enums.GatewayStatusAuthorized
}

func (h handshake) applyTo(sub *models.Subscription) {
	sub.PayerRef = optionalString(h.plan.PayerRef)
	sub.CheckoutURL = optionalString(h.plan.CheckoutURL)
	sub.BillingRef = nil
	if h.agreement != nil {
		sub.BillingRef = optionalString(h.agreement.ExternalID)
	}
}

// openHandshake creates the billing plan and, with a card token, the agreement. Both calls
// share one gateway timeout.
func (s *Service) openHandshake(ctx context.Context, ref uuid.UUID, plan *models.SubscriptionPlan, payer payments.Payer, prorated decimal.Decimal, cardToken string) (handshake, error) {
	gwCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()

	bp, err := s.gateway.CreateBillingPlan(gwCtx, payments.BillingPlanSpec{
		SubscriptionRef: ref.String(),
		PlanSlug:        plan.Slug,
		PlanName:        plan.Name,
		Amount:          plan.Price,
		ProrationAmount: prorated,
		Payer:           payer,
	})
	if err != nil {
		return handshake{}, gatewayErr(err, "create billing plan")
	}
	h := handshake{plan: bp}
	if strings.TrimSpace(cardToken) == "" {
		return h, nil
	}

	payer.GatewayRef = bp.PayerRef
	agreement, err := s.gateway.CreateAgreement(gwCtx, bp.ExternalID, payer, cardToken)
	if err != nil {
		return handshake{}, gatewayErr(err, "create agreement")
	}
	h.agreement = &agreement
	return h, nil
}

// compensate releases an agreement created for a write that did not commit.
func (s *Service) compensate(ctx context.Context, h handshake) {
	if h.agreement == nil {
		return
	}
	s.logg.Warn(s.logg.WithField(ctx, "billing_ref", h.agreement.ExternalID), "lifecycle.handshake.compensating")
	s.ReleaseAgreement(ctx, h.agreement.ExternalID)
}

func gatewayErr(err error, msg string) error {
	if typed := pkgerrors.As(err); typed != nil {
		switch typed.Code() {
		case pkgerrors.CodeValidation, pkgerrors.CodeDependency:
			return err
		}
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, msg)
}
