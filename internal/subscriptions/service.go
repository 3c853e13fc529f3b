package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/contratapro-lifecycle/internal/notifications"
	"github.com/angelmondragon/contratapro-lifecycle/internal/payments"
	"github.com/angelmondragon/contratapro-lifecycle/internal/plans"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/clock"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/config"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/db/models"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/enums"
	pkgerrors "github.com/angelmondragon/contratapro-lifecycle/pkg/errors"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/logger"
	pkgredis "github.com/angelmondragon/contratapro-lifecycle/pkg/redis"
)

const maxWriteAttempts = 3

var errUnchanged = errors.New("subscription unchanged")

// ServiceParams groups dependencies for the lifecycle service.
type ServiceParams struct {
	Store    Store
	Catalog  plans.Catalog
	Gateway  payments.Gateway
	Notifier notifications.Notifier
	// Idempotency deduplicates inbound gateway events. Optional.
	Idempotency pkgredis.IdempotencyStore
	Clock       clock.Clock
	Logger      *logger.Logger
	Config      config.LifecycleConfig
}

// Service is the subscription state machine. Every write is a single-row optimistic update,
// retried on a lost race.
type Service struct {
	store    Store
	catalog  plans.Catalog
	gateway  payments.Gateway
	notifier notifications.Notifier
	dedupe   pkgredis.IdempotencyStore
	clock    clock.Clock
	logg     *logger.Logger

	gatewayTimeout time.Duration
	graceDays      int
	cycleDays      int
	trialDays      int
	dedupeTTL      time.Duration
}

// NewService builds the lifecycle service. Gateway, Notifier and Idempotency are optional:
// paid operations fail with CodeDependency without a gateway.
func NewService(params ServiceParams) (*Service, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("subscription store required")
	}
	if params.Catalog == nil {
		return nil, fmt.Errorf("plan catalog required")
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
	return &Service{
		store:          params.Store,
		catalog:        params.Catalog,
		gateway:        params.Gateway,
		notifier:       notifier,
		dedupe:         params.Idempotency,
		clock:          params.Clock,
		logg:           params.Logger,
		gatewayTimeout: durationOr(cfg.GatewayTimeout, 15*time.Second),
		graceDays:      intOr(cfg.GraceDays, 7),
		cycleDays:      intOr(cfg.BillingCycleDays, 30),
		trialDays:      intOr(cfg.DefaultTrialDays, models.DefaultTrialDays),
		dedupeTTL:      durationOr(cfg.EventDedupeTTL, 30*24*time.Hour),
	}, nil
}

// Get returns the professional's subscription.
func (s *Service) Get(ctx context.Context, professionalID uuid.UUID) (*models.Subscription, error) {
	sub, err := s.store.FindByProfessional(ctx, professionalID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
	}
	return sub, nil
}

type loader func(ctx context.Context) (*models.Subscription, error)

func (s *Service) byID(id uuid.UUID) loader {
	return func(ctx context.Context) (*models.Subscription, error) {
		return s.store.FindByID(ctx, id)
	}
}

func (s *Service) byProfessional(professionalID uuid.UUID) loader {
	return func(ctx context.Context) (*models.Subscription, error) {
		return s.store.FindByProfessional(ctx, professionalID)
	}
}

// mutate re-reads the row, applies fn and writes it back. A stale write is retried from a fresh
// read. fn returning errUnchanged skips the write and reports changed=false.
func (s *Service) mutate(ctx context.Context, load loader, fn func(*models.Subscription) error) (*models.Subscription, bool, error) {
	var lastErr error
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		sub, err := load(ctx)
		if err != nil {
			return nil, false, err
		}
		if sub == nil {
			return nil, false, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
		}
		if err := fn(sub); err != nil {
			if errors.Is(err, errUnchanged) {
				return sub, false, nil
			}
			return nil, false, err
		}
		err = s.store.Update(ctx, sub)
		if err == nil {
			return sub, true, nil
		}
		if !pkgerrors.IsCode(err, pkgerrors.CodeStaleVersion) {
			return nil, false, err
		}
		lastErr = err
		s.logg.Debug(s.logg.WithFields(ctx, map[string]any{
			"subscription_id": sub.ID.String(),
			"attempt":         attempt,
		}), "lifecycle.write.stale")
	}
	return nil, false, lastErr
}

// enroll creates the professional's row or reuses the existing one. fn owns every
// eligibility check.
func (s *Service) enroll(ctx context.Context, professionalID, newID uuid.UUID, fn func(*models.Subscription) error) (*models.Subscription, error) {
	existing, err := s.store.FindByProfessional(ctx, professionalID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		sub := &models.Subscription{ID: newID, ProfessionalID: professionalID}
		if err := fn(sub); err != nil {
			return nil, err
		}
		plan := sub.Plan
		if err := s.store.Create(ctx, sub); err != nil {
			return nil, err
		}
		sub.Plan = plan
		return sub, nil
	}
	sub, _, err := s.mutate(ctx, s.byProfessional(professionalID), fn)
	return sub, err
}

func (s *Service) activePlan(ctx context.Context, slug string) (*models.SubscriptionPlan, error) {
	plan, err := s.catalog.FindBySlug(ctx, strings.TrimSpace(slug))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodePersistence, err, "load plan")
	}
	if plan == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown plan").
			WithDetails(map[string]any{"plan": slug})
	}
	return plan, nil
}

// ensureEnrollable rejects a new enrollment while the current one is live.
func ensureEnrollable(sub *models.Subscription) error {
	if sub.Status.IsLive() {
		return pkgerrors.New(pkgerrors.CodeConflict, "subscription already active or pending").
			WithDetails(map[string]any{"status": string(sub.Status)})
	}
	return nil
}

// resetEnrollment points the row at plan and drops every per-enrollment field.
func resetEnrollment(sub *models.Subscription, plan *models.SubscriptionPlan) {
	sub.PlanID = plan.ID
	sub.Plan = plan
	sub.PlanAmount = plan.Price
	sub.ClearSchedule()
	sub.ClearPaymentFailures()
	sub.TrialEndsAt = nil
	sub.NextBillingDate = nil
	sub.RenewalReminderSentAt = nil
	sub.CancelledAt = nil
	sub.CancellationReason = nil
	sub.CancellationReasonCode = nil
	sub.BillingRef = nil
	sub.SupersededBillingRef = nil
	sub.CheckoutURL = nil
}

// activate marks a confirmed paid enrollment: charged today, next charge one cycle out.
func (s *Service) activate(sub *models.Subscription, today, now time.Time) {
	sub.Status = enums.SubscriptionStatusActive
	sub.LastPaymentDate = clock.Ptr(today)
	sub.NextBillingDate = clock.Ptr(clock.AddDays(today, s.cycleDays))
	sub.TrialEndsAt = nil
	sub.CheckoutURL = nil
	sub.ClearPaymentFailures()
	if sub.PaidPlanUsedAt == nil {
		sub.PaidPlanUsedAt = &now
	}
}

// onTrial reports whether the current enrollment is on the trial tier.
func onTrial(sub *models.Subscription) bool {
	return sub.Plan != nil && sub.Plan.IsTrial
}

func planName(sub *models.Subscription) string {
	if sub.Plan == nil {
		return ""
	}
	return sub.Plan.Name
}

// popSuperseded returns the agreement an upgrade replaced and forgets it.
func popSuperseded(sub *models.Subscription) string {
	if sub.SupersededBillingRef == nil {
		return ""
	}
	ref := *sub.SupersededBillingRef
	sub.SupersededBillingRef = nil
	return ref
}

// takeAgreements returns every external agreement still attached to the row, including one an
// unconfirmed upgrade replaced, and detaches the superseded one.
func takeAgreements(sub *models.Subscription) []string {
	var refs []string
	if ref := stringValue(sub.BillingRef); ref != "" {
		refs = append(refs, ref)
	}
	if ref := popSuperseded(sub); ref != "" {
		refs = append(refs, ref)
	}
	return refs
}

// everCharged reports whether the current enrollment is inside a billed cycle. A pending row
// qualifies only while an upgrade handshake runs on top of a cycle already paid for.
func everCharged(sub *models.Subscription) bool {
	if sub.NextBillingDate == nil {
		return false
	}
	return sub.Status != enums.SubscriptionStatusPending || sub.LastPaymentDate != nil
}

// ReleaseAgreements releases each reference in order.
func (s *Service) ReleaseAgreements(ctx context.Context, refs []string) {
	for _, ref := range refs {
		s.ReleaseAgreement(ctx, ref)
	}
}

// ReleaseAgreement cancels an external agreement best-effort, detached from the caller's
// cancellation and bounded by the gateway timeout.
func (s *Service) ReleaseAgreement(ctx context.Context, ref string) {
	if s.gateway == nil || strings.TrimSpace(ref) == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.gatewayTimeout)
	defer cancel()
	logCtx := s.logg.WithField(ctx, "billing_ref", ref)
	if err := s.gateway.CancelAgreement(ctx, ref); err != nil {
		s.logg.Error(logCtx, "lifecycle.agreement.release_failed", err)
		return
	}
	s.logg.Info(logCtx, "lifecycle.agreement.released")
}

func (s *Service) notify(ctx context.Context, sub *models.Subscription, kind enums.NotificationTemplate, params notifications.Params) {
	if err := s.notifier.Notify(ctx, sub.ProfessionalID, kind, params); err != nil {
		s.logg.Debug(s.logg.WithField(ctx, "template", string(kind)), "lifecycle.notification.skipped")
	}
}

func (s *Service) withSubscription(ctx context.Context, sub *models.Subscription) context.Context {
	ctx = s.logg.WithSubscriptionID(ctx, sub.ID.String())
	return s.logg.WithProfessionalID(ctx, sub.ProfessionalID.String())
}

func optionalString(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

func stringValue(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func durationOr(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func intOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func priceOf(sub *models.Subscription) decimal.Decimal {
	if sub.Plan != nil {
		return sub.Plan.Price
	}
	return sub.PlanAmount
}
