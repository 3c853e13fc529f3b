package subscriptions

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/contratapro-lifecycle/pkg/clock"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/db"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/db/models"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/enums"
	pkgerrors "github.com/angelmondragon/contratapro-lifecycle/pkg/errors"
)

// Store persists subscription rows. Lookups return nil, nil when nothing matches.
// Update is optimistic: it only applies when the row still carries the version that was read.
type Store interface {
	Ping(ctx context.Context) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Subscription, error)
	FindByProfessional(ctx context.Context, professionalID uuid.UUID) (*models.Subscription, error)
	FindByBillingRef(ctx context.Context, ref string) (*models.Subscription, error)
	FindByPayerRef(ctx context.Context, ref string) (*models.Subscription, error)
	Create(ctx context.Context, sub *models.Subscription) error
	Update(ctx context.Context, sub *models.Subscription) error

	ListReminderCandidates(ctx context.Context, today, remindOn time.Time) ([]uuid.UUID, error)
	ListDueCancellations(ctx context.Context, today time.Time) ([]uuid.UUID, error)
	ListDuePlanChanges(ctx context.Context, today time.Time) ([]uuid.UUID, error)
	ListExpiringTrials(ctx context.Context, today time.Time) ([]uuid.UUID, error)
	ListGraceExpired(ctx context.Context, today time.Time) ([]uuid.UUID, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

type repository struct {
	db     *gorm.DB
	health pinger
}

// NewRepository returns a store bound to the provided database. health is optional and
// defaults to pinging the underlying sql.DB.
func NewRepository(conn *gorm.DB, health pinger) Store {
	if health == nil {
		health = db.Wrap(conn)
	}
	return &repository{db: conn, health: health}
}

func (r *repository) Ping(ctx context.Context) error {
	if err := r.health.Ping(ctx); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodePersistence, err, "subscription store unreachable")
	}
	return nil
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	return r.first(ctx, "id = ?", id)
}

func (r *repository) FindByProfessional(ctx context.Context, professionalID uuid.UUID) (*models.Subscription, error) {
	return r.first(ctx, "professional_id = ?", professionalID)
}

func (r *repository) FindByBillingRef(ctx context.Context, ref string) (*models.Subscription, error) {
	if ref == "" {
		return nil, nil
	}
	return r.first(ctx, "billing_ref = ?", ref)
}

func (r *repository) FindByPayerRef(ctx context.Context, ref string) (*models.Subscription, error) {
	if ref == "" {
		return nil, nil
	}
	return r.first(ctx, "payer_ref = ?", ref)
}

func (r *repository) first(ctx context.Context, query string, args ...any) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.WithContext(ctx).
		Preload("Plan").
		Where(query, args...).
		First(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodePersistence, err, "load subscription")
	}
	return &sub, nil
}

func (r *repository) Create(ctx context.Context, sub *models.Subscription) error {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	if sub.Version == 0 {
		sub.Version = 1
	}
	if err := r.db.WithContext(ctx).Omit(clause.Associations).Create(sub).Error; err != nil {
		if db.IsUniqueViolation(err, "") {
			return pkgerrors.Wrap(pkgerrors.CodeConflict, err, "professional already has a subscription")
		}
		return pkgerrors.Wrap(pkgerrors.CodePersistence, err, "create subscription")
	}
	return nil
}

// Update writes every column of sub when the stored version still matches and bumps the
// version. A lost race yields CodeStaleVersion and leaves sub unchanged.
func (r *repository) Update(ctx context.Context, sub *models.Subscription) error {
	expected := sub.Version
	sub.Version = expected + 1
	res := r.db.WithContext(ctx).
		Model(sub).
		Where("version = ?", expected).
		Select("*").
		Omit("id", "professional_id", "created_at", clause.Associations).
		Updates(sub)
	if res.Error != nil {
		sub.Version = expected
		return pkgerrors.Wrap(pkgerrors.CodePersistence, res.Error, "update subscription")
	}
	if res.RowsAffected == 0 {
		sub.Version = expected
		return pkgerrors.New(pkgerrors.CodeStaleVersion, "subscription changed concurrently").
			WithDetails(map[string]any{"subscription_id": sub.ID.String(), "version": expected})
	}
	return nil
}

// ListReminderCandidates returns active rows whose paid renewal or trial end falls on remindOn
// and that were not reminded today. Rows with a pending cancellation are excluded.
func (r *repository) ListReminderCandidates(ctx context.Context, today, remindOn time.Time) ([]uuid.UUID, error) {
	dayAfter := clock.AddDays(remindOn, 1)
	return r.ids(ctx, "list reminder candidates", func(q *gorm.DB) *gorm.DB {
		return q.Joins("JOIN subscription_plans ON subscription_plans.id = subscriptions.plan_id").
			Where("subscriptions.status = ?", enums.SubscriptionStatusActive).
			Where("subscriptions.scheduled_cancellation_date IS NULL").
			Where("(subscriptions.renewal_reminder_sent_at IS NULL OR subscriptions.renewal_reminder_sent_at < ?)", today).
			Where(
				r.db.Where("subscription_plans.is_trial = ? AND subscriptions.next_billing_date >= ? AND subscriptions.next_billing_date < ?", false, remindOn, dayAfter).
					Or("subscription_plans.is_trial = ? AND subscriptions.trial_ends_at >= ? AND subscriptions.trial_ends_at < ?", true, remindOn, dayAfter),
			)
	})
}

func (r *repository) ListDueCancellations(ctx context.Context, today time.Time) ([]uuid.UUID, error) {
	return r.ids(ctx, "list due cancellations", func(q *gorm.DB) *gorm.DB {
		return q.Where("subscriptions.status IN ?", []enums.SubscriptionStatus{enums.SubscriptionStatusActive, enums.SubscriptionStatusPending}).
			Where("subscriptions.scheduled_cancellation_date IS NOT NULL AND subscriptions.scheduled_cancellation_date < ?", clock.AddDays(today, 1))
	})
}

func (r *repository) ListDuePlanChanges(ctx context.Context, today time.Time) ([]uuid.UUID, error) {
	return r.ids(ctx, "list due plan changes", func(q *gorm.DB) *gorm.DB {
		return q.Where("subscriptions.status = ?", enums.SubscriptionStatusActive).
			Where("subscriptions.scheduled_plan_id IS NOT NULL").
			Where("subscriptions.scheduled_plan_change_date IS NOT NULL AND subscriptions.scheduled_plan_change_date < ?", clock.AddDays(today, 1))
	})
}

func (r *repository) ListExpiringTrials(ctx context.Context, today time.Time) ([]uuid.UUID, error) {
	return r.ids(ctx, "list expiring trials", func(q *gorm.DB) *gorm.DB {
		return q.Joins("JOIN subscription_plans ON subscription_plans.id = subscriptions.plan_id").
			Where("subscriptions.status = ?", enums.SubscriptionStatusActive).
			Where("subscription_plans.is_trial = ?", true).
			Where("subscriptions.trial_ends_at IS NOT NULL AND subscriptions.trial_ends_at < ?", clock.AddDays(today, 1))
	})
}

func (r *repository) ListGraceExpired(ctx context.Context, today time.Time) ([]uuid.UUID, error) {
	return r.ids(ctx, "list expired grace periods", func(q *gorm.DB) *gorm.DB {
		return q.Where("subscriptions.status = ?", enums.SubscriptionStatusActive).
			Where("subscriptions.payment_failure_count > 0").
			Where("subscriptions.grace_period_ends_at IS NOT NULL AND subscriptions.grace_period_ends_at < ?", clock.AddDays(today, 1))
	})
}

func (r *repository) ids(ctx context.Context, op string, scope func(*gorm.DB) *gorm.DB) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	q := scope(r.db.WithContext(ctx).Model(&models.Subscription{})).
		Order("subscriptions.created_at ASC")
	if err := q.Pluck("subscriptions.id", &ids).Error; err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodePersistence, err, op)
	}
	return ids, nil
}
