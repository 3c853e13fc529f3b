package plans

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/contratapro-lifecycle/pkg/db/models"
)

// Catalog is the read-only lookup over subscription plans.
type Catalog interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.SubscriptionPlan, error)
	FindBySlug(ctx context.Context, slug string) (*models.SubscriptionPlan, error)
	ListActive(ctx context.Context) ([]models.SubscriptionPlan, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a catalog bound to the provided database.
func NewRepository(db *gorm.DB) Catalog {
	return &repository{db: db}
}

// FindByID returns the plan or nil when it does not exist. Inactive plans are returned so
// existing subscriptions on retired tiers still resolve.
func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.SubscriptionPlan, error) {
	var plan models.SubscriptionPlan
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&plan).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &plan, nil
}

// FindBySlug returns the active plan with slug or nil.
func (r *repository) FindBySlug(ctx context.Context, slug string) (*models.SubscriptionPlan, error) {
	var plan models.SubscriptionPlan
	if err := r.db.WithContext(ctx).
		Where("slug = ? AND is_active = ?", slug, true).
		First(&plan).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &plan, nil
}

func (r *repository) ListActive(ctx context.Context) ([]models.SubscriptionPlan, error) {
	var out []models.SubscriptionPlan
	if err := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("price ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
