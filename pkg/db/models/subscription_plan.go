package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DefaultTrialDays applies when a trial plan leaves trial_days empty.
const DefaultTrialDays = 15

// SubscriptionPlan is a priced catalog tier. The catalog is read-only to the lifecycle engine.
type SubscriptionPlan struct {
	ID                 uuid.UUID       `gorm:"column:id;type:uuid;primaryKey"`
	Name               string          `gorm:"column:name;not null"`
	Slug               string          `gorm:"column:slug;not null;uniqueIndex"`
	Price              decimal.Decimal `gorm:"column:price;type:numeric(10,2);not null"`
	MaxServices        *int            `gorm:"column:max_services"`
	CanManageSchedule  bool            `gorm:"column:can_manage_schedule;not null;default:false"`
	CanReceiveBookings bool            `gorm:"column:can_receive_bookings;not null;default:false"`
	PriorityInSearch   int             `gorm:"column:priority_in_search;not null;default:0"`
	TrialDays          *int            `gorm:"column:trial_days"`
	IsTrial            bool            `gorm:"column:is_trial;not null;default:false"`
	IsActive           bool            `gorm:"column:is_active;not null"`
	CreatedAt          time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

func (SubscriptionPlan) TableName() string { return "subscription_plans" }

// TrialLength returns the plan's trial length. Plans without one use fallback, or
// DefaultTrialDays when fallback is not positive.
func (p SubscriptionPlan) TrialLength(fallback int) int {
	if p.TrialDays != nil && *p.TrialDays > 0 {
		return *p.TrialDays
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultTrialDays
}

// UnlimitedServices reports whether the plan caps the number of listed services.
func (p SubscriptionPlan) UnlimitedServices() bool {
	return p.MaxServices == nil
}
