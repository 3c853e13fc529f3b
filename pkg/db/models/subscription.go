package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/contratapro-lifecycle/pkg/enums"
)

// Subscription is the single enrollment row of a professional. Rows are never deleted.
// Date-only columns hold UTC midnight of the calendar date in the business time zone.
type Subscription struct {
	ID             uuid.UUID                `gorm:"column:id;type:uuid;primaryKey"`
	ProfessionalID uuid.UUID                `gorm:"column:professional_id;type:uuid;not null;uniqueIndex"`
	PlanID         uuid.UUID                `gorm:"column:plan_id;type:uuid;not null;index"`
	Status         enums.SubscriptionStatus `gorm:"column:status;type:varchar(20);not null;index"`
	PlanAmount     decimal.Decimal          `gorm:"column:plan_amount;type:numeric(10,2);not null"`
	Version        int                      `gorm:"column:version;not null;default:1"`

	ScheduledPlanID           *uuid.UUID `gorm:"column:scheduled_plan_id;type:uuid"`
	ScheduledPlanChangeDate   *time.Time `gorm:"column:scheduled_plan_change_date;type:date"`
	ScheduledCancellationDate *time.Time `gorm:"column:scheduled_cancellation_date;type:date"`

	TrialEndsAt            *time.Time `gorm:"column:trial_ends_at;type:date"`
	NextBillingDate        *time.Time `gorm:"column:next_billing_date;type:date"`
	LastPaymentDate        *time.Time `gorm:"column:last_payment_date;type:date"`
	PaymentFailureCount    int        `gorm:"column:payment_failure_count;not null;default:0"`
	LastPaymentFailureDate *time.Time `gorm:"column:last_payment_failure_date;type:date"`
	GracePeriodEndsAt      *time.Time `gorm:"column:grace_period_ends_at;type:date"`
	RenewalReminderSentAt  *time.Time `gorm:"column:renewal_reminder_sent_at;type:date"`

	CancelledAt            *time.Time `gorm:"column:cancelled_at"`
	CancellationReason     *string    `gorm:"column:cancellation_reason"`
	CancellationReasonCode *string    `gorm:"column:cancellation_reason_code"`

	BillingRef           *string `gorm:"column:billing_ref;index"`
	SupersededBillingRef *string `gorm:"column:superseded_billing_ref"`
	CheckoutURL          *string `gorm:"column:checkout_url"`
	PayerRef             *string `gorm:"column:payer_ref"`

	TrialUsedAt    *time.Time `gorm:"column:trial_used_at"`
	PaidPlanUsedAt *time.Time `gorm:"column:paid_plan_used_at"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`

	Plan *SubscriptionPlan `gorm:"foreignKey:PlanID;references:ID"`
}

func (Subscription) TableName() string { return "subscriptions" }

// HasScheduledChange reports whether a deferred cancellation or plan change is recorded.
func (s Subscription) HasScheduledChange() bool {
	return s.ScheduledCancellationDate != nil || s.ScheduledPlanID != nil
}

// ClearSchedule drops every deferred intent.
func (s *Subscription) ClearSchedule() {
	s.ScheduledCancellationDate = nil
	s.ScheduledPlanID = nil
	s.ScheduledPlanChangeDate = nil
}

// ClearPaymentFailures resets the dunning fields.
func (s *Subscription) ClearPaymentFailures() {
	s.PaymentFailureCount = 0
	s.LastPaymentFailureDate = nil
	s.GracePeriodEndsAt = nil
}
