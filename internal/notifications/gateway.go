// Package notifications renders lifecycle messages and hands them to a delivery channel.
// Delivery is best-effort: callers never roll back state because a send failed.
package notifications

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/contratapro-lifecycle/pkg/enums"
)

// Recipient is who a lifecycle message is addressed to.
type Recipient struct {
	ProfessionalID uuid.UUID
	Name           string
	Email          string
}

// Params carries the values templates may reference. Unused fields are ignored.
type Params struct {
	RecipientName    string
	PlanName         string
	PreviousPlanName string
	Price            decimal.Decimal
	Date             *time.Time
	DaysRemaining    int
	ProrationAmount  decimal.Decimal
	IsUpgrade        bool
	GraceEndsAt      *time.Time
	Reason           string
	CheckoutURL      string
}

// Gateway delivers one rendered template to one recipient.
type Gateway interface {
	Send(ctx context.Context, recipient Recipient, template enums.NotificationTemplate, params Params) error
}

// Notifier addresses a professional by id. Dispatcher is the production implementation.
type Notifier interface {
	Notify(ctx context.Context, professionalID uuid.UUID, template enums.NotificationTemplate, params Params) error
}

// Nop discards every notification.
type Nop struct{}

func (Nop) Notify(context.Context, uuid.UUID, enums.NotificationTemplate, Params) error { return nil }
