// Package payments defines the recurring-payments gateway consumed by the lifecycle engine.
// Billing references returned here are opaque to the rest of the system.
package payments

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/contratapro-lifecycle/pkg/enums"
)

// Gateway opens and closes recurring billing agreements with the external processor.
type Gateway interface {
	CreateBillingPlan(ctx context.Context, spec BillingPlanSpec) (BillingPlan, error)
	CreateAgreement(ctx context.Context, planRef string, payer Payer, token string) (Agreement, error)
	CancelAgreement(ctx context.Context, externalID string) error
}

// Payer identifies who is billed.
type Payer struct {
	// Reference is our professional id, used by the gateway to deduplicate customers.
	Reference string `validate:"required"`
	// GatewayRef is the processor-side customer id returned by CreateBillingPlan.
	GatewayRef string
	Email      string `validate:"required,email"`
	Name       string `validate:"required,max=200"`
	Phone      string `validate:"omitempty,max=20"`
}

// BillingPlanSpec describes the handshake opened for a paid plan.
type BillingPlanSpec struct {
	SubscriptionRef string
	PlanSlug        string
	PlanName        string
	Amount          decimal.Decimal
	// ProrationAmount is advisory: the delta owed for the rest of the current cycle on upgrades.
	ProrationAmount decimal.Decimal
	Payer           Payer
}

// BillingPlan is the gateway's answer to a handshake.
type BillingPlan struct {
	ExternalID  string
	CheckoutURL string
	PayerRef    string
}

// Agreement is a recurring charge authorization.
type Agreement struct {
	ExternalID string
	Status     enums.GatewayStatus
}
