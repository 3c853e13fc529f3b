package payments

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	sq "github.com/square/square-go-sdk"

	"github.com/angelmondragon/contratapro-lifecycle/pkg/enums"
	pkgerrors "github.com/angelmondragon/contratapro-lifecycle/pkg/errors"
	"github.com/angelmondragon/contratapro-lifecycle/pkg/square"
)

// squareAPI is the subset of pkg/square used by the gateway.
type squareAPI interface {
	EnsureCustomer(ctx context.Context, params square.CustomerCreateParams) (*sq.Customer, error)
	CreateCard(ctx context.Context, params square.CardCreateParams) (*sq.Card, error)
	CreateSubscription(ctx context.Context, params square.SubscriptionCreateParams) (*sq.Subscription, error)
	CancelSubscription(ctx context.Context, subscriptionID string) (*sq.Subscription, error)
}

// SquareParams configures the Square-backed gateway.
type SquareParams struct {
	Client     squareAPI
	LocationID string
	// PlanVariations maps plan slugs to Square subscription plan variation ids.
	PlanVariations  map[string]string
	CheckoutBaseURL string
}

// SquareGateway maps plans onto Square subscription plan variations and agreements onto
// Square subscriptions.
type SquareGateway struct {
	client          squareAPI
	locationID      string
	planVariations  map[string]string
	checkoutBaseURL string
}

// NewSquareGateway validates params and builds the gateway.
func NewSquareGateway(params SquareParams) (*SquareGateway, error) {
	if params.Client == nil {
		return nil, fmt.Errorf("square client required")
	}
	if strings.TrimSpace(params.LocationID) == "" {
		return nil, fmt.Errorf("square location id required")
	}
	variations := make(map[string]string, len(params.PlanVariations))
	for slug, id := range params.PlanVariations {
		variations[strings.TrimSpace(slug)] = strings.TrimSpace(id)
	}
	return &SquareGateway{
		client:          params.Client,
		locationID:      strings.TrimSpace(params.LocationID),
		planVariations:  variations,
		checkoutBaseURL: strings.TrimSpace(params.CheckoutBaseURL),
	}, nil
}

// CreateBillingPlan resolves the plan variation for the slug, makes sure the payer exists as a
// Square customer, and returns the hosted checkout link for the pending handshake.
func (g *SquareGateway) CreateBillingPlan(ctx context.Context, spec BillingPlanSpec) (BillingPlan, error) {
	variation := g.planVariations[spec.PlanSlug]
	if variation == "" {
		return BillingPlan{}, pkgerrors.New(pkgerrors.CodeValidation, "plan is not billable").
			WithDetails(map[string]any{"plan": spec.PlanSlug})
	}

	customer, err := g.client.EnsureCustomer(ctx, square.CustomerCreateParams{
		Email:       spec.Payer.Email,
		PhoneNumber: spec.Payer.Phone,
		GivenName:   spec.Payer.Name,
		ReferenceID: spec.Payer.Reference,
		Note:        "contratapro subscription " + spec.SubscriptionRef,
	})
	if err != nil {
		return BillingPlan{}, wrapGatewayErr(err, "ensure square customer")
	}
	customerID := ""
	if customer != nil && customer.ID != nil {
		customerID = *customer.ID
	}
	if customerID == "" {
		return BillingPlan{}, pkgerrors.New(pkgerrors.CodeDependency, "square customer id missing")
	}

	return BillingPlan{
		ExternalID:  variation,
		CheckoutURL: g.checkoutURL(variation, customerID, spec),
		PayerRef:    customerID,
	}, nil
}

// CreateAgreement vaults the card token on the customer and starts a Square subscription.
func (g *SquareGateway) CreateAgreement(ctx context.Context, planRef string, payer Payer, token string) (Agreement, error) {
	if strings.TrimSpace(planRef) == "" || strings.TrimSpace(payer.GatewayRef) == "" {
		return Agreement{}, pkgerrors.New(pkgerrors.CodeValidation, "plan reference and payer customer are required")
	}
	if strings.TrimSpace(token) == "" {
		return Agreement{}, pkgerrors.New(pkgerrors.CodeValidation, "card token is required")
	}

	card, err := g.client.CreateCard(ctx, square.CardCreateParams{
		CustomerID:     payer.GatewayRef,
		SourceID:       token,
		CardholderName: payer.Name,
		ReferenceID:    payer.Reference,
	})
	if err != nil {
		return Agreement{}, wrapGatewayErr(err, "vault card")
	}
	cardID := ""
	if card != nil && card.ID != nil {
		cardID = *card.ID
	}

	sub, err := g.client.CreateSubscription(ctx, square.SubscriptionCreateParams{
		LocationID:      g.locationID,
		PlanVariationID: planRef,
		CustomerID:      payer.GatewayRef,
		CardID:          cardID,
	})
	if err != nil {
		return Agreement{}, wrapGatewayErr(err, "create square subscription")
	}
	if sub == nil || sub.ID == nil {
		return Agreement{}, pkgerrors.New(pkgerrors.CodeDependency, "square subscription id missing")
	}

	return Agreement{
		ExternalID: *sub.ID,
		Status:     MapSquareStatus(sub.Status),
	}, nil
}

// CancelAgreement cancels the Square subscription. Square keeps it active until the end of the
// paid-through period, matching deferred cancellation semantics.
func (g *SquareGateway) CancelAgreement(ctx context.Context, externalID string) error {
	if strings.TrimSpace(externalID) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "agreement id is required")
	}
	if _, err := g.client.CancelSubscription(ctx, externalID); err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
			return nil
		}
		return wrapGatewayErr(err, "cancel square subscription")
	}
	return nil
}

func (g *SquareGateway) checkoutURL(variation, customerID string, spec BillingPlanSpec) string {
	if g.checkoutBaseURL == "" {
		return ""
	}
	q := url.Values{}
	q.Set("plan_variation_id", variation)
	q.Set("customer_id", customerID)
	q.Set("reference", spec.SubscriptionRef)
	q.Set("amount", spec.Amount.StringFixed(2))
	if spec.ProrationAmount.IsPositive() {
		q.Set("proration", spec.ProrationAmount.StringFixed(2))
	}
	sep := "?"
	if strings.Contains(g.checkoutBaseURL, "?") {
		sep = "&"
	}
	return g.checkoutBaseURL + sep + q.Encode()
}

// MapSquareStatus converts a Square subscription status into the gateway vocabulary.
func MapSquareStatus(status *sq.SubscriptionStatus) enums.GatewayStatus {
	if status == nil {
		return enums.GatewayStatusPending
	}
	switch strings.ToUpper(string(*status)) {
	case "ACTIVE":
		return enums.GatewayStatusAuthorized
	case "PAUSED":
		return enums.GatewayStatusPaused
	case "CANCELED", "DEACTIVATED":
		return enums.GatewayStatusCancelled
	default:
		return enums.GatewayStatusPending
	}
}

// wrapGatewayErr keeps validation failures as-is and marks everything else as an external
// dependency failure.
func wrapGatewayErr(err error, msg string) error {
	if typed := pkgerrors.As(err); typed != nil && typed.Code() == pkgerrors.CodeValidation {
		return err
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, msg)
}
