package square

import (
	"context"
	"strings"

	sq "github.com/square/square-go-sdk"

	pkgerrors "github.com/angelmondragon/contratapro-lifecycle/pkg/errors"
)

// customerKeyPrefix keeps the derived idempotency key within Square's 45 character limit for a
// uuid professional reference.
const customerKeyPrefix = "pro-"

// FindCustomerByReference returns the Square customer bound to a professional, or nil.
// Customers are matched on reference_id only: emails change and may be shared.
func (c *Client) FindCustomerByReference(ctx context.Context, professionalRef string) (*sq.Customer, error) {
	req := customerReferenceQuery(professionalRef)
	if req == nil {
		return nil, nil
	}
	c.log(ctx, "request", "search_customer", map[string]any{"reference_id": professionalRef})

	resp, err := c.sdk.Customers.Search(ctx, req)
	if err != nil {
		c.log(ctx, "error", "search_customer", map[string]any{"error": err.Error()})
		return nil, c.mapSquareError(err, "search customer")
	}
	customers := resp.GetCustomers()
	if len(customers) == 0 {
		c.log(ctx, "response", "search_customer", map[string]any{"found": false})
		return nil, nil
	}
	c.log(ctx, "response", "search_customer", map[string]any{"customer_id": stringValue(customers[0].GetID())})
	return customers[0], nil
}

// EnsureCustomer returns the professional's Square customer, creating it on first enrollment.
// The create call reuses an idempotency key derived from the reference, so two concurrent
// enrollments for one professional end up on the same customer.
func (c *Client) EnsureCustomer(ctx context.Context, params CustomerCreateParams) (*sq.Customer, error) {
	ref := strings.TrimSpace(params.ReferenceID)
	if ref == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "professional reference is required for square customers")
	}
	customer, err := c.FindCustomerByReference(ctx, ref)
	if err != nil {
		return nil, err
	}
	if customer != nil {
		return customer, nil
	}
	params.ReferenceID = ref
	if strings.TrimSpace(params.IdempotencyKey) == "" {
		params.IdempotencyKey = customerIdempotencyKey(ref)
	}
	return c.CreateCustomer(ctx, params)
}

func customerReferenceQuery(professionalRef string) *sq.SearchCustomersRequest {
	ref := strings.TrimSpace(professionalRef)
	if ref == "" {
		return nil
	}
	return &sq.SearchCustomersRequest{
		Query: &sq.CustomerQuery{
			Filter: &sq.CustomerFilter{
				ReferenceID: &sq.CustomerTextFilter{Exact: ptrString(ref)},
			},
		},
		Limit: int64Ptr(1),
	}
}

func customerIdempotencyKey(professionalRef string) string {
	return customerKeyPrefix + strings.TrimSpace(professionalRef)
}
