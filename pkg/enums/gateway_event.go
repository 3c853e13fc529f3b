package enums

import "fmt"

// GatewayEventKind separates agreement status changes from individual charge outcomes.
type GatewayEventKind string

const (
	GatewayEventAgreement GatewayEventKind = "agreement"
	GatewayEventPayment   GatewayEventKind = "payment"
)

// GatewayStatus is the status reported by the payment gateway for an agreement or a charge.
type GatewayStatus string

const (
	GatewayStatusAuthorized GatewayStatus = "authorized"
	GatewayStatusPending    GatewayStatus = "pending"
	GatewayStatusPaused     GatewayStatus = "paused"
	GatewayStatusCancelled  GatewayStatus = "cancelled"
	GatewayStatusApproved   GatewayStatus = "approved"
	GatewayStatusRejected   GatewayStatus = "rejected"
)

var validGatewayStatuses = []GatewayStatus{
	GatewayStatusAuthorized,
	GatewayStatusPending,
	GatewayStatusPaused,
	GatewayStatusCancelled,
	GatewayStatusApproved,
	GatewayStatusRejected,
}

// String implements fmt.Stringer.
func (s GatewayStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is known.
func (s GatewayStatus) IsValid() bool {
	for _, candidate := range validGatewayStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseGatewayStatus converts raw input into a GatewayStatus.
func ParseGatewayStatus(value string) (GatewayStatus, error) {
	for _, candidate := range validGatewayStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid gateway status %q", value)
}

// ParseGatewayEventKind converts raw input into a GatewayEventKind.
func ParseGatewayEventKind(value string) (GatewayEventKind, error) {
	switch GatewayEventKind(value) {
	case GatewayEventAgreement, GatewayEventPayment:
		return GatewayEventKind(value), nil
	}
	return "", fmt.Errorf("invalid gateway event kind %q", value)
}

// IsValid reports whether the value is known.
func (k GatewayEventKind) IsValid() bool {
	_, err := ParseGatewayEventKind(string(k))
	return err == nil
}
