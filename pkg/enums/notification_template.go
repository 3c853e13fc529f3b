package enums

import "fmt"

// NotificationTemplate identifies a lifecycle message sent to a professional.
type NotificationTemplate string

const (
	NotificationRenewalReminderPaid   NotificationTemplate = "renewal-reminder-paid"
	NotificationRenewalReminderTrial  NotificationTemplate = "renewal-reminder-trial"
	NotificationCancellationScheduled NotificationTemplate = "cancellation-scheduled"
	NotificationCancellationEffective NotificationTemplate = "cancellation-effective"
	NotificationDowngradeScheduled    NotificationTemplate = "downgrade-scheduled"
	NotificationPlanChanged           NotificationTemplate = "plan-changed"
	NotificationTrialExpired          NotificationTemplate = "trial-expired"
	NotificationPaymentFailed         NotificationTemplate = "payment-failed"
	NotificationSubscriptionSuspended NotificationTemplate = "subscription-suspended"
	NotificationSubscriptionActivated NotificationTemplate = "subscription-activated"
)

var validNotificationTemplates = []NotificationTemplate{
	NotificationRenewalReminderPaid,
	NotificationRenewalReminderTrial,
	NotificationCancellationScheduled,
	NotificationCancellationEffective,
	NotificationDowngradeScheduled,
	NotificationPlanChanged,
	NotificationTrialExpired,
	NotificationPaymentFailed,
	NotificationSubscriptionSuspended,
	NotificationSubscriptionActivated,
}

// NotificationTemplates returns every known template kind.
func NotificationTemplates() []NotificationTemplate {
	out := make([]NotificationTemplate, len(validNotificationTemplates))
	copy(out, validNotificationTemplates)
	return out
}

// String implements fmt.Stringer.
func (n NotificationTemplate) String() string {
	return string(n)
}

// IsValid reports whether the value is known.
func (n NotificationTemplate) IsValid() bool {
	for _, candidate := range validNotificationTemplates {
		if candidate == n {
			return true
		}
	}
	return false
}

// ParseNotificationTemplate converts raw input into a NotificationTemplate.
func ParseNotificationTemplate(value string) (NotificationTemplate, error) {
	for _, candidate := range validNotificationTemplates {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid notification template %q", value)
}
