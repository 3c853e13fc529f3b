package enums

import "testing"

func TestParseSubscriptionStatus(t *testing.T) {
	for _, s := range validSubscriptionStatuses {
		got, err := ParseSubscriptionStatus(string(s))
		if err != nil || got != s {
			t.Fatalf("parse %q: got %q %v", s, got, err)
		}
	}
	if _, err := ParseSubscriptionStatus("trialing"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestSubscriptionStatusIsLive(t *testing.T) {
	live := map[SubscriptionStatus]bool{
		SubscriptionStatusPending:   true,
		SubscriptionStatusActive:    true,
		SubscriptionStatusPaused:    false,
		SubscriptionStatusCancelled: false,
		SubscriptionStatusSuspended: false,
		SubscriptionStatusExpired:   false,
	}
	for status, want := range live {
		if status.IsLive() != want {
			t.Fatalf("%s: expected live=%v", status, want)
		}
	}
}

func TestGatewayEnums(t *testing.T) {
	if _, err := ParseGatewayStatus("approved"); err != nil {
		t.Fatalf("approved: %v", err)
	}
	if GatewayStatus("refunded").IsValid() {
		t.Fatal("refunded is not a gateway status")
	}
	if !GatewayEventPayment.IsValid() || GatewayEventKind("invoice").IsValid() {
		t.Fatal("unexpected event kind validity")
	}
}

func TestNotificationTemplatesReturnsCopy(t *testing.T) {
	all := NotificationTemplates()
	if len(all) != 10 {
		t.Fatalf("expected 10 templates, got %d", len(all))
	}
	all[0] = "mutated"
	if NotificationTemplates()[0] != NotificationRenewalReminderPaid {
		t.Fatal("caller must not mutate the template list")
	}
	if _, err := ParseNotificationTemplate("welcome"); err == nil {
		t.Fatal("expected error for unknown template")
	}
}
