package proration

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/contratapro-lifecycle/pkg/clock"
)

func TestProrata(t *testing.T) {
	tests := []struct {
		name string
		old  string
		new  string
		days int
		want string
	}{
		{name: "half cycle upgrade", old: "29.90", new: "49.90", days: 15, want: "10.00"},
		{name: "no days left", old: "29.90", new: "49.90", days: 0, want: "0"},
		{name: "negative days", old: "29.90", new: "49.90", days: -3, want: "0"},
		{name: "trial upgrade", old: "0", new: "49.90", days: 20, want: "0"},
		{name: "full cycle", old: "29.90", new: "49.90", days: 30, want: "20.00"},
		{name: "rounds to cents", old: "29.90", new: "49.90", days: 7, want: "4.67"},
		{name: "rounds half up", old: "10.00", new: "10.15", days: 10, want: "0.05"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Prorata(decimal.RequireFromString(tt.old), decimal.RequireFromString(tt.new), tt.days)
			if !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Fatalf("Prorata(%s, %s, %d) = %s want %s", tt.old, tt.new, tt.days, got, tt.want)
			}
		})
	}
}

func TestDaysRemaining(t *testing.T) {
	today := clock.Date(2025, time.June, 10)

	if got := DaysRemaining(nil, today); got != 0 {
		t.Fatalf("expected 0 without billing date, got %d", got)
	}
	if got := DaysRemaining(clock.Ptr(clock.Date(2025, time.June, 25)), today); got != 15 {
		t.Fatalf("expected 15 days, got %d", got)
	}
	if got := DaysRemaining(clock.Ptr(clock.Date(2025, time.June, 1)), today); got != 0 {
		t.Fatalf("past billing date should floor to 0, got %d", got)
	}
}

func TestForUpgrade(t *testing.T) {
	today := clock.Date(2025, time.June, 10)
	next := clock.Ptr(clock.Date(2025, time.June, 25))

	q := ForUpgrade(decimal.RequireFromString("29.90"), decimal.RequireFromString("49.90"), next, today)
	if q.DaysRemaining != 15 {
		t.Fatalf("expected 15 days, got %d", q.DaysRemaining)
	}
	if !q.Amount.Equal(decimal.RequireFromString("10")) {
		t.Fatalf("expected 10.00, got %s", q.Amount)
	}
}
