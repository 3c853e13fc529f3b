// Package proration computes mid-cycle price deltas for plan upgrades.
package proration

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/contratapro-lifecycle/pkg/clock"
)

// CycleDays is the nominal length of a billing cycle.
const CycleDays = 30

var cycle = decimal.NewFromInt(CycleDays)

// Prorata returns the amount owed for the rest of the current cycle when moving from
// oldPrice to newPrice, rounded half away from zero to cents. Trial upgrades (oldPrice
// zero) and exhausted cycles yield zero: the new plan is billed in full next cycle.
func Prorata(oldPrice, newPrice decimal.Decimal, daysRemaining int) decimal.Decimal {
	if daysRemaining <= 0 || oldPrice.IsZero() {
		return decimal.Zero
	}
	delta := newPrice.Sub(oldPrice)
	return delta.Mul(decimal.NewFromInt(int64(daysRemaining))).Div(cycle).Round(2)
}

// DaysRemaining counts whole days from today until nextBilling, never negative.
// A missing billing date leaves nothing to prorate.
func DaysRemaining(nextBilling *time.Time, today time.Time) int {
	if nextBilling == nil {
		return 0
	}
	days := clock.DaysBetween(today, *nextBilling)
	if days < 0 {
		return 0
	}
	return days
}

// Quote bundles the inputs and result of an upgrade proration.
type Quote struct {
	OldPrice      decimal.Decimal
	NewPrice      decimal.Decimal
	DaysRemaining int
	Amount        decimal.Decimal
}

// ForUpgrade builds a Quote for a move happening today.
func ForUpgrade(oldPrice, newPrice decimal.Decimal, nextBilling *time.Time, today time.Time) Quote {
	days := DaysRemaining(nextBilling, today)
	return Quote{
		OldPrice:      oldPrice,
		NewPrice:      newPrice,
		DaysRemaining: days,
		Amount:        Prorata(oldPrice, newPrice, days),
	}
}
