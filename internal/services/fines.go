package services

import (
	"time"

	"github.com/shopspring/decimal"

	"lawlibrary/internal/models"
)

// ─── Fine Calculation Constants ───────────────────────────────────────────────

const (
	// DefaultLoanPeriodDays is how long a user may keep a book before fines accrue.
	DefaultLoanPeriodDays = 14
)

// DefaultFinePerDay is charged for every full day a checkout is overdue.
var DefaultFinePerDay = decimal.RequireFromString("1.00")

// Assessment is the overdue state of a checkout at a given instant.
type Assessment struct {
	IsOverdue   bool
	DaysOverdue int
	Fine        models.Money
}

// FineCalculator derives overdue status and fines. It holds no state besides
// the rate, so concurrent use is safe.
type FineCalculator struct {
	ratePerDay decimal.Decimal
}

func NewFineCalculator(ratePerDay decimal.Decimal) FineCalculator {
	return FineCalculator{ratePerDay: ratePerDay}
}

// Assess computes the overdue state at now.
//
// Rules:
//   - Overdue only while not returned and strictly after the due date.
//   - Days overdue are whole 24h periods past the due date (partial days are
//     not charged).
//   - Fine = days overdue × rate.
//
// For a fixed due date the fine never decreases as now advances.
func (c FineCalculator) Assess(dueDate time.Time, isReturned bool, now time.Time) Assessment {
	if isReturned || !now.After(dueDate) {
		return Assessment{Fine: models.NewMoney(decimal.Zero)}
	}
	days := int(now.Sub(dueDate) / (24 * time.Hour))
	return Assessment{
		IsOverdue:   true,
		DaysOverdue: days,
		Fine:        models.NewMoney(c.ratePerDay.Mul(decimal.NewFromInt(int64(days)))),
	}
}

// Annotate fills the derived overdue fields of a checkout for display.
func (c FineCalculator) Annotate(checkout *models.BookCheckout, now time.Time) {
	a := c.Assess(checkout.DueDate, checkout.IsReturned, now)
	checkout.IsOverdue = a.IsOverdue
	checkout.DaysOverdue = a.DaysOverdue
}
