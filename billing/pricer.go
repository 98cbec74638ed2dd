/*
pricer.go - Session duration and price computation

PURPOSE:
  Turns a session's time window plus a resolved rate into money. Every
  amount stored on a session is produced here, at creation and again
  whenever the window is corrected.

RULES:
  - Duration is max(0, end - start) in whole seconds (truncated); an open
    session has duration 0.
  - Amount is seconds/3600 * hourly rate, rounded to exactly 2 decimals
    (half away from zero).
  - Non-positive duration prices to exactly 0 without consulting rates.

EXAMPLE:
  Duration(09:00:00, 09:30:00)          = 1800
  Amount(1800, decimal 10)              = 5.00
  Price(ctx, project, worker, 0)        = 0.00, no resolver call

SEE ALSO:
  - rate.go: where the hourly rate comes from
*/
package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

var secondsPerHour = decimal.NewFromInt(3600)

// Duration returns the elapsed whole seconds between start and end, or 0 when
// end is missing or not after start.
func Duration(start time.Time, end *time.Time) int64 {
	if end == nil {
		return 0
	}
	d := end.Sub(start)
	if d <= 0 {
		return 0
	}
	return int64(d / time.Second)
}

// Amount prices seconds at perHour, rounded to 2 decimals.
func Amount(seconds int64, perHour decimal.Decimal) decimal.Decimal {
	if seconds <= 0 {
		return decimal.Zero
	}
	return RoundMoney(decimal.NewFromInt(seconds).Mul(perHour).Div(secondsPerHour))
}

// Hours converts seconds to hours rounded to 2 decimals.
func Hours(seconds int64) decimal.Decimal {
	return decimal.NewFromInt(seconds).Div(secondsPerHour).Round(2)
}

// RoundMoney rounds to cents.
func RoundMoney(d decimal.Decimal) decimal.Decimal { return d.Round(2) }

// =============================================================================
// PRICER
// =============================================================================

// Pricer prices sessions using a Resolver. It holds no mutable state.
type Pricer struct {
	Resolver *Resolver
}

func NewPricer(r *Resolver) *Pricer {
	return &Pricer{Resolver: r}
}

// Price resolves the rate for (project, worker) and prices seconds with it.
// A non-positive duration short-circuits to zero and never touches the rate
// source, so it cannot fail with ErrProjectNotFound.
func (p *Pricer) Price(ctx context.Context, projectID ProjectID, workerID WorkerID, seconds int64) (decimal.Decimal, error) {
	if seconds <= 0 {
		return decimal.Zero, nil
	}
	rate, err := p.Resolver.Resolve(ctx, projectID, workerID)
	if err != nil {
		return decimal.Zero, err
	}
	return Amount(seconds, rate.PerHour), nil
}

// PriceWith prices seconds against a prefetched rate table.
func PriceWith(table RateTable, projectID ProjectID, workerID WorkerID, seconds int64) (decimal.Decimal, error) {
	if seconds <= 0 {
		return decimal.Zero, nil
	}
	rate, ok := table.Lookup(projectID, workerID)
	if !ok {
		return decimal.Zero, ErrProjectNotFound
	}
	return Amount(seconds, rate.PerHour), nil
}
