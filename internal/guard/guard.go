// Package guard implements service-level trade limits applied to a swap
// quote before it is executed.
//
// The engine itself accepts any swap the constant-product curve can fill
// and the caller's minimum output allows. An operator can additionally cap
// how far a single swap may move the price, and how much of the output
// reserve it may take, to protect thin pools from fat-finger orders.
package guard

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/pool-engine/internal/model"
)

var (
	// ErrPriceImpactExceeded is returned when a swap's price impact is above
	// the configured maximum.
	ErrPriceImpactExceeded = errors.New("guard: price impact limit exceeded")

	// ErrReserveShareExceeded is returned when a swap would take more than
	// the configured share of the output reserve.
	ErrReserveShareExceeded = errors.New("guard: reserve share limit exceeded")
)

var bpsScale = decimal.NewFromInt(10000)

// ImpactGuard enforces per-swap limits. A zero limit disables that check.
type ImpactGuard struct {
	// MaxImpact is the largest accepted price impact as a fraction.
	MaxImpact decimal.Decimal

	// MaxReserveShare is the largest fraction of the output reserve one
	// swap may withdraw.
	MaxReserveShare decimal.Decimal
}

// NewImpactGuard creates a guard from basis-point limits; 0 disables a limit.
func NewImpactGuard(maxImpactBps, maxReserveShareBps uint64) *ImpactGuard {
	return &ImpactGuard{
		MaxImpact:       decimal.NewFromUint64(maxImpactBps).Div(bpsScale),
		MaxReserveShare: decimal.NewFromUint64(maxReserveShareBps).Div(bpsScale),
	}
}

// Enabled reports whether any limit is configured.
func (g *ImpactGuard) Enabled() bool {
	return g != nil && (g.MaxImpact.IsPositive() || g.MaxReserveShare.IsPositive())
}

// Check validates a quote against the limits. reserveOut is the output
// reserve the quote was computed against. A nil guard accepts everything.
func (g *ImpactGuard) Check(q *model.Quote, reserveOut uint64) error {
	if !g.Enabled() {
		return nil
	}

	// 1. Price impact.
	if g.MaxImpact.IsPositive() && q.PriceImpact.GreaterThan(g.MaxImpact) {
		return fmt.Errorf("%w: %s > %s", ErrPriceImpactExceeded,
			q.PriceImpact.StringFixed(4), g.MaxImpact.StringFixed(4))
	}

	// 2. Share of the output reserve.
	if g.MaxReserveShare.IsPositive() && reserveOut > 0 {
		share := decimal.NewFromUint64(q.AmountOut).Div(decimal.NewFromUint64(reserveOut))
		if share.GreaterThan(g.MaxReserveShare) {
			return fmt.Errorf("%w: %s > %s", ErrReserveShareExceeded,
				share.StringFixed(4), g.MaxReserveShare.StringFixed(4))
		}
	}

	return nil
}
