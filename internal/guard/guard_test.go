package guard

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/pool-engine/internal/model"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestCheck_WithinLimits(t *testing.T) {
	g := NewImpactGuard(500, 2000) // 5%, 20%

	q := &model.Quote{AmountOut: 90, PriceImpact: d("0.04")}
	if err := g.Check(q, 1000); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheck_ImpactExceeded(t *testing.T) {
	g := NewImpactGuard(500, 0)

	q := &model.Quote{AmountOut: 90, PriceImpact: d("0.1")}
	err := g.Check(q, 1000)
	if !errors.Is(err, ErrPriceImpactExceeded) {
		t.Errorf("expected ErrPriceImpactExceeded, got %v", err)
	}
}

func TestCheck_ImpactAtLimit(t *testing.T) {
	g := NewImpactGuard(1000, 0)

	q := &model.Quote{AmountOut: 90, PriceImpact: d("0.1")}
	if err := g.Check(q, 1000); err != nil {
		t.Errorf("impact equal to the limit should pass, got %v", err)
	}
}

func TestCheck_ReserveShareExceeded(t *testing.T) {
	g := NewImpactGuard(0, 500) // 5% of the output reserve

	q := &model.Quote{AmountOut: 90, PriceImpact: d("0.1")}
	err := g.Check(q, 1000)
	if !errors.Is(err, ErrReserveShareExceeded) {
		t.Errorf("expected ErrReserveShareExceeded, got %v", err)
	}
}

func TestCheck_Disabled(t *testing.T) {
	q := &model.Quote{AmountOut: 999, PriceImpact: d("0.99")}

	if err := NewImpactGuard(0, 0).Check(q, 1000); err != nil {
		t.Errorf("zero limits should disable the guard, got %v", err)
	}

	var g *ImpactGuard
	if err := g.Check(q, 1000); err != nil {
		t.Errorf("nil guard should accept, got %v", err)
	}
	if g.Enabled() {
		t.Error("nil guard should report disabled")
	}
}
