// Package tick implements exchange tick-size rounding for order prices.
package tick

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	t001 = decimal.NewFromFloat(0.01)
	t005 = decimal.NewFromFloat(0.05)
	t010 = decimal.NewFromFloat(0.10)
	t050 = decimal.NewFromFloat(0.50)
	t1   = decimal.NewFromInt(1)
	t5   = decimal.NewFromInt(5)

	p10   = decimal.NewFromInt(10)
	p50   = decimal.NewFromInt(50)
	p100  = decimal.NewFromInt(100)
	p500  = decimal.NewFromInt(500)
	p1000 = decimal.NewFromInt(1000)
)

// unitFor returns the legal tick size for a given reference price.
func unitFor(price decimal.Decimal) decimal.Decimal {
	switch {
	case price.LessThan(p10):
		return t001
	case price.LessThan(p50):
		return t005
	case price.LessThan(p100):
		return t010
	case price.LessThan(p500):
		return t050
	case price.LessThan(p1000):
		return t1
	default:
		return t5
	}
}

// Snap rounds price to the nearest legal tick, half-up, re-quantized to
// two decimals. Snap is idempotent: Snap(Snap(p)) == Snap(p) for all
// p >= 0.
func Snap(price decimal.Decimal) (decimal.Decimal, error) {
	if price.IsNegative() {
		return decimal.Zero, fmt.Errorf("tick: invalid price: %s", price)
	}
	unit := unitFor(price)
	ticks := price.DivRound(unit, 0)
	return ticks.Mul(unit).Round(2), nil
}
