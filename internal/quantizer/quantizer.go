// Package quantizer rounds order size and price to a venue's lot/tick
// precision and enforces minimum-size and minimum-notional requirements.
// Unknown (venue, symbol) pairs pass permissively — the caller is expected
// to log a warning, since refusing to trade on an unlisted symbol is worse
// than trading it unrounded.
package quantizer

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"gridbot/pkg/types"
)

// Rule is the per-(venue,symbol) quantization table entry.
type Rule struct {
	MinSize     decimal.Decimal
	MinNotional decimal.Decimal
	SizeStep    decimal.Decimal
	PriceTick   decimal.Decimal
}

// key identifies one venue+symbol pair in the table.
type key struct {
	Venue  types.Venue
	Symbol string
}

// Table holds quantization rules, keyed by (venue, symbol). Safe for
// concurrent reads; intended to be built once at startup and never mutated
// under load, though Set is mutex-guarded for hot-reload scenarios.
type Table struct {
	mu    sync.RWMutex
	rules map[key]Rule
}

// NewTable creates an empty quantization table.
func NewTable() *Table {
	return &Table{rules: make(map[key]Rule)}
}

// Set installs or replaces the rule for a (venue, symbol) pair.
func (t *Table) Set(venue types.Venue, symbol string, r Rule) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rules[key{venue, symbol}] = r
}

// Lookup returns the rule for (venue, symbol) and whether it was found.
func (t *Table) Lookup(venue types.Venue, symbol string) (Rule, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.rules[key{venue, symbol}]
	return r, ok
}

// tolerance is 0.1% of the step, matching the source validator's
// `tolerance = step * 0.001`.
func stepTolerance(step decimal.Decimal) decimal.Decimal {
	return step.Mul(decimal.NewFromFloat(0.001))
}

// RoundSize rounds x to the nearest multiple of step: round(x/step)*step.
// If step is zero, x is returned unchanged (permissive pass for unknown symbols).
func RoundSize(x, step decimal.Decimal) decimal.Decimal {
	return roundToStep(x, step)
}

// RoundPrice rounds x to the nearest multiple of tick. Symmetric with RoundSize.
func RoundPrice(x, tick decimal.Decimal) decimal.Decimal {
	return roundToStep(x, tick)
}

func roundToStep(x, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return x
	}
	quotient := x.Div(step).Round(0)
	return quotient.Mul(step)
}

// Validate checks size and price against the rule for (venue, symbol). If
// the pair is unknown in the table, Validate passes permissively and
// returns known=false with a nil error so the caller can log the fallback.
func Validate(t *Table, venue types.Venue, symbol string, size, price decimal.Decimal) (known bool, err error) {
	rule, ok := t.Lookup(venue, symbol)
	if !ok {
		return false, nil
	}

	if size.LessThan(rule.MinSize) {
		return true, types.NewValidatorRejection(types.ReasonBelowMinSize,
			fmt.Sprintf("size %s < min_size %s", size, rule.MinSize))
	}

	notional := size.Mul(price)
	if notional.LessThan(rule.MinNotional) {
		return true, types.NewValidatorRejection(types.ReasonBelowMinNotional,
			fmt.Sprintf("notional %s < min_notional %s", notional, rule.MinNotional))
	}

	if !rule.SizeStep.IsZero() {
		rounded := roundToStep(size, rule.SizeStep)
		if rounded.Sub(size).Abs().GreaterThan(stepTolerance(rule.SizeStep)) {
			return true, types.NewValidatorRejection(types.ReasonBadSizeStep,
				fmt.Sprintf("size %s not a multiple of size_step %s", size, rule.SizeStep))
		}
	}

	if !rule.PriceTick.IsZero() {
		rounded := roundToStep(price, rule.PriceTick)
		if rounded.Sub(price).Abs().GreaterThan(stepTolerance(rule.PriceTick)) {
			return true, types.NewValidatorRejection(types.ReasonBadPriceTick,
				fmt.Sprintf("price %s not a multiple of price_tick %s", price, rule.PriceTick))
		}
	}

	return true, nil
}

// Quantize rounds size and price to the rule's steps, a convenience used by
// the engine before calling Validate. If the pair is unknown, it returns the
// inputs unchanged.
func Quantize(t *Table, venue types.Venue, symbol string, size, price decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	rule, ok := t.Lookup(venue, symbol)
	if !ok {
		return size, price
	}
	return RoundSize(size, rule.SizeStep), RoundPrice(price, rule.PriceTick)
}
