// Package geometry computes grid levels, their buy/sell/skip polarity
// relative to the current mid price, and the level→zone map. All functions
// are pure — they take no references to engine state and can't fail on
// anything but a malformed config.
package geometry

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"gridbot/pkg/types"
)

// defaultTolerance is the absolute tolerance, in price units, used when
// deciding whether a level sits at the mid (and is therefore skipped).
const defaultTolerance = "0.00001"

// Compute returns the strictly increasing sequence of grid levels for the
// given bounds, level count, and spacing rule. levels[0] == lower and
// levels[n-1] == upper exactly; everything in between follows the spacing
// formula.
func Compute(lower, upper decimal.Decimal, n int, spacing types.Spacing) ([]decimal.Decimal, error) {
	if n < 2 {
		return nil, fmt.Errorf("%w: n_levels must be >= 2, got %d", types.ErrInvalidGrid, n)
	}
	if upper.LessThanOrEqual(lower) {
		return nil, fmt.Errorf("%w: upper (%s) must be greater than lower (%s)", types.ErrInvalidGrid, upper, lower)
	}

	switch spacing {
	case types.SpacingArithmetic:
		return computeArithmetic(lower, upper, n), nil
	case types.SpacingGeometric:
		return computeGeometric(lower, upper, n), nil
	default:
		return nil, fmt.Errorf("%w: unknown spacing %q", types.ErrInvalidGrid, spacing)
	}
}

// computeArithmetic: levels[i] = lower + i*(upper-lower)/(n-1).
func computeArithmetic(lower, upper decimal.Decimal, n int) []decimal.Decimal {
	step := upper.Sub(lower).Div(decimal.NewFromInt(int64(n - 1)))
	levels := make([]decimal.Decimal, n)
	levels[0] = lower
	for i := 1; i < n-1; i++ {
		levels[i] = lower.Add(step.Mul(decimal.NewFromInt(int64(i))))
	}
	levels[n-1] = upper
	return levels
}

// computeGeometric: levels[i] = lower * r^i, r = (upper/lower)^(1/(n-1)).
// The ratio must be computed in floating point (there is no closed-form
// decimal n-th root); the endpoints are pinned back to the exact decimal
// bounds afterward so levels[0]==lower and levels[n-1]==upper hold exactly.
func computeGeometric(lower, upper decimal.Decimal, n int) []decimal.Decimal {
	lowerF, _ := lower.Float64()
	upperF, _ := upper.Float64()
	r := math.Pow(upperF/lowerF, 1/float64(n-1))

	levels := make([]decimal.Decimal, n)
	levels[0] = lower
	for i := 1; i < n-1; i++ {
		factor := math.Pow(r, float64(i))
		levels[i] = lower.Mul(decimal.NewFromFloat(factor))
	}
	levels[n-1] = upper
	return levels
}

// DetermineSide returns the polarity of a level price against the current
// mid price. tol is an absolute price-unit tolerance; pass decimal.Zero to
// fall back to the spec default of 1e-5.
func DetermineSide(price, mid, tol decimal.Decimal) types.Side {
	if tol.IsZero() {
		tol, _ = decimal.NewFromString(defaultTolerance)
	}
	diff := price.Sub(mid).Abs()
	if diff.LessThanOrEqual(tol) {
		return types.Skip
	}
	if price.LessThan(mid) {
		return types.Buy
	}
	return types.Sell
}

// BuildZoneMap maps every level index in [0, nLevels) to its owning zone.
// Levels not covered by any configured zone default to {zone_id: 0, enabled: true}.
func BuildZoneMap(nLevels int, zones []types.Zone) map[int]types.ZoneBinding {
	out := make(map[int]types.ZoneBinding, nLevels)
	for i := 0; i < nLevels; i++ {
		out[i] = types.ZoneBinding{ZoneID: 0, Enabled: true}
	}
	for _, z := range zones {
		start, end := z.StartIdx, z.EndIdx
		if end >= nLevels {
			end = nLevels - 1
		}
		for i := start; i <= end && i >= 0; i++ {
			out[i] = types.ZoneBinding{ZoneID: z.ID, Enabled: z.Enabled}
		}
	}
	return out
}

// SnapToLevel maps a price to the index of the nearest grid level by
// absolute distance, breaking ties toward the lower index.
func SnapToLevel(levels []decimal.Decimal, price decimal.Decimal) int {
	best := 0
	bestDist := levels[0].Sub(price).Abs()
	for i := 1; i < len(levels); i++ {
		dist := levels[i].Sub(price).Abs()
		if dist.LessThan(bestDist) {
			best = i
			bestDist = dist
		}
	}
	return best
}
