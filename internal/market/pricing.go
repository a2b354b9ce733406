package market

import "math"

// DefaultPriceStep is the increment, in microVOI, by which the leading
// outcome's price rises over the base price.
const DefaultPriceStep uint64 = 10_000

// Prices derives both outcome prices from the sold counters. The leader pays
// base plus its lead floored to a multiple of step; the trailer pays base.
// Equal counters leave both at base.
func Prices(base, seaSold, patSold, step uint64) (seaPrice, patPrice uint64) {
	if step == 0 {
		step = DefaultPriceStep
	}
	seaPrice, patPrice = base, base
	switch {
	case seaSold > patSold:
		seaPrice = base + ((seaSold-patSold)/step)*step
	case patSold > seaSold:
		patPrice = base + ((patSold-seaSold)/step)*step
	}
	return seaPrice, patPrice
}

// Probabilities returns the implied win chances as whole percentages. With
// nothing sold the pair is the fixed 52/48 opening line.
func Probabilities(seaSold, patSold uint64) (seaProb, patProb int) {
	total := float64(seaSold) + float64(patSold)
	if total == 0 {
		return 52, 48
	}
	sea := int(math.Floor(float64(seaSold)/total*100 + 0.5))
	return clampProb(sea), clampProb(100 - sea)
}

func clampProb(p int) int {
	if p < 1 {
		return 1
	}
	if p > 99 {
		return 99
	}
	return p
}
