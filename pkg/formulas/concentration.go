package formulas

import "math"

// HHI computes the Herfindahl-Hirschman Index (sum of squared weights) for a
// portfolio. An empty portfolio has HHI 0.
func HHI(weights map[string]float64) float64 {
	var hhi float64
	for _, w := range weights {
		hhi += w * w
	}
	return hhi
}

// EffectiveN calculates the effective number of assets (1/HHI).
// Returns nil when HHI is 0 (empty or all-zero portfolio), where the measure
// is undefined.
func EffectiveN(weights map[string]float64) *float64 {
	hhi := HHI(weights)
	if hhi <= 0 {
		return nil
	}
	n := 1.0 / hhi
	return &n
}

// ActiveShare calculates half the sum of absolute weight differences between
// a portfolio and a benchmark, over the union of asset keys. An asset absent
// on either side counts as weight 0 on that side.
func ActiveShare(portfolio, benchmark map[string]float64) float64 {
	var total float64
	for asset, w := range portfolio {
		total += math.Abs(w - benchmark[asset])
	}
	for asset, b := range benchmark {
		if _, ok := portfolio[asset]; !ok {
			total += math.Abs(b)
		}
	}
	return 0.5 * total
}

// MaxWeight returns the largest weight in the portfolio, 0 when empty.
func MaxWeight(weights map[string]float64) float64 {
	var max float64
	first := true
	for _, w := range weights {
		if first || w > max {
			max = w
			first = false
		}
	}
	return max
}

// CountPositions counts positions with weight strictly above the threshold.
func CountPositions(weights map[string]float64, threshold float64) int {
	count := 0
	for _, w := range weights {
		if w > threshold {
			count++
		}
	}
	return count
}
