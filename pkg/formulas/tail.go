package formulas

import (
	"math"
	"sort"
)

// Percentile returns the q-th percentile (q in [0,1]) of the data using
// linear interpolation between order statistics. The input slice is not
// modified. Returns NaN for empty input.
func Percentile(data []float64, q float64) float64 {
	if len(data) == 0 {
		return math.NaN()
	}
	if len(data) == 1 {
		return data[0]
	}

	sorted := make([]float64, len(data))
	copy(sorted, data)
	sort.Float64s(sorted)

	q = math.Max(0, math.Min(1, q))
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// ValueAtRisk returns the VaR of a return distribution at the given tail
// probability alpha (e.g. 0.05 for VaR95): the alpha-quantile of returns.
func ValueAtRisk(returns []float64, alpha float64) float64 {
	return Percentile(returns, alpha)
}

// ConditionalValueAtRisk returns the mean of returns at or below the VaR
// threshold (the expected tail loss). The threshold itself always belongs to
// the tail, so the result never exceeds the VaR.
func ConditionalValueAtRisk(returns []float64, alpha float64) float64 {
	if len(returns) == 0 {
		return math.NaN()
	}

	varThreshold := ValueAtRisk(returns, alpha)

	var sum float64
	count := 0
	for _, r := range returns {
		if r <= varThreshold {
			sum += r
			count++
		}
	}
	if count == 0 {
		return varThreshold
	}
	return sum / float64(count)
}
