package formulas

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHHI_EqualWeights(t *testing.T) {
	// Equal-weight portfolio of N assets has HHI exactly 1/N
	for _, n := range []int{2, 5, 10, 50} {
		weights := make(map[string]float64, n)
		for i := 0; i < n; i++ {
			weights[fmt.Sprintf("ASSET_%02d", i)] = 1.0 / float64(n)
		}

		hhi := HHI(weights)
		assert.InDelta(t, 1.0/float64(n), hhi, 1e-12, "equal weights of %d assets", n)

		effN := EffectiveN(weights)
		require.NotNil(t, effN)
		assert.InDelta(t, float64(n), *effN, 1e-9)
	}
}

func TestHHI_Bounds(t *testing.T) {
	portfolios := []map[string]float64{
		{"A": 0.9, "B": 0.05, "C": 0.05},
		{"A": 0.4, "B": 0.3, "C": 0.2, "D": 0.1},
		{"A": 1.0},
		{"A": 0.25, "B": 0.25, "C": 0.25, "D": 0.25},
	}

	for _, weights := range portfolios {
		hhi := HHI(weights)
		n := float64(len(weights))
		assert.GreaterOrEqual(t, hhi, 1.0/n-1e-12, "HHI lower bound 1/N")
		assert.LessOrEqual(t, hhi, 1.0+1e-12, "HHI upper bound 1")
	}
}

func TestHHI_Concentrated(t *testing.T) {
	weights := map[string]float64{
		"A": 0.9,
		"B": 0.025,
		"C": 0.025,
		"D": 0.025,
		"E": 0.025,
	}
	hhi := HHI(weights)
	assert.InDelta(t, 0.9*0.9+4*0.025*0.025, hhi, 1e-12)
	assert.Greater(t, hhi, 1.0/5.0, "concentrated portfolio is above the equal-weight floor")
}

func TestHHI_EmptyPortfolio(t *testing.T) {
	assert.Equal(t, 0.0, HHI(map[string]float64{}))
	assert.Nil(t, EffectiveN(map[string]float64{}), "effective N is undefined for an empty portfolio")
}

func TestActiveShare(t *testing.T) {
	portfolio := map[string]float64{"A": 0.6, "B": 0.4}
	benchmark := map[string]float64{"A": 0.5, "C": 0.5}

	// |0.6-0.5| + |0.4-0| + |0-0.5| = 1.0 -> active share 0.5
	assert.InDelta(t, 0.5, ActiveShare(portfolio, benchmark), 1e-12)
}

func TestActiveShare_EmptyBenchmark(t *testing.T) {
	portfolio := map[string]float64{"A": 0.7, "B": 0.3}

	// With an empty benchmark every leg defaults to 0: 0.5 * sum|w_i|
	assert.InDelta(t, 0.5, ActiveShare(portfolio, map[string]float64{}), 1e-12)
	assert.InDelta(t, 0.5, ActiveShare(portfolio, nil), 1e-12)
}

func TestActiveShare_Identical(t *testing.T) {
	weights := map[string]float64{"A": 0.5, "B": 0.5}
	assert.InDelta(t, 0.0, ActiveShare(weights, weights), 1e-12)
}

func TestMaxWeightAndCount(t *testing.T) {
	weights := map[string]float64{
		"A": 0.50,
		"B": 0.30,
		"C": 0.199,
		"D": 0.0005,
		"E": 0.0005,
	}

	assert.InDelta(t, 0.50, MaxWeight(weights), 1e-12)
	assert.Equal(t, 3, CountPositions(weights, 0.001))
	assert.Equal(t, 0.0, MaxWeight(nil))
	assert.Equal(t, 0, CountPositions(nil, 0.001))
}

func TestMaxWeight_AllNegative(t *testing.T) {
	weights := map[string]float64{"A": -0.2, "B": -0.1}
	assert.InDelta(t, -0.1, MaxWeight(weights), 1e-12)
}

func TestPercentileInterpolation(t *testing.T) {
	data := []float64{1, 2, 3, 4, 5}
	assert.InDelta(t, 1.0, Percentile(data, 0), 1e-12)
	assert.InDelta(t, 3.0, Percentile(data, 0.5), 1e-12)
	assert.InDelta(t, 5.0, Percentile(data, 1), 1e-12)
	assert.InDelta(t, 1.2, Percentile(data, 0.05), 1e-12)
	assert.True(t, math.IsNaN(Percentile(nil, 0.5)))
}

func TestCVaRNeverExceedsVaR(t *testing.T) {
	samples := [][]float64{
		{-0.10, -0.05, -0.02, 0.0, 0.01, 0.02, 0.03, 0.05, 0.08, 0.12},
		{0.01, 0.01, 0.01, 0.01},
		{-0.5, 0.5},
		{-0.3, -0.2, -0.1, 0.1, 0.2, 0.3, 0.15, -0.15, 0.05, -0.05, 0.0, 0.02},
	}

	for _, returns := range samples {
		varVal := ValueAtRisk(returns, 0.05)
		cvarVal := ConditionalValueAtRisk(returns, 0.05)
		assert.LessOrEqual(t, cvarVal, varVal+1e-12, "tail expectation must not exceed its threshold")
	}
}

func TestPortfolioVolatility(t *testing.T) {
	weights := []float64{0.5, 0.5}
	cov := [][]float64{
		{0.04, 0.0},
		{0.0, 0.04},
	}

	// Variance = 0.25*0.04 + 0.25*0.04 = 0.02
	assert.InDelta(t, 0.02, PortfolioVariance(weights, cov), 1e-12)
	assert.InDelta(t, math.Sqrt(0.02), PortfolioVolatility(weights, cov), 1e-12)
}
