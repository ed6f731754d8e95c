package formulas

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Mean calculates the arithmetic mean of a slice of float64 values
func Mean(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	return stat.Mean(data, nil)
}

// StdDev calculates the standard deviation of a slice of float64 values
func StdDev(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	return stat.StdDev(data, nil)
}

// Variance calculates the variance of a slice of float64 values
func Variance(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	return stat.Variance(data, nil)
}

// WeightedMean calculates the weighted mean of data given observation weights.
// Weights do not need to be normalized.
func WeightedMean(data, weights []float64) float64 {
	if len(data) == 0 || len(data) != len(weights) {
		return 0
	}
	return stat.Mean(data, weights)
}

// CalculateReturns converts prices to percentage returns
// Returns[i] = (Price[i] - Price[i-1]) / Price[i-1]
func CalculateReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return []float64{}
	}

	returns := make([]float64, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] != 0 {
			returns[i-1] = (prices[i] - prices[i-1]) / prices[i-1]
		}
	}

	return returns
}

// PortfolioVariance calculates w'Σw for a weight vector and covariance matrix.
// Returns 0 if dimensions do not line up.
func PortfolioVariance(weights []float64, cov [][]float64) float64 {
	n := len(weights)
	if n == 0 || len(cov) != n {
		return 0
	}

	var variance float64
	for i := 0; i < n; i++ {
		if len(cov[i]) != n {
			return 0
		}
		for j := 0; j < n; j++ {
			variance += weights[i] * weights[j] * cov[i][j]
		}
	}
	return variance
}

// PortfolioVolatility calculates sqrt(w'Σw). Negative variance from numeric
// noise is clamped to zero.
func PortfolioVolatility(weights []float64, cov [][]float64) float64 {
	return math.Sqrt(math.Max(PortfolioVariance(weights, cov), 0))
}
