package optimization

import (
	"github.com/rs/zerolog"

	"github.com/aristath/decision-engine/pkg/formulas"
)

// DefaultMaterialityThreshold is the weight below which a position is not
// counted as held.
const DefaultMaterialityThreshold = 0.001

// MetricsInput bundles everything the diagnostics block can be computed
// from. Estimate, Scenarios and Benchmark are optional; metrics that need a
// missing input are reported as zero or nil rather than erroring.
type MetricsInput struct {
	Weights   map[string]float64
	Estimate  *MomentEstimate
	Scenarios *ScenarioSet
	Benchmark map[string]float64
	Threshold float64 // materiality threshold; 0 means DefaultMaterialityThreshold
}

// MetricsCalculator computes the standardized concentration, risk and
// comparison diagnostics from a weight vector.
type MetricsCalculator struct {
	log zerolog.Logger
}

// NewMetricsCalculator creates a new metrics calculator.
func NewMetricsCalculator(log zerolog.Logger) *MetricsCalculator {
	return &MetricsCalculator{
		log: log.With().Str("component", "metrics").Logger(),
	}
}

// Compute evaluates the diagnostics block. Degenerate inputs resolve to
// sentinels: HHI 0 for an empty portfolio, nil EffectiveN when HHI is 0,
// Sharpe 0 when volatility is 0. VaR/CVaR are present only when scenarios
// are supplied, active share only when a benchmark is.
func (mc *MetricsCalculator) Compute(in MetricsInput) PortfolioMetrics {
	threshold := in.Threshold
	if threshold <= 0 {
		threshold = DefaultMaterialityThreshold
	}

	metrics := PortfolioMetrics{
		HHI:          formulas.HHI(in.Weights),
		EffectiveN:   formulas.EffectiveN(in.Weights),
		MaxWeight:    formulas.MaxWeight(in.Weights),
		NumPositions: formulas.CountPositions(in.Weights, threshold),
	}

	if in.Estimate != nil {
		w := alignWeights(in.Weights, in.Estimate.Assets)
		for i := range in.Estimate.Assets {
			metrics.ExpectedReturn += in.Estimate.Mean[i] * w[i]
		}
		metrics.Volatility = formulas.PortfolioVolatility(w, in.Estimate.Cov)
		if metrics.Volatility > 0 {
			metrics.SharpeRatio = metrics.ExpectedReturn / metrics.Volatility
		}
	}

	if in.Scenarios != nil && in.Scenarios.NumScenarios() > 0 {
		w := alignWeights(in.Weights, in.Scenarios.Assets)
		portfolio := in.Scenarios.PortfolioReturns(w)
		varVal := formulas.ValueAtRisk(portfolio, DefaultTailProbability)
		cvarVal := formulas.ConditionalValueAtRisk(portfolio, DefaultTailProbability)
		metrics.VaR95 = &varVal
		metrics.CVaR95 = &cvarVal
	}

	if in.Benchmark != nil {
		activeShare := formulas.ActiveShare(in.Weights, in.Benchmark)
		metrics.ActiveShare = &activeShare
	}

	return metrics
}

// alignWeights orders a weight map along an asset list, absent assets as 0.
func alignWeights(weights map[string]float64, assets []string) []float64 {
	w := make([]float64, len(assets))
	for i, asset := range assets {
		w[i] = weights[asset]
	}
	return w
}

// WeightsToMap pairs an ordered weight vector with its universe.
func WeightsToMap(universe AssetUniverse, weights []float64) map[string]float64 {
	out := make(map[string]float64, universe.Len())
	for i, asset := range universe.Assets() {
		out[asset] = weights[i]
	}
	return out
}
