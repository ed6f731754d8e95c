package optimization

import (
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/decision-engine/pkg/formulas"
)

// Default tilt coefficients per factor
const (
	DefaultMomentumCoeff = 0.10
	DefaultValueCoeff    = 0.05
	DefaultQualityCoeff  = 0.03

	momentumEMAPeriod = 50
)

// NormalizationMethod selects how raw factor scores are standardized before
// tilting.
type NormalizationMethod string

const (
	NormalizeZScore NormalizationMethod = "zscore"
	NormalizeMinMax NormalizationMethod = "minmax"
)

// FactorScores holds one raw score per asset for a named factor, aligned
// with the universe ordering.
type FactorScores struct {
	Factor string
	Scores []float64
}

// TiltOptions configures the expected-return tilt.
type TiltOptions struct {
	Coefficients  map[string]float64 // factor name -> tilt strength; nil means defaults
	Normalization NormalizationMethod
}

// DefaultTiltCoefficients returns the standard factor tilt strengths.
func DefaultTiltCoefficients() map[string]float64 {
	return map[string]float64{
		"momentum": DefaultMomentumCoeff,
		"value":    DefaultValueCoeff,
		"quality":  DefaultQualityCoeff,
	}
}

// FactorTilter adjusts base expected returns with normalized factor scores:
// tilted mu = mu + sum over factors of coeff * normalized(score). A factor
// without a coefficient is ignored.
type FactorTilter struct {
	log zerolog.Logger
}

// NewFactorTilter creates a new factor tilter.
func NewFactorTilter(log zerolog.Logger) *FactorTilter {
	return &FactorTilter{
		log: log.With().Str("component", "factor_tilt").Logger(),
	}
}

// Tilt applies the factor adjustments to the base mean vector. Scores are
// normalized cross-sectionally per factor; a factor whose scores have zero
// spread contributes nothing. Factors are applied in sorted name order so
// floating-point accumulation is deterministic.
func (ft *FactorTilter) Tilt(base []float64, factors []FactorScores, opts TiltOptions) ([]float64, error) {
	n := len(base)
	if n == 0 {
		return nil, newShapeError("base_returns", "at least 1 asset", "0 assets")
	}

	coeffs := opts.Coefficients
	if coeffs == nil {
		coeffs = DefaultTiltCoefficients()
	}
	method := opts.Normalization
	if method == "" {
		method = NormalizeZScore
	}

	byName := make(map[string][]float64, len(factors))
	for _, f := range factors {
		if len(f.Scores) != n {
			return nil, newShapeError("factor_scores["+f.Factor+"]",
				fmt.Sprintf("length %d", n), fmt.Sprintf("length %d", len(f.Scores)))
		}
		byName[f.Factor] = f.Scores
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	tilted := append([]float64{}, base...)
	for _, name := range names {
		coeff, ok := coeffs[name]
		if !ok || coeff == 0 {
			continue
		}
		normalized, err := normalizeScores(byName[name], method)
		if err != nil {
			return nil, fmt.Errorf("factor %s: %w", name, err)
		}
		for i := range tilted {
			tilted[i] += coeff * normalized[i]
		}
	}

	ft.log.Debug().
		Int("num_assets", n).
		Int("num_factors", len(names)).
		Str("normalization", string(method)).
		Msg("Applied factor tilt to expected returns")

	return tilted, nil
}

// normalizeScores standardizes raw cross-sectional scores. Zero spread
// yields all zeros instead of dividing by zero.
func normalizeScores(raw []float64, method NormalizationMethod) ([]float64, error) {
	out := make([]float64, len(raw))

	switch method {
	case NormalizeZScore:
		// Population standard deviation, so a two-point cross-section
		// normalizes to exactly -1 and +1.
		mean := stat.Mean(raw, nil)
		std := stat.PopStdDev(raw, nil)
		if std <= 0 || math.IsNaN(std) {
			return out, nil
		}
		for i, v := range raw {
			out[i] = (v - mean) / std
		}
		return out, nil

	case NormalizeMinMax:
		min, max := raw[0], raw[0]
		for _, v := range raw[1:] {
			min = math.Min(min, v)
			max = math.Max(max, v)
		}
		if max <= min {
			return out, nil
		}
		// Map into [-1, 1]
		for i, v := range raw {
			out[i] = 2*(v-min)/(max-min) - 1
		}
		return out, nil

	default:
		return nil, fmt.Errorf("unknown normalization method %q", method)
	}
}

// MomentumScores derives a raw momentum score per asset as the relative
// distance of the latest price above its EMA. Assets with too little
// history score 0.
func MomentumScores(universe AssetUniverse, prices map[string][]float64) []float64 {
	scores := make([]float64, universe.Len())
	for i, asset := range universe.Assets() {
		closes := prices[asset]
		if len(closes) < 2 {
			continue
		}
		ema := formulas.CalculateEMA(closes, momentumEMAPeriod)
		if ema == nil || *ema == 0 {
			continue
		}
		last := closes[len(closes)-1]
		scores[i] = (last - *ema) / *ema
	}
	return scores
}
