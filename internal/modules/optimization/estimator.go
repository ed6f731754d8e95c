package optimization

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
)

// Constants for moment estimation
const (
	DefaultLookback = 252  // 1 year of trading days
	DefaultDecay    = 0.94 // EWMA decay factor

	symmetryTolerance   = 1e-8
	eigenvalueTolerance = -1e-8
)

// MomentOptions configures exponentially-weighted moment estimation.
type MomentOptions struct {
	Lookback int     // observations to use; 0 means DefaultLookback
	Decay    float64 // EWMA decay alpha in (0,1); 0 means DefaultDecay
}

// MomentEstimator turns a historical return series into an expected-return
// vector and covariance matrix using exponentially-weighted estimation.
type MomentEstimator struct {
	log zerolog.Logger
}

// NewMomentEstimator creates a new moment estimator.
func NewMomentEstimator(log zerolog.Logger) *MomentEstimator {
	return &MomentEstimator{
		log: log.With().Str("component", "moment_estimator").Logger(),
	}
}

// Estimate computes EWMA mean returns and an EWMA covariance matrix over the
// most recent window of the history. If fewer observations than the lookback
// are available the window shrinks to what exists; fewer than 2 observations
// is a ShapeError because covariance is undefined.
func (me *MomentEstimator) Estimate(history ReturnHistory, opts MomentOptions) (MomentEstimate, error) {
	n := len(history.Assets)
	t := len(history.Observations)

	if n == 0 {
		return MomentEstimate{}, newShapeError("history.Assets", "at least 1 asset", "0 assets")
	}
	if t < 2 {
		return MomentEstimate{}, newShapeError("history.Observations", "at least 2 observations", fmt.Sprintf("%d observations", t))
	}
	for i, row := range history.Observations {
		if len(row) != n {
			return MomentEstimate{}, newShapeError("history.Observations",
				fmt.Sprintf("rows of length %d", n), fmt.Sprintf("row %d has length %d", i, len(row)))
		}
	}

	lookback := opts.Lookback
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	if lookback > t {
		lookback = t
	}
	decay := opts.Decay
	if decay <= 0 || decay >= 1 {
		decay = DefaultDecay
	}

	window := history.Observations[t-lookback:]
	weights := ewmaWeights(lookback, decay)

	// Weighted mean per asset
	mean := make([]float64, n)
	for j := 0; j < n; j++ {
		var m float64
		for k := 0; k < lookback; k++ {
			m += weights[k] * window[k][j]
		}
		mean[j] = m
	}

	// Weighted covariance with effective-sample correction: denom = 1 - sum(w^2)
	sumW2 := 0.0
	for _, w := range weights {
		sumW2 += w * w
	}
	denom := 1.0 - sumW2
	if denom <= 0 {
		// All weight concentrated on a single observation
		return MomentEstimate{}, newShapeError("history.Observations", "effective sample size > 1",
			fmt.Sprintf("degenerate weights (denom=%v)", denom))
	}

	cov := make([][]float64, n)
	for i := range cov {
		cov[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			var s float64
			for k := 0; k < lookback; k++ {
				s += weights[k] * (window[k][i] - mean[i]) * (window[k][j] - mean[j])
			}
			val := s / denom
			cov[i][j] = val
			cov[j][i] = val
		}
	}

	me.log.Debug().
		Int("num_assets", n).
		Int("window", lookback).
		Float64("decay", decay).
		Float64("effective_sample_size", 1.0/sumW2).
		Msg("Estimated EWMA moments")

	return MomentEstimate{
		Assets: append([]string{}, history.Assets...),
		Mean:   mean,
		Cov:    cov,
	}, nil
}

// ewmaWeights returns normalized EWMA observation weights, oldest to newest,
// with weight (1-alpha)*alpha^age decaying away from the most recent row.
func ewmaWeights(n int, alpha float64) []float64 {
	weights := make([]float64, n)
	sum := 0.0
	for i := 0; i < n; i++ {
		age := float64((n - 1) - i) // 0 for newest
		w := (1 - alpha) * math.Pow(alpha, age)
		weights[i] = w
		sum += w
	}
	for i := range weights {
		weights[i] /= sum
	}
	return weights
}

// ValidateCovariance checks that a covariance matrix is square, symmetric
// within tolerance and positive semi-definite (minimum eigenvalue above a
// small negative tolerance). Violations are ShapeErrors, raised before any
// problem is handed to a solver.
func ValidateCovariance(cov [][]float64, n int) error {
	if len(cov) != n {
		return newShapeError("covariance", fmt.Sprintf("%dx%d matrix", n, n), fmt.Sprintf("%d rows", len(cov)))
	}
	for i, row := range cov {
		if len(row) != n {
			return newShapeError("covariance",
				fmt.Sprintf("rows of length %d", n), fmt.Sprintf("row %d has length %d", i, len(row)))
		}
	}

	// Symmetry within relative tolerance
	scale := 0.0
	for i := 0; i < n; i++ {
		scale = math.Max(scale, math.Abs(cov[i][i]))
	}
	tol := symmetryTolerance * math.Max(scale, 1.0)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if math.Abs(cov[i][j]-cov[j][i]) > tol {
				return newShapeError("covariance", "symmetric matrix",
					fmt.Sprintf("asymmetry %.3e at (%d,%d)", math.Abs(cov[i][j]-cov[j][i]), i, j))
			}
		}
	}

	// PSD check via eigendecomposition of the symmetrized matrix
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, 0.5*(cov[i][j]+cov[j][i]))
		}
	}

	var eig mat.EigenSym
	if !eig.Factorize(sym, false) {
		return newShapeError("covariance", "factorizable matrix", "eigendecomposition failed")
	}
	values := eig.Values(nil)
	minEig := values[0]
	for _, v := range values {
		if v < minEig {
			minEig = v
		}
	}
	if minEig < eigenvalueTolerance*math.Max(scale, 1.0) {
		return newShapeError("covariance", "positive semi-definite matrix", fmt.Sprintf("min eigenvalue %.3e", minEig))
	}

	return nil
}
