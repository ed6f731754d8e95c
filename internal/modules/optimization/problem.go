package optimization

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"
)

// Constants for problem formulation
const (
	DefaultTailProbability = 0.05 // alpha for CVaR95
	DefaultCVaRRiskWeight  = 3.0  // lambda_cvar in the penalized CVaR objective

	nearLinearThreshold = 1e-4
)

// ProblemVariant tags the convex program being formulated.
type ProblemVariant int

const (
	// VariantMeanVariance maximizes mu'w - 0.5*lambda*w'Sigma*w.
	VariantMeanVariance ProblemVariant = iota
	// VariantCVaR is the scenario-based Rockafellar-Uryasev formulation
	// over (w, t, s).
	VariantCVaR
	// VariantMinDeviation minimizes ||w - w0||^2 subject to the caps.
	VariantMinDeviation
)

func (v ProblemVariant) String() string {
	switch v {
	case VariantMeanVariance:
		return "mean_variance"
	case VariantCVaR:
		return "cvar"
	case VariantMinDeviation:
		return "min_deviation"
	default:
		return "unknown"
	}
}

// Problem is a fully specified convex program handed to the solver cascade.
// Objective and Gradient operate on the complete decision vector (asset
// weights plus any auxiliary variables); the orchestrator extracts the asset
// block of length NumAssets from the solution. Immutable once built.
type Problem struct {
	Variant   ProblemVariant
	Dim       int // full decision vector size
	NumAssets int // leading asset-weight block

	Objective func(x []float64) float64    // minimized
	Gradient  func(grad, x []float64)      // gradient of Objective
	Fallback  func(numAssets int) []float64 // deterministic portfolio when the cascade is exhausted

	Constraints ConstraintSet // bounds and rows over the full decision vector
	Initial     []float64     // feasible-ish starting point

	// NearLinear marks a nearly linear objective (tiny risk aversion) so
	// the orchestrator widens tolerances instead of failing the attempt.
	NearLinear bool
}

// CVaROptions parameterizes the tail-risk formulation.
type CVaROptions struct {
	Alpha        float64  // tail probability; 0 means DefaultTailProbability
	ReturnTarget *float64 // when set: minimize CVaR subject to mu'w >= target
	RiskWeight   float64  // lambda_cvar when no target; 0 means DefaultCVaRRiskWeight
}

// ProblemFormulator builds solver-ready programs from estimator/scenario
// output and a compiled constraint set.
type ProblemFormulator struct {
	log zerolog.Logger
}

// NewProblemFormulator creates a new problem formulator.
func NewProblemFormulator(log zerolog.Logger) *ProblemFormulator {
	return &ProblemFormulator{
		log: log.With().Str("component", "formulator").Logger(),
	}
}

// MeanVariance builds the utility-maximization program
// maximize mu'w - 0.5*lambda*w'Sigma*w, expressed as a minimization.
// Risk aversion must be positive; values below 1e-4 flag the near-linear
// regime.
func (pf *ProblemFormulator) MeanVariance(universe AssetUniverse, est MomentEstimate, riskAversion float64, cons ConstraintSet) (*Problem, error) {
	n := universe.Len()
	if len(est.Mean) != n {
		return nil, newShapeError("mean", fmt.Sprintf("length %d", n), fmt.Sprintf("length %d", len(est.Mean)))
	}
	if err := ValidateCovariance(est.Cov, n); err != nil {
		return nil, err
	}
	if err := checkConstraintDims(cons, n); err != nil {
		return nil, err
	}
	if riskAversion <= 0 {
		return nil, newShapeError("risk_aversion", "positive value", fmt.Sprintf("%g", riskAversion))
	}

	mu := append([]float64{}, est.Mean...)
	cov := copyMatrix(est.Cov)
	lambda := riskAversion

	objective := func(x []float64) float64 {
		// -(mu'w - 0.5*lambda*w'Cov*w)
		ret := floats.Dot(mu, x[:n])
		var risk float64
		for i := 0; i < n; i++ {
			row := cov[i]
			for j := 0; j < n; j++ {
				risk += x[i] * row[j] * x[j]
			}
		}
		return -(ret - 0.5*lambda*risk)
	}
	gradient := func(grad, x []float64) {
		for i := 0; i < n; i++ {
			var sw float64
			row := cov[i]
			for j := 0; j < n; j++ {
				sw += row[j] * x[j]
			}
			grad[i] = -(mu[i] - lambda*sw)
		}
	}

	nearLinear := lambda < nearLinearThreshold
	if nearLinear {
		pf.log.Warn().
			Float64("risk_aversion", lambda).
			Msg("Risk aversion near zero, objective is almost linear")
	}

	return &Problem{
		Variant:     VariantMeanVariance,
		Dim:         n,
		NumAssets:   n,
		Objective:   objective,
		Gradient:    gradient,
		Fallback:    equalWeightFallback,
		Constraints: cons,
		Initial:     equalWeightFallback(n),
		NearLinear:  nearLinear,
	}, nil
}

// CVaR builds the Rockafellar-Uryasev program over the extended decision
// vector (w, t, s): shortfall rows s_i >= -r_i'w - t with s >= 0, and
// CVaR(w) = t + sum(s)/(alpha*S). With a return target the objective is the
// CVaR itself plus a mu'w >= target row; without one it is the penalized
// trade-off mu'w - lambda_cvar*CVaR, maximized.
func (pf *ProblemFormulator) CVaR(universe AssetUniverse, mu []float64, scenarios *ScenarioSet, opts CVaROptions, cons ConstraintSet) (*Problem, error) {
	n := universe.Len()
	if len(mu) != n {
		return nil, newShapeError("mean", fmt.Sprintf("length %d", n), fmt.Sprintf("length %d", len(mu)))
	}
	if scenarios == nil || len(scenarios.Returns) == 0 {
		return nil, newShapeError("scenarios", "non-empty scenario matrix", "no scenarios")
	}
	if len(scenarios.Returns) != n {
		return nil, newShapeError("scenarios",
			fmt.Sprintf("%d asset rows", n), fmt.Sprintf("%d asset rows", len(scenarios.Returns)))
	}
	numScenarios := scenarios.NumScenarios()
	for i, row := range scenarios.Returns {
		if len(row) != numScenarios {
			return nil, newShapeError("scenarios",
				fmt.Sprintf("rows of length %d", numScenarios), fmt.Sprintf("row %d has length %d", i, len(row)))
		}
	}
	if err := checkConstraintDims(cons, n); err != nil {
		return nil, err
	}

	alpha := opts.Alpha
	if alpha <= 0 || alpha >= 1 {
		alpha = DefaultTailProbability
	}
	riskWeight := opts.RiskWeight
	if riskWeight <= 0 {
		riskWeight = DefaultCVaRRiskWeight
	}

	// Decision vector layout: x = (w_0..w_{n-1}, t, s_0..s_{S-1})
	dim := n + 1 + numScenarios
	tIdx := n

	bounds := make([][2]float64, dim)
	copy(bounds, cons.Bounds)
	bounds[tIdx] = [2]float64{math.Inf(-1), math.Inf(1)}
	for s := 0; s < numScenarios; s++ {
		bounds[n+1+s] = [2]float64{0, math.Inf(1)}
	}

	linear := make([]LinearConstraint, 0, len(cons.Linear)+numScenarios+1)
	for _, row := range cons.Linear {
		coeffs := make([]float64, dim)
		copy(coeffs, row.Coeffs)
		linear = append(linear, LinearConstraint{Coeffs: coeffs, RHS: row.RHS, Sense: row.Sense, Label: row.Label})
	}
	// Shortfall rows: r_s'w + t + s_s >= 0
	for s := 0; s < numScenarios; s++ {
		coeffs := make([]float64, dim)
		for i := 0; i < n; i++ {
			coeffs[i] = scenarios.Returns[i][s]
		}
		coeffs[tIdx] = 1.0
		coeffs[n+1+s] = 1.0
		linear = append(linear, LinearConstraint{Coeffs: coeffs, RHS: 0.0, Sense: SenseGE, Label: "shortfall"})
	}

	muVec := append([]float64{}, mu...)
	invAlphaS := 1.0 / (alpha * float64(numScenarios))
	targeted := opts.ReturnTarget != nil
	if targeted {
		target := *opts.ReturnTarget
		coeffs := make([]float64, dim)
		copy(coeffs, muVec)
		linear = append(linear, LinearConstraint{Coeffs: coeffs, RHS: target, Sense: SenseGE, Label: "mu'w >= target"})
	}

	objective := func(x []float64) float64 {
		cvar := x[tIdx]
		for s := 0; s < numScenarios; s++ {
			cvar += invAlphaS * x[n+1+s]
		}
		if targeted {
			return cvar
		}
		return -(floats.Dot(muVec, x[:n]) - riskWeight*cvar)
	}
	gradient := func(grad, x []float64) {
		for i := range grad {
			grad[i] = 0
		}
		if targeted {
			grad[tIdx] = 1.0
			for s := 0; s < numScenarios; s++ {
				grad[n+1+s] = invAlphaS
			}
			return
		}
		for i := 0; i < n; i++ {
			grad[i] = -muVec[i]
		}
		grad[tIdx] = riskWeight
		for s := 0; s < numScenarios; s++ {
			grad[n+1+s] = riskWeight * invAlphaS
		}
	}

	initial := pf.cvarInitialPoint(n, numScenarios, scenarios)

	pf.log.Debug().
		Int("num_assets", n).
		Int("num_scenarios", numScenarios).
		Float64("alpha", alpha).
		Bool("return_target", targeted).
		Msg("Formulated CVaR program")

	return &Problem{
		Variant:   VariantCVaR,
		Dim:       dim,
		NumAssets: n,
		Objective: objective,
		Gradient:  gradient,
		Fallback:  equalWeightFallback,
		Constraints: ConstraintSet{
			Bounds:     bounds,
			Linear:     linear,
			Infeasible: cons.Infeasible,
		},
		Initial: initial,
	}, nil
}

// cvarInitialPoint starts from equal weights with the shortfall variables
// set to their binding values, which keeps the scenario rows feasible from
// the first iteration.
func (pf *ProblemFormulator) cvarInitialPoint(n, numScenarios int, scenarios *ScenarioSet) []float64 {
	x := make([]float64, n+1+numScenarios)
	w := equalWeightFallback(n)
	copy(x, w)

	portfolio := scenarios.PortfolioReturns(w)
	t := 0.0
	x[n] = t
	for s := 0; s < numScenarios; s++ {
		x[n+1+s] = math.Max(0, -portfolio[s]-t)
	}
	return x
}

// MinDeviation builds the concentration-repair program
// minimize ||w - w0||^2 subject to the compiled caps. Strictly convex, so
// the optimum is unique whenever the region is non-empty. The fallback
// holds the original allocation rather than moving to equal weights.
func (pf *ProblemFormulator) MinDeviation(universe AssetUniverse, original []float64, cons ConstraintSet) (*Problem, error) {
	n := universe.Len()
	if len(original) != n {
		return nil, newShapeError("original_weights", fmt.Sprintf("length %d", n), fmt.Sprintf("length %d", len(original)))
	}
	if err := checkConstraintDims(cons, n); err != nil {
		return nil, err
	}

	w0 := append([]float64{}, original...)

	objective := func(x []float64) float64 {
		var d float64
		for i := 0; i < n; i++ {
			diff := x[i] - w0[i]
			d += diff * diff
		}
		return d
	}
	gradient := func(grad, x []float64) {
		for i := 0; i < n; i++ {
			grad[i] = 2 * (x[i] - w0[i])
		}
	}

	// Start from the original clipped into bounds, which is already close
	// to the unique optimum.
	initial := make([]float64, n)
	for i := 0; i < n; i++ {
		initial[i] = math.Max(cons.Bounds[i][0], math.Min(cons.Bounds[i][1], w0[i]))
	}

	fallback := func(numAssets int) []float64 {
		return append([]float64{}, w0...)
	}

	return &Problem{
		Variant:     VariantMinDeviation,
		Dim:         n,
		NumAssets:   n,
		Objective:   objective,
		Gradient:    gradient,
		Fallback:    fallback,
		Constraints: cons,
		Initial:     initial,
	}, nil
}

// equalWeightFallback is the deterministic 1/N portfolio.
func equalWeightFallback(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1.0 / float64(n)
	}
	return w
}

func checkConstraintDims(cons ConstraintSet, n int) error {
	if len(cons.Bounds) != n {
		return newShapeError("constraints.Bounds", fmt.Sprintf("length %d", n), fmt.Sprintf("length %d", len(cons.Bounds)))
	}
	for i, row := range cons.Linear {
		if len(row.Coeffs) != n {
			return newShapeError("constraints.Linear",
				fmt.Sprintf("rows of length %d", n), fmt.Sprintf("row %d has length %d", i, len(row.Coeffs)))
		}
	}
	return nil
}

func copyMatrix(m [][]float64) [][]float64 {
	out := make([][]float64, len(m))
	for i, row := range m {
		out[i] = append([]float64{}, row...)
	}
	return out
}
