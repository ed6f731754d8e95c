package optimization

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/optimize"
)

// Constants for the solver cascade
const (
	DefaultAttemptTimeout = 10 * time.Second

	feasibilityTolerance           = 1e-4
	nearLinearFeasibilityTolerance = 1e-3
)

// Attempt is the outcome of a single backend invocation.
type Attempt struct {
	Status    SolveStatus
	X         []float64
	Objective *float64
	Err       error
}

// Backend is one numerical method in the cascade. Implementations must be
// safe for concurrent use across independent problems.
type Backend interface {
	Name() string
	Solve(ctx context.Context, prob *Problem) Attempt
}

// Orchestrator submits a problem to an ordered list of backends, enforcing a
// per-attempt wall-clock timeout, checking candidate feasibility, and
// applying the problem's deterministic fallback when every backend fails.
type Orchestrator struct {
	quadratic []Backend // order for QP variants (mean-variance, repair)
	linear    []Backend // order for the LP-like CVaR variant
	timeout   time.Duration
	log       zerolog.Logger
}

// OrchestratorOption customizes the cascade.
type OrchestratorOption func(*Orchestrator)

// WithAttemptTimeout overrides the per-attempt wall-clock budget.
func WithAttemptTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.timeout = d }
}

// WithBackends replaces both cascade orders, primarily for tests.
func WithBackends(quadratic, linear []Backend) OrchestratorOption {
	return func(o *Orchestrator) {
		o.quadratic = quadratic
		o.linear = linear
	}
}

// NewOrchestrator creates the default cascade: BFGS then L-BFGS then
// Nelder-Mead for quadratic objectives, L-BFGS first for the LP-like CVaR
// program where curvature information is absent.
func NewOrchestrator(log zerolog.Logger, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		quadratic: []Backend{
			newPenaltyBackend("bfgs", func() optimize.Method { return &optimize.BFGS{} }),
			newPenaltyBackend("lbfgs", func() optimize.Method { return &optimize.LBFGS{} }),
			newPenaltyBackend("neldermead", func() optimize.Method { return &optimize.NelderMead{} }),
		},
		linear: []Backend{
			newPenaltyBackend("lbfgs", func() optimize.Method { return &optimize.LBFGS{} }),
			newPenaltyBackend("bfgs", func() optimize.Method { return &optimize.BFGS{} }),
			newPenaltyBackend("neldermead", func() optimize.Method { return &optimize.NelderMead{} }),
		},
		timeout: DefaultAttemptTimeout,
		log:     log.With().Str("component", "solver").Logger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Backends returns the ordered cascade for a problem variant. The list is
// inspectable so callers can see exactly which methods will be tried.
func (o *Orchestrator) Backends(variant ProblemVariant) []Backend {
	if variant == VariantCVaR {
		return o.linear
	}
	return o.quadratic
}

// Solve runs the cascade. The first backend that converges to a feasible
// point short-circuits; infeasible or failed attempts are recorded and the
// next backend is tried. When every backend is exhausted the problem's
// deterministic fallback portfolio is returned with StatusFallbackApplied.
// Solve never returns an error: the outcome is always a usable result.
func (o *Orchestrator) Solve(ctx context.Context, prob *Problem) SolverResult {
	if reason := prob.Constraints.Infeasible; reason != "" {
		o.log.Warn().
			Str("variant", prob.Variant.String()).
			Str("reason", reason).
			Msg("Constraint set infeasible at compile time, applying deterministic fallback")
		return SolverResult{
			Status:  StatusFallbackApplied,
			Weights: prob.Fallback(prob.NumAssets),
			Attempts: []AttemptRecord{
				{Backend: "constraints", Status: StatusInfeasible, Err: reason},
			},
		}
	}

	attempts := make([]AttemptRecord, 0, 3)
	tolerance := feasibilityTolerance
	if prob.NearLinear {
		tolerance = nearLinearFeasibilityTolerance
	}

	for _, backend := range o.Backends(prob.Variant) {
		attempt := o.runWithTimeout(ctx, backend, prob)

		if attempt.Status == StatusOptimal {
			polished := polishSolution(prob, attempt.X)
			if violation := maxViolation(prob, polished); violation > tolerance {
				o.log.Debug().
					Str("backend", backend.Name()).
					Float64("violation", violation).
					Msg("Candidate solution violates constraints, trying next backend")
				attempts = append(attempts, AttemptRecord{Backend: backend.Name(), Status: StatusInfeasible, Err: fmt.Sprintf("constraint violation %.3e", violation)})
				continue
			}

			obj := prob.Objective(polished)
			o.log.Debug().
				Str("backend", backend.Name()).
				Str("variant", prob.Variant.String()).
				Float64("objective", obj).
				Msg("Solved")
			return SolverResult{
				Status:      StatusOptimal,
				Weights:     append([]float64{}, polished[:prob.NumAssets]...),
				Objective:   &obj,
				BackendUsed: backend.Name(),
				Attempts:    append(attempts, AttemptRecord{Backend: backend.Name(), Status: StatusOptimal}),
			}
		}

		record := AttemptRecord{Backend: backend.Name(), Status: attempt.Status}
		if attempt.Err != nil {
			record.Err = attempt.Err.Error()
		}
		attempts = append(attempts, record)
		o.log.Debug().
			Str("backend", backend.Name()).
			Str("status", attempt.Status.String()).
			Msg("Backend attempt failed, continuing cascade")
	}

	fallback := prob.Fallback(prob.NumAssets)
	o.log.Warn().
		Str("variant", prob.Variant.String()).
		Int("attempts", len(attempts)).
		Msg("All backends exhausted, applying deterministic fallback")

	return SolverResult{
		Status:   StatusFallbackApplied,
		Weights:  fallback,
		Attempts: attempts,
	}
}

// runWithTimeout executes one backend attempt under the per-attempt budget,
// converting timeouts and panics into SolverError so the cascade continues.
func (o *Orchestrator) runWithTimeout(ctx context.Context, backend Backend, prob *Problem) Attempt {
	attemptCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	done := make(chan Attempt, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Attempt{Status: StatusSolverError, Err: fmt.Errorf("backend panic: %v", r)}
			}
		}()
		done <- backend.Solve(attemptCtx, prob)
	}()

	select {
	case attempt := <-done:
		return attempt
	case <-attemptCtx.Done():
		return Attempt{Status: StatusSolverError, Err: fmt.Errorf("attempt timed out after %s: %w", o.timeout, attemptCtx.Err())}
	}
}

// penaltyBackend wraps a gonum optimize method with quadratic penalties for
// the linear rows and projection to box bounds. The penalty weight ramps
// 1e3 to 1e7 with warm starts so the final iterate sits tightly on the
// active constraints.
type penaltyBackend struct {
	name      string
	newMethod func() optimize.Method
}

func newPenaltyBackend(name string, newMethod func() optimize.Method) *penaltyBackend {
	return &penaltyBackend{name: name, newMethod: newMethod}
}

func (b *penaltyBackend) Name() string { return b.name }

var penaltyStages = []float64{1e3, 1e5, 1e7}

func (b *penaltyBackend) Solve(ctx context.Context, prob *Problem) Attempt {
	bounds := prob.Constraints.Bounds
	rows := prob.Constraints.Linear

	x := append([]float64{}, prob.Initial...)
	for _, penaltyWeight := range penaltyStages {
		if err := ctx.Err(); err != nil {
			return Attempt{Status: StatusSolverError, Err: err}
		}

		pw := penaltyWeight
		problem := optimize.Problem{
			Func: func(x []float64) float64 {
				xProj := projectToBounds(x, bounds)
				obj := prob.Objective(xProj)
				for _, row := range rows {
					obj += pw * rowViolation(row, xProj) * rowViolation(row, xProj)
				}
				return obj
			},
			Grad: func(grad, x []float64) {
				xProj := projectToBounds(x, bounds)
				prob.Gradient(grad, xProj)
				for _, row := range rows {
					v := rowViolation(row, xProj)
					if v == 0 {
						continue
					}
					sign := 1.0
					if row.Sense == SenseGE || (row.Sense == SenseEQ && dot(row.Coeffs, xProj) < row.RHS) {
						sign = -1.0
					}
					for i, c := range row.Coeffs {
						grad[i] += 2 * pw * v * sign * c
					}
				}
			},
		}

		settings := &optimize.Settings{}
		if deadline, ok := ctx.Deadline(); ok {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return Attempt{Status: StatusSolverError, Err: context.DeadlineExceeded}
			}
			settings.Runtime = remaining
		}

		result, err := optimize.Minimize(problem, x, settings, b.newMethod())
		if err != nil {
			return Attempt{Status: StatusSolverError, Err: fmt.Errorf("%s failed: %w", b.name, err)}
		}
		if !convergedStatus(result.Status) {
			return Attempt{Status: StatusSolverError, Err: fmt.Errorf("%s did not converge: status=%v", b.name, result.Status)}
		}
		x = result.X
	}

	xFinal := projectToBounds(x, bounds)
	obj := prob.Objective(xFinal)
	return Attempt{Status: StatusOptimal, X: xFinal, Objective: &obj}
}

// convergedStatus accepts the statuses gonum reports for a successful
// minimization.
func convergedStatus(status optimize.Status) bool {
	switch status {
	case optimize.Success, optimize.GradientThreshold, optimize.FunctionConvergence, optimize.StepConvergence, optimize.FunctionThreshold:
		return true
	default:
		return false
	}
}

// projectToBounds clips every coordinate into its box.
func projectToBounds(x []float64, bounds [][2]float64) []float64 {
	proj := make([]float64, len(x))
	for i := range x {
		proj[i] = math.Max(bounds[i][0], math.Min(bounds[i][1], x[i]))
	}
	return proj
}

// rowViolation returns the magnitude by which a linear row is violated, 0
// when satisfied.
func rowViolation(row LinearConstraint, x []float64) float64 {
	v := dot(row.Coeffs, x)
	switch row.Sense {
	case SenseEQ:
		return math.Abs(v - row.RHS)
	case SenseLE:
		return math.Max(0, v-row.RHS)
	case SenseGE:
		return math.Max(0, row.RHS-v)
	default:
		return 0
	}
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// maxViolation is the largest bound or row violation at x.
func maxViolation(prob *Problem, x []float64) float64 {
	worst := 0.0
	for i, b := range prob.Constraints.Bounds {
		worst = math.Max(worst, b[0]-x[i])
		worst = math.Max(worst, x[i]-b[1])
	}
	for _, row := range prob.Constraints.Linear {
		worst = math.Max(worst, rowViolation(row, x))
	}
	return worst
}

// polishSolution clips the candidate into bounds and, when the problem
// carries a sum-to-one equality over the asset block, redistributes the
// remaining deficit among assets with slack so the equality holds exactly
// instead of only up to the penalty tolerance.
func polishSolution(prob *Problem, x []float64) []float64 {
	out := projectToBounds(x, prob.Constraints.Bounds)

	sumRow := findAssetSumRow(prob)
	if sumRow == nil {
		return out
	}

	bounds := prob.Constraints.Bounds
	n := prob.NumAssets
	for iter := 0; iter < 100; iter++ {
		sum := 0.0
		for i := 0; i < n; i++ {
			sum += out[i]
		}
		diff := sumRow.RHS - sum
		if math.Abs(diff) < 1e-12 {
			break
		}

		totalSlack := 0.0
		for i := 0; i < n; i++ {
			if diff > 0 {
				totalSlack += bounds[i][1] - out[i]
			} else {
				totalSlack += out[i] - bounds[i][0]
			}
		}
		if totalSlack <= 0 {
			break
		}
		for i := 0; i < n; i++ {
			var slack float64
			if diff > 0 {
				slack = bounds[i][1] - out[i]
			} else {
				slack = out[i] - bounds[i][0]
			}
			out[i] += diff * slack / totalSlack
		}
		out = projectToBounds(out, bounds)
	}
	return out
}

// findAssetSumRow locates an all-ones equality over exactly the asset block.
func findAssetSumRow(prob *Problem) *LinearConstraint {
	for i := range prob.Constraints.Linear {
		row := &prob.Constraints.Linear[i]
		if row.Sense != SenseEQ {
			continue
		}
		match := true
		for j, c := range row.Coeffs {
			want := 0.0
			if j < prob.NumAssets {
				want = 1.0
			}
			if c != want {
				match = false
				break
			}
		}
		if match {
			return row
		}
	}
	return nil
}
