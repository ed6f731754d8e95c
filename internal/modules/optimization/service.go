package optimization

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/aristath/decision-engine/internal/tracking"
	"github.com/aristath/decision-engine/pkg/formulas"
)

// Service wires the estimation, formulation, solving and diagnostics
// components behind the three portfolio operations. Every call is a pure,
// request-scoped computation; the only shared state is the injected policy
// caps and the optional tracking sink.
type Service struct {
	estimator    *MomentEstimator
	generator    *ScenarioGenerator
	compiler     *ConstraintCompiler
	formulator   *ProblemFormulator
	orchestrator *Orchestrator
	metrics      *MetricsCalculator
	tilter       *FactorTilter
	stress       *StressTester
	sink         tracking.RunLogger
	log          zerolog.Logger
}

// ServiceOption customizes the service wiring.
type ServiceOption func(*Service)

// WithRunLogger installs a tracking sink. Sink calls are fire-and-forget:
// a failing sink never aborts or alters an optimization result.
func WithRunLogger(sink tracking.RunLogger) ServiceOption {
	return func(s *Service) { s.sink = sink }
}

// WithOrchestrator replaces the default solver cascade.
func WithOrchestrator(orch *Orchestrator) ServiceOption {
	return func(s *Service) { s.orchestrator = orch }
}

// NewService creates a fully wired optimization service.
func NewService(log zerolog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		estimator:    NewMomentEstimator(log),
		generator:    NewScenarioGenerator(log),
		compiler:     NewConstraintCompiler(log),
		formulator:   NewProblemFormulator(log),
		orchestrator: NewOrchestrator(log),
		metrics:      NewMetricsCalculator(log),
		tilter:       NewFactorTilter(log),
		stress:       NewStressTester(log),
		sink:         tracking.NopSink{},
		log:          log.With().Str("component", "optimization_service").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Estimator exposes the moment estimator for callers that bring raw return
// history instead of precomputed moments.
func (s *Service) Estimator() *MomentEstimator { return s.estimator }

// Generator exposes the scenario generator.
func (s *Service) Generator() *ScenarioGenerator { return s.generator }

// StressTester exposes the macro stress tester.
func (s *Service) StressTester() *StressTester { return s.stress }

// MeanVarianceRequest is one utility-maximization call.
type MeanVarianceRequest struct {
	Assets       []string
	Mean         []float64
	Cov          [][]float64
	RiskAversion float64
	Caps         CapSet
	Constraints  *ConstraintOptions // nil means long-only, fully invested
	Factors      []FactorScores     // optional expected-return tilt inputs
	Tilt         *TiltOptions
	Benchmark    map[string]float64 // optional, enables active share
}

// OptimizationResult is the caller-facing outcome of an optimize call. The
// Status distinguishes a solved portfolio from a deterministic fallback.
type OptimizationResult struct {
	Status      SolveStatus
	Weights     map[string]float64
	Metrics     PortfolioMetrics
	BackendUsed string
	Attempts    []AttemptRecord
}

// OptimizeMeanVariance maximizes mu'w - 0.5*lambda*w'Sigma*w under the
// compiled caps. Factor scores, when supplied, tilt the mean vector before
// formulation.
func (s *Service) OptimizeMeanVariance(ctx context.Context, req MeanVarianceRequest) (*OptimizationResult, error) {
	universe, err := NewAssetUniverse(req.Assets)
	if err != nil {
		return nil, err
	}

	mean := req.Mean
	if len(req.Factors) > 0 {
		tiltOpts := TiltOptions{}
		if req.Tilt != nil {
			tiltOpts = *req.Tilt
		}
		mean, err = s.tilter.Tilt(req.Mean, req.Factors, tiltOpts)
		if err != nil {
			return nil, fmt.Errorf("tilting expected returns: %w", err)
		}
	}

	est := MomentEstimate{Assets: universe.Assets(), Mean: mean, Cov: req.Cov}
	cons, err := s.compiler.Compile(universe, req.Caps, constraintOpts(req.Constraints))
	if err != nil {
		return nil, fmt.Errorf("compiling constraints: %w", err)
	}

	prob, err := s.formulator.MeanVariance(universe, est, req.RiskAversion, cons)
	if err != nil {
		return nil, err
	}

	solved := s.orchestrator.Solve(ctx, prob)
	weights := WeightsToMap(universe, solved.Weights)
	metrics := s.metrics.Compute(MetricsInput{
		Weights:   weights,
		Estimate:  &est,
		Benchmark: req.Benchmark,
	})

	result := &OptimizationResult{
		Status:      solved.Status,
		Weights:     weights,
		Metrics:     metrics,
		BackendUsed: solved.BackendUsed,
		Attempts:    solved.Attempts,
	}
	s.publish("mean_variance", result.Status, weights, metrics)
	return result, nil
}

// CVaRRequest is one tail-risk optimization call over a scenario matrix.
// Cov is optional: the formulation never needs it, but when supplied the
// result metrics include volatility and Sharpe alongside the tail numbers.
type CVaRRequest struct {
	Assets       []string
	Mean         []float64
	Cov          [][]float64
	Scenarios    *ScenarioSet
	Alpha        float64
	ReturnTarget *float64
	Caps         CapSet
	Constraints  *ConstraintOptions
	Benchmark    map[string]float64
}

// OptimizeCVaR solves the scenario-based tail-risk program.
func (s *Service) OptimizeCVaR(ctx context.Context, req CVaRRequest) (*OptimizationResult, error) {
	universe, err := NewAssetUniverse(req.Assets)
	if err != nil {
		return nil, err
	}

	cons, err := s.compiler.Compile(universe, req.Caps, constraintOpts(req.Constraints))
	if err != nil {
		return nil, fmt.Errorf("compiling constraints: %w", err)
	}

	prob, err := s.formulator.CVaR(universe, req.Mean, req.Scenarios, CVaROptions{
		Alpha:        req.Alpha,
		ReturnTarget: req.ReturnTarget,
	}, cons)
	if err != nil {
		return nil, err
	}

	var est *MomentEstimate
	if req.Cov != nil {
		if err := ValidateCovariance(req.Cov, universe.Len()); err != nil {
			return nil, err
		}
		est = &MomentEstimate{Assets: universe.Assets(), Mean: req.Mean, Cov: req.Cov}
	}

	solved := s.orchestrator.Solve(ctx, prob)
	weights := WeightsToMap(universe, solved.Weights)
	metrics := s.metrics.Compute(MetricsInput{
		Weights:   weights,
		Estimate:  est,
		Scenarios: req.Scenarios,
		Benchmark: req.Benchmark,
	})
	if est == nil {
		// Without a covariance matrix only the return side is computable;
		// volatility and Sharpe keep their zero sentinels.
		for i, asset := range universe.Assets() {
			metrics.ExpectedReturn += req.Mean[i] * weights[asset]
		}
	}

	result := &OptimizationResult{
		Status:      solved.Status,
		Weights:     weights,
		Metrics:     metrics,
		BackendUsed: solved.BackendUsed,
		Attempts:    solved.Attempts,
	}
	s.publish("cvar", result.Status, weights, metrics)
	return result, nil
}

// RepairRequest asks for the minimal adjustment bringing an allocation back
// under its concentration caps.
type RepairRequest struct {
	Weights          map[string]float64
	MaxConcentration float64 // 0 means DefaultMaxConcentration
	SectorCaps       map[string]float64
	CountryCaps      map[string]float64
	SectorOf         map[string]string
	CountryOf        map[string]string
}

// RepairResult reports the repaired allocation with its concentration
// improvement.
type RepairResult struct {
	Status       SolveStatus
	Weights      map[string]float64
	HHIBefore    float64
	HHIAfter     float64
	HHIReduction float64 // fraction of the input HHI removed
	Attempts     []AttemptRecord
}

// RepairConcentration minimizes the squared deviation from the input
// weights subject to the supplied caps. When every backend fails the input
// comes back unchanged under StatusFallbackApplied; the repaired portfolio
// never concentrates more than the input did.
func (s *Service) RepairConcentration(ctx context.Context, req RepairRequest) (*RepairResult, error) {
	if len(req.Weights) == 0 {
		return nil, newShapeError("weights", "non-empty portfolio", "0 positions")
	}

	assets := make([]string, 0, len(req.Weights))
	for asset := range req.Weights {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	universe, err := NewAssetUniverse(assets)
	if err != nil {
		return nil, err
	}

	maxConcentration := req.MaxConcentration
	if maxConcentration <= 0 {
		maxConcentration = DefaultMaxConcentration
	}
	caps := CapSet{
		MaxAssetWeight: maxConcentration,
		SectorCaps:     req.SectorCaps,
		CountryCaps:    req.CountryCaps,
		SectorOf:       req.SectorOf,
		CountryOf:      req.CountryOf,
	}

	cons, err := s.compiler.Compile(universe, caps, DefaultConstraintOptions())
	if err != nil {
		return nil, fmt.Errorf("compiling constraints: %w", err)
	}

	original := make([]float64, universe.Len())
	for i, asset := range universe.Assets() {
		original[i] = req.Weights[asset]
	}

	prob, err := s.formulator.MinDeviation(universe, original, cons)
	if err != nil {
		return nil, err
	}

	solved := s.orchestrator.Solve(ctx, prob)
	weights := WeightsToMap(universe, solved.Weights)

	hhiBefore := formulas.HHI(req.Weights)
	hhiAfter := formulas.HHI(weights)
	reduction := 0.0
	if hhiBefore > 0 {
		reduction = (hhiBefore - hhiAfter) / hhiBefore
	}

	result := &RepairResult{
		Status:       solved.Status,
		Weights:      weights,
		HHIBefore:    hhiBefore,
		HHIAfter:     hhiAfter,
		HHIReduction: reduction,
		Attempts:     solved.Attempts,
	}
	s.publish("concentration_repair", result.Status, weights, PortfolioMetrics{HHI: hhiAfter})
	return result, nil
}

// StressTest evaluates an allocation against the macro scenario book.
func (s *Service) StressTest(ctx context.Context, weights map[string]float64, opts StressOptions) (*StressSummary, error) {
	return s.stress.Run(ctx, weights, opts)
}

// publish ships a completed run to the tracking sink without letting the
// sink touch the result path.
func (s *Service) publish(operation string, status SolveStatus, weights map[string]float64, metrics PortfolioMetrics) {
	sink := s.sink
	if sink == nil {
		return
	}

	run := tracking.Run{
		Metrics: map[string]float64{
			"expected_return": metrics.ExpectedReturn,
			"volatility":      metrics.Volatility,
			"sharpe_ratio":    metrics.SharpeRatio,
			"hhi":             metrics.HHI,
			"max_weight":      metrics.MaxWeight,
		},
		Weights: weights,
		Tags: map[string]string{
			"operation": operation,
			"status":    status.String(),
		},
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Warn().Interface("panic", r).Msg("Tracking sink panicked, result unaffected")
			}
		}()
		sink.Log(run)
	}()
}

func constraintOpts(opts *ConstraintOptions) ConstraintOptions {
	if opts == nil {
		return DefaultConstraintOptions()
	}
	return *opts
}
