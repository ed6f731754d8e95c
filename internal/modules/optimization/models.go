package optimization

import "fmt"

// AssetUniverse is an ordered sequence of unique asset identifiers. It fixes
// the vector/matrix indexing for every other entity within a single
// optimization call.
type AssetUniverse struct {
	assets []string
	index  map[string]int
}

// NewAssetUniverse builds a universe from an ordered asset list, rejecting
// empty lists, blank identifiers and duplicates.
func NewAssetUniverse(assets []string) (AssetUniverse, error) {
	if len(assets) == 0 {
		return AssetUniverse{}, newShapeError("assets", "at least 1 asset", "0 assets")
	}

	index := make(map[string]int, len(assets))
	ordered := make([]string, len(assets))
	for i, asset := range assets {
		if asset == "" {
			return AssetUniverse{}, fmt.Errorf("asset at position %d has empty identifier", i)
		}
		if _, exists := index[asset]; exists {
			return AssetUniverse{}, fmt.Errorf("duplicate asset identifier %q", asset)
		}
		index[asset] = i
		ordered[i] = asset
	}

	return AssetUniverse{assets: ordered, index: index}, nil
}

// Len returns the number of assets in the universe.
func (u AssetUniverse) Len() int { return len(u.assets) }

// Assets returns the ordered asset identifiers. The returned slice must not
// be mutated.
func (u AssetUniverse) Assets() []string { return u.assets }

// Index returns the position of an asset in the universe ordering.
func (u AssetUniverse) Index(asset string) (int, bool) {
	i, ok := u.index[asset]
	return i, ok
}

// ReturnHistory is a time-by-assets matrix of periodic returns, rows ordered
// oldest to newest.
type ReturnHistory struct {
	Assets       []string
	Observations [][]float64
}

// MomentEstimate holds an expected-return vector and covariance matrix over
// an ordered asset list.
type MomentEstimate struct {
	Assets []string
	Mean   []float64
	Cov    [][]float64
}

// ScenarioSet is an assets-by-scenarios matrix of simulated returns.
type ScenarioSet struct {
	Assets  []string
	Returns [][]float64 // Returns[i][s] = return of asset i in scenario s
}

// NumScenarios returns the scenario count S.
func (s *ScenarioSet) NumScenarios() int {
	if s == nil || len(s.Returns) == 0 {
		return 0
	}
	return len(s.Returns[0])
}

// PortfolioReturns computes w'r_s for every scenario.
func (s *ScenarioSet) PortfolioReturns(weights []float64) []float64 {
	ns := s.NumScenarios()
	out := make([]float64, ns)
	for j := 0; j < ns; j++ {
		var r float64
		for i := range weights {
			r += weights[i] * s.Returns[i][j]
		}
		out[j] = r
	}
	return out
}

// CapSet carries the numeric allocation limits consumed from the compliance
// collaborator: universal per-asset bounds, per-asset overrides and group
// (sector/country) aggregate caps with their asset lookups. All caps are
// fractions in [0,1].
type CapSet struct {
	MaxAssetWeight float64 // 0 means unset (no universal upper cap)
	MinAssetWeight float64

	AssetMax map[string]float64
	AssetMin map[string]float64

	SectorCaps  map[string]float64
	CountryCaps map[string]float64

	SectorOf  map[string]string
	CountryOf map[string]string
}

// SolveStatus classifies the outcome of a solver cascade.
type SolveStatus int

const (
	// StatusOptimal means a backend converged to a feasible optimum.
	StatusOptimal SolveStatus = iota
	// StatusInfeasible means a backend found no feasible point.
	StatusInfeasible
	// StatusSolverError means a backend failed internally or timed out.
	StatusSolverError
	// StatusFallbackApplied means every backend was exhausted and the
	// deterministic fallback portfolio was returned instead.
	StatusFallbackApplied
)

func (s SolveStatus) String() string {
	switch s {
	case StatusOptimal:
		return "optimal"
	case StatusInfeasible:
		return "infeasible"
	case StatusSolverError:
		return "solver_error"
	case StatusFallbackApplied:
		return "fallback_applied"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// SolverResult is the outcome of a full cascade over backends.
type SolverResult struct {
	Status      SolveStatus
	Weights     []float64 // asset-block solution; set for Optimal and FallbackApplied
	Objective   *float64  // objective value when available
	BackendUsed string    // backend that produced the optimum, empty on fallback
	Attempts    []AttemptRecord
}

// AttemptRecord summarizes a single backend attempt for diagnostics.
type AttemptRecord struct {
	Backend string
	Status  SolveStatus
	Err     string
}

// PortfolioMetrics is the standardized diagnostics block computed from a
// weight vector.
type PortfolioMetrics struct {
	ExpectedReturn float64
	Volatility     float64
	SharpeRatio    float64
	HHI            float64
	EffectiveN     *float64
	VaR95          *float64
	CVaR95         *float64
	MaxWeight      float64
	NumPositions   int
	ActiveShare    *float64
}
