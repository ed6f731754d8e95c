package optimization

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
)

// Constants for scenario generation
const (
	DefaultNumScenarios = 1000

	jitterStart  = 1e-10
	jitterMax    = 1e-4
	jitterStages = 7 // 1e-10 through 1e-4, one decade per stage
)

// ScenarioOptions configures multivariate-normal scenario generation.
type ScenarioOptions struct {
	NumScenarios int     // draws per asset; 0 means DefaultNumScenarios
	Seed         *uint64 // nil means time-seeded (non-reproducible)
}

// ScenarioGenerator draws synthetic return scenarios from N(mu, sigma) for
// tail-risk formulations and stress testing.
type ScenarioGenerator struct {
	log zerolog.Logger
}

// NewScenarioGenerator creates a new scenario generator.
func NewScenarioGenerator(log zerolog.Logger) *ScenarioGenerator {
	return &ScenarioGenerator{
		log: log.With().Str("component", "scenario_generator").Logger(),
	}
}

// Generate draws S independent samples from the multivariate normal
// distribution described by the moment estimate. When the covariance matrix
// is only semi-definite, diagonal jitter is ramped up until the Cholesky
// factorization succeeds. Results are reproducible only under an explicit
// seed.
func (sg *ScenarioGenerator) Generate(est MomentEstimate, opts ScenarioOptions) (*ScenarioSet, error) {
	n := len(est.Assets)
	if n == 0 {
		return nil, newShapeError("estimate.Assets", "at least 1 asset", "0 assets")
	}
	if len(est.Mean) != n {
		return nil, newShapeError("estimate.Mean", fmt.Sprintf("length %d", n), fmt.Sprintf("length %d", len(est.Mean)))
	}
	if err := ValidateCovariance(est.Cov, n); err != nil {
		return nil, err
	}

	numScenarios := opts.NumScenarios
	if numScenarios <= 0 {
		numScenarios = DefaultNumScenarios
	}

	var seed uint64
	if opts.Seed != nil {
		seed = *opts.Seed
	} else {
		seed = uint64(time.Now().UnixNano())
	}
	src := rand.NewSource(seed)

	normal, jitter, err := sg.buildDistribution(est, src)
	if err != nil {
		return nil, err
	}
	if jitter > 0 {
		sg.log.Warn().
			Float64("jitter", jitter).
			Msg("Covariance not positive definite, applied diagonal jitter")
	}

	// Draw into an assets x scenarios matrix
	returns := make([][]float64, n)
	for i := range returns {
		returns[i] = make([]float64, numScenarios)
	}
	sample := make([]float64, n)
	for s := 0; s < numScenarios; s++ {
		normal.Rand(sample)
		for i := 0; i < n; i++ {
			returns[i][s] = sample[i]
		}
	}

	sg.log.Debug().
		Int("num_assets", n).
		Int("num_scenarios", numScenarios).
		Bool("seeded", opts.Seed != nil).
		Msg("Generated return scenarios")

	return &ScenarioSet{
		Assets:  append([]string{}, est.Assets...),
		Returns: returns,
	}, nil
}

// buildDistribution constructs the sampling distribution, ramping diagonal
// jitter by factors of 10 until the covariance factorizes. Returns the
// jitter that was needed, 0 when none.
func (sg *ScenarioGenerator) buildDistribution(est MomentEstimate, src rand.Source) (*distmv.Normal, float64, error) {
	n := len(est.Assets)

	makeSym := func(jitter float64) *mat.SymDense {
		sym := mat.NewSymDense(n, nil)
		for i := 0; i < n; i++ {
			for j := i; j < n; j++ {
				v := 0.5 * (est.Cov[i][j] + est.Cov[j][i])
				if i == j {
					v += jitter
				}
				sym.SetSym(i, j, v)
			}
		}
		return sym
	}

	if normal, ok := distmv.NewNormal(est.Mean, makeSym(0), src); ok {
		return normal, 0, nil
	}
	// Counted stages rather than a float comparison so accumulated rounding
	// cannot skip the final decade.
	jitter := jitterStart
	for stage := 0; stage < jitterStages; stage++ {
		if normal, ok := distmv.NewNormal(est.Mean, makeSym(jitter), src); ok {
			return normal, jitter, nil
		}
		jitter *= 10
	}
	return nil, 0, newShapeError("estimate.Cov", "positive definite matrix after jitter",
		fmt.Sprintf("factorization failed up to jitter %g", jitterMax))
}
