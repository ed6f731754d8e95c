package optimization

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/aristath/decision-engine/pkg/formulas"
)

// FactorShocks are the macro factor moves defining one stress scenario.
type FactorShocks struct {
	Equity       float64
	Bond         float64
	CreditSpread float64
	Volatility   float64
	Currency     float64
	Commodity    float64
}

// MacroScenario is a named stress scenario with an occurrence probability.
type MacroScenario struct {
	ID          string
	Name        string
	Description string
	Shocks      FactorShocks
	Probability float64
}

// MacroScenarios returns the predefined stress scenario book, base case
// through tail events. Probabilities sum to 1.
func MacroScenarios() []MacroScenario {
	return []MacroScenario{
		{
			ID: "base_case", Name: "Base Case",
			Description: "Normal market conditions",
			Shocks:      FactorShocks{},
			Probability: 0.60,
		},
		{
			ID: "mild_recession", Name: "Mild Recession",
			Description: "Economic slowdown with moderate market decline",
			Shocks:      FactorShocks{Equity: -0.15, Bond: 0.05, CreditSpread: 0.02, Volatility: 0.40, Currency: -0.05, Commodity: -0.10},
			Probability: 0.20,
		},
		{
			ID: "severe_recession", Name: "Severe Recession",
			Description: "Major economic downturn similar to 2008",
			Shocks:      FactorShocks{Equity: -0.40, Bond: 0.15, CreditSpread: 0.05, Volatility: 1.00, Currency: -0.10, Commodity: -0.25},
			Probability: 0.05,
		},
		{
			ID: "pandemic_shock", Name: "Pandemic-Style Shock",
			Description: "Sudden market disruption like COVID-19",
			Shocks:      FactorShocks{Equity: -0.35, Bond: -0.05, CreditSpread: 0.04, Volatility: 1.50, Currency: 0.05, Commodity: -0.30},
			Probability: 0.03,
		},
		{
			ID: "inflation_shock", Name: "Inflation Shock",
			Description: "Persistent high inflation",
			Shocks:      FactorShocks{Equity: -0.10, Bond: -0.20, CreditSpread: 0.01, Volatility: 0.30, Currency: -0.08, Commodity: 0.30},
			Probability: 0.07,
		},
		{
			ID: "geopolitical_crisis", Name: "Geopolitical Crisis",
			Description: "Major geopolitical tensions affecting markets",
			Shocks:      FactorShocks{Equity: -0.20, Bond: 0.10, CreditSpread: 0.03, Volatility: 0.80, Currency: 0.15, Commodity: 0.25},
			Probability: 0.05,
		},
	}
}

// AssetExposures map an asset onto the macro factors. Assets without
// exposures behave like pure equity.
type AssetExposures struct {
	EquityBeta       float64
	Duration         float64
	CreditBeta       float64
	VolatilityBeta   float64
	CurrencyExposure float64
	CommodityBeta    float64
}

// scenarioReturn is the asset's return under one scenario's factor moves.
func (e AssetExposures) scenarioReturn(s FactorShocks) float64 {
	return e.EquityBeta*s.Equity +
		e.Duration*s.Bond +
		e.CreditBeta*s.CreditSpread +
		e.VolatilityBeta*s.Volatility +
		e.CurrencyExposure*s.Currency +
		e.CommodityBeta*s.Commodity
}

// StressOptions configures a stress run.
type StressOptions struct {
	Exposures  map[string]AssetExposures
	Scenarios  []MacroScenario // nil means MacroScenarios()
	MonteCarlo int             // extra random factor draws; 0 disables
	Seed       *uint64
}

// ScenarioOutcome is one evaluated scenario.
type ScenarioOutcome struct {
	ID              string
	Name            string
	Probability     float64
	PortfolioReturn float64
	AssetReturns    map[string]float64
	Contributions   map[string]float64
}

// StressSummary aggregates the probability-weighted risk picture plus the
// optional Monte Carlo tail estimates.
type StressSummary struct {
	Outcomes []ScenarioOutcome

	ExpectedReturn      float64
	Volatility          float64
	VaR95               float64
	CVaR95              float64
	WorstCase           float64
	UpsideProbability   float64
	DownsideProbability float64

	MonteCarloVaR95  *float64
	MonteCarloCVaR95 *float64
}

// Monte Carlo factor shock scales: equity, bond, credit, vix, currency,
// commodity.
var monteCarloShockScales = [6]float64{0.25, 0.15, 0.03, 0.8, 0.1, 0.2}

// StressTester evaluates a portfolio against the macro scenario book.
// Scenario evaluations are independent and fan out concurrently.
type StressTester struct {
	log zerolog.Logger
}

// NewStressTester creates a new stress tester.
func NewStressTester(log zerolog.Logger) *StressTester {
	return &StressTester{
		log: log.With().Str("component", "stress").Logger(),
	}
}

// Run applies every scenario to the portfolio and aggregates probability-
// weighted risk metrics. With MonteCarlo > 0, seeded random factor draws add
// an empirical VaR/CVaR estimate alongside the discrete book.
func (st *StressTester) Run(ctx context.Context, weights map[string]float64, opts StressOptions) (*StressSummary, error) {
	if len(weights) == 0 {
		return nil, newShapeError("weights", "non-empty portfolio", "0 positions")
	}

	scenarios := opts.Scenarios
	if scenarios == nil {
		scenarios = MacroScenarios()
	}

	outcomes := make([]ScenarioOutcome, len(scenarios))
	g, ctx := errgroup.WithContext(ctx)
	for i, scenario := range scenarios {
		i, scenario := i, scenario
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			outcomes[i] = st.evaluate(weights, opts.Exposures, scenario)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	summary := st.aggregate(outcomes)

	if opts.MonteCarlo > 0 {
		mcVaR, mcCVaR := st.monteCarlo(weights, opts)
		summary.MonteCarloVaR95 = &mcVaR
		summary.MonteCarloCVaR95 = &mcCVaR
	}

	st.log.Debug().
		Int("num_scenarios", len(scenarios)).
		Int("monte_carlo", opts.MonteCarlo).
		Float64("expected_return", summary.ExpectedReturn).
		Float64("var_95", summary.VaR95).
		Msg("Completed stress run")

	return summary, nil
}

// evaluate applies one scenario's shocks through each asset's exposures.
func (st *StressTester) evaluate(weights map[string]float64, exposures map[string]AssetExposures, scenario MacroScenario) ScenarioOutcome {
	assetReturns := make(map[string]float64, len(weights))
	contributions := make(map[string]float64, len(weights))
	portfolioReturn := 0.0

	for asset, weight := range weights {
		exp, ok := exposures[asset]
		var r float64
		if ok {
			r = exp.scenarioReturn(scenario.Shocks)
		} else {
			r = scenario.Shocks.Equity
		}
		assetReturns[asset] = r
		contributions[asset] = weight * r
		portfolioReturn += weight * r
	}

	return ScenarioOutcome{
		ID:              scenario.ID,
		Name:            scenario.Name,
		Probability:     scenario.Probability,
		PortfolioReturn: portfolioReturn,
		AssetReturns:    assetReturns,
		Contributions:   contributions,
	}
}

// aggregate computes probability-weighted expected return and volatility,
// the 95% VaR as the return where cumulative probability reaches 5%, and
// the CVaR as the probability-weighted mean of the tail at or below it.
func (st *StressTester) aggregate(outcomes []ScenarioOutcome) *StressSummary {
	summary := &StressSummary{Outcomes: outcomes}

	totalProb := 0.0
	for _, o := range outcomes {
		totalProb += o.Probability
	}
	if totalProb <= 0 {
		return summary
	}

	for _, o := range outcomes {
		summary.ExpectedReturn += o.PortfolioReturn * o.Probability / totalProb
	}
	for _, o := range outcomes {
		d := o.PortfolioReturn - summary.ExpectedReturn
		summary.Volatility += d * d * o.Probability / totalProb
	}
	summary.Volatility = math.Sqrt(summary.Volatility)

	sorted := append([]ScenarioOutcome{}, outcomes...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].PortfolioReturn < sorted[j].PortfolioReturn
	})

	summary.WorstCase = sorted[0].PortfolioReturn
	summary.VaR95 = sorted[len(sorted)-1].PortfolioReturn
	cumulative := 0.0
	for _, o := range sorted {
		cumulative += o.Probability / totalProb
		if cumulative >= DefaultTailProbability {
			summary.VaR95 = o.PortfolioReturn
			break
		}
	}

	tailProb, tailReturn := 0.0, 0.0
	for _, o := range sorted {
		if o.PortfolioReturn <= summary.VaR95 {
			tailProb += o.Probability
			tailReturn += o.PortfolioReturn * o.Probability
		}
	}
	if tailProb > 0 {
		summary.CVaR95 = tailReturn / tailProb
	} else {
		summary.CVaR95 = summary.VaR95
	}

	for _, o := range outcomes {
		switch {
		case o.PortfolioReturn > 0:
			summary.UpsideProbability += o.Probability / totalProb
		case o.PortfolioReturn < 0:
			summary.DownsideProbability += o.Probability / totalProb
		}
	}

	return summary
}

// monteCarlo draws random factor shocks at realistic scales and returns the
// empirical VaR/CVaR of the resulting portfolio return distribution.
func (st *StressTester) monteCarlo(weights map[string]float64, opts StressOptions) (float64, float64) {
	var seed uint64
	if opts.Seed != nil {
		seed = *opts.Seed
	} else {
		seed = uint64(time.Now().UnixNano())
	}
	src := rand.NewSource(seed)

	factors := make([]distuv.Normal, len(monteCarloShockScales))
	for i, scale := range monteCarloShockScales {
		factors[i] = distuv.Normal{Mu: 0, Sigma: scale, Src: src}
	}

	returns := make([]float64, opts.MonteCarlo)
	for k := range returns {
		shocks := FactorShocks{
			Equity:       factors[0].Rand(),
			Bond:         factors[1].Rand(),
			CreditSpread: factors[2].Rand(),
			Volatility:   factors[3].Rand(),
			Currency:     factors[4].Rand(),
			Commodity:    factors[5].Rand(),
		}
		var r float64
		for asset, weight := range weights {
			if exp, ok := opts.Exposures[asset]; ok {
				r += weight * exp.scenarioReturn(shocks)
			} else {
				r += weight * shocks.Equity
			}
		}
		returns[k] = r
	}

	return formulas.ValueAtRisk(returns, DefaultTailProbability),
		formulas.ConditionalValueAtRisk(returns, DefaultTailProbability)
}
