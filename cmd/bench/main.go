// Package main is the optimization benchmark CLI. It generates random
// problem instances, solves each with the mean-variance and CVaR programs
// across a range of risk aversions, and prints a comparison table of the
// resulting portfolio metrics and solve times.
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/aristath/decision-engine/internal/modules/optimization"
	"github.com/aristath/decision-engine/pkg/logger"
)

type benchRow struct {
	trial        int
	method       string
	riskAversion float64
	status       optimization.SolveStatus
	backend      string
	solveTime    time.Duration
	metrics      optimization.PortfolioMetrics
}

func main() {
	numAssets := flag.Int("assets", 10, "assets per problem instance")
	numTrials := flag.Int("trials", 20, "random problem instances to solve")
	numScenarios := flag.Int("scenarios", 1000, "Monte Carlo scenarios per instance")
	seed := flag.Uint64("seed", 42, "base seed for instance generation")
	riskAversionsFlag := flag.String("risk-aversions", "1.0,3.0,5.0,10.0", "comma-separated risk aversion levels")
	maxWeight := flag.Float64("max-weight", 0.30, "per-asset weight cap")
	stress := flag.Bool("stress", false, "run the macro stress book on the last solved portfolio")
	logLevel := flag.String("log-level", "warn", "log level (debug, info, warn, error)")
	pretty := flag.Bool("pretty", false, "pretty console logging")
	flag.Parse()

	log := logger.New(logger.Config{Level: *logLevel, Pretty: *pretty})

	riskAversions, err := parseRiskAversions(*riskAversionsFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid risk aversion list")
	}

	svc := optimization.NewService(log)
	ctx := context.Background()

	fmt.Printf("Benchmark: %d assets, %d trials, %d scenarios, risk aversions %v\n\n",
		*numAssets, *numTrials, *numScenarios, riskAversions)

	var rows []benchRow
	var lastWeights map[string]float64

	for trial := 0; trial < *numTrials; trial++ {
		instanceSeed := *seed + uint64(trial)
		est := randomInstance(*numAssets, instanceSeed)

		scenarioSeed := instanceSeed
		scenarios, err := svc.Generator().Generate(est, optimization.ScenarioOptions{
			NumScenarios: *numScenarios,
			Seed:         &scenarioSeed,
		})
		if err != nil {
			log.Error().Err(err).Int("trial", trial).Msg("Scenario generation failed, skipping instance")
			continue
		}

		caps := optimization.CapSet{MaxAssetWeight: *maxWeight}

		for _, lambda := range riskAversions {
			start := time.Now()
			mv, err := svc.OptimizeMeanVariance(ctx, optimization.MeanVarianceRequest{
				Assets:       est.Assets,
				Mean:         est.Mean,
				Cov:          est.Cov,
				RiskAversion: lambda,
				Caps:         caps,
			})
			elapsed := time.Since(start)
			if err != nil {
				log.Error().Err(err).Int("trial", trial).Float64("risk_aversion", lambda).
					Msg("Mean-variance solve failed")
				continue
			}
			mv.Metrics = enrichTailMetrics(log, mv.Metrics, mv.Weights, scenarios, est)
			rows = append(rows, benchRow{
				trial:        trial,
				method:       "mean_variance",
				riskAversion: lambda,
				status:       mv.Status,
				backend:      mv.BackendUsed,
				solveTime:    elapsed,
				metrics:      mv.Metrics,
			})
			lastWeights = mv.Weights
		}

		start := time.Now()
		cvar, err := svc.OptimizeCVaR(ctx, optimization.CVaRRequest{
			Assets:    est.Assets,
			Mean:      est.Mean,
			Scenarios: scenarios,
			Caps:      caps,
		})
		elapsed := time.Since(start)
		if err != nil {
			log.Error().Err(err).Int("trial", trial).Msg("CVaR solve failed")
			continue
		}
		rows = append(rows, benchRow{
			trial:     trial,
			method:    "cvar",
			status:    cvar.Status,
			backend:   cvar.BackendUsed,
			solveTime: elapsed,
			metrics:   cvar.Metrics,
		})

		if trial%10 == 0 {
			log.Info().Int("trial", trial).Msg("Benchmark progress")
		}
	}

	printSummary(rows)

	if *stress && lastWeights != nil {
		runStress(ctx, svc, lastWeights, *seed)
	}
}

// randomInstance draws a random expected-return vector and a positive
// semidefinite covariance matrix scaled to realistic volatilities.
func randomInstance(n int, seed uint64) optimization.MomentEstimate {
	src := rand.NewSource(seed)
	meanDist := distuv.Normal{Mu: 0.08, Sigma: 0.04, Src: src}
	unit := distuv.Normal{Mu: 0, Sigma: 1, Src: src}

	assets := make([]string, n)
	mean := make([]float64, n)
	for i := 0; i < n; i++ {
		assets[i] = fmt.Sprintf("ASSET_%02d", i)
		mean[i] = clamp(meanDist.Rand(), 0.02, 0.20)
	}

	// sigma = A A', then scaled so the largest variance is 0.3
	factors := make([][]float64, n)
	for i := range factors {
		factors[i] = make([]float64, n)
		for j := range factors[i] {
			factors[i][j] = unit.Rand()
		}
	}
	cov := make([][]float64, n)
	maxDiag := 0.0
	for i := range cov {
		cov[i] = make([]float64, n)
		for j := range cov[i] {
			sum := 0.0
			for k := 0; k < n; k++ {
				sum += factors[i][k] * factors[j][k]
			}
			cov[i][j] = sum
		}
		if cov[i][i] > maxDiag {
			maxDiag = cov[i][i]
		}
	}
	for i := range cov {
		for j := range cov[i] {
			cov[i][j] = cov[i][j] / maxDiag * 0.3
		}
	}

	return optimization.MomentEstimate{Assets: assets, Mean: mean, Cov: cov}
}

// enrichTailMetrics recomputes metrics with the scenario set attached so the
// mean-variance rows carry VaR/CVaR alongside the analytic risk numbers.
func enrichTailMetrics(log zerolog.Logger, base optimization.PortfolioMetrics, weights map[string]float64,
	scenarios *optimization.ScenarioSet, est optimization.MomentEstimate) optimization.PortfolioMetrics {
	tail := optimization.NewMetricsCalculator(log).Compute(optimization.MetricsInput{
		Weights:   weights,
		Estimate:  &est,
		Scenarios: scenarios,
	})
	base.VaR95 = tail.VaR95
	base.CVaR95 = tail.CVaR95
	return base
}

func runStress(ctx context.Context, svc *optimization.Service, weights map[string]float64, seed uint64) {
	summary, err := svc.StressTest(ctx, weights, optimization.StressOptions{
		MonteCarlo: 5000,
		Seed:       &seed,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "stress test failed: %v\n", err)
		return
	}

	fmt.Println("\nMacro stress book (last mean-variance portfolio):")
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SCENARIO\tPROB\tRETURN")
	for _, outcome := range summary.Outcomes {
		fmt.Fprintf(w, "%s\t%.2f\t%+.4f\n", outcome.Name, outcome.Probability, outcome.PortfolioReturn)
	}
	w.Flush()
	fmt.Printf("expected %+0.4f  vol %.4f  VaR95 %+0.4f  CVaR95 %+0.4f  worst %+0.4f\n",
		summary.ExpectedReturn, summary.Volatility, summary.VaR95, summary.CVaR95, summary.WorstCase)
	if summary.MonteCarloVaR95 != nil {
		fmt.Printf("monte carlo: VaR95 %+0.4f  CVaR95 %+0.4f\n",
			*summary.MonteCarloVaR95, *summary.MonteCarloCVaR95)
	}
}

// printSummary aggregates rows per method and risk aversion and prints the
// comparison table.
func printSummary(rows []benchRow) {
	type key struct {
		method       string
		riskAversion float64
	}
	type agg struct {
		count     int
		fallbacks int
		ret       float64
		vol       float64
		sharpe    float64
		hhi       float64
		maxW      float64
		cvar      float64
		cvarN     int
		elapsed   time.Duration
	}

	groups := make(map[key]*agg)
	var order []key
	for _, row := range rows {
		k := key{method: row.method, riskAversion: row.riskAversion}
		g, ok := groups[k]
		if !ok {
			g = &agg{}
			groups[k] = g
			order = append(order, k)
		}
		g.count++
		if row.status == optimization.StatusFallbackApplied {
			g.fallbacks++
		}
		g.ret += row.metrics.ExpectedReturn
		g.vol += row.metrics.Volatility
		g.sharpe += row.metrics.SharpeRatio
		g.hhi += row.metrics.HHI
		g.maxW += row.metrics.MaxWeight
		if row.metrics.CVaR95 != nil {
			g.cvar += *row.metrics.CVaR95
			g.cvarN++
		}
		g.elapsed += row.solveTime
	}

	fmt.Println("Summary (averages per method and risk aversion):")
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "METHOD\tLAMBDA\tN\tFALLBACK\tRETURN\tVOL\tSHARPE\tHHI\tMAX_W\tCVAR95\tAVG_TIME")
	for _, k := range order {
		g := groups[k]
		n := float64(g.count)
		lambda := "-"
		if k.riskAversion > 0 {
			lambda = strconv.FormatFloat(k.riskAversion, 'g', -1, 64)
		}
		cvar := "-"
		if g.cvarN > 0 {
			cvar = fmt.Sprintf("%+.4f", g.cvar/float64(g.cvarN))
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%+.4f\t%.4f\t%.3f\t%.4f\t%.3f\t%s\t%s\n",
			k.method, lambda, g.count, g.fallbacks,
			g.ret/n, g.vol/n, g.sharpe/n, g.hhi/n, g.maxW/n, cvar,
			(g.elapsed / time.Duration(g.count)).Round(time.Microsecond))
	}
	w.Flush()
}

func parseRiskAversions(csv string) ([]float64, error) {
	parts := strings.Split(csv, ",")
	out := make([]float64, 0, len(parts))
	for _, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, fmt.Errorf("parsing risk aversion %q: %w", part, err)
		}
		if v <= 0 || math.IsNaN(v) {
			return nil, fmt.Errorf("risk aversion must be positive, got %v", v)
		}
		out = append(out, v)
	}
	return out, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
