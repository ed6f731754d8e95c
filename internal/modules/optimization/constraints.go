package optimization

import (
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog"
)

// Constants for constraint compilation
const (
	DefaultMaxConcentration = 0.05 // default per-asset cap for concentration repair
)

// ConstraintSense classifies a linear constraint row.
type ConstraintSense int

const (
	SenseLE ConstraintSense = iota // coeffs.x <= rhs
	SenseGE                        // coeffs.x >= rhs
	SenseEQ                        // coeffs.x == rhs
)

func (s ConstraintSense) String() string {
	switch s {
	case SenseLE:
		return "<="
	case SenseGE:
		return ">="
	case SenseEQ:
		return "=="
	default:
		return "?"
	}
}

// LinearConstraint is a single row over the asset weight vector.
type LinearConstraint struct {
	Coeffs []float64
	RHS    float64
	Sense  ConstraintSense
	Label  string
}

// ConstraintSet is the compiled linear feasible region for one optimization
// call: per-asset box bounds plus linear rows (sum constraint first, then
// group caps in deterministic order). A non-empty Infeasible reason marks a
// region detected empty at compile time; the orchestrator then applies the
// deterministic fallback without running any backend.
type ConstraintSet struct {
	Bounds     [][2]float64
	Linear     []LinearConstraint
	Infeasible string
}

// ConstraintOptions toggles the universal structural constraints.
type ConstraintOptions struct {
	LongOnly      bool
	FullyInvested bool
}

// DefaultConstraintOptions returns the standard long-only fully-invested
// configuration.
func DefaultConstraintOptions() ConstraintOptions {
	return ConstraintOptions{LongOnly: true, FullyInvested: true}
}

// ConstraintCompiler converts group mappings and numeric caps into the linear
// constraint set consumed by the problem formulator.
type ConstraintCompiler struct {
	log zerolog.Logger
}

// NewConstraintCompiler creates a new constraint compiler.
func NewConstraintCompiler(log zerolog.Logger) *ConstraintCompiler {
	return &ConstraintCompiler{
		log: log.With().Str("component", "constraints").Logger(),
	}
}

// Compile emits, in deterministic order: the sum-of-weights constraint,
// per-asset box bounds, then one aggregate cap row per sector and country
// group (group names sorted). Groups with zero member assets are dropped.
// Errors are reserved for malformed input (caps outside [0,1], empty
// universe); caps that merely make the region empty mark the set Infeasible
// so the solver applies the fallback instead of burning attempts.
func (cc *ConstraintCompiler) Compile(universe AssetUniverse, caps CapSet, opts ConstraintOptions) (ConstraintSet, error) {
	n := universe.Len()
	if n == 0 {
		return ConstraintSet{}, newShapeError("universe", "at least 1 asset", "0 assets")
	}
	if err := validateCaps(caps); err != nil {
		return ConstraintSet{}, err
	}

	bounds, boundsReason := cc.compileBounds(universe, caps, opts)

	linear := make([]LinearConstraint, 0, 2+len(caps.SectorCaps)+len(caps.CountryCaps))

	ones := make([]float64, n)
	for i := range ones {
		ones[i] = 1.0
	}
	if opts.FullyInvested {
		linear = append(linear, LinearConstraint{
			Coeffs: ones,
			RHS:    1.0,
			Sense:  SenseEQ,
			Label:  "sum(w) == 1",
		})
	} else {
		linear = append(linear,
			LinearConstraint{Coeffs: ones, RHS: 1.0, Sense: SenseLE, Label: "sum(w) <= 1"},
			LinearConstraint{Coeffs: append([]float64{}, ones...), RHS: 0.0, Sense: SenseGE, Label: "sum(w) >= 0"},
		)
	}

	linear = append(linear, cc.compileGroupCaps(universe, caps.SectorCaps, caps.SectorOf, "sector")...)
	linear = append(linear, cc.compileGroupCaps(universe, caps.CountryCaps, caps.CountryOf, "country")...)

	set := ConstraintSet{Bounds: bounds, Linear: linear}
	reason := boundsReason
	if reason == "" {
		reason = feasibilityReason(set, opts)
	}
	if reason != "" {
		set.Infeasible = reason
		cc.log.Warn().
			Str("reason", reason).
			Msg("Constraint set is infeasible, solver will apply the fallback")
	}

	cc.log.Debug().
		Int("num_assets", n).
		Int("linear_rows", len(linear)).
		Bool("long_only", opts.LongOnly).
		Bool("fully_invested", opts.FullyInvested).
		Msg("Compiled constraint set")

	return set, nil
}

// compileBounds merges the universal cap, per-asset overrides and the
// long-only floor into per-asset box bounds. A conflicting override pair
// (lower above upper) is reported as an infeasibility reason, not an error.
func (cc *ConstraintCompiler) compileBounds(universe AssetUniverse, caps CapSet, opts ConstraintOptions) ([][2]float64, string) {
	n := universe.Len()
	bounds := make([][2]float64, n)

	for i, asset := range universe.Assets() {
		lower := -1.0 // short-sale floor when shorting is allowed
		if opts.LongOnly {
			lower = 0.0
		}
		upper := 1.0
		if caps.MaxAssetWeight > 0 {
			upper = caps.MaxAssetWeight
		}

		if v, ok := caps.AssetMin[asset]; ok {
			lower = math.Max(lower, v)
		} else if caps.MinAssetWeight > 0 {
			lower = math.Max(lower, caps.MinAssetWeight)
		}
		if v, ok := caps.AssetMax[asset]; ok {
			upper = math.Min(upper, v)
		}

		if lower > upper {
			bounds[i] = [2]float64{lower, upper}
			return bounds, fmt.Sprintf("asset %s has conflicting bounds: lower=%.4f > upper=%.4f", asset, lower, upper)
		}
		bounds[i] = [2]float64{lower, upper}
	}

	return bounds, ""
}

// compileGroupCaps emits one sum <= cap row per capped group that has at
// least one member in the universe, group names sorted for reproducible
// diagnostics.
func (cc *ConstraintCompiler) compileGroupCaps(universe AssetUniverse, groupCaps map[string]float64, groupOf map[string]string, kind string) []LinearConstraint {
	if len(groupCaps) == 0 {
		return nil
	}

	names := make([]string, 0, len(groupCaps))
	for name := range groupCaps {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := make([]LinearConstraint, 0, len(names))
	for _, name := range names {
		coeffs := make([]float64, universe.Len())
		members := 0
		for i, asset := range universe.Assets() {
			if groupOf[asset] == name {
				coeffs[i] = 1.0
				members++
			}
		}
		if members == 0 {
			cc.log.Debug().
				Str("group", name).
				Str("kind", kind).
				Msg("Group cap has no matching assets, dropping")
			continue
		}
		rows = append(rows, LinearConstraint{
			Coeffs: coeffs,
			RHS:    groupCaps[name],
			Sense:  SenseLE,
			Label:  fmt.Sprintf("%s[%s] <= %.4f", kind, name, groupCaps[name]),
		})
	}
	return rows
}

// feasibilityReason performs cheap compile-time infeasibility checks and
// returns a human-readable reason when the region is obviously empty, empty
// string otherwise.
func feasibilityReason(set ConstraintSet, opts ConstraintOptions) string {
	sumLower, sumUpper := 0.0, 0.0
	for _, b := range set.Bounds {
		sumLower += b[0]
		sumUpper += b[1]
	}
	if opts.FullyInvested {
		if sumLower > 1.0+1e-12 {
			return fmt.Sprintf("infeasible constraints: minimum weights sum to %.4f > 1", sumLower)
		}
		if sumUpper < 1.0-1e-12 {
			return fmt.Sprintf("infeasible constraints: maximum weights sum to %.4f < 1", sumUpper)
		}
	}

	// A group cap below the sum of its members' lower bounds is empty
	for _, row := range set.Linear {
		if row.Sense != SenseLE {
			continue
		}
		memberLower := 0.0
		for i, c := range row.Coeffs {
			if c != 0 {
				memberLower += c * set.Bounds[i][0]
			}
		}
		if memberLower > row.RHS+1e-12 {
			return fmt.Sprintf("infeasible constraint %q: member lower bounds sum to %.4f", row.Label, memberLower)
		}
	}

	return ""
}

// validateCaps checks that every cap lies in [0,1].
func validateCaps(caps CapSet) error {
	check := func(name string, v float64) error {
		if v < 0 || v > 1 {
			return fmt.Errorf("cap %s = %.4f outside [0,1]", name, v)
		}
		return nil
	}

	if err := check("max_asset_weight", caps.MaxAssetWeight); err != nil {
		return err
	}
	if err := check("min_asset_weight", caps.MinAssetWeight); err != nil {
		return err
	}
	for asset, v := range caps.AssetMax {
		if err := check("asset_max["+asset+"]", v); err != nil {
			return err
		}
	}
	for asset, v := range caps.AssetMin {
		if err := check("asset_min["+asset+"]", v); err != nil {
			return err
		}
	}
	for name, v := range caps.SectorCaps {
		if err := check("sector["+name+"]", v); err != nil {
			return err
		}
	}
	for name, v := range caps.CountryCaps {
		if err := check("country["+name+"]", v); err != nil {
			return err
		}
	}
	return nil
}
