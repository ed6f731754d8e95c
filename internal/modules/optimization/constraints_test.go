package optimization

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustUniverse(t *testing.T, assets ...string) AssetUniverse {
	t.Helper()
	u, err := NewAssetUniverse(assets)
	require.NoError(t, err)
	return u
}

func TestCompile_DefaultLongOnlyFullyInvested(t *testing.T) {
	cc := NewConstraintCompiler(testLogger())
	universe := mustUniverse(t, "AAA", "BBB", "CCC")

	set, err := cc.Compile(universe, CapSet{MaxAssetWeight: 0.5}, DefaultConstraintOptions())
	require.NoError(t, err)

	require.Len(t, set.Bounds, 3)
	for _, b := range set.Bounds {
		assert.Equal(t, 0.0, b[0], "long-only floor")
		assert.Equal(t, 0.5, b[1], "universal cap")
	}

	require.Len(t, set.Linear, 1)
	assert.Equal(t, SenseEQ, set.Linear[0].Sense)
	assert.Equal(t, 1.0, set.Linear[0].RHS)
	assert.Equal(t, []float64{1, 1, 1}, set.Linear[0].Coeffs)
}

func TestCompile_NotFullyInvested(t *testing.T) {
	cc := NewConstraintCompiler(testLogger())
	universe := mustUniverse(t, "AAA", "BBB")

	set, err := cc.Compile(universe, CapSet{}, ConstraintOptions{LongOnly: true, FullyInvested: false})
	require.NoError(t, err)

	require.Len(t, set.Linear, 2)
	assert.Equal(t, SenseLE, set.Linear[0].Sense)
	assert.Equal(t, SenseGE, set.Linear[1].Sense)
}

func TestCompile_PerAssetOverrides(t *testing.T) {
	cc := NewConstraintCompiler(testLogger())
	universe := mustUniverse(t, "AAA", "BBB", "CCC")

	caps := CapSet{
		MaxAssetWeight: 0.4,
		AssetMax:       map[string]float64{"BBB": 0.1},
		AssetMin:       map[string]float64{"CCC": 0.05},
	}
	set, err := cc.Compile(universe, caps, DefaultConstraintOptions())
	require.NoError(t, err)

	assert.Equal(t, [2]float64{0.0, 0.4}, set.Bounds[0])
	assert.Equal(t, [2]float64{0.0, 0.1}, set.Bounds[1], "per-asset max overrides the universal cap")
	assert.Equal(t, [2]float64{0.05, 0.4}, set.Bounds[2], "per-asset min lifts the floor")
}

func TestCompile_GroupCapsDeterministicOrder(t *testing.T) {
	cc := NewConstraintCompiler(testLogger())
	universe := mustUniverse(t, "AAA", "BBB", "CCC", "DDD")

	caps := CapSet{
		SectorCaps:  map[string]float64{"tech": 0.6, "energy": 0.3},
		SectorOf:    map[string]string{"AAA": "tech", "BBB": "tech", "CCC": "energy"},
		CountryCaps: map[string]float64{"US": 0.8},
		CountryOf:   map[string]string{"AAA": "US", "DDD": "US"},
	}

	set, err := cc.Compile(universe, caps, DefaultConstraintOptions())
	require.NoError(t, err)

	// sum row, then sector rows sorted by name, then country rows
	require.Len(t, set.Linear, 4)
	assert.Contains(t, set.Linear[1].Label, "energy")
	assert.Contains(t, set.Linear[2].Label, "tech")
	assert.Contains(t, set.Linear[3].Label, "US")

	assert.Equal(t, []float64{0, 0, 1, 0}, set.Linear[1].Coeffs)
	assert.Equal(t, []float64{1, 1, 0, 0}, set.Linear[2].Coeffs)
	assert.Equal(t, []float64{1, 0, 0, 1}, set.Linear[3].Coeffs)

	// Identical input must compile to the identical ordering
	again, err := cc.Compile(universe, caps, DefaultConstraintOptions())
	require.NoError(t, err)
	assert.Equal(t, set, again)
}

func TestCompile_EmptyGroupDropped(t *testing.T) {
	cc := NewConstraintCompiler(testLogger())
	universe := mustUniverse(t, "AAA", "BBB")

	caps := CapSet{
		SectorCaps: map[string]float64{"utilities": 0.2},
		SectorOf:   map[string]string{"AAA": "tech", "BBB": "tech"},
	}

	set, err := cc.Compile(universe, caps, DefaultConstraintOptions())
	require.NoError(t, err, "a cap on a group with no members is a no-op, not an error")
	require.Len(t, set.Linear, 1, "only the sum constraint survives")
}

func TestCompile_CapOutsideUnitInterval(t *testing.T) {
	cc := NewConstraintCompiler(testLogger())
	universe := mustUniverse(t, "AAA")

	_, err := cc.Compile(universe, CapSet{MaxAssetWeight: 1.5}, DefaultConstraintOptions())
	require.Error(t, err)

	_, err = cc.Compile(universe, CapSet{SectorCaps: map[string]float64{"tech": -0.1}}, DefaultConstraintOptions())
	require.Error(t, err)
}

func TestCompile_InfeasibleCapsMarked(t *testing.T) {
	cc := NewConstraintCompiler(testLogger())

	// 4 assets capped at 0.2 cannot sum to 1; the set is marked, not erred
	universe := mustUniverse(t, "AAA", "BBB", "CCC", "DDD")
	set, err := cc.Compile(universe, CapSet{MaxAssetWeight: 0.2}, DefaultConstraintOptions())
	require.NoError(t, err, "infeasibility is a solver condition, not a caller error")
	assert.Contains(t, set.Infeasible, "infeasible")

	// Minimums above 1 are equally impossible
	universe2 := mustUniverse(t, "AAA", "BBB")
	caps := CapSet{AssetMin: map[string]float64{"AAA": 0.7, "BBB": 0.7}}
	set, err = cc.Compile(universe2, caps, DefaultConstraintOptions())
	require.NoError(t, err)
	assert.NotEmpty(t, set.Infeasible)
}

func TestCompile_GroupCapBelowMemberMinimums(t *testing.T) {
	cc := NewConstraintCompiler(testLogger())
	universe := mustUniverse(t, "AAA", "BBB", "CCC")

	caps := CapSet{
		AssetMin:   map[string]float64{"AAA": 0.3, "BBB": 0.3},
		SectorCaps: map[string]float64{"tech": 0.4},
		SectorOf:   map[string]string{"AAA": "tech", "BBB": "tech"},
	}
	set, err := cc.Compile(universe, caps, DefaultConstraintOptions())
	require.NoError(t, err)
	assert.Contains(t, set.Infeasible, "tech")
}

func TestCompile_BoundConflictMarked(t *testing.T) {
	cc := NewConstraintCompiler(testLogger())
	universe := mustUniverse(t, "AAA", "BBB")

	caps := CapSet{
		AssetMin: map[string]float64{"AAA": 0.5},
		AssetMax: map[string]float64{"AAA": 0.3},
	}
	set, err := cc.Compile(universe, caps, DefaultConstraintOptions())
	require.NoError(t, err)
	assert.Contains(t, set.Infeasible, "AAA")
}

func TestCompile_TightOverridesStayUsable(t *testing.T) {
	cc := NewConstraintCompiler(testLogger())
	universe := mustUniverse(t, "AAA", "BBB", "CCC")

	// Upper bounds sum to 0.9 < 1 under full investment: compiles cleanly
	// with the marker set so the solver can hand back the fallback.
	caps := CapSet{
		MaxAssetWeight: 0.4,
		AssetMax:       map[string]float64{"BBB": 0.1},
	}
	set, err := cc.Compile(universe, caps, DefaultConstraintOptions())
	require.NoError(t, err)
	assert.Equal(t, [2]float64{0.0, 0.1}, set.Bounds[1])
	assert.Contains(t, set.Infeasible, "maximum weights")
}
