package optimization

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

func testEstimate() MomentEstimate {
	return MomentEstimate{
		Assets: []string{"AAA", "BBB", "CCC"},
		Mean:   []float64{0.05, 0.10, 0.15},
		Cov: [][]float64{
			{0.04, 0.01, 0.00},
			{0.01, 0.09, 0.02},
			{0.00, 0.02, 0.16},
		},
	}
}

func TestGenerate_Shape(t *testing.T) {
	gen := NewScenarioGenerator(testLogger())

	seed := uint64(42)
	set, err := gen.Generate(testEstimate(), ScenarioOptions{NumScenarios: 500, Seed: &seed})
	require.NoError(t, err)

	require.Len(t, set.Returns, 3)
	assert.Equal(t, 500, set.NumScenarios())
	for _, row := range set.Returns {
		assert.Len(t, row, 500)
	}
}

func TestGenerate_SeedReproducible(t *testing.T) {
	gen := NewScenarioGenerator(testLogger())
	seed := uint64(7)

	a, err := gen.Generate(testEstimate(), ScenarioOptions{NumScenarios: 100, Seed: &seed})
	require.NoError(t, err)
	b, err := gen.Generate(testEstimate(), ScenarioOptions{NumScenarios: 100, Seed: &seed})
	require.NoError(t, err)

	assert.Equal(t, a.Returns, b.Returns, "identical seeds must reproduce the exact scenario matrix")
}

func TestGenerate_DifferentSeedsDiffer(t *testing.T) {
	gen := NewScenarioGenerator(testLogger())
	seedA, seedB := uint64(1), uint64(2)

	a, err := gen.Generate(testEstimate(), ScenarioOptions{NumScenarios: 100, Seed: &seedA})
	require.NoError(t, err)
	b, err := gen.Generate(testEstimate(), ScenarioOptions{NumScenarios: 100, Seed: &seedB})
	require.NoError(t, err)

	assert.NotEqual(t, a.Returns, b.Returns)
}

func TestGenerate_SampleMomentsApproximate(t *testing.T) {
	gen := NewScenarioGenerator(testLogger())
	seed := uint64(1234)

	est := testEstimate()
	set, err := gen.Generate(est, ScenarioOptions{NumScenarios: 20000, Seed: &seed})
	require.NoError(t, err)

	for i, row := range set.Returns {
		sum := 0.0
		for _, r := range row {
			sum += r
		}
		mean := sum / float64(len(row))
		assert.InDelta(t, est.Mean[i], mean, 0.01, "sample mean of asset %d", i)
	}
}

func TestGenerate_SemiDefiniteCovarianceJittered(t *testing.T) {
	gen := NewScenarioGenerator(testLogger())
	seed := uint64(5)

	// Rank-deficient: second asset perfectly duplicates the first
	est := MomentEstimate{
		Assets: []string{"AAA", "BBB"},
		Mean:   []float64{0.05, 0.05},
		Cov: [][]float64{
			{0.04, 0.04},
			{0.04, 0.04},
		},
	}

	set, err := gen.Generate(est, ScenarioOptions{NumScenarios: 50, Seed: &seed})
	require.NoError(t, err, "semi-definite covariance must be handled via jitter")
	assert.Equal(t, 50, set.NumScenarios())
}

func TestBuildDistribution_JitterReachesCeiling(t *testing.T) {
	gen := NewScenarioGenerator(testLogger())

	// A -5e-5 diagonal entry defeats every jitter decade below 1e-4; the
	// ramp must still try the last one instead of giving up early.
	est := MomentEstimate{
		Assets: []string{"AAA", "BBB"},
		Mean:   []float64{0, 0},
		Cov:    [][]float64{{-5e-5, 0}, {0, 1}},
	}

	normal, jitter, err := gen.buildDistribution(est, rand.NewSource(1))
	require.NoError(t, err)
	require.NotNil(t, normal)
	assert.InDelta(t, jitterMax, jitter, 1e-9)
}

func TestGenerate_ShapeErrors(t *testing.T) {
	gen := NewScenarioGenerator(testLogger())
	var shapeErr *ShapeError

	_, err := gen.Generate(MomentEstimate{}, ScenarioOptions{})
	require.ErrorAs(t, err, &shapeErr)

	bad := testEstimate()
	bad.Mean = bad.Mean[:2]
	_, err = gen.Generate(bad, ScenarioOptions{})
	require.ErrorAs(t, err, &shapeErr)

	indefinite := MomentEstimate{
		Assets: []string{"AAA", "BBB"},
		Mean:   []float64{0.1, 0.1},
		Cov:    [][]float64{{0.0, 1.0}, {1.0, 0.0}},
	}
	_, err = gen.Generate(indefinite, ScenarioOptions{})
	require.ErrorAs(t, err, &shapeErr, "indefinite covariance must be rejected before sampling")
}

func TestGenerate_DefaultScenarioCount(t *testing.T) {
	gen := NewScenarioGenerator(testLogger())
	seed := uint64(3)

	set, err := gen.Generate(testEstimate(), ScenarioOptions{Seed: &seed})
	require.NoError(t, err)
	assert.Equal(t, DefaultNumScenarios, set.NumScenarios())
}
