package optimization

import (
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func constantHistory(assets []string, value float64, rows int) ReturnHistory {
	obs := make([][]float64, rows)
	for i := range obs {
		row := make([]float64, len(assets))
		for j := range row {
			row[j] = value
		}
		obs[i] = row
	}
	return ReturnHistory{Assets: assets, Observations: obs}
}

func TestEstimate_ConstantSeries(t *testing.T) {
	est := NewMomentEstimator(testLogger())

	history := constantHistory([]string{"AAA", "BBB"}, 0.01, 60)
	moments, err := est.Estimate(history, MomentOptions{Lookback: 60, Decay: 0.94})
	require.NoError(t, err)

	// A constant series has its value as mean and zero covariance everywhere
	for _, m := range moments.Mean {
		assert.InDelta(t, 0.01, m, 1e-12)
	}
	for i := range moments.Cov {
		for j := range moments.Cov[i] {
			assert.InDelta(t, 0.0, moments.Cov[i][j], 1e-15)
		}
	}
}

func TestEstimate_RecencyWeighting(t *testing.T) {
	est := NewMomentEstimator(testLogger())

	// A series that jumps from 0 to 0.10 in the last observation must pull
	// the EWMA mean well above the flat sample mean.
	obs := make([][]float64, 50)
	for i := range obs {
		obs[i] = []float64{0.0}
	}
	obs[49] = []float64{0.10}

	history := ReturnHistory{Assets: []string{"AAA"}, Observations: obs}
	moments, err := est.Estimate(history, MomentOptions{Lookback: 50, Decay: 0.94})
	require.NoError(t, err)

	sampleMean := 0.10 / 50.0
	assert.Greater(t, moments.Mean[0], sampleMean*2, "EWMA mean must weight the recent jump")
}

func TestEstimate_CovarianceSymmetricPSD(t *testing.T) {
	est := NewMomentEstimator(testLogger())

	obs := [][]float64{
		{0.01, -0.02, 0.005},
		{-0.01, 0.03, -0.002},
		{0.02, 0.01, 0.004},
		{-0.005, -0.015, 0.001},
		{0.015, 0.02, -0.003},
		{0.0, -0.01, 0.002},
		{0.012, 0.004, 0.006},
		{-0.02, 0.008, -0.001},
	}
	history := ReturnHistory{Assets: []string{"AAA", "BBB", "CCC"}, Observations: obs}

	moments, err := est.Estimate(history, MomentOptions{})
	require.NoError(t, err)
	require.Len(t, moments.Mean, 3)
	require.Len(t, moments.Cov, 3)

	for i := 0; i < 3; i++ {
		assert.GreaterOrEqual(t, moments.Cov[i][i], 0.0, "diagonal variance must be non-negative")
		for j := 0; j < 3; j++ {
			assert.InDelta(t, moments.Cov[j][i], moments.Cov[i][j], 1e-14, "covariance must be symmetric")
		}
	}

	assert.NoError(t, ValidateCovariance(moments.Cov, 3))
}

func TestEstimate_WindowShrinksToAvailable(t *testing.T) {
	est := NewMomentEstimator(testLogger())

	history := constantHistory([]string{"AAA"}, 0.02, 5)
	moments, err := est.Estimate(history, MomentOptions{Lookback: 252})
	require.NoError(t, err)
	assert.InDelta(t, 0.02, moments.Mean[0], 1e-12)
}

func TestEstimate_ShapeErrors(t *testing.T) {
	est := NewMomentEstimator(testLogger())

	var shapeErr *ShapeError

	_, err := est.Estimate(ReturnHistory{Assets: nil, Observations: [][]float64{{0.1}}}, MomentOptions{})
	require.ErrorAs(t, err, &shapeErr)

	_, err = est.Estimate(ReturnHistory{Assets: []string{"AAA"}, Observations: [][]float64{{0.1}}}, MomentOptions{})
	require.ErrorAs(t, err, &shapeErr, "a single observation is not enough for covariance")

	ragged := ReturnHistory{
		Assets:       []string{"AAA", "BBB"},
		Observations: [][]float64{{0.1, 0.2}, {0.1}},
	}
	_, err = est.Estimate(ragged, MomentOptions{})
	require.ErrorAs(t, err, &shapeErr, "ragged observation rows must be rejected")
}

func TestValidateCovariance(t *testing.T) {
	good := [][]float64{
		{0.04, 0.01},
		{0.01, 0.09},
	}
	assert.NoError(t, ValidateCovariance(good, 2))

	asymmetric := [][]float64{
		{0.04, 0.01},
		{0.02, 0.09},
	}
	var shapeErr *ShapeError
	require.ErrorAs(t, ValidateCovariance(asymmetric, 2), &shapeErr)

	// Strongly indefinite matrix (eigenvalues 1 and -1)
	indefinite := [][]float64{
		{0.0, 1.0},
		{1.0, 0.0},
	}
	require.ErrorAs(t, ValidateCovariance(indefinite, 2), &shapeErr)

	wrongSize := [][]float64{{0.04}}
	require.ErrorAs(t, ValidateCovariance(wrongSize, 2), &shapeErr)
}

func TestEwmaWeights(t *testing.T) {
	weights := ewmaWeights(10, 0.94)
	require.Len(t, weights, 10)

	sum := 0.0
	for i, w := range weights {
		sum += w
		if i > 0 {
			assert.Greater(t, w, weights[i-1], "weights must increase toward the newest row")
		}
	}
	assert.InDelta(t, 1.0, sum, 1e-12)

	// Adjacent weights keep the decay ratio
	assert.InDelta(t, 0.94, weights[3]/weights[4], 1e-12)
	assert.False(t, math.IsNaN(weights[0]))
}
