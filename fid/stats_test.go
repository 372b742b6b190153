package fid

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/meshgan/tensor"
)

func identityStats(mean []float64) *Stats {
	d := len(mean)
	cov := mat.NewSymDense(d, nil)
	for i := 0; i < d; i++ {
		cov.SetSym(i, i, 1)
	}
	return &Stats{Mean: mean, Cov: cov, NumSamples: 100}
}

func TestComputeStats(t *testing.T) {
	emb, err := tensor.NewTensor([]int{3, 2}, tensor.Float32, []float32{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)

	stats, err := ComputeStats(emb)
	require.NoError(t, err)

	assert.Equal(t, 3, stats.NumSamples)
	assert.InDelta(t, 3.0, stats.Mean[0], 1e-9)
	assert.InDelta(t, 4.0, stats.Mean[1], 1e-9)
	// Perfectly correlated columns with variance 4.
	assert.InDelta(t, 4.0, stats.Cov.At(0, 0), 1e-9)
	assert.InDelta(t, 4.0, stats.Cov.At(1, 1), 1e-9)
	assert.InDelta(t, 4.0, stats.Cov.At(0, 1), 1e-9)
}

func TestComputeStatsErrors(t *testing.T) {
	one, err := tensor.NewTensor([]int{1, 2}, tensor.Float32, []float32{1, 2})
	require.NoError(t, err)
	_, err = ComputeStats(one)
	assert.Error(t, err)

	bad, err := tensor.Full([]int{2, 2, 2}, 1)
	require.NoError(t, err)
	_, err = ComputeStats(bad)
	assert.Error(t, err)
}

func TestFrechetDistanceIdentical(t *testing.T) {
	stats := identityStats([]float64{1, 2, 3})
	d, err := FrechetDistance(stats, stats)
	require.NoError(t, err)
	assert.InDelta(t, 0, d, 1e-9)
}

func TestFrechetDistanceMeanShift(t *testing.T) {
	a := identityStats([]float64{0, 0})
	b := identityStats([]float64{1, 1})
	d, err := FrechetDistance(a, b)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, d, 1e-9)
}

func TestFrechetDistanceCovariance(t *testing.T) {
	a := identityStats([]float64{0, 0})
	b := identityStats([]float64{0, 0})
	b.Cov.SetSym(0, 0, 4)
	b.Cov.SetSym(1, 1, 4)

	// tr(I) + tr(4I) - 2·tr(2I) = 2 + 8 - 8 = 2.
	d, err := FrechetDistance(a, b)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, d, 1e-9)

	_, err = FrechetDistance(a, identityStats([]float64{0, 0, 0}))
	assert.Error(t, err)
}

func TestRealStatsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fid_stats_299.json")
	want := identityStats([]float64{1, 2})
	want.Cov.SetSym(0, 1, 0.5)

	require.NoError(t, SaveRealStats(path, want, 299))

	got, err := LoadRealStats(path, 299)
	require.NoError(t, err)
	assert.Equal(t, want.Mean, got.Mean)
	assert.InDelta(t, 0.5, got.Cov.At(0, 1), 1e-12)
	assert.InDelta(t, 0.5, got.Cov.At(1, 0), 1e-12)
	assert.Equal(t, 100, got.NumSamples)

	_, err = LoadRealStats(path, 1024)
	assert.Error(t, err)
	_, err = LoadRealStats(filepath.Join(t.TempDir(), "missing.json"), 299)
	assert.Error(t, err)
}

func TestRealStatsSampleCap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.json")
	want := identityStats([]float64{0, 0})
	want.NumSamples = 80000
	require.NoError(t, SaveRealStats(path, want, 299))

	got, err := LoadRealStats(path, 299)
	require.NoError(t, err)
	assert.Equal(t, MaxStatImages, got.NumSamples)
}
