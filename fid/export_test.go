package fid

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tsawler/meshgan/config"
	"github.com/tsawler/meshgan/gan"
	"github.com/tsawler/meshgan/modeltest"
	"github.com/tsawler/meshgan/tensor"
)

func TestAvgPool(t *testing.T) {
	in, err := tensor.NewTensor([]int{1, 1, 2, 2}, tensor.Float32, []float32{1, 2, 3, 4})
	require.NoError(t, err)

	out, err := AvgPool(in, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 1, 1}, out.Shape)
	data, err := out.Float32s()
	require.NoError(t, err)
	assert.InDelta(t, 2.5, float64(data[0]), 1e-6)

	odd, err := tensor.Full([]int{1, 1, 3, 3}, 1)
	require.NoError(t, err)
	_, err = AvgPool(odd, 2)
	assert.Error(t, err)
}

func TestCompositeWhite(t *testing.T) {
	images, err := tensor.Full([]int{1, 3, 2, 2}, 0.25)
	require.NoError(t, err)
	alpha, err := tensor.NewTensor([]int{1, 1, 2, 2}, tensor.Float32, []float32{1, 0.6, 0.4, 0})
	require.NoError(t, err)

	out, err := CompositeWhite(images, alpha)
	require.NoError(t, err)
	data, err := out.Float32s()
	require.NoError(t, err)

	// Alpha is hardened at 0.5: foreground keeps the value, background
	// becomes white.
	assert.InDelta(t, 0.25, float64(data[0]), 1e-6)
	assert.InDelta(t, 0.25, float64(data[1]), 1e-6)
	assert.InDelta(t, 1.0, float64(data[2]), 1e-6)
	assert.InDelta(t, 1.0, float64(data[3]), 1e-6)
}

func TestArgmaxChannels(t *testing.T) {
	seg, err := tensor.NewTensor([]int{1, 2, 1, 2}, tensor.Float32, []float32{
		0.9, 0.1, // part 0 plane
		0.1, 0.8, // part 1 plane
	})
	require.NoError(t, err)

	parts, err := ArgmaxChannels(seg)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 1, 2}, parts.Shape)
	data, err := parts.Int32s()
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 1}, data)
}

func TestWriteGrid(t *testing.T) {
	images, err := tensor.Full([]int{3, 3, 4, 4}, 0.5)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "grid.png")

	require.NoError(t, WriteGrid(path, images, 2))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	bad, err := tensor.Full([]int{1, 1, 4, 4}, 0.5)
	require.NoError(t, err)
	assert.Error(t, WriteGrid(path, bad, 2))
}

func TestSampleExporter(t *testing.T) {
	cfg := evalConfig()
	cfg.ExportSample = true
	cfg.HowMany = 4

	engine := evalEngine(t, cfg)
	exporter, err := NewSampleExporter(cfg, engine, &modeltest.MeshTemplate{}, &modeltest.Renderer{Resolution: 8}, zap.NewNop().Sugar())
	require.NoError(t, err)

	outDir := t.TempDir()
	ds := modeltest.NewDataset(16)
	require.NoError(t, exporter.Export(ds, outDir))

	for i := 0; i < 4; i++ {
		_, err := os.Stat(filepath.Join(outDir, fmt.Sprintf("sample_%03d.obj", i)))
		require.NoError(t, err)
	}
	_, err = os.Stat(filepath.Join(outDir, "samples.png"))
	require.NoError(t, err)
}

func evalConfig() *config.Config {
	cfg := config.Default()
	cfg.Name = "eval_singletpl"
	cfg.Dataset = "reference"
	cfg.TextureResolution = 8
	cfg.MeshResolution = 4
	cfg.LatentDim = 4
	cfg.NumDiscriminators = 2
	cfg.BatchSize = 4
	cfg.TruncationSigma = 1.0
	return cfg
}

func evalEngine(t *testing.T, cfg *config.Config) *gan.Engine {
	t.Helper()
	generator, err := modeltest.NewGenerator(cfg.TextureResolution, cfg.MeshResolution, false, 2)
	require.NoError(t, err)
	generatorAvg, err := modeltest.NewGenerator(cfg.TextureResolution, cfg.MeshResolution, false, 2)
	require.NoError(t, err)
	discriminator, err := modeltest.NewDiscriminator(cfg.NumDiscriminators)
	require.NoError(t, err)
	engine, err := gan.NewEngine(cfg, generator, generatorAvg, discriminator, nil, nil)
	require.NoError(t, err)
	return engine
}
