package fid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tsawler/meshgan/data"
	"github.com/tsawler/meshgan/modeltest"
	"github.com/tsawler/meshgan/tensor"
)

func newTestEvaluator(t *testing.T, datasetSize int) *Evaluator {
	t.Helper()
	cfg := evalConfig()
	cfg.Evaluate = true
	engine := evalEngine(t, cfg)

	ds := modeltest.NewDataset(datasetSize)
	evalDS := data.NewEvalDataset(ds)
	loader, err := data.NewDataLoader(evalDS, data.LoaderConfig{BatchSize: cfg.BatchSize})
	require.NoError(t, err)

	embedder := &modeltest.Embedder{Dim: 4}

	// Real statistics derived from the same embedder family keep the
	// distance finite and small.
	refImages, err := tensor.Full([]int{datasetSize, 3, 8, 8}, 0.5)
	require.NoError(t, err)
	refEmb, err := embedder.Embed(refImages)
	require.NoError(t, err)
	real, err := ComputeStats(refEmb)
	require.NoError(t, err)

	evaluator, err := NewEvaluator(cfg, engine, loader, evalDS.Len(), &modeltest.MeshTemplate{}, &modeltest.Renderer{Resolution: 8}, embedder, real, zap.NewNop().Sugar())
	require.NoError(t, err)
	return evaluator
}

func TestEvaluateFast(t *testing.T) {
	evaluator := newTestEvaluator(t, 8)

	result, err := evaluator.Evaluate(nil, true)
	require.NoError(t, err)

	assert.False(t, result.FID < 0)
	assert.Zero(t, result.FIDTexture)
	assert.Zero(t, result.FIDMesh)

	// Fallback visualization: a random subset capped at the dataset
	// size.
	require.NotNil(t, result.Visualization)
	assert.Equal(t, 8, result.Visualization.Shape[0])
}

func TestEvaluateFull(t *testing.T) {
	evaluator := newTestEvaluator(t, 8)

	result, err := evaluator.Evaluate(nil, false)
	require.NoError(t, err)

	// Ablations are computed outside fast mode: the fake dataset
	// carries both real meshes and real textures.
	assert.False(t, result.FIDTexture < 0)
	assert.False(t, result.FIDMesh < 0)
}

func TestEvaluateVisualizationOrder(t *testing.T) {
	evaluator := newTestEvaluator(t, 8)

	visIndices, err := tensor.NewTensor([]int{3, 1}, tensor.Int32, []int32{6, 1, 3})
	require.NoError(t, err)

	result, err := evaluator.Evaluate(visIndices, true)
	require.NoError(t, err)
	require.NotNil(t, result.Visualization)
	assert.Equal(t, 3, result.Visualization.Shape[0])
}

func TestEvaluateDeterministic(t *testing.T) {
	first, err := newTestEvaluator(t, 8).Evaluate(nil, true)
	require.NoError(t, err)
	second, err := newTestEvaluator(t, 8).Evaluate(nil, true)
	require.NoError(t, err)
	assert.InDelta(t, first.FID, second.FID, 1e-9)
}

// rowCountEmbedder counts embedded rows before delegating.
type rowCountEmbedder struct {
	inner *modeltest.Embedder
	rows  int
}

func (c *rowCountEmbedder) Embed(images *tensor.Tensor) (*tensor.Tensor, error) {
	c.rows += images.Shape[0]
	return c.inner.Embed(images)
}

func TestEvaluateCyclesToReferenceCount(t *testing.T) {
	cfg := evalConfig()
	cfg.Evaluate = true
	engine := evalEngine(t, cfg)

	ds := modeltest.NewDataset(8)
	evalDS := data.NewEvalDataset(ds)
	loader, err := data.NewDataLoader(evalDS, data.LoaderConfig{BatchSize: cfg.BatchSize})
	require.NoError(t, err)

	// Reference statistics over 20 samples: more than the dataset
	// holds, so the loader must wrap around until 20 generated samples
	// have been embedded.
	ref, err := tensor.Full([]int{20, 3, 8, 8}, 0.5)
	require.NoError(t, err)
	refEmb, err := (&modeltest.Embedder{Dim: 4}).Embed(ref)
	require.NoError(t, err)
	real, err := ComputeStats(refEmb)
	require.NoError(t, err)
	require.Equal(t, 20, real.NumSamples)

	counting := &rowCountEmbedder{inner: &modeltest.Embedder{Dim: 4}}
	evaluator, err := NewEvaluator(cfg, engine, loader, evalDS.Len(), &modeltest.MeshTemplate{}, &modeltest.Renderer{Resolution: 8}, counting, real, zap.NewNop().Sugar())
	require.NoError(t, err)

	result, err := evaluator.Evaluate(nil, true)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, counting.rows, 20)
	assert.False(t, result.FID < 0)
}

func TestSampleRows(t *testing.T) {
	tensor.SetRandomSeed(1234)
	src, err := tensor.NewTensor([]int{6, 1}, tensor.Float32, []float32{0, 1, 2, 3, 4, 5})
	require.NoError(t, err)

	out, err := sampleRows(src, 4)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 1}, out.Shape)

	vals, err := out.Float32s()
	require.NoError(t, err)
	seen := map[float32]bool{}
	for _, v := range vals {
		assert.GreaterOrEqual(t, v, float32(0))
		assert.LessOrEqual(t, v, float32(5))
		assert.False(t, seen[v], "row sampled twice")
		seen[v] = true
	}

	_, err = sampleRows(src, 7)
	assert.Error(t, err)
}

func TestNewEvaluatorRequiresStats(t *testing.T) {
	cfg := evalConfig()
	engine := evalEngine(t, cfg)
	loader, err := data.NewDataLoader(modeltest.NewDataset(8), data.LoaderConfig{BatchSize: 4})
	require.NoError(t, err)

	_, err = NewEvaluator(cfg, engine, loader, 8, &modeltest.MeshTemplate{}, &modeltest.Renderer{Resolution: 8}, &modeltest.Embedder{Dim: 4}, nil, zap.NewNop().Sugar())
	assert.Error(t, err)
}
