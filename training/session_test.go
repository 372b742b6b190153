package training

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tsawler/meshgan/config"
	"github.com/tsawler/meshgan/model"
	"github.com/tsawler/meshgan/modeltest"
)

func sessionConfig() *config.Config {
	cfg := config.Default()
	cfg.Name = "test_singletpl"
	cfg.Dataset = "reference"
	cfg.TextureResolution = 8
	cfg.MeshResolution = 4
	cfg.LatentDim = 4
	cfg.NumDiscriminators = 2
	cfg.BatchSize = 2
	return cfg
}

func newTestSession(t *testing.T, cfg *config.Config) *Session {
	t.Helper()
	generator, err := modeltest.NewGenerator(cfg.TextureResolution, cfg.MeshResolution, false, 2)
	require.NoError(t, err)
	generatorAvg, err := modeltest.NewGenerator(cfg.TextureResolution, cfg.MeshResolution, false, 2)
	require.NoError(t, err)
	discriminator, err := modeltest.NewDiscriminator(cfg.NumDiscriminators)
	require.NoError(t, err)

	var textEncoderG, textEncoderD model.TextEncoder
	if cfg.ConditionalText {
		encG, err := modeltest.NewTextEncoder(cfg.TextEmbeddingDim)
		require.NoError(t, err)
		encD, err := modeltest.NewTextEncoder(cfg.TextEmbeddingDim)
		require.NoError(t, err)
		textEncoderG, textEncoderD = encG, encD
	}

	session, err := NewSession(cfg, generator, generatorAvg, discriminator, textEncoderG, textEncoderD, zap.NewNop().Sugar())
	require.NoError(t, err)
	return session
}

func TestNewSessionInitializesShadow(t *testing.T) {
	cfg := sessionConfig()
	generator, err := modeltest.NewGenerator(8, 4, false, 2)
	require.NoError(t, err)
	generatorAvg, err := modeltest.NewGenerator(8, 4, false, 2)
	require.NoError(t, err)
	discriminator, err := modeltest.NewDiscriminator(2)
	require.NoError(t, err)

	weights, err := generator.StateDict()[0].Tensor.Float32s()
	require.NoError(t, err)
	weights[0] = 7.5

	session, err := NewSession(cfg, generator, generatorAvg, discriminator, nil, nil, zap.NewNop().Sugar())
	require.NoError(t, err)

	shadow, err := generatorAvg.StateDict()[0].Tensor.Float32s()
	require.NoError(t, err)
	assert.Equal(t, float32(7.5), shadow[0])

	assert.Equal(t, []float64{0}, session.GCurve)
	assert.Equal(t, []float64{0}, session.FlatCurve)
	assert.NotNil(t, session.OptimizerG)
	assert.NotNil(t, session.OptimizerD)
}

func TestNewSessionEvaluateSkipsOptimizers(t *testing.T) {
	cfg := sessionConfig()
	cfg.Evaluate = true
	session := newTestSession(t, cfg)
	assert.Nil(t, session.OptimizerG)
	assert.Nil(t, session.OptimizerD)
}

func TestSessionCheckpointRoundTrip(t *testing.T) {
	cfg := sessionConfig()
	src := newTestSession(t, cfg)
	src.Epoch = 7
	src.TotalIteration = 321
	src.GCurve = append(src.GCurve, -0.5)
	src.DFakeCurve = append(src.DFakeCurve, 1.5)

	weights, err := src.Generator.StateDict()[0].Tensor.Float32s()
	require.NoError(t, err)
	weights[0] = 3.25

	chk, err := src.Checkpoint()
	require.NoError(t, err)
	require.NotNil(t, chk.Counters)
	assert.Equal(t, "test_singletpl", chk.Args["name"])

	dst := newTestSession(t, cfg)
	require.NoError(t, dst.Restore(chk, Resume))

	assert.Equal(t, 7, dst.Epoch)
	assert.Equal(t, 321, dst.TotalIteration)
	assert.Equal(t, src.GCurve, dst.GCurve)
	assert.Equal(t, src.DFakeCurve, dst.DFakeCurve)

	restored, err := dst.Generator.StateDict()[0].Tensor.Float32s()
	require.NoError(t, err)
	assert.Equal(t, float32(3.25), restored[0])

	srcOpt, err := src.OptimizerG.StateDict()
	require.NoError(t, err)
	dstOpt, err := dst.OptimizerG.StateDict()
	require.NoError(t, err)
	assert.Equal(t, srcOpt, dstOpt)
}

func TestSessionWeightsOnlyForcesEvaluate(t *testing.T) {
	cfg := sessionConfig()
	src := newTestSession(t, cfg)
	chk, err := src.Checkpoint()
	require.NoError(t, err)
	chk.Counters = nil

	dst := newTestSession(t, cfg)
	assert.Error(t, dst.Restore(chk, Resume))

	dst = newTestSession(t, cfg)
	require.NoError(t, dst.Restore(chk, EvaluateOnly))
	assert.True(t, dst.TrainingDisabled)
}

func TestSessionEvaluateRestoreLoadsDiscriminator(t *testing.T) {
	cfg := sessionConfig()
	src := newTestSession(t, cfg)

	weights, err := src.Discriminator.StateDict()[0].Tensor.Float32s()
	require.NoError(t, err)
	weights[0] = 4.75

	chk, err := src.Checkpoint()
	require.NoError(t, err)

	evalCfg := sessionConfig()
	evalCfg.Evaluate = true
	dst := newTestSession(t, evalCfg)
	require.NoError(t, dst.Restore(chk, EvaluateOnly))

	restored, err := dst.Discriminator.StateDict()[0].Tensor.Float32s()
	require.NoError(t, err)
	assert.Equal(t, float32(4.75), restored[0])
}

func TestSessionTrainedTextEncoders(t *testing.T) {
	cfg := sessionConfig()
	cfg.ConditionalText = true
	cfg.TextTrainEncoder = true
	cfg.TextEmbeddingDim = 8
	src := newTestSession(t, cfg)

	chk, err := src.Checkpoint()
	require.NoError(t, err)
	assert.NotNil(t, chk.TextEncoderG)
	assert.NotNil(t, chk.TextEncoderD)
	assert.Nil(t, chk.TextEncoder)

	dst := newTestSession(t, cfg)
	require.NoError(t, dst.Restore(chk, Resume))
}

func TestSessionFrozenTextEncoder(t *testing.T) {
	cfg := sessionConfig()
	cfg.ConditionalText = true
	cfg.TextEmbeddingDim = 8
	src := newTestSession(t, cfg)

	chk, err := src.Checkpoint()
	require.NoError(t, err)
	assert.NotNil(t, chk.TextEncoder)
	assert.Nil(t, chk.TextEncoderG)
}
