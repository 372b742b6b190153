package gan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/meshgan/config"
	"github.com/tsawler/meshgan/data"
	"github.com/tsawler/meshgan/tensor"
)

func conditioningBatch(t *testing.T) data.Batch {
	t.Helper()
	class, err := tensor.NewTensor([]int{2, 1}, tensor.Int32, []int32{0, 1})
	require.NoError(t, err)
	tokens, err := tensor.NewTensor([]int{2, 3}, tensor.Int32, []int32{1, 2, 0, 3, 0, 0})
	require.NoError(t, err)
	lengths, err := tensor.NewTensor([]int{2, 1}, tensor.Int32, []int32{2, 1})
	require.NoError(t, err)
	seg, err := tensor.Full([]int{2, 2, 4, 4}, 0.5)
	require.NoError(t, err)
	segInv, err := tensor.Full([]int{2, 2, 4, 4}, 0.25)
	require.NoError(t, err)
	return data.Batch{
		data.KeyClass:      class,
		data.KeyCaption:    tokens,
		data.KeyCaptionLen: lengths,
		data.KeySeg:        seg,
		data.KeySegInvRend: segInv,
	}
}

func TestResolverClassPriority(t *testing.T) {
	cfg := config.Default()
	cfg.ConditionalClass = true
	cfg.ConditionalText = true
	resolver, err := NewResolver(cfg)
	require.NoError(t, err)

	cond, err := resolver.Resolve(conditioningBatch(t))
	require.NoError(t, err)
	assert.NotNil(t, cond.Class)
	assert.Nil(t, cond.Caption)
	assert.Nil(t, cond.Seg)
}

func TestResolverText(t *testing.T) {
	cfg := config.Default()
	cfg.ConditionalText = true
	resolver, err := NewResolver(cfg)
	require.NoError(t, err)

	cond, err := resolver.Resolve(conditioningBatch(t))
	require.NoError(t, err)
	assert.Nil(t, cond.Class)
	require.NotNil(t, cond.Caption)
	assert.Equal(t, []int{2, 3}, cond.Caption.Tokens.Shape)
}

func TestResolverSemanticsSource(t *testing.T) {
	batch := conditioningBatch(t)

	cfg := config.Default()
	cfg.ConditionalSemantics = true
	resolver, err := NewResolver(cfg)
	require.NoError(t, err)
	cond, err := resolver.Resolve(batch)
	require.NoError(t, err)
	assert.Same(t, batch[data.KeySeg], cond.Seg)

	cfg = config.Default()
	cfg.PredictSemantics = true
	resolver, err = NewResolver(cfg)
	require.NoError(t, err)
	cond, err = resolver.Resolve(batch)
	require.NoError(t, err)
	assert.Same(t, batch[data.KeySegInvRend], cond.Seg)
}

func TestResolverMutualExclusion(t *testing.T) {
	cfg := config.Default()
	cfg.ConditionalSemantics = true
	cfg.PredictSemantics = true
	_, err := NewResolver(cfg)
	assert.Error(t, err)
}

func TestResolverMissingKey(t *testing.T) {
	cfg := config.Default()
	cfg.ConditionalClass = true
	resolver, err := NewResolver(cfg)
	require.NoError(t, err)

	_, err = resolver.Resolve(data.Batch{})
	assert.Error(t, err)
}

func TestPadToMultipleRoundTrip(t *testing.T) {
	noise, err := tensor.Randn([]int{8, 4})
	require.NoError(t, err)
	class, err := tensor.NewTensor([]int{8, 1}, tensor.Int32, make([]int32, 8))
	require.NoError(t, err)
	cond := &Conditioning{Class: class}

	padded, paddedNoise, original, err := PadToMultiple(cond, noise, 3)
	require.NoError(t, err)
	assert.Equal(t, 8, original)
	assert.Equal(t, 9, paddedNoise.Shape[0])
	assert.Equal(t, 9, padded.Class.Shape[0])

	// Padding rows are zero.
	data, err := paddedNoise.Float32s()
	require.NoError(t, err)
	for _, v := range data[8*4:] {
		assert.Zero(t, v)
	}

	// Truncation restores the original rows exactly.
	restored, err := TruncateRows(paddedNoise, original)
	require.NoError(t, err)
	want, err := noise.Float32s()
	require.NoError(t, err)
	got, err := restored.Float32s()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestPadToMultipleNoPadding(t *testing.T) {
	noise, err := tensor.Randn([]int{6, 4})
	require.NoError(t, err)

	_, paddedNoise, original, err := PadToMultiple(&Conditioning{}, noise, 3)
	require.NoError(t, err)
	assert.Equal(t, 6, original)
	assert.Same(t, noise, paddedNoise)
}

func TestTruncateRowsNil(t *testing.T) {
	out, err := TruncateRows(nil, 4)
	require.NoError(t, err)
	assert.Nil(t, out)
}
