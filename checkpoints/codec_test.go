package checkpoints

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/meshgan/model"
)

func sampleCheckpoint() *Checkpoint {
	return &Checkpoint{
		Counters:   &Counters{Epoch: 7, Iteration: 321},
		GCurve:     []float64{0, -0.5, -0.3},
		DFakeCurve: []float64{0, 1.5},
		DRealCurve: []float64{0, 0.5},
		FlatCurve:  []float64{0},
		Args:       map[string]interface{}{"name": "exp_singletpl"},
		Generator: []WeightTensor{
			{Name: "g.weight", Kind: model.TrainableFloat, Shape: []int{2, 2}, FloatData: []float32{1, 2, 3, 4}},
			{Name: "g.steps", Kind: model.Buffer, Shape: []int{1}, IntData: []int32{-9}},
		},
		GeneratorAvg: []WeightTensor{
			{Name: "g.weight", Kind: model.TrainableFloat, Shape: []int{2, 2}, FloatData: []float32{1, 2, 3, 4.5}},
			{Name: "g.steps", Kind: model.Buffer, Shape: []int{1}, IntData: []int32{-9}},
		},
		Discriminator: []WeightTensor{
			{Name: "d.weight", Kind: model.TrainableFloat, Shape: []int{2}, FloatData: []float32{0.5, -0.5}},
		},
		OptimizerG: &OptimizerState{
			Type: "Adam",
			Step: 11,
			State: []WeightTensor{
				{Name: "m.0", Kind: model.Buffer, Shape: []int{2, 2}, FloatData: []float32{0, 0, 0, 0.1}},
				{Name: "v.0", Kind: model.Buffer, Shape: []int{2, 2}, FloatData: []float32{0, 0, 0, 0.01}},
			},
		},
		Metadata: Metadata{
			Framework: "meshgan",
			Version:   "1.0.0",
			CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		},
	}
}

func TestCodecRoundTrip(t *testing.T) {
	want := sampleCheckpoint()

	raw, err := Encode(want)
	require.NoError(t, err)
	got, err := Decode(raw)
	require.NoError(t, err)

	assert.Equal(t, want.Counters, got.Counters)
	assert.Equal(t, want.GCurve, got.GCurve)
	assert.Equal(t, want.DFakeCurve, got.DFakeCurve)
	assert.Equal(t, want.DRealCurve, got.DRealCurve)
	assert.Equal(t, want.FlatCurve, got.FlatCurve)
	assert.Equal(t, want.Args, got.Args)
	assert.Equal(t, want.Generator, got.Generator)
	assert.Equal(t, want.GeneratorAvg, got.GeneratorAvg)
	assert.Equal(t, want.Discriminator, got.Discriminator)
	assert.Equal(t, want.OptimizerG, got.OptimizerG)
	assert.Nil(t, got.OptimizerD)
	assert.Nil(t, got.TextEncoder)
	assert.True(t, want.Metadata.CreatedAt.Equal(got.Metadata.CreatedAt))
}

func TestCodecWeightsOnly(t *testing.T) {
	want := sampleCheckpoint()
	want.Counters = nil
	want.Generator = nil
	want.Discriminator = nil
	want.OptimizerG = nil

	raw, err := Encode(want)
	require.NoError(t, err)
	got, err := Decode(raw)
	require.NoError(t, err)

	assert.Nil(t, got.Counters)
	assert.Nil(t, got.Generator)
	assert.Equal(t, want.GeneratorAvg, got.GeneratorAvg)
}

func TestDecodeCorrupt(t *testing.T) {
	_, err := Decode([]byte{0xff, 0xff, 0xff})
	assert.Error(t, err)

	// A valid wire record without a header is rejected.
	_, err = Decode(nil)
	assert.Error(t, err)
}
