package training

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/meshgan/tensor"
)

func TestAdamStep(t *testing.T) {
	param, err := tensor.Full([]int{2}, 1.0)
	require.NoError(t, err)
	adam, err := NewAdam([]*tensor.Tensor{param}, 0.1, 0, 0.99)
	require.NoError(t, err)

	grad, err := tensor.Full([]int{2}, 0.1)
	require.NoError(t, err)
	require.NoError(t, param.SetGrad(grad))
	require.NoError(t, adam.Step())

	// With beta1=0 the first step moves by almost exactly lr.
	data, err := param.Float32s()
	require.NoError(t, err)
	assert.InDelta(t, 0.9, float64(data[0]), 1e-5)
	assert.InDelta(t, 0.9, float64(data[1]), 1e-5)
}

func TestAdamSkipsParamsWithoutGrad(t *testing.T) {
	param, err := tensor.Full([]int{2}, 1.0)
	require.NoError(t, err)
	adam, err := NewAdam([]*tensor.Tensor{param}, 0.1, 0, 0.99)
	require.NoError(t, err)

	require.NoError(t, adam.Step())
	data, err := param.Float32s()
	require.NoError(t, err)
	assert.Equal(t, float32(1.0), data[0])
}

func TestAdamZeroGrad(t *testing.T) {
	param, err := tensor.Full([]int{2}, 1.0)
	require.NoError(t, err)
	adam, err := NewAdam([]*tensor.Tensor{param}, 0.1, 0, 0.99)
	require.NoError(t, err)

	grad, err := tensor.Full([]int{2}, 0.1)
	require.NoError(t, err)
	require.NoError(t, param.SetGrad(grad))
	adam.ZeroGrad()
	assert.Nil(t, param.Grad())
}

func TestAdamLearningRate(t *testing.T) {
	adam, err := NewAdam(nil, 0.1, 0, 0.99)
	require.NoError(t, err)
	assert.Equal(t, 0.1, adam.GetLR())
	adam.SetLR(0.05)
	assert.Equal(t, 0.05, adam.GetLR())
}

func TestAdamStateRoundTrip(t *testing.T) {
	param, err := tensor.Full([]int{2}, 1.0)
	require.NoError(t, err)
	adam, err := NewAdam([]*tensor.Tensor{param}, 0.1, 0, 0.99)
	require.NoError(t, err)

	grad, err := tensor.Full([]int{2}, 0.1)
	require.NoError(t, err)
	require.NoError(t, param.SetGrad(grad))
	require.NoError(t, adam.Step())

	state, err := adam.StateDict()
	require.NoError(t, err)
	assert.Equal(t, "Adam", state.Type)
	assert.Equal(t, int64(1), state.Step)
	require.Len(t, state.State, 2)

	param2, err := tensor.Full([]int{2}, 1.0)
	require.NoError(t, err)
	restored, err := NewAdam([]*tensor.Tensor{param2}, 0.1, 0, 0.99)
	require.NoError(t, err)
	require.NoError(t, restored.LoadStateDict(state))

	restoredState, err := restored.StateDict()
	require.NoError(t, err)
	assert.Equal(t, state, restoredState)

	// Type and size mismatches are rejected.
	state.Type = "SGD"
	assert.Error(t, restored.LoadStateDict(state))
	state.Type = "Adam"
	state.State = state.State[:1]
	assert.Error(t, restored.LoadStateDict(state))
}

func TestLinearDecayLR(t *testing.T) {
	scheduler := NewLinearDecayLR(100, 150)
	assert.Equal(t, "LinearDecay", scheduler.GetName())

	base := 1e-4
	assert.InDelta(t, 1e-4, scheduler.GetLR(50, 0, base), 1e-12)
	assert.InDelta(t, 1e-4, scheduler.GetLR(99, 0, base), 1e-12)
	assert.InDelta(t, 5e-5, scheduler.GetLR(125, 0, base), 1e-12)
	assert.InDelta(t, 0, scheduler.GetLR(150, 0, base), 1e-12)
	assert.InDelta(t, 0, scheduler.GetLR(200, 0, base), 1e-12)

	// A decay start beyond the budget disables decay, matching the
	// default configuration.
	disabled := NewLinearDecayLR(100000, 600)
	assert.InDelta(t, base, disabled.GetLR(599, 0, base), 1e-12)
}

func TestConstantLR(t *testing.T) {
	scheduler := &ConstantLR{}
	assert.Equal(t, "Constant", scheduler.GetName())
	assert.InDelta(t, 1e-4, scheduler.GetLR(500, 0, 1e-4), 1e-12)
}
