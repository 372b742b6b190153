package gan

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/meshgan/modeltest"
)

func trackerPair(t *testing.T) (*modeltest.Generator, *modeltest.Generator) {
	t.Helper()
	live, err := modeltest.NewGenerator(8, 4, false, 2)
	require.NoError(t, err)
	avg, err := modeltest.NewGenerator(8, 4, false, 2)
	require.NoError(t, err)
	return live, avg
}

func setFloatParam(t *testing.T, g *modeltest.Generator, index int, value float32) {
	t.Helper()
	data, err := g.StateDict()[index].Tensor.Float32s()
	require.NoError(t, err)
	for i := range data {
		data[i] = value
	}
}

func TestAlphaSchedule(t *testing.T) {
	tracker := NewTracker(0.999)
	assert.InDelta(t, math.Pow(0.999, 100), tracker.Alpha(5), 1e-12)
	assert.InDelta(t, math.Pow(0.999, 10), tracker.Alpha(50), 1e-12)
	assert.InDelta(t, 0.999, tracker.Alpha(100), 1e-12)
	assert.InDelta(t, 0.999, tracker.Alpha(500), 1e-12)
}

func TestUpdateBlendsFloats(t *testing.T) {
	live, avg := trackerPair(t)
	setFloatParam(t, live, 0, 1.0)
	setFloatParam(t, avg, 0, 0.0)

	tracker := NewTracker(0.5)
	require.NoError(t, tracker.Update(avg, live, 200))

	data, err := avg.StateDict()[0].Tensor.Float32s()
	require.NoError(t, err)
	// avg = 0*0.5 + 1*(1-0.5)
	assert.InDelta(t, 0.5, float64(data[0]), 1e-6)
}

func TestUpdateAlphaOneKeepsShadow(t *testing.T) {
	live, avg := trackerPair(t)
	setFloatParam(t, live, 0, 1.0)
	setFloatParam(t, avg, 0, 0.25)

	tracker := NewTracker(1.0)
	require.NoError(t, tracker.Update(avg, live, 200))

	data, err := avg.StateDict()[0].Tensor.Float32s()
	require.NoError(t, err)
	assert.InDelta(t, 0.25, float64(data[0]), 1e-6)
}

func TestUpdateConvergesWithLowAlpha(t *testing.T) {
	live, avg := trackerPair(t)
	setFloatParam(t, live, 0, 1.0)
	setFloatParam(t, avg, 0, 0.0)

	tracker := NewTracker(0.0)
	require.NoError(t, tracker.Update(avg, live, 200))

	data, err := avg.StateDict()[0].Tensor.Float32s()
	require.NoError(t, err)
	assert.InDelta(t, 1.0, float64(data[0]), 1e-6)
}

func TestUpdateCopiesBuffers(t *testing.T) {
	live, avg := trackerPair(t)

	// The third parameter of the fakes is an integer buffer.
	liveSteps, err := live.StateDict()[2].Tensor.Int32s()
	require.NoError(t, err)
	liveSteps[0] = 42

	tracker := NewTracker(1.0)
	require.NoError(t, tracker.Update(avg, live, 0))

	avgSteps, err := avg.StateDict()[2].Tensor.Int32s()
	require.NoError(t, err)
	assert.Equal(t, int32(42), avgSteps[0])
}
