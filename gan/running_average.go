package gan

import (
	"fmt"
	"math"

	"github.com/tsawler/meshgan/model"
)

// Tracker maintains the exponential moving average of the generator
// weights in a shadow copy used for inference and evaluation. The
// shadow copy is mutated exclusively here and never receives gradients.
type Tracker struct {
	baseAlpha float64
}

// NewTracker creates a tracker with the configured base decay.
func NewTracker(baseAlpha float64) *Tracker {
	return &Tracker{baseAlpha: baseAlpha}
}

// Alpha returns the decay used at the given epoch. Early in training
// the raw weights move fastest, so the decay is lowered (base^100
// before epoch 10, base^10 before epoch 100) to let the shadow copy
// catch up sooner. This schedule only affects evaluation quality during
// early epochs, not the trained generator itself.
func (t *Tracker) Alpha(epoch int) float64 {
	switch {
	case epoch < 10:
		return math.Pow(t.baseAlpha, 100)
	case epoch < 100:
		return math.Pow(t.baseAlpha, 10)
	default:
		return t.baseAlpha
	}
}

// Update folds the live generator's weights into the shadow copy:
// avg = avg*alpha + live*(1-alpha) for floating-point parameters, a
// verbatim copy for integer buffers such as batch-norm counters.
func (t *Tracker) Update(avg, live model.Module, epoch int) error {
	alpha := t.Alpha(epoch)

	avgParams := avg.StateDict()
	liveParams := live.StateDict()
	if len(avgParams) != len(liveParams) {
		return fmt.Errorf("state dict size mismatch: %d vs %d", len(avgParams), len(liveParams))
	}

	for i, lp := range liveParams {
		ap := avgParams[i]
		if ap.Name != lp.Name {
			return fmt.Errorf("state dict entry %d name mismatch: %q vs %q", i, ap.Name, lp.Name)
		}

		switch ap.Kind {
		case model.TrainableFloat:
			avgData, err := ap.Tensor.Float32s()
			if err != nil {
				return fmt.Errorf("parameter %q: %v", ap.Name, err)
			}
			liveData, err := lp.Tensor.Float32s()
			if err != nil {
				return fmt.Errorf("parameter %q: %v", lp.Name, err)
			}
			if len(avgData) != len(liveData) {
				return fmt.Errorf("parameter %q size mismatch: %d vs %d", ap.Name, len(avgData), len(liveData))
			}
			a := float32(alpha)
			for j := range avgData {
				avgData[j] = avgData[j]*a + liveData[j]*(1-a)
			}
		case model.Buffer:
			if err := ap.Tensor.SetData(lp.Tensor.Data); err != nil {
				return fmt.Errorf("buffer %q: %v", ap.Name, err)
			}
		default:
			return fmt.Errorf("parameter %q has unknown kind %v", ap.Name, ap.Kind)
		}
	}
	return nil
}
