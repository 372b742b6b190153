package training

// LRScheduler adjusts the learning rate over the course of training.
type LRScheduler interface {
	// GetLR returns the learning rate for the given epoch and step.
	GetLR(epoch, step int, baseLR float64) float64
	// GetName returns the scheduler name.
	GetName() string
}

// ConstantLR keeps the learning rate fixed.
type ConstantLR struct{}

func (s *ConstantLR) GetLR(epoch, step int, baseLR float64) float64 { return baseLR }
func (s *ConstantLR) GetName() string                               { return "Constant" }

// LinearDecayLR keeps the base learning rate until DecayAfter, then
// decays it linearly to zero at TotalEpochs.
type LinearDecayLR struct {
	DecayAfter  int
	TotalEpochs int
}

// NewLinearDecayLR creates a linear decay scheduler. A decay start at
// or beyond the epoch budget disables decay entirely.
func NewLinearDecayLR(decayAfter, totalEpochs int) *LinearDecayLR {
	return &LinearDecayLR{DecayAfter: decayAfter, TotalEpochs: totalEpochs}
}

func (s *LinearDecayLR) GetLR(epoch, step int, baseLR float64) float64 {
	if s.DecayAfter >= s.TotalEpochs || epoch < s.DecayAfter {
		return baseLR
	}
	factor := 1.0 - float64(epoch-s.DecayAfter)/float64(s.TotalEpochs-s.DecayAfter)
	if factor < 0 {
		factor = 0
	}
	return baseLR * factor
}

func (s *LinearDecayLR) GetName() string { return "LinearDecay" }
