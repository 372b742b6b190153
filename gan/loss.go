package gan

import (
	"fmt"
	"math"

	"github.com/tsawler/meshgan/tensor"
)

// LossMode selects the adversarial loss variant.
type LossMode int

const (
	Hinge LossMode = iota
	LeastSquares
	Original
)

// ParseLossMode maps the configuration string to a LossMode.
func ParseLossMode(s string) (LossMode, error) {
	switch s {
	case "hinge":
		return Hinge, nil
	case "ls":
		return LeastSquares, nil
	case "original":
		return Original, nil
	default:
		return 0, fmt.Errorf("invalid loss %q (hinge|ls|original)", s)
	}
}

func (m LossMode) String() string {
	switch m {
	case Hinge:
		return "hinge"
	case LeastSquares:
		return "ls"
	case Original:
		return "original"
	default:
		return "Unknown"
	}
}

// GANLoss scores multi-head discriminator outputs. Each head may carry
// a validity mask (nil = all valid) and a weight; head losses are
// combined as a weighted mean.
type GANLoss struct {
	mode LossMode
}

// NewGANLoss creates a GANLoss for the given variant.
func NewGANLoss(mode LossMode) *GANLoss {
	return &GANLoss{mode: mode}
}

// Loss computes the combined loss over all heads. targetReal selects
// the label the scores are pushed towards; forDiscriminator selects the
// discriminator-side formulation (hinge margins) versus the
// generator-side one.
func (l *GANLoss) Loss(scores, masks []*tensor.Tensor, targetReal, forDiscriminator bool, weights []float64) (float64, error) {
	if len(scores) == 0 {
		return 0, fmt.Errorf("no discriminator scores")
	}
	if masks != nil && len(masks) != len(scores) {
		return 0, fmt.Errorf("mask count %d does not match head count %d", len(masks), len(scores))
	}
	if weights != nil && len(weights) != len(scores) {
		return 0, fmt.Errorf("weight count %d does not match head count %d", len(weights), len(scores))
	}

	var total, totalWeight float64
	for i, s := range scores {
		var mask *tensor.Tensor
		if masks != nil {
			mask = masks[i]
		}
		headLoss, err := l.headLoss(s, mask, targetReal, forDiscriminator)
		if err != nil {
			return 0, fmt.Errorf("head %d: %v", i, err)
		}
		w := 1.0
		if weights != nil {
			w = weights[i]
		}
		total += w * headLoss
		totalWeight += w
	}
	return total / totalWeight, nil
}

func (l *GANLoss) headLoss(scores, mask *tensor.Tensor, targetReal, forDiscriminator bool) (float64, error) {
	data, err := scores.Float32s()
	if err != nil {
		return 0, err
	}

	var maskData []float32
	if mask != nil {
		if maskData, err = mask.Float32s(); err != nil {
			return 0, err
		}
		if len(maskData) != len(data) {
			return 0, fmt.Errorf("mask size %d does not match score size %d", len(maskData), len(data))
		}
	}

	var sum, count float64
	for i, s := range data {
		if maskData != nil && maskData[i] == 0 {
			continue
		}
		sum += l.elementLoss(float64(s), targetReal, forDiscriminator)
		count++
	}
	if count == 0 {
		return 0, fmt.Errorf("validity mask excludes every score")
	}
	return sum / count, nil
}

func (l *GANLoss) elementLoss(s float64, targetReal, forDiscriminator bool) float64 {
	switch l.mode {
	case Hinge:
		if !forDiscriminator {
			// Generator maximizes the score.
			return -s
		}
		if targetReal {
			return math.Max(0, 1-s)
		}
		return math.Max(0, 1+s)
	case LeastSquares:
		target := 0.0
		if targetReal {
			target = 1.0
		}
		d := s - target
		return d * d
	case Original:
		// Binary cross-entropy with logits, via softplus for stability.
		if targetReal {
			return softplus(-s)
		}
		return softplus(s)
	default:
		return 0
	}
}

func softplus(x float64) float64 {
	if x > 30 {
		return x
	}
	return math.Log1p(math.Exp(x))
}
