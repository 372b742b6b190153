package training

import (
	"fmt"
	"math"
	"sync"

	"github.com/tsawler/meshgan/checkpoints"
	"github.com/tsawler/meshgan/model"
	"github.com/tsawler/meshgan/tensor"
)

// Optimizer is the interface shared by all parameter optimizers.
type Optimizer interface {
	Step() error
	ZeroGrad()
	GetLR() float64
	SetLR(lr float64)
}

// Adam implements the Adam optimizer. GAN training uses betas (0, 0.99)
// for both the generator and the discriminator.
type Adam struct {
	parameters []*tensor.Tensor
	lr         float64
	beta1      float64
	beta2      float64
	eps        float64
	step       int64
	m          []*tensor.Tensor // first moment estimates, parallel to parameters
	v          []*tensor.Tensor // second moment estimates
	mutex      sync.RWMutex
}

// NewAdam creates a new Adam optimizer over the given parameters.
func NewAdam(parameters []*tensor.Tensor, lr, beta1, beta2 float64) (*Adam, error) {
	adam := &Adam{
		parameters: parameters,
		lr:         lr,
		beta1:      beta1,
		beta2:      beta2,
		eps:        1e-8,
		m:          make([]*tensor.Tensor, len(parameters)),
		v:          make([]*tensor.Tensor, len(parameters)),
	}
	for i, param := range parameters {
		m, err := tensor.Zeros(param.Shape, param.DType)
		if err != nil {
			return nil, fmt.Errorf("first moment initialization failed: %v", err)
		}
		v, err := tensor.Zeros(param.Shape, param.DType)
		if err != nil {
			return nil, fmt.Errorf("second moment initialization failed: %v", err)
		}
		adam.m[i] = m
		adam.v[i] = v
	}
	return adam, nil
}

// Step performs a single optimization step over all parameters with
// gradients.
func (adam *Adam) Step() error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	adam.step++

	bias1 := 1.0 - math.Pow(adam.beta1, float64(adam.step))
	bias2 := 1.0 - math.Pow(adam.beta2, float64(adam.step))

	for i, param := range adam.parameters {
		if param.Grad() == nil {
			continue
		}

		grad, err := param.Grad().Float32s()
		if err != nil {
			return fmt.Errorf("parameter %d gradient: %v", i, err)
		}
		data, err := param.Float32s()
		if err != nil {
			return fmt.Errorf("parameter %d: %v", i, err)
		}
		m, err := adam.m[i].Float32s()
		if err != nil {
			return fmt.Errorf("parameter %d first moment: %v", i, err)
		}
		v, err := adam.v[i].Float32s()
		if err != nil {
			return fmt.Errorf("parameter %d second moment: %v", i, err)
		}
		if len(grad) != len(data) {
			return fmt.Errorf("parameter %d gradient size mismatch: %d vs %d", i, len(grad), len(data))
		}

		b1 := float32(adam.beta1)
		b2 := float32(adam.beta2)
		for j := range data {
			g := grad[j]
			m[j] = b1*m[j] + (1-b1)*g
			v[j] = b2*v[j] + (1-b2)*g*g

			mHat := float64(m[j]) / bias1
			vHat := float64(v[j]) / bias2
			data[j] -= float32(adam.lr * mHat / (math.Sqrt(vHat) + adam.eps))
		}
	}
	return nil
}

// ZeroGrad resets gradients for all parameters.
func (adam *Adam) ZeroGrad() {
	tensor.ZeroGrad(adam.parameters)
}

// GetLR returns the current learning rate.
func (adam *Adam) GetLR() float64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.lr
}

// SetLR sets the learning rate.
func (adam *Adam) SetLR(lr float64) {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	adam.lr = lr
}

// StateDict serializes the optimizer's internal state for
// checkpointing.
func (adam *Adam) StateDict() (*checkpoints.OptimizerState, error) {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()

	state := &checkpoints.OptimizerState{Type: "Adam", Step: adam.step}
	for i := range adam.parameters {
		for _, pair := range []struct {
			prefix string
			t      *tensor.Tensor
		}{{"m", adam.m[i]}, {"v", adam.v[i]}} {
			data, err := pair.t.Float32s()
			if err != nil {
				return nil, fmt.Errorf("optimizer state %s.%d: %v", pair.prefix, i, err)
			}
			state.State = append(state.State, checkpoints.WeightTensor{
				Name:      fmt.Sprintf("%s.%d", pair.prefix, i),
				Kind:      model.Buffer,
				Shape:     append([]int(nil), pair.t.Shape...),
				FloatData: append([]float32(nil), data...),
			})
		}
	}
	return state, nil
}

// LoadStateDict restores the optimizer's internal state from a
// checkpoint.
func (adam *Adam) LoadStateDict(state *checkpoints.OptimizerState) error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	if state.Type != "Adam" {
		return fmt.Errorf("optimizer type mismatch: checkpoint has %q, expected Adam", state.Type)
	}
	if len(state.State) != 2*len(adam.parameters) {
		return fmt.Errorf("optimizer state size mismatch: checkpoint has %d tensors, expected %d",
			len(state.State), 2*len(adam.parameters))
	}

	adam.step = state.Step
	for i := range adam.parameters {
		for j, dst := range []*tensor.Tensor{adam.m[i], adam.v[i]} {
			w := state.State[2*i+j]
			if !tensor.SameShape(dst.Shape, w.Shape) {
				return fmt.Errorf("optimizer state %q shape mismatch: %v vs %v", w.Name, w.Shape, dst.Shape)
			}
			if err := dst.SetData(append([]float32(nil), w.FloatData...)); err != nil {
				return fmt.Errorf("optimizer state %q: %v", w.Name, err)
			}
		}
	}
	return nil
}
