// Package checkpoints persists and restores full training state:
// model weights, optimizer state, loss curves and counters. Files are
// written as a single protobuf-wire-encoded record per tag, with a
// rolling "latest" tag and permanent epoch-numbered tags.
package checkpoints

import (
	"fmt"
	"time"

	"github.com/tsawler/meshgan/model"
	"github.com/tsawler/meshgan/tensor"
)

// LatestTag is the rolling checkpoint tag, overwritten on every save
// interval.
const LatestTag = "latest"

// Ext is the checkpoint file extension.
const Ext = ".ckpt"

// WeightTensor is one serialized parameter. Exactly one of FloatData
// and IntData is populated, according to Kind.
type WeightTensor struct {
	Name      string
	Kind      model.ParamKind
	Shape     []int
	FloatData []float32
	IntData   []int32
}

// OptimizerState captures one optimizer's internal state: the shared
// step counter and the per-parameter moment tensors.
type OptimizerState struct {
	Type  string
	Step  int64
	State []WeightTensor
}

// Counters are the resumable training progress fields. A checkpoint
// without counters is a weights-only artifact: loading it forces
// evaluate-only semantics.
type Counters struct {
	Epoch     int
	Iteration int
}

// Metadata describes the producing run.
type Metadata struct {
	Framework string
	Version   string
	CreatedAt time.Time
}

// Checkpoint is the full serialized training state.
type Checkpoint struct {
	Counters *Counters

	GCurve     []float64
	DFakeCurve []float64
	DRealCurve []float64
	FlatCurve  []float64

	Args map[string]interface{}

	Generator     []WeightTensor
	GeneratorAvg  []WeightTensor
	Discriminator []WeightTensor

	// TextEncoder is set when generator and discriminator share a
	// frozen encoder; the G/D pair is set when the encoder is trained.
	TextEncoder  []WeightTensor
	TextEncoderG []WeightTensor
	TextEncoderD []WeightTensor

	OptimizerG *OptimizerState
	OptimizerD *OptimizerState

	Metadata Metadata
}

// FromStateDict converts a module's state dictionary into serializable
// weight tensors.
func FromStateDict(params []model.Parameter) ([]WeightTensor, error) {
	weights := make([]WeightTensor, 0, len(params))
	for _, p := range params {
		w := WeightTensor{
			Name:  p.Name,
			Kind:  p.Kind,
			Shape: append([]int(nil), p.Tensor.Shape...),
		}
		switch p.Tensor.DType {
		case tensor.Float32:
			data, err := p.Tensor.Float32s()
			if err != nil {
				return nil, fmt.Errorf("parameter %q: %v", p.Name, err)
			}
			w.FloatData = append([]float32(nil), data...)
		case tensor.Int32:
			data, err := p.Tensor.Int32s()
			if err != nil {
				return nil, fmt.Errorf("parameter %q: %v", p.Name, err)
			}
			w.IntData = append([]int32(nil), data...)
		default:
			return nil, fmt.Errorf("parameter %q has unsupported dtype %s", p.Name, p.Tensor.DType)
		}
		weights = append(weights, w)
	}
	return weights, nil
}

// ApplyStateDict loads serialized weights back into a module, matched
// by position and verified by name and shape.
func ApplyStateDict(weights []WeightTensor, m model.Module) error {
	params := m.StateDict()
	if len(params) != len(weights) {
		return fmt.Errorf("weight count mismatch: checkpoint has %d, module has %d", len(weights), len(params))
	}
	restored := make([]model.Parameter, len(weights))
	for i, w := range weights {
		if params[i].Name != w.Name {
			return fmt.Errorf("weight %d name mismatch: checkpoint %q, module %q", i, w.Name, params[i].Name)
		}
		if !tensor.SameShape(params[i].Tensor.Shape, w.Shape) {
			return fmt.Errorf("weight %q shape mismatch: checkpoint %v, module %v", w.Name, w.Shape, params[i].Tensor.Shape)
		}
		var t *tensor.Tensor
		var err error
		if w.FloatData != nil {
			t, err = tensor.NewTensor(w.Shape, tensor.Float32, append([]float32(nil), w.FloatData...))
		} else {
			t, err = tensor.NewTensor(w.Shape, tensor.Int32, append([]int32(nil), w.IntData...))
		}
		if err != nil {
			return fmt.Errorf("weight %q: %v", w.Name, err)
		}
		restored[i] = model.Parameter{Name: w.Name, Kind: w.Kind, Tensor: t}
	}
	if err := m.LoadStateDict(restored); err != nil {
		return fmt.Errorf("failed to load state dict: %v", err)
	}
	return nil
}
