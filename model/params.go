package model

import (
	"fmt"

	"github.com/tsawler/meshgan/tensor"
)

// ParamKind distinguishes trainable weights from auxiliary buffers
// (e.g. batch-norm counters). The running-average tracker averages the
// former and copies the latter verbatim.
type ParamKind int

const (
	TrainableFloat ParamKind = iota
	Buffer
)

func (k ParamKind) String() string {
	switch k {
	case TrainableFloat:
		return "trainable-float"
	case Buffer:
		return "buffer"
	default:
		return "Unknown"
	}
}

// Parameter is one named entry of a module's state dictionary. State
// dictionaries are stable-ordered: two modules of the same architecture
// enumerate their parameters in the same order with the same names.
type Parameter struct {
	Name   string
	Kind   ParamKind
	Tensor *tensor.Tensor
}

// CopyStateDict copies every parameter of src into dst, matched by
// position and verified by name and shape. Used to initialize the
// running-average generator as an exact copy of the live one.
func CopyStateDict(dst, src Module) error {
	dstParams := dst.StateDict()
	srcParams := src.StateDict()
	if len(dstParams) != len(srcParams) {
		return fmt.Errorf("state dict size mismatch: %d vs %d", len(dstParams), len(srcParams))
	}
	for i, sp := range srcParams {
		dp := dstParams[i]
		if dp.Name != sp.Name {
			return fmt.Errorf("state dict entry %d name mismatch: %q vs %q", i, dp.Name, sp.Name)
		}
		if !tensor.SameShape(dp.Tensor.Shape, sp.Tensor.Shape) {
			return fmt.Errorf("parameter %q shape mismatch: %v vs %v", sp.Name, dp.Tensor.Shape, sp.Tensor.Shape)
		}
		if err := dp.Tensor.SetData(sp.Tensor.Data); err != nil {
			return fmt.Errorf("failed to copy parameter %q: %v", sp.Name, err)
		}
	}
	return nil
}
