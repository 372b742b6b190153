package tensor

import (
	"fmt"
)

type DType int

const (
	Float32 DType = iota
	Int32
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "Float32"
	case Int32:
		return "Int32"
	default:
		return "Unknown"
	}
}

// Tensor is a dense CPU tensor. The training core moves batches and
// weights around as Tensors; device placement and parallel execution
// are the responsibility of the external model implementations.
type Tensor struct {
	Shape    []int
	Strides  []int
	DType    DType
	Data     interface{}
	NumElems int
	grad     *Tensor
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, elements=%d)", t.Shape, t.DType, t.NumElems)
}

// Grad returns the gradient tensor, or nil if none has been set.
func (t *Tensor) Grad() *Tensor {
	return t.grad
}

// SetGrad attaches a gradient tensor. Shape must match.
func (t *Tensor) SetGrad(grad *Tensor) error {
	if grad != nil && !SameShape(t.Shape, grad.Shape) {
		return fmt.Errorf("gradient shape %v does not match tensor shape %v", grad.Shape, t.Shape)
	}
	t.grad = grad
	return nil
}

// ZeroGrad clears the gradients of all given tensors.
func ZeroGrad(tensors []*Tensor) {
	for _, t := range tensors {
		t.grad = nil
	}
}

func calculateStrides(shape []int) []int {
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	n := 1
	for _, dim := range shape {
		n *= dim
	}
	return n
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("shape cannot be empty")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("dimension %d must be positive, got %d", i, dim)
		}
	}
	return nil
}

// SameShape reports whether two shapes are identical.
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Float32s returns the underlying float32 storage.
func (t *Tensor) Float32s() ([]float32, error) {
	data, ok := t.Data.([]float32)
	if !ok {
		return nil, fmt.Errorf("tensor is %s, not Float32", t.DType)
	}
	return data, nil
}

// Int32s returns the underlying int32 storage.
func (t *Tensor) Int32s() ([]int32, error) {
	data, ok := t.Data.([]int32)
	if !ok {
		return nil, fmt.Errorf("tensor is %s, not Int32", t.DType)
	}
	return data, nil
}

// SetData replaces the tensor's storage in place. The new data must have
// the same length and element type as the existing storage.
func (t *Tensor) SetData(data interface{}) error {
	switch d := data.(type) {
	case []float32:
		dst, err := t.Float32s()
		if err != nil {
			return err
		}
		if len(d) != len(dst) {
			return fmt.Errorf("data length mismatch: expected %d, got %d", len(dst), len(d))
		}
		copy(dst, d)
	case []int32:
		dst, err := t.Int32s()
		if err != nil {
			return err
		}
		if len(d) != len(dst) {
			return fmt.Errorf("data length mismatch: expected %d, got %d", len(dst), len(d))
		}
		copy(dst, d)
	default:
		return fmt.Errorf("unsupported data type %T", data)
	}
	return nil
}

// Clone returns a deep copy of the tensor (gradient excluded).
func (t *Tensor) Clone() *Tensor {
	out := &Tensor{
		Shape:    append([]int(nil), t.Shape...),
		Strides:  append([]int(nil), t.Strides...),
		DType:    t.DType,
		NumElems: t.NumElems,
	}
	switch d := t.Data.(type) {
	case []float32:
		data := make([]float32, len(d))
		copy(data, d)
		out.Data = data
	case []int32:
		data := make([]int32, len(d))
		copy(data, d)
		out.Data = data
	}
	return out
}
