package tensor

import (
	"fmt"
	"math/rand"
)

// Global random source for noise sampling and weight initialization.
var globalRng = rand.New(rand.NewSource(1))

// SetRandomSeed resets the global random source. Evaluation code seeds it
// for deterministic FID runs; training leaves it untouched.
func SetRandomSeed(seed int64) {
	globalRng = rand.New(rand.NewSource(seed))
}

// Rng returns the global random source.
func Rng() *rand.Rand {
	return globalRng
}

// NewTensor creates a tensor with the given shape and data
func NewTensor(shape []int, dtype DType, data interface{}) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, fmt.Errorf("invalid shape: %v", err)
	}

	numElems := calculateNumElements(shape)
	t := &Tensor{
		Shape:    append([]int(nil), shape...),
		Strides:  calculateStrides(shape),
		DType:    dtype,
		NumElems: numElems,
	}

	switch d := data.(type) {
	case []float32:
		if dtype != Float32 {
			return nil, fmt.Errorf("data type []float32 does not match dtype %s", dtype)
		}
		if len(d) != numElems {
			return nil, fmt.Errorf("data length %d does not match shape %v (%d elements)", len(d), shape, numElems)
		}
		t.Data = d
	case []int32:
		if dtype != Int32 {
			return nil, fmt.Errorf("data type []int32 does not match dtype %s", dtype)
		}
		if len(d) != numElems {
			return nil, fmt.Errorf("data length %d does not match shape %v (%d elements)", len(d), shape, numElems)
		}
		t.Data = d
	default:
		return nil, fmt.Errorf("unsupported data type %T", data)
	}

	return t, nil
}

// Zeros creates a tensor filled with zeros
func Zeros(shape []int, dtype DType) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, fmt.Errorf("invalid shape: %v", err)
	}

	numElems := calculateNumElements(shape)
	switch dtype {
	case Float32:
		return NewTensor(shape, dtype, make([]float32, numElems))
	case Int32:
		return NewTensor(shape, dtype, make([]int32, numElems))
	default:
		return nil, fmt.Errorf("unsupported dtype: %s", dtype)
	}
}

// Full creates a Float32 tensor filled with the given value
func Full(shape []int, value float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, fmt.Errorf("invalid shape: %v", err)
	}

	data := make([]float32, calculateNumElements(shape))
	for i := range data {
		data[i] = value
	}
	return NewTensor(shape, Float32, data)
}

// Randn creates a Float32 tensor with standard normal entries drawn from
// the global random source.
func Randn(shape []int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, fmt.Errorf("invalid shape: %v", err)
	}

	data := make([]float32, calculateNumElements(shape))
	for i := range data {
		data[i] = float32(globalRng.NormFloat64())
	}
	return NewTensor(shape, Float32, data)
}
