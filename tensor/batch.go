package tensor

import (
	"fmt"
)

// Batch-axis helpers. Throughout the training core, dimension 0 is the
// batch dimension: discriminator inputs are concatenated fake-first
// along it, replica padding appends rows to it, and outputs are split
// back along it.

func rowSize(t *Tensor) int {
	return t.NumElems / t.Shape[0]
}

// ConcatRows concatenates tensors along dimension 0. All tensors must
// share dtype and trailing dimensions.
func ConcatRows(tensors ...*Tensor) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("ConcatRows requires at least one tensor")
	}
	first := tensors[0]
	rows := first.Shape[0]
	for _, t := range tensors[1:] {
		if t.DType != first.DType {
			return nil, fmt.Errorf("dtype mismatch: %s vs %s", first.DType, t.DType)
		}
		if !SameShape(first.Shape[1:], t.Shape[1:]) {
			return nil, fmt.Errorf("trailing shape mismatch: %v vs %v", first.Shape, t.Shape)
		}
		rows += t.Shape[0]
	}

	outShape := append([]int{rows}, first.Shape[1:]...)
	out, err := Zeros(outShape, first.DType)
	if err != nil {
		return nil, err
	}

	switch dst := out.Data.(type) {
	case []float32:
		offset := 0
		for _, t := range tensors {
			src := t.Data.([]float32)
			copy(dst[offset:], src)
			offset += len(src)
		}
	case []int32:
		offset := 0
		for _, t := range tensors {
			src := t.Data.([]int32)
			copy(dst[offset:], src)
			offset += len(src)
		}
	}
	return out, nil
}

// SliceRows returns a copy of rows [start, end) along dimension 0.
func SliceRows(t *Tensor, start, end int) (*Tensor, error) {
	if start < 0 || end > t.Shape[0] || start >= end {
		return nil, fmt.Errorf("invalid row range [%d, %d) for %d rows", start, end, t.Shape[0])
	}
	outShape := append([]int{end - start}, t.Shape[1:]...)
	out, err := Zeros(outShape, t.DType)
	if err != nil {
		return nil, err
	}
	rs := rowSize(t)
	switch dst := out.Data.(type) {
	case []float32:
		copy(dst, t.Data.([]float32)[start*rs:end*rs])
	case []int32:
		copy(dst, t.Data.([]int32)[start*rs:end*rs])
	}
	return out, nil
}

// SplitHalves splits a tensor into its first and second halves along
// dimension 0. The row count must be even.
func SplitHalves(t *Tensor) (*Tensor, *Tensor, error) {
	if t.Shape[0]%2 != 0 {
		return nil, nil, fmt.Errorf("cannot split %d rows into halves", t.Shape[0])
	}
	half := t.Shape[0] / 2
	first, err := SliceRows(t, 0, half)
	if err != nil {
		return nil, nil, err
	}
	second, err := SliceRows(t, half, t.Shape[0])
	if err != nil {
		return nil, nil, err
	}
	return first, second, nil
}

// PadRows appends n zero rows along dimension 0.
func PadRows(t *Tensor, n int) (*Tensor, error) {
	if n < 0 {
		return nil, fmt.Errorf("cannot pad with %d rows", n)
	}
	if n == 0 {
		return t.Clone(), nil
	}
	padShape := append([]int{n}, t.Shape[1:]...)
	pad, err := Zeros(padShape, t.DType)
	if err != nil {
		return nil, err
	}
	return ConcatRows(t, pad)
}

// ConcatChannels concatenates tensors along dimension 1. Used to attach
// the alpha channel to a masked texture before discrimination.
func ConcatChannels(tensors ...*Tensor) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("ConcatChannels requires at least one tensor")
	}
	first := tensors[0]
	if len(first.Shape) < 2 {
		return nil, fmt.Errorf("ConcatChannels requires at least 2 dimensions, got shape %v", first.Shape)
	}
	channels := first.Shape[1]
	inner := 1
	for i := 2; i < len(first.Shape); i++ {
		inner *= first.Shape[i]
	}
	for _, t := range tensors[1:] {
		if t.DType != first.DType {
			return nil, fmt.Errorf("dtype mismatch: %s vs %s", first.DType, t.DType)
		}
		if t.Shape[0] != first.Shape[0] || !SameShape(first.Shape[2:], t.Shape[2:]) {
			return nil, fmt.Errorf("incompatible shapes for channel concat: %v vs %v", first.Shape, t.Shape)
		}
		channels += t.Shape[1]
	}

	outShape := append([]int{first.Shape[0], channels}, first.Shape[2:]...)
	out, err := Zeros(outShape, first.DType)
	if err != nil {
		return nil, err
	}

	if first.DType != Float32 {
		return nil, fmt.Errorf("ConcatChannels requires Float32 tensors, got %s", first.DType)
	}
	dst := out.Data.([]float32)
	for b := 0; b < first.Shape[0]; b++ {
		chOffset := 0
		for _, t := range tensors {
			src := t.Data.([]float32)
			tCh := t.Shape[1]
			copy(dst[(b*channels+chOffset)*inner:(b*channels+chOffset+tCh)*inner],
				src[b*tCh*inner:(b+1)*tCh*inner])
			chOffset += tCh
		}
	}
	return out, nil
}
