// Package fid evaluates generator quality: truncated-noise sampling,
// embedding statistics, the Fréchet inception distance, the periodic
// evaluator and the sample exporter.
package fid

import (
	"fmt"
	"math"

	"github.com/tsawler/meshgan/tensor"
)

// TruncatedNormal draws standard normal samples where every coordinate
// satisfies |x| <= sigma. Out-of-bound coordinates are redrawn
// individually until they fall inside the bound, so in-bound draws are
// never discarded. A non-positive sigma disables truncation.
func TruncatedNormal(shape []int, sigma float64) (*tensor.Tensor, error) {
	t, err := tensor.Randn(shape)
	if err != nil {
		return nil, err
	}
	if sigma <= 0 {
		return t, nil
	}

	data, err := t.Float32s()
	if err != nil {
		return nil, err
	}
	rng := tensor.Rng()
	bound := float32(sigma)
	for i := range data {
		for data[i] > bound || data[i] < -bound {
			data[i] = float32(rng.NormFloat64())
		}
	}
	return t, nil
}

// TruncationBound reports whether every element of the tensor lies
// within [-sigma, sigma]. Used by sanity checks before expensive
// evaluation runs.
func TruncationBound(t *tensor.Tensor, sigma float64) (bool, error) {
	data, err := t.Float32s()
	if err != nil {
		return false, err
	}
	for _, v := range data {
		if math.Abs(float64(v)) > sigma {
			return false, nil
		}
	}
	return true, nil
}

// visualizationOrder maps gathered sample positions back to the order
// in which the indices were requested. gathered holds the requested
// indices in the order they were encountered; the result r satisfies
// gathered[r[i]] == requested[i].
func visualizationOrder(requested, gathered []int32) ([]int, error) {
	if len(requested) != len(gathered) {
		return nil, fmt.Errorf("gathered %d visualization samples, expected %d", len(gathered), len(requested))
	}
	pos := make(map[int32]int, len(gathered))
	for i, idx := range gathered {
		pos[idx] = i
	}
	order := make([]int, len(requested))
	for i, idx := range requested {
		p, ok := pos[idx]
		if !ok {
			return nil, fmt.Errorf("visualization index %d was never gathered", idx)
		}
		order[i] = p
	}
	return order, nil
}
