package tensor

import (
	"fmt"
)

// Mul performs element-wise multiplication. The second operand may have
// size 1 along dimension 1 (e.g. an alpha mask of shape [B,1,H,W]
// against a texture of shape [B,C,H,W]); it is then broadcast across
// that dimension.
func Mul(t1, t2 *Tensor) (*Tensor, error) {
	if t1.DType != Float32 || t2.DType != Float32 {
		return nil, fmt.Errorf("Mul requires Float32 tensors, got %s and %s", t1.DType, t2.DType)
	}

	if SameShape(t1.Shape, t2.Shape) {
		out := t1.Clone()
		d1 := out.Data.([]float32)
		d2 := t2.Data.([]float32)
		for i := range d1 {
			d1[i] *= d2[i]
		}
		return out, nil
	}

	// Broadcast over dimension 1.
	if len(t1.Shape) == len(t2.Shape) && len(t1.Shape) >= 2 && t2.Shape[1] == 1 {
		compatible := t1.Shape[0] == t2.Shape[0]
		inner := 1
		for i := 2; i < len(t1.Shape); i++ {
			compatible = compatible && t1.Shape[i] == t2.Shape[i]
			inner *= t1.Shape[i]
		}
		if compatible {
			out := t1.Clone()
			d1 := out.Data.([]float32)
			d2 := t2.Data.([]float32)
			channels := t1.Shape[1]
			for b := 0; b < t1.Shape[0]; b++ {
				for c := 0; c < channels; c++ {
					base1 := (b*channels + c) * inner
					base2 := b * inner
					for i := 0; i < inner; i++ {
						d1[base1+i] *= d2[base2+i]
					}
				}
			}
			return out, nil
		}
	}

	return nil, fmt.Errorf("shapes %v and %v are not broadcastable", t1.Shape, t2.Shape)
}
