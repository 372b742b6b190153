package gan

import (
	"fmt"

	"github.com/tsawler/meshgan/tensor"
)

// FlatnessLoss penalizes sharp creases between adjacent faces of a
// predicted mesh. normals has shape [B, F, 3]; adjacency lists pairs of
// adjacent face indices. The loss is the mean over all samples and
// pairs of (1 - cos angle)^2, zero for a perfectly flat junction.
func FlatnessLoss(adjacency [][2]int, normals *tensor.Tensor) (float64, error) {
	if len(normals.Shape) != 3 || normals.Shape[2] != 3 {
		return 0, fmt.Errorf("normals must have shape [B, F, 3], got %v", normals.Shape)
	}
	if len(adjacency) == 0 {
		return 0, fmt.Errorf("empty face adjacency")
	}

	data, err := normals.Float32s()
	if err != nil {
		return 0, err
	}

	batch := normals.Shape[0]
	faces := normals.Shape[1]
	for _, pair := range adjacency {
		if pair[0] < 0 || pair[0] >= faces || pair[1] < 0 || pair[1] >= faces {
			return 0, fmt.Errorf("adjacency pair %v out of range for %d faces", pair, faces)
		}
	}

	var sum float64
	for b := 0; b < batch; b++ {
		base := b * faces * 3
		for _, pair := range adjacency {
			i := base + pair[0]*3
			j := base + pair[1]*3
			cos := float64(data[i]*data[j] + data[i+1]*data[j+1] + data[i+2]*data[j+2])
			d := 1 - cos
			sum += d * d
		}
	}
	return sum / float64(batch*len(adjacency)), nil
}
