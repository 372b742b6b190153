package modeltest

import (
	"fmt"

	"github.com/tsawler/meshgan/data"
	"github.com/tsawler/meshgan/tensor"
)

// Dataset is an in-memory data.Dataset emitting deterministic samples
// of the configured shapes. Every optional key (mesh, pose, class,
// caption, semantics) is present so any conditioning mode can run
// against it.
type Dataset struct {
	N                 int
	TextureResolution int
	MeshResolution    int
	NumClasses        int
	NumParts          int
	CaptionLength     int
	Weights           []float64
}

// NewDataset builds a fake dataset with reasonable defaults for tests.
func NewDataset(n int) *Dataset {
	return &Dataset{
		N:                 n,
		TextureResolution: 8,
		MeshResolution:    4,
		NumClasses:        3,
		NumParts:          2,
		CaptionLength:     6,
	}
}

func (d *Dataset) Len() int { return d.N }

func (d *Dataset) Get(idx int) (data.Batch, error) {
	if idx < 0 || idx >= d.N {
		return nil, fmt.Errorf("index %d out of range [0, %d)", idx, d.N)
	}
	res, mres := d.TextureResolution, d.MeshResolution
	fill := 0.1 + 0.8*float32(idx)/float32(d.N)

	batch := data.Batch{}
	var err error
	if batch[data.KeyTexture], err = tensor.Full([]int{1, 3, res, res}, fill); err != nil {
		return nil, err
	}
	if batch[data.KeyTextureAlpha], err = tensor.Full([]int{1, 1, res, res}, 1); err != nil {
		return nil, err
	}
	if batch[data.KeyMesh], err = tensor.Full([]int{1, 3, mres, mres}, fill); err != nil {
		return nil, err
	}
	if batch[data.KeyRotation], err = tensor.Full([]int{1, 4}, 0.5); err != nil {
		return nil, err
	}
	if batch[data.KeyScale], err = tensor.Full([]int{1, 1}, 1); err != nil {
		return nil, err
	}
	if batch[data.KeyTranslation], err = tensor.Zeros([]int{1, 3}, tensor.Float32); err != nil {
		return nil, err
	}
	if batch[data.KeyClass], err = tensor.NewTensor([]int{1, 1}, tensor.Int32, []int32{int32(idx % d.NumClasses)}); err != nil {
		return nil, err
	}

	tokens := make([]int32, d.CaptionLength)
	length := 1 + idx%d.CaptionLength
	for i := 0; i < length; i++ {
		tokens[i] = int32(1 + (idx+i)%50)
	}
	if batch[data.KeyCaption], err = tensor.NewTensor([]int{1, d.CaptionLength}, tensor.Int32, tokens); err != nil {
		return nil, err
	}
	if batch[data.KeyCaptionLen], err = tensor.NewTensor([]int{1, 1}, tensor.Int32, []int32{int32(length)}); err != nil {
		return nil, err
	}

	if batch[data.KeySeg], err = tensor.Full([]int{1, d.NumParts, res, res}, 1/float32(d.NumParts)); err != nil {
		return nil, err
	}
	if batch[data.KeySegInvRend], err = tensor.Full([]int{1, d.NumParts, res, res}, 1/float32(d.NumParts)); err != nil {
		return nil, err
	}
	return batch, nil
}

func (d *Dataset) SuggestMeshTemplate() string     { return "templates/sphere.obj" }
func (d *Dataset) SuggestNumDiscriminators() int   { return 2 }
func (d *Dataset) SuggestTruncationSigma() float64 { return 1.0 }

func (d *Dataset) Classes() []int32 {
	classes := make([]int32, d.N)
	for i := range classes {
		classes[i] = int32(i % d.NumClasses)
	}
	return classes
}

func (d *Dataset) ImageWeights() []float64 { return d.Weights }
