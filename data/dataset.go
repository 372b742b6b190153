package data

import (
	"fmt"

	"github.com/tsawler/meshgan/tensor"
)

// Dataset is the collaborator interface the training core consumes.
// Get returns a single sample as a one-row Batch. The Suggest methods
// expose configuration-time hints inferred from the dataset contents.
type Dataset interface {
	Len() int
	Get(idx int) (Batch, error)

	// SuggestMeshTemplate returns the path of the .obj mesh template
	// matching this dataset.
	SuggestMeshTemplate() string
	// SuggestNumDiscriminators returns the recommended discriminator
	// head count for this dataset's texture resolution.
	SuggestNumDiscriminators() int
	// SuggestTruncationSigma returns the recommended latent truncation
	// bound for evaluation.
	SuggestTruncationSigma() float64

	// Classes returns the per-sample class indices, used for class
	// filtering and sample export.
	Classes() []int32
	// ImageWeights returns per-sample sampling weights, used to balance
	// merged datasets. May return nil when no balancing applies.
	ImageWeights() []float64
}

// CaptionSource is implemented by datasets that carry captions.
type CaptionSource interface {
	// RandomCaption returns one of sample i's captions as padded token
	// ids plus its true length.
	RandomCaption(idx int) (tokens []int32, length int32, err error)
}

// EvalDataset wraps a dataset so that every sample additionally carries
// its own index under KeyIdx, which the FID evaluator uses to assemble
// visualization subsets.
type EvalDataset struct {
	ds Dataset
}

// NewEvalDataset creates an evaluation view over ds.
func NewEvalDataset(ds Dataset) *EvalDataset {
	return &EvalDataset{ds: ds}
}

func (e *EvalDataset) Len() int { return e.ds.Len() }

func (e *EvalDataset) Get(idx int) (Batch, error) {
	batch, err := e.ds.Get(idx)
	if err != nil {
		return nil, err
	}
	idxTensor, err := tensor.NewTensor([]int{1, 1}, tensor.Int32, []int32{int32(idx)})
	if err != nil {
		return nil, err
	}
	out := make(Batch, len(batch)+1)
	for k, v := range batch {
		out[k] = v
	}
	out[KeyIdx] = idxTensor
	return out, nil
}

func (e *EvalDataset) SuggestMeshTemplate() string    { return e.ds.SuggestMeshTemplate() }
func (e *EvalDataset) SuggestNumDiscriminators() int  { return e.ds.SuggestNumDiscriminators() }
func (e *EvalDataset) SuggestTruncationSigma() float64 { return e.ds.SuggestTruncationSigma() }
func (e *EvalDataset) Classes() []int32               { return e.ds.Classes() }
func (e *EvalDataset) ImageWeights() []float64        { return e.ds.ImageWeights() }

// Subset is a view over a subset of a dataset's indices, used when
// evaluation is filtered to a single conditioning class.
type Subset struct {
	ds      Dataset
	indices []int
}

// NewSubset creates a subset view. Indices must be in range.
func NewSubset(ds Dataset, indices []int) (*Subset, error) {
	for _, idx := range indices {
		if idx < 0 || idx >= ds.Len() {
			return nil, fmt.Errorf("subset index %d out of range [0, %d)", idx, ds.Len())
		}
	}
	return &Subset{ds: ds, indices: indices}, nil
}

func (s *Subset) Len() int { return len(s.indices) }

func (s *Subset) Get(idx int) (Batch, error) {
	if idx < 0 || idx >= len(s.indices) {
		return nil, fmt.Errorf("index %d out of range [0, %d)", idx, len(s.indices))
	}
	return s.ds.Get(s.indices[idx])
}

func (s *Subset) SuggestMeshTemplate() string    { return s.ds.SuggestMeshTemplate() }
func (s *Subset) SuggestNumDiscriminators() int  { return s.ds.SuggestNumDiscriminators() }
func (s *Subset) SuggestTruncationSigma() float64 { return s.ds.SuggestTruncationSigma() }
func (s *Subset) ImageWeights() []float64        { return nil }

func (s *Subset) Classes() []int32 {
	all := s.ds.Classes()
	out := make([]int32, len(s.indices))
	for i, idx := range s.indices {
		out[i] = all[idx]
	}
	return out
}

// FilterByClass returns the indices of all samples belonging to the
// given class.
func FilterByClass(ds Dataset, class int32) []int {
	var indices []int
	for i, c := range ds.Classes() {
		if c == class {
			indices = append(indices, i)
		}
	}
	return indices
}
