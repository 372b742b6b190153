// Package gan implements the adversarial training machinery: batch
// conditioning, the generator/discriminator step engine, the GAN loss
// variants, the mesh flatness regularizer and the running-average
// weight tracker.
package gan

import (
	"fmt"

	"github.com/tsawler/meshgan/config"
	"github.com/tsawler/meshgan/data"
	"github.com/tsawler/meshgan/model"
	"github.com/tsawler/meshgan/tensor"
)

// Conditioning carries the per-batch conditioning signals resolved
// from the run configuration. At most one of Class and Caption is
// non-nil; Seg is orthogonal and set when the run conditions on or
// predicts semantics.
type Conditioning struct {
	Class   *tensor.Tensor
	Caption *model.Caption
	Seg     *tensor.Tensor
}

// Resolver extracts the active conditioning signal from a data batch.
// The variant is fixed at construction from the validated run
// configuration and never re-examined per iteration.
type Resolver struct {
	conditionalClass     bool
	conditionalText      bool
	conditionalSemantics bool
	predictSemantics     bool
}

// NewResolver builds a resolver from a validated configuration.
func NewResolver(cfg *config.Config) (*Resolver, error) {
	if cfg.ConditionalSemantics && cfg.PredictSemantics {
		return nil, fmt.Errorf("conditional_semantics and predict_semantics are mutually exclusive")
	}
	return &Resolver{
		conditionalClass:     cfg.ConditionalClass,
		conditionalText:      cfg.ConditionalText,
		conditionalSemantics: cfg.ConditionalSemantics,
		predictSemantics:     cfg.PredictSemantics,
	}, nil
}

// Resolve extracts the conditioning tensors for one batch. Class takes
// priority over caption; the semantic mask comes from ground-truth
// parts or from the inverse-rendering estimate depending on the
// configured semantics mode.
func (r *Resolver) Resolve(batch data.Batch) (*Conditioning, error) {
	cond := &Conditioning{}

	switch {
	case r.conditionalClass:
		class, ok := batch[data.KeyClass]
		if !ok {
			return nil, fmt.Errorf("class conditioning requested but batch has no %q", data.KeyClass)
		}
		cond.Class = class
	case r.conditionalText:
		tokens, ok := batch[data.KeyCaption]
		if !ok {
			return nil, fmt.Errorf("text conditioning requested but batch has no %q", data.KeyCaption)
		}
		lengths, ok := batch[data.KeyCaptionLen]
		if !ok {
			return nil, fmt.Errorf("text conditioning requested but batch has no %q", data.KeyCaptionLen)
		}
		cond.Caption = &model.Caption{Tokens: tokens, Lengths: lengths}
	}

	switch {
	case r.conditionalSemantics:
		seg, ok := batch[data.KeySeg]
		if !ok {
			return nil, fmt.Errorf("semantic conditioning requested but batch has no %q", data.KeySeg)
		}
		cond.Seg = seg
	case r.predictSemantics:
		seg, ok := batch[data.KeySegInvRend]
		if !ok {
			return nil, fmt.Errorf("semantics prediction requested but batch has no %q", data.KeySegInvRend)
		}
		cond.Seg = seg
	}

	return cond, nil
}

// PadToMultiple pads the conditioning signals and the noise tensor with
// zero rows up to the next multiple of the replica count, so that a
// batch can be split evenly across replicas. Returns the padded
// signals and the original batch size; callers truncate outputs back
// with TruncateRows.
func PadToMultiple(cond *Conditioning, noise *tensor.Tensor, replicas int) (*Conditioning, *tensor.Tensor, int, error) {
	original := noise.Shape[0]
	if replicas <= 1 || original%replicas == 0 {
		return cond, noise, original, nil
	}
	padding := replicas - original%replicas

	paddedNoise, err := tensor.PadRows(noise, padding)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("failed to pad noise: %v", err)
	}

	padded := &Conditioning{}
	if cond != nil {
		if cond.Class != nil {
			if padded.Class, err = tensor.PadRows(cond.Class, padding); err != nil {
				return nil, nil, 0, fmt.Errorf("failed to pad class labels: %v", err)
			}
		}
		if cond.Caption != nil {
			tokens, err := tensor.PadRows(cond.Caption.Tokens, padding)
			if err != nil {
				return nil, nil, 0, fmt.Errorf("failed to pad caption tokens: %v", err)
			}
			lengths, err := tensor.PadRows(cond.Caption.Lengths, padding)
			if err != nil {
				return nil, nil, 0, fmt.Errorf("failed to pad caption lengths: %v", err)
			}
			padded.Caption = &model.Caption{Tokens: tokens, Lengths: lengths}
		}
		if cond.Seg != nil {
			if padded.Seg, err = tensor.PadRows(cond.Seg, padding); err != nil {
				return nil, nil, 0, fmt.Errorf("failed to pad semantic masks: %v", err)
			}
		}
	}

	return padded, paddedNoise, original, nil
}

// TruncateRows restores a padded output to its original batch size.
// Passing a nil tensor returns nil, so optional outputs can be
// truncated unconditionally.
func TruncateRows(t *tensor.Tensor, n int) (*tensor.Tensor, error) {
	if t == nil {
		return nil, nil
	}
	if t.Shape[0] == n {
		return t, nil
	}
	return tensor.SliceRows(t, 0, n)
}
