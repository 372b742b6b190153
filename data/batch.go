package data

import (
	"github.com/tsawler/meshgan/tensor"
)

// Well-known batch keys. Not every dataset provides every key; the
// conditioning resolver and step engine only read the keys the active
// configuration requires.
const (
	KeyTexture      = "texture"
	KeyTextureAlpha = "texture_alpha"
	KeyMesh         = "mesh"
	KeyTranslation  = "translation"
	KeyScale        = "scale"
	KeyRotation     = "rotation"
	KeyClass        = "class"
	KeyCaption      = "caption"
	KeyCaptionLen   = "caption_len"
	KeySeg          = "seg"
	KeySegInvRend   = "seg_inv_rend"
	KeyIdx          = "idx"
	KeyImage        = "image"
)

// Batch is a mapping of named tensors produced by the data loader and
// consumed read-only by the conditioning resolver and the step engine.
type Batch map[string]*tensor.Tensor

// Has reports whether the batch carries the given key.
func (b Batch) Has(key string) bool {
	_, ok := b[key]
	return ok
}

// Size returns the batch size, taken from any entry's leading dimension.
func (b Batch) Size() int {
	for _, t := range b {
		return t.Shape[0]
	}
	return 0
}
