package model

import (
	"github.com/tsawler/meshgan/tensor"
)

// Module is the contract every sub-model (generator, discriminator,
// text encoder) fulfills. Forward and backward execution may be
// delegated to an accelerator; from the training core's perspective
// both are opaque, blocking calls.
type Module interface {
	// StateDict returns the module's parameters in a stable order.
	StateDict() []Parameter
	// LoadStateDict restores parameters saved by StateDict.
	LoadStateDict(params []Parameter) error
	// Parameters returns the trainable parameter tensors for the optimizer.
	Parameters() []*tensor.Tensor
	// Backward propagates gradients of the given scalar loss through
	// the most recent forward pass into the parameters.
	Backward(loss float64) error

	Train()
	Eval()
	IsTraining() bool
}

// Caption is a tokenized caption batch: token ids of shape [B, L] and
// per-sample lengths of shape [B].
type Caption struct {
	Tokens  *tensor.Tensor
	Lengths *tensor.Tensor
}

// EncodedCaption is the text-encoder output consumed by the generator
// and discriminator: per-word embeddings plus a padding mask.
type EncodedCaption struct {
	WordsEmb  *tensor.Tensor
	WordsMask *tensor.Tensor
}

// GeneratorOutput bundles the predictions of one generator forward pass.
// Seg is nil unless the model predicts semantics; Attention is only
// populated when requested (inference mode).
type GeneratorOutput struct {
	Texture   *tensor.Tensor
	MeshMap   *tensor.Tensor
	Seg       *tensor.Tensor
	Attention *tensor.Tensor
}

// Generator maps latent noise plus optional conditioning to a texture,
// a mesh displacement map and optionally a segmentation map.
type Generator interface {
	Module
	Generate(noise, class *tensor.Tensor, caption *EncodedCaption, seg *tensor.Tensor, returnAttention bool) (*GeneratorOutput, error)
}

// Discriminator scores a (texture, mesh) pair at one or more scales.
// It returns one score tensor per head plus an optional validity mask
// per head (nil entries mean no mask).
type Discriminator interface {
	Module
	Discriminate(x, xMesh, class *tensor.Tensor, caption *EncodedCaption, seg, xSeg *tensor.Tensor) (scores, masks []*tensor.Tensor, err error)
}

// TextEncoder encodes a tokenized caption into word and sentence
// embeddings.
type TextEncoder interface {
	Module
	Encode(tokens, lengths *tensor.Tensor) (wordsEmb, sentEmb *tensor.Tensor, err error)
}

// Renderer rasterizes vertices and a texture into an image and an
// alpha mask. Differentiability is internal to the implementation.
type Renderer interface {
	Render(vtx, tex *tensor.Tensor) (image, alpha *tensor.Tensor, err error)
}

// Embedder maps a batch of rendered images to embedding vectors of
// shape [B, D] for FID statistics.
type Embedder interface {
	Embed(images *tensor.Tensor) (*tensor.Tensor, error)
}

// MeshTemplate wraps the mesh parameterization and the rendering math:
// mapping mesh displacement maps to vertex positions, camera-space
// transforms, normal computation and OBJ export.
type MeshTemplate interface {
	// VertexPositions decodes a predicted mesh map into vertex positions.
	VertexPositions(meshMap *tensor.Tensor) (*tensor.Tensor, error)
	// TransformToCamera applies per-sample rotation, scale and
	// translation to vertex positions.
	TransformToCamera(vtx, rotation, scale, translation *tensor.Tensor) (*tensor.Tensor, error)
	// ComputeNormals returns per-face normals of shape [B, F, 3].
	ComputeNormals(vtx *tensor.Tensor) (*tensor.Tensor, error)
	// FaceAdjacency lists pairs of adjacent face indices.
	FaceAdjacency() [][2]int
	// Render rasterizes through the given renderer.
	Render(r Renderer, vtx, tex *tensor.Tensor) (image, alpha *tensor.Tensor, err error)
	// ExportOBJ writes a single mesh with its texture to disk.
	ExportOBJ(path string, vtx, tex *tensor.Tensor) error
}
