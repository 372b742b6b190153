package fid

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/tsawler/meshgan/config"
	"github.com/tsawler/meshgan/data"
	"github.com/tsawler/meshgan/gan"
	"github.com/tsawler/meshgan/model"
	"github.com/tsawler/meshgan/tensor"
)

// FIDResolution is the render resolution for FID evaluation, matching
// the input size of the Inception embedder.
const FIDResolution = 299

// ExportResolution is the render resolution for sample export.
const ExportResolution = 1024

// VisualizationCount is the fallback number of samples visualized when
// no explicit indices are given.
const VisualizationCount = 16

// Evaluator renders samples from the running-average generator, embeds
// them and scores the embedding distribution against precomputed real
// statistics.
type Evaluator struct {
	cfg      *config.Config
	engine   *gan.Engine
	resolver *gan.Resolver
	loader   *data.DataLoader
	template model.MeshTemplate
	renderer model.Renderer
	embedder model.Embedder
	real     *Stats
	log      *zap.SugaredLogger

	// numImages is the number of fake samples per estimate, fixed to
	// min(reference sample count, MaxStatImages) at construction. When
	// it exceeds the dataset size, the loader is cycled.
	numImages  int
	datasetLen int
}

// Result is one evaluation outcome. The ablation scores isolate the
// texture and mesh contributions: FIDTexture renders the predicted
// texture on the real mesh, FIDMesh the real texture on the predicted
// mesh. Both are zero in fast mode.
type Result struct {
	FID        float64
	FIDTexture float64
	FIDMesh    float64

	// Visualization holds the rendered samples selected by the
	// visualization indices, in request order. Nil when none were
	// requested.
	Visualization *tensor.Tensor
}

// NewEvaluator builds an evaluator over an evaluation loader (one that
// yields deterministic, index-carrying batches).
func NewEvaluator(cfg *config.Config, engine *gan.Engine, loader *data.DataLoader, datasetLen int, template model.MeshTemplate, renderer model.Renderer, embedder model.Embedder, real *Stats, log *zap.SugaredLogger) (*Evaluator, error) {
	resolver, err := gan.NewResolver(cfg)
	if err != nil {
		return nil, err
	}
	if real == nil {
		return nil, fmt.Errorf("real statistics are required for FID evaluation")
	}
	numImages := real.NumSamples
	if numImages > MaxStatImages {
		numImages = MaxStatImages
	}
	if numImages < 2 {
		return nil, fmt.Errorf("reference statistics over %d samples are too small to evaluate against", real.NumSamples)
	}
	if datasetLen < 1 {
		return nil, fmt.Errorf("evaluation dataset is empty")
	}
	return &Evaluator{
		cfg:       cfg,
		engine:    engine,
		resolver:  resolver,
		loader:    loader,
		template:  template,
		renderer:  renderer,
		embedder:  embedder,
		real:       real,
		log:        log,
		numImages:  numImages,
		datasetLen: datasetLen,
	}, nil
}

// Evaluate computes the FID of the running-average generator.
// visIndices (dataset indices, shape [K, 1]) selects samples for the
// visualization grid; nil falls back to a random dataset subset (or the
// head of the first batch under class filtering). Fast mode skips the
// ablation scores. In evaluate mode the noise source is reseeded for
// run-to-run determinism; during training the training RNG stream is
// left untouched.
func (e *Evaluator) Evaluate(visIndices *tensor.Tensor, fast bool) (*Result, error) {
	if e.cfg.Evaluate {
		tensor.SetRandomSeed(1234)
	}

	requested, err := e.requestedIndices(visIndices)
	if err != nil {
		return nil, err
	}

	var fakeEmb, texEmb, meshEmb []*tensor.Tensor
	var gathered []int32
	var visRows []*tensor.Tensor

	// The reference statistics fix the sample count; small datasets are
	// cycled until enough generated samples have been embedded.
	passes := (e.numImages + e.datasetLen - 1) / e.datasetLen
	iter := data.NewRepeatIterator(e.loader, passes)
	iter.Reset()

	collected := 0
	for iter.HasNext() && (collected < e.numImages || len(gathered) < len(requested)) {
		batch, err := iter.Next()
		if err != nil {
			return nil, fmt.Errorf("failed to load evaluation batch: %v", err)
		}
		if batch == nil {
			break
		}

		collecting := collected < e.numImages
		images, ablTex, ablMesh, err := e.renderBatch(batch, fast || !collecting)
		if err != nil {
			return nil, err
		}

		if collecting {
			emb, err := e.embedder.Embed(images)
			if err != nil {
				return nil, fmt.Errorf("embedding failed: %v", err)
			}
			fakeEmb = append(fakeEmb, emb)
			if ablTex != nil {
				texEmb = append(texEmb, ablTex)
			}
			if ablMesh != nil {
				meshEmb = append(meshEmb, ablMesh)
			}
			collected += batch.Size()
		}

		if len(gathered) < len(requested) {
			rows, idxs, err := gatherVisualization(batch, images, requested, gathered)
			if err != nil {
				return nil, err
			}
			visRows = append(visRows, rows...)
			gathered = append(gathered, idxs...)
		}
	}

	result := &Result{}
	if result.FID, err = e.score(fakeEmb); err != nil {
		return nil, err
	}
	if !fast && len(texEmb) > 0 {
		if result.FIDTexture, err = e.score(texEmb); err != nil {
			return nil, err
		}
	}
	if !fast && len(meshEmb) > 0 {
		if result.FIDMesh, err = e.score(meshEmb); err != nil {
			return nil, err
		}
	}

	if len(requested) > 0 {
		order, err := visualizationOrder(requested, gathered)
		if err != nil {
			return nil, err
		}
		ordered := make([]*tensor.Tensor, len(order))
		for i, p := range order {
			ordered[i] = visRows[p]
		}
		if result.Visualization, err = tensor.ConcatRows(ordered...); err != nil {
			return nil, fmt.Errorf("failed to assemble visualization: %v", err)
		}
	}

	return result, nil
}

// requestedIndices normalizes the visualization selection. With no
// explicit indices a random dataset subset is visualized; under class
// filtering the head of the first batch is used instead, since random
// dataset indices would mostly fall outside the filter.
func (e *Evaluator) requestedIndices(visIndices *tensor.Tensor) ([]int32, error) {
	if visIndices != nil {
		idxs, err := visIndices.Int32s()
		if err != nil {
			return nil, fmt.Errorf("visualization indices: %v", err)
		}
		return append([]int32(nil), idxs...), nil
	}

	if e.cfg.FilterClass != "" {
		return e.firstBatchIndices()
	}

	n := VisualizationCount
	if n > e.datasetLen {
		n = e.datasetLen
	}
	perm := tensor.Rng().Perm(e.datasetLen)
	idxs := make([]int32, n)
	for i := range idxs {
		idxs[i] = int32(perm[i])
	}
	return idxs, nil
}

func (e *Evaluator) firstBatchIndices() ([]int32, error) {
	e.loader.Reset()
	if !e.loader.HasNext() {
		return nil, nil
	}
	batch, err := e.loader.Next()
	if err != nil {
		return nil, fmt.Errorf("failed to load evaluation batch: %v", err)
	}
	idx, ok := batch[data.KeyIdx]
	if !ok {
		return nil, nil
	}
	idxs, err := idx.Int32s()
	if err != nil {
		return nil, err
	}
	n := len(idxs)
	if n > VisualizationCount {
		n = VisualizationCount
	}
	return append([]int32(nil), idxs[:n]...), nil
}

// renderBatch runs inference on one batch and renders the predictions.
// Outside fast mode it additionally renders the two ablations when the
// batch carries ground truth for them.
func (e *Evaluator) renderBatch(batch data.Batch, fast bool) (images, ablTex, ablMesh *tensor.Tensor, err error) {
	cond, err := e.resolver.Resolve(batch)
	if err != nil {
		return nil, nil, nil, err
	}

	noise, err := TruncatedNormal([]int{batch.Size(), e.cfg.LatentDim}, e.cfg.TruncationSigma)
	if err != nil {
		return nil, nil, nil, err
	}

	out, err := e.engine.Inference(cond, noise)
	if err != nil {
		return nil, nil, nil, err
	}

	vtxPred, err := e.cameraVertices(out.MeshMap, batch)
	if err != nil {
		return nil, nil, nil, err
	}
	if images, _, err = e.template.Render(e.renderer, vtxPred, out.Texture); err != nil {
		return nil, nil, nil, fmt.Errorf("rendering failed: %v", err)
	}

	if fast {
		return images, nil, nil, nil
	}

	if mesh, ok := batch[data.KeyMesh]; ok {
		vtxReal, err := e.cameraVertices(mesh, batch)
		if err != nil {
			return nil, nil, nil, err
		}
		img, _, err := e.template.Render(e.renderer, vtxReal, out.Texture)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("texture ablation rendering failed: %v", err)
		}
		if ablTex, err = e.embedder.Embed(img); err != nil {
			return nil, nil, nil, fmt.Errorf("texture ablation embedding failed: %v", err)
		}
	}
	if tex, ok := batch[data.KeyTexture]; ok && vtxPred != nil {
		img, _, err := e.template.Render(e.renderer, vtxPred, tex)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("mesh ablation rendering failed: %v", err)
		}
		if ablMesh, err = e.embedder.Embed(img); err != nil {
			return nil, nil, nil, fmt.Errorf("mesh ablation embedding failed: %v", err)
		}
	}

	return images, ablTex, ablMesh, nil
}

// cameraVertices decodes a mesh map and moves the vertices into camera
// space using the batch's pose annotations when present.
func (e *Evaluator) cameraVertices(meshMap *tensor.Tensor, batch data.Batch) (*tensor.Tensor, error) {
	vtx, err := e.template.VertexPositions(meshMap)
	if err != nil {
		return nil, fmt.Errorf("failed to decode mesh map: %v", err)
	}
	rotation, hasRot := batch[data.KeyRotation]
	scale, hasScale := batch[data.KeyScale]
	translation, hasTrans := batch[data.KeyTranslation]
	if !hasRot || !hasScale || !hasTrans {
		return vtx, nil
	}
	if vtx, err = e.template.TransformToCamera(vtx, rotation, scale, translation); err != nil {
		return nil, fmt.Errorf("camera transform failed: %v", err)
	}
	return vtx, nil
}

func (e *Evaluator) score(emb []*tensor.Tensor) (float64, error) {
	all, err := tensor.ConcatRows(emb...)
	if err != nil {
		return 0, fmt.Errorf("failed to collect embeddings: %v", err)
	}
	// The last batch may overshoot the target count; a random subsample
	// truncates to exactly the reference sample count.
	if all.Shape[0] > e.numImages {
		if all, err = sampleRows(all, e.numImages); err != nil {
			return 0, err
		}
	}
	stats, err := ComputeStats(all)
	if err != nil {
		return 0, err
	}
	return FrechetDistance(e.real, stats)
}

// sampleRows draws n distinct rows uniformly at random.
func sampleRows(t *tensor.Tensor, n int) (*tensor.Tensor, error) {
	if n > t.Shape[0] {
		return nil, fmt.Errorf("cannot sample %d of %d rows", n, t.Shape[0])
	}
	perm := tensor.Rng().Perm(t.Shape[0])
	rows := make([]*tensor.Tensor, n)
	for i := 0; i < n; i++ {
		row, err := tensor.SliceRows(t, perm[i], perm[i]+1)
		if err != nil {
			return nil, err
		}
		rows[i] = row
	}
	return tensor.ConcatRows(rows...)
}

// gatherVisualization pulls the rendered rows whose dataset index is in
// the requested set and not yet gathered.
func gatherVisualization(batch data.Batch, images *tensor.Tensor, requested, gathered []int32) ([]*tensor.Tensor, []int32, error) {
	idxTensor, ok := batch[data.KeyIdx]
	if !ok {
		return nil, nil, nil
	}
	idxs, err := idxTensor.Int32s()
	if err != nil {
		return nil, nil, err
	}

	want := make(map[int32]bool, len(requested))
	for _, idx := range requested {
		want[idx] = true
	}
	for _, idx := range gathered {
		delete(want, idx)
	}

	var rows []*tensor.Tensor
	var found []int32
	for row, idx := range idxs {
		if !want[idx] {
			continue
		}
		r, err := tensor.SliceRows(images, row, row+1)
		if err != nil {
			return nil, nil, err
		}
		rows = append(rows, r)
		found = append(found, idx)
		delete(want, idx)
	}
	return rows, found, nil
}
