// Package modeltest provides small in-memory implementations of the
// model interfaces for tests and local smoke runs. The fakes produce
// deterministic, correctly-shaped outputs without any real network,
// renderer or embedder behind them.
package modeltest

import (
	"fmt"
	"math"
	"os"

	"github.com/tsawler/meshgan/model"
	"github.com/tsawler/meshgan/tensor"
)

// baseModule carries the shared Module mechanics of all fakes: a fixed
// parameter list, train/eval mode and a Backward that writes a constant
// gradient into every trainable parameter.
type baseModule struct {
	params        []model.Parameter
	training      bool
	gradValue     float32
	backwardCalls int
	lastLoss      float64
}

func newBaseModule(prefix string, gradValue float32) (*baseModule, error) {
	weight, err := tensor.Full([]int{4, 4}, 0.5)
	if err != nil {
		return nil, err
	}
	bias, err := tensor.Zeros([]int{4}, tensor.Float32)
	if err != nil {
		return nil, err
	}
	steps, err := tensor.Zeros([]int{1}, tensor.Int32)
	if err != nil {
		return nil, err
	}
	return &baseModule{
		params: []model.Parameter{
			{Name: prefix + ".weight", Kind: model.TrainableFloat, Tensor: weight},
			{Name: prefix + ".bias", Kind: model.TrainableFloat, Tensor: bias},
			{Name: prefix + ".steps", Kind: model.Buffer, Tensor: steps},
		},
		training:  true,
		gradValue: gradValue,
	}, nil
}

func (m *baseModule) StateDict() []model.Parameter { return m.params }

func (m *baseModule) LoadStateDict(params []model.Parameter) error {
	if len(params) != len(m.params) {
		return fmt.Errorf("parameter count mismatch: %d vs %d", len(params), len(m.params))
	}
	for i, p := range params {
		if p.Name != m.params[i].Name {
			return fmt.Errorf("parameter %d name mismatch: %q vs %q", i, p.Name, m.params[i].Name)
		}
		if err := m.params[i].Tensor.SetData(p.Tensor.Data); err != nil {
			return fmt.Errorf("parameter %q: %v", p.Name, err)
		}
	}
	return nil
}

func (m *baseModule) Parameters() []*tensor.Tensor {
	var out []*tensor.Tensor
	for _, p := range m.params {
		if p.Kind == model.TrainableFloat {
			out = append(out, p.Tensor)
		}
	}
	return out
}

func (m *baseModule) Backward(loss float64) error {
	m.backwardCalls++
	m.lastLoss = loss
	for _, p := range m.params {
		if p.Kind != model.TrainableFloat {
			continue
		}
		grad, err := tensor.Full(p.Tensor.Shape, m.gradValue)
		if err != nil {
			return err
		}
		if err := p.Tensor.SetGrad(grad); err != nil {
			return err
		}
	}
	return nil
}

func (m *baseModule) Train()           { m.training = true }
func (m *baseModule) Eval()            { m.training = false }
func (m *baseModule) IsTraining() bool { return m.training }

// BackwardCalls returns how many times Backward has run.
func (m *baseModule) BackwardCalls() int { return m.backwardCalls }

// LastBackwardLoss returns the loss value passed to the most recent
// Backward call.
func (m *baseModule) LastBackwardLoss() float64 { return m.lastLoss }

// Generator is a fake model.Generator producing constant-valued
// outputs of the configured shapes.
type Generator struct {
	*baseModule
	TextureResolution int
	MeshResolution    int
	PredictSemantics  bool
	NumParts          int

	// TextureValue fills the generated texture, so tests can tell
	// generators apart.
	TextureValue float32

	GenerateCalls int
}

// NewGenerator builds a fake generator.
func NewGenerator(textureResolution, meshResolution int, predictSemantics bool, numParts int) (*Generator, error) {
	base, err := newBaseModule("generator", 0.01)
	if err != nil {
		return nil, err
	}
	return &Generator{
		baseModule:        base,
		TextureResolution: textureResolution,
		MeshResolution:    meshResolution,
		PredictSemantics:  predictSemantics,
		NumParts:          numParts,
		TextureValue:      0.5,
	}, nil
}

func (g *Generator) Generate(noise, class *tensor.Tensor, caption *model.EncodedCaption, seg *tensor.Tensor, returnAttention bool) (*model.GeneratorOutput, error) {
	g.GenerateCalls++
	b := noise.Shape[0]

	texture, err := tensor.Full([]int{b, 3, g.TextureResolution, g.TextureResolution}, g.TextureValue)
	if err != nil {
		return nil, err
	}
	meshMap, err := tensor.Full([]int{b, 3, g.MeshResolution, g.MeshResolution}, 0.1)
	if err != nil {
		return nil, err
	}
	out := &model.GeneratorOutput{Texture: texture, MeshMap: meshMap}

	if g.PredictSemantics {
		if out.Seg, err = tensor.Full([]int{b, g.NumParts, g.TextureResolution, g.TextureResolution}, 1/float32(g.NumParts)); err != nil {
			return nil, err
		}
	}
	if returnAttention {
		if out.Attention, err = tensor.Full([]int{b, 1, g.TextureResolution, g.TextureResolution}, 1); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Discriminator is a fake model.Discriminator returning a constant
// score per head.
type Discriminator struct {
	*baseModule
	Heads      int
	ScoreValue float32

	// LastBatch records the row count of the last scored input, so
	// tests can verify the fake/real concatenation.
	LastBatch int
}

// NewDiscriminator builds a fake discriminator with the given number of
// heads.
func NewDiscriminator(heads int) (*Discriminator, error) {
	base, err := newBaseModule("discriminator", 0.02)
	if err != nil {
		return nil, err
	}
	return &Discriminator{baseModule: base, Heads: heads, ScoreValue: 0.5}, nil
}

func (d *Discriminator) Discriminate(x, xMesh, class *tensor.Tensor, caption *model.EncodedCaption, seg, xSeg *tensor.Tensor) (scores, masks []*tensor.Tensor, err error) {
	b := x.Shape[0]
	d.LastBatch = b
	scores = make([]*tensor.Tensor, d.Heads)
	masks = make([]*tensor.Tensor, d.Heads)
	for i := range scores {
		if scores[i], err = tensor.Full([]int{b, 1}, d.ScoreValue); err != nil {
			return nil, nil, err
		}
	}
	return scores, masks, nil
}

// TextEncoder is a fake model.TextEncoder emitting zero embeddings of
// the configured dimension.
type TextEncoder struct {
	*baseModule
	EmbeddingDim int
}

// NewTextEncoder builds a fake text encoder.
func NewTextEncoder(embeddingDim int) (*TextEncoder, error) {
	base, err := newBaseModule("text_encoder", 0.005)
	if err != nil {
		return nil, err
	}
	return &TextEncoder{baseModule: base, EmbeddingDim: embeddingDim}, nil
}

func (t *TextEncoder) Encode(tokens, lengths *tensor.Tensor) (wordsEmb, sentEmb *tensor.Tensor, err error) {
	b, l := tokens.Shape[0], tokens.Shape[1]
	if wordsEmb, err = tensor.Zeros([]int{b, l, t.EmbeddingDim}, tensor.Float32); err != nil {
		return nil, nil, err
	}
	if sentEmb, err = tensor.Zeros([]int{b, t.EmbeddingDim}, tensor.Float32); err != nil {
		return nil, nil, err
	}
	return wordsEmb, sentEmb, nil
}

// Renderer is a fake model.Renderer producing a mid-gray image with a
// full alpha mask at the configured resolution.
type Renderer struct {
	Resolution int
}

func (r *Renderer) Render(vtx, tex *tensor.Tensor) (image, alpha *tensor.Tensor, err error) {
	b := vtx.Shape[0]
	if image, err = tensor.Full([]int{b, 3, r.Resolution, r.Resolution}, 0.5); err != nil {
		return nil, nil, err
	}
	if alpha, err = tensor.Full([]int{b, 1, r.Resolution, r.Resolution}, 1); err != nil {
		return nil, nil, err
	}
	return image, alpha, nil
}

// Embedder is a fake model.Embedder producing deterministic,
// non-degenerate embeddings so covariance estimates stay full rank.
type Embedder struct {
	Dim     int
	counter int
}

func (e *Embedder) Embed(images *tensor.Tensor) (*tensor.Tensor, error) {
	b := images.Shape[0]
	data := make([]float32, b*e.Dim)
	for i := 0; i < b; i++ {
		row := e.counter
		e.counter++
		for j := 0; j < e.Dim; j++ {
			data[i*e.Dim+j] = float32(math.Sin(float64(row*31+j*7) * 0.1))
		}
	}
	return tensor.NewTensor([]int{b, e.Dim}, tensor.Float32, data)
}

// MeshTemplate is a fake model.MeshTemplate over a fixed tiny topology:
// four vertices, two adjacent faces.
type MeshTemplate struct{}

func (m *MeshTemplate) VertexPositions(meshMap *tensor.Tensor) (*tensor.Tensor, error) {
	b := meshMap.Shape[0]
	return tensor.Full([]int{b, 4, 3}, 0.25)
}

func (m *MeshTemplate) TransformToCamera(vtx, rotation, scale, translation *tensor.Tensor) (*tensor.Tensor, error) {
	return vtx.Clone(), nil
}

func (m *MeshTemplate) ComputeNormals(vtx *tensor.Tensor) (*tensor.Tensor, error) {
	b := vtx.Shape[0]
	normals, err := tensor.Zeros([]int{b, 2, 3}, tensor.Float32)
	if err != nil {
		return nil, err
	}
	data, _ := normals.Float32s()
	for i := 0; i < b*2; i++ {
		data[i*3+2] = 1
	}
	return normals, nil
}

func (m *MeshTemplate) FaceAdjacency() [][2]int {
	return [][2]int{{0, 1}}
}

func (m *MeshTemplate) Render(r model.Renderer, vtx, tex *tensor.Tensor) (image, alpha *tensor.Tensor, err error) {
	return r.Render(vtx, tex)
}

func (m *MeshTemplate) ExportOBJ(path string, vtx, tex *tensor.Tensor) error {
	data, err := vtx.Float32s()
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	for i := 0; i+2 < len(data); i += 3 {
		if _, err := fmt.Fprintf(f, "v %f %f %f\n", data[i], data[i+1], data[i+2]); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintln(f, "f 1 2 3\nf 2 3 4")
	return err
}
