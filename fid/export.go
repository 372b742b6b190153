package fid

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/tsawler/meshgan/config"
	"github.com/tsawler/meshgan/data"
	"github.com/tsawler/meshgan/gan"
	"github.com/tsawler/meshgan/model"
	"github.com/tsawler/meshgan/tensor"
)

// GridPerRow is the number of samples per row in exported image grids.
const GridPerRow = 8

// SampleExporter draws random samples from the running-average
// generator and writes them to disk: one OBJ mesh per sample plus a
// single PNG grid of high-resolution renders.
type SampleExporter struct {
	cfg      *config.Config
	engine   *gan.Engine
	resolver *gan.Resolver
	template model.MeshTemplate
	renderer model.Renderer
	log      *zap.SugaredLogger
}

// NewSampleExporter builds an exporter.
func NewSampleExporter(cfg *config.Config, engine *gan.Engine, template model.MeshTemplate, renderer model.Renderer, log *zap.SugaredLogger) (*SampleExporter, error) {
	resolver, err := gan.NewResolver(cfg)
	if err != nil {
		return nil, err
	}
	return &SampleExporter{
		cfg:      cfg,
		engine:   engine,
		resolver: resolver,
		template: template,
		renderer: renderer,
		log:      log,
	}, nil
}

// Export samples howMany outputs (the configured batch size when
// how_many is unset), conditioned on randomly drawn dataset entries,
// and writes meshes and a render grid under outDir.
func (e *SampleExporter) Export(ds data.Dataset, outDir string) error {
	tensor.SetRandomSeed(1234)

	howMany := e.cfg.HowMany
	if howMany <= 0 {
		howMany = e.cfg.BatchSize
	}
	if ds.Len() == 0 {
		return fmt.Errorf("cannot export samples from an empty dataset")
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory %s: %v", outDir, err)
	}

	rng := tensor.Rng()
	indices := make([]int, howMany)
	for i := range indices {
		indices[i] = rng.Intn(ds.Len())
	}
	subset, err := data.NewSubset(ds, indices)
	if err != nil {
		return err
	}
	loader, err := data.NewDataLoader(subset, data.LoaderConfig{BatchSize: howMany, DropLast: false})
	if err != nil {
		return err
	}
	batch, err := loader.Next()
	if err != nil {
		return fmt.Errorf("failed to load export batch: %v", err)
	}

	cond, err := e.resolver.Resolve(batch)
	if err != nil {
		return err
	}
	noise, err := TruncatedNormal([]int{howMany, e.cfg.LatentDim}, e.cfg.TruncationSigma)
	if err != nil {
		return err
	}
	out, err := e.engine.Inference(cond, noise)
	if err != nil {
		return err
	}

	vtx, err := e.template.VertexPositions(out.MeshMap)
	if err != nil {
		return fmt.Errorf("failed to decode mesh map: %v", err)
	}

	for i := 0; i < howMany; i++ {
		sampleVtx, err := tensor.SliceRows(vtx, i, i+1)
		if err != nil {
			return err
		}
		sampleTex, err := tensor.SliceRows(out.Texture, i, i+1)
		if err != nil {
			return err
		}
		path := filepath.Join(outDir, fmt.Sprintf("sample_%03d.obj", i))
		if err := e.template.ExportOBJ(path, sampleVtx, sampleTex); err != nil {
			return fmt.Errorf("failed to export mesh %d: %v", i, err)
		}
	}

	if out.Seg != nil {
		parts, err := ArgmaxChannels(out.Seg)
		if err != nil {
			return fmt.Errorf("failed to reduce predicted semantics: %v", err)
		}
		if err := WritePartGrid(filepath.Join(outDir, "parts.png"), parts, GridPerRow); err != nil {
			return err
		}
	}

	images, alpha, err := e.template.Render(e.renderer, vtx, out.Texture)
	if err != nil {
		return fmt.Errorf("rendering failed: %v", err)
	}
	composited, err := CompositeWhite(images, alpha)
	if err != nil {
		return err
	}
	// Renders happen at 4x the target size; average pooling back down
	// anti-aliases the hard silhouette.
	downsampled, err := AvgPool(composited, 4)
	if err != nil {
		return err
	}
	if err := WriteGrid(filepath.Join(outDir, "samples.png"), downsampled, GridPerRow); err != nil {
		return err
	}

	e.log.Infof("Exported %d samples to %s", howMany, outDir)
	return nil
}

// CompositeWhite hardens the alpha mask at 0.5 and composites the
// images over a white background.
func CompositeWhite(images, alpha *tensor.Tensor) (*tensor.Tensor, error) {
	if len(images.Shape) != 4 || len(alpha.Shape) != 4 {
		return nil, fmt.Errorf("compositing requires [B, C, H, W] tensors, got %v and %v", images.Shape, alpha.Shape)
	}
	b, c, h, w := images.Shape[0], images.Shape[1], images.Shape[2], images.Shape[3]
	src, err := images.Float32s()
	if err != nil {
		return nil, err
	}
	a, err := alpha.Float32s()
	if err != nil {
		return nil, err
	}
	if len(a) != b*h*w {
		return nil, fmt.Errorf("alpha shape %v does not match images %v", alpha.Shape, images.Shape)
	}

	dst := make([]float32, len(src))
	plane := h * w
	for bi := 0; bi < b; bi++ {
		for ci := 0; ci < c; ci++ {
			for p := 0; p < plane; p++ {
				var hard float32
				if a[bi*plane+p] >= 0.5 {
					hard = 1
				}
				v := src[(bi*c+ci)*plane+p]
				dst[(bi*c+ci)*plane+p] = v*hard + (1 - hard)
			}
		}
	}
	return tensor.NewTensor(images.Shape, tensor.Float32, dst)
}

// AvgPool downsamples [B, C, H, W] spatially by the given factor with
// average pooling. H and W must be divisible by the factor.
func AvgPool(t *tensor.Tensor, factor int) (*tensor.Tensor, error) {
	if len(t.Shape) != 4 {
		return nil, fmt.Errorf("pooling requires a [B, C, H, W] tensor, got %v", t.Shape)
	}
	b, c, h, w := t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3]
	if h%factor != 0 || w%factor != 0 {
		return nil, fmt.Errorf("spatial size %dx%d is not divisible by pooling factor %d", h, w, factor)
	}
	src, err := t.Float32s()
	if err != nil {
		return nil, err
	}

	oh, ow := h/factor, w/factor
	dst := make([]float32, b*c*oh*ow)
	norm := float32(factor * factor)
	for bi := 0; bi < b; bi++ {
		for ci := 0; ci < c; ci++ {
			base := (bi*c + ci) * h * w
			outBase := (bi*c + ci) * oh * ow
			for y := 0; y < oh; y++ {
				for x := 0; x < ow; x++ {
					var sum float32
					for dy := 0; dy < factor; dy++ {
						for dx := 0; dx < factor; dx++ {
							sum += src[base+(y*factor+dy)*w+(x*factor+dx)]
						}
					}
					dst[outBase+y*ow+x] = sum / norm
				}
			}
		}
	}
	return tensor.NewTensor([]int{b, c, oh, ow}, tensor.Float32, dst)
}

// ArgmaxChannels reduces a [B, P, H, W] part-probability tensor to
// [B, 1, H, W] part indices.
func ArgmaxChannels(t *tensor.Tensor) (*tensor.Tensor, error) {
	if len(t.Shape) != 4 {
		return nil, fmt.Errorf("argmax requires a [B, P, H, W] tensor, got %v", t.Shape)
	}
	b, p, h, w := t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3]
	src, err := t.Float32s()
	if err != nil {
		return nil, err
	}

	plane := h * w
	dst := make([]int32, b*plane)
	for bi := 0; bi < b; bi++ {
		for pos := 0; pos < plane; pos++ {
			best := int32(0)
			bestVal := src[bi*p*plane+pos]
			for pi := 1; pi < p; pi++ {
				if v := src[(bi*p+pi)*plane+pos]; v > bestVal {
					bestVal = v
					best = int32(pi)
				}
			}
			dst[bi*plane+pos] = best
		}
	}
	return tensor.NewTensor([]int{b, 1, h, w}, tensor.Int32, dst)
}

// WriteGrid lays out a [N, 3, H, W] image batch as a PNG grid with
// perRow images per row. Values are clamped to [0, 1].
func WriteGrid(path string, images *tensor.Tensor, perRow int) error {
	if len(images.Shape) != 4 || images.Shape[1] != 3 {
		return fmt.Errorf("grid export requires an [N, 3, H, W] tensor, got %v", images.Shape)
	}
	n, h, w := images.Shape[0], images.Shape[2], images.Shape[3]
	src, err := images.Float32s()
	if err != nil {
		return err
	}

	cols := perRow
	if n < cols {
		cols = n
	}
	rows := (n + perRow - 1) / perRow

	grid := image.NewRGBA(image.Rect(0, 0, cols*w, rows*h))
	plane := h * w
	for i := 0; i < n; i++ {
		ox, oy := (i%perRow)*w, (i/perRow)*h
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				r := clampByte(src[(i*3+0)*plane+y*w+x])
				g := clampByte(src[(i*3+1)*plane+y*w+x])
				b := clampByte(src[(i*3+2)*plane+y*w+x])
				grid.SetRGBA(ox+x, oy+y, color.RGBA{R: r, G: g, B: b, A: 255})
			}
		}
	}
	return writePNG(path, grid)
}

// WritePartGrid renders [N, 1, H, W] part-index maps as a grayscale
// grid, scaling indices into the visible range.
func WritePartGrid(path string, parts *tensor.Tensor, perRow int) error {
	if len(parts.Shape) != 4 || parts.Shape[1] != 1 {
		return fmt.Errorf("part grid export requires an [N, 1, H, W] tensor, got %v", parts.Shape)
	}
	n, h, w := parts.Shape[0], parts.Shape[2], parts.Shape[3]
	src, err := parts.Int32s()
	if err != nil {
		return err
	}
	var maxPart int32 = 1
	for _, v := range src {
		if v > maxPart {
			maxPart = v
		}
	}

	cols := perRow
	if n < cols {
		cols = n
	}
	rows := (n + perRow - 1) / perRow
	grid := image.NewGray(image.Rect(0, 0, cols*w, rows*h))
	plane := h * w
	for i := 0; i < n; i++ {
		ox, oy := (i%perRow)*w, (i/perRow)*h
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				v := src[i*plane+y*w+x]
				grid.SetGray(ox+x, oy+y, color.Gray{Y: uint8(int(v) * 255 / int(maxPart))})
			}
		}
	}
	return writePNG(path, grid)
}

func clampByte(v float32) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return 255
	default:
		return uint8(v*255 + 0.5)
	}
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %v", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		return fmt.Errorf("failed to encode %s: %v", path, err)
	}
	return nil
}
