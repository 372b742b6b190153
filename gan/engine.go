package gan

import (
	"fmt"

	"github.com/tsawler/meshgan/config"
	"github.com/tsawler/meshgan/model"
	"github.com/tsawler/meshgan/tensor"
)

// Engine executes one generator step, one discriminator step or one
// inference call per invocation. It wraps the generator, its
// running-average shadow, the discriminator and the optional text
// encoders, and owns the assembly of real/fake batches.
type Engine struct {
	generator    model.Generator
	generatorAvg model.Generator

	discriminator model.Discriminator
	textEncoderG  model.TextEncoder
	textEncoderD  model.TextEncoder

	criterion *GANLoss

	latentDim         int
	numDiscriminators int
	textureResolution int
	predictSemantics  bool
	conditionalText   bool
	maskOutput        bool
	replicas          int
}

// StepResult bundles the losses and predictions of one engine call.
// LossFake and LossReal are only set by discriminator steps; Loss only
// by generator steps.
type StepResult struct {
	Loss     float64
	LossFake float64
	LossReal float64
	Output   *model.GeneratorOutput
}

// NewEngine builds a step engine from a validated configuration. The
// shadow generator must be architecturally identical to the live one;
// parameter shapes are verified here, once, before training starts.
func NewEngine(cfg *config.Config, generator, generatorAvg model.Generator, discriminator model.Discriminator, textEncoderG, textEncoderD model.TextEncoder) (*Engine, error) {
	mode, err := ParseLossMode(cfg.Loss)
	if err != nil {
		return nil, err
	}
	if generator == nil || generatorAvg == nil {
		return nil, fmt.Errorf("both the generator and its running average are required")
	}
	if err := verifySameShapes(generator, generatorAvg); err != nil {
		return nil, fmt.Errorf("running-average generator mismatch: %v", err)
	}
	if cfg.ConditionalText && textEncoderG == nil {
		return nil, fmt.Errorf("text conditioning requires a text encoder")
	}
	return &Engine{
		generator:         generator,
		generatorAvg:      generatorAvg,
		discriminator:     discriminator,
		textEncoderG:      textEncoderG,
		textEncoderD:      textEncoderD,
		criterion:         NewGANLoss(mode),
		latentDim:         cfg.LatentDim,
		numDiscriminators: cfg.NumDiscriminators,
		textureResolution: cfg.TextureResolution,
		predictSemantics:  cfg.PredictSemantics,
		conditionalText:   cfg.ConditionalText,
		maskOutput:        cfg.MaskOutput,
		replicas:          cfg.Replicas,
	}, nil
}

func verifySameShapes(a, b model.Module) error {
	ap, bp := a.StateDict(), b.StateDict()
	if len(ap) != len(bp) {
		return fmt.Errorf("state dict size mismatch: %d vs %d", len(ap), len(bp))
	}
	for i := range ap {
		if !tensor.SameShape(ap[i].Tensor.Shape, bp[i].Tensor.Shape) {
			return fmt.Errorf("parameter %q shape mismatch: %v vs %v",
				ap[i].Name, ap[i].Tensor.Shape, bp[i].Tensor.Shape)
		}
	}
	return nil
}

// headWeights returns the per-head loss weights. With exactly two
// discriminators at high texture resolution the texture head counts
// double; a third head for predicted semantics keeps weight one.
// All other configurations are unweighted.
func (e *Engine) headWeights() []float64 {
	if e.numDiscriminators == 2 && e.textureResolution >= 512 {
		w := []float64{2, 1}
		if e.predictSemantics {
			w = append(w, 1)
		}
		return w
	}
	return nil
}

// encodeCaption runs the caption through the generator- or
// discriminator-side text encoder and derives the padding mask
// (token id 0 is padding).
func (e *Engine) encodeCaption(caption *model.Caption, forDiscriminator bool) (*model.EncodedCaption, error) {
	if caption == nil {
		return nil, nil
	}
	encoder := e.textEncoderG
	if forDiscriminator && e.textEncoderD != nil {
		encoder = e.textEncoderD
	}
	wordsEmb, _, err := encoder.Encode(caption.Tokens, caption.Lengths)
	if err != nil {
		return nil, fmt.Errorf("text encoding failed: %v", err)
	}

	tokens, err := caption.Tokens.Int32s()
	if err != nil {
		return nil, err
	}
	maskData := make([]float32, len(tokens))
	for i, tok := range tokens {
		if tok == 0 {
			maskData[i] = 1
		}
	}
	wordsMask, err := tensor.NewTensor(caption.Tokens.Shape, tensor.Float32, maskData)
	if err != nil {
		return nil, err
	}
	return &model.EncodedCaption{WordsEmb: wordsEmb, WordsMask: wordsMask}, nil
}

// maskedSample multiplies a prediction by the alpha mask and attaches
// the alpha channel, so that only the foreground contributes to the
// adversarial signal.
func (e *Engine) maskedSample(pred, alpha *tensor.Tensor) (*tensor.Tensor, error) {
	masked := pred
	if e.maskOutput {
		var err error
		if masked, err = tensor.Mul(pred, alpha); err != nil {
			return nil, fmt.Errorf("alpha masking failed: %v", err)
		}
	}
	return tensor.ConcatChannels(masked, alpha)
}

func (e *Engine) sampleNoise(batchSize int) (*tensor.Tensor, error) {
	return tensor.Randn([]int{batchSize, e.latentDim})
}

// GeneratorStep runs one adversarial generator step: generate, mask,
// discriminate, and score against the "fool the discriminator" target.
func (e *Engine) GeneratorStep(alpha *tensor.Tensor, cond *Conditioning, noise *tensor.Tensor) (*StepResult, error) {
	if noise == nil {
		var err error
		if noise, err = e.sampleNoise(alpha.Shape[0]); err != nil {
			return nil, err
		}
	}

	encCaption, err := e.encodeCaption(cond.Caption, false)
	if err != nil {
		return nil, err
	}

	out, err := e.generator.Generate(noise, cond.Class, encCaption, cond.Seg, false)
	if err != nil {
		return nil, fmt.Errorf("generator forward failed: %v", err)
	}

	xFake, err := e.maskedSample(out.Texture, alpha)
	if err != nil {
		return nil, err
	}
	var xSegFake *tensor.Tensor
	if out.Seg != nil {
		if xSegFake, err = e.maskedSample(out.Seg, alpha); err != nil {
			return nil, err
		}
	}

	scores, masks, err := e.discriminator.Discriminate(xFake, out.MeshMap, cond.Class, encCaption, cond.Seg, xSegFake)
	if err != nil {
		return nil, fmt.Errorf("discriminator forward failed: %v", err)
	}

	loss, err := e.criterion.Loss(scores, masks, true, false, e.headWeights())
	if err != nil {
		return nil, err
	}

	return &StepResult{Loss: loss, Output: out}, nil
}

// DiscriminatorStep runs one discriminator step. Fake samples are
// generated without gradient tracking, concatenated fake-first with the
// real samples, discriminated in a single call, and the output split
// back into halves.
func (e *Engine) DiscriminatorStep(tex, alpha, mesh *tensor.Tensor, cond *Conditioning, noise *tensor.Tensor) (*StepResult, error) {
	if noise == nil {
		var err error
		if noise, err = e.sampleNoise(alpha.Shape[0]); err != nil {
			return nil, err
		}
	}

	encCaption, err := e.encodeCaption(cond.Caption, true)
	if err != nil {
		return nil, err
	}

	// Fake samples feed the discriminator as constants here; the
	// generator is updated on its own steps.
	e.generator.Eval()
	out, err := e.generator.Generate(noise, cond.Class, encCaption, cond.Seg, false)
	e.generator.Train()
	if err != nil {
		return nil, fmt.Errorf("generator forward failed: %v", err)
	}

	if (mesh == nil) != (out.MeshMap == nil) {
		return nil, fmt.Errorf("mesh ground truth and mesh prediction must be consistently present")
	}

	xFake, err := e.maskedSample(out.Texture, alpha)
	if err != nil {
		return nil, err
	}
	xReal, err := tensor.ConcatChannels(tex, alpha)
	if err != nil {
		return nil, err
	}

	// Fake occupies the first half, real the second. The split below
	// depends on this ordering.
	xCombined, err := tensor.ConcatRows(xFake, xReal)
	if err != nil {
		return nil, err
	}

	var classCombined *tensor.Tensor
	if cond.Class != nil {
		if classCombined, err = tensor.ConcatRows(cond.Class, cond.Class); err != nil {
			return nil, err
		}
	}

	var captionCombined *model.EncodedCaption
	if encCaption != nil {
		emb, err := tensor.ConcatRows(encCaption.WordsEmb, encCaption.WordsEmb)
		if err != nil {
			return nil, err
		}
		mask, err := tensor.ConcatRows(encCaption.WordsMask, encCaption.WordsMask)
		if err != nil {
			return nil, err
		}
		captionCombined = &model.EncodedCaption{WordsEmb: emb, WordsMask: mask}
	}

	var segCombined *tensor.Tensor
	if e.predictSemantics {
		if cond.Seg == nil {
			return nil, fmt.Errorf("semantics prediction requires a semantic mask in the batch")
		}
		xSegFake, err := e.maskedSample(out.Seg, alpha)
		if err != nil {
			return nil, err
		}
		xSegReal, err := e.maskedSample(cond.Seg, alpha)
		if err != nil {
			return nil, err
		}
		if segCombined, err = tensor.ConcatRows(xSegFake, xSegReal); err != nil {
			return nil, err
		}
	} else if cond.Seg != nil {
		if segCombined, err = tensor.ConcatRows(cond.Seg, cond.Seg); err != nil {
			return nil, err
		}
	}

	var meshCombined *tensor.Tensor
	if out.MeshMap != nil {
		if meshCombined, err = tensor.ConcatRows(out.MeshMap, mesh); err != nil {
			return nil, err
		}
	}

	scores, masks, err := e.discriminator.Discriminate(xCombined, meshCombined, classCombined, captionCombined, cond.Seg, segCombined)
	if err != nil {
		return nil, fmt.Errorf("discriminator forward failed: %v", err)
	}

	scoresFake, scoresReal, err := DividePred(scores)
	if err != nil {
		return nil, err
	}
	masksFake, masksReal, err := DividePred(masks)
	if err != nil {
		return nil, err
	}

	weights := e.headWeights()
	lossFake, err := e.criterion.Loss(scoresFake, masksFake, false, true, weights)
	if err != nil {
		return nil, err
	}
	lossReal, err := e.criterion.Loss(scoresReal, masksReal, true, true, weights)
	if err != nil {
		return nil, err
	}

	return &StepResult{LossFake: lossFake, LossReal: lossReal, Output: out}, nil
}

// Inference runs the running-average generator, returning the
// attention map as well. When the batch size is not divisible by the
// replica count, inputs are zero-padded to the next multiple and the
// outputs truncated back, preserving order and length. Never mutates
// weights or optimizer state.
func (e *Engine) Inference(cond *Conditioning, noise *tensor.Tensor) (*model.GeneratorOutput, error) {
	if cond == nil {
		cond = &Conditioning{}
	}
	paddedCond, paddedNoise, original, err := PadToMultiple(cond, noise, e.replicas)
	if err != nil {
		return nil, err
	}

	encCaption, err := e.encodeCaption(paddedCond.Caption, false)
	if err != nil {
		return nil, err
	}

	e.generatorAvg.Eval()
	out, err := e.generatorAvg.Generate(paddedNoise, paddedCond.Class, encCaption, paddedCond.Seg, true)
	if err != nil {
		return nil, fmt.Errorf("inference forward failed: %v", err)
	}

	if out.Texture, err = TruncateRows(out.Texture, original); err != nil {
		return nil, err
	}
	if out.MeshMap, err = TruncateRows(out.MeshMap, original); err != nil {
		return nil, err
	}
	if out.Attention, err = TruncateRows(out.Attention, original); err != nil {
		return nil, err
	}
	if e.predictSemantics {
		if out.Seg, err = TruncateRows(out.Seg, original); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// BackwardGenerator propagates gradients of the given total generator
// loss through the last generator step. The caller folds any auxiliary
// terms (the weighted flatness regularizer) into the loss before this
// call, so both objectives share one backward pass.
func (e *Engine) BackwardGenerator(loss float64) error {
	return e.generator.Backward(loss)
}

// BackwardDiscriminator propagates gradients of the given total
// discriminator loss through the last discriminator step.
func (e *Engine) BackwardDiscriminator(loss float64) error {
	return e.discriminator.Backward(loss)
}

// Generator returns the live generator.
func (e *Engine) Generator() model.Generator { return e.generator }

// GeneratorAvg returns the running-average generator.
func (e *Engine) GeneratorAvg() model.Generator { return e.generatorAvg }

// DividePred splits per-head discriminator outputs back into their
// fake and real halves. Fake is the first half of every tensor, real
// the second; nil heads stay nil on both sides.
func DividePred(pred []*tensor.Tensor) (fake, real []*tensor.Tensor, err error) {
	if pred == nil {
		return nil, nil, nil
	}
	fake = make([]*tensor.Tensor, len(pred))
	real = make([]*tensor.Tensor, len(pred))
	for i, p := range pred {
		if p == nil {
			continue
		}
		f, r, err := tensor.SplitHalves(p)
		if err != nil {
			return nil, nil, fmt.Errorf("head %d: %v", i, err)
		}
		fake[i] = f
		real[i] = r
	}
	return fake, real, nil
}
