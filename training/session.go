// Package training drives GAN training end to end: the Adam optimizer
// over opaque model parameters, learning-rate scheduling, the
// resumable session state and the epoch loop with its checkpoint and
// evaluation cadence.
package training

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/tsawler/meshgan/checkpoints"
	"github.com/tsawler/meshgan/config"
	"github.com/tsawler/meshgan/model"
)

// LoadMode selects how much of a checkpoint is restored.
type LoadMode int

const (
	// Resume restores weights, optimizer state, counters and curves.
	Resume LoadMode = iota
	// EvaluateOnly restores weights only; the session cannot train.
	EvaluateOnly
)

// Session is the resumable state of one experiment: progress counters,
// loss curves, the models and their optimizers.
type Session struct {
	Config *config.Config

	Epoch          int
	TotalIteration int

	// Loss curves, one point per logged step. Each starts with a
	// single zero so plots have an origin even before the first step.
	GCurve     []float64
	DFakeCurve []float64
	DRealCurve []float64
	FlatCurve  []float64

	Generator     model.Generator
	GeneratorAvg  model.Generator
	Discriminator model.Discriminator
	TextEncoderG  model.TextEncoder
	TextEncoderD  model.TextEncoder

	OptimizerG *Adam
	OptimizerD *Adam

	Log *zap.SugaredLogger

	// TrainingDisabled is set when a weights-only checkpoint was
	// loaded; such a session can only evaluate or export.
	TrainingDisabled bool
}

// NewSession creates a fresh session. The running-average generator is
// initialized to an exact copy of the live generator; optimizers are
// only built for training runs.
func NewSession(cfg *config.Config, generator, generatorAvg model.Generator, discriminator model.Discriminator, textEncoderG, textEncoderD model.TextEncoder, log *zap.SugaredLogger) (*Session, error) {
	s := &Session{
		Config:        cfg,
		GCurve:        []float64{0},
		DFakeCurve:    []float64{0},
		DRealCurve:    []float64{0},
		FlatCurve:     []float64{0},
		Generator:     generator,
		GeneratorAvg:  generatorAvg,
		Discriminator: discriminator,
		TextEncoderG:  textEncoderG,
		TextEncoderD:  textEncoderD,
		Log:           log,
	}

	if err := model.CopyStateDict(generatorAvg, generator); err != nil {
		return nil, fmt.Errorf("failed to initialize running-average generator: %v", err)
	}

	if !cfg.Evaluate && !cfg.ExportSample {
		gParams := generator.Parameters()
		dParams := discriminator.Parameters()
		if cfg.ConditionalText && cfg.TextTrainEncoder {
			gParams = append(gParams, textEncoderG.Parameters()...)
			dParams = append(dParams, textEncoderD.Parameters()...)
		}
		var err error
		if s.OptimizerG, err = NewAdam(gParams, cfg.LrG, 0, 0.99); err != nil {
			return nil, fmt.Errorf("failed to create generator optimizer: %v", err)
		}
		if s.OptimizerD, err = NewAdam(dParams, cfg.LrD, 0, 0.99); err != nil {
			return nil, fmt.Errorf("failed to create discriminator optimizer: %v", err)
		}
	}

	return s, nil
}

// Checkpoint serializes the full session state.
func (s *Session) Checkpoint() (*checkpoints.Checkpoint, error) {
	args, err := s.Config.Args()
	if err != nil {
		return nil, err
	}

	chk := &checkpoints.Checkpoint{
		Counters:   &checkpoints.Counters{Epoch: s.Epoch, Iteration: s.TotalIteration},
		GCurve:     append([]float64(nil), s.GCurve...),
		DFakeCurve: append([]float64(nil), s.DFakeCurve...),
		DRealCurve: append([]float64(nil), s.DRealCurve...),
		FlatCurve:  append([]float64(nil), s.FlatCurve...),
		Args:       args,
	}

	if chk.Generator, err = checkpoints.FromStateDict(s.Generator.StateDict()); err != nil {
		return nil, fmt.Errorf("generator: %v", err)
	}
	if chk.GeneratorAvg, err = checkpoints.FromStateDict(s.GeneratorAvg.StateDict()); err != nil {
		return nil, fmt.Errorf("running-average generator: %v", err)
	}
	if chk.Discriminator, err = checkpoints.FromStateDict(s.Discriminator.StateDict()); err != nil {
		return nil, fmt.Errorf("discriminator: %v", err)
	}

	if s.Config.ConditionalText {
		if s.Config.TextTrainEncoder {
			if chk.TextEncoderG, err = checkpoints.FromStateDict(s.TextEncoderG.StateDict()); err != nil {
				return nil, fmt.Errorf("generator text encoder: %v", err)
			}
			if chk.TextEncoderD, err = checkpoints.FromStateDict(s.TextEncoderD.StateDict()); err != nil {
				return nil, fmt.Errorf("discriminator text encoder: %v", err)
			}
		} else if s.TextEncoderG != nil {
			if chk.TextEncoder, err = checkpoints.FromStateDict(s.TextEncoderG.StateDict()); err != nil {
				return nil, fmt.Errorf("text encoder: %v", err)
			}
		}
	}

	if s.OptimizerG != nil {
		if chk.OptimizerG, err = s.OptimizerG.StateDict(); err != nil {
			return nil, fmt.Errorf("generator optimizer: %v", err)
		}
	}
	if s.OptimizerD != nil {
		if chk.OptimizerD, err = s.OptimizerD.StateDict(); err != nil {
			return nil, fmt.Errorf("discriminator optimizer: %v", err)
		}
	}

	return chk, nil
}

// Restore loads a checkpoint into the session. A checkpoint without
// counters is a weights-only artifact: it can only be restored for
// evaluation and disables training regardless of the requested mode.
func (s *Session) Restore(chk *checkpoints.Checkpoint, mode LoadMode) error {
	if chk.Counters == nil {
		if mode == Resume {
			return fmt.Errorf("checkpoint has no training counters; it can only be evaluated, not resumed")
		}
		s.TrainingDisabled = true
	}

	if chk.GeneratorAvg == nil {
		return fmt.Errorf("checkpoint has no running-average generator weights")
	}
	if err := checkpoints.ApplyStateDict(chk.GeneratorAvg, s.GeneratorAvg); err != nil {
		return fmt.Errorf("running-average generator: %v", err)
	}
	if chk.Generator != nil {
		if err := checkpoints.ApplyStateDict(chk.Generator, s.Generator); err != nil {
			return fmt.Errorf("generator: %v", err)
		}
	}

	if mode == EvaluateOnly || chk.Counters == nil {
		if chk.Counters != nil {
			s.Epoch = chk.Counters.Epoch
		}
		if chk.Discriminator != nil && s.Discriminator != nil {
			if err := checkpoints.ApplyStateDict(chk.Discriminator, s.Discriminator); err != nil {
				return fmt.Errorf("discriminator: %v", err)
			}
		}
		if chk.TextEncoderG != nil && s.TextEncoderG != nil {
			if err := checkpoints.ApplyStateDict(chk.TextEncoderG, s.TextEncoderG); err != nil {
				return fmt.Errorf("generator text encoder: %v", err)
			}
		} else if chk.TextEncoder != nil && s.TextEncoderG != nil {
			if err := checkpoints.ApplyStateDict(chk.TextEncoder, s.TextEncoderG); err != nil {
				return fmt.Errorf("text encoder: %v", err)
			}
		}
		return nil
	}

	if chk.Discriminator == nil {
		return fmt.Errorf("checkpoint has no discriminator weights; cannot resume training")
	}
	if err := checkpoints.ApplyStateDict(chk.Discriminator, s.Discriminator); err != nil {
		return fmt.Errorf("discriminator: %v", err)
	}

	if s.Config.ConditionalText {
		if s.Config.TextTrainEncoder {
			if chk.TextEncoderG == nil || chk.TextEncoderD == nil {
				return fmt.Errorf("checkpoint is missing trained text encoder weights")
			}
			if err := checkpoints.ApplyStateDict(chk.TextEncoderG, s.TextEncoderG); err != nil {
				return fmt.Errorf("generator text encoder: %v", err)
			}
			if err := checkpoints.ApplyStateDict(chk.TextEncoderD, s.TextEncoderD); err != nil {
				return fmt.Errorf("discriminator text encoder: %v", err)
			}
		} else if chk.TextEncoder != nil && s.TextEncoderG != nil {
			if err := checkpoints.ApplyStateDict(chk.TextEncoder, s.TextEncoderG); err != nil {
				return fmt.Errorf("text encoder: %v", err)
			}
		}
	}

	if s.OptimizerG != nil && chk.OptimizerG != nil {
		if err := s.OptimizerG.LoadStateDict(chk.OptimizerG); err != nil {
			return fmt.Errorf("generator optimizer: %v", err)
		}
	}
	if s.OptimizerD != nil && chk.OptimizerD != nil {
		if err := s.OptimizerD.LoadStateDict(chk.OptimizerD); err != nil {
			return fmt.Errorf("discriminator optimizer: %v", err)
		}
	}

	s.Epoch = chk.Counters.Epoch
	s.TotalIteration = chk.Counters.Iteration
	if chk.GCurve != nil {
		s.GCurve = append([]float64(nil), chk.GCurve...)
	}
	if chk.DFakeCurve != nil {
		s.DFakeCurve = append([]float64(nil), chk.DFakeCurve...)
	}
	if chk.DRealCurve != nil {
		s.DRealCurve = append([]float64(nil), chk.DRealCurve...)
	}
	if chk.FlatCurve != nil {
		s.FlatCurve = append([]float64(nil), chk.FlatCurve...)
	}

	return nil
}
