// Command meshgan trains and evaluates the textured-mesh GAN. It binds
// every run option as a flag (with an optional YAML preset file) and
// wires the bundled reference implementations of the model interfaces;
// production deployments embed the library packages with their own
// generator, discriminator, renderer and dataset.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tsawler/meshgan/checkpoints"
	"github.com/tsawler/meshgan/config"
	"github.com/tsawler/meshgan/data"
	"github.com/tsawler/meshgan/fid"
	"github.com/tsawler/meshgan/gan"
	"github.com/tsawler/meshgan/model"
	"github.com/tsawler/meshgan/modeltest"
	"github.com/tsawler/meshgan/tensor"
	"github.com/tsawler/meshgan/training"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Default()
	var configFile string

	cmd := &cobra.Command{
		Use:           "meshgan",
		Short:         "Train and evaluate a GAN for textured 3D mesh generation",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Precedence: defaults < preset file < explicit flags. The
			// preset overwrites flag-assigned values, so explicitly
			// passed flags are re-applied by a second parse.
			if configFile != "" {
				if err := cfg.LoadYAML(configFile); err != nil {
					return err
				}
				if err := cmd.Flags().Parse(os.Args[1:]); err != nil {
					return err
				}
			}
			return run(cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&configFile, "config", "", "YAML preset file applied before explicit flags")

	// Model settings.
	f.IntVar(&cfg.TextureResolution, "texture_resolution", cfg.TextureResolution, "texture resolution")
	f.IntVar(&cfg.MeshResolution, "mesh_resolution", cfg.MeshResolution, "mesh displacement map resolution")
	f.BoolVar(&cfg.SymmetricG, "symmetric_g", cfg.SymmetricG, "enforce bilateral symmetry in the generator")
	f.BoolVar(&cfg.TextureOnly, "texture_only", cfg.TextureOnly, "train textures only, without mesh prediction")
	f.BoolVar(&cfg.ConditionalClass, "conditional_class", cfg.ConditionalClass, "condition on class labels")
	f.BoolVar(&cfg.ConditionalText, "conditional_text", cfg.ConditionalText, "condition on captions")
	f.BoolVar(&cfg.ConditionalSemantics, "conditional_semantics", cfg.ConditionalSemantics, "condition on semantic part masks")
	f.BoolVar(&cfg.PredictSemantics, "predict_semantics", cfg.PredictSemantics, "predict semantic part masks")
	f.IntVar(&cfg.NumParts, "num_parts", cfg.NumParts, "number of semantic parts (-1 = autodetect)")
	f.StringVar(&cfg.NormG, "norm_g", cfg.NormG, "generator normalization")
	f.IntVar(&cfg.LatentDim, "latent_dim", cfg.LatentDim, "latent noise dimension")
	f.StringVar(&cfg.MeshPath, "mesh_path", cfg.MeshPath, "mesh template path (autodetect = from dataset)")
	f.IntVar(&cfg.TextMaxLength, "text_max_length", cfg.TextMaxLength, "maximum caption length")
	f.StringVar(&cfg.TextPretrainedEncoder, "text_pretrained_encoder", cfg.TextPretrainedEncoder, "pretrained text encoder checkpoint")
	f.BoolVar(&cfg.TextTrainEncoder, "text_train_encoder", cfg.TextTrainEncoder, "train the text encoder")
	f.IntVar(&cfg.TextEmbeddingDim, "text_embedding_dim", cfg.TextEmbeddingDim, "text embedding dimension")

	// Training settings.
	f.IntVar(&cfg.Epochs, "epochs", cfg.Epochs, "epoch budget")
	f.IntVar(&cfg.Iters, "iters", cfg.Iters, "iteration budget (-1 = use epochs)")
	f.StringVar(&cfg.NormD, "norm_d", cfg.NormD, "discriminator normalization")
	f.Float64Var(&cfg.MeshRegularization, "mesh_regularization", cfg.MeshRegularization, "flatness regularizer weight")
	f.Float64Var(&cfg.LrG, "lr_g", cfg.LrG, "generator learning rate")
	f.Float64Var(&cfg.LrD, "lr_d", cfg.LrD, "discriminator learning rate")
	f.IntVar(&cfg.DStepsPerG, "d_steps_per_g", cfg.DStepsPerG, "discriminator steps per generator step")
	f.Float64Var(&cfg.GRunningAvgAlpha, "g_running_average_alpha", cfg.GRunningAvgAlpha, "running-average decay")
	f.IntVar(&cfg.LrDecayAfter, "lr_decay_after", cfg.LrDecayAfter, "epoch after which the learning rate decays linearly")
	f.StringVar(&cfg.Loss, "loss", cfg.Loss, "GAN loss (hinge|ls|original)")
	f.BoolVar(&cfg.MaskOutput, "mask_output", cfg.MaskOutput, "alpha-mask generator outputs before discrimination")
	f.IntVar(&cfg.NumDiscriminators, "num_discriminators", cfg.NumDiscriminators, "discriminator heads (-1 = autodetect)")

	// Session settings.
	f.StringVar(&cfg.Name, "name", cfg.Name, "experiment name")
	f.StringVar(&cfg.Dataset, "dataset", cfg.Dataset, "dataset name")
	f.StringVar(&cfg.Mode, "mode", cfg.Mode, "template mode (autodetect|singletpl|multitpl)")
	f.IntVar(&cfg.CheckpointFreq, "checkpoint_freq", cfg.CheckpointFreq, "epochs between numbered checkpoints")
	f.IntVar(&cfg.SaveFreq, "save_freq", cfg.SaveFreq, "epochs between rolling checkpoints")
	f.IntVar(&cfg.EvaluateFreq, "evaluate_freq", cfg.EvaluateFreq, "epochs between evaluations")
	f.IntVar(&cfg.Replicas, "replicas", cfg.Replicas, "inference replica count")
	f.BoolVar(&cfg.ContinueTrain, "continue_train", cfg.ContinueTrain, "resume from the latest checkpoint")
	f.BoolVar(&cfg.Evaluate, "evaluate", cfg.Evaluate, "evaluate instead of training")
	f.BoolVar(&cfg.ExportSample, "export_sample", cfg.ExportSample, "export samples instead of training")
	f.IntVar(&cfg.HowMany, "how_many", cfg.HowMany, "samples to export (-1 = batch size)")
	f.StringVar(&cfg.WhichEpoch, "which_epoch", cfg.WhichEpoch, "checkpoint to load (N|latest|best)")
	f.IntVar(&cfg.BatchSize, "batch_size", cfg.BatchSize, "batch size")
	f.IntVar(&cfg.NumWorkers, "num_workers", cfg.NumWorkers, "data loading workers")
	f.Float64Var(&cfg.TruncationSigma, "truncation_sigma", cfg.TruncationSigma, "noise truncation bound (<0 = autodetect)")
	f.StringVar(&cfg.FilterClass, "filter_class", cfg.FilterClass, "restrict evaluation to one class index")
	f.StringVar(&cfg.CacheDir, "cache_dir", cfg.CacheDir, "dataset cache directory")
	f.StringVar(&cfg.CheckpointDir, "checkpoint_dir", cfg.CheckpointDir, "checkpoint root directory")
	f.StringVar(&cfg.OutputDir, "output_dir", cfg.OutputDir, "sample export directory")

	return cmd
}

func run(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.ResolveMode(); err != nil {
		return err
	}

	expDir := filepath.Join(cfg.CheckpointDir, cfg.Name)
	log, cleanup, err := training.NewSessionLogger(expDir)
	if err != nil {
		return err
	}
	defer cleanup()

	var ds data.Dataset = referenceDataset(cfg)
	if err := cfg.Autodetect(ds); err != nil {
		return err
	}
	if cfg.FilterClass != "" {
		class, err := strconv.Atoi(cfg.FilterClass)
		if err != nil {
			return fmt.Errorf("invalid filter_class %q: %v", cfg.FilterClass, err)
		}
		indices := data.FilterByClass(ds, int32(class))
		if len(indices) == 0 {
			return fmt.Errorf("no samples of class %d in the dataset", class)
		}
		if ds, err = data.NewSubset(ds, indices); err != nil {
			return err
		}
		log.Infof("Filtered dataset to class %d: %d samples", class, len(indices))
	}

	engine, session, err := buildSession(cfg, log)
	if err != nil {
		return err
	}
	manager, err := checkpoints.NewManager(expDir)
	if err != nil {
		return err
	}

	template := &modeltest.MeshTemplate{}
	renderResolution := fid.FIDResolution
	if cfg.ExportSample {
		renderResolution = fid.ExportResolution
	}
	renderer := &modeltest.Renderer{Resolution: renderResolution}

	switch {
	case cfg.Evaluate:
		return evaluateRun(cfg, session, engine, manager, ds, template, renderer, log)
	case cfg.ExportSample:
		if err := restore(cfg, session, manager, nil, log); err != nil {
			return err
		}
		exporter, err := fid.NewSampleExporter(cfg, engine, template, renderer, log)
		if err != nil {
			return err
		}
		return exporter.Export(ds, filepath.Join(cfg.OutputDir, cfg.Name))
	default:
		return trainRun(cfg, session, engine, manager, ds, template, renderer, log)
	}
}

// referenceDataset builds the bundled in-memory dataset sized to the
// configured resolutions.
func referenceDataset(cfg *config.Config) *modeltest.Dataset {
	ds := modeltest.NewDataset(cfg.BatchSize * 8)
	ds.TextureResolution = cfg.TextureResolution
	ds.MeshResolution = cfg.MeshResolution
	ds.CaptionLength = cfg.TextMaxLength
	if cfg.Dataset == "all" {
		weights := make([]float64, ds.N)
		for i := range weights {
			weights[i] = 1
		}
		ds.Weights = weights
	}
	return ds
}

func buildSession(cfg *config.Config, log *zap.SugaredLogger) (*gan.Engine, *training.Session, error) {
	numParts := cfg.NumParts
	if numParts < 1 {
		numParts = 1
	}
	generator, err := modeltest.NewGenerator(cfg.TextureResolution, cfg.MeshResolution, cfg.PredictSemantics, numParts)
	if err != nil {
		return nil, nil, err
	}
	generatorAvg, err := modeltest.NewGenerator(cfg.TextureResolution, cfg.MeshResolution, cfg.PredictSemantics, numParts)
	if err != nil {
		return nil, nil, err
	}
	heads := cfg.NumDiscriminators
	if cfg.PredictSemantics {
		heads++
	}
	discriminator, err := modeltest.NewDiscriminator(heads)
	if err != nil {
		return nil, nil, err
	}

	var textEncoderG, textEncoderD model.TextEncoder
	if cfg.ConditionalText {
		encG, err := modeltest.NewTextEncoder(cfg.TextEmbeddingDim)
		if err != nil {
			return nil, nil, err
		}
		textEncoderG = encG
		if cfg.TextTrainEncoder {
			encD, err := modeltest.NewTextEncoder(cfg.TextEmbeddingDim)
			if err != nil {
				return nil, nil, err
			}
			textEncoderD = encD
		} else {
			// A frozen encoder is shared between both sides.
			textEncoderD = encG
		}
	}

	engine, err := gan.NewEngine(cfg, generator, generatorAvg, discriminator, textEncoderG, textEncoderD)
	if err != nil {
		return nil, nil, err
	}
	session, err := training.NewSession(cfg, generator, generatorAvg, discriminator, textEncoderG, textEncoderD, log)
	if err != nil {
		return nil, nil, err
	}
	return engine, session, nil
}

// restore loads the configured checkpoint into the session. A "best"
// tag requires a scorer; passing nil restricts the run to latest or
// numbered tags.
func restore(cfg *config.Config, session *training.Session, manager *checkpoints.Manager, best func() (int, error), log *zap.SugaredLogger) error {
	if !cfg.ContinueTrain && !cfg.Evaluate && !cfg.ExportSample {
		return nil
	}
	mode := training.EvaluateOnly
	if cfg.ContinueTrain {
		mode = training.Resume
	}

	tag := cfg.WhichEpoch
	if tag == "best" {
		if best == nil {
			return fmt.Errorf("which_epoch=best requires evaluation mode")
		}
		epoch, err := best()
		if err != nil {
			return err
		}
		tag = strconv.Itoa(epoch)
	}

	chk, err := manager.Load(tag)
	if err != nil {
		return err
	}
	if err := session.Restore(chk, mode); err != nil {
		return err
	}
	log.Infof("Restored checkpoint %q (epoch %d)", tag, session.Epoch)
	return nil
}

func statsPath(cfg *config.Config) string {
	name := fmt.Sprintf("fid_stats_%d.json", fid.FIDResolution)
	if cfg.FilterClass != "" {
		name = fmt.Sprintf("fid_stats_%d_class%s.json", fid.FIDResolution, cfg.FilterClass)
	}
	return filepath.Join(cfg.CacheDir, name)
}

func buildEvaluator(cfg *config.Config, engine *gan.Engine, ds data.Dataset, template model.MeshTemplate, renderer model.Renderer, log *zap.SugaredLogger) (*fid.Evaluator, error) {
	real, err := fid.LoadRealStats(statsPath(cfg), fid.FIDResolution)
	if err != nil {
		return nil, err
	}
	evalDS := data.NewEvalDataset(ds)
	loader, err := data.NewDataLoader(evalDS, data.LoaderConfig{BatchSize: cfg.BatchSize})
	if err != nil {
		return nil, err
	}
	embedder := &modeltest.Embedder{Dim: len(real.Mean)}
	return fid.NewEvaluator(cfg, engine, loader, evalDS.Len(), template, renderer, embedder, real, log)
}

func evaluateRun(cfg *config.Config, session *training.Session, engine *gan.Engine, manager *checkpoints.Manager, ds data.Dataset, template model.MeshTemplate, renderer model.Renderer, log *zap.SugaredLogger) error {
	evaluator, err := buildEvaluator(cfg, engine, ds, template, renderer, log)
	if err != nil {
		return err
	}

	// A second interrupt truncates the best-checkpoint search; the
	// best epoch found so far is still used.
	searchInterrupt := make(chan struct{})
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)
	go func() {
		<-sig
		log.Warn("Interrupt received; truncating the best-checkpoint search")
		close(searchInterrupt)
	}()

	best := func() (int, error) {
		result, err := manager.FindBest(func(epoch int, chk *checkpoints.Checkpoint) (float64, error) {
			if err := session.Restore(chk, training.EvaluateOnly); err != nil {
				return 0, err
			}
			res, err := evaluator.Evaluate(nil, true)
			if err != nil {
				return 0, err
			}
			log.Infof("Checkpoint %d: FID %.4f", epoch, res.FID)
			return res.FID, nil
		}, searchInterrupt)
		if err != nil {
			return 0, err
		}
		log.Infof("Best checkpoint: epoch %d (FID %.4f)", result.Epoch, result.FID)
		return result.Epoch, nil
	}

	if err := restore(cfg, session, manager, best, log); err != nil {
		return err
	}

	result, err := evaluator.Evaluate(nil, false)
	if err != nil {
		return err
	}
	log.Infof("FID %.4f", result.FID)
	if result.FIDTexture != 0 {
		log.Infof("FID (predicted texture, real mesh) %.4f", result.FIDTexture)
	}
	if result.FIDMesh != 0 {
		log.Infof("FID (real texture, predicted mesh) %.4f", result.FIDMesh)
	}
	if result.Visualization != nil {
		path := filepath.Join(manager.Dir(), "evaluation.png")
		if err := fid.WriteGrid(path, result.Visualization, fid.GridPerRow); err != nil {
			return err
		}
		log.Infof("Wrote visualization grid to %s", path)
	}
	return nil
}

func trainRun(cfg *config.Config, session *training.Session, engine *gan.Engine, manager *checkpoints.Manager, ds data.Dataset, template model.MeshTemplate, renderer model.Renderer, log *zap.SugaredLogger) error {
	if err := restore(cfg, session, manager, nil, log); err != nil {
		return err
	}

	// Training batches carry their dataset indices so the periodic
	// evaluation can visualize the last batch seen.
	loader, err := data.NewDataLoader(data.NewEvalDataset(ds), data.LoaderConfig{
		BatchSize: cfg.BatchSize,
		Shuffle:   true,
		DropLast:  true,
		Weighted:  cfg.Dataset == "all" && ds.ImageWeights() != nil,
	})
	if err != nil {
		return err
	}

	// Periodic evaluation is optional: without precomputed statistics
	// training proceeds and only the metric is skipped.
	var evalFn training.EvalFunc
	if evaluator, err := buildEvaluator(cfg, engine, ds, template, renderer, log); err != nil {
		log.Warnf("Periodic FID evaluation disabled: %v", err)
	} else {
		evalFn = func(visIndices *tensor.Tensor, fast bool) (float64, error) {
			res, err := evaluator.Evaluate(visIndices, fast)
			if err != nil {
				return 0, err
			}
			return res.FID, nil
		}
	}

	var meshTemplate model.MeshTemplate
	if cfg.UseMesh() {
		meshTemplate = template
	}
	driver, err := training.NewDriver(session, engine, loader, manager, meshTemplate, evalFn)
	if err != nil {
		return err
	}

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)
	go func() {
		<-sig
		log.Warn("Interrupt received; finishing the current iteration and saving")
		driver.Interrupt()
		<-sig
		log.Error("Second interrupt; exiting immediately")
		os.Exit(130)
	}()

	return driver.Run()
}
