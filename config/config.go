// Package config holds the run configuration for meshgan training and
// evaluation sessions, its validation rules and the dataset-driven
// autodetection of unset fields.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tsawler/meshgan/data"
)

// Template modes.
const (
	ModeAutodetect = "autodetect"
	ModeSingleTpl  = "singletpl"
	ModeMultiTpl   = "multitpl"
)

// Config is the full run configuration. Fields mirror the training
// script's command-line surface; zero values are replaced by defaults
// in Default().
type Config struct {
	// Model settings
	TextureResolution    int    `yaml:"texture_resolution"`
	MeshResolution       int    `yaml:"mesh_resolution"`
	SymmetricG           bool   `yaml:"symmetric_g"`
	TextureOnly          bool   `yaml:"texture_only"`
	ConditionalClass     bool   `yaml:"conditional_class"`
	ConditionalText      bool   `yaml:"conditional_text"`
	ConditionalSemantics bool   `yaml:"conditional_semantics"`
	PredictSemantics     bool   `yaml:"predict_semantics"`
	NumParts             int    `yaml:"num_parts"` // -1 = autodetect
	NormG                string `yaml:"norm_g"`
	LatentDim            int    `yaml:"latent_dim"`
	MeshPath             string `yaml:"mesh_path"` // "autodetect" or a path

	TextMaxLength        int    `yaml:"text_max_length"`
	TextPretrainedEncoder string `yaml:"text_pretrained_encoder"`
	TextTrainEncoder     bool   `yaml:"text_train_encoder"`
	TextEmbeddingDim     int    `yaml:"text_embedding_dim"`

	// Training settings
	Epochs             int     `yaml:"epochs"`
	Iters              int     `yaml:"iters"` // -1 = use Epochs
	NormD              string  `yaml:"norm_d"`
	MeshRegularization float64 `yaml:"mesh_regularization"`
	LrG                float64 `yaml:"lr_g"`
	LrD                float64 `yaml:"lr_d"`
	DStepsPerG         int     `yaml:"d_steps_per_g"`
	GRunningAvgAlpha   float64 `yaml:"g_running_average_alpha"`
	LrDecayAfter       int     `yaml:"lr_decay_after"`
	Loss               string  `yaml:"loss"` // hinge|ls|original
	MaskOutput         bool    `yaml:"mask_output"`
	NumDiscriminators  int     `yaml:"num_discriminators"` // -1 = autodetect

	// Session settings
	Name            string  `yaml:"name"`
	Dataset         string  `yaml:"dataset"`
	Mode            string  `yaml:"mode"`
	CheckpointFreq  int     `yaml:"checkpoint_freq"`
	SaveFreq        int     `yaml:"save_freq"`
	EvaluateFreq    int     `yaml:"evaluate_freq"`
	Replicas        int     `yaml:"replicas"`
	ContinueTrain   bool    `yaml:"continue_train"`
	Evaluate        bool    `yaml:"evaluate"`
	ExportSample    bool    `yaml:"export_sample"`
	HowMany         int     `yaml:"how_many"` // -1 = batch size
	WhichEpoch      string  `yaml:"which_epoch"` // N|latest|best
	BatchSize       int     `yaml:"batch_size"`
	NumWorkers      int     `yaml:"num_workers"`
	TruncationSigma float64 `yaml:"truncation_sigma"` // <0 = autodetect
	FilterClass     string  `yaml:"filter_class"`

	CacheDir      string `yaml:"cache_dir"`
	CheckpointDir string `yaml:"checkpoint_dir"`
	OutputDir     string `yaml:"output_dir"`
}

// Default returns a configuration with the standard defaults.
func Default() *Config {
	return &Config{
		TextureResolution:     512,
		MeshResolution:        32,
		SymmetricG:            true,
		NumParts:              -1,
		NormG:                 "syncbatch",
		LatentDim:             64,
		MeshPath:              ModeAutodetect,
		TextMaxLength:         18,
		TextPretrainedEncoder: "cache/cub/text_encoder200.ckpt",
		TextEmbeddingDim:      256,
		Epochs:                600,
		Iters:                 -1,
		NormD:                 "none",
		MeshRegularization:    0.0001,
		LrG:                   0.0001,
		LrD:                   0.0004,
		DStepsPerG:            2,
		GRunningAvgAlpha:      0.999,
		LrDecayAfter:          100000,
		Loss:                  "hinge",
		MaskOutput:            true,
		NumDiscriminators:     -1,
		Mode:                  ModeAutodetect,
		CheckpointFreq:        20,
		SaveFreq:              5,
		EvaluateFreq:          20,
		Replicas:              1,
		HowMany:               -1,
		WhichEpoch:            "latest",
		BatchSize:             32,
		NumWorkers:            4,
		TruncationSigma:       -1,
		CacheDir:              "cache",
		CheckpointDir:         "checkpoints_gan",
		OutputDir:             "output",
	}
}

// LoadYAML overlays the configuration with values from a YAML preset
// file.
func (c *Config) LoadYAML(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %v", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %v", path, err)
	}
	return nil
}

// Validate checks the configuration for fatal inconsistencies. It is
// called once at startup; the training loop never re-checks these.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("an experiment name is required")
	}
	if c.Dataset == "" {
		return fmt.Errorf("a dataset is required")
	}
	if c.ConditionalSemantics && c.PredictSemantics {
		return fmt.Errorf("conditional_semantics and predict_semantics are mutually exclusive")
	}
	if c.Mode != ModeAutodetect && c.Mode != ModeSingleTpl && c.Mode != ModeMultiTpl {
		return fmt.Errorf("invalid mode %q (autodetect|singletpl|multitpl)", c.Mode)
	}
	switch c.Loss {
	case "hinge", "ls", "original":
	default:
		return fmt.Errorf("invalid loss %q (hinge|ls|original)", c.Loss)
	}
	if c.NumDiscriminators >= 3 && c.TextureResolution < 512 {
		return fmt.Errorf("%d discriminators require a texture resolution of at least 512, got %d",
			c.NumDiscriminators, c.TextureResolution)
	}
	if c.FilterClass != "" && (!c.Evaluate || !c.ConditionalClass) {
		return fmt.Errorf("filter_class requires conditional_class and evaluate/export_sample mode")
	}
	if c.ConditionalText && !c.Evaluate && !c.TextTrainEncoder && c.TextPretrainedEncoder == "" {
		return fmt.Errorf("the text encoder must be either pretrained or trainable")
	}
	if c.Replicas <= 0 {
		return fmt.Errorf("replica count must be positive, got %d", c.Replicas)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	// These feed modulo checks in the epoch loop.
	if c.SaveFreq <= 0 {
		return fmt.Errorf("save frequency must be positive, got %d", c.SaveFreq)
	}
	if c.CheckpointFreq <= 0 {
		return fmt.Errorf("checkpoint frequency must be positive, got %d", c.CheckpointFreq)
	}
	if c.EvaluateFreq <= 0 {
		return fmt.Errorf("evaluate frequency must be positive, got %d", c.EvaluateFreq)
	}
	return nil
}

// ResolveMode infers single-template vs multi-template mode from the
// experiment name when set to autodetect. Returns an error when the
// name carries no hint.
func (c *Config) ResolveMode() error {
	if c.Mode != ModeAutodetect {
		return nil
	}
	switch {
	case strings.Contains(c.Name, ModeSingleTpl):
		c.Mode = ModeSingleTpl
	case strings.Contains(c.Name, ModeMultiTpl):
		c.Mode = ModeMultiTpl
	default:
		return fmt.Errorf("unable to autodetect single-template or multi-template mode from experiment name %q; set mode explicitly", c.Name)
	}
	return nil
}

// Autodetect fills dataset-derived fields: mesh template path,
// discriminator count, truncation sigma and the number of semantic
// parts. It also derives the epoch budget from an iteration budget.
func (c *Config) Autodetect(ds data.Dataset) error {
	if c.MeshPath == ModeAutodetect {
		c.MeshPath = ds.SuggestMeshTemplate()
	}
	if c.NumDiscriminators == -1 {
		c.NumDiscriminators = ds.SuggestNumDiscriminators()
	}
	if c.TruncationSigma < 0 {
		c.TruncationSigma = ds.SuggestTruncationSigma()
	}

	if c.ConditionalSemantics || c.PredictSemantics {
		key := data.KeySeg
		if c.PredictSemantics {
			key = data.KeySegInvRend
		}
		sample, err := ds.Get(0)
		if err != nil {
			return fmt.Errorf("failed to inspect dataset for semantic parts: %v", err)
		}
		seg, ok := sample[key]
		if !ok {
			return fmt.Errorf("dataset does not provide %q required for semantics", key)
		}
		c.NumParts = seg.Shape[1]
	}

	if c.Iters != -1 {
		itersPerEpoch := ds.Len() / c.BatchSize
		if itersPerEpoch == 0 {
			return fmt.Errorf("dataset of %d samples is too small for batch size %d", ds.Len(), c.BatchSize)
		}
		c.Epochs = c.Iters / itersPerEpoch
		c.EvaluateFreq = c.Epochs / 30
		if c.EvaluateFreq < 1 {
			c.EvaluateFreq = 1
		}
		c.CheckpointFreq = c.EvaluateFreq
	}

	// Re-check constraints that depend on autodetected values.
	if c.NumDiscriminators >= 3 && c.TextureResolution < 512 {
		return fmt.Errorf("%d discriminators require a texture resolution of at least 512, got %d",
			c.NumDiscriminators, c.TextureResolution)
	}
	return nil
}

// UseMesh reports whether the generator predicts meshes in addition to
// textures.
func (c *Config) UseMesh() bool {
	return !c.TextureOnly
}

// Args flattens the configuration for embedding into checkpoints.
func (c *Config) Args() (map[string]interface{}, error) {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to flatten config: %v", err)
	}
	args := make(map[string]interface{})
	if err := yaml.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("failed to flatten config: %v", err)
	}
	return args, nil
}
