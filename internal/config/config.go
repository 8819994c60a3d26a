package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Options captures the hyperparameters of a training run. The value is
// assembled once at startup (defaults, then an optional config file, then
// command-line overrides) and treated as immutable afterwards.
type Options struct {
	BatchSize            int     `json:"batch_size" yaml:"batch_size" toml:"batch_size"`
	TestBatchSize        int     `json:"test_batch_size" yaml:"test_batch_size" toml:"test_batch_size"`
	LR                   float64 `json:"lr" yaml:"lr" toml:"lr"`
	WeightDecay          float64 `json:"weight_decay" yaml:"weight_decay" toml:"weight_decay"`
	Seed                 int64   `json:"seed" yaml:"seed" toml:"seed"`
	Steps                int64   `json:"steps" yaml:"steps" toml:"steps"`
	TrainLogEvery        int64   `json:"train_log_every" yaml:"train_log_every" toml:"train_log_every"`
	TestLogEvery         int64   `json:"test_log_every" yaml:"test_log_every" toml:"test_log_every"`
	CheckpointEvery      int64   `json:"checkpoint_every" yaml:"checkpoint_every" toml:"checkpoint_every"`
	Resume               string  `json:"resume" yaml:"resume" toml:"resume"`
	LoglikelihoodEvery   int64   `json:"loglikelihood_every" yaml:"loglikelihood_every" toml:"loglikelihood_every"`
	LoglikelihoodSamples int     `json:"loglikelihood_samples" yaml:"loglikelihood_samples" toml:"loglikelihood_samples"`
	DryRun               bool    `json:"dry_run" yaml:"dry_run" toml:"dry_run"`
	AdditionalDescr      string  `json:"descr" yaml:"descr" toml:"descr"`
	DataDir              string  `json:"data_dir" yaml:"data_dir" toml:"data_dir"`
	OutputDir            string  `json:"output_dir" yaml:"output_dir" toml:"output_dir"`
}

// Default returns the experiment defaults.
func Default() Options {
	return Options{
		BatchSize:            64,
		TestBatchSize:        1000,
		LR:                   1e-3,
		WeightDecay:          0.0,
		Seed:                 54321,
		Steps:                100000,
		TrainLogEvery:        1000,
		TestLogEvery:         1000,
		CheckpointEvery:      10000,
		Resume:               "",
		LoglikelihoodEvery:   50000,
		LoglikelihoodSamples: 100,
		DataDir:              "data",
		OutputDir:            "output",
	}
}

// Overrides captures CLI supplied values. A nil field means the flag was not
// set on the command line and the file/default value stands.
type Overrides struct {
	BatchSize            *int
	TestBatchSize        *int
	LR                   *float64
	WeightDecay          *float64
	Seed                 *int64
	Steps                *int64
	TrainLogEvery        *int64
	TestLogEvery         *int64
	CheckpointEvery      *int64
	Resume               *string
	LoglikelihoodEvery   *int64
	LoglikelihoodSamples *int
	DryRun               *bool
	AdditionalDescr      *string
	DataDir              *string
	OutputDir            *string
}

// Load reads options from a config file, chosen by extension.
// Supports .yaml/.yml, .json and .toml. Keys absent from the file keep
// their values from base.
func Load(path string, base Options) (Options, error) {
	cfg := base
	if path == "" {
		return cfg, errors.New("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// ApplyOverrides updates o using any override that was set.
func (o *Options) ApplyOverrides(ov Overrides) {
	if ov.BatchSize != nil {
		o.BatchSize = *ov.BatchSize
	}
	if ov.TestBatchSize != nil {
		o.TestBatchSize = *ov.TestBatchSize
	}
	if ov.LR != nil {
		o.LR = *ov.LR
	}
	if ov.WeightDecay != nil {
		o.WeightDecay = *ov.WeightDecay
	}
	if ov.Seed != nil {
		o.Seed = *ov.Seed
	}
	if ov.Steps != nil {
		o.Steps = *ov.Steps
	}
	if ov.TrainLogEvery != nil {
		o.TrainLogEvery = *ov.TrainLogEvery
	}
	if ov.TestLogEvery != nil {
		o.TestLogEvery = *ov.TestLogEvery
	}
	if ov.CheckpointEvery != nil {
		o.CheckpointEvery = *ov.CheckpointEvery
	}
	if ov.Resume != nil {
		o.Resume = *ov.Resume
	}
	if ov.LoglikelihoodEvery != nil {
		o.LoglikelihoodEvery = *ov.LoglikelihoodEvery
	}
	if ov.LoglikelihoodSamples != nil {
		o.LoglikelihoodSamples = *ov.LoglikelihoodSamples
	}
	if ov.DryRun != nil {
		o.DryRun = *ov.DryRun
	}
	if ov.AdditionalDescr != nil {
		o.AdditionalDescr = *ov.AdditionalDescr
	}
	if ov.DataDir != nil {
		o.DataDir = *ov.DataDir
	}
	if ov.OutputDir != nil {
		o.OutputDir = *ov.OutputDir
	}
}

// Validate verifies the options describe a runnable experiment.
func (o *Options) Validate() error {
	if o == nil {
		return errors.New("options are nil")
	}
	if o.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0 (got %d)", o.BatchSize)
	}
	if o.TestBatchSize <= 0 {
		return fmt.Errorf("test_batch_size must be > 0 (got %d)", o.TestBatchSize)
	}
	if o.LR <= 0 {
		return fmt.Errorf("lr must be > 0 (got %g)", o.LR)
	}
	if o.WeightDecay < 0 {
		return fmt.Errorf("weight decay must be >= 0 (got %g)", o.WeightDecay)
	}
	if o.Steps <= 0 {
		return fmt.Errorf("steps must be > 0 (got %d)", o.Steps)
	}
	if o.TrainLogEvery <= 0 {
		return fmt.Errorf("train_log_every must be > 0 (got %d)", o.TrainLogEvery)
	}
	if o.TestLogEvery <= 0 {
		return fmt.Errorf("test_log_every must be > 0 (got %d)", o.TestLogEvery)
	}
	if o.CheckpointEvery <= 0 {
		return fmt.Errorf("checkpoint_every must be > 0 (got %d)", o.CheckpointEvery)
	}
	if o.LoglikelihoodSamples <= 0 {
		return fmt.Errorf("loglikelihood_samples must be > 0 (got %d)", o.LoglikelihoodSamples)
	}
	if o.LoglikelihoodEvery%o.TestLogEvery != 0 {
		return fmt.Errorf("loglikelihood_every (%d) must be a multiple of test_log_every (%d)",
			o.LoglikelihoodEvery, o.TestLogEvery)
	}
	return nil
}

// RunDescription derives the human-readable run identifier used for the
// logging directory name. There is no uniqueness guarantee beyond what the
// caller puts into the description.
func (o *Options) RunDescription() string {
	s := fmt.Sprintf("seed%d", o.Seed)
	if len(o.AdditionalDescr) > 0 {
		s += "," + o.AdditionalDescr
	}
	return s
}
