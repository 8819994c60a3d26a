package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"vaeforge/internal/config"
	"vaeforge/internal/dataset"
	"vaeforge/internal/model"
	"vaeforge/internal/trainer"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	def := config.Default()
	var (
		cfgPath string
		vals    config.Options
	)
	cmd := &cobra.Command{
		Use:           "vaeforge",
		Short:         "Train a variational autoencoder on MNIST-format images",
		SilenceUsage:  true,
		SilenceErrors: false,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, cfgPath, vals)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&cfgPath, "config", "", "optional YAML/JSON/TOML config file")
	fl.IntVar(&vals.BatchSize, "batch-size", def.BatchSize, "training batch size")
	fl.IntVar(&vals.TestBatchSize, "test-batch-size", def.TestBatchSize, "test batch size")
	fl.Float64Var(&vals.LR, "lr", def.LR, "learning rate")
	fl.Float64Var(&vals.WeightDecay, "wd", def.WeightDecay, "weight decay")
	fl.Int64Var(&vals.Seed, "seed", def.Seed, "PRNG seed")
	fl.Int64Var(&vals.Steps, "steps", def.Steps, "number of training steps")
	fl.Int64Var(&vals.TrainLogEvery, "train-log-every", def.TrainLogEvery, "log training metrics every N steps")
	fl.Int64Var(&vals.TestLogEvery, "test-log-every", def.TestLogEvery, "evaluate on the test set every N steps")
	fl.Int64Var(&vals.CheckpointEvery, "checkpoint-every", def.CheckpointEvery, "save a checkpoint every N steps")
	fl.StringVar(&vals.Resume, "resume", def.Resume, "checkpoint file to resume from")
	fl.Int64Var(&vals.LoglikelihoodEvery, "loglikelihood-every", def.LoglikelihoodEvery, "estimate log-likelihood every N steps")
	fl.IntVar(&vals.LoglikelihoodSamples, "loglikelihood-samples", def.LoglikelihoodSamples, "importance samples per log-likelihood estimate")
	fl.BoolVar(&vals.DryRun, "dry-run", false, "disable image and checkpoint output")
	fl.StringVar(&vals.AdditionalDescr, "descr", "", "free-text run description appended to the run name")
	fl.StringVar(&vals.DataDir, "data-dir", def.DataDir, "directory holding MNIST-format IDX files")
	fl.StringVar(&vals.OutputDir, "output-dir", def.OutputDir, "directory for run outputs")
	return cmd
}

func run(cmd *cobra.Command, cfgPath string, vals config.Options) error {
	opts := config.Default()
	if cfgPath != "" {
		var err error
		opts, err = config.Load(cfgPath, opts)
		if err != nil {
			return err
		}
	}
	opts.ApplyOverrides(overridesFrom(cmd, vals))
	if err := opts.Validate(); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	runDir := filepath.Join(opts.OutputDir, opts.RunDescription())
	imgDir := filepath.Join(runDir, "imgs")
	if !opts.DryRun {
		if err := os.MkdirAll(imgDir, 0o755); err != nil {
			return fmt.Errorf("create run directory: %w", err)
		}
	}

	data, err := dataset.Open(opts.DataDir, opts.BatchSize, opts.TestBatchSize, opts.Seed)
	if err != nil {
		return err
	}
	logger.Info().
		Int("train", data.Train.Len()).
		Int("test", data.Test.Len()).
		Str("data_dir", opts.DataDir).
		Msg("dataset loaded")

	vae := model.NewMNISTVAE(opts.Seed)
	opt := model.NewAdam(opts.LR, opts.WeightDecay)
	if opts.Resume != "" {
		if err := trainer.LoadCheckpoint(opts.Resume, vae); err != nil {
			return err
		}
		logger.Info().Str("path", opts.Resume).Int64("step", vae.GlobalStep()).Msg("resumed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("run", opts.RunDescription()).
		Int64("seed", opts.Seed).
		Float64("lr", opts.LR).
		Float64("wd", opts.WeightDecay).
		Int("batch_size", opts.BatchSize).
		Bool("dry_run", opts.DryRun).
		Msg("starting training")

	rc := trainer.RunConfig{
		Opts:           opts,
		ImageDir:       imgDir,
		CheckpointPath: filepath.Join(runDir, "model.ckpt"),
		Logger:         logger,
	}
	return trainer.Run(ctx, vae, data, opt, rc)
}

func overridesFrom(cmd *cobra.Command, vals config.Options) config.Overrides {
	var ov config.Overrides
	set := func(name string, assign func()) {
		if cmd.Flags().Changed(name) {
			assign()
		}
	}
	set("batch-size", func() { ov.BatchSize = &vals.BatchSize })
	set("test-batch-size", func() { ov.TestBatchSize = &vals.TestBatchSize })
	set("lr", func() { ov.LR = &vals.LR })
	set("wd", func() { ov.WeightDecay = &vals.WeightDecay })
	set("seed", func() { ov.Seed = &vals.Seed })
	set("steps", func() { ov.Steps = &vals.Steps })
	set("train-log-every", func() { ov.TrainLogEvery = &vals.TrainLogEvery })
	set("test-log-every", func() { ov.TestLogEvery = &vals.TestLogEvery })
	set("checkpoint-every", func() { ov.CheckpointEvery = &vals.CheckpointEvery })
	set("resume", func() { ov.Resume = &vals.Resume })
	set("loglikelihood-every", func() { ov.LoglikelihoodEvery = &vals.LoglikelihoodEvery })
	set("loglikelihood-samples", func() { ov.LoglikelihoodSamples = &vals.LoglikelihoodSamples })
	set("dry-run", func() { ov.DryRun = &vals.DryRun })
	set("descr", func() { ov.AdditionalDescr = &vals.AdditionalDescr })
	set("data-dir", func() { ov.DataDir = &vals.DataDir })
	set("output-dir", func() { ov.OutputDir = &vals.OutputDir })
	return ov
}
