package trainer

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"vaeforge/internal/config"
	"vaeforge/internal/dataset"
	"vaeforge/internal/metrics"
	"vaeforge/internal/model"
)

// RunConfig captures everything the training loop needs besides its
// collaborators.
type RunConfig struct {
	Opts           config.Options
	ImageDir       string
	CheckpointPath string
	Logger         zerolog.Logger
}

// Run drives training until Opts.Steps optimization steps have been taken
// or ctx is cancelled. Periodic work is keyed off the model's global step:
// train logging, test evaluation plus image diagnostics, checkpointing and
// log-likelihood estimation each fire on their configured interval.
func Run(ctx context.Context, m model.Trainable, data *dataset.Manager, opt model.Optimizer, rc RunConfig) error {
	opts := rc.Opts
	ev := NewEvaluator(m, model.CPU{})
	var window metrics.Window

	for m.GlobalStep() < opts.Steps {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		startData := time.Now()
		batch := data.Train.Next()
		dataTime := time.Since(startData)

		startCompute := time.Now()
		out, err := m.TrainStep(batch.Images, opt)
		if err != nil {
			return err
		}
		computeTime := time.Since(startCompute)

		elbo := stat.Mean(out.Elbo, nil)
		window.Record(len(batch.Labels), dataTime, computeTime,
			-elbo, elbo, stat.Mean(out.NLL, nil), stat.Mean(out.KL, nil))

		step := m.GlobalStep()
		if step%opts.TrainLogEvery == 0 {
			snap := window.Snapshot()
			rc.Logger.Info().
				Int64("step", step).
				Float64("loss", snap.Loss).
				Float64(MetricElbo, snap.Elbo).
				Float64(MetricRecons, snap.Recons).
				Float64(MetricKL, snap.KL).
				Float64("images_per_sec", snap.ImagesPerSec).
				Float64("data_ms", snap.AvgDataMS).
				Float64("compute_ms", snap.AvgComputeMS).
				Msg("train")
		}
		if step%opts.TestLogEvery == 0 {
			if err := testAndDiagnose(ev, m, data, rc, step); err != nil {
				return err
			}
		}
		if step%opts.CheckpointEvery == 0 && !opts.DryRun && rc.CheckpointPath != "" {
			if snapper, ok := m.(model.Snapshotter); ok {
				if err := SaveCheckpoint(rc.CheckpointPath, snapper); err != nil {
					return err
				}
				rc.Logger.Info().Int64("step", step).Str("path", rc.CheckpointPath).Msg("checkpoint")
			}
		}
	}
	return nil
}

func testAndDiagnose(ev *Evaluator, m model.Trainable, data *dataset.Manager, rc RunConfig, step int64) error {
	loss, elbo, recons, kl, err := evaluateSet(ev, data.Test)
	if err != nil {
		return err
	}
	rc.Logger.Info().
		Int64("step", step).
		Float64("loss", loss).
		Float64(MetricElbo, elbo).
		Float64(MetricRecons, recons).
		Float64(MetricKL, kl).
		Msg("test")

	if err := WriteDiagnostics(ev, m, data.Test, rc.ImageDir, step, rc.Opts.DryRun); err != nil {
		return err
	}

	if step%rc.Opts.LoglikelihoodEvery == 0 {
		ll, err := EstimateLogLikelihood(ev, data.Test.First().Images, rc.Opts.LoglikelihoodSamples)
		if err != nil {
			return err
		}
		rc.Logger.Info().
			Int64("step", step).
			Int("samples", rc.Opts.LoglikelihoodSamples).
			Float64("loglikelihood", ll).
			Msg("loglikelihood")
	}
	return nil
}

// evaluateSet runs one full pass over the loader and returns example-weighted
// means of the loss record.
func evaluateSet(ev *Evaluator, l *dataset.Loader) (loss, elbo, recons, kl float64, err error) {
	var sumElbo, sumNLL, sumKL float64
	n := 0
	for i := 0; i < l.Batches(); i++ {
		batch := l.Next()
		res, ferr := ev.ForwardPass(batch.Images, batch.Labels)
		if ferr != nil {
			return 0, 0, 0, 0, ferr
		}
		b := len(res.ElboSep)
		sumElbo += res.Metrics[MetricElbo] * float64(b)
		sumNLL += res.Metrics[MetricRecons] * float64(b)
		sumKL += res.Metrics[MetricKL] * float64(b)
		n += b
	}
	elbo = sumElbo / float64(n)
	return -elbo, elbo, sumNLL / float64(n), sumKL / float64(n), nil
}
