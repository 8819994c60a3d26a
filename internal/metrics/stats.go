package metrics

import (
	"time"

	"gonum.org/v1/gonum/stat"
)

// Window accumulates per-step loss and timing stats between log points.
type Window struct {
	samples int
	data    time.Duration
	compute time.Duration
	losses  []float64
	elbos   []float64
	recons  []float64
	kls     []float64
}

// Record adds one training step to the window.
func (w *Window) Record(batchSize int, dataTime, computeTime time.Duration, loss, elbo, recons, kl float64) {
	w.samples += batchSize
	w.data += dataTime
	w.compute += computeTime
	w.losses = append(w.losses, loss)
	w.elbos = append(w.elbos, elbo)
	w.recons = append(w.recons, recons)
	w.kls = append(w.kls, kl)
}

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{Steps: len(w.losses)}
	total := w.data + w.compute
	if total > 0 {
		snap.ImagesPerSec = float64(w.samples) / total.Seconds()
	}
	if n := len(w.losses); n > 0 {
		snap.AvgDataMS = (w.data.Seconds() * 1000) / float64(n)
		snap.AvgComputeMS = (w.compute.Seconds() * 1000) / float64(n)
		snap.Loss = stat.Mean(w.losses, nil)
		snap.Elbo = stat.Mean(w.elbos, nil)
		snap.Recons = stat.Mean(w.recons, nil)
		snap.KL = stat.Mean(w.kls, nil)
	}

	w.samples = 0
	w.data = 0
	w.compute = 0
	w.losses = w.losses[:0]
	w.elbos = w.elbos[:0]
	w.recons = w.recons[:0]
	w.kls = w.kls[:0]
	return snap
}

// Snapshot represents loggable metrics averaged over a window.
type Snapshot struct {
	Steps        int
	ImagesPerSec float64
	AvgDataMS    float64
	AvgComputeMS float64
	Loss         float64
	Elbo         float64
	Recons       float64
	KL           float64
}
