package trainer

import (
	"fmt"

	"gonum.org/v1/gonum/stat"
	"gorgonia.org/tensor"

	"vaeforge/internal/model"
)

// Metric names reported by the evaluator.
const (
	MetricElbo   = "elbo/elbo"
	MetricRecons = "elbo/recons"
	MetricKL     = "elbo/kl"
)

// Result is the loss record derived from one forward evaluation. ElboSep is
// the un-reduced per-example ELBO vector, kept for downstream per-example
// analysis such as log-likelihood estimation.
type Result struct {
	Sample  *tensor.Dense
	Mean    *tensor.Dense
	Loss    float64
	ElboSep []float64
	Metrics map[string]float64
}

// Evaluator converts one batch of images into a scalar training loss plus a
// fixed set of named metrics. It holds no state beyond its collaborators and
// has no side effects other than the device transfer of the input.
type Evaluator struct {
	model  model.Model
	device model.Device
}

// NewEvaluator wires an evaluator to a model and compute device. A nil
// device defaults to the CPU.
func NewEvaluator(m model.Model, dev model.Device) *Evaluator {
	if dev == nil {
		dev = model.CPU{}
	}
	return &Evaluator{model: m, device: dev}
}

// ForwardPass evaluates the model on x. Labels are accepted for interface
// symmetry with supervised objectives but are not used. Minimizing the
// returned loss maximizes the ELBO: loss = -mean(elbo).
func (e *Evaluator) ForwardPass(x *tensor.Dense, _ []int) (*Result, error) {
	x = e.device.Transfer(x)
	out, err := e.model.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("forward pass: %w", err)
	}
	elbo := stat.Mean(out.Elbo, nil)
	return &Result{
		Sample:  out.Sample,
		Mean:    out.Mean,
		Loss:    -elbo,
		ElboSep: out.Elbo,
		Metrics: map[string]float64{
			MetricElbo:   elbo,
			MetricRecons: stat.Mean(out.NLL, nil),
			MetricKL:     stat.Mean(out.KL, nil),
		},
	}, nil
}
