package model

import "gorgonia.org/tensor"

// Output holds the result of one forward evaluation on a batch.
// Sample is a draw from the output distribution and Mean its expectation,
// both shaped like the input batch. Elbo, NLL and KL carry one value per
// example in the batch.
type Output struct {
	Sample *tensor.Dense
	Mean   *tensor.Dense
	Elbo   []float64
	NLL    []float64
	KL     []float64
}

// Model is the generative-model capability consumed by the harness.
type Model interface {
	// Forward evaluates the model on a batch shaped (B,C,H,W).
	Forward(x *tensor.Dense) (*Output, error)
	// SamplePrior draws n images unconditionally from the latent prior.
	SamplePrior(n int) (*tensor.Dense, error)
	// GlobalStep reports the number of optimization steps taken so far.
	GlobalStep() int64
}

// Trainable extends Model with a single optimization step: forward pass,
// gradient computation and parameter update through opt.
type Trainable interface {
	Model
	TrainStep(x *tensor.Dense, opt Optimizer) (*Output, error)
}

// Snapshotter is implemented by models whose parameters can be captured for
// checkpointing and restored on resume.
type Snapshotter interface {
	Params() []*Parameter
	GlobalStep() int64
	SetGlobalStep(step int64)
}
