package model

import "gorgonia.org/tensor"

// Device is the compute target batches are moved to before evaluation.
// Transfer must be a no-op when the tensor already resides on the device;
// implementations may overlap the copy with adjacent computation.
type Device interface {
	Name() string
	Transfer(t *tensor.Dense) *tensor.Dense
}

// CPU is the host device. Batches are always resident, so Transfer is the
// identity.
type CPU struct{}

func (CPU) Name() string { return "cpu" }

func (CPU) Transfer(t *tensor.Dense) *tensor.Dense { return t }
