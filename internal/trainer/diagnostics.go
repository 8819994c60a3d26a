package trainer

import (
	"fmt"
	"path/filepath"

	"gorgonia.org/tensor"

	"vaeforge/internal/dataset"
	"vaeforge/internal/imggrid"
	"vaeforge/internal/model"
)

// gridSide is the edge length of the diagnostic grids; each saved image has
// gridSide² tiles.
const gridSide = 8

// WriteDiagnostics materializes the two qualitative monitoring artifacts:
// a grid of unconditional prior samples and a grid of input/reconstruction
// pairs from the first evaluation batch. File names are tagged with the
// current step. In dry-run mode nothing is written.
func WriteDiagnostics(ev *Evaluator, m model.Model, test *dataset.Loader, dir string, step int64, dryRun bool) error {
	if dryRun {
		return nil
	}

	sample, err := m.SamplePrior(gridSide * gridSide)
	if err != nil {
		return fmt.Errorf("sample prior: %w", err)
	}
	fname := filepath.Join(dir, fmt.Sprintf("sample_%d.png", step))
	if err := imggrid.Save(sample, gridSide, fname); err != nil {
		return err
	}

	fname = filepath.Join(dir, fmt.Sprintf("reconstruction_%d.png", step))
	return writeInputAndRecons(ev, test.First(), fname, gridSide)
}

// writeInputAndRecons runs the batch through the evaluator and saves a grid
// of n²/2 input/reconstruction pairs, inputs and reconstructions alternating.
func writeInputAndRecons(ev *Evaluator, batch dataset.Batch, fname string, n int) error {
	nImg := n * n / 2
	shape := batch.Images.Shape()
	if shape[0] < nImg {
		return fmt.Errorf("%d data points required, but given batch has size %d: use a larger batch", nImg, shape[0])
	}
	res, err := ev.ForwardPass(batch.Images, batch.Labels)
	if err != nil {
		return err
	}

	c, h, w := shape[1], shape[2], shape[3]
	per := c * h * w
	in := batch.Images.Data().([]float64)
	recons := res.Sample.Data().([]float64)
	interleaved := make([]float64, n*n*per)
	for i := 0; i < nImg; i++ {
		copy(interleaved[(2*i)*per:(2*i+1)*per], in[i*per:(i+1)*per])
		copy(interleaved[(2*i+1)*per:(2*i+2)*per], recons[i*per:(i+1)*per])
	}
	grid := tensor.New(tensor.WithShape(n*n, c, h, w), tensor.WithBacking(interleaved))
	return imggrid.Save(grid, n, fname)
}
