package trainer

import (
	"context"
	"errors"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"gorgonia.org/tensor"

	"vaeforge/internal/config"
	"vaeforge/internal/dataset"
	"vaeforge/internal/model"
)

// fakeModel produces a deterministic Output: elbo[i] = base - i, with the
// reconstruction and KL terms split 75/25 so elbo = -(nll + kl) holds.
type fakeModel struct {
	base        float64
	failForward bool
	c, h, w     int
	step        int64
}

func (f *fakeModel) Forward(x *tensor.Dense) (*model.Output, error) {
	if f.failForward {
		return nil, errors.New("bad shape")
	}
	shape := x.Shape()
	b := shape[0]
	elbo := make([]float64, b)
	nll := make([]float64, b)
	kl := make([]float64, b)
	for i := 0; i < b; i++ {
		elbo[i] = f.base - float64(i)
		nll[i] = -elbo[i] * 0.75
		kl[i] = -elbo[i] * 0.25
	}
	backing := append([]float64(nil), x.Data().([]float64)...)
	sample := tensor.New(tensor.WithShape(shape...), tensor.WithBacking(backing))
	mean := tensor.New(tensor.WithShape(shape...), tensor.WithBacking(append([]float64(nil), backing...)))
	return &model.Output{Sample: sample, Mean: mean, Elbo: elbo, NLL: nll, KL: kl}, nil
}

func (f *fakeModel) SamplePrior(n int) (*tensor.Dense, error) {
	return tensor.New(tensor.WithShape(n, f.c, f.h, f.w),
		tensor.WithBacking(make([]float64, n*f.c*f.h*f.w))), nil
}

func (f *fakeModel) GlobalStep() int64 { return f.step }

func imageBatch(b, c, h, w int) *tensor.Dense {
	backing := make([]float64, b*c*h*w)
	for i := range backing {
		backing[i] = float64(i%7) / 7
	}
	return tensor.New(tensor.WithShape(b, c, h, w), tensor.WithBacking(backing))
}

func testLoader(t *testing.T, n, batchSize int) *dataset.Loader {
	t.Helper()
	l, err := dataset.NewLoader(imageBatch(n, 1, 2, 2), make([]int, n), batchSize, false, 0)
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}
	return l
}

func TestForwardPassLossInvariant(t *testing.T) {
	for _, b := range []int{1, 5, 64} {
		ev := NewEvaluator(&fakeModel{base: -100, c: 1, h: 2, w: 2}, nil)
		res, err := ev.ForwardPass(imageBatch(b, 1, 2, 2), nil)
		if err != nil {
			t.Fatalf("forward pass: %v", err)
		}
		if len(res.ElboSep) != b {
			t.Fatalf("b=%d: elbo vector has %d entries", b, len(res.ElboSep))
		}
		mean := 0.0
		for _, e := range res.ElboSep {
			mean += e
		}
		mean /= float64(b)
		if math.Abs(res.Loss+mean) > 1e-12 {
			t.Fatalf("b=%d: loss %g is not the negated mean elbo %g", b, res.Loss, mean)
		}
		if math.Abs(res.Metrics[MetricElbo]+res.Loss) > 1e-12 {
			t.Fatalf("b=%d: elbo metric %g must equal -loss %g", b, res.Metrics[MetricElbo], res.Loss)
		}
		sum := res.Metrics[MetricRecons] + res.Metrics[MetricKL]
		if math.Abs(res.Metrics[MetricElbo]+sum) > 1e-9 {
			t.Fatalf("b=%d: elbo %g does not decompose into recons+kl %g", b, res.Metrics[MetricElbo], sum)
		}
	}
}

func TestForwardPassPropagatesModelError(t *testing.T) {
	ev := NewEvaluator(&fakeModel{failForward: true}, nil)
	if _, err := ev.ForwardPass(imageBatch(2, 1, 2, 2), nil); err == nil {
		t.Fatal("expected model error to propagate")
	}
}

func TestWriteDiagnosticsUndersizedBatch(t *testing.T) {
	dir := t.TempDir()
	m := &fakeModel{base: -10, c: 1, h: 2, w: 2}
	ev := NewEvaluator(m, nil)
	// 31 examples is one short of the 32 the reconstruction grid needs.
	err := WriteDiagnostics(ev, m, testLoader(t, 31, 64), dir, 7, false)
	if err == nil {
		t.Fatal("expected undersized batch error")
	}
	if !strings.Contains(err.Error(), "32") || !strings.Contains(err.Error(), "31") {
		t.Fatalf("error must name required and actual sizes: %v", err)
	}
}

func TestWriteDiagnosticsWritesGrids(t *testing.T) {
	dir := t.TempDir()
	m := &fakeModel{base: -10, c: 1, h: 2, w: 2}
	ev := NewEvaluator(m, nil)
	if err := WriteDiagnostics(ev, m, testLoader(t, 32, 64), dir, 7, false); err != nil {
		t.Fatalf("write diagnostics: %v", err)
	}
	for _, name := range []string{"sample_7.png", "reconstruction_7.png"} {
		f, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("missing %s: %v", name, err)
		}
		img, err := png.Decode(f)
		f.Close()
		if err != nil {
			t.Fatalf("decode %s: %v", name, err)
		}
		// 8 tiles of 2x2 pixels per row with 2px padding.
		if want := 8*(2+2) + 2; img.Bounds().Dx() != want {
			t.Fatalf("%s: expected width %d, got %d", name, want, img.Bounds().Dx())
		}
	}
}

func TestWriteDiagnosticsDryRun(t *testing.T) {
	dir := t.TempDir()
	m := &fakeModel{base: -10, c: 1, h: 2, w: 2}
	ev := NewEvaluator(m, nil)
	if err := WriteDiagnostics(ev, m, testLoader(t, 32, 64), dir, 7, true); err != nil {
		t.Fatalf("dry run: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("dry run wrote %d files", len(entries))
	}
}

func TestEstimateLogLikelihoodDeterministicModel(t *testing.T) {
	// With identical ELBOs across samples the importance-sampling estimate
	// collapses to the mean ELBO itself.
	ev := NewEvaluator(&fakeModel{base: -50, c: 1, h: 2, w: 2}, nil)
	b := 4
	ll, err := EstimateLogLikelihood(ev, imageBatch(b, 1, 2, 2), 10)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	want := -50.0 - float64(b-1)/2
	if math.Abs(ll-want) > 1e-9 {
		t.Fatalf("expected %g, got %g", want, ll)
	}
	if _, err := EstimateLogLikelihood(ev, imageBatch(b, 1, 2, 2), 0); err == nil {
		t.Fatal("expected error for zero samples")
	}
}

func TestCheckpointRoundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.ckpt")

	src := model.NewVAE(1, 2, 2, 3, 2, 1)
	src.SetGlobalStep(1234)
	if err := SaveCheckpoint(path, src); err != nil {
		t.Fatalf("save: %v", err)
	}

	dst := model.NewVAE(1, 2, 2, 3, 2, 99)
	if err := LoadCheckpoint(path, dst); err != nil {
		t.Fatalf("load: %v", err)
	}
	if dst.GlobalStep() != 1234 {
		t.Fatalf("step not restored: %d", dst.GlobalStep())
	}
	srcParams := src.Params()
	for i, p := range dst.Params() {
		for j := range p.W {
			if p.W[j] != srcParams[i].W[j] {
				t.Fatalf("parameter %s[%d] not restored", p.Name, j)
			}
		}
	}
}

func TestLoadCheckpointRejectsMismatchedModel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.ckpt")
	src := model.NewVAE(1, 2, 2, 3, 2, 1)
	if err := SaveCheckpoint(path, src); err != nil {
		t.Fatalf("save: %v", err)
	}
	other := model.NewVAE(1, 2, 2, 5, 2, 1)
	if err := LoadCheckpoint(path, other); err == nil {
		t.Fatal("expected size mismatch error")
	}
}

func TestRunTrainsAndEmitsArtifacts(t *testing.T) {
	dir := t.TempDir()
	imgDir := filepath.Join(dir, "imgs")
	if err := os.MkdirAll(imgDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	mgr, err := dataset.FromTensors(
		imageBatch(16, 1, 2, 2), make([]int, 16),
		imageBatch(40, 1, 2, 2), make([]int, 40),
		8, 32, 1)
	if err != nil {
		t.Fatalf("dataset: %v", err)
	}

	opts := config.Default()
	opts.Steps = 4
	opts.TrainLogEvery = 2
	opts.TestLogEvery = 2
	opts.CheckpointEvery = 2
	opts.LoglikelihoodEvery = 4
	opts.LoglikelihoodSamples = 2
	if err := opts.Validate(); err != nil {
		t.Fatalf("opts: %v", err)
	}

	m := model.NewVAE(1, 2, 2, 4, 2, 1)
	ckpt := filepath.Join(dir, "model.ckpt")
	rc := RunConfig{
		Opts:           opts,
		ImageDir:       imgDir,
		CheckpointPath: ckpt,
		Logger:         zerolog.Nop(),
	}
	if err := Run(context.Background(), m, mgr, model.NewAdam(opts.LR, opts.WeightDecay), rc); err != nil {
		t.Fatalf("run: %v", err)
	}
	if m.GlobalStep() != 4 {
		t.Fatalf("expected 4 steps, got %d", m.GlobalStep())
	}
	if _, err := os.Stat(ckpt); err != nil {
		t.Fatalf("missing checkpoint: %v", err)
	}
	for _, name := range []string{"sample_2.png", "reconstruction_2.png", "sample_4.png", "reconstruction_4.png"} {
		if _, err := os.Stat(filepath.Join(imgDir, name)); err != nil {
			t.Fatalf("missing %s: %v", name, err)
		}
	}
}

func TestRunDryRunWritesNothing(t *testing.T) {
	dir := t.TempDir()
	imgDir := filepath.Join(dir, "imgs")
	if err := os.MkdirAll(imgDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	mgr, err := dataset.FromTensors(
		imageBatch(16, 1, 2, 2), make([]int, 16),
		imageBatch(40, 1, 2, 2), make([]int, 40),
		8, 32, 1)
	if err != nil {
		t.Fatalf("dataset: %v", err)
	}
	opts := config.Default()
	opts.Steps = 4
	opts.TrainLogEvery = 2
	opts.TestLogEvery = 2
	opts.CheckpointEvery = 2
	opts.LoglikelihoodEvery = 4
	opts.LoglikelihoodSamples = 2
	opts.DryRun = true

	m := model.NewVAE(1, 2, 2, 4, 2, 1)
	rc := RunConfig{
		Opts:           opts,
		ImageDir:       imgDir,
		CheckpointPath: filepath.Join(dir, "model.ckpt"),
		Logger:         zerolog.Nop(),
	}
	if err := Run(context.Background(), m, mgr, model.NewAdam(opts.LR, 0), rc); err != nil {
		t.Fatalf("run: %v", err)
	}
	entries, err := os.ReadDir(imgDir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("dry run wrote %d image files", len(entries))
	}
	if _, err := os.Stat(filepath.Join(dir, "model.ckpt")); !os.IsNotExist(err) {
		t.Fatal("dry run wrote a checkpoint")
	}
}

func TestRunHonorsCancellation(t *testing.T) {
	mgr, err := dataset.FromTensors(
		imageBatch(16, 1, 2, 2), make([]int, 16),
		imageBatch(40, 1, 2, 2), make([]int, 40),
		8, 32, 1)
	if err != nil {
		t.Fatalf("dataset: %v", err)
	}
	opts := config.Default()
	opts.Steps = 1000
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := model.NewVAE(1, 2, 2, 4, 2, 1)
	err = Run(ctx, m, mgr, model.NewAdam(opts.LR, 0), RunConfig{Opts: opts, Logger: zerolog.Nop()})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
