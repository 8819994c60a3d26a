package model

import (
	"math"
	"math/rand"
	"testing"

	"gorgonia.org/tensor"
)

func denseBatch(backing []float64, dims ...int) *tensor.Dense {
	return tensor.New(tensor.WithShape(dims...), tensor.WithBacking(backing))
}

func newTinyVAE() *VAE {
	return NewVAE(1, 2, 2, 3, 2, 1)
}

func randomBatch(b, per int, seed int64) []float64 {
	rng := rand.New(rand.NewSource(seed))
	xs := make([]float64, b*per)
	for i := range xs {
		xs[i] = rng.Float64()
	}
	return xs
}

func TestForwardOutputShapes(t *testing.T) {
	v := newTinyVAE()
	x := denseBatch(randomBatch(5, 4, 2), 5, 1, 2, 2)
	out, err := v.Forward(x)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if len(out.Elbo) != 5 || len(out.NLL) != 5 || len(out.KL) != 5 {
		t.Fatalf("per-example vectors must have batch length, got %d/%d/%d",
			len(out.Elbo), len(out.NLL), len(out.KL))
	}
	for i := range out.Elbo {
		want := -(out.NLL[i] + out.KL[i])
		if math.Abs(out.Elbo[i]-want) > 1e-12 {
			t.Fatalf("elbo[%d]=%g does not match -(nll+kl)=%g", i, out.Elbo[i], want)
		}
		if out.KL[i] < 0 {
			t.Fatalf("kl[%d] negative: %g", i, out.KL[i])
		}
	}
	if s := out.Mean.Shape(); s[0] != 5 || s[1] != 1 || s[2] != 2 || s[3] != 2 {
		t.Fatalf("unexpected mean shape %v", s)
	}
}

func TestForwardRejectsWrongShape(t *testing.T) {
	v := newTinyVAE()
	x := denseBatch(randomBatch(2, 9, 3), 2, 1, 3, 3)
	if _, err := v.Forward(x); err == nil {
		t.Fatal("expected shape mismatch error")
	}
}

// TestGradients checks the analytic backward pass against central finite
// differences, with the noise source reseeded so every evaluation sees the
// same latent draws.
func TestGradients(t *testing.T) {
	v := newTinyVAE()
	x := denseBatch(randomBatch(2, 4, 7), 2, 1, 2, 2)

	lossAt := func() float64 {
		v.rng = rand.New(rand.NewSource(99))
		out, err := v.run(x, false)
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		total := 0.0
		for i := range out.NLL {
			total += out.NLL[i] + out.KL[i]
		}
		return total / float64(len(out.NLL))
	}

	v.rng = rand.New(rand.NewSource(99))
	if _, err := v.run(x, true); err != nil {
		t.Fatalf("run: %v", err)
	}
	analytic := make(map[string][]float64)
	for _, p := range v.Params() {
		analytic[p.Name] = append([]float64(nil), p.G...)
	}

	const h = 1e-5
	for _, p := range v.Params() {
		for i := range p.W {
			orig := p.W[i]
			p.W[i] = orig + h
			up := lossAt()
			p.W[i] = orig - h
			down := lossAt()
			p.W[i] = orig
			numeric := (up - down) / (2 * h)
			ana := analytic[p.Name][i]
			tol := 1e-6 + 1e-4*math.Max(math.Abs(numeric), math.Abs(ana))
			if math.Abs(numeric-ana) > tol {
				t.Fatalf("%s[%d]: analytic %g vs numeric %g", p.Name, i, ana, numeric)
			}
		}
	}
}

func TestTrainStepAdvancesGlobalStep(t *testing.T) {
	v := newTinyVAE()
	opt := NewAdam(1e-3, 0)
	x := denseBatch(randomBatch(4, 4, 11), 4, 1, 2, 2)
	if v.GlobalStep() != 0 {
		t.Fatalf("fresh model must start at step 0, got %d", v.GlobalStep())
	}
	for i := 0; i < 3; i++ {
		if _, err := v.TrainStep(x, opt); err != nil {
			t.Fatalf("train step: %v", err)
		}
	}
	if v.GlobalStep() != 3 {
		t.Fatalf("expected step 3, got %d", v.GlobalStep())
	}
}

func TestTrainingReducesLoss(t *testing.T) {
	v := NewVAE(1, 4, 4, 16, 4, 5)
	opt := NewAdam(1e-2, 0)
	x := denseBatch(make([]float64, 8*16), 8, 1, 4, 4) // all-black batch

	loss := func(out *Output) float64 {
		total := 0.0
		for i := range out.NLL {
			total += out.NLL[i] + out.KL[i]
		}
		return total / float64(len(out.NLL))
	}

	var first, last float64
	for step := 0; step < 300; step++ {
		out, err := v.TrainStep(x, opt)
		if err != nil {
			t.Fatalf("train step: %v", err)
		}
		l := loss(out)
		if step < 10 {
			first += l / 10
		}
		if step >= 290 {
			last += l / 10
		}
	}
	if last >= first {
		t.Fatalf("loss did not decrease: first %.4f last %.4f", first, last)
	}
}

func TestSamplePrior(t *testing.T) {
	v := newTinyVAE()
	imgs, err := v.SamplePrior(6)
	if err != nil {
		t.Fatalf("sample prior: %v", err)
	}
	if s := imgs.Shape(); s[0] != 6 || s[1] != 1 || s[2] != 2 || s[3] != 2 {
		t.Fatalf("unexpected shape %v", s)
	}
	for _, p := range imgs.Data().([]float64) {
		if p < 0 || p > 1 {
			t.Fatalf("pixel out of range: %g", p)
		}
	}
	if _, err := v.SamplePrior(0); err == nil {
		t.Fatal("expected error for zero samples")
	}
}

func TestAdamStepDirection(t *testing.T) {
	p := newParameter("w", 2)
	p.W[0], p.W[1] = 1, -1
	p.G[0], p.G[1] = 10, -10
	opt := NewAdam(0.1, 0)
	if err := opt.Apply([]*Parameter{p}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	// First Adam step moves by ~lr against the gradient sign.
	if p.W[0] >= 1 || p.W[1] <= -1 {
		t.Fatalf("update went the wrong way: %v", p.W)
	}
	if math.Abs((1-p.W[0])-0.1) > 1e-3 {
		t.Fatalf("first step should be close to lr, moved %g", 1-p.W[0])
	}
}
