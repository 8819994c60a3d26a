package model

import (
	"fmt"
	"math"
	"math/rand"

	"gorgonia.org/tensor"
)

// VAE is a fully-connected variational autoencoder with a diagonal Gaussian
// posterior and a Bernoulli observation model. The encoder maps pixels to a
// latent mean and log-variance, a reparameterized draw is decoded back to
// per-pixel Bernoulli means. Gradients are computed analytically during
// TrainStep.
type VAE struct {
	c, h, w int
	inDim   int
	hidden  int
	latent  int

	w1, b1 *Parameter // encoder input -> hidden
	wm, bm *Parameter // hidden -> latent mean
	wv, bv *Parameter // hidden -> latent log-variance
	w2, b2 *Parameter // latent -> hidden
	w3, b3 *Parameter // hidden -> pixel logits

	rng  *rand.Rand
	step int64
}

// NewVAE constructs a VAE for c×h×w images with the given hidden and latent
// widths. Weights are initialized uniformly at ±1/sqrt(fan-in).
func NewVAE(c, h, w, hidden, latent int, seed int64) *VAE {
	inDim := c * h * w
	v := &VAE{
		c: c, h: h, w: w,
		inDim:  inDim,
		hidden: hidden,
		latent: latent,
		w1:     newParameter("enc.w1", hidden*inDim),
		b1:     newParameter("enc.b1", hidden),
		wm:     newParameter("enc.wm", latent*hidden),
		bm:     newParameter("enc.bm", latent),
		wv:     newParameter("enc.wv", latent*hidden),
		bv:     newParameter("enc.bv", latent),
		w2:     newParameter("dec.w2", hidden*latent),
		b2:     newParameter("dec.b2", hidden),
		w3:     newParameter("dec.w3", inDim*hidden),
		b3:     newParameter("dec.b3", inDim),
		rng:    rand.New(rand.NewSource(seed)),
	}
	v.initWeights(v.w1, inDim)
	v.initWeights(v.wm, hidden)
	v.initWeights(v.wv, hidden)
	v.initWeights(v.w2, latent)
	v.initWeights(v.w3, hidden)
	return v
}

// NewMNISTVAE constructs the default model for 1×28×28 images.
func NewMNISTVAE(seed int64) *VAE {
	return NewVAE(1, 28, 28, 400, 20, seed)
}

func (v *VAE) initWeights(p *Parameter, fanIn int) {
	scale := 1.0 / math.Sqrt(float64(fanIn))
	for i := range p.W {
		p.W[i] = (v.rng.Float64()*2 - 1) * scale
	}
}

// Params returns the trainable parameters in a fixed order.
func (v *VAE) Params() []*Parameter {
	return []*Parameter{v.w1, v.b1, v.wm, v.bm, v.wv, v.bv, v.w2, v.b2, v.w3, v.b3}
}

// GlobalStep reports the number of optimization steps taken.
func (v *VAE) GlobalStep() int64 { return v.step }

// SetGlobalStep overwrites the step counter, used when resuming.
func (v *VAE) SetGlobalStep(step int64) { v.step = step }

// Forward evaluates the model on a batch without touching gradients.
func (v *VAE) Forward(x *tensor.Dense) (*Output, error) {
	return v.run(x, false)
}

// TrainStep runs one forward/backward pass over the batch, applies the
// gradients through opt and advances the global step.
func (v *VAE) TrainStep(x *tensor.Dense, opt Optimizer) (*Output, error) {
	out, err := v.run(x, true)
	if err != nil {
		return nil, err
	}
	if err := opt.Apply(v.Params()); err != nil {
		return nil, err
	}
	for _, p := range v.Params() {
		p.ZeroGrad()
	}
	v.step++
	return out, nil
}

// SamplePrior decodes n standard-normal latent draws into image means.
func (v *VAE) SamplePrior(n int) (*tensor.Dense, error) {
	if n <= 0 {
		return nil, fmt.Errorf("vae: sample count must be > 0 (got %d)", n)
	}
	z := make([]float64, v.latent)
	h2 := make([]float64, v.hidden)
	imgs := make([]float64, n*v.inDim)
	for i := 0; i < n; i++ {
		for d := range z {
			z[d] = v.rng.NormFloat64()
		}
		v.decode(z, h2, imgs[i*v.inDim:(i+1)*v.inDim])
	}
	return tensor.New(tensor.WithShape(n, v.c, v.h, v.w), tensor.WithBacking(imgs)), nil
}

func (v *VAE) decode(z, h2, mean []float64) {
	for j := 0; j < v.hidden; j++ {
		s := v.b2.W[j]
		row := v.w2.W[j*v.latent:]
		for d := 0; d < v.latent; d++ {
			s += row[d] * z[d]
		}
		h2[j] = math.Tanh(s)
	}
	for k := 0; k < v.inDim; k++ {
		s := v.b3.W[k]
		row := v.w3.W[k*v.hidden:]
		for j := 0; j < v.hidden; j++ {
			s += row[j] * h2[j]
		}
		mean[k] = sigmoid(s)
	}
}

func (v *VAE) run(x *tensor.Dense, withGrads bool) (*Output, error) {
	shape := x.Shape()
	if len(shape) < 2 {
		return nil, fmt.Errorf("vae: batch must have at least 2 dims, got shape %v", shape)
	}
	b := shape[0]
	per := 1
	for _, d := range shape[1:] {
		per *= d
	}
	if per != v.inDim {
		return nil, fmt.Errorf("vae: input shape %v incompatible with model input size %d", shape, v.inDim)
	}
	xs, ok := x.Data().([]float64)
	if !ok {
		return nil, fmt.Errorf("vae: batch must have float64 backing, got %T", x.Data())
	}

	sample := make([]float64, b*v.inDim)
	mean := make([]float64, b*v.inDim)
	elbo := make([]float64, b)
	nll := make([]float64, b)
	kl := make([]float64, b)

	h1 := make([]float64, v.hidden)
	mu := make([]float64, v.latent)
	lv := make([]float64, v.latent)
	eps := make([]float64, v.latent)
	z := make([]float64, v.latent)
	h2 := make([]float64, v.hidden)

	var dLogit, dh2, dz, dmu, dlv, dh1 []float64
	if withGrads {
		for _, p := range v.Params() {
			p.ZeroGrad()
		}
		dLogit = make([]float64, v.inDim)
		dh2 = make([]float64, v.hidden)
		dz = make([]float64, v.latent)
		dmu = make([]float64, v.latent)
		dlv = make([]float64, v.latent)
		dh1 = make([]float64, v.hidden)
	}
	scale := 1.0 / float64(b)

	for i := 0; i < b; i++ {
		xi := xs[i*v.inDim : (i+1)*v.inDim]
		yi := mean[i*v.inDim : (i+1)*v.inDim]
		si := sample[i*v.inDim : (i+1)*v.inDim]

		// Encoder.
		for j := 0; j < v.hidden; j++ {
			s := v.b1.W[j]
			row := v.w1.W[j*v.inDim:]
			for k := 0; k < v.inDim; k++ {
				s += row[k] * xi[k]
			}
			h1[j] = math.Tanh(s)
		}
		for d := 0; d < v.latent; d++ {
			sm := v.bm.W[d]
			sv := v.bv.W[d]
			rowM := v.wm.W[d*v.hidden:]
			rowV := v.wv.W[d*v.hidden:]
			for j := 0; j < v.hidden; j++ {
				sm += rowM[j] * h1[j]
				sv += rowV[j] * h1[j]
			}
			mu[d] = sm
			lv[d] = sv
			eps[d] = v.rng.NormFloat64()
			z[d] = mu[d] + eps[d]*math.Exp(0.5*lv[d])
		}

		// Decoder.
		for j := 0; j < v.hidden; j++ {
			s := v.b2.W[j]
			row := v.w2.W[j*v.latent:]
			for d := 0; d < v.latent; d++ {
				s += row[d] * z[d]
			}
			h2[j] = math.Tanh(s)
		}
		var nllI float64
		for k := 0; k < v.inDim; k++ {
			s := v.b3.W[k]
			row := v.w3.W[k*v.hidden:]
			for j := 0; j < v.hidden; j++ {
				s += row[j] * h2[j]
			}
			y := sigmoid(s)
			yi[k] = y
			yc := clamp(y, 1e-7, 1-1e-7)
			nllI -= xi[k]*math.Log(yc) + (1-xi[k])*math.Log(1-yc)
			if v.rng.Float64() < y {
				si[k] = 1
			}
		}
		var klI float64
		for d := 0; d < v.latent; d++ {
			klI -= 0.5 * (1 + lv[d] - mu[d]*mu[d] - math.Exp(lv[d]))
		}
		nll[i] = nllI
		kl[i] = klI
		elbo[i] = -(nllI + klI)

		if !withGrads {
			continue
		}

		// Backward for loss = mean(nll + kl), accumulated at 1/B per example.
		for k := 0; k < v.inDim; k++ {
			dLogit[k] = (yi[k] - xi[k]) * scale
		}
		for j := 0; j < v.hidden; j++ {
			dh2[j] = 0
		}
		for k := 0; k < v.inDim; k++ {
			g := dLogit[k]
			rowW := v.w3.W[k*v.hidden:]
			rowG := v.w3.G[k*v.hidden:]
			for j := 0; j < v.hidden; j++ {
				rowG[j] += g * h2[j]
				dh2[j] += rowW[j] * g
			}
			v.b3.G[k] += g
		}
		for j := 0; j < v.hidden; j++ {
			dh2[j] *= 1 - h2[j]*h2[j]
		}
		for d := 0; d < v.latent; d++ {
			dz[d] = 0
		}
		for j := 0; j < v.hidden; j++ {
			g := dh2[j]
			rowW := v.w2.W[j*v.latent:]
			rowG := v.w2.G[j*v.latent:]
			for d := 0; d < v.latent; d++ {
				rowG[d] += g * z[d]
				dz[d] += rowW[d] * g
			}
			v.b2.G[j] += g
		}
		for d := 0; d < v.latent; d++ {
			dmu[d] = dz[d] + scale*mu[d]
			dlv[d] = dz[d]*0.5*eps[d]*math.Exp(0.5*lv[d]) + scale*0.5*(math.Exp(lv[d])-1)
		}
		for j := 0; j < v.hidden; j++ {
			dh1[j] = 0
		}
		for d := 0; d < v.latent; d++ {
			gm := dmu[d]
			gv := dlv[d]
			rowMW := v.wm.W[d*v.hidden:]
			rowMG := v.wm.G[d*v.hidden:]
			rowVW := v.wv.W[d*v.hidden:]
			rowVG := v.wv.G[d*v.hidden:]
			for j := 0; j < v.hidden; j++ {
				rowMG[j] += gm * h1[j]
				rowVG[j] += gv * h1[j]
				dh1[j] += rowMW[j]*gm + rowVW[j]*gv
			}
			v.bm.G[d] += gm
			v.bv.G[d] += gv
		}
		for j := 0; j < v.hidden; j++ {
			g := dh1[j] * (1 - h1[j]*h1[j])
			rowG := v.w1.G[j*v.inDim:]
			for k := 0; k < v.inDim; k++ {
				rowG[k] += g * xi[k]
			}
			v.b1.G[j] += g
		}
	}

	out := &Output{
		Sample: tensor.New(tensor.WithShape(b, v.c, v.h, v.w), tensor.WithBacking(sample)),
		Mean:   tensor.New(tensor.WithShape(b, v.c, v.h, v.w), tensor.WithBacking(mean)),
		Elbo:   elbo,
		NLL:    nll,
		KL:     kl,
	}
	return out, nil
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
