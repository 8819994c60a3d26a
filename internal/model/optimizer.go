package model

import (
	"errors"
	"math"
)

// Optimizer applies accumulated gradients to a parameter set.
type Optimizer interface {
	Apply(params []*Parameter) error
}

// Adam implements the Adam update rule with decoupled first and second
// moment estimates and L2 weight decay folded into the gradient.
type Adam struct {
	lr          float64
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64

	t int64
	m map[string][]float64
	v map[string][]float64
}

// NewAdam constructs an Adam optimizer with the standard moment decay rates.
func NewAdam(lr, weightDecay float64) *Adam {
	return &Adam{
		lr:          lr,
		beta1:       0.9,
		beta2:       0.999,
		eps:         1e-8,
		weightDecay: weightDecay,
		m:           make(map[string][]float64),
		v:           make(map[string][]float64),
	}
}

// Apply performs one Adam step over params using their accumulated gradients.
func (a *Adam) Apply(params []*Parameter) error {
	if len(params) == 0 {
		return errors.New("adam: no parameters")
	}
	a.t++
	c1 := 1 - math.Pow(a.beta1, float64(a.t))
	c2 := 1 - math.Pow(a.beta2, float64(a.t))
	for _, p := range params {
		m, ok := a.m[p.Name]
		if !ok {
			m = make([]float64, len(p.W))
			a.m[p.Name] = m
		}
		v, ok := a.v[p.Name]
		if !ok {
			v = make([]float64, len(p.W))
			a.v[p.Name] = v
		}
		if len(m) != len(p.W) {
			return errors.New("adam: parameter size changed between steps")
		}
		for i := range p.W {
			g := p.G[i] + a.weightDecay*p.W[i]
			m[i] = a.beta1*m[i] + (1-a.beta1)*g
			v[i] = a.beta2*v[i] + (1-a.beta2)*g*g
			mHat := m[i] / c1
			vHat := v[i] / c2
			p.W[i] -= a.lr * mHat / (math.Sqrt(vHat) + a.eps)
		}
	}
	return nil
}
