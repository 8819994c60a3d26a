package model

// Parameter is a named weight vector together with its accumulated gradient.
// Matrices are stored row-major in W.
type Parameter struct {
	Name string
	W    []float64
	G    []float64
}

func newParameter(name string, n int) *Parameter {
	return &Parameter{Name: name, W: make([]float64, n), G: make([]float64, n)}
}

// ZeroGrad clears the accumulated gradient.
func (p *Parameter) ZeroGrad() {
	for i := range p.G {
		p.G[i] = 0
	}
}
