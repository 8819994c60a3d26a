package trainer

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gorgonia.org/tensor"
)

// EstimateLogLikelihood approximates the marginal log-likelihood of the
// batch by importance sampling: each example's ELBO is evaluated over
// `samples` independent forward passes and combined as
// logsumexp(elbo_1..elbo_S) - log S, then averaged over the batch.
func EstimateLogLikelihood(ev *Evaluator, x *tensor.Dense, samples int) (float64, error) {
	if samples <= 0 {
		return 0, fmt.Errorf("loglikelihood: sample count must be > 0 (got %d)", samples)
	}
	b := x.Shape()[0]
	elbos := make([][]float64, b)
	for i := range elbos {
		elbos[i] = make([]float64, samples)
	}
	for s := 0; s < samples; s++ {
		res, err := ev.ForwardPass(x, nil)
		if err != nil {
			return 0, err
		}
		if len(res.ElboSep) != b {
			return 0, fmt.Errorf("loglikelihood: expected %d elbo entries, got %d", b, len(res.ElboSep))
		}
		for i, e := range res.ElboSep {
			elbos[i][s] = e
		}
	}
	logS := math.Log(float64(samples))
	ll := make([]float64, b)
	for i := range ll {
		ll[i] = floats.LogSumExp(elbos[i]) - logS
	}
	return stat.Mean(ll, nil), nil
}
