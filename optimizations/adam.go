package optimizations

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/jolt8888/MLOPS-Project2/utils"
)

// AdamW owns the step counter and hyperparameters; moments live on each Param.
type AdamW struct {
	Params      []*Param
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64
	T           int
}

func NewAdamW(ps []*Param, beta1, beta2, eps, weightDecay float64) *AdamW {
	return &AdamW{Params: ps, Beta1: beta1, Beta2: beta2, Eps: eps, WeightDecay: weightDecay}
}

// Step applies one update with learning rate lr to every param.
func (opt *AdamW) Step(lr float64) {
	opt.T++
	for _, p := range opt.Params {
		if p.m == nil {
			p.m = utils.ZerosLike(p.Value)
			p.v = utils.ZerosLike(p.Value)
		}
		wd := opt.WeightDecay
		if p.NoDecay {
			wd = 0
		}
		AdamUpdateInPlace(p.Value, p.Grad, p.m, p.v, opt.T, lr, opt.Beta1, opt.Beta2, opt.Eps, wd)
	}
}

func (opt *AdamW) ZeroGrad() {
	for _, p := range opt.Params {
		p.ZeroGrad()
	}
}

// ClipGradNorm rescales all gradients so their global L2 norm is <= maxNorm
// and returns the scale applied.
func (opt *AdamW) ClipGradNorm(maxNorm float64) float64 {
	grads := make([]*mat.Dense, len(opt.Params))
	for i, p := range opt.Params {
		grads[i] = p.Grad
	}
	return utils.ClipGrads(maxNorm, grads...)
}

// p -= lr * (mhat/(sqrt(vhat)+eps) + wd * p) with bias correction (AdamW).
func AdamUpdateInPlace(
	p, g, m, v *mat.Dense,
	t int,
	lr, beta1, beta2, eps, weightDecay float64,
) {
	pr, pc := p.Dims()
	if gr, gc := g.Dims(); gr != pr || gc != pc {
		panic("adamUpdateInPlace: grad shape mismatch")
	}
	if mr, mc := m.Dims(); mr != pr || mc != pc {
		panic("adamUpdateInPlace: m shape mismatch")
	}
	if vr, vc := v.Dims(); vr != pr || vc != pc {
		panic("adamUpdateInPlace: v shape mismatch")
	}
	b1t := math.Pow(beta1, float64(t))
	b2t := math.Pow(beta2, float64(t))
	c1 := 1.0 / (1.0 - b1t)
	c2 := 1.0 / (1.0 - b2t)
	for i := 0; i < pr; i++ {
		for j := 0; j < pc; j++ {
			gij := g.At(i, j)
			mij := beta1*m.At(i, j) + (1.0-beta1)*gij
			vij := beta2*v.At(i, j) + (1.0-beta2)*gij*gij
			mhat := mij * c1
			vhat := vij * c2
			denom := math.Sqrt(vhat) + eps
			wdTerm := weightDecay * p.At(i, j)
			update := mhat/denom + wdTerm
			pij := p.At(i, j) - lr*update
			m.Set(i, j, mij)
			v.Set(i, j, vij)
			p.Set(i, j, pij)
		}
	}
}
