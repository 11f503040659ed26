package optimizations

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestAdamWFirstStepMovesBySignTimesLR(t *testing.T) {
	w := NewParam("w", mat.NewDense(1, 3, []float64{1, -1, 0.5}), false)
	b := NewParam("b", mat.NewDense(1, 1, []float64{1}), true)
	w.Grad.Copy(mat.NewDense(1, 3, []float64{0.3, -2, 0}))
	b.Grad.Set(0, 0, 4)

	opt := NewAdamW([]*Param{w, b}, 0.9, 0.999, 1e-12, 0)
	opt.Step(0.1)

	// bias-corrected first step is lr * g/|g|
	require.InDelta(t, 0.9, w.Value.At(0, 0), 1e-6)
	require.InDelta(t, -0.9, w.Value.At(0, 1), 1e-6)
	require.InDelta(t, 0.5, w.Value.At(0, 2), 1e-6)
	require.InDelta(t, 0.9, b.Value.At(0, 0), 1e-6)

	m, v := w.Moments()
	require.NotNil(t, m)
	require.NotNil(t, v)
	require.Equal(t, 1, opt.T)
}

func TestAdamWSkipsDecayOnNoDecayParams(t *testing.T) {
	w := NewParam("w", mat.NewDense(1, 1, []float64{1}), false)
	ln := NewParam("ln.weight", mat.NewDense(1, 1, []float64{1}), true)

	opt := NewAdamW([]*Param{w, ln}, 0.9, 0.999, 1e-8, 0.1)
	opt.Step(0.5)

	require.InDelta(t, 1-0.5*0.1, w.Value.At(0, 0), 1e-9)
	require.InDelta(t, 1, ln.Value.At(0, 0), 1e-9)
}

func TestClipGradNorm(t *testing.T) {
	a := NewParam("a", mat.NewDense(1, 2, nil), false)
	b := NewParam("b", mat.NewDense(1, 1, nil), false)
	a.Grad.Copy(mat.NewDense(1, 2, []float64{3, 0}))
	b.Grad.Set(0, 0, 4)

	opt := NewAdamW([]*Param{a, b}, 0.9, 0.999, 1e-8, 0)
	scale := opt.ClipGradNorm(1)
	require.InDelta(t, 0.2, scale, 1e-12)
	require.InDelta(t, 0.6, a.Grad.At(0, 0), 1e-12)
	require.InDelta(t, 0.8, b.Grad.At(0, 0), 1e-12)

	opt.ZeroGrad()
	require.Equal(t, 0.0, mat.Sum(a.Grad)+mat.Sum(b.Grad))
}

func TestShareValueKeepsPrivateGrad(t *testing.T) {
	p := NewParam("p", mat.NewDense(2, 2, []float64{1, 2, 3, 4}), false)
	q := p.ShareValue()
	q.AccumulateGrad(mat.NewDense(2, 2, []float64{1, 1, 1, 1}))

	require.Same(t, p.Value, q.Value)
	require.Equal(t, 0.0, mat.Sum(p.Grad))
	require.Equal(t, 4.0, mat.Sum(q.Grad))
	require.Equal(t, 8, CountParams([]*Param{p, q}))
}

func TestLayerNormGradCheck(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	ln := NewLayerNorm("ln", 4, 1e-5)
	for i := 0; i < 4; i++ {
		ln.Gamma.Value.Set(i, 0, 1+0.1*rng.NormFloat64())
		ln.Beta.Value.Set(i, 0, 0.1*rng.NormFloat64())
	}
	X := mat.NewDense(4, 3, nil)
	R := mat.NewDense(4, 3, nil)
	for i := 0; i < 4; i++ {
		for j := 0; j < 3; j++ {
			X.Set(i, j, rng.NormFloat64())
			R.Set(i, j, rng.NormFloat64())
		}
	}
	loss := func() float64 {
		var p mat.Dense
		p.MulElem(ln.Forward(X), R)
		return mat.Sum(&p)
	}

	loss()
	dX := ln.Backward(R)

	eps := 1e-6
	check := func(name string, m *mat.Dense, i, j int, ana float64) {
		w0 := m.At(i, j)
		m.Set(i, j, w0+eps)
		lp := loss()
		m.Set(i, j, w0-eps)
		lm := loss()
		m.Set(i, j, w0)
		num := (lp - lm) / (2 * eps)
		if math.Abs(num-ana) > 1e-5 {
			t.Fatalf("%s[%d,%d]: num=%.6g ana=%.6g", name, i, j, num, ana)
		}
	}
	for i := 0; i < 4; i++ {
		check("gamma", ln.Gamma.Value, i, 0, ln.Gamma.Grad.At(i, 0))
		check("beta", ln.Beta.Value, i, 0, ln.Beta.Grad.At(i, 0))
		check("x", X, i, 1, dX.At(i, 1))
	}
}
