package transformer

import (
	"math"
	"math/rand"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/jolt8888/MLOPS-Project2/optimizations"
	"github.com/jolt8888/MLOPS-Project2/utils"
)

// Attention is bidirectional multi-head self attention. Heads are contiguous
// row blocks of the (d x d) projections, the same layout as HF q_lin/k_lin/v_lin.
type Attention struct {
	H      int
	DModel int
	DHead  int

	Wquery, Bquery   *optimizations.Param
	Wkey, Bkey       *optimizations.Param
	Wvalue, Bvalue   *optimizations.Param
	Woutput, Boutput *optimizations.Param

	// cache for backprop
	X       *mat.Dense
	Q, K, V *mat.Dense   // (d x T)
	A       []*mat.Dense // per head (T x T)
	O_cat   *mat.Dense   // (d x T)

	parallel bool // parallelize over heads if true
}

func NewAttention(name string, dModel, nHeads int, rng *rand.Rand, std float64) *Attention {
	if dModel%nHeads != 0 {
		panic("dModel must be divisible by nHeads")
	}
	linear := func(suffix string) (*optimizations.Param, *optimizations.Param) {
		w := mat.NewDense(dModel, dModel, utils.NormalArray(rng, dModel*dModel, std))
		return optimizations.NewParam(name+"."+suffix+".weight", w, false),
			optimizations.NewParam(name+"."+suffix+".bias", mat.NewDense(dModel, 1, nil), true)
	}
	attn := &Attention{H: nHeads, DModel: dModel, DHead: dModel / nHeads}
	attn.Wquery, attn.Bquery = linear("q_lin")
	attn.Wkey, attn.Bkey = linear("k_lin")
	attn.Wvalue, attn.Bvalue = linear("v_lin")
	attn.Woutput, attn.Boutput = linear("out_lin")
	return attn
}

func (attn *Attention) Params() []*optimizations.Param {
	return []*optimizations.Param{
		attn.Wquery, attn.Bquery,
		attn.Wkey, attn.Bkey,
		attn.Wvalue, attn.Bvalue,
		attn.Woutput, attn.Boutput,
	}
}

// Forward: X is (d x T), mask is the (T x T) additive padding mask.
func (attn *Attention) Forward(X, mask *mat.Dense) *mat.Dense {
	attn.X = X
	_, T := X.Dims() // T = number of columns (sequence length)
	attn.Q = utils.AddBias(utils.ToDense(utils.Dot(attn.Wquery.Value, X)), attn.Bquery.Value)
	attn.K = utils.AddBias(utils.ToDense(utils.Dot(attn.Wkey.Value, X)), attn.Bkey.Value)
	attn.V = utils.AddBias(utils.ToDense(utils.Dot(attn.Wvalue.Value, X)), attn.Bvalue.Value)
	attn.A = make([]*mat.Dense, attn.H)
	headsCat := mat.NewDense(attn.DModel, T, nil)

	rescale := 1.0 / math.Sqrt(float64(attn.DHead))
	work := func(h int) {
		base := h * attn.DHead
		qh := attn.Q.Slice(base, base+attn.DHead, 0, T)
		kh := attn.K.Slice(base, base+attn.DHead, 0, T)
		vh := attn.V.Slice(base, base+attn.DHead, 0, T)
		// S = (Q^T K)/sqrt
		var scores mat.Dense
		scores.Mul(qh.T(), kh)
		scores.Scale(rescale, &scores)
		a := mat.NewDense(T, T, nil)
		utils.RowSoftmaxMaskedInPlace(a, &scores, mask)
		attn.A[h] = a
		// O = V * A^T, written straight into the concat rows
		dst := headsCat.Slice(base, base+attn.DHead, 0, T).(*mat.Dense)
		dst.Mul(vh, a.T())
	}
	if attn.parallel && attn.H > 1 {
		var wg sync.WaitGroup
		wg.Add(attn.H)
		for h := 0; h < attn.H; h++ {
			hh := h
			go func() { defer wg.Done(); work(hh) }()
		}
		wg.Wait()
	} else {
		for h := 0; h < attn.H; h++ {
			work(h)
		}
	}
	attn.O_cat = headsCat
	return utils.AddBias(utils.ToDense(utils.Dot(attn.Woutput.Value, headsCat)), attn.Boutput.Value)
}

// Backward accumulates weight grads into the params and returns dX.
func (attn *Attention) Backward(dY *mat.Dense) *mat.Dense {
	dX, grads := attn.BackwardGradsOnly(dY)
	for i, p := range attn.Params() {
		p.AccumulateGrad(grads[i])
	}
	return dX
}

// BackwardGradsOnly returns dX and the grads in Params() order without touching the params.
func (attn *Attention) BackwardGradsOnly(dY *mat.Dense) (*mat.Dense, []*mat.Dense) {
	_, T := dY.Dims()
	dWo := utils.ToDense(utils.Dot(dY, attn.O_cat.T()))
	dbo := utils.RowSums(dY)
	dO := utils.ToDense(utils.Dot(attn.Woutput.Value.T(), dY)) // (d x T)

	dQ := mat.NewDense(attn.DModel, T, nil)
	dK := mat.NewDense(attn.DModel, T, nil)
	dV := mat.NewDense(attn.DModel, T, nil)
	rescale := 1.0 / math.Sqrt(float64(attn.DHead))
	for h := 0; h < attn.H; h++ {
		base := h * attn.DHead
		a := attn.A[h]
		dOh := dO.Slice(base, base+attn.DHead, 0, T)
		qh := attn.Q.Slice(base, base+attn.DHead, 0, T)
		kh := attn.K.Slice(base, base+attn.DHead, 0, T)
		vh := attn.V.Slice(base, base+attn.DHead, 0, T)

		// O = V A^T  =>  dV = dO A, dA = dO^T V
		dV.Slice(base, base+attn.DHead, 0, T).(*mat.Dense).Mul(dOh, a)
		var dA mat.Dense
		dA.Mul(dOh.T(), vh)
		dS := utils.SoftmaxBackward(&dA, a)
		dS.Scale(rescale, dS)
		// S = Q^T K  =>  dQ = K dS^T, dK = Q dS
		dQ.Slice(base, base+attn.DHead, 0, T).(*mat.Dense).Mul(kh, dS.T())
		dK.Slice(base, base+attn.DHead, 0, T).(*mat.Dense).Mul(qh, dS)
	}

	dWq := utils.ToDense(utils.Dot(dQ, attn.X.T()))
	dWk := utils.ToDense(utils.Dot(dK, attn.X.T()))
	dWv := utils.ToDense(utils.Dot(dV, attn.X.T()))

	dX := utils.ToDense(utils.Dot(attn.Wquery.Value.T(), dQ))
	dX.Add(dX, utils.Dot(attn.Wkey.Value.T(), dK))
	dX.Add(dX, utils.Dot(attn.Wvalue.Value.T(), dV))

	return dX, []*mat.Dense{
		dWq, utils.RowSums(dQ),
		dWk, utils.RowSums(dK),
		dWv, utils.RowSums(dV),
		dWo, dbo,
	}
}
