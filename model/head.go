package model

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/jolt8888/MLOPS-Project2/optimizations"
	"github.com/jolt8888/MLOPS-Project2/utils"
)

// Activation of the pre-classifier layer.
const (
	ActReLU = "relu" // distilbert pre_classifier
	ActTanh = "tanh" // bert pooler
)

// ClassificationHead maps the [CLS] hidden state to logits:
// pre = act(Wp h + bp), logits = Wc pre + bc.
type ClassificationHead struct {
	Act string
	Wp  *optimizations.Param // (d x d)
	Bp  *optimizations.Param // (d x 1)
	Wc  *optimizations.Param // (labels x d)
	Bc  *optimizations.Param // (labels x 1)

	// cache
	h, pre *mat.Dense
}

// NewClassificationHead initializes weights from N(0, std) and biases at zero.
// preName is "pre_classifier" or "pooler.dense".
func NewClassificationHead(preName, act string, d, numLabels int, std float64, rng *rand.Rand) *ClassificationHead {
	return &ClassificationHead{
		Act: act,
		Wp:  optimizations.NewParam(preName+".weight", mat.NewDense(d, d, utils.NormalArray(rng, d*d, std)), false),
		Bp:  optimizations.NewParam(preName+".bias", mat.NewDense(d, 1, nil), true),
		Wc:  optimizations.NewParam("classifier.weight", mat.NewDense(numLabels, d, utils.NormalArray(rng, numLabels*d, std)), false),
		Bc:  optimizations.NewParam("classifier.bias", mat.NewDense(numLabels, 1, nil), true),
	}
}

func (hd *ClassificationHead) Params() []*optimizations.Param {
	return []*optimizations.Param{hd.Wp, hd.Bp, hd.Wc, hd.Bc}
}

// CloneForGradsOnly shares weights and keeps grads and caches private.
func (hd *ClassificationHead) CloneForGradsOnly() *ClassificationHead {
	return &ClassificationHead{
		Act: hd.Act,
		Wp:  hd.Wp.ShareValue(),
		Bp:  hd.Bp.ShareValue(),
		Wc:  hd.Wc.ShareValue(),
		Bc:  hd.Bc.ShareValue(),
	}
}

// Forward takes the (d x 1) [CLS] column and returns (labels x 1) logits.
func (hd *ClassificationHead) Forward(h *mat.Dense) *mat.Dense {
	z := utils.AddBias(utils.ToDense(utils.Dot(hd.Wp.Value, h)), hd.Bp.Value)
	act := utils.ReluApply
	if hd.Act == ActTanh {
		act = utils.TanhApply
	}
	hd.h = h
	hd.pre = utils.ToDense(utils.Apply(act, z))
	return utils.AddBias(utils.ToDense(utils.Dot(hd.Wc.Value, hd.pre)), hd.Bc.Value)
}

// Backward accumulates head grads and returns d loss / d h.
func (hd *ClassificationHead) Backward(dLogits *mat.Dense) *mat.Dense {
	hd.Wc.AccumulateGrad(utils.Dot(dLogits, hd.pre.T()))
	hd.Bc.AccumulateGrad(dLogits)

	dPre := utils.ToDense(utils.Dot(hd.Wc.Value.T(), dLogits))
	// derivative through the activation, written in terms of its output
	d, _ := dPre.Dims()
	dZ := mat.NewDense(d, 1, nil)
	for i := 0; i < d; i++ {
		a := hd.pre.At(i, 0)
		g := 0.0
		switch hd.Act {
		case ActTanh:
			g = 1 - a*a
		default:
			if a > 0 {
				g = 1
			}
		}
		dZ.Set(i, 0, dPre.At(i, 0)*g)
	}

	hd.Wp.AccumulateGrad(utils.Dot(dZ, hd.h.T()))
	hd.Bp.AccumulateGrad(dZ)
	return utils.ToDense(utils.Dot(hd.Wp.Value.T(), dZ))
}
