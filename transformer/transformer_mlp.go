package transformer

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/jolt8888/MLOPS-Project2/optimizations"
	"github.com/jolt8888/MLOPS-Project2/utils"
)

// MLP is the position-wise feed forward: lin2(gelu(lin1(x))).
type MLP struct {
	Inputs, Hiddens           int
	HiddenWeights, HiddenBias *optimizations.Param // (h x d), (h x 1)
	OutputWeights, OutputBias *optimizations.Param // (d x h), (d x 1)

	// cache for backprop
	lastInput, hiddenPreAct, hiddenOutputs *mat.Dense
}

func NewMLP(name string, dModel, hidden int, rng *rand.Rand, std float64) *MLP {
	return &MLP{
		Inputs:  dModel,
		Hiddens: hidden,
		HiddenWeights: optimizations.NewParam(name+".lin1.weight",
			mat.NewDense(hidden, dModel, utils.NormalArray(rng, hidden*dModel, std)), false),
		HiddenBias: optimizations.NewParam(name+".lin1.bias", mat.NewDense(hidden, 1, nil), true),
		OutputWeights: optimizations.NewParam(name+".lin2.weight",
			mat.NewDense(dModel, hidden, utils.NormalArray(rng, dModel*hidden, std)), false),
		OutputBias: optimizations.NewParam(name+".lin2.bias", mat.NewDense(dModel, 1, nil), true),
	}
}

func (mlp *MLP) Params() []*optimizations.Param {
	return []*optimizations.Param{mlp.HiddenWeights, mlp.HiddenBias, mlp.OutputWeights, mlp.OutputBias}
}

func (mlp *MLP) Forward(X *mat.Dense) *mat.Dense {
	mlp.lastInput = X
	hiddenLin := utils.ToDense(utils.Dot(mlp.HiddenWeights.Value, X)) // (h x T)
	mlp.hiddenPreAct = utils.AddBias(hiddenLin, mlp.HiddenBias.Value)
	mlp.hiddenOutputs = utils.Apply(utils.GeluApply, mlp.hiddenPreAct).(*mat.Dense)
	finalLin := utils.ToDense(utils.Dot(mlp.OutputWeights.Value, mlp.hiddenOutputs)) // (d x T)
	return utils.AddBias(finalLin, mlp.OutputBias.Value)
}

func (mlp *MLP) Backward(grad *mat.Dense) *mat.Dense {
	dX, dWhid, dbHidden, dWout, dbOut := mlp.BackwardGradsOnly(grad)
	mlp.HiddenWeights.AccumulateGrad(dWhid)
	mlp.HiddenBias.AccumulateGrad(dbHidden)
	mlp.OutputWeights.AccumulateGrad(dWout)
	mlp.OutputBias.AccumulateGrad(dbOut)
	return dX
}

func (mlp *MLP) BackwardGradsOnly(grad *mat.Dense) (dX, dWhid, dbHidden, dWout, dbOut *mat.Dense) {
	dWout = utils.ToDense(utils.Dot(grad, mlp.hiddenOutputs.T()))
	// sum gradients over time for biases
	dbOut = utils.RowSums(grad)

	hiddenGradOut := utils.ToDense(utils.Dot(mlp.OutputWeights.Value.T(), grad)) // dL/d(hidden_out)
	hiddenErrors := utils.Multiply(hiddenGradOut, utils.GeluPrime(mlp.hiddenPreAct)).(*mat.Dense)

	dWhid = utils.ToDense(utils.Dot(hiddenErrors, mlp.lastInput.T()))
	dbHidden = utils.RowSums(hiddenErrors)

	dX = utils.ToDense(utils.Dot(mlp.HiddenWeights.Value.T(), hiddenErrors))
	return dX, dWhid, dbHidden, dWout, dbOut
}
