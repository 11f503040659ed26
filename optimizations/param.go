package optimizations

import (
	"gonum.org/v1/gonum/mat"
)

// Param is one trainable tensor: its value, the gradient accumulated since the
// last ZeroGrad, and the AdamW moments.
type Param struct {
	Name    string
	Value   *mat.Dense
	Grad    *mat.Dense
	NoDecay bool // biases and LayerNorm weights

	m, v *mat.Dense
}

func NewParam(name string, value *mat.Dense, noDecay bool) *Param {
	r, c := value.Dims()
	return &Param{
		Name:    name,
		Value:   value,
		Grad:    mat.NewDense(r, c, nil),
		NoDecay: noDecay,
	}
}

// ShareValue returns a Param pointing at the same weights with a private
// gradient buffer. Replicas accumulate into their own Grad and are reduced later.
func (p *Param) ShareValue() *Param {
	r, c := p.Value.Dims()
	return &Param{Name: p.Name, Value: p.Value, Grad: mat.NewDense(r, c, nil), NoDecay: p.NoDecay}
}

// AccumulateGrad adds g into the gradient buffer.
func (p *Param) AccumulateGrad(g mat.Matrix) {
	p.Grad.Add(p.Grad, g)
}

func (p *Param) ZeroGrad() {
	p.Grad.Zero()
}

// Size is the number of scalar weights.
func (p *Param) Size() int {
	r, c := p.Value.Dims()
	return r * c
}

// Moments exposes the AdamW state for checkpointing; nil before the first step.
func (p *Param) Moments() (m, v *mat.Dense) {
	return p.m, p.v
}

// SetMoments restores AdamW state from a checkpoint.
func (p *Param) SetMoments(m, v *mat.Dense) {
	p.m, p.v = m, v
}

// CountParams sums the sizes of ps.
func CountParams(ps []*Param) int {
	n := 0
	for _, p := range ps {
		n += p.Size()
	}
	return n
}
