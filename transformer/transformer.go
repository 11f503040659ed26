package transformer

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/jolt8888/MLOPS-Project2/optimizations"
	"github.com/jolt8888/MLOPS-Project2/utils"
)

// Embeddings sums word, position and (optionally) token type rows, then normalizes.
type Embeddings struct {
	Word *optimizations.Param // (V x d)
	Pos  *optimizations.Param // (P x d)
	Type *optimizations.Param // (types x d), nil for distilbert
	Ln   *optimizations.LayerNorm

	// cache for backprop
	ids, types []int
}

func NewEmbeddings(cfg Config, rng *rand.Rand) *Embeddings {
	d := cfg.HiddenSize
	std := cfg.InitializerRange
	e := &Embeddings{
		Word: optimizations.NewParam("embeddings.word_embeddings.weight",
			mat.NewDense(cfg.VocabSize, d, utils.NormalArray(rng, cfg.VocabSize*d, std)), false),
		Pos: optimizations.NewParam("embeddings.position_embeddings.weight",
			mat.NewDense(cfg.MaxPositions, d, utils.NormalArray(rng, cfg.MaxPositions*d, std)), false),
		Ln: optimizations.NewLayerNorm("embeddings.LayerNorm", d, cfg.LayerNormEps),
	}
	if cfg.TypeVocabSize > 0 {
		e.Type = optimizations.NewParam("embeddings.token_type_embeddings.weight",
			mat.NewDense(cfg.TypeVocabSize, d, utils.NormalArray(rng, cfg.TypeVocabSize*d, std)), false)
	}
	// padding row starts at zero like nn.Embedding(padding_idx=...)
	if cfg.PadTokenID >= 0 && cfg.PadTokenID < cfg.VocabSize {
		for j := 0; j < d; j++ {
			e.Word.Value.Set(cfg.PadTokenID, j, 0)
		}
	}
	return e
}

func (e *Embeddings) Params() []*optimizations.Param {
	ps := []*optimizations.Param{e.Word, e.Pos}
	if e.Type != nil {
		ps = append(ps, e.Type)
	}
	return append(ps, e.Ln.Params()...)
}

// Forward returns the normalized (d x T) input of the first block.
func (e *Embeddings) Forward(ids, types []int) *mat.Dense {
	_, d := e.Word.Value.Dims()
	T := len(ids)
	if maxPos, _ := e.Pos.Value.Dims(); T > maxPos {
		panic(fmt.Sprintf("embeddings: sequence length %d exceeds %d positions", T, maxPos))
	}
	X := mat.NewDense(d, T, nil)
	for t, id := range ids {
		for i := 0; i < d; i++ {
			v := e.Word.Value.At(id, i) + e.Pos.Value.At(t, i)
			if e.Type != nil && types != nil {
				v += e.Type.Value.At(types[t], i)
			}
			X.Set(i, t, v)
		}
	}
	e.ids, e.types = ids, types
	return e.Ln.Forward(X)
}

// Backward scatters dX into the embedding rows that were read.
func (e *Embeddings) Backward(dY *mat.Dense) {
	dX := e.Ln.Backward(dY)
	d, _ := dX.Dims()
	for t, id := range e.ids {
		for i := 0; i < d; i++ {
			g := dX.At(i, t)
			e.Word.Grad.Set(id, i, e.Word.Grad.At(id, i)+g)
			e.Pos.Grad.Set(t, i, e.Pos.Grad.At(t, i)+g)
			if e.Type != nil && e.types != nil {
				tt := e.types[t]
				e.Type.Grad.Set(tt, i, e.Type.Grad.At(tt, i)+g)
			}
		}
	}
}

// TransformerBlock is one post-LN encoder layer:
// u = LN1(x + Attn(x)), y = LN2(u + MLP(u)).
type TransformerBlock struct {
	Attn *Attention
	Mlp  *MLP
	Ln1  *optimizations.LayerNorm // sa_layer_norm
	Ln2  *optimizations.LayerNorm // output_layer_norm
}

func NewTransformerBlock(cfg Config, layer int, rng *rand.Rand) *TransformerBlock {
	name := fmt.Sprintf("transformer.layer.%d", layer)
	std := cfg.InitializerRange
	return &TransformerBlock{
		Attn: NewAttention(name+".attention", cfg.HiddenSize, cfg.NumHeads, rng, std),
		Mlp:  NewMLP(name+".ffn", cfg.HiddenSize, cfg.IntermediateSize, rng, std),
		Ln1:  optimizations.NewLayerNorm(name+".sa_layer_norm", cfg.HiddenSize, cfg.LayerNormEps),
		Ln2:  optimizations.NewLayerNorm(name+".output_layer_norm", cfg.HiddenSize, cfg.LayerNormEps),
	}
}

func (b *TransformerBlock) Params() []*optimizations.Param {
	ps := b.Attn.Params()
	ps = append(ps, b.Ln1.Params()...)
	ps = append(ps, b.Mlp.Params()...)
	return append(ps, b.Ln2.Params()...)
}

// Block forward/backward with residuals.
func (b *TransformerBlock) Forward(X, mask *mat.Dense) *mat.Dense {
	attnOut := b.Attn.Forward(X, mask)
	u := b.Ln1.Forward(utils.ToDense(utils.Add(X, attnOut)))
	mlpOut := b.Mlp.Forward(u)
	return b.Ln2.Forward(utils.ToDense(utils.Add(u, mlpOut)))
}

func (b *TransformerBlock) Backward(grad *mat.Dense) *mat.Dense {
	dZ2 := b.Ln2.Backward(grad)
	dU := utils.ToDense(utils.Add(dZ2, b.Mlp.Backward(dZ2)))
	dZ1 := b.Ln1.Backward(dU)
	return utils.ToDense(utils.Add(dZ1, b.Attn.Backward(dZ1)))
}

// Encoder is embeddings followed by a stack of bidirectional blocks.
type Encoder struct {
	Config Config
	Emb    *Embeddings
	Blocks []*TransformerBlock
}

// NewEncoder builds an encoder with N(0, InitializerRange) weights drawn from rng.
func NewEncoder(cfg Config, rng *rand.Rand) *Encoder {
	enc := &Encoder{Config: cfg, Emb: NewEmbeddings(cfg, rng)}
	for i := 0; i < cfg.NumLayers; i++ {
		enc.Blocks = append(enc.Blocks, NewTransformerBlock(cfg, i, rng))
	}
	return enc
}

// Params returns every trainable tensor in a fixed order.
func (enc *Encoder) Params() []*optimizations.Param {
	ps := enc.Emb.Params()
	for _, b := range enc.Blocks {
		ps = append(ps, b.Params()...)
	}
	return ps
}

// Forward encodes one sequence. ids, types and attention have equal length;
// types may be nil. Returns the (d x T) hidden states.
func (enc *Encoder) Forward(ids, types, attention []int) *mat.Dense {
	mask := utils.PaddingMask(attention)
	Y := enc.Emb.Forward(ids, types)
	for _, b := range enc.Blocks {
		Y = b.Forward(Y, mask)
	}
	return Y
}

// Backward takes d loss / d hidden states of the last Forward and accumulates grads.
func (enc *Encoder) Backward(dH *mat.Dense) {
	dY := dH
	for i := len(enc.Blocks) - 1; i >= 0; i-- {
		dY = enc.Blocks[i].Backward(dY)
	}
	enc.Emb.Backward(dY)
}

// SetParallelHeads runs attention heads on separate goroutines. Outputs and
// grads are identical to the serial path.
func (enc *Encoder) SetParallelHeads(on bool) {
	for _, b := range enc.Blocks {
		b.Attn.parallel = on
	}
}
