package transformer

import (
	"github.com/jolt8888/MLOPS-Project2/optimizations"
)

// CloneForGradsOnly creates a replica of the encoder where all weights are
// shared (read-only) but gradient buffers and per-module caches are private.
// Safe for concurrent Forward/Backward as long as nobody steps the optimizer.
func (enc *Encoder) CloneForGradsOnly() *Encoder {
	out := &Encoder{Config: enc.Config, Blocks: make([]*TransformerBlock, len(enc.Blocks))}
	out.Emb = &Embeddings{
		Word: enc.Emb.Word.ShareValue(),
		Pos:  enc.Emb.Pos.ShareValue(),
		Ln:   enc.Emb.Ln.CloneForGradsOnly(),
	}
	if enc.Emb.Type != nil {
		out.Emb.Type = enc.Emb.Type.ShareValue()
	}
	for i, src := range enc.Blocks {
		out.Blocks[i] = &TransformerBlock{
			Attn: cloneAttentionForGrads(src.Attn),
			Mlp:  cloneMLPForGrads(src.Mlp),
			Ln1:  src.Ln1.CloneForGradsOnly(),
			Ln2:  src.Ln2.CloneForGradsOnly(),
		}
	}
	return out
}

func cloneAttentionForGrads(src *Attention) *Attention {
	return &Attention{
		H:       src.H,
		DModel:  src.DModel,
		DHead:   src.DHead,
		Wquery:  src.Wquery.ShareValue(),
		Bquery:  src.Bquery.ShareValue(),
		Wkey:    src.Wkey.ShareValue(),
		Bkey:    src.Bkey.ShareValue(),
		Wvalue:  src.Wvalue.ShareValue(),
		Bvalue:  src.Bvalue.ShareValue(),
		Woutput: src.Woutput.ShareValue(),
		Boutput: src.Boutput.ShareValue(),
	}
}

func cloneMLPForGrads(src *MLP) *MLP {
	return &MLP{
		Inputs:        src.Inputs,
		Hiddens:       src.Hiddens,
		HiddenWeights: src.HiddenWeights.ShareValue(),
		HiddenBias:    src.HiddenBias.ShareValue(),
		OutputWeights: src.OutputWeights.ShareValue(),
		OutputBias:    src.OutputBias.ShareValue(),
	}
}

// ReduceGrads adds every replica's gradients into dst, in replica order, and
// zeroes the replicas. Params() order is identical across replicas.
func ReduceGrads(dst []*optimizations.Param, replicas ...[]*optimizations.Param) {
	for _, rp := range replicas {
		for i, p := range rp {
			dst[i].AccumulateGrad(p.Grad)
			p.ZeroGrad()
		}
	}
}
