package transformer

import (
	"math/rand"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/jolt8888/MLOPS-Project2/errors"
)

// bert module names -> distilbert names, which are the names Encoder.Params use.
// Order matters: attention.output.* must be rewritten before output.*.
var bertRenames = []struct{ from, to string }{
	{"encoder.layer.", "transformer.layer."},
	{".attention.self.query.", ".attention.q_lin."},
	{".attention.self.key.", ".attention.k_lin."},
	{".attention.self.value.", ".attention.v_lin."},
	{".attention.output.dense.", ".attention.out_lin."},
	{".attention.output.LayerNorm.", ".sa_layer_norm."},
	{".intermediate.dense.", ".ffn.lin1."},
	{".output.dense.", ".ffn.lin2."},
	{".output.LayerNorm.", ".output_layer_norm."},
}

// CanonicalName maps a checkpoint tensor name onto the encoder's parameter names.
func CanonicalName(modelType, name string) string {
	name = strings.TrimPrefix(name, modelType+".")
	if strings.HasSuffix(name, ".gamma") {
		name = strings.TrimSuffix(name, ".gamma") + ".weight"
	} else if strings.HasSuffix(name, ".beta") {
		name = strings.TrimSuffix(name, ".beta") + ".bias"
	}
	if modelType == "bert" {
		for _, r := range bertRenames {
			name = strings.Replace(name, r.from, r.to, 1)
		}
	}
	return name
}

// LoadPretrained builds an encoder from config.json + model.safetensors paths.
// Tensors the encoder does not own (pooler, MLM head) are returned keyed by
// their canonical name so the task head can pick what it needs.
func LoadPretrained(configPath, weightsPath string) (*Encoder, map[string]*mat.Dense, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	tensors, err := ReadSafetensors(weightsPath)
	if err != nil {
		return nil, nil, err
	}
	canonical := make(map[string]*mat.Dense, len(tensors))
	for name, t := range tensors {
		canonical[CanonicalName(cfg.ModelType, name)] = t
	}

	// weights are overwritten below; the seed only matters for tensors that are absent
	enc := NewEncoder(cfg, rand.New(rand.NewSource(0)))
	extra, err := LoadStateDict(enc, canonical)
	if err != nil {
		return nil, nil, err
	}
	return enc, extra, nil
}

// LoadStateDict copies named tensors into the encoder params and returns the
// tensors that did not match any param. A missing or misshapen param is an error.
func LoadStateDict(enc *Encoder, tensors map[string]*mat.Dense) (map[string]*mat.Dense, error) {
	used := make(map[string]bool, len(tensors))
	for _, p := range enc.Params() {
		t, ok := tensors[p.Name]
		if !ok {
			return nil, errors.Configf("pretrained weights have no tensor %s", p.Name)
		}
		pr, pc := p.Value.Dims()
		if tr, tc := t.Dims(); tr != pr || tc != pc {
			return nil, errors.Configf("tensor %s has shape %dx%d, want %dx%d", p.Name, tr, tc, pr, pc)
		}
		p.Value.Copy(t)
		used[p.Name] = true
	}
	extra := make(map[string]*mat.Dense)
	for name, t := range tensors {
		if !used[name] {
			extra[name] = t
		}
	}
	return extra, nil
}

// StateDict returns a copy of every encoder weight keyed by param name.
func StateDict(enc *Encoder) map[string]*mat.Dense {
	out := make(map[string]*mat.Dense)
	for _, p := range enc.Params() {
		out[p.Name] = mat.DenseCopyOf(p.Value)
	}
	return out
}
