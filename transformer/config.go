package transformer

import (
	"encoding/json"
	"os"

	"github.com/jolt8888/MLOPS-Project2/errors"
)

// Config describes an encoder. It is filled from a Hugging Face config.json
// (distilbert or bert schema) or built directly for a from-scratch encoder.
type Config struct {
	ModelType        string
	VocabSize        int
	HiddenSize       int
	NumLayers        int
	NumHeads         int
	IntermediateSize int
	MaxPositions     int
	TypeVocabSize    int // 0 = no token type embeddings (distilbert)
	LayerNormEps     float64
	InitializerRange float64
	PadTokenID       int
}

// hfConfig covers the keys both supported schemas use.
type hfConfig struct {
	ModelType             string  `json:"model_type"`
	VocabSize             int     `json:"vocab_size"`
	MaxPositionEmbeddings int     `json:"max_position_embeddings"`
	InitializerRange      float64 `json:"initializer_range"`
	PadTokenID            int     `json:"pad_token_id"`

	// distilbert
	Dim        int    `json:"dim"`
	NLayers    int    `json:"n_layers"`
	NHeads     int    `json:"n_heads"`
	HiddenDim  int    `json:"hidden_dim"`
	Activation string `json:"activation"`

	// bert
	HiddenSize        int     `json:"hidden_size"`
	NumHiddenLayers   int     `json:"num_hidden_layers"`
	NumAttentionHeads int     `json:"num_attention_heads"`
	IntermediateSize  int     `json:"intermediate_size"`
	TypeVocabSize     int     `json:"type_vocab_size"`
	LayerNormEps      float64 `json:"layer_norm_eps"`
	HiddenAct         string  `json:"hidden_act"`
}

// LoadConfig reads a config.json.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Unavailablef(err, "reading model config %s", path)
	}
	var hf hfConfig
	if err := json.Unmarshal(raw, &hf); err != nil {
		return Config{}, errors.Unavailablef(err, "parsing model config %s", path)
	}

	cfg := Config{
		ModelType:        hf.ModelType,
		VocabSize:        hf.VocabSize,
		MaxPositions:     hf.MaxPositionEmbeddings,
		InitializerRange: hf.InitializerRange,
		PadTokenID:       hf.PadTokenID,
		LayerNormEps:     1e-12,
	}
	var act string
	switch hf.ModelType {
	case "distilbert":
		cfg.HiddenSize = hf.Dim
		cfg.NumLayers = hf.NLayers
		cfg.NumHeads = hf.NHeads
		cfg.IntermediateSize = hf.HiddenDim
		act = hf.Activation
	case "bert":
		cfg.HiddenSize = hf.HiddenSize
		cfg.NumLayers = hf.NumHiddenLayers
		cfg.NumHeads = hf.NumAttentionHeads
		cfg.IntermediateSize = hf.IntermediateSize
		cfg.TypeVocabSize = hf.TypeVocabSize
		if hf.LayerNormEps > 0 {
			cfg.LayerNormEps = hf.LayerNormEps
		}
		act = hf.HiddenAct
	default:
		return Config{}, errors.Configf("unsupported model_type %q (want distilbert or bert)", hf.ModelType)
	}
	if act != "" && act != "gelu" {
		return Config{}, errors.Configf("unsupported activation %q", act)
	}
	if cfg.InitializerRange == 0 {
		cfg.InitializerRange = 0.02
	}
	return cfg, cfg.Validate()
}

// Validate checks the dimensions are usable.
func (c Config) Validate() error {
	switch {
	case c.VocabSize <= 0 || c.HiddenSize <= 0 || c.NumLayers <= 0 || c.NumHeads <= 0:
		return errors.Configf("encoder config has non-positive dimensions: %+v", c)
	case c.IntermediateSize <= 0 || c.MaxPositions <= 0:
		return errors.Configf("encoder config has non-positive dimensions: %+v", c)
	case c.HiddenSize%c.NumHeads != 0:
		return errors.Configf("hidden size %d not divisible by %d heads", c.HiddenSize, c.NumHeads)
	}
	return nil
}
