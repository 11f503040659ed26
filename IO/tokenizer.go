package IO

import (
	"fmt"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru"
	tk "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"

	"github.com/jolt8888/MLOPS-Project2/errors"
)

// SpecialTokens are the ids wrapped around every encoded example.
type SpecialTokens struct {
	CLS, SEP, PAD int
}

// Tokenizer turns text into word-piece ids without special tokens.
// Implementations must be safe for concurrent Encode calls.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Special() SpecialTokens
	VocabSize() int
	// Name identifies the vocabulary, used to key the feature cache.
	Name() string
}

// HFTokenizer wraps a tokenizer.json loaded with github.com/sugarme/tokenizer.
type HFTokenizer struct {
	name    string
	tok     *tk.Tokenizer
	special SpecialTokens
}

// LoadTokenizer resolves tokenizer.json for a hub id or local dir and loads
// it. A local dir with only a vocab.txt gets a WordPieceTokenizer.
func LoadTokenizer(modelNameOrPath string) (Tokenizer, error) {
	vocab := filepath.Join(modelNameOrPath, "vocab.txt")
	if !fileExists(filepath.Join(modelNameOrPath, "tokenizer.json")) && fileExists(vocab) {
		return LoadVocabFile(vocab)
	}
	return LoadHFTokenizer(modelNameOrPath)
}

// LoadHFTokenizer loads tokenizer.json with github.com/sugarme/tokenizer.
func LoadHFTokenizer(modelNameOrPath string) (*HFTokenizer, error) {
	path, err := ResolveHubFile(modelNameOrPath, "tokenizer.json")
	if err != nil {
		return nil, err
	}
	t, err := pretrained.FromFile(path)
	if err != nil {
		return nil, errors.Unavailablef(err, "load tokenizer %s", path)
	}

	ids := make([]int, 3)
	for i, s := range []string{"[CLS]", "[SEP]", "[PAD]"} {
		id, ok := t.TokenToId(s)
		if !ok {
			return nil, errors.Configf("tokenizer %s has no %s token", modelNameOrPath, s)
		}
		ids[i] = id
	}
	return &HFTokenizer{
		name:    modelNameOrPath,
		tok:     t,
		special: SpecialTokens{CLS: ids[0], SEP: ids[1], PAD: ids[2]},
	}, nil
}

func (h *HFTokenizer) Encode(text string) ([]int, error) {
	enc, err := h.tok.EncodeSingle(text, false)
	if err != nil {
		return nil, errors.Computef(err, "tokenize %q", text)
	}
	out := make([]int, len(enc.Ids))
	for i, v := range enc.Ids {
		out[i] = int(v)
	}
	return out, nil
}

func (h *HFTokenizer) Special() SpecialTokens {
	return h.special
}

func (h *HFTokenizer) VocabSize() int {
	return h.tok.GetVocabSize(true)
}

func (h *HFTokenizer) Name() string {
	return h.name
}

// CachedTokenizer memoizes Encode in an LRU. Returned slices are shared and
// must not be modified.
type CachedTokenizer struct {
	Tokenizer
	cache *lru.Cache
}

// NewCachedTokenizer returns base unchanged when size <= 0.
func NewCachedTokenizer(base Tokenizer, size int) (Tokenizer, error) {
	if size <= 0 {
		return base, nil
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, errors.Configf("tokenizer cache: %v", err)
	}
	return &CachedTokenizer{Tokenizer: base, cache: c}, nil
}

func (c *CachedTokenizer) Encode(text string) ([]int, error) {
	if v, ok := c.cache.Get(text); ok {
		return v.([]int), nil
	}
	ids, err := c.Tokenizer.Encode(text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(text, ids)
	return ids, nil
}

// String is used in logs.
func (c *CachedTokenizer) String() string {
	return fmt.Sprintf("%s (lru %d)", c.Name(), c.cache.Len())
}
