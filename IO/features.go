package IO

import (
	"sync"

	"github.com/jolt8888/MLOPS-Project2/errors"
)

// Features is a tokenized example, before padding.
type Features struct {
	InputIDs     []int
	TokenTypeIDs []int
	Label        float64
}

// EncodePair builds [CLS] a [SEP] (b [SEP]) with token types 0 for a and 1
// for b, truncating the longer side first until it fits maxLen.
func EncodePair(tok Tokenizer, ex Example, pair bool, maxLen int) (Features, error) {
	a, err := tok.Encode(ex.TextA)
	if err != nil {
		return Features{}, err
	}
	var b []int
	special := 2
	if pair {
		if b, err = tok.Encode(ex.TextB); err != nil {
			return Features{}, err
		}
		special = 3
	}
	if maxLen < special {
		return Features{}, errors.Configf("max length %d leaves no room for special tokens", maxLen)
	}
	a, b = truncateLongestFirst(a, b, maxLen-special)

	sp := tok.Special()
	n := len(a) + len(b) + special
	ids := make([]int, 0, n)
	types := make([]int, 0, n)

	ids = append(ids, sp.CLS)
	ids = append(ids, a...)
	ids = append(ids, sp.SEP)
	for len(types) < len(ids) {
		types = append(types, 0)
	}
	if pair {
		ids = append(ids, b...)
		ids = append(ids, sp.SEP)
		for len(types) < len(ids) {
			types = append(types, 1)
		}
	}
	return Features{InputIDs: ids, TokenTypeIDs: types, Label: ex.Label}, nil
}

// truncateLongestFirst drops one token at a time from the longer sequence,
// b on ties. The inputs are resliced, never modified.
func truncateLongestFirst(a, b []int, budget int) ([]int, []int) {
	for len(a)+len(b) > budget {
		if len(a) > len(b) {
			a = a[:len(a)-1]
		} else {
			b = b[:len(b)-1]
		}
	}
	return a, b
}

// ConvertExamples tokenizes examples on the given number of goroutines. Each
// worker owns a contiguous slice of the output so the order matches the input.
func ConvertExamples(tok Tokenizer, examples []Example, pair bool, maxLen, workers int) ([]Features, error) {
	out := make([]Features, len(examples))
	if len(examples) == 0 {
		return out, nil
	}
	if workers < 1 {
		workers = 1
	}
	if workers > len(examples) {
		workers = len(examples)
	}
	chunk := (len(examples) + workers - 1) / workers

	errs := make([]error, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		lo := w * chunk
		hi := min(lo+chunk, len(examples))
		if lo >= hi {
			continue
		}
		wg.Add(1)
		go func(w, lo, hi int) {
			defer wg.Done()
			for i := lo; i < hi; i++ {
				f, err := EncodePair(tok, examples[i], pair, maxLen)
				if err != nil {
					errs[w] = errors.Wrapf(err, "example %d", examples[i].Idx)
					return
				}
				out[i] = f
			}
		}(w, lo, hi)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
