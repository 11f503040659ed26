package IO

import (
	"math/rand"
)

// Batch is a padded mini-batch. Every row has the same length, AttentionMask
// is 1 on real tokens and 0 on padding.
type Batch struct {
	InputIDs      [][]int
	AttentionMask [][]int
	TokenTypeIDs  [][]int
	Labels        []float64
}

// Size is the number of examples.
func (b Batch) Size() int {
	return len(b.InputIDs)
}

// SeqLen is the padded length shared by every row.
func (b Batch) SeqLen() int {
	if len(b.InputIDs) == 0 {
		return 0
	}
	return len(b.InputIDs[0])
}

// Loader yields batches over a fixed feature set. It is restartable: Reset
// starts a new pass and, for shuffled loaders, draws a new order from seed+epoch.
type Loader struct {
	feats     []Features
	batchSize int
	shuffle   bool
	seed      int64
	padTo     int // 0 pads to the longest row in each batch
	padID     int

	order []int
	pos   int
}

func NewLoader(feats []Features, batchSize int, shuffle bool, seed int64, padTo, padID int) *Loader {
	l := &Loader{feats: feats, batchSize: batchSize, shuffle: shuffle, seed: seed, padTo: padTo, padID: padID}
	l.Reset(0)
	return l
}

// Len is the number of batches per pass.
func (l *Loader) Len() int {
	return (len(l.feats) + l.batchSize - 1) / l.batchSize
}

// NumExamples is the number of features behind the loader.
func (l *Loader) NumExamples() int {
	return len(l.feats)
}

func (l *Loader) Reset(epoch int) {
	l.pos = 0
	if l.shuffle {
		l.order = rand.New(rand.NewSource(l.seed + int64(epoch))).Perm(len(l.feats))
		return
	}
	if len(l.order) != len(l.feats) {
		l.order = make([]int, len(l.feats))
		for i := range l.order {
			l.order[i] = i
		}
	}
}

// Next returns the next batch, or false once the pass is exhausted.
func (l *Loader) Next() (Batch, bool) {
	if l.pos >= len(l.order) {
		return Batch{}, false
	}
	end := min(l.pos+l.batchSize, len(l.order))
	rows := make([]Features, 0, end-l.pos)
	for _, i := range l.order[l.pos:end] {
		rows = append(rows, l.feats[i])
	}
	l.pos = end
	return Collate(rows, l.padTo, l.padID), true
}

// Collate pads rows to padTo, or to the longest row when padTo is 0.
func Collate(rows []Features, padTo, padID int) Batch {
	T := padTo
	if T == 0 {
		for _, f := range rows {
			T = max(T, len(f.InputIDs))
		}
	}
	b := Batch{
		InputIDs:      make([][]int, len(rows)),
		AttentionMask: make([][]int, len(rows)),
		TokenTypeIDs:  make([][]int, len(rows)),
		Labels:        make([]float64, len(rows)),
	}
	for r, f := range rows {
		ids := make([]int, T)
		mask := make([]int, T)
		types := make([]int, T)
		for t := 0; t < T; t++ {
			if t < len(f.InputIDs) {
				ids[t] = f.InputIDs[t]
				mask[t] = 1
				types[t] = f.TokenTypeIDs[t]
			} else {
				ids[t] = padID
			}
		}
		b.InputIDs[r], b.AttentionMask[r], b.TokenTypeIDs[r] = ids, mask, types
		b.Labels[r] = f.Label
	}
	return b
}
