package IO

import (
	"bufio"
	"os"
	"strings"
	"unicode"

	"github.com/jolt8888/MLOPS-Project2/errors"
)

// WordPieceTokenizer is a lowercasing BERT word-piece tokenizer over a plain
// vocab.txt. It is used for model dirs that ship no tokenizer.json.
type WordPieceTokenizer struct {
	name    string
	vocab   map[string]int
	size    int
	unk     int
	special SpecialTokens
}

// NewWordPieceTokenizer builds a tokenizer from vocab in id order. The vocab
// must contain [PAD], [UNK], [CLS] and [SEP].
func NewWordPieceTokenizer(name string, vocab []string) (*WordPieceTokenizer, error) {
	w := &WordPieceTokenizer{name: name, vocab: make(map[string]int, len(vocab)), size: len(vocab)}
	for i, tok := range vocab {
		if _, dup := w.vocab[tok]; !dup {
			w.vocab[tok] = i
		}
	}
	ids := make([]int, 4)
	for i, s := range []string{"[CLS]", "[SEP]", "[PAD]", "[UNK]"} {
		id, ok := w.vocab[s]
		if !ok {
			return nil, errors.Configf("vocab %s has no %s token", name, s)
		}
		ids[i] = id
	}
	w.special = SpecialTokens{CLS: ids[0], SEP: ids[1], PAD: ids[2]}
	w.unk = ids[3]
	return w, nil
}

// LoadVocabFile reads one token per line.
func LoadVocabFile(path string) (*WordPieceTokenizer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Unavailablef(err, "open %s", path)
	}
	defer f.Close()
	var vocab []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		vocab = append(vocab, strings.TrimRight(sc.Text(), "\r"))
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Unavailablef(err, "read %s", path)
	}
	return NewWordPieceTokenizer(path, vocab)
}

func (w *WordPieceTokenizer) Encode(text string) ([]int, error) {
	var out []int
	for _, word := range splitWords(strings.ToLower(text)) {
		out = append(out, w.wordPieces(word)...)
	}
	return out, nil
}

// wordPieces is greedy longest-match-first; a word with an unmatched
// remainder becomes a single [UNK].
func (w *WordPieceTokenizer) wordPieces(word string) []int {
	runes := []rune(word)
	var ids []int
	for start := 0; start < len(runes); {
		end := len(runes)
		found := -1
		for ; end > start; end-- {
			piece := string(runes[start:end])
			if start > 0 {
				piece = "##" + piece
			}
			if id, ok := w.vocab[piece]; ok {
				found = id
				break
			}
		}
		if found < 0 {
			return []int{w.unk}
		}
		ids = append(ids, found)
		start = end
	}
	return ids
}

// splitWords splits on whitespace and isolates punctuation.
func splitWords(s string) []string {
	var words []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			words = append(words, string(cur))
			cur = cur[:0]
		}
	}
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			flush()
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			flush()
			words = append(words, string(r))
		default:
			cur = append(cur, r)
		}
	}
	flush()
	return words
}

func (w *WordPieceTokenizer) Special() SpecialTokens {
	return w.special
}

func (w *WordPieceTokenizer) VocabSize() int {
	return w.size
}

func (w *WordPieceTokenizer) Name() string {
	return w.name
}
