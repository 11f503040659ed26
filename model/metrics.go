package model

import (
	"math"
	"sort"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/stat"
)

// Accuracy is the fraction of exact matches.
func Accuracy(preds, labels []int) float64 {
	if len(preds) == 0 {
		return 0
	}
	hits := 0
	for i := range preds {
		if preds[i] == labels[i] {
			hits++
		}
	}
	return float64(hits) / float64(len(preds))
}

type confusion struct {
	tp, tn, fp, fn float64
}

func binaryConfusion(preds, labels []int) confusion {
	var c confusion
	for i := range preds {
		switch {
		case preds[i] == 1 && labels[i] == 1:
			c.tp++
		case preds[i] == 1:
			c.fp++
		case labels[i] == 1:
			c.fn++
		default:
			c.tn++
		}
	}
	return c
}

// F1 of the positive class (label 1). 0 when there are no positive
// predictions and no positive labels.
func F1(preds, labels []int) float64 {
	c := binaryConfusion(preds, labels)
	denom := 2*c.tp + c.fp + c.fn
	if denom == 0 {
		return 0
	}
	return 2 * c.tp / denom
}

// MatthewsCorrelation for binary labels, 0 when any marginal is empty.
func MatthewsCorrelation(preds, labels []int) float64 {
	c := binaryConfusion(preds, labels)
	denom := math.Sqrt((c.tp + c.fp) * (c.tp + c.fn) * (c.tn + c.fp) * (c.tn + c.fn))
	if denom == 0 {
		return 0
	}
	return (c.tp*c.tn - c.fp*c.fn) / denom
}

// Pearson correlation. NaN for empty input.
func Pearson(preds, labels []float64) float64 {
	r, err := stats.Pearson(preds, labels)
	if err != nil {
		return math.NaN()
	}
	return r
}

// Spearman is the Pearson correlation of average ranks.
func Spearman(preds, labels []float64) float64 {
	if len(preds) < 2 {
		return math.NaN()
	}
	return stat.Correlation(ranks(preds), ranks(labels), nil)
}

// ranks assigns 1-based ranks, ties share their average rank.
func ranks(xs []float64) []float64 {
	idx := make([]int, len(xs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return xs[idx[a]] < xs[idx[b]] })

	out := make([]float64, len(xs))
	for i := 0; i < len(idx); {
		j := i
		for j+1 < len(idx) && xs[idx[j+1]] == xs[idx[i]] {
			j++
		}
		avg := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			out[idx[k]] = avg
		}
		i = j + 1
	}
	return out
}

// TaskMetrics computes the GLUE metrics of a task, keyed the way the GLUE
// evaluation script names them.
func TaskMetrics(task string, preds, labels []float64) map[string]float64 {
	if task == "stsb" {
		return map[string]float64{
			"pearson":   Pearson(preds, labels),
			"spearmanr": Spearman(preds, labels),
		}
	}
	p, l := toInts(preds), toInts(labels)
	switch task {
	case "cola":
		return map[string]float64{"matthews_correlation": MatthewsCorrelation(p, l)}
	case "mrpc", "qqp":
		return map[string]float64{"accuracy": Accuracy(p, l), "f1": F1(p, l)}
	default:
		return map[string]float64{"accuracy": Accuracy(p, l)}
	}
}

func toInts(xs []float64) []int {
	out := make([]int, len(xs))
	for i, x := range xs {
		out[i] = int(x)
	}
	return out
}
