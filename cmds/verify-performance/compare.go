package main

import (
	"fmt"
	"io"
	"math"
	"strings"
)

// expectation is a reference result for one metric.
type expectation struct {
	Label string
	Key   string
	Value float64
}

type comparison struct {
	expectation
	Actual  float64
	Found   bool
	Diff    float64
	DiffPct float64
}

func compare(metrics map[string]float64, expected []expectation) []comparison {
	out := make([]comparison, len(expected))
	for i, e := range expected {
		c := comparison{expectation: e}
		if v, ok := metrics[e.Key]; ok && !math.IsNaN(v) {
			c.Actual, c.Found = v, true
			c.Diff = v - e.Value
			c.DiffPct = c.Diff / e.Value * 100
		}
		out[i] = c
	}
	return out
}

// verdict grades the worst relative difference: under 2% is excellent,
// under 5% good.
type verdict int

const (
	verdictIncomplete verdict = iota
	verdictExcellent
	verdictGood
	verdictNotice
)

func judge(cs []comparison) verdict {
	worst := 0.0
	for _, c := range cs {
		if !c.Found {
			return verdictIncomplete
		}
		worst = math.Max(worst, math.Abs(c.DiffPct))
	}
	switch {
	case worst < 2:
		return verdictExcellent
	case worst < 5:
		return verdictGood
	default:
		return verdictNotice
	}
}

func (v verdict) String() string {
	switch v {
	case verdictExcellent:
		return "EXCELLENT: results are within 2% of the reference run."
	case verdictGood:
		return "GOOD: results are within 5% of the reference run."
	case verdictNotice:
		return "NOTICE: results differ from the reference run by more than 5%."
	default:
		return "INCOMPLETE: not every metric was found for the best checkpoint."
	}
}

func printComparison(w io.Writer, env string, cs []comparison) {
	rule := strings.Repeat("-", 80)
	fmt.Fprintf(w, "%-20s | %-15s | %-15s | %-15s\n", "Metric ("+env+")", "Expected", "Result", "Difference")
	fmt.Fprintln(w, rule)
	for _, c := range cs {
		result, diff := "N/A", "N/A"
		if c.Found {
			result = fmt.Sprintf("%.4f", c.Actual)
			diff = fmt.Sprintf("%+.4f (%+.1f%%)", c.Diff, c.DiffPct)
		}
		fmt.Fprintf(w, "%-20s | %-15.4f | %-15s | %-15s\n", c.Label, c.Value, result, diff)
	}
	fmt.Fprintln(w, rule)
}
