// verify-performance compares the best checkpoint of one or more training
// runs against reference validation results.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/alexflint/go-arg"
	"github.com/dustin/go-humanize"
)

func main() {
	args := struct {
		Dirs             []string `arg:"positional" help:"checkpoint directories, one per environment"`
		ExpectedValLoss  float64  `arg:"--expected_val_loss"`
		ExpectedAccuracy float64  `arg:"--expected_accuracy"`
		ExpectedF1       float64  `arg:"--expected_f1"`
	}{
		ExpectedValLoss:  0.3504,
		ExpectedAccuracy: 0.846,
		ExpectedF1:       0.893,
	}
	arg.MustParse(&args)
	if len(args.Dirs) == 0 {
		args.Dirs = []string{"checkpoints"}
	}

	expected := []expectation{
		{Label: "Validation Loss", Key: "val_loss", Value: args.ExpectedValLoss},
		{Label: "Accuracy", Key: "accuracy", Value: args.ExpectedAccuracy},
		{Label: "F1 Score", Key: "f1", Value: args.ExpectedF1},
	}

	found := false
	for _, dir := range args.Dirs {
		ckpts, err := listCheckpoints(dir)
		if err != nil {
			fmt.Printf("%s: %v\n\n", dir, err)
			continue
		}
		if len(ckpts) == 0 {
			fmt.Printf("%s: no checkpoints found, has training run yet?\n\n", dir)
			continue
		}
		found = true

		fmt.Printf("%s: %d checkpoint(s)\n", dir, len(ckpts))
		for i, ck := range ckpts {
			fmt.Printf("%d. %s (%s)\n", i+1, ck.Name, humanize.Bytes(uint64(ck.Size)))
			keys := make([]string, 0, len(ck.Metrics))
			for k := range ck.Metrics {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("   %s: %g\n", k, ck.Metrics[k])
			}
		}

		best := ckpts[0]
		fmt.Printf("\nBest checkpoint: %s\n\n", best.Name)
		cs := compare(withLoggedMetrics(dir, best), expected)
		printComparison(os.Stdout, filepath.Base(dir), cs)
		fmt.Printf("Verdict: %s\n\n", judge(cs))
	}
	if !found {
		os.Exit(1)
	}
}
