package main

import (
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/jolt8888/MLOPS-Project2/errors"
	"github.com/jolt8888/MLOPS-Project2/trainer"
)

// checkpointInfo is one .ckpt file and the key=value pairs in its name.
type checkpointInfo struct {
	Name    string
	Path    string
	Size    int64
	Metrics map[string]float64
}

// parseCheckpointName reads "epoch=1-step=230-val_loss=0.3504.ckpt" into
// {epoch:1, step:230, val_loss:0.3504}. Parts that are not key=value or
// whose value is not a number are skipped.
func parseCheckpointName(name string) map[string]float64 {
	stem := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	out := make(map[string]float64)
	for _, part := range strings.Split(stem, "-") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		v, err := strconv.ParseFloat(kv[1], 64)
		if err != nil {
			continue
		}
		out[kv[0]] = v
	}
	return out
}

// listCheckpoints returns the checkpoints in dir sorted by val_loss, those
// without one last.
func listCheckpoints(dir string) ([]checkpointInfo, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, errors.Unavailablef(err, "checkpoint directory %s", dir)
	}
	paths, err := filepath.Glob(filepath.Join(dir, "*.ckpt"))
	if err != nil {
		return nil, errors.Wrapf(err, "glob %s", dir)
	}
	out := make([]checkpointInfo, 0, len(paths))
	for _, p := range paths {
		st, err := os.Stat(p)
		if err != nil {
			return nil, errors.Unavailablef(err, "stat %s", p)
		}
		out = append(out, checkpointInfo{
			Name:    filepath.Base(p),
			Path:    p,
			Size:    st.Size(),
			Metrics: parseCheckpointName(p),
		})
	}
	valLoss := func(c checkpointInfo) float64 {
		if v, ok := c.Metrics["val_loss"]; ok && !math.IsNaN(v) {
			return v
		}
		return math.Inf(1)
	}
	sort.SliceStable(out, func(i, j int) bool { return valLoss(out[i]) < valLoss(out[j]) })
	return out, nil
}

// withLoggedMetrics adds the metrics.csv row of the checkpoint's step, if
// there is one, without overriding what the file name says.
func withLoggedMetrics(dir string, ck checkpointInfo) map[string]float64 {
	merged := make(map[string]float64, len(ck.Metrics))
	for k, v := range ck.Metrics {
		merged[k] = v
	}
	records, err := trainer.ReadMetricsLog(filepath.Join(dir, "metrics.csv"))
	if err != nil {
		return merged
	}
	step, ok := ck.Metrics["step"]
	if !ok {
		return merged
	}
	for _, r := range records {
		if float64(r.Step) != step {
			continue
		}
		for k, v := range trainer.ParseMetrics(r.Metrics) {
			if _, set := merged[k]; !set {
				merged[k] = v
			}
		}
	}
	return merged
}
