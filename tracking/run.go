package tracking

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// Run receives the metrics of one training run.
type Run interface {
	// Log records metrics at an optimizer step.
	Log(step int, metrics map[string]float64)
	// Summary records final values shown next to the run.
	Summary(metrics map[string]float64)
	// Save attaches a file, such as the best checkpoint, to the run.
	Save(path string) error
	Finish() error
	// URL is the run page, or the local run dir when offline.
	URL() string
}

// Init starts a run in the mode of s. An online run without an API key falls
// back to offline with a warning; API failures never abort training.
func Init(ctx context.Context, s Settings, project, name string, config map[string]interface{}, logger *zap.SugaredLogger) (Run, error) {
	if s.Mode == ModeDisabled {
		return disabledRun{}, nil
	}

	now := time.Now()
	id := runID(now)
	dir := filepath.Join(s.Dir, "wandb", fmt.Sprintf("offline-run-%s-%s", now.Format("20060102_150405"), id))
	off, err := newOfflineRun(dir, config, now)
	if err != nil {
		return nil, err
	}

	if s.Mode == ModeOffline {
		logger.Infof("wandb offline, run dir %s", dir)
		return off, nil
	}
	if s.APIKey == "" {
		logger.Warnf("WANDB_API_KEY is not set, logging offline to %s", dir)
		return off, nil
	}
	on, err := newOnlineRun(ctx, s, project, name, id, config, off, logger)
	if err != nil {
		logger.Warnf("wandb init failed, logging offline to %s: %v", dir, err)
		return off, nil
	}
	logger.Infof("wandb run %s", on.URL())
	return on, nil
}

const idChars = "abcdefghijklmnopqrstuvwxyz0123456789"

func runID(now time.Time) string {
	rng := rand.New(rand.NewSource(now.UnixNano()))
	b := make([]byte, 8)
	for i := range b {
		b[i] = idChars[rng.Intn(len(idChars))]
	}
	return string(b)
}

type disabledRun struct{}

func (disabledRun) Log(int, map[string]float64) {}
func (disabledRun) Summary(map[string]float64)  {}
func (disabledRun) Save(string) error           { return nil }
func (disabledRun) Finish() error               { return nil }
func (disabledRun) URL() string                 { return "" }
