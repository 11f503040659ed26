package trainer

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/jolt8888/MLOPS-Project2/errors"
)

type savedCheckpoint struct {
	path  string
	score float64
}

// ModelCheckpoint keeps the TopK best checkpoints by Monitor. Files are named
// epoch={e}-step={s}-{monitor}={v:.4f}.ckpt.
type ModelCheckpoint struct {
	Dir     string
	Monitor string
	Mode    string // min | max
	TopK    int

	saved  []savedCheckpoint // best first
	logger *zap.SugaredLogger
}

func NewModelCheckpoint(dir, monitor, mode string, topK int, logger *zap.SugaredLogger) *ModelCheckpoint {
	return &ModelCheckpoint{Dir: dir, Monitor: monitor, Mode: mode, TopK: topK, logger: logger}
}

// better reports whether a beats b under Mode. NaN never wins.
func (mc *ModelCheckpoint) better(a, b float64) bool {
	if math.IsNaN(a) {
		return false
	}
	if math.IsNaN(b) {
		return true
	}
	if mc.Mode == "max" {
		return a > b
	}
	return a < b
}

func (mc *ModelCheckpoint) Filename(epoch, step int, score float64) string {
	return fmt.Sprintf("epoch=%d-step=%d-%s=%.4f.ckpt", epoch, step, mc.Monitor, score)
}

// OnValidationEnd saves ck when it ranks in the top K and deletes the
// checkpoint it pushes out. A write failure is fatal.
func (mc *ModelCheckpoint) OnValidationEnd(ck *Checkpoint) error {
	if mc.TopK == 0 {
		return nil
	}
	score, ok := ck.Metrics[mc.Monitor]
	if !ok {
		return errors.Configf("checkpoint monitor %q is not among the logged metrics", mc.Monitor)
	}
	if len(mc.saved) >= mc.TopK && !mc.better(score, mc.saved[len(mc.saved)-1].score) {
		return nil
	}

	path := filepath.Join(mc.Dir, mc.Filename(ck.Epoch, ck.GlobalStep, score))
	if err := SaveCheckpoint(path, ck); err != nil {
		return err
	}
	mc.logger.Infof("saved %s", path)

	kept := mc.saved[:0]
	for _, s := range mc.saved {
		if s.path != path {
			kept = append(kept, s)
		}
	}
	mc.saved = append(kept, savedCheckpoint{path: path, score: score})
	sort.SliceStable(mc.saved, func(i, j int) bool { return mc.better(mc.saved[i].score, mc.saved[j].score) })
	return mc.evict()
}

// evict deletes the worst checkpoints until at most TopK are left.
func (mc *ModelCheckpoint) evict() error {
	for len(mc.saved) > mc.TopK {
		worst := mc.saved[len(mc.saved)-1]
		mc.saved = mc.saved[:len(mc.saved)-1]
		if err := os.Remove(worst.path); err != nil && !os.IsNotExist(err) {
			return errors.IOf(err, "remove %s", worst.path)
		}
		mc.logger.Infof("removed %s", worst.path)
	}
	return nil
}

// Reload rebuilds the kept list from the checkpoints already in Dir, reading
// the score back from the file name. Files beyond TopK are removed.
func (mc *ModelCheckpoint) Reload() error {
	if mc.TopK == 0 {
		return nil
	}
	paths, err := filepath.Glob(filepath.Join(mc.Dir, "*.ckpt"))
	if err != nil {
		return errors.Wrapf(err, "glob %s", mc.Dir)
	}
	mc.saved = mc.saved[:0]
	for _, p := range paths {
		if score, ok := mc.scoreFromName(p); ok {
			mc.saved = append(mc.saved, savedCheckpoint{path: p, score: score})
		}
	}
	sort.SliceStable(mc.saved, func(i, j int) bool { return mc.better(mc.saved[i].score, mc.saved[j].score) })
	return mc.evict()
}

// scoreFromName parses the monitor value out of a name built by Filename.
func (mc *ModelCheckpoint) scoreFromName(path string) (float64, bool) {
	stem := strings.TrimSuffix(filepath.Base(path), ".ckpt")
	key := "-" + mc.Monitor + "="
	i := strings.LastIndex(stem, key)
	if i < 0 {
		return 0, false
	}
	score, err := strconv.ParseFloat(stem[i+len(key):], 64)
	if err != nil {
		return 0, false
	}
	return score, true
}

// BestModelPath is empty until something was saved.
func (mc *ModelCheckpoint) BestModelPath() string {
	if len(mc.saved) == 0 {
		return ""
	}
	return mc.saved[0].path
}

// BestScore is NaN until something was saved.
func (mc *ModelCheckpoint) BestScore() float64 {
	if len(mc.saved) == 0 {
		return math.NaN()
	}
	return mc.saved[0].score
}

// Paths lists the kept checkpoints, best first.
func (mc *ModelCheckpoint) Paths() []string {
	out := make([]string, len(mc.saved))
	for i, s := range mc.saved {
		out[i] = s.path
	}
	return out
}
