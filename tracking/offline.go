package tracking

import (
	"bufio"
	"encoding/json"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/jolt8888/MLOPS-Project2/errors"
)

// offlineRun writes the files a wandb offline run dir holds: config.yaml,
// wandb-history.jsonl and wandb-summary.json.
type offlineRun struct {
	dir   string
	start time.Time

	mu      sync.Mutex
	history *os.File
	w       *bufio.Writer
	summary map[string]float64
	err     error // first history write failure
}

// configEntry is the {value: ...} wrapper wandb uses in config.yaml.
type configEntry struct {
	Value interface{} `yaml:"value"`
}

func newOfflineRun(dir string, config map[string]interface{}, start time.Time) (*offlineRun, error) {
	files := filepath.Join(dir, "files")
	if err := os.MkdirAll(files, os.ModePerm); err != nil {
		return nil, errors.IOf(err, "mkdir %s", files)
	}

	wrapped := make(map[string]configEntry, len(config))
	for k, v := range config {
		wrapped[k] = configEntry{Value: v}
	}
	buf, err := yaml.Marshal(wrapped)
	if err != nil {
		return nil, errors.IOf(err, "marshal run config")
	}
	if err := os.WriteFile(filepath.Join(files, "config.yaml"), buf, 0o644); err != nil {
		return nil, errors.IOf(err, "write config.yaml")
	}

	f, err := os.Create(filepath.Join(files, "wandb-history.jsonl"))
	if err != nil {
		return nil, errors.IOf(err, "create history")
	}
	return &offlineRun{
		dir:     dir,
		start:   start,
		history: f,
		w:       bufio.NewWriter(f),
		summary: make(map[string]float64),
	}, nil
}

// historyRow is one line of wandb-history.jsonl.
func (r *offlineRun) historyRow(step int, metrics map[string]float64) map[string]interface{} {
	row := make(map[string]interface{}, len(metrics)+3)
	for k, v := range metrics {
		row[k] = v
	}
	now := time.Now()
	row["_step"] = step
	row["_runtime"] = now.Sub(r.start).Seconds()
	row["_timestamp"] = float64(now.UnixNano()) / 1e9
	return row
}

func (r *offlineRun) Log(step int, metrics map[string]float64) {
	r.writeRow(r.historyRow(step, metrics))
}

// writeRow appends a row and returns its JSON, nil when encoding failed.
func (r *offlineRun) writeRow(row map[string]interface{}) []byte {
	line, err := json.Marshal(sanitize(row))
	if err != nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.w.Write(line); err != nil && r.err == nil {
		r.err = err
	}
	if err := r.w.WriteByte('\n'); err != nil && r.err == nil {
		r.err = err
	}
	for k, v := range row {
		if f, ok := v.(float64); ok && k[0] != '_' {
			r.summary[k] = f
		}
	}
	return line
}

func (r *offlineRun) Summary(metrics map[string]float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range metrics {
		r.summary[k] = v
	}
}

// Save copies path into the run's files dir.
func (r *offlineRun) Save(path string) error {
	return copyFile(path, filepath.Join(r.dir, "files", filepath.Base(path)))
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.IOf(err, "open %s", src)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return errors.IOf(err, "create %s", dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.IOf(err, "copy %s", src)
	}
	if err := out.Close(); err != nil {
		return errors.IOf(err, "close %s", dst)
	}
	return nil
}

func (r *offlineRun) Finish() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		r.history.Close()
		return errors.IOf(r.err, "write history")
	}
	if err := r.w.Flush(); err != nil {
		return errors.IOf(err, "flush history")
	}
	if err := r.history.Close(); err != nil {
		return errors.IOf(err, "close history")
	}
	buf, err := json.MarshalIndent(sanitize(toInterfaces(r.summary)), "", "  ")
	if err != nil {
		return errors.IOf(err, "marshal summary")
	}
	if err := os.WriteFile(filepath.Join(r.dir, "files", "wandb-summary.json"), buf, 0o644); err != nil {
		return errors.IOf(err, "write summary")
	}
	return nil
}

func (r *offlineRun) URL() string {
	return r.dir
}

func toInterfaces(m map[string]float64) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// sanitize replaces NaN and Inf, which JSON cannot carry, with their names.
func sanitize(row map[string]interface{}) map[string]interface{} {
	for k, v := range row {
		if f, ok := v.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
			row[k] = jsonFloatName(f)
		}
	}
	return row
}

func jsonFloatName(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case f > 0:
		return "Infinity"
	default:
		return "-Infinity"
	}
}
