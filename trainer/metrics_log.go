package trainer

import (
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"

	"github.com/jolt8888/MLOPS-Project2/errors"
)

// EpochRecord is one row of metrics.csv.
type EpochRecord struct {
	Epoch     int     `csv:"epoch"`
	Step      int     `csv:"step"`
	TrainLoss float64 `csv:"train_loss"`
	LR        float64 `csv:"lr"`
	ValLoss   float64 `csv:"val_loss"`
	Seconds   float64 `csv:"epoch_seconds"`
	// every validation metric as k=v pairs, sorted by key
	Metrics string `csv:"metrics"`
}

// MetricsLog rewrites metrics.csv after every epoch.
type MetricsLog struct {
	path    string
	records []*EpochRecord
}

func NewMetricsLog(path string) *MetricsLog {
	return &MetricsLog{path: path}
}

func (l *MetricsLog) Append(r *EpochRecord) error {
	l.records = append(l.records, r)
	f, err := os.Create(l.path)
	if err != nil {
		return errors.IOf(err, "create %s", l.path)
	}
	if err := gocsv.MarshalFile(&l.records, f); err != nil {
		f.Close()
		return errors.IOf(err, "write %s", l.path)
	}
	if err := f.Close(); err != nil {
		return errors.IOf(err, "close %s", l.path)
	}
	return nil
}

// Load keeps the rows of an existing log for epochs before the given one, so
// a resumed run extends the file instead of replacing it. A missing file is
// an empty log.
func (l *MetricsLog) Load(beforeEpoch int) error {
	if _, err := os.Stat(l.path); os.IsNotExist(err) {
		return nil
	}
	records, err := ReadMetricsLog(l.path)
	if err != nil {
		return err
	}
	l.records = l.records[:0]
	for _, r := range records {
		if r.Epoch < beforeEpoch {
			l.records = append(l.records, r)
		}
	}
	return nil
}

// ReadMetricsLog loads a metrics.csv written by MetricsLog.
func ReadMetricsLog(path string) ([]*EpochRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Unavailablef(err, "open %s", path)
	}
	defer f.Close()
	var out []*EpochRecord
	if err := gocsv.UnmarshalFile(f, &out); err != nil {
		return nil, errors.Unavailablef(err, "parse %s", path)
	}
	return out, nil
}

func formatMetrics(m map[string]float64) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%.6g", k, m[k])
	}
	return strings.Join(parts, ";")
}

// ParseMetrics is the inverse of the metrics column encoding.
func ParseMetrics(s string) map[string]float64 {
	out := make(map[string]float64)
	for _, kv := range strings.Split(s, ";") {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		v, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			v = math.NaN()
		}
		out[parts[0]] = v
	}
	return out
}
