package trainer

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang/snappy"
	"gonum.org/v1/gonum/mat"

	"github.com/jolt8888/MLOPS-Project2/errors"
	"github.com/jolt8888/MLOPS-Project2/optimizations"
)

// tensorData is one parameter with its AdamW moments, row-major.
type tensorData struct {
	Name       string
	Rows, Cols int
	Data       []float64
	M, V       []float64 // empty before the first optimizer step
}

// Checkpoint is everything needed to resume a run or reuse its weights.
type Checkpoint struct {
	Epoch        int
	GlobalStep   int
	AdamStep     int
	ScheduleStep int
	Metrics      map[string]float64
	Hparams      map[string]string
	Tensors      []tensorData
}

// Snapshot copies the parameters and optimizer state.
func Snapshot(ps []*optimizations.Param, opt *optimizations.AdamW, sched *optimizations.LinearSchedule) Checkpoint {
	ck := Checkpoint{Tensors: make([]tensorData, len(ps))}
	if opt != nil {
		ck.AdamStep = opt.T
	}
	if sched != nil {
		ck.ScheduleStep = sched.Current()
	}
	for i, p := range ps {
		r, c := p.Value.Dims()
		td := tensorData{Name: p.Name, Rows: r, Cols: c, Data: mat.DenseCopyOf(p.Value).RawMatrix().Data}
		if m, v := p.Moments(); m != nil {
			td.M = mat.DenseCopyOf(m).RawMatrix().Data
			td.V = mat.DenseCopyOf(v).RawMatrix().Data
		}
		ck.Tensors[i] = td
	}
	return ck
}

// Restore writes the checkpoint into ps (matched by name) and the optimizer
// state. Every param must be present with the same shape.
func (ck *Checkpoint) Restore(ps []*optimizations.Param, opt *optimizations.AdamW, sched *optimizations.LinearSchedule) error {
	byName := make(map[string]tensorData, len(ck.Tensors))
	for _, td := range ck.Tensors {
		byName[td.Name] = td
	}
	for _, p := range ps {
		td, ok := byName[p.Name]
		if !ok {
			return errors.Configf("checkpoint has no tensor %s", p.Name)
		}
		if r, c := p.Value.Dims(); r != td.Rows || c != td.Cols || len(td.Data) != r*c {
			return errors.Configf("checkpoint tensor %s is %dx%d, want %dx%d", p.Name, td.Rows, td.Cols, r, c)
		}
		p.Value.Copy(mat.NewDense(td.Rows, td.Cols, td.Data))
		if len(td.M) == td.Rows*td.Cols && len(td.V) == td.Rows*td.Cols {
			p.SetMoments(mat.NewDense(td.Rows, td.Cols, td.M), mat.NewDense(td.Rows, td.Cols, td.V))
		}
	}
	if opt != nil {
		opt.T = ck.AdamStep
	}
	if sched != nil {
		sched.Restore(ck.ScheduleStep)
	}
	return nil
}

// SaveCheckpoint writes gob+snappy to a temp file in the same dir and renames
// it into place.
func SaveCheckpoint(path string, ck *Checkpoint) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path))
	if err != nil {
		return errors.IOf(err, "create temp checkpoint")
	}
	defer os.Remove(tmp.Name())

	sw := snappy.NewBufferedWriter(tmp)
	if err := gob.NewEncoder(sw).Encode(ck); err != nil {
		tmp.Close()
		return errors.IOf(err, "encode %s", path)
	}
	if err := sw.Close(); err != nil {
		tmp.Close()
		return errors.IOf(err, "compress %s", path)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.IOf(err, "sync %s", path)
	}
	if err := tmp.Close(); err != nil {
		return errors.IOf(err, "close %s", path)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.IOf(err, "rename to %s", path)
	}
	return nil
}

func LoadCheckpoint(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Unavailablef(err, "open checkpoint %s", path)
	}
	defer f.Close()
	var ck Checkpoint
	if err := gob.NewDecoder(snappy.NewReader(bufio.NewReader(f))).Decode(&ck); err != nil {
		return nil, errors.Unavailablef(err, "decode checkpoint %s", path)
	}
	return &ck, nil
}

// stringify flattens hyperparameters for gob.
func stringify(hp map[string]interface{}) map[string]string {
	out := make(map[string]string, len(hp))
	for k, v := range hp {
		out[k] = fmt.Sprint(v)
	}
	return out
}
