package IO

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/jolt8888/MLOPS-Project2/errors"
)

// Example is one raw GLUE row.
type Example struct {
	Idx   int
	TextA string
	TextB string
	Label float64 // class id or regression target, -1 when the split is unlabeled
}

type columns struct {
	a, b, label int
}

// ReadExamples parses a GLUE TSV file. GLUE files are written without quoting,
// so a row is a plain tab split. Rows too short for the task columns are skipped.
func ReadExamples(path string, task Task, split string) ([]Example, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Unavailablef(err, "open %s", path)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)

	cols := columns{a: task.TextAIdx, b: -1, label: task.LabelIdx}
	headerless := task.Headerless && !strings.HasPrefix(split, "test")
	lineNum := 0
	var out []Example
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		lineNum++
		if lineNum == 1 {
			line = strings.TrimPrefix(line, "\ufeff")
			if !headerless {
				cols, err = headerColumns(strings.Split(line, "\t"), task)
				if err != nil {
					return nil, errors.Wrapf(err, "%s", path)
				}
				continue
			}
		}
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if cols.a >= len(fields) || cols.b >= len(fields) || cols.label >= len(fields) {
			continue
		}

		ex := Example{Idx: len(out), TextA: fields[cols.a], Label: -1}
		if cols.b >= 0 {
			ex.TextB = fields[cols.b]
		}
		if cols.label >= 0 {
			ex.Label, err = parseLabel(task, strings.TrimSpace(fields[cols.label]))
			if err != nil {
				return nil, errors.Wrapf(err, "%s:%d", path, lineNum)
			}
		}
		out = append(out, ex)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Unavailablef(err, "read %s", path)
	}
	return out, nil
}

// headerColumns finds the task columns by name. A missing label column means
// the file is unlabeled.
func headerColumns(header []string, task Task) (columns, error) {
	cols := columns{a: -1, b: -1, label: -1}
	for i, h := range header {
		switch strings.TrimSpace(h) {
		case task.TextA:
			cols.a = i
		case task.TextB:
			if task.TextB != "" {
				cols.b = i
			}
		case task.LabelCol:
			cols.label = i
		}
	}
	if cols.a < 0 || (task.IsPair() && cols.b < 0) {
		return cols, errors.Unavailablef(nil, "header %q has no %s text columns", strings.Join(header, "\t"), task.Name)
	}
	return cols, nil
}

func parseLabel(task Task, raw string) (float64, error) {
	if task.IsRegression() {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, errors.Unavailablef(err, "bad %s score %q", task.Name, raw)
		}
		return v, nil
	}
	id, ok := task.LabelID(raw)
	if !ok {
		return 0, errors.Unavailablef(nil, "unknown %s label %q", task.Name, raw)
	}
	return float64(id), nil
}
