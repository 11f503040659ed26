package IO

import (
	"sort"
	"strings"

	"github.com/jolt8888/MLOPS-Project2/errors"
)

// Task describes one GLUE task: where its files live and how to read them.
type Task struct {
	Name    string
	Dir     string // directory under the data dir, as unpacked by the GLUE archives
	Archive string // zip name on the GLUE mirror, empty for mrpc

	// header names of the text and label columns
	TextA, TextB, LabelCol string
	// column positions for files without a header row (cola train/dev)
	Headerless         bool
	TextAIdx, LabelIdx int

	Labels     []string // label strings in id order, nil for regression
	EvalSplits []string
}

// NumLabels is 1 for regression tasks.
func (t Task) NumLabels() int {
	if t.IsRegression() {
		return 1
	}
	return len(t.Labels)
}

func (t Task) IsRegression() bool {
	return len(t.Labels) == 0
}

// IsPair reports whether examples carry a second sentence.
func (t Task) IsPair() bool {
	return t.TextB != ""
}

// TestSplits are the unlabeled counterparts of the eval splits.
func (t Task) TestSplits() []string {
	out := make([]string, len(t.EvalSplits))
	for i, s := range t.EvalSplits {
		out[i] = strings.Replace(s, "validation", "test", 1)
	}
	return out
}

// LabelID maps a raw label cell to the id used for training.
func (t Task) LabelID(raw string) (int, bool) {
	for i, l := range t.Labels {
		if l == raw {
			return i, true
		}
	}
	return 0, false
}

var binaryLabels = []string{"0", "1"}

var tasks = map[string]Task{
	"cola": {
		Name: "cola", Dir: "CoLA", Archive: "CoLA.zip",
		TextA: "sentence", Headerless: true, TextAIdx: 3, LabelIdx: 1,
		Labels: binaryLabels, EvalSplits: []string{"validation"},
	},
	"sst2": {
		Name: "sst2", Dir: "SST-2", Archive: "SST-2.zip",
		TextA: "sentence", LabelCol: "label",
		Labels: binaryLabels, EvalSplits: []string{"validation"},
	},
	"mrpc": {
		Name: "mrpc", Dir: "MRPC",
		TextA: "#1 String", TextB: "#2 String", LabelCol: "Quality",
		Labels: binaryLabels, EvalSplits: []string{"validation"},
	},
	"qqp": {
		Name: "qqp", Dir: "QQP", Archive: "QQP-clean.zip",
		TextA: "question1", TextB: "question2", LabelCol: "is_duplicate",
		Labels: binaryLabels, EvalSplits: []string{"validation"},
	},
	"stsb": {
		Name: "stsb", Dir: "STS-B", Archive: "STS-B.zip",
		TextA: "sentence1", TextB: "sentence2", LabelCol: "score",
		EvalSplits: []string{"validation"},
	},
	"mnli": {
		Name: "mnli", Dir: "MNLI", Archive: "MNLI.zip",
		TextA: "sentence1", TextB: "sentence2", LabelCol: "gold_label",
		Labels:     []string{"entailment", "neutral", "contradiction"},
		EvalSplits: []string{"validation_matched", "validation_mismatched"},
	},
	"qnli": {
		Name: "qnli", Dir: "QNLI", Archive: "QNLIv2.zip",
		TextA: "question", TextB: "sentence", LabelCol: "label",
		Labels: []string{"entailment", "not_entailment"}, EvalSplits: []string{"validation"},
	},
	"rte": {
		Name: "rte", Dir: "RTE", Archive: "RTE.zip",
		TextA: "sentence1", TextB: "sentence2", LabelCol: "label",
		Labels: []string{"entailment", "not_entailment"}, EvalSplits: []string{"validation"},
	},
	"wnli": {
		Name: "wnli", Dir: "WNLI", Archive: "WNLI.zip",
		TextA: "sentence1", TextB: "sentence2", LabelCol: "label",
		Labels: binaryLabels, EvalSplits: []string{"validation"},
	},
}

// TaskNames lists the registry in sorted order.
func TaskNames() []string {
	names := make([]string, 0, len(tasks))
	for n := range tasks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// LookupTask returns the registry entry for name.
func LookupTask(name string) (Task, error) {
	t, ok := tasks[strings.ToLower(name)]
	if !ok {
		return Task{}, errors.Configf("unknown task %q, expected one of %s", name, strings.Join(TaskNames(), ", "))
	}
	return t, nil
}

// split name -> file inside the task directory
var splitFiles = map[string]string{
	"train":                 "train.tsv",
	"validation":            "dev.tsv",
	"validation_matched":    "dev_matched.tsv",
	"validation_mismatched": "dev_mismatched.tsv",
	"test":                  "test.tsv",
	"test_matched":          "test_matched.tsv",
	"test_mismatched":       "test_mismatched.tsv",
}
