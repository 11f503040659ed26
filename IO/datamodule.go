package IO

import (
	"context"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/jolt8888/MLOPS-Project2/errors"
	"github.com/jolt8888/MLOPS-Project2/params"
)

// Setup stages.
const (
	StageFit      = "fit"
	StageValidate = "validate"
	StageTest     = "test"
)

// GLUEDataModule owns the tokenized splits of one task and hands out loaders.
type GLUEDataModule struct {
	cfg    *params.TrainingConfig
	task   Task
	tok    Tokenizer
	logger *zap.SugaredLogger

	features map[string][]Features
}

// NewGLUEDataModule checks the task name and does no I/O. tok may be nil, in
// which case Setup loads the tokenizer of cfg.ModelNameOrPath.
func NewGLUEDataModule(cfg *params.TrainingConfig, tok Tokenizer, logger *zap.SugaredLogger) (*GLUEDataModule, error) {
	task, err := LookupTask(cfg.TaskName)
	if err != nil {
		return nil, err
	}
	return &GLUEDataModule{
		cfg:      cfg,
		task:     task,
		tok:      tok,
		logger:   logger,
		features: make(map[string][]Features),
	}, nil
}

func (dm *GLUEDataModule) Task() Task {
	return dm.task
}

func (dm *GLUEDataModule) NumLabels() int {
	return dm.task.NumLabels()
}

func (dm *GLUEDataModule) EvalSplits() []string {
	return dm.task.EvalSplits
}

// Tokenizer is available after Setup.
func (dm *GLUEDataModule) Tokenizer() Tokenizer {
	return dm.tok
}

// Setup makes sure the task files exist and tokenizes the splits the stage needs.
func (dm *GLUEDataModule) Setup(ctx context.Context, stage string) error {
	var splits []string
	switch stage {
	case StageFit:
		splits = append([]string{"train"}, dm.task.EvalSplits...)
	case StageValidate:
		splits = dm.task.EvalSplits
	case StageTest:
		splits = dm.task.TestSplits()
	default:
		return errors.Configf("unknown setup stage %q", stage)
	}

	if dm.tok == nil {
		t, err := LoadTokenizer(dm.cfg.ModelNameOrPath)
		if err != nil {
			return err
		}
		dm.tok = t
	}
	tok, err := NewCachedTokenizer(dm.tok, dm.cfg.TokenizerCacheSize)
	if err != nil {
		return err
	}

	if err := EnsureTaskData(ctx, dm.cfg.DataDir, dm.task, dm.logger); err != nil {
		return err
	}

	for _, split := range splits {
		if _, done := dm.features[split]; done {
			continue
		}
		feats, err := dm.loadSplit(tok, split)
		if err != nil {
			return err
		}
		dm.features[split] = feats
		dm.logger.Infof("%s/%s: %s examples", dm.task.Name, split, humanize.Comma(int64(len(feats))))
	}
	return nil
}

func (dm *GLUEDataModule) loadSplit(tok Tokenizer, split string) ([]Features, error) {
	prefix := FeatureCachePrefix(dm.cfg.DataDir, dm.task, split, tok.Name(), dm.cfg.MaxSeqLength)
	if feats, ok, err := ImportFeaturesBinary(prefix); err != nil {
		dm.logger.Warnf("ignoring feature cache %s: %v", prefix, err)
	} else if ok {
		return feats, nil
	}

	path := filepath.Join(TaskDir(dm.cfg.DataDir, dm.task), splitFiles[split])
	examples, err := ReadExamples(path, dm.task, split)
	if err != nil {
		return nil, err
	}
	feats, err := ConvertExamples(tok, examples, dm.task.IsPair(), dm.cfg.MaxSeqLength, dm.cfg.Workers())
	if err != nil {
		return nil, errors.Wrapf(err, "tokenize %s/%s", dm.task.Name, split)
	}
	if err := ExportFeaturesBinary(prefix, feats, DefaultShardBytes); err != nil {
		dm.logger.Warnf("could not write feature cache %s: %v", prefix, err)
	}
	return feats, nil
}

// NumTrainExamples is 0 before Setup(StageFit).
func (dm *GLUEDataModule) NumTrainExamples() int {
	return len(dm.features["train"])
}

func (dm *GLUEDataModule) padTo() int {
	if dm.cfg.PadToMaxLength {
		return dm.cfg.MaxSeqLength
	}
	return 0
}

// TrainLoader shuffles with the run seed, a new order every epoch.
func (dm *GLUEDataModule) TrainLoader() (*Loader, error) {
	feats, ok := dm.features["train"]
	if !ok {
		return nil, errors.Configf("train split is not set up")
	}
	return NewLoader(feats, dm.cfg.TrainBatchSize, true, dm.cfg.Seed, dm.padTo(), dm.tok.Special().PAD), nil
}

// ValLoaders returns one loader per eval split, in EvalSplits order.
func (dm *GLUEDataModule) ValLoaders() ([]*Loader, error) {
	return dm.evalLoaders(dm.task.EvalSplits)
}

func (dm *GLUEDataModule) TestLoaders() ([]*Loader, error) {
	return dm.evalLoaders(dm.task.TestSplits())
}

func (dm *GLUEDataModule) evalLoaders(splits []string) ([]*Loader, error) {
	out := make([]*Loader, 0, len(splits))
	for _, split := range splits {
		feats, ok := dm.features[split]
		if !ok {
			return nil, errors.Configf("%s split is not set up", split)
		}
		out = append(out, NewLoader(feats, dm.cfg.EvalBatchSize, false, 0, dm.padTo(), dm.tok.Special().PAD))
	}
	return out, nil
}
