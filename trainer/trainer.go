// Package trainer runs the fit loop around a GLUETransformer: optimizer and
// schedule steps, validation, metric logging and checkpointing.
package trainer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sbwhitecap/tqdm"
	"github.com/sbwhitecap/tqdm/iterators"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"github.com/jolt8888/MLOPS-Project2/IO"
	"github.com/jolt8888/MLOPS-Project2/errors"
	"github.com/jolt8888/MLOPS-Project2/model"
	"github.com/jolt8888/MLOPS-Project2/params"
	"github.com/jolt8888/MLOPS-Project2/tracking"
)

// Trainer owns the loop state of one run.
type Trainer struct {
	cfg    *params.TrainingConfig
	run    tracking.Run
	logger *zap.SugaredLogger

	Checkpoint *ModelCheckpoint
	Metrics    *MetricsLog
	GlobalStep int
}

// FitResult summarizes a finished fit.
type FitResult struct {
	BestModelPath string
	BestScore     float64
	LastMetrics   map[string]float64
	GlobalStep    int
	TotalSteps    int
}

// New expects cfg.CheckpointDir to exist.
func New(cfg *params.TrainingConfig, run tracking.Run, logger *zap.SugaredLogger) *Trainer {
	return &Trainer{
		cfg:        cfg,
		run:        run,
		logger:     logger,
		Checkpoint: NewModelCheckpoint(cfg.CheckpointDir, cfg.Monitor, cfg.MonitorMode, cfg.SaveTopK, logger),
		Metrics:    NewMetricsLog(filepath.Join(cfg.CheckpointDir, "metrics.csv")),
	}
}

// WriteHparams stores the run hyperparameters as hparams.yaml next to the checkpoints.
func WriteHparams(dir string, hp map[string]interface{}) error {
	buf, err := yaml.Marshal(hp)
	if err != nil {
		return errors.IOf(err, "marshal hparams")
	}
	path := filepath.Join(dir, "hparams.yaml")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return errors.IOf(err, "write %s", path)
	}
	return nil
}

// trainBatches is the number of optimizer steps per epoch.
func (t *Trainer) trainBatches(loader *IO.Loader) int {
	n := loader.Len()
	if t.cfg.LimitTrainBatches > 0 && t.cfg.LimitTrainBatches < n {
		n = t.cfg.LimitTrainBatches
	}
	return n
}

// Fit trains for cfg.Epochs epochs, validating and checkpointing after each.
func (t *Trainer) Fit(ctx context.Context, m *model.GLUETransformer, dm *IO.GLUEDataModule) (*FitResult, error) {
	train, err := dm.TrainLoader()
	if err != nil {
		return nil, err
	}
	vals, err := dm.ValLoaders()
	if err != nil {
		return nil, err
	}

	perEpoch := t.trainBatches(train)
	total := model.TotalSteps(dm.NumTrainExamples(), t.cfg.TrainBatchSize, t.cfg.Epochs)
	if perEpoch < train.Len() {
		total = perEpoch * t.cfg.Epochs
	}
	opt, sched := m.ConfigureOptimizers(total)

	hp := t.cfg.Hyperparams()
	hp["num_labels"] = m.NumLabels
	hp["total_steps"] = total
	if err := WriteHparams(t.cfg.CheckpointDir, hp); err != nil {
		return nil, err
	}

	startEpoch := 0
	if t.cfg.ResumeFromCheckpoint != "" {
		ck, err := LoadCheckpoint(t.cfg.ResumeFromCheckpoint)
		if err != nil {
			return nil, err
		}
		if err := ck.Restore(m.Params(), opt, sched); err != nil {
			return nil, err
		}
		startEpoch, t.GlobalStep = ck.Epoch+1, ck.GlobalStep
		if err := t.Checkpoint.Reload(); err != nil {
			return nil, err
		}
		if err := t.Metrics.Load(startEpoch); err != nil {
			return nil, err
		}
		t.logger.Infof("resumed from %s at epoch %d, step %d", t.cfg.ResumeFromCheckpoint, startEpoch, t.GlobalStep)
	}

	res := &FitResult{TotalSteps: total}
	for epoch := startEpoch; epoch < t.cfg.Epochs; epoch++ {
		start := time.Now()
		train.Reset(epoch)

		var lossSum float64
		desc := fmt.Sprintf("Epoch %d", epoch)
		err := t.forEachBatch(perEpoch, desc, func(int) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			batch, ok := train.Next()
			if !ok {
				return errors.Computef(nil, "train loader ran out after %d batches", t.GlobalStep)
			}
			loss, err := m.TrainingStep(batch)
			if err != nil {
				return errors.Wrapf(err, "epoch %d step %d", epoch, t.GlobalStep)
			}
			loss.Backward()
			if t.cfg.GradientClipVal > 0 {
				opt.ClipGradNorm(t.cfg.GradientClipVal)
			}
			lr := sched.LR()
			opt.Step(lr)
			sched.Step()
			opt.ZeroGrad()
			t.GlobalStep++
			lossSum += loss.Value

			if t.cfg.LogEveryNSteps > 0 && t.GlobalStep%t.cfg.LogEveryNSteps == 0 {
				t.run.Log(t.GlobalStep, map[string]float64{"train_loss": loss.Value, "lr": lr, "epoch": float64(epoch)})
				if t.cfg.Verbose {
					t.logger.Debugf("step %d: train_loss=%.4f lr=%.3g", t.GlobalStep, loss.Value, lr)
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}

		metrics, err := t.Validate(m, vals)
		if err != nil {
			return nil, err
		}
		trainLoss := lossSum / float64(max(1, perEpoch))
		elapsed := time.Since(start)

		logged := make(map[string]float64, len(metrics)+2)
		for k, v := range metrics {
			logged[k] = v
		}
		logged["epoch"] = float64(epoch)
		logged["train_loss_epoch"] = trainLoss
		t.run.Log(t.GlobalStep, logged)

		fmt.Printf("Epoch %d - TrainLoss: %.4f, ValLoss: %.4f, %s, Time: %v\n",
			epoch, trainLoss, metrics["val_loss"], formatMetrics(metrics), elapsed.Round(time.Millisecond))

		if err := t.Metrics.Append(&EpochRecord{
			Epoch:     epoch,
			Step:      t.GlobalStep,
			TrainLoss: trainLoss,
			LR:        sched.LR(),
			ValLoss:   metrics["val_loss"],
			Seconds:   elapsed.Seconds(),
			Metrics:   formatMetrics(metrics),
		}); err != nil {
			return nil, err
		}

		ck := Snapshot(m.Params(), opt, sched)
		ck.Epoch, ck.GlobalStep, ck.Metrics, ck.Hparams = epoch, t.GlobalStep, metrics, stringify(hp)
		if err := t.Checkpoint.OnValidationEnd(&ck); err != nil {
			return nil, err
		}
		res.LastMetrics = metrics
	}

	res.GlobalStep = t.GlobalStep
	res.BestModelPath = t.Checkpoint.BestModelPath()
	res.BestScore = t.Checkpoint.BestScore()
	if res.LastMetrics != nil {
		t.run.Summary(res.LastMetrics)
	}
	return res, nil
}

// Validate runs every eval loader and reduces the outputs to metrics.
func (t *Trainer) Validate(m *model.GLUETransformer, loaders []*IO.Loader) (map[string]float64, error) {
	outputs := make([][]model.ValidationOutput, len(loaders))
	for s, loader := range loaders {
		n := loader.Len()
		if t.cfg.LimitValBatches > 0 && t.cfg.LimitValBatches < n {
			n = t.cfg.LimitValBatches
		}
		loader.Reset(0)
		for i := 0; i < n; i++ {
			batch, ok := loader.Next()
			if !ok {
				break
			}
			out, err := m.ValidationStep(batch)
			if err != nil {
				return nil, errors.Wrapf(err, "validation batch %d", i)
			}
			outputs[s] = append(outputs[s], out)
		}
	}
	return m.OnValidationEpochEnd(outputs)
}

// forEachBatch calls fn n times, under a progress bar when enabled.
func (t *Trainer) forEachBatch(n int, desc string, fn func(i int) error) error {
	if !t.cfg.ProgressBar {
		for i := 0; i < n; i++ {
			if err := fn(i); err != nil {
				return err
			}
		}
		return nil
	}
	var fnErr error
	err := tqdm.With(iterators.Interval(0, n), desc, func(v interface{}) (brk bool) {
		fnErr = fn(v.(int))
		return fnErr != nil
	})
	if fnErr != nil {
		return fnErr
	}
	return err
}
