package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/alexflint/go-arg"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jolt8888/MLOPS-Project2/IO"
	"github.com/jolt8888/MLOPS-Project2/errors"
	"github.com/jolt8888/MLOPS-Project2/model"
	"github.com/jolt8888/MLOPS-Project2/params"
	"github.com/jolt8888/MLOPS-Project2/tracking"
	"github.com/jolt8888/MLOPS-Project2/trainer"
)

// newLogger splits output to stdout and stderr based on level.
func newLogger(verbose bool) *zap.SugaredLogger {
	minLevel := zapcore.InfoLevel
	if verbose {
		minLevel = zapcore.DebugLevel
	}
	isErrorLevel := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= zapcore.ErrorLevel
	})
	isInfoLevel := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= minLevel && lvl < zapcore.ErrorLevel
	})

	config := zap.NewProductionEncoderConfig()
	config.EncodeTime = zapcore.RFC3339TimeEncoder
	encoder := zapcore.NewConsoleEncoder(config)

	core := zapcore.NewTee(
		zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), isErrorLevel),
		zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), isInfoLevel),
	)
	return zap.New(core, zap.AddCaller()).Sugar()
}

// train runs one fine-tuning job. The returned tracker run, when non-nil,
// is still open.
func train(ctx context.Context, cfg *params.TrainingConfig, settings tracking.Settings, logger *zap.SugaredLogger) (res *trainer.FitResult, run tracking.Run, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Computef(nil, "panic: %v", r)
		}
	}()

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	dm, err := IO.NewGLUEDataModule(cfg, nil, logger)
	if err != nil {
		return nil, nil, err
	}
	logger.Infof("task %s, %d labels, seed %d", dm.Task().Name, dm.NumLabels(), cfg.Seed)

	if err := os.MkdirAll(cfg.CheckpointDir, os.ModePerm); err != nil {
		return nil, nil, errors.IOf(err, "mkdir %s", cfg.CheckpointDir)
	}
	run, err = tracking.Init(ctx, settings, cfg.WandbProject, cfg.RunName(time.Now()), cfg.Hyperparams(), logger)
	if err != nil {
		return nil, nil, err
	}

	if err := dm.Setup(ctx, IO.StageFit); err != nil {
		return nil, run, err
	}
	m, err := model.New(cfg, dm.Task(), dm.Tokenizer(), logger)
	if err != nil {
		return nil, run, err
	}
	res, err = trainer.New(cfg, run, logger).Fit(ctx, m, dm)
	if err != nil {
		return res, run, err
	}
	if res.BestModelPath != "" {
		if err := run.Save(res.BestModelPath); err != nil {
			logger.Warnf("saving %s to tracker run: %v", res.BestModelPath, err)
		}
	}
	return res, run, nil
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "%+v\n", err)
	os.Exit(1)
}

func main() {
	cfg, p, err := parseArgs(os.Args[1:])
	if err == arg.ErrHelp {
		p.WriteHelp(os.Stdout)
		return
	}
	if err != nil {
		if p != nil {
			p.WriteUsage(os.Stderr)
		}
		fail(errors.Configf("%v", err))
	}

	logger := newLogger(cfg.Verbose)
	defer logger.Sync()

	settings, err := tracking.LoadSettings()
	if err != nil {
		fail(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	res, run, err := train(ctx, cfg, settings, logger)
	if run != nil {
		if ferr := run.Finish(); ferr != nil {
			logger.Warnf("finishing tracker run: %v", ferr)
		}
	}
	if err != nil {
		logger.Errorf("training failed: %v", err)
		fail(err)
	}

	fmt.Printf("Training complete! Checkpoints saved to: %s\n", cfg.CheckpointDir)
	fmt.Printf("Best checkpoint: %s\n", res.BestModelPath)
	fmt.Printf("W&B run: %s\n", run.URL())
}
