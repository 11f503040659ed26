package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jolt8888/MLOPS-Project2/errors"
	"github.com/jolt8888/MLOPS-Project2/tracking"
)

func TestParseArgsDefaults(t *testing.T) {
	cfg, _, err := parseArgs(nil)
	require.NoError(t, err)
	require.Equal(t, "distilbert-base-uncased", cfg.ModelNameOrPath)
	require.Equal(t, "mrpc", cfg.TaskName)
	require.Equal(t, 2e-5, cfg.LearningRate)
	require.Equal(t, 3, cfg.Epochs)
	require.Equal(t, 32, cfg.TrainBatchSize)
	require.Equal(t, 128, cfg.MaxSeqLength)
	require.Equal(t, int64(42), cfg.Seed)
	require.Equal(t, "checkpoints", cfg.CheckpointDir)
	require.True(t, cfg.ProgressBar)
	require.NoError(t, cfg.Validate())
}

func TestParseArgsLearningRateAlias(t *testing.T) {
	cfg, _, err := parseArgs([]string{"--learning_rate", "1e-4", "--task_name", "rte"})
	require.NoError(t, err)
	require.Equal(t, 1e-4, cfg.LearningRate)
	require.Equal(t, "rte", cfg.TaskName)

	cfg, _, err = parseArgs([]string{"--learning_rate=3e-5", "--devices", "2"})
	require.NoError(t, err)
	require.Equal(t, 3e-5, cfg.LearningRate)
	require.Equal(t, 2, cfg.Devices)

	cfg, _, err = parseArgs([]string{"--lr", "5e-5"})
	require.NoError(t, err)
	require.Equal(t, 5e-5, cfg.LearningRate)
}

func TestUnknownTaskCreatesNoCheckpointDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "checkpoints")
	cfg, _, err := parseArgs([]string{"--task_name", "not_a_task", "--checkpoint_dir", dir})
	require.NoError(t, err)

	_, run, err := train(context.Background(), cfg, tracking.Settings{Mode: tracking.ModeDisabled}, zap.NewNop().Sugar())
	require.True(t, errors.Is(err, errors.ErrConfiguration))
	require.Nil(t, run)
	_, statErr := os.Stat(dir)
	require.True(t, os.IsNotExist(statErr))
}

func TestBadAcceleratorIsConfigError(t *testing.T) {
	cfg, _, err := parseArgs([]string{"--accelerator", "gpu", "--checkpoint_dir", t.TempDir()})
	require.NoError(t, err)
	_, _, err = train(context.Background(), cfg, tracking.Settings{Mode: tracking.ModeDisabled}, zap.NewNop().Sugar())
	require.True(t, errors.Is(err, errors.ErrConfiguration))
}
