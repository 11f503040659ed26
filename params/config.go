package params

import (
	"fmt"
	"strings"
	"time"

	"github.com/jolt8888/MLOPS-Project2/errors"
)

// TrainingConfig is every hyperparameter of a run. It is built once from the
// command line and passed by pointer; nothing mutates it after Validate.
type TrainingConfig struct {
	// Model
	ModelNameOrPath  string // HF hub id or local dir with config.json + model.safetensors
	TaskName         string // GLUE task
	InitFromScratch  bool   // random encoder instead of pretrained weights
	HiddenSize       int    // only with InitFromScratch
	NumLayers        int
	NumHeads         int
	IntermediateSize int

	// Optimization
	LearningRate    float64
	Epochs          int
	TrainBatchSize  int
	EvalBatchSize   int
	MaxSeqLength    int
	PadToMaxLength  bool
	WarmupSteps     int
	WeightDecay     float64
	AdamBeta1       float64 // default 0.9
	AdamBeta2       float64 // default 0.999
	AdamEpsilon     float64 // default 1e-8
	GradientClipVal float64 // <=0 disables
	Seed            int64

	// Data
	DataDir            string
	NumWorkers         int // tokenization goroutines, 0 = 1
	TokenizerCacheSize int // LRU entries, 0 disables
	LimitTrainBatches  int // 0 = all
	LimitValBatches    int

	// Checkpoints and logging
	CheckpointDir        string
	SaveTopK             int
	Monitor              string
	MonitorMode          string // min | max
	ResumeFromCheckpoint string
	LogEveryNSteps       int
	WandbProject         string
	WandbRunName         string
	ProgressBar          bool
	Verbose              bool

	// Compute
	Accelerator string
	Devices     int // CPU gradient replicas
}

// Default mirrors the flag defaults of the training script.
func Default() TrainingConfig {
	return TrainingConfig{
		ModelNameOrPath:  "distilbert-base-uncased",
		TaskName:         "mrpc",
		HiddenSize:       64,
		NumLayers:        2,
		NumHeads:         4,
		IntermediateSize: 128,

		LearningRate:   2e-5,
		Epochs:         3,
		TrainBatchSize: 32,
		EvalBatchSize:  32,
		MaxSeqLength:   128,
		WarmupSteps:    0,
		WeightDecay:    0.0,
		AdamBeta1:      0.9,
		AdamBeta2:      0.999,
		AdamEpsilon:    1e-8,
		Seed:           42,

		DataDir: "data/glue",

		CheckpointDir:  "checkpoints",
		SaveTopK:       3,
		Monitor:        "val_loss",
		MonitorMode:    "min",
		LogEveryNSteps: 10,
		WandbProject:   "glue-finetuning",
		ProgressBar:    true,

		Accelerator: "auto",
		Devices:     1,
	}
}

// Validate checks flag values that do not need the task registry or any I/O.
func (c *TrainingConfig) Validate() error {
	switch {
	case c.ModelNameOrPath == "" && !c.InitFromScratch:
		return errors.Configf("--model_name_or_path is required")
	case c.LearningRate <= 0:
		return errors.Configf("--lr must be positive, got %g", c.LearningRate)
	case c.Epochs <= 0:
		return errors.Configf("--epochs must be positive, got %d", c.Epochs)
	case c.TrainBatchSize <= 0 || c.EvalBatchSize <= 0:
		return errors.Configf("batch sizes must be positive, got %d/%d", c.TrainBatchSize, c.EvalBatchSize)
	case c.MaxSeqLength < 3:
		return errors.Configf("--max_seq_length must be at least 3, got %d", c.MaxSeqLength)
	case c.WarmupSteps < 0:
		return errors.Configf("--warmup_steps must be >= 0, got %d", c.WarmupSteps)
	case c.WeightDecay < 0:
		return errors.Configf("--weight_decay must be >= 0, got %g", c.WeightDecay)
	case c.SaveTopK < 0:
		return errors.Configf("--save_top_k must be >= 0, got %d", c.SaveTopK)
	case c.MonitorMode != "min" && c.MonitorMode != "max":
		return errors.Configf("--monitor_mode must be min or max, got %q", c.MonitorMode)
	case c.Devices <= 0:
		return errors.Configf("--devices must be positive, got %d", c.Devices)
	case c.NumWorkers < 0:
		return errors.Configf("--num_workers must be >= 0, got %d", c.NumWorkers)
	case c.CheckpointDir == "":
		return errors.Configf("--checkpoint_dir is required")
	}
	switch strings.ToLower(c.Accelerator) {
	case "auto", "cpu":
	default:
		return errors.Configf("accelerator %q is not available, only cpu is supported", c.Accelerator)
	}
	if c.InitFromScratch {
		if c.HiddenSize <= 0 || c.NumLayers <= 0 || c.NumHeads <= 0 || c.IntermediateSize <= 0 {
			return errors.Configf("encoder dimensions must be positive")
		}
		if c.HiddenSize%c.NumHeads != 0 {
			return errors.Configf("--hidden_size %d is not divisible by --num_heads %d", c.HiddenSize, c.NumHeads)
		}
	}
	return nil
}

// Workers is the tokenization parallelism.
func (c *TrainingConfig) Workers() int {
	if c.NumWorkers <= 0 {
		return 1
	}
	return c.NumWorkers
}

// RunName returns the tracker run name, generating task_YYYYmmdd_HHMMSS when unset.
func (c *TrainingConfig) RunName(now time.Time) string {
	if c.WandbRunName != "" {
		return c.WandbRunName
	}
	return fmt.Sprintf("%s_%s", c.TaskName, now.Format("20060102_150405"))
}

// Hyperparams is the flat name -> value view logged to the tracker and hparams.yaml.
func (c *TrainingConfig) Hyperparams() map[string]interface{} {
	return map[string]interface{}{
		"model_name":        c.ModelNameOrPath,
		"task_name":         c.TaskName,
		"learning_rate":     c.LearningRate,
		"epochs":            c.Epochs,
		"train_batch_size":  c.TrainBatchSize,
		"eval_batch_size":   c.EvalBatchSize,
		"max_seq_length":    c.MaxSeqLength,
		"warmup_steps":      c.WarmupSteps,
		"weight_decay":      c.WeightDecay,
		"adam_epsilon":      c.AdamEpsilon,
		"gradient_clip_val": c.GradientClipVal,
		"seed":              c.Seed,
		"devices":           c.Devices,
	}
}
