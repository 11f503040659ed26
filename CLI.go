package main

import (
	"strings"

	"github.com/alexflint/go-arg"

	"github.com/jolt8888/MLOPS-Project2/params"
)

// cliArgs mirrors params.TrainingConfig with the flag names of the training script.
type cliArgs struct {
	ModelNameOrPath string  `arg:"--model_name_or_path" help:"hub id or local dir with config.json and model.safetensors"`
	TaskName        string  `arg:"--task_name" help:"GLUE task: cola sst2 mrpc qqp stsb mnli qnli rte wnli"`
	LearningRate    float64 `arg:"--lr" help:"peak learning rate (alias --learning_rate)"`
	Epochs          int     `arg:"--epochs"`
	TrainBatchSize  int     `arg:"--train_batch_size"`
	EvalBatchSize   int     `arg:"--eval_batch_size"`
	MaxSeqLength    int     `arg:"--max_seq_length"`
	PadToMaxLength  bool    `arg:"--pad_to_max_length" help:"pad every batch to max_seq_length instead of its longest row"`
	WarmupSteps     int     `arg:"--warmup_steps"`
	WeightDecay     float64 `arg:"--weight_decay"`
	AdamEpsilon     float64 `arg:"--adam_epsilon"`
	GradientClipVal float64 `arg:"--gradient_clip_val" help:"max global grad norm, 0 disables"`
	Seed            int64   `arg:"--seed"`

	InitFromScratch  bool `arg:"--init_from_scratch" help:"random encoder sized by the flags below"`
	HiddenSize       int  `arg:"--hidden_size"`
	NumLayers        int  `arg:"--num_layers"`
	NumHeads         int  `arg:"--num_heads"`
	IntermediateSize int  `arg:"--intermediate_size"`

	DataDir            string `arg:"--data_dir"`
	NumWorkers         int    `arg:"--num_workers" help:"tokenization goroutines"`
	TokenizerCacheSize int    `arg:"--tokenizer_cache_size" help:"LRU entries, 0 disables"`
	LimitTrainBatches  int    `arg:"--limit_train_batches" help:"0 = all"`
	LimitValBatches    int    `arg:"--limit_val_batches" help:"0 = all"`

	CheckpointDir        string `arg:"--checkpoint_dir"`
	SaveTopK             int    `arg:"--save_top_k"`
	Monitor              string `arg:"--monitor"`
	MonitorMode          string `arg:"--monitor_mode" help:"min or max"`
	ResumeFromCheckpoint string `arg:"--resume_from_checkpoint"`
	LogEveryNSteps       int    `arg:"--log_every_n_steps"`
	WandbProject         string `arg:"--wandb_project"`
	WandbRunName         string `arg:"--wandb_run_name" help:"default {task}_{YYYYmmdd_HHMMSS}"`
	ProgressBar          bool   `arg:"--progress_bar"`
	Verbose              bool   `arg:"--verbose"`

	Accelerator string `arg:"--accelerator" help:"auto or cpu"`
	Devices     int    `arg:"--devices" help:"gradient replicas"`
}

func defaultArgs() cliArgs {
	c := params.Default()
	return cliArgs{
		ModelNameOrPath:  c.ModelNameOrPath,
		TaskName:         c.TaskName,
		LearningRate:     c.LearningRate,
		Epochs:           c.Epochs,
		TrainBatchSize:   c.TrainBatchSize,
		EvalBatchSize:    c.EvalBatchSize,
		MaxSeqLength:     c.MaxSeqLength,
		WarmupSteps:      c.WarmupSteps,
		WeightDecay:      c.WeightDecay,
		AdamEpsilon:      c.AdamEpsilon,
		Seed:             c.Seed,
		HiddenSize:       c.HiddenSize,
		NumLayers:        c.NumLayers,
		NumHeads:         c.NumHeads,
		IntermediateSize: c.IntermediateSize,
		DataDir:          c.DataDir,
		CheckpointDir:    c.CheckpointDir,
		SaveTopK:         c.SaveTopK,
		Monitor:          c.Monitor,
		MonitorMode:      c.MonitorMode,
		LogEveryNSteps:   c.LogEveryNSteps,
		WandbProject:     c.WandbProject,
		ProgressBar:      c.ProgressBar,
		Accelerator:      c.Accelerator,
		Devices:          c.Devices,
	}
}

func (a cliArgs) config() *params.TrainingConfig {
	c := params.Default()
	c.ModelNameOrPath = a.ModelNameOrPath
	c.TaskName = a.TaskName
	c.InitFromScratch = a.InitFromScratch
	c.HiddenSize = a.HiddenSize
	c.NumLayers = a.NumLayers
	c.NumHeads = a.NumHeads
	c.IntermediateSize = a.IntermediateSize

	c.LearningRate = a.LearningRate
	c.Epochs = a.Epochs
	c.TrainBatchSize = a.TrainBatchSize
	c.EvalBatchSize = a.EvalBatchSize
	c.MaxSeqLength = a.MaxSeqLength
	c.PadToMaxLength = a.PadToMaxLength
	c.WarmupSteps = a.WarmupSteps
	c.WeightDecay = a.WeightDecay
	c.AdamEpsilon = a.AdamEpsilon
	c.GradientClipVal = a.GradientClipVal
	c.Seed = a.Seed

	c.DataDir = a.DataDir
	c.NumWorkers = a.NumWorkers
	c.TokenizerCacheSize = a.TokenizerCacheSize
	c.LimitTrainBatches = a.LimitTrainBatches
	c.LimitValBatches = a.LimitValBatches

	c.CheckpointDir = a.CheckpointDir
	c.SaveTopK = a.SaveTopK
	c.Monitor = a.Monitor
	c.MonitorMode = a.MonitorMode
	c.ResumeFromCheckpoint = a.ResumeFromCheckpoint
	c.LogEveryNSteps = a.LogEveryNSteps
	c.WandbProject = a.WandbProject
	c.WandbRunName = a.WandbRunName
	c.ProgressBar = a.ProgressBar
	c.Verbose = a.Verbose

	c.Accelerator = a.Accelerator
	c.Devices = a.Devices
	return &c
}

// normalizeArgs maps --learning_rate onto --lr.
func normalizeArgs(argv []string) []string {
	out := make([]string, len(argv))
	for i, a := range argv {
		if a == "--learning_rate" || strings.HasPrefix(a, "--learning_rate=") {
			a = "--lr" + strings.TrimPrefix(a, "--learning_rate")
		}
		out[i] = a
	}
	return out
}

// parseArgs parses argv (without the program name) into a config.
func parseArgs(argv []string) (*params.TrainingConfig, *arg.Parser, error) {
	args := defaultArgs()
	p, err := arg.NewParser(arg.Config{Program: "glue-finetune"}, &args)
	if err != nil {
		return nil, nil, err
	}
	if err := p.Parse(normalizeArgs(argv)); err != nil {
		return nil, p, err
	}
	return args.config(), p, nil
}
