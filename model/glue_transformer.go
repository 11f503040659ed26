package model

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/jolt8888/MLOPS-Project2/IO"
	"github.com/jolt8888/MLOPS-Project2/errors"
	"github.com/jolt8888/MLOPS-Project2/optimizations"
	"github.com/jolt8888/MLOPS-Project2/params"
	"github.com/jolt8888/MLOPS-Project2/transformer"
	"github.com/jolt8888/MLOPS-Project2/utils"
)

// GLUETransformer is an encoder plus a sequence classification (or
// regression) head on the [CLS] position.
type GLUETransformer struct {
	Encoder   *transformer.Encoder
	Head      *ClassificationHead
	Task      IO.Task
	NumLabels int

	cfg    *params.TrainingConfig
	logger *zap.SugaredLogger

	replicas []replica
}

// replica computes gradients for a share of each batch against the shared weights.
type replica struct {
	enc  *transformer.Encoder
	head *ClassificationHead
}

func (r replica) params() []*optimizations.Param {
	return append(r.enc.Params(), r.head.Params()...)
}

// New loads the pretrained encoder of cfg.ModelNameOrPath, or builds a random
// one when cfg.InitFromScratch is set, and attaches a new task head. tok is
// only used for the vocab size and padding id of a from-scratch encoder.
func New(cfg *params.TrainingConfig, task IO.Task, tok IO.Tokenizer, logger *zap.SugaredLogger) (*GLUETransformer, error) {
	rng := rand.New(rand.NewSource(cfg.Seed))

	var (
		enc   *transformer.Encoder
		extra map[string]*mat.Dense
	)
	if cfg.InitFromScratch {
		if tok == nil {
			return nil, errors.Configf("a tokenizer is required to size a from-scratch encoder")
		}
		ecfg := transformer.Config{
			ModelType:        "distilbert",
			VocabSize:        tok.VocabSize(),
			HiddenSize:       cfg.HiddenSize,
			NumLayers:        cfg.NumLayers,
			NumHeads:         cfg.NumHeads,
			IntermediateSize: cfg.IntermediateSize,
			MaxPositions:     cfg.MaxSeqLength,
			LayerNormEps:     1e-12,
			InitializerRange: 0.02,
			PadTokenID:       tok.Special().PAD,
		}
		if err := ecfg.Validate(); err != nil {
			return nil, err
		}
		enc = transformer.NewEncoder(ecfg, rng)
	} else {
		configPath, err := IO.ResolveHubFile(cfg.ModelNameOrPath, "config.json")
		if err != nil {
			return nil, err
		}
		weightsPath, err := IO.ResolveHubFile(cfg.ModelNameOrPath, "model.safetensors")
		if err != nil {
			return nil, err
		}
		enc, extra, err = transformer.LoadPretrained(configPath, weightsPath)
		if err != nil {
			return nil, err
		}
	}

	ecfg := enc.Config
	if cfg.MaxSeqLength > ecfg.MaxPositions {
		return nil, errors.Configf("--max_seq_length %d exceeds the %d positions of %s",
			cfg.MaxSeqLength, ecfg.MaxPositions, cfg.ModelNameOrPath)
	}

	numLabels := task.NumLabels()
	var head *ClassificationHead
	if ecfg.ModelType == "bert" {
		head = NewClassificationHead("pooler.dense", ActTanh, ecfg.HiddenSize, numLabels, ecfg.InitializerRange, rng)
		if w, ok := extra["pooler.dense.weight"]; ok {
			b, ok := extra["pooler.dense.bias"]
			if !ok {
				return nil, errors.Configf("pretrained weights have pooler.dense.weight but no bias")
			}
			if err := copyInto(head.Wp, w); err != nil {
				return nil, err
			}
			if err := copyInto(head.Bp, b); err != nil {
				return nil, err
			}
		}
	} else {
		head = NewClassificationHead("pre_classifier", ActReLU, ecfg.HiddenSize, numLabels, ecfg.InitializerRange, rng)
	}

	m := &GLUETransformer{
		Encoder:   enc,
		Head:      head,
		Task:      task,
		NumLabels: numLabels,
		cfg:       cfg,
		logger:    logger,
	}
	for i := 0; i < cfg.Devices; i++ {
		m.replicas = append(m.replicas, replica{enc: enc.CloneForGradsOnly(), head: head.CloneForGradsOnly()})
	}
	if cfg.Devices == 1 {
		// one replica: spread the heads instead
		m.replicas[0].enc.SetParallelHeads(true)
	}
	if !cfg.InitFromScratch {
		newly := []string{head.Wc.Name, head.Bc.Name}
		if _, ok := extra["pooler.dense.weight"]; !ok {
			newly = append(newly, head.Wp.Name, head.Bp.Name)
		}
		logger.Warnf("newly initialized weights, train before use: %s", strings.Join(newly, ", "))
	}
	logger.Infof("model: %s", m.Summary())
	return m, nil
}

func copyInto(p *optimizations.Param, t *mat.Dense) error {
	pr, pc := p.Value.Dims()
	if tr, tc := t.Dims(); tr != pr || tc != pc {
		return errors.Configf("tensor %s has shape %dx%d, want %dx%d", p.Name, tr, tc, pr, pc)
	}
	p.Value.Copy(t)
	return nil
}

// Params is every trainable tensor, encoder first, in a fixed order.
func (m *GLUETransformer) Params() []*optimizations.Param {
	return append(m.Encoder.Params(), m.Head.Params()...)
}

// Loss is the mean batch loss. Gradients are computed eagerly on the
// replicas and only land on the model parameters when Backward is called.
type Loss struct {
	Value float64

	reduce func()
	done   bool
}

// Backward accumulates the batch gradients into the parameters. Calling it
// twice is a no-op.
func (l *Loss) Backward() {
	if l.done {
		return
	}
	l.done = true
	l.reduce()
}

// ValidationOutput is what ValidationStep hands to OnValidationEpochEnd.
type ValidationOutput struct {
	Loss   float64     // mean over the batch
	Logits [][]float64 // per example, NumLabels wide
	Preds  []float64   // argmax class, or the regression output
	Labels []float64
}

// exampleResult is one forward (and maybe backward) pass.
type exampleResult struct {
	loss   float64
	logits []float64
}

// run splits the batch over the replicas, example i going to replica
// i % len(replicas). Workers recover panics from the numeric code into errors.
func (m *GLUETransformer) run(batch IO.Batch, backward bool) ([]exampleResult, error) {
	n := batch.Size()
	if n == 0 {
		return nil, errors.Computef(nil, "empty batch")
	}
	for _, y := range batch.Labels {
		if err := m.checkLabel(y); err != nil {
			return nil, err
		}
	}

	if backward {
		// grads staged by a step whose Loss was never reduced are dropped
		m.zeroReplicaGrads()
	}
	results := make([]exampleResult, n)
	errs := make([]error, len(m.replicas))
	var wg sync.WaitGroup
	for r := range m.replicas {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			defer func() {
				if p := recover(); p != nil {
					errs[r] = errors.Computef(nil, "replica %d: %v", r, p)
				}
			}()
			rep := m.replicas[r]
			for i := r; i < n; i += len(m.replicas) {
				results[i] = m.example(rep, batch, i, float64(n), backward)
			}
		}(r)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

// example runs one sequence. The loss gradient is scaled by 1/n so the
// reduced grads are those of the batch mean.
func (m *GLUETransformer) example(rep replica, batch IO.Batch, i int, n float64, backward bool) exampleResult {
	var types []int
	if m.Encoder.Config.TypeVocabSize > 0 {
		types = batch.TokenTypeIDs[i]
	}
	H := rep.enc.Forward(batch.InputIDs[i], types, batch.AttentionMask[i])
	d, T := H.Dims()
	cls := utils.FirstCol(H)
	logits := rep.head.Forward(cls)

	res := exampleResult{logits: mat.Col(nil, 0, logits)}
	y := batch.Labels[i]
	if y < 0 {
		// unlabeled test rows
		return res
	}

	var dLogits *mat.Dense
	if m.Task.IsRegression() {
		res.loss, dLogits = utils.SquaredError(logits, y)
	} else {
		res.loss, dLogits = utils.CrossEntropyWithIndex(logits, int(y))
	}
	if !backward {
		return res
	}

	dLogits.Scale(1/n, dLogits)
	dCLS := rep.head.Backward(dLogits)
	dH := mat.NewDense(d, T, nil)
	dH.Slice(0, d, 0, 1).(*mat.Dense).Copy(dCLS)
	rep.enc.Backward(dH)
	return res
}

func (m *GLUETransformer) checkLabel(y float64) error {
	if m.Task.IsRegression() || y == -1 {
		return nil
	}
	if y != math.Trunc(y) || y < 0 || int(y) >= m.NumLabels {
		return errors.Computef(nil, "label %v out of range for %d classes", y, m.NumLabels)
	}
	return nil
}

// TrainingStep runs forward and backward for a batch and returns the mean
// loss. Parameter grads are touched only by Loss.Backward.
func (m *GLUETransformer) TrainingStep(batch IO.Batch) (*Loss, error) {
	for _, y := range batch.Labels {
		if y == -1 {
			return nil, errors.Computef(nil, "training batch has unlabeled rows")
		}
	}
	results, err := m.run(batch, true)
	if err != nil {
		return nil, err
	}
	total := 0.0
	for _, r := range results {
		total += r.loss
	}
	value := total / float64(len(results))
	if math.IsNaN(value) || math.IsInf(value, 0) {
		m.zeroReplicaGrads()
		return nil, errors.Computef(nil, "training loss is %v", value)
	}

	dst := m.Params()
	return &Loss{
		Value: value,
		reduce: func() {
			grads := make([][]*optimizations.Param, len(m.replicas))
			for i, r := range m.replicas {
				grads[i] = r.params()
			}
			transformer.ReduceGrads(dst, grads...)
		},
	}, nil
}

func (m *GLUETransformer) zeroReplicaGrads() {
	for _, r := range m.replicas {
		for _, p := range r.params() {
			p.ZeroGrad()
		}
	}
}

// ValidationStep is forward only.
func (m *GLUETransformer) ValidationStep(batch IO.Batch) (ValidationOutput, error) {
	results, err := m.run(batch, false)
	if err != nil {
		return ValidationOutput{}, err
	}
	out := ValidationOutput{
		Logits: make([][]float64, len(results)),
		Preds:  make([]float64, len(results)),
		Labels: append([]float64(nil), batch.Labels...),
	}
	for i, r := range results {
		out.Logits[i] = r.logits
		out.Loss += r.loss
		if m.Task.IsRegression() {
			out.Preds[i] = r.logits[0]
		} else {
			out.Preds[i] = float64(floats.MaxIdx(r.logits))
		}
	}
	out.Loss /= float64(len(results))
	return out, nil
}

// OnValidationEpochEnd reduces the outputs of each eval split (in
// Task.EvalSplits order) to metrics. val_loss is the mean of the batch
// losses. With several splits every key is suffixed with the split name
// (val_loss_matched, accuracy_mismatched, ...) and the first split is also
// reported without suffix.
func (m *GLUETransformer) OnValidationEpochEnd(outputs [][]ValidationOutput) (map[string]float64, error) {
	if len(outputs) != len(m.Task.EvalSplits) {
		return nil, errors.Configf("got outputs for %d splits, %s has %d", len(outputs), m.Task.Name, len(m.Task.EvalSplits))
	}
	metrics := make(map[string]float64)
	for s, outs := range outputs {
		if len(outs) == 0 {
			return nil, errors.Computef(nil, "no validation batches for %s", m.Task.EvalSplits[s])
		}
		var preds, labels []float64
		loss := 0.0
		for _, o := range outs {
			loss += o.Loss
			preds = append(preds, o.Preds...)
			labels = append(labels, o.Labels...)
		}
		split := TaskMetrics(m.Task.Name, preds, labels)
		split["val_loss"] = loss / float64(len(outs))

		suffix := ""
		if len(outputs) > 1 {
			parts := strings.Split(m.Task.EvalSplits[s], "_")
			suffix = "_" + parts[len(parts)-1]
		}
		for k, v := range split {
			metrics[k+suffix] = v
			if s == 0 {
				metrics[k] = v
			}
		}
	}
	return metrics, nil
}

// ConfigureOptimizers builds AdamW over every parameter (no decay on biases
// and LayerNorm weights) and a linear warmup/decay schedule ending at totalSteps.
func (m *GLUETransformer) ConfigureOptimizers(totalSteps int) (*optimizations.AdamW, *optimizations.LinearSchedule) {
	opt := optimizations.NewAdamW(m.Params(), m.cfg.AdamBeta1, m.cfg.AdamBeta2, m.cfg.AdamEpsilon, m.cfg.WeightDecay)
	return opt, optimizations.NewLinearSchedule(m.cfg.LearningRate, m.cfg.WarmupSteps, totalSteps)
}

// TotalSteps is ceil(numExamples / batchSize) * epochs.
func TotalSteps(numExamples, batchSize, epochs int) int {
	if batchSize <= 0 {
		return 0
	}
	return (numExamples + batchSize - 1) / batchSize * epochs
}

// Summary is a one-line description for logs.
func (m *GLUETransformer) Summary() string {
	c := m.Encoder.Config
	return fmt.Sprintf("%s %d layers, d=%d, %d heads, %d labels, %d params",
		c.ModelType, c.NumLayers, c.HiddenSize, c.NumHeads, m.NumLabels, optimizations.CountParams(m.Params()))
}
