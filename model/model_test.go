package model

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/jolt8888/MLOPS-Project2/IO"
	"github.com/jolt8888/MLOPS-Project2/errors"
	"github.com/jolt8888/MLOPS-Project2/params"
	"github.com/jolt8888/MLOPS-Project2/transformer"
)

var vocab = []string{"[PAD]", "[UNK]", "[CLS]", "[SEP]", "a", "b", "c", "d", "e", "f"}

func tinyConfig(devices int) *params.TrainingConfig {
	cfg := params.Default()
	cfg.InitFromScratch = true
	cfg.HiddenSize = 4
	cfg.NumLayers = 1
	cfg.NumHeads = 2
	cfg.IntermediateSize = 6
	cfg.MaxSeqLength = 8
	cfg.Devices = devices
	return &cfg
}

func tinyModel(t *testing.T, taskName string, devices int) *GLUETransformer {
	tok, err := IO.NewWordPieceTokenizer("tiny", vocab)
	require.NoError(t, err)
	task, err := IO.LookupTask(taskName)
	require.NoError(t, err)
	m, err := New(tinyConfig(devices), task, tok, zap.NewNop().Sugar())
	require.NoError(t, err)
	// scale the weights up so the finite differences are well above noise
	for _, p := range m.Params() {
		if !p.NoDecay {
			p.Value.Scale(20, p.Value)
		}
	}
	return m
}

func tinyBatch(labels ...float64) IO.Batch {
	rows := []IO.Features{
		{InputIDs: []int{2, 4, 5, 3}, TokenTypeIDs: []int{0, 0, 0, 0}},
		{InputIDs: []int{2, 6, 3, 7, 3}, TokenTypeIDs: []int{0, 0, 0, 1, 1}},
		{InputIDs: []int{2, 8, 9, 4, 5, 3}, TokenTypeIDs: []int{0, 0, 0, 0, 0, 0}},
	}
	for i := range rows {
		rows[i].Label = labels[i%len(labels)]
	}
	return IO.Collate(rows, 0, 0)
}

func TestMetrics(t *testing.T) {
	preds := []int{1, 1, 0, 0, 1}
	labels := []int{1, 0, 0, 1, 1}
	require.InDelta(t, 0.6, Accuracy(preds, labels), 1e-12)
	// tp=2 fp=1 fn=1
	require.InDelta(t, 4.0/6.0, F1(preds, labels), 1e-12)
	// (2*1 - 1*1) / sqrt(3*3*2*2)
	require.InDelta(t, 1.0/6.0, MatthewsCorrelation(preds, labels), 1e-12)
	require.Equal(t, 0.0, MatthewsCorrelation([]int{1, 1}, []int{1, 0}))

	x := []float64{1, 2, 3, 4}
	require.InDelta(t, 1, Pearson(x, []float64{2, 4, 6, 8}), 1e-12)
	require.InDelta(t, 1, Spearman(x, []float64{1, 10, 100, 1000}), 1e-12)
	require.Equal(t, []float64{1.5, 1.5, 3}, ranks([]float64{5, 5, 7}))

	require.Contains(t, TaskMetrics("cola", []float64{1}, []float64{1}), "matthews_correlation")
	require.Contains(t, TaskMetrics("mrpc", []float64{1}, []float64{1}), "f1")
	require.Contains(t, TaskMetrics("stsb", x, x), "spearmanr")
	require.Len(t, TaskMetrics("rte", []float64{1}, []float64{1}), 1)
}

func TestTotalSteps(t *testing.T) {
	require.Equal(t, 115*3, TotalSteps(3668, 32, 3))
	require.Equal(t, 2, TotalSteps(64, 32, 1))
	require.Equal(t, 3, TotalSteps(65, 32, 1))
	require.Equal(t, 0, TotalSteps(10, 0, 1))
}

func TestGradCheck(t *testing.T) {
	for _, task := range []string{"mrpc", "stsb"} {
		t.Run(task, func(t *testing.T) {
			m := tinyModel(t, task, 1)
			batch := tinyBatch(1, 0)
			if task == "stsb" {
				batch = tinyBatch(3.2, 0.5)
			}

			loss, err := m.TrainingStep(batch)
			require.NoError(t, err)
			loss.Backward()

			forward := func() float64 {
				out, err := m.ValidationStep(batch)
				require.NoError(t, err)
				return out.Loss
			}
			require.InDelta(t, loss.Value, forward(), 1e-12)

			eps := 1e-6
			for _, p := range m.Params() {
				r, c := p.Value.Dims()
				i, j := r-1, c-1
				if p.Name == "embeddings.word_embeddings.weight" {
					i = 4
				}
				w0 := p.Value.At(i, j)
				p.Value.Set(i, j, w0+eps)
				lp := forward()
				p.Value.Set(i, j, w0-eps)
				lm := forward()
				p.Value.Set(i, j, w0)

				num := (lp - lm) / (2 * eps)
				ana := p.Grad.At(i, j)
				if math.Abs(num-ana) > 1e-4*math.Max(1, math.Abs(num)) {
					t.Fatalf("%s[%d,%d]: num=%.6g ana=%.6g", p.Name, i, j, num, ana)
				}
			}
		})
	}
}

func TestReplicasMatchSingleDevice(t *testing.T) {
	one := tinyModel(t, "mrpc", 1)
	three := tinyModel(t, "mrpc", 3)
	batch := tinyBatch(0, 1, 1)

	l1, err := one.TrainingStep(batch)
	require.NoError(t, err)
	l3, err := three.TrainingStep(batch)
	require.NoError(t, err)
	require.InDelta(t, l1.Value, l3.Value, 1e-12)

	// nothing reaches the params before Backward
	for _, p := range three.Params() {
		require.Equal(t, 0.0, mat.Sum(p.Grad), p.Name)
	}
	l1.Backward()
	l3.Backward()
	l3.Backward()

	p1, p3 := one.Params(), three.Params()
	for i := range p1 {
		require.True(t, mat.EqualApprox(p1[i].Grad, p3[i].Grad, 1e-10), p1[i].Name)
	}
}

func TestSameSeedSameModel(t *testing.T) {
	a, b := tinyModel(t, "rte", 1), tinyModel(t, "rte", 1)
	pa, pb := a.Params(), b.Params()
	for i := range pa {
		require.True(t, mat.Equal(pa[i].Value, pb[i].Value), pa[i].Name)
	}
	require.Equal(t, "classifier.bias", pa[len(pa)-1].Name)
}

func TestBadLabels(t *testing.T) {
	m := tinyModel(t, "mrpc", 1)
	_, err := m.TrainingStep(tinyBatch(2))
	require.True(t, errors.Is(err, errors.ErrRuntimeComputation))

	_, err = m.TrainingStep(tinyBatch(-1))
	require.True(t, errors.Is(err, errors.ErrRuntimeComputation))

	// unlabeled rows are fine for prediction
	out, err := m.ValidationStep(tinyBatch(-1))
	require.NoError(t, err)
	require.Len(t, out.Preds, 3)
	require.Len(t, out.Logits[0], 2)
}

func TestOnValidationEpochEndSuffixesSplits(t *testing.T) {
	m := tinyModel(t, "mnli", 1)
	matched := []ValidationOutput{{Loss: 1, Preds: []float64{0, 1}, Labels: []float64{0, 1}}, {Loss: 3, Preds: []float64{2}, Labels: []float64{1}}}
	mismatched := []ValidationOutput{{Loss: 0.5, Preds: []float64{0}, Labels: []float64{1}}}

	metrics, err := m.OnValidationEpochEnd([][]ValidationOutput{matched, mismatched})
	require.NoError(t, err)
	require.InDelta(t, 2, metrics["val_loss"], 1e-12)
	require.InDelta(t, 2, metrics["val_loss_matched"], 1e-12)
	require.InDelta(t, 0.5, metrics["val_loss_mismatched"], 1e-12)
	require.InDelta(t, 2.0/3.0, metrics["accuracy_matched"], 1e-12)
	require.InDelta(t, 0, metrics["accuracy_mismatched"], 1e-12)
	require.InDelta(t, 2.0/3.0, metrics["accuracy"], 1e-12)

	_, err = m.OnValidationEpochEnd([][]ValidationOutput{matched})
	require.True(t, errors.Is(err, errors.ErrConfiguration))
}

func TestConfigureOptimizers(t *testing.T) {
	m := tinyModel(t, "mrpc", 1)
	m.cfg.WarmupSteps = 5
	opt, sched := m.ConfigureOptimizers(TotalSteps(100, 32, 3))
	require.Equal(t, 12, sched.TotalSteps)
	require.Equal(t, 5, sched.WarmupSteps)
	require.Len(t, opt.Params, len(m.Params()))
	for _, p := range opt.Params {
		noDecay := strings.HasSuffix(p.Name, ".bias") ||
			strings.HasSuffix(p.Name, "LayerNorm.weight") || strings.HasSuffix(p.Name, "layer_norm.weight")
		require.Equal(t, noDecay, p.NoDecay, p.Name)
	}
}

func TestPretrainedBertLoadsPooler(t *testing.T) {
	dir := t.TempDir()
	ecfg := transformer.Config{
		ModelType: "bert", VocabSize: len(vocab), HiddenSize: 4, NumLayers: 1, NumHeads: 2,
		IntermediateSize: 6, MaxPositions: 16, TypeVocabSize: 2, LayerNormEps: 1e-12, InitializerRange: 0.02,
	}
	enc := transformer.NewEncoder(ecfg, rand.New(rand.NewSource(1)))
	tensors := transformer.StateDict(enc)
	pooler := mat.NewDense(4, 4, []float64{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1})
	tensors["pooler.dense.weight"] = pooler
	tensors["pooler.dense.bias"] = mat.NewDense(4, 1, []float64{0.5, 0.5, 0.5, 0.5})
	require.NoError(t, transformer.WriteSafetensors(filepath.Join(dir, "model.safetensors"), tensors))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{"model_type":"bert","vocab_size":10,
		"hidden_size":4,"num_hidden_layers":1,"num_attention_heads":2,"intermediate_size":6,
		"max_position_embeddings":16,"type_vocab_size":2,"hidden_act":"gelu"}`), 0o644))

	cfg := params.Default()
	cfg.ModelNameOrPath = dir
	cfg.MaxSeqLength = 16
	task, _ := IO.LookupTask("rte")
	m, err := New(&cfg, task, nil, zap.NewNop().Sugar())
	require.NoError(t, err)
	require.Equal(t, ActTanh, m.Head.Act)
	require.True(t, mat.EqualApprox(pooler, m.Head.Wp.Value, 1e-7))
	require.InDelta(t, 0.5, m.Head.Bp.Value.At(2, 0), 1e-7)

	cfg.MaxSeqLength = 32
	_, err = New(&cfg, task, nil, zap.NewNop().Sugar())
	require.True(t, errors.Is(err, errors.ErrConfiguration))
}
