package IO

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jolt8888/MLOPS-Project2/errors"
	"github.com/jolt8888/MLOPS-Project2/params"
)

var testVocab = []string{
	"[PAD]", "[UNK]", "[CLS]", "[SEP]",
	"the", "cat", "sat", "on", "mat", "a", "dog", "ran", "play", "##ing", "##ed", ".", ",",
}

func testTokenizer(t *testing.T) *WordPieceTokenizer {
	tok, err := NewWordPieceTokenizer("test-vocab", testVocab)
	require.NoError(t, err)
	return tok
}

func writeMRPC(t *testing.T, dataDir string, nTrain, nDev int) {
	dir := filepath.Join(dataDir, "MRPC")
	require.NoError(t, os.MkdirAll(dir, os.ModePerm))
	rows := func(n int) string {
		var sb strings.Builder
		sb.WriteString("Quality\t#1 ID\t#2 ID\t#1 String\t#2 String\n")
		for i := 0; i < n; i++ {
			label := []string{"0", "1"}[i%2]
			sb.WriteString(label + "\t1\t2\tthe cat sat on the mat .\ta dog ran , playing\n")
		}
		return sb.String()
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "train.tsv"), []byte(rows(nTrain)), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dev.tsv"), []byte(rows(nDev)), 0o644))
}

func TestLookupTask(t *testing.T) {
	task, err := LookupTask("MNLI")
	require.NoError(t, err)
	require.Equal(t, 3, task.NumLabels())
	require.Equal(t, []string{"validation_matched", "validation_mismatched"}, task.EvalSplits)
	require.Equal(t, []string{"test_matched", "test_mismatched"}, task.TestSplits())

	stsb, err := LookupTask("stsb")
	require.NoError(t, err)
	require.True(t, stsb.IsRegression())
	require.Equal(t, 1, stsb.NumLabels())

	_, err = LookupTask("not_a_task")
	require.True(t, errors.Is(err, errors.ErrConfiguration))
	require.Len(t, TaskNames(), 9)
}

func TestWordPiece(t *testing.T) {
	tok := testTokenizer(t)
	ids, err := tok.Encode("The dog played, zebra.")
	require.NoError(t, err)
	// the dog play ##ed , [UNK] .
	require.Equal(t, []int{4, 10, 12, 14, 16, 1, 15}, ids)
}

func TestEncodePairTruncatesLongestFirst(t *testing.T) {
	tok := testTokenizer(t)
	ex := Example{TextA: "the cat sat on the mat", TextB: "a dog", Label: 1}

	f, err := EncodePair(tok, ex, true, 7)
	require.NoError(t, err)
	// budget 4: a keeps 2 tokens after trimming, b keeps both
	require.Equal(t, []int{2, 4, 5, 3, 9, 10, 3}, f.InputIDs)
	require.Equal(t, []int{0, 0, 0, 0, 1, 1, 1}, f.TokenTypeIDs)
	require.Equal(t, 1.0, f.Label)

	single, err := EncodePair(tok, ex, false, 4)
	require.NoError(t, err)
	require.Equal(t, []int{2, 4, 5, 3}, single.InputIDs)

	_, err = EncodePair(tok, ex, true, 2)
	require.True(t, errors.Is(err, errors.ErrConfiguration))
}

func TestTruncateTieTrimsSecond(t *testing.T) {
	a, b := truncateLongestFirst([]int{1, 2}, []int{3, 4}, 3)
	require.Equal(t, []int{1, 2}, a)
	require.Equal(t, []int{3}, b)
}

func TestConvertExamplesKeepsOrder(t *testing.T) {
	tok := testTokenizer(t)
	var exs []Example
	for i := 0; i < 10; i++ {
		exs = append(exs, Example{Idx: i, TextA: strings.Repeat("cat ", i+1), Label: float64(i)})
	}
	feats, err := ConvertExamples(tok, exs, false, 64, 3)
	require.NoError(t, err)
	for i, f := range feats {
		require.Equal(t, float64(i), f.Label)
		require.Len(t, f.InputIDs, i+3)
	}
}

func TestLoaderShuffleIsSeeded(t *testing.T) {
	var feats []Features
	for i := 0; i < 20; i++ {
		feats = append(feats, Features{InputIDs: []int{2, 3}, TokenTypeIDs: []int{0, 0}, Label: float64(i)})
	}
	labels := func(l *Loader, epoch int) []float64 {
		l.Reset(epoch)
		var out []float64
		for b, ok := l.Next(); ok; b, ok = l.Next() {
			out = append(out, b.Labels...)
		}
		return out
	}

	a := NewLoader(feats, 6, true, 42, 0, 0)
	b := NewLoader(feats, 6, true, 42, 0, 0)
	require.Equal(t, 4, a.Len())
	require.Equal(t, labels(a, 0), labels(b, 0))
	require.NotEqual(t, labels(a, 0), labels(a, 1))
	require.ElementsMatch(t, labels(a, 0), labels(a, 1))

	eval := NewLoader(feats, 6, false, 0, 0, 0)
	got := labels(eval, 3)
	for i, v := range got {
		require.Equal(t, float64(i), v)
	}
}

func TestCollatePadding(t *testing.T) {
	rows := []Features{
		{InputIDs: []int{2, 5, 3}, TokenTypeIDs: []int{0, 0, 0}},
		{InputIDs: []int{2, 3}, TokenTypeIDs: []int{0, 0}},
	}
	b := Collate(rows, 0, 0)
	require.Equal(t, 3, b.SeqLen())
	require.Equal(t, []int{2, 3, 0}, b.InputIDs[1])
	require.Equal(t, []int{1, 1, 0}, b.AttentionMask[1])

	fixed := Collate(rows, 6, 0)
	for r := range rows {
		require.Len(t, fixed.InputIDs[r], 6)
		require.Len(t, fixed.AttentionMask[r], 6)
		require.Len(t, fixed.TokenTypeIDs[r], 6)
	}
}

func TestReadExamples(t *testing.T) {
	dir := t.TempDir()

	cola, _ := LookupTask("cola")
	colaPath := filepath.Join(dir, "cola.tsv")
	require.NoError(t, os.WriteFile(colaPath, []byte("gj04\t1\t\tthe cat sat .\ngj04\t0\t*\tcat the sat .\n"), 0o644))
	exs, err := ReadExamples(colaPath, cola, "train")
	require.NoError(t, err)
	require.Len(t, exs, 2)
	require.Equal(t, "cat the sat .", exs[1].TextA)
	require.Equal(t, 0.0, exs[1].Label)

	mnli, _ := LookupTask("mnli")
	mnliPath := filepath.Join(dir, "mnli.tsv")
	content := "index\tsentence1\tsentence2\tgold_label\n0\ta\tb\tcontradiction\n1\tc\td\tneutral\nbroken\n"
	require.NoError(t, os.WriteFile(mnliPath, []byte(content), 0o644))
	exs, err = ReadExamples(mnliPath, mnli, "validation_matched")
	require.NoError(t, err)
	require.Len(t, exs, 2)
	require.Equal(t, 2.0, exs[0].Label)
	require.Equal(t, "d", exs[1].TextB)

	testPath := filepath.Join(dir, "test.tsv")
	require.NoError(t, os.WriteFile(testPath, []byte("index\tsentence1\tsentence2\n0\ta\tb\n"), 0o644))
	exs, err = ReadExamples(testPath, mnli, "test_matched")
	require.NoError(t, err)
	require.Equal(t, -1.0, exs[0].Label)

	badPath := filepath.Join(dir, "bad.tsv")
	require.NoError(t, os.WriteFile(badPath, []byte("index\tsentence1\tsentence2\tgold_label\n0\ta\tb\tmaybe\n"), 0o644))
	_, err = ReadExamples(badPath, mnli, "train")
	require.True(t, errors.Is(err, errors.ErrResourceUnavailable))
}

func TestBuildMRPC(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
		return p
	}
	header := "\ufeffQuality\t#1 ID\t#2 ID\t#1 String\t#2 String\n"
	train := write("msr_train.txt", header+"1\t10\t11\ta\tb\n0\t12\t13\tc\td\n1\t14\t15\te\tf\n")
	test := write("msr_test.txt", header+"1\t20\t21\tg\th\n")
	ids := write("dev_ids.tsv", "12\t13\n")

	require.NoError(t, BuildMRPC(dir, train, test, ids))

	mrpc, _ := LookupTask("mrpc")
	trainExs, err := ReadExamples(filepath.Join(dir, "train.tsv"), mrpc, "train")
	require.NoError(t, err)
	require.Len(t, trainExs, 2)
	devExs, err := ReadExamples(filepath.Join(dir, "dev.tsv"), mrpc, "validation")
	require.NoError(t, err)
	require.Len(t, devExs, 1)
	require.Equal(t, "c", devExs[0].TextA)
	testExs, err := ReadExamples(filepath.Join(dir, "test.tsv"), mrpc, "test")
	require.NoError(t, err)
	require.Equal(t, -1.0, testExs[0].Label)
	require.Equal(t, "h", testExs[0].TextB)
}

func TestBuildMRPCWritesTrainLast(t *testing.T) {
	dir := t.TempDir()
	header := "Quality\t#1 ID\t#2 ID\t#1 String\t#2 String\n"
	train := filepath.Join(dir, "msr_train.txt")
	test := filepath.Join(dir, "msr_test.txt")
	ids := filepath.Join(dir, "dev_ids.tsv")
	require.NoError(t, os.WriteFile(train, []byte(header+"1\t10\t11\ta\tb\n"), 0o644))
	require.NoError(t, os.WriteFile(test, []byte(header+"1\t20\t21\tg\th\n"), 0o644))
	require.NoError(t, os.WriteFile(ids, []byte("12\t13\n"), 0o644))

	// a directory in the way makes the dev split unwritable
	require.NoError(t, os.Mkdir(filepath.Join(dir, "dev.tsv"), os.ModePerm))
	require.Error(t, BuildMRPC(dir, train, test, ids))
	require.NoFileExists(t, filepath.Join(dir, "train.tsv"))
}

func TestFeatureCacheShards(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "cache", "train")
	feats := []Features{
		{InputIDs: []int{2, 7, 3}, TokenTypeIDs: []int{0, 0, 0}, Label: 1},
		{InputIDs: []int{2, 3}, TokenTypeIDs: []int{0, 1}, Label: 0.25},
		{InputIDs: []int{2, 9, 9, 3}, TokenTypeIDs: []int{0, 0, 1, 1}, Label: 0},
	}
	// tiny shards force a rollover after every example
	require.NoError(t, ExportFeaturesBinary(prefix, feats, 8))

	got, ok, err := ImportFeaturesBinary(prefix)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, feats, got)

	_, ok, err = ImportFeaturesBinary(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFeatureCacheRejectsPartialExport(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "cache", "train")
	feats := make([]Features, 1000)
	for i := range feats {
		feats[i] = Features{InputIDs: []int{2, 4 + i%5, 3}, TokenTypeIDs: []int{0, 0, 0}, Label: float64(i % 2)}
	}
	require.NoError(t, ExportFeaturesBinary(prefix, feats, DefaultShardBytes))

	// cut the index at a buffer flush boundary
	require.NoError(t, os.Truncate(prefix+"-000.idx", 3*4096))
	_, ok, err := ImportFeaturesBinary(prefix)
	require.True(t, errors.Is(err, errors.ErrIO))
	require.False(t, ok)

	// an export that died before committing is no cache at all
	require.NoError(t, os.Remove(prefix+".count"))
	got, ok, err := ImportFeaturesBinary(prefix)
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, got)

	require.NoError(t, ExportFeaturesBinary(prefix, feats, DefaultShardBytes))
	got, ok, err = ImportFeaturesBinary(prefix)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got, 1000)
}

func TestDataModuleSetup(t *testing.T) {
	dataDir := t.TempDir()
	writeMRPC(t, dataDir, 70, 9)

	cfg := params.Default()
	cfg.DataDir = dataDir
	cfg.MaxSeqLength = 8
	cfg.NumWorkers = 2
	cfg.TokenizerCacheSize = 16

	dm, err := NewGLUEDataModule(&cfg, testTokenizer(t), zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NoError(t, dm.Setup(context.Background(), StageFit))
	require.Equal(t, 70, dm.NumTrainExamples())
	require.Equal(t, 2, dm.NumLabels())

	train, err := dm.TrainLoader()
	require.NoError(t, err)
	require.Equal(t, 3, train.Len())
	train.Reset(0)
	n := 0
	for b, ok := train.Next(); ok; b, ok = train.Next() {
		require.NotZero(t, b.Size())
		for r := range b.InputIDs {
			require.Equal(t, len(b.InputIDs[r]), len(b.AttentionMask[r]))
			require.LessOrEqual(t, len(b.InputIDs[r]), cfg.MaxSeqLength)
		}
		n += b.Size()
	}
	require.Equal(t, 70, n)

	vals, err := dm.ValLoaders()
	require.NoError(t, err)
	require.Len(t, vals, 1)
	require.Equal(t, 1, vals[0].Len())

	// second module reads the feature cache written by the first
	again, err := NewGLUEDataModule(&cfg, testTokenizer(t), zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NoError(t, again.Setup(context.Background(), StageValidate))
	_, err = again.TrainLoader()
	require.True(t, errors.Is(err, errors.ErrConfiguration))

	cfg.TaskName = "not_a_task"
	_, err = NewGLUEDataModule(&cfg, nil, zap.NewNop().Sugar())
	require.True(t, errors.Is(err, errors.ErrConfiguration))
}

func TestDataModuleTestStageIsUnlabeled(t *testing.T) {
	dataDir := t.TempDir()
	writeMRPC(t, dataDir, 4, 2)
	test := "index\t#1 ID\t#2 ID\t#1 String\t#2 String\n0\t1\t2\tthe cat sat\ta dog ran\n1\t3\t4\tthe mat\tthe cat\n"
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "MRPC", "test.tsv"), []byte(test), 0o644))

	cfg := params.Default()
	cfg.DataDir = dataDir
	cfg.MaxSeqLength = 8
	dm, err := NewGLUEDataModule(&cfg, testTokenizer(t), zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NoError(t, dm.Setup(context.Background(), StageTest))

	loaders, err := dm.TestLoaders()
	require.NoError(t, err)
	require.Len(t, loaders, 1)
	loaders[0].Reset(0)
	b, ok := loaders[0].Next()
	require.True(t, ok)
	require.Equal(t, []float64{-1, -1}, b.Labels)
}
