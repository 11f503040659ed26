package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"github.com/jolt8888/MLOPS-Project2/errors"
)

func TestLoadSettings(t *testing.T) {
	t.Setenv("WANDB_MODE", "DryRun")
	t.Setenv("WANDB_DIR", "/tmp/x")
	s, err := LoadSettings()
	require.NoError(t, err)
	require.Equal(t, ModeOffline, s.Mode)
	require.Equal(t, "/tmp/x", s.Dir)
	require.Equal(t, "https://api.wandb.ai", s.BaseURL)

	t.Setenv("WANDB_MODE", "sometimes")
	_, err = LoadSettings()
	require.True(t, errors.Is(err, errors.ErrConfiguration))
}

func runFiles(t *testing.T, dir string) string {
	matches, err := filepath.Glob(filepath.Join(dir, "wandb", "offline-run-*", "files"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	return matches[0]
}

func TestOfflineRun(t *testing.T) {
	dir := t.TempDir()
	s := Settings{Mode: ModeOffline, Dir: dir}
	run, err := Init(context.Background(), s, "proj", "mrpc_run", map[string]interface{}{"learning_rate": 2e-5}, zap.NewNop().Sugar())
	require.NoError(t, err)

	run.Log(10, map[string]float64{"train_loss": 0.7})
	run.Log(20, map[string]float64{"train_loss": 0.5, "val_loss": 0.6})
	run.Summary(map[string]float64{"accuracy": 0.8})
	require.NoError(t, run.Finish())

	files := runFiles(t, dir)
	history, err := ioutil.ReadFile(filepath.Join(files, "wandb-history.jsonl"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(history)), "\n")
	require.Len(t, lines, 2)
	var row map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &row))
	require.Equal(t, 20.0, row["_step"])
	require.Equal(t, 0.6, row["val_loss"])

	var config map[string]map[string]interface{}
	buf, err := ioutil.ReadFile(filepath.Join(files, "config.yaml"))
	require.NoError(t, err)
	require.NoError(t, yaml.Unmarshal(buf, &config))
	require.Equal(t, 2e-5, config["learning_rate"]["value"])

	var summary map[string]float64
	buf, err = ioutil.ReadFile(filepath.Join(files, "wandb-summary.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(buf, &summary))
	require.Equal(t, 0.5, summary["train_loss"])
	require.Equal(t, 0.8, summary["accuracy"])
}

func TestOfflineRunSavesCheckpoint(t *testing.T) {
	dir := t.TempDir()
	ckpt := filepath.Join(t.TempDir(), "epoch=2-step=345-val_loss=0.4123.ckpt")
	require.NoError(t, os.WriteFile(ckpt, []byte("weights"), 0o644))

	run, err := Init(context.Background(), Settings{Mode: ModeOffline, Dir: dir}, "proj", "n", nil, zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NoError(t, run.Save(ckpt))
	require.NoError(t, run.Finish())

	buf, err := ioutil.ReadFile(filepath.Join(runFiles(t, dir), filepath.Base(ckpt)))
	require.NoError(t, err)
	require.Equal(t, "weights", string(buf))

	require.True(t, errors.Is(run.Save(filepath.Join(dir, "missing.ckpt")), errors.ErrIO))
}

func TestDisabledRunWritesNothing(t *testing.T) {
	dir := t.TempDir()
	run, err := Init(context.Background(), Settings{Mode: ModeDisabled, Dir: dir}, "p", "n", nil, zap.NewNop().Sugar())
	require.NoError(t, err)
	run.Log(1, map[string]float64{"x": 1})
	require.NoError(t, run.Save(filepath.Join(dir, "missing.ckpt")))
	require.NoError(t, run.Finish())
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestOnlineWithoutKeyFallsBackToOffline(t *testing.T) {
	dir := t.TempDir()
	run, err := Init(context.Background(), Settings{Mode: ModeOnline, Dir: dir}, "p", "n", nil, zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NoError(t, run.Finish())
	require.Equal(t, filepath.Dir(runFiles(t, dir)), run.URL())
}

func TestOnlineRun(t *testing.T) {
	var (
		mu      sync.Mutex
		queries []string
		streams []map[string]interface{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, key, ok := r.BasicAuth()
		if !ok || user != "api" || key != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		body, _ := ioutil.ReadAll(r.Body)
		mu.Lock()
		defer mu.Unlock()
		switch {
		case r.URL.Path == "/graphql":
			var req struct{ Query string }
			json.Unmarshal(body, &req)
			queries = append(queries, req.Query)
			if strings.Contains(req.Query, "viewer") {
				w.Write([]byte(`{"data":{"viewer":{"entity":"me"}}}`))
				return
			}
			w.Write([]byte(`{"data":{"upsertBucket":{"bucket":{"name":"abc123","project":{"name":"proj","entity":{"name":"me"}}}}}}`))
		case r.URL.Path == "/files/me/proj/abc123/file_stream":
			var req map[string]interface{}
			json.Unmarshal(body, &req)
			streams = append(streams, req)
			w.Write([]byte(`{}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	s := Settings{Mode: ModeOnline, APIKey: "secret", BaseURL: srv.URL, Dir: t.TempDir()}
	run, err := Init(context.Background(), s, "proj", "mrpc_run", map[string]interface{}{"seed": 42}, zap.NewNop().Sugar())
	require.NoError(t, err)
	require.Equal(t, "https://wandb.ai/me/proj/runs/abc123", run.URL())

	run.Log(10, map[string]float64{"train_loss": 0.7})
	run.Log(20, map[string]float64{"train_loss": 0.5})
	require.NoError(t, run.Finish())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, queries, 2)
	require.Contains(t, queries[1], "upsertBucket(input: $input)")
	require.Len(t, streams, 3)
	second := streams[1]["files"].(map[string]interface{})["wandb-history.jsonl"].(map[string]interface{})
	require.Equal(t, 1.0, second["offset"])
	require.Equal(t, true, streams[2]["complete"])
}

func TestOnlineRunUploadsCheckpoint(t *testing.T) {
	var (
		mu       sync.Mutex
		base     string
		uploaded []byte
		streams  []map[string]interface{}
		mutation string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := ioutil.ReadAll(r.Body)
		mu.Lock()
		defer mu.Unlock()
		switch {
		case r.URL.Path == "/graphql":
			var req struct{ Query string }
			json.Unmarshal(body, &req)
			if strings.Contains(req.Query, "createRunFiles") {
				mutation = req.Query
				fmt.Fprintf(w, `{"data":{"createRunFiles":{"files":[{"name":"best.ckpt","uploadUrl":"%s/upload/best.ckpt"}]}}}`, base)
				return
			}
			w.Write([]byte(`{"data":{"upsertBucket":{"bucket":{"name":"abc123","project":{"name":"proj","entity":{"name":"me"}}}}}}`))
		case r.URL.Path == "/upload/best.ckpt" && r.Method == http.MethodPut:
			uploaded = body
		case r.URL.Path == "/files/me/proj/abc123/file_stream":
			var req map[string]interface{}
			json.Unmarshal(body, &req)
			streams = append(streams, req)
			w.Write([]byte(`{}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	base = srv.URL

	ckpt := filepath.Join(t.TempDir(), "best.ckpt")
	require.NoError(t, os.WriteFile(ckpt, []byte("weights"), 0o644))

	dir := t.TempDir()
	s := Settings{Mode: ModeOnline, APIKey: "secret", Entity: "me", BaseURL: srv.URL, Dir: dir}
	run, err := Init(context.Background(), s, "proj", "n", nil, zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NoError(t, run.Save(ckpt))
	require.NoError(t, run.Finish())

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, mutation, "createRunFiles(input: $input)")
	require.Equal(t, "weights", string(uploaded))
	require.NotEmpty(t, streams)
	require.Equal(t, []interface{}{"best.ckpt"}, streams[0]["uploaded"])
	_, err = os.Stat(filepath.Join(runFiles(t, dir), "best.ckpt"))
	require.NoError(t, err)
}

func TestOnlineFailureFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	dir := t.TempDir()
	s := Settings{Mode: ModeOnline, APIKey: "secret", Entity: "me", BaseURL: srv.URL, Dir: dir}
	run, err := Init(context.Background(), s, "proj", "n", nil, zap.NewNop().Sugar())
	require.NoError(t, err)
	run.Log(1, map[string]float64{"x": 1})
	require.NoError(t, run.Finish())
	require.Equal(t, filepath.Dir(runFiles(t, dir)), run.URL())
}

func TestOfflineRunReportsHistoryWriteFailure(t *testing.T) {
	run, err := newOfflineRun(t.TempDir(), nil, time.Now())
	require.NoError(t, err)
	require.NoError(t, run.history.Close())

	// larger than the bufio buffer so the write reaches the closed file
	big := make(map[string]float64)
	for i := 0; i < 400; i++ {
		big[fmt.Sprintf("metric_with_a_long_name_%04d", i)] = float64(i)
	}
	run.Log(1, big)
	run.Log(2, map[string]float64{"train_loss": 0.1})
	require.True(t, errors.Is(run.Finish(), errors.ErrIO))
}
