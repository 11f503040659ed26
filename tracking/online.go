package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shurcooL/graphql"
	"go.uber.org/zap"

	"github.com/jolt8888/MLOPS-Project2/errors"
)

// apiKeyTransport authenticates every request the way the wandb client does:
// basic auth with user "api" and the key as password.
type apiKeyTransport struct {
	key  string
	base http.RoundTripper
}

func (t apiKeyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.SetBasicAuth("api", t.key)
	return t.base.RoundTrip(req)
}

// UpsertBucketInput is the input object of the upsertBucket mutation. The
// type name is what the GraphQL variable is declared as.
type UpsertBucketInput struct {
	Name        graphql.String `json:"name"`
	DisplayName graphql.String `json:"displayName"`
	ModelName   graphql.String `json:"modelName"`
	EntityName  graphql.String `json:"entityName"`
	Config      graphql.String `json:"config"`
}

// CreateRunFilesInput is the input object of the createRunFiles mutation.
type CreateRunFilesInput struct {
	EntityName  graphql.String   `json:"entityName"`
	ProjectName graphql.String   `json:"projectName"`
	RunName     graphql.String   `json:"runName"`
	Files       []graphql.String `json:"files"`
}

// onlineRun mirrors everything into an offline run dir and streams history
// rows to the wandb file_stream endpoint.
type onlineRun struct {
	*offlineRun

	client   *http.Client
	uploader *http.Client
	gql      *graphql.Client
	entity   string
	project  string
	name     string
	stream   string
	url      string
	logger   *zap.SugaredLogger

	mu     sync.Mutex
	offset int
}

func newOnlineRun(ctx context.Context, s Settings, project, name, id string, config map[string]interface{},
	off *offlineRun, logger *zap.SugaredLogger) (*onlineRun, error) {
	client := &http.Client{
		Timeout:   30 * time.Second,
		Transport: apiKeyTransport{key: s.APIKey, base: http.DefaultTransport},
	}
	base := strings.TrimRight(s.BaseURL, "/")
	gql := graphql.NewClient(base+"/graphql", client)

	entity := s.Entity
	if entity == "" {
		var q struct {
			Viewer struct {
				Entity graphql.String
			}
		}
		if err := gql.Query(ctx, &q, nil); err != nil {
			return nil, errors.Unavailablef(err, "wandb viewer query")
		}
		entity = string(q.Viewer.Entity)
	}

	wrapped := make(map[string]interface{}, len(config))
	for k, v := range config {
		wrapped[k] = map[string]interface{}{"value": v, "desc": nil}
	}
	cfgJSON, err := json.Marshal(wrapped)
	if err != nil {
		return nil, errors.Configf("marshal run config: %v", err)
	}

	var m struct {
		UpsertBucket struct {
			Bucket struct {
				Name    graphql.String
				Project struct {
					Name   graphql.String
					Entity struct {
						Name graphql.String
					}
				}
			}
		} `graphql:"upsertBucket(input: $input)"`
	}
	input := UpsertBucketInput{
		Name:        graphql.String(id),
		DisplayName: graphql.String(name),
		ModelName:   graphql.String(project),
		EntityName:  graphql.String(entity),
		Config:      graphql.String(cfgJSON),
	}
	if err := gql.Mutate(ctx, &m, map[string]interface{}{"input": input}); err != nil {
		return nil, errors.Unavailablef(err, "wandb upsertBucket")
	}
	bucket := m.UpsertBucket.Bucket
	entity = string(bucket.Project.Entity.Name)
	project = string(bucket.Project.Name)

	return &onlineRun{
		offlineRun: off,
		client:     client,
		uploader:   &http.Client{Timeout: 10 * time.Minute},
		gql:        gql,
		entity:     entity,
		project:    project,
		name:       string(bucket.Name),
		stream:     fmt.Sprintf("%s/files/%s/%s/%s/file_stream", base, entity, project, bucket.Name),
		url:        fmt.Sprintf("https://wandb.ai/%s/%s/runs/%s", entity, project, bucket.Name),
		logger:     logger,
	}, nil
}

func (r *onlineRun) Log(step int, metrics map[string]float64) {
	line := r.writeRow(r.historyRow(step, metrics))
	if line == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	body := map[string]interface{}{
		"files": map[string]interface{}{
			"wandb-history.jsonl": map[string]interface{}{
				"offset":  r.offset,
				"content": []string{string(line)},
			},
		},
	}
	if err := r.post(body); err != nil {
		r.logger.Warnf("wandb: %v", err)
		return
	}
	r.offset++
}

// Save keeps a copy in the run dir and uploads the file to the run.
// Upload failures are logged.
func (r *onlineRun) Save(path string) error {
	if err := r.offlineRun.Save(path); err != nil {
		return err
	}
	if err := r.upload(context.Background(), path); err != nil {
		r.logger.Warnf("wandb: upload %s: %v", filepath.Base(path), err)
	}
	return nil
}

func (r *onlineRun) upload(ctx context.Context, path string) error {
	name := filepath.Base(path)
	var m struct {
		CreateRunFiles struct {
			Files []struct {
				Name      graphql.String
				UploadURL graphql.String `graphql:"uploadUrl"`
			}
		} `graphql:"createRunFiles(input: $input)"`
	}
	input := CreateRunFilesInput{
		EntityName:  graphql.String(r.entity),
		ProjectName: graphql.String(r.project),
		RunName:     graphql.String(r.name),
		Files:       []graphql.String{graphql.String(name)},
	}
	if err := r.gql.Mutate(ctx, &m, map[string]interface{}{"input": input}); err != nil {
		return errors.Unavailablef(err, "createRunFiles")
	}
	files := m.CreateRunFiles.Files
	if len(files) == 0 || files[0].UploadURL == "" {
		return errors.Unavailablef(nil, "createRunFiles: no upload url for %s", name)
	}

	f, err := os.Open(path)
	if err != nil {
		return errors.IOf(err, "open %s", path)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return errors.IOf(err, "stat %s", path)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, string(files[0].UploadURL), f)
	if err != nil {
		return errors.Unavailablef(err, "upload request")
	}
	req.ContentLength = fi.Size()
	resp, err := r.uploader.Do(req)
	if err != nil {
		return errors.Unavailablef(err, "upload")
	}
	resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return errors.Unavailablef(nil, "upload: %s", resp.Status)
	}
	return r.post(map[string]interface{}{"uploaded": []string{name}})
}

func (r *onlineRun) Finish() error {
	if err := r.offlineRun.Finish(); err != nil {
		return err
	}
	summary, err := json.Marshal(sanitize(toInterfaces(r.summary)))
	if err == nil {
		body := map[string]interface{}{
			"files": map[string]interface{}{
				"wandb-summary.json": map[string]interface{}{"offset": 0, "content": []string{string(summary)}},
			},
			"complete": true,
			"exitcode": 0,
		}
		if err := r.post(body); err != nil {
			r.logger.Warnf("wandb: %v", err)
		}
	}
	return nil
}

func (r *onlineRun) URL() string {
	return r.url
}

func (r *onlineRun) post(body interface{}) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := r.client.Post(r.stream, "application/json", bytes.NewReader(buf))
	if err != nil {
		return errors.Unavailablef(err, "file_stream")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Unavailablef(nil, "file_stream: %s", resp.Status)
	}
	return nil
}
