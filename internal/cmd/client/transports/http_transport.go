package transports

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rzbill/conductor/internal/store"
	"github.com/rzbill/conductor/internal/worker"
)

// HTTPTransport implements JobsTransport over the admin HTTP API.
type HTTPTransport struct {
	base   func() string
	client *http.Client
}

// NewHTTPTransport builds a transport against the base URL returned by base.
func NewHTTPTransport(base func() string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{base: base, client: client}
}

func (t *HTTPTransport) do(ctx context.Context, method, path string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(t.base(), "/")+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return apiError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func apiError(resp *http.Response) error {
	var e struct {
		Error string `json:"error"`
	}
	b, _ := io.ReadAll(resp.Body)
	if json.Unmarshal(b, &e) != nil || e.Error == "" {
		e.Error = strings.TrimSpace(string(b))
	}
	return &APIError{Status: resp.StatusCode, Message: e.Error}
}

// Submit posts a graph document.
func (t *HTTPTransport) Submit(ctx context.Context, graph json.RawMessage) (*store.Job, error) {
	var job store.Job
	if err := t.do(ctx, http.MethodPost, "/v1/jobs", graph, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// GetJob fetches one job.
func (t *HTTPTransport) GetJob(ctx context.Context, id string) (*store.Job, error) {
	var job store.Job
	if err := t.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs lists jobs newest first.
func (t *HTTPTransport) ListJobs(ctx context.Context, req ListJobsRequest) ([]*store.Job, error) {
	q := url.Values{}
	if len(req.Status) > 0 {
		q.Set("status", strings.Join(req.Status, ","))
	}
	if req.ClusterID != "" {
		q.Set("cluster_id", req.ClusterID)
	}
	if req.Filter != "" {
		q.Set("filter", req.Filter)
	}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	path := "/v1/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp struct {
		Jobs []*store.Job `json:"jobs"`
	}
	if err := t.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// Tasks lists a job's tasks.
func (t *HTTPTransport) Tasks(ctx context.Context, jobID string) ([]*store.Task, error) {
	var resp struct {
		Tasks []*store.Task `json:"tasks"`
	}
	if err := t.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(jobID)+"/tasks", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// Watch follows the job's SSE stream until the server closes it.
func (t *HTTPTransport) Watch(ctx context.Context, jobID string, onJob func(*store.Job) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(t.base(), "/")+"/v1/jobs/"+url.PathEscape(jobID)+"/watch", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	var event string
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := []byte(strings.TrimPrefix(line, "data: "))
			if event == "error" {
				return fmt.Errorf("watch: %s", data)
			}
			var job store.Job
			if err := json.Unmarshal(data, &job); err != nil {
				return fmt.Errorf("watch: decode event: %w", err)
			}
			if err := onJob(&job); err != nil {
				return err
			}
		}
	}
	return sc.Err()
}

// Workers lists worker status.
func (t *HTTPTransport) Workers(ctx context.Context) ([]worker.Status, error) {
	var resp struct {
		Workers []worker.Status `json:"workers"`
	}
	if err := t.do(ctx, http.MethodGet, "/v1/workers", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Workers, nil
}

// QueueStats reports task stream statistics.
func (t *HTTPTransport) QueueStats(ctx context.Context) (QueueStats, error) {
	var s QueueStats
	err := t.do(ctx, http.MethodGet, "/v1/queue", nil, &s)
	return s, err
}
