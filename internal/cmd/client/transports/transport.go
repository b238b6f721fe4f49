// Package transports provides the CLI's transports to a conductor node.
package transports

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rzbill/conductor/internal/store"
	"github.com/rzbill/conductor/internal/worker"
)

// ListJobsRequest mirrors the query parameters of GET /v1/jobs.
type ListJobsRequest struct {
	Status    []string
	ClusterID string
	Filter    string
	Limit     int
}

// GroupStats summarizes one consumer group of the task stream.
type GroupStats struct {
	Group     string `json:"group"`
	Pending   int    `json:"pending"`
	Consumers []struct {
		ID         string `json:"id"`
		LastSeenMs int64  `json:"last_seen_ms"`
		Pending    int    `json:"pending"`
	} `json:"consumers"`
}

// QueueStats summarizes the task stream.
type QueueStats struct {
	Stream string       `json:"stream"`
	LastID uint64       `json:"last_id"`
	Groups []GroupStats `json:"groups"`
}

// JobsTransport abstracts the admin API used by the CLI.
type JobsTransport interface {
	Submit(ctx context.Context, graph json.RawMessage) (*store.Job, error)
	GetJob(ctx context.Context, id string) (*store.Job, error)
	ListJobs(ctx context.Context, req ListJobsRequest) ([]*store.Job, error)
	Tasks(ctx context.Context, jobID string) ([]*store.Task, error)
	Watch(ctx context.Context, jobID string, onJob func(*store.Job) error) error
	Workers(ctx context.Context) ([]worker.Status, error)
	QueueStats(ctx context.Context) (QueueStats, error)
}

// HealthTransport queries the gRPC health service.
type HealthTransport interface {
	Check(ctx context.Context, service string) (string, error)
}

// APIError is a non-2xx admin API response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}
