package controllers

import (
	"github.com/rzbill/conductor/internal/queue"
	"github.com/rzbill/conductor/internal/store"
)

// jobListResp is the body of GET /v1/jobs.
type jobListResp struct {
	Jobs  []*store.Job `json:"jobs"`
	Count int          `json:"count"`
}

// publicJob returns a copy of j without its lock tokens, which only the
// worker needs.
func publicJob(j *store.Job) *store.Job {
	c := *j
	c.ClusterLockToken = ""
	c.RequestLockToken = ""
	return &c
}

// taskListResp is the body of GET /v1/jobs/{id}/tasks.
type taskListResp struct {
	JobID string        `json:"job_id"`
	Tasks []*store.Task `json:"tasks"`
}

// groupStatsJSON summarizes one consumer group.
type groupStatsJSON struct {
	Group     string               `json:"group"`
	Pending   int                  `json:"pending"`
	Consumers []queue.ConsumerInfo `json:"consumers"`
}

// queueStatsJSON summarizes the task stream.
type queueStatsJSON struct {
	Stream string           `json:"stream"`
	LastID uint64           `json:"last_id"`
	Groups []groupStatsJSON `json:"groups"`
}
