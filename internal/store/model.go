package store

import (
	"time"

	"github.com/rzbill/conductor/internal/args"
)

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobInit    JobStatus = "init"
	JobDoing   JobStatus = "doing"
	JobDone    JobStatus = "done"
	JobError   JobStatus = "error"
	JobRolling JobStatus = "rolling"
	JobRolled  JobStatus = "rolled"
)

// Terminal reports whether no further automatic transition happens.
func (s JobStatus) Terminal() bool {
	return s == JobDone || s == JobError || s == JobRolled
}

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskInit       TaskStatus = "init"
	TaskDoing      TaskStatus = "doing"
	TaskDone       TaskStatus = "done"
	TaskFailed     TaskStatus = "failed"
	TaskRolling    TaskStatus = "rolling"
	TaskRolled     TaskStatus = "rolled"
	TaskRollFailed TaskStatus = "roll_failed"
)

// ClusterStatus is the coarse health of a managed cluster as seen by jobs.
type ClusterStatus string

const (
	ClusterActive ClusterStatus = "active"
	ClusterError  ClusterStatus = "error"
)

// Job is one logical multi-step operation, e.g. a scale-out.
type Job struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    JobStatus `json:"status"`
	ClusterID string    `json:"cluster_id,omitempty"`
	ParentJob string    `json:"parent_job,omitempty"`
	// Context is assembled once when the graph is built and handed to every
	// task of the job.
	Context   map[string]interface{} `json:"context,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`

	ClusterLockToken string `json:"cluster_lock_token,omitempty"`
	RequestLockToken string `json:"request_lock_token,omitempty"`

	// Info aggregates diagnostics from failed tasks.
	Info      string    `json:"info,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Task is one node of a job's DAG.
type Task struct {
	ID      string                 `json:"id"`
	JobID   string                 `json:"job_id"`
	Name    string                 `json:"name"`
	Args    args.Args              `json:"args,omitempty"`
	Results map[string]interface{} `json:"results,omitempty"`
	Status  TaskStatus             `json:"status"`
	// NextTasks lists direct successors. Fixed once the graph is saved.
	NextTasks      []string  `json:"next_tasks,omitempty"`
	RollbackOnFail bool      `json:"rollback_on_fail"`
	Worker         string    `json:"worker,omitempty"`
	Info           string    `json:"info,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Cluster records the status side effects jobs have on a cluster.
type Cluster struct {
	ID        string        `json:"id"`
	Status    ClusterStatus `json:"status"`
	Info      string        `json:"info,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
}
