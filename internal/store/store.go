// Package store persists Jobs, Tasks and cluster status.
//
// Records are never locked for the duration of work. Every mutation goes
// through UpdateJob/UpdateTask, whose callback runs atomically against the
// current record; callbacks enforce status preconditions and return
// ErrPrecondition to abort. That compare-and-set is what turns redelivered
// queue messages into no-ops.
package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for unknown ids.
	ErrNotFound = errors.New("store: not found")
	// ErrPrecondition is returned when a guarded update finds the record in an
	// unexpected state.
	ErrPrecondition = errors.New("store: precondition failed")
	// ErrExists is returned when creating a record whose id is taken.
	ErrExists = errors.New("store: already exists")
)

// JobFilter narrows ListJobs.
type JobFilter struct {
	Status    []JobStatus
	ClusterID string
	// Expr is a CEL boolean expression over `job` (see CompileJobFilter).
	Expr string
	// Limit caps results; 0 means DefaultListLimit.
	Limit int
}

// DefaultListLimit bounds ListJobs when no limit is given.
const DefaultListLimit = 100

// JobStore persists Jobs.
type JobStore interface {
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	// UpdateJob applies fn to the current record atomically and returns the
	// stored result. An error from fn aborts the update and is returned as-is.
	UpdateJob(ctx context.Context, id string, fn func(*Job) error) (*Job, error)
	// ListJobs returns matching jobs, newest first.
	ListJobs(ctx context.Context, f JobFilter) ([]*Job, error)
}

// TaskStore persists Tasks.
type TaskStore interface {
	// CreateTasks writes all tasks in one atomic unit.
	CreateTasks(ctx context.Context, tasks []*Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	UpdateTask(ctx context.Context, id string, fn func(*Task) error) (*Task, error)
	// TasksByJob returns a job's tasks in creation order.
	TasksByJob(ctx context.Context, jobID string) ([]*Task, error)
}

// ClusterStore records cluster status side effects.
type ClusterStore interface {
	SetClusterStatus(ctx context.Context, id string, status ClusterStatus, info string) error
	GetCluster(ctx context.Context, id string) (*Cluster, error)
}

// Store is the full persistence surface used by the engine.
type Store interface {
	JobStore
	TaskStore
	ClusterStore
	Close() error
}

// TransitionJob moves a job to `to` if its status is one of from.
func TransitionJob(ctx context.Context, s JobStore, id string, to JobStatus, from ...JobStatus) (*Job, error) {
	return s.UpdateJob(ctx, id, func(j *Job) error {
		if !jobStatusIn(j.Status, from) {
			return fmt.Errorf("job %s is %s, want one of %v: %w", id, j.Status, from, ErrPrecondition)
		}
		j.Status = to
		return nil
	})
}

// TransitionTask moves a task to `to` if its status is one of from.
func TransitionTask(ctx context.Context, s TaskStore, id string, to TaskStatus, from ...TaskStatus) (*Task, error) {
	return s.UpdateTask(ctx, id, func(t *Task) error {
		if !taskStatusIn(t.Status, from) {
			return fmt.Errorf("task %s is %s, want one of %v: %w", id, t.Status, from, ErrPrecondition)
		}
		t.Status = to
		return nil
	})
}

func jobStatusIn(s JobStatus, set []JobStatus) bool {
	for _, x := range set {
		if s == x {
			return true
		}
	}
	return false
}

func taskStatusIn(s TaskStatus, set []TaskStatus) bool {
	for _, x := range set {
		if s == x {
			return true
		}
	}
	return false
}

var (
	_ Store = (*PebbleStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
