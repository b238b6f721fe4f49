package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rzbill/conductor/internal/store"
	"github.com/rzbill/conductor/pkg/id"
	"github.com/rzbill/conductor/pkg/log"
)

// ErrInvalidSubmission is returned for a submission missing required fields.
var ErrInvalidSubmission = errors.New("invalid submission")

// Submission is a request to start a job.
type Submission struct {
	Name      string
	ClusterID string
	ParentJob string
	// RequestID deduplicates retried submissions while the first is running.
	RequestID string
	Context   JobContext
	Graph     TaskGraph
}

// Submitter starts jobs: it takes the request and cluster locks, creates the
// Job, plans its graph and publishes the roots.
type Submitter struct {
	jobs    store.JobStore
	locks   Locker
	planner *Planner
	logger  log.Logger
	newID   func() string
}

// NewSubmitter builds a Submitter.
func NewSubmitter(jobs store.JobStore, locks Locker, planner *Planner, logger log.Logger) *Submitter {
	return &Submitter{jobs: jobs, locks: locks, planner: planner, logger: logger.WithComponent("submitter"), newID: id.New}
}

// Submit starts a job for sub and returns it in status doing. Lock
// contention returns an error wrapping lease.ErrLocked and leaves no trace.
// Graph validation errors are returned before anything is locked or stored.
func (s *Submitter) Submit(ctx context.Context, sub Submission) (*store.Job, error) {
	if sub.Name == "" {
		return nil, fmt.Errorf("%w: job name is required", ErrInvalidSubmission)
	}
	if err := sub.Graph.Validate(); err != nil {
		return nil, err
	}

	job := &store.Job{
		ID:        s.newID(),
		Name:      sub.Name,
		Status:    store.JobInit,
		ClusterID: sub.ClusterID,
		ParentJob: sub.ParentJob,
		RequestID: sub.RequestID,
		Context:   sub.Context,
	}

	if sub.RequestID != "" {
		token, err := s.locks.LockRequest(ctx, sub.RequestID)
		if err != nil {
			return nil, err
		}
		job.RequestLockToken = token
	}
	if sub.ClusterID != "" {
		token, err := s.locks.LockCluster(ctx, sub.ClusterID)
		if err != nil {
			s.releaseLocks(ctx, job)
			return nil, err
		}
		job.ClusterLockToken = token
	}

	if err := s.jobs.CreateJob(ctx, job); err != nil {
		s.releaseLocks(ctx, job)
		return nil, fmt.Errorf("create job: %w", err)
	}
	logger := s.logger.With(log.Str("job_id", job.ID), log.Str("job", job.Name))

	plan, err := s.planner.Plan(ctx, job.ID, sub.Graph)
	if err != nil {
		s.abort(ctx, job, err)
		return nil, err
	}
	started, err := store.TransitionJob(ctx, s.jobs, job.ID, store.JobDoing, store.JobInit)
	if err != nil {
		s.abort(ctx, job, err)
		return nil, fmt.Errorf("start job: %w", err)
	}
	job = started
	if err := plan.Publish(ctx); err != nil {
		s.abort(ctx, job, err)
		return nil, err
	}
	logger.Info("job submitted", log.Int("tasks", len(plan.Tasks)), log.Str("cluster_id", job.ClusterID))
	return job, nil
}

// abort marks a job that failed to start as error and releases its locks.
func (s *Submitter) abort(ctx context.Context, job *store.Job, cause error) {
	updated, err := s.jobs.UpdateJob(ctx, job.ID, func(j *store.Job) error {
		j.Status = store.JobError
		j.Info = cause.Error()
		return nil
	})
	if err != nil {
		s.logger.Error("mark job error", log.Str("job_id", job.ID), log.Err(err))
		updated = job
	}
	s.releaseLocks(ctx, updated)
}

func (s *Submitter) releaseLocks(ctx context.Context, job *store.Job) {
	if err := ReleaseJobLocks(ctx, s.locks, job); err != nil {
		s.logger.Warn("release job locks", log.Str("job_id", job.ID), log.Err(err))
	}
}
