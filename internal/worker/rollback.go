package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/rzbill/conductor/internal/engine"
	"github.com/rzbill/conductor/internal/store"
	"github.com/rzbill/conductor/pkg/log"
)

// scheduleRollbacks advances the rollback cascade of a job. A done task is
// moved to rolling once none of its successors is still doing, done or
// rolling, so the cascade unwinds in reverse dependency order. A rolling job
// becomes rolled when no task is left to unwind. A job that errored out after
// its cascade started (a rollback failed) keeps unwinding its remaining done
// tasks but stays in error.
func (w *Worker) scheduleRollbacks(ctx context.Context, jobID string) error {
	s := w.deps.Store
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != store.JobRolling && job.Status != store.JobError {
		return nil
	}
	tasks, err := s.TasksByJob(ctx, jobID)
	if err != nil {
		return err
	}
	status := make(map[string]store.TaskStatus, len(tasks))
	for _, t := range tasks {
		status[t.ID] = t.Status
	}
	if job.Status == store.JobError && !cascadeStarted(status) {
		return nil
	}

	order := engine.TopoOrder(tasks)
	var msgs []engine.Message
	for i := len(order) - 1; i >= 0; i-- {
		t := order[i]
		if status[t.ID] != store.TaskDone || successorsActive(t, status) {
			continue
		}
		_, err := store.TransitionTask(ctx, s, t.ID, store.TaskRolling, store.TaskDone)
		if errors.Is(err, store.ErrPrecondition) {
			continue
		}
		if err != nil {
			return err
		}
		status[t.ID] = store.TaskRolling
		msgs = append(msgs, engine.Message{TaskID: t.ID, TaskType: engine.TaskRollback})
	}
	if err := engine.PublishMessages(ctx, w.deps.Queue, msgs...); err != nil {
		return err
	}

	if job.Status != store.JobRolling {
		return nil
	}
	for _, st := range status {
		if unwinding(st) {
			return nil
		}
	}
	rolled, err := store.TransitionJob(ctx, s, jobID, store.JobRolled, store.JobRolling)
	if errors.Is(err, store.ErrPrecondition) {
		return nil
	}
	if err != nil {
		return err
	}
	w.logger.Info("job rolled back", log.Str("job_id", jobID))
	w.releaseLocks(ctx, rolled)
	return nil
}

// cascadeStarted reports whether any task has entered the rollback path.
func cascadeStarted(status map[string]store.TaskStatus) bool {
	for _, st := range status {
		switch st {
		case store.TaskRolling, store.TaskRolled, store.TaskRollFailed:
			return true
		}
	}
	return false
}

// unwinding reports whether a task still has to settle before the job can
// be considered rolled back.
func unwinding(s store.TaskStatus) bool {
	return s == store.TaskDoing || s == store.TaskDone || s == store.TaskRolling
}

func successorsActive(t *store.Task, status map[string]store.TaskStatus) bool {
	for _, next := range t.NextTasks {
		if unwinding(status[next]) {
			return true
		}
	}
	return false
}

func (w *Worker) rollback(ctx context.Context, consumerID, taskID string) error {
	s := w.deps.Store
	task, err := s.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		w.logger.Warn("rollback for unknown task", log.Str("task_id", taskID))
		return nil
	}
	if err != nil {
		return err
	}
	if task.Status != store.TaskRolling {
		w.logger.Debug("stale rollback ignored", log.Str("task_id", taskID), log.Str("status", string(task.Status)))
		return nil
	}
	job, err := s.GetJob(ctx, task.JobID)
	if err != nil {
		return err
	}
	logger := w.logger.With(log.Str("job_id", job.ID), log.Str("task_id", task.ID), log.Str("task", task.Name))

	impl, err := w.deps.Registry.Lookup(task.Name)
	if err != nil {
		return w.onRollbackFailure(ctx, task, err, logger)
	}
	resolved, _ := task.Args.Resolve()
	logger.Info("rolling back task", log.Str("consumer", consumerID))
	out, rbErr := invoke(impl.Rollback, ctx, engine.Call{
		TaskID:      task.ID,
		JobID:       job.ID,
		Args:        resolved,
		Context:     engine.JobContext(job.Context),
		PriorResult: task.Results,
	})
	if rbErr != nil {
		logger.Warn("rollback failed", log.Err(rbErr))
		return w.onRollbackFailure(ctx, task, rbErr, logger)
	}

	_, err = store.TransitionTask(ctx, s, task.ID, store.TaskRolled, store.TaskRolling)
	if errors.Is(err, store.ErrPrecondition) {
		return nil
	}
	if err != nil {
		return err
	}
	logger.Info("task rolled back", log.F("output", out))
	return w.scheduleRollbacks(ctx, job.ID)
}

// onRollbackFailure moves the job to error and keeps the cluster marked
// error for manual intervention. Upstream done tasks still unwind.
func (w *Worker) onRollbackFailure(ctx context.Context, task *store.Task, cause error, logger log.Logger) error {
	s := w.deps.Store
	failed, err := s.UpdateTask(ctx, task.ID, func(t *store.Task) error {
		if t.Status != store.TaskRolling {
			return store.ErrPrecondition
		}
		t.Status = store.TaskRollFailed
		t.Info = appendInfo(t.Info, "rollback: "+cause.Error())
		return nil
	})
	if errors.Is(err, store.ErrPrecondition) {
		return nil
	}
	if err != nil {
		return err
	}
	note := failureNote(failed, fmt.Errorf("rollback: %w", cause))
	var transitioned bool
	job, err := s.UpdateJob(ctx, failed.JobID, func(j *store.Job) error {
		j.Info = appendInfo(j.Info, note)
		transitioned = j.Status == store.JobRolling
		if transitioned {
			j.Status = store.JobError
		}
		return nil
	})
	if err != nil {
		return err
	}
	w.markCluster(ctx, job, note)
	if transitioned {
		logger.Error("job rollback failed")
		w.releaseLocks(ctx, job)
	}
	return w.scheduleRollbacks(ctx, job.ID)
}
