package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/rzbill/conductor/internal/args"
	"github.com/rzbill/conductor/internal/engine"
	"github.com/rzbill/conductor/internal/store"
	"github.com/rzbill/conductor/pkg/log"
)

// dispatch routes a message to its side of the state machine. A nil return
// means the message can be acked.
func (w *Worker) dispatch(ctx context.Context, consumerID string, m engine.Message) error {
	switch m.TaskType {
	case engine.TaskExec:
		return w.execute(ctx, consumerID, m.TaskID)
	case engine.TaskRollback:
		return w.rollback(ctx, consumerID, m.TaskID)
	}
	return nil
}

func (w *Worker) execute(ctx context.Context, consumerID, taskID string) error {
	s := w.deps.Store
	task, err := s.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		w.logger.Warn("exec for unknown task", log.Str("task_id", taskID))
		return nil
	}
	if err != nil {
		return err
	}
	if task.Status != store.TaskDoing {
		w.logger.Debug("stale exec ignored", log.Str("task_id", taskID), log.Str("status", string(task.Status)))
		return nil
	}
	job, err := s.GetJob(ctx, task.JobID)
	if err != nil {
		return err
	}
	logger := w.logger.With(log.Str("job_id", job.ID), log.Str("task_id", task.ID), log.Str("task", task.Name))

	if job.Status != store.JobDoing {
		return w.skip(ctx, task, job, logger)
	}

	impl, err := w.deps.Registry.Lookup(task.Name)
	if err != nil {
		return w.failUnrunnable(ctx, task, err, logger)
	}

	task, err = s.UpdateTask(ctx, task.ID, func(t *store.Task) error {
		if t.Status != store.TaskDoing {
			return store.ErrPrecondition
		}
		t.Worker = consumerID
		return nil
	})
	if errors.Is(err, store.ErrPrecondition) {
		return nil
	}
	if err != nil {
		return err
	}

	resolved, missing := task.Args.Resolve()
	if len(missing) > 0 {
		logger.Warn("running with unresolved args", log.F("missing", missing))
	}
	logger.Info("running task")
	results, runErr := invoke(impl.Run, ctx, engine.Call{
		TaskID:  task.ID,
		JobID:   job.ID,
		Args:    resolved,
		Context: engine.JobContext(job.Context),
	})
	if runErr != nil {
		logger.Warn("task failed", log.Err(runErr))
		return w.onExecFailure(ctx, task, runErr, logger)
	}
	return w.onExecSuccess(ctx, task, results, logger)
}

// invoke calls fn, converting a panic into an error.
func invoke(fn engine.TaskFunc, ctx context.Context, call engine.Call) (out map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx, call)
}

// skip retires an exec whose job is no longer doing without running it.
func (w *Worker) skip(ctx context.Context, task *store.Task, job *store.Job, logger log.Logger) error {
	_, err := w.deps.Store.UpdateTask(ctx, task.ID, func(t *store.Task) error {
		if t.Status != store.TaskDoing {
			return store.ErrPrecondition
		}
		t.Status = store.TaskFailed
		t.Info = fmt.Sprintf("skipped: job is %s", job.Status)
		return nil
	})
	if errors.Is(err, store.ErrPrecondition) {
		return nil
	}
	if err != nil {
		return err
	}
	logger.Info("task skipped", log.Str("job_status", string(job.Status)))
	return w.scheduleRollbacks(ctx, job.ID)
}

func (w *Worker) onExecSuccess(ctx context.Context, task *store.Task, results map[string]interface{}, logger log.Logger) error {
	s := w.deps.Store
	if _, err := s.UpdateTask(ctx, task.ID, func(t *store.Task) error {
		if t.Status != store.TaskDoing {
			return store.ErrPrecondition
		}
		t.Results = results
		return nil
	}); err != nil {
		if errors.Is(err, store.ErrPrecondition) {
			return nil
		}
		return err
	}

	if len(results) > 0 {
		for _, next := range task.NextTasks {
			_, err := s.UpdateTask(ctx, next, func(t *store.Task) error {
				if t.Status != store.TaskInit {
					return store.ErrPrecondition
				}
				t.Args = args.Fill(t.Args, results)
				return nil
			})
			if err != nil && !errors.Is(err, store.ErrPrecondition) {
				return fmt.Errorf("fill args of %s: %w", next, err)
			}
		}
	}

	done, err := store.TransitionTask(ctx, s, task.ID, store.TaskDone, store.TaskDoing)
	if errors.Is(err, store.ErrPrecondition) {
		return nil
	}
	if err != nil {
		return err
	}
	logger.Info("task done")

	job, err := s.GetJob(ctx, done.JobID)
	if err != nil {
		return err
	}
	if job.Status == store.JobDoing {
		return w.advance(ctx, job, done, logger)
	}
	return w.scheduleRollbacks(ctx, job.ID)
}

// advance promotes successors whose predecessors are all done and completes
// the job once every task is done. The promotion is a compare-and-set, so
// among concurrent finishers exactly one publishes each successor.
func (w *Worker) advance(ctx context.Context, job *store.Job, done *store.Task, logger log.Logger) error {
	s := w.deps.Store
	tasks, err := s.TasksByJob(ctx, job.ID)
	if err != nil {
		return err
	}
	status := make(map[string]store.TaskStatus, len(tasks))
	for _, t := range tasks {
		status[t.ID] = t.Status
	}
	preds := engine.Predecessors(tasks)

	var ready []engine.Message
	for _, next := range done.NextTasks {
		if !allDone(preds[next], status) {
			continue
		}
		_, err := store.TransitionTask(ctx, s, next, store.TaskDoing, store.TaskInit)
		if errors.Is(err, store.ErrPrecondition) {
			continue
		}
		if err != nil {
			return err
		}
		ready = append(ready, engine.Message{TaskID: next, TaskType: engine.TaskExec})
	}
	if err := engine.PublishMessages(ctx, w.deps.Queue, ready...); err != nil {
		return err
	}

	for _, t := range tasks {
		if t.Status != store.TaskDone {
			return nil
		}
	}
	finished, err := store.TransitionJob(ctx, s, job.ID, store.JobDone, store.JobDoing)
	if errors.Is(err, store.ErrPrecondition) {
		return nil
	}
	if err != nil {
		return err
	}
	logger.Info("job done")
	w.releaseLocks(ctx, finished)
	return nil
}

func allDone(ids []string, status map[string]store.TaskStatus) bool {
	for _, id := range ids {
		if status[id] != store.TaskDone {
			return false
		}
	}
	return true
}

// onExecFailure records the failure and either starts rolling the job back
// or marks it error, depending on the task's rollback_on_fail flag.
func (w *Worker) onExecFailure(ctx context.Context, task *store.Task, cause error, logger log.Logger) error {
	s := w.deps.Store
	failed, err := s.UpdateTask(ctx, task.ID, func(t *store.Task) error {
		if t.Status != store.TaskDoing {
			return store.ErrPrecondition
		}
		t.Status = store.TaskFailed
		t.Info = cause.Error()
		return nil
	})
	if errors.Is(err, store.ErrPrecondition) {
		return nil
	}
	if err != nil {
		return err
	}
	note := failureNote(failed, cause)

	var transitioned bool
	job, err := s.UpdateJob(ctx, failed.JobID, func(j *store.Job) error {
		transitioned = false
		j.Info = appendInfo(j.Info, note)
		switch {
		case failed.RollbackOnFail && (j.Status == store.JobDoing || j.Status == store.JobError):
			j.Status = store.JobRolling
			transitioned = true
		case !failed.RollbackOnFail && j.Status == store.JobDoing:
			j.Status = store.JobError
			transitioned = true
		}
		return nil
	})
	if err != nil {
		return err
	}
	w.markCluster(ctx, job, note)

	switch {
	case transitioned && job.Status == store.JobRolling:
		logger.Info("rolling back job")
	case transitioned && job.Status == store.JobError:
		logger.Info("job failed")
		w.releaseLocks(ctx, job)
	}
	return w.scheduleRollbacks(ctx, job.ID)
}

// failUnrunnable handles an exec whose task name has no registered
// implementation. The job errors out without rollback.
func (w *Worker) failUnrunnable(ctx context.Context, task *store.Task, cause error, logger log.Logger) error {
	s := w.deps.Store
	failed, err := s.UpdateTask(ctx, task.ID, func(t *store.Task) error {
		if t.Status != store.TaskDoing {
			return store.ErrPrecondition
		}
		t.Status = store.TaskFailed
		t.Info = cause.Error()
		return nil
	})
	if errors.Is(err, store.ErrPrecondition) {
		return nil
	}
	if err != nil {
		return err
	}
	note := failureNote(failed, cause)
	var transitioned bool
	job, err := s.UpdateJob(ctx, failed.JobID, func(j *store.Job) error {
		transitioned = !j.Status.Terminal()
		j.Info = appendInfo(j.Info, note)
		if transitioned {
			j.Status = store.JobError
		}
		return nil
	})
	if err != nil {
		return err
	}
	logger.Error("task has no registered implementation", log.Err(cause))
	w.markCluster(ctx, job, note)
	if transitioned {
		w.releaseLocks(ctx, job)
	}
	return nil
}

func (w *Worker) markCluster(ctx context.Context, job *store.Job, info string) {
	if job.ClusterID == "" {
		return
	}
	if err := w.deps.Store.SetClusterStatus(ctx, job.ClusterID, store.ClusterError, info); err != nil {
		w.logger.Warn("mark cluster error", log.Str("cluster_id", job.ClusterID), log.Err(err))
	}
}

func (w *Worker) releaseLocks(ctx context.Context, job *store.Job) {
	if err := engine.ReleaseJobLocks(ctx, w.deps.Locks, job); err != nil {
		w.logger.Warn("release job locks", log.Str("job_id", job.ID), log.Err(err))
	}
}

func failureNote(t *store.Task, cause error) string {
	msg := cause.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return fmt.Sprintf("task %s (%s): %s", t.Name, t.ID, msg)
}

func appendInfo(info, line string) string {
	if info == "" {
		return line
	}
	return info + "\n" + line
}
