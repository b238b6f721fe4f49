package engine

import (
	"context"
)

// JobContext is the job-level context built once with the graph and handed
// to every task of the job. Tasks must treat it as read-only.
type JobContext map[string]interface{}

// Call carries everything a task invocation receives.
type Call struct {
	TaskID  string
	JobID   string
	Args    map[string]interface{}
	Context JobContext
	// PriorResult is the task's stored result; set for Rollback only.
	PriorResult map[string]interface{}
}

// Task is the contract every registered task implements. Run is invoked only
// while the task is doing, Rollback only while it is rolling. Returning an
// error (or panicking) fails the invocation; tasks do not recover their own
// top-level failures.
type Task interface {
	Run(ctx context.Context, call Call) (map[string]interface{}, error)
	Rollback(ctx context.Context, call Call) (map[string]interface{}, error)
}

// TaskFunc is the signature of a single task step.
type TaskFunc func(ctx context.Context, call Call) (map[string]interface{}, error)

// TaskFuncs adapts plain functions to Task. A nil RollbackFunc makes rollback
// a successful no-op.
type TaskFuncs struct {
	RunFunc      TaskFunc
	RollbackFunc TaskFunc
}

// Run implements Task.
func (f TaskFuncs) Run(ctx context.Context, call Call) (map[string]interface{}, error) {
	if f.RunFunc == nil {
		return nil, nil
	}
	return f.RunFunc(ctx, call)
}

// Rollback implements Task.
func (f TaskFuncs) Rollback(ctx context.Context, call Call) (map[string]interface{}, error) {
	if f.RollbackFunc == nil {
		return nil, nil
	}
	return f.RollbackFunc(ctx, call)
}
