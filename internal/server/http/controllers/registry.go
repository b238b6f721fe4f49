package controllers

import (
	"context"

	"github.com/gorilla/mux"

	"github.com/rzbill/conductor/internal/engine"
	"github.com/rzbill/conductor/internal/queue"
	"github.com/rzbill/conductor/internal/store"
	"github.com/rzbill/conductor/internal/worker"
	"github.com/rzbill/conductor/pkg/log"
)

// HealthChecker reports storage health. *runtime.Runtime satisfies it.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// JobSubmitter starts jobs. *engine.Submitter satisfies it.
type JobSubmitter interface {
	Submit(ctx context.Context, sub engine.Submission) (*store.Job, error)
}

// QueueInspector is the read side of the task stream.
type QueueInspector interface {
	Name() string
	LastID() uint64
	Groups() ([]string, error)
	Pending(ctx context.Context, group string) ([]queue.PendingEntry, error)
	Consumers(ctx context.Context, group string) ([]queue.ConsumerInfo, error)
}

// WorkerStatus reports one worker's state. *worker.Worker satisfies it.
type WorkerStatus interface {
	Status() worker.Status
}

// Deps are the components the controllers serve.
type Deps struct {
	Health    HealthChecker
	Submitter JobSubmitter
	Jobs      store.JobStore
	Tasks     store.TaskStore
	Queue     QueueInspector
	Workers   []WorkerStatus
	Logger    log.Logger
}

// ControllerRegistry manages all HTTP controllers.
type ControllerRegistry struct {
	general *GeneralController
	jobs    *JobsController
	queue   *QueueController
	workers *WorkersController
}

// NewControllerRegistry creates a new controller registry.
func NewControllerRegistry(d Deps) *ControllerRegistry {
	if d.Logger == nil {
		d.Logger = log.NewNopLogger()
	}
	return &ControllerRegistry{
		general: NewGeneralController(d.Health),
		jobs:    NewJobsController(d.Submitter, d.Jobs, d.Tasks, d.Logger),
		queue:   NewQueueController(d.Queue),
		workers: NewWorkersController(d.Workers),
	}
}

// RegisterAllRoutes registers all controller routes with r.
func (c *ControllerRegistry) RegisterAllRoutes(r *mux.Router) {
	c.general.RegisterRoutes(r)
	c.jobs.RegisterRoutes(r)
	c.queue.RegisterRoutes(r)
	c.workers.RegisterRoutes(r)
}
