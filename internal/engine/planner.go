package engine

import (
	"context"
	"fmt"

	"github.com/rzbill/conductor/internal/args"
	"github.com/rzbill/conductor/internal/store"
	"github.com/rzbill/conductor/pkg/id"
	"github.com/rzbill/conductor/pkg/log"
)

// Planner turns a TaskGraph into persisted tasks and seeds the queue with
// the graph's roots.
type Planner struct {
	tasks  store.TaskStore
	queue  Publisher
	logger log.Logger
	newID  func() string
}

// NewPlanner builds a Planner.
func NewPlanner(tasks store.TaskStore, queue Publisher, logger log.Logger) *Planner {
	return &Planner{tasks: tasks, queue: queue, logger: logger.WithComponent("planner"), newID: id.New}
}

// Plan is a persisted graph whose roots are not yet published.
type Plan struct {
	JobID string
	Tasks []*store.Task
	// Roots are the tasks without predecessors, persisted as doing.
	Roots []*store.Task

	queue Publisher
}

// Plan validates g, assigns ids and writes every task of jobID in one atomic
// unit. Roots are stored as doing and the rest as init. Nothing is published.
func (p *Planner) Plan(ctx context.Context, jobID string, g TaskGraph) (*Plan, error) {
	ix, err := g.index()
	if err != nil {
		return nil, err
	}
	if err := ix.validateAcyclic(); err != nil {
		return nil, err
	}

	ids := make([]string, len(ix.nodes))
	for i := range ix.nodes {
		ids[i] = p.newID()
	}
	plan := &Plan{JobID: jobID, Tasks: make([]*store.Task, len(ix.nodes)), queue: p.queue}
	for i, spec := range ix.nodes {
		t := &store.Task{
			ID:             ids[i],
			JobID:          jobID,
			Name:           spec.Name,
			Args:           copyArgs(spec.Args),
			Status:         store.TaskInit,
			RollbackOnFail: spec.RollbackOnFail,
		}
		for _, next := range ix.outgoing[i] {
			t.NextTasks = append(t.NextTasks, ids[next])
		}
		if ix.indeg[i] == 0 {
			t.Status = store.TaskDoing
			plan.Roots = append(plan.Roots, t)
		}
		plan.Tasks[i] = t
	}
	if err := p.tasks.CreateTasks(ctx, plan.Tasks); err != nil {
		return nil, fmt.Errorf("save task graph for job %s: %w", jobID, err)
	}
	p.logger.Debug("task graph saved",
		log.Str("job_id", jobID), log.Int("tasks", len(plan.Tasks)), log.Int("roots", len(plan.Roots)))
	return plan, nil
}

// Publish enqueues an exec message for every root.
func (pl *Plan) Publish(ctx context.Context) error {
	msgs := make([]Message, len(pl.Roots))
	for i, t := range pl.Roots {
		msgs[i] = Message{TaskID: t.ID, TaskType: TaskExec}
	}
	return PublishMessages(ctx, pl.queue, msgs...)
}

// SaveTaskGraph persists g for jobID and publishes its roots. Afterwards the
// job has exactly one task per graph node and exactly the roots are queued.
func (p *Planner) SaveTaskGraph(ctx context.Context, jobID string, g TaskGraph) ([]*store.Task, error) {
	plan, err := p.Plan(ctx, jobID, g)
	if err != nil {
		return nil, err
	}
	if err := plan.Publish(ctx); err != nil {
		return nil, err
	}
	return plan.Tasks, nil
}

func copyArgs(a args.Args) args.Args {
	if a == nil {
		return nil
	}
	out := make(args.Args, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}
