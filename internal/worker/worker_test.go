package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/conductor/internal/args"
	"github.com/rzbill/conductor/internal/engine"
	"github.com/rzbill/conductor/internal/lease"
	"github.com/rzbill/conductor/internal/queue"
	pebblestore "github.com/rzbill/conductor/internal/storage/pebble"
	"github.com/rzbill/conductor/internal/store"
	"github.com/rzbill/conductor/pkg/log"
)

const group = "workers"

type fixture struct {
	store     *store.PebbleStore
	stream    *queue.Stream
	leases    *lease.Manager
	locks     *lease.Locks
	registry  *engine.Registry
	submitter *engine.Submitter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	stream, err := queue.Open(db, "tasks", queue.Options{VisibilityTimeout: time.Second})
	require.NoError(t, err)
	st := store.NewPebbleStore(db)
	leases := lease.NewManager(db)
	locks := lease.NewLocks(leases, time.Hour, time.Hour)
	nop := log.NewNopLogger()
	return &fixture{
		store:     st,
		stream:    stream,
		leases:    leases,
		locks:     locks,
		registry:  engine.NewRegistry(),
		submitter: engine.NewSubmitter(st, locks, engine.NewPlanner(st, stream, nop), nop),
	}
}

func (f *fixture) newWorker(t *testing.T, name string) *Worker {
	t.Helper()
	w, err := New(Deps{
		Store:    f.store,
		Queue:    f.stream,
		Leases:   f.leases,
		Locks:    f.locks,
		Registry: f.registry,
	}, Options{
		Name:              name,
		Group:             group,
		Concurrency:       2,
		Enabled:           true,
		LeaseTTL:          300 * time.Millisecond,
		RenewInterval:     50 * time.Millisecond,
		BlockTimeout:      50 * time.Millisecond,
		VisibilityTimeout: time.Second,
	})
	require.NoError(t, err)
	return w
}

func (f *fixture) startWorker(t *testing.T, name string) *Worker {
	t.Helper()
	w := f.newWorker(t, name)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = w.Stop(ctx)
	})
	return w
}

func (f *fixture) submit(t *testing.T, g engine.TaskGraph) *store.Job {
	t.Helper()
	job, err := f.submitter.Submit(context.Background(), engine.Submission{Name: "scale-out", ClusterID: "c-1", Graph: g})
	require.NoError(t, err)
	return job
}

func (f *fixture) waitJob(t *testing.T, id string, want store.JobStatus) *store.Job {
	t.Helper()
	var job *store.Job
	require.Eventually(t, func() bool {
		j, err := f.store.GetJob(context.Background(), id)
		if err != nil {
			return false
		}
		job = j
		return j.Status == want
	}, 5*time.Second, 10*time.Millisecond, "job never reached %s", want)
	return job
}

func (f *fixture) tasks(t *testing.T, jobID string) map[string]*store.Task {
	t.Helper()
	ts, err := f.store.TasksByJob(context.Background(), jobID)
	require.NoError(t, err)
	out := make(map[string]*store.Task, len(ts))
	for _, task := range ts {
		out[task.Name] = task
	}
	return out
}

type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	j.entries = append(j.entries, s)
	j.mu.Unlock()
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func (f *fixture) recorder(name string, j *journal, run engine.TaskFunc) {
	f.registry.MustRegister(name, engine.TaskFuncs{
		RunFunc: func(ctx context.Context, call engine.Call) (map[string]interface{}, error) {
			j.add("run:" + name)
			if run != nil {
				return run(ctx, call)
			}
			return nil, nil
		},
		RollbackFunc: func(context.Context, engine.Call) (map[string]interface{}, error) {
			j.add("rollback:" + name)
			return nil, nil
		},
	})
}

func chain(names ...string) (engine.TaskGraph, []*engine.TaskSpec) {
	specs := make([]*engine.TaskSpec, len(names))
	for i, n := range names {
		specs[i] = &engine.TaskSpec{Name: n}
	}
	g := engine.TaskGraph{}
	for i, s := range specs {
		if i+1 < len(specs) {
			g[s] = []*engine.TaskSpec{specs[i+1]}
		} else {
			g[s] = nil
		}
	}
	return g, specs
}

func TestDiamondRunsToCompletion(t *testing.T) {
	f := newFixture(t)
	j := &journal{}
	var dSawPreds bool
	var dArgs map[string]interface{}

	f.recorder("A", j, nil)
	f.recorder("B", j, func(context.Context, engine.Call) (map[string]interface{}, error) {
		return map[string]interface{}{"size": float64(3)}, nil
	})
	f.recorder("C", j, nil)

	var jobID string
	f.recorder("D", j, func(ctx context.Context, call engine.Call) (map[string]interface{}, error) {
		ts, err := f.store.TasksByJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		done := 0
		for _, task := range ts {
			if (task.Name == "B" || task.Name == "C") && task.Status == store.TaskDone {
				done++
			}
		}
		dSawPreds = done == 2
		dArgs = call.Args
		return nil, nil
	})

	a := &engine.TaskSpec{Name: "A"}
	b := &engine.TaskSpec{Name: "B"}
	c := &engine.TaskSpec{Name: "C"}
	d := &engine.TaskSpec{Name: "D", Args: args.Args{"size": args.FromResult("size"), "mode": args.Literal("fast")}}
	g := engine.TaskGraph{a: {b, c}, b: {d}, c: {d}, d: nil}

	job, err := f.submitter.Submit(context.Background(), engine.Submission{Name: "scale-out", ClusterID: "c-1", Graph: g})
	require.NoError(t, err)
	jobID = job.ID

	// Start after jobID is visible to D.
	f.startWorker(t, "default")
	f.waitJob(t, job.ID, store.JobDone)

	entries := j.list()
	require.Len(t, entries, 4)
	assert.Equal(t, "run:A", entries[0])
	assert.Equal(t, "run:D", entries[3])
	assert.True(t, dSawPreds, "D ran before both predecessors were done")
	assert.Equal(t, map[string]interface{}{"size": float64(3), "mode": "fast"}, dArgs)
	for name, task := range f.tasks(t, job.ID) {
		assert.Equal(t, store.TaskDone, task.Status, name)
	}

	_, err = f.locks.LockCluster(context.Background(), "c-1")
	assert.NoError(t, err, "cluster lock should be released on done")
}

func TestFailureRollsBackInReverseOrder(t *testing.T) {
	f := newFixture(t)
	j := &journal{}
	f.recorder("A", j, nil)
	f.recorder("B", j, nil)
	f.recorder("C", j, func(context.Context, engine.Call) (map[string]interface{}, error) {
		return nil, errors.New("quota exceeded")
	})

	g, specs := chain("A", "B", "C")
	specs[2].RollbackOnFail = true
	job := f.submit(t, g)
	f.startWorker(t, "default")

	final := f.waitJob(t, job.ID, store.JobRolled)
	assert.Equal(t, []string{"run:A", "run:B", "run:C", "rollback:B", "rollback:A"}, j.list())
	assert.Contains(t, final.Info, "quota exceeded")

	ts := f.tasks(t, job.ID)
	assert.Equal(t, store.TaskRolled, ts["A"].Status)
	assert.Equal(t, store.TaskRolled, ts["B"].Status)
	assert.Equal(t, store.TaskFailed, ts["C"].Status)

	cl, err := f.store.GetCluster(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, store.ClusterError, cl.Status)

	_, err = f.locks.LockCluster(context.Background(), "c-1")
	assert.NoError(t, err)
}

func TestFailureWithoutRollbackStopsJob(t *testing.T) {
	f := newFixture(t)
	j := &journal{}
	f.recorder("A", j, func(context.Context, engine.Call) (map[string]interface{}, error) {
		return nil, errors.New("boom")
	})
	f.recorder("B", j, nil)

	g, _ := chain("A", "B")
	job := f.submit(t, g)
	f.startWorker(t, "default")

	final := f.waitJob(t, job.ID, store.JobError)
	assert.Contains(t, final.Info, "boom")
	ts := f.tasks(t, job.ID)
	assert.Equal(t, store.TaskFailed, ts["A"].Status)
	assert.Equal(t, store.TaskInit, ts["B"].Status)
	assert.Equal(t, []string{"run:A"}, j.list())

	_, err := f.locks.LockCluster(context.Background(), "c-1")
	assert.NoError(t, err)
}

func TestRollbackFailureLeavesJobInErrorAndUnwindsUpstream(t *testing.T) {
	f := newFixture(t)
	j := &journal{}
	f.recorder("A", j, nil)
	f.registry.MustRegister("B", engine.TaskFuncs{
		RollbackFunc: func(context.Context, engine.Call) (map[string]interface{}, error) {
			return nil, errors.New("cannot detach volume")
		},
	})
	f.recorder("C", j, func(context.Context, engine.Call) (map[string]interface{}, error) {
		return nil, errors.New("quota exceeded")
	})

	g, specs := chain("A", "B", "C")
	specs[2].RollbackOnFail = true
	job := f.submit(t, g)
	f.startWorker(t, "default")

	final := f.waitJob(t, job.ID, store.JobError)
	assert.Contains(t, final.Info, "quota exceeded")
	assert.Contains(t, final.Info, "cannot detach volume")

	require.Eventually(t, func() bool {
		return f.tasks(t, job.ID)["A"].Status == store.TaskRolled
	}, 5*time.Second, 10*time.Millisecond, "A should still roll back after B's rollback failed")

	ts := f.tasks(t, job.ID)
	assert.Equal(t, store.TaskRollFailed, ts["B"].Status)
	assert.Contains(t, ts["B"].Info, "cannot detach volume")
	assert.Equal(t, store.TaskFailed, ts["C"].Status)
	assert.Equal(t, []string{"run:A", "run:C", "rollback:A"}, j.list())

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobError, got.Status, "job stays in error once a rollback failed")

	_, err = f.locks.LockCluster(context.Background(), "c-1")
	assert.NoError(t, err)
}

func TestDiamondFailureRollsBackCompletedTasks(t *testing.T) {
	f := newFixture(t)
	j := &journal{}
	f.recorder("A", j, nil)
	f.recorder("B", j, nil)
	f.recorder("C", j, func(context.Context, engine.Call) (map[string]interface{}, error) {
		return nil, errors.New("address pool exhausted")
	})
	f.recorder("D", j, nil)

	a := &engine.TaskSpec{Name: "A"}
	b := &engine.TaskSpec{Name: "B"}
	c := &engine.TaskSpec{Name: "C", RollbackOnFail: true}
	d := &engine.TaskSpec{Name: "D"}
	job := f.submit(t, engine.TaskGraph{a: {b, c}, b: {d}, c: {d}, d: nil})
	f.startWorker(t, "default")

	final := f.waitJob(t, job.ID, store.JobRolled)
	assert.Contains(t, final.Info, "address pool exhausted")

	ts := f.tasks(t, job.ID)
	assert.Equal(t, store.TaskRolled, ts["A"].Status)
	assert.Equal(t, store.TaskRolled, ts["B"].Status)
	assert.Equal(t, store.TaskFailed, ts["C"].Status)
	assert.Equal(t, store.TaskInit, ts["D"].Status)

	entries := j.list()
	assert.NotContains(t, entries, "run:D")
	assert.NotContains(t, entries, "rollback:C")
	require.Contains(t, entries, "rollback:B")
	assert.Equal(t, "rollback:A", entries[len(entries)-1], "A unwinds after its successors")

	_, err := f.locks.LockCluster(context.Background(), "c-1")
	assert.NoError(t, err)
}

func TestUnregisteredTaskFailsJobWithoutRollback(t *testing.T) {
	f := newFixture(t)
	g := engine.TaskGraph{&engine.TaskSpec{Name: "ghost", RollbackOnFail: true}: nil}
	job := f.submit(t, g)
	f.startWorker(t, "default")

	final := f.waitJob(t, job.ID, store.JobError)
	assert.Contains(t, final.Info, "ghost")
	assert.Equal(t, store.TaskFailed, f.tasks(t, job.ID)["ghost"].Status)
}

func TestPanicIsRecordedAsFailure(t *testing.T) {
	f := newFixture(t)
	f.registry.MustRegister("A", engine.TaskFuncs{
		RunFunc: func(context.Context, engine.Call) (map[string]interface{}, error) {
			panic("nil map")
		},
	})
	job := f.submit(t, engine.TaskGraph{&engine.TaskSpec{Name: "A"}: nil})
	f.startWorker(t, "default")

	final := f.waitJob(t, job.ID, store.JobError)
	assert.Contains(t, final.Info, "panic: nil map")
}

func TestRedeliveredExecIsNoop(t *testing.T) {
	f := newFixture(t)
	j := &journal{}
	f.recorder("A", j, nil)
	job := f.submit(t, engine.TaskGraph{&engine.TaskSpec{Name: "A"}: nil})
	w := f.newWorker(t, "default")
	taskID := f.tasks(t, job.ID)["A"].ID
	ctx := context.Background()

	msg := engine.Message{TaskID: taskID, TaskType: engine.TaskExec}
	require.NoError(t, w.dispatch(ctx, "c0", msg))
	require.NoError(t, w.dispatch(ctx, "c1", msg))

	assert.Equal(t, []string{"run:A"}, j.list())
	got, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobDone, got.Status)

	rb := engine.Message{TaskID: taskID, TaskType: engine.TaskRollback}
	require.NoError(t, w.dispatch(ctx, "c0", rb))
	assert.Equal(t, []string{"run:A"}, j.list(), "rollback of a done task outside a rolling job is stale")
}

func TestExecForAbortedJobIsSkipped(t *testing.T) {
	f := newFixture(t)
	j := &journal{}
	f.recorder("A", j, nil)
	job := f.submit(t, engine.TaskGraph{&engine.TaskSpec{Name: "A"}: nil})
	ctx := context.Background()
	_, err := store.TransitionJob(ctx, f.store, job.ID, store.JobError, store.JobDoing)
	require.NoError(t, err)

	w := f.newWorker(t, "default")
	task := f.tasks(t, job.ID)["A"]
	require.NoError(t, w.dispatch(ctx, "c0", engine.Message{TaskID: task.ID, TaskType: engine.TaskExec}))

	assert.Empty(t, j.list())
	got := f.tasks(t, job.ID)["A"]
	assert.Equal(t, store.TaskFailed, got.Status)
	assert.Contains(t, got.Info, "skipped")
}

func TestOnlyOneLeaderPerName(t *testing.T) {
	f := newFixture(t)
	w1 := f.startWorker(t, "default")
	w2 := f.startWorker(t, "default")

	require.Eventually(t, func() bool { return w1.IsLeader() != w2.IsLeader() }, 3*time.Second, 10*time.Millisecond)
	for i := 0; i < 10; i++ {
		assert.False(t, w1.IsLeader() && w2.IsLeader(), "two leaders at once")
		time.Sleep(20 * time.Millisecond)
	}

	leader, standby := w1, w2
	if w2.IsLeader() {
		leader, standby = w2, w1
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, leader.Stop(ctx))
	assert.False(t, leader.IsLeader())
	require.Eventually(t, standby.IsLeader, 3*time.Second, 10*time.Millisecond)
}

func TestDisabledWorkerStepsDown(t *testing.T) {
	f := newFixture(t)
	var mu sync.Mutex
	var changes []bool
	w := f.newWorker(t, "default")
	w.OnLeadershipChange(func(v bool) {
		mu.Lock()
		changes = append(changes, v)
		mu.Unlock()
	})
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { _ = w.Stop(context.Background()) })

	require.Eventually(t, w.IsLeader, 3*time.Second, 10*time.Millisecond)
	w.SetEnabled(false)
	require.Eventually(t, func() bool { return !w.IsLeader() }, 3*time.Second, 10*time.Millisecond)

	_, held, err := f.leases.Holder(context.Background(), LeaseKey("default"))
	require.NoError(t, err)
	assert.False(t, held, "disabled worker should release its lease")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, changes)
}

func TestStopWaitsForInFlightTask(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	release := make(chan struct{})
	f.registry.MustRegister("slow", engine.TaskFuncs{
		RunFunc: func(context.Context, engine.Call) (map[string]interface{}, error) {
			close(started)
			<-release
			return map[string]interface{}{"ok": true}, nil
		},
	})
	job := f.submit(t, engine.TaskGraph{&engine.TaskSpec{Name: "slow"}: nil})
	w := f.newWorker(t, "default")
	require.NoError(t, w.Start(context.Background()))

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("task never started")
	}

	stopped := make(chan error, 1)
	go func() { stopped <- w.Stop(context.Background()) }()

	select {
	case <-stopped:
		t.Fatal("stop returned while a task was in flight")
	case <-time.After(100 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-stopped)

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobDone, got.Status)

	pending, err := f.stream.Pending(context.Background(), group)
	require.NoError(t, err)
	assert.Empty(t, pending, "finished message should be acked")

	consumers, err := f.stream.Consumers(context.Background(), group)
	require.NoError(t, err)
	assert.Empty(t, consumers, "consumers should deregister on stop")
}

// revocableLeases lets a test take the leadership lease away from a holder.
type revocableLeases struct {
	*lease.Manager
	revoked atomic.Bool
}

func (r *revocableLeases) AcquireAs(ctx context.Context, key, owner string, ttl time.Duration) (string, bool, error) {
	if r.revoked.Load() {
		return "", false, nil
	}
	return r.Manager.AcquireAs(ctx, key, owner, ttl)
}

func (r *revocableLeases) Renew(ctx context.Context, key string, ttl time.Duration, token string) (bool, error) {
	if r.revoked.Load() {
		return false, nil
	}
	return r.Manager.Renew(ctx, key, ttl, token)
}

func TestLostLeaseStopsConsumption(t *testing.T) {
	f := newFixture(t)
	j := &journal{}
	f.recorder("A", j, nil)
	leases := &revocableLeases{Manager: f.leases}
	w, err := New(Deps{
		Store:    f.store,
		Queue:    f.stream,
		Leases:   leases,
		Locks:    f.locks,
		Registry: f.registry,
	}, Options{
		Name:          "default",
		Group:         group,
		Concurrency:   2,
		Enabled:       true,
		LeaseTTL:      300 * time.Millisecond,
		RenewInterval: 50 * time.Millisecond,
		BlockTimeout:  50 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { _ = w.Stop(context.Background()) })

	require.Eventually(t, w.IsLeader, 3*time.Second, 10*time.Millisecond)
	leases.revoked.Store(true)
	require.Eventually(t, func() bool { return !w.IsLeader() }, 3*time.Second, 10*time.Millisecond)

	job := f.submit(t, engine.TaskGraph{&engine.TaskSpec{Name: "A"}: nil})
	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, j.list(), "a worker without the lease must not run tasks")
	consumers, err := f.stream.Consumers(context.Background(), group)
	require.NoError(t, err)
	assert.Empty(t, consumers)

	leases.revoked.Store(false)
	f.waitJob(t, job.ID, store.JobDone)
}

func TestLeaseHeldWhileDraining(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	release := make(chan struct{})
	f.registry.MustRegister("slow", engine.TaskFuncs{
		RunFunc: func(context.Context, engine.Call) (map[string]interface{}, error) {
			close(started)
			<-release
			return nil, nil
		},
	})
	f.submit(t, engine.TaskGraph{&engine.TaskSpec{Name: "slow"}: nil})

	w1 := f.newWorker(t, "default")
	require.NoError(t, w1.Start(context.Background()))
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("task never started")
	}
	w2 := f.startWorker(t, "default")

	stopped := make(chan error, 1)
	go func() { stopped <- w1.Stop(context.Background()) }()

	// Several lease TTLs pass while the task is still running.
	time.Sleep(time.Second)
	assert.False(t, w2.IsLeader(), "standby took over while a task was in flight")
	rec, held, err := f.leases.Holder(context.Background(), LeaseKey("default"))
	require.NoError(t, err)
	require.True(t, held)
	assert.Equal(t, w1.Status().Instance, rec.Owner)

	close(release)
	require.NoError(t, <-stopped)
	require.Eventually(t, w2.IsLeader, 3*time.Second, 10*time.Millisecond)
}

func TestNewValidatesOptions(t *testing.T) {
	f := newFixture(t)
	deps := Deps{Store: f.store, Queue: f.stream, Leases: f.leases, Locks: f.locks, Registry: f.registry}

	_, err := New(deps, Options{})
	assert.Error(t, err)
	_, err = New(deps, Options{Name: "w", LeaseTTL: time.Second, RenewInterval: 2 * time.Second})
	assert.Error(t, err)
	_, err = New(Deps{}, Options{Name: "w"})
	assert.Error(t, err)
}
