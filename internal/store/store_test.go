package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/conductor/internal/args"
	pebblestore "github.com/rzbill/conductor/internal/storage/pebble"
	"github.com/rzbill/conductor/pkg/id"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sq, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "conductor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })

	return map[string]Store{"pebble": NewPebbleStore(db), "sqlite": sq}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, s := range backends(t) {
		s := s
		t.Run(name, func(t *testing.T) { fn(t, s) })
	}
}

func TestJobCRUD(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job := &Job{ID: id.New(), Name: "scale_out", Status: JobInit, ClusterID: "c-1",
			Context: map[string]interface{}{"region": "eu-1"}}
		require.NoError(t, s.CreateJob(ctx, job))
		assert.False(t, job.CreatedAt.IsZero())

		err := s.CreateJob(ctx, &Job{ID: job.ID, Name: "dup", Status: JobInit})
		assert.ErrorIs(t, err, ErrExists)

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, "scale_out", got.Name)
		assert.Equal(t, "eu-1", got.Context["region"])

		_, err = s.GetJob(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestGuardedTransitions(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job := &Job{ID: id.New(), Name: "create", Status: JobInit}
		require.NoError(t, s.CreateJob(ctx, job))

		updated, err := TransitionJob(ctx, s, job.ID, JobDoing, JobInit)
		require.NoError(t, err)
		assert.Equal(t, JobDoing, updated.Status)

		_, err = TransitionJob(ctx, s, job.ID, JobDoing, JobInit)
		assert.ErrorIs(t, err, ErrPrecondition)

		got, _ := s.GetJob(ctx, job.ID)
		assert.Equal(t, JobDoing, got.Status)
	})
}

func TestConcurrentTransitionHasOneWinner(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		jobID := id.New()
		require.NoError(t, s.CreateJob(ctx, &Job{ID: jobID, Name: "j", Status: JobDoing}))
		task := &Task{ID: id.New(), JobID: jobID, Name: "attach", Status: TaskInit}
		require.NoError(t, s.CreateTasks(ctx, []*Task{task}))

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 6; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := TransitionTask(ctx, s, task.ID, TaskDoing, TaskInit); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})
}

func TestTasksByJobAndImmutableEdges(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		jobID := id.New()
		require.NoError(t, s.CreateJob(ctx, &Job{ID: jobID, Name: "j", Status: JobInit}))

		a, b := id.New(), id.New()
		tasks := []*Task{
			{ID: a, JobID: jobID, Name: "a", Status: TaskDoing, NextTasks: []string{b},
				Args: args.Args{"zone": args.Literal("az-1")}},
			{ID: b, JobID: jobID, Name: "b", Status: TaskInit,
				Args: args.Args{"vol": args.FromResult("vol_id")}},
		}
		require.NoError(t, s.CreateTasks(ctx, tasks))

		got, err := s.TasksByJob(ctx, jobID)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, a, got[0].ID)
		key, ok := got[1].Args["vol"].Key()
		assert.True(t, ok)
		assert.Equal(t, "vol_id", key)

		updated, err := s.UpdateTask(ctx, a, func(t *Task) error {
			t.NextTasks = nil
			t.Results = map[string]interface{}{"vol_id": "v-1"}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{b}, updated.NextTasks)
		assert.Equal(t, "v-1", updated.Results["vol_id"])

		other, err := s.TasksByJob(ctx, id.New())
		require.NoError(t, err)
		assert.Empty(t, other)
	})
}

func TestUpdateCallbackErrorAborts(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		jobID := id.New()
		require.NoError(t, s.CreateJob(ctx, &Job{ID: jobID, Name: "j", Status: JobInit}))
		boom := errors.New("boom")
		_, err := s.UpdateJob(ctx, jobID, func(j *Job) error {
			j.Status = JobError
			return boom
		})
		assert.ErrorIs(t, err, boom)
		got, _ := s.GetJob(ctx, jobID)
		assert.Equal(t, JobInit, got.Status)
	})
}

func TestListJobsFilters(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			st := JobDone
			if i%2 == 0 {
				st = JobError
			}
			require.NoError(t, s.CreateJob(ctx, &Job{
				ID: id.New(), Name: fmt.Sprintf("scale_%d", i), Status: st,
				ClusterID: fmt.Sprintf("c-%d", i%2),
			}))
		}

		all, err := s.ListJobs(ctx, JobFilter{})
		require.NoError(t, err)
		require.Len(t, all, 5)
		assert.Equal(t, "scale_4", all[0].Name, "newest first")

		errs, err := s.ListJobs(ctx, JobFilter{Status: []JobStatus{JobError}})
		require.NoError(t, err)
		assert.Len(t, errs, 3)

		byCluster, err := s.ListJobs(ctx, JobFilter{ClusterID: "c-1"})
		require.NoError(t, err)
		assert.Len(t, byCluster, 2)

		expr, err := s.ListJobs(ctx, JobFilter{Expr: `job.status == "error" && job.name.endsWith("_4")`})
		require.NoError(t, err)
		require.Len(t, expr, 1)
		assert.Equal(t, "scale_4", expr[0].Name)

		limited, err := s.ListJobs(ctx, JobFilter{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)

		_, err = s.ListJobs(ctx, JobFilter{Expr: `job.name`})
		assert.Error(t, err, "non-boolean filter")
	})
}

func TestClusterStatus(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.GetCluster(ctx, "c-9")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.SetClusterStatus(ctx, "c-9", ClusterActive, ""))
		require.NoError(t, s.SetClusterStatus(ctx, "c-9", ClusterError, "task attach failed"))
		c, err := s.GetCluster(ctx, "c-9")
		require.NoError(t, err)
		assert.Equal(t, ClusterError, c.Status)
		assert.Equal(t, "task attach failed", c.Info)
	})
}

func TestTasksByJobDuringConcurrentUpdates(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		jobID := id.New()
		require.NoError(t, s.CreateJob(ctx, &Job{ID: jobID, Name: "j", Status: JobDoing}))
		var tasks []*Task
		for i := 0; i < 8; i++ {
			tasks = append(tasks, &Task{ID: id.New(), JobID: jobID, Name: fmt.Sprintf("t%d", i), Status: TaskInit})
		}
		require.NoError(t, s.CreateTasks(ctx, tasks))

		var wg sync.WaitGroup
		for _, task := range tasks {
			wg.Add(1)
			go func(taskID string) {
				defer wg.Done()
				_, _ = TransitionTask(ctx, s, taskID, TaskDoing, TaskInit)
				_, _ = TransitionTask(ctx, s, taskID, TaskDone, TaskDoing)
			}(task.ID)
		}
		for i := 0; i < 20; i++ {
			got, err := s.TasksByJob(ctx, jobID)
			require.NoError(t, err)
			require.Len(t, got, len(tasks))
		}
		wg.Wait()

		got, err := s.TasksByJob(ctx, jobID)
		require.NoError(t, err)
		for _, task := range got {
			assert.Equal(t, TaskDone, task.Status, task.Name)
		}
	})
}
