package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	pebblestore "github.com/rzbill/conductor/internal/storage/pebble"
)

const (
	prefixJob     = "store/job/"
	prefixTask    = "store/task/"
	prefixJobTask = "store/jobtask/"
	prefixCluster = "store/cluster/"
)

func jobKey(id string) []byte     { return []byte(prefixJob + id) }
func taskKey(id string) []byte    { return []byte(prefixTask + id) }
func clusterKey(id string) []byte { return []byte(prefixCluster + id) }

// jobTaskKey: store/jobtask/{jobID}/{taskID}
func jobTaskKey(jobID, taskID string) []byte {
	return []byte(prefixJobTask + jobID + "/" + taskID)
}

func jobTaskPrefix(jobID string) []byte { return []byte(prefixJobTask + jobID + "/") }

// PebbleStore keeps records as JSON in the shared Pebble database. It is
// safe for concurrent use within one process; mu serializes
// read-modify-write cycles.
type PebbleStore struct {
	db  *pebblestore.DB
	mu  sync.Mutex
	now func() time.Time
}

// NewPebbleStore wraps db. Closing the store does not close db.
func NewPebbleStore(db *pebblestore.DB) *PebbleStore {
	return &PebbleStore{db: db, now: time.Now}
}

// Close implements Store.
func (s *PebbleStore) Close() error { return nil }

func (s *PebbleStore) CreateJob(ctx context.Context, job *Job) error {
	if job.ID == "" {
		return fmt.Errorf("create job: empty id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Get(jobKey(job.ID)); err == nil {
		return fmt.Errorf("job %s: %w", job.ID, ErrExists)
	} else if !pebblestore.IsNotFound(err) {
		return err
	}
	now := s.now().UTC()
	job.CreatedAt, job.UpdatedAt = now, now
	return s.putJSON(ctx, jobKey(job.ID), job)
}

func (s *PebbleStore) GetJob(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := s.getJSON(jobKey(id), &j); err != nil {
		return nil, fmt.Errorf("job %s: %w", id, err)
	}
	return &j, nil
}

func (s *PebbleStore) UpdateJob(ctx context.Context, id string, fn func(*Job) error) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var j Job
	if err := s.getJSON(jobKey(id), &j); err != nil {
		return nil, fmt.Errorf("job %s: %w", id, err)
	}
	if err := fn(&j); err != nil {
		return nil, err
	}
	j.ID = id
	j.UpdatedAt = s.now().UTC()
	if err := s.putJSON(ctx, jobKey(id), &j); err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *PebbleStore) ListJobs(ctx context.Context, f JobFilter) ([]*Job, error) {
	match, err := f.matcher()
	if err != nil {
		return nil, err
	}
	limit := f.limit()
	var out []*Job
	var decodeErr error
	// ids are time-ordered, so reverse key order is newest first.
	err = s.db.ScanPrefixReverse([]byte(prefixJob), func(_, v []byte) bool {
		var j Job
		if err := json.Unmarshal(v, &j); err != nil {
			decodeErr = fmt.Errorf("decode job: %w", err)
			return false
		}
		if match(&j) {
			out = append(out, &j)
		}
		return len(out) < limit
	})
	if err != nil {
		return nil, err
	}
	return out, decodeErr
}

func (s *PebbleStore) CreateTasks(ctx context.Context, tasks []*Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()
	now := s.now().UTC()
	for _, t := range tasks {
		if t.ID == "" || t.JobID == "" {
			return fmt.Errorf("create task: id and job id are required")
		}
		if _, err := s.db.Get(taskKey(t.ID)); err == nil {
			return fmt.Errorf("task %s: %w", t.ID, ErrExists)
		} else if !pebblestore.IsNotFound(err) {
			return err
		}
		t.CreatedAt, t.UpdatedAt = now, now
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal task: %w", err)
		}
		if err := b.Set(taskKey(t.ID), data, nil); err != nil {
			return err
		}
		if err := b.Set(jobTaskKey(t.JobID, t.ID), nil, nil); err != nil {
			return err
		}
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return fmt.Errorf("commit tasks: %w", err)
	}
	return nil
}

func (s *PebbleStore) GetTask(ctx context.Context, id string) (*Task, error) {
	var t Task
	if err := s.getJSON(taskKey(id), &t); err != nil {
		return nil, fmt.Errorf("task %s: %w", id, err)
	}
	return &t, nil
}

func (s *PebbleStore) UpdateTask(ctx context.Context, id string, fn func(*Task) error) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var t Task
	if err := s.getJSON(taskKey(id), &t); err != nil {
		return nil, fmt.Errorf("task %s: %w", id, err)
	}
	next := append([]string(nil), t.NextTasks...)
	if err := fn(&t); err != nil {
		return nil, err
	}
	t.ID = id
	t.NextTasks = next
	t.UpdatedAt = s.now().UTC()
	if err := s.putJSON(ctx, taskKey(id), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// TasksByJob reads the job's index and its tasks from one snapshot, so the
// statuses it returns are mutually consistent.
func (s *PebbleStore) TasksByJob(ctx context.Context, jobID string) ([]*Task, error) {
	snap := s.db.NewSnapshot()
	defer snap.Close()

	prefix := jobTaskPrefix(jobID)
	var ids []string
	if err := pebblestore.ScanReader(snap, prefix, func(k, _ []byte) bool {
		ids = append(ids, string(k[len(prefix):]))
		return true
	}); err != nil {
		return nil, err
	}
	out := make([]*Task, 0, len(ids))
	for _, id := range ids {
		raw, err := pebblestore.ReadValue(snap, taskKey(id))
		if err != nil {
			if pebblestore.IsNotFound(err) {
				err = ErrNotFound
			}
			return nil, fmt.Errorf("task %s: %w", id, err)
		}
		var t Task
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, fmt.Errorf("task %s: decode: %w", id, err)
		}
		out = append(out, &t)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *PebbleStore) SetClusterStatus(ctx context.Context, id string, status ClusterStatus, info string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := Cluster{ID: id, Status: status, Info: info, UpdatedAt: s.now().UTC()}
	return s.putJSON(ctx, clusterKey(id), &c)
}

func (s *PebbleStore) GetCluster(ctx context.Context, id string) (*Cluster, error) {
	var c Cluster
	if err := s.getJSON(clusterKey(id), &c); err != nil {
		return nil, fmt.Errorf("cluster %s: %w", id, err)
	}
	return &c, nil
}

func (s *PebbleStore) getJSON(key []byte, v interface{}) error {
	raw, err := s.db.Get(key)
	if err != nil {
		if pebblestore.IsNotFound(err) {
			return ErrNotFound
		}
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

func (s *PebbleStore) putJSON(ctx context.Context, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(key, data, nil); err != nil {
		return err
	}
	return s.db.CommitBatch(ctx, b)
}
