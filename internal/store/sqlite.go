package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps records in a sqlite file. Unlike PebbleStore it can be
// shared by several processes on one host: updates run inside
// BEGIN IMMEDIATE transactions, so the guard callback sees a stable row.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			status     TEXT NOT NULL,
			cluster_id TEXT NOT NULL DEFAULT '',
			data       TEXT NOT NULL,
			created_ms INTEGER NOT NULL,
			updated_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS jobs_status ON jobs(status)`,
		`CREATE INDEX IF NOT EXISTS jobs_cluster ON jobs(cluster_id)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id         TEXT PRIMARY KEY,
			job_id     TEXT NOT NULL REFERENCES jobs(id),
			status     TEXT NOT NULL,
			data       TEXT NOT NULL,
			created_ms INTEGER NOT NULL,
			updated_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS tasks_job ON tasks(job_id)`,
		`CREATE TABLE IF NOT EXISTS clusters (
			id         TEXT PRIMARY KEY,
			status     TEXT NOT NULL,
			info       TEXT NOT NULL DEFAULT '',
			updated_ms INTEGER NOT NULL
		)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) CreateJob(ctx context.Context, job *Job) error {
	if job.ID == "" {
		return fmt.Errorf("create job: empty id")
	}
	now := s.now().UTC()
	job.CreatedAt, job.UpdatedAt = now, now
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, name, status, cluster_id, data, created_ms, updated_ms) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Name, string(job.Status), job.ClusterID, string(data), now.UnixMilli(), now.UnixMilli())
	if isConstraint(err) {
		return fmt.Errorf("job %s: %w", job.ID, ErrExists)
	}
	return err
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Job, error) {
	return scanJob(s.db.QueryRowContext(ctx, `SELECT data FROM jobs WHERE id = ?`, id), id)
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, id string, fn func(*Job) error) (*Job, error) {
	var out *Job
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		j, err := scanJob(tx.QueryRowContext(ctx, `SELECT data FROM jobs WHERE id = ?`, id), id)
		if err != nil {
			return err
		}
		if err := fn(j); err != nil {
			return err
		}
		j.ID = id
		j.UpdatedAt = s.now().UTC()
		data, err := json.Marshal(j)
		if err != nil {
			return fmt.Errorf("encode job: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET name = ?, status = ?, cluster_id = ?, data = ?, updated_ms = ? WHERE id = ?`,
			j.Name, string(j.Status), j.ClusterID, string(data), j.UpdatedAt.UnixMilli(), id); err != nil {
			return err
		}
		out = j
		return nil
	})
	return out, err
}

func (s *SQLiteStore) ListJobs(ctx context.Context, f JobFilter) ([]*Job, error) {
	match, err := f.matcher()
	if err != nil {
		return nil, err
	}
	var where []string
	var params []interface{}
	if len(f.Status) > 0 {
		marks := make([]string, len(f.Status))
		for i, st := range f.Status {
			marks[i] = "?"
			params = append(params, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ",")+")")
	}
	if f.ClusterID != "" {
		where = append(where, "cluster_id = ?")
		params = append(params, f.ClusterID)
	}
	q := `SELECT data FROM jobs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_ms DESC, id DESC"

	rows, err := s.db.QueryContext(ctx, q, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	limit := f.limit()
	var out []*Job
	for rows.Next() && len(out) < limit {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var j Job
		if err := json.Unmarshal([]byte(data), &j); err != nil {
			return nil, fmt.Errorf("decode job: %w", err)
		}
		if match(&j) {
			out = append(out, &j)
		}
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateTasks(ctx context.Context, tasks []*Task) error {
	now := s.now().UTC()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO tasks (id, job_id, status, data, created_ms, updated_ms) VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, t := range tasks {
			if t.ID == "" || t.JobID == "" {
				return fmt.Errorf("create task: id and job id are required")
			}
			t.CreatedAt, t.UpdatedAt = now, now
			data, err := json.Marshal(t)
			if err != nil {
				return fmt.Errorf("encode task: %w", err)
			}
			if _, err := stmt.ExecContext(ctx, t.ID, t.JobID, string(t.Status), string(data), now.UnixMilli(), now.UnixMilli()); err != nil {
				if isConstraint(err) {
					return fmt.Errorf("task %s: %w", t.ID, ErrExists)
				}
				return err
			}
		}
		return nil
	})
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	return scanTask(s.db.QueryRowContext(ctx, `SELECT data FROM tasks WHERE id = ?`, id), id)
}

func (s *SQLiteStore) UpdateTask(ctx context.Context, id string, fn func(*Task) error) (*Task, error) {
	var out *Task
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		t, err := scanTask(tx.QueryRowContext(ctx, `SELECT data FROM tasks WHERE id = ?`, id), id)
		if err != nil {
			return err
		}
		next := append([]string(nil), t.NextTasks...)
		if err := fn(t); err != nil {
			return err
		}
		t.ID = id
		t.NextTasks = next
		t.UpdatedAt = s.now().UTC()
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("encode task: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, data = ?, updated_ms = ? WHERE id = ?`,
			string(t.Status), string(data), t.UpdatedAt.UnixMilli(), id); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

func (s *SQLiteStore) TasksByJob(ctx context.Context, jobID string) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM tasks WHERE job_id = ? ORDER BY created_ms, id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var t Task
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			return nil, fmt.Errorf("decode task: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetClusterStatus(ctx context.Context, id string, status ClusterStatus, info string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO clusters (id, status, info, updated_ms) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, info = excluded.info, updated_ms = excluded.updated_ms`,
		id, string(status), info, s.now().UnixMilli())
	return err
}

func (s *SQLiteStore) GetCluster(ctx context.Context, id string) (*Cluster, error) {
	var c Cluster
	var status string
	var updated int64
	err := s.db.QueryRowContext(ctx, `SELECT id, status, info, updated_ms FROM clusters WHERE id = ?`, id).
		Scan(&c.ID, &status, &c.Info, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cluster %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	c.Status = ClusterStatus(status)
	c.UpdatedAt = time.UnixMilli(updated).UTC()
	return &c, nil
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func scanJob(row *sql.Row, id string) (*Job, error) {
	var data string
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	var j Job
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &j, nil
}

func scanTask(row *sql.Row, id string) (*Task, error) {
	var data string
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	var t Task
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &t, nil
}

func isConstraint(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}
