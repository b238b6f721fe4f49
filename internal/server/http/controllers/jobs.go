package controllers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/rzbill/conductor/internal/engine"
	"github.com/rzbill/conductor/internal/lease"
	"github.com/rzbill/conductor/internal/store"
	"github.com/rzbill/conductor/pkg/log"
)

// watchInterval is how often a job watch polls the store.
const watchInterval = 500 * time.Millisecond

// JobsController handles job submission and inspection.
type JobsController struct {
	submitter JobSubmitter
	jobs      store.JobStore
	tasks     store.TaskStore
	logger    log.Logger
	interval  time.Duration
}

// NewJobsController creates a new jobs controller.
func NewJobsController(sub JobSubmitter, jobs store.JobStore, tasks store.TaskStore, logger log.Logger) *JobsController {
	return &JobsController{
		submitter: sub,
		jobs:      jobs,
		tasks:     tasks,
		logger:    logger.WithComponent("http.jobs"),
		interval:  watchInterval,
	}
}

// RegisterRoutes registers job routes.
func (c *JobsController) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/v1/jobs", c.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/v1/jobs", c.handleList).Methods(http.MethodGet)
	r.HandleFunc("/v1/jobs/{jobId}", c.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/v1/jobs/{jobId}/tasks", c.handleTasks).Methods(http.MethodGet)
	r.HandleFunc("/v1/jobs/{jobId}/watch", c.handleWatchSSE).Methods(http.MethodGet)
}

// handleSubmit decodes a graph document and starts the job.
//
// 201 with the job on success, 400 for invalid graphs, 409 while the cluster
// or request is locked by another job.
func (c *JobsController) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var doc engine.GraphDocument
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	sub, err := doc.Submission()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := c.submitter.Submit(r.Context(), sub)
	switch {
	case err == nil:
	case errors.Is(err, lease.ErrLocked):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, engine.ErrInvalidGraph), errors.Is(err, engine.ErrCycle),
		errors.Is(err, engine.ErrEmptyGraph), errors.Is(err, engine.ErrInvalidSubmission):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	default:
		c.logger.Error("submit job", log.Str("job", doc.Name), log.Err(err))
		writeError(w, http.StatusInternalServerError, "Failed to submit job")
		return
	}
	w.Header().Set("Location", "/v1/jobs/"+job.ID)
	writeJSON(w, http.StatusCreated, publicJob(job))
}

// handleList lists jobs newest first.
//
// Query: status (comma separated), cluster_id, filter (CEL), limit.
func (c *JobsController) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.JobFilter{
		Status:    parseStatuses(q.Get("status")),
		ClusterID: q.Get("cluster_id"),
		Expr:      q.Get("filter"),
		Limit:     parseLimit(q.Get("limit")),
	}
	if _, err := store.CompileJobFilter(f.Expr); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobs, err := c.jobs.ListJobs(r.Context(), f)
	if err != nil {
		c.logger.Error("list jobs", log.Err(err))
		writeError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}
	out := make([]*store.Job, len(jobs))
	for i, j := range jobs {
		out[i] = publicJob(j)
	}
	writeJSON(w, http.StatusOK, jobListResp{Jobs: out, Count: len(out)})
}

func (c *JobsController) handleGet(w http.ResponseWriter, r *http.Request) {
	job, ok := c.loadJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, publicJob(job))
}

func (c *JobsController) handleTasks(w http.ResponseWriter, r *http.Request) {
	job, ok := c.loadJob(w, r)
	if !ok {
		return
	}
	tasks, err := c.tasks.TasksByJob(r.Context(), job.ID)
	if err != nil {
		c.logger.Error("list tasks", log.Str("job_id", job.ID), log.Err(err))
		writeError(w, http.StatusInternalServerError, "Failed to list tasks")
		return
	}
	if tasks == nil {
		tasks = []*store.Task{}
	}
	writeJSON(w, http.StatusOK, taskListResp{JobID: job.ID, Tasks: tasks})
}

// handleWatchSSE streams the job as an SSE "job" event every time it
// changes and closes the stream once the job is terminal.
func (c *JobsController) handleWatchSSE(w http.ResponseWriter, r *http.Request) {
	job, ok := c.loadJob(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	sink := sseSink{w: w, r: r}

	var last time.Time
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		if !job.UpdatedAt.Equal(last) {
			last = job.UpdatedAt
			if err := sink.Send("job", publicJob(job)); err != nil {
				return
			}
			_ = sink.Flush()
		}
		if job.Status.Terminal() {
			return
		}
		select {
		case <-sink.Context().Done():
			return
		case <-ticker.C:
		}
		next, err := c.jobs.GetJob(r.Context(), job.ID)
		if err != nil {
			_ = sink.Send("error", map[string]string{"error": err.Error()})
			return
		}
		job = next
	}
}

// loadJob fetches the job named by the route, writing 404/500 itself.
func (c *JobsController) loadJob(w http.ResponseWriter, r *http.Request) (*store.Job, bool) {
	id := mux.Vars(r)["jobId"]
	job, err := c.jobs.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found: "+id)
		return nil, false
	}
	if err != nil {
		c.logger.Error("get job", log.Str("job_id", id), log.Err(err))
		writeError(w, http.StatusInternalServerError, "Failed to get job")
		return nil, false
	}
	return job, true
}
