package controllers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/rzbill/conductor/internal/queue"
)

// QueueController exposes task stream statistics.
type QueueController struct {
	q QueueInspector
}

// NewQueueController creates a new queue controller.
func NewQueueController(q QueueInspector) *QueueController {
	return &QueueController{q: q}
}

// RegisterRoutes registers queue routes.
func (c *QueueController) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/v1/queue", c.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/v1/queue/groups/{group}/pending", c.handlePending).Methods(http.MethodGet)
}

// handleStats reports the stream head and per-group backlog.
func (c *QueueController) handleStats(w http.ResponseWriter, r *http.Request) {
	if c.q == nil {
		writeError(w, http.StatusServiceUnavailable, "queue not configured")
		return
	}
	groups, err := c.q.Groups()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list groups")
		return
	}
	out := queueStatsJSON{Stream: c.q.Name(), LastID: c.q.LastID(), Groups: []groupStatsJSON{}}
	for _, g := range groups {
		pending, err := c.q.Pending(r.Context(), g)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to list pending entries")
			return
		}
		consumers, err := c.q.Consumers(r.Context(), g)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to list consumers")
			return
		}
		out.Groups = append(out.Groups, groupStatsJSON{Group: g, Pending: len(pending), Consumers: consumers})
	}
	writeJSON(w, http.StatusOK, out)
}

// handlePending lists a group's pending entries, capped by ?limit.
func (c *QueueController) handlePending(w http.ResponseWriter, r *http.Request) {
	if c.q == nil {
		writeError(w, http.StatusServiceUnavailable, "queue not configured")
		return
	}
	group := mux.Vars(r)["group"]
	pending, err := c.q.Pending(r.Context(), group)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if pending == nil {
		pending = []queue.PendingEntry{}
	}
	if limit := parseLimit(r.URL.Query().Get("limit")); limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{"group": group, "pending": pending})
}
