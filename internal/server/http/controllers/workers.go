package controllers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/rzbill/conductor/internal/worker"
)

// WorkersController reports local worker status.
type WorkersController struct {
	workers []WorkerStatus
}

// NewWorkersController creates a new workers controller.
func NewWorkersController(ws []WorkerStatus) *WorkersController {
	return &WorkersController{workers: ws}
}

// RegisterRoutes registers worker routes.
func (c *WorkersController) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/v1/workers", c.handleList).Methods(http.MethodGet)
}

func (c *WorkersController) handleList(w http.ResponseWriter, _ *http.Request) {
	out := make([]worker.Status, 0, len(c.workers))
	for _, ws := range c.workers {
		out = append(out, ws.Status())
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": out})
}
