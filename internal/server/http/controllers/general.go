package controllers

import (
	"net/http"

	"github.com/gorilla/mux"
)

// GeneralController handles service-level endpoints.
type GeneralController struct {
	health HealthChecker
}

// NewGeneralController creates a new general controller.
func NewGeneralController(h HealthChecker) *GeneralController {
	return &GeneralController{health: h}
}

// RegisterRoutes registers general routes.
func (c *GeneralController) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/v1/healthz", c.handleHealth).Methods(http.MethodGet)
}

// handleHealth returns 200 {"status":"ok"} when storage answers, 503 otherwise.
func (c *GeneralController) handleHealth(w http.ResponseWriter, r *http.Request) {
	if c.health != nil {
		if err := c.health.CheckHealth(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "not_serving")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
