package controllers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
)

// Check probes one dependency
type Check func(ctx context.Context) error

// HealthController reports liveness and readiness
type HealthController struct {
	checks  map[string]Check
	details func() map[string]interface{}
}

// NewHealthController creates a health controller. details may be nil.
func NewHealthController(checks map[string]Check, details func() map[string]interface{}) *HealthController {
	return &HealthController{checks: checks, details: details}
}

// Health reports that the process is up
// GET /health
func (hc *HealthController) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"message": "Market data backend is running",
	})
}

// Ready probes every dependency and answers 503 when one is down
// GET /ready
func (hc *HealthController) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	names := make([]string, 0, len(hc.checks))
	for name := range hc.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	ready := true
	results := make(map[string]string, len(names))
	for _, name := range names {
		if err := hc.checks[name](ctx); err != nil {
			ready = false
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}

	resp := gin.H{"ready": ready, "checks": results}
	if hc.details != nil {
		resp["details"] = hc.details()
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}
