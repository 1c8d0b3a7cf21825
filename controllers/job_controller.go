package controllers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"

	"mf_backend_project/scheduler"
	"mf_backend_project/services/runlog"

	"github.com/gin-gonic/gin"
)

// JobRunner exposes scheduler operations to operators
type JobRunner interface {
	Trigger(name string) (string, error)
	Stats() map[string]scheduler.JobStats
}

// RunHistory reads finished runs
type RunHistory interface {
	Recent(ctx context.Context, jobName string, limit int) ([]runlog.Run, error)
}

// JobController handles admin job requests
type JobController struct {
	jobs JobRunner
	runs RunHistory
}

// NewJobController creates a new job controller. runs may be nil.
func NewJobController(jobs JobRunner, runs RunHistory) *JobController {
	return &JobController{jobs: jobs, runs: runs}
}

// TriggerJob enqueues a manual run ahead of scheduled ones
// POST /api/v1/admin/jobs/:name/trigger
func (jc *JobController) TriggerJob(c *gin.Context) {
	name := c.Param("name")

	taskID, err := jc.jobs.Trigger(name)
	switch {
	case errors.Is(err, scheduler.ErrUnknownJob):
		c.Error(notFound("Unknown job: " + name))
		return
	case errors.Is(err, scheduler.ErrQueueFull):
		c.Error(&APIError{StatusCode: http.StatusConflict, Message: "Job queue is full, try again later"})
		return
	case errors.Is(err, scheduler.ErrStopped):
		c.Error(&APIError{StatusCode: http.StatusServiceUnavailable, Message: "Scheduler is shutting down"})
		return
	case err != nil:
		c.Error(err)
		return
	}

	log.Printf("Manual trigger of %s from %s (task %s)", name, c.ClientIP(), taskID)
	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"job":     name,
		"task_id": taskID,
	})
}

// GetJobStats returns counters of every job
// GET /api/v1/admin/jobs/stats
func (jc *JobController) GetJobStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": jc.jobs.Stats()})
}

// GetJobRuns returns the latest finished runs of a job
// GET /api/v1/admin/jobs/:name/runs?limit=20
func (jc *JobController) GetJobRuns(c *gin.Context) {
	name := c.Param("name")
	if _, ok := jc.jobs.Stats()[name]; !ok {
		c.Error(notFound("Unknown job: " + name))
		return
	}
	if jc.runs == nil {
		c.JSON(http.StatusOK, gin.H{"success": true, "data": []runlog.Run{}})
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 || limit > 200 {
		c.Error(badRequest("limit must be between 1 and 200"))
		return
	}

	runs, err := jc.runs.Recent(c.Request.Context(), name, limit)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": runs})
}
