// Package handlers exposes backport jobs over HTTP: the trigger endpoint,
// the read surface for job status and logs, a WebSocket stream of live job
// events, and the process health check.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/backportd/backportd/internal/common/logger"
	"github.com/backportd/backportd/internal/events/bus"
	"github.com/backportd/backportd/internal/job/models"
	"github.com/backportd/backportd/internal/job/store"
	"github.com/backportd/backportd/internal/orchestrator"
)

// JobSubmitter accepts validated backport triggers.
type JobSubmitter interface {
	Submit(ctx context.Context, req orchestrator.TriggerRequest) (*models.Job, error)
}

// SandboxPinger reports whether the sandbox backend is reachable.
type SandboxPinger interface {
	Ping(ctx context.Context) error
}

// HealthDeps are the collaborators the health check inspects. Sandbox may
// be nil when no provisioner is configured.
type HealthDeps struct {
	StoreDriver string
	Bus         bus.EventBus
	Sandbox     SandboxPinger
}

// JobHandlers serves the job HTTP surface.
type JobHandlers struct {
	submitter JobSubmitter
	store     store.Store
	health    HealthDeps
	logger    *logger.Logger
}

// NewJobHandlers creates the job HTTP handlers.
func NewJobHandlers(submitter JobSubmitter, st store.Store, health HealthDeps, log *logger.Logger) *JobHandlers {
	return &JobHandlers{
		submitter: submitter,
		store:     st,
		health:    health,
		logger:    log.WithFields(zap.String("component", "job-handlers")),
	}
}

// RegisterRoutes attaches the job endpoints to the router.
func (h *JobHandlers) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.handleHealth)

	api := router.Group("/api/v1")
	api.GET("/jobs", h.httpListJobs)
	api.GET("/jobs/:id", h.httpGetJob)
	api.GET("/jobs/:id/log", h.httpGetJobLog)
	api.POST("/jobs", h.httpCreateJob)
}

func (h *JobHandlers) httpListJobs(c *gin.Context) {
	jobs, err := h.store.ListJobs(c.Request.Context())
	if err != nil {
		handleStoreError(c, h.logger, err, "failed to list jobs")
		return
	}
	dtos := make([]JobDTO, 0, len(jobs))
	for _, job := range jobs {
		dtos = append(dtos, FromJob(job))
	}
	c.JSON(http.StatusOK, ListJobsResponse{Jobs: dtos, Total: len(dtos)})
}

func (h *JobHandlers) httpGetJob(c *gin.Context) {
	job, err := h.store.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleStoreError(c, h.logger, err, "job not found")
		return
	}
	c.JSON(http.StatusOK, FromJob(job))
}

func (h *JobHandlers) httpGetJobLog(c *gin.Context) {
	id := c.Param("id")
	// Resolve the job first so unknown IDs read as 404 rather than an
	// empty trail.
	if _, err := h.store.GetJob(c.Request.Context(), id); err != nil {
		handleStoreError(c, h.logger, err, "job not found")
		return
	}
	entries, err := h.store.Log(c.Request.Context(), id)
	if err != nil {
		handleStoreError(c, h.logger, err, "failed to read job log")
		return
	}
	dtos := make([]LogEntryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, LogEntryDTO{Timestamp: e.Timestamp, Message: e.Message})
	}
	c.JSON(http.StatusOK, JobLogResponse{JobID: id, Entries: dtos})
}

func (h *JobHandlers) httpCreateJob(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	job, err := h.submitter.Submit(c.Request.Context(), orchestrator.TriggerRequest{
		Requester:    req.Requester,
		RepoOwner:    req.RepoOwner,
		RepoName:     req.RepoName,
		PRNumber:     req.PRNumber,
		TargetBranch: req.TargetBranch,
	})
	if err != nil {
		handleSubmitError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusAccepted, FromJob(job))
}

func (h *JobHandlers) handleHealth(c *gin.Context) {
	resp := HealthResponse{
		Status:       "ok",
		Store:        h.health.StoreDriver,
		BusConnected: h.health.Bus != nil && h.health.Bus.IsConnected(),
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	}
	if h.health.Sandbox != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.health.Sandbox.Ping(ctx); err != nil {
			resp.Sandbox = err.Error()
			resp.Status = "degraded"
		} else {
			resp.Sandbox = "ok"
		}
	}
	c.JSON(http.StatusOK, resp)
}
