package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/backportd/backportd/internal/common/logger"
	"github.com/backportd/backportd/internal/events"
	"github.com/backportd/backportd/internal/events/bus"
	"github.com/backportd/backportd/internal/job/models"
)

// NotifyingStore wraps a Store and publishes bus events for every mutation,
// so live viewers see jobs move without polling. Publish failures are logged
// and never propagated: eventing is advisory.
type NotifyingStore struct {
	inner  Store
	bus    bus.EventBus
	logger *logger.Logger
}

// Ensure NotifyingStore implements Store interface
var _ Store = (*NotifyingStore)(nil)

// NewNotifyingStore wraps a store with event publishing.
func NewNotifyingStore(inner Store, eventBus bus.EventBus, log *logger.Logger) *NotifyingStore {
	return &NotifyingStore{inner: inner, bus: eventBus, logger: log}
}

// Close closes the wrapped store.
func (s *NotifyingStore) Close() error {
	return s.inner.Close()
}

// CreateJob stores a new job and announces it.
func (s *NotifyingStore) CreateJob(ctx context.Context, job *models.Job) error {
	if err := s.inner.CreateJob(ctx, job); err != nil {
		return err
	}
	s.publish(ctx, events.JobCreated, events.JobCreated, jobData(job))
	return nil
}

// GetJob retrieves a job by ID.
func (s *NotifyingStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	return s.inner.GetJob(ctx, id)
}

// ListJobs returns all jobs, most recently created first.
func (s *NotifyingStore) ListJobs(ctx context.Context) ([]*models.Job, error) {
	return s.inner.ListJobs(ctx)
}

// ListJobsByStatus returns all jobs with the given status, oldest first.
func (s *NotifyingStore) ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	return s.inner.ListJobsByStatus(ctx, status)
}

// UpdateJob applies a partial update and announces the new state on the
// job's update subject. Terminal transitions additionally fire on the
// flat completed/failed subjects; the store's monotonic status rule means
// each fires at most once per job.
func (s *NotifyingStore) UpdateJob(ctx context.Context, id string, params UpdateJobParams) (*models.Job, error) {
	job, err := s.inner.UpdateJob(ctx, id, params)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.BuildJobUpdatedSubject(id), events.JobUpdated, jobData(job))
	switch job.Status {
	case models.StatusCompleted:
		s.publish(ctx, events.JobCompleted, events.JobCompleted, jobData(job))
	case models.StatusFailed:
		s.publish(ctx, events.JobFailed, events.JobFailed, jobData(job))
	}
	return job, nil
}

// AppendLog appends a trail entry and announces it on the job's log subject.
func (s *NotifyingStore) AppendLog(ctx context.Context, id string, message string) {
	s.inner.AppendLog(ctx, id, message)
	s.publish(ctx, events.BuildJobLogSubject(id), events.JobLogLine, map[string]interface{}{
		"job_id":    id,
		"message":   message,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Log returns the job's trail in append order.
func (s *NotifyingStore) Log(ctx context.Context, id string) ([]models.LogEntry, error) {
	return s.inner.Log(ctx, id)
}

// MarkStepDone records a completed workflow step for a job.
func (s *NotifyingStore) MarkStepDone(ctx context.Context, jobID, stepID string, result []byte) error {
	return s.inner.MarkStepDone(ctx, jobID, stepID, result)
}

// StepResult returns the recorded result for a step, if any.
func (s *NotifyingStore) StepResult(ctx context.Context, jobID, stepID string) ([]byte, bool, error) {
	return s.inner.StepResult(ctx, jobID, stepID)
}

func (s *NotifyingStore) publish(ctx context.Context, subject, eventType string, data map[string]interface{}) {
	if err := s.bus.Publish(ctx, subject, bus.NewEvent(eventType, "job-store", data)); err != nil {
		s.logger.Warn("Failed to publish job event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

func jobData(job *models.Job) map[string]interface{} {
	data := map[string]interface{}{
		"job_id":        job.ID,
		"repo_owner":    job.RepoOwner,
		"repo_name":     job.RepoName,
		"pr_number":     job.PRNumber,
		"target_branch": job.TargetBranch,
		"status":        string(job.Status),
		"requester":     job.Requester,
		"updated_at":    job.UpdatedAt.Format(time.RFC3339),
	}
	if job.Error != "" {
		data["error"] = job.Error
	}
	if job.ResultPR != nil {
		data["result_pr"] = *job.ResultPR
	}
	return data
}
