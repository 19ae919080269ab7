// Package store persists backport jobs, their log trails, and workflow step
// checkpoints. Two implementations are provided: an in-memory store for tests
// and single-process setups, and a SQL store backed by SQLite or Postgres.
package store

import (
	"context"
	"errors"

	"github.com/backportd/backportd/internal/job/models"
)

// Sentinel errors returned by Store implementations.
var (
	// ErrJobNotFound is returned when the requested job does not exist.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobTerminal is returned when an update would move a completed or
	// failed job to a different status.
	ErrJobTerminal = errors.New("job is in a terminal state")
	// ErrInvalidTransition is returned when an update would move a job
	// backwards in its lifecycle.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// UpdateJobParams is a partial update applied to an existing job. Nil fields
// are left untouched.
type UpdateJobParams struct {
	Status   *models.JobStatus
	Error    *string
	ResultPR *int
}

// Store defines the interface for job storage operations.
type Store interface {
	// CreateJob stores a new job. An empty ID is filled in with a fresh UUID
	// and timestamps are set to now.
	CreateJob(ctx context.Context, job *models.Job) error
	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, id string) (*models.Job, error)
	// ListJobs returns all jobs, most recently created first.
	ListJobs(ctx context.Context) ([]*models.Job, error)
	// ListJobsByStatus returns all jobs with the given status, oldest
	// first, so interrupted work is resumed in submission order.
	ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error)
	// UpdateJob applies a partial update and returns the updated job.
	// Status changes must move forward along the job lifecycle: a terminal
	// job rejects any status change with ErrJobTerminal, and a backwards
	// move is rejected with ErrInvalidTransition.
	UpdateJob(ctx context.Context, id string, params UpdateJobParams) (*models.Job, error)

	// AppendLog appends a timestamped entry to the job's trail. It never
	// fails: an unknown job is a no-op and write errors are swallowed so
	// that logging can never abort a workflow.
	AppendLog(ctx context.Context, id string, message string)
	// Log returns the job's trail in append order.
	Log(ctx context.Context, id string) ([]models.LogEntry, error)

	// MarkStepDone records that a workflow step completed for a job,
	// together with its serialized result. Re-recording the same step
	// overwrites the previous result.
	MarkStepDone(ctx context.Context, jobID, stepID string, result []byte) error
	// StepResult returns the recorded result for a step and whether the
	// step has completed.
	StepResult(ctx context.Context, jobID, stepID string) ([]byte, bool, error)

	// Close closes the store (for database connections).
	Close() error
}
