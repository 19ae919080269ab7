package handlers

import (
	"time"

	"github.com/backportd/backportd/internal/job/models"
)

// JobDTO is the wire shape of a backport job.
type JobDTO struct {
	ID           string    `json:"id"`
	RepoOwner    string    `json:"repo_owner"`
	RepoName     string    `json:"repo_name"`
	PRNumber     int       `json:"pr_number"`
	TargetBranch string    `json:"target_branch"`
	Status       string    `json:"status"`
	Requester    string    `json:"requester"`
	CommentID    int64     `json:"comment_id,omitempty"`
	ResultPR     *int      `json:"result_pr,omitempty"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// FromJob converts a job model to its wire shape.
func FromJob(j *models.Job) JobDTO {
	return JobDTO{
		ID:           j.ID,
		RepoOwner:    j.RepoOwner,
		RepoName:     j.RepoName,
		PRNumber:     j.PRNumber,
		TargetBranch: j.TargetBranch,
		Status:       string(j.Status),
		Requester:    j.Requester,
		CommentID:    j.CommentID,
		ResultPR:     j.ResultPR,
		Error:        j.Error,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
	}
}

// ListJobsResponse is the payload of GET /api/v1/jobs.
type ListJobsResponse struct {
	Jobs  []JobDTO `json:"jobs"`
	Total int      `json:"total"`
}

// LogEntryDTO is one line of a job's trail.
type LogEntryDTO struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// JobLogResponse is the payload of GET /api/v1/jobs/:id/log.
type JobLogResponse struct {
	JobID   string        `json:"job_id"`
	Entries []LogEntryDTO `json:"entries"`
}

// CreateJobRequest is the trigger body of POST /api/v1/jobs. Requester is
// the user the trigger is submitted on behalf of; the permission check runs
// against that user, same as for comment triggers.
type CreateJobRequest struct {
	Requester    string `json:"requester"`
	RepoOwner    string `json:"repo_owner"`
	RepoName     string `json:"repo_name"`
	PRNumber     int    `json:"pr_number"`
	TargetBranch string `json:"target_branch"`
}

// HealthResponse is the payload of GET /health.
type HealthResponse struct {
	Status       string `json:"status"`
	Store        string `json:"store"`
	BusConnected bool   `json:"bus_connected"`
	Sandbox      string `json:"sandbox,omitempty"`
	Timestamp    string `json:"timestamp"`
}
