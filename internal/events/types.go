// Package events provides event types and utilities for the backportd event system.
package events

// Event types for jobs
const (
	JobCreated   = "job.created"
	JobUpdated   = "job.updated" // Base subject for per-job status/result updates
	JobLogLine   = "job.log"     // Base subject for per-job log trail lines
	JobCompleted = "job.completed"
	JobFailed    = "job.failed"
)

// Event types for backport triggers
const (
	// TriggerComment carries a PR comment that may contain a backport
	// command. Consumed with a queue subscription so only one instance
	// turns it into a job.
	TriggerComment = "trigger.comment"
)

// BuildJobUpdatedSubject creates a job update subject for a specific job
func BuildJobUpdatedSubject(jobID string) string {
	return JobUpdated + "." + jobID
}

// BuildJobUpdatedWildcardSubject creates a wildcard subscription for all job updates
func BuildJobUpdatedWildcardSubject() string {
	return JobUpdated + ".*"
}

// BuildJobLogSubject creates a log line subject for a specific job
func BuildJobLogSubject(jobID string) string {
	return JobLogLine + "." + jobID
}

// BuildJobLogWildcardSubject creates a wildcard subscription for all job log lines
func BuildJobLogWildcardSubject() string {
	return JobLogLine + ".*"
}
