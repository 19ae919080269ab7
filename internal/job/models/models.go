// Package models defines the core data model for backport jobs.
package models

import (
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a backport job.
type JobStatus string

const (
	// StatusPending means the job is accepted but the workflow has not started.
	StatusPending JobStatus = "pending"
	// StatusInProgress means the workflow is running.
	StatusInProgress JobStatus = "in_progress"
	// StatusCompleted means the backport PR was opened and reported.
	StatusCompleted JobStatus = "completed"
	// StatusFailed means the attempt ended with a reported error.
	StatusFailed JobStatus = "failed"
)

// Terminal reports whether no further status transition is allowed.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s JobStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusInProgress:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	default:
		return -1
	}
}

// CanTransitionTo reports whether the status lattice allows moving from s to
// next. Transitions are monotonic: pending → in_progress → {completed,
// failed}; re-asserting the current status is allowed so field merges on a
// settled job are not rejected.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	if s == next {
		return true
	}
	return s.rank() >= 0 && next.rank() > s.rank()
}

// Job is the identity and lifecycle record for one backport request.
// The ordered log trail lives beside the record (Store.Log); it is not
// embedded here so list queries stay cheap.
type Job struct {
	ID           string    `json:"id"`
	RepoOwner    string    `json:"repo_owner"`
	RepoName     string    `json:"repo_name"`
	PRNumber     int       `json:"pr_number"`
	TargetBranch string    `json:"target_branch"`
	Status       JobStatus `json:"status"`
	Requester    string    `json:"requester"`
	CommentID    int64     `json:"comment_id,omitempty"`
	ResultPR     *int      `json:"result_pr,omitempty"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Repo returns the "owner/name" form of the job's repository.
func (j *Job) Repo() string {
	return j.RepoOwner + "/" + j.RepoName
}

// LogEntry is one timestamped line in a job's audit trail.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// String renders the entry the way it is shown to viewers.
func (e LogEntry) String() string {
	return fmt.Sprintf("[%s] %s", e.Timestamp.UTC().Format(time.RFC3339), e.Message)
}

// Commit is an immutable reference to one unit of change to be applied.
// Ordering among commits in a change-set is significant and preserved
// exactly as supplied.
type Commit struct {
	SHA     string `json:"sha"`
	Message string `json:"message"`
}

// ShortSHA returns the abbreviated commit identifier used in branch names
// and log lines.
func (c Commit) ShortSHA() string {
	if len(c.SHA) <= 8 {
		return c.SHA
	}
	return c.SHA[:8]
}

// Change categories produced by diff analysis.
const (
	CategoryBugfix   = "bugfix"
	CategoryFeature  = "feature"
	CategoryRefactor = "refactor"
	CategoryDocs     = "docs"
	CategoryTest     = "test"
	CategoryConfig   = "config"
	CategoryOther    = "other"
)

// Complexity tiers produced by diff analysis.
const (
	ComplexityLow    = "low"
	ComplexityMedium = "medium"
	ComplexityHigh   = "high"
)

// Effort tiers produced by feasibility analysis.
const (
	EffortTrivial   = "trivial"
	EffortEasy      = "easy"
	EffortModerate  = "moderate"
	EffortDifficult = "difficult"
)

// FileChange is one (path, kind, description) tuple in a DiffAnalysis.
type FileChange struct {
	Path        string `json:"path"`
	Kind        string `json:"kind"` // added, modified, deleted, renamed
	Description string `json:"description"`
}

// DiffAnalysis is the oracle's structured classification of a change-set.
// Produced once per backport attempt and immutable afterwards.
type DiffAnalysis struct {
	Summary      string       `json:"summary"`
	Intent       string       `json:"intent"`
	Changes      []FileChange `json:"changes"`
	Category     string       `json:"category"`
	Complexity   string       `json:"complexity"`
	Dependencies []string     `json:"dependencies"`
	Risks        []string     `json:"risks"`
}

// ConflictPrediction is one anticipated conflict in a feasibility report.
type ConflictPrediction struct {
	File     string `json:"file"`
	Reason   string `json:"reason"`
	Severity string `json:"severity"` // low, medium, high
}

// BackportFeasibility is the oracle's prediction of whether a change-set can
// be ported to the target branch. Consumed at a single gating decision.
type BackportFeasibility struct {
	CanBackport        bool                 `json:"can_backport"`
	Confidence         float64              `json:"confidence"`
	PotentialConflicts []ConflictPrediction `json:"potential_conflicts"`
	Recommendations    []string             `json:"recommendations"`
	ManualSteps        []string             `json:"manual_steps"`
	Effort             string               `json:"effort"`
}

// ConflictResolution is the oracle's proposed content for one conflicted
// file. Ephemeral: consumed immediately to decide accept/reject, never
// persisted beyond the job log.
type ConflictResolution struct {
	Content      string   `json:"content"`
	Explanation  string   `json:"explanation"`
	Confidence   float64  `json:"confidence"`
	Alternatives []string `json:"alternatives,omitempty"`
}

// ExecutionResult is the terminal outcome of the sandbox git executor.
type ExecutionResult struct {
	Success           bool     `json:"success"`
	Branch            string   `json:"branch,omitempty"`
	CommitsApplied    int      `json:"commits_applied"`
	ResolvedConflicts int      `json:"resolved_conflicts"`
	Error             string   `json:"error,omitempty"`
	ConflictFiles     []string `json:"conflict_files,omitempty"`
}
