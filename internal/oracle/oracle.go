// Package oracle defines the reasoning port consulted for diff
// understanding, feasibility prediction, conflict resolution, and backport
// PR descriptions. Implementations are opaque to callers; each method is one
// call per occurrence with no hidden retry, so retry policy stays with the
// orchestrator and executor.
package oracle

import (
	"context"

	"github.com/backportd/backportd/internal/job/models"
)

// AnalyzeDiffRequest carries the change-set the oracle should classify.
type AnalyzeDiffRequest struct {
	Title string
	Body  string
	Diff  string
}

// FeasibilityRequest asks whether an analyzed change-set can be ported to
// the target branch. TargetContext is a short window of recent commits on
// the target so the oracle can judge drift.
type FeasibilityRequest struct {
	Diff          string
	Analysis      *models.DiffAnalysis
	SourceBranch  string
	TargetBranch  string
	TargetContext []models.Commit
}

// ResolveConflictRequest carries one conflicted file. MarkedContent is the
// full file with marker triads intact; Theirs and Ours are the extracted
// incoming and target-side segments. Intent comes from the change-set
// analysis so the resolution honors what the change was trying to do.
type ResolveConflictRequest struct {
	File          string
	MarkedContent string
	Theirs        string
	Ours          string
	Intent        string
}

// DescribeRequest asks for the body text of the backport PR.
type DescribeRequest struct {
	Analysis     *models.DiffAnalysis
	SourcePR     int
	SourceTitle  string
	TargetBranch string
	Commits      []models.Commit
	Result       *models.ExecutionResult
}

// Oracle is the reasoning service contract. All methods respect the
// caller's context and apply the implementation's own per-call timeout.
type Oracle interface {
	AnalyzeDiff(ctx context.Context, req AnalyzeDiffRequest) (*models.DiffAnalysis, error)
	AnalyzeFeasibility(ctx context.Context, req FeasibilityRequest) (*models.BackportFeasibility, error)
	ResolveConflict(ctx context.Context, req ResolveConflictRequest) (*models.ConflictResolution, error)
	DescribeBackport(ctx context.Context, req DescribeRequest) (string, error)
}
