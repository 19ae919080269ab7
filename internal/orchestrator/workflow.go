package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/backportd/backportd/internal/backport"
	"github.com/backportd/backportd/internal/github"
	"github.com/backportd/backportd/internal/job/models"
	"github.com/backportd/backportd/internal/job/store"
	"github.com/backportd/backportd/internal/oracle"
	"github.com/backportd/backportd/internal/workflow"
)

const (
	// confidenceGate fails a job without executing when the oracle says the
	// backport is infeasible with confidence strictly above this value. At
	// or below it, the attempt proceeds and lets git decide.
	confidenceGate = 0.8

	// branchContextWindow is how many recent target-branch commits are
	// handed to the oracle as drift context.
	branchContextWindow = 10
)

// workflowState carries the data each step produces for the ones after it.
// On resume, Restore hooks rebuild it from the step checkpoints.
type workflowState struct {
	job           *models.Job
	pr            *github.PR
	commits       []models.Commit
	diff          string
	branchContext []models.Commit
	analysis      *models.DiffAnalysis
	feasibility   *models.BackportFeasibility
	execution     *models.ExecutionResult
	resultPR      *github.PR
}

// runWorkflow executes one full pass of a job's workflow. Any step failure
// lands in failJob, which posts the failure report and settles the job.
func (s *Service) runWorkflow(ctx context.Context, jobID string) {
	log := s.logger.WithJobID(jobID)

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		log.Error("Failed to load job for workflow", zap.Error(err))
		return
	}
	if job.Status.Terminal() {
		log.Debug("Job already settled, skipping workflow",
			zap.String("status", string(job.Status)))
		return
	}

	state := &workflowState{job: job}
	defer func() {
		if r := recover(); r != nil {
			log.Error("Workflow panicked", zap.Any("panic", r))
			s.failJob(ctx, state, fmt.Sprintf("internal error: %v", r))
		}
	}()

	inProgress := models.StatusInProgress
	if _, err := s.store.UpdateJob(ctx, jobID, store.UpdateJobParams{Status: &inProgress}); err != nil {
		log.Error("Failed to mark job in progress", zap.Error(err))
		return
	}

	res, err := s.engine.Run(ctx, jobID, s.buildSteps(state))
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown, not failure. The job stays in_progress and the
			// next process resumes it from its last checkpoint.
			log.Info("Workflow interrupted by shutdown", zap.Error(err))
			return
		}
		log.Warn("Workflow failed", zap.Error(err))
		cause := err
		if u := errors.Unwrap(err); u != nil {
			cause = u
		}
		s.failJob(ctx, state, cause.Error())
		return
	}

	log.Info("Workflow completed",
		zap.Int("steps_run", len(res.Completed)),
		zap.Int("steps_skipped", len(res.Skipped)))
}

type fetchDetailsResult struct {
	PR      *github.PR      `json:"pr"`
	Commits []models.Commit `json:"commits"`
	Diff    string          `json:"diff"`
}

type validateBranchResult struct {
	Branch  *github.Branch  `json:"branch"`
	Context []models.Commit `json:"context"`
}

type analyzeResult struct {
	Analysis    *models.DiffAnalysis        `json:"analysis"`
	Feasibility *models.BackportFeasibility `json:"feasibility"`
}

type reportResult struct {
	PRNumber int    `json:"pr_number"`
	URL      string `json:"url"`
}

// buildSteps assembles the job workflow. Steps mutate state as they run;
// their Restore hooks rebuild the same state on resume.
func (s *Service) buildSteps(state *workflowState) []workflow.Step {
	job := state.job

	return []workflow.Step{
		{
			ID: "acknowledge",
			Run: func(ctx context.Context) (any, error) {
				if job.CommentID == 0 {
					return struct{}{}, nil
				}
				if err := s.host.CreateReaction(ctx, job.RepoOwner, job.RepoName, job.CommentID, github.ReactionEyes); err != nil {
					// The reaction is a courtesy; the job does not depend on it.
					s.logger.WithJobID(job.ID).Warn("Failed to react to trigger comment", zap.Error(err))
				}
				return struct{}{}, nil
			},
		},
		{
			ID: "fetch_details",
			Run: func(ctx context.Context) (any, error) {
				pr, err := s.host.GetPR(ctx, job.RepoOwner, job.RepoName, job.PRNumber)
				if err != nil {
					return nil, fmt.Errorf("failed to fetch PR #%d: %w", job.PRNumber, err)
				}
				ghCommits, err := s.host.ListPRCommits(ctx, job.RepoOwner, job.RepoName, job.PRNumber)
				if err != nil {
					return nil, fmt.Errorf("failed to list commits of PR #%d: %w", job.PRNumber, err)
				}
				if len(ghCommits) == 0 {
					return nil, fmt.Errorf("pull request #%d has no commits", job.PRNumber)
				}
				diff, err := s.host.GetPRDiff(ctx, job.RepoOwner, job.RepoName, job.PRNumber)
				if err != nil {
					return nil, fmt.Errorf("failed to fetch diff of PR #%d: %w", job.PRNumber, err)
				}

				state.pr = pr
				state.commits = toModelCommits(ghCommits)
				state.diff = diff

				if !pr.Merged() {
					s.store.AppendLog(ctx, job.ID, fmt.Sprintf("Source PR #%d is not merged yet (state %s)", pr.Number, pr.State))
				}
				s.store.AppendLog(ctx, job.ID, fmt.Sprintf("Fetched PR #%d: %q, %d commit(s)",
					pr.Number, pr.Title, len(state.commits)))
				return fetchDetailsResult{PR: pr, Commits: state.commits, Diff: diff}, nil
			},
			Restore: func(data []byte) error {
				var r fetchDetailsResult
				if err := json.Unmarshal(data, &r); err != nil {
					return err
				}
				state.pr = r.PR
				state.commits = r.Commits
				state.diff = r.Diff
				return nil
			},
		},
		{
			ID: "validate_branch",
			Run: func(ctx context.Context) (any, error) {
				branch, err := s.host.GetBranch(ctx, job.RepoOwner, job.RepoName, job.TargetBranch)
				if errors.Is(err, github.ErrBranchNotFound) {
					return nil, fmt.Errorf("target branch %s does not exist", job.TargetBranch)
				}
				if err != nil {
					return nil, fmt.Errorf("failed to fetch target branch %s: %w", job.TargetBranch, err)
				}
				recent, err := s.host.ListRecentCommits(ctx, job.RepoOwner, job.RepoName, job.TargetBranch, branchContextWindow)
				if err != nil {
					return nil, fmt.Errorf("failed to list recent commits of %s: %w", job.TargetBranch, err)
				}

				state.branchContext = toModelCommits(recent)
				s.store.AppendLog(ctx, job.ID, fmt.Sprintf("Validated target branch %s (head %.8s)",
					branch.Name, branch.SHA))
				return validateBranchResult{Branch: branch, Context: state.branchContext}, nil
			},
			Restore: func(data []byte) error {
				var r validateBranchResult
				if err := json.Unmarshal(data, &r); err != nil {
					return err
				}
				state.branchContext = r.Context
				return nil
			},
		},
		{
			ID: "analyze",
			Run: func(ctx context.Context) (any, error) {
				analysis, err := s.oracle.AnalyzeDiff(ctx, oracle.AnalyzeDiffRequest{
					Title: state.pr.Title,
					Body:  state.pr.Body,
					Diff:  state.diff,
				})
				if err != nil {
					return nil, fmt.Errorf("failed to analyze diff: %w", err)
				}
				state.analysis = analysis
				s.store.AppendLog(ctx, job.ID, fmt.Sprintf("Analyzed change-set: category %s, complexity %s",
					analysis.Category, analysis.Complexity))

				feasibility, err := s.oracle.AnalyzeFeasibility(ctx, oracle.FeasibilityRequest{
					Diff:          state.diff,
					Analysis:      analysis,
					SourceBranch:  state.pr.BaseBranch,
					TargetBranch:  job.TargetBranch,
					TargetContext: state.branchContext,
				})
				if err != nil {
					return nil, fmt.Errorf("failed to analyze feasibility: %w", err)
				}
				state.feasibility = feasibility
				s.store.AppendLog(ctx, job.ID, fmt.Sprintf("Feasibility: can_backport=%t confidence=%.2f effort=%s",
					feasibility.CanBackport, feasibility.Confidence, feasibility.Effort))

				if !feasibility.CanBackport && feasibility.Confidence > confidenceGate {
					return nil, errors.New(infeasibleMessage(feasibility))
				}
				return analyzeResult{Analysis: analysis, Feasibility: feasibility}, nil
			},
			Restore: func(data []byte) error {
				var r analyzeResult
				if err := json.Unmarshal(data, &r); err != nil {
					return err
				}
				state.analysis = r.Analysis
				state.feasibility = r.Feasibility
				return nil
			},
		},
		{
			ID: "execute",
			Run: func(ctx context.Context) (any, error) {
				result := s.executor.Execute(ctx, backport.ExecuteRequest{
					JobID:        job.ID,
					RepoOwner:    job.RepoOwner,
					RepoName:     job.RepoName,
					PRNumber:     job.PRNumber,
					TargetBranch: job.TargetBranch,
					Commits:      state.commits,
					Analysis:     state.analysis,
				})
				state.execution = result
				if !result.Success {
					return nil, errors.New(result.Error)
				}
				return result, nil
			},
			Restore: func(data []byte) error {
				var r models.ExecutionResult
				if err := json.Unmarshal(data, &r); err != nil {
					return err
				}
				state.execution = &r
				return nil
			},
		},
		{
			ID: "report",
			Run: func(ctx context.Context) (any, error) {
				return s.report(ctx, state)
			},
		},
	}
}

// report opens the backport PR, comments on the source PR, and settles the
// job as completed.
func (s *Service) report(ctx context.Context, state *workflowState) (any, error) {
	job := state.job
	log := s.logger.WithJobID(job.ID)

	body, err := s.oracle.DescribeBackport(ctx, oracle.DescribeRequest{
		Analysis:     state.analysis,
		SourcePR:     job.PRNumber,
		SourceTitle:  state.pr.Title,
		TargetBranch: job.TargetBranch,
		Commits:      state.commits,
		Result:       state.execution,
	})
	if err != nil || strings.TrimSpace(body) == "" {
		if err != nil {
			log.Warn("Falling back to generated PR body", zap.Error(err))
		}
		body = backport.FallbackPRBody(job.PRNumber, job.TargetBranch, state.commits, state.execution)
	}

	pr, err := s.host.CreatePR(ctx, job.RepoOwner, job.RepoName, github.CreatePRParams{
		Title: backport.PRTitle(state.pr.Title, job.TargetBranch),
		Body:  body,
		Head:  state.execution.Branch,
		Base:  job.TargetBranch,
	})
	if err != nil && github.StatusCode(err) == 422 {
		// A PR for this branch already exists, most likely from an attempt
		// interrupted between creating it and checkpointing this step.
		existing, ferr := s.host.FindPRByBranch(ctx, job.RepoOwner, job.RepoName, state.execution.Branch)
		if ferr == nil && existing != nil {
			s.store.AppendLog(ctx, job.ID, fmt.Sprintf("Reusing existing backport PR #%d", existing.Number))
			pr, err = existing, nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create backport PR: %w", err)
	}
	state.resultPR = pr

	if _, cerr := s.host.CreateComment(ctx, job.RepoOwner, job.RepoName, job.PRNumber,
		backport.SuccessComment(pr.HTMLURL, job.TargetBranch, state.execution)); cerr != nil {
		log.Warn("Failed to post success comment", zap.Error(cerr))
	}
	if job.CommentID != 0 {
		if err := s.host.CreateReaction(ctx, job.RepoOwner, job.RepoName, job.CommentID, github.ReactionThumbsUp); err != nil {
			log.Debug("Failed to add completion reaction", zap.Error(err))
		}
	}

	completed := models.StatusCompleted
	if _, err := s.store.UpdateJob(ctx, job.ID, store.UpdateJobParams{
		Status:   &completed,
		ResultPR: &pr.Number,
	}); err != nil {
		return nil, fmt.Errorf("failed to settle job: %w", err)
	}

	s.store.AppendLog(ctx, job.ID, fmt.Sprintf("Backport completed: PR #%d (%s)", pr.Number, pr.HTMLURL))
	log.Info("Backport completed",
		zap.Int("result_pr", pr.Number),
		zap.String("url", pr.HTMLURL))
	return reportResult{PRNumber: pr.Number, URL: pr.HTMLURL}, nil
}

// failJob settles a job as failed and posts the failure report with manual
// recovery instructions on the source PR.
func (s *Service) failJob(ctx context.Context, state *workflowState, msg string) {
	job := state.job
	log := s.logger.WithJobID(job.ID)

	s.store.AppendLog(ctx, job.ID, "Backport failed: "+msg)

	branchName := ""
	if state.execution != nil {
		branchName = state.execution.Branch
	}
	if branchName == "" {
		branchName = backport.BranchName(s.cfg.Backport.BranchPrefix, job.PRNumber, job.TargetBranch)
	}
	if _, err := s.host.CreateComment(ctx, job.RepoOwner, job.RepoName, job.PRNumber,
		backport.FailureComment(job.TargetBranch, branchName, msg, state.commits)); err != nil {
		log.Warn("Failed to post failure comment", zap.Error(err))
	}

	failed := models.StatusFailed
	if _, err := s.store.UpdateJob(ctx, job.ID, store.UpdateJobParams{
		Status: &failed,
		Error:  &msg,
	}); err != nil {
		log.Error("Failed to mark job failed", zap.Error(err))
		return
	}
	log.Warn("Job failed", zap.String("reason", msg))
}

// infeasibleMessage renders the analyze gate's refusal with the oracle's
// predicted conflicts and recommendations.
func infeasibleMessage(f *models.BackportFeasibility) string {
	var b strings.Builder
	fmt.Fprintf(&b, "backport judged infeasible (confidence %.2f)", f.Confidence)
	if len(f.PotentialConflicts) > 0 {
		b.WriteString("; expected conflicts: ")
		for i, c := range f.PotentialConflicts {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s (%s)", c.File, c.Reason)
		}
	}
	if len(f.Recommendations) > 0 {
		b.WriteString("; recommendations: ")
		b.WriteString(strings.Join(f.Recommendations, "; "))
	}
	return b.String()
}

func toModelCommits(in []github.Commit) []models.Commit {
	out := make([]models.Commit, len(in))
	for i, c := range in {
		out[i] = models.Commit{SHA: c.SHA, Message: c.Message}
	}
	return out
}
