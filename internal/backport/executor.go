// Package backport implements the sandboxed apply-and-resolve loop: fetch
// the target branch into a fresh sandbox, cherry-pick the change-set in
// order, resolve textual conflicts through the reasoning oracle, and push
// the finished branch. Domain failures are structured results, never Go
// errors; nothing is ever pushed for a partially applied change-set.
package backport

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/backportd/backportd/internal/common/config"
	"github.com/backportd/backportd/internal/common/logger"
	"github.com/backportd/backportd/internal/job/models"
	"github.com/backportd/backportd/internal/oracle"
	"github.com/backportd/backportd/internal/sandbox"
)

// acceptThreshold is the fixed conservative gate on oracle resolutions:
// anything below it is treated as unresolved.
const acceptThreshold = 0.7

const releaseTimeout = 30 * time.Second

// JobLog is the store subset the executor appends progress to.
type JobLog interface {
	AppendLog(ctx context.Context, jobID string, message string)
}

// ExecuteRequest carries everything one backport attempt needs.
type ExecuteRequest struct {
	JobID        string
	RepoOwner    string
	RepoName     string
	PRNumber     int
	TargetBranch string
	// Commits is applied exactly in this order.
	Commits []models.Commit
	// Analysis provides conflict-resolution context; it is not a gate here.
	Analysis *models.DiffAnalysis
}

// Executor runs backport attempts inside provisioned sandboxes.
type Executor struct {
	provisioner sandbox.Provisioner
	oracle      oracle.Oracle
	jobLog      JobLog
	cfg         config.BackportConfig
	github      config.GitHubConfig
	logger      *logger.Logger
}

// NewExecutor wires an executor over its collaborators.
func NewExecutor(provisioner sandbox.Provisioner, o oracle.Oracle, jobLog JobLog, cfg config.BackportConfig, github config.GitHubConfig, logr *logger.Logger) *Executor {
	return &Executor{
		provisioner: provisioner,
		oracle:      o,
		jobLog:      jobLog,
		cfg:         cfg,
		github:      github,
		logger:      logr.WithFields(zap.String("component", "backport-executor")),
	}
}

// Execute performs one backport attempt and always returns a structured
// result. The sandbox is released on every exit path.
func (e *Executor) Execute(ctx context.Context, req ExecuteRequest) *models.ExecutionResult {
	log := e.logger.WithJobID(req.JobID)
	result := &models.ExecutionResult{}

	if len(req.Commits) == 0 {
		return e.fail(ctx, req.JobID, result, "change-set has no commits to apply")
	}

	sb, err := e.provisioner.Acquire(ctx, req.JobID, req.RepoOwner+"/"+req.RepoName)
	if err != nil {
		return e.fail(ctx, req.JobID, result, fmt.Sprintf("failed to provision sandbox: %v", err))
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if rerr := e.provisioner.Release(releaseCtx, sb); rerr != nil {
			log.Warn("Sandbox release failed", zap.Error(rerr))
		}
	}()

	e.appendLog(ctx, req.JobID, fmt.Sprintf("Sandbox ready, applying %d commit(s) onto %s", len(req.Commits), req.TargetBranch))

	workBranch := fmt.Sprintf("backport-work-%s", shortID(req.JobID))
	if msg := e.prepareRepo(ctx, sb, req, workBranch); msg != "" {
		return e.fail(ctx, req.JobID, result, msg)
	}

	e.prefetchCommits(ctx, sb, req)

	for _, commit := range req.Commits {
		if msg := e.applyCommit(ctx, sb, req, commit, result); msg != "" {
			return e.fail(ctx, req.JobID, result, msg)
		}
	}

	if result.CommitsApplied == 0 {
		return e.fail(ctx, req.JobID, result, fmt.Sprintf("all %d commit(s) were already present on %s, nothing to backport", len(req.Commits), req.TargetBranch))
	}

	finalBranch := BranchName(e.cfg.BranchPrefix, req.PRNumber, req.TargetBranch)
	if msg := e.publishBranch(ctx, sb, req, workBranch, finalBranch); msg != "" {
		return e.fail(ctx, req.JobID, result, msg)
	}

	result.Success = true
	result.Branch = finalBranch
	e.appendLog(ctx, req.JobID, fmt.Sprintf("Pushed %s with %d commit(s), %d conflict(s) resolved", finalBranch, result.CommitsApplied, result.ResolvedConflicts))
	log.Info("Backport execution succeeded",
		zap.String("branch", finalBranch),
		zap.Int("commits_applied", result.CommitsApplied),
		zap.Int("resolved_conflicts", result.ResolvedConflicts))
	return result
}

// prepareRepo initializes the sandbox checkout: identity, remote, shallow
// target fetch, work branch. Returns a failure message, empty on success.
func (e *Executor) prepareRepo(ctx context.Context, sb sandbox.Sandbox, req ExecuteRequest, workBranch string) string {
	steps := [][]string{
		{"init", "--initial-branch", "work-base"},
		{"config", "user.name", e.cfg.CommitterName},
		{"config", "user.email", e.cfg.CommitterEmail},
		{"remote", "add", "origin", e.cloneURL(req.RepoOwner, req.RepoName)},
	}
	for _, args := range steps {
		res, err := e.git(ctx, sb, args...)
		if err != nil {
			return e.redact(fmt.Sprintf("git %s failed: %v", args[0], err))
		}
		if res.ExitCode != 0 {
			return e.redact(fmt.Sprintf("git %s failed: %s", args[0], res.Output()))
		}
	}

	depth := e.cfg.FetchDepth
	if depth <= 0 {
		depth = 50
	}
	res, err := e.git(ctx, sb, "fetch", "--depth", strconv.Itoa(depth), "origin", req.TargetBranch)
	if err != nil {
		return e.redact(fmt.Sprintf("failed to fetch target branch %s: %v", req.TargetBranch, err))
	}
	if res.ExitCode != 0 {
		return e.redact(fmt.Sprintf("failed to fetch target branch %s: %s", req.TargetBranch, res.Output()))
	}

	res, err = e.git(ctx, sb, "checkout", "-b", workBranch, "FETCH_HEAD")
	if err != nil {
		return fmt.Sprintf("failed to create work branch: %v", err)
	}
	if res.ExitCode != 0 {
		return fmt.Sprintf("failed to create work branch: %s", res.Output())
	}
	return ""
}

// prefetchCommits fetches each change-set commit individually. Failures are
// tolerated: a commit that truly cannot be found fails loudly at apply
// time, with better context.
func (e *Executor) prefetchCommits(ctx context.Context, sb sandbox.Sandbox, req ExecuteRequest) {
	for _, commit := range req.Commits {
		res, err := e.git(ctx, sb, "fetch", "--depth", "2", "origin", commit.SHA)
		if err != nil || res.ExitCode != 0 {
			e.appendLog(ctx, req.JobID, fmt.Sprintf("Could not prefetch commit %s, continuing", commit.ShortSHA()))
		}
	}
}

// applyCommit cherry-picks one commit, resolving conflicts through the
// oracle. Returns a failure message; empty means applied or legitimately
// skipped. Mutates result counters in place.
func (e *Executor) applyCommit(ctx context.Context, sb sandbox.Sandbox, req ExecuteRequest, commit models.Commit, result *models.ExecutionResult) string {
	res, err := e.git(ctx, sb, "cherry-pick", "--no-commit", commit.SHA)
	if err != nil {
		return fmt.Sprintf("failed to apply commit %s: %v", commit.ShortSHA(), err)
	}

	if res.ExitCode != 0 {
		conflicted, lerr := e.unmergedFiles(ctx, sb)
		if lerr != nil {
			e.abortCherryPick(ctx, sb)
			return fmt.Sprintf("failed to list conflicts for commit %s: %v", commit.ShortSHA(), lerr)
		}
		if len(conflicted) == 0 {
			// Apply failed without leaving conflicts: a tool-level error,
			// not something resolution can fix.
			e.abortCherryPick(ctx, sb)
			return fmt.Sprintf("failed to apply commit %s: %s", commit.ShortSHA(), res.Output())
		}

		e.appendLog(ctx, req.JobID, fmt.Sprintf("Commit %s conflicts in %d file(s): %s", commit.ShortSHA(), len(conflicted), strings.Join(conflicted, ", ")))

		for _, file := range conflicted {
			if !e.resolveFile(ctx, sb, req, file) {
				result.ConflictFiles = append(result.ConflictFiles, file)
				e.abortCherryPick(ctx, sb)
				return fmt.Sprintf("unresolved conflict in %s while applying commit %s", file, commit.ShortSHA())
			}
			result.ResolvedConflicts++
		}
	}

	// Stage everything, then detect the already-applied case before
	// committing: an empty index means the target already has this change.
	if res, err = e.git(ctx, sb, "add", "-A"); err != nil || res.ExitCode != 0 {
		return fmt.Sprintf("failed to stage changes for commit %s", commit.ShortSHA())
	}
	res, err = e.git(ctx, sb, "diff", "--cached", "--quiet")
	if err != nil {
		return fmt.Sprintf("failed to inspect index for commit %s: %v", commit.ShortSHA(), err)
	}
	if res.ExitCode == 0 {
		e.appendLog(ctx, req.JobID, fmt.Sprintf("Commit %s already applied on %s, skipping", commit.ShortSHA(), req.TargetBranch))
		e.quitCherryPick(ctx, sb)
		return ""
	}

	message := fmt.Sprintf("%s\n\n(cherry picked from commit %s)", commit.Message, commit.SHA)
	res, err = e.git(ctx, sb, "commit", "-m", message)
	if err != nil {
		return fmt.Sprintf("failed to commit %s: %v", commit.ShortSHA(), err)
	}
	if res.ExitCode != 0 {
		return fmt.Sprintf("failed to commit %s: %s", commit.ShortSHA(), res.Output())
	}

	result.CommitsApplied++
	e.appendLog(ctx, req.JobID, fmt.Sprintf("Applied commit %s", commit.ShortSHA()))
	return ""
}

// resolveFile runs the per-file resolution loop. False means unresolved;
// reasons are appended to the job log, not returned.
func (e *Executor) resolveFile(ctx context.Context, sb sandbox.Sandbox, req ExecuteRequest, file string) bool {
	raw, err := sb.ReadFile(file)
	if err != nil {
		e.appendLog(ctx, req.JobID, fmt.Sprintf("Could not read conflicted file %s: %v", file, err))
		return false
	}
	content := string(raw)

	if !HasConflictMarkers(content) {
		e.appendLog(ctx, req.JobID, fmt.Sprintf("File %s reported conflicted but has no markers, treating as unresolved", file))
		return false
	}
	regions, err := ParseConflictRegions(content)
	if err != nil {
		e.appendLog(ctx, req.JobID, fmt.Sprintf("Malformed conflict markers in %s: %v", file, err))
		return false
	}

	intent := ""
	if req.Analysis != nil {
		intent = req.Analysis.Intent
	}
	resolution, err := e.oracle.ResolveConflict(ctx, oracle.ResolveConflictRequest{
		File:          file,
		MarkedContent: content,
		Theirs:        JoinTheirs(regions),
		Ours:          JoinOurs(regions),
		Intent:        intent,
	})
	if err != nil {
		e.appendLog(ctx, req.JobID, fmt.Sprintf("Oracle failed on %s: %v", file, err))
		return false
	}
	if resolution.Confidence < acceptThreshold {
		e.appendLog(ctx, req.JobID, fmt.Sprintf("Rejected resolution for %s: confidence %.2f below %.2f", file, resolution.Confidence, acceptThreshold))
		return false
	}

	if err := sb.WriteFile(file, []byte(resolution.Content)); err != nil {
		e.appendLog(ctx, req.JobID, fmt.Sprintf("Could not write resolved %s: %v", file, err))
		return false
	}
	res, err := e.git(ctx, sb, "add", "--", file)
	if err != nil || res.ExitCode != 0 {
		e.appendLog(ctx, req.JobID, fmt.Sprintf("Could not stage resolved %s", file))
		return false
	}

	e.appendLog(ctx, req.JobID, fmt.Sprintf("Resolved conflict in %s (confidence %.2f)", file, resolution.Confidence))
	return true
}

// publishBranch renames the work branch to its canonical name, clears any
// stale remote branch from a prior attempt, and pushes.
func (e *Executor) publishBranch(ctx context.Context, sb sandbox.Sandbox, req ExecuteRequest, workBranch, finalBranch string) string {
	res, err := e.git(ctx, sb, "branch", "-m", workBranch, finalBranch)
	if err != nil {
		return fmt.Sprintf("failed to rename branch: %v", err)
	}
	if res.ExitCode != 0 {
		return fmt.Sprintf("failed to rename branch: %s", res.Output())
	}

	// A prior failed attempt may have left a same-named branch behind; the
	// push below must not depend on force semantics.
	res, err = e.git(ctx, sb, "push", "origin", "--delete", finalBranch)
	if err == nil && res.ExitCode == 0 {
		e.appendLog(ctx, req.JobID, fmt.Sprintf("Deleted stale remote branch %s", finalBranch))
	}

	res, err = e.git(ctx, sb, "push", "origin", finalBranch)
	if err != nil {
		return e.redact(fmt.Sprintf("failed to push branch %s: %v", finalBranch, err))
	}
	if res.ExitCode != 0 {
		return e.redact(fmt.Sprintf("failed to push branch %s: %s", finalBranch, res.Output()))
	}
	return ""
}

func (e *Executor) unmergedFiles(ctx context.Context, sb sandbox.Sandbox) ([]string, error) {
	res, err := e.git(ctx, sb, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("git diff failed: %s", res.Output())
	}
	var files []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

func (e *Executor) abortCherryPick(ctx context.Context, sb sandbox.Sandbox) {
	_, _ = e.git(ctx, sb, "cherry-pick", "--abort")
}

func (e *Executor) quitCherryPick(ctx context.Context, sb sandbox.Sandbox) {
	_, _ = e.git(ctx, sb, "cherry-pick", "--quit")
}

func (e *Executor) git(ctx context.Context, sb sandbox.Sandbox, args ...string) (*sandbox.ExecResult, error) {
	res, err := sb.Exec(ctx, sb.RepoDir(), "git", args...)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("git "+args[0], zap.Int("exit_code", res.ExitCode))
	return res, nil
}

func (e *Executor) cloneURL(owner, repo string) string {
	host := e.github.CloneHost
	if host == "" {
		host = "github.com"
	}
	if e.github.Token != "" {
		return fmt.Sprintf("https://x-access-token:%s@%s/%s/%s.git", e.github.Token, host, owner, repo)
	}
	return fmt.Sprintf("https://%s/%s/%s.git", host, owner, repo)
}

// redact strips the access token from text that may echo the remote URL.
func (e *Executor) redact(s string) string {
	if e.github.Token == "" {
		return s
	}
	return strings.ReplaceAll(s, e.github.Token, "***")
}

func (e *Executor) fail(ctx context.Context, jobID string, result *models.ExecutionResult, message string) *models.ExecutionResult {
	result.Success = false
	result.Error = message
	e.appendLog(ctx, jobID, "Execution failed: "+message)
	e.logger.WithJobID(jobID).Warn("Backport execution failed", zap.String("reason", message))
	return result
}

func (e *Executor) appendLog(ctx context.Context, jobID, message string) {
	e.jobLog.AppendLog(ctx, jobID, message)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
