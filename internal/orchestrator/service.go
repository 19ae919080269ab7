// Package orchestrator drives backport jobs end to end. It manages:
//
//   - Trigger intake from the HTTP API and from PR comment events
//   - Requester authorization against the permission allow-list
//   - Job creation and every status transition
//   - The durable step workflow that carries a job to its terminal report
//
// The orchestrator is the only writer of job status; the executor, oracle,
// and host adapters report back through it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/backportd/backportd/internal/backport"
	"github.com/backportd/backportd/internal/common/config"
	"github.com/backportd/backportd/internal/common/logger"
	"github.com/backportd/backportd/internal/events"
	"github.com/backportd/backportd/internal/events/bus"
	"github.com/backportd/backportd/internal/github"
	"github.com/backportd/backportd/internal/job/models"
	"github.com/backportd/backportd/internal/job/store"
	"github.com/backportd/backportd/internal/oracle"
	"github.com/backportd/backportd/internal/workflow"
)

// Common errors
var (
	// ErrInvalidTrigger marks a malformed trigger request; no job is created.
	ErrInvalidTrigger = errors.New("invalid trigger")
	// ErrNotAuthorized marks a requester outside the permission allow-list.
	ErrNotAuthorized = errors.New("requester not authorized")
)

const defaultMaxConcurrentJobs = 4

// Executor is the sandbox git executor port. Domain failures come back
// inside the result, not as a Go error.
type Executor interface {
	Execute(ctx context.Context, req backport.ExecuteRequest) *models.ExecutionResult
}

// TriggerRequest is one validated backport request, regardless of whether it
// arrived over HTTP or as a comment event. CommentID is zero for API
// triggers; when set, the trigger comment is acknowledged with a reaction.
type TriggerRequest struct {
	Requester    string
	RepoOwner    string
	RepoName     string
	PRNumber     int
	TargetBranch string
	CommentID    int64
}

// Service coordinates the whole backport lifecycle.
type Service struct {
	store    store.Store
	host     github.Client
	oracle   oracle.Oracle
	executor Executor
	engine   *workflow.Engine
	bus      bus.EventBus
	cfg      *config.Config
	logger   *logger.Logger

	group   *errgroup.Group
	baseCtx context.Context
	sub     bus.Subscription
}

// NewService wires the orchestrator over its collaborators.
func NewService(st store.Store, host github.Client, o oracle.Oracle, executor Executor, engine *workflow.Engine, eventBus bus.EventBus, cfg *config.Config, logr *logger.Logger) *Service {
	group := new(errgroup.Group)
	limit := cfg.Workflow.MaxConcurrentJobs
	if limit <= 0 {
		limit = defaultMaxConcurrentJobs
	}
	group.SetLimit(limit)

	return &Service{
		store:    st,
		host:     host,
		oracle:   o,
		executor: executor,
		engine:   engine,
		bus:      eventBus,
		cfg:      cfg,
		logger:   logr.WithFields(zap.String("component", "orchestrator")),
		group:    group,
		baseCtx:  context.Background(),
	}
}

// Start subscribes the comment trigger intake and, when configured, resumes
// jobs interrupted by the previous process. The given context becomes the
// parent of every workflow run.
func (s *Service) Start(ctx context.Context) error {
	s.baseCtx = ctx

	sub, err := s.bus.QueueSubscribe(events.TriggerComment, "orchestrator", s.handleTriggerComment)
	if err != nil {
		return fmt.Errorf("failed to subscribe trigger intake: %w", err)
	}
	s.sub = sub

	if s.cfg.Workflow.ResumeOnStart {
		if err := s.ResumeInFlight(ctx); err != nil {
			return err
		}
	}

	s.logger.Info("Orchestrator started",
		zap.Int("max_concurrent_jobs", s.cfg.Workflow.MaxConcurrentJobs))
	return nil
}

// Stop detaches the trigger intake and waits for admitted workflows to
// finish. Jobs still pending admission are picked up on the next start
// through ResumeInFlight.
func (s *Service) Stop() {
	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil {
			s.logger.Warn("Failed to unsubscribe trigger intake", zap.Error(err))
		}
		s.sub = nil
	}
	_ = s.group.Wait()
	s.logger.Info("Orchestrator stopped")
}

// Submit validates and authorizes a trigger, creates the job, and schedules
// its workflow. The returned job is already persisted; the workflow itself
// runs asynchronously.
func (s *Service) Submit(ctx context.Context, req TriggerRequest) (*models.Job, error) {
	if err := validateTrigger(req); err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, req); err != nil {
		return nil, err
	}

	job := &models.Job{
		RepoOwner:    req.RepoOwner,
		RepoName:     req.RepoName,
		PRNumber:     req.PRNumber,
		TargetBranch: req.TargetBranch,
		Requester:    req.Requester,
		CommentID:    req.CommentID,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	s.store.AppendLog(ctx, job.ID, fmt.Sprintf("Job created by %s: backport %s#%d to %s",
		req.Requester, job.Repo(), req.PRNumber, req.TargetBranch))
	s.logger.Info("Job submitted",
		zap.String("job_id", job.ID),
		zap.String("repo", job.Repo()),
		zap.Int("pr_number", req.PRNumber),
		zap.String("target_branch", req.TargetBranch),
		zap.String("requester", req.Requester))

	s.schedule(job.ID)
	return job, nil
}

// ResumeInFlight re-runs workflows for jobs the previous process left
// in_progress, oldest first. Steps recorded as done are skipped and their
// results rehydrated from the step log.
func (s *Service) ResumeInFlight(ctx context.Context) error {
	jobs, err := s.store.ListJobsByStatus(ctx, models.StatusInProgress)
	if err != nil {
		return fmt.Errorf("failed to list in-flight jobs: %w", err)
	}
	if len(jobs) == 0 {
		return nil
	}

	s.logger.Info("Resuming in-flight jobs", zap.Int("count", len(jobs)))
	for _, job := range jobs {
		s.store.AppendLog(ctx, job.ID, "Resuming after restart")
		s.schedule(job.ID)
	}
	return nil
}

// schedule hands a job to the bounded workflow pool. The intermediate
// goroutine parks while the pool is full, so submission never blocks on
// admission.
func (s *Service) schedule(jobID string) {
	go func() {
		s.group.Go(func() error {
			s.runWorkflow(s.baseCtx, jobID)
			return nil
		})
	}()
}

func (s *Service) authorize(ctx context.Context, req TriggerRequest) error {
	perm, err := s.host.GetPermissionLevel(ctx, req.RepoOwner, req.RepoName, req.Requester)
	if err != nil {
		return fmt.Errorf("failed to check permission for %s: %w", req.Requester, err)
	}
	for _, allowed := range s.cfg.Backport.AllowedPermissions {
		if perm == allowed {
			return nil
		}
	}

	s.logger.Warn("Trigger denied",
		zap.String("requester", req.Requester),
		zap.String("permission", perm),
		zap.String("repo", req.RepoOwner+"/"+req.RepoName))
	// Best effort: the requester should learn why nothing happened.
	if _, cerr := s.host.CreateComment(ctx, req.RepoOwner, req.RepoName, req.PRNumber, backport.DeniedComment(req.Requester)); cerr != nil {
		s.logger.Warn("Failed to post denial comment", zap.Error(cerr))
	}
	return fmt.Errorf("%w: %s has permission %q", ErrNotAuthorized, req.Requester, perm)
}

func validateTrigger(req TriggerRequest) error {
	var missing []string
	if req.Requester == "" {
		missing = append(missing, "requester")
	}
	if req.RepoOwner == "" {
		missing = append(missing, "repo_owner")
	}
	if req.RepoName == "" {
		missing = append(missing, "repo_name")
	}
	if req.PRNumber <= 0 {
		missing = append(missing, "pr_number")
	}
	if req.TargetBranch == "" {
		missing = append(missing, "target_branch")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %v", ErrInvalidTrigger, missing)
	}
	return nil
}
