package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

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

// fakeHost is a scripted github.Client. Canned answers go in the value
// fields; every mutating call is recorded for assertions.
type fakeHost struct {
	mu sync.Mutex

	pr         *github.PR
	prErr      error
	commits    []github.Commit
	diff       string
	branch     *github.Branch
	branchErr  error
	recent     []github.Commit
	permission string
	permErr    error
	createdPR  *github.PR
	createErr  error
	existingPR *github.PR

	getPRCalls    int
	permCalls     int
	comments      []string
	reactions     []string
	createdParams []github.CreatePRParams
}

func newFakeHost() *fakeHost {
	merged := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return &fakeHost{
		pr: &github.PR{
			Number:     42,
			Title:      "Fix widget rendering",
			Body:       "The widget dropped frames on resize.",
			State:      "merged",
			BaseBranch: "main",
			MergedAt:   &merged,
		},
		commits: []github.Commit{
			{SHA: strings.Repeat("a", 40), Message: "Fix widget rendering\n\nDetails."},
			{SHA: strings.Repeat("b", 40), Message: "Add regression test"},
		},
		diff:       "diff --git a/widget.go b/widget.go\n",
		branch:     &github.Branch{Name: "release-1.2", SHA: strings.Repeat("c", 40)},
		recent:     []github.Commit{{SHA: strings.Repeat("d", 40), Message: "Bump version"}},
		permission: "write",
		createdPR:  &github.PR{Number: 123, HTMLURL: "https://example.test/pr/123", State: "open"},
	}
}

func (h *fakeHost) GetAuthenticatedUser(ctx context.Context) (string, error) {
	return "backportd[bot]", nil
}

func (h *fakeHost) GetPR(ctx context.Context, owner, repo string, number int) (*github.PR, error) {
	h.mu.Lock()
	h.getPRCalls++
	h.mu.Unlock()
	if h.prErr != nil {
		return nil, h.prErr
	}
	return h.pr, nil
}

func (h *fakeHost) GetPRDiff(ctx context.Context, owner, repo string, number int) (string, error) {
	return h.diff, nil
}

func (h *fakeHost) ListPRCommits(ctx context.Context, owner, repo string, number int) ([]github.Commit, error) {
	return h.commits, nil
}

func (h *fakeHost) GetBranch(ctx context.Context, owner, repo, branch string) (*github.Branch, error) {
	if h.branchErr != nil {
		return nil, h.branchErr
	}
	return h.branch, nil
}

func (h *fakeHost) ListRecentCommits(ctx context.Context, owner, repo, branch string, limit int) ([]github.Commit, error) {
	return h.recent, nil
}

func (h *fakeHost) FindPRByBranch(ctx context.Context, owner, repo, branch string) (*github.PR, error) {
	return h.existingPR, nil
}

func (h *fakeHost) CreatePR(ctx context.Context, owner, repo string, params github.CreatePRParams) (*github.PR, error) {
	h.mu.Lock()
	h.createdParams = append(h.createdParams, params)
	h.mu.Unlock()
	if h.createErr != nil {
		return nil, h.createErr
	}
	return h.createdPR, nil
}

func (h *fakeHost) CreateComment(ctx context.Context, owner, repo string, number int, body string) (*github.Comment, error) {
	h.mu.Lock()
	h.comments = append(h.comments, body)
	h.mu.Unlock()
	return &github.Comment{ID: int64(len(h.comments)), Body: body}, nil
}

func (h *fakeHost) CreateReaction(ctx context.Context, owner, repo string, commentID int64, content string) error {
	h.mu.Lock()
	h.reactions = append(h.reactions, content)
	h.mu.Unlock()
	return nil
}

func (h *fakeHost) GetPermissionLevel(ctx context.Context, owner, repo, username string) (string, error) {
	h.mu.Lock()
	h.permCalls++
	h.mu.Unlock()
	return h.permission, h.permErr
}

func (h *fakeHost) commentBodies() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.comments...)
}

func (h *fakeHost) prParams() []github.CreatePRParams {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]github.CreatePRParams(nil), h.createdParams...)
}

func (h *fakeHost) reactionList() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.reactions...)
}

// fakeOracle returns canned analysis verdicts.
type fakeOracle struct {
	mu sync.Mutex

	analysis    *models.DiffAnalysis
	feasibility *models.BackportFeasibility
	describe    string
	describeErr error

	analyzeCalls int
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{
		analysis: &models.DiffAnalysis{
			Summary:    "Fixes widget rendering on resize",
			Intent:     "fix dropped frames",
			Category:   models.CategoryBugfix,
			Complexity: models.ComplexityLow,
		},
		feasibility: &models.BackportFeasibility{
			CanBackport: true,
			Confidence:  0.9,
			Effort:      models.EffortEasy,
		},
		describe: "Automated backport of the widget rendering fix.",
	}
}

func (o *fakeOracle) AnalyzeDiff(ctx context.Context, req oracle.AnalyzeDiffRequest) (*models.DiffAnalysis, error) {
	o.mu.Lock()
	o.analyzeCalls++
	o.mu.Unlock()
	return o.analysis, nil
}

func (o *fakeOracle) AnalyzeFeasibility(ctx context.Context, req oracle.FeasibilityRequest) (*models.BackportFeasibility, error) {
	return o.feasibility, nil
}

func (o *fakeOracle) ResolveConflict(ctx context.Context, req oracle.ResolveConflictRequest) (*models.ConflictResolution, error) {
	return &models.ConflictResolution{Content: "resolved", Confidence: 0.9}, nil
}

func (o *fakeOracle) DescribeBackport(ctx context.Context, req oracle.DescribeRequest) (string, error) {
	return o.describe, o.describeErr
}

// fakeExecutor records every request and returns a canned result.
type fakeExecutor struct {
	mu     sync.Mutex
	result *models.ExecutionResult
	calls  []backport.ExecuteRequest
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		result: &models.ExecutionResult{
			Success:        true,
			Branch:         "backport/pr-42-to-release-1.2",
			CommitsApplied: 2,
		},
	}
}

func (e *fakeExecutor) Execute(ctx context.Context, req backport.ExecuteRequest) *models.ExecutionResult {
	e.mu.Lock()
	e.calls = append(e.calls, req)
	e.mu.Unlock()
	return e.result
}

func (e *fakeExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func (e *fakeExecutor) requests() []backport.ExecuteRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]backport.ExecuteRequest(nil), e.calls...)
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	logr, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return logr
}

func testConfig() *config.Config {
	return &config.Config{
		Workflow: config.WorkflowConfig{MaxConcurrentJobs: 2},
		Backport: config.BackportConfig{
			BranchPrefix:       "backport",
			AllowedPermissions: []string{"admin", "write", "maintain"},
		},
	}
}

type testHarness struct {
	service  *Service
	store    store.Store
	host     *fakeHost
	oracle   *fakeOracle
	executor *fakeExecutor
	bus      bus.EventBus
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	logr := newTestLogger(t)
	st := store.NewMemoryStore()
	host := newFakeHost()
	o := newFakeOracle()
	exec := newFakeExecutor()
	eventBus := bus.NewMemoryEventBus(logr)
	engine := workflow.New(st, logr)
	svc := NewService(st, host, o, exec, engine, eventBus, testConfig(), logr)
	return &testHarness{service: svc, store: st, host: host, oracle: o, executor: exec, bus: eventBus}
}

func baseTrigger() TriggerRequest {
	return TriggerRequest{
		Requester:    "octocat",
		RepoOwner:    "acme",
		RepoName:     "widget",
		PRNumber:     42,
		TargetBranch: "release-1.2",
	}
}

// waitForStatus polls until the job reaches the wanted status or the
// deadline passes. Workflows run on the service's worker pool, so tests
// observe them through the store.
func waitForStatus(t *testing.T, st store.Store, jobID string, want models.JobStatus) *models.Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, err := st.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if job.Status == want {
			return job
		}
		if job.Status.Terminal() {
			t.Fatalf("job settled as %s, want %s (error: %s)", job.Status, want, job.Error)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job did not reach status %s", want)
	return nil
}

func TestSubmitRunsHappyPath(t *testing.T) {
	h := newTestHarness(t)

	job, err := h.service.Submit(context.Background(), baseTrigger())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.ID == "" {
		t.Fatal("expected a job ID")
	}

	settled := waitForStatus(t, h.store, job.ID, models.StatusCompleted)
	if settled.ResultPR == nil || *settled.ResultPR != 123 {
		t.Fatalf("ResultPR = %v, want 123", settled.ResultPR)
	}

	params := h.host.prParams()
	if len(params) != 1 {
		t.Fatalf("CreatePR calls = %d, want 1", len(params))
	}
	if params[0].Head != "backport/pr-42-to-release-1.2" || params[0].Base != "release-1.2" {
		t.Fatalf("unexpected PR params: %+v", params[0])
	}
	if params[0].Title != "[Backport release-1.2] Fix widget rendering" {
		t.Fatalf("unexpected PR title: %q", params[0].Title)
	}

	reqs := h.executor.requests()
	if len(reqs) != 1 {
		t.Fatalf("executor calls = %d, want 1", len(reqs))
	}
	if len(reqs[0].Commits) != 2 || reqs[0].Commits[0].SHA != strings.Repeat("a", 40) || reqs[0].Commits[1].SHA != strings.Repeat("b", 40) {
		t.Fatalf("executor received commits %+v in wrong order", reqs[0].Commits)
	}

	var success bool
	for _, body := range h.host.commentBodies() {
		if strings.Contains(body, "succeeded") && strings.Contains(body, "https://example.test/pr/123") {
			success = true
		}
	}
	if !success {
		t.Fatalf("no success comment posted: %v", h.host.commentBodies())
	}
}

func TestSubmitDeniesReadPermission(t *testing.T) {
	h := newTestHarness(t)
	h.host.permission = "read"

	_, err := h.service.Submit(context.Background(), baseTrigger())
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("err = %v, want ErrNotAuthorized", err)
	}

	jobs, err := h.store.ListJobs(context.Background())
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("expected no job, got %d", len(jobs))
	}

	bodies := h.host.commentBodies()
	if len(bodies) != 1 || !strings.Contains(bodies[0], "@octocat") || !strings.Contains(bodies[0], "write access") {
		t.Fatalf("expected denial comment, got %v", bodies)
	}
	if h.executor.callCount() != 0 {
		t.Fatal("executor must not run for denied triggers")
	}
}

func TestSubmitAllowsEachListedPermission(t *testing.T) {
	for _, perm := range []string{"admin", "write", "maintain"} {
		h := newTestHarness(t)
		h.host.permission = perm

		job, err := h.service.Submit(context.Background(), baseTrigger())
		if err != nil {
			t.Fatalf("permission %s rejected: %v", perm, err)
		}
		waitForStatus(t, h.store, job.ID, models.StatusCompleted)
	}
}

func TestSubmitRejectsIncompleteTrigger(t *testing.T) {
	h := newTestHarness(t)

	req := baseTrigger()
	req.TargetBranch = ""
	req.PRNumber = 0
	_, err := h.service.Submit(context.Background(), req)
	if !errors.Is(err, ErrInvalidTrigger) {
		t.Fatalf("err = %v, want ErrInvalidTrigger", err)
	}
	if h.host.permCalls != 0 {
		t.Fatal("invalid triggers must not reach the permission check")
	}
}

func TestParseBackportCommand(t *testing.T) {
	tests := []struct {
		body   string
		branch string
		ok     bool
	}{
		{"backport to release-1.2", "release-1.2", true},
		{"Backport to `release-1.2` please", "release-1.2", true},
		{"BACKPORT TO stable/2024", "stable/2024", true},
		{"Could you backport to release-1.2?", "release-1.2", true},
		{"please backport to release-1.2.", "release-1.2", true},
		{"backport this later", "", false},
		{"looks good to me", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		branch, ok := ParseBackportCommand(tt.body)
		if ok != tt.ok || branch != tt.branch {
			t.Errorf("ParseBackportCommand(%q) = (%q, %t), want (%q, %t)",
				tt.body, branch, ok, tt.branch, tt.ok)
		}
	}
}

func TestCommentTriggerCreatesJob(t *testing.T) {
	h := newTestHarness(t)

	event := bus.NewEvent(events.TriggerComment, "test", map[string]interface{}{
		"author":     "octocat",
		"repo_owner": "acme",
		"repo_name":  "widget",
		"pr_number":  42,
		"comment_id": int64(9001),
		"body":       "backport to `release-1.2`",
	})
	if err := h.service.handleTriggerComment(context.Background(), event); err != nil {
		t.Fatalf("handleTriggerComment: %v", err)
	}

	jobs, err := h.store.ListJobs(context.Background())
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(jobs))
	}
	job := jobs[0]
	if job.TargetBranch != "release-1.2" || job.Requester != "octocat" || job.CommentID != 9001 {
		t.Fatalf("unexpected job: %+v", job)
	}

	waitForStatus(t, h.store, job.ID, models.StatusCompleted)
	got := h.host.reactionList()
	if len(got) != 2 || got[0] != github.ReactionEyes || got[1] != github.ReactionThumbsUp {
		t.Fatalf("reactions = %v, want [eyes +1]", got)
	}
}

func TestCommentTriggerIgnoresOrdinaryComments(t *testing.T) {
	h := newTestHarness(t)

	event := bus.NewEvent(events.TriggerComment, "test", map[string]interface{}{
		"author": "octocat", "body": "LGTM, shipping it",
	})
	if err := h.service.handleTriggerComment(context.Background(), event); err != nil {
		t.Fatalf("handleTriggerComment: %v", err)
	}
	jobs, _ := h.store.ListJobs(context.Background())
	if len(jobs) != 0 {
		t.Fatalf("expected no jobs, got %d", len(jobs))
	}
}

func TestCommentTriggerSwallowsRejections(t *testing.T) {
	h := newTestHarness(t)
	h.host.permission = "read"

	event := bus.NewEvent(events.TriggerComment, "test", map[string]interface{}{
		"author":     "drive-by",
		"repo_owner": "acme",
		"repo_name":  "widget",
		"pr_number":  float64(42), // JSON transports decode numbers as float64
		"comment_id": float64(7),
		"body":       "backport to release-1.2",
	})
	if err := h.service.handleTriggerComment(context.Background(), event); err != nil {
		t.Fatalf("rejections must not bounce the event: %v", err)
	}
}

func TestStartSubscribesTriggerIntake(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	if err := h.service.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.service.Stop()

	err := h.bus.Publish(ctx, events.TriggerComment, bus.NewEvent(events.TriggerComment, "test", map[string]interface{}{
		"author":     "octocat",
		"repo_owner": "acme",
		"repo_name":  "widget",
		"pr_number":  42,
		"comment_id": int64(5),
		"body":       "backport to release-1.2",
	}))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		jobs, err := h.store.ListJobs(ctx)
		if err != nil {
			t.Fatalf("ListJobs: %v", err)
		}
		if len(jobs) == 1 {
			waitForStatus(t, h.store, jobs[0].ID, models.StatusCompleted)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("published trigger event did not create a job")
}

func TestResumeInFlightListsOldestFirst(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	// Two interrupted jobs; both should settle after resume.
	var ids []string
	for i := 0; i < 2; i++ {
		job := &models.Job{
			RepoOwner: "acme", RepoName: "widget", PRNumber: 42,
			TargetBranch: "release-1.2", Requester: "octocat",
		}
		if err := h.store.CreateJob(ctx, job); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
		inProgress := models.StatusInProgress
		if _, err := h.store.UpdateJob(ctx, job.ID, store.UpdateJobParams{Status: &inProgress}); err != nil {
			t.Fatalf("UpdateJob: %v", err)
		}
		ids = append(ids, job.ID)
	}

	if err := h.service.ResumeInFlight(ctx); err != nil {
		t.Fatalf("ResumeInFlight: %v", err)
	}
	for _, id := range ids {
		waitForStatus(t, h.store, id, models.StatusCompleted)
	}
}
