package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/backportd/backportd/internal/common/logger"
	"github.com/backportd/backportd/internal/events/bus"
	"github.com/backportd/backportd/internal/job/models"
	"github.com/backportd/backportd/internal/job/store"
	"github.com/backportd/backportd/internal/orchestrator"
)

type fakeSubmitter struct {
	job  *models.Job
	err  error
	reqs []orchestrator.TriggerRequest
}

func (f *fakeSubmitter) Submit(ctx context.Context, req orchestrator.TriggerRequest) (*models.Job, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.job, nil
}

type fakePinger struct {
	err error
}

func (f *fakePinger) Ping(ctx context.Context) error {
	return f.err
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	logr, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return logr
}

func newTestRouter(t *testing.T, submitter *fakeSubmitter, st store.Store, health HealthDeps) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewJobHandlers(submitter, st, health, newTestLogger(t)).RegisterRoutes(router)
	return router
}

func seedJob(t *testing.T, st store.Store, target string) *models.Job {
	t.Helper()
	job := &models.Job{
		RepoOwner: "acme", RepoName: "widget", PRNumber: 42,
		TargetBranch: target, Requester: "octocat",
	}
	if err := st.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return job
}

func TestListJobsNewestFirst(t *testing.T) {
	st := store.NewMemoryStore()
	first := seedJob(t, st, "release-1.1")
	time.Sleep(2 * time.Millisecond)
	second := seedJob(t, st, "release-1.2")
	router := newTestRouter(t, &fakeSubmitter{}, st, HealthDeps{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp ListJobsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Total != 2 || len(resp.Jobs) != 2 {
		t.Fatalf("total = %d, want 2", resp.Total)
	}
	if resp.Jobs[0].ID != second.ID || resp.Jobs[1].ID != first.ID {
		t.Fatalf("jobs out of order: %s, %s", resp.Jobs[0].ID, resp.Jobs[1].ID)
	}
}

func TestGetJob(t *testing.T) {
	st := store.NewMemoryStore()
	job := seedJob(t, st, "release-1.2")
	router := newTestRouter(t, &fakeSubmitter{}, st, HealthDeps{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+job.ID, nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var dto JobDTO
	if err := json.Unmarshal(w.Body.Bytes(), &dto); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if dto.ID != job.ID || dto.Status != string(models.StatusPending) || dto.TargetBranch != "release-1.2" {
		t.Fatalf("unexpected dto: %+v", dto)
	}
}

func TestGetJobUnknown(t *testing.T) {
	router := newTestRouter(t, &fakeSubmitter{}, store.NewMemoryStore(), HealthDeps{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/nope", nil))

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestGetJobLogOrdered(t *testing.T) {
	st := store.NewMemoryStore()
	job := seedJob(t, st, "release-1.2")
	st.AppendLog(context.Background(), job.ID, "first")
	st.AppendLog(context.Background(), job.ID, "second")
	router := newTestRouter(t, &fakeSubmitter{}, st, HealthDeps{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+job.ID+"/log", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp JobLogResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Entries) != 2 || resp.Entries[0].Message != "first" || resp.Entries[1].Message != "second" {
		t.Fatalf("unexpected entries: %+v", resp.Entries)
	}
}

func TestGetJobLogUnknownJob(t *testing.T) {
	router := newTestRouter(t, &fakeSubmitter{}, store.NewMemoryStore(), HealthDeps{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/nope/log", nil))

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestCreateJobAccepted(t *testing.T) {
	submitter := &fakeSubmitter{job: &models.Job{
		ID: "job-1", RepoOwner: "acme", RepoName: "widget", PRNumber: 42,
		TargetBranch: "release-1.2", Status: models.StatusPending,
	}}
	router := newTestRouter(t, submitter, store.NewMemoryStore(), HealthDeps{})

	body := `{"requester":"octocat","repo_owner":"acme","repo_name":"widget","pr_number":42,"target_branch":"release-1.2"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (body %s)", w.Code, w.Body.String())
	}
	if len(submitter.reqs) != 1 {
		t.Fatalf("submit calls = %d, want 1", len(submitter.reqs))
	}
	got := submitter.reqs[0]
	if got.Requester != "octocat" || got.PRNumber != 42 || got.TargetBranch != "release-1.2" {
		t.Fatalf("unexpected trigger: %+v", got)
	}
	var dto JobDTO
	if err := json.Unmarshal(w.Body.Bytes(), &dto); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if dto.ID != "job-1" {
		t.Fatalf("dto.ID = %q, want job-1", dto.ID)
	}
}

func TestCreateJobMalformedBody(t *testing.T) {
	submitter := &fakeSubmitter{}
	router := newTestRouter(t, submitter, store.NewMemoryStore(), HealthDeps{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if len(submitter.reqs) != 0 {
		t.Fatal("malformed bodies must not reach the submitter")
	}
}

func TestCreateJobErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("%w: missing [target_branch]", orchestrator.ErrInvalidTrigger), http.StatusBadRequest},
		{fmt.Errorf("%w: drive-by has permission %q", orchestrator.ErrNotAuthorized, "read"), http.StatusForbidden},
		{errors.New("store exploded"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		router := newTestRouter(t, &fakeSubmitter{err: tt.err}, store.NewMemoryStore(), HealthDeps{})

		body := `{"requester":"octocat","repo_owner":"acme","repo_name":"widget","pr_number":42,"target_branch":"release-1.2"}`
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(w, req)

		if w.Code != tt.code {
			t.Errorf("err %v: status = %d, want %d", tt.err, w.Code, tt.code)
		}
	}
}

func TestHealth(t *testing.T) {
	logr := newTestLogger(t)
	health := HealthDeps{
		StoreDriver: "memory",
		Bus:         bus.NewMemoryEventBus(logr),
		Sandbox:     &fakePinger{},
	}
	router := newTestRouter(t, &fakeSubmitter{}, store.NewMemoryStore(), health)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != "ok" || resp.Store != "memory" || !resp.BusConnected || resp.Sandbox != "ok" {
		t.Fatalf("unexpected health: %+v", resp)
	}
}

func TestHealthDegradedSandbox(t *testing.T) {
	health := HealthDeps{
		StoreDriver: "memory",
		Sandbox:     &fakePinger{err: errors.New("docker unreachable")},
	}
	router := newTestRouter(t, &fakeSubmitter{}, store.NewMemoryStore(), health)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != "degraded" || !strings.Contains(resp.Sandbox, "docker unreachable") {
		t.Fatalf("unexpected health: %+v", resp)
	}
}
