package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestConvertPatPR(t *testing.T) {
	raw := &patPR{
		Number:    10,
		Title:     "Fix widget overflow",
		Body:      "Fixes a crash",
		HTMLURL:   "https://github.com/org/repo/pull/10",
		State:     "open",
		CreatedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		User: struct {
			Login string `json:"login"`
		}{Login: "bob"},
		Head: struct {
			Ref string `json:"ref"`
			SHA string `json:"sha"`
		}{Ref: "fix-overflow", SHA: "deadbeef1234"},
		Base: struct {
			Ref string `json:"ref"`
		}{Ref: "main"},
	}

	pr := convertPatPR(raw, "org", "repo")

	if pr.Number != 10 {
		t.Errorf("number = %d, want 10", pr.Number)
	}
	if pr.State != "open" {
		t.Errorf("state = %q, want open", pr.State)
	}
	if pr.Body != "Fixes a crash" {
		t.Errorf("body = %q", pr.Body)
	}
	if pr.AuthorLogin != "bob" {
		t.Errorf("author = %q, want bob", pr.AuthorLogin)
	}
	if pr.HeadSHA != "deadbeef1234" {
		t.Errorf("head_sha = %q, want deadbeef1234", pr.HeadSHA)
	}
	if pr.Merged() {
		t.Error("expected not merged")
	}
}

func TestConvertPatPR_Merged(t *testing.T) {
	mergedAt := "2026-03-05T10:00:00Z"
	raw := &patPR{
		Number:   5,
		State:    "closed",
		MergedAt: &mergedAt,
		User: struct {
			Login string `json:"login"`
		}{Login: "alice"},
		Head: struct {
			Ref string `json:"ref"`
			SHA string `json:"sha"`
		}{Ref: "fix"},
		Base: struct {
			Ref string `json:"ref"`
		}{Ref: "main"},
	}

	pr := convertPatPR(raw, "org", "repo")

	if !pr.Merged() {
		t.Errorf("state = %q, want merged", pr.State)
	}
	if pr.MergedAt == nil {
		t.Fatal("expected non-nil MergedAt")
	}
}

func TestConvertPatCommit_PrefersLogin(t *testing.T) {
	raw := &patCommitItem{SHA: "abc123"}
	raw.Commit.Message = "fix: handle nil"
	raw.Commit.Author.Name = "Alice Smith"

	c := convertPatCommit(raw)
	if c.Author != "Alice Smith" {
		t.Errorf("author = %q, want committer name when no login", c.Author)
	}

	raw.Author = &struct {
		Login string `json:"login"`
	}{Login: "asmith"}
	c = convertPatCommit(raw)
	if c.Author != "asmith" {
		t.Errorf("author = %q, want login when present", c.Author)
	}
}

func TestGetBranch_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message":"Branch not found"}`)
	}))
	defer srv.Close()

	client := NewPATClient("test-token", srv.URL)
	_, err := client.GetBranch(context.Background(), "org", "repo", "release-v9")
	if !errors.Is(err, ErrBranchNotFound) {
		t.Errorf("expected ErrBranchNotFound, got %v", err)
	}
}

func TestGetBranch_Found(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/org/repo/branches/release-1.2" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"name":"release-1.2","commit":{"sha":"abc123"},"protected":true}`)
	}))
	defer srv.Close()

	client := NewPATClient("test-token", srv.URL)
	branch, err := client.GetBranch(context.Background(), "org", "repo", "release-1.2")
	if err != nil {
		t.Fatalf("GetBranch failed: %v", err)
	}
	if branch.SHA != "abc123" || !branch.Protected {
		t.Errorf("unexpected branch: %+v", branch)
	}
}

func TestGetPRDiff_SetsAcceptHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Accept"); got != "application/vnd.github.v3.diff" {
			t.Errorf("Accept = %q", got)
		}
		fmt.Fprint(w, "diff --git a/main.go b/main.go\n")
	}))
	defer srv.Close()

	client := NewPATClient("test-token", srv.URL)
	diff, err := client.GetPRDiff(context.Background(), "org", "repo", 7)
	if err != nil {
		t.Fatalf("GetPRDiff failed: %v", err)
	}
	if diff == "" {
		t.Error("expected non-empty diff")
	}
}

func TestListPRCommits_PaginatesAndPreservesOrder(t *testing.T) {
	page1 := make([]map[string]interface{}, commitsPerPage)
	for i := range page1 {
		page1[i] = map[string]interface{}{
			"sha":    fmt.Sprintf("sha-%03d", i),
			"commit": map[string]interface{}{"message": fmt.Sprintf("commit %d", i)},
		}
	}
	page2 := []map[string]interface{}{
		{"sha": "sha-last", "commit": map[string]interface{}{"message": "final commit"}},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page") {
		case "1":
			_ = json.NewEncoder(w).Encode(page1)
		case "2":
			_ = json.NewEncoder(w).Encode(page2)
		default:
			_ = json.NewEncoder(w).Encode([]any{})
		}
	}))
	defer srv.Close()

	client := NewPATClient("test-token", srv.URL)
	commits, err := client.ListPRCommits(context.Background(), "org", "repo", 12)
	if err != nil {
		t.Fatalf("ListPRCommits failed: %v", err)
	}
	if len(commits) != commitsPerPage+1 {
		t.Fatalf("expected %d commits, got %d", commitsPerPage+1, len(commits))
	}
	if commits[0].SHA != "sha-000" {
		t.Errorf("first commit = %s", commits[0].SHA)
	}
	if commits[len(commits)-1].SHA != "sha-last" {
		t.Errorf("last commit = %s", commits[len(commits)-1].SHA)
	}
}

func TestGetPermissionLevel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repos/org/repo/collaborators/alice/permission":
			fmt.Fprint(w, `{"permission":"write"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"message":"Not Found"}`)
		}
	}))
	defer srv.Close()

	client := NewPATClient("test-token", srv.URL)

	perm, err := client.GetPermissionLevel(context.Background(), "org", "repo", "alice")
	if err != nil {
		t.Fatalf("GetPermissionLevel failed: %v", err)
	}
	if perm != "write" {
		t.Errorf("permission = %q, want write", perm)
	}

	perm, err = client.GetPermissionLevel(context.Background(), "org", "repo", "stranger")
	if err != nil {
		t.Fatalf("GetPermissionLevel for non-collaborator failed: %v", err)
	}
	if perm != "none" {
		t.Errorf("permission = %q, want none", perm)
	}
}

func TestCreatePR_SendsPayloadAndAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "token test-token" {
			t.Errorf("Authorization = %q", got)
		}
		var payload map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload["head"] != "backport/pr-42-to-release-1.2" || payload["base"] != "release-1.2" {
			t.Errorf("unexpected payload: %v", payload)
		}
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"number":101,"state":"open","html_url":"https://github.com/org/repo/pull/101","user":{"login":"backportd"},"head":{"ref":"backport/pr-42-to-release-1.2"},"base":{"ref":"release-1.2"}}`)
	}))
	defer srv.Close()

	client := NewPATClient("test-token", srv.URL)
	pr, err := client.CreatePR(context.Background(), "org", "repo", CreatePRParams{
		Title: "[Backport release-1.2] Fix widget overflow",
		Body:  "Automated backport",
		Head:  "backport/pr-42-to-release-1.2",
		Base:  "release-1.2",
	})
	if err != nil {
		t.Fatalf("CreatePR failed: %v", err)
	}
	if pr.Number != 101 {
		t.Errorf("number = %d, want 101", pr.Number)
	}
}

func TestStatusCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, `{"message":"A pull request already exists"}`)
	}))
	defer srv.Close()

	client := NewPATClient("test-token", srv.URL)
	_, err := client.CreatePR(context.Background(), "org", "repo", CreatePRParams{Head: "b", Base: "main"})
	if err == nil {
		t.Fatal("expected error")
	}
	if StatusCode(err) != http.StatusUnprocessableEntity {
		t.Errorf("StatusCode = %d, want 422", StatusCode(err))
	}
	if StatusCode(errors.New("plain")) != 0 {
		t.Errorf("StatusCode for non-API error should be 0")
	}
}
