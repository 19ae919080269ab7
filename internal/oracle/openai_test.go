package oracle

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/backportd/backportd/internal/common/config"
	"github.com/backportd/backportd/internal/common/logger"
	"github.com/backportd/backportd/internal/job/models"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	logr, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return logr
}

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		name  string
		reply string
		want  string
		ok    bool
	}{
		{"plain", `{"confidence":0.9}`, `{"confidence":0.9}`, true},
		{"fenced", "```json\n{\"confidence\":0.9}\n```", `{"confidence":0.9}`, true},
		{"fenced no lang", "```\n{\"a\":1}\n```", `{"a":1}`, true},
		{"prose wrapped", "Here is the analysis:\n{\"a\":1}\nHope that helps.", `{"a":1}`, true},
		{"no object", "I cannot analyze this diff.", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := extractJSON(tc.reply)
			if tc.ok && err != nil {
				t.Fatalf("extractJSON failed: %v", err)
			}
			if !tc.ok {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestDecodeReply(t *testing.T) {
	reply := "```json\n{\"can_backport\": false, \"confidence\": 1.4, \"effort\": \"difficult\"}\n```"
	var f models.BackportFeasibility
	if err := decodeReply(reply, &f); err != nil {
		t.Fatalf("decodeReply failed: %v", err)
	}
	if f.CanBackport {
		t.Error("expected can_backport false")
	}
	if f.Effort != models.EffortDifficult {
		t.Errorf("effort = %q", f.Effort)
	}
}

func TestClamp01(t *testing.T) {
	cases := map[float64]float64{-0.5: 0, 0: 0, 0.7: 0.7, 1: 1, 1.4: 1}
	for in, want := range cases {
		if got := clamp01(in); got != want {
			t.Errorf("clamp01(%v) = %v, want %v", in, got, want)
		}
	}
}

func TestTruncateDiff(t *testing.T) {
	o := &OpenAIOracle{maxDiffBytes: 10}
	if got := o.truncateDiff("short"); got != "short" {
		t.Errorf("short diff changed: %q", got)
	}
	got := o.truncateDiff("0123456789abcdef")
	if !strings.HasPrefix(got, "0123456789") || !strings.Contains(got, "truncated") {
		t.Errorf("truncation wrong: %q", got)
	}

	unlimited := &OpenAIOracle{}
	if got := unlimited.truncateDiff("0123456789abcdef"); got != "0123456789abcdef" {
		t.Errorf("zero ceiling should not truncate: %q", got)
	}
}

func TestBuildFeasibilityPrompt(t *testing.T) {
	prompt := buildFeasibilityPrompt(FeasibilityRequest{
		Diff:         "diff --git a/x b/x",
		SourceBranch: "main",
		TargetBranch: "release-1.2",
		Analysis:     &models.DiffAnalysis{Summary: "fixes nil deref", Intent: "stability"},
		TargetContext: []models.Commit{
			{SHA: "aaaabbbbccccdddd", Message: "chore: bump deps\n\nlong body"},
		},
	})
	for _, want := range []string{"release-1.2", "fixes nil deref", "aaaabbbb", "chore: bump deps"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if strings.Contains(prompt, "long body") {
		t.Error("commit body should be trimmed to the subject line")
	}
}

func TestBuildResolvePrompt(t *testing.T) {
	prompt := buildResolvePrompt(ResolveConflictRequest{
		File:          "pkg/widget.go",
		MarkedContent: "<<<<<<< HEAD\nours\n=======\ntheirs\n>>>>>>> abc",
		Theirs:        "theirs",
		Ours:          "ours",
		Intent:        "rename the widget field",
	})
	for _, want := range []string{"pkg/widget.go", "<<<<<<< HEAD", "rename the widget field", "(theirs)", "(ours)"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

// chatReply builds the minimal chat-completions response body the client
// needs, with content delivered as a fenced block the decoder must strip.
func chatReply(content string) string {
	return fmt.Sprintf(`{"choices":[{"message":{"role":"assistant","content":%q}}]}`, content)
}

func TestAnalyzeFeasibility_EndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, chatReply("```json\n{\"can_backport\": true, \"confidence\": 1.2, \"effort\": \"easy\"}\n```"))
	}))
	defer srv.Close()

	o := NewOpenAIOracle(config.OracleConfig{
		APIKey:  "test-key",
		Model:   "gpt-4o",
		BaseURL: srv.URL,
		Timeout: 5,
	}, newTestLogger(t))

	f, err := o.AnalyzeFeasibility(context.Background(), FeasibilityRequest{Diff: "diff", TargetBranch: "release-1.2"})
	if err != nil {
		t.Fatalf("AnalyzeFeasibility failed: %v", err)
	}
	if !f.CanBackport {
		t.Error("expected can_backport true")
	}
	if f.Confidence != 1.0 {
		t.Errorf("confidence = %v, want clamped 1.0", f.Confidence)
	}
}

func TestDescribeBackport_StripsFences(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, chatReply("```markdown\nAutomated backport of #42.\n```"))
	}))
	defer srv.Close()

	o := NewOpenAIOracle(config.OracleConfig{APIKey: "test-key", Model: "gpt-4o", BaseURL: srv.URL}, newTestLogger(t))
	body, err := o.DescribeBackport(context.Background(), DescribeRequest{SourcePR: 42, TargetBranch: "release-1.2"})
	if err != nil {
		t.Fatalf("DescribeBackport failed: %v", err)
	}
	if body != "Automated backport of #42." {
		t.Errorf("body = %q", body)
	}
}
