package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/backportd/backportd/internal/events/bus"
)

// backportCommandRe matches "backport to <branch>" anywhere in a comment,
// case-insensitive, with the branch optionally wrapped in backticks.
var backportCommandRe = regexp.MustCompile("(?i)backport\\s+to\\s+`?([^\\s`]+)`?")

// ParseBackportCommand extracts the target branch from a comment body. The
// second return is false when the body contains no backport command.
func ParseBackportCommand(body string) (string, bool) {
	m := backportCommandRe.FindStringSubmatch(body)
	if m == nil {
		return "", false
	}
	// Commands arrive in prose; shed trailing punctuation but keep dots
	// inside version-style branch names.
	branch := strings.TrimRight(m[1], ".,;:!?")
	if branch == "" {
		return "", false
	}
	return branch, true
}

// handleTriggerComment is the bus intake: it inspects PR comment events for
// a backport command and submits a job when one is found. Comments without
// a command are ignored. Rejections are terminal for the event; only
// infrastructure errors propagate so the bus can log them.
func (s *Service) handleTriggerComment(ctx context.Context, event *bus.Event) error {
	body := stringField(event.Data, "body")
	branch, ok := ParseBackportCommand(body)
	if !ok {
		return nil
	}

	req := TriggerRequest{
		Requester:    stringField(event.Data, "author"),
		RepoOwner:    stringField(event.Data, "repo_owner"),
		RepoName:     stringField(event.Data, "repo_name"),
		PRNumber:     intField(event.Data, "pr_number"),
		TargetBranch: branch,
		CommentID:    int64Field(event.Data, "comment_id"),
	}

	job, err := s.Submit(ctx, req)
	if err != nil {
		if errors.Is(err, ErrInvalidTrigger) || errors.Is(err, ErrNotAuthorized) {
			s.logger.Warn("Comment trigger rejected",
				zap.String("requester", req.Requester),
				zap.String("repo", req.RepoOwner+"/"+req.RepoName),
				zap.Error(err))
			return nil
		}
		return err
	}

	s.logger.Debug("Comment trigger accepted",
		zap.String("job_id", job.ID),
		zap.String("target_branch", branch))
	return nil
}

// stringField reads a string out of loosely typed event data.
func stringField(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

// intField reads an integer out of loosely typed event data. JSON transports
// deliver numbers as float64, the in-memory bus keeps native ints.
func intField(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	default:
		return 0
	}
}

func int64Field(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	default:
		return 0
	}
}
