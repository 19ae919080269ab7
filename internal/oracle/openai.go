package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/backportd/backportd/internal/common/config"
	"github.com/backportd/backportd/internal/common/logger"
	"github.com/backportd/backportd/internal/job/models"
)

// chatTemperature keeps replies deterministic enough to parse; the prompts
// ask for structured answers, not creative writing.
const chatTemperature = 0.2

// OpenAIOracle implements Oracle against an OpenAI-compatible chat API.
type OpenAIOracle struct {
	client       *openai.Client
	model        string
	timeout      time.Duration
	maxDiffBytes int
	logger       *logger.Logger
}

var _ Oracle = (*OpenAIOracle)(nil)

// NewOpenAIOracle creates an oracle backed by the configured chat model.
func NewOpenAIOracle(cfg config.OracleConfig, logr *logger.Logger) *OpenAIOracle {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return &OpenAIOracle{
		client:       openai.NewClientWithConfig(clientCfg),
		model:        cfg.Model,
		timeout:      cfg.TimeoutDuration(),
		maxDiffBytes: cfg.MaxDiffBytes,
		logger:       logr.WithFields(zap.String("component", "oracle")),
	}
}

// AnalyzeDiff classifies a change-set into a structured DiffAnalysis.
func (o *OpenAIOracle) AnalyzeDiff(ctx context.Context, req AnalyzeDiffRequest) (*models.DiffAnalysis, error) {
	req.Diff = o.truncateDiff(req.Diff)
	reply, err := o.chat(ctx, analyzeSystem, buildAnalyzePrompt(req))
	if err != nil {
		return nil, fmt.Errorf("failed to analyze diff: %w", err)
	}
	var analysis models.DiffAnalysis
	if err := decodeReply(reply, &analysis); err != nil {
		return nil, fmt.Errorf("failed to parse diff analysis: %w", err)
	}
	o.logger.Debug("Diff analyzed",
		zap.String("category", analysis.Category),
		zap.String("complexity", analysis.Complexity),
		zap.Int("changes", len(analysis.Changes)))
	return &analysis, nil
}

// AnalyzeFeasibility predicts whether the change-set can be ported to the
// target branch. Confidence is clamped into [0,1] before callers gate on it.
func (o *OpenAIOracle) AnalyzeFeasibility(ctx context.Context, req FeasibilityRequest) (*models.BackportFeasibility, error) {
	req.Diff = o.truncateDiff(req.Diff)
	reply, err := o.chat(ctx, feasibilitySystem, buildFeasibilityPrompt(req))
	if err != nil {
		return nil, fmt.Errorf("failed to analyze feasibility: %w", err)
	}
	var feasibility models.BackportFeasibility
	if err := decodeReply(reply, &feasibility); err != nil {
		return nil, fmt.Errorf("failed to parse feasibility: %w", err)
	}
	feasibility.Confidence = clamp01(feasibility.Confidence)
	o.logger.Debug("Feasibility assessed",
		zap.Bool("can_backport", feasibility.CanBackport),
		zap.Float64("confidence", feasibility.Confidence))
	return &feasibility, nil
}

// ResolveConflict proposes resolved content for one conflicted file.
func (o *OpenAIOracle) ResolveConflict(ctx context.Context, req ResolveConflictRequest) (*models.ConflictResolution, error) {
	reply, err := o.chat(ctx, resolveSystem, buildResolvePrompt(req))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve conflict in %s: %w", req.File, err)
	}
	var resolution models.ConflictResolution
	if err := decodeReply(reply, &resolution); err != nil {
		return nil, fmt.Errorf("failed to parse resolution for %s: %w", req.File, err)
	}
	resolution.Confidence = clamp01(resolution.Confidence)
	o.logger.Debug("Conflict resolution proposed",
		zap.String("file", req.File),
		zap.Float64("confidence", resolution.Confidence))
	return &resolution, nil
}

// DescribeBackport writes the backport PR body.
func (o *OpenAIOracle) DescribeBackport(ctx context.Context, req DescribeRequest) (string, error) {
	reply, err := o.chat(ctx, describeSystem, buildDescribePrompt(req))
	if err != nil {
		return "", fmt.Errorf("failed to describe backport: %w", err)
	}
	return strings.TrimSpace(stripFences(reply)), nil
}

// chat sends one system+user exchange and returns the raw reply text.
func (o *OpenAIOracle) chat(ctx context.Context, system, user string) (string, error) {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.model,
		Temperature: chatTemperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (o *OpenAIOracle) truncateDiff(diff string) string {
	if o.maxDiffBytes <= 0 || len(diff) <= o.maxDiffBytes {
		return diff
	}
	return diff[:o.maxDiffBytes] + "\n... (diff truncated)"
}

// decodeReply extracts the JSON object from a chat reply and unmarshals it.
// Models wrap answers in markdown fences or lead-in prose often enough that
// decoding the raw reply directly is not reliable.
func decodeReply(reply string, v interface{}) error {
	payload, err := extractJSON(reply)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(payload), v)
}

func extractJSON(reply string) (string, error) {
	s := stripFences(reply)
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return "", fmt.Errorf("no JSON object in reply")
	}
	return s[start : end+1], nil
}

func stripFences(reply string) string {
	s := strings.TrimSpace(reply)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
