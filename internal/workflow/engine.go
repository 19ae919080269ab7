// Package workflow provides a durable step runner for backport jobs. Each
// step's result is checkpointed after it completes, so a restarted process
// re-runs a job from the first unfinished step instead of from scratch.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/backportd/backportd/internal/common/logger"
	"github.com/backportd/backportd/internal/common/tracing"
)

// StepLog abstracts checkpoint persistence for completed steps.
type StepLog interface {
	// MarkStepDone records that a step completed with a serialized result.
	MarkStepDone(ctx context.Context, jobID, stepID string, result []byte) error
	// StepResult returns the recorded result and whether the step completed.
	StepResult(ctx context.Context, jobID, stepID string) ([]byte, bool, error)
}

// Step is one unit of a job's workflow. Run produces the step's result,
// which is JSON-encoded into the checkpoint. Restore, when set, rehydrates
// that result on resume so later steps see the same inputs they would have
// seen on the first pass.
type Step struct {
	ID      string
	Run     func(ctx context.Context) (any, error)
	Restore func(result []byte) error
}

// RunResult summarizes one engine pass over a job's steps.
type RunResult struct {
	Completed []string // steps executed during this pass
	Skipped   []string // steps already checkpointed and skipped
}

// Engine runs steps in order, skipping the ones already checkpointed.
type Engine struct {
	log    StepLog
	logger *logger.Logger
}

// New creates a workflow engine.
func New(log StepLog, logr *logger.Logger) *Engine {
	return &Engine{log: log, logger: logr}
}

// Run executes steps in order for the given job. A step that fails is not
// checkpointed, so the next pass retries it; steps before it stay skipped.
func (e *Engine) Run(ctx context.Context, jobID string, steps []Step) (RunResult, error) {
	var result RunResult
	if jobID == "" {
		return result, fmt.Errorf("job_id is required")
	}
	if err := validateSteps(steps); err != nil {
		return result, err
	}

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		data, done, err := e.log.StepResult(ctx, jobID, step.ID)
		if err != nil {
			return result, fmt.Errorf("failed to read checkpoint for step %s: %w", step.ID, err)
		}
		if done {
			if step.Restore != nil {
				if err := step.Restore(data); err != nil {
					return result, fmt.Errorf("failed to restore step %s: %w", step.ID, err)
				}
			}
			result.Skipped = append(result.Skipped, step.ID)
			e.logger.Debug("Skipping completed step",
				zap.String("job_id", jobID),
				zap.String("step_id", step.ID))
			continue
		}

		e.logger.Debug("Running step",
			zap.String("job_id", jobID),
			zap.String("step_id", step.ID))
		stepCtx, span := tracing.Tracer("backportd-workflow").Start(ctx, "workflow."+step.ID)
		out, err := step.Run(stepCtx)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.End()
			return result, fmt.Errorf("step %s: %w", step.ID, err)
		}
		span.End()

		payload, err := json.Marshal(out)
		if err != nil {
			return result, fmt.Errorf("failed to encode result of step %s: %w", step.ID, err)
		}
		if err := e.log.MarkStepDone(ctx, jobID, step.ID, payload); err != nil {
			return result, fmt.Errorf("failed to checkpoint step %s: %w", step.ID, err)
		}
		result.Completed = append(result.Completed, step.ID)
	}

	return result, nil
}

func validateSteps(steps []Step) error {
	seen := make(map[string]struct{}, len(steps))
	for _, step := range steps {
		if step.ID == "" {
			return fmt.Errorf("step with empty ID")
		}
		if step.Run == nil {
			return fmt.Errorf("step %s has no Run function", step.ID)
		}
		if _, ok := seen[step.ID]; ok {
			return fmt.Errorf("duplicate step ID: %s", step.ID)
		}
		seen[step.ID] = struct{}{}
	}
	return nil
}
