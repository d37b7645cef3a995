package workflows

import (
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const (
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

type RunResult struct {
	Status string
	Answer string
	Loops  int
}

// ResearchWorkflow runs a single research session. Sessions are not retried:
// a failed attempt is reported as run.failed and the run must be retried
// from the control plane.
func ResearchWorkflow(ctx workflow.Context, input ResearchInput) (RunResult, error) {
	activityOptions := workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Minute,
		HeartbeatTimeout:    5 * time.Minute,
		WaitForCancellation: true,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions)
	logger := workflow.GetLogger(ctx)

	var output ResearchOutput
	err := workflow.ExecuteActivity(ctx, "RunResearch", input).Get(ctx, &output)
	if err == nil {
		return RunResult{Status: output.Status, Answer: output.Answer, Loops: output.Loops}, nil
	}

	var canceledErr *temporal.CanceledError
	if errors.As(err, &canceledErr) || ctx.Err() != nil {
		logger.Info("research cancelled", "run_id", input.RunID)
		return RunResult{Status: StatusCancelled}, nil
	}

	logger.Error("research activity failed", "run_id", input.RunID, "error", err)
	failureInput := RunFailureInput{
		RunID: input.RunID,
		Error: "research: " + err.Error(),
	}
	if failureErr := workflow.ExecuteActivity(ctx, "HandleRunFailure", failureInput).Get(ctx, nil); failureErr != nil {
		logger.Error("failed to persist run failure event", "error", failureErr)
	}
	return RunResult{Status: StatusFailed}, nil
}
