package workflows

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/client"
)

const DefaultTaskQueue = "researcher-runs"

type Service struct {
	client    client.Client
	taskQueue string
}

func NewService(client client.Client, taskQueue string) *Service {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	return &Service{client: client, taskQueue: taskQueue}
}

// StartRun starts the research workflow for runID. Retrying a finished run
// reuses the workflow ID; Temporal allows that once the previous execution
// has closed.
func (s *Service) StartRun(ctx context.Context, runID string, query string) error {
	options := client.StartWorkflowOptions{
		ID:        workflowID(runID),
		TaskQueue: s.taskQueue,
	}
	_, err := s.client.ExecuteWorkflow(ctx, options, ResearchWorkflow, ResearchInput{RunID: runID, Query: query})
	return err
}

func (s *Service) CancelRun(ctx context.Context, runID string) error {
	return s.client.CancelWorkflow(ctx, workflowID(runID), "")
}

func (s *Service) CheckHealth(ctx context.Context) error {
	_, err := s.client.CheckHealth(ctx, &client.CheckHealthRequest{})
	return err
}

func workflowID(runID string) string {
	return fmt.Sprintf("run:%s", runID)
}
