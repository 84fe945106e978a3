// Package worker hosts the execution side of the engine. Executors consume
// run_agent and run_tool jobs, perform the actual LLM or tool invocation,
// and feed the produced message back to the orchestration queue as a
// worker_result job.
package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/synapse/agents"
	"github.com/BaSui01/synapse/broker"
	"github.com/BaSui01/synapse/tools"
	"github.com/BaSui01/synapse/types"
)

// Executor handles execution-queue jobs. Every handled job produces exactly
// one worker_result; unit-of-work failures are substituted with system_error
// messages so gatherings always complete.
type Executor struct {
	runner   *agents.Runner
	registry *tools.Registry
	broker   broker.Broker
	logger   *zap.Logger
}

// NewExecutor creates an executor over the given runner and tool registry.
func NewExecutor(runner *agents.Runner, registry *tools.Registry, b broker.Broker, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		runner:   runner,
		registry: registry,
		broker:   b,
		logger:   logger.With(zap.String("component", "executor")),
	}
}

// Register attaches the executor's handlers to an execution-queue worker.
func (e *Executor) Register(w *broker.Worker) {
	w.Handle(broker.JobRunAgent, e.HandleRunAgent)
	w.Handle(broker.JobRunTool, e.HandleRunTool)
}

// HandleRunAgent invokes one agent and reports the result.
func (e *Executor) HandleRunAgent(ctx context.Context, payload []byte) error {
	var job broker.RunAgentPayload
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("decode run_agent payload: %w", err)
	}

	msg := e.runner.Run(ctx, job.Alias, job.Messages, job.Members)
	e.logger.Info("agent executed",
		zap.String("thread_id", job.ThreadID),
		zap.String("alias", job.Alias),
		zap.String("sender", msg.SenderAlias))

	return e.report(ctx, broker.WorkerResultPayload{
		ThreadID:    job.ThreadID,
		Message:     msg,
		GatheringID: job.GatheringID,
	})
}

// HandleRunTool invokes one tool call and reports the result. Tool failures
// become descriptive tool result messages, not handler errors, so the model
// can see what went wrong and react.
func (e *Executor) HandleRunTool(ctx context.Context, payload []byte) error {
	var job broker.RunToolPayload
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("decode run_tool payload: %w", err)
	}

	result, err := e.registry.Invoke(ctx, job.ToolName, job.Arguments)
	if err != nil {
		e.logger.Warn("tool invocation failed",
			zap.String("thread_id", job.ThreadID),
			zap.String("tool", job.ToolName),
			zap.Error(err))
		result = fmt.Sprintf("Error: tool %q failed: %v", job.ToolName, err)
	}

	msg := types.NewToolMessage(job.ToolCallID, job.ToolName, result)
	return e.report(ctx, broker.WorkerResultPayload{
		ThreadID:    job.ThreadID,
		Message:     msg,
		GatheringID: job.GatheringID,
	})
}

// report re-enters the orchestration cycle. An error here is the one failure
// an executor cannot substitute away; the broker has already exhausted its
// retries by the time it surfaces.
func (e *Executor) report(ctx context.Context, result broker.WorkerResultPayload) error {
	if err := e.broker.Enqueue(ctx, broker.QueueOrchestrator, broker.JobWorkerResult, result); err != nil {
		return fmt.Errorf("enqueue worker_result for thread %s: %w", result.ThreadID, err)
	}
	return nil
}
