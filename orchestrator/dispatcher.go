package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/synapse/broker"
	"github.com/BaSui01/synapse/gather"
	"github.com/BaSui01/synapse/types"
)

// Dispatcher enqueues one execution job per pending unit of work. It never
// mutates turn state; enqueuing is its only side effect.
type Dispatcher struct {
	broker     broker.Broker
	gatherings *gather.Store
	logger     *zap.Logger
}

// NewDispatcher creates a dispatcher over the given broker and gathering
// store.
func NewDispatcher(b broker.Broker, gatherings *gather.Store, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		broker:     b,
		gatherings: gatherings,
		logger:     logger.With(zap.String("component", "dispatcher")),
	}
}

// Dispatch enqueues jobs for the pending work in state and reports whether
// any were enqueued. Tool calls on the last message take precedence over
// next_actors; tools are always awaited individually, so no gathering is
// created for them.
func (d *Dispatcher) Dispatch(ctx context.Context, threadID string, state *types.TurnState) (bool, error) {
	last := state.LastMessage()
	if last == nil {
		return false, nil
	}

	if last.HasToolCalls() {
		for _, call := range last.ToolCalls {
			d.logger.Info("dispatching tool",
				zap.String("thread_id", threadID),
				zap.String("tool", call.Name))
			payload := broker.RunToolPayload{
				ToolName:   call.Name,
				Arguments:  call.Arguments,
				ToolCallID: call.ID,
				ThreadID:   threadID,
			}
			if err := d.broker.Enqueue(ctx, broker.QueueExecution, broker.JobRunTool, payload); err != nil {
				return false, fmt.Errorf("dispatch tool %s: %w", call.Name, err)
			}
		}
		return true, nil
	}

	if len(state.NextActors) == 0 {
		return false, nil
	}

	gatheringID := ""
	if len(state.NextActors) > 1 {
		id, err := d.gatherings.Create(ctx, len(state.NextActors))
		if err != nil {
			return false, fmt.Errorf("create gathering: %w", err)
		}
		gatheringID = id
	}

	for _, alias := range state.NextActors {
		d.logger.Info("dispatching agent",
			zap.String("thread_id", threadID),
			zap.String("alias", alias),
			zap.String("gathering_id", gatheringID))
		payload := broker.RunAgentPayload{
			Alias:       alias,
			Messages:    state.Messages,
			Members:     state.GroupMembers,
			ThreadID:    threadID,
			GatheringID: gatheringID,
		}
		if err := d.broker.Enqueue(ctx, broker.QueueExecution, broker.JobRunAgent, payload); err != nil {
			return false, fmt.Errorf("dispatch agent %s: %w", alias, err)
		}
	}
	return true, nil
}
