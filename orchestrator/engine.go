package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/BaSui01/synapse/broadcast"
	"github.com/BaSui01/synapse/broker"
	"github.com/BaSui01/synapse/checkpoint"
	"github.com/BaSui01/synapse/gather"
	"github.com/BaSui01/synapse/internal/metrics"
	"github.com/BaSui01/synapse/storage"
	"github.com/BaSui01/synapse/types"
)

// Engine drives the turn cycle. Its two handlers are the orchestration
// queue's entry points: start_turn builds a fresh turn from a user message,
// worker_result collects produced messages and continues the turn. Between
// invocations all state lives in the checkpoint and coordination stores;
// the engine itself holds only wiring.
type Engine struct {
	checkpoints checkpoint.Store
	gatherings  *gather.Store
	dispatcher  *Dispatcher
	store       *storage.Store
	publisher   broadcast.Publisher
	ceiling     int
	metrics     *metrics.Collector
	logger      *zap.Logger
}

// EngineConfig configures the turn engine.
type EngineConfig struct {
	// TurnCeiling bounds router invocations per turn. Zero means the
	// default.
	TurnCeiling int `yaml:"turn_ceiling" json:"turn_ceiling"`
}

// NewEngine wires the turn engine. A nil collector gets an isolated registry
// so callers that do not scrape metrics need no setup.
func NewEngine(
	checkpoints checkpoint.Store,
	gatherings *gather.Store,
	dispatcher *Dispatcher,
	store *storage.Store,
	publisher broadcast.Publisher,
	config EngineConfig,
	collector *metrics.Collector,
	logger *zap.Logger,
) *Engine {
	if config.TurnCeiling <= 0 {
		config.TurnCeiling = DefaultTurnCeiling
	}
	if collector == nil {
		collector = metrics.NewCollector("synapse", prometheus.NewRegistry(), nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		checkpoints: checkpoints,
		gatherings:  gatherings,
		dispatcher:  dispatcher,
		store:       store,
		publisher:   publisher,
		ceiling:     config.TurnCeiling,
		metrics:     collector,
		logger:      logger.With(zap.String("component", "engine")),
	}
}

// Register attaches the engine's handlers to an orchestration-queue worker.
func (e *Engine) Register(w *broker.Worker) {
	w.Handle(broker.JobStartTurn, e.HandleStartTurn)
	w.Handle(broker.JobWorkerResult, e.HandleWorkerResult)
}

// HandleStartTurn begins a turn from an inbound user message. The thread id
// is the group id: one conversation, one checkpointed transcript. An
// existing checkpoint means a continuing conversation; the transcript is
// kept and the routing counters reset for the new turn.
func (e *Engine) HandleStartTurn(ctx context.Context, payload []byte) error {
	var job broker.StartTurnPayload
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("decode start_turn payload: %w", err)
	}

	e.logger.Info("turn started",
		zap.String("group_id", job.GroupID),
		zap.String("turn_id", job.TurnID))

	members, err := e.store.ListMembers(ctx, job.GroupID)
	if err != nil {
		return fmt.Errorf("load members for group %s: %w", job.GroupID, err)
	}

	userMsg := types.NewMessage(types.SenderUser, job.Content)
	if job.MessageID != "" {
		userMsg.ID = job.MessageID
	}

	state, err := e.checkpoints.Load(ctx, job.GroupID)
	if checkpoint.IsNotFound(err) {
		state = &types.TurnState{GroupID: job.GroupID}
	} else if err != nil {
		return fmt.Errorf("load checkpoint for thread %s: %w", job.GroupID, err)
	}

	state.Messages = append(state.Messages, userMsg)
	state.GroupMembers = members
	state.TurnCount = 0
	state.TurnID = job.TurnID
	state.StartedAt = time.Now().UTC()

	e.metrics.TurnsStarted.Inc()
	return e.continueTurn(ctx, job.GroupID, state)
}

// HandleWorkerResult is the collector. A result with no gathering id resumes
// the turn immediately; a gathered result is appended to its gathering, and
// only the invocation that both reaches the expected count and wins the
// one-shot claim drains the batch and resumes the turn.
func (e *Engine) HandleWorkerResult(ctx context.Context, payload []byte) error {
	var job broker.WorkerResultPayload
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("decode worker_result payload: %w", err)
	}
	e.metrics.WorkerResults.Inc()

	if job.GatheringID == "" {
		return e.resume(ctx, job.ThreadID, []types.Message{job.Message})
	}

	received, expected, err := e.gatherings.Append(ctx, job.GatheringID, job.Message)
	if errors.Is(err, gather.ErrExpired) {
		// Data-loss prevention: the batch context is gone but the message
		// is not. Process it solo.
		e.metrics.GatherExpired.Inc()
		e.logger.Error("gathering expired, processing result solo",
			zap.String("thread_id", job.ThreadID),
			zap.String("gathering_id", job.GatheringID))
		return e.resume(ctx, job.ThreadID, []types.Message{job.Message})
	}
	if err != nil {
		return types.NewError(types.ErrDispatchFailed, fmt.Sprintf("append to gathering %s: %v", job.GatheringID, err)).
			WithCause(err).WithRetryable(true)
	}

	e.logger.Debug("gathering progress",
		zap.String("gathering_id", job.GatheringID),
		zap.Int64("received", received),
		zap.Int64("expected", expected))

	if received < expected {
		return nil
	}

	won, err := e.gatherings.Claim(ctx, job.GatheringID)
	if err != nil {
		return types.NewError(types.ErrDispatchFailed, fmt.Sprintf("claim gathering %s: %v", job.GatheringID, err)).
			WithCause(err).WithRetryable(true)
	}
	if !won {
		// A concurrent completion already owns the resume.
		return nil
	}

	batch, err := e.gatherings.Drain(ctx, job.GatheringID)
	if err != nil {
		return types.NewError(types.ErrDispatchFailed, fmt.Sprintf("drain gathering %s: %v", job.GatheringID, err)).
			WithCause(err).WithRetryable(true)
	}
	e.metrics.GatherWins.Inc()
	return e.resume(ctx, job.ThreadID, batch)
}

// resume loads the checkpoint, appends the batch, and runs one continuation
// cycle. A missing checkpoint here is a consistency fault, not a fresh
// start.
func (e *Engine) resume(ctx context.Context, threadID string, batch []types.Message) error {
	state, err := e.checkpoints.Load(ctx, threadID)
	if checkpoint.IsNotFound(err) {
		return types.NewError(types.ErrCheckpointMissing,
			fmt.Sprintf("no checkpoint for in-flight thread %s", threadID))
	}
	if err != nil {
		return fmt.Errorf("load checkpoint for thread %s: %w", threadID, err)
	}

	// Batch order is completion order; the final element is the message the
	// next routing pass inspects.
	state.Messages = append(state.Messages, batch...)
	return e.continueTurn(ctx, threadID, state)
}

// continueTurn runs one cycle: route, flush the transcript, dispatch, and
// checkpoint. The flush happens before dispatch so workers only ever see
// durably stored history.
func (e *Engine) continueTurn(ctx context.Context, threadID string, state *types.TurnState) error {
	decision := Route(state, e.ceiling)
	state.TurnCount = decision.TurnCount
	state.NextActors = decision.NextActors
	e.metrics.RouterDecisions.WithLabelValues(decisionOutcome(decision)).Inc()

	if err := e.flush(ctx, state); err != nil {
		e.metrics.PersistFailures.Inc()
		return err
	}

	if !decision.Finished {
		dispatched, err := e.dispatcher.Dispatch(ctx, threadID, state)
		if err != nil {
			return err
		}
		if err := e.checkpoints.Save(ctx, threadID, state); err != nil {
			return fmt.Errorf("save checkpoint for thread %s: %w", threadID, err)
		}
		if !dispatched {
			// Routing produced neither actors nor tool work; nothing will
			// re-enter the cycle.
			e.logger.Warn("cycle ended without dispatch or finish",
				zap.String("thread_id", threadID),
				zap.Int("turn_count", state.TurnCount))
		}
		return nil
	}

	if err := e.checkpoints.Save(ctx, threadID, state); err != nil {
		return fmt.Errorf("save checkpoint for thread %s: %w", threadID, err)
	}

	e.metrics.TurnsFinished.WithLabelValues(string(decision.Reason)).Inc()
	if !state.StartedAt.IsZero() {
		e.metrics.TurnDuration.Observe(time.Since(state.StartedAt).Seconds())
	}
	logFn := e.logger.Info
	if decision.Reason == FinishCeiling {
		// The safety fuse tripping is never a normal end.
		logFn = e.logger.Warn
	}
	logFn("turn finished",
		zap.String("thread_id", threadID),
		zap.String("turn_id", state.TurnID),
		zap.String("reason", string(decision.Reason)),
		zap.Int("turn_count", state.TurnCount))
	return nil
}

// flush persists unsaved messages to the durable log, broadcasts them, and
// advances the saved index. The index never advances past a failed write;
// the caller retries the whole continuation and the message-id idempotency
// of the log absorbs the replay.
func (e *Engine) flush(ctx context.Context, state *types.TurnState) error {
	unsaved := state.UnsavedMessages()
	if len(unsaved) == 0 {
		return nil
	}

	if err := e.store.SaveTurnMessages(ctx, state.GroupID, state.TurnID, unsaved); err != nil {
		return err
	}

	for _, msg := range unsaved {
		if err := e.publisher.Publish(ctx, state.GroupID, state.TurnID, msg); err != nil {
			// Broadcast is best-effort; the durable write already landed
			// and clients can backfill over the history API.
			e.logger.Warn("broadcast failed",
				zap.String("group_id", state.GroupID),
				zap.String("message_id", msg.ID),
				zap.Error(err))
		}
	}

	state.LastSavedIndex += len(unsaved)
	return nil
}

func decisionOutcome(decision Decision) string {
	switch {
	case decision.Finished:
		return string(decision.Reason)
	case len(decision.NextActors) > 0:
		return "agents"
	default:
		return "tools"
	}
}
