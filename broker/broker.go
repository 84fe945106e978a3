// Package broker provides at-least-once delivery of named jobs over Redis
// Streams. Two named queues keep orchestration-cycle jobs and heavy
// execution jobs (agent and tool invocations) independently scalable.
package broker

import (
	"context"
	"encoding/json"
	"time"
)

// Queue names. Orchestration jobs (turn starts, collector re-entries) are
// cheap and latency-sensitive; execution jobs block on external LLM and tool
// calls and are scaled separately.
const (
	QueueOrchestrator = "orchestrator"
	QueueExecution    = "execution"
)

// Job names.
const (
	JobStartTurn    = "start_turn"
	JobWorkerResult = "worker_result"
	JobRunAgent     = "run_agent"
	JobRunTool      = "run_tool"
)

// Job is one unit of work delivered to a handler. Delivery is at-least-once;
// handlers must be idempotent or delegate idempotency to the stores they
// touch.
type Job struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Handler processes one delivered job payload.
type Handler func(ctx context.Context, payload []byte) error

// Broker enqueues named jobs onto named queues.
type Broker interface {
	// Enqueue marshals payload and appends a job to the queue. Failures are
	// retried internally with bounded attempts and backoff; an error return
	// means retries are exhausted and the caller must surface it.
	Enqueue(ctx context.Context, queue, name string, payload any) error

	// Close releases broker resources.
	Close() error
}
