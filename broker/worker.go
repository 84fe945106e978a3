package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/synapse/types"
)

// Worker consumes one queue through a consumer group and dispatches each job
// to a registered handler by name. Jobs whose consumer died are reclaimed
// after the visibility timeout, giving at-least-once delivery.
type Worker struct {
	client     *redis.Client
	queue      string
	group      string
	consumer   string
	keyPrefix  string
	handlers   map[string]Handler
	batchSize  int64
	blockTime  time.Duration
	visibility time.Duration
	logger     *zap.Logger
}

// WorkerConfig configures a queue worker.
type WorkerConfig struct {
	KeyPrefix  string        `yaml:"key_prefix" json:"key_prefix"`
	Group      string        `yaml:"group" json:"group"`
	BatchSize  int64         `yaml:"batch_size" json:"batch_size"`
	BlockTime  time.Duration `yaml:"block_time" json:"block_time"`
	Visibility time.Duration `yaml:"visibility" json:"visibility"`
}

// DefaultWorkerConfig returns the default worker configuration.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		KeyPrefix:  "synapse:",
		Group:      "synapse",
		BatchSize:  16,
		BlockTime:  time.Second,
		Visibility: time.Minute,
	}
}

// NewWorker creates a worker for the given queue.
func NewWorker(client *redis.Client, queue string, config WorkerConfig, logger *zap.Logger) *Worker {
	if config.KeyPrefix == "" {
		config.KeyPrefix = "synapse:"
	}
	if config.Group == "" {
		config.Group = "synapse"
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 16
	}
	if config.BlockTime <= 0 {
		config.BlockTime = time.Second
	}
	if config.Visibility <= 0 {
		config.Visibility = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		client:     client,
		queue:      queue,
		group:      config.Group,
		consumer:   "consumer-" + uuid.New().String(),
		keyPrefix:  config.KeyPrefix,
		handlers:   make(map[string]Handler),
		batchSize:  config.BatchSize,
		blockTime:  config.BlockTime,
		visibility: config.Visibility,
		logger: logger.With(
			zap.String("component", "worker"),
			zap.String("queue", queue),
		),
	}
}

// Handle registers a handler for a job name. Must be called before Run.
func (w *Worker) Handle(name string, h Handler) {
	w.handlers[name] = h
}

func (w *Worker) streamKey() string {
	return w.keyPrefix + "queue:" + w.queue
}

// Run consumes jobs until the context is canceled. It first reclaims
// pending entries abandoned by dead consumers, then reads new entries.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.ensureGroup(ctx); err != nil {
		return err
	}

	w.logger.Info("worker started", zap.String("consumer", w.consumer))

	for {
		if ctx.Err() != nil {
			w.logger.Info("worker stopped")
			return ctx.Err()
		}

		if err := w.reclaim(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Warn("pending reclaim failed", zap.Error(err))
		}

		streams, err := w.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    w.group,
			Consumer: w.consumer,
			Streams:  []string{w.streamKey(), ">"},
			Count:    w.batchSize,
			Block:    w.blockTime,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				w.logger.Info("worker stopped")
				return err
			}
			w.logger.Error("stream read failed", zap.Error(err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				w.process(ctx, entry)
			}
		}
	}
}

// ensureGroup creates the consumer group if it does not exist yet.
func (w *Worker) ensureGroup(ctx context.Context) error {
	err := w.client.XGroupCreateMkStream(ctx, w.streamKey(), w.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// reclaim takes over pending entries whose consumer has been silent longer
// than the visibility timeout and processes them here.
func (w *Worker) reclaim(ctx context.Context) error {
	entries, _, err := w.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   w.streamKey(),
		Group:    w.group,
		Consumer: w.consumer,
		MinIdle:  w.visibility,
		Start:    "0",
		Count:    w.batchSize,
	}).Result()
	if err != nil {
		return err
	}

	for _, entry := range entries {
		w.logger.Warn("reclaimed abandoned job", zap.String("entry_id", entry.ID))
		w.process(ctx, entry)
	}
	return nil
}

// process decodes one stream entry, runs the matching handler, and acks the
// entry. Non-retryable handler errors are logged and acked anyway: handlers
// own failure substitution (error messages back into the conversation), so
// redelivering a deterministically failing job would only loop it. Retryable
// errors leave the entry pending so the visibility reclaim redelivers it.
func (w *Worker) process(ctx context.Context, entry redis.XMessage) {
	ack := true
	defer func() {
		if !ack {
			return
		}
		if err := w.client.XAck(ctx, w.streamKey(), w.group, entry.ID).Err(); err != nil {
			w.logger.Error("ack failed", zap.String("entry_id", entry.ID), zap.Error(err))
		}
	}()

	raw, ok := entry.Values["job"].(string)
	if !ok {
		w.logger.Error("malformed stream entry, missing job field", zap.String("entry_id", entry.ID))
		return
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		w.logger.Error("failed to decode job", zap.String("entry_id", entry.ID), zap.Error(err))
		return
	}

	handler, ok := w.handlers[job.Name]
	if !ok {
		w.logger.Error("no handler for job", zap.String("job", job.Name))
		return
	}

	start := time.Now()
	if err := handler(ctx, job.Payload); err != nil {
		retryable := types.IsRetryable(err)
		ack = !retryable
		w.logger.Error("job handler failed",
			zap.String("job", job.Name),
			zap.String("job_id", job.ID),
			zap.Duration("duration", time.Since(start)),
			zap.Bool("retryable", retryable),
			zap.Error(err),
		)
		return
	}

	w.logger.Debug("job processed",
		zap.String("job", job.Name),
		zap.String("job_id", job.ID),
		zap.Duration("duration", time.Since(start)),
	)
}
