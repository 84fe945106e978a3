// Package checkpoint provides durable storage for turn state, keyed by
// thread id. A checkpoint is what lets a turn resume across independent job
// invocations: every continuation cycle loads the latest state, mutates it,
// and stores it back.
package checkpoint

import (
	"context"
	"errors"

	"github.com/BaSui01/synapse/types"
)

// ErrNotFound is returned when no checkpoint exists for a thread.
var ErrNotFound = errors.New("checkpoint not found")

// Store persists the latest TurnState per thread. Save overwrites
// unconditionally; the engine's load-modify-store cycle is the only
// serialization point, so last-writer-wins is acceptable because message-id
// idempotency bounds the damage of overlapping writers.
type Store interface {
	// Load returns the latest checkpoint for the thread, or ErrNotFound.
	Load(ctx context.Context, threadID string) (*types.TurnState, error)

	// Save replaces the checkpoint for the thread.
	Save(ctx context.Context, threadID string, state *types.TurnState) error

	// Delete removes the checkpoint for the thread.
	Delete(ctx context.Context, threadID string) error

	// Close releases any resources held by the store.
	Close() error
}

// IsNotFound reports whether err indicates an absent checkpoint.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
