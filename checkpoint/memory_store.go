package checkpoint

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/BaSui01/synapse/types"
)

// MemoryStore is an in-memory implementation of Store for tests and
// single-process development. States are deep-copied through JSON so callers
// cannot mutate stored checkpoints through aliasing.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string][]byte
}

// NewMemoryStore creates an in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string][]byte)}
}

// Load returns the latest checkpoint for the thread, or ErrNotFound.
func (s *MemoryStore) Load(_ context.Context, threadID string) (*types.TurnState, error) {
	s.mu.RLock()
	data, ok := s.states[threadID]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}

	var state types.TurnState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, types.NewError(types.ErrCheckpointCorrupt, "checkpoint deserialization failed").WithCause(err)
	}
	return &state, nil
}

// Save replaces the checkpoint for the thread.
func (s *MemoryStore) Save(_ context.Context, threadID string, state *types.TurnState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.states[threadID] = data
	s.mu.Unlock()
	return nil
}

// Delete removes the checkpoint for the thread.
func (s *MemoryStore) Delete(_ context.Context, threadID string) error {
	s.mu.Lock()
	delete(s.states, threadID)
	s.mu.Unlock()
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

// Ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)
