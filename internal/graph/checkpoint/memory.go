package checkpoint

import (
	"context"
	"sync"
	"time"

	"github.com/devcrew/devcrew/internal/common/errors"
)

// MemoryStore is an in-memory checkpoint store for tests and
// single-process deployments that can tolerate losing suspended runs.
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[string]*Checkpoint
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{checkpoints: make(map[string]*Checkpoint)}
}

func cloneCheckpoint(cp *Checkpoint) *Checkpoint {
	clone := *cp
	clone.State = make(map[string]any, len(cp.State))
	for k, v := range cp.State {
		clone.State[k] = v
	}
	clone.Path = append([]string(nil), cp.Path...)
	return &clone
}

// Save upserts the thread's checkpoint.
func (s *MemoryStore) Save(ctx context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	saved := cloneCheckpoint(cp)
	saved.SavedAt = time.Now().UTC()
	s.checkpoints[cp.ThreadID] = saved
	return nil
}

// Load returns the thread's checkpoint.
func (s *MemoryStore) Load(ctx context.Context, threadID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[threadID]
	if !ok {
		return nil, errors.NotFound("checkpoint", threadID)
	}
	return cloneCheckpoint(cp), nil
}

// Delete removes the thread's checkpoint.
func (s *MemoryStore) Delete(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, threadID)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }
