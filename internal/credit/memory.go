package credit

import (
	"context"
	"sync"
	"time"

	"github.com/devcrew/devcrew/internal/common/errors"
	v1 "github.com/devcrew/devcrew/pkg/api/v1"
)

// MemoryStore is the in-memory Store used in tests and embedded mode.
type MemoryStore struct {
	mu         sync.RWMutex
	activities []*v1.CreditActivity
	nextID     int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Record(ctx context.Context, activity *v1.CreditActivity) error {
	if activity.UserID == "" {
		return errors.Validation("user id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	clone := *activity
	clone.ID = m.nextID
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	m.activities = append(m.activities, &clone)
	*activity = clone
	return nil
}

func (m *MemoryStore) ListActivities(ctx context.Context, userID string, limit, offset int) ([]*v1.CreditActivity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var mine []*v1.CreditActivity
	// Newest first.
	for i := len(m.activities) - 1; i >= 0; i-- {
		if m.activities[i].UserID == userID {
			clone := *m.activities[i]
			mine = append(mine, &clone)
		}
	}
	if offset >= len(mine) {
		return nil, nil
	}
	mine = mine[offset:]
	if limit > 0 && len(mine) > limit {
		mine = mine[:limit]
	}
	return mine, nil
}

func (m *MemoryStore) Summary(ctx context.Context, userID string) (*v1.CreditSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summary := &v1.CreditSummary{UserID: userID}
	for _, a := range m.activities {
		if a.UserID != userID {
			continue
		}
		summary.TotalTokens += a.TokensUsed
		summary.TotalCalls += a.LLMCalls
		summary.Balance += a.Delta
		summary.Activities++
	}
	return summary, nil
}

func (m *MemoryStore) Close() error { return nil }
