package reviews

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps reviews in process.
type MemoryStore struct {
	mu        sync.RWMutex
	byRequest map[string]Review
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byRequest: make(map[string]Review)}
}

func (m *MemoryStore) Create(_ context.Context, r *Review) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.byRequest[r.RequestID]; dup {
		return ErrDuplicate
	}
	m.byRequest[r.RequestID] = *r
	return nil
}

func (m *MemoryStore) ListForTechnician(_ context.Context, technicianID string, limit int) ([]Review, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Review
	for _, r := range m.byRequest {
		if r.TechnicianID == technicianID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
