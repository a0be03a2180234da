package requests

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps requests in process.
type MemoryStore struct {
	mu         sync.RWMutex
	byID       map[string]*Request
	exclusions map[string]map[string]time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Request), exclusions: make(map[string]map[string]time.Time)}
}

func cloneRequest(r *Request) *Request {
	c := *r
	if r.AssignedTechnicianID != nil {
		id := *r.AssignedTechnicianID
		c.AssignedTechnicianID = &id
	}
	if r.FinalPrice != nil {
		p := *r.FinalPrice
		c.FinalPrice = &p
	}
	return &c
}

func (m *MemoryStore) Create(_ context.Context, r *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[r.ID] = cloneRequest(r)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRequest(r), nil
}

func (m *MemoryStore) Update(_ context.Context, r *Request, from Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.byID[r.ID]
	if !ok || cur.Status != from {
		return ErrConflict
	}
	m.byID[r.ID] = cloneRequest(r)
	return nil
}

func (m *MemoryStore) filter(keep func(r *Request) bool, oldestFirst bool, limit int) []Request {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Request
	for _, r := range m.byID {
		if keep(r) {
			out = append(out, *cloneRequest(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if oldestFirst {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]Request, error) {
	return m.filter(func(r *Request) bool { return r.Status == status }, true, limit), nil
}

func (m *MemoryStore) ListForClient(_ context.Context, clientID string) ([]Request, error) {
	return m.filter(func(r *Request) bool { return r.ClientID == clientID }, false, 100), nil
}

func (m *MemoryStore) ListForTechnician(_ context.Context, technicianID string) ([]Request, error) {
	return m.filter(func(r *Request) bool { return r.TechnicianID() == technicianID }, false, 100), nil
}

func (m *MemoryStore) AddExclusion(_ context.Context, requestID, technicianID string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.exclusions[requestID] == nil {
		m.exclusions[requestID] = make(map[string]time.Time)
	}
	if cur, ok := m.exclusions[requestID][technicianID]; !ok || until.After(cur) {
		m.exclusions[requestID][technicianID] = until
	}
	return nil
}

func (m *MemoryStore) Exclusions(_ context.Context, requestID string, t time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for id, until := range m.exclusions[requestID] {
		if until.After(t) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}
