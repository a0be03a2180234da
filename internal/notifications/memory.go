package notifications

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps events in process.
type MemoryStore struct {
	mu      sync.RWMutex
	events  map[string]*Event
	devices map[string]map[string]bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string]*Event), devices: make(map[string]map[string]bool)}
}

func (m *MemoryStore) Save(_ context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.events[e.ID]; exists {
		return nil
	}
	c := *e
	m.events[e.ID] = &c
	return nil
}

func (m *MemoryStore) Unread(_ context.Context, recipientID string, limit int) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Event
	for _, e := range m.events {
		if e.RecipientID == recipientID && e.ReadAt == nil {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) MarkRead(_ context.Context, recipientID string, ids []string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range ids {
		if e, ok := m.events[id]; ok && e.RecipientID == recipientID && e.ReadAt == nil {
			readAt := at
			e.ReadAt = &readAt
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) AddDeviceToken(_ context.Context, principalID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.devices[principalID] == nil {
		m.devices[principalID] = make(map[string]bool)
	}
	m.devices[principalID][token] = true
	return nil
}

func (m *MemoryStore) DeviceTokens(_ context.Context, principalID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for t := range m.devices[principalID] {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}
