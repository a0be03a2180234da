package technicians

import (
	"context"
	"sync"
	"time"

	"depanne-service/pkg/geo"
)

// MemoryStore keeps profiles in process. It backs the "memory" storage mode
// and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	byID        map[string]*Profile
	byPrincipal map[string]string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Profile), byPrincipal: make(map[string]string)}
}

func clone(p *Profile) *Profile {
	c := *p
	if p.Position != nil {
		pos := *p.Position
		c.Position = &pos
	}
	if p.PositionUpdatedAt != nil {
		at := *p.PositionUpdatedAt
		c.PositionUpdatedAt = &at
	}
	return &c
}

func (m *MemoryStore) Upsert(_ context.Context, p *Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byPrincipal[p.PrincipalID]; ok {
		existing := m.byID[id]
		existing.Specialty = p.Specialty
		existing.ServiceRadiusKm = p.ServiceRadiusKm
		existing.UpdatedAt = p.UpdatedAt
		*p = *clone(existing)
		return nil
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = p.UpdatedAt
	}
	m.byID[p.ID] = clone(p)
	m.byPrincipal[p.PrincipalID] = p.ID
	return nil
}

// Put stores p verbatim, replacing any previous profile with the same id.
func (m *MemoryStore) Put(p Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[p.ID] = clone(&p)
	m.byPrincipal[p.PrincipalID] = p.ID
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(p), nil
}

func (m *MemoryStore) GetByPrincipal(ctx context.Context, principalID string) (*Profile, error) {
	m.mu.RLock()
	id, ok := m.byPrincipal[principalID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.Get(ctx, id)
}

func (m *MemoryStore) GetMany(_ context.Context, ids []string) ([]Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Profile, 0, len(ids))
	for _, id := range ids {
		if p, ok := m.byID[id]; ok {
			out = append(out, *clone(p))
		}
	}
	return out, nil
}

func (m *MemoryStore) ListDispatchable(_ context.Context, specialty string) ([]Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Profile
	for _, p := range m.byID {
		if p.Specialty == specialty && p.Verified && p.Available && p.Position != nil {
			out = append(out, *clone(p))
		}
	}
	return out, nil
}

func (m *MemoryStore) update(id string, fn func(p *Profile)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	fn(p)
	return nil
}

func (m *MemoryStore) SetAvailable(_ context.Context, id string, available bool, at time.Time) error {
	return m.update(id, func(p *Profile) { p.Available, p.UpdatedAt = available, at })
}

func (m *MemoryStore) SetVerified(_ context.Context, id string, verified bool, at time.Time) error {
	return m.update(id, func(p *Profile) { p.Verified, p.UpdatedAt = verified, at })
}

func (m *MemoryStore) SetPosition(_ context.Context, id string, pos geo.Point, at time.Time) error {
	return m.update(id, func(p *Profile) {
		p.Position = &pos
		p.PositionUpdatedAt = &at
		p.UpdatedAt = at
	})
}

func (m *MemoryStore) SetRating(_ context.Context, id string, rating float64, at time.Time) error {
	return m.update(id, func(p *Profile) { p.Rating, p.UpdatedAt = rating, at })
}
