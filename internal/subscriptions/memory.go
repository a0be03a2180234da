package subscriptions

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps intervals in process. Atomic holds the store lock for
// the whole callback.
type MemoryStore struct {
	mu         sync.RWMutex
	intervals  map[string]*Interval
	extensions map[string]*Extension
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{intervals: make(map[string]*Interval), extensions: make(map[string]*Extension)}
}

func (m *MemoryStore) ActiveAt(ctx context.Context, technicianID string, t time.Time) (*Interval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return memView{m}.ActiveAt(ctx, technicianID, t)
}

func (m *MemoryStore) List(ctx context.Context, technicianID string) ([]Interval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return memView{m}.List(ctx, technicianID)
}

func (m *MemoryStore) Atomic(_ context.Context, fn func(w Writer) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Stage writes on copies so a failing fn leaves no trace.
	staged := &MemoryStore{
		intervals:  make(map[string]*Interval, len(m.intervals)),
		extensions: make(map[string]*Extension, len(m.extensions)),
	}
	for id, iv := range m.intervals {
		c := *iv
		staged.intervals[id] = &c
	}
	for id, ext := range m.extensions {
		c := *ext
		staged.extensions[id] = &c
	}
	if err := fn(memView{staged}); err != nil {
		return err
	}
	m.intervals, m.extensions = staged.intervals, staged.extensions
	return nil
}

func (m *MemoryStore) EndingBetween(_ context.Context, from, to time.Time) ([]Interval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Interval
	for _, iv := range m.intervals {
		if iv.End.After(from) && !iv.End.After(to) && !iv.ExpiryNotified {
			out = append(out, *iv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].End.Before(out[j].End) })
	return out, nil
}

func (m *MemoryStore) MarkExpiryNotified(_ context.Context, intervalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if iv, ok := m.intervals[intervalID]; ok {
		iv.ExpiryNotified = true
	}
	return nil
}

// memView reads and writes the maps without locking; callers hold m.mu.
type memView struct{ m *MemoryStore }

func (v memView) ActiveAt(_ context.Context, technicianID string, t time.Time) (*Interval, error) {
	var best *Interval
	for _, iv := range v.m.intervals {
		if iv.TechnicianID == technicianID && iv.Contains(t) && (best == nil || iv.End.After(best.End)) {
			best = iv
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	c := *best
	return &c, nil
}

func (v memView) List(_ context.Context, technicianID string) ([]Interval, error) {
	var out []Interval
	for _, iv := range v.m.intervals {
		if iv.TechnicianID == technicianID {
			out = append(out, *iv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start.Equal(out[j].Start) {
			return out[i].End.Before(out[j].End)
		}
		return out[i].Start.Before(out[j].Start)
	})
	return out, nil
}

func (v memView) FindExtension(_ context.Context, sourcePaymentID string) (*Extension, error) {
	ext, ok := v.m.extensions[sourcePaymentID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *ext
	return &c, nil
}

func (v memView) InsertInterval(_ context.Context, iv *Interval) error {
	c := *iv
	v.m.intervals[iv.ID] = &c
	return nil
}

func (v memView) UpdateEnd(_ context.Context, intervalID string, end time.Time) error {
	iv, ok := v.m.intervals[intervalID]
	if !ok {
		return ErrNotFound
	}
	iv.End = end
	iv.ExpiryNotified = false
	return nil
}

func (v memView) InsertExtension(_ context.Context, ext *Extension) error {
	if _, dup := v.m.extensions[ext.SourcePaymentID]; dup {
		return ErrDuplicate
	}
	c := *ext
	v.m.extensions[ext.SourcePaymentID] = &c
	return nil
}
