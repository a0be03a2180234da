package payments

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps payments in process.
type MemoryStore struct {
	mu   sync.RWMutex
	byTx map[string]*Payment
	txOf map[string]string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byTx: make(map[string]*Payment), txOf: make(map[string]string)}
}

func (m *MemoryStore) Create(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.byTx[p.TransactionID]; dup {
		return ErrDuplicate
	}
	c := *p
	m.byTx[p.TransactionID] = &c
	m.txOf[p.ID] = p.TransactionID
	return nil
}

func (m *MemoryStore) GetByTransaction(_ context.Context, transactionID string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byTx[transactionID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *p
	return &c, nil
}

func (m *MemoryStore) SetPaymentURL(_ context.Context, id, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byTx[m.txOf[id]]
	if !ok {
		return ErrNotFound
	}
	p.PaymentURL = url
	return nil
}

func (m *MemoryStore) Settle(_ context.Context, id string, status Status, meta Metadata, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byTx[m.txOf[id]]
	if !ok {
		return false, ErrNotFound
	}
	if p.Status != StatusPending {
		return false, nil
	}
	p.Status = status
	p.Metadata = meta
	p.SettledAt = &at
	return true, nil
}

func (m *MemoryStore) ListPending(_ context.Context, olderThan time.Time, after Cursor, limit int) ([]Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Payment
	for _, p := range m.byTx {
		if p.Status == StatusPending && p.CreatedAt.Before(olderThan) && (after.ID == "" || after.less(*p)) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return After(out[i]).less(out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListByPrincipal(_ context.Context, principalID string) ([]Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Payment
	for _, p := range m.byTx {
		if p.PrincipalID == principalID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
