package lock

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LeaseStore is the distributed primitive behind Distributed.
type LeaseStore interface {
	AcquireLease(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// RenewLease resets the expiry of key if token still holds it.
	RenewLease(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key, token string) error
}

// Distributed serialises a key across processes: it takes the in-process
// lock first, then spins on a lease in the shared store. The lease is
// renewed every ttl/3 until unlock, so a holder outliving ttl keeps it.
type Distributed struct {
	local *Local
	store LeaseStore
	ttl   time.Duration
	retry time.Duration
}

// NewDistributed wraps a lease store. ttl bounds how long a crashed holder
// can block others.
func NewDistributed(store LeaseStore, ttl time.Duration) *Distributed {
	return &Distributed{local: NewLocal(), store: store, ttl: ttl, retry: 25 * time.Millisecond}
}

func (d *Distributed) Lock(ctx context.Context, key string) (func(), error) {
	unlockLocal, err := d.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}

	leaseKey := "lock:" + key
	token := uuid.NewString()
	for {
		ok, err := d.store.AcquireLease(ctx, leaseKey, token, d.ttl)
		if err != nil {
			unlockLocal()
			return nil, fmt.Errorf("acquire lease %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-time.After(d.retry):
		case <-ctx.Done():
			unlockLocal()
			return nil, ctx.Err()
		}
	}

	stop := make(chan struct{})
	renewed := make(chan struct{})
	go d.keepAlive(key, leaseKey, token, stop, renewed)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-renewed
			d.release(key, leaseKey, token)
			unlockLocal()
		})
	}, nil
}

func (d *Distributed) keepAlive(key, leaseKey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(d.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), d.ttl/3)
			ok, err := d.store.RenewLease(ctx, leaseKey, token, d.ttl)
			cancel()
			switch {
			case err != nil:
				log.Printf("[lock] renew %s: %v", key, err)
			case !ok:
				log.Printf("[lock] lease %s lost before unlock", key)
				return
			}
		}
	}
}

func (d *Distributed) release(key, leaseKey, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.store.ReleaseLease(ctx, leaseKey, token); err != nil {
		log.Printf("[lock] release %s: %v", key, err)
	}
}
