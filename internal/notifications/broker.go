package notifications

import "sync"

// Subscription is one live transport attached to a principal.
type Subscription struct {
	C <-chan Event

	ch          chan Event
	principalID string
	broker      *Broker
	once        sync.Once
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { s.broker.remove(s) })
}

// Broker fans events out to live subscriptions keyed by principal.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
}

// NewBroker creates a broker whose subscriptions buffer up to buffer events.
func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 16
	}
	return &Broker{subs: make(map[string]map[*Subscription]struct{}), buffer: buffer}
}

// Subscribe attaches a new live subscription for principalID.
func (b *Broker) Subscribe(principalID string) *Subscription {
	ch := make(chan Event, b.buffer)
	s := &Subscription{C: ch, ch: ch, principalID: principalID, broker: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[principalID] == nil {
		b.subs[principalID] = make(map[*Subscription]struct{})
	}
	b.subs[principalID][s] = struct{}{}
	return s
}

func (b *Broker) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[s.principalID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, s.principalID)
		}
	}
	close(s.ch)
}

// Publish pushes e to every live subscription of its recipient without
// blocking. Slow subscribers miss the push; the event stays unread in the
// store. Returns how many subscriptions received it.
func (b *Broker) Publish(e Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for s := range b.subs[e.RecipientID] {
		select {
		case s.ch <- e:
			n++
		default:
		}
	}
	return n
}

// Stats reports the number of principals and subscriptions attached.
func (b *Broker) Stats() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	total := 0
	for _, set := range b.subs {
		total += len(set)
	}
	return map[string]int{"principals": len(b.subs), "subscriptions": total}
}
