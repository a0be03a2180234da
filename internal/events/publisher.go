package events

import (
	"context"
	"log"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"

	"depanne-service/internal/payments"
	"depanne-service/internal/requests"
	"depanne-service/internal/subscriptions"
	"depanne-service/pkg/kafka"
)

// Broker is the message bus events are written to.
type Broker interface {
	Publish(ctx context.Context, topic, key string, value any) error
}

type message struct {
	topic string
	key   string
	value any
}

// Publisher queues events and writes them from a single goroutine, so
// messages for one request keep their order. Listeners run under request
// locks and must not wait on the broker; a full queue drops the event.
type Publisher struct {
	broker Broker
	clock  clock.Clock
	queue  chan message

	newBackOff func() backoff.BackOff
}

// NewPublisher creates a publisher with a queue of the given size.
func NewPublisher(broker Broker, clk clock.Clock, size int) *Publisher {
	if size <= 0 {
		size = 256
	}
	return &Publisher{
		broker: broker,
		clock:  clk,
		queue:  make(chan message, size),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			return backoff.WithMaxRetries(b, 3)
		},
	}
}

// RequestChanged queues a lifecycle event.
func (p *Publisher) RequestChanged(_ context.Context, c requests.Change) {
	p.enqueue(message{
		topic: kafka.TopicRequestLifecycle,
		key:   c.Request.ID,
		value: lifecycleEvent(c, p.clock.Now()),
	})
}

// SubscriptionActivated queues a subscription event.
func (p *Publisher) SubscriptionActivated(_ context.Context, pay *payments.Payment, iv *subscriptions.Interval) {
	p.enqueue(message{
		topic: kafka.TopicSubscriptionActivated,
		key:   pay.Metadata.TechnicianID,
		value: activatedEvent(pay, iv),
	})
}

func (p *Publisher) enqueue(m message) {
	select {
	case p.queue <- m:
	default:
		log.Printf("[events] queue full, dropping %s event for %s", m.topic, m.key)
	}
}

// Run writes queued events until ctx is cancelled, then flushes what is
// left with a short deadline.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case m := <-p.queue:
			p.publish(ctx, m)
		case <-ctx.Done():
			flush, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			for {
				select {
				case m := <-p.queue:
					p.publish(flush, m)
				default:
					return
				}
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, m message) {
	op := func() error { return p.broker.Publish(ctx, m.topic, m.key, m.value) }
	if err := backoff.Retry(op, backoff.WithContext(p.newBackOff(), ctx)); err != nil {
		log.Printf("[events] publish %s for %s: %v", m.topic, m.key, err)
	}
}
