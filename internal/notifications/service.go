package notifications

import (
	"context"
	"log"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"depanne-service/pkg/apperr"
	"depanne-service/pkg/validation"
)

// Sink is an external transport (push, email/SMS bridge).
type Sink interface {
	Deliver(ctx context.Context, e Event) error
}

// Relay carries events between service instances. When set, live delivery
// happens when the event comes back through the relay, so every instance's
// broker sees it exactly like the local one.
type Relay interface {
	Send(ctx context.Context, e Event) error
}

// Service persists events and pushes them to live transports.
type Service struct {
	store  Store
	broker *Broker
	clock  clock.Clock
	sinks  []Sink
	relay  Relay
}

// NewService creates a notification service.
func NewService(store Store, broker *Broker, clk clock.Clock) *Service {
	return &Service{store: store, broker: broker, clock: clk}
}

// AddSink registers an external transport.
func (s *Service) AddSink(sink Sink) { s.sinks = append(s.sinks, sink) }

// SetRelay routes live delivery through r.
func (s *Service) SetRelay(r Relay) { s.relay = r }

// Notify persists an event for recipientID and pushes it.
func (s *Service) Notify(ctx context.Context, recipientID string, kind Kind, payload map[string]any) error {
	_, err := s.Emit(ctx, recipientID, kind, payload)
	return err
}

// Emit is Notify returning the stored event.
func (s *Service) Emit(ctx context.Context, recipientID string, kind Kind, payload map[string]any) (*Event, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	e := &Event{
		ID:          uuid.New().String(),
		RecipientID: recipientID,
		Kind:        kind,
		Payload:     payload,
		CreatedAt:   s.clock.Now().UTC(),
	}
	if err := s.store.Save(ctx, e); err != nil {
		return nil, apperr.Internal(err)
	}

	if s.relay != nil {
		if err := s.relay.Send(ctx, *e); err != nil {
			log.Printf("[notifications] relay send %s failed, delivering locally: %v", e.ID, err)
			s.broker.Publish(*e)
		}
	} else {
		s.broker.Publish(*e)
	}

	for _, sink := range s.sinks {
		go func(sink Sink, ev Event) {
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := sink.Deliver(sctx, ev); err != nil {
				log.Printf("[notifications] sink delivery of %s failed: %v", ev.ID, err)
			}
		}(sink, *e)
	}
	return e, nil
}

// Deliver pushes an event that arrived through the relay to local
// subscriptions.
func (s *Service) Deliver(e Event) int {
	return s.broker.Publish(e)
}

// Subscribe attaches a live transport for principalID.
func (s *Service) Subscribe(principalID string) *Subscription {
	return s.broker.Subscribe(principalID)
}

// Unread lists the recipient's unread events, oldest first.
func (s *Service) Unread(ctx context.Context, recipientID string, limit int) ([]Event, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	events, err := s.store.Unread(ctx, recipientID, limit)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return events, nil
}

// MarkRead marks the recipient's events as read.
func (s *Service) MarkRead(ctx context.Context, recipientID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, apperr.Validation("ids required")
	}
	for _, id := range ids {
		if _, err := uuid.Parse(id); err != nil {
			return 0, apperr.Validation("invalid id %q", id)
		}
	}
	n, err := s.store.MarkRead(ctx, recipientID, ids, s.clock.Now().UTC())
	if err != nil {
		return 0, apperr.Internal(err)
	}
	return n, nil
}

// RegisterDevice records a push token for the principal.
func (s *Service) RegisterDevice(ctx context.Context, principalID, token string) error {
	if !validation.ValidateText(token, 4096) {
		return apperr.Validation("token required")
	}
	if err := s.store.AddDeviceToken(ctx, principalID, token); err != nil {
		return apperr.Internal(err)
	}
	return nil
}
