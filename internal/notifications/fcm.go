package notifications

import (
	"context"
	"fmt"
	"log"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// Multicaster is the subset of *messaging.Client the push sink needs.
type Multicaster interface {
	SendEachForMulticast(ctx context.Context, m *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// TokenSource resolves a principal's registered device tokens.
type TokenSource interface {
	DeviceTokens(ctx context.Context, principalID string) ([]string, error)
}

var titles = map[Kind]string{
	KindRequestCreated:        "Request received",
	KindOfferSent:             "New job offer",
	KindOfferExpired:          "Offer expired",
	KindOfferWithdrawn:        "Offer withdrawn",
	KindRequestAssigned:       "Technician assigned",
	KindRequestReassigned:     "Finding another technician",
	KindRequestExpired:        "No technician available",
	KindWorkStarted:           "Work started",
	KindWorkCompleted:         "Work completed",
	KindWorkCancelled:         "Job cancelled",
	KindSubscriptionActivated: "Subscription active",
	KindSubscriptionExpiring:  "Subscription expiring",
	KindPaymentFailed:         "Payment failed",
}

// FCMSink pushes events to the recipient's devices through Firebase Cloud
// Messaging.
type FCMSink struct {
	client Multicaster
	tokens TokenSource
}

// NewFCMSink builds a sink from a service-account credentials file.
func NewFCMSink(ctx context.Context, credentialsFile string, tokens TokenSource) (*FCMSink, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase messaging: %w", err)
	}
	return NewFCMSinkWithClient(client, tokens), nil
}

// NewFCMSinkWithClient wires an existing messaging client.
func NewFCMSinkWithClient(client Multicaster, tokens TokenSource) *FCMSink {
	return &FCMSink{client: client, tokens: tokens}
}

func (s *FCMSink) Deliver(ctx context.Context, e Event) error {
	tokens, err := s.tokens.DeviceTokens(ctx, e.RecipientID)
	if err != nil {
		return err
	}
	if len(tokens) == 0 {
		return nil
	}

	data := map[string]string{"event_id": e.ID, "kind": string(e.Kind)}
	for k, v := range e.Payload {
		data[k] = fmt.Sprint(v)
	}
	title := titles[e.Kind]
	if title == "" {
		title = string(e.Kind)
	}
	body, _ := e.Payload["message"].(string)

	resp, err := s.client.SendEachForMulticast(ctx, &messaging.MulticastMessage{
		Tokens:       tokens,
		Data:         data,
		Notification: &messaging.Notification{Title: title, Body: body},
	})
	if err != nil {
		return err
	}
	if resp.FailureCount > 0 {
		log.Printf("[notifications] fcm: %d/%d deliveries failed for %s", resp.FailureCount, len(tokens), e.ID)
	}
	return nil
}
