package notifications

import (
	"context"
	"encoding/json"

	"depanne-service/pkg/kafka"
)

// KafkaRelay shares notification events between service instances. Every
// instance consumes with its own group so each broker sees every event.
type KafkaRelay struct {
	client  *kafka.Client
	groupID string
}

// NewKafkaRelay creates a relay for the instance identified by instanceID.
func NewKafkaRelay(client *kafka.Client, instanceID string) *KafkaRelay {
	return &KafkaRelay{client: client, groupID: "notifications-" + instanceID}
}

// Send publishes e keyed by recipient.
func (k *KafkaRelay) Send(ctx context.Context, e Event) error {
	return k.client.Publish(ctx, kafka.TopicNotifications, e.RecipientID, e)
}

// Start consumes relayed events into svc's local broker until ctx ends.
func (k *KafkaRelay) Start(ctx context.Context, svc *Service) {
	k.client.Subscribe(ctx, kafka.TopicNotifications, k.groupID, func(data []byte) error {
		var e Event
		if err := json.Unmarshal(data, &e); err != nil {
			return err
		}
		svc.Deliver(e)
		return nil
	})
}
