package subscriptions

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dustin/go-humanize"

	"depanne-service/internal/notifications"
)

// Notifier emits a notification to a principal.
type Notifier interface {
	Notify(ctx context.Context, recipientID string, kind notifications.Kind, payload map[string]any) error
}

// PrincipalResolver maps technician profiles to their principals.
type PrincipalResolver interface {
	PrincipalIDFor(ctx context.Context, technicianID string) (string, error)
	TechnicianIDFor(ctx context.Context, principalID string) (string, error)
}

// ExpiryNotifier warns technicians once per interval that their
// subscription ends soon.
type ExpiryNotifier struct {
	store      Store
	principals PrincipalResolver
	notifier   Notifier
	clock      clock.Clock
	lead       time.Duration
	every      time.Duration
}

// NewExpiryNotifier creates a notifier that warns lead before an interval
// ends, scanning every period.
func NewExpiryNotifier(store Store, principals PrincipalResolver, notifier Notifier, clk clock.Clock, lead, every time.Duration) *ExpiryNotifier {
	return &ExpiryNotifier{store: store, principals: principals, notifier: notifier, clock: clk, lead: lead, every: every}
}

// Start runs the scan loop until ctx is cancelled.
func (n *ExpiryNotifier) Start(ctx context.Context) {
	go func() {
		ticker := n.clock.Ticker(n.every)
		defer ticker.Stop()
		for {
			if _, err := n.RunOnce(ctx); err != nil {
				log.Printf("[subscriptions] expiry scan: %v", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// RunOnce notifies every interval ending within the lead window and
// returns how many notices were sent. Intervals already continued by a
// later one are marked without notice.
func (n *ExpiryNotifier) RunOnce(ctx context.Context) (int, error) {
	now := n.clock.Now().UTC()
	ending, err := n.store.EndingBetween(ctx, now, now.Add(n.lead))
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, iv := range ending {
		_, err := n.store.ActiveAt(ctx, iv.TechnicianID, iv.End)
		continued := err == nil
		if err != nil && !errors.Is(err, ErrNotFound) {
			log.Printf("[subscriptions] continuation check for %s: %v", iv.ID, err)
			continue
		}

		if !continued {
			principal, err := n.principals.PrincipalIDFor(ctx, iv.TechnicianID)
			if err != nil {
				log.Printf("[subscriptions] principal for technician %s: %v", iv.TechnicianID, err)
				continue
			}
			err = n.notifier.Notify(ctx, principal, notifications.KindSubscriptionExpiring, map[string]any{
				"interval_id":   iv.ID,
				"technician_id": iv.TechnicianID,
				"ends_at":       iv.End.Format(time.RFC3339),
				"message":       "Your subscription ends " + humanize.RelTime(iv.End, now, "ago", "from now"),
			})
			if err != nil {
				log.Printf("[subscriptions] expiring notice for %s: %v", iv.ID, err)
				continue
			}
			sent++
		}
		if err := n.store.MarkExpiryNotified(ctx, iv.ID); err != nil {
			log.Printf("[subscriptions] mark notified %s: %v", iv.ID, err)
		}
	}
	return sent, nil
}
