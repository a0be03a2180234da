package events

import (
	"context"
	"log"

	"depanne-service/internal/notifications"
	"depanne-service/internal/requests"
)

// Notifier emits a notification to a principal.
type Notifier interface {
	Notify(ctx context.Context, recipientID string, kind notifications.Kind, payload map[string]any) error
}

// Principals resolves technician ids to principal ids.
type Principals interface {
	PrincipalIDFor(ctx context.Context, technicianID string) (string, error)
}

// Fanout tells request participants about lifecycle changes. Offers are
// announced by the dispatcher, not here.
type Fanout struct {
	notifier   Notifier
	principals Principals
}

func NewFanout(notifier Notifier, principals Principals) *Fanout {
	return &Fanout{notifier: notifier, principals: principals}
}

// RequestChanged implements requests.Listener.
func (f *Fanout) RequestChanged(ctx context.Context, c requests.Change) {
	r := c.Request
	payload := map[string]any{
		"request_id": r.ID,
		"status":     string(c.To),
		"specialty":  r.Specialty,
	}
	tech := f.principal(ctx, r.TechnicianID())

	switch c.To {
	case requests.StatusPending:
		if c.From == "" {
			payload["message"] = "We are looking for a technician near you"
			f.send(ctx, r.ClientID, notifications.KindRequestCreated, payload)
			return
		}
		payload["message"] = "Your request is back in the queue for a new technician"
		f.send(ctx, r.ClientID, notifications.KindRequestReassigned, payload)
		if prev := f.principal(ctx, c.PreviousTechnicianID); prev != "" {
			f.send(ctx, prev, notifications.KindWorkCancelled, map[string]any{
				"request_id": r.ID,
				"reason":     "reassigned",
			})
		}

	case requests.StatusAssigned:
		payload["technician_id"] = r.TechnicianID()
		payload["message"] = "A technician accepted your request"
		f.send(ctx, r.ClientID, notifications.KindRequestAssigned, payload)
		f.send(ctx, tech, notifications.KindRequestAssigned, map[string]any{
			"request_id": r.ID,
			"origin":     r.Origin,
			"address":    r.Address,
			"message":    "You have been assigned a request",
		})

	case requests.StatusInProgress:
		payload["message"] = "The technician has started work"
		f.send(ctx, r.ClientID, notifications.KindWorkStarted, payload)

	case requests.StatusCompleted:
		if r.FinalPrice != nil {
			payload["final_price"] = *r.FinalPrice
		}
		payload["message"] = "Work is complete"
		f.send(ctx, r.ClientID, notifications.KindWorkCompleted, payload)
		f.send(ctx, tech, notifications.KindWorkCompleted, payload)

	case requests.StatusCancelled:
		if r.CancelReason != "" {
			payload["reason"] = r.CancelReason
		}
		payload["message"] = "The request was cancelled"
		for _, to := range []string{r.ClientID, tech} {
			if to != c.Actor {
				f.send(ctx, to, notifications.KindWorkCancelled, payload)
			}
		}

	case requests.StatusExpired:
		payload["message"] = "No technician was available in time"
		f.send(ctx, r.ClientID, notifications.KindRequestExpired, payload)
	}
}

func (f *Fanout) principal(ctx context.Context, technicianID string) string {
	if technicianID == "" {
		return ""
	}
	id, err := f.principals.PrincipalIDFor(ctx, technicianID)
	if err != nil {
		log.Printf("[events] resolve technician %s: %v", technicianID, err)
		return ""
	}
	return id
}

func (f *Fanout) send(ctx context.Context, to string, kind notifications.Kind, payload map[string]any) {
	if to == "" {
		return
	}
	if err := f.notifier.Notify(ctx, to, kind, payload); err != nil {
		log.Printf("[events] notify %s %s: %v", to, kind, err)
	}
}
