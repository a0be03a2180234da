package notifications

import "time"

// Kind names a logical notification.
type Kind string

const (
	KindRequestCreated        Kind = "request_created"
	KindOfferSent             Kind = "offer_sent"
	KindOfferExpired          Kind = "offer_expired"
	KindOfferWithdrawn        Kind = "offer_withdrawn"
	KindRequestAssigned       Kind = "request_assigned"
	KindRequestReassigned     Kind = "request_reassigned"
	KindRequestExpired        Kind = "request_expired"
	KindWorkStarted           Kind = "work_started"
	KindWorkCompleted         Kind = "work_completed"
	KindWorkCancelled         Kind = "work_cancelled"
	KindSubscriptionActivated Kind = "subscription_activated"
	KindSubscriptionExpiring  Kind = "subscription_expiring"
	KindPaymentFailed         Kind = "payment_failed"
)

// Event is one notification addressed to a principal. Recipients
// deduplicate by ID.
type Event struct {
	ID          string         `json:"id"`
	RecipientID string         `json:"recipient_principal_id"`
	Kind        Kind           `json:"kind"`
	Payload     map[string]any `json:"payload"`
	CreatedAt   time.Time      `json:"created_at"`
	ReadAt      *time.Time     `json:"read_at,omitempty"`
}

// MarkReadRequest is the body for POST /notifications/read.
type MarkReadRequest struct {
	IDs []string `json:"ids"`
}

// DeviceRequest is the body for POST /notifications/devices.
type DeviceRequest struct {
	Token string `json:"token"`
}
