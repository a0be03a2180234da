package requests

import (
	"time"

	"depanne-service/pkg/geo"
)

// Status enumerates the lifecycle states.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusExpired    Status = "expired"
)

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusExpired
}

// Priority is the client's urgency hint.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityUrgent Priority = "urgent"
)

// Request is a repair request.
type Request struct {
	ID                   string     `json:"id"`
	ClientID             string     `json:"client_principal_id"`
	Specialty            string     `json:"specialty"`
	Description          string     `json:"description"`
	Origin               geo.Point  `json:"origin_position"`
	Address              string     `json:"address,omitempty"`
	Priority             Priority   `json:"priority"`
	Status               Status     `json:"status"`
	AssignedTechnicianID *string    `json:"assigned_technician_id"`
	CreatedAt            time.Time  `json:"created_at"`
	PendingSince         time.Time  `json:"pending_since"`
	AssignedAt           *time.Time `json:"assigned_at"`
	StartedAt            *time.Time `json:"started_at"`
	CompletedAt          *time.Time `json:"completed_at"`
	CancelledAt          *time.Time `json:"cancelled_at"`
	ExpiredAt            *time.Time `json:"expired_at,omitempty"`
	FinalPrice           *int64     `json:"final_price"`
	CancelReason         string     `json:"cancel_reason,omitempty"`
	FlaggedForReview     bool       `json:"flagged_for_review"`
}

// TechnicianID returns the assigned technician, or "".
func (r *Request) TechnicianID() string {
	if r.AssignedTechnicianID == nil {
		return ""
	}
	return *r.AssignedTechnicianID
}

// DispatchDeadline is when a request left pending since PendingSince
// expires. A reassignment restarts the window.
func (r *Request) DispatchDeadline(expireAfter time.Duration) time.Time {
	since := r.PendingSince
	if since.IsZero() {
		since = r.CreatedAt
	}
	return since.Add(expireAfter)
}

// CreateRequest is the body for POST /requests.
type CreateRequest struct {
	Specialty   string     `json:"specialty"`
	Description string     `json:"description"`
	Origin      *geo.Point `json:"origin"`
	Priority    Priority   `json:"priority"`
	Address     string     `json:"address"`
}

// TransitionPayload carries transition-specific fields.
type TransitionPayload struct {
	FinalPrice *int64 `json:"final_price,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// TransitionRequest is the body for POST /requests/{id}/transition.
type TransitionRequest struct {
	ToState Status            `json:"to_state"`
	Payload TransitionPayload `json:"payload"`
}

// Change describes one persisted transition. From is empty on creation.
type Change struct {
	Request Request
	From    Status
	To      Status
	// Actor is the principal that caused the change, or ActorSystem.
	Actor string
	// PreviousTechnicianID is set when a transition cleared the assignment.
	PreviousTechnicianID string
}

// ActorSystem marks changes made by the dispatcher or sweepers.
const ActorSystem = "system"
