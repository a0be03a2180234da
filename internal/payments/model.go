package payments

import "time"

// Status is the local settlement state of a payment.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Source tells how a payment came to exist.
type Source string

const (
	SourceGateway Source = "gateway"
	SourceManual  Source = "manual"
)

// Metadata is the intent recorded when the payment was created.
type Metadata struct {
	DurationMonths int    `json:"duration_months"`
	TechnicianID   string `json:"technician_id"`
	Source         Source `json:"source"`
	ApprovedBy     string `json:"approved_by,omitempty"`
	Note           string `json:"note,omitempty"`
	FailureReason  string `json:"failure_reason,omitempty"`
}

// Payment is one subscription purchase. TransactionID is the idempotency
// key shared with the gateway.
type Payment struct {
	ID            string     `json:"id"`
	TransactionID string     `json:"transaction_id"`
	PrincipalID   string     `json:"principal_id"`
	Amount        int64      `json:"amount"`
	Currency      string     `json:"currency"`
	Status        Status     `json:"status"`
	Metadata      Metadata   `json:"intent_metadata"`
	PaymentURL    string     `json:"payment_url,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	SettledAt     *time.Time `json:"settled_at,omitempty"`
}

// InitiateRequest is the body for POST /payments/subscription/initiate.
type InitiateRequest struct {
	DurationMonths int `json:"duration_months"`
}

// InitiateResponse tells the technician where to pay.
type InitiateResponse struct {
	GatewayURL    string `json:"gateway_url"`
	TransactionID string `json:"transaction_id"`
}

// ManualApprovalRequest is the body for POST /admin/subscriptions/manual.
type ManualApprovalRequest struct {
	TechnicianID   string `json:"technician_id"`
	DurationMonths int    `json:"duration_months"`
	Note           string `json:"note"`
}

// Outcome is what a reconciliation attempt did.
type Outcome string

const (
	OutcomeSettled   Outcome = "settled"
	OutcomeFailed    Outcome = "failed"
	OutcomePending   Outcome = "pending"
	OutcomeDuplicate Outcome = "duplicate"
)
