// Package events turns request and subscription changes into messages for
// downstream consumers (Kafka topics for the messaging service, and
// per-participant notifications).
package events

import (
	"time"

	"depanne-service/internal/payments"
	"depanne-service/internal/requests"
	"depanne-service/internal/subscriptions"
	"depanne-service/pkg/geo"
)

// RequestLifecycleEvent is published to request.lifecycle, keyed by
// request id.
type RequestLifecycleEvent struct {
	RequestID            string          `json:"request_id"`
	ClientPrincipalID    string          `json:"client_principal_id"`
	AssignedTechnicianID string          `json:"assigned_technician_id,omitempty"`
	Specialty            string          `json:"specialty"`
	Origin               geo.Point       `json:"origin"`
	From                 requests.Status `json:"from,omitempty"`
	To                   requests.Status `json:"to"`
	Actor                string          `json:"actor"`
	FinalPrice           *int64          `json:"final_price,omitempty"`
	FlaggedForReview     bool            `json:"flagged_for_review,omitempty"`
	OccurredAt           string          `json:"occurred_at"`
}

// SubscriptionActivatedEvent is published to subscription.activated, keyed
// by technician id.
type SubscriptionActivatedEvent struct {
	TransactionID  string `json:"transaction_id"`
	TechnicianID   string `json:"technician_id"`
	PrincipalID    string `json:"principal_id"`
	DurationMonths int    `json:"duration_months"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	Source         string `json:"source"`
	IntervalStart  string `json:"interval_start"`
	IntervalEnd    string `json:"interval_end"`
}

func lifecycleEvent(c requests.Change, at time.Time) RequestLifecycleEvent {
	r := c.Request
	return RequestLifecycleEvent{
		RequestID:            r.ID,
		ClientPrincipalID:    r.ClientID,
		AssignedTechnicianID: r.TechnicianID(),
		Specialty:            r.Specialty,
		Origin:               r.Origin,
		From:                 c.From,
		To:                   c.To,
		Actor:                c.Actor,
		FinalPrice:           r.FinalPrice,
		FlaggedForReview:     r.FlaggedForReview,
		OccurredAt:           at.UTC().Format(time.RFC3339),
	}
}

func activatedEvent(p *payments.Payment, iv *subscriptions.Interval) SubscriptionActivatedEvent {
	return SubscriptionActivatedEvent{
		TransactionID:  p.TransactionID,
		TechnicianID:   p.Metadata.TechnicianID,
		PrincipalID:    p.PrincipalID,
		DurationMonths: p.Metadata.DurationMonths,
		Amount:         p.Amount,
		Currency:       p.Currency,
		Source:         string(p.Metadata.Source),
		IntervalStart:  iv.Start.UTC().Format(time.RFC3339),
		IntervalEnd:    iv.End.UTC().Format(time.RFC3339),
	}
}
