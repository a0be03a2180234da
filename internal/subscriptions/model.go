package subscriptions

import "time"

// Interval is a half-open range [Start, End) during which a technician may
// receive dispatches.
type Interval struct {
	ID              string    `json:"id"`
	TechnicianID    string    `json:"technician_id"`
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	SourcePaymentID *string   `json:"source_payment_id,omitempty"`
	ExpiryNotified  bool      `json:"-"`
	CreatedAt       time.Time `json:"created_at"`
}

// Contains reports whether t falls inside the interval.
func (i Interval) Contains(t time.Time) bool {
	return !t.Before(i.Start) && t.Before(i.End)
}

// Extension records that a payment has been applied to an interval.
type Extension struct {
	ID              string
	IntervalID      string
	SourcePaymentID string
	DurationMonths  int
	AppliedAt       time.Time
}

// Status is the response of GET /subscription/status.
type Status struct {
	Active          bool      `json:"active"`
	CurrentInterval *Interval `json:"current_interval,omitempty"`
	DaysRemaining   *int      `json:"days_remaining,omitempty"`
}
