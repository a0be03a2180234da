package reviews

import "time"

// Review is a client's rating of the technician who completed a request.
type Review struct {
	ID           string    `json:"id"`
	RequestID    string    `json:"request_id"`
	TechnicianID string    `json:"technician_id"`
	ClientID     string    `json:"client_principal_id"`
	Rating       int       `json:"rating"`
	Comment      string    `json:"comment,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// SubmitRequest is the body for POST /requests/{id}/review.
type SubmitRequest struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment"`
}
