package reviews

import (
	"context"
	"errors"

	"depanne-service/pkg/db"
)

// ErrDuplicate is returned when the request already has a review.
var ErrDuplicate = errors.New("request already reviewed")

// Store persists reviews.
type Store interface {
	Create(ctx context.Context, r *Review) error
	// ListForTechnician returns the newest reviews first.
	ListForTechnician(ctx context.Context, technicianID string, limit int) ([]Review, error)
}

// PGStore is the Postgres-backed Store.
type PGStore struct {
	db db.Querier
}

func NewPGStore(q db.Querier) *PGStore { return &PGStore{db: q} }

func (s *PGStore) Create(ctx context.Context, r *Review) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO reviews (id,request_id,technician_id,client_id,rating,comment,created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		r.ID, r.RequestID, r.TechnicianID, r.ClientID, r.Rating, r.Comment, r.CreatedAt)
	if db.IsUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *PGStore) ListForTechnician(ctx context.Context, technicianID string, limit int) ([]Review, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id,request_id,technician_id,client_id,rating,comment,created_at
		 FROM reviews WHERE technician_id=$1 ORDER BY created_at DESC, id LIMIT $2`, technicianID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Review
	for rows.Next() {
		var r Review
		if err := rows.Scan(&r.ID, &r.RequestID, &r.TechnicianID, &r.ClientID, &r.Rating, &r.Comment, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
