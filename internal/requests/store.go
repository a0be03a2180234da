package requests

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"depanne-service/pkg/db"
)

var (
	ErrNotFound = errors.New("request not found")
	// ErrConflict means the row left the expected status before the write.
	ErrConflict = errors.New("request changed concurrently")
)

// Store persists repair requests.
type Store interface {
	Create(ctx context.Context, r *Request) error
	Get(ctx context.Context, id string) (*Request, error)
	// Update writes r if the stored status is still from.
	Update(ctx context.Context, r *Request, from Status) error
	ListByStatus(ctx context.Context, status Status, limit int) ([]Request, error)
	ListForClient(ctx context.Context, clientID string) ([]Request, error)
	ListForTechnician(ctx context.Context, technicianID string) ([]Request, error)
	AddExclusion(ctx context.Context, requestID, technicianID string, until time.Time) error
	// Exclusions lists technicians excluded from requestID at t.
	Exclusions(ctx context.Context, requestID string, t time.Time) ([]string, error)
}

// PGStore is the Postgres-backed Store.
type PGStore struct {
	db db.Querier
}

// NewPGStore creates a store over q.
func NewPGStore(q db.Querier) *PGStore { return &PGStore{db: q} }

const requestColumns = `id,client_principal_id,specialty,description,origin_lat,origin_lon,address,priority,status,
	assigned_technician_id,created_at,pending_since,assigned_at,started_at,completed_at,cancelled_at,
	expired_at,final_price,cancel_reason,flagged_for_review`

func scanRequest(row pgx.Row) (*Request, error) {
	var r Request
	var priority, status string
	err := row.Scan(&r.ID, &r.ClientID, &r.Specialty, &r.Description, &r.Origin.Lat, &r.Origin.Lon,
		&r.Address, &priority, &status, &r.AssignedTechnicianID, &r.CreatedAt, &r.PendingSince, &r.AssignedAt,
		&r.StartedAt, &r.CompletedAt, &r.CancelledAt, &r.ExpiredAt, &r.FinalPrice, &r.CancelReason,
		&r.FlaggedForReview)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Priority, r.Status = Priority(priority), Status(status)
	return &r, nil
}

func (s *PGStore) Create(ctx context.Context, r *Request) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO repair_requests (`+requestColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		r.ID, r.ClientID, r.Specialty, r.Description, r.Origin.Lat, r.Origin.Lon, r.Address,
		string(r.Priority), string(r.Status), r.AssignedTechnicianID, r.CreatedAt, r.PendingSince, r.AssignedAt,
		r.StartedAt, r.CompletedAt, r.CancelledAt, r.ExpiredAt, r.FinalPrice, r.CancelReason, r.FlaggedForReview)
	return err
}

func (s *PGStore) Get(ctx context.Context, id string) (*Request, error) {
	return scanRequest(s.db.QueryRow(ctx, `SELECT `+requestColumns+` FROM repair_requests WHERE id=$1`, id))
}

func (s *PGStore) Update(ctx context.Context, r *Request, from Status) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE repair_requests SET status=$3, assigned_technician_id=$4, assigned_at=$5, started_at=$6,
		        completed_at=$7, cancelled_at=$8, expired_at=$9, final_price=$10, cancel_reason=$11,
		        flagged_for_review=$12, pending_since=$13
		 WHERE id=$1 AND status=$2`,
		r.ID, string(from), string(r.Status), r.AssignedTechnicianID, r.AssignedAt, r.StartedAt,
		r.CompletedAt, r.CancelledAt, r.ExpiredAt, r.FinalPrice, r.CancelReason, r.FlaggedForReview,
		r.PendingSince)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PGStore) ListByStatus(ctx context.Context, status Status, limit int) ([]Request, error) {
	return s.list(ctx,
		`SELECT `+requestColumns+` FROM repair_requests WHERE status=$1 ORDER BY created_at LIMIT $2`,
		string(status), limit)
}

func (s *PGStore) ListForClient(ctx context.Context, clientID string) ([]Request, error) {
	return s.list(ctx,
		`SELECT `+requestColumns+` FROM repair_requests WHERE client_principal_id=$1 ORDER BY created_at DESC LIMIT 100`,
		clientID)
}

func (s *PGStore) ListForTechnician(ctx context.Context, technicianID string) ([]Request, error) {
	return s.list(ctx,
		`SELECT `+requestColumns+` FROM repair_requests WHERE assigned_technician_id=$1 ORDER BY created_at DESC LIMIT 100`,
		technicianID)
}

func (s *PGStore) list(ctx context.Context, query string, args ...any) ([]Request, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *PGStore) AddExclusion(ctx context.Context, requestID, technicianID string, until time.Time) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO request_exclusions (request_id,technician_id,until) VALUES ($1,$2,$3)
		 ON CONFLICT (request_id,technician_id) DO UPDATE SET until=GREATEST(request_exclusions.until, EXCLUDED.until)`,
		requestID, technicianID, until)
	return err
}

func (s *PGStore) Exclusions(ctx context.Context, requestID string, t time.Time) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT technician_id FROM request_exclusions WHERE request_id=$1 AND until > $2`, requestID, t)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
