package subscriptions

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"depanne-service/pkg/db"
)

var (
	ErrNotFound  = errors.New("subscription record not found")
	ErrDuplicate = errors.New("payment already applied")
)

// Reader answers interval queries.
type Reader interface {
	// ActiveAt returns the interval containing t with the latest end.
	ActiveAt(ctx context.Context, technicianID string, t time.Time) (*Interval, error)
	List(ctx context.Context, technicianID string) ([]Interval, error)
}

// Writer is the transactional view used by Ledger.Extend.
type Writer interface {
	Reader
	FindExtension(ctx context.Context, sourcePaymentID string) (*Extension, error)
	InsertInterval(ctx context.Context, iv *Interval) error
	UpdateEnd(ctx context.Context, intervalID string, end time.Time) error
	InsertExtension(ctx context.Context, ext *Extension) error
}

// Store persists intervals. Atomic gives fn a serializable view.
type Store interface {
	Reader
	Atomic(ctx context.Context, fn func(w Writer) error) error
	// EndingBetween lists intervals ending in (from, to] whose expiry
	// notice has not been sent.
	EndingBetween(ctx context.Context, from, to time.Time) ([]Interval, error)
	MarkExpiryNotified(ctx context.Context, intervalID string) error
}

// PGStore is the Postgres-backed Store.
type PGStore struct {
	pgQueries
	db *db.DB
}

// NewPGStore creates a store over database.
func NewPGStore(database *db.DB) *PGStore {
	return &PGStore{pgQueries: pgQueries{q: database.Pool}, db: database}
}

func (s *PGStore) Atomic(ctx context.Context, fn func(w Writer) error) error {
	return s.db.WithSerializable(ctx, func(q db.Querier) error {
		return fn(pgQueries{q: q})
	})
}

func (s *PGStore) EndingBetween(ctx context.Context, from, to time.Time) ([]Interval, error) {
	return s.list(ctx,
		`SELECT `+intervalColumns+` FROM subscription_intervals
		 WHERE ends_at > $1 AND ends_at <= $2 AND NOT expiry_notified
		 ORDER BY ends_at`, from, to)
}

func (s *PGStore) MarkExpiryNotified(ctx context.Context, intervalID string) error {
	_, err := s.q.Exec(ctx, `UPDATE subscription_intervals SET expiry_notified=TRUE WHERE id=$1`, intervalID)
	return err
}

type pgQueries struct {
	q db.Querier
}

const intervalColumns = `id,technician_id,starts_at,ends_at,source_payment_id,expiry_notified,created_at`

func scanInterval(row pgx.Row) (*Interval, error) {
	var iv Interval
	err := row.Scan(&iv.ID, &iv.TechnicianID, &iv.Start, &iv.End, &iv.SourcePaymentID, &iv.ExpiryNotified, &iv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &iv, err
}

func (p pgQueries) ActiveAt(ctx context.Context, technicianID string, t time.Time) (*Interval, error) {
	return scanInterval(p.q.QueryRow(ctx,
		`SELECT `+intervalColumns+` FROM subscription_intervals
		 WHERE technician_id=$1 AND starts_at <= $2 AND ends_at > $2
		 ORDER BY ends_at DESC LIMIT 1
		 FOR UPDATE`, technicianID, t))
}

func (p pgQueries) List(ctx context.Context, technicianID string) ([]Interval, error) {
	return p.list(ctx,
		`SELECT `+intervalColumns+` FROM subscription_intervals
		 WHERE technician_id=$1 ORDER BY starts_at, ends_at`, technicianID)
}

func (p pgQueries) list(ctx context.Context, query string, args ...any) ([]Interval, error) {
	rows, err := p.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Interval
	for rows.Next() {
		iv, err := scanInterval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *iv)
	}
	return out, rows.Err()
}

func (p pgQueries) FindExtension(ctx context.Context, sourcePaymentID string) (*Extension, error) {
	var ext Extension
	err := p.q.QueryRow(ctx,
		`SELECT id,interval_id,source_payment_id,duration_months,applied_at
		 FROM subscription_extensions WHERE source_payment_id=$1`, sourcePaymentID).
		Scan(&ext.ID, &ext.IntervalID, &ext.SourcePaymentID, &ext.DurationMonths, &ext.AppliedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ext, nil
}

func (p pgQueries) InsertInterval(ctx context.Context, iv *Interval) error {
	_, err := p.q.Exec(ctx,
		`INSERT INTO subscription_intervals (id,technician_id,starts_at,ends_at,source_payment_id,created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		iv.ID, iv.TechnicianID, iv.Start, iv.End, iv.SourcePaymentID, iv.CreatedAt)
	return err
}

func (p pgQueries) UpdateEnd(ctx context.Context, intervalID string, end time.Time) error {
	tag, err := p.q.Exec(ctx,
		`UPDATE subscription_intervals SET ends_at=$2, expiry_notified=FALSE WHERE id=$1`, intervalID, end)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p pgQueries) InsertExtension(ctx context.Context, ext *Extension) error {
	_, err := p.q.Exec(ctx,
		`INSERT INTO subscription_extensions (id,interval_id,source_payment_id,duration_months,applied_at)
		 VALUES ($1,$2,$3,$4,$5)`,
		ext.ID, ext.IntervalID, ext.SourcePaymentID, ext.DurationMonths, ext.AppliedAt)
	if db.IsUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}
