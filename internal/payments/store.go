package payments

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"depanne-service/pkg/db"
)

var (
	ErrNotFound  = errors.New("payment not found")
	ErrDuplicate = errors.New("transaction id already used")
)

// Store persists payments.
type Store interface {
	Create(ctx context.Context, p *Payment) error
	GetByTransaction(ctx context.Context, transactionID string) (*Payment, error)
	SetPaymentURL(ctx context.Context, id, url string) error
	// Settle moves a pending payment to status. It reports false when the
	// payment had already left pending.
	Settle(ctx context.Context, id string, status Status, meta Metadata, at time.Time) (bool, error)
	// ListPending returns pending payments created before olderThan that
	// sort after the cursor, ordered by (created_at, id).
	ListPending(ctx context.Context, olderThan time.Time, after Cursor, limit int) ([]Payment, error)
	ListByPrincipal(ctx context.Context, principalID string) ([]Payment, error)
}

// Cursor marks the last payment of a ListPending page. The zero Cursor
// starts from the oldest payment.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// After returns the cursor positioned on p.
func After(p Payment) Cursor { return Cursor{CreatedAt: p.CreatedAt, ID: p.ID} }

func (c Cursor) less(p Payment) bool {
	if !p.CreatedAt.Equal(c.CreatedAt) {
		return c.CreatedAt.Before(p.CreatedAt)
	}
	return c.ID < p.ID
}

// PGStore is the Postgres-backed Store.
type PGStore struct {
	db db.Querier
}

// NewPGStore creates a store over q.
func NewPGStore(q db.Querier) *PGStore { return &PGStore{db: q} }

const paymentColumns = `id,transaction_id,principal_id,amount,currency,status,intent_metadata,payment_url,created_at,settled_at`

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	var status string
	var meta []byte
	err := row.Scan(&p.ID, &p.TransactionID, &p.PrincipalID, &p.Amount, &p.Currency,
		&status, &meta, &p.PaymentURL, &p.CreatedAt, &p.SettledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Status = Status(status)
	if err := json.Unmarshal(meta, &p.Metadata); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PGStore) Create(ctx context.Context, p *Payment) error {
	meta, err := json.Marshal(p.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO payments (id,transaction_id,principal_id,amount,currency,status,intent_metadata,payment_url,created_at,settled_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		p.ID, p.TransactionID, p.PrincipalID, p.Amount, p.Currency, string(p.Status), meta, p.PaymentURL, p.CreatedAt, p.SettledAt)
	if db.IsUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *PGStore) GetByTransaction(ctx context.Context, transactionID string) (*Payment, error) {
	return scanPayment(s.db.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE transaction_id=$1`, transactionID))
}

func (s *PGStore) SetPaymentURL(ctx context.Context, id, url string) error {
	_, err := s.db.Exec(ctx, `UPDATE payments SET payment_url=$2 WHERE id=$1`, id, url)
	return err
}

func (s *PGStore) Settle(ctx context.Context, id string, status Status, meta Metadata, at time.Time) (bool, error) {
	raw, err := json.Marshal(meta)
	if err != nil {
		return false, err
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE payments SET status=$2, intent_metadata=$3, settled_at=$4
		 WHERE id=$1 AND status='pending'`, id, string(status), raw, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) ListPending(ctx context.Context, olderThan time.Time, after Cursor, limit int) ([]Payment, error) {
	if after.ID == "" {
		return s.list(ctx,
			`SELECT `+paymentColumns+` FROM payments
			 WHERE status='pending' AND created_at < $1
			 ORDER BY created_at, id LIMIT $2`, olderThan, limit)
	}
	return s.list(ctx,
		`SELECT `+paymentColumns+` FROM payments
		 WHERE status='pending' AND created_at < $1 AND (created_at, id) > ($2, $3::uuid)
		 ORDER BY created_at, id LIMIT $4`, olderThan, after.CreatedAt, after.ID, limit)
}

func (s *PGStore) ListByPrincipal(ctx context.Context, principalID string) ([]Payment, error) {
	return s.list(ctx,
		`SELECT `+paymentColumns+` FROM payments
		 WHERE principal_id=$1 ORDER BY created_at DESC`, principalID)
}

func (s *PGStore) list(ctx context.Context, query string, args ...any) ([]Payment, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}
