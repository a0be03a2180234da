package notifications

import (
	"context"
	"encoding/json"
	"time"

	"depanne-service/pkg/db"
)

// Store persists events for unread retrieval and device tokens for push.
type Store interface {
	Save(ctx context.Context, e *Event) error
	Unread(ctx context.Context, recipientID string, limit int) ([]Event, error)
	MarkRead(ctx context.Context, recipientID string, ids []string, at time.Time) (int, error)
	AddDeviceToken(ctx context.Context, principalID, token string) error
	DeviceTokens(ctx context.Context, principalID string) ([]string, error)
}

// PGStore is the Postgres-backed Store.
type PGStore struct {
	db db.Querier
}

// NewPGStore creates a store over q.
func NewPGStore(q db.Querier) *PGStore { return &PGStore{db: q} }

func (s *PGStore) Save(ctx context.Context, e *Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO notifications (id,recipient_id,kind,payload,created_at) VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (id) DO NOTHING`,
		e.ID, e.RecipientID, string(e.Kind), payload, e.CreatedAt)
	return err
}

func (s *PGStore) Unread(ctx context.Context, recipientID string, limit int) ([]Event, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id,recipient_id,kind,payload,created_at,read_at FROM notifications
		 WHERE recipient_id=$1 AND read_at IS NULL
		 ORDER BY created_at LIMIT $2`, recipientID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var kind string
		var payload []byte
		if err := rows.Scan(&e.ID, &e.RecipientID, &kind, &payload, &e.CreatedAt, &e.ReadAt); err != nil {
			return nil, err
		}
		e.Kind = Kind(kind)
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PGStore) MarkRead(ctx context.Context, recipientID string, ids []string, at time.Time) (int, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE notifications SET read_at=$3
		 WHERE recipient_id=$1 AND id = ANY($2::uuid[]) AND read_at IS NULL`, recipientID, ids, at)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PGStore) AddDeviceToken(ctx context.Context, principalID, token string) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO device_tokens (principal_id,token) VALUES ($1,$2) ON CONFLICT DO NOTHING`,
		principalID, token)
	return err
}

func (s *PGStore) DeviceTokens(ctx context.Context, principalID string) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT token FROM device_tokens WHERE principal_id=$1`, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
