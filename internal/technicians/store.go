package technicians

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"depanne-service/pkg/db"
	"depanne-service/pkg/geo"
)

// ErrNotFound is returned when no profile matches.
var ErrNotFound = errors.New("technician not found")

// Store persists technician profiles.
type Store interface {
	Upsert(ctx context.Context, p *Profile) error
	Get(ctx context.Context, id string) (*Profile, error)
	GetByPrincipal(ctx context.Context, principalID string) (*Profile, error)
	GetMany(ctx context.Context, ids []string) ([]Profile, error)
	// ListDispatchable returns verified, available technicians of a
	// specialty that have reported a position.
	ListDispatchable(ctx context.Context, specialty string) ([]Profile, error)
	SetAvailable(ctx context.Context, id string, available bool, at time.Time) error
	SetVerified(ctx context.Context, id string, verified bool, at time.Time) error
	SetPosition(ctx context.Context, id string, p geo.Point, at time.Time) error
	SetRating(ctx context.Context, id string, rating float64, at time.Time) error
}

// PGStore is the Postgres-backed Store.
type PGStore struct {
	db db.Querier
}

// NewPGStore creates a store over q.
func NewPGStore(q db.Querier) *PGStore { return &PGStore{db: q} }

const profileColumns = `id,principal_id,specialty,verified,available,lat,lon,
	position_updated_at,service_radius_km,rating,created_at,updated_at`

func scanProfile(row pgx.Row) (*Profile, error) {
	var p Profile
	var lat, lon *float64
	err := row.Scan(&p.ID, &p.PrincipalID, &p.Specialty, &p.Verified, &p.Available,
		&lat, &lon, &p.PositionUpdatedAt, &p.ServiceRadiusKm, &p.Rating, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if lat != nil && lon != nil {
		p.Position = &geo.Point{Lat: *lat, Lon: *lon}
	}
	return &p, nil
}

func (s *PGStore) Upsert(ctx context.Context, p *Profile) error {
	row := s.db.QueryRow(ctx,
		`INSERT INTO technicians (id,principal_id,specialty,service_radius_km,created_at,updated_at)
		 VALUES ($1,$2,$3,$4,$5,$5)
		 ON CONFLICT (principal_id) DO UPDATE
		   SET specialty=EXCLUDED.specialty,
		       service_radius_km=EXCLUDED.service_radius_km,
		       updated_at=EXCLUDED.updated_at
		 RETURNING `+profileColumns,
		p.ID, p.PrincipalID, p.Specialty, p.ServiceRadiusKm, p.UpdatedAt)
	stored, err := scanProfile(row)
	if err != nil {
		return err
	}
	*p = *stored
	return nil
}

func (s *PGStore) Get(ctx context.Context, id string) (*Profile, error) {
	return scanProfile(s.db.QueryRow(ctx, `SELECT `+profileColumns+` FROM technicians WHERE id=$1`, id))
}

func (s *PGStore) GetByPrincipal(ctx context.Context, principalID string) (*Profile, error) {
	return scanProfile(s.db.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM technicians WHERE principal_id=$1`, principalID))
}

func (s *PGStore) GetMany(ctx context.Context, ids []string) ([]Profile, error) {
	return s.list(ctx, `SELECT `+profileColumns+` FROM technicians WHERE id = ANY($1::uuid[])`, ids)
}

func (s *PGStore) ListDispatchable(ctx context.Context, specialty string) ([]Profile, error) {
	return s.list(ctx,
		`SELECT `+profileColumns+` FROM technicians
		 WHERE specialty=$1 AND verified AND available AND lat IS NOT NULL`, specialty)
}

func (s *PGStore) list(ctx context.Context, query string, args ...any) ([]Profile, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *PGStore) SetAvailable(ctx context.Context, id string, available bool, at time.Time) error {
	return s.exec(ctx, `UPDATE technicians SET available=$2, updated_at=$3 WHERE id=$1`, id, available, at)
}

func (s *PGStore) SetVerified(ctx context.Context, id string, verified bool, at time.Time) error {
	return s.exec(ctx, `UPDATE technicians SET verified=$2, updated_at=$3 WHERE id=$1`, id, verified, at)
}

func (s *PGStore) SetPosition(ctx context.Context, id string, p geo.Point, at time.Time) error {
	return s.exec(ctx,
		`UPDATE technicians SET lat=$2, lon=$3, position_updated_at=$4, updated_at=$4 WHERE id=$1`,
		id, p.Lat, p.Lon, at)
}

func (s *PGStore) SetRating(ctx context.Context, id string, rating float64, at time.Time) error {
	return s.exec(ctx, `UPDATE technicians SET rating=$2, updated_at=$3 WHERE id=$1`, id, rating, at)
}

func (s *PGStore) exec(ctx context.Context, query string, args ...any) error {
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
