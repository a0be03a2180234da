package technicians

import (
	"context"
	"errors"
	"log"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"depanne-service/pkg/apperr"
	"depanne-service/pkg/geo"
	"depanne-service/pkg/jwt"
	"depanne-service/pkg/validation"
)

// PositionIndex mirrors positions into a spatial index (Redis GEO).
type PositionIndex interface {
	SetTechnicianLocation(ctx context.Context, technicianID string, p geo.Point) error
	RemoveTechnicianLocation(ctx context.Context, technicianID string) error
}

// Service contains technician profile logic.
type Service struct {
	store       Store
	positions   PositionIndex
	clock       clock.Clock
	specialties map[string]bool
}

// NewService creates a technician service. positions may be nil.
func NewService(store Store, positions PositionIndex, clk clock.Clock, specialties []string) *Service {
	known := make(map[string]bool, len(specialties))
	for _, s := range specialties {
		known[validation.NormalizeSpecialty(s)] = true
	}
	return &Service{store: store, positions: positions, clock: clk, specialties: known}
}

// KnownSpecialty reports whether s is part of the vocabulary.
func (s *Service) KnownSpecialty(specialty string) bool {
	return s.specialties[validation.NormalizeSpecialty(specialty)]
}

// SaveProfile creates or updates the caller's own profile. New profiles start
// unverified and unavailable.
func (s *Service) SaveProfile(ctx context.Context, p jwt.Principal, req ProfileRequest) (*Profile, error) {
	if p.Role != jwt.RoleTechnician {
		return nil, apperr.Forbidden("only technicians have a profile")
	}
	specialty := validation.NormalizeSpecialty(req.Specialty)
	if !s.specialties[specialty] {
		return nil, apperr.Validation("unknown specialty %q", req.Specialty)
	}
	radius := req.ServiceRadiusKm
	if radius == 0 {
		radius = 10
	}
	if radius < 0 || radius > 200 {
		return nil, apperr.Validation("service_radius_km must be within (0, 200]")
	}

	now := s.clock.Now().UTC()
	profile := &Profile{
		ID:              uuid.New().String(),
		PrincipalID:     p.ID,
		Specialty:       specialty,
		ServiceRadiusKm: radius,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.Upsert(ctx, profile); err != nil {
		return nil, apperr.Internal(err)
	}
	return profile, nil
}

// Get fetches a profile by id.
func (s *Service) Get(ctx context.Context, id string) (*Profile, error) {
	p, err := s.store.Get(ctx, id)
	return p, s.translate(err)
}

// ForPrincipal fetches the profile owned by a principal.
func (s *Service) ForPrincipal(ctx context.Context, principalID string) (*Profile, error) {
	p, err := s.store.GetByPrincipal(ctx, principalID)
	return p, s.translate(err)
}

// TechnicianIDFor resolves a principal to its technician profile id.
func (s *Service) TechnicianIDFor(ctx context.Context, principalID string) (string, error) {
	p, err := s.ForPrincipal(ctx, principalID)
	if err != nil {
		return "", err
	}
	return p.ID, nil
}

// PrincipalIDFor resolves a technician profile id to its principal.
func (s *Service) PrincipalIDFor(ctx context.Context, technicianID string) (string, error) {
	p, err := s.Get(ctx, technicianID)
	if err != nil {
		return "", err
	}
	return p.PrincipalID, nil
}

// SetAvailability toggles whether the caller accepts dispatches.
func (s *Service) SetAvailability(ctx context.Context, principalID string, available bool) (*Profile, error) {
	p, err := s.ForPrincipal(ctx, principalID)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetAvailable(ctx, p.ID, available, s.clock.Now().UTC()); err != nil {
		return nil, s.translate(err)
	}
	if s.positions != nil {
		var err error
		if available && p.Position != nil {
			err = s.positions.SetTechnicianLocation(ctx, p.ID, *p.Position)
		} else if !available {
			err = s.positions.RemoveTechnicianLocation(ctx, p.ID)
		}
		if err != nil {
			log.Printf("[technicians] position index update for %s: %v", p.ID, err)
		}
	}
	return s.Get(ctx, p.ID)
}

// UpdateLocation records the caller's current position. Only the caller's
// own row is written.
func (s *Service) UpdateLocation(ctx context.Context, principalID string, pos geo.Point) (*Profile, error) {
	if !pos.Valid() {
		return nil, apperr.Validation("coordinates out of range")
	}
	p, err := s.ForPrincipal(ctx, principalID)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetPosition(ctx, p.ID, pos, s.clock.Now().UTC()); err != nil {
		return nil, s.translate(err)
	}
	if s.positions != nil && p.Available {
		if err := s.positions.SetTechnicianLocation(ctx, p.ID, pos); err != nil {
			log.Printf("[technicians] position index update for %s: %v", p.ID, err)
		}
	}
	return s.Get(ctx, p.ID)
}

// SetVerified is the admin verification toggle.
func (s *Service) SetVerified(ctx context.Context, id string, verified bool) (*Profile, error) {
	if err := s.store.SetVerified(ctx, id, verified, s.clock.Now().UTC()); err != nil {
		return nil, s.translate(err)
	}
	log.Printf("[technicians] %s verified=%t", id, verified)
	return s.Get(ctx, id)
}

// SetRating stores the recent rating used to break distance ties.
func (s *Service) SetRating(ctx context.Context, id string, rating float64) error {
	return s.translate(s.store.SetRating(ctx, id, rating, s.clock.Now().UTC()))
}

func (s *Service) translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return apperr.NotFound("technician not found")
	default:
		return apperr.Internal(err)
	}
}
