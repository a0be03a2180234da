package requests

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"depanne-service/pkg/apperr"
	"depanne-service/pkg/jwt"
	"depanne-service/pkg/lock"
	"depanne-service/pkg/validation"
)

// Listener hears about every persisted change. It is called while the
// request lock is held, so it must not block or call back into Service.
type Listener interface {
	RequestChanged(ctx context.Context, c Change)
}

// Technicians is the part of the technician directory requests need.
type Technicians interface {
	TechnicianIDFor(ctx context.Context, principalID string) (string, error)
	KnownSpecialty(specialty string) bool
}

// Config holds lifecycle timings.
type Config struct {
	ExpireAfter  time.Duration
	CancelGrace  time.Duration
	ExclusionTTL time.Duration
	SweepEvery   time.Duration
}

// Service owns the request state machine. Every mutation of one request
// runs under the "request:<id>" lock.
type Service struct {
	store     Store
	techs     Technicians
	locker    lock.Locker
	clock     clock.Clock
	cfg       Config
	listeners []Listener
}

// NewService creates a request service.
func NewService(store Store, techs Technicians, locker lock.Locker, clk clock.Clock, cfg Config) *Service {
	return &Service{store: store, techs: techs, locker: locker, clock: clk, cfg: cfg}
}

// Subscribe registers l for change events.
func (s *Service) Subscribe(l Listener) { s.listeners = append(s.listeners, l) }

// Config returns the lifecycle timings.
func (s *Service) Config() Config { return s.cfg }

func (s *Service) emit(ctx context.Context, c Change) {
	for _, l := range s.listeners {
		l.RequestChanged(ctx, c)
	}
}

// Create validates and persists a new pending request.
func (s *Service) Create(ctx context.Context, p jwt.Principal, req CreateRequest) (*Request, error) {
	if p.Role != jwt.RoleClient {
		return nil, apperr.Forbidden("only clients create requests")
	}
	if req.Origin == nil {
		return nil, apperr.Validation("origin is required")
	}
	if !req.Origin.Valid() {
		return nil, apperr.Validation("origin coordinates out of range")
	}
	specialty := validation.NormalizeSpecialty(req.Specialty)
	if !s.techs.KnownSpecialty(specialty) {
		return nil, apperr.Validation("unknown specialty %q", req.Specialty)
	}
	if !validation.ValidateText(req.Description, 2000) {
		return nil, apperr.Validation("description is required (max 2000 characters)")
	}
	priority := req.Priority
	switch priority {
	case "":
		priority = PriorityNormal
	case PriorityNormal, PriorityUrgent:
	default:
		return nil, apperr.Validation("priority must be normal or urgent")
	}

	now := s.clock.Now().UTC()
	r := &Request{
		ID:           uuid.New().String(),
		ClientID:     p.ID,
		Specialty:    specialty,
		Description:  strings.TrimSpace(req.Description),
		Origin:       *req.Origin,
		Address:      strings.TrimSpace(req.Address),
		Priority:     priority,
		Status:       StatusPending,
		CreatedAt:    now,
		PendingSince: now,
	}

	unlock, err := s.locker.Lock(ctx, "request:"+r.ID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	defer unlock()

	if err := s.store.Create(ctx, r); err != nil {
		return nil, apperr.Internal(err)
	}
	log.Printf("[requests] %s created by %s (%s)", r.ID, p.ID, r.Specialty)
	s.emit(ctx, Change{Request: *r, To: StatusPending, Actor: p.ID})
	return r, nil
}

// Load fetches a request without authorisation checks.
func (s *Service) Load(ctx context.Context, id string) (*Request, error) {
	r, err := s.store.Get(ctx, id)
	return r, translate(err)
}

// Get fetches a request for a participant or an admin.
func (s *Service) Get(ctx context.Context, p jwt.Principal, id string) (*Request, error) {
	r, err := s.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.roleIn(ctx, p, r); err != nil {
		return nil, err
	}
	return r, nil
}

// List returns the caller's requests: a client's own, a technician's
// assigned ones. Admins list by status.
func (s *Service) List(ctx context.Context, p jwt.Principal, status Status) ([]Request, error) {
	var out []Request
	var err error
	switch p.Role {
	case jwt.RoleClient:
		out, err = s.store.ListForClient(ctx, p.ID)
	case jwt.RoleTechnician:
		techID, terr := s.techs.TechnicianIDFor(ctx, p.ID)
		if terr != nil {
			return nil, terr
		}
		out, err = s.store.ListForTechnician(ctx, techID)
	case jwt.RoleAdmin:
		if status == "" {
			status = StatusPending
		}
		out, err = s.store.ListByStatus(ctx, status, 200)
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if status != "" && p.Role != jwt.RoleAdmin {
		filtered := out[:0]
		for _, r := range out {
			if r.Status == status {
				filtered = append(filtered, r)
			}
		}
		out = filtered
	}
	return out, nil
}

type participation int

const (
	asNone participation = iota
	asClient
	asTechnician
	asAdmin
)

// roleIn resolves how p participates in r.
func (s *Service) roleIn(ctx context.Context, p jwt.Principal, r *Request) (participation, error) {
	switch p.Role {
	case jwt.RoleAdmin:
		return asAdmin, nil
	case jwt.RoleClient:
		if r.ClientID == p.ID {
			return asClient, nil
		}
	case jwt.RoleTechnician:
		if r.AssignedTechnicianID != nil {
			techID, err := s.techs.TechnicianIDFor(ctx, p.ID)
			if err == nil && techID == *r.AssignedTechnicianID {
				return asTechnician, nil
			}
		}
	}
	return asNone, apperr.Forbidden("not a participant of this request")
}

// Transition applies a participant-driven transition.
func (s *Service) Transition(ctx context.Context, p jwt.Principal, id string, to Status, payload TransitionPayload) (*Request, error) {
	return s.mutate(ctx, id, p.ID, func(r *Request, now time.Time) (string, error) {
		who, err := s.roleIn(ctx, p, r)
		if err != nil {
			return "", err
		}
		if !CanTransition(r.Status, to) {
			return "", apperr.Conflict("cannot move request from %s to %s", r.Status, to)
		}

		switch to {
		case StatusCancelled:
			return "", s.cancel(r, who, now, payload.Reason)

		case StatusInProgress:
			if who != asTechnician {
				return "", apperr.Forbidden("only the assigned technician starts work")
			}
			r.StartedAt = &now

		case StatusCompleted:
			if who != asTechnician {
				return "", apperr.Forbidden("only the assigned technician completes work")
			}
			if payload.FinalPrice == nil || *payload.FinalPrice < 0 {
				return "", apperr.Validation("final_price is required")
			}
			price := *payload.FinalPrice
			r.FinalPrice = &price
			r.CompletedAt = &now

		case StatusPending:
			// Reassignment after a no-show.
			if who != asClient && who != asAdmin {
				return "", apperr.Forbidden("only the client or an admin can request reassignment")
			}
			prev := r.TechnicianID()
			r.AssignedTechnicianID = nil
			r.AssignedAt = nil
			r.PendingSince = now
			return prev, nil

		default:
			return "", apperr.Conflict("transition to %s is not available to participants", to)
		}
		return "", nil
	}, to)
}

func (s *Service) cancel(r *Request, who participation, now time.Time, reason string) error {
	switch r.Status {
	case StatusPending:
		if who != asClient && who != asAdmin {
			return apperr.Forbidden("only the client cancels a pending request")
		}
	case StatusAssigned:
		if who != asAdmin && r.AssignedAt != nil && now.Sub(*r.AssignedAt) > s.cfg.CancelGrace {
			return apperr.Conflict("cancellation window has passed")
		}
	case StatusInProgress:
		r.FlaggedForReview = true
	}
	r.CancelledAt = &now
	r.CancelReason = strings.TrimSpace(reason)
	return nil
}

// Assign records the dispatcher's accepted offer.
func (s *Service) Assign(ctx context.Context, id, technicianID string) (*Request, error) {
	return s.mutate(ctx, id, ActorSystem, func(r *Request, now time.Time) (string, error) {
		if r.Status != StatusPending {
			return "", apperr.Conflict("request is %s", r.Status)
		}
		r.AssignedTechnicianID = &technicianID
		r.AssignedAt = &now
		return "", nil
	}, StatusAssigned)
}

// Expire moves a pending request past its deadline to expired.
func (s *Service) Expire(ctx context.Context, id string) (*Request, error) {
	return s.mutate(ctx, id, ActorSystem, func(r *Request, now time.Time) (string, error) {
		if r.Status != StatusPending {
			return "", apperr.Conflict("request is %s", r.Status)
		}
		if now.Before(r.DispatchDeadline(s.cfg.ExpireAfter)) {
			return "", apperr.Conflict("request has not reached its deadline")
		}
		r.ExpiredAt = &now
		return "", nil
	}, StatusExpired)
}

// ListPending returns pending requests, oldest first.
func (s *Service) ListPending(ctx context.Context) ([]Request, error) {
	out, err := s.store.ListByStatus(ctx, StatusPending, 1000)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return out, nil
}

// Exclusions lists technicians that must not be offered id right now.
func (s *Service) Exclusions(ctx context.Context, id string) ([]string, error) {
	out, err := s.store.Exclusions(ctx, id, s.clock.Now().UTC())
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return out, nil
}

// mutate runs fn on a fresh copy of the request under its lock, persists
// the result if the stored status is unchanged, then notifies listeners.
// fn returns the technician it unassigned, if any. That technician is
// excluded from the request only once the update has been stored.
func (s *Service) mutate(ctx context.Context, id, actor string, fn func(r *Request, now time.Time) (string, error), to Status) (*Request, error) {
	unlock, err := s.locker.Lock(ctx, "request:"+id)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	defer unlock()

	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, translate(err)
	}
	from := r.Status
	now := s.clock.Now().UTC()
	prevTech, err := fn(r, now)
	if err != nil {
		return nil, err
	}
	r.Status = to
	if err := s.store.Update(ctx, r, from); err != nil {
		return nil, translate(err)
	}
	if prevTech != "" && to == StatusPending {
		if err := s.store.AddExclusion(ctx, r.ID, prevTech, now.Add(s.cfg.ExclusionTTL)); err != nil {
			log.Printf("[requests] exclude %s from %s: %v", prevTech, r.ID, err)
		}
	}
	log.Printf("[requests] %s %s -> %s by %s", r.ID, from, to, actor)
	s.emit(ctx, Change{Request: *r, From: from, To: to, Actor: actor, PreviousTechnicianID: prevTech})
	return r, nil
}

// ExpireStale expires every pending request past its deadline. Returns how
// many were expired.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	pending, err := s.store.ListByStatus(ctx, StatusPending, 500)
	if err != nil {
		return 0, err
	}
	now := s.clock.Now().UTC()
	n := 0
	for _, r := range pending {
		if now.Before(r.DispatchDeadline(s.cfg.ExpireAfter)) {
			continue
		}
		if _, err := s.Expire(ctx, r.ID); err != nil {
			if !apperr.Is(err, apperr.KindConflict) {
				log.Printf("[requests] expire %s: %v", r.ID, err)
			}
			continue
		}
		n++
	}
	return n, nil
}

// StartSweeper runs ExpireStale every SweepEvery until ctx is cancelled.
func (s *Service) StartSweeper(ctx context.Context) {
	go func() {
		ticker := s.clock.Ticker(s.cfg.SweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := s.ExpireStale(ctx); err != nil {
					log.Printf("[requests] expiry sweep: %v", err)
				} else if n > 0 {
					log.Printf("[requests] expired %d request(s)", n)
				}
			}
		}
	}()
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return apperr.NotFound("request not found")
	case errors.Is(err, ErrConflict):
		return apperr.Conflict("request changed, re-read and retry")
	default:
		return apperr.Internal(err)
	}
}
