// Package geoindex answers "which technicians can take this job": verified,
// available, subscribed technicians of a specialty with a fresh position
// inside a radius, nearest first.
package geoindex

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/benbjohnson/clock"

	"depanne-service/internal/technicians"
	"depanne-service/pkg/geo"
)

// DefaultRadiusKm is used when a query does not set one.
const DefaultRadiusKm = 10

// Subscriptions answers the subscription half of the dispatch predicate.
type Subscriptions interface {
	ActiveAt(ctx context.Context, technicianID string, t time.Time) (bool, error)
}

// Locator is a spatial prefilter (Redis GEO). It may return technicians
// that no longer qualify; the index re-checks every predicate.
type Locator interface {
	TechniciansWithin(ctx context.Context, p geo.Point, radiusKm float64, count int) ([]string, error)
}

// Query selects candidates around Origin.
type Query struct {
	Origin    geo.Point
	RadiusKm  float64
	Specialty string
	At        time.Time
	// Limit caps the result; zero means no cap.
	Limit   int
	Exclude map[string]bool
}

// Candidate is one dispatchable technician.
type Candidate struct {
	TechnicianID string  `json:"technician_id"`
	PrincipalID  string  `json:"-"`
	DistanceKm   float64 `json:"distance_km"`
	Rating       float64 `json:"rating"`
}

// Index is a linear scan over dispatchable profiles, optionally narrowed by
// a spatial Locator.
type Index struct {
	techs          technicians.Store
	subs           Subscriptions
	locator        Locator
	clock          clock.Clock
	maxPositionAge time.Duration
}

// New creates an index. Positions older than maxPositionAge are ignored.
func New(techs technicians.Store, subs Subscriptions, clk clock.Clock, maxPositionAge time.Duration) *Index {
	return &Index{techs: techs, subs: subs, clock: clk, maxPositionAge: maxPositionAge}
}

// UseLocator narrows scans with l.
func (ix *Index) UseLocator(l Locator) { ix.locator = l }

// Nearby returns the technicians satisfying the dispatch predicate at q.At,
// by distance ascending, then rating descending, then id ascending.
func (ix *Index) Nearby(ctx context.Context, q Query) ([]Candidate, error) {
	if q.RadiusKm <= 0 {
		q.RadiusKm = DefaultRadiusKm
	}
	if q.At.IsZero() {
		q.At = ix.clock.Now()
	}

	profiles, err := ix.scan(ctx, q)
	if err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(profiles))
	for i := range profiles {
		p := &profiles[i]
		if q.Exclude[p.ID] || p.Specialty != q.Specialty || !p.Verified || !p.Available {
			continue
		}
		if !p.PositionFresh(q.At, ix.maxPositionAge) {
			continue
		}
		d := geo.DistanceKm(q.Origin, *p.Position)
		if d > q.RadiusKm {
			continue
		}
		active, err := ix.subs.ActiveAt(ctx, p.ID, q.At)
		if err != nil {
			return nil, err
		}
		if !active {
			continue
		}
		out = append(out, Candidate{TechnicianID: p.ID, PrincipalID: p.PrincipalID, DistanceKm: d, Rating: p.Rating})
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.DistanceKm != b.DistanceKm {
			return a.DistanceKm < b.DistanceKm
		}
		if a.Rating != b.Rating {
			return a.Rating > b.Rating
		}
		return a.TechnicianID < b.TechnicianID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (ix *Index) scan(ctx context.Context, q Query) ([]technicians.Profile, error) {
	if ix.locator != nil {
		// Redis GEO uses a slightly larger earth radius; pad so the
		// Haversine check below stays authoritative at the boundary.
		ids, err := ix.locator.TechniciansWithin(ctx, q.Origin, q.RadiusKm*1.01, 0)
		if err == nil {
			if len(ids) == 0 {
				return nil, nil
			}
			return ix.techs.GetMany(ctx, ids)
		}
		log.Printf("[geoindex] locator unavailable, scanning store: %v", err)
	}
	return ix.techs.ListDispatchable(ctx, q.Specialty)
}
