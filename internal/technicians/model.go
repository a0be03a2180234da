package technicians

import (
	"time"

	"depanne-service/pkg/geo"
)

// Profile is the single dispatch-facing record of a technician.
type Profile struct {
	ID                string     `json:"id"`
	PrincipalID       string     `json:"principal_id"`
	Specialty         string     `json:"specialty"`
	Verified          bool       `json:"verified"`
	Available         bool       `json:"available"`
	Position          *geo.Point `json:"current_position,omitempty"`
	PositionUpdatedAt *time.Time `json:"position_updated_at,omitempty"`
	ServiceRadiusKm   float64    `json:"service_radius_km"`
	Rating            float64    `json:"rating"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// PositionFresh reports whether the last position report is recent enough
// to dispatch on.
func (p *Profile) PositionFresh(now time.Time, maxAge time.Duration) bool {
	if p.Position == nil || p.PositionUpdatedAt == nil {
		return false
	}
	return now.Sub(*p.PositionUpdatedAt) <= maxAge
}

// ProfileRequest is the body for POST /technicians/me.
type ProfileRequest struct {
	Specialty       string  `json:"specialty"`
	ServiceRadiusKm float64 `json:"service_radius_km"`
}

// AvailabilityUpdate is the body for PATCH /technicians/me/availability.
type AvailabilityUpdate struct {
	Available bool `json:"available"`
}

// LocationUpdate is the body for PATCH /technicians/me/location.
type LocationUpdate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// VerificationUpdate is the body for PATCH /technicians/{id}/verification.
type VerificationUpdate struct {
	Verified bool `json:"verified"`
}
