package geoindex

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"depanne-service/pkg/apperr"
	"depanne-service/pkg/geo"
	"depanne-service/pkg/httpx"
	"depanne-service/pkg/jwt"
	"depanne-service/pkg/validation"
)

// Vocabulary reports whether a specialty code is known.
type Vocabulary interface {
	KnownSpecialty(specialty string) bool
}

// Handler serves GET /technicians/nearby.
type Handler struct {
	index *Index
	vocab Vocabulary
}

// NewHandler wires a handler to the index.
func NewHandler(index *Index, vocab Vocabulary) *Handler {
	return &Handler{index: index, vocab: vocab}
}

// Register adds the nearby route to r (mounted at /technicians).
func (h *Handler) Register(r chi.Router) {
	r.With(jwt.RequireAuth).Get("/nearby", h.Nearby)
}

func (h *Handler) Nearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lon, errLon := strconv.ParseFloat(q.Get("lon"), 64)
	if errLat != nil || errLon != nil || !validation.ValidateCoordinates(lat, lon) {
		httpx.WriteError(w, r, apperr.Validation("lat and lon are required and must be in range"))
		return
	}
	specialty := validation.NormalizeSpecialty(q.Get("specialty"))
	if !h.vocab.KnownSpecialty(specialty) {
		httpx.WriteError(w, r, apperr.Validation("unknown specialty %q", q.Get("specialty")))
		return
	}
	radius := float64(DefaultRadiusKm)
	if raw := q.Get("radius_km"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v <= 0 || v > 100 {
			httpx.WriteError(w, r, apperr.Validation("radius_km must be within (0, 100]"))
			return
		}
		radius = v
	}

	candidates, err := h.index.Nearby(r.Context(), Query{
		Origin:    geo.Point{Lat: lat, Lon: lon},
		RadiusKm:  radius,
		Specialty: specialty,
		Limit:     50,
	})
	if err != nil {
		httpx.WriteError(w, r, apperr.Internal(err))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, candidates)
}
