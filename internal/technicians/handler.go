package technicians

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"depanne-service/pkg/geo"
	"depanne-service/pkg/httpx"
	"depanne-service/pkg/jwt"
)

// Handler exposes technician HTTP endpoints.
type Handler struct{ svc *Service }

// NewHandler wires a handler to the technician service.
func NewHandler(svc *Service) *Handler { return &Handler{svc: svc} }

// Register adds technician routes to r (mounted at /technicians).
func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(jwt.RequireRole(jwt.RoleTechnician))
		r.Get("/me", h.Me)
		r.Post("/me", h.SaveProfile)
		r.Patch("/me/availability", h.SetAvailability)
		r.Patch("/me/location", h.UpdateLocation)
	})
	r.With(jwt.RequireRole(jwt.RoleAdmin)).Patch("/{id}/verification", h.SetVerification)
	r.With(jwt.RequireAuth).Get("/{id}", h.GetByID)
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	p, _ := jwt.FromContext(r.Context())
	profile, err := h.svc.ForPrincipal(r.Context(), p.ID)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, profile)
}

func (h *Handler) SaveProfile(w http.ResponseWriter, r *http.Request) {
	var req ProfileRequest
	if err := httpx.DecodeJSON(r, &req, false); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	p, _ := jwt.FromContext(r.Context())
	profile, err := h.svc.SaveProfile(r.Context(), p, req)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, profile)
}

func (h *Handler) SetAvailability(w http.ResponseWriter, r *http.Request) {
	var req AvailabilityUpdate
	if err := httpx.DecodeJSON(r, &req, false); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	p, _ := jwt.FromContext(r.Context())
	profile, err := h.svc.SetAvailability(r.Context(), p.ID, req.Available)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, profile)
}

func (h *Handler) UpdateLocation(w http.ResponseWriter, r *http.Request) {
	var loc LocationUpdate
	if err := httpx.DecodeJSON(r, &loc, false); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	p, _ := jwt.FromContext(r.Context())
	if _, err := h.svc.UpdateLocation(r.Context(), p.ID, geo.Point{Lat: loc.Lat, Lon: loc.Lon}); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "location_updated"})
}

func (h *Handler) SetVerification(w http.ResponseWriter, r *http.Request) {
	var req VerificationUpdate
	if err := httpx.DecodeJSON(r, &req, false); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	profile, err := h.svc.SetVerified(r.Context(), chi.URLParam(r, "id"), req.Verified)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, profile)
}

func (h *Handler) GetByID(w http.ResponseWriter, r *http.Request) {
	profile, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, profile)
}
