package dispatch

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"depanne-service/pkg/httpx"
	"depanne-service/pkg/jwt"
)

// Handler exposes offer responses to technicians.
type Handler struct{ d *Dispatcher }

func NewHandler(d *Dispatcher) *Handler { return &Handler{d: d} }

// Register adds offer routes to r (mounted at /requests).
func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(jwt.RequireRole(jwt.RoleTechnician))
		r.Post("/{id}/accept", h.Accept)
		r.Post("/{id}/decline", h.Decline)
	})
}

func (h *Handler) Accept(w http.ResponseWriter, r *http.Request) {
	p, _ := jwt.FromContext(r.Context())
	req, err := h.d.Accept(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, req)
}

func (h *Handler) Decline(w http.ResponseWriter, r *http.Request) {
	p, _ := jwt.FromContext(r.Context())
	if err := h.d.Decline(r.Context(), p, chi.URLParam(r, "id")); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
