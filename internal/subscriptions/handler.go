package subscriptions

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"depanne-service/pkg/httpx"
	"depanne-service/pkg/jwt"
)

// Handler exposes the subscription endpoints for technicians.
type Handler struct {
	ledger     *Ledger
	principals PrincipalResolver
}

// NewHandler wires a handler to the ledger.
func NewHandler(ledger *Ledger, principals PrincipalResolver) *Handler {
	return &Handler{ledger: ledger, principals: principals}
}

// Routes returns a chi.Router for the /subscription mount point.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(jwt.RequireRole(jwt.RoleTechnician))
	r.Get("/status", h.Status)
	r.Get("/intervals", h.Intervals)
	return r
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	p, _ := jwt.FromContext(r.Context())
	techID, err := h.principals.TechnicianIDFor(r.Context(), p.ID)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	status, err := h.ledger.Status(r.Context(), techID)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, status)
}

func (h *Handler) Intervals(w http.ResponseWriter, r *http.Request) {
	p, _ := jwt.FromContext(r.Context())
	techID, err := h.principals.TechnicianIDFor(r.Context(), p.ID)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	ivs, err := h.ledger.List(r.Context(), techID)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	if ivs == nil {
		ivs = []Interval{}
	}
	httpx.WriteJSON(w, http.StatusOK, ivs)
}
