package reviews

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"depanne-service/pkg/httpx"
	"depanne-service/pkg/jwt"
)

type Handler struct{ svc *Service }

func NewHandler(svc *Service) *Handler { return &Handler{svc: svc} }

// Register adds POST /{id}/review to r (mounted at /requests).
func (h *Handler) Register(r chi.Router) {
	r.With(jwt.RequireRole(jwt.RoleClient)).Post("/{id}/review", h.Submit)
}

// RegisterTechnician adds GET /{id}/reviews to r (mounted at /technicians).
func (h *Handler) RegisterTechnician(r chi.Router) {
	r.With(jwt.RequireAuth).Get("/{id}/reviews", h.List)
}

func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := httpx.DecodeJSON(r, &req, false); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	p, _ := jwt.FromContext(r.Context())
	review, err := h.svc.Submit(r.Context(), p, chi.URLParam(r, "id"), req)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, review)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	out, err := h.svc.ListForTechnician(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	if out == nil {
		out = []Review{}
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}
