package requests

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"depanne-service/pkg/httpx"
	"depanne-service/pkg/jwt"
)

// Handler exposes repair request endpoints.
type Handler struct{ svc *Service }

// NewHandler wires a handler to the request service.
func NewHandler(svc *Service) *Handler { return &Handler{svc: svc} }

// Register adds request routes to r (mounted at /requests).
func (h *Handler) Register(r chi.Router) {
	r.With(jwt.RequireRole(jwt.RoleClient)).Post("/", h.Create)
	r.Group(func(r chi.Router) {
		r.Use(jwt.RequireAuth)
		r.Get("/", h.List)
		r.Get("/{id}", h.GetByID)
		r.Post("/{id}/transition", h.Transition)
	})
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := httpx.DecodeJSON(r, &req, false); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	p, _ := jwt.FromContext(r.Context())
	created, err := h.svc.Create(r.Context(), p, req)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, created)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	p, _ := jwt.FromContext(r.Context())
	out, err := h.svc.List(r.Context(), p, Status(r.URL.Query().Get("status")))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	if out == nil {
		out = []Request{}
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) GetByID(w http.ResponseWriter, r *http.Request) {
	p, _ := jwt.FromContext(r.Context())
	req, err := h.svc.Get(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, req)
}

func (h *Handler) Transition(w http.ResponseWriter, r *http.Request) {
	var body TransitionRequest
	if err := httpx.DecodeJSON(r, &body, false); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	p, _ := jwt.FromContext(r.Context())
	req, err := h.svc.Transition(r.Context(), p, chi.URLParam(r, "id"), body.ToState, body.Payload)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, req)
}
