package payments

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"depanne-service/pkg/httpx"
	"depanne-service/pkg/jwt"
)

// Handler exposes payment endpoints.
type Handler struct{ rec *Reconciler }

// NewHandler wires a handler to the reconciler.
func NewHandler(rec *Reconciler) *Handler { return &Handler{rec: rec} }

// Routes returns a chi.Router for the /payments mount point. The callback
// route is unauthenticated; its truth comes from the status re-query.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/callback", h.Callback)
	r.With(jwt.RequireRole(jwt.RoleTechnician)).Post("/subscription/initiate", h.Initiate)
	r.With(jwt.RequireAuth).Get("/", h.List)
	return r
}

// RegisterAdmin adds the manual approval route to r (mounted at /admin).
func (h *Handler) RegisterAdmin(r chi.Router) {
	r.With(jwt.RequireRole(jwt.RoleAdmin)).Post("/subscriptions/manual", h.ApproveManual)
}

func (h *Handler) Initiate(w http.ResponseWriter, r *http.Request) {
	var req InitiateRequest
	if err := httpx.DecodeJSON(r, &req, false); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	p, _ := jwt.FromContext(r.Context())
	resp, err := h.rec.Initiate(r.Context(), p, req.DurationMonths)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, resp)
}

func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	outcome, err := h.rec.HandleCallback(r.Context(), callbackTransactionID(r))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": string(outcome)})
}

// callbackTransactionID extracts the transaction id from a JSON or form
// body, falling back to the query string.
func callbackTransactionID(r *http.Request) string {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			for _, k := range []string{"transaction_id", "cpm_trans_id"} {
				if v, ok := body[k].(string); ok && v != "" {
					return strings.TrimSpace(v)
				}
			}
		}
	} else if err := r.ParseForm(); err == nil {
		for _, k := range []string{"transaction_id", "cpm_trans_id"} {
			if v := r.PostForm.Get(k); v != "" {
				return strings.TrimSpace(v)
			}
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("transaction_id"))
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	p, _ := jwt.FromContext(r.Context())
	out, err := h.rec.List(r.Context(), p.ID)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	if out == nil {
		out = []Payment{}
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) ApproveManual(w http.ResponseWriter, r *http.Request) {
	var req ManualApprovalRequest
	if err := httpx.DecodeJSON(r, &req, false); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	p, _ := jwt.FromContext(r.Context())
	pay, err := h.rec.ApproveManual(r.Context(), p, req)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, pay)
}
