package notifications

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"depanne-service/pkg/httpx"
	"depanne-service/pkg/jwt"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler exposes the notification endpoints.
type Handler struct{ svc *Service }

// NewHandler wires a handler to the notification service.
func NewHandler(svc *Service) *Handler { return &Handler{svc: svc} }

// Routes returns a chi.Router for the /notifications mount point.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(jwt.RequireAuth)
	r.Get("/", h.List)
	r.Post("/read", h.MarkRead)
	r.Post("/devices", h.RegisterDevice)
	return r
}

// List returns unread events, or streams them when the request is a
// websocket upgrade.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	p, _ := jwt.FromContext(r.Context())
	if websocket.IsWebSocketUpgrade(r) {
		h.stream(w, r, p)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := h.svc.Unread(r.Context(), p.ID, limit)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	if events == nil {
		events = []Event{}
	}
	httpx.WriteJSON(w, http.StatusOK, events)
}

func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	var req MarkReadRequest
	if err := httpx.DecodeJSON(r, &req, false); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	p, _ := jwt.FromContext(r.Context())
	n, err := h.svc.MarkRead(r.Context(), p.ID, req.IDs)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]int{"marked": n})
}

func (h *Handler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req DeviceRequest
	if err := httpx.DecodeJSON(r, &req, false); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	p, _ := jwt.FromContext(r.Context())
	if err := h.svc.RegisterDevice(r.Context(), p.ID, req.Token); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// stream pushes the unread backlog and then live events. Clients dedupe by
// event id, so an event racing between backlog and live may arrive twice.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request, p jwt.Principal) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[notifications] upgrade error: %v", err)
		return
	}
	defer ws.Close()

	sub := h.svc.Subscribe(p.ID)
	defer sub.Close()

	// Only this goroutine writes; the reader below just detects disconnects.
	write := func(v any) error {
		ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return ws.WriteJSON(v)
	}

	backlog, err := h.svc.Unread(r.Context(), p.ID, 0)
	if err != nil {
		log.Printf("[notifications] backlog for %s: %v", p.ID, err)
	}
	for _, e := range backlog {
		if err := write(e); err != nil {
			return
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	log.Printf("[notifications] %s connected", p.ID)
	for {
		select {
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			if err := write(e); err != nil {
				return
			}
		case <-done:
			log.Printf("[notifications] %s disconnected", p.ID)
			return
		}
	}
}
