package tracking

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"depanne-service/internal/requests"
	"depanne-service/pkg/apperr"
	"depanne-service/pkg/httpx"
	"depanne-service/pkg/jwt"
	"depanne-service/pkg/validation"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const writeWait = 10 * time.Second

// safeConn wraps a websocket.Conn with a write mutex.
// gorilla/websocket allows one concurrent writer; this enforces that.
type safeConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *safeConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

func (c *safeConn) closeWith(code int, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
}

func (c *safeConn) close() { c.ws.Close() }

// Requests is what the tracking socket needs from the request service.
type Requests interface {
	Get(ctx context.Context, p jwt.Principal, id string) (*requests.Request, error)
	Transition(ctx context.Context, p jwt.Principal, id string, to requests.Status, payload requests.TransitionPayload) (*requests.Request, error)
}

// inbound is a client-to-server frame. ts is the sender clock in unix
// milliseconds.
type inbound struct {
	Type    FrameType                  `json:"type"`
	Lat     float64                    `json:"lat"`
	Lon     float64                    `json:"lon"`
	TS      int64                      `json:"ts"`
	ToState requests.Status            `json:"to_state"`
	Payload requests.TransitionPayload `json:"payload"`
}

// Handler serves /track/{id}.
type Handler struct {
	hub  *Hub
	reqs Requests
}

func NewHandler(hub *Hub, reqs Requests) *Handler { return &Handler{hub: hub, reqs: reqs} }

// Routes returns a chi.Router for the /track mount point.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(jwt.RequireAuth)
	r.Get("/{id}", h.HandleWS)
	return r
}

// HandleWS checks participation, upgrades, and relays frames until either
// side goes away.
func (h *Handler) HandleWS(w http.ResponseWriter, r *http.Request) {
	p, _ := jwt.FromContext(r.Context())
	requestID := chi.URLParam(r, "id")

	req, err := h.reqs.Get(r.Context(), p, requestID)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	party := PartyObserver
	switch {
	case p.ID == req.ClientID:
		party = PartyClient
	case p.Role == jwt.RoleTechnician:
		party = PartyTechnician
	}

	sub, err := h.hub.Join(requestID, p.ID, party)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	defer h.hub.Leave(sub)

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[tracking] upgrade error: %v", err)
		return
	}
	conn := &safeConn{ws: ws}
	defer conn.close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer cancel()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			h.ingest(ctx, conn, p, sub, data)
		}
	}()

	log.Printf("[tracking] %s joined %s as %s", p.ID, requestID, party)
	for {
		f, ok := sub.Next(ctx)
		if !ok {
			break
		}
		if err := conn.writeJSON(f); err != nil {
			break
		}
	}
	select {
	case <-sub.Done():
		conn.closeWith(websocket.CloseNormalClosure, "tracking closed")
	default:
	}
	log.Printf("[tracking] %s left %s", p.ID, requestID)
}

func (h *Handler) ingest(ctx context.Context, conn *safeConn, p jwt.Principal, sub *Subscriber, data []byte) {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		h.reject(conn, sub, "malformed frame")
		return
	}
	switch in.Type {
	case FrameLocation:
		if !validation.ValidateCoordinates(in.Lat, in.Lon) {
			h.reject(conn, sub, "coordinates out of range")
			return
		}
		h.hub.Location(sub, Position{Lat: in.Lat, Lon: in.Lon, TS: time.UnixMilli(in.TS).UTC()})
	case FrameStatus:
		// The resulting change reaches every subscriber through the hub.
		if _, err := h.reqs.Transition(ctx, p, sub.RequestID, in.ToState, in.Payload); err != nil {
			h.reject(conn, sub, apperr.Message(err))
		}
	default:
		h.reject(conn, sub, "unknown frame type")
	}
}

func (h *Handler) reject(conn *safeConn, sub *Subscriber, msg string) {
	if err := conn.writeJSON(Frame{Type: FrameError, RequestID: sub.RequestID, Error: msg}); err != nil {
		log.Printf("[tracking] write error: %v", err)
	}
}
