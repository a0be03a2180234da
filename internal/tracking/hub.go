// Package tracking relays live positions and status changes between the
// client and technician of an assigned request.
package tracking

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"depanne-service/internal/requests"
	"depanne-service/pkg/apperr"
)

// Party identifies which side of a request a subscriber is on.
type Party string

const (
	PartyClient     Party = "client"
	PartyTechnician Party = "technician"
	PartyObserver   Party = "observer"
)

// FrameType tags frames on the tracking channel.
type FrameType string

const (
	FrameLocation FrameType = "location_update"
	FrameStatus   FrameType = "status_update"
	FrameSnapshot FrameType = "snapshot"
	FrameError    FrameType = "error"
)

// Position is a sender-stamped location.
type Position struct {
	Lat float64   `json:"lat"`
	Lon float64   `json:"lon"`
	TS  time.Time `json:"ts"`
}

// Frame is one server-to-subscriber message.
type Frame struct {
	Type       FrameType       `json:"type"`
	RequestID  string          `json:"request_id"`
	Party      Party           `json:"party,omitempty"`
	Position   *Position       `json:"position,omitempty"`
	Status     requests.Status `json:"status,omitempty"`
	Client     *Position       `json:"client,omitempty"`
	Technician *Position       `json:"technician,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Config holds tracking timings.
type Config struct {
	RateLimit time.Duration // minimum gap between accepted updates per sender
	Stale     time.Duration // updates older than this by sender clock are dropped
	Grace     time.Duration // channel lifetime after a terminal status
	Buffer    int           // per-subscriber queue length
}

// Subscriber is one live connection to a request channel.
type Subscriber struct {
	RequestID   string
	PrincipalID string
	Party       Party

	mu     sync.Mutex
	queue  []Frame
	max    int
	ready  chan struct{}
	done   chan struct{}
	closed sync.Once
}

func newSubscriber(requestID, principalID string, party Party, max int) *Subscriber {
	return &Subscriber{
		RequestID: requestID, PrincipalID: principalID, Party: party,
		max:   max,
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// push enqueues f. When the queue is full the oldest location frame is
// discarded; status frames are never discarded.
func (s *Subscriber) push(f Frame) {
	s.mu.Lock()
	if len(s.queue) >= s.max {
		dropped := false
		for i, q := range s.queue {
			if q.Type == FrameLocation {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				dropped = true
				break
			}
		}
		if !dropped && f.Type == FrameLocation {
			s.mu.Unlock()
			return
		}
	}
	s.queue = append(s.queue, f)
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Next blocks for the next queued frame. It returns false once the
// subscriber is closed or ctx ends.
func (s *Subscriber) Next(ctx context.Context) (Frame, bool) {
	for {
		select {
		case <-s.done:
			return Frame{}, false
		default:
		}

		s.mu.Lock()
		if len(s.queue) > 0 {
			f := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return f, true
		}
		s.mu.Unlock()

		select {
		case <-s.ready:
		case <-s.done:
			return Frame{}, false
		case <-ctx.Done():
			return Frame{}, false
		}
	}
}

// Done is closed when the channel drops this subscriber.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

func (s *Subscriber) close() { s.closed.Do(func() { close(s.done) }) }

type channel struct {
	requestID string
	status    requests.Status
	positions map[Party]*Position
	lastSeen  map[string]time.Time // sender principal -> last accepted update
	subs      map[*Subscriber]struct{}
	closer    *clock.Timer
}

// Hub owns every open tracking channel. It listens to request changes to
// open channels on assignment and close them after a terminal status.
type Hub struct {
	clock clock.Clock
	cfg   Config

	mu       sync.Mutex
	channels map[string]*channel
}

// NewHub creates an empty hub.
func NewHub(clk clock.Clock, cfg Config) *Hub {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 32
	}
	return &Hub{clock: clk, cfg: cfg, channels: make(map[string]*channel)}
}

// RequestChanged opens, updates or schedules the close of the request's
// channel.
func (h *Hub) RequestChanged(_ context.Context, c requests.Change) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := c.Request.ID
	ch := h.channels[id]
	switch {
	case c.To == requests.StatusAssigned:
		if ch != nil {
			h.shutdown(ch)
		}
		h.channels[id] = &channel{
			requestID: id,
			status:    c.To,
			positions: make(map[Party]*Position),
			lastSeen:  make(map[string]time.Time),
			subs:      make(map[*Subscriber]struct{}),
		}
		log.Printf("[tracking] channel opened for %s", id)

	case ch == nil:
		return

	case c.To == requests.StatusPending:
		// Reassignment: the previous technician loses the channel.
		h.shutdown(ch)

	default:
		ch.status = c.To
		h.broadcast(ch, Frame{Type: FrameStatus, RequestID: id, Status: c.To}, nil)
		if c.To.Terminal() && ch.closer == nil {
			ch.closer = h.clock.AfterFunc(h.cfg.Grace, func() { h.expire(ch) })
		}
	}
}

func (h *Hub) expire(ch *channel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.channels[ch.requestID] == ch {
		h.shutdown(ch)
	}
}

// shutdown drops every subscriber of ch and forgets it. h.mu must be held.
func (h *Hub) shutdown(ch *channel) {
	if ch.closer != nil {
		ch.closer.Stop()
	}
	for s := range ch.subs {
		s.close()
	}
	ch.subs = nil
	if h.channels[ch.requestID] == ch {
		delete(h.channels, ch.requestID)
	}
	log.Printf("[tracking] channel closed for %s", ch.requestID)
}

func (h *Hub) broadcast(ch *channel, f Frame, except *Subscriber) {
	for s := range ch.subs {
		if s != except {
			s.push(f)
		}
	}
}

// Join subscribes principalID to requestID's channel and queues a snapshot
// of the latest positions and status.
func (h *Hub) Join(requestID, principalID string, party Party) (*Subscriber, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := h.channels[requestID]
	if ch == nil {
		return nil, apperr.Conflict("tracking is not open for this request")
	}
	s := newSubscriber(requestID, principalID, party, h.cfg.Buffer)
	ch.subs[s] = struct{}{}
	s.push(Frame{
		Type:       FrameSnapshot,
		RequestID:  requestID,
		Status:     ch.status,
		Client:     ch.positions[PartyClient],
		Technician: ch.positions[PartyTechnician],
	})
	return s, nil
}

// Leave releases s. Other subscribers see nothing.
func (h *Hub) Leave(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch := h.channels[s.RequestID]; ch != nil {
		delete(ch.subs, s)
	}
	s.close()
}

// Location ingests a position from s. It reports whether the update was
// accepted; rate-limited and stale updates are dropped silently.
func (h *Hub) Location(s *Subscriber, pos Position) bool {
	if s.Party != PartyClient && s.Party != PartyTechnician {
		return false
	}
	now := h.clock.Now()
	if now.Sub(pos.TS) > h.cfg.Stale {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	ch := h.channels[s.RequestID]
	if ch == nil || ch.status.Terminal() {
		return false
	}
	if last, ok := ch.lastSeen[s.PrincipalID]; ok && now.Sub(last) < h.cfg.RateLimit {
		return false
	}
	ch.lastSeen[s.PrincipalID] = now
	p := pos
	ch.positions[s.Party] = &p
	h.broadcast(ch, Frame{Type: FrameLocation, RequestID: s.RequestID, Party: s.Party, Position: &p}, s)
	return true
}

// Open reports whether requestID has a live channel.
func (h *Hub) Open(requestID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.channels[requestID]
	return ok
}
