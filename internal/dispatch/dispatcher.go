// Package dispatch offers pending requests to nearby technicians one at a
// time, each offer open for a fixed window, until one accepts or the
// request's deadline passes.
package dispatch

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"depanne-service/internal/geoindex"
	"depanne-service/internal/notifications"
	"depanne-service/internal/requests"
	"depanne-service/pkg/apperr"
	"depanne-service/pkg/jwt"
)

// Finder returns dispatchable technicians around a point.
type Finder interface {
	Nearby(ctx context.Context, q geoindex.Query) ([]geoindex.Candidate, error)
}

// Requests is the request lifecycle the dispatcher drives.
type Requests interface {
	ListPending(ctx context.Context) ([]requests.Request, error)
	Assign(ctx context.Context, id, technicianID string) (*requests.Request, error)
	Expire(ctx context.Context, id string) (*requests.Request, error)
	Exclusions(ctx context.Context, id string) ([]string, error)
}

// Technicians resolves the calling principal to a technician profile.
type Technicians interface {
	TechnicianIDFor(ctx context.Context, principalID string) (string, error)
}

// Notifier emits a notification to a principal.
type Notifier interface {
	Notify(ctx context.Context, recipientID string, kind notifications.Kind, payload map[string]any) error
}

// Config holds dispatch timings and search parameters.
type Config struct {
	OfferTimeout time.Duration
	RadiusKm     float64
	WideRadiusKm float64
	Candidates   int
	// Backoff lists the waits between exhausted rounds; the last repeats.
	Backoff     []time.Duration
	ExpireAfter time.Duration
}

// State describes what a dispatch job is doing.
type State string

const (
	StateSearching State = "searching"
	StateOffering  State = "offering"
	StateBackoff   State = "backoff"
)

type offer struct {
	technicianID string
	principalID  string
	resp         chan error
	decline      chan struct{}
	closed       bool
}

type job struct {
	requestID string
	cancel    context.CancelFunc

	mu     sync.Mutex
	state  State
	offer  *offer
	reason requests.Status
}

// Dispatcher runs one job per pending request. Jobs start and stop from
// request lifecycle changes.
type Dispatcher struct {
	finder   Finder
	reqs     Requests
	techs    Technicians
	notifier Notifier
	clock    clock.Clock
	cfg      Config

	mu      sync.Mutex
	base    context.Context
	jobs    map[string]*job
	offered map[string]string // technician id -> request id
	wg      sync.WaitGroup
}

// New creates a dispatcher. Call Start before requests flow.
func New(finder Finder, reqs Requests, techs Technicians, notifier Notifier, clk clock.Clock, cfg Config) *Dispatcher {
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = []time.Duration{30 * time.Second, time.Minute, 2 * time.Minute}
	}
	return &Dispatcher{
		finder: finder, reqs: reqs, techs: techs, notifier: notifier, clock: clk, cfg: cfg,
		base:    context.Background(),
		jobs:    make(map[string]*job),
		offered: make(map[string]string),
	}
}

// Start binds jobs to ctx and resumes dispatch of every pending request.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	d.base = ctx
	d.mu.Unlock()

	pending, err := d.reqs.ListPending(ctx)
	if err != nil {
		return err
	}
	for _, r := range pending {
		d.startJob(r)
	}
	if len(pending) > 0 {
		log.Printf("[dispatch] resumed %d pending request(s)", len(pending))
	}
	return nil
}

// Wait blocks until every job has returned.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// State reports the job state of a request, if a job is running.
func (d *Dispatcher) State(requestID string) (State, bool) {
	d.mu.Lock()
	j, ok := d.jobs[requestID]
	d.mu.Unlock()
	if !ok {
		return "", false
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state, true
}

// RequestChanged starts a job when a request (re)enters pending and stops
// it on any other transition.
func (d *Dispatcher) RequestChanged(_ context.Context, c requests.Change) {
	if c.To == requests.StatusPending {
		d.startJob(c.Request)
		return
	}
	d.stopJob(c.Request.ID, c.To)
}

func (d *Dispatcher) startJob(r requests.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, running := d.jobs[r.ID]; running {
		return
	}
	ctx, cancel := context.WithCancel(d.base)
	j := &job{requestID: r.ID, cancel: cancel, state: StateSearching}
	d.jobs[r.ID] = j
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer cancel()
		d.run(ctx, j, r)
		d.mu.Lock()
		if d.jobs[r.ID] == j {
			delete(d.jobs, r.ID)
		}
		d.mu.Unlock()
	}()
}

func (d *Dispatcher) stopJob(requestID string, reason requests.Status) {
	d.mu.Lock()
	j, ok := d.jobs[requestID]
	if ok {
		delete(d.jobs, requestID)
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	j.mu.Lock()
	j.reason = reason
	j.mu.Unlock()
	j.cancel()
}

func (j *job) setState(s State) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
}

// run searches and offers in rounds until the request is assigned, leaves
// pending, or reaches its deadline.
func (d *Dispatcher) run(ctx context.Context, j *job, r requests.Request) {
	deadline := r.DispatchDeadline(d.cfg.ExpireAfter)
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return
		}
		if !d.clock.Now().Before(deadline) {
			d.expire(ctx, r.ID)
			return
		}

		j.setState(StateSearching)
		if d.round(ctx, j, r) {
			return
		}
		if ctx.Err() != nil {
			return
		}

		wait := d.cfg.Backoff[len(d.cfg.Backoff)-1]
		if attempt < len(d.cfg.Backoff) {
			wait = d.cfg.Backoff[attempt]
		}
		if remaining := deadline.Sub(d.clock.Now()); remaining < wait {
			wait = remaining
		}
		if wait <= 0 {
			continue
		}
		timer := d.clock.Timer(wait)
		j.setState(StateBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (d *Dispatcher) expire(ctx context.Context, requestID string) {
	if _, err := d.reqs.Expire(ctx, requestID); err != nil && !apperr.Is(err, apperr.KindConflict) {
		log.Printf("[dispatch] expire %s: %v", requestID, err)
	}
}

// round offers r to each candidate in order. It reports whether one
// accepted.
func (d *Dispatcher) round(ctx context.Context, j *job, r requests.Request) bool {
	candidates, err := d.candidates(ctx, r)
	if err != nil {
		log.Printf("[dispatch] candidate search for %s: %v", r.ID, err)
		return false
	}
	if len(candidates) == 0 {
		log.Printf("[dispatch] no candidates for %s", r.ID)
		return false
	}

	for _, c := range candidates {
		if ctx.Err() != nil {
			return false
		}
		if !d.reserve(c.TechnicianID, r.ID) {
			continue
		}
		accepted := d.offer(ctx, j, r, c)
		d.release(c.TechnicianID, r.ID)
		if accepted {
			return true
		}
	}
	return false
}

// candidates searches the default radius, widening once if it is empty.
func (d *Dispatcher) candidates(ctx context.Context, r requests.Request) ([]geoindex.Candidate, error) {
	excluded, err := d.reqs.Exclusions(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	q := geoindex.Query{
		Origin:    r.Origin,
		RadiusKm:  d.cfg.RadiusKm,
		Specialty: r.Specialty,
		At:        d.clock.Now(),
		Limit:     d.cfg.Candidates,
		Exclude:   make(map[string]bool, len(excluded)),
	}
	for _, id := range excluded {
		q.Exclude[id] = true
	}
	out, err := d.finder.Nearby(ctx, q)
	if err != nil || len(out) > 0 {
		return out, err
	}
	q.RadiusKm = d.cfg.WideRadiusKm
	return d.finder.Nearby(ctx, q)
}

// reserve claims technicianID for an offer on requestID. A technician
// holds at most one open offer.
func (d *Dispatcher) reserve(technicianID, requestID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.offered[technicianID]; busy {
		return false
	}
	d.offered[technicianID] = requestID
	return true
}

func (d *Dispatcher) release(technicianID, requestID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.offered[technicianID] == requestID {
		delete(d.offered, technicianID)
	}
}

// offer opens a single offer and waits for accept, decline, timeout or
// cancellation. It reports whether the technician accepted.
func (d *Dispatcher) offer(ctx context.Context, j *job, r requests.Request, c geoindex.Candidate) bool {
	o := &offer{
		technicianID: c.TechnicianID,
		principalID:  c.PrincipalID,
		resp:         make(chan error, 1),
		decline:      make(chan struct{}, 1),
	}
	timer := d.clock.Timer(d.cfg.OfferTimeout)
	defer timer.Stop()

	j.mu.Lock()
	j.offer = o
	j.state = StateOffering
	j.mu.Unlock()

	now := d.clock.Now().UTC()
	log.Printf("[dispatch] offering %s to technician %s (%.2f km)", r.ID, c.TechnicianID, c.DistanceKm)
	d.notify(ctx, c.PrincipalID, notifications.KindOfferSent, map[string]any{
		"request_id":  r.ID,
		"specialty":   r.Specialty,
		"description": r.Description,
		"priority":    string(r.Priority),
		"origin":      r.Origin,
		"address":     r.Address,
		"distance_km": c.DistanceKm,
		"expires_at":  now.Add(d.cfg.OfferTimeout).Format(time.RFC3339),
	})

	select {
	case err := <-o.resp:
		return err == nil
	case <-o.decline:
		log.Printf("[dispatch] technician %s declined %s", c.TechnicianID, r.ID)
		return false
	case <-timer.C:
		if !d.closeOffer(j, o) {
			return <-o.resp == nil
		}
		log.Printf("[dispatch] offer of %s to %s expired", r.ID, c.TechnicianID)
		d.notify(ctx, c.PrincipalID, notifications.KindOfferExpired, map[string]any{"request_id": r.ID})
		return false
	case <-ctx.Done():
		if !d.closeOffer(j, o) {
			return <-o.resp == nil
		}
		j.mu.Lock()
		reason := j.reason
		j.mu.Unlock()
		kind := notifications.KindOfferWithdrawn
		if reason == requests.StatusCancelled {
			kind = notifications.KindWorkCancelled
		}
		d.notify(ctx, c.PrincipalID, kind, map[string]any{"request_id": r.ID})
		return false
	}
}

// closeOffer marks o closed if it is still open, reporting whether this
// call closed it.
func (d *Dispatcher) closeOffer(j *job, o *offer) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if o.closed {
		return false
	}
	o.closed = true
	if j.offer == o {
		j.offer = nil
	}
	return true
}

// takeOffer closes the open offer on requestID if it belongs to the
// calling technician.
func (d *Dispatcher) takeOffer(ctx context.Context, p jwt.Principal, requestID string) (*offer, string, error) {
	if p.Role != jwt.RoleTechnician {
		return nil, "", apperr.Forbidden("only technicians answer offers")
	}
	techID, err := d.techs.TechnicianIDFor(ctx, p.ID)
	if err != nil {
		return nil, "", err
	}

	d.mu.Lock()
	j := d.jobs[requestID]
	d.mu.Unlock()
	if j == nil {
		return nil, "", apperr.Conflict("offer is no longer valid")
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	o := j.offer
	if o == nil || o.closed || o.technicianID != techID {
		return nil, "", apperr.Conflict("offer is no longer valid")
	}
	o.closed = true
	j.offer = nil
	return o, techID, nil
}

// Accept assigns requestID to the calling technician if they hold its open
// offer.
func (d *Dispatcher) Accept(ctx context.Context, p jwt.Principal, requestID string) (*requests.Request, error) {
	o, techID, err := d.takeOffer(ctx, p, requestID)
	if err != nil {
		return nil, err
	}
	r, err := d.reqs.Assign(ctx, requestID, techID)
	o.resp <- err
	if err != nil {
		return nil, err
	}
	log.Printf("[dispatch] %s accepted by technician %s", requestID, techID)
	return r, nil
}

// Decline releases the calling technician's open offer so the next
// candidate is tried immediately.
func (d *Dispatcher) Decline(ctx context.Context, p jwt.Principal, requestID string) error {
	o, _, err := d.takeOffer(ctx, p, requestID)
	if err != nil {
		return err
	}
	o.decline <- struct{}{}
	return nil
}

func (d *Dispatcher) notify(ctx context.Context, recipient string, kind notifications.Kind, payload map[string]any) {
	if err := d.notifier.Notify(context.WithoutCancel(ctx), recipient, kind, payload); err != nil {
		log.Printf("[dispatch] notify %s %s: %v", recipient, kind, err)
	}
}
