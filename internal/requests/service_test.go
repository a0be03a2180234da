package requests

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"

	"depanne-service/pkg/apperr"
	"depanne-service/pkg/geo"
	"depanne-service/pkg/jwt"
	"depanne-service/pkg/lock"
)

var (
	t0     = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	client = jwt.Principal{ID: "client-1", Role: jwt.RoleClient}
	techA  = jwt.Principal{ID: "user-a", Role: jwt.RoleTechnician}
	techB  = jwt.Principal{ID: "user-b", Role: jwt.RoleTechnician}
	admin  = jwt.Principal{ID: "admin-1", Role: jwt.RoleAdmin}
)

type directory map[string]string // principal -> technician id

func (d directory) TechnicianIDFor(_ context.Context, principalID string) (string, error) {
	if id, ok := d[principalID]; ok {
		return id, nil
	}
	return "", apperr.NotFound("technician not found")
}

func (d directory) KnownSpecialty(s string) bool { return s == "plumber" || s == "electrician" }

type recordingListener struct {
	mu      sync.Mutex
	changes []Change
}

func (r *recordingListener) RequestChanged(_ context.Context, c Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recordingListener) last() Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.changes[len(r.changes)-1]
}

func newTestService() (*Service, *MemoryStore, *clock.Mock, *recordingListener) {
	clk := clock.NewMock()
	clk.Set(t0)
	store := NewMemoryStore()
	svc := NewService(store, directory{"user-a": "tech-a", "user-b": "tech-b"}, lock.NewLocal(), clk, Config{
		ExpireAfter:  30 * time.Minute,
		CancelGrace:  15 * time.Minute,
		ExclusionTTL: 24 * time.Hour,
		SweepEvery:   time.Minute,
	})
	rec := &recordingListener{}
	svc.Subscribe(rec)
	return svc, store, clk, rec
}

func validCreate() CreateRequest {
	return CreateRequest{
		Specialty:   "plumber",
		Description: "Leaking pipe under the sink",
		Origin:      &geo.Point{Lat: 12.6392, Lon: -8.0029},
	}
}

func mustCreate(t *testing.T, svc *Service) *Request {
	t.Helper()
	r, err := svc.Create(context.Background(), client, validCreate())
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func mustAssign(t *testing.T, svc *Service, id, techID string) {
	t.Helper()
	if _, err := svc.Assign(context.Background(), id, techID); err != nil {
		t.Fatal(err)
	}
}

func TestCreateValidation(t *testing.T) {
	svc, store, _, rec := newTestService()
	ctx := context.Background()

	cases := []struct {
		name string
		mod  func(c *CreateRequest)
	}{
		{"missing origin", func(c *CreateRequest) { c.Origin = nil }},
		{"origin out of range", func(c *CreateRequest) { c.Origin = &geo.Point{Lat: 95, Lon: 0} }},
		{"unknown specialty", func(c *CreateRequest) { c.Specialty = "astrologer" }},
		{"blank description", func(c *CreateRequest) { c.Description = "   " }},
		{"bad priority", func(c *CreateRequest) { c.Priority = "asap" }},
	}
	for _, tc := range cases {
		req := validCreate()
		tc.mod(&req)
		if _, err := svc.Create(ctx, client, req); !apperr.Is(err, apperr.KindValidation) {
			t.Errorf("%s: got %v, want validation_error", tc.name, err)
		}
	}
	if rows, _ := store.ListForClient(ctx, client.ID); len(rows) != 0 {
		t.Errorf("rejected creations persisted %d rows", len(rows))
	}
	if len(rec.changes) != 0 {
		t.Errorf("rejected creations emitted %d changes", len(rec.changes))
	}

	if _, err := svc.Create(ctx, techA, validCreate()); !apperr.Is(err, apperr.KindForbidden) {
		t.Errorf("technician create: got %v", err)
	}

	r := mustCreate(t, svc)
	if r.Status != StatusPending || r.Priority != PriorityNormal || r.AssignedTechnicianID != nil {
		t.Errorf("created = %+v", r)
	}
	if c := rec.last(); c.To != StatusPending || c.From != "" {
		t.Errorf("creation change = %+v", c)
	}
}

func TestHappyPathTimestamps(t *testing.T) {
	svc, _, clk, _ := newTestService()
	ctx := context.Background()
	r := mustCreate(t, svc)

	clk.Add(time.Minute)
	mustAssign(t, svc, r.ID, "tech-a")
	clk.Add(10 * time.Minute)
	if _, err := svc.Transition(ctx, techA, r.ID, StatusInProgress, TransitionPayload{}); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Transition(ctx, techA, r.ID, StatusCompleted, TransitionPayload{}); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("completion without price: got %v", err)
	}
	price := int64(15000)
	clk.Add(time.Hour)
	done, err := svc.Transition(ctx, techA, r.ID, StatusCompleted, TransitionPayload{FinalPrice: &price})
	if err != nil {
		t.Fatal(err)
	}
	if done.AssignedAt == nil || done.StartedAt == nil || done.CompletedAt == nil {
		t.Fatalf("timestamps missing: %+v", done)
	}
	if !(done.CreatedAt.Before(*done.AssignedAt) && done.AssignedAt.Before(*done.StartedAt) && done.StartedAt.Before(*done.CompletedAt)) {
		t.Errorf("timestamps not monotonic: %+v", done)
	}
	if *done.FinalPrice != 15000 {
		t.Errorf("final price = %d", *done.FinalPrice)
	}
}

// Every (state, target) pair is attempted by an admin, which bypasses the
// actor rules; only the lifecycle edges may succeed.
func TestStateMachineSoundness(t *testing.T) {
	all := []Status{StatusPending, StatusAssigned, StatusInProgress, StatusCompleted, StatusCancelled, StatusExpired}
	price := int64(100)

	for _, from := range all {
		for _, to := range all {
			svc, store, clk, _ := newTestService()
			ctx := context.Background()
			r := mustCreate(t, svc)
			stored, _ := store.Get(ctx, r.ID)
			stored.Status = from
			if from != StatusPending {
				tech := "tech-a"
				stored.AssignedTechnicianID = &tech
				at := clk.Now()
				stored.AssignedAt = &at
			}
			store.Update(ctx, stored, StatusPending)

			var err error
			switch to {
			case StatusAssigned:
				_, err = svc.Assign(ctx, r.ID, "tech-b")
			case StatusExpired:
				clk.Add(31 * time.Minute)
				_, err = svc.Expire(ctx, r.ID)
			case StatusInProgress, StatusCompleted:
				_, err = svc.Transition(ctx, techA, r.ID, to, TransitionPayload{FinalPrice: &price})
			default:
				_, err = svc.Transition(ctx, admin, r.ID, to, TransitionPayload{})
			}

			allowed := CanTransition(from, to)
			if allowed && err != nil {
				t.Errorf("%s -> %s: unexpected error %v", from, to, err)
			}
			if !allowed && err == nil {
				t.Errorf("%s -> %s: succeeded but is not a lifecycle edge", from, to)
			}
			if from.Terminal() && err == nil {
				t.Errorf("terminal %s left via %s", from, to)
			}
		}
	}
}

func TestCancellationRules(t *testing.T) {
	ctx := context.Background()

	t.Run("pending by client only", func(t *testing.T) {
		svc, _, _, _ := newTestService()
		r := mustCreate(t, svc)
		other := jwt.Principal{ID: "client-2", Role: jwt.RoleClient}
		if _, err := svc.Transition(ctx, other, r.ID, StatusCancelled, TransitionPayload{}); !apperr.Is(err, apperr.KindForbidden) {
			t.Errorf("foreign client: got %v", err)
		}
		if _, err := svc.Transition(ctx, client, r.ID, StatusCancelled, TransitionPayload{}); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("assigned within grace", func(t *testing.T) {
		svc, _, clk, _ := newTestService()
		r := mustCreate(t, svc)
		mustAssign(t, svc, r.ID, "tech-a")
		clk.Add(10 * time.Minute)
		got, err := svc.Transition(ctx, techA, r.ID, StatusCancelled, TransitionPayload{Reason: "flat tyre"})
		if err != nil {
			t.Fatal(err)
		}
		if got.CancelledAt == nil || got.CancelReason != "flat tyre" || got.FlaggedForReview {
			t.Errorf("cancelled = %+v", got)
		}
	})

	t.Run("assigned after grace", func(t *testing.T) {
		svc, _, clk, _ := newTestService()
		r := mustCreate(t, svc)
		mustAssign(t, svc, r.ID, "tech-a")
		clk.Add(16 * time.Minute)
		if _, err := svc.Transition(ctx, client, r.ID, StatusCancelled, TransitionPayload{}); !apperr.Is(err, apperr.KindConflict) {
			t.Errorf("client after grace: got %v", err)
		}
		if _, err := svc.Transition(ctx, techB, r.ID, StatusCancelled, TransitionPayload{}); !apperr.Is(err, apperr.KindForbidden) {
			t.Errorf("unassigned technician: got %v", err)
		}
		if _, err := svc.Transition(ctx, admin, r.ID, StatusCancelled, TransitionPayload{}); err != nil {
			t.Errorf("admin after grace: %v", err)
		}
	})

	t.Run("in progress is flagged", func(t *testing.T) {
		svc, _, _, _ := newTestService()
		r := mustCreate(t, svc)
		mustAssign(t, svc, r.ID, "tech-a")
		svc.Transition(ctx, techA, r.ID, StatusInProgress, TransitionPayload{})
		got, err := svc.Transition(ctx, client, r.ID, StatusCancelled, TransitionPayload{Reason: "too slow"})
		if err != nil {
			t.Fatal(err)
		}
		if !got.FlaggedForReview {
			t.Error("in-progress cancellation not flagged for review")
		}
	})
}

func TestOnlyAssignedTechnicianWorks(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()
	r := mustCreate(t, svc)
	mustAssign(t, svc, r.ID, "tech-a")

	if _, err := svc.Transition(ctx, client, r.ID, StatusInProgress, TransitionPayload{}); !apperr.Is(err, apperr.KindForbidden) {
		t.Errorf("client start: got %v", err)
	}
	if _, err := svc.Transition(ctx, techB, r.ID, StatusInProgress, TransitionPayload{}); !apperr.Is(err, apperr.KindForbidden) {
		t.Errorf("other technician start: got %v", err)
	}
	if _, err := svc.Get(ctx, techB, r.ID); !apperr.Is(err, apperr.KindForbidden) {
		t.Errorf("other technician read: got %v", err)
	}
	if _, err := svc.Get(ctx, techA, r.ID); err != nil {
		t.Errorf("assigned technician read: %v", err)
	}
}

func TestSingleAssignment(t *testing.T) {
	svc, _, _, _ := newTestService()
	r := mustCreate(t, svc)

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for _, tech := range []string{"tech-a", "tech-b", "tech-c", "tech-d"} {
		wg.Add(1)
		go func(tech string) {
			defer wg.Done()
			if _, err := svc.Assign(context.Background(), r.ID, tech); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			} else if !apperr.Is(err, apperr.KindConflict) {
				t.Errorf("assign %s: %v", tech, err)
			}
		}(tech)
	}
	wg.Wait()
	if winners != 1 {
		t.Errorf("%d assignments succeeded, want 1", winners)
	}
}

func TestReassignmentExcludesPreviousTechnician(t *testing.T) {
	svc, _, clk, rec := newTestService()
	ctx := context.Background()
	r := mustCreate(t, svc)
	mustAssign(t, svc, r.ID, "tech-a")

	if _, err := svc.Transition(ctx, techA, r.ID, StatusPending, TransitionPayload{}); !apperr.Is(err, apperr.KindForbidden) {
		t.Errorf("technician reassign: got %v", err)
	}
	got, err := svc.Transition(ctx, client, r.ID, StatusPending, TransitionPayload{Reason: "no-show"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusPending || got.AssignedTechnicianID != nil || got.AssignedAt != nil {
		t.Errorf("reassigned = %+v", got)
	}
	if c := rec.last(); c.PreviousTechnicianID != "tech-a" || c.From != StatusAssigned {
		t.Errorf("change = %+v", c)
	}

	ex, _ := svc.Exclusions(ctx, r.ID)
	if len(ex) != 1 || ex[0] != "tech-a" {
		t.Errorf("exclusions = %v", ex)
	}
	clk.Add(24*time.Hour + time.Second)
	if ex, _ := svc.Exclusions(ctx, r.ID); len(ex) != 0 {
		t.Errorf("exclusions after 24h = %v", ex)
	}
}

func TestExpiry(t *testing.T) {
	svc, _, clk, _ := newTestService()
	ctx := context.Background()
	r := mustCreate(t, svc)
	assigned := mustCreate(t, svc)
	mustAssign(t, svc, assigned.ID, "tech-a")

	if _, err := svc.Expire(ctx, r.ID); !apperr.Is(err, apperr.KindConflict) {
		t.Errorf("early expiry: got %v", err)
	}
	clk.Add(29 * time.Minute)
	if n, _ := svc.ExpireStale(ctx); n != 0 {
		t.Errorf("expired %d before deadline", n)
	}
	clk.Add(time.Minute)
	if n, _ := svc.ExpireStale(ctx); n != 1 {
		t.Errorf("expired %d, want 1", n)
	}
	got, _ := svc.Load(ctx, r.ID)
	if got.Status != StatusExpired || got.ExpiredAt == nil {
		t.Errorf("request = %+v", got)
	}
	if still, _ := svc.Load(ctx, assigned.ID); still.Status != StatusAssigned {
		t.Errorf("assigned request status = %s", still.Status)
	}
}

func TestReassignmentRestartsExpiryWindow(t *testing.T) {
	svc, _, clk, _ := newTestService()
	ctx := context.Background()
	r := mustCreate(t, svc)
	mustAssign(t, svc, r.ID, "tech-a")

	clk.Add(40 * time.Minute)
	got, err := svc.Transition(ctx, client, r.ID, StatusPending, TransitionPayload{Reason: "no-show"})
	if err != nil {
		t.Fatal(err)
	}
	if !got.PendingSince.Equal(t0.Add(40 * time.Minute)) {
		t.Errorf("pending since %s", got.PendingSince)
	}

	if _, err := svc.Expire(ctx, r.ID); !apperr.Is(err, apperr.KindConflict) {
		t.Errorf("expire right after reassignment: got %v", err)
	}
	clk.Add(29 * time.Minute)
	if n, _ := svc.ExpireStale(ctx); n != 0 {
		t.Errorf("expired %d within the new window", n)
	}
	clk.Add(time.Minute)
	if n, _ := svc.ExpireStale(ctx); n != 1 {
		t.Errorf("expired %d after the new window, want 1", n)
	}
}

// conflictingStore loses every update to a concurrent writer.
type conflictingStore struct {
	*MemoryStore
}

func (conflictingStore) Update(context.Context, *Request, Status) error { return ErrConflict }

func TestFailedReassignmentLeavesNoExclusion(t *testing.T) {
	svc, store, clk, _ := newTestService()
	ctx := context.Background()
	r := mustCreate(t, svc)
	mustAssign(t, svc, r.ID, "tech-a")

	racing := NewService(conflictingStore{store}, directory{"user-a": "tech-a"}, lock.NewLocal(), clk, svc.Config())
	if _, err := racing.Transition(ctx, client, r.ID, StatusPending, TransitionPayload{}); !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("reassign over a concurrent update: got %v", err)
	}
	if ex, _ := svc.Exclusions(ctx, r.ID); len(ex) != 0 {
		t.Errorf("exclusions after failed reassignment = %v", ex)
	}
	if got, _ := svc.Load(ctx, r.ID); got.Status != StatusAssigned || got.TechnicianID() != "tech-a" {
		t.Errorf("request = %+v", got)
	}
}

func TestHandlerRejectsMissingOrigin(t *testing.T) {
	svc, _, _, _ := newTestService()
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(jwt.WithPrincipal(req.Context(), client)))
		})
	})
	r.Route("/requests", NewHandler(svc).Register)

	rec := httptest.NewRecorder()
	body := `{"specialty":"plumber","description":"leak"}`
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/requests", strings.NewReader(body)))
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "validation_error") {
		t.Errorf("missing origin = %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	body = `{"specialty":"plumber","description":"leak","origin":{"lat":12.6392,"lon":-8.0029}}`
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/requests", strings.NewReader(body)))
	if rec.Code != http.StatusCreated || !strings.Contains(rec.Body.String(), `"status":"pending"`) {
		t.Errorf("create = %d %s", rec.Code, rec.Body.String())
	}
}
