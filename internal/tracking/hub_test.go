package tracking

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"depanne-service/internal/requests"
	"depanne-service/pkg/apperr"
	"depanne-service/pkg/geo"
	"depanne-service/pkg/jwt"
	"depanne-service/pkg/lock"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestHub(buffer int) (*Hub, *clock.Mock) {
	clk := clock.NewMock()
	clk.Set(t0)
	return NewHub(clk, Config{
		RateLimit: 2 * time.Second,
		Stale:     10 * time.Second,
		Grace:     5 * time.Minute,
		Buffer:    buffer,
	}), clk
}

func change(id string, to requests.Status) requests.Change {
	return requests.Change{Request: requests.Request{ID: id, Status: to}, To: to}
}

// drain returns every frame currently queued for s.
func drain(s *Subscriber) []Frame {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	var out []Frame
	for {
		f, ok := s.Next(ctx)
		if !ok {
			return out
		}
		out = append(out, f)
	}
}

func TestChannelOpensOnAssignment(t *testing.T) {
	hub, _ := newTestHub(8)
	if _, err := hub.Join("r1", "client-1", PartyClient); !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("join before assignment: err = %v", err)
	}
	hub.RequestChanged(context.Background(), change("r1", requests.StatusAssigned))
	s, err := hub.Join("r1", "client-1", PartyClient)
	if err != nil {
		t.Fatal(err)
	}
	frames := drain(s)
	if len(frames) != 1 || frames[0].Type != FrameSnapshot || frames[0].Status != requests.StatusAssigned {
		t.Errorf("join frames = %+v", frames)
	}
}

func TestSnapshotCarriesLatestPositions(t *testing.T) {
	hub, clk := newTestHub(8)
	hub.RequestChanged(context.Background(), change("r1", requests.StatusAssigned))
	tech, _ := hub.Join("r1", "user-a", PartyTechnician)

	hub.Location(tech, Position{Lat: 12.64, Lon: -8.00, TS: clk.Now()})
	hub.RequestChanged(context.Background(), change("r1", requests.StatusInProgress))

	client, _ := hub.Join("r1", "client-1", PartyClient)
	frames := drain(client)
	if len(frames) != 1 {
		t.Fatalf("frames = %+v", frames)
	}
	snap := frames[0]
	if snap.Status != requests.StatusInProgress || snap.Technician == nil || snap.Technician.Lat != 12.64 || snap.Client != nil {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestLocationRateLimit(t *testing.T) {
	hub, clk := newTestHub(64)
	hub.RequestChanged(context.Background(), change("r1", requests.StatusAssigned))
	tech, _ := hub.Join("r1", "user-a", PartyTechnician)
	client, _ := hub.Join("r1", "client-1", PartyClient)
	drain(client)

	// 10 Hz for 10 seconds.
	accepted := 0
	for i := 0; i < 100; i++ {
		if hub.Location(tech, Position{Lat: 12.6, Lon: -8.0, TS: clk.Now()}) {
			accepted++
		}
		clk.Add(100 * time.Millisecond)
	}
	if accepted != 5 {
		t.Errorf("accepted = %d, want 5", accepted)
	}
	if got := len(drain(client)); got != 5 {
		t.Errorf("client observed %d updates, want 5", got)
	}
	if got := len(drain(tech)); got != 1 {
		t.Errorf("sender observed %d frames, want only its snapshot", got)
	}
}

func TestStaleLocationDropped(t *testing.T) {
	hub, clk := newTestHub(8)
	hub.RequestChanged(context.Background(), change("r1", requests.StatusAssigned))
	tech, _ := hub.Join("r1", "user-a", PartyTechnician)

	if hub.Location(tech, Position{Lat: 1, Lon: 1, TS: clk.Now().Add(-11 * time.Second)}) {
		t.Error("stale update accepted")
	}
	if !hub.Location(tech, Position{Lat: 1, Lon: 1, TS: clk.Now().Add(-9 * time.Second)}) {
		t.Error("fresh update rejected")
	}
}

func TestBackpressureKeepsStatusFrames(t *testing.T) {
	hub, clk := newTestHub(3)
	hub.RequestChanged(context.Background(), change("r1", requests.StatusAssigned))
	tech, _ := hub.Join("r1", "user-a", PartyTechnician)
	client, _ := hub.Join("r1", "client-1", PartyClient)
	drain(client)

	for i := 0; i < 3; i++ {
		hub.Location(tech, Position{Lat: float64(i), Lon: 0, TS: clk.Now()})
		clk.Add(2 * time.Second)
	}
	hub.RequestChanged(context.Background(), change("r1", requests.StatusInProgress))
	hub.RequestChanged(context.Background(), change("r1", requests.StatusCompleted))

	frames := drain(client)
	if len(frames) != 3 {
		t.Fatalf("frames = %+v", frames)
	}
	if frames[0].Type != FrameLocation || frames[0].Position.Lat != 2 {
		t.Errorf("kept location = %+v, want the newest", frames[0])
	}
	if frames[1].Status != requests.StatusInProgress || frames[2].Status != requests.StatusCompleted {
		t.Errorf("status frames = %+v %+v", frames[1], frames[2])
	}
}

func TestChannelClosesAfterGrace(t *testing.T) {
	hub, clk := newTestHub(8)
	hub.RequestChanged(context.Background(), change("r1", requests.StatusAssigned))
	client, _ := hub.Join("r1", "client-1", PartyClient)
	hub.RequestChanged(context.Background(), change("r1", requests.StatusCancelled))

	clk.Add(4 * time.Minute)
	if !hub.Open("r1") {
		t.Fatal("channel closed before the grace period")
	}
	if hub.Location(client, Position{Lat: 1, Lon: 1, TS: clk.Now()}) {
		t.Error("location accepted after terminal status")
	}

	clk.Add(time.Minute)
	select {
	case <-client.Done():
	case <-time.After(time.Second):
		t.Fatal("subscriber not dropped after grace")
	}
	if hub.Open("r1") {
		t.Error("channel still open")
	}
}

func TestLeaveIsSilent(t *testing.T) {
	hub, _ := newTestHub(8)
	hub.RequestChanged(context.Background(), change("r1", requests.StatusAssigned))
	tech, _ := hub.Join("r1", "user-a", PartyTechnician)
	client, _ := hub.Join("r1", "client-1", PartyClient)
	drain(client)

	hub.Leave(tech)
	if frames := drain(client); len(frames) != 0 {
		t.Errorf("client saw %+v after technician left", frames)
	}
	if !hub.Open("r1") {
		t.Error("leaving closed the channel")
	}
}

func TestReassignmentClosesChannel(t *testing.T) {
	hub, _ := newTestHub(8)
	hub.RequestChanged(context.Background(), change("r1", requests.StatusAssigned))
	tech, _ := hub.Join("r1", "user-a", PartyTechnician)

	hub.RequestChanged(context.Background(), change("r1", requests.StatusPending))
	select {
	case <-tech.Done():
	default:
		t.Fatal("previous technician still subscribed")
	}
	if hub.Open("r1") {
		t.Error("channel open while pending")
	}
}

type directory map[string]string

func (d directory) TechnicianIDFor(_ context.Context, principalID string) (string, error) {
	if id, ok := d[principalID]; ok {
		return id, nil
	}
	return "", apperr.NotFound("technician not found")
}

func (directory) KnownSpecialty(string) bool { return true }

func TestWebSocketRelay(t *testing.T) {
	hub, clk := newTestHub(8)
	reqs := requests.NewService(requests.NewMemoryStore(), directory{"user-a": "tech-a"}, lock.NewLocal(), clk, requests.Config{
		ExpireAfter: 30 * time.Minute, CancelGrace: 15 * time.Minute,
	})
	reqs.Subscribe(hub)

	ctx := context.Background()
	client := jwt.Principal{ID: "client-1", Role: jwt.RoleClient}
	tech := jwt.Principal{ID: "user-a", Role: jwt.RoleTechnician}
	r, err := reqs.Create(ctx, client, requests.CreateRequest{
		Specialty: "plumber", Description: "leak", Origin: &geo.Point{Lat: 12.6, Lon: -8.0},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reqs.Assign(ctx, r.ID, "tech-a"); err != nil {
		t.Fatal(err)
	}

	verifier, err := jwt.New("test-secret")
	if err != nil {
		t.Fatal(err)
	}
	router := chi.NewRouter()
	router.Use(verifier.Authenticate)
	router.Mount("/track", NewHandler(hub, reqs).Routes())
	srv := httptest.NewServer(router)
	defer srv.Close()

	dial := func(p jwt.Principal) *websocket.Conn {
		token, err := verifier.Generate(p, time.Hour)
		if err != nil {
			t.Fatal(err)
		}
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/track/" + r.ID + "?access_token=" + token
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			t.Fatal(err)
		}
		return conn
	}
	read := func(conn *websocket.Conn) Frame {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatal(err)
		}
		return f
	}

	cc := dial(client)
	defer cc.Close()
	if f := read(cc); f.Type != FrameSnapshot {
		t.Fatalf("client first frame = %+v", f)
	}
	tc := dial(tech)
	defer tc.Close()
	if f := read(tc); f.Type != FrameSnapshot {
		t.Fatalf("technician first frame = %+v", f)
	}

	tc.WriteJSON(map[string]any{"type": "location_update", "lat": 12.61, "lon": -8.01, "ts": clk.Now().UnixMilli()})
	f := read(cc)
	if f.Type != FrameLocation || f.Party != PartyTechnician || f.Position.Lat != 12.61 {
		t.Errorf("client got %+v", f)
	}

	tc.WriteJSON(map[string]any{"type": "status_update", "to_state": "in_progress"})
	if f := read(cc); f.Type != FrameStatus || f.Status != requests.StatusInProgress {
		t.Errorf("client got %+v", f)
	}
	if f := read(tc); f.Type != FrameStatus || f.Status != requests.StatusInProgress {
		t.Errorf("technician got %+v", f)
	}

	cc.WriteJSON(map[string]any{"type": "status_update", "to_state": "completed"})
	if f := read(cc); f.Type != FrameError {
		t.Errorf("client completing work got %+v", f)
	}

	// Outsiders are rejected before the upgrade.
	token, _ := verifier.Generate(jwt.Principal{ID: "client-2", Role: jwt.RoleClient}, time.Hour)
	resp, err := http.Get(srv.URL + "/track/" + r.ID + "?access_token=" + token)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("outsider status = %d", resp.StatusCode)
	}
}
