package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"firebase.google.com/go/v4/messaging"
	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"

	"depanne-service/pkg/apperr"
	"depanne-service/pkg/jwt"
)

func newTestService() (*Service, *MemoryStore, *clock.Mock) {
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	store := NewMemoryStore()
	return NewService(store, NewBroker(4), clk), store, clk
}

func TestNotifyPersistsAndPushesLive(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	sub := svc.Subscribe("u1")
	defer sub.Close()
	other := svc.Subscribe("u2")
	defer other.Close()

	e, err := svc.Emit(ctx, "u1", KindOfferSent, map[string]any{"request_id": "r1"})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-sub.C:
		if got.ID != e.ID || got.Kind != KindOfferSent {
			t.Errorf("live event = %+v, want %s", got, e.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("no live event")
	}
	select {
	case got := <-other.C:
		t.Errorf("u2 received %+v", got)
	default:
	}

	unread, err := svc.Unread(ctx, "u1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(unread) != 1 || unread[0].ID != e.ID {
		t.Fatalf("unread = %+v", unread)
	}
}

func TestBrokerDropsForSlowSubscriber(t *testing.T) {
	b := NewBroker(2)
	sub := b.Subscribe("u1")
	defer sub.Close()

	delivered := 0
	for i := 0; i < 5; i++ {
		delivered += b.Publish(Event{ID: string(rune('a' + i)), RecipientID: "u1"})
	}
	if delivered != 2 {
		t.Errorf("delivered = %d, want 2 (buffer size)", delivered)
	}
	if got := b.Stats()["subscriptions"]; got != 1 {
		t.Errorf("subscriptions = %d", got)
	}
	sub.Close()
	sub.Close()
	if got := b.Stats()["principals"]; got != 0 {
		t.Errorf("principals after close = %d", got)
	}
}

func TestMarkRead(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	e1, _ := svc.Emit(ctx, "u1", KindWorkStarted, nil)
	e2, _ := svc.Emit(ctx, "u1", KindWorkCompleted, nil)

	if _, err := svc.MarkRead(ctx, "u1", []string{"not-a-uuid"}); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("bad id: got %v", err)
	}
	n, err := svc.MarkRead(ctx, "u2", []string{e1.ID})
	if err != nil || n != 0 {
		t.Errorf("foreign mark = %d, %v; want 0", n, err)
	}
	n, err = svc.MarkRead(ctx, "u1", []string{e1.ID})
	if err != nil || n != 1 {
		t.Fatalf("mark = %d, %v", n, err)
	}
	unread, _ := svc.Unread(ctx, "u1", 10)
	if len(unread) != 1 || unread[0].ID != e2.ID {
		t.Errorf("unread = %+v", unread)
	}
}

type fakeRelay struct {
	mu   sync.Mutex
	sent []Event
	err  error
}

func (f *fakeRelay) Send(_ context.Context, e Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, e)
	return f.err
}

func TestRelayDefersLiveDelivery(t *testing.T) {
	svc, _, _ := newTestService()
	relay := &fakeRelay{}
	svc.SetRelay(relay)
	sub := svc.Subscribe("u1")
	defer sub.Close()

	e, _ := svc.Emit(context.Background(), "u1", KindPaymentFailed, nil)
	select {
	case got := <-sub.C:
		t.Fatalf("delivered before relay round trip: %+v", got)
	default:
	}
	if len(relay.sent) != 1 {
		t.Fatalf("relay sent %d", len(relay.sent))
	}
	svc.Deliver(relay.sent[0])
	if got := <-sub.C; got.ID != e.ID {
		t.Errorf("relayed event = %s, want %s", got.ID, e.ID)
	}

	relay.err = errors.New("broker down")
	e2, _ := svc.Emit(context.Background(), "u1", KindPaymentFailed, nil)
	if got := <-sub.C; got.ID != e2.ID {
		t.Errorf("fallback event = %s, want %s", got.ID, e2.ID)
	}
}

type fakeMulticaster struct {
	ch chan *messaging.MulticastMessage
}

func (f *fakeMulticaster) SendEachForMulticast(_ context.Context, m *messaging.MulticastMessage) (*messaging.BatchResponse, error) {
	f.ch <- m
	return &messaging.BatchResponse{SuccessCount: len(m.Tokens)}, nil
}

func TestFCMSinkSendsToRegisteredDevices(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()
	fake := &fakeMulticaster{ch: make(chan *messaging.MulticastMessage, 1)}
	svc.AddSink(NewFCMSinkWithClient(fake, store))

	if err := svc.RegisterDevice(ctx, "t1", "device-token-1"); err != nil {
		t.Fatal(err)
	}
	e, _ := svc.Emit(ctx, "t1", KindSubscriptionActivated, map[string]any{"message": "Active until Apr 1", "months": 1})

	select {
	case m := <-fake.ch:
		if len(m.Tokens) != 1 || m.Tokens[0] != "device-token-1" {
			t.Errorf("tokens = %v", m.Tokens)
		}
		if m.Data["event_id"] != e.ID || m.Data["months"] != "1" {
			t.Errorf("data = %v", m.Data)
		}
		if m.Notification.Title != "Subscription active" || m.Notification.Body != "Active until Apr 1" {
			t.Errorf("notification = %+v", m.Notification)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no push sent")
	}
}

func TestHandlerListAndMarkRead(t *testing.T) {
	svc, _, _ := newTestService()
	e, _ := svc.Emit(context.Background(), "u1", KindRequestAssigned, map[string]any{"request_id": "r1"})

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := jwt.WithPrincipal(req.Context(), jwt.Principal{ID: "u1", Role: jwt.RoleClient})
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	})
	r.Mount("/notifications", NewHandler(svc).Routes())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/notifications", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var listed []Event
	if err := json.NewDecoder(rec.Body).Decode(&listed); err != nil {
		t.Fatal(err)
	}
	if len(listed) != 1 || listed[0].ID != e.ID {
		t.Fatalf("listed = %+v", listed)
	}

	rec = httptest.NewRecorder()
	body := strings.NewReader(`{"ids":["` + e.ID + `"]}`)
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/notifications/read", body))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"marked":1`) {
		t.Errorf("mark read = %d %s", rec.Code, rec.Body.String())
	}
}
