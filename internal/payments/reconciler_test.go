package payments

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bwmarrin/snowflake"

	"depanne-service/internal/notifications"
	"depanne-service/internal/subscriptions"
	"depanne-service/pkg/apperr"
	"depanne-service/pkg/jwt"
	"depanne-service/pkg/lock"
)

var (
	t0   = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tech = jwt.Principal{ID: "user-c", Role: jwt.RoleTechnician}
)

type fakeGateway struct {
	mu       sync.Mutex
	statuses map[string]*StatusResult
	initErr  error
	inits    []InitRequest
	queries  int
}

func (f *fakeGateway) Initiate(_ context.Context, req InitRequest) (*InitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initErr != nil {
		return nil, f.initErr
	}
	f.inits = append(f.inits, req)
	return &InitResult{PaymentURL: "https://pay.example/" + req.TransactionID}, nil
}

func (f *fakeGateway) Status(_ context.Context, txID string) (*StatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if st, ok := f.statuses[txID]; ok {
		return st, nil
	}
	return &StatusResult{Status: GatewayPending}, nil
}

func (f *fakeGateway) set(txID string, st GatewayStatus, amount int64, currency string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[txID] = &StatusResult{Status: st, Amount: amount, Currency: currency}
}

type techDirectory map[string]string // technician id -> principal id

func (d techDirectory) TechnicianIDFor(_ context.Context, principalID string) (string, error) {
	for id, p := range d {
		if p == principalID {
			return id, nil
		}
	}
	return "", apperr.NotFound("technician not found")
}

func (d techDirectory) PrincipalIDFor(_ context.Context, technicianID string) (string, error) {
	if p, ok := d[technicianID]; ok {
		return p, nil
	}
	return "", apperr.NotFound("technician not found")
}

type notice struct {
	recipient string
	kind      notifications.Kind
	payload   map[string]any
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notice
}

func (r *recordingNotifier) Notify(_ context.Context, recipient string, kind notifications.Kind, payload map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, notice{recipient, kind, payload})
	return nil
}

func (r *recordingNotifier) count(kind notifications.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sent {
		if s.kind == kind {
			n++
		}
	}
	return n
}

type fixture struct {
	rec      *Reconciler
	store    *MemoryStore
	gateway  *fakeGateway
	ledger   *subscriptions.Ledger
	notifier *recordingNotifier
	clock    *clock.Mock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(t0)
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		store:    NewMemoryStore(),
		gateway:  &fakeGateway{statuses: map[string]*StatusResult{}},
		ledger:   subscriptions.NewLedger(subscriptions.NewMemoryStore(), lock.NewLocal(), clk),
		notifier: &recordingNotifier{},
		clock:    clk,
	}
	f.rec = NewReconciler(f.store, f.gateway, f.ledger, techDirectory{"tech-c": "user-c"}, f.notifier,
		lock.NewLocal(), clk, node, Config{
			Prices:     map[int]int64{1: 5000, 3: 14000, 6: 27000, 12: 50000},
			Currency:   "XOF",
			TxPrefix:   "DPT",
			SweepEvery: 5 * time.Minute,
			MinAge:     5 * time.Minute,
			MaxAge:     24 * time.Hour,
		})
	return f
}

func (f *fixture) initiate(t *testing.T, months int) string {
	t.Helper()
	resp, err := f.rec.Initiate(context.Background(), tech, months)
	if err != nil {
		t.Fatal(err)
	}
	return resp.TransactionID
}

func (f *fixture) payment(t *testing.T, txID string) *Payment {
	t.Helper()
	p, err := f.store.GetByTransaction(context.Background(), txID)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestInitiateCreatesPendingPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.rec.Initiate(ctx, tech, 3)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(resp.TransactionID, "DPT-") || resp.GatewayURL == "" {
		t.Errorf("response = %+v", resp)
	}
	p := f.payment(t, resp.TransactionID)
	if p.Status != StatusPending || p.Amount != 14000 || p.Metadata.TechnicianID != "tech-c" || p.PaymentURL != resp.GatewayURL {
		t.Errorf("payment = %+v", p)
	}
	if got := f.gateway.inits[0]; got.Amount != 14000 || got.CustomerID != "user-c" || got.DurationMonths != 3 {
		t.Errorf("gateway init = %+v", got)
	}

	if _, err := f.rec.Initiate(ctx, tech, 2); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("2 months: got %v", err)
	}
	if _, err := f.rec.Initiate(ctx, jwt.Principal{ID: "x", Role: jwt.RoleClient}, 1); !apperr.Is(err, apperr.KindForbidden) {
		t.Errorf("client: got %v", err)
	}
}

func TestInitiateGatewayFailureMarksFailed(t *testing.T) {
	f := newFixture(t)
	f.gateway.initErr = apperr.New(apperr.KindGatewayUnavailable, "down")

	_, err := f.rec.Initiate(context.Background(), tech, 1)
	if !apperr.Is(err, apperr.KindGatewayUnavailable) {
		t.Fatalf("got %v", err)
	}
	list, _ := f.rec.List(context.Background(), "user-c")
	if len(list) != 1 || list[0].Status != StatusFailed {
		t.Errorf("payments = %+v", list)
	}
}

func TestDuplicateCallbackExtendsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.initiate(t, 1)
	f.gateway.set(tx, GatewayAccepted, 5000, "XOF")

	out, err := f.rec.HandleCallback(ctx, tx)
	if err != nil || out != OutcomeSettled {
		t.Fatalf("first callback = %s, %v", out, err)
	}
	out, err = f.rec.HandleCallback(ctx, tx)
	if err != nil || out != OutcomeDuplicate {
		t.Fatalf("second callback = %s, %v", out, err)
	}

	p := f.payment(t, tx)
	if p.Status != StatusSuccess || p.SettledAt == nil {
		t.Errorf("payment = %+v", p)
	}
	ivs, _ := f.ledger.List(ctx, "tech-c")
	if len(ivs) != 1 || !ivs[0].End.Equal(t0.Add(subscriptions.MonthLength)) {
		t.Errorf("intervals = %+v", ivs)
	}
	if f.gateway.queries != 1 {
		t.Errorf("gateway queried %d times, want 1", f.gateway.queries)
	}
	if n := f.notifier.count(notifications.KindSubscriptionActivated); n != 1 {
		t.Errorf("activation notices = %d", n)
	}
}

func TestConcurrentCallbacksSettleOnce(t *testing.T) {
	f := newFixture(t)
	tx := f.initiate(t, 1)
	f.gateway.set(tx, GatewayAccepted, 5000, "XOF")

	var wg sync.WaitGroup
	var mu sync.Mutex
	settled := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.rec.HandleCallback(context.Background(), tx)
			if err != nil {
				t.Error(err)
				return
			}
			if out == OutcomeSettled {
				mu.Lock()
				settled++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if settled != 1 {
		t.Errorf("settled %d times", settled)
	}
	ivs, _ := f.ledger.List(context.Background(), "tech-c")
	if len(ivs) != 1 || !ivs[0].End.Equal(t0.Add(subscriptions.MonthLength)) {
		t.Errorf("intervals = %+v", ivs)
	}
}

func TestSpoofedCallbackLeavesPending(t *testing.T) {
	f := newFixture(t)
	tx := f.initiate(t, 1)

	out, err := f.rec.HandleCallback(context.Background(), tx)
	if err != nil || out != OutcomePending {
		t.Fatalf("callback = %s, %v", out, err)
	}
	if p := f.payment(t, tx); p.Status != StatusPending {
		t.Errorf("status = %s", p.Status)
	}
	if active, _ := f.ledger.ActiveAt(context.Background(), "tech-c", t0); active {
		t.Error("subscription activated on an unconfirmed callback")
	}
}

func TestRefusedAndMismatchedPaymentsFail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	refused := f.initiate(t, 1)
	f.gateway.set(refused, GatewayRefused, 0, "")
	if out, _ := f.rec.HandleCallback(ctx, refused); out != OutcomeFailed {
		t.Errorf("refused outcome = %s", out)
	}

	mismatch := f.initiate(t, 1)
	f.gateway.set(mismatch, GatewayAccepted, 100, "XOF")
	if out, _ := f.rec.HandleCallback(ctx, mismatch); out != OutcomeFailed {
		t.Errorf("mismatch outcome = %s", out)
	}
	if p := f.payment(t, mismatch); p.Metadata.FailureReason != "amount_mismatch" {
		t.Errorf("reason = %q", p.Metadata.FailureReason)
	}
	if n := f.notifier.count(notifications.KindPaymentFailed); n != 2 {
		t.Errorf("payment_failed notices = %d, want 2", n)
	}
	if active, _ := f.ledger.ActiveAt(ctx, "tech-c", t0); active {
		t.Error("failed payments activated a subscription")
	}
}

func TestCallbackHandlerErrors(t *testing.T) {
	f := newFixture(t)
	routes := NewHandler(f.rec).Routes()

	cases := []struct {
		name, contentType, body string
		want                    int
	}{
		{"missing id", "application/json", `{}`, http.StatusBadRequest},
		{"unknown id", "application/json", `{"transaction_id":"DPT-404"}`, http.StatusNotFound},
		{"unknown form id", "application/x-www-form-urlencoded", `cpm_trans_id=DPT-404`, http.StatusNotFound},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/callback", strings.NewReader(tc.body))
		req.Header.Set("Content-Type", tc.contentType)
		rec := httptest.NewRecorder()
		routes.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Errorf("%s: status %d, want %d", tc.name, rec.Code, tc.want)
		}
	}

	tx := f.initiate(t, 1)
	f.gateway.set(tx, GatewayAccepted, 5000, "XOF")
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/callback", strings.NewReader("cpm_trans_id="+tx))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		routes.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("callback %d: status %d", i, rec.Code)
		}
	}
}

func TestSweepRecoversMissedCallbacks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	fresh := f.initiate(t, 1)
	f.gateway.set(fresh, GatewayAccepted, 5000, "XOF")
	if n, _ := f.rec.Sweep(ctx); n != 0 {
		t.Errorf("swept %d payments younger than 5 minutes", n)
	}

	f.clock.Add(6 * time.Minute)
	if n, _ := f.rec.Sweep(ctx); n != 1 {
		t.Errorf("resolved %d, want 1", n)
	}
	if p := f.payment(t, fresh); p.Status != StatusSuccess {
		t.Errorf("status = %s", p.Status)
	}

	stuck := f.initiate(t, 1)
	f.clock.Add(time.Hour)
	f.rec.Sweep(ctx)
	if p := f.payment(t, stuck); p.Status != StatusPending {
		t.Errorf("1h-old payment status = %s, want pending", p.Status)
	}
	f.clock.Add(24 * time.Hour)
	f.rec.Sweep(ctx)
	if p := f.payment(t, stuck); p.Status != StatusFailed {
		t.Errorf("25h-old payment status = %s, want failed", p.Status)
	}
}

func TestSweepPagesThroughAllPending(t *testing.T) {
	f := newFixture(t)
	f.rec.sweepPage = 2
	ctx := context.Background()

	var txs []string
	for i := 0; i < 5; i++ {
		txs = append(txs, f.initiate(t, 1))
	}
	f.clock.Add(6 * time.Minute)
	// Only the last payment initiated has been accepted by the gateway.
	f.gateway.set(txs[4], GatewayAccepted, 5000, "XOF")

	n, err := f.rec.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("resolved %d, want 1", n)
	}
	if p := f.payment(t, txs[4]); p.Status != StatusSuccess {
		t.Errorf("last payment status = %s, want success", p.Status)
	}
	if f.gateway.queries != 5 {
		t.Errorf("gateway queried %d times, want once per pending payment", f.gateway.queries)
	}
}

func TestApproveManualUsesLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := jwt.Principal{ID: "admin-1", Role: jwt.RoleAdmin}

	if _, err := f.rec.ApproveManual(ctx, tech, ManualApprovalRequest{TechnicianID: "tech-c", DurationMonths: 1}); !apperr.Is(err, apperr.KindForbidden) {
		t.Errorf("non-admin: got %v", err)
	}
	pay, err := f.rec.ApproveManual(ctx, admin, ManualApprovalRequest{TechnicianID: "tech-c", DurationMonths: 6, Note: "cash"})
	if err != nil {
		t.Fatal(err)
	}
	stored := f.payment(t, pay.TransactionID)
	if stored.Status != StatusSuccess || stored.Metadata.Source != SourceManual || stored.Metadata.ApprovedBy != "admin-1" {
		t.Errorf("payment = %+v", stored)
	}
	st, _ := f.ledger.Status(ctx, "tech-c")
	if !st.Active || !st.CurrentInterval.End.Equal(t0.Add(6*subscriptions.MonthLength)) {
		t.Errorf("status = %+v", st)
	}
}
