package payments

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bwmarrin/snowflake"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"depanne-service/internal/notifications"
	"depanne-service/internal/subscriptions"
	"depanne-service/pkg/apperr"
	"depanne-service/pkg/jwt"
	"depanne-service/pkg/lock"
	"depanne-service/pkg/validation"
)

// Ledger is the subscription side of a settled payment.
type Ledger interface {
	Extend(ctx context.Context, technicianID string, months int, sourcePaymentID string) (*subscriptions.Interval, error)
}

// Notifier emits a notification to a principal.
type Notifier interface {
	Notify(ctx context.Context, recipientID string, kind notifications.Kind, payload map[string]any) error
}

// Technicians resolves between principals and technician profiles.
type Technicians interface {
	TechnicianIDFor(ctx context.Context, principalID string) (string, error)
	PrincipalIDFor(ctx context.Context, technicianID string) (string, error)
}

// ActivationListener hears about subscriptions activated by a payment.
type ActivationListener interface {
	SubscriptionActivated(ctx context.Context, p *Payment, iv *subscriptions.Interval)
}

// Config holds pricing and sweep settings.
type Config struct {
	// Prices maps duration in months to an amount in minor units.
	Prices   map[int]int64
	Currency string
	// TxPrefix prefixes every transaction id for traceability.
	TxPrefix   string
	SweepEvery time.Duration
	MinAge     time.Duration
	MaxAge     time.Duration
}

// Reconciler creates payments and settles them against the gateway.
type Reconciler struct {
	store       Store
	gateway     Gateway
	ledger      Ledger
	techs       Technicians
	notifier    Notifier
	locker      lock.Locker
	clock       clock.Clock
	ids         *snowflake.Node
	cfg         Config
	activations []ActivationListener
	sweepPage   int
}

// NewReconciler wires a reconciler. node seeds the transaction id generator.
func NewReconciler(store Store, gateway Gateway, ledger Ledger, techs Technicians, notifier Notifier,
	locker lock.Locker, clk clock.Clock, node *snowflake.Node, cfg Config) *Reconciler {
	if cfg.TxPrefix == "" {
		cfg.TxPrefix = "DPT"
	}
	return &Reconciler{
		store: store, gateway: gateway, ledger: ledger, techs: techs, notifier: notifier,
		locker: locker, clock: clk, ids: node, cfg: cfg, sweepPage: 100,
	}
}

// OnActivation registers l to hear about activations.
func (r *Reconciler) OnActivation(l ActivationListener) {
	r.activations = append(r.activations, l)
}

// Price returns the amount for months, validating both.
func (r *Reconciler) Price(months int) (int64, error) {
	if !validation.ValidateDurationMonths(months) {
		return 0, apperr.Validation("duration_months must be one of 1, 3, 6, 12")
	}
	amount, ok := r.cfg.Prices[months]
	if !ok {
		return 0, apperr.Validation("no price configured for %d month(s)", months)
	}
	if !validation.ValidateAmount(amount) {
		return 0, apperr.Internal(fmt.Errorf("configured price %d for %d month(s) is not a positive multiple of 5", amount, months))
	}
	return amount, nil
}

// Initiate opens a gateway checkout for the calling technician.
func (r *Reconciler) Initiate(ctx context.Context, p jwt.Principal, months int) (*InitiateResponse, error) {
	if p.Role != jwt.RoleTechnician {
		return nil, apperr.Forbidden("only technicians buy subscriptions")
	}
	amount, err := r.Price(months)
	if err != nil {
		return nil, err
	}
	techID, err := r.techs.TechnicianIDFor(ctx, p.ID)
	if err != nil {
		return nil, err
	}

	pay := &Payment{
		ID:            uuid.New().String(),
		TransactionID: r.cfg.TxPrefix + "-" + r.ids.Generate().String(),
		PrincipalID:   p.ID,
		Amount:        amount,
		Currency:      r.cfg.Currency,
		Status:        StatusPending,
		Metadata:      Metadata{DurationMonths: months, TechnicianID: techID, Source: SourceGateway},
		CreatedAt:     r.clock.Now().UTC(),
	}
	if err := r.store.Create(ctx, pay); err != nil {
		return nil, apperr.Internal(err)
	}

	res, err := r.gateway.Initiate(ctx, InitRequest{
		TransactionID:  pay.TransactionID,
		Amount:         amount,
		Currency:       pay.Currency,
		Description:    fmt.Sprintf("Technician subscription, %d month(s)", months),
		CustomerID:     p.ID,
		DurationMonths: months,
	})
	if err != nil {
		log.Printf("[payments] initiation of %s failed: %v", pay.TransactionID, err)
		meta := pay.Metadata
		meta.FailureReason = "initiation_failed"
		if _, serr := r.store.Settle(ctx, pay.ID, StatusFailed, meta, r.clock.Now().UTC()); serr != nil {
			log.Printf("[payments] marking %s failed: %v", pay.TransactionID, serr)
		}
		return nil, err
	}
	if err := r.store.SetPaymentURL(ctx, pay.ID, res.PaymentURL); err != nil {
		return nil, apperr.Internal(err)
	}
	log.Printf("[payments] initiated %s for technician %s (%d month(s), %d %s)",
		pay.TransactionID, techID, months, amount, pay.Currency)
	return &InitiateResponse{GatewayURL: res.PaymentURL, TransactionID: pay.TransactionID}, nil
}

// HandleCallback processes a gateway notification. The body is never
// trusted: a pending payment is settled only on the gateway's own status
// answer, and a settled one is left untouched.
func (r *Reconciler) HandleCallback(ctx context.Context, transactionID string) (Outcome, error) {
	if transactionID == "" {
		return "", apperr.Validation("transaction_id required")
	}
	pay, err := r.store.GetByTransaction(ctx, transactionID)
	if errors.Is(err, ErrNotFound) {
		return "", apperr.NotFound("unknown transaction %s", transactionID)
	}
	if err != nil {
		return "", apperr.Internal(err)
	}
	if pay.Status != StatusPending {
		return OutcomeDuplicate, nil
	}
	return r.reconcileLocked(ctx, transactionID, false)
}

// reconcileLocked re-reads the payment under its transaction lock and
// settles it from the gateway's status. When final is set, a payment the
// gateway has not accepted is failed rather than left pending.
func (r *Reconciler) reconcileLocked(ctx context.Context, transactionID string, final bool) (Outcome, error) {
	unlock, err := r.locker.Lock(ctx, "payment:"+transactionID)
	if err != nil {
		return "", apperr.Internal(err)
	}
	defer unlock()

	pay, err := r.store.GetByTransaction(ctx, transactionID)
	if err != nil {
		return "", apperr.Internal(err)
	}
	if pay.Status != StatusPending {
		return OutcomeDuplicate, nil
	}

	st, err := r.gateway.Status(ctx, transactionID)
	if err != nil {
		if final {
			return r.fail(ctx, pay, "expired_unconfirmed")
		}
		return OutcomePending, err
	}

	switch st.Status {
	case GatewayAccepted:
		if st.Amount != pay.Amount || !strings.EqualFold(st.Currency, pay.Currency) {
			log.Printf("[payments] %s accepted with %d %s, expected %d %s",
				transactionID, st.Amount, st.Currency, pay.Amount, pay.Currency)
			return r.fail(ctx, pay, "amount_mismatch")
		}
		return r.settle(ctx, pay)
	case GatewayRefused:
		return r.fail(ctx, pay, "refused")
	default:
		if final {
			return r.fail(ctx, pay, "expired_unconfirmed")
		}
		return OutcomePending, nil
	}
}

// settle applies the payment to the ledger and then marks it successful.
// The ledger is idempotent per payment id, so a crash between the two steps
// is repaired by the next callback or sweep.
func (r *Reconciler) settle(ctx context.Context, pay *Payment) (Outcome, error) {
	iv, err := r.ledger.Extend(ctx, pay.Metadata.TechnicianID, pay.Metadata.DurationMonths, pay.ID)
	if err != nil {
		return "", err
	}
	now := r.clock.Now().UTC()
	ok, err := r.store.Settle(ctx, pay.ID, StatusSuccess, pay.Metadata, now)
	if err != nil {
		return "", apperr.Internal(err)
	}
	if !ok {
		return OutcomeDuplicate, nil
	}
	pay.Status, pay.SettledAt = StatusSuccess, &now
	log.Printf("[payments] %s settled; technician %s active until %s",
		pay.TransactionID, pay.Metadata.TechnicianID, iv.End.Format(time.RFC3339))

	r.notify(ctx, pay.PrincipalID, notifications.KindSubscriptionActivated, map[string]any{
		"payment_id":      pay.ID,
		"transaction_id":  pay.TransactionID,
		"interval_id":     iv.ID,
		"duration_months": pay.Metadata.DurationMonths,
		"ends_at":         iv.End.Format(time.RFC3339),
		"message":         "Your subscription is active and ends " + humanize.RelTime(iv.End, now, "ago", "from now"),
	})
	for _, l := range r.activations {
		l.SubscriptionActivated(ctx, pay, iv)
	}
	return OutcomeSettled, nil
}

func (r *Reconciler) fail(ctx context.Context, pay *Payment, reason string) (Outcome, error) {
	meta := pay.Metadata
	meta.FailureReason = reason
	ok, err := r.store.Settle(ctx, pay.ID, StatusFailed, meta, r.clock.Now().UTC())
	if err != nil {
		return "", apperr.Internal(err)
	}
	if !ok {
		return OutcomeDuplicate, nil
	}
	log.Printf("[payments] %s failed: %s", pay.TransactionID, reason)
	r.notify(ctx, pay.PrincipalID, notifications.KindPaymentFailed, map[string]any{
		"payment_id":     pay.ID,
		"transaction_id": pay.TransactionID,
		"reason":         reason,
	})
	return OutcomeFailed, nil
}

func (r *Reconciler) notify(ctx context.Context, recipient string, kind notifications.Kind, payload map[string]any) {
	if err := r.notifier.Notify(ctx, recipient, kind, payload); err != nil {
		log.Printf("[payments] notify %s %s: %v", recipient, kind, err)
	}
}

// Sweep reconciles pending payments older than MinAge whose callback never
// arrived. Payments older than MaxAge that the gateway still has not
// accepted are failed. Returns how many payments left pending.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	now := r.clock.Now().UTC()
	resolved := 0
	var cursor Cursor
	for {
		page, err := r.store.ListPending(ctx, now.Add(-r.cfg.MinAge), cursor, r.sweepPage)
		if err != nil {
			return resolved, err
		}
		for _, p := range page {
			if ctx.Err() != nil {
				return resolved, ctx.Err()
			}
			final := now.Sub(p.CreatedAt) >= r.cfg.MaxAge
			outcome, err := r.reconcileLocked(ctx, p.TransactionID, final)
			if err != nil {
				log.Printf("[payments] sweep %s: %v", p.TransactionID, err)
				continue
			}
			if outcome == OutcomeSettled || outcome == OutcomeFailed {
				resolved++
			}
		}
		if len(page) < r.sweepPage {
			return resolved, nil
		}
		cursor = After(page[len(page)-1])
	}
}

// Start runs Sweep every SweepEvery until ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	go func() {
		ticker := r.clock.Ticker(r.cfg.SweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := r.Sweep(ctx); err != nil {
					log.Printf("[payments] sweep: %v", err)
				} else if n > 0 {
					log.Printf("[payments] sweep resolved %d payment(s)", n)
				}
			}
		}
	}()
}

// ApproveManual records an administrator-approved payment and extends the
// technician's subscription through the same path as a gateway payment.
func (r *Reconciler) ApproveManual(ctx context.Context, admin jwt.Principal, req ManualApprovalRequest) (*Payment, error) {
	if admin.Role != jwt.RoleAdmin {
		return nil, apperr.Forbidden("manual approval requires admin")
	}
	amount, err := r.Price(req.DurationMonths)
	if err != nil {
		return nil, err
	}
	principal, err := r.techs.PrincipalIDFor(ctx, req.TechnicianID)
	if err != nil {
		return nil, err
	}

	pay := &Payment{
		ID:            uuid.New().String(),
		TransactionID: r.cfg.TxPrefix + "-M-" + r.ids.Generate().String(),
		PrincipalID:   principal,
		Amount:        amount,
		Currency:      r.cfg.Currency,
		Status:        StatusPending,
		Metadata: Metadata{
			DurationMonths: req.DurationMonths,
			TechnicianID:   req.TechnicianID,
			Source:         SourceManual,
			ApprovedBy:     admin.ID,
			Note:           strings.TrimSpace(req.Note),
		},
		CreatedAt: r.clock.Now().UTC(),
	}
	if err := r.store.Create(ctx, pay); err != nil {
		return nil, apperr.Internal(err)
	}

	unlock, err := r.locker.Lock(ctx, "payment:"+pay.TransactionID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	defer unlock()
	if _, err := r.settle(ctx, pay); err != nil {
		return nil, err
	}
	log.Printf("[payments] manual approval %s by %s for technician %s", pay.TransactionID, admin.ID, req.TechnicianID)
	return pay, nil
}

// List returns the principal's payments, newest first.
func (r *Reconciler) List(ctx context.Context, principalID string) ([]Payment, error) {
	out, err := r.store.ListByPrincipal(ctx, principalID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return out, nil
}
