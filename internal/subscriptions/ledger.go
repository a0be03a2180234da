package subscriptions

import (
	"context"
	"errors"
	"log"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"depanne-service/pkg/apperr"
	"depanne-service/pkg/lock"
	"depanne-service/pkg/validation"
)

// MonthLength is the length of one purchased subscription month.
const MonthLength = 30 * 24 * time.Hour

// Ledger owns subscription intervals. Writes for one technician are
// serialised on "technician:<id>" and run inside a serializable transaction.
type Ledger struct {
	store  Store
	locker lock.Locker
	clock  clock.Clock
}

// NewLedger creates a ledger.
func NewLedger(store Store, locker lock.Locker, clk clock.Clock) *Ledger {
	return &Ledger{store: store, locker: locker, clock: clk}
}

// ActiveAt reports whether the technician holds an interval containing t.
func (l *Ledger) ActiveAt(ctx context.Context, technicianID string, t time.Time) (bool, error) {
	_, err := l.store.ActiveAt(ctx, technicianID, t)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// List returns the technician's intervals ordered by start.
func (l *Ledger) List(ctx context.Context, technicianID string) ([]Interval, error) {
	ivs, err := l.store.List(ctx, technicianID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return ivs, nil
}

// Status summarises the technician's subscription now.
func (l *Ledger) Status(ctx context.Context, technicianID string) (*Status, error) {
	now := l.clock.Now().UTC()
	iv, err := l.store.ActiveAt(ctx, technicianID, now)
	if errors.Is(err, ErrNotFound) {
		return &Status{Active: false}, nil
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	days := int(math.Ceil(iv.End.Sub(now).Hours() / 24))
	return &Status{Active: true, CurrentInterval: iv, DaysRemaining: &days}, nil
}

// Extend adds months to the technician's subscription. An active interval
// is widened in place; otherwise a new interval starts now. A given
// sourcePaymentID is applied at most once: re-applying returns the
// interval it was applied to without changing anything.
func (l *Ledger) Extend(ctx context.Context, technicianID string, months int, sourcePaymentID string) (*Interval, error) {
	if !validation.ValidateDurationMonths(months) {
		return nil, apperr.Validation("duration_months must be one of 1, 3, 6, 12")
	}
	if sourcePaymentID == "" {
		return nil, apperr.Validation("source payment required")
	}

	unlock, err := l.locker.Lock(ctx, "technician:"+technicianID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	defer unlock()

	var result *Interval
	err = l.store.Atomic(ctx, func(w Writer) error {
		result = nil
		if iv, err := applied(ctx, w, technicianID, sourcePaymentID); err == nil {
			result = iv
			return nil
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		now := l.clock.Now().UTC()
		length := time.Duration(months) * MonthLength

		cur, err := w.ActiveAt(ctx, technicianID, now)
		switch {
		case err == nil:
			cur.End = cur.End.Add(length)
			if err := w.UpdateEnd(ctx, cur.ID, cur.End); err != nil {
				return err
			}
			cur.ExpiryNotified = false
			result = cur
		case errors.Is(err, ErrNotFound):
			src := sourcePaymentID
			iv := &Interval{
				ID:              uuid.New().String(),
				TechnicianID:    technicianID,
				Start:           now,
				End:             now.Add(length),
				SourcePaymentID: &src,
				CreatedAt:       now,
			}
			if err := w.InsertInterval(ctx, iv); err != nil {
				return err
			}
			result = iv
		default:
			return err
		}

		return w.InsertExtension(ctx, &Extension{
			ID:              uuid.New().String(),
			IntervalID:      result.ID,
			SourcePaymentID: sourcePaymentID,
			DurationMonths:  months,
			AppliedAt:       now,
		})
	})
	if errors.Is(err, ErrDuplicate) {
		// Another instance applied it between our check and insert.
		err = l.store.Atomic(ctx, func(w Writer) error {
			iv, err := applied(ctx, w, technicianID, sourcePaymentID)
			result = iv
			return err
		})
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	log.Printf("[subscriptions] technician %s extended by %d month(s) via %s, ends %s",
		technicianID, months, sourcePaymentID, result.End.Format(time.RFC3339))
	return result, nil
}

// applied returns the interval sourcePaymentID was already applied to.
func applied(ctx context.Context, w Writer, technicianID, sourcePaymentID string) (*Interval, error) {
	ext, err := w.FindExtension(ctx, sourcePaymentID)
	if err != nil {
		return nil, err
	}
	ivs, err := w.List(ctx, technicianID)
	if err != nil {
		return nil, err
	}
	for i := range ivs {
		if ivs[i].ID == ext.IntervalID {
			return &ivs[i], nil
		}
	}
	return nil, errors.New("extension references unknown interval " + ext.IntervalID)
}
