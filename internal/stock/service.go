package stock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redstone/orderflow/internal/bus"
	"github.com/redstone/orderflow/internal/inbox"
	"github.com/redstone/orderflow/internal/redstone"
)

type Service struct {
	Store Store
	SKU   string
	// Quantity is reserved per order.
	Quantity int64
	Log      *redstone.Logger
	Now      func() time.Time
}

func (s *Service) Routes(r *bus.Router) {
	r.Handle(redstone.TypePaymentSucceeded, s.paymentSucceeded)
	r.Handle(redstone.TypeRefundRequested, s.refundRequested)
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func (s *Service) qty() int64 {
	if s.Quantity <= 0 {
		return 1
	}
	return s.Quantity
}

func (s *Service) paymentSucceeded(ctx context.Context, env redstone.Envelope) error {
	var ev redstone.PaymentSucceeded
	if err := env.Decode(&ev); err != nil {
		return bus.Permanent(err)
	}
	s.Log.Info(ctx, "stock reserve started", map[string]any{"order_id": ev.OrderID, "sku": s.SKU})

	var reason, skipped string
	res, err := inbox.Handle(ctx, inbox.InTx[Tx](s.Store.InTx), env, func(ctx context.Context, tx Tx) error {
		reason, skipped = "", ""
		if r, err := tx.Reservation(ctx, ev.OrderID); err == nil {
			skipped = r.Status
			return nil
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		now := s.now()
		ok, why, err := s.tryReserve(ctx, tx, ev.OrderID, now)
		if err != nil {
			return err
		}
		var out redstone.Event = redstone.StockReserved{OrderID: ev.OrderID, ReservedAtUTC: now}
		if !ok {
			reason = why
			out = redstone.StockReserveFailed{OrderID: ev.OrderID, Reason: why, FailedAtUTC: now}
		}
		e, err := redstone.NewEnvelope(out)
		if err != nil {
			return err
		}
		return tx.Enqueue(ctx, e)
	})
	if err != nil {
		s.Log.Error(ctx, "stock reserve failed with error", map[string]any{"order_id": ev.OrderID, "err": err})
		return err
	}
	switch {
	case res != inbox.Applied:
		inbox.LogResult(ctx, s.Log, env, res)
	case skipped != "":
		s.Log.Info(ctx, "order already has a reservation, skipping", map[string]any{"order_id": ev.OrderID, "status": skipped})
	case reason != "":
		s.Log.Warn(ctx, "StockReserveFailed enqueued", map[string]any{"order_id": ev.OrderID, "reason": reason})
	default:
		s.Log.Info(ctx, "stock reserved", map[string]any{"order_id": ev.OrderID, "sku": s.SKU, "qty": s.qty()})
	}
	return nil
}

// tryReserve holds the SKU row lock while it checks availability. A business
// refusal comes back as ok=false with a reason; err is infrastructure only.
func (s *Service) tryReserve(ctx context.Context, tx Tx, orderID string, now time.Time) (ok bool, reason string, err error) {
	lvl, err := tx.LockLevel(ctx, s.SKU)
	if errors.Is(err, ErrNotFound) {
		return false, "sku not found: " + s.SKU, nil
	}
	if err != nil {
		return false, "", err
	}
	if lvl.Available() < s.qty() {
		return false, "insufficient stock for " + s.SKU, nil
	}
	r := Reservation{OrderID: orderID, SKU: s.SKU, Qty: s.qty(), Status: Reserved, CreatedAt: now}
	if err := tx.Reserve(ctx, r); err != nil {
		return false, "", fmt.Errorf("reserve %s: %w", orderID, err)
	}
	return true, "", nil
}

// refundRequested gives back what a compensated order held.
func (s *Service) refundRequested(ctx context.Context, env redstone.Envelope) error {
	var ev redstone.RefundRequested
	if err := env.Decode(&ev); err != nil {
		return bus.Permanent(err)
	}
	released, cancelled := false, false
	res, err := inbox.Handle(ctx, inbox.InTx[Tx](s.Store.InTx), env, func(ctx context.Context, tx Tx) error {
		released, cancelled = false, false
		r, err := tx.Reservation(ctx, ev.OrderID)
		if errors.Is(err, ErrNotFound) {
			// the payment may still be on its way here
			cancelled = true
			return tx.Cancel(ctx, Reservation{OrderID: ev.OrderID, SKU: s.SKU, Status: Cancelled, CreatedAt: s.now()})
		}
		if err != nil {
			return err
		}
		if r.Status != Reserved {
			return nil
		}
		if _, err := tx.LockLevel(ctx, r.SKU); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		released = true
		return tx.Release(ctx, *r)
	})
	if err != nil {
		return err
	}
	switch {
	case released:
		s.Log.Info(ctx, "stock released", map[string]any{"order_id": ev.OrderID, "reason": ev.Reason})
	case cancelled && res == inbox.Applied:
		s.Log.Info(ctx, "reservation cancelled before payment arrived", map[string]any{"order_id": ev.OrderID, "reason": ev.Reason})
	case res != inbox.Applied:
		inbox.LogResult(ctx, s.Log, env, res)
	}
	return nil
}
