package payments

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/redstone/orderflow/internal/bus"
	"github.com/redstone/orderflow/internal/inbox"
	"github.com/redstone/orderflow/internal/redstone"
)

// Service charges orders and refunds them on request. The bank call runs
// inside the consumer transaction, so the payment row, the ledger entry and
// the outgoing event commit together or the message is retried.
type Service struct {
	Store Store
	Bank  Bank
	Log   *redstone.Logger
	Now   func() time.Time
}

func (s *Service) Routes(r *bus.Router) {
	r.Handle(redstone.TypeOrderCreated, s.orderCreated)
	r.Handle(redstone.TypeRefundRequested, s.refundRequested)
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func (s *Service) inTx() inbox.InTx[Tx] { return s.Store.InTx }

func (s *Service) orderCreated(ctx context.Context, env redstone.Envelope) error {
	var ev redstone.OrderCreated
	if err := env.Decode(&ev); err != nil {
		return bus.Permanent(err)
	}
	s.Log.Info(ctx, "OrderCreated consumed", map[string]any{"order_id": ev.OrderID, "amount": ev.Amount, "currency": ev.Currency, "message_id": env.EventID})

	var out *redstone.Envelope
	res, err := inbox.Handle(ctx, s.inTx(), env, func(ctx context.Context, tx Tx) error {
		out = nil
		if _, err := tx.Payment(ctx, ev.OrderID); err == nil {
			s.Log.Info(ctx, "order already charged, skipping", map[string]any{"order_id": ev.OrderID})
			return nil
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		now := s.now()
		p := &Payment{OrderID: ev.OrderID, Amount: ev.Amount, Currency: ev.Currency, CreatedAt: now, UpdatedAt: now}
		var event redstone.Event

		auth, err := s.Bank.Charge(ctx, ev.Amount, ev.Currency)
		if err != nil {
			reason, ok := declineReason("", err)
			if !ok {
				return err
			}
			p.Status, p.FailReason = Declined, reason
			event = redstone.PaymentFailed{OrderID: ev.OrderID, Reason: reason, FailedAtUTC: now}
		} else {
			p.Status, p.AuthCode, p.PaymentID = Succeeded, auth, uuid.NewString()
			event = redstone.PaymentSucceeded{
				OrderID:        ev.OrderID,
				CustomerID:     ev.CustomerID,
				PaymentID:      p.PaymentID,
				Amount:         ev.Amount,
				Currency:       ev.Currency,
				SucceededAtUTC: now,
			}
		}

		if err := tx.InsertPayment(ctx, p); err != nil {
			return err
		}
		e, err := redstone.NewEnvelope(event)
		if err != nil {
			return err
		}
		out = &e
		return tx.Enqueue(ctx, e)
	})
	if err != nil {
		s.Log.Error(ctx, "OrderCreated failed", map[string]any{"order_id": ev.OrderID, "message_id": env.EventID, "err": err})
		return err
	}
	if res != inbox.Applied {
		inbox.LogResult(ctx, s.Log, env, res)
		return nil
	}
	if out != nil {
		s.Log.Info(ctx, out.EventType+" enqueued", map[string]any{"order_id": ev.OrderID})
	}
	return nil
}

func (s *Service) refundRequested(ctx context.Context, env redstone.Envelope) error {
	var ev redstone.RefundRequested
	if err := env.Decode(&ev); err != nil {
		return bus.Permanent(err)
	}
	s.Log.Info(ctx, "RefundRequested consumed", map[string]any{"order_id": ev.OrderID, "amount": ev.Amount, "currency": ev.Currency, "reason": ev.Reason, "message_id": env.EventID})

	res, err := inbox.Handle(ctx, s.inTx(), env, func(ctx context.Context, tx Tx) error {
		p, err := tx.Payment(ctx, ev.OrderID)
		if errors.Is(err, ErrNotFound) {
			return inbox.ErrAggregateMissing
		}
		if err != nil {
			return err
		}
		if p.Status != Succeeded {
			s.Log.Warn(ctx, "payment not refundable, skipping", map[string]any{"order_id": ev.OrderID, "status": p.Status})
			return nil
		}

		now := s.now()
		refundID, err := s.Bank.Refund(ctx, p.PaymentID, ev.Amount, ev.Currency)
		if err != nil {
			reason, ok := declineReason("refund_", err)
			if !ok {
				return err
			}
			s.Log.Warn(ctx, "refund failed", map[string]any{"order_id": ev.OrderID, "reason": reason})
			p.Status, p.FailReason, p.UpdatedAt = RefundFailed, reason, now
			return tx.SavePayment(ctx, p)
		}

		p.Status, p.RefundID, p.UpdatedAt = Refunded, refundID, now
		if err := tx.SavePayment(ctx, p); err != nil {
			return err
		}
		e, err := redstone.NewEnvelope(redstone.PaymentRefunded{
			OrderID:       ev.OrderID,
			PaymentID:     p.PaymentID,
			Amount:        ev.Amount,
			Currency:      ev.Currency,
			RefundID:      refundID,
			RefundedAtUTC: now,
		})
		if err != nil {
			return err
		}
		return tx.Enqueue(ctx, e)
	})
	if err != nil {
		s.Log.Error(ctx, "RefundRequested failed", map[string]any{"order_id": ev.OrderID, "message_id": env.EventID, "err": err})
		return err
	}
	inbox.LogResult(ctx, s.Log, env, res)
	return nil
}
