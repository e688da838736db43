package orders

import (
	"context"
	"errors"
	"time"

	"github.com/redstone/orderflow/internal/basket"
	"github.com/redstone/orderflow/internal/bus"
	"github.com/redstone/orderflow/internal/inbox"
	"github.com/redstone/orderflow/internal/redstone"
)

// Projector keeps the order read model in step with the fulfilment events.
// Each event is applied at most once through the inbox ledger.
type Projector struct {
	Store   Store
	Baskets basket.Store
	Log     *redstone.Logger
	Now     func() time.Time
}

func (p *Projector) Routes(r *bus.Router) {
	r.Handle(redstone.TypePaymentSucceeded, p.paymentSucceeded)
	r.Handle(redstone.TypeStockReserved, p.project(func(o *Order, ev redstone.Event, now time.Time) {
		stamp(&o.StockReservedAt, ev.(redstone.StockReserved).ReservedAtUTC)
		o.advance(StockReserved, now)
	}))
	r.Handle(redstone.TypeReceiptEmailSent, p.project(func(o *Order, ev redstone.Event, now time.Time) {
		stamp(&o.EmailSentAt, ev.(redstone.ReceiptEmailSent).SentAtUTC)
		o.advance(EmailSent, now)
	}))
	r.Handle(redstone.TypeOrderCompleted, p.project(func(o *Order, ev redstone.Event, now time.Time) {
		stamp(&o.CompletedAt, ev.(redstone.OrderCompleted).CompletedAtUTC)
		o.advance(Completed, now)
	}))
	r.Handle(redstone.TypeOrderFailed, p.project(func(o *Order, ev redstone.Event, now time.Time) {
		e := ev.(redstone.OrderFailed)
		p.fail(o, e.FailedAtUTC, e.Reason, now)
	}))
	// the compensation path ends the saga with a refund request only
	r.Handle(redstone.TypeRefundRequested, p.project(func(o *Order, ev redstone.Event, now time.Time) {
		e := ev.(redstone.RefundRequested)
		p.fail(o, e.RequestedAtUTC, e.Reason, now)
	}))
	r.Handle(redstone.TypePaymentRefunded, p.paymentRefunded)
}

func (p *Projector) now() time.Time {
	if p.Now == nil {
		return time.Now().UTC()
	}
	return p.Now().UTC()
}

func (p *Projector) inTx() inbox.InTx[Tx] { return p.Store.InTx }

func (p *Projector) fail(o *Order, at time.Time, reason string, now time.Time) {
	if o.Status == Completed {
		return
	}
	if o.FailedAt == nil {
		o.FailReason = reason
	}
	stamp(&o.FailedAt, at)
	o.advance(Failed, now)
}

// project builds a handler that loads the order, applies fn, saves it and
// appends the event to the order's timeline.
func (p *Projector) project(fn func(o *Order, ev redstone.Event, now time.Time)) bus.Handler {
	return func(ctx context.Context, env redstone.Envelope) error {
		ev, err := env.DecodeEvent()
		if err != nil {
			return bus.Permanent(err)
		}
		res, err := inbox.Handle(ctx, p.inTx(), env, func(ctx context.Context, tx Tx) error {
			o, err := tx.Order(ctx, ev.AggregateID())
			if errors.Is(err, ErrNotFound) {
				return inbox.ErrAggregateMissing
			}
			if err != nil {
				return err
			}
			fn(o, ev, p.now())
			if err := tx.SaveOrder(ctx, o); err != nil {
				return err
			}
			return tx.AppendEvent(ctx, o.ID, env.EventType, env.Payload)
		})
		if err != nil {
			return err
		}
		p.logResult(ctx, env, res)
		return nil
	}
}

func (p *Projector) paymentSucceeded(ctx context.Context, env redstone.Envelope) error {
	var ev redstone.PaymentSucceeded
	if err := env.Decode(&ev); err != nil {
		return bus.Permanent(err)
	}

	customerID := ev.CustomerID
	res, err := inbox.Handle(ctx, p.inTx(), env, func(ctx context.Context, tx Tx) error {
		o, err := tx.Order(ctx, ev.OrderID)
		if errors.Is(err, ErrNotFound) {
			return inbox.ErrAggregateMissing
		}
		if err != nil {
			return err
		}
		now := p.now()
		stamp(&o.PaidAt, ev.SucceededAtUTC)
		o.advance(Paid, now)
		if err := tx.SaveOrder(ctx, o); err != nil {
			return err
		}
		if customerID == "" {
			customerID = o.CustomerID
		}

		pay, err := tx.Payment(ctx, ev.OrderID)
		if errors.Is(err, ErrNotFound) {
			pay = &Payment{OrderID: ev.OrderID, Amount: ev.Amount, Currency: ev.Currency, CreatedAt: now}
		} else if err != nil {
			return err
		}
		pay.PaymentID = ev.PaymentID
		if pay.Status != PaymentRefunded {
			pay.Status = PaymentSucceeded
		}
		pay.UpdatedAt = now
		if err := tx.SavePayment(ctx, pay); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, o.ID, env.EventType, env.Payload)
	})
	if err != nil {
		return err
	}
	p.logResult(ctx, env, res)
	if res != inbox.Applied {
		return nil
	}

	// after commit and best effort: a stale basket is not worth a retry
	if customerID == "" {
		customerID = basket.Anonymous
	}
	if p.Baskets != nil {
		if err := p.Baskets.Clear(ctx, customerID); err != nil {
			p.Log.Warn(ctx, "basket clear failed", map[string]any{"err": err, "customer_id": customerID, "order_id": ev.OrderID})
		}
	}
	return nil
}

func (p *Projector) paymentRefunded(ctx context.Context, env redstone.Envelope) error {
	var ev redstone.PaymentRefunded
	if err := env.Decode(&ev); err != nil {
		return bus.Permanent(err)
	}
	res, err := inbox.Handle(ctx, p.inTx(), env, func(ctx context.Context, tx Tx) error {
		if _, err := tx.Order(ctx, ev.OrderID); errors.Is(err, ErrNotFound) {
			return inbox.ErrAggregateMissing
		} else if err != nil {
			return err
		}
		now := p.now()
		pay, err := tx.Payment(ctx, ev.OrderID)
		if errors.Is(err, ErrNotFound) {
			pay = &Payment{OrderID: ev.OrderID, PaymentID: ev.PaymentID, Amount: ev.Amount, Currency: ev.Currency, CreatedAt: now}
		} else if err != nil {
			return err
		}
		pay.Status = PaymentRefunded
		pay.RefundID = ev.RefundID
		pay.UpdatedAt = now
		if err := tx.SavePayment(ctx, pay); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, ev.OrderID, env.EventType, env.Payload)
	})
	if err != nil {
		return err
	}
	p.logResult(ctx, env, res)
	return nil
}

func (p *Projector) logResult(ctx context.Context, env redstone.Envelope, res inbox.Result) {
	if res == inbox.Applied {
		p.Log.Info(ctx, "order updated", map[string]any{"order_id": env.OrderID, "event_type": env.EventType, "message_id": env.EventID})
		return
	}
	inbox.LogResult(ctx, p.Log, env, res)
}
