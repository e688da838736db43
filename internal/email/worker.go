// Package email sends the payment receipt. A failed send is retried by the
// bus; the attempt that reaches FinalAttempt reports ReceiptEmailFailed
// instead of failing again, so the order is never held up by its email.
package email

import (
	"context"
	"fmt"
	"time"

	"github.com/redstone/orderflow/internal/bus"
	"github.com/redstone/orderflow/internal/inbox"
	"github.com/redstone/orderflow/internal/redstone"
)

const DefaultFinalAttempt = 2

type Receipt struct {
	OrderID    string
	CustomerID string
	To         string
	Amount     int64
	Currency   string
}

type Mailer interface {
	Send(ctx context.Context, r Receipt) error
}

// LogMailer writes receipts to the log. FailAbove > 0 rejects receipts over
// that amount, which is how local runs exercise the failure path.
type LogMailer struct {
	Log       *redstone.Logger
	FailAbove int64
}

func (m LogMailer) Send(ctx context.Context, r Receipt) error {
	if m.FailAbove > 0 && r.Amount > m.FailAbove {
		return fmt.Errorf("smtp rejected receipt for %s", r.OrderID)
	}
	m.Log.Info(ctx, "receipt sent", map[string]any{"order_id": r.OrderID, "to": r.To, "amount": r.Amount, "currency": r.Currency})
	return nil
}

type Tx interface {
	inbox.Ledger
	Enqueue(ctx context.Context, env redstone.Envelope) error
}

type Store interface {
	InTx(ctx context.Context, fn func(Tx) error) error
}

type Worker struct {
	Store  Store
	Mailer Mailer
	Log    *redstone.Logger
	// Recipient stands in for the customer directory.
	Recipient    string
	FinalAttempt int
	Now          func() time.Time
}

func (w *Worker) Routes(r *bus.Router) {
	r.Handle(redstone.TypePaymentSucceeded, w.paymentSucceeded)
}

func (w *Worker) now() time.Time {
	if w.Now == nil {
		return time.Now().UTC()
	}
	return w.Now().UTC()
}

func (w *Worker) finalAttempt() int {
	if w.FinalAttempt <= 0 {
		return DefaultFinalAttempt
	}
	return w.FinalAttempt
}

func (w *Worker) recipient() string {
	if w.Recipient == "" {
		return "customer@example.com"
	}
	return w.Recipient
}

func (w *Worker) paymentSucceeded(ctx context.Context, env redstone.Envelope) error {
	var ev redstone.PaymentSucceeded
	if err := env.Decode(&ev); err != nil {
		return bus.Permanent(err)
	}
	attempt := bus.Attempt(ctx)
	w.Log.Info(ctx, "sending receipt email", map[string]any{"order_id": ev.OrderID, "retry_attempt": attempt})

	var gaveUp bool
	res, err := inbox.Handle(ctx, inbox.InTx[Tx](w.Store.InTx), env, func(ctx context.Context, tx Tx) error {
		gaveUp = false
		receipt := Receipt{OrderID: ev.OrderID, CustomerID: ev.CustomerID, To: w.recipient(), Amount: ev.Amount, Currency: ev.Currency}

		var out redstone.Event = redstone.ReceiptEmailSent{OrderID: ev.OrderID, Email: receipt.To, SentAtUTC: w.now()}
		if err := w.Mailer.Send(ctx, receipt); err != nil {
			w.Log.Warn(ctx, "email sending failed", map[string]any{"order_id": ev.OrderID, "retry_attempt": attempt, "err": err})
			if attempt < w.finalAttempt() {
				return err
			}
			gaveUp = true
			out = redstone.ReceiptEmailFailed{
				OrderID:     ev.OrderID,
				Reason:      fmt.Sprintf("email sending failed after %d attempts: %v", attempt+1, err),
				FailedAtUTC: w.now(),
			}
		}
		e, err := redstone.NewEnvelope(out)
		if err != nil {
			return err
		}
		return tx.Enqueue(ctx, e)
	})
	if err != nil {
		return err
	}
	switch {
	case res != inbox.Applied:
		inbox.LogResult(ctx, w.Log, env, res)
	case gaveUp:
		w.Log.Error(ctx, "ReceiptEmailFailed enqueued after max retries", map[string]any{"order_id": ev.OrderID, "retry_attempt": attempt})
	default:
		w.Log.Info(ctx, "ReceiptEmailSent enqueued", map[string]any{"order_id": ev.OrderID})
	}
	return nil
}
