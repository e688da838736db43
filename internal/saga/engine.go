package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redstone/orderflow/internal/bus"
	"github.com/redstone/orderflow/internal/inbox"
	"github.com/redstone/orderflow/internal/redstone"
)

// Tx is one atomic unit of saga work: instance row, tombstones, ledger and
// outgoing messages commit or roll back together.
type Tx interface {
	inbox.Ledger

	// Lock serializes the transactions of one order until commit. Every
	// read of the instance or its tombstone happens after it.
	Lock(ctx context.Context, orderID string) error
	// Load returns ErrNotFound when no live instance exists.
	Load(ctx context.Context, orderID string) (*Instance, error)
	// Insert fails with ErrConflict when the row already exists.
	Insert(ctx context.Context, inst *Instance) error
	// Update writes inst if its Version still matches the stored row and
	// bumps the version; otherwise ErrConflict.
	Update(ctx context.Context, inst *Instance) error
	// Delete removes the row at the given version; otherwise ErrConflict.
	Delete(ctx context.Context, orderID string, version int64) error

	Finalized(ctx context.Context, orderID string) (bool, error)
	MarkFinalized(ctx context.Context, orderID string, state State) error

	Publish(ctx context.Context, env redstone.Envelope) error
	Schedule(ctx context.Context, env redstone.Envelope, delay time.Duration) (string, error)
	Cancel(ctx context.Context, token string) error
}

type Store interface {
	InTx(ctx context.Context, fn func(Tx) error) error
	Get(ctx context.Context, orderID string) (*Instance, error)
}

// Engine runs saga transitions against a Store.
type Engine struct {
	Store   Store
	Machine *Machine
	Log     *redstone.Logger
	// MaxConflicts bounds how often one delivery is re-run after losing a
	// concurrency race before the error goes back to the bus.
	MaxConflicts int
}

func NewEngine(store Store, machine *Machine, log *redstone.Logger) *Engine {
	return &Engine{Store: store, Machine: machine, Log: log, MaxConflicts: 10}
}

// Routes registers the engine for every event type it correlates.
func (e *Engine) Routes(r *bus.Router) {
	for _, t := range []string{
		redstone.TypeOrderCreated,
		redstone.TypePaymentSucceeded,
		redstone.TypePaymentFailed,
		redstone.TypePaymentTimeoutExpired,
		redstone.TypeStockReserved,
		redstone.TypeStockReserveFailed,
		redstone.TypeReceiptEmailSent,
		redstone.TypeReceiptEmailFailed,
	} {
		r.Handle(t, e.Handle)
	}
}

// Handle is the bus handler. It returns only infrastructure errors.
func (e *Engine) Handle(ctx context.Context, env redstone.Envelope) error {
	ev, err := env.DecodeEvent()
	if err != nil {
		return bus.Permanent(err)
	}
	token := bus.Header(ctx, "timeout_token")

	limit := e.MaxConflicts
	if limit <= 0 {
		limit = 1
	}
	for attempt := 1; attempt <= limit; attempt++ {
		var out outcome
		err = e.Store.InTx(ctx, func(tx Tx) error {
			var err error
			out, err = e.apply(ctx, tx, env, ev, token)
			return err
		})
		switch {
		case err == nil:
			e.logOutcome(ctx, env, out)
			return nil
		case errors.Is(err, inbox.ErrDuplicate):
			e.logOutcome(ctx, env, outcome{duplicate: true})
			return nil
		case errors.Is(err, ErrConflict):
			e.Log.Warn(ctx, "saga concurrency conflict, reloading", map[string]any{"order_id": env.OrderID, "event_type": env.EventType, "attempt": attempt})
			continue
		default:
			return fmt.Errorf("saga %s %s: %w", env.OrderID, env.EventType, err)
		}
	}
	return fmt.Errorf("saga %s %s: %w after %d attempts", env.OrderID, env.EventType, ErrConflict, limit)
}

type outcome struct {
	duplicate bool
	from      State
	decision  Decision
}

func (e *Engine) apply(ctx context.Context, tx Tx, env redstone.Envelope, ev redstone.Event, token string) (outcome, error) {
	orderID := ev.AggregateID()
	if err := tx.Lock(ctx, orderID); err != nil {
		return outcome{}, err
	}

	seen, err := tx.Processed(ctx, env.EventID)
	if err != nil {
		return outcome{}, err
	}
	if seen {
		return outcome{duplicate: true}, nil
	}

	cur, err := tx.Load(ctx, orderID)
	if errors.Is(err, ErrNotFound) {
		cur = nil
	} else if err != nil {
		return outcome{}, err
	}

	var out outcome
	if cur == nil {
		done, err := tx.Finalized(ctx, orderID)
		if err != nil {
			return outcome{}, err
		}
		if done {
			out.decision = discard("order already finalized")
			return out, tx.MarkProcessed(ctx, inbox.RecordFor(env))
		}
	} else {
		out.from = cur.State
	}

	d := e.Machine.Apply(cur, ev, token)
	out.decision = d
	if d.Discard {
		return out, tx.MarkProcessed(ctx, inbox.RecordFor(env))
	}

	if err := e.runEffects(ctx, tx, d); err != nil {
		return outcome{}, err
	}
	if err := e.persist(ctx, tx, cur, d); err != nil {
		return outcome{}, err
	}
	return out, tx.MarkProcessed(ctx, inbox.RecordFor(env))
}

func (e *Engine) runEffects(ctx context.Context, tx Tx, d Decision) error {
	for _, eff := range d.Effects {
		switch eff.Kind {
		case Publish:
			env, err := redstone.NewEnvelope(eff.Event)
			if err != nil {
				return err
			}
			if err := tx.Publish(ctx, env); err != nil {
				return err
			}
		case ScheduleTimeout:
			env, err := redstone.NewEnvelope(eff.Event)
			if err != nil {
				return err
			}
			token, err := tx.Schedule(ctx, env, eff.Delay)
			if err != nil {
				return err
			}
			d.Instance.PaymentTimeoutToken = token
		case CancelTimeout:
			if err := tx.Cancel(ctx, eff.Token); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) persist(ctx context.Context, tx Tx, cur *Instance, d Decision) error {
	switch {
	case d.Finalize:
		if cur != nil {
			if err := tx.Delete(ctx, cur.OrderID, cur.Version); err != nil {
				return err
			}
		}
		return tx.MarkFinalized(ctx, d.Instance.OrderID, d.Instance.State)
	case d.Noop:
		return nil
	case cur == nil:
		return tx.Insert(ctx, d.Instance)
	default:
		return tx.Update(ctx, d.Instance)
	}
}

func (e *Engine) logOutcome(ctx context.Context, env redstone.Envelope, out outcome) {
	fields := map[string]any{"order_id": env.OrderID, "event_type": env.EventType, "message_id": env.EventID}
	switch {
	case out.duplicate:
		e.Log.Info(ctx, "message already processed, skipping", fields)
	case out.decision.Discard:
		fields["reason"] = out.decision.Reason
		e.Log.Info(ctx, "saga event discarded", fields)
	case out.decision.Noop:
		e.Log.Info(ctx, "saga event already recorded", fields)
	default:
		if out.from != "" {
			fields["from"] = string(out.from)
		}
		fields["to"] = string(out.decision.Instance.State)
		if out.decision.Finalize {
			e.Log.Info(ctx, "saga finalized", fields)
			return
		}
		e.Log.Info(ctx, "saga transition", fields)
	}
}
