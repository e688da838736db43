package saga

import (
	"time"

	"github.com/redstone/orderflow/internal/redstone"
)

// DefaultPaymentTimeout is how long an order may wait for its payment outcome.
const DefaultPaymentTimeout = 30 * time.Second

const timeoutReason = "payment_timeout"

type EffectKind int

const (
	// Publish emits Event through the outbox.
	Publish EffectKind = iota
	// ScheduleTimeout arranges delivery of Event after Delay; the engine
	// stores the returned token on the instance.
	ScheduleTimeout
	// CancelTimeout asks the scheduler to drop the message behind Token.
	CancelTimeout
)

type Effect struct {
	Kind  EffectKind
	Event redstone.Event
	Delay time.Duration
	Token string
}

// Decision is the outcome of one event against one instance.
type Decision struct {
	// Instance is the new state. It is nil when the event was discarded
	// without an instance to keep.
	Instance *Instance
	Effects  []Effect
	// Created is set when the event opened a new instance.
	Created bool
	// Finalize is set when Instance reached a terminal state and must be
	// deleted.
	Finalize bool
	// Discard is set when the event does not apply; nothing is written.
	Discard bool
	// Noop is set when the event applied but changed nothing (a duplicate
	// outcome already recorded).
	Noop bool
	// Reason explains a discard, for logs.
	Reason string
}

// Machine holds the transition table. Apply is pure apart from Now.
type Machine struct {
	PaymentTimeout time.Duration
	Now            func() time.Time
}

func NewMachine(timeout time.Duration) *Machine {
	if timeout <= 0 {
		timeout = DefaultPaymentTimeout
	}
	return &Machine{PaymentTimeout: timeout, Now: time.Now}
}

// Apply computes the transition of cur (nil when no instance exists) for ev.
// timeoutToken is the token carried by a delivered payment timeout, if any.
// cur is never modified.
func (m *Machine) Apply(cur *Instance, ev redstone.Event, timeoutToken string) Decision {
	if cur != nil && cur.State.Terminal() {
		return discard("instance already finalized")
	}

	switch e := ev.(type) {
	case redstone.OrderCreated:
		return m.orderCreated(cur, e)
	case redstone.PaymentSucceeded:
		return m.paymentSucceeded(cur, e)
	case redstone.PaymentFailed:
		return m.paymentFailed(cur, e)
	case redstone.PaymentTimeoutExpired:
		return m.paymentTimeout(cur, timeoutToken)
	case redstone.StockReserved:
		return m.stockReserved(cur, e)
	case redstone.StockReserveFailed:
		return m.stockReserveFailed(cur, e)
	case redstone.ReceiptEmailSent:
		return m.email(cur, e.OrderID, func(i *Instance) bool { return setOnce(&i.EmailSentAt, e.SentAtUTC) })
	case redstone.ReceiptEmailFailed:
		return m.email(cur, e.OrderID, func(i *Instance) bool {
			if i.EmailFailReason != "" {
				return false
			}
			i.EmailFailReason = e.Reason
			return true
		})
	}
	return discard("event not handled by the saga")
}

func (m *Machine) now() time.Time {
	if m.Now == nil {
		return time.Now().UTC()
	}
	return m.Now().UTC()
}

func (m *Machine) open(orderID string, state State) *Instance {
	now := m.now()
	return &Instance{OrderID: orderID, State: state, CreatedAt: now, UpdatedAt: now}
}

// waitForPayment opens inst in WaitingPayment with a fresh payment timeout.
func (m *Machine) waitForPayment(inst *Instance) Decision {
	inst.State = WaitingPayment
	return Decision{
		Instance: inst,
		Created:  true,
		Effects: []Effect{{
			Kind:  ScheduleTimeout,
			Event: redstone.PaymentTimeoutExpired{OrderID: inst.OrderID},
			Delay: m.PaymentTimeout,
		}},
	}
}

func (m *Machine) orderCreated(cur *Instance, e redstone.OrderCreated) Decision {
	if cur == nil {
		inst := m.open(e.OrderID, WaitingPayment)
		setAmount(inst, e.Amount, e.Currency)
		return m.waitForPayment(inst)
	}

	// late OrderCreated only fills what is missing
	next := cur.clone()
	if next.HasAmount() {
		return noop(next)
	}
	setAmount(next, e.Amount, e.Currency)
	return m.progress(next, nil)
}

func (m *Machine) paymentSucceeded(cur *Instance, e redstone.PaymentSucceeded) Decision {
	if cur == nil {
		inst := m.open(e.OrderID, Paid)
		setAmount(inst, e.Amount, e.Currency)
		setOnce(&inst.PaidAt, e.SucceededAtUTC)
		return Decision{Instance: inst, Created: true}
	}

	next := cur.clone()
	if !setOnce(&next.PaidAt, e.SucceededAtUTC) {
		return noop(next)
	}
	setAmount(next, e.Amount, e.Currency)

	if next.FailedAt != nil {
		effects := cancelTimeout(next)
		if !next.HasAmount() {
			return m.fail(next, append(effects, publish(redstone.OrderFailed{OrderID: next.OrderID, Reason: next.FailReason, FailedAtUTC: m.now()})))
		}
		return m.fail(next, append(effects, publish(m.refund(next, "stock_failed: "+next.FailReason))))
	}

	var effects []Effect
	if next.State == WaitingPayment {
		effects = cancelTimeout(next)
		next.State = Paid
	}
	if next.ReadyToComplete() {
		return m.complete(next, effects)
	}
	return m.progress(next, effects)
}

func (m *Machine) paymentFailed(cur *Instance, e redstone.PaymentFailed) Decision {
	reason := orDefault(e.Reason, "Payment failed")
	if cur == nil {
		inst := m.open(e.OrderID, Failed)
		setOnce(&inst.FailedAt, e.FailedAtUTC)
		inst.FailReason = reason
		return Decision{
			Instance: inst,
			Created:  true,
			Finalize: true,
			Effects:  []Effect{publish(redstone.OrderFailed{OrderID: e.OrderID, Reason: reason, FailedAtUTC: m.now()})},
		}
	}

	next := cur.clone()
	effects := cancelTimeout(next)
	m.recordFailure(next, e.FailedAtUTC, reason)

	// a conflicting failure after a captured payment must give the money back
	if next.PaidAt != nil && next.HasAmount() {
		return m.fail(next, append(effects, publish(m.refund(next, "payment_failed: "+reason))))
	}
	return m.fail(next, append(effects, publish(redstone.OrderFailed{OrderID: next.OrderID, Reason: reason, FailedAtUTC: m.now()})))
}

func (m *Machine) paymentTimeout(cur *Instance, token string) Decision {
	if cur == nil {
		return discard("payment timeout for unknown order")
	}
	if cur.State != WaitingPayment {
		return discard("payment timeout outside WaitingPayment")
	}
	if token != "" && cur.PaymentTimeoutToken != "" && token != cur.PaymentTimeoutToken {
		return discard("stale payment timeout")
	}

	next := cur.clone()
	next.PaymentTimeoutToken = ""
	m.recordFailure(next, m.now(), timeoutReason)

	// the charge may have gone through unseen, so refund whenever we can
	if next.HasAmount() {
		return m.fail(next, []Effect{publish(m.refund(next, timeoutReason))})
	}
	return m.fail(next, []Effect{publish(redstone.OrderFailed{OrderID: next.OrderID, Reason: timeoutReason, FailedAtUTC: m.now()})})
}

func (m *Machine) stockReserved(cur *Instance, e redstone.StockReserved) Decision {
	if cur == nil {
		inst := m.open(e.OrderID, StockReserved)
		setOnce(&inst.StockReservedAt, e.ReservedAtUTC)
		return Decision{Instance: inst, Created: true}
	}

	next := cur.clone()
	if !setOnce(&next.StockReservedAt, e.ReservedAtUTC) {
		return noop(next)
	}
	if next.ReadyToComplete() {
		return m.complete(next, nil)
	}
	// WaitingPayment keeps its state so the payment timeout stays armed
	if next.State == Paid {
		next.State = StockReserved
	}
	return m.progress(next, nil)
}

func (m *Machine) stockReserveFailed(cur *Instance, e redstone.StockReserveFailed) Decision {
	reason := orDefault(e.Reason, "Stock reserve failed")
	if cur == nil {
		// stock only fails after a charge, so hold the failure until the
		// payment outcome brings the amount to refund
		inst := m.open(e.OrderID, WaitingPayment)
		m.recordFailure(inst, e.FailedAtUTC, reason)
		return m.waitForPayment(inst)
	}

	next := cur.clone()
	effects := cancelTimeout(next)
	m.recordFailure(next, e.FailedAtUTC, reason)

	if next.HasAmount() {
		return m.fail(next, append(effects, publish(m.refund(next, "stock_failed: "+reason))))
	}
	return m.fail(next, append(effects, publish(redstone.OrderFailed{OrderID: next.OrderID, Reason: reason, FailedAtUTC: m.now()})))
}

func (m *Machine) email(cur *Instance, orderID string, record func(*Instance) bool) Decision {
	if cur == nil {
		inst := m.open(orderID, WaitingPayment)
		record(inst)
		return m.waitForPayment(inst)
	}

	next := cur.clone()
	if !record(next) {
		return noop(next)
	}
	if next.ReadyToComplete() {
		return m.complete(next, nil)
	}
	return m.progress(next, nil)
}

func (m *Machine) complete(next *Instance, effects []Effect) Decision {
	now := m.now()
	effects = append(effects, cancelTimeout(next)...)
	next.CompletedAt = &now
	next.State = Completed
	next.UpdatedAt = now
	return Decision{
		Instance: next,
		Finalize: true,
		Effects:  append(effects, publish(redstone.OrderCompleted{OrderID: next.OrderID, CompletedAtUTC: now})),
	}
}

func (m *Machine) fail(next *Instance, effects []Effect) Decision {
	next.State = Failed
	next.UpdatedAt = m.now()
	return Decision{Instance: next, Finalize: true, Effects: effects}
}

func (m *Machine) progress(next *Instance, effects []Effect) Decision {
	next.UpdatedAt = m.now()
	return Decision{Instance: next, Effects: effects}
}

func (m *Machine) recordFailure(i *Instance, at time.Time, reason string) {
	if setOnce(&i.FailedAt, at) {
		i.FailReason = reason
	}
}

func (m *Machine) refund(i *Instance, reason string) redstone.RefundRequested {
	return redstone.RefundRequested{
		OrderID:        i.OrderID,
		Amount:         *i.Amount,
		Currency:       i.Currency,
		Reason:         reason,
		RequestedAtUTC: m.now(),
	}
}

// cancelTimeout clears the instance's timeout token and returns the effect
// cancelling it, if one was armed.
func cancelTimeout(i *Instance) []Effect {
	if i.PaymentTimeoutToken == "" {
		return nil
	}
	token := i.PaymentTimeoutToken
	i.PaymentTimeoutToken = ""
	return []Effect{{Kind: CancelTimeout, Token: token}}
}

func setAmount(i *Instance, amount int64, currency string) {
	if currency == "" {
		return
	}
	i.Amount = &amount
	i.Currency = currency
}

func publish(ev redstone.Event) Effect { return Effect{Kind: Publish, Event: ev} }

func discard(reason string) Decision { return Decision{Discard: true, Reason: reason} }

func noop(i *Instance) Decision { return Decision{Instance: i, Noop: true} }

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
