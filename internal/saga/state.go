// Package saga coordinates order fulfilment across the payment, stock and
// email services. One Instance per order id reacts to their events in any
// arrival order and ends in exactly one of Completed or Failed, at which
// point the instance is deleted and a tombstone keeps late events out.
package saga

import (
	"errors"
	"time"
)

type State string

const (
	WaitingPayment State = "WaitingPayment"
	Paid           State = "Paid"
	StockReserved  State = "StockReserved"
	Completed      State = "Completed"
	Failed         State = "Failed"
)

func (s State) Terminal() bool { return s == Completed || s == Failed }

var (
	ErrNotFound = errors.New("saga: instance not found")
	// ErrConflict means another handler changed the instance first; the
	// whole invocation must be re-run against the latest row.
	ErrConflict = errors.New("saga: concurrent update")
)

// Instance is the persisted progress of one order. OrderID is both the
// business key and the correlation id. Timestamps are written at most once.
type Instance struct {
	OrderID             string     `json:"order_id"`
	State               State      `json:"current_state"`
	Amount              *int64     `json:"amount,omitempty"`
	Currency            string     `json:"currency,omitempty"`
	PaidAt              *time.Time `json:"paid_at,omitempty"`
	StockReservedAt     *time.Time `json:"stock_reserved_at,omitempty"`
	EmailSentAt         *time.Time `json:"email_sent_at,omitempty"`
	EmailFailReason     string     `json:"email_fail_reason,omitempty"`
	FailedAt            *time.Time `json:"failed_at,omitempty"`
	FailReason          string     `json:"fail_reason,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	PaymentTimeoutToken string     `json:"payment_timeout_token,omitempty"`
	Version             int64      `json:"version"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// HasAmount reports whether a refund can be issued.
func (i *Instance) HasAmount() bool {
	return i.Amount != nil && i.Currency != ""
}

// ReadyToComplete is the completion predicate. The email outcome is not
// part of it.
func (i *Instance) ReadyToComplete() bool {
	return i.PaidAt != nil && i.StockReservedAt != nil && i.CompletedAt == nil && i.FailedAt == nil
}

func (i *Instance) clone() *Instance {
	c := *i
	c.Amount = copyInt(i.Amount)
	c.PaidAt = copyTime(i.PaidAt)
	c.StockReservedAt = copyTime(i.StockReservedAt)
	c.EmailSentAt = copyTime(i.EmailSentAt)
	c.FailedAt = copyTime(i.FailedAt)
	c.CompletedAt = copyTime(i.CompletedAt)
	return &c
}

// setOnce writes t into *dst unless already set and reports whether it wrote.
func setOnce(dst **time.Time, t time.Time) bool {
	if *dst != nil {
		return false
	}
	t = t.UTC()
	*dst = &t
	return true
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func copyInt(n *int64) *int64 {
	if n == nil {
		return nil
	}
	c := *n
	return &c
}
