// Package orders owns the customer facing order: creation behind an
// idempotency key and a read model that follows the fulfilment events.
package orders

import (
	"errors"
	"time"
)

type Status string

const (
	PendingPayment Status = "PendingPayment"
	Paid           Status = "Paid"
	StockReserved  Status = "StockReserved"
	EmailSent      Status = "EmailSent"
	Completed      Status = "Completed"
	Failed         Status = "Failed"
)

var rank = map[Status]int{
	PendingPayment: 0,
	Paid:           1,
	StockReserved:  2,
	EmailSent:      3,
	Completed:      4,
	Failed:         4,
}

func (s Status) Terminal() bool { return s == Completed || s == Failed }

var (
	ErrNotFound = errors.New("order not found")
	// ErrKeyTaken means a concurrent request inserted the same idempotency key.
	ErrKeyTaken = errors.New("idempotency key taken")
)

type Order struct {
	ID              string     `json:"id"`
	CustomerID      string     `json:"customer_id"`
	Amount          int64      `json:"amount"`
	Currency        string     `json:"currency"`
	Status          Status     `json:"status"`
	CorrelationID   string     `json:"correlation_id,omitempty"`
	PaidAt          *time.Time `json:"paid_at_utc,omitempty"`
	StockReservedAt *time.Time `json:"stock_reserved_at_utc,omitempty"`
	EmailSentAt     *time.Time `json:"email_sent_at_utc,omitempty"`
	CompletedAt     *time.Time `json:"completed_at_utc,omitempty"`
	FailedAt        *time.Time `json:"failed_at_utc,omitempty"`
	FailReason      string     `json:"fail_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at_utc"`
	UpdatedAt       time.Time  `json:"updated_at_utc"`
	Payment         *Payment   `json:"payment,omitempty"`
}

type PaymentStatus string

const (
	PaymentSucceeded PaymentStatus = "Succeeded"
	PaymentRefunded  PaymentStatus = "Refunded"
)

// Payment is the order service's copy of the payment outcome.
type Payment struct {
	OrderID   string        `json:"-"`
	PaymentID string        `json:"payment_id"`
	Status    PaymentStatus `json:"status"`
	Amount    int64         `json:"amount"`
	Currency  string        `json:"currency"`
	RefundID  string        `json:"refund_id,omitempty"`
	CreatedAt time.Time     `json:"created_at_utc"`
	UpdatedAt time.Time     `json:"updated_at_utc"`
}

// advance moves the status forward by rank. Terminal statuses never change,
// so an event arriving late cannot pull an order back.
func (o *Order) advance(s Status, now time.Time) {
	if o.Status.Terminal() {
		return
	}
	if s == Failed || rank[s] > rank[o.Status] {
		o.Status = s
	}
	o.UpdatedAt = now
}

func stamp(dst **time.Time, t time.Time) {
	if *dst != nil {
		return
	}
	t = t.UTC()
	*dst = &t
}
