package payments

import (
	"context"
	"errors"
	"time"

	"github.com/redstone/orderflow/internal/inbox"
	"github.com/redstone/orderflow/internal/redstone"
)

type Status string

const (
	Succeeded    Status = "Succeeded"
	Declined     Status = "Declined"
	Refunded     Status = "Refunded"
	RefundFailed Status = "RefundFailed"
)

var ErrNotFound = errors.New("payment not found")

// Payment is the service's record of one charge attempt per order.
type Payment struct {
	OrderID    string    `json:"order_id"`
	PaymentID  string    `json:"payment_id,omitempty"`
	AuthCode   string    `json:"auth_code,omitempty"`
	Status     Status    `json:"status"`
	Amount     int64     `json:"amount"`
	Currency   string    `json:"currency"`
	FailReason string    `json:"fail_reason,omitempty"`
	RefundID   string    `json:"refund_id,omitempty"`
	CreatedAt  time.Time `json:"created_at_utc"`
	UpdatedAt  time.Time `json:"updated_at_utc"`
}

type Tx interface {
	inbox.Ledger

	// Payment returns ErrNotFound when the order was never charged.
	Payment(ctx context.Context, orderID string) (*Payment, error)
	InsertPayment(ctx context.Context, p *Payment) error
	SavePayment(ctx context.Context, p *Payment) error
	Enqueue(ctx context.Context, env redstone.Envelope) error
}

type Store interface {
	InTx(ctx context.Context, fn func(Tx) error) error
	Get(ctx context.Context, orderID string) (*Payment, error)
}
