package redstone

import "time"

// Event type names as they travel in the envelope's event_type field.
const (
	TypeOrderCreated          = "OrderCreated"
	TypePaymentSucceeded      = "PaymentSucceeded"
	TypePaymentFailed         = "PaymentFailed"
	TypeStockReserved         = "StockReserved"
	TypeStockReserveFailed    = "StockReserveFailed"
	TypeReceiptEmailSent      = "ReceiptEmailSent"
	TypeReceiptEmailFailed    = "ReceiptEmailFailed"
	TypeRefundRequested       = "RefundRequested"
	TypePaymentRefunded       = "PaymentRefunded"
	TypePaymentTimeoutExpired = "PaymentTimeoutExpired"
	TypeOrderCompleted        = "OrderCompleted"
	TypeOrderFailed           = "OrderFailed"
)

// Event is a domain event keyed by the order it belongs to.
type Event interface {
	EventType() string
	AggregateID() string
}

// Amounts are minor currency units.

type OrderCreated struct {
	OrderID      string    `json:"order_id"`
	Amount       int64     `json:"amount"`
	Currency     string    `json:"currency"`
	CustomerID   string    `json:"customer_id"`
	CreatedAtUTC time.Time `json:"created_at_utc"`
}

type PaymentSucceeded struct {
	OrderID        string    `json:"order_id"`
	CustomerID     string    `json:"customer_id"`
	PaymentID      string    `json:"payment_id"`
	Amount         int64     `json:"amount"`
	Currency       string    `json:"currency"`
	SucceededAtUTC time.Time `json:"succeeded_at_utc"`
}

type PaymentFailed struct {
	OrderID     string    `json:"order_id"`
	Reason      string    `json:"reason"`
	FailedAtUTC time.Time `json:"failed_at_utc"`
}

type StockReserved struct {
	OrderID       string    `json:"order_id"`
	ReservedAtUTC time.Time `json:"reserved_at_utc"`
}

type StockReserveFailed struct {
	OrderID     string    `json:"order_id"`
	Reason      string    `json:"reason"`
	FailedAtUTC time.Time `json:"failed_at_utc"`
}

type ReceiptEmailSent struct {
	OrderID   string    `json:"order_id"`
	Email     string    `json:"email"`
	SentAtUTC time.Time `json:"sent_at_utc"`
}

type ReceiptEmailFailed struct {
	OrderID     string    `json:"order_id"`
	Reason      string    `json:"reason"`
	FailedAtUTC time.Time `json:"failed_at_utc"`
}

type RefundRequested struct {
	OrderID        string    `json:"order_id"`
	Amount         int64     `json:"amount"`
	Currency       string    `json:"currency"`
	Reason         string    `json:"reason"`
	RequestedAtUTC time.Time `json:"requested_at_utc"`
}

type PaymentRefunded struct {
	OrderID       string    `json:"order_id"`
	PaymentID     string    `json:"payment_id"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	RefundID      string    `json:"refund_id"`
	RefundedAtUTC time.Time `json:"refunded_at_utc"`
}

type PaymentTimeoutExpired struct {
	OrderID string `json:"order_id"`
}

type OrderCompleted struct {
	OrderID        string    `json:"order_id"`
	CompletedAtUTC time.Time `json:"completed_at_utc"`
}

type OrderFailed struct {
	OrderID     string    `json:"order_id"`
	Reason      string    `json:"reason"`
	FailedAtUTC time.Time `json:"failed_at_utc"`
}

func (OrderCreated) EventType() string          { return TypeOrderCreated }
func (PaymentSucceeded) EventType() string      { return TypePaymentSucceeded }
func (PaymentFailed) EventType() string         { return TypePaymentFailed }
func (StockReserved) EventType() string         { return TypeStockReserved }
func (StockReserveFailed) EventType() string    { return TypeStockReserveFailed }
func (ReceiptEmailSent) EventType() string      { return TypeReceiptEmailSent }
func (ReceiptEmailFailed) EventType() string    { return TypeReceiptEmailFailed }
func (RefundRequested) EventType() string       { return TypeRefundRequested }
func (PaymentRefunded) EventType() string       { return TypePaymentRefunded }
func (PaymentTimeoutExpired) EventType() string { return TypePaymentTimeoutExpired }
func (OrderCompleted) EventType() string        { return TypeOrderCompleted }
func (OrderFailed) EventType() string           { return TypeOrderFailed }

func (e OrderCreated) AggregateID() string          { return e.OrderID }
func (e PaymentSucceeded) AggregateID() string      { return e.OrderID }
func (e PaymentFailed) AggregateID() string         { return e.OrderID }
func (e StockReserved) AggregateID() string         { return e.OrderID }
func (e StockReserveFailed) AggregateID() string    { return e.OrderID }
func (e ReceiptEmailSent) AggregateID() string      { return e.OrderID }
func (e ReceiptEmailFailed) AggregateID() string    { return e.OrderID }
func (e RefundRequested) AggregateID() string       { return e.OrderID }
func (e PaymentRefunded) AggregateID() string       { return e.OrderID }
func (e PaymentTimeoutExpired) AggregateID() string { return e.OrderID }
func (e OrderCompleted) AggregateID() string        { return e.OrderID }
func (e OrderFailed) AggregateID() string           { return e.OrderID }
