package redstone

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type BaseEvent struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	OccurredAt    time.Time `json:"occurred_at"`
	CorrelationID string    `json:"correlation_id"`
}

// Envelope is the wire form of every message on the bus. EventID is the
// message id the inbox ledgers deduplicate on.
type Envelope struct {
	BaseEvent
	OrderID string          `json:"order_id"`
	Payload json.RawMessage `json:"payload"`
}

var ErrMalformedEnvelope = errors.New("malformed envelope")

// NewEnvelope wraps ev with a fresh message id. The correlation id is the
// order id, which is also the saga's correlation key.
func NewEnvelope(ev Event) (Envelope, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s: %w", ev.EventType(), err)
	}
	return Envelope{
		BaseEvent: BaseEvent{
			EventID:       uuid.NewString(),
			EventType:     ev.EventType(),
			OccurredAt:    time.Now().UTC(),
			CorrelationID: ev.AggregateID(),
		},
		OrderID: ev.AggregateID(),
		Payload: b,
	}, nil
}

// MustEnvelope is NewEnvelope for events that are known to marshal.
func MustEnvelope(ev Event) Envelope {
	env, err := NewEnvelope(ev)
	if err != nil {
		panic(err)
	}
	return env
}

// ParseEnvelope decodes the raw message value and checks the header fields.
func ParseEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.EventID == "" || env.EventType == "" {
		return Envelope{}, fmt.Errorf("%w: missing event_id or event_type", ErrMalformedEnvelope)
	}
	return env, nil
}

func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: decode %s payload: %v", ErrMalformedEnvelope, e.EventType, err)
	}
	return nil
}

// DecodeEvent returns the typed event carried by the envelope.
func (e Envelope) DecodeEvent() (Event, error) {
	var ev Event
	switch e.EventType {
	case TypeOrderCreated:
		ev = &OrderCreated{}
	case TypePaymentSucceeded:
		ev = &PaymentSucceeded{}
	case TypePaymentFailed:
		ev = &PaymentFailed{}
	case TypeStockReserved:
		ev = &StockReserved{}
	case TypeStockReserveFailed:
		ev = &StockReserveFailed{}
	case TypeReceiptEmailSent:
		ev = &ReceiptEmailSent{}
	case TypeReceiptEmailFailed:
		ev = &ReceiptEmailFailed{}
	case TypeRefundRequested:
		ev = &RefundRequested{}
	case TypePaymentRefunded:
		ev = &PaymentRefunded{}
	case TypePaymentTimeoutExpired:
		ev = &PaymentTimeoutExpired{}
	case TypeOrderCompleted:
		ev = &OrderCompleted{}
	case TypeOrderFailed:
		ev = &OrderFailed{}
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", ErrMalformedEnvelope, e.EventType)
	}
	if err := e.Decode(ev); err != nil {
		return nil, err
	}
	return deref(ev), nil
}

func deref(ev Event) Event {
	switch v := ev.(type) {
	case *OrderCreated:
		return *v
	case *PaymentSucceeded:
		return *v
	case *PaymentFailed:
		return *v
	case *StockReserved:
		return *v
	case *StockReserveFailed:
		return *v
	case *ReceiptEmailSent:
		return *v
	case *ReceiptEmailFailed:
		return *v
	case *RefundRequested:
		return *v
	case *PaymentRefunded:
		return *v
	case *PaymentTimeoutExpired:
		return *v
	case *OrderCompleted:
		return *v
	case *OrderFailed:
		return *v
	}
	return ev
}
