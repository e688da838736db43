package orders

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redstone/orderflow/internal/inbox"
	"github.com/redstone/orderflow/internal/redstone"
)

// Tx is one transaction against the order database.
type Tx interface {
	inbox.Ledger

	Order(ctx context.Context, id string) (*Order, error)
	InsertOrder(ctx context.Context, o *Order) error
	SaveOrder(ctx context.Context, o *Order) error

	Payment(ctx context.Context, orderID string) (*Payment, error)
	SavePayment(ctx context.Context, p *Payment) error

	// IdempotencyKey returns the order behind key and when the key expires,
	// or ErrNotFound.
	IdempotencyKey(ctx context.Context, key string) (orderID string, expireAt time.Time, err error)
	// InsertIdempotencyKey fails with ErrKeyTaken when key exists.
	InsertIdempotencyKey(ctx context.Context, key, orderID string, expireAt time.Time) error
	DeleteIdempotencyKey(ctx context.Context, key string) error

	// AppendEvent records an entry in the order's audit timeline.
	AppendEvent(ctx context.Context, orderID, eventType string, payload []byte) error

	Enqueue(ctx context.Context, env redstone.Envelope) error
}

type Store interface {
	InTx(ctx context.Context, fn func(Tx) error) error
	Get(ctx context.Context, id string) (*Order, error)
	Timeline(ctx context.Context, id string) ([]TimelineEntry, error)
}

type TimelineEntry struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at_utc"`
}
