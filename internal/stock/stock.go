// Package stock reserves inventory for paid orders. Every order reserves
// Quantity units of one configured SKU; a reservation is made at most once
// per order and released again when the order is compensated. A refund that
// arrives first cancels the order's reservation in advance.
package stock

import (
	"context"
	"errors"
	"time"

	"github.com/redstone/orderflow/internal/inbox"
	"github.com/redstone/orderflow/internal/redstone"
)

var ErrNotFound = errors.New("sku not found")

const (
	Reserved = "RESERVED"
	Released = "RELEASED"
	// Cancelled marks an order compensated before it reserved anything, so
	// a late payment does not reserve for it.
	Cancelled = "CANCELLED"
)

type Level struct {
	SKU      string `json:"sku"`
	OnHand   int64  `json:"on_hand"`
	Reserved int64  `json:"reserved"`
}

func (l Level) Available() int64 { return l.OnHand - l.Reserved }

type Reservation struct {
	OrderID   string
	SKU       string
	Qty       int64
	Status    string
	CreatedAt time.Time
}

type Tx interface {
	inbox.Ledger

	// Reservation returns ErrNotFound when the order holds none.
	Reservation(ctx context.Context, orderID string) (*Reservation, error)
	// LockLevel reads the SKU row and holds it until commit.
	LockLevel(ctx context.Context, sku string) (*Level, error)
	Reserve(ctx context.Context, r Reservation) error
	Release(ctx context.Context, r Reservation) error
	// Cancel records r without touching stock levels. A concurrent Reserve
	// for the same order makes one of them fail.
	Cancel(ctx context.Context, r Reservation) error
	Enqueue(ctx context.Context, env redstone.Envelope) error
}

type Store interface {
	InTx(ctx context.Context, fn func(Tx) error) error
	Level(ctx context.Context, sku string) (*Level, error)
	// Seed creates the SKU with qty on hand unless it already exists.
	Seed(ctx context.Context, sku string, qty int64) error
}
