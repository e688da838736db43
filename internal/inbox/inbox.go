// Package inbox makes event handlers safe under redelivery. Every consuming
// service keeps a ledger of processed message ids and writes the ledger entry
// in the same transaction as the business effect, so a redelivered message
// finds its id and becomes a no-op.
package inbox

import (
	"context"
	"errors"
	"time"

	"github.com/redstone/orderflow/internal/redstone"
)

var (
	// ErrDuplicate is returned by MarkProcessed when the message id is
	// already in the ledger, i.e. a concurrent delivery won the race.
	ErrDuplicate = errors.New("inbox: message already processed")

	// ErrAggregateMissing is returned by an apply func, before it writes
	// anything, when the aggregate the event refers to does not exist.
	ErrAggregateMissing = errors.New("inbox: aggregate not found")
)

type Record struct {
	MessageID     string
	MessageType   string
	ProcessedAt   time.Time
	CorrelationID string
}

type Ledger interface {
	Processed(ctx context.Context, messageID string) (bool, error)
	MarkProcessed(ctx context.Context, rec Record) error
}

// InTx runs fn in one transaction: committed when fn returns nil, rolled
// back otherwise.
type InTx[T Ledger] func(ctx context.Context, fn func(T) error) error

type Result int

const (
	Applied Result = iota
	Duplicate
	Missing
)

func (r Result) String() string {
	switch r {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	case Missing:
		return "missing"
	}
	return "unknown"
}

// Handle applies env's effect at most once. Only infrastructure errors are
// returned; the bus retries those and the ledger check makes the retry safe.
func Handle[T Ledger](ctx context.Context, inTx InTx[T], env redstone.Envelope, apply func(context.Context, T) error) (Result, error) {
	var res Result
	err := inTx(ctx, func(tx T) error {
		seen, err := tx.Processed(ctx, env.EventID)
		if err != nil {
			return err
		}
		if seen {
			res = Duplicate
			return nil
		}

		res = Applied
		if err := apply(ctx, tx); err != nil {
			if !errors.Is(err, ErrAggregateMissing) {
				return err
			}
			res = Missing
		}
		return tx.MarkProcessed(ctx, RecordFor(env))
	})
	if errors.Is(err, ErrDuplicate) {
		return Duplicate, nil
	}
	if err != nil {
		return res, err
	}
	return res, nil
}

func RecordFor(env redstone.Envelope) Record {
	return Record{
		MessageID:     env.EventID,
		MessageType:   env.EventType,
		ProcessedAt:   time.Now().UTC(),
		CorrelationID: env.CorrelationID,
	}
}

// LogResult writes the standard line for a non-applied result.
func LogResult(ctx context.Context, log *redstone.Logger, env redstone.Envelope, res Result) {
	fields := map[string]any{"message_id": env.EventID, "event_type": env.EventType, "order_id": env.OrderID}
	switch res {
	case Duplicate:
		log.Info(ctx, "message already processed, skipping", fields)
	case Missing:
		log.Warn(ctx, "aggregate not found, message recorded", fields)
	}
}
