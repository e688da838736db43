package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/redstone/orderflow/internal/pg"
	"github.com/redstone/orderflow/internal/redstone"
)

// Writer is the Kafka side of the relay; *redstone.Producer satisfies it.
type Writer interface {
	Write(ctx context.Context, topic, key string, value []byte, headers map[string]string) error
}

type row struct {
	ID          int64
	AggregateID string
	Topic       string
	Payload     []byte
	Headers     []byte
}

// Relay publishes due outbox rows oldest first. Rows are claimed with
// "for update skip locked" so several relays can share one table.
type Relay struct {
	DB       *pgxpool.Pool
	W        Writer
	Log      *redstone.Logger
	Interval time.Duration
	Batch    int
}

func (r *Relay) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = 400 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Drain(ctx); err != nil && ctx.Err() == nil {
				r.Log.Error(ctx, "outbox drain failed", map[string]any{"err": err})
			}
		}
	}
}

// Drain publishes one batch and returns how many rows were published.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	batch := r.Batch
	if batch <= 0 {
		batch = 50
	}

	published := 0
	err := pg.InTx(ctx, r.DB, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `select id,aggregate_id,topic,payload,headers from outbox
			where status='PENDING' and deliver_after <= now()
			order by id asc limit $1 for update skip locked`, batch)
		if err != nil {
			return err
		}
		var due []row
		for rows.Next() {
			var rw row
			if err := rows.Scan(&rw.ID, &rw.AggregateID, &rw.Topic, &rw.Payload, &rw.Headers); err != nil {
				rows.Close()
				return err
			}
			due = append(due, rw)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, rw := range due {
			headers, err := decodeHeaders(rw.Headers)
			if err != nil {
				// publishing without its headers would lose the timeout token
				r.Log.Error(ctx, "outbox row has corrupt headers, not publishing", map[string]any{"err": err, "id": rw.ID})
				if _, err := tx.Exec(ctx, `update outbox set status=$2 where id=$1`, rw.ID, StatusFailed); err != nil {
					return err
				}
				continue
			}
			if err := r.W.Write(ctx, rw.Topic, rw.AggregateID, rw.Payload, headers); err != nil {
				// stop here so later rows of the same order stay behind this one
				r.Log.Error(ctx, "outbox publish failed", map[string]any{"err": err, "id": rw.ID})
				break
			}
			if _, err := tx.Exec(ctx, `update outbox set status='PUBLISHED', published_at=now() where id=$1`, rw.ID); err != nil {
				return err
			}
			published++
		}
		return nil
	})
	return published, err
}

func decodeHeaders(raw []byte) (map[string]string, error) {
	headers := map[string]string{}
	if len(raw) == 0 {
		return headers, nil
	}
	if err := json.Unmarshal(raw, &headers); err != nil {
		return nil, fmt.Errorf("outbox headers: %w", err)
	}
	return headers, nil
}

// Pending counts rows waiting for the relay, including scheduled ones.
func Pending(ctx context.Context, db *pgxpool.Pool) (due, scheduled int64, err error) {
	err = db.QueryRow(ctx, `select
		count(*) filter (where deliver_after <= now()),
		count(*) filter (where deliver_after > now())
		from outbox where status='PENDING'`).Scan(&due, &scheduled)
	return due, scheduled, err
}
