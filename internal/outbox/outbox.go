// Package outbox stores outgoing messages in the producer's own database,
// inside the transaction that caused them, and relays them to Kafka.
// Delayed messages (the payment timeout) are outbox rows with a future
// deliver_after and a cancellation token.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/redstone/orderflow/internal/pg"
	"github.com/redstone/orderflow/internal/redstone"
)

const Schema = `create table if not exists outbox(
	id bigserial primary key,
	aggregate_id text not null,
	event_type text not null,
	topic text not null,
	payload jsonb not null,
	headers jsonb not null default '{}',
	status text not null,
	token text null unique,
	deliver_after timestamptz not null,
	created_at timestamptz not null,
	published_at timestamptz null
)`

const schemaIndex = `create index if not exists idx_outbox_pending on outbox(deliver_after, id) where status='PENDING'`

func Migrations() []string { return []string{Schema, schemaIndex} }

const (
	StatusPending   = "PENDING"
	StatusPublished = "PUBLISHED"
	StatusCancelled = "CANCELLED"
	// StatusFailed marks a row the relay cannot publish as stored.
	StatusFailed = "FAILED"
)

// Outbox enqueues envelopes routed by Topics.
type Outbox struct {
	Topics redstone.Topics
}

// Enqueue stores env for immediate delivery.
func (o Outbox) Enqueue(ctx context.Context, tx pg.Execer, env redstone.Envelope) error {
	return o.insert(ctx, tx, env, time.Now().UTC(), nil)
}

// Schedule stores env for delivery after delay and returns the token that
// cancels it.
func (o Outbox) Schedule(ctx context.Context, tx pg.Execer, env redstone.Envelope, delay time.Duration) (string, error) {
	token := uuid.NewString()
	if err := o.insert(ctx, tx, env, time.Now().UTC().Add(delay), &token); err != nil {
		return "", err
	}
	return token, nil
}

// Cancel suppresses a scheduled message that has not been relayed yet. A
// message the relay already claimed is still delivered; consumers must not
// rely on cancellation.
func (o Outbox) Cancel(ctx context.Context, tx pg.Execer, token string) error {
	if token == "" {
		return nil
	}
	_, err := tx.Exec(ctx, `update outbox set status=$2 where token=$1 and status=$3`, token, StatusCancelled, StatusPending)
	if err != nil {
		return fmt.Errorf("outbox cancel: %w", err)
	}
	return nil
}

func (o Outbox) insert(ctx context.Context, tx pg.Execer, env redstone.Envelope, deliverAfter time.Time, token *string) error {
	payload, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("outbox marshal: %w", err)
	}
	headers := map[string]string{"event_type": env.EventType}
	if token != nil {
		headers["timeout_token"] = *token
	}
	redstone.InjectTrace(ctx, headers)
	hb, err := json.Marshal(headers)
	if err != nil {
		return fmt.Errorf("outbox headers: %w", err)
	}

	_, err = tx.Exec(ctx, `insert into outbox(aggregate_id,event_type,topic,payload,headers,status,token,deliver_after,created_at) values ($1,$2,$3,$4,$5,$6,$7,$8,now())`,
		env.OrderID, env.EventType, o.Topics.For(env.EventType), payload, hb, StatusPending, token, deliverAfter)
	if err != nil {
		return fmt.Errorf("outbox insert: %w", err)
	}
	return nil
}
