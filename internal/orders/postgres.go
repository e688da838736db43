package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/redstone/orderflow/internal/inbox"
	"github.com/redstone/orderflow/internal/outbox"
	"github.com/redstone/orderflow/internal/pg"
	"github.com/redstone/orderflow/internal/redstone"
)

func Migrations() []string {
	stmts := []string{
		`create table if not exists orders(
			id text primary key,
			customer_id text not null,
			amount bigint not null,
			currency text not null,
			status text not null,
			correlation_id text null,
			paid_at timestamptz null,
			stock_reserved_at timestamptz null,
			email_sent_at timestamptz null,
			completed_at timestamptz null,
			failed_at timestamptz null,
			fail_reason text null,
			created_at timestamptz not null,
			updated_at timestamptz not null
		)`,
		`create table if not exists order_payments(
			order_id text primary key references orders(id) on delete cascade,
			payment_id text not null,
			status text not null,
			amount bigint not null,
			currency text not null,
			refund_id text null,
			created_at timestamptz not null,
			updated_at timestamptz not null
		)`,
		`create table if not exists idempotency_keys(
			idem_key text primary key,
			order_id text not null,
			created_at timestamptz not null,
			expire_at timestamptz not null
		)`,
		`create table if not exists order_events(
			id bigserial primary key,
			order_id text not null,
			type text not null,
			payload jsonb not null,
			created_at timestamptz not null
		)`,
		`create index if not exists idx_order_events_order on order_events(order_id, id)`,
	}
	stmts = append(stmts, inbox.Migrations()...)
	return append(stmts, outbox.Migrations()...)
}

type PgStore struct {
	DB     *pgxpool.Pool
	Outbox outbox.Outbox
}

func (s *PgStore) InTx(ctx context.Context, fn func(Tx) error) error {
	return pg.InTx(ctx, s.DB, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx, PgLedger: inbox.PgLedger{Tx: tx}, outbox: s.Outbox})
	})
}

// Get returns the order with its payment record, if any.
func (s *PgStore) Get(ctx context.Context, id string) (*Order, error) {
	o, err := loadOrder(ctx, s.DB, id)
	if err != nil {
		return nil, err
	}
	p, err := loadPayment(ctx, s.DB, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	o.Payment = p
	return o, nil
}

func (s *PgStore) Timeline(ctx context.Context, id string) ([]TimelineEntry, error) {
	rows, err := s.DB.Query(ctx, `select type,payload,created_at from order_events where order_id=$1 order by id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TimelineEntry
	for rows.Next() {
		var e TimelineEntry
		if err := rows.Scan(&e.Type, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type pgTx struct {
	inbox.PgLedger
	tx     pgx.Tx
	outbox outbox.Outbox
}

func (t *pgTx) Order(ctx context.Context, id string) (*Order, error) {
	return loadOrder(ctx, t.tx, id)
}

func (t *pgTx) InsertOrder(ctx context.Context, o *Order) error {
	_, err := t.tx.Exec(ctx, `insert into orders(id,customer_id,amount,currency,status,correlation_id,created_at,updated_at) values ($1,$2,$3,$4,$5,$6,$7,$8)`,
		o.ID, o.CustomerID, o.Amount, o.Currency, string(o.Status), o.CorrelationID, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (t *pgTx) SaveOrder(ctx context.Context, o *Order) error {
	_, err := t.tx.Exec(ctx, `update orders set status=$2,paid_at=$3,stock_reserved_at=$4,email_sent_at=$5,completed_at=$6,failed_at=$7,fail_reason=$8,updated_at=$9 where id=$1`,
		o.ID, string(o.Status), o.PaidAt, o.StockReservedAt, o.EmailSentAt, o.CompletedAt, o.FailedAt, nullable(o.FailReason), o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	return nil
}

func (t *pgTx) Payment(ctx context.Context, orderID string) (*Payment, error) {
	return loadPayment(ctx, t.tx, orderID)
}

func (t *pgTx) SavePayment(ctx context.Context, p *Payment) error {
	_, err := t.tx.Exec(ctx, `insert into order_payments(order_id,payment_id,status,amount,currency,refund_id,created_at,updated_at) values ($1,$2,$3,$4,$5,$6,$7,$8)
		on conflict (order_id) do update set payment_id=excluded.payment_id,status=excluded.status,refund_id=excluded.refund_id,updated_at=excluded.updated_at`,
		p.OrderID, p.PaymentID, string(p.Status), p.Amount, p.Currency, nullable(p.RefundID), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save payment: %w", err)
	}
	return nil
}

func (t *pgTx) IdempotencyKey(ctx context.Context, key string) (string, time.Time, error) {
	var orderID string
	var expireAt time.Time
	err := t.tx.QueryRow(ctx, `select order_id,expire_at from idempotency_keys where idem_key=$1`, key).Scan(&orderID, &expireAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", time.Time{}, ErrNotFound
	}
	return orderID, expireAt, err
}

func (t *pgTx) InsertIdempotencyKey(ctx context.Context, key, orderID string, expireAt time.Time) error {
	_, err := t.tx.Exec(ctx, `insert into idempotency_keys(idem_key,order_id,created_at,expire_at) values ($1,$2,now(),$3)`, key, orderID, expireAt)
	if pg.IsUniqueViolation(err) {
		return ErrKeyTaken
	}
	return err
}

func (t *pgTx) DeleteIdempotencyKey(ctx context.Context, key string) error {
	_, err := t.tx.Exec(ctx, `delete from idempotency_keys where idem_key=$1`, key)
	return err
}

func (t *pgTx) AppendEvent(ctx context.Context, orderID, eventType string, payload []byte) error {
	_, err := t.tx.Exec(ctx, `insert into order_events(order_id,type,payload,created_at) values ($1,$2,$3,now())`, orderID, eventType, payload)
	return err
}

func (t *pgTx) Enqueue(ctx context.Context, env redstone.Envelope) error {
	return t.outbox.Enqueue(ctx, t.tx, env)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func loadOrder(ctx context.Context, db queryRower, id string) (*Order, error) {
	var (
		o            Order
		status       string
		corr, reason *string
	)
	err := db.QueryRow(ctx, `select id,customer_id,amount,currency,status,correlation_id,paid_at,stock_reserved_at,email_sent_at,completed_at,failed_at,fail_reason,created_at,updated_at
		from orders where id=$1`, id).
		Scan(&o.ID, &o.CustomerID, &o.Amount, &o.Currency, &status, &corr, &o.PaidAt, &o.StockReservedAt, &o.EmailSentAt, &o.CompletedAt, &o.FailedAt, &reason, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load order: %w", err)
	}
	o.Status = Status(status)
	if corr != nil {
		o.CorrelationID = *corr
	}
	if reason != nil {
		o.FailReason = *reason
	}
	return &o, nil
}

func loadPayment(ctx context.Context, db queryRower, orderID string) (*Payment, error) {
	var (
		p      Payment
		status string
		refund *string
	)
	err := db.QueryRow(ctx, `select order_id,payment_id,status,amount,currency,refund_id,created_at,updated_at from order_payments where order_id=$1`, orderID).
		Scan(&p.OrderID, &p.PaymentID, &status, &p.Amount, &p.Currency, &refund, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load payment: %w", err)
	}
	p.Status = PaymentStatus(status)
	if refund != nil {
		p.RefundID = *refund
	}
	return &p, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
