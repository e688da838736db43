package stock

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/redstone/orderflow/internal/inbox"
	"github.com/redstone/orderflow/internal/outbox"
	"github.com/redstone/orderflow/internal/pg"
	"github.com/redstone/orderflow/internal/redstone"
)

func Migrations() []string {
	stmts := []string{
		`create table if not exists stock(
			sku text primary key,
			on_hand bigint not null,
			reserved bigint not null
		)`,
		`create table if not exists reservations(
			id bigserial primary key,
			order_id text not null unique,
			sku text not null,
			qty bigint not null,
			status text not null,
			created_at timestamptz not null
		)`,
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
		return fn(&pgTx{PgLedger: inbox.PgLedger{Tx: tx}, tx: tx, outbox: s.Outbox})
	})
}

func (s *PgStore) Level(ctx context.Context, sku string) (*Level, error) {
	return loadLevel(ctx, s.DB, sku, false)
}

func (s *PgStore) Seed(ctx context.Context, sku string, qty int64) error {
	_, err := s.DB.Exec(ctx, `insert into stock(sku,on_hand,reserved) values ($1,$2,0) on conflict (sku) do nothing`, sku, qty)
	if err != nil {
		return fmt.Errorf("seed stock: %w", err)
	}
	return nil
}

type pgTx struct {
	inbox.PgLedger
	tx     pgx.Tx
	outbox outbox.Outbox
}

func (t *pgTx) Reservation(ctx context.Context, orderID string) (*Reservation, error) {
	var r Reservation
	err := t.tx.QueryRow(ctx, `select order_id,sku,qty,status,created_at from reservations where order_id=$1`, orderID).
		Scan(&r.OrderID, &r.SKU, &r.Qty, &r.Status, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load reservation: %w", err)
	}
	return &r, nil
}

func (t *pgTx) LockLevel(ctx context.Context, sku string) (*Level, error) {
	return loadLevel(ctx, t.tx, sku, true)
}

func (t *pgTx) Reserve(ctx context.Context, r Reservation) error {
	if _, err := t.tx.Exec(ctx, `update stock set reserved = reserved + $2 where sku=$1`, r.SKU, r.Qty); err != nil {
		return fmt.Errorf("reserve stock: %w", err)
	}
	_, err := t.tx.Exec(ctx, `insert into reservations(order_id,sku,qty,status,created_at) values ($1,$2,$3,$4,$5)`,
		r.OrderID, r.SKU, r.Qty, Reserved, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	return nil
}

func (t *pgTx) Release(ctx context.Context, r Reservation) error {
	if _, err := t.tx.Exec(ctx, `update stock set reserved = greatest(reserved - $2, 0) where sku=$1`, r.SKU, r.Qty); err != nil {
		return fmt.Errorf("release stock: %w", err)
	}
	_, err := t.tx.Exec(ctx, `update reservations set status=$2 where order_id=$1`, r.OrderID, Released)
	if err != nil {
		return fmt.Errorf("release reservation: %w", err)
	}
	return nil
}

func (t *pgTx) Cancel(ctx context.Context, r Reservation) error {
	_, err := t.tx.Exec(ctx, `insert into reservations(order_id,sku,qty,status,created_at) values ($1,$2,0,$3,$4)`,
		r.OrderID, r.SKU, Cancelled, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("cancel reservation: %w", err)
	}
	return nil
}

func (t *pgTx) Enqueue(ctx context.Context, env redstone.Envelope) error {
	return t.outbox.Enqueue(ctx, t.tx, env)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func loadLevel(ctx context.Context, db queryRower, sku string, lock bool) (*Level, error) {
	q := `select sku,on_hand,reserved from stock where sku=$1`
	if lock {
		q += ` for update`
	}
	var l Level
	err := db.QueryRow(ctx, q, sku).Scan(&l.SKU, &l.OnHand, &l.Reserved)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load stock: %w", err)
	}
	return &l, nil
}
