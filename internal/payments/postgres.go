package payments

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
		`create table if not exists payments(
			order_id text primary key,
			payment_id text null,
			auth_code text null,
			status text not null,
			amount bigint not null,
			currency text not null,
			fail_reason text null,
			refund_id text null,
			created_at timestamptz not null,
			updated_at timestamptz not null
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

func (s *PgStore) Get(ctx context.Context, orderID string) (*Payment, error) {
	return loadPayment(ctx, s.DB, orderID, false)
}

type pgTx struct {
	inbox.PgLedger
	tx     pgx.Tx
	outbox outbox.Outbox
}

// Payment locks the row so a refund and a late charge cannot interleave.
func (t *pgTx) Payment(ctx context.Context, orderID string) (*Payment, error) {
	return loadPayment(ctx, t.tx, orderID, true)
}

func (t *pgTx) InsertPayment(ctx context.Context, p *Payment) error {
	_, err := t.tx.Exec(ctx, `insert into payments(order_id,payment_id,auth_code,status,amount,currency,fail_reason,refund_id,created_at,updated_at) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		p.OrderID, nullable(p.PaymentID), nullable(p.AuthCode), string(p.Status), p.Amount, p.Currency, nullable(p.FailReason), nullable(p.RefundID), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (t *pgTx) SavePayment(ctx context.Context, p *Payment) error {
	_, err := t.tx.Exec(ctx, `update payments set status=$2,fail_reason=$3,refund_id=$4,updated_at=$5 where order_id=$1`,
		p.OrderID, string(p.Status), nullable(p.FailReason), nullable(p.RefundID), p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	return nil
}

func (t *pgTx) Enqueue(ctx context.Context, env redstone.Envelope) error {
	return t.outbox.Enqueue(ctx, t.tx, env)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func loadPayment(ctx context.Context, db queryRower, orderID string, lock bool) (*Payment, error) {
	q := `select order_id,payment_id,auth_code,status,amount,currency,fail_reason,refund_id,created_at,updated_at from payments where order_id=$1`
	if lock {
		q += ` for update`
	}
	var p Payment
	var status string
	var paymentID, auth, reason, refund *string
	err := db.QueryRow(ctx, q, orderID).
		Scan(&p.OrderID, &paymentID, &auth, &status, &p.Amount, &p.Currency, &reason, &refund, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load payment: %w", err)
	}
	p.Status = Status(status)
	p.PaymentID = deref(paymentID)
	p.AuthCode = deref(auth)
	p.FailReason = deref(reason)
	p.RefundID = deref(refund)
	return &p, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
