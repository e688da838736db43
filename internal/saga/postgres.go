package saga

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
		`create table if not exists saga_instances(
			order_id text primary key,
			current_state text not null,
			amount bigint null,
			currency text null,
			paid_at timestamptz null,
			stock_reserved_at timestamptz null,
			email_sent_at timestamptz null,
			email_fail_reason text null,
			failed_at timestamptz null,
			fail_reason text null,
			completed_at timestamptz null,
			payment_timeout_token text null,
			version bigint not null,
			created_at timestamptz not null,
			updated_at timestamptz not null
		)`,
		`create table if not exists saga_tombstones(
			order_id text primary key,
			final_state text not null,
			finalized_at timestamptz not null
		)`,
	}
	stmts = append(stmts, inbox.Migrations()...)
	return append(stmts, outbox.Migrations()...)
}

// PgStore keeps instances in Postgres with optimistic concurrency on the
// version column.
type PgStore struct {
	DB     *pgxpool.Pool
	Outbox outbox.Outbox
}

func (s *PgStore) InTx(ctx context.Context, fn func(Tx) error) error {
	return pg.InTx(ctx, s.DB, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx, ledger: inbox.PgLedger{Tx: tx}, outbox: s.Outbox})
	})
}

func (s *PgStore) Get(ctx context.Context, orderID string) (*Instance, error) {
	return loadInstance(ctx, s.DB, orderID)
}

// Tombstone returns the final state of a finalized order.
func (s *PgStore) Tombstone(ctx context.Context, orderID string) (State, time.Time, error) {
	var st string
	var at time.Time
	err := s.DB.QueryRow(ctx, `select final_state,finalized_at from saga_tombstones where order_id=$1`, orderID).Scan(&st, &at)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", time.Time{}, ErrNotFound
	}
	if err != nil {
		return "", time.Time{}, err
	}
	return State(st), at, nil
}

type pgTx struct {
	tx     pgx.Tx
	ledger inbox.PgLedger
	outbox outbox.Outbox
}

func (t *pgTx) Processed(ctx context.Context, messageID string) (bool, error) {
	return t.ledger.Processed(ctx, messageID)
}

func (t *pgTx) MarkProcessed(ctx context.Context, rec inbox.Record) error {
	return t.ledger.MarkProcessed(ctx, rec)
}

// Lock takes a transaction-scoped advisory lock on the order id. Two first
// events of one order otherwise both see no instance and no tombstone.
func (t *pgTx) Lock(ctx context.Context, orderID string) error {
	if _, err := t.tx.Exec(ctx, `select pg_advisory_xact_lock(hashtext($1))`, orderID); err != nil {
		return fmt.Errorf("saga lock: %w", err)
	}
	return nil
}

func (t *pgTx) Load(ctx context.Context, orderID string) (*Instance, error) {
	return loadInstance(ctx, t.tx, orderID)
}

func (t *pgTx) Insert(ctx context.Context, inst *Instance) error {
	inst.Version = 1
	_, err := t.tx.Exec(ctx, `insert into saga_instances(order_id,current_state,amount,currency,paid_at,stock_reserved_at,email_sent_at,email_fail_reason,failed_at,fail_reason,completed_at,payment_timeout_token,version,created_at,updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		inst.OrderID, string(inst.State), inst.Amount, nullable(inst.Currency), inst.PaidAt, inst.StockReservedAt, inst.EmailSentAt,
		nullable(inst.EmailFailReason), inst.FailedAt, nullable(inst.FailReason), inst.CompletedAt, nullable(inst.PaymentTimeoutToken),
		inst.Version, inst.CreatedAt, inst.UpdatedAt)
	if pg.IsUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("saga insert: %w", err)
	}
	return nil
}

func (t *pgTx) Update(ctx context.Context, inst *Instance) error {
	tag, err := t.tx.Exec(ctx, `update saga_instances set current_state=$3,amount=$4,currency=$5,paid_at=$6,stock_reserved_at=$7,email_sent_at=$8,
		email_fail_reason=$9,failed_at=$10,fail_reason=$11,completed_at=$12,payment_timeout_token=$13,version=version+1,updated_at=$14
		where order_id=$1 and version=$2`,
		inst.OrderID, inst.Version, string(inst.State), inst.Amount, nullable(inst.Currency), inst.PaidAt, inst.StockReservedAt, inst.EmailSentAt,
		nullable(inst.EmailFailReason), inst.FailedAt, nullable(inst.FailReason), inst.CompletedAt, nullable(inst.PaymentTimeoutToken), inst.UpdatedAt)
	if err != nil {
		return fmt.Errorf("saga update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	inst.Version++
	return nil
}

func (t *pgTx) Delete(ctx context.Context, orderID string, version int64) error {
	tag, err := t.tx.Exec(ctx, `delete from saga_instances where order_id=$1 and version=$2`, orderID, version)
	if err != nil {
		return fmt.Errorf("saga delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (t *pgTx) Finalized(ctx context.Context, orderID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `select exists(select 1 from saga_tombstones where order_id=$1)`, orderID).Scan(&exists)
	return exists, err
}

func (t *pgTx) MarkFinalized(ctx context.Context, orderID string, state State) error {
	_, err := t.tx.Exec(ctx, `insert into saga_tombstones(order_id,final_state,finalized_at) values ($1,$2,now())`, orderID, string(state))
	if pg.IsUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (t *pgTx) Publish(ctx context.Context, env redstone.Envelope) error {
	return t.outbox.Enqueue(ctx, t.tx, env)
}

func (t *pgTx) Schedule(ctx context.Context, env redstone.Envelope, delay time.Duration) (string, error) {
	return t.outbox.Schedule(ctx, t.tx, env, delay)
}

func (t *pgTx) Cancel(ctx context.Context, token string) error {
	return t.outbox.Cancel(ctx, t.tx, token)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func loadInstance(ctx context.Context, db queryRower, orderID string) (*Instance, error) {
	var (
		inst                                Instance
		state                               string
		currency, emailFail, reason, token *string
	)
	err := db.QueryRow(ctx, `select order_id,current_state,amount,currency,paid_at,stock_reserved_at,email_sent_at,email_fail_reason,
		failed_at,fail_reason,completed_at,payment_timeout_token,version,created_at,updated_at
		from saga_instances where order_id=$1`, orderID).
		Scan(&inst.OrderID, &state, &inst.Amount, &currency, &inst.PaidAt, &inst.StockReservedAt, &inst.EmailSentAt, &emailFail,
			&inst.FailedAt, &reason, &inst.CompletedAt, &token, &inst.Version, &inst.CreatedAt, &inst.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("saga load: %w", err)
	}
	inst.State = State(state)
	inst.Currency = deref(currency)
	inst.EmailFailReason = deref(emailFail)
	inst.FailReason = deref(reason)
	inst.PaymentTimeoutToken = deref(token)
	return &inst, nil
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
