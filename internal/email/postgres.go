package email

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/redstone/orderflow/internal/inbox"
	"github.com/redstone/orderflow/internal/outbox"
	"github.com/redstone/orderflow/internal/pg"
	"github.com/redstone/orderflow/internal/redstone"
)

// Migrations: the worker keeps no table of its own, only the ledger and
// its outbox.
func Migrations() []string {
	return append(inbox.Migrations(), outbox.Migrations()...)
}

type PgStore struct {
	DB     *pgxpool.Pool
	Outbox outbox.Outbox
}

func (s *PgStore) InTx(ctx context.Context, fn func(Tx) error) error {
	return pg.InTx(ctx, s.DB, func(tx pgx.Tx) error {
		return fn(pgTx{PgLedger: inbox.PgLedger{Tx: tx}, outbox: s.Outbox})
	})
}

type pgTx struct {
	inbox.PgLedger
	outbox outbox.Outbox
}

func (t pgTx) Enqueue(ctx context.Context, env redstone.Envelope) error {
	return t.outbox.Enqueue(ctx, t.Tx, env)
}
