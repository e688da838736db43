package inbox

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/redstone/orderflow/internal/pg"
)

const Schema = `create table if not exists processed_messages(
	message_id text primary key,
	message_type text not null,
	processed_at timestamptz not null,
	correlation_id text null
)`

const schemaIndex = `create index if not exists idx_processed_messages_processed_at on processed_messages(processed_at)`

// Migrations returns the ledger DDL.
func Migrations() []string { return []string{Schema, schemaIndex} }

// PgLedger is the ledger view of an open transaction.
type PgLedger struct {
	Tx pgx.Tx
}

func (l PgLedger) Processed(ctx context.Context, messageID string) (bool, error) {
	var exists bool
	err := l.Tx.QueryRow(ctx, `select exists(select 1 from processed_messages where message_id=$1)`, messageID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("inbox lookup: %w", err)
	}
	return exists, nil
}

func (l PgLedger) MarkProcessed(ctx context.Context, rec Record) error {
	_, err := l.Tx.Exec(ctx, `insert into processed_messages(message_id,message_type,processed_at,correlation_id) values ($1,$2,$3,$4)`,
		rec.MessageID, rec.MessageType, rec.ProcessedAt, rec.CorrelationID)
	if pg.IsUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("inbox insert: %w", err)
	}
	return nil
}

// Prune deletes ledger entries processed before cutoff.
func Prune(ctx context.Context, db pg.Execer, cutoff time.Time) (int64, error) {
	tag, err := db.Exec(ctx, `delete from processed_messages where processed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("inbox prune: %w", err)
	}
	return tag.RowsAffected(), nil
}
