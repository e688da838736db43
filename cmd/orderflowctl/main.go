// Command orderflowctl is the operator's tool for an orderflow deployment:
// schema migrations, saga inspection and ledger/outbox housekeeping.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/redstone/orderflow/internal/pg"
	"github.com/redstone/orderflow/internal/redstone"
)

var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type options struct {
	databaseURL string
}

func rootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "orderflowctl",
		Short:         "Operate an orderflow deployment",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.databaseURL, "database-url", redstone.Env("DATABASE_URL", ""), "Postgres URL of the service database")

	root.AddCommand(migrateCmd(opts))
	root.AddCommand(sagaCmd(opts))
	root.AddCommand(inboxCmd(opts))
	root.AddCommand(outboxCmd(opts))
	root.AddCommand(dlqCmd())
	return root
}

func (o *options) connect(ctx context.Context) (*pgxpool.Pool, error) {
	return pg.NewPool(ctx, o.databaseURL)
}
