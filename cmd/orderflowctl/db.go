package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/redstone/orderflow/internal/email"
	"github.com/redstone/orderflow/internal/inbox"
	"github.com/redstone/orderflow/internal/orders"
	"github.com/redstone/orderflow/internal/outbox"
	"github.com/redstone/orderflow/internal/payments"
	"github.com/redstone/orderflow/internal/pg"
	"github.com/redstone/orderflow/internal/saga"
	"github.com/redstone/orderflow/internal/stock"
)

var migrations = map[string]func() []string{
	"orchestrator":    saga.Migrations,
	"order-service":   orders.Migrations,
	"payment-service": payments.Migrations,
	"stock-service":   stock.Migrations,
	"email-worker":    email.Migrations,
}

func services() []string {
	out := make([]string, 0, len(migrations))
	for k := range migrations {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func migrationsFor(service string) ([]string, error) {
	m, ok := migrations[service]
	if !ok {
		return nil, fmt.Errorf("unknown service %q (one of %s)", service, strings.Join(services(), ", "))
	}
	return m(), nil
}

func migrateCmd(opts *options) *cobra.Command {
	var service string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the tables of one service's database",
		RunE: func(cmd *cobra.Command, args []string) error {
			stmts, err := migrationsFor(service)
			if err != nil {
				return err
			}
			db, err := opts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			if err := pg.Migrate(cmd.Context(), db, stmts...); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d statements applied\n", service, len(stmts))
			return nil
		},
	}
	cmd.Flags().StringVar(&service, "service", "", "service whose schema to apply ("+strings.Join(services(), ", ")+")")
	_ = cmd.MarkFlagRequired("service")
	return cmd
}

func sagaCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{Use: "saga", Short: "Inspect saga instances"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show ORDER_ID",
		Short: "Print the live instance or the tombstone of a finalized order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := opts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			store := &saga.PgStore{DB: db}
			var out any
			inst, err := store.Get(cmd.Context(), args[0])
			switch {
			case err == nil:
				out = inst
			case errors.Is(err, saga.ErrNotFound):
				st, at, terr := store.Tombstone(cmd.Context(), args[0])
				if terr != nil {
					return fmt.Errorf("saga %s: %w", args[0], terr)
				}
				out = map[string]any{"order_id": args[0], "final_state": st, "finalized_at": at}
			default:
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	})
	return cmd
}

func inboxCmd(opts *options) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{Use: "inbox", Short: "Maintain the processed-message ledger"}
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete ledger entries older than the given age",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return errors.New("--older-than must be positive")
			}
			db, err := opts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			n, err := inbox.Prune(cmd.Context(), db, time.Now().UTC().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d entries\n", n)
			return nil
		},
	}
	prune.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "minimum age of entries to delete")
	cmd.AddCommand(prune)
	return cmd
}

func outboxCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{Use: "outbox", Short: "Inspect the outbox"}
	cmd.AddCommand(&cobra.Command{
		Use:   "pending",
		Short: "Count rows waiting for the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := opts.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			due, scheduled, err := outbox.Pending(cmd.Context(), db)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "due: %d\nscheduled: %d\n", due, scheduled)
			return nil
		},
	})
	return cmd
}
