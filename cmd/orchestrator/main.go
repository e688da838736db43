package main

import (
	"context"
	"time"

	"github.com/redstone/orderflow/internal/app"
	"github.com/redstone/orderflow/internal/bus"
	"github.com/redstone/orderflow/internal/redstone"
	"github.com/redstone/orderflow/internal/saga"
)

func main() {
	ctx := context.Background()
	a, err := app.New(ctx, app.Options{Service: "orchestrator", Port: "8085", Migrations: saga.Migrations()})
	if err != nil {
		app.Exit(redstone.NewLogger("orchestrator"), "startup failed", err)
	}

	store := &saga.PgStore{DB: a.DB, Outbox: a.Outbox()}
	engine := saga.NewEngine(store, saga.NewMachine(redstone.Duration("PAYMENT_TIMEOUT", 30*time.Second)), a.Log)
	engine.MaxConflicts = redstone.Int("SAGA_MAX_CONFLICTS", engine.MaxConflicts)

	r := bus.NewRouter()
	engine.Routes(r)
	t := a.Cfg.Topics
	a.Consume("saga", []string{t.Orders, t.Payments, t.Stock, t.Email, t.Saga}, r)
	a.StartRelay()

	saga.Routes(a.Router, store)

	if err := a.Run(ctx); err != nil {
		app.Exit(a.Log, "orchestrator stopped", err)
	}
}
