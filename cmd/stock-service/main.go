package main

import (
	"context"

	"github.com/redstone/orderflow/internal/app"
	"github.com/redstone/orderflow/internal/bus"
	"github.com/redstone/orderflow/internal/redstone"
	"github.com/redstone/orderflow/internal/stock"
)

func main() {
	ctx := context.Background()
	a, err := app.New(ctx, app.Options{Service: "stock-service", Port: "8082", Migrations: stock.Migrations()})
	if err != nil {
		app.Exit(redstone.NewLogger("stock-service"), "startup failed", err)
	}

	store := &stock.PgStore{DB: a.DB, Outbox: a.Outbox()}
	sku := redstone.Env("STOCK_SKU", "SKU-RED-1")
	if err := store.Seed(ctx, sku, int64(redstone.Int("STOCK_SEED", 100))); err != nil {
		app.Exit(a.Log, "seed failed", err)
	}

	r := bus.NewRouter()
	(&stock.Service{Store: store, SKU: sku, Quantity: int64(redstone.Int("STOCK_PER_ORDER", 1)), Log: a.Log}).Routes(r)
	t := a.Cfg.Topics
	a.Consume("stock", []string{t.Payments, t.Saga}, r)
	a.StartRelay()

	stock.Routes(a.Router, store)

	if err := a.Run(ctx); err != nil {
		app.Exit(a.Log, "stock-service stopped", err)
	}
}
