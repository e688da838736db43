package main

import (
	"context"
	"time"

	"github.com/redstone/orderflow/internal/app"
	"github.com/redstone/orderflow/internal/bus"
	"github.com/redstone/orderflow/internal/payments"
	"github.com/redstone/orderflow/internal/redstone"
)

func main() {
	ctx := context.Background()
	a, err := app.New(ctx, app.Options{Service: "payment-service", Port: "8083", Migrations: payments.Migrations()})
	if err != nil {
		app.Exit(redstone.NewLogger("payment-service"), "startup failed", err)
	}

	bank := payments.NewHTTPBank(redstone.Env("BANK_URL", "http://localhost:8090"), redstone.Duration("BANK_TIMEOUT", 3*time.Second))
	bank.Mode = redstone.Env("BANK_MODE", "")

	store := &payments.PgStore{DB: a.DB, Outbox: a.Outbox()}
	r := bus.NewRouter()
	(&payments.Service{Store: store, Bank: bank, Log: a.Log}).Routes(r)
	t := a.Cfg.Topics
	a.Consume("payments", []string{t.Orders, t.Saga}, r)
	a.StartRelay()

	payments.Routes(a.Router, store)

	if err := a.Run(ctx); err != nil {
		app.Exit(a.Log, "payment-service stopped", err)
	}
}
