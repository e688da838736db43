package main

import (
	"context"
	"time"

	"github.com/redstone/orderflow/internal/app"
	"github.com/redstone/orderflow/internal/basket"
	"github.com/redstone/orderflow/internal/bus"
	"github.com/redstone/orderflow/internal/orders"
	"github.com/redstone/orderflow/internal/redstone"
)

func main() {
	ctx := context.Background()
	a, err := app.New(ctx, app.Options{Service: "order-service", Port: "8081", Migrations: orders.Migrations()})
	if err != nil {
		app.Exit(redstone.NewLogger("order-service"), "startup failed", err)
	}

	rdb, err := basket.NewClient(ctx, redstone.Env("REDIS_ADDR", "localhost:6379"))
	if err != nil {
		app.Exit(a.Log, "redis connect failed", err)
	}
	defer rdb.Close()
	baskets := basket.NewRedisStore(rdb)
	baskets.TTL = redstone.Duration("BASKET_TTL", baskets.TTL)

	store := &orders.PgStore{DB: a.DB, Outbox: a.Outbox()}
	svc := &orders.Service{
		Store:          store,
		Baskets:        baskets,
		Log:            a.Log,
		IdempotencyTTL: redstone.Duration("IDEMPOTENCY_TTL", 24*time.Hour),
	}

	r := bus.NewRouter()
	(&orders.Projector{Store: store, Baskets: baskets, Log: a.Log}).Routes(r)
	t := a.Cfg.Topics
	a.Consume("order-projection", []string{t.Payments, t.Stock, t.Email, t.Saga}, r)
	a.StartRelay()

	(&orders.Handler{Svc: svc}).Routes(a.Router)
	basket.Routes(a.Router, baskets, a.Log)

	if err := a.Run(ctx); err != nil {
		app.Exit(a.Log, "order-service stopped", err)
	}
}
