package main

import (
	"context"

	"github.com/redstone/orderflow/internal/app"
	"github.com/redstone/orderflow/internal/bus"
	"github.com/redstone/orderflow/internal/email"
	"github.com/redstone/orderflow/internal/redstone"
)

func main() {
	ctx := context.Background()
	a, err := app.New(ctx, app.Options{Service: "email-worker", Port: "8084", Migrations: email.Migrations()})
	if err != nil {
		app.Exit(redstone.NewLogger("email-worker"), "startup failed", err)
	}

	w := &email.Worker{
		Store:        &email.PgStore{DB: a.DB, Outbox: a.Outbox()},
		Mailer:       email.LogMailer{Log: a.Log, FailAbove: int64(redstone.Int("EMAIL_FAIL_ABOVE", 0))},
		Log:          a.Log,
		Recipient:    redstone.Env("EMAIL_RECIPIENT", "customer@example.com"),
		FinalAttempt: redstone.Int("EMAIL_FINAL_ATTEMPT", email.DefaultFinalAttempt),
	}
	r := bus.NewRouter()
	w.Routes(r)
	a.Consume("email", []string{a.Cfg.Topics.Payments}, r)
	a.StartRelay()

	if err := a.Run(ctx); err != nil {
		app.Exit(a.Log, "email-worker stopped", err)
	}
}
