package main

import (
	"context"
	"strconv"

	"github.com/redstone/orderflow/internal/app"
	"github.com/redstone/orderflow/internal/bankmock"
	"github.com/redstone/orderflow/internal/redstone"
)

func main() {
	ctx := context.Background()
	a, err := app.New(ctx, app.Options{Service: "bank-mock", Port: "8090", NoKafka: true})
	if err != nil {
		app.Exit(redstone.NewLogger("bank-mock"), "startup failed", err)
	}

	cfg := bankmock.DefaultConfig()
	cfg.ChargeFailRate = rate("BANK_CHARGE_FAIL_RATE", cfg.ChargeFailRate)
	cfg.RefundFailRate = rate("BANK_REFUND_FAIL_RATE", cfg.RefundFailRate)
	cfg.Latency = redstone.Duration("BANK_LATENCY", cfg.Latency)
	bankmock.New(cfg, a.Log).Routes(a.Router)

	if err := a.Run(ctx); err != nil {
		app.Exit(a.Log, "bank-mock stopped", err)
	}
}

func rate(key string, def float64) float64 {
	f, err := strconv.ParseFloat(redstone.Env(key, ""), 64)
	if err != nil || f < 0 || f > 1 {
		return def
	}
	return f
}
