// Package app is the process skeleton every service binary shares: config,
// logger, tracer, Postgres with migrations, the Kafka producer, the outbox
// relay, bus consumers and the chi HTTP server, all stopped together on
// SIGINT/SIGTERM.
package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/redstone/orderflow/internal/bus"
	"github.com/redstone/orderflow/internal/outbox"
	"github.com/redstone/orderflow/internal/pg"
	"github.com/redstone/orderflow/internal/redstone"
	"github.com/redstone/orderflow/internal/telemetry"
)

type App struct {
	Cfg      redstone.Common
	Log      *redstone.Logger
	DB       *pgxpool.Pool
	Producer *redstone.Producer
	Router   chi.Router

	tasks   []func(ctx context.Context)
	closers []func(ctx context.Context) error
}

// Options selects what a service needs beyond the logger and HTTP server.
type Options struct {
	Service    string
	Port       string
	Migrations []string
	// NoKafka skips the producer, for services that only serve HTTP.
	NoKafka bool
}

// New builds the shared parts. On error everything opened so far is closed.
func New(ctx context.Context, opt Options) (*App, error) {
	cfg := redstone.LoadCommon(opt.Service, opt.Port)
	a := &App{Cfg: cfg, Log: redstone.NewLogger(cfg.ServiceName)}

	shutdownTracer, err := telemetry.SetupTracer(ctx, cfg.ServiceName)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, shutdownTracer)

	if opt.Migrations != nil {
		db, err := pg.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			a.close()
			return nil, err
		}
		a.DB = db
		a.closers = append(a.closers, func(context.Context) error { db.Close(); return nil })

		if err := pg.Migrate(ctx, db, opt.Migrations...); err != nil {
			a.close()
			return nil, err
		}
	}

	if !opt.NoKafka {
		a.Producer = redstone.NewProducer(cfg.KafkaBrokers)
		a.closers = append(a.closers, func(context.Context) error { return a.Producer.Close() })
	}

	r := chi.NewRouter()
	r.Use(traceRequests)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", a.ready)
	a.Router = r
	return a, nil
}

func (a *App) ready(w http.ResponseWriter, r *http.Request) {
	if a.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.DB.Ping(ctx); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// Outbox routes enqueued events by this deployment's topics.
func (a *App) Outbox() outbox.Outbox {
	return outbox.Outbox{Topics: a.Cfg.Topics}
}

// StartRelay publishes this service's outbox in the background.
func (a *App) StartRelay() {
	relay := &outbox.Relay{DB: a.DB, W: a.Producer, Log: a.Log, Interval: a.Cfg.OutboxTick}
	a.Go(relay.Run)
}

// Consume runs router over topics in the service's consumer group.
func (a *App) Consume(name string, topics []string, router *bus.Router) {
	cfg := a.Cfg
	runner := &bus.Runner{
		Name: name,
		NewSource: func() bus.Source {
			return redstone.NewConsumer(cfg.KafkaBrokers, topics, cfg.GroupID)
		},
		Handler:  router.Dispatch,
		DLQ:      a.Producer,
		DLQTopic: cfg.Topics.DeadLetter,
		Log:      a.Log,
		Workers:  cfg.Workers,
		Retry:    bus.Backoff{Limit: cfg.RetryLimit, Min: cfg.RetryMin, Max: cfg.RetryMax},
	}
	a.Go(runner.Run)
}

// Go registers fn to run until shutdown.
func (a *App) Go(fn func(ctx context.Context)) {
	a.tasks = append(a.tasks, fn)
}

// Run serves HTTP and the background tasks until a signal arrives, then
// drains them and closes every resource.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	for _, fn := range a.tasks {
		wg.Add(1)
		go func(fn func(context.Context)) {
			defer wg.Done()
			fn(ctx)
		}(fn)
	}

	srv := &http.Server{
		Addr:              ":" + a.Cfg.HTTPPort,
		Handler:           a.Router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		a.Log.Info(ctx, "http server starting", map[string]any{"port": a.Cfg.HTTPPort})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errc:
		a.Log.Error(ctx, "http server error", map[string]any{"err": runErr})
		stop()
	}

	a.Log.Info(context.Background(), "shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.Log.Error(shutdownCtx, "http shutdown failed", map[string]any{"err": err})
	}
	wg.Wait()
	a.close()
	return runErr
}

func (a *App) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.Log.Error(ctx, "close failed", map[string]any{"err": err})
		}
	}
}

// Exit logs err and terminates the process, as the service mains do on
// startup failures.
func Exit(log *redstone.Logger, msg string, err error) {
	log.Error(context.Background(), msg, map[string]any{"err": err})
	os.Exit(1)
}
