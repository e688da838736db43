package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/redstone/orderflow/internal/redstone"
)

// Source is one consumer-group member; *redstone.Consumer satisfies it.
type Source interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, m kafka.Message) error
	Close() error
}

// Writer receives dead letters; *redstone.Producer satisfies it.
type Writer interface {
	Write(ctx context.Context, topic, key string, value []byte, headers map[string]string) error
}

// Backoff is an exponential retry policy: attempt n waits Min*2^(n-1),
// capped at Max, and Limit retries follow the first delivery.
type Backoff struct {
	Limit int
	Min   time.Duration
	Max   time.Duration
}

func (b Backoff) Delay(retry int) time.Duration {
	d := b.Min
	for i := 1; i < retry && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	return d
}

type attemptKey struct{}

// Attempt returns the 0-based delivery attempt of the message being handled.
func Attempt(ctx context.Context) int {
	n, _ := ctx.Value(attemptKey{}).(int)
	return n
}

func WithAttempt(ctx context.Context, n int) context.Context {
	return context.WithValue(ctx, attemptKey{}, n)
}

// Runner pulls messages with a pool of workers, each owning its own Source.
// Messages for one order share a partition; different orders run in parallel.
type Runner struct {
	Name      string
	NewSource func() Source
	Handler   Handler
	DLQ       Writer
	DLQTopic  string
	Log       *redstone.Logger
	Workers   int
	Retry     Backoff

	// Sleep waits between retries; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (r *Runner) Run(ctx context.Context) {
	workers := r.Workers
	if workers <= 0 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			src := r.NewSource()
			defer src.Close()
			r.loop(ctx, id, src)
		}(i)
	}
	wg.Wait()
}

func (r *Runner) loop(ctx context.Context, worker int, src Source) {
	for {
		m, err := src.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.Log.Error(ctx, "consume fetch failed", map[string]any{"err": err, "consumer": r.Name, "worker": worker})
			if r.sleep(ctx, 500*time.Millisecond) != nil {
				return
			}
			continue
		}

		if err := r.Process(ctx, m); err != nil {
			// only a cancelled context gets here; leave the offset uncommitted
			return
		}
		if err := src.Commit(ctx, m); err != nil && ctx.Err() == nil {
			r.Log.Error(ctx, "consume commit failed", map[string]any{"err": err, "consumer": r.Name})
		}
	}
}

// Process handles one message to a final outcome: handled, ignored or dead
// lettered. It returns an error only when ctx is cancelled mid-retry.
func (r *Runner) Process(ctx context.Context, m kafka.Message) error {
	headers := redstone.Headers(m)
	ctx = redstone.ExtractTrace(ctx, headers)
	ctx = WithHeaders(ctx, headers)

	env, err := redstone.ParseEnvelope(m.Value)
	if err != nil {
		r.deadLetter(ctx, m, headers, err, 0)
		return nil
	}

	ctx, span := otel.Tracer("github.com/redstone/orderflow/internal/bus").Start(ctx, "consume "+env.EventType,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination.name", m.Topic),
			attribute.String("messaging.message.id", env.EventID),
			attribute.String("order.id", env.OrderID),
		))
	defer span.End()

	for attempt := 0; ; attempt++ {
		err = r.Handler(WithAttempt(ctx, attempt), env)
		if err == nil {
			return nil
		}
		span.RecordError(err)
		fields := map[string]any{"err": err, "event_type": env.EventType, "message_id": env.EventID, "order_id": env.OrderID, "attempt": attempt}
		if IsPermanent(err) || attempt >= r.Retry.Limit {
			span.SetStatus(codes.Error, "dead lettered")
			r.Log.Error(ctx, "retries exhausted, dead lettering", fields)
			r.deadLetter(ctx, m, headers, err, attempt)
			return nil
		}
		r.Log.Warn(ctx, "handler failed, retrying", fields)
		if err := r.sleep(ctx, r.Retry.Delay(attempt+1)); err != nil {
			return err
		}
	}
}

func (r *Runner) deadLetter(ctx context.Context, m kafka.Message, headers map[string]string, cause error, attempts int) {
	if r.DLQ == nil {
		return
	}
	dl := make(map[string]string, len(headers)+4)
	for k, v := range headers {
		dl[k] = v
	}
	dl["dlq_error"] = cause.Error()
	dl["dlq_source_topic"] = m.Topic
	dl["dlq_consumer"] = r.Name
	dl["dlq_attempts"] = fmt.Sprint(attempts + 1)
	if err := r.DLQ.Write(ctx, r.DLQTopic, string(m.Key), m.Value, dl); err != nil {
		r.Log.Error(ctx, "dead letter publish failed", map[string]any{"err": err, "topic": r.DLQTopic})
	}
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) error {
	if r.Sleep != nil {
		return r.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
