package bus

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/redstone/orderflow/internal/redstone"
)

type deadLetter struct {
	topic, key string
	value      []byte
	headers    map[string]string
}

type captureWriter struct {
	mu  sync.Mutex
	got []deadLetter
}

func (w *captureWriter) Write(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.got = append(w.got, deadLetter{topic, key, value, headers})
	return nil
}

func newTestRunner(h Handler, dlq Writer) (*Runner, *[]time.Duration) {
	var waits []time.Duration
	r := &Runner{
		Name:     "test-consumer",
		Handler:  h,
		DLQ:      dlq,
		DLQTopic: "orderflow.dlq",
		Log:      redstone.NewLoggerTo(io.Discard, "test"),
		Retry:    Backoff{Limit: 5, Min: time.Second, Max: 30 * time.Second},
		Sleep: func(ctx context.Context, d time.Duration) error {
			waits = append(waits, d)
			return ctx.Err()
		},
	}
	return r, &waits
}

func message(t *testing.T, ev redstone.Event, headers ...kafka.Header) kafka.Message {
	t.Helper()
	b, err := redstone.MustEnvelope(ev).Marshal()
	if err != nil {
		t.Fatal(err)
	}
	return kafka.Message{Topic: "orderflow.payments", Key: []byte(ev.AggregateID()), Value: b, Headers: headers}
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Limit: 5, Min: time.Second, Max: 30 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for i, w := range want {
		if got := b.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestProcessRetriesThenSucceeds(t *testing.T) {
	var attempts []int
	h := func(ctx context.Context, env redstone.Envelope) error {
		attempts = append(attempts, Attempt(ctx))
		if len(attempts) < 3 {
			return errors.New("db down")
		}
		return nil
	}
	dlq := &captureWriter{}
	r, waits := newTestRunner(h, dlq)

	if err := r.Process(context.Background(), message(t, redstone.StockReserved{OrderID: "o1"})); err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 3 || attempts[2] != 2 {
		t.Fatalf("attempts = %v", attempts)
	}
	if len(*waits) != 2 || (*waits)[1] != 2*time.Second {
		t.Fatalf("waits = %v", *waits)
	}
	if len(dlq.got) != 0 {
		t.Fatal("dead lettered a message that succeeded")
	}
}

func TestProcessDeadLettersAfterLimit(t *testing.T) {
	calls := 0
	h := func(ctx context.Context, env redstone.Envelope) error {
		calls++
		return errors.New("still down")
	}
	dlq := &captureWriter{}
	r, _ := newTestRunner(h, dlq)

	m := message(t, redstone.StockReserved{OrderID: "o1"}, kafka.Header{Key: "traceparent", Value: []byte("00-abc")})
	if err := r.Process(context.Background(), m); err != nil {
		t.Fatal(err)
	}
	if calls != 6 {
		t.Fatalf("handler called %d times, want 6", calls)
	}
	if len(dlq.got) != 1 {
		t.Fatalf("dead letters = %d", len(dlq.got))
	}
	dl := dlq.got[0]
	if dl.topic != "orderflow.dlq" || dl.key != "o1" || string(dl.value) != string(m.Value) {
		t.Fatalf("dead letter = %+v", dl)
	}
	for k, v := range map[string]string{
		"dlq_error":        "still down",
		"dlq_source_topic": "orderflow.payments",
		"dlq_consumer":     "test-consumer",
		"dlq_attempts":     "6",
		"traceparent":      "00-abc",
	} {
		if dl.headers[k] != v {
			t.Errorf("header %s = %q, want %q", k, dl.headers[k], v)
		}
	}
}

func TestProcessPermanentSkipsRetries(t *testing.T) {
	calls := 0
	h := func(ctx context.Context, env redstone.Envelope) error {
		calls++
		return Permanent(errors.New("bad payload"))
	}
	dlq := &captureWriter{}
	r, waits := newTestRunner(h, dlq)

	if err := r.Process(context.Background(), message(t, redstone.StockReserved{OrderID: "o1"})); err != nil {
		t.Fatal(err)
	}
	if calls != 1 || len(*waits) != 0 || len(dlq.got) != 1 {
		t.Fatalf("calls=%d waits=%v dead=%d", calls, *waits, len(dlq.got))
	}
}

func TestProcessMalformedGoesStraightToDLQ(t *testing.T) {
	called := false
	dlq := &captureWriter{}
	r, _ := newTestRunner(func(context.Context, redstone.Envelope) error { called = true; return nil }, dlq)

	if err := r.Process(context.Background(), kafka.Message{Topic: "orderflow.orders", Value: []byte("garbage")}); err != nil {
		t.Fatal(err)
	}
	if called || len(dlq.got) != 1 || dlq.got[0].headers["dlq_attempts"] != "1" {
		t.Fatalf("called=%v dead=%+v", called, dlq.got)
	}
}

func TestProcessStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := func(context.Context, redstone.Envelope) error {
		cancel()
		return errors.New("fail")
	}
	dlq := &captureWriter{}
	r, _ := newTestRunner(h, dlq)

	if err := r.Process(ctx, message(t, redstone.StockReserved{OrderID: "o1"})); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if len(dlq.got) != 0 {
		t.Fatal("cancelled message was dead lettered")
	}
}

func TestProcessExposesHeaders(t *testing.T) {
	var token string
	r, _ := newTestRunner(func(ctx context.Context, env redstone.Envelope) error {
		token = Header(ctx, "timeout_token")
		return nil
	}, nil)
	m := message(t, redstone.PaymentTimeoutExpired{OrderID: "o1"}, kafka.Header{Key: "timeout_token", Value: []byte("tok-9")})
	if err := r.Process(context.Background(), m); err != nil {
		t.Fatal(err)
	}
	if token != "tok-9" {
		t.Fatalf("token = %q", token)
	}
}

// fakeSource serves a fixed list of messages, then blocks until ctx is done.
type fakeSource struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []kafka.Message
}

func (s *fakeSource) Fetch(ctx context.Context) (kafka.Message, error) {
	s.mu.Lock()
	if len(s.msgs) > 0 {
		m := s.msgs[0]
		s.msgs = s.msgs[1:]
		s.mu.Unlock()
		return m, nil
	}
	s.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (s *fakeSource) Commit(ctx context.Context, m kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = append(s.committed, m)
	return nil
}

func (s *fakeSource) Close() error { return nil }

func TestRunCommitsHandledMessages(t *testing.T) {
	src := &fakeSource{msgs: []kafka.Message{
		message(t, redstone.StockReserved{OrderID: "o1"}),
		message(t, redstone.StockReserved{OrderID: "o2"}),
	}}
	router := NewRouter()
	handled := make(chan string, 2)
	router.Handle(redstone.TypeStockReserved, func(ctx context.Context, env redstone.Envelope) error {
		handled <- env.OrderID
		return nil
	})

	r, _ := newTestRunner(router.Dispatch, nil)
	r.Workers = 1
	r.NewSource = func() Source { return src }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	for i := 0; i < 2; i++ {
		select {
		case <-handled:
		case <-time.After(2 * time.Second):
			t.Fatal("message not handled")
		}
	}
	cancel()
	<-done

	src.mu.Lock()
	defer src.mu.Unlock()
	if len(src.committed) != 2 {
		t.Fatalf("committed %d", len(src.committed))
	}
}

func TestRouterIgnoresUnknownTypes(t *testing.T) {
	r := NewRouter()
	env := redstone.MustEnvelope(redstone.OrderCompleted{OrderID: "o1"})
	if err := r.Dispatch(context.Background(), env); err != nil {
		t.Fatalf("err = %v", err)
	}
	if IsPermanent(nil) || Permanent(nil) != nil {
		t.Fatal("nil is never permanent")
	}
}
