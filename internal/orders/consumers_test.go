package orders

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/redstone/orderflow/internal/bus"
	"github.com/redstone/orderflow/internal/redstone"
)

func newTestProjector(t *testing.T) (*bus.Router, *memStore, *fakeBaskets, *Order) {
	t.Helper()
	svc, store, baskets := newTestService()
	o, _, err := svc.Create(context.Background(), "k", CreateRequest{Amount: 100, CustomerID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	p := &Projector{Store: store, Baskets: baskets, Log: redstone.NewLoggerTo(io.Discard, "order-service")}
	r := bus.NewRouter()
	p.Routes(r)
	return r, store, baskets, o
}

func dispatch(t *testing.T, r *bus.Router, env redstone.Envelope) {
	t.Helper()
	if err := r.Dispatch(context.Background(), env); err != nil {
		t.Fatalf("%s: %v", env.EventType, err)
	}
}

var at = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func TestProjectorHappyPath(t *testing.T) {
	r, store, baskets, o := newTestProjector(t)

	dispatch(t, r, redstone.MustEnvelope(redstone.PaymentSucceeded{OrderID: o.ID, PaymentID: "pay-1", Amount: 100, Currency: "TRY", SucceededAtUTC: at}))
	dispatch(t, r, redstone.MustEnvelope(redstone.ReceiptEmailSent{OrderID: o.ID, SentAtUTC: at}))
	dispatch(t, r, redstone.MustEnvelope(redstone.StockReserved{OrderID: o.ID, ReservedAtUTC: at}))

	got, _ := store.Get(context.Background(), o.ID)
	if got.Status != EmailSent {
		t.Fatalf("status = %s, want EmailSent", got.Status)
	}
	if got.PaidAt == nil || got.StockReservedAt == nil || got.EmailSentAt == nil {
		t.Fatalf("timestamps missing: %+v", got)
	}
	if got.Payment == nil || got.Payment.Status != PaymentSucceeded || got.Payment.PaymentID != "pay-1" {
		t.Fatalf("payment = %+v", got.Payment)
	}
	if len(baskets.cleared) != 1 || baskets.cleared[0] != "alice" {
		t.Fatalf("basket clears = %v", baskets.cleared)
	}

	dispatch(t, r, redstone.MustEnvelope(redstone.OrderCompleted{OrderID: o.ID, CompletedAtUTC: at}))
	got, _ = store.Get(context.Background(), o.ID)
	if got.Status != Completed || got.CompletedAt == nil {
		t.Fatalf("not completed: %+v", got)
	}

	timeline, _ := store.Timeline(context.Background(), o.ID)
	if len(timeline) != 5 || timeline[0].Type != redstone.TypeOrderCreated {
		t.Fatalf("timeline = %+v", timeline)
	}
}

func TestProjectorIgnoresRedelivery(t *testing.T) {
	r, store, baskets, o := newTestProjector(t)
	env := redstone.MustEnvelope(redstone.PaymentSucceeded{OrderID: o.ID, PaymentID: "pay-1", Amount: 100, Currency: "TRY", SucceededAtUTC: at})

	dispatch(t, r, env)
	dispatch(t, r, env)

	if len(baskets.cleared) != 1 {
		t.Fatalf("basket cleared %d times", len(baskets.cleared))
	}
	timeline, _ := store.Timeline(context.Background(), o.ID)
	if len(timeline) != 2 {
		t.Fatalf("timeline has %d entries", len(timeline))
	}
}

func TestProjectorFirstWriteWins(t *testing.T) {
	r, store, _, o := newTestProjector(t)
	later := at.Add(time.Hour)
	dispatch(t, r, redstone.MustEnvelope(redstone.StockReserved{OrderID: o.ID, ReservedAtUTC: at}))
	dispatch(t, r, redstone.MustEnvelope(redstone.StockReserved{OrderID: o.ID, ReservedAtUTC: later}))

	got, _ := store.Get(context.Background(), o.ID)
	if !got.StockReservedAt.Equal(at) {
		t.Fatalf("stock_reserved_at = %v, want %v", got.StockReservedAt, at)
	}
}

func TestProjectorFailurePaths(t *testing.T) {
	t.Run("order failed", func(t *testing.T) {
		r, store, _, o := newTestProjector(t)
		dispatch(t, r, redstone.MustEnvelope(redstone.OrderFailed{OrderID: o.ID, Reason: "bank_status=503", FailedAtUTC: at}))
		got, _ := store.Get(context.Background(), o.ID)
		if got.Status != Failed || got.FailReason != "bank_status=503" {
			t.Fatalf("got %+v", got)
		}
	})

	t.Run("refund requested then refunded", func(t *testing.T) {
		r, store, _, o := newTestProjector(t)
		dispatch(t, r, redstone.MustEnvelope(redstone.PaymentSucceeded{OrderID: o.ID, PaymentID: "pay-1", Amount: 100, Currency: "TRY", SucceededAtUTC: at}))
		dispatch(t, r, redstone.MustEnvelope(redstone.RefundRequested{OrderID: o.ID, Amount: 100, Currency: "TRY", Reason: "stock_failed: out of stock", RequestedAtUTC: at}))
		dispatch(t, r, redstone.MustEnvelope(redstone.PaymentRefunded{OrderID: o.ID, PaymentID: "pay-1", RefundID: "ref-1", Amount: 100, Currency: "TRY", RefundedAtUTC: at}))

		got, _ := store.Get(context.Background(), o.ID)
		if got.Status != Failed || got.FailReason != "stock_failed: out of stock" {
			t.Fatalf("order = %+v", got)
		}
		if got.Payment.Status != PaymentRefunded || got.Payment.RefundID != "ref-1" {
			t.Fatalf("payment = %+v", got.Payment)
		}
	})

	t.Run("late payment does not revive refunded payment", func(t *testing.T) {
		r, store, _, o := newTestProjector(t)
		dispatch(t, r, redstone.MustEnvelope(redstone.PaymentRefunded{OrderID: o.ID, PaymentID: "pay-1", RefundID: "ref-1", Amount: 100, Currency: "TRY"}))
		dispatch(t, r, redstone.MustEnvelope(redstone.PaymentSucceeded{OrderID: o.ID, PaymentID: "pay-1", Amount: 100, Currency: "TRY", SucceededAtUTC: at}))
		got, _ := store.Get(context.Background(), o.ID)
		if got.Payment.Status != PaymentRefunded {
			t.Fatalf("payment = %+v", got.Payment)
		}
	})
}

func TestProjectorUnknownOrderIsRecorded(t *testing.T) {
	r, store, baskets, _ := newTestProjector(t)
	env := redstone.MustEnvelope(redstone.PaymentSucceeded{OrderID: "missing", SucceededAtUTC: at})
	dispatch(t, r, env)

	if !store.state.ledger[env.EventID] {
		t.Fatal("missing-order message not recorded in the ledger")
	}
	if len(baskets.cleared) != 0 {
		t.Fatal("basket cleared for unknown order")
	}
}

func TestProjectorSurvivesBasketOutage(t *testing.T) {
	r, store, baskets, o := newTestProjector(t)
	baskets.clearErr = errors.New("redis down")
	dispatch(t, r, redstone.MustEnvelope(redstone.PaymentSucceeded{OrderID: o.ID, CustomerID: "alice", SucceededAtUTC: at}))

	got, _ := store.Get(context.Background(), o.ID)
	if got.Status != Paid {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestProjectorRejectsBadPayload(t *testing.T) {
	r, _, _, o := newTestProjector(t)
	env := redstone.MustEnvelope(redstone.StockReserved{OrderID: o.ID})
	env.Payload = []byte(`[]`)
	if err := r.Dispatch(context.Background(), env); !bus.IsPermanent(err) {
		t.Fatalf("err = %v", err)
	}
}
