package orders

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/redstone/orderflow/internal/basket"
	"github.com/redstone/orderflow/internal/redstone"
)

func newTestService() (*Service, *memStore, *fakeBaskets) {
	store := newMemStore()
	baskets := &fakeBaskets{baskets: map[string]basket.Basket{}}
	svc := &Service{
		Store:          store,
		Baskets:        baskets,
		Log:            redstone.NewLoggerTo(io.Discard, "order-service"),
		IdempotencyTTL: 24 * time.Hour,
	}
	return svc, store, baskets
}

func TestCreateOrder(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()

	o, created, err := svc.Create(ctx, "key-1", CreateRequest{Amount: 5000})
	if err != nil || !created {
		t.Fatalf("created=%v err=%v", created, err)
	}
	if o.Status != PendingPayment || o.Currency != "TRY" || o.CustomerID != "anonymous" {
		t.Fatalf("defaults not applied: %+v", o)
	}

	out := store.published()
	if len(out) != 1 || out[0].EventType != redstone.TypeOrderCreated || out[0].OrderID != o.ID {
		t.Fatalf("outbox = %+v", out)
	}
	var ev redstone.OrderCreated
	if err := out[0].Decode(&ev); err != nil || ev.Amount != 5000 || ev.CustomerID != "anonymous" {
		t.Fatalf("OrderCreated = %+v, %v", ev, err)
	}
}

func TestCreateOrderIsIdempotent(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()

	first, _, _ := svc.Create(ctx, "key-1", CreateRequest{Amount: 100, Currency: "EUR"})
	again, created, err := svc.Create(ctx, "key-1", CreateRequest{Amount: 999})
	if err != nil || created {
		t.Fatalf("created=%v err=%v", created, err)
	}
	if again.ID != first.ID || again.Amount != 100 {
		t.Fatalf("replay returned %+v, want order %s", again, first.ID)
	}
	if n := len(store.published()); n != 1 {
		t.Fatalf("OrderCreated enqueued %d times", n)
	}
}

func TestExpiredKeyCreatesNewOrder(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	svc.Now = func() time.Time { return now }

	first, _, _ := svc.Create(ctx, "key-1", CreateRequest{Amount: 100})
	now = now.Add(25 * time.Hour)
	second, created, err := svc.Create(ctx, "key-1", CreateRequest{Amount: 100})
	if err != nil || !created || second.ID == first.ID {
		t.Fatalf("expired key reused: created=%v err=%v", created, err)
	}
}

func TestConcurrentKeyReturnsWinner(t *testing.T) {
	svc, store, _ := newTestService()
	winner := Order{ID: "winner", Amount: 100, Currency: "TRY", Status: PendingPayment}
	store.beforeKeyInsert = func(st *memState) {
		st.orders[winner.ID] = winner
		st.keys["key-1"] = memKey{orderID: winner.ID, expireAt: time.Now().Add(time.Hour)}
	}

	o, created, err := svc.Create(context.Background(), "key-1", CreateRequest{Amount: 100})
	if err != nil || created || o.ID != "winner" {
		t.Fatalf("got %+v created=%v err=%v", o, created, err)
	}
	if len(store.published()) != 0 {
		t.Fatal("losing request enqueued OrderCreated")
	}
}

func TestCreateOrderValidation(t *testing.T) {
	svc, _, _ := newTestService()
	tests := []struct {
		name string
		key  string
		req  CreateRequest
		want error
	}{
		{"missing key", " ", CreateRequest{Amount: 1}, ErrMissingKey},
		{"zero amount", "k", CreateRequest{}, ErrInvalid},
		{"negative amount", "k", CreateRequest{Amount: -5}, ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := svc.Create(context.Background(), tt.key, tt.req); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCreateFromBasket(t *testing.T) {
	svc, store, baskets := newTestService()
	ctx := context.Background()
	baskets.baskets["alice"] = basket.Basket{
		CustomerID: "alice",
		Items: []basket.Item{
			{ProductID: "p1", Quantity: 2, UnitPrice: 1500, Currency: "eur"},
			{ProductID: "p2", Quantity: 1, UnitPrice: 500, Currency: "EUR"},
		},
		Total: 3500,
	}

	o, created, err := svc.CreateFromBasket(ctx, "key-b", "alice")
	if err != nil || !created {
		t.Fatalf("created=%v err=%v", created, err)
	}
	if o.Amount != 3500 || o.Currency != "EUR" || o.CustomerID != "alice" {
		t.Fatalf("order = %+v", o)
	}
	if len(baskets.cleared) != 1 || baskets.cleared[0] != "alice" {
		t.Fatalf("basket not cleared: %v", baskets.cleared)
	}

	// replay does not need the basket any more
	again, created, err := svc.CreateFromBasket(ctx, "key-b", "alice")
	if err != nil || created || again.ID != o.ID {
		t.Fatalf("replay: %+v created=%v err=%v", again, created, err)
	}
	if len(store.published()) != 1 {
		t.Fatalf("published %d", len(store.published()))
	}
}

func TestCreateFromBasketRejects(t *testing.T) {
	svc, _, baskets := newTestService()
	baskets.baskets["mixed"] = basket.Basket{Items: []basket.Item{
		{ProductID: "a", Quantity: 1, UnitPrice: 1, Currency: "TRY"},
		{ProductID: "b", Quantity: 1, UnitPrice: 1, Currency: "USD"},
	}, Total: 2}

	for _, customer := range []string{"nobody", "mixed"} {
		if _, _, err := svc.CreateFromBasket(context.Background(), "k-"+customer, customer); !errors.Is(err, ErrInvalid) {
			t.Errorf("%s: err = %v", customer, err)
		}
	}
}

func TestAdvanceIsMonotonic(t *testing.T) {
	now := time.Now()
	o := &Order{Status: PendingPayment}
	for _, s := range []Status{EmailSent, Paid, StockReserved} {
		o.advance(s, now)
	}
	if o.Status != EmailSent {
		t.Fatalf("status = %s, want EmailSent", o.Status)
	}
	o.advance(Completed, now)
	o.advance(Failed, now)
	if o.Status != Completed {
		t.Fatalf("terminal status changed to %s", o.Status)
	}
}
