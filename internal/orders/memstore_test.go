package orders

import (
	"context"
	"sync"
	"time"

	"github.com/redstone/orderflow/internal/basket"
	"github.com/redstone/orderflow/internal/inbox"
	"github.com/redstone/orderflow/internal/redstone"
)

type memKey struct {
	orderID  string
	expireAt time.Time
}

type memState struct {
	orders   map[string]Order
	payments map[string]Payment
	keys     map[string]memKey
	ledger   map[string]bool
	timeline map[string][]TimelineEntry
	outbox   []redstone.Envelope
}

func (s memState) copy() memState {
	c := memState{
		orders:   map[string]Order{},
		payments: map[string]Payment{},
		keys:     map[string]memKey{},
		ledger:   map[string]bool{},
		timeline: map[string][]TimelineEntry{},
		outbox:   append([]redstone.Envelope(nil), s.outbox...),
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.keys {
		c.keys[k] = v
	}
	for k, v := range s.ledger {
		c.ledger[k] = v
	}
	for k, v := range s.timeline {
		c.timeline[k] = append([]TimelineEntry(nil), v...)
	}
	return c
}

// memStore commits a transaction's working copy only when fn succeeds.
type memStore struct {
	mu    sync.Mutex
	state memState
	// beforeKeyInsert runs inside InsertIdempotencyKey, once.
	beforeKeyInsert func(*memState)
}

func newMemStore() *memStore {
	return &memStore{state: memState{}.copy()}
}

func (s *memStore) InTx(ctx context.Context, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memTx{s: s, st: s.state.copy()}
	if err := fn(tx); err != nil {
		return err
	}
	s.state = tx.st
	return nil
}

func (s *memStore) Get(ctx context.Context, id string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.state.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	if p, ok := s.state.payments[id]; ok {
		o.Payment = &p
	}
	return &o, nil
}

func (s *memStore) Timeline(ctx context.Context, id string) ([]TimelineEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.timeline[id], nil
}

func (s *memStore) published() []redstone.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.outbox
}

type memTx struct {
	s  *memStore
	st memState
}

func (t *memTx) Processed(ctx context.Context, id string) (bool, error) { return t.st.ledger[id], nil }

func (t *memTx) MarkProcessed(ctx context.Context, rec inbox.Record) error {
	if t.st.ledger[rec.MessageID] {
		return inbox.ErrDuplicate
	}
	t.st.ledger[rec.MessageID] = true
	return nil
}

func (t *memTx) Order(ctx context.Context, id string) (*Order, error) {
	o, ok := t.st.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &o, nil
}

func (t *memTx) InsertOrder(ctx context.Context, o *Order) error {
	t.st.orders[o.ID] = *o
	return nil
}

func (t *memTx) SaveOrder(ctx context.Context, o *Order) error {
	c := *o
	c.Payment = nil
	t.st.orders[o.ID] = c
	return nil
}

func (t *memTx) Payment(ctx context.Context, orderID string) (*Payment, error) {
	p, ok := t.st.payments[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (t *memTx) SavePayment(ctx context.Context, p *Payment) error {
	t.st.payments[p.OrderID] = *p
	return nil
}

func (t *memTx) IdempotencyKey(ctx context.Context, key string) (string, time.Time, error) {
	k, ok := t.st.keys[key]
	if !ok {
		return "", time.Time{}, ErrNotFound
	}
	return k.orderID, k.expireAt, nil
}

func (t *memTx) InsertIdempotencyKey(ctx context.Context, key, orderID string, expireAt time.Time) error {
	if hook := t.s.beforeKeyInsert; hook != nil {
		t.s.beforeKeyInsert = nil
		// simulate a concurrent request that committed first
		hook(&t.s.state)
		return ErrKeyTaken
	}
	if _, ok := t.st.keys[key]; ok {
		return ErrKeyTaken
	}
	t.st.keys[key] = memKey{orderID: orderID, expireAt: expireAt}
	return nil
}

func (t *memTx) DeleteIdempotencyKey(ctx context.Context, key string) error {
	delete(t.st.keys, key)
	return nil
}

func (t *memTx) AppendEvent(ctx context.Context, orderID, eventType string, payload []byte) error {
	t.st.timeline[orderID] = append(t.st.timeline[orderID], TimelineEntry{Type: eventType, Payload: payload, CreatedAt: time.Now()})
	return nil
}

func (t *memTx) Enqueue(ctx context.Context, env redstone.Envelope) error {
	t.st.outbox = append(t.st.outbox, env)
	return nil
}

type fakeBaskets struct {
	mu       sync.Mutex
	baskets  map[string]basket.Basket
	cleared  []string
	clearErr error
}

func (f *fakeBaskets) Get(ctx context.Context, customerID string) (basket.Basket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.baskets[customerID]
	if !ok {
		return basket.Basket{CustomerID: customerID}, nil
	}
	return b, nil
}

func (f *fakeBaskets) Add(ctx context.Context, customerID string, item basket.Item) (basket.Basket, error) {
	return basket.Basket{}, nil
}

func (f *fakeBaskets) Remove(ctx context.Context, customerID, productID string) (basket.Basket, error) {
	return basket.Basket{}, nil
}

func (f *fakeBaskets) Clear(ctx context.Context, customerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, customerID)
	delete(f.baskets, customerID)
	return f.clearErr
}
