package payments

import (
	"context"
	"sync"

	"github.com/redstone/orderflow/internal/inbox"
	"github.com/redstone/orderflow/internal/redstone"
)

type memState struct {
	payments map[string]Payment
	ledger   map[string]bool
	outbox   []redstone.Envelope
}

func (s memState) copy() memState {
	c := memState{payments: map[string]Payment{}, ledger: map[string]bool{}, outbox: append([]redstone.Envelope(nil), s.outbox...)}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.ledger {
		c.ledger[k] = v
	}
	return c
}

type memStore struct {
	mu    sync.Mutex
	state memState
}

func newMemStore() *memStore { return &memStore{state: memState{}.copy()} }

func (s *memStore) InTx(ctx context.Context, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memTx{st: s.state.copy()}
	if err := fn(tx); err != nil {
		return err
	}
	s.state = tx.st
	return nil
}

func (s *memStore) Get(ctx context.Context, orderID string) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.state.payments[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (s *memStore) published() []redstone.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.outbox
}

type memTx struct {
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

func (t *memTx) Payment(ctx context.Context, orderID string) (*Payment, error) {
	p, ok := t.st.payments[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (t *memTx) InsertPayment(ctx context.Context, p *Payment) error {
	t.st.payments[p.OrderID] = *p
	return nil
}

func (t *memTx) SavePayment(ctx context.Context, p *Payment) error {
	t.st.payments[p.OrderID] = *p
	return nil
}

func (t *memTx) Enqueue(ctx context.Context, env redstone.Envelope) error {
	t.st.outbox = append(t.st.outbox, env)
	return nil
}
