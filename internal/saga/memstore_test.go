package saga

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/redstone/orderflow/internal/inbox"
	"github.com/redstone/orderflow/internal/redstone"
)

// memStore is a transactional fake: each InTx works on copies that replace
// the committed maps only when fn returns nil.
type memStore struct {
	mu         sync.Mutex
	instances  map[string]Instance
	tombstones map[string]State
	ledger     map[string]bool
	published  []redstone.Envelope
	scheduled  map[string]redstone.Envelope
	cancelled  map[string]bool

	// locks lists the order ids locked, in order.
	locks []string

	// conflicts makes the next n writes fail with ErrConflict.
	conflicts int
}

func newMemStore() *memStore {
	return &memStore{
		instances:  map[string]Instance{},
		tombstones: map[string]State{},
		ledger:     map[string]bool{},
		scheduled:  map[string]redstone.Envelope{},
		cancelled:  map[string]bool{},
	}
}

func (s *memStore) InTx(ctx context.Context, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s,
		instances:  map[string]Instance{},
		tombstones: map[string]State{},
		ledger:     map[string]bool{},
		scheduled:  map[string]redstone.Envelope{},
		cancelled:  map[string]bool{},
	}
	for k, v := range s.instances {
		tx.instances[k] = *v.clone()
	}
	for k, v := range s.tombstones {
		tx.tombstones[k] = v
	}
	for k, v := range s.ledger {
		tx.ledger[k] = v
	}
	for k, v := range s.scheduled {
		tx.scheduled[k] = v
	}
	for k, v := range s.cancelled {
		tx.cancelled[k] = v
	}

	if err := fn(tx); err != nil {
		return err
	}
	s.instances = tx.instances
	s.tombstones = tx.tombstones
	s.ledger = tx.ledger
	s.scheduled = tx.scheduled
	s.cancelled = tx.cancelled
	s.published = append(s.published, tx.published...)
	return nil
}

func (s *memStore) Get(ctx context.Context, orderID string) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	return inst.clone(), nil
}

func (s *memStore) Tombstone(ctx context.Context, orderID string) (State, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tombstones[orderID]
	if !ok {
		return "", time.Time{}, ErrNotFound
	}
	return st, time.Time{}, nil
}

func (s *memStore) publishedTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, env := range s.published {
		out = append(out, env.EventType)
	}
	return out
}

type memTx struct {
	s          *memStore
	instances  map[string]Instance
	tombstones map[string]State
	ledger     map[string]bool
	published  []redstone.Envelope
	scheduled  map[string]redstone.Envelope
	cancelled  map[string]bool
	locked     string
}

func (t *memTx) conflict() bool {
	if t.s.conflicts > 0 {
		t.s.conflicts--
		return true
	}
	return false
}

func (t *memTx) Processed(ctx context.Context, id string) (bool, error) { return t.ledger[id], nil }

func (t *memTx) MarkProcessed(ctx context.Context, rec inbox.Record) error {
	if t.ledger[rec.MessageID] {
		return inbox.ErrDuplicate
	}
	t.ledger[rec.MessageID] = true
	return nil
}

func (t *memTx) Lock(ctx context.Context, orderID string) error {
	t.locked = orderID
	t.s.locks = append(t.s.locks, orderID)
	return nil
}

func (t *memTx) checkLocked(orderID string) error {
	if t.locked != orderID {
		return fmt.Errorf("order %s read without its lock", orderID)
	}
	return nil
}

func (t *memTx) Load(ctx context.Context, orderID string) (*Instance, error) {
	if err := t.checkLocked(orderID); err != nil {
		return nil, err
	}
	inst, ok := t.instances[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	return inst.clone(), nil
}

func (t *memTx) Insert(ctx context.Context, inst *Instance) error {
	if _, ok := t.instances[inst.OrderID]; ok || t.conflict() {
		return ErrConflict
	}
	inst.Version = 1
	t.instances[inst.OrderID] = *inst.clone()
	return nil
}

func (t *memTx) Update(ctx context.Context, inst *Instance) error {
	stored, ok := t.instances[inst.OrderID]
	if !ok || stored.Version != inst.Version || t.conflict() {
		return ErrConflict
	}
	inst.Version++
	t.instances[inst.OrderID] = *inst.clone()
	return nil
}

func (t *memTx) Delete(ctx context.Context, orderID string, version int64) error {
	stored, ok := t.instances[orderID]
	if !ok || stored.Version != version || t.conflict() {
		return ErrConflict
	}
	delete(t.instances, orderID)
	return nil
}

func (t *memTx) Finalized(ctx context.Context, orderID string) (bool, error) {
	if err := t.checkLocked(orderID); err != nil {
		return false, err
	}
	_, ok := t.tombstones[orderID]
	return ok, nil
}

func (t *memTx) MarkFinalized(ctx context.Context, orderID string, state State) error {
	if _, ok := t.tombstones[orderID]; ok {
		return ErrConflict
	}
	t.tombstones[orderID] = state
	return nil
}

func (t *memTx) Publish(ctx context.Context, env redstone.Envelope) error {
	t.published = append(t.published, env)
	return nil
}

func (t *memTx) Schedule(ctx context.Context, env redstone.Envelope, delay time.Duration) (string, error) {
	token := uuid.NewString()
	t.scheduled[token] = env
	return token, nil
}

func (t *memTx) Cancel(ctx context.Context, token string) error {
	t.cancelled[token] = true
	return nil
}
