package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/redstone/orderflow/internal/basket"
	"github.com/redstone/orderflow/internal/redstone"
)

const DefaultCurrency = "TRY"

var (
	ErrInvalid    = errors.New("invalid order request")
	ErrMissingKey = errors.New("missing Idempotency-Key header")
)

type CreateRequest struct {
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
	CustomerID string `json:"customer_id"`
}

// Service creates orders. The order row, its idempotency key and the
// OrderCreated message commit in one transaction.
type Service struct {
	Store   Store
	Baskets basket.Store
	Log     *redstone.Logger
	// IdempotencyTTL is how long a key keeps returning the same order.
	IdempotencyTTL time.Duration
	Now            func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func (s *Service) ttl() time.Duration {
	if s.IdempotencyTTL <= 0 {
		return 24 * time.Hour
	}
	return s.IdempotencyTTL
}

// Create returns the order for key, creating it when the key is new or
// expired. created reports which happened.
func (s *Service) Create(ctx context.Context, key string, req CreateRequest) (o *Order, created bool, err error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false, ErrMissingKey
	}
	if req.Amount <= 0 {
		return nil, false, fmt.Errorf("%w: amount must be positive", ErrInvalid)
	}
	if req.Currency == "" {
		req.Currency = DefaultCurrency
	}
	if req.CustomerID == "" {
		req.CustomerID = basket.Anonymous
	}

	// a concurrent request with the same key wins the insert; the second
	// pass then finds its order
	for attempt := 0; attempt < 2; attempt++ {
		o, created, err = s.create(ctx, key, req)
		if !errors.Is(err, ErrKeyTaken) {
			break
		}
	}
	if err != nil {
		return nil, false, err
	}
	if created {
		s.Log.Info(ctx, "order created", map[string]any{"order_id": o.ID, "amount": o.Amount, "currency": o.Currency, "customer_id": o.CustomerID})
	} else {
		s.Log.Info(ctx, "idempotency key already used, returning existing order", map[string]any{"order_id": o.ID, "idempotency_key": key})
	}
	return o, created, nil
}

func (s *Service) create(ctx context.Context, key string, req CreateRequest) (*Order, bool, error) {
	var (
		out     *Order
		created bool
	)
	err := s.Store.InTx(ctx, func(tx Tx) error {
		existing, err := s.lookup(ctx, tx, key)
		if err != nil {
			return err
		}
		if existing != nil {
			out = existing
			return nil
		}

		now := s.now()
		o := &Order{
			ID:            uuid.NewString(),
			CustomerID:    req.CustomerID,
			Amount:        req.Amount,
			Currency:      req.Currency,
			Status:        PendingPayment,
			CorrelationID: correlationID(ctx),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := tx.InsertOrder(ctx, o); err != nil {
			return err
		}
		if err := tx.InsertIdempotencyKey(ctx, key, o.ID, now.Add(s.ttl())); err != nil {
			return err
		}

		env, err := redstone.NewEnvelope(redstone.OrderCreated{
			OrderID:      o.ID,
			Amount:       o.Amount,
			Currency:     o.Currency,
			CustomerID:   o.CustomerID,
			CreatedAtUTC: now,
		})
		if err != nil {
			return err
		}
		if err := tx.Enqueue(ctx, env); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, o.ID, env.EventType, env.Payload); err != nil {
			return err
		}
		out, created = o, true
		return nil
	})
	return out, created, err
}

// lookup returns the live order behind key, or nil. Expired keys and keys
// whose order vanished are deleted so the caller can reuse them.
func (s *Service) lookup(ctx context.Context, tx Tx, key string) (*Order, error) {
	orderID, expireAt, err := tx.IdempotencyKey(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !expireAt.After(s.now()) {
		return nil, tx.DeleteIdempotencyKey(ctx, key)
	}
	o, err := tx.Order(ctx, orderID)
	if errors.Is(err, ErrNotFound) {
		return nil, tx.DeleteIdempotencyKey(ctx, key)
	}
	return o, err
}

// CreateFromBasket turns the customer's basket into an order. A replayed key
// returns its order without reading the basket.
func (s *Service) CreateFromBasket(ctx context.Context, key, customerID string) (*Order, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false, ErrMissingKey
	}
	var existing *Order
	err := s.Store.InTx(ctx, func(tx Tx) error {
		var err error
		existing, err = s.lookup(ctx, tx, key)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	b, err := s.Baskets.Get(ctx, customerID)
	if err != nil {
		return nil, false, err
	}
	if len(b.Items) == 0 {
		return nil, false, fmt.Errorf("%w: basket is empty", ErrInvalid)
	}
	currency := ""
	for _, it := range b.Items {
		if it.Currency == "" {
			continue
		}
		if currency != "" && !strings.EqualFold(currency, it.Currency) {
			return nil, false, fmt.Errorf("%w: multiple currencies in basket are not supported", ErrInvalid)
		}
		currency = it.Currency
	}

	o, created, err := s.Create(ctx, key, CreateRequest{Amount: b.Total, Currency: strings.ToUpper(currency), CustomerID: customerID})
	if err != nil || !created {
		return o, created, err
	}
	if err := s.Baskets.Clear(ctx, customerID); err != nil {
		s.Log.Warn(ctx, "basket clear failed", map[string]any{"err": err, "customer_id": customerID})
	}
	return o, true, nil
}

// correlationID is the trace id of the request, when traced.
func correlationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
