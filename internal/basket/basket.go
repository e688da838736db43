// Package basket keeps customers' shopping baskets in Redis. A basket is a
// hash per customer with one field per product.
package basket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const Anonymous = "anonymous"

var ErrInvalidItem = errors.New("invalid basket item")

type Item struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
	Currency  string `json:"currency"`
}

type Basket struct {
	CustomerID string `json:"customer_id"`
	Items      []Item `json:"items"`
	Total      int64  `json:"total"`
}

func (i Item) validate() error {
	if strings.TrimSpace(i.ProductID) == "" || i.Quantity <= 0 || i.UnitPrice < 0 {
		return ErrInvalidItem
	}
	return nil
}

type Store interface {
	Get(ctx context.Context, customerID string) (Basket, error)
	Add(ctx context.Context, customerID string, item Item) (Basket, error)
	Remove(ctx context.Context, customerID, productID string) (Basket, error)
	Clear(ctx context.Context, customerID string) error
}

// NewClient connects to addr and pings it.
func NewClient(ctx context.Context, addr string) (*redis.Client, error) {
	c := redis.NewClient(&redis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return c, nil
}

type RedisStore struct {
	Client *redis.Client
	// TTL is refreshed on every write; abandoned baskets expire.
	TTL time.Duration
}

func NewRedisStore(c *redis.Client) *RedisStore {
	return &RedisStore{Client: c, TTL: 7 * 24 * time.Hour}
}

// customer ids are case insensitive
func key(customerID string) string {
	return "basket:" + strings.ToLower(customerID)
}

func (s *RedisStore) Get(ctx context.Context, customerID string) (Basket, error) {
	fields, err := s.Client.HGetAll(ctx, key(customerID)).Result()
	if err != nil {
		return Basket{}, fmt.Errorf("basket get: %w", err)
	}
	b := Basket{CustomerID: customerID, Items: make([]Item, 0, len(fields))}
	for _, raw := range fields {
		var it Item
		if err := json.Unmarshal([]byte(raw), &it); err != nil {
			return Basket{}, fmt.Errorf("basket decode: %w", err)
		}
		b.Items = append(b.Items, it)
	}
	sort.Slice(b.Items, func(i, j int) bool { return b.Items[i].ProductID < b.Items[j].ProductID })
	b.Total = total(b.Items)
	return b, nil
}

// Add merges item into the basket: an existing product has its quantity
// increased and its name, price and currency replaced.
func (s *RedisStore) Add(ctx context.Context, customerID string, item Item) (Basket, error) {
	if err := item.validate(); err != nil {
		return Basket{}, err
	}
	k := key(customerID)

	merge := func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, k, item.ProductID).Result()
		next := item
		switch {
		case err == nil:
			var cur Item
			if err := json.Unmarshal([]byte(raw), &cur); err == nil {
				next.Quantity += cur.Quantity
			}
		case !errors.Is(err, redis.Nil):
			return err
		}
		b, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, k, item.ProductID, b)
			p.Expire(ctx, k, s.TTL)
			return nil
		})
		return err
	}

	var err error
	for i := 0; i < 3; i++ {
		err = s.Client.Watch(ctx, merge, k)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return Basket{}, fmt.Errorf("basket add: %w", err)
	}
	return s.Get(ctx, customerID)
}

func (s *RedisStore) Remove(ctx context.Context, customerID, productID string) (Basket, error) {
	if err := s.Client.HDel(ctx, key(customerID), productID).Err(); err != nil {
		return Basket{}, fmt.Errorf("basket remove: %w", err)
	}
	return s.Get(ctx, customerID)
}

func (s *RedisStore) Clear(ctx context.Context, customerID string) error {
	if err := s.Client.Del(ctx, key(customerID)).Err(); err != nil {
		return fmt.Errorf("basket clear: %w", err)
	}
	return nil
}

func total(items []Item) int64 {
	var t int64
	for _, it := range items {
		t += it.UnitPrice * int64(it.Quantity)
	}
	return t
}
