// Package redis holds the Redis-backed helpers of the billing service: the
// operation key cache used by refunds and the lock that keeps reconciliation
// cycles from overlapping across replicas.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const opKeyPrefix = "billing:opkey:"

// OpKeyCache caches Robokassa operation keys by invoice ID.
type OpKeyCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewOpKeyCache creates a cache whose entries expire after ttl.
func NewOpKeyCache(client *redis.Client, ttl time.Duration) *OpKeyCache {
	return &OpKeyCache{client: client, ttl: ttl}
}

// GetOpKey returns the cached key; ok is false on a miss.
func (c *OpKeyCache) GetOpKey(ctx context.Context, invoiceID string) (string, bool, error) {
	key, err := c.client.Get(ctx, opKeyPrefix+invoiceID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("redis get op key: %w", err)
	}
	return key, true, nil
}

// SetOpKey caches the key for an invoice.
func (c *OpKeyCache) SetOpKey(ctx context.Context, invoiceID, opKey string) error {
	if err := c.client.Set(ctx, opKeyPrefix+invoiceID, opKey, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set op key: %w", err)
	}
	return nil
}
