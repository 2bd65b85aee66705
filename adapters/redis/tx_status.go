// Package redis provides redis backed implementations of the searcher's shared state
package redis

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/sandwich-searcher/sandwich"
	"github.com/redis/go-redis/v9"
)

var _ sandwich.TxStatusCache = (*TxStatusCache)(nil)

// TxStatusCache records mined transactions so every searcher instance sharing the
// redis drops candidates whose victim already left the mempool.
type TxStatusCache struct {
	client         *redis.Client
	expireDuration time.Duration
	keyPrefix      string
}

func NewTxStatusCache(client *redis.Client, expireDuration time.Duration, keyPrefix string) *TxStatusCache {
	return &TxStatusCache{
		client:         client,
		expireDuration: expireDuration,
		keyPrefix:      keyPrefix,
	}
}

func (c *TxStatusCache) key(hash common.Hash) string {
	return c.keyPrefix + hash.Hex()
}

func (c *TxStatusCache) MarkMined(ctx context.Context, hashes []common.Hash) error {
	if len(hashes) == 0 {
		return nil
	}
	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, h := range hashes {
			pipe.Set(ctx, c.key(h), 1, c.expireDuration)
		}
		return nil
	})
	return err
}

func (c *TxStatusCache) IsResolved(ctx context.Context, hash common.Hash) (bool, error) {
	return c.anyResolved(ctx, []common.Hash{hash})
}

// anyResolved reports whether any of hashes was marked mined.
func (c *TxStatusCache) anyResolved(ctx context.Context, hashes []common.Hash) (bool, error) {
	keys := make([]string, len(hashes))
	for i, h := range hashes {
		keys[i] = c.key(h)
	}
	res, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return false, err
	}
	for _, r := range res {
		if r != nil {
			return true, nil
		}
	}
	return false, nil
}

// DeleteAll deletes all the keys in the cache. It can be very slow and should only be used for testing.
func (c *TxStatusCache) DeleteAll(ctx context.Context) error {
	keys, err := c.client.Keys(ctx, c.keyPrefix+"*").Result()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}
