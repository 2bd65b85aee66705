package sandwich

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gocache "github.com/patrickmn/go-cache"
)

// TxStatusCache remembers transactions that left the mempool so late candidates
// for them are dropped before any work is spent.
type TxStatusCache interface {
	MarkMined(ctx context.Context, hashes []common.Hash) error
	IsResolved(ctx context.Context, hash common.Hash) (bool, error)
}

// MemoryTxStatusCache is the in-process TxStatusCache used when redis is not configured.
type MemoryTxStatusCache struct {
	cache *gocache.Cache
}

func NewMemoryTxStatusCache(expiry time.Duration) *MemoryTxStatusCache {
	return &MemoryTxStatusCache{cache: gocache.New(expiry, expiry)}
}

func (c *MemoryTxStatusCache) MarkMined(_ context.Context, hashes []common.Hash) error {
	for _, h := range hashes {
		c.cache.SetDefault(h.Hex(), struct{}{})
	}
	return nil
}

func (c *MemoryTxStatusCache) IsResolved(_ context.Context, hash common.Hash) (bool, error) {
	_, found := c.cache.Get(hash.Hex())
	return found, nil
}
