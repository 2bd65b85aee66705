package sandwich

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/sandwich-searcher/metrics"
	"github.com/flashbots/sandwich-searcher/spike"
	"go.uber.org/zap"
)

// snapshots of one block stay addressable for a couple of block intervals
var poolFetchCacheTime = 30 * time.Second

type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// PoolReader loads the state of a pool as of a confirmed block.
type PoolReader interface {
	ReadPool(ctx context.Context, pool common.Address, block uint64) (PoolState, error)
}

type ContractPoolReader struct {
	caller ContractCaller
}

func NewContractPoolReader(caller ContractCaller) *ContractPoolReader {
	return &ContractPoolReader{caller: caller}
}

func (r *ContractPoolReader) ReadPool(ctx context.Context, pool common.Address, block uint64) (PoolState, error) {
	var blockNumber *big.Int
	if block != 0 {
		blockNumber = new(big.Int).SetUint64(block)
	}
	call := func(data []byte) ([]byte, error) {
		ret, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &pool, Data: data}, blockNumber)
		if err != nil {
			return nil, transient(err)
		}
		return ret, nil
	}

	ret, err := call(Slot0Call{}.Encode())
	if err != nil {
		return PoolState{}, err
	}
	slot0, err := Slot0Call{}.Decode(ret)
	if err != nil {
		return PoolState{}, err
	}
	ret, err = call(LiquidityCall{}.Encode())
	if err != nil {
		return PoolState{}, err
	}
	liquidity, err := LiquidityCall{}.Decode(ret)
	if err != nil {
		return PoolState{}, err
	}
	ret, err = call(FeeCall{}.Encode())
	if err != nil {
		return PoolState{}, err
	}
	fee, err := FeeCall{}.Decode(ret)
	if err != nil {
		return PoolState{}, err
	}

	return PoolState{
		Address:      pool,
		SqrtPriceX96: slot0.SqrtPriceX96,
		Liquidity:    liquidity,
		Fee:          fee,
		BlockNumber:  block,
	}, nil
}

// PoolStateCache holds the latest known snapshot per pool. Readers get copies; a stale
// snapshot is served rather than blocking, and its Age lets callers decide.
type PoolStateCache struct {
	log    *zap.Logger
	reader PoolReader
	fetch  *spike.Manager[PoolState]
	now    func() time.Time

	mu    sync.RWMutex
	pools map[common.Address]PoolState
	// latest block announced to the cache, snapshots below it are superseded
	latestBlock atomic.Uint64
	watched     []common.Address
}

func NewPoolStateCache(log *zap.Logger, reader PoolReader, watched []common.Address) *PoolStateCache {
	c := &PoolStateCache{
		log:     log.Named("pools"),
		reader:  reader,
		now:     time.Now,
		pools:   make(map[common.Address]PoolState, len(watched)),
		watched: append([]common.Address(nil), watched...),
	}
	c.fetch = spike.NewManager(c.fetchKey, poolFetchCacheTime)
	return c
}

func poolKey(pool common.Address, block uint64) string {
	return fmt.Sprintf("%s@%d", pool.Hex(), block)
}

func (c *PoolStateCache) fetchKey(ctx context.Context, key string) (PoolState, error) {
	addr, blockStr, ok := strings.Cut(key, "@")
	if !ok {
		return PoolState{}, fmt.Errorf("invalid pool key %q", key)
	}
	block, err := strconv.ParseUint(blockStr, 10, 64)
	if err != nil {
		return PoolState{}, err
	}
	return c.reader.ReadPool(ctx, common.HexToAddress(addr), block)
}

// Get returns a copy of the latest snapshot of pool.
func (c *PoolStateCache) Get(pool common.Address) (PoolState, error) {
	c.mu.RLock()
	state, ok := c.pools[pool]
	c.mu.RUnlock()
	if !ok {
		return PoolState{}, ErrPoolNotFound
	}
	snapshot := state.Copy()
	snapshot.Age = c.now().Sub(state.UpdatedAt)
	return snapshot, nil
}

// Refresh recomputes pool from the given confirmed block. A failed refresh keeps the last-known value.
func (c *PoolStateCache) Refresh(ctx context.Context, pool common.Address, block uint64) error {
	state, err := c.fetch.GetResult(ctx, poolKey(pool, block))
	if err != nil {
		metrics.IncPoolRefreshFailures()
		return err
	}
	if _, _, err := state.Reserves(); err != nil {
		return err
	}
	state = state.Copy()
	state.UpdatedAt = c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if current, ok := c.pools[pool]; ok && current.BlockNumber > state.BlockNumber {
		return nil
	}
	c.pools[pool] = state
	return nil
}

// RefreshAll reloads the watched pools concurrently at block. Snapshots below block
// are superseded from the moment it is called.
func (c *PoolStateCache) RefreshAll(ctx context.Context, block uint64) {
	c.Advance(block)

	var wg sync.WaitGroup
	for _, pool := range c.watched {
		wg.Add(1)
		go func(pool common.Address) {
			defer wg.Done()
			if err := c.Refresh(ctx, pool, block); err != nil {
				c.log.Warn("Failed to refresh pool, keeping last known state",
					zap.String("pool", pool.Hex()), zap.Uint64("block", block), zap.Error(err))
			}
		}(pool)
	}
	wg.Wait()
}

// Advance announces block without loading anything: every older snapshot is superseded.
func (c *PoolStateCache) Advance(block uint64) {
	for {
		current := c.latestBlock.Load()
		if block <= current || c.latestBlock.CompareAndSwap(current, block) {
			return
		}
	}
}

// Superseded reports whether a newer block than the snapshot's has been announced.
func (c *PoolStateCache) Superseded(snapshot PoolState) bool {
	return c.latestBlock.Load() > snapshot.BlockNumber
}

// LatestBlock is the newest block the cache has been told about.
func (c *PoolStateCache) LatestBlock() uint64 {
	return c.latestBlock.Load()
}
