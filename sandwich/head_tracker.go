package sandwich

import (
	"context"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/sandwich-searcher/metrics"
	"go.uber.org/zap"
)

// HeadSource streams new heads and the data needed to react to them.
type HeadSource interface {
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	BlockByHash(ctx context.Context, hash common.Hash) (*types.Block, error)
}

type BlockUpdater interface {
	UpdateBlock(block uint64) error
}

type PoolRefresher interface {
	Advance(block uint64)
	RefreshAll(ctx context.Context, block uint64)
}

type BlockObserver interface {
	OnBlock(ctx context.Context, number uint64)
}

type HeadTrackerConfig struct {
	MaxPriorityFee *big.Int
	// HeadTimeout bounds the work done for one head
	HeadTimeout time.Duration
}

var DefaultHeadTrackerConfig = HeadTrackerConfig{
	HeadTimeout: 6 * time.Second,
}

// HeadTracker fans every new head out to the components that depend on the chain tip.
// Every dependency except source and gas is optional.
type HeadTracker struct {
	log       *zap.Logger
	source    HeadSource
	gas       *GasOracle
	queue     BlockUpdater
	pools     PoolRefresher
	status    TxStatusCache
	inclusion BlockObserver
	cfg       HeadTrackerConfig
	now       func() time.Time
}

func NewHeadTracker(log *zap.Logger, source HeadSource, gas *GasOracle, queue BlockUpdater, pools PoolRefresher, status TxStatusCache, inclusion BlockObserver, cfg HeadTrackerConfig) *HeadTracker {
	return &HeadTracker{
		log:       log.Named("heads"),
		source:    source,
		gas:       gas,
		queue:     queue,
		pools:     pools,
		status:    status,
		inclusion: inclusion,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Run follows the chain head until ctx is done, resubscribing after failures.
func (h *HeadTracker) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0

	for {
		err := h.follow(ctx, bo.Reset)
		if ctx.Err() != nil {
			return nil
		}
		metrics.IncHeadSubscriptionErrors()
		wait := bo.NextBackOff()
		h.log.Warn("Head subscription interrupted, reconnecting", zap.Error(err), zap.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (h *HeadTracker) follow(ctx context.Context, connected func()) error {
	heads := make(chan *types.Header, 16)
	sub, err := h.source.SubscribeNewHead(ctx, heads)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()
	connected()
	h.log.Info("Subscribed to new heads")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return err
		case header := <-heads:
			h.OnHead(ctx, header)
		}
	}
}

// OnHead applies header. Pool snapshots and the queue block move before any RPC is
// made, so in-flight candidates sized against the previous head fail their next
// freshness check instead of targeting a block that is already mined.
func (h *HeadTracker) OnHead(ctx context.Context, header *types.Header) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.HeadTimeout)
	defer cancel()

	number := header.Number.Uint64()
	log := h.log.With(zap.Uint64("block", number))

	if h.pools != nil {
		h.pools.Advance(number)
	}
	if h.queue != nil {
		if err := h.queue.UpdateBlock(number); err != nil {
			log.Warn("Head older than queue block", zap.Error(err))
		}
	}

	tip, err := h.source.SuggestGasTipCap(ctx)
	if err != nil {
		log.Warn("Failed to get priority fee suggestion, keeping previous tip", zap.Error(err))
		if prev, qerr := h.gas.Quote(); qerr == nil {
			tip = prev.PriorityFee
		}
	}
	h.gas.Update(QuoteFromHeader(header, tip, h.cfg.MaxPriorityFee, h.now()))

	if h.status != nil {
		h.markMined(ctx, log, header.Hash())
	}
	if h.pools != nil {
		h.pools.RefreshAll(ctx, number)
	}
	if h.inclusion != nil {
		h.inclusion.OnBlock(ctx, number)
	}
	log.Debug("Processed head")
}

func (h *HeadTracker) markMined(ctx context.Context, log *zap.Logger, hash common.Hash) {
	block, err := h.source.BlockByHash(ctx, hash)
	if err != nil {
		log.Warn("Failed to fetch block body", zap.Error(err))
		return
	}
	txs := block.Transactions()
	hashes := make([]common.Hash, len(txs))
	for i, tx := range txs {
		hashes[i] = tx.Hash()
	}
	if err := h.status.MarkMined(ctx, hashes); err != nil {
		log.Warn("Failed to mark mined transactions", zap.Error(err))
	}
}
